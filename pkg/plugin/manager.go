package plugin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
)

// Manager owns every registered plugin and walks it through its lifecycle.
type Manager struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	loader    Loader
	sandbox   IsolationStrategy
	resources map[string]any
	base      IsolationPolicy
}

type entry struct {
	mu     sync.Mutex
	Plugin Plugin
	Info   Info
	State  State
	Config map[string]any
	Policy IsolationPolicy
	Source string
}

// NewManager validates the manifest, applies options and loads enabled plugins.
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		entries:   make(map[string]*entry),
		loader:    GoPluginLoader{},
		sandbox:   NewIsolationStrategy(nil),
		resources: make(map[string]any),
		base:      cfg.Defaults,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sandbox = NewIsolationStrategy(m.sandbox)
	if err := m.loadFromManifest(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Register adds an already-constructed plugin, bypassing the binary loader.
func (m *Manager) Register(id string, p Plugin, cfg map[string]any, policy IsolationPolicy) error {
	if id == "" {
		return errors.New("plugin id is required")
	}
	if p == nil {
		return errors.New("plugin implementation is required")
	}
	info := p.Info()
	if info.ID != "" && info.ID != id {
		return fmt.Errorf("plugin id %s does not match declared id %s", info.ID, id)
	}
	policy = MergePolicies(m.base, &policy)
	if err := EnsurePolicy(info, policy); err != nil {
		return err
	}
	if err := m.sandbox.Validate(info, policy); err != nil {
		return err
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := p.Configure(cfg); err != nil {
		return fmt.Errorf("plugin %s rejected its configuration: %w", id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[id]; exists {
		return fmt.Errorf("duplicate plugin id %s", id)
	}
	m.entries[id] = &entry{Plugin: p, Info: withID(info, id), State: StateRegistered, Config: cfg, Policy: policy, Source: "manual"}
	return nil
}

// Load loads a plugin implementation from disk and registers it.
func (m *Manager) Load(id string, path string, cfg map[string]any, policy IsolationPolicy) error {
	if path == "" {
		return errors.New("plugin path is required")
	}
	impl, err := m.loader.Load(path)
	if err != nil {
		return fmt.Errorf("could not load plugin object %s: %w", path, err)
	}
	return m.Register(id, impl, cfg, policy)
}

// Start moves a plugin to the started state, running Init first if needed.
func (m *Manager) Start(ctx context.Context, id string) error {
	ent, err := m.lookup(id)
	if err != nil {
		return err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.State == StateStarted {
		return nil
	}
	execCtx := m.execContext(ctx, ent)
	if ent.State == StateRegistered {
		if err := ent.Plugin.Init(execCtx.Clone()); err != nil {
			return fmt.Errorf("plugin %s failed to initialise: %w", id, err)
		}
		ent.State = StateInitialised
	}
	if err := m.sandbox.Prepare(ent.Info); err != nil {
		return fmt.Errorf("sandbox setup for %s failed: %w", id, err)
	}
	if err := ent.Plugin.Start(execCtx.Clone()); err != nil {
		_ = m.sandbox.Cleanup(ent.Info)
		return fmt.Errorf("plugin %s failed to start: %w", id, err)
	}
	ent.State = StateStarted
	return nil
}

// Stop shuts a started plugin down and tears down its sandbox.
func (m *Manager) Stop(ctx context.Context, id string) error {
	ent, err := m.lookup(id)
	if err != nil {
		return err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.State != StateStarted {
		return nil
	}
	execCtx := m.execContext(ctx, ent)
	if err := ent.Plugin.Stop(execCtx.Clone()); err != nil {
		return fmt.Errorf("plugin %s failed to stop: %w", id, err)
	}
	if err := m.sandbox.Cleanup(ent.Info); err != nil {
		return fmt.Errorf("sandbox teardown for %s failed: %w", id, err)
	}
	ent.State = StateStopped
	return nil
}

// StartAll starts every registered plugin in id order.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, id := range m.ids() {
		if err := m.Start(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every started plugin in id order.
func (m *Manager) StopAll(ctx context.Context) error {
	for _, id := range m.ids() {
		if err := m.Stop(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// State reports where a plugin currently sits in its lifecycle.
func (m *Manager) State(id string) (State, error) {
	ent, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.State, nil
}

// Plugins returns the started plugin implementations of the given category,
// ordered by id. The host asserts the concrete contribution interface, e.g.
// a toolpack exposing agent tools.
func (m *Manager) Plugins(category Type) []Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.entries))
	for id, ent := range m.entries {
		if ent.Info.Category == category {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	result := make([]Plugin, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.entries[id].Plugin)
	}
	return result
}

func (m *Manager) execContext(ctx context.Context, ent *entry) *ExecutionContext {
	return &ExecutionContext{C: ctx, Config: ent.Config, Resources: m.resources}
}

func (m *Manager) ids() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ent, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("no plugin registered under id %s", id)
	}
	return ent, nil
}

func (m *Manager) loadFromManifest(cfg ManagerConfig) error {
	for id, spec := range cfg.Plugins {
		if !spec.Enabled {
			continue
		}
		path := spec.Path
		if !filepath.IsAbs(path) && cfg.PluginDir != "" {
			path = filepath.Join(cfg.PluginDir, path)
		}
		policy := MergePolicies(cfg.Defaults, spec.Policy)
		if err := m.Load(id, path, copyConfig(spec.Config), policy); err != nil {
			return err
		}
	}
	return nil
}

func withID(info Info, id string) Info {
	if info.ID == "" {
		info.ID = id
	}
	return info
}

func copyConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	return copyAnyMap(cfg)
}
