package plugin

import "context"

// Plugin is the contract every loadable extension fulfils. The manager
// drives the hooks strictly in order: Configure, Init, Start, Stop.
type Plugin interface {
	// Info reports the static descriptor of the plugin.
	Info() Info
	// Configure hands the plugin its raw configuration block before Init.
	// Plugins may rewrite the map to fill in defaults.
	Configure(cfg map[string]any) error
	// Init performs one-time setup.
	Init(ctx *ExecutionContext) error
	// Start brings the plugin online; background goroutines belong here.
	Start(ctx *ExecutionContext) error
	// Stop shuts the plugin down and frees whatever it holds.
	Stop(ctx *ExecutionContext) error
}

// ExecutionContext carries everything a plugin sees during a lifecycle hook.
type ExecutionContext struct {
	// C carries cancellation and deadlines for the hook invocation.
	C context.Context
	// Config is the merged per-plugin configuration block.
	Config map[string]any
	// Resources holds shared host services keyed by name.
	Resources map[string]any
}

// Clone copies the context so a plugin can mutate the maps without
// leaking changes back to the manager.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	dup := *c
	dup.Config = copyAnyMap(c.Config)
	dup.Resources = copyAnyMap(c.Resources)
	return &dup
}

func copyAnyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Option tweaks a Manager at construction time.
type Option func(*Manager)

// WithLoader swaps in a different binary loader.
func WithLoader(loader Loader) Option {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithIsolationStrategy replaces the capability enforcement strategy.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(m *Manager) {
		if strategy != nil {
			m.sandbox = strategy
		}
	}
}

// WithResource publishes a named host service to every plugin.
func WithResource(key string, value any) Option {
	return func(m *Manager) {
		if key == "" || value == nil {
			return
		}
		if m.resources == nil {
			m.resources = make(map[string]any)
		}
		m.resources[key] = value
	}
}
