package tool

import (
	"sort"
	"sync"

	xerrors "OpenLake-Chain/internal/errors"
)

// Registry 维护名称到 Runner 的映射，供推理循环按名查找工具。
type Registry struct {
	mu      sync.RWMutex
	runners map[string]*Runner
}

// NewRegistry 创建空的注册表。
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]*Runner)}
}

// Register 注册一个 Runner。名称冲突视为配置错误。
func (r *Registry) Register(runner *Runner) error {
	if runner == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "runner 不能为空")
	}
	name := runner.Definition().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runners[name]; exists {
		return xerrors.New(xerrors.CodeConflict, "工具 "+name+" 已注册")
	}
	r.runners[name] = runner
	return nil
}

// Lookup 按名称返回 Runner。
func (r *Registry) Lookup(name string) (*Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[name]
	return runner, ok
}

// Definitions 返回已注册工具的定义，按名称排序，用于构建提示词。
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.runners))
	for _, runner := range r.runners {
		defs = append(defs, runner.Definition())
	}
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Name < defs[j].Name
	})
	return defs
}

// Len 返回已注册工具数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runners)
}
