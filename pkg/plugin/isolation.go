package plugin

import (
	"errors"
	"fmt"
	"slices"
)

// IsolationStrategy decides whether a plugin may run under a given policy
// and performs any sandbox setup and teardown around its lifecycle.
type IsolationStrategy interface {
	Validate(info Info, policy IsolationPolicy) error
	Prepare(info Info) error
	Cleanup(info Info) error
}

// NoopIsolationStrategy checks capabilities against the policy but applies
// no runtime sandboxing.
type NoopIsolationStrategy struct{}

// Validate rejects plugins whose declared capabilities fall outside the policy.
func (NoopIsolationStrategy) Validate(info Info, policy IsolationPolicy) error {
	for _, want := range info.Capabilities {
		if slices.Contains(policy.DeniedCapabilities, want) {
			return fmt.Errorf("capability %s is denied by policy", want)
		}
	}
	if len(policy.AllowedCapabilities) == 0 {
		return nil
	}
	for _, want := range info.Capabilities {
		if !slices.Contains(policy.AllowedCapabilities, want) {
			return fmt.Errorf("capability %s is outside the allow list", want)
		}
	}
	return nil
}

// Prepare implements IsolationStrategy.
func (NoopIsolationStrategy) Prepare(Info) error { return nil }

// Cleanup implements IsolationStrategy.
func (NoopIsolationStrategy) Cleanup(Info) error { return nil }

// NewIsolationStrategy substitutes the no-op strategy when none is given.
func NewIsolationStrategy(strategy IsolationStrategy) IsolationStrategy {
	if strategy == nil {
		return NoopIsolationStrategy{}
	}
	return strategy
}

// MergePolicies resolves the effective policy for one plugin from the
// manifest defaults and its own override block.
func MergePolicies(defaults IsolationPolicy, override *IsolationPolicy) IsolationPolicy {
	if override == nil {
		return defaults
	}
	merged := override.Merge(defaults)
	if len(merged.AllowedCapabilities) == 0 && len(merged.DeniedCapabilities) == 0 {
		return defaults
	}
	return merged
}

// EnsurePolicy requires an explicit policy for any plugin that declares
// capabilities.
func EnsurePolicy(info Info, policy IsolationPolicy) error {
	if len(info.Capabilities) == 0 {
		return nil
	}
	if len(policy.AllowedCapabilities) == 0 && len(policy.DeniedCapabilities) == 0 {
		return errors.New("plugin declares capabilities but no isolation policy covers it")
	}
	return nil
}
