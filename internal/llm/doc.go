// Package llm contains adapters and orchestration types for invoking large
// language models. It abstracts away provider-specific APIs and normalizes
// the reason/act request and response lifecycle used by the agent runtime.
package llm
