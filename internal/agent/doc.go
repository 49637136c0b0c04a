// Package agent contains the core orchestrator responsible for answering
// natural-language questions against a SQL warehouse. It drives the
// reason/act loop between the language model and the registered tools,
// maintains conversational memory, and persists run history.
package agent
