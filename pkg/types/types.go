// Package types defines the shared types used across all Loqui packages.
//
// These types form the lingua franca between the provider adapters, the agent
// loop, and the session orchestrator. They are intentionally minimal: each
// package defines its own domain types, but cross-cutting data structures live
// here to avoid circular imports.
package types

// Conversation roles. History entries carry exactly one of these.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a single message in an LLM conversation history.
// History is append-only within a session and is the authoritative LLM context.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// ToolCalls contains the tool invocations requested by the assistant.
	// Only set when Role is "assistant".
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which assistant
	// tool call this message responds to.
	ToolCallID string
}

// ToolCall represents a tool invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool name.
	Name string

	// Arguments is the JSON-encoded arguments object, fully assembled from
	// the streaming deltas before the call is surfaced.
	Arguments string

	// ArgumentsInvalid is set by the LLM adapter when the accumulated
	// Arguments failed to parse as a JSON object at end of stream. The
	// registry must not execute such a call; it produces an error result
	// instead so the model can observe and recover.
	ArgumentsInvalid bool
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}
