// Package llm defines the Provider interface for Large Language Model
// backends.
//
// An LLM provider wraps a remote or local model API and exposes a uniform
// interface for the agent loop to stream completions and request tool calls
// without coupling to any specific SDK.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/loquilabs/loqui/pkg/types"
)

// Finish reasons reported on the terminal chunk of a stream.
const (
	// FinishStop marks a natural end of generation.
	FinishStop = "stop"

	// FinishToolCalls means the model wants the caller to execute tools and
	// continue the conversation with their results.
	FinishToolCalls = "tool_calls"

	// FinishLength means the MaxTokens cap cut generation short.
	FinishLength = "length"

	// FinishError is the in-band error signal: the chunk's Text carries the
	// error message. Used for failures after the stream was already open.
	FinishError = "error"
)

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages
	// and system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []types.Message

	// Tools is the set of function definitions offered to the model.
	Tools []types.ToolDefinition

	// Temperature controls output randomness in [0.0, 2.0]. Zero means use
	// the provider default.
	Temperature float64

	// MaxTokens caps completion tokens. Zero means provider default.
	MaxTokens int

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history.
	SystemPrompt string
}

// Chunk is a single fragment emitted by a streaming completion. A chunk may
// carry text, a finish signal, tool calls, or any combination.
type Chunk struct {
	// Text is the incremental text content of this chunk.
	Text string

	// FinishReason is set on the final chunk: FinishStop, FinishToolCalls,
	// FinishLength, or FinishError. Empty on non-final chunks.
	FinishReason string

	// ToolCalls carries the model's tool invocations. Providers accumulate
	// streamed fragments internally and attach calls here only fully
	// assembled, on the final chunk.
	ToolCalls []types.ToolCall
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the
	// model responds exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model.
	ToolCalls []types.ToolCall

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use. Each method must
// propagate context cancellation promptly.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only
	// channel emitting Chunk values as they arrive. The channel is closed by
	// the implementation when generation finishes or ctx is cancelled.
	//
	// Callers must drain the channel. Errors after the stream opened arrive
	// as a Chunk with FinishReason == FinishError; the error return is
	// non-nil only for failures that prevent the stream from starting.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response. Convenience for
	// callers that do not need incremental output.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// NormalizeToolCall fixes up a fully assembled tool call before it is handed
// to the agent loop: an empty argument payload becomes "{}" and a payload
// that is not a JSON object is flagged invalid instead of being executed.
func NormalizeToolCall(tc *types.ToolCall) {
	if tc.Arguments == "" {
		tc.Arguments = "{}"
		return
	}
	var obj map[string]any
	if json.Unmarshal([]byte(tc.Arguments), &obj) != nil {
		tc.ArgumentsInvalid = true
	}
}

// AssembleToolCalls converts tool calls accumulated from stream deltas
// (keyed by their stream index) into the final ordered, normalized list.
func AssembleToolCalls(accum map[int]*types.ToolCall) []types.ToolCall {
	if len(accum) == 0 {
		return nil
	}
	idxs := make([]int, 0, len(accum))
	for i := range accum {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)

	out := make([]types.ToolCall, 0, len(idxs))
	for _, i := range idxs {
		tc := *accum[i]
		NormalizeToolCall(&tc)
		out = append(out, tc)
	}
	return out
}
