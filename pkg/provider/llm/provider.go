// Package llm defines the Provider interface for Large Language Model
// backends.
//
// A provider wraps one OpenAI-compatible chat endpoint and exposes a
// uniform streaming interface to the persona runtime without coupling it
// to any specific SDK. Parley constructs a short-lived provider per call
// from a persona's resolved API profile, so implementations should be
// cheap to build.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream
// ends or when the supplied context is cancelled.
package llm

import "context"

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a
// response. At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// Tools is the set of tool definitions offered to the model for this
	// call. Tools are bound per invocation; there is no global registry.
	Tools []ToolDefinition

	// Temperature controls output randomness in the range [0.0, 2.0].
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means the
	// provider default.
	MaxTokens int

	// SystemPrompt is an optional high-priority instruction injected
	// before the conversation history.
	SystemPrompt string
}

// Chunk is a single fragment emitted by a streaming completion. A chunk
// may carry text, a finish signal, tool calls, or any combination.
type Chunk struct {
	// Text is the incremental text content of this chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length",
	// "tool_calls", or "error" when the stream failed mid-flight (Text
	// then holds the error message).
	FinishReason string

	// ToolCalls contains fully accumulated tool invocations. Only set on
	// the final chunk of a tool-calling response.
	ToolCalls []ToolCall
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the
	// model responds exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model.
	ToolCalls []ToolCall

	Usage Usage
}

// Provider is the abstraction over any chat-completion backend.
//
// Implementations must propagate context cancellation promptly: when ctx
// is cancelled the method must return (or close its channel) as quickly
// as possible.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only
	// channel emitting Chunk values as they arrive. The channel is closed
	// when generation finishes or ctx is cancelled.
	//
	// Callers must drain the channel. Errors after the stream has opened
	// are surfaced as a Chunk with FinishReason "error"; the error return
	// is non-nil only when the stream cannot start at all.
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response. A convenience
	// wrapper for callers that do not need incremental output, e.g. the
	// profile health probe.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
