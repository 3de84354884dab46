// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote model API and exposes a uniform interface for
// the dispatcher to stream conversational replies and to run structured
// extraction over the conversation so far, without coupling to any specific
// SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import (
	"context"
	"encoding/json"
)

// CompletionRequest carries everything the LLM needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages
// must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history.
	SystemPrompt string

	// Temperature controls output randomness in the range [0.0, 2.0]. A
	// value of 0.0 requests greedy (argmax) decoding; nil leaves the
	// provider default in place.
	Temperature *float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int
}

// Chunk is a single token or fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty if
	// the chunk carries only a FinishReason.
	Text string

	// FinishReason is set on the final chunk and indicates why generation
	// stopped. Common values are "stop" (natural end), "length" (MaxTokens
	// reached), "error" (stream failed; Text holds the error message), and
	// "" (non-final chunk).
	FinishReason string
}

// ExtractRequest asks the model to parse the conversation into a structured
// value described by a JSON schema.
type ExtractRequest struct {
	// Messages is the conversation to extract from.
	Messages []Message

	// SystemPrompt is the extraction instruction (e.g. "only extract values
	// explicitly stated in the conversation").
	SystemPrompt string

	// SchemaName is a short identifier for the target schema.
	SchemaName string

	// Schema is the JSON Schema the model's output must conform to.
	Schema map[string]any
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// Each method should propagate context cancellation promptly: when ctx is
// cancelled the method must return (or close its channel) as quickly as
// possible.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only
	// channel that emits Chunk values as they arrive. The channel is closed
	// by the implementation when generation finishes or when ctx is
	// cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that
	// occur after the channel is opened are surfaced as a Chunk with
	// FinishReason "error"; the initial error return is non-nil only for
	// failures that prevent the stream from starting.
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Extract sends req to the model with a structured-output response
	// format and returns the raw JSON document conforming to req.Schema.
	//
	// Returns an error if the request fails or the model produces output
	// that is not valid JSON.
	Extract(ctx context.Context, req ExtractRequest) (json.RawMessage, error)
}
