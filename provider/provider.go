// Package provider defines the interface the runtime core consumes to
// talk to a model backend, plus model-spec resolution and retry
// classification. Concrete adapters live in subpackages; the core never
// depends on a specific backend.
package provider

import (
	"context"
	"errors"

	"github.com/obra/lace/types"
)

// Sentinel errors.
var (
	// ErrTokenCountingUnsupported is returned by CountTokens when the
	// backend cannot count tokens; callers fall back to estimation.
	ErrTokenCountingUnsupported = errors.New("token counting unsupported")

	// ErrInvalidModelSpec is returned when a model spec string cannot be
	// resolved.
	ErrInvalidModelSpec = errors.New("invalid model spec")

	// ErrUnknownInstance is returned when a model spec names a provider
	// instance that is not registered.
	ErrUnknownInstance = errors.New("unknown provider instance")
)

// ToolDefinition is the schema-level description of a tool handed to
// the provider alongside the conversation.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}

// Options carries per-request parameters.
type Options struct {
	// MaxTokens limits the response length. Zero means the provider's
	// default completion limit.
	MaxTokens int64

	// Temperature controls sampling randomness when non-nil.
	Temperature *float64
}

// Response is the completed result of one provider turn.
type Response struct {
	Content    string
	ToolCalls  []types.ToolCall
	StopReason string
	TokenUsage *types.TokenUsage
}

// Chunk is one partial update from a streaming response.
type Chunk struct {
	// TextDelta is the new text since the previous chunk.
	TextDelta string
}

// Stream is a cancellable sequence of partial chunks ending in a
// complete Response.
type Stream interface {
	// Next advances to the next chunk. It returns false when the stream
	// is exhausted or failed; check Err to distinguish.
	Next() bool

	// Current returns the chunk at the current position.
	Current() Chunk

	// Err returns the terminal error, or nil on clean completion.
	Err() error

	// Response returns the accumulated response. Valid after Next has
	// returned false with a nil Err.
	Response() *Response

	// Close releases the stream. Safe to call at any point; pending
	// reads observe cancellation.
	Close() error
}

// Provider is a model backend. Implementations must be safe for
// concurrent use by multiple agents.
type Provider interface {
	// CreateResponse performs one blocking model call.
	CreateResponse(ctx context.Context, messages []types.ProviderMessage, tools []ToolDefinition, opts Options) (*Response, error)

	// CreateStreamingResponse performs one model call delivering partial
	// chunks. Backends without streaming support return
	// (nil, ErrStreamingUnsupported); callers fall back to CreateResponse.
	CreateStreamingResponse(ctx context.Context, messages []types.ProviderMessage, tools []ToolDefinition, opts Options) (Stream, error)

	// CountTokens returns the token footprint of the given conversation,
	// or ErrTokenCountingUnsupported.
	CountTokens(ctx context.Context, messages []types.ProviderMessage, tools []ToolDefinition) (int, error)

	// ContextWindow returns the model's context window in tokens.
	ContextWindow() int

	// MaxCompletionTokens returns the model's completion limit in tokens.
	MaxCompletionTokens() int
}

// ErrStreamingUnsupported is returned by backends without streaming.
var ErrStreamingUnsupported = errors.New("streaming unsupported")
