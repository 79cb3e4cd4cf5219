// Package testutil provides test doubles and database helpers shared by
// the runtime's tests.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/obra/lace/provider"
	"github.com/obra/lace/types"
)

// Step is one scripted provider turn: either a response or an error.
type Step struct {
	Response *provider.Response
	Err      error
}

// FakeProvider replays a scripted sequence of responses. It records
// every request so tests can assert on the folded conversations the
// agent produced.
type FakeProvider struct {
	mu    sync.Mutex
	queue []Step

	// SupportsStreaming makes CreateStreamingResponse serve the script
	// as chunked streams instead of returning ErrStreamingUnsupported.
	SupportsStreaming bool

	// TokenCount and TokenErr script CountTokens.
	TokenCount int
	TokenErr   error

	// Window and MaxTokens script the model dimensions.
	Window    int
	MaxTokens int

	// Requests holds every message list the provider was called with.
	Requests [][]types.ProviderMessage
}

// NewFakeProvider creates a provider scripted with the given steps.
func NewFakeProvider(steps ...Step) *FakeProvider {
	return &FakeProvider{
		queue:     steps,
		TokenErr:  provider.ErrTokenCountingUnsupported,
		Window:    200000,
		MaxTokens: 8192,
	}
}

// Respond appends a plain-text response step.
func Respond(content string, calls ...types.ToolCall) Step {
	return Step{Response: &provider.Response{
		Content:    content,
		ToolCalls:  calls,
		StopReason: "end_turn",
		TokenUsage: &types.TokenUsage{InputTokens: 10, OutputTokens: 5},
	}}
}

// Fail appends an error step.
func Fail(err error) Step {
	return Step{Err: err}
}

// Push appends steps to the script.
func (p *FakeProvider) Push(steps ...Step) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, steps...)
}

// pop consumes the next step, recording the request.
func (p *FakeProvider) pop(messages []types.ProviderMessage) (Step, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	copied := make([]types.ProviderMessage, len(messages))
	copy(copied, messages)
	p.Requests = append(p.Requests, copied)

	if len(p.queue) == 0 {
		return Step{}, fmt.Errorf("fake provider: script exhausted after %d requests", len(p.Requests))
	}
	step := p.queue[0]
	p.queue = p.queue[1:]
	return step, nil
}

// RequestCount returns the number of provider calls made.
func (p *FakeProvider) RequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}

// CreateResponse implements provider.Provider.
func (p *FakeProvider) CreateResponse(ctx context.Context, messages []types.ProviderMessage, _ []provider.ToolDefinition, _ provider.Options) (*provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	step, err := p.pop(messages)
	if err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Response, nil
}

// CreateStreamingResponse implements provider.Provider.
func (p *FakeProvider) CreateStreamingResponse(ctx context.Context, messages []types.ProviderMessage, tools []provider.ToolDefinition, opts provider.Options) (provider.Stream, error) {
	if !p.SupportsStreaming {
		return nil, provider.ErrStreamingUnsupported
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	step, err := p.pop(messages)
	if err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return newFakeStream(ctx, step.Response), nil
}

// CountTokens implements provider.Provider.
func (p *FakeProvider) CountTokens(context.Context, []types.ProviderMessage, []provider.ToolDefinition) (int, error) {
	if p.TokenErr != nil {
		return 0, p.TokenErr
	}
	return p.TokenCount, nil
}

// ContextWindow implements provider.Provider.
func (p *FakeProvider) ContextWindow() int {
	return p.Window
}

// MaxCompletionTokens implements provider.Provider.
func (p *FakeProvider) MaxCompletionTokens() int {
	return p.MaxTokens
}

// fakeStream serves a response as word-sized text chunks.
type fakeStream struct {
	ctx      context.Context
	response *provider.Response
	chunks   []string
	pos      int
	current  provider.Chunk
	err      error
	done     bool
}

func newFakeStream(ctx context.Context, response *provider.Response) *fakeStream {
	const chunkSize = 8
	var chunks []string
	content := response.Content
	for len(content) > 0 {
		n := chunkSize
		if n > len(content) {
			n = len(content)
		}
		chunks = append(chunks, content[:n])
		content = content[n:]
	}
	return &fakeStream{ctx: ctx, response: response, chunks: chunks}
}

func (s *fakeStream) Next() bool {
	if err := s.ctx.Err(); err != nil {
		s.err = err
		return false
	}
	if s.pos >= len(s.chunks) {
		s.done = true
		return false
	}
	s.current = provider.Chunk{TextDelta: s.chunks[s.pos]}
	s.pos++
	return true
}

func (s *fakeStream) Current() provider.Chunk {
	return s.current
}

func (s *fakeStream) Err() error {
	return s.err
}

func (s *fakeStream) Response() *provider.Response {
	if !s.done {
		return nil
	}
	return s.response
}

func (s *fakeStream) Close() error {
	return nil
}
