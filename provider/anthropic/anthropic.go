// Package anthropic adapts the Anthropic Messages API to the
// provider.Provider interface consumed by the runtime core.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/obra/lace/provider"
	"github.com/obra/lace/types"
)

// Provider implements provider.Provider against the Anthropic API.
// One Provider is bound to one model.
type Provider struct {
	client *anthropic.Client
	model  string
	info   provider.ModelInfo
}

// New creates a provider for the given client and model id.
func New(client *anthropic.Client, modelID string) *Provider {
	return &Provider{
		client: client,
		model:  modelID,
		info:   provider.GetModelInfo(modelID),
	}
}

// ContextWindow returns the model's context window in tokens.
func (p *Provider) ContextWindow() int {
	return p.info.ContextWindow
}

// MaxCompletionTokens returns the model's completion limit in tokens.
func (p *Provider) MaxCompletionTokens() int {
	return p.info.MaxCompletionTokens
}

// CreateResponse performs one blocking model call.
func (p *Provider) CreateResponse(ctx context.Context, messages []types.ProviderMessage, tools []provider.ToolDefinition, opts provider.Options) (*provider.Response, error) {
	params := p.buildParams(messages, tools, opts)

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyErr(err)
	}

	return convertMessage(message), nil
}

// CreateStreamingResponse performs one model call delivering partial chunks.
func (p *Provider) CreateStreamingResponse(ctx context.Context, messages []types.ProviderMessage, tools []provider.ToolDefinition, opts provider.Options) (provider.Stream, error) {
	params := p.buildParams(messages, tools, opts)

	inner := p.client.Messages.NewStreaming(ctx, params)
	return &stream{inner: inner, acc: newAccumulator()}, nil
}

// CountTokens asks the API for the token footprint of the conversation.
// System content and tool schemas are folded into the counted messages,
// which keeps the count conservative without depending on the counting
// endpoint's full parameter surface.
func (p *Provider) CountTokens(ctx context.Context, messages []types.ProviderMessage, tools []provider.ToolDefinition) (int, error) {
	system, converted := convertMessages(messages)

	extra := system
	for _, tool := range tools {
		schema, _ := json.Marshal(tool.Schema)
		extra += "\n" + tool.Name + " " + tool.Description + " " + string(schema)
	}
	if extra != "" {
		converted = append([]anthropic.MessageParam{{
			Role:    anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(extra)},
		}}, converted...)
	}

	result, err := p.client.Messages.CountTokens(ctx, anthropic.MessageCountTokensParams{
		Model:    anthropic.Model(p.model),
		Messages: converted,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", provider.ErrTokenCountingUnsupported, err)
	}

	return int(result.InputTokens), nil
}

// buildParams assembles the request parameters.
func (p *Provider) buildParams(messages []types.ProviderMessage, tools []provider.ToolDefinition, opts provider.Options) anthropic.MessageNewParams {
	system, converted := convertMessages(messages)

	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = int64(p.info.MaxCompletionTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: maxTokens,
		Messages:  converted,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}

	return params
}

// convertMessages converts provider messages to Anthropic parameters.
// The leading system message is extracted and returned separately.
func convertMessages(messages []types.ProviderMessage) (string, []anthropic.MessageParam) {
	system := ""
	params := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		if msg.Role == types.RoleSystem {
			if system == "" {
				system = msg.Content
			} else {
				system += "\n\n" + msg.Content
			}
			continue
		}

		var blocks []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		for _, call := range msg.ToolCalls {
			var input any
			if len(call.Arguments) > 0 {
				_ = json.Unmarshal(call.Arguments, &input)
			}
			// The API requires a dictionary, not null.
			if input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		for _, result := range msg.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(result.ID, result.Text(), result.IsError))
		}
		if len(blocks) == 0 {
			blocks = append(blocks, anthropic.NewTextBlock(""))
		}

		params = append(params, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(msg.Role),
			Content: blocks,
		})
	}

	return system, params
}

// convertTools converts tool definitions to Anthropic tool parameters.
func convertTools(tools []provider.ToolDefinition) []anthropic.ToolUnionParam {
	unions := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		param := anthropic.ToolParam{
			Name:        tool.Name,
			Description: anthropic.String(tool.Description),
			InputSchema: convertSchema(tool.Schema),
		}
		unions = append(unions, anthropic.ToolUnionParam{OfTool: &param})
	}
	return unions
}

// convertSchema converts a JSON-schema map to the API's input schema shape.
func convertSchema(schema map[string]any) anthropic.ToolInputSchemaParam {
	out := anthropic.ToolInputSchemaParam{
		Type: constant.Object("object"),
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = props
	}
	if required, ok := schema["required"].([]string); ok {
		out.Required = required
	} else if raw, ok := schema["required"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	return out
}

// convertMessage converts a completed API message to a provider response.
func convertMessage(message *anthropic.Message) *provider.Response {
	resp := &provider.Response{
		StopReason: string(message.StopReason),
		TokenUsage: &types.TokenUsage{
			InputTokens:         int(message.Usage.InputTokens),
			OutputTokens:        int(message.Usage.OutputTokens),
			CacheCreationTokens: int(message.Usage.CacheCreationInputTokens),
			CacheReadTokens:     int(message.Usage.CacheReadInputTokens),
		},
	}

	for _, block := range message.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, types.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: json.RawMessage(block.Input),
			})
		}
	}

	return resp
}

// classifyErr wraps rate limits and server errors as transient so the
// core retries them with backoff.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode == 408 || apiErr.StatusCode >= 500 {
			return provider.Transient(err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Anything that is not a server-reported error is a network problem.
	return provider.Transient(err)
}

// stream adapts the SSE stream to provider.Stream.
type stream struct {
	inner   *ssestream.Stream[anthropic.MessageStreamEventUnion]
	acc     *accumulator
	current provider.Chunk
	resp    *provider.Response
	err     error
	closed  bool
}

// Next advances to the next text delta.
func (s *stream) Next() bool {
	for s.inner.Next() {
		delta := s.acc.process(s.inner.Current())
		if delta != "" {
			s.current = provider.Chunk{TextDelta: delta}
			return true
		}
	}

	if err := s.inner.Err(); err != nil {
		s.err = classifyErr(err)
		return false
	}

	if s.resp == nil {
		s.resp = s.acc.response()
	}
	return false
}

// Current returns the chunk at the current position.
func (s *stream) Current() provider.Chunk {
	return s.current
}

// Err returns the terminal error, or nil on clean completion.
func (s *stream) Err() error {
	return s.err
}

// Response returns the accumulated response.
func (s *stream) Response() *provider.Response {
	return s.resp
}

// Close releases the stream.
func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.inner.Close()
}
