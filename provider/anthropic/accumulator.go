package anthropic

import (
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/obra/lace/provider"
	"github.com/obra/lace/types"
)

// accumulator builds a complete provider.Response from the event stream
// of the Anthropic streaming API.
type accumulator struct {
	stopReason string
	usage      types.TokenUsage

	// Blocks under construction, keyed by stream index.
	open map[int]*partialBlock
	// Completed blocks in completion order.
	done []*partialBlock
}

// partialBlock is a content block being accumulated.
type partialBlock struct {
	blockType string

	text strings.Builder

	toolID    string
	toolName  string
	toolInput strings.Builder
}

func newAccumulator() *accumulator {
	return &accumulator{open: make(map[int]*partialBlock)}
}

// process folds one streaming event into the accumulator and returns
// the text delta it carried, if any.
func (a *accumulator) process(event anthropic.MessageStreamEventUnion) string {
	switch e := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		a.usage.InputTokens = int(e.Message.Usage.InputTokens)
		a.usage.CacheCreationTokens = int(e.Message.Usage.CacheCreationInputTokens)
		a.usage.CacheReadTokens = int(e.Message.Usage.CacheReadInputTokens)

	case anthropic.ContentBlockStartEvent:
		block := &partialBlock{}
		switch content := e.ContentBlock.AsAny().(type) {
		case anthropic.TextBlock:
			block.blockType = "text"
			block.text.WriteString(content.Text)
		case anthropic.ToolUseBlock:
			block.blockType = "tool_use"
			block.toolID = content.ID
			block.toolName = content.Name
		}
		a.open[int(e.Index)] = block

	case anthropic.ContentBlockDeltaEvent:
		block, exists := a.open[int(e.Index)]
		if !exists {
			return ""
		}
		switch delta := e.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			block.text.WriteString(delta.Text)
			return delta.Text
		case anthropic.InputJSONDelta:
			block.toolInput.WriteString(delta.PartialJSON)
		}

	case anthropic.ContentBlockStopEvent:
		if block, exists := a.open[int(e.Index)]; exists {
			a.done = append(a.done, block)
			delete(a.open, int(e.Index))
		}

	case anthropic.MessageDeltaEvent:
		a.stopReason = string(e.Delta.StopReason)
		a.usage.OutputTokens = int(e.Usage.OutputTokens)

	default:
		// Ignore unknown events
	}
	return ""
}

// response returns the accumulated response.
func (a *accumulator) response() *provider.Response {
	var content strings.Builder
	var calls []types.ToolCall

	for _, block := range a.done {
		switch block.blockType {
		case "text":
			content.WriteString(block.text.String())
		case "tool_use":
			input := block.toolInput.String()
			if input == "" {
				input = "{}"
			}
			calls = append(calls, types.ToolCall{
				ID:        block.toolID,
				Name:      block.toolName,
				Arguments: json.RawMessage(input),
			})
		}
	}

	usage := a.usage
	return &provider.Response{
		Content:    content.String(),
		ToolCalls:  calls,
		StopReason: a.stopReason,
		TokenUsage: &usage,
	}
}
