package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/obra/lace/thread"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// TrimSentinel is appended to every truncated tool result.
const TrimSentinel = "[results truncated to save space.]"

// trimKeepLines is the number of leading lines kept per text block.
const trimKeepLines = 3

// TrimToolResults is the deterministic, cheap, safe strategy: every
// non-TOOL_RESULT event is preserved verbatim; tool result text is cut
// to its first lines. No provider call is made.
type TrimToolResults struct{}

// NewTrimToolResults creates the trim strategy.
func NewTrimToolResults() *TrimToolResults {
	return &TrimToolResults{}
}

// ID returns the strategy identifier.
func (s *TrimToolResults) ID() string {
	return "trim-tool-results"
}

// Compact rewrites TOOL_RESULT payloads in place, leaving every other
// event untouched.
func (s *TrimToolResults) Compact(_ context.Context, events []*thread.Event, _ StrategyContext) (*thread.CompactionPayload, error) {
	if len(events) == 0 {
		return nil, ErrNoEventsToCompact
	}

	trimmed := 0
	out := make([]thread.Event, len(events))
	for i, event := range events {
		out[i] = *event
		if event.Type != thread.EventToolResult {
			continue
		}

		data, changed, err := trimResultData(event.Data)
		if err != nil {
			return nil, fmt.Errorf("trim event %s: %w", event.ID, err)
		}
		if changed {
			out[i].Data = data
			trimmed++
		}
	}

	return &thread.CompactionPayload{
		StrategyID:         s.ID(),
		OriginalEventCount: len(events),
		CompactedEvents:    out,
		Metadata: map[string]any{
			"toolResultsTrimmed": trimmed,
		},
	}, nil
}

// trimResultData cuts each text content block of a serialized
// TOOL_RESULT payload down to its leading lines plus the sentinel.
func trimResultData(data []byte) ([]byte, bool, error) {
	blocks := gjson.GetBytes(data, "content")
	if !blocks.IsArray() {
		return data, false, nil
	}

	out := data
	changed := false
	var outerErr error
	blocks.ForEach(func(index, block gjson.Result) bool {
		if block.Get("type").String() != "text" {
			return true
		}
		text := block.Get("text").String()
		truncated, ok := trimText(text)
		if !ok {
			return true
		}

		path := fmt.Sprintf("content.%d.text", index.Int())
		next, err := sjson.SetBytes(out, path, truncated)
		if err != nil {
			outerErr = err
			return false
		}
		out = next
		changed = true
		return true
	})
	if outerErr != nil {
		return nil, false, outerErr
	}

	return out, changed, nil
}

// trimText keeps the first trimKeepLines lines and appends the
// sentinel. Returns ok=false when the text is already short enough.
func trimText(text string) (string, bool) {
	lines := strings.Split(text, "\n")
	if len(lines) <= trimKeepLines {
		return "", false
	}
	kept := strings.Join(lines[:trimKeepLines], "\n")
	return kept + "\n" + TrimSentinel, true
}
