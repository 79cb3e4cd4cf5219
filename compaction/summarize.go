package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/obra/lace/provider"
	"github.com/obra/lace/thread"
	"github.com/obra/lace/types"
)

// taskKeywords flag events that anchor ongoing work; events containing
// any of them are kept verbatim.
var taskKeywords = []string{"TODO", "FIXME", "ERROR"}

// summaryPrompt is the instruction sent to the provider ahead of the
// rendered events.
const summaryPrompt = `Summarize the following conversation excerpt in prose.
Keep every decision, open task, file path, and error verbatim where possible.
Reply with the summary only.`

// Summarize replaces older events with a provider-written prose
// summary while keeping: every USER_MESSAGE verbatim, the most recent
// N events, any event carrying a task keyword, and the system prompts.
// Tool call/result pairing is closed over the keep set: retaining
// either side retains both.
type Summarize struct{}

// NewSummarize creates the summarize strategy.
func NewSummarize() *Summarize {
	return &Summarize{}
}

// ID returns the strategy identifier.
func (s *Summarize) ID() string {
	return "summarize"
}

// Compact partitions events into kept and removed, asks the provider
// for a summary of the removed ones, and splices a LOCAL_SYSTEM_MESSAGE
// summary event where the removed block began.
func (s *Summarize) Compact(ctx context.Context, events []*thread.Event, sctx StrategyContext) (*thread.CompactionPayload, error) {
	if len(events) == 0 {
		return nil, ErrNoEventsToCompact
	}

	keep := s.selectKept(events, sctx.PreserveLastN)
	closePairing(events, keep)

	var removed []*thread.Event
	firstRemoved := -1
	for i, event := range events {
		if !keep[i] {
			if firstRemoved == -1 {
				firstRemoved = i
			}
			removed = append(removed, event)
		}
	}

	if len(removed) == 0 {
		// Nothing to summarize; the log passes through unchanged.
		out := make([]thread.Event, len(events))
		for i, event := range events {
			out[i] = *event
		}
		return &thread.CompactionPayload{
			StrategyID:         s.ID(),
			OriginalEventCount: len(events),
			CompactedEvents:    out,
			Metadata: map[string]any{
				"eventsSummarized": 0,
			},
		}, nil
	}

	summary, err := s.summarize(ctx, removed, sctx)
	if err != nil {
		return nil, err
	}

	summaryEvent := thread.Event{
		ID:        thread.NewEventID(),
		ThreadID:  sctx.ThreadID,
		Type:      thread.EventLocalSystemMessage,
		Timestamp: events[firstRemoved].Timestamp,
		Data:      mustMarshalText("Conversation summary (older events condensed):\n" + summary),
	}

	userMessages := 0
	out := make([]thread.Event, 0, len(events)-len(removed)+1)
	for i, event := range events {
		if i == firstRemoved {
			out = append(out, summaryEvent)
		}
		if !keep[i] {
			continue
		}
		if event.Type == thread.EventUserMessage {
			userMessages++
		}
		out = append(out, *event)
	}

	return &thread.CompactionPayload{
		StrategyID:         s.ID(),
		OriginalEventCount: len(events),
		CompactedEvents:    out,
		Metadata: map[string]any{
			"eventsSummarized":      len(removed),
			"userMessagesPreserved": userMessages,
			"summaryLength":         len(summary),
		},
	}, nil
}

// selectKept marks the events kept verbatim before pairing closure.
func (s *Summarize) selectKept(events []*thread.Event, preserveLastN int) []bool {
	keep := make([]bool, len(events))
	recentFrom := len(events) - preserveLastN
	if recentFrom < 0 {
		recentFrom = 0
	}

	for i, event := range events {
		switch {
		case event.Type == thread.EventUserMessage:
			keep[i] = true // user messages anchor intent
		case event.Type == thread.EventSystemPrompt, event.Type == thread.EventUserSystemPrompt:
			keep[i] = true
		case i >= recentFrom:
			keep[i] = true
		case containsTaskKeyword(event):
			keep[i] = true
		}
	}
	return keep
}

// containsTaskKeyword scans the serialized payload for task keywords.
func containsTaskKeyword(event *thread.Event) bool {
	data := string(event.Data)
	for _, keyword := range taskKeywords {
		if strings.Contains(data, keyword) {
			return true
		}
	}
	return false
}

// closePairing extends the keep set so that a retained tool call keeps
// its result and a retained result keeps its call.
func closePairing(events []*thread.Event, keep []bool) {
	callIndex := make(map[string]int)
	resultIndex := make(map[string]int)
	for i, event := range events {
		switch event.Type {
		case thread.EventToolCall:
			if call, err := event.ToolCall(); err == nil {
				callIndex[call.ID] = i
			}
		case thread.EventToolResult:
			if result, err := event.ToolResult(); err == nil {
				resultIndex[result.ID] = i
			}
		}
	}

	for i, event := range events {
		if !keep[i] {
			continue
		}
		switch event.Type {
		case thread.EventToolCall:
			if call, err := event.ToolCall(); err == nil {
				if j, ok := resultIndex[call.ID]; ok {
					keep[j] = true
				}
			}
		case thread.EventToolResult:
			if result, err := event.ToolResult(); err == nil {
				if j, ok := callIndex[result.ID]; ok {
					keep[j] = true
				}
			}
		}
	}
}

// summarize renders the removed events and asks the provider for prose.
func (s *Summarize) summarize(ctx context.Context, removed []*thread.Event, sctx StrategyContext) (string, error) {
	if sctx.Provider == nil {
		return "", fmt.Errorf("%w: no provider available", ErrSummarizationFailed)
	}

	rendered := renderEvents(removed)
	messages := []types.ProviderMessage{
		{Role: types.RoleUser, Content: summaryPrompt + "\n\n" + rendered},
	}

	resp, err := sctx.Provider.CreateResponse(ctx, messages, nil, provider.Options{})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSummarizationFailed, err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("%w: provider returned empty summary", ErrSummarizationFailed)
	}

	return resp.Content, nil
}

// renderEvents produces a plain-text transcript of events for the
// summarization request.
func renderEvents(events []*thread.Event) string {
	var b strings.Builder
	for _, event := range events {
		b.WriteString(event.Timestamp.Format(time.RFC3339))
		b.WriteString(" ")
		b.WriteString(string(event.Type))
		b.WriteString(": ")

		switch event.Type {
		case thread.EventAgentMessage:
			if payload, err := event.AgentMessage(); err == nil {
				b.WriteString(payload.Content)
			}
		case thread.EventToolCall:
			if call, err := event.ToolCall(); err == nil {
				b.WriteString(call.Name)
				b.WriteString(" ")
				b.Write(call.Arguments)
			}
		case thread.EventToolResult:
			if result, err := event.ToolResult(); err == nil {
				b.WriteString(result.Text())
			}
		default:
			if text, err := event.Text(); err == nil {
				b.WriteString(text)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// mustMarshalText serializes a string payload. Strings always marshal.
func mustMarshalText(text string) []byte {
	data, _ := json.Marshal(text)
	return data
}
