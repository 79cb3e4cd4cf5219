// Package service renders read-only transcript views of threads for
// embedding hosts. It is a pure consumer of the thread store's joined
// queries; it never writes events.
package service

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	htmlrenderer "github.com/yuin/goldmark/renderer/html"

	"github.com/obra/lace/thread"
)

// Entry is one rendered timeline item.
type Entry struct {
	EventID   string
	ThreadID  string
	Type      thread.EventType
	Timestamp time.Time

	// IsDelegate marks entries from child threads of the requested one.
	IsDelegate bool

	// Text is the plain payload text.
	Text string

	// HTML is the sanitized markdown rendering of Text. Empty for
	// non-text events.
	HTML template.HTML

	// ToolName and CallID are set for tool call/result entries.
	ToolName string
	CallID   string
	IsError  bool
}

// TranscriptView is the rendered joined timeline of a thread and its
// delegates.
type TranscriptView struct {
	ThreadID string
	Entries  []Entry
}

// Service renders transcripts from a thread store.
type Service struct {
	store     *thread.Store
	markdown  goldmark.Markdown
	sanitizer *bluemonday.Policy
}

// New creates a transcript service.
func New(store *thread.Store) *Service {
	return &Service{
		store: store,
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(htmlrenderer.WithHardWraps()),
		),
		sanitizer: bluemonday.UGCPolicy(),
	}
}

// Transcript renders the joined parent+delegate timeline of a canonical
// thread, ordered by timestamp. Compaction records are expanded so the
// view reads as the live conversation.
func (s *Service) Transcript(ctx context.Context, threadID string) (*TranscriptView, error) {
	events, err := s.store.GetEventsJoined(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("transcript %s: %w", threadID, err)
	}

	expanded, err := expand(events)
	if err != nil {
		return nil, fmt.Errorf("transcript %s: %w", threadID, err)
	}

	view := &TranscriptView{ThreadID: threadID}
	for _, event := range expanded {
		entry, err := s.renderEvent(threadID, event)
		if err != nil {
			return nil, fmt.Errorf("transcript %s: %w", threadID, err)
		}
		if entry != nil {
			view.Entries = append(view.Entries, *entry)
		}
	}

	return view, nil
}

// expand splices compaction records into their replacement events.
func expand(events []*thread.Event) ([]*thread.Event, error) {
	out := make([]*thread.Event, 0, len(events))
	for _, event := range events {
		if event.Type != thread.EventCompaction {
			out = append(out, event)
			continue
		}
		payload, err := event.Compaction()
		if err != nil {
			return nil, err
		}
		for i := range payload.CompactedEvents {
			out = append(out, &payload.CompactedEvents[i])
		}
	}
	return out, nil
}

// renderEvent converts one event to an entry. Streaming events are
// transient and produce no entry.
func (s *Service) renderEvent(rootID string, event *thread.Event) (*Entry, error) {
	entry := &Entry{
		EventID:    event.ID,
		ThreadID:   event.ThreadID,
		Type:       event.Type,
		Timestamp:  event.Timestamp,
		IsDelegate: event.ThreadID != rootID,
	}

	switch event.Type {
	case thread.EventUserMessage, thread.EventLocalSystemMessage,
		thread.EventSystemPrompt, thread.EventUserSystemPrompt:
		text, err := event.Text()
		if err != nil {
			return nil, err
		}
		entry.Text = text
		entry.HTML = s.renderMarkdown(text)

	case thread.EventAgentMessage:
		payload, err := event.AgentMessage()
		if err != nil {
			return nil, err
		}
		entry.Text = payload.Content
		entry.HTML = s.renderMarkdown(payload.Content)

	case thread.EventToolCall:
		call, err := event.ToolCall()
		if err != nil {
			return nil, err
		}
		entry.ToolName = call.Name
		entry.CallID = call.ID
		entry.Text = string(call.Arguments)

	case thread.EventToolResult:
		result, err := event.ToolResult()
		if err != nil {
			return nil, err
		}
		entry.CallID = result.ID
		entry.IsError = result.IsError
		entry.Text = result.Text()

	case thread.EventAgentStreaming:
		return nil, nil

	default:
		return nil, nil
	}

	return entry, nil
}

// renderMarkdown converts markdown to sanitized HTML.
func (s *Service) renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := s.markdown.Convert([]byte(text), &buf); err != nil {
		// Fall back to escaped plain text.
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(s.sanitizer.SanitizeBytes(buf.Bytes()))
}
