package compaction

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/obra/lace/thread"
	"github.com/obra/lace/types"
)

var testClock = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func mkEvent(t *testing.T, id string, eventType thread.EventType, payload any) *thread.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	testClock = testClock.Add(time.Second)
	return &thread.Event{
		ID:        id,
		ThreadID:  "t",
		Type:      eventType,
		Timestamp: testClock,
		Data:      data,
	}
}

func mkCall(id, name, args string) types.ToolCall {
	return types.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func multiLineText(lines int) string {
	parts := make([]string, lines)
	for i := range parts {
		parts[i] = "line"
	}
	return strings.Join(parts, "\n")
}

func eventTexts(t *testing.T, events []thread.Event, eventType thread.EventType) []string {
	t.Helper()
	var texts []string
	for i := range events {
		if events[i].Type != eventType {
			continue
		}
		text, err := events[i].Text()
		if err != nil {
			t.Fatalf("decode text: %v", err)
		}
		texts = append(texts, text)
	}
	return texts
}
