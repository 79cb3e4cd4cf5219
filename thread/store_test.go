package thread

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/obra/lace/storage"
	"github.com/obra/lace/types"
)

func newTestStore() *Store {
	return NewStore(storage.NewMemoryStore())
}

func TestCreateThreadGeneratesID(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	created, err := store.CreateThread(ctx, "")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if !strings.HasPrefix(created.ID, "lace-") {
		t.Errorf("generated id %q should carry the lace- prefix", created.ID)
	}

	other, err := store.CreateThread(ctx, "")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if created.ID == other.ID {
		t.Error("generated ids should not collide")
	}
}

func TestCreateThreadDuplicate(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	if _, err := store.CreateThread(ctx, "t1"); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	_, err := store.CreateThread(ctx, "t1")
	if !errors.Is(err, storage.ErrDuplicateThread) {
		t.Errorf("expected ErrDuplicateThread, got %v", err)
	}
}

func TestAppendEventUnknownThread(t *testing.T) {
	store := newTestStore()

	_, err := store.AppendEvent(context.Background(), "missing", EventUserMessage, "hi")
	if !errors.Is(err, storage.ErrThreadNotFound) {
		t.Errorf("expected ErrThreadNotFound, got %v", err)
	}
}

func TestAppendEventRejectsUnknownType(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	if _, err := store.CreateThread(ctx, "t1"); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if _, err := store.AppendEvent(ctx, "t1", EventType("BOGUS"), "hi"); err == nil {
		t.Error("expected error for unknown event type")
	}
}

func TestAppendEventRejectsUnmarshalablePayload(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	if _, err := store.CreateThread(ctx, "t1"); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	_, err := store.AppendEvent(ctx, "t1", EventUserMessage, make(chan int))
	if !errors.Is(err, storage.ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestGetEventsOrdering(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	if _, err := store.CreateThread(ctx, "t1"); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	var ids []string
	for i := 0; i < 20; i++ {
		event, err := store.AppendEvent(ctx, "t1", EventUserMessage, "msg")
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		ids = append(ids, event.ID)
	}

	events, err := store.GetEvents(ctx, "t1")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != len(ids) {
		t.Fatalf("got %d events, want %d", len(events), len(ids))
	}
	for i, event := range events {
		if event.ID != ids[i] {
			t.Fatalf("event %d out of order: got %s, want %s", i, event.ID, ids[i])
		}
	}
}

func TestGetLatestThreadID(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	latest, err := store.GetLatestThreadID(ctx)
	if err != nil {
		t.Fatalf("GetLatestThreadID: %v", err)
	}
	if latest != "" {
		t.Errorf("empty store should report no latest thread, got %q", latest)
	}

	if _, err := store.CreateThread(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateThread(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AppendEvent(ctx, "a", EventUserMessage, "hi"); err != nil {
		t.Fatal(err)
	}

	latest, err = store.GetLatestThreadID(ctx)
	if err != nil {
		t.Fatalf("GetLatestThreadID: %v", err)
	}
	if latest != "a" {
		t.Errorf("got %q, want %q", latest, "a")
	}
}

func TestVersionMapping(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	if _, err := store.CreateThread(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AppendEvent(ctx, "t1", EventUserMessage, "original"); err != nil {
		t.Fatal(err)
	}

	if _, err := store.CreateThread(ctx, "t1_v2"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AppendEvent(ctx, "t1_v2", EventUserMessage, "compacted"); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateVersion(ctx, "t1", "t1_v2", "compaction:test"); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}

	// Reads through the canonical id see the live version.
	events, err := store.GetEvents(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	text, err := events[0].Text()
	if err != nil {
		t.Fatal(err)
	}
	if text != "compacted" {
		t.Errorf("canonical read returned %q, want %q", text, "compacted")
	}

	// The old version stays queryable directly.
	old, err := store.GetEvents(ctx, "t1_v2")
	if err != nil {
		t.Fatal(err)
	}
	if len(old) != 1 {
		t.Errorf("version read returned %d events, want 1", len(old))
	}

	// Appends through the canonical id land on the live version.
	if _, err := store.AppendEvent(ctx, "t1", EventUserMessage, "after"); err != nil {
		t.Fatal(err)
	}
	events, err = store.GetEvents(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[1].ThreadID != "t1_v2" {
		t.Errorf("append went to %q, want t1_v2", events[1].ThreadID)
	}

	// Reverse lookup is idempotent.
	canonical, err := store.GetCanonicalID(ctx, "t1_v2")
	if err != nil {
		t.Fatal(err)
	}
	if canonical != "t1" {
		t.Errorf("GetCanonicalID(t1_v2) = %q, want t1", canonical)
	}
	again, err := store.GetCanonicalID(ctx, canonical)
	if err != nil {
		t.Fatal(err)
	}
	if again != canonical {
		t.Errorf("GetCanonicalID should be idempotent: %q != %q", again, canonical)
	}
}

func TestCreateVersionRequiresThread(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	if _, err := store.CreateThread(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	err := store.CreateVersion(ctx, "t1", "t1_v2", "compaction:test")
	if !errors.Is(err, storage.ErrThreadNotFound) {
		t.Errorf("expected ErrThreadNotFound, got %v", err)
	}
}

func TestGenerateDelegateThreadID(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	if _, err := store.CreateThread(ctx, "t"); err != nil {
		t.Fatal(err)
	}

	id, err := store.GenerateDelegateThreadID(ctx, "t")
	if err != nil {
		t.Fatal(err)
	}
	if id != "t.1" {
		t.Errorf("first delegate id = %q, want t.1", id)
	}

	if _, err := store.CreateThread(ctx, "t.1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateThread(ctx, "t.3"); err != nil {
		t.Fatal(err)
	}
	// Grandchildren do not affect the parent's numbering.
	if _, err := store.CreateThread(ctx, "t.1.7"); err != nil {
		t.Fatal(err)
	}

	id, err = store.GenerateDelegateThreadID(ctx, "t")
	if err != nil {
		t.Fatal(err)
	}
	if id != "t.4" {
		t.Errorf("delegate id = %q, want t.4 (1 + max existing child)", id)
	}
}

func TestGetEventsJoined(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	for _, id := range []string{"t", "t.1", "t.1.1"} {
		if _, err := store.CreateThread(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := store.AppendEvent(ctx, "t", EventUserMessage, "parent-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AppendEvent(ctx, "t.1", EventUserMessage, "child-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AppendEvent(ctx, "t.1.1", EventUserMessage, "grandchild-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AppendEvent(ctx, "t", EventUserMessage, "parent-2"); err != nil {
		t.Fatal(err)
	}

	events, err := store.GetEventsJoined(ctx, "t")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}

	var texts []string
	for _, event := range events {
		text, err := event.Text()
		if err != nil {
			t.Fatal(err)
		}
		texts = append(texts, text)
	}
	want := []string{"parent-1", "child-1", "grandchild-1", "parent-2"}
	for i := range want {
		if texts[i] != want[i] {
			t.Errorf("joined order[%d] = %q, want %q (full: %v)", i, texts[i], want[i], texts)
		}
	}
}

func TestDelegatesExcludeCompactionVersions(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	for _, id := range []string{"t", "t.1", "t.1_v2"} {
		if _, err := store.CreateThread(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.AppendEvent(ctx, "t.1_v2", EventUserMessage, "compacted child"); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateVersion(ctx, "t.1", "t.1_v2", "compaction:trim"); err != nil {
		t.Fatal(err)
	}

	delegates, err := store.GetDelegates(ctx, "t")
	if err != nil {
		t.Fatal(err)
	}
	if len(delegates) != 1 || delegates[0] != "t.1" {
		t.Errorf("delegates = %v, want [t.1]", delegates)
	}

	// The joined view reads the delegate once, through its live version.
	events, err := store.GetEventsJoined(ctx, "t")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("joined = %d events, want 1 (no duplicates from version threads)", len(events))
	}
}

func TestEventPayloadRoundTrips(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	if _, err := store.CreateThread(ctx, "t"); err != nil {
		t.Fatal(err)
	}

	call := types.ToolCall{ID: "c1", Name: "bash", Arguments: []byte(`{"command":"ls"}`)}
	event, err := store.AppendEvent(ctx, "t", EventToolCall, call)
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := event.ToolCall()
	if err != nil {
		t.Fatal(err)
	}
	if decoded.ID != "c1" || decoded.Name != "bash" {
		t.Errorf("decoded call = %+v", decoded)
	}

	result := types.TextResult("c1", "a\nb", false)
	event, err = store.AppendEvent(ctx, "t", EventToolResult, result)
	if err != nil {
		t.Fatal(err)
	}
	decodedResult, err := event.ToolResult()
	if err != nil {
		t.Fatal(err)
	}
	if decodedResult.Text() != "a\nb" {
		t.Errorf("decoded result text = %q", decodedResult.Text())
	}
}
