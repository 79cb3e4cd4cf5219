package thread

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/obra/lace/storage"
)

// Thread re-exports the persisted thread record.
type Thread = storage.Thread

// Store is the domain layer over the persistence backend. It owns thread
// id generation, version resolution on reads, delegate id allocation,
// and joined parent+delegate queries.
type Store struct {
	backend storage.Store
}

// NewStore creates a thread store over the given backend.
func NewStore(backend storage.Store) *Store {
	return &Store{backend: backend}
}

// Backend returns the underlying persistence backend.
func (s *Store) Backend() storage.Store {
	return s.backend
}

// NewThreadID generates a collision-resistant, human-readable thread id:
// a date stamp plus a random suffix.
func NewThreadID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("lace-%s-%s", time.Now().UTC().Format("20060102"), suffix)
}

// NewEventID generates a time-ordered, lexicographically sortable event id.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; fall back to v4
		// and accept arbitrary tie-breaking for this event.
		return uuid.NewString()
	}
	return id.String()
}

// CreateThread creates a thread with the given id, or a generated one
// if id is empty. Fails with storage.ErrDuplicateThread if the id exists.
func (s *Store) CreateThread(ctx context.Context, id string) (*Thread, error) {
	if id == "" {
		id = NewThreadID()
	}

	now := time.Now().UTC()
	thread := &Thread{ID: id, CreatedAt: now, UpdatedAt: now}
	if err := s.backend.SaveThread(ctx, thread); err != nil {
		return nil, err
	}
	return thread, nil
}

// GetThread returns a thread by id, resolved through the version mapping.
func (s *Store) GetThread(ctx context.Context, id string) (*Thread, error) {
	current, err := s.backend.GetCurrentVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.backend.LoadThread(ctx, current)
}

// AppendEvent appends an event to the live version of the given thread.
// It assigns the event id and timestamp, validates that the payload is
// round-trippable JSON, and touches the thread's updated_at.
func (s *Store) AppendEvent(ctx context.Context, threadID string, eventType EventType, payload any) (*Event, error) {
	if !eventType.IsValid() {
		return nil, fmt.Errorf("append event: unknown event type %q", eventType)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("append event: %w: %v", storage.ErrInvalidPayload, err)
	}

	current, err := s.backend.GetCurrentVersion(ctx, threadID)
	if err != nil {
		return nil, err
	}

	event := &Event{
		ID:        NewEventID(),
		ThreadID:  current,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	if err := s.backend.SaveEvent(ctx, toStorageEvent(event)); err != nil {
		return nil, err
	}
	return event, nil
}

// GetEvents returns the events of a thread in chronological order. The
// id is resolved through the version mapping, so callers can use the
// canonical id and always read the live version.
func (s *Store) GetEvents(ctx context.Context, threadID string) ([]*Event, error) {
	current, err := s.backend.GetCurrentVersion(ctx, threadID)
	if err != nil {
		return nil, err
	}

	rows, err := s.backend.LoadEvents(ctx, current)
	if err != nil {
		return nil, err
	}
	return fromStorageEvents(rows)
}

// GetEventsJoined returns the events of a canonical thread plus all of
// its delegates, globally ordered by (timestamp, id). Each delegate is
// resolved through the version mapping.
func (s *Store) GetEventsJoined(ctx context.Context, canonicalID string) ([]*Event, error) {
	events, err := s.GetEvents(ctx, canonicalID)
	if err != nil {
		return nil, err
	}

	delegates, err := s.GetDelegates(ctx, canonicalID)
	if err != nil {
		return nil, err
	}

	for _, delegate := range delegates {
		delegateEvents, err := s.GetEvents(ctx, delegate)
		if err != nil {
			return nil, err
		}
		events = append(events, delegateEvents...)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})

	return events, nil
}

// GetLatestThreadID returns the most recently updated thread id, or ""
// if the store holds no threads.
func (s *Store) GetLatestThreadID(ctx context.Context) (string, error) {
	return s.backend.GetLatestThreadID(ctx)
}

// CreateVersion records a version transition for a canonical thread.
// The new version id must already exist as a thread.
func (s *Store) CreateVersion(ctx context.Context, canonicalID, newVersionID, reason string) error {
	return s.backend.CreateVersion(ctx, canonicalID, newVersionID, reason)
}

// GetCanonicalID reverse-maps any version id to its canonical id.
// Identity for ids that were never versioned; idempotent.
func (s *Store) GetCanonicalID(ctx context.Context, anyVersionID string) (string, error) {
	return s.backend.GetCanonicalID(ctx, anyVersionID)
}

// GetCurrentVersion returns the live version id for a canonical id.
func (s *Store) GetCurrentVersion(ctx context.Context, canonicalID string) (string, error) {
	return s.backend.GetCurrentVersion(ctx, canonicalID)
}

// GetVersionHistory returns all version records for a canonical id.
func (s *Store) GetVersionHistory(ctx context.Context, canonicalID string) ([]*storage.VersionRecord, error) {
	return s.backend.GetVersionHistory(ctx, canonicalID)
}

// GetDelegates lists direct and transitive delegate thread ids of a
// parent by id-prefix match. Compaction versions of delegates share the
// prefix but are not delegates themselves; only canonical ids are
// returned.
func (s *Store) GetDelegates(ctx context.Context, parentID string) ([]string, error) {
	ids, err := s.backend.GetDelegateThreadsFor(ctx, parentID)
	if err != nil {
		return nil, err
	}

	delegates := make([]string, 0, len(ids))
	for _, id := range ids {
		canonical, err := s.backend.GetCanonicalID(ctx, id)
		if err != nil {
			return nil, err
		}
		if canonical != id {
			continue // a compacted delegate's version thread
		}
		delegates = append(delegates, id)
	}
	return delegates, nil
}

// GenerateDelegateThreadID returns "<parent>.<n>" where n is one more
// than the highest-numbered existing direct child, or 1 if the parent
// has no children.
func (s *Store) GenerateDelegateThreadID(ctx context.Context, parentID string) (string, error) {
	delegates, err := s.backend.GetDelegateThreadsFor(ctx, parentID)
	if err != nil {
		return "", err
	}

	max := 0
	prefix := parentID + "."
	for _, id := range delegates {
		rest := strings.TrimPrefix(id, prefix)
		if strings.Contains(rest, ".") {
			continue // transitive delegate
		}
		n, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}

	return fmt.Sprintf("%s.%d", parentID, max+1), nil
}

// WithinTx runs fn with the backend's transactional semantics.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.backend.WithinTx(ctx, fn)
}

// toStorageEvent converts a domain event to its storage row.
func toStorageEvent(event *Event) *storage.Event {
	return &storage.Event{
		ID:        event.ID,
		ThreadID:  event.ThreadID,
		Type:      string(event.Type),
		Timestamp: event.Timestamp,
		Data:      event.Data,
	}
}

// fromStorageEvents converts storage rows to domain events.
func fromStorageEvents(rows []*storage.Event) ([]*Event, error) {
	events := make([]*Event, len(rows))
	for i, row := range rows {
		eventType := EventType(row.Type)
		if !eventType.IsValid() {
			return nil, fmt.Errorf("load events: unknown event type %q in event %s", row.Type, row.ID)
		}
		events[i] = &Event{
			ID:        row.ID,
			ThreadID:  row.ThreadID,
			Type:      eventType,
			Timestamp: row.Timestamp,
			Data:      row.Data,
		}
	}
	return events, nil
}
