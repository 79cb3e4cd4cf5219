package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store entirely in memory. It is used by unit
// tests and by embedders that do not want a database. Each write is
// serialized by a mutex; WithinTx provides neither isolation nor rollback.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]*Thread
	events   map[string][]*Event // threadID -> ordered events
	versions []*VersionRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string]*Thread),
		events:  make(map[string][]*Event),
	}
}

// SaveThread persists a new thread.
func (s *MemoryStore) SaveThread(_ context.Context, thread *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.threads[thread.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateThread, thread.ID)
	}

	copied := *thread
	s.threads[thread.ID] = &copied
	return nil
}

// LoadThread returns a thread by id.
func (s *MemoryStore) LoadThread(_ context.Context, id string) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, ok := s.threads[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	copied := *thread
	return &copied, nil
}

// SaveEvent persists an event and touches the owning thread's updated_at.
func (s *MemoryStore) SaveEvent(_ context.Context, event *Event) error {
	if !json.Valid(event.Data) {
		return fmt.Errorf("%w: event %s", ErrInvalidPayload, event.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[event.ThreadID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, event.ThreadID)
	}
	thread.UpdatedAt = event.Timestamp

	copied := *event
	copied.Data = append([]byte(nil), event.Data...)
	s.events[event.ThreadID] = append(s.events[event.ThreadID], &copied)
	sortEvents(s.events[event.ThreadID])
	return nil
}

// LoadEvents returns all events of a thread ordered by (timestamp, id).
func (s *MemoryStore) LoadEvents(_ context.Context, threadID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.events[threadID]
	events := make([]*Event, len(stored))
	for i, ev := range stored {
		copied := *ev
		events[i] = &copied
	}
	return events, nil
}

// GetLatestThreadID returns the most recently updated thread id.
func (s *MemoryStore) GetLatestThreadID(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := ""
	var latestAt time.Time
	for id, thread := range s.threads {
		if latest == "" || thread.UpdatedAt.After(latestAt) ||
			(thread.UpdatedAt.Equal(latestAt) && id > latest) {
			latest = id
			latestAt = thread.UpdatedAt
		}
	}
	return latest, nil
}

// CreateVersion records a version transition for a canonical thread.
func (s *MemoryStore) CreateVersion(_ context.Context, canonicalID, versionID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[versionID]; !ok {
		return fmt.Errorf("CreateVersion: %w: %s", ErrThreadNotFound, versionID)
	}

	s.versions = append(s.versions, &VersionRecord{
		CanonicalID: canonicalID,
		VersionID:   versionID,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	})
	return nil
}

// GetCurrentVersion returns the live version id for a canonical id.
func (s *MemoryStore) GetCurrentVersion(_ context.Context, canonicalID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	current := canonicalID
	for _, rec := range s.versions {
		if rec.CanonicalID == canonicalID {
			current = rec.VersionID
		}
	}
	return current, nil
}

// GetCanonicalID reverse-maps any version id to its canonical id.
func (s *MemoryStore) GetCanonicalID(_ context.Context, versionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.versions {
		if rec.VersionID == versionID {
			return rec.CanonicalID, nil
		}
	}
	return versionID, nil
}

// GetVersionHistory returns all version records for a canonical id.
func (s *MemoryStore) GetVersionHistory(_ context.Context, canonicalID string) ([]*VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*VersionRecord
	for _, rec := range s.versions {
		if rec.CanonicalID == canonicalID {
			copied := *rec
			records = append(records, &copied)
		}
	}
	return records, nil
}

// GetDelegateThreadsFor returns delegate thread ids by id-prefix match.
func (s *MemoryStore) GetDelegateThreadsFor(_ context.Context, parentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := parentID + "."
	var ids []string
	for id := range s.threads {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// WithinTx runs fn directly. Writes inside fn are serialized one at a
// time like any other write, but fn as a whole is not isolated from
// concurrent writers, and writes made before fn fails are kept.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// sortEvents orders events by (timestamp, id).
func sortEvents(events []*Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})
}
