package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// sqlTxContextKey is the context key for storing *sql.Tx
type sqlTxContextKey struct{}

// WithSQLTx returns a new context with the given transaction.
func WithSQLTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, sqlTxContextKey{}, tx)
}

// SQLTxFromContext retrieves the transaction from context, or nil if not present.
func SQLTxFromContext(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(sqlTxContextKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// sqlQuerier is a common interface for *sql.DB and *sql.Tx
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements Store using database/sql against PostgreSQL
// (e.g. with the lib/pq driver). Hosts that manage connections through
// pgx should use PostgresStore instead.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new database/sql store.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// getQuerier returns the transaction from context if present, otherwise the DB.
func (s *SQLStore) getQuerier(ctx context.Context) sqlQuerier {
	if tx := SQLTxFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}

func sqlWrapErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// SaveThread persists a new thread.
func (s *SQLStore) SaveThread(ctx context.Context, thread *Thread) error {
	_, err := s.getQuerier(ctx).ExecContext(ctx, `
		INSERT INTO lace_threads (id, created_at, updated_at)
		VALUES ($1, $2, $3)
	`, thread.ID, thread.CreatedAt, thread.UpdatedAt)
	if err != nil {
		// 23505 unique_violation; matched on message because error types
		// differ per database/sql driver.
		if strings.Contains(err.Error(), "duplicate key") || strings.Contains(err.Error(), "23505") {
			return fmt.Errorf("%w: %s", ErrDuplicateThread, thread.ID)
		}
		return sqlWrapErr("SaveThread", err)
	}
	return nil
}

// LoadThread returns a thread by id.
func (s *SQLStore) LoadThread(ctx context.Context, id string) (*Thread, error) {
	var thread Thread
	err := s.getQuerier(ctx).QueryRowContext(ctx, `
		SELECT id, created_at, updated_at FROM lace_threads WHERE id = $1
	`, id).Scan(&thread.ID, &thread.CreatedAt, &thread.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	if err != nil {
		return nil, sqlWrapErr("LoadThread", err)
	}
	return &thread, nil
}

// SaveEvent persists an event and touches the owning thread's updated_at.
func (s *SQLStore) SaveEvent(ctx context.Context, event *Event) error {
	if !json.Valid(event.Data) {
		return fmt.Errorf("%w: event %s", ErrInvalidPayload, event.ID)
	}

	q := s.getQuerier(ctx)

	res, err := q.ExecContext(ctx, `
		UPDATE lace_threads SET updated_at = $2 WHERE id = $1
	`, event.ThreadID, event.Timestamp)
	if err != nil {
		return sqlWrapErr("SaveEvent", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, event.ThreadID)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO lace_events (id, thread_id, type, timestamp, data)
		VALUES ($1, $2, $3, $4, $5)
	`, event.ID, event.ThreadID, event.Type, event.Timestamp, event.Data)
	if err != nil {
		return sqlWrapErr("SaveEvent", err)
	}

	return nil
}

// LoadEvents returns all events of a thread ordered by (timestamp, id).
func (s *SQLStore) LoadEvents(ctx context.Context, threadID string) ([]*Event, error) {
	rows, err := s.getQuerier(ctx).QueryContext(ctx, `
		SELECT id, thread_id, type, timestamp, data
		FROM lace_events
		WHERE thread_id = $1
		ORDER BY timestamp ASC, id ASC
	`, threadID)
	if err != nil {
		return nil, sqlWrapErr("LoadEvents", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var event Event
		if err := rows.Scan(&event.ID, &event.ThreadID, &event.Type, &event.Timestamp, &event.Data); err != nil {
			return nil, sqlWrapErr("LoadEvents", err)
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, sqlWrapErr("LoadEvents", err)
	}

	return events, nil
}

// GetLatestThreadID returns the most recently updated thread id.
func (s *SQLStore) GetLatestThreadID(ctx context.Context) (string, error) {
	var id string
	err := s.getQuerier(ctx).QueryRowContext(ctx, `
		SELECT id FROM lace_threads ORDER BY updated_at DESC, id DESC LIMIT 1
	`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", sqlWrapErr("GetLatestThreadID", err)
	}
	return id, nil
}

// CreateVersion records a version transition for a canonical thread.
func (s *SQLStore) CreateVersion(ctx context.Context, canonicalID, versionID, reason string) error {
	if _, err := s.LoadThread(ctx, versionID); err != nil {
		return fmt.Errorf("CreateVersion: %w", err)
	}

	_, err := s.getQuerier(ctx).ExecContext(ctx, `
		INSERT INTO lace_thread_versions (canonical_id, version_id, reason, created_at)
		VALUES ($1, $2, $3, $4)
	`, canonicalID, versionID, reason, time.Now().UTC())
	if err != nil {
		return sqlWrapErr("CreateVersion", err)
	}
	return nil
}

// GetCurrentVersion returns the live version id for a canonical id.
func (s *SQLStore) GetCurrentVersion(ctx context.Context, canonicalID string) (string, error) {
	var versionID string
	err := s.getQuerier(ctx).QueryRowContext(ctx, `
		SELECT version_id FROM lace_thread_versions
		WHERE canonical_id = $1
		ORDER BY created_at DESC, version_id DESC
		LIMIT 1
	`, canonicalID).Scan(&versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return canonicalID, nil
	}
	if err != nil {
		return "", sqlWrapErr("GetCurrentVersion", err)
	}
	return versionID, nil
}

// GetCanonicalID reverse-maps any version id to its canonical id.
func (s *SQLStore) GetCanonicalID(ctx context.Context, versionID string) (string, error) {
	var canonicalID string
	err := s.getQuerier(ctx).QueryRowContext(ctx, `
		SELECT canonical_id FROM lace_thread_versions WHERE version_id = $1 LIMIT 1
	`, versionID).Scan(&canonicalID)
	if errors.Is(err, sql.ErrNoRows) {
		return versionID, nil
	}
	if err != nil {
		return "", sqlWrapErr("GetCanonicalID", err)
	}
	return canonicalID, nil
}

// GetVersionHistory returns all version records for a canonical id.
func (s *SQLStore) GetVersionHistory(ctx context.Context, canonicalID string) ([]*VersionRecord, error) {
	rows, err := s.getQuerier(ctx).QueryContext(ctx, `
		SELECT canonical_id, version_id, reason, created_at
		FROM lace_thread_versions
		WHERE canonical_id = $1
		ORDER BY created_at ASC, version_id ASC
	`, canonicalID)
	if err != nil {
		return nil, sqlWrapErr("GetVersionHistory", err)
	}
	defer rows.Close()

	var records []*VersionRecord
	for rows.Next() {
		var rec VersionRecord
		if err := rows.Scan(&rec.CanonicalID, &rec.VersionID, &rec.Reason, &rec.CreatedAt); err != nil {
			return nil, sqlWrapErr("GetVersionHistory", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, sqlWrapErr("GetVersionHistory", err)
	}

	return records, nil
}

// GetDelegateThreadsFor returns delegate thread ids by id-prefix match.
func (s *SQLStore) GetDelegateThreadsFor(ctx context.Context, parentID string) ([]string, error) {
	rows, err := s.getQuerier(ctx).QueryContext(ctx, `
		SELECT id FROM lace_threads WHERE id LIKE $1 || '.%' ORDER BY id ASC
	`, parentID)
	if err != nil {
		return nil, sqlWrapErr("GetDelegateThreadsFor", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, sqlWrapErr("GetDelegateThreadsFor", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, sqlWrapErr("GetDelegateThreadsFor", err)
	}

	return ids, nil
}

// WithinTx runs fn inside a single database transaction. If the context
// already carries a transaction, fn joins it.
func (s *SQLStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if SQLTxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqlWrapErr("WithinTx", err)
	}
	defer func() { _ = tx.Rollback() }() // no-op if committed

	if err := fn(WithSQLTx(ctx, tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return sqlWrapErr("WithinTx", err)
	}

	return nil
}
