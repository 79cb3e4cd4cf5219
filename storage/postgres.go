package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// txContextKey is the context key for storing pgx.Tx
type txContextKey struct{}

// WithTx returns a new context with the given transaction.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext retrieves the transaction from context, or nil if not present.
func TxFromContext(ctx context.Context) pgx.Tx {
	if tx, ok := ctx.Value(txContextKey{}).(pgx.Tx); ok {
		return tx
	}
	return nil
}

// querier is a common interface for pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL with pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Schema returns the DDL for the tables this store requires.
// Hosts run it through their own migration tooling.
func Schema() string {
	return `
CREATE TABLE IF NOT EXISTS lace_threads (
	id         TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS lace_events (
	id         TEXT PRIMARY KEY,
	thread_id  TEXT NOT NULL REFERENCES lace_threads(id),
	type       TEXT NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL,
	data       JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS lace_events_thread_order
	ON lace_events (thread_id, timestamp, id);

CREATE TABLE IF NOT EXISTS lace_thread_versions (
	canonical_id TEXT NOT NULL,
	version_id   TEXT NOT NULL REFERENCES lace_threads(id),
	reason       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (canonical_id, version_id)
);

CREATE INDEX IF NOT EXISTS lace_thread_versions_reverse
	ON lace_thread_versions (version_id);
`
}

// getQuerier returns the transaction from context if present, otherwise the pool.
func (s *PostgresStore) getQuerier(ctx context.Context) querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// wrapErr maps connection-level failures to ErrStoreUnavailable.
func wrapErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	// Anything that is not a server-reported error is treated as a
	// connection problem.
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

// SaveThread persists a new thread.
func (s *PostgresStore) SaveThread(ctx context.Context, thread *Thread) error {
	query := `
		INSERT INTO lace_threads (id, created_at, updated_at)
		VALUES ($1, $2, $3)
	`

	_, err := s.getQuerier(ctx).Exec(ctx, query, thread.ID, thread.CreatedAt, thread.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateThread, thread.ID)
		}
		return wrapErr("SaveThread", err)
	}

	return nil
}

// LoadThread returns a thread by id.
func (s *PostgresStore) LoadThread(ctx context.Context, id string) (*Thread, error) {
	query := `
		SELECT id, created_at, updated_at
		FROM lace_threads
		WHERE id = $1
	`

	var thread Thread
	err := s.getQuerier(ctx).QueryRow(ctx, query, id).Scan(
		&thread.ID,
		&thread.CreatedAt,
		&thread.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	if err != nil {
		return nil, wrapErr("LoadThread", err)
	}

	return &thread, nil
}

// SaveEvent persists an event and touches the owning thread's updated_at.
func (s *PostgresStore) SaveEvent(ctx context.Context, event *Event) error {
	if !json.Valid(event.Data) {
		return fmt.Errorf("%w: event %s", ErrInvalidPayload, event.ID)
	}

	q := s.getQuerier(ctx)

	tag, err := q.Exec(ctx, `
		UPDATE lace_threads SET updated_at = $2 WHERE id = $1
	`, event.ThreadID, event.Timestamp)
	if err != nil {
		return wrapErr("SaveEvent", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, event.ThreadID)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO lace_events (id, thread_id, type, timestamp, data)
		VALUES ($1, $2, $3, $4, $5)
	`, event.ID, event.ThreadID, event.Type, event.Timestamp, event.Data)
	if err != nil {
		return wrapErr("SaveEvent", err)
	}

	return nil
}

// LoadEvents returns all events of a thread ordered by (timestamp, id).
func (s *PostgresStore) LoadEvents(ctx context.Context, threadID string) ([]*Event, error) {
	query := `
		SELECT id, thread_id, type, timestamp, data
		FROM lace_events
		WHERE thread_id = $1
		ORDER BY timestamp ASC, id ASC
	`

	rows, err := s.getQuerier(ctx).Query(ctx, query, threadID)
	if err != nil {
		return nil, wrapErr("LoadEvents", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var event Event
		if err := rows.Scan(&event.ID, &event.ThreadID, &event.Type, &event.Timestamp, &event.Data); err != nil {
			return nil, wrapErr("LoadEvents", err)
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("LoadEvents", err)
	}

	return events, nil
}

// GetLatestThreadID returns the most recently updated thread id.
func (s *PostgresStore) GetLatestThreadID(ctx context.Context) (string, error) {
	query := `
		SELECT id FROM lace_threads
		ORDER BY updated_at DESC, id DESC
		LIMIT 1
	`

	var id string
	err := s.getQuerier(ctx).QueryRow(ctx, query).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapErr("GetLatestThreadID", err)
	}

	return id, nil
}

// CreateVersion records a version transition for a canonical thread.
func (s *PostgresStore) CreateVersion(ctx context.Context, canonicalID, versionID, reason string) error {
	if _, err := s.LoadThread(ctx, versionID); err != nil {
		return fmt.Errorf("CreateVersion: %w", err)
	}

	_, err := s.getQuerier(ctx).Exec(ctx, `
		INSERT INTO lace_thread_versions (canonical_id, version_id, reason, created_at)
		VALUES ($1, $2, $3, $4)
	`, canonicalID, versionID, reason, time.Now().UTC())
	if err != nil {
		return wrapErr("CreateVersion", err)
	}

	return nil
}

// GetCurrentVersion returns the live version id for a canonical id.
func (s *PostgresStore) GetCurrentVersion(ctx context.Context, canonicalID string) (string, error) {
	query := `
		SELECT version_id FROM lace_thread_versions
		WHERE canonical_id = $1
		ORDER BY created_at DESC, version_id DESC
		LIMIT 1
	`

	var versionID string
	err := s.getQuerier(ctx).QueryRow(ctx, query, canonicalID).Scan(&versionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return canonicalID, nil
	}
	if err != nil {
		return "", wrapErr("GetCurrentVersion", err)
	}

	return versionID, nil
}

// GetCanonicalID reverse-maps any version id to its canonical id.
func (s *PostgresStore) GetCanonicalID(ctx context.Context, versionID string) (string, error) {
	query := `
		SELECT canonical_id FROM lace_thread_versions
		WHERE version_id = $1
		LIMIT 1
	`

	var canonicalID string
	err := s.getQuerier(ctx).QueryRow(ctx, query, versionID).Scan(&canonicalID)
	if errors.Is(err, pgx.ErrNoRows) {
		return versionID, nil
	}
	if err != nil {
		return "", wrapErr("GetCanonicalID", err)
	}

	return canonicalID, nil
}

// GetVersionHistory returns all version records for a canonical id.
func (s *PostgresStore) GetVersionHistory(ctx context.Context, canonicalID string) ([]*VersionRecord, error) {
	query := `
		SELECT canonical_id, version_id, reason, created_at
		FROM lace_thread_versions
		WHERE canonical_id = $1
		ORDER BY created_at ASC, version_id ASC
	`

	rows, err := s.getQuerier(ctx).Query(ctx, query, canonicalID)
	if err != nil {
		return nil, wrapErr("GetVersionHistory", err)
	}
	defer rows.Close()

	var records []*VersionRecord
	for rows.Next() {
		var rec VersionRecord
		if err := rows.Scan(&rec.CanonicalID, &rec.VersionID, &rec.Reason, &rec.CreatedAt); err != nil {
			return nil, wrapErr("GetVersionHistory", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("GetVersionHistory", err)
	}

	return records, nil
}

// GetDelegateThreadsFor returns delegate thread ids by id-prefix match.
func (s *PostgresStore) GetDelegateThreadsFor(ctx context.Context, parentID string) ([]string, error) {
	query := `
		SELECT id FROM lace_threads
		WHERE id LIKE $1 || '.%'
		ORDER BY id ASC
	`

	rows, err := s.getQuerier(ctx).Query(ctx, query, parentID)
	if err != nil {
		return nil, wrapErr("GetDelegateThreadsFor", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr("GetDelegateThreadsFor", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("GetDelegateThreadsFor", err)
	}

	return ids, nil
}

// WithinTx runs fn inside a single database transaction. If the context
// already carries a transaction, fn joins it.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapErr("WithinTx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }() // no-op if committed

	if err := fn(WithTx(ctx, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapErr("WithinTx", err)
	}

	return nil
}
