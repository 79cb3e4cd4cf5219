package testutil

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/obra/lace/tool"
)

// TestDB wraps a PostgreSQL connection pool for integration tests.
type TestDB struct {
	Pool *pgxpool.Pool
}

// NewTestDB creates a test database connection from the DATABASE_URL
// env var. The test is skipped when it is not set.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("Failed to ping database: %v", err)
	}

	return &TestDB{Pool: pool}
}

// Close closes the database connection.
func (db *TestDB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// CleanTables truncates all tables for test isolation.
func (db *TestDB) CleanTables(ctx context.Context) error {
	tables := []string{
		"lace_thread_versions",
		"lace_events",
		"lace_threads",
	}

	for _, table := range tables {
		if _, err := db.Pool.Exec(ctx, "TRUNCATE TABLE "+table+" CASCADE"); err != nil {
			return err
		}
	}
	return nil
}

// EchoTool returns its "text" argument verbatim.
type EchoTool struct {
	// Concurrent toggles the concurrency-safe annotation.
	Concurrent bool
}

func (t *EchoTool) Name() string        { return "echo" }
func (t *EchoTool) Description() string { return "Echo the given text back" }

func (t *EchoTool) InputSchema() tool.ToolSchema {
	return tool.ToolSchema{
		Type: "object",
		Properties: map[string]tool.PropertyDef{
			"text": {Type: "string", Description: "Text to echo"},
		},
		Required: []string{"text"},
	}
}

func (t *EchoTool) Annotations() tool.Annotations {
	return tool.Annotations{SafeInternal: true, ConcurrencySafe: t.Concurrent}
}

func (t *EchoTool) Execute(_ context.Context, input json.RawMessage, _ tool.Context) (*tool.Output, error) {
	var args struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, err
	}
	return tool.TextOutput(args.Text), nil
}

// BlockingTool blocks until its context is cancelled; used by abort
// tests. Started is closed once execution has begun.
type BlockingTool struct {
	Started chan struct{}
}

// NewBlockingTool creates a blocking tool.
func NewBlockingTool() *BlockingTool {
	return &BlockingTool{Started: make(chan struct{})}
}

func (t *BlockingTool) Name() string        { return "block" }
func (t *BlockingTool) Description() string { return "Block until cancelled" }

func (t *BlockingTool) InputSchema() tool.ToolSchema {
	return tool.ToolSchema{Type: "object"}
}

func (t *BlockingTool) Annotations() tool.Annotations {
	return tool.Annotations{}
}

func (t *BlockingTool) Execute(ctx context.Context, _ json.RawMessage, _ tool.Context) (*tool.Output, error) {
	close(t.Started)
	<-ctx.Done()
	return nil, ctx.Err()
}
