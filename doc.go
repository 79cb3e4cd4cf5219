// Package lace implements an event-sourced conversational agent runtime.
//
// The append-only thread log is the single source of truth: every user
// message, model response, tool call, tool result, and compaction is an
// immutable event, and everything else — the provider-facing
// conversation, token accounting, delegate timelines — is derived from
// it on demand.
//
// # Key Pieces
//
//   - thread: append-only event log with version mapping across
//     compactions and dotted delegate thread ids (T.1, T.1.2)
//   - conversation: folds events into provider messages while
//     preserving tool-call/result pairing
//   - compaction: versioned thread rewriting (trim-tool-results,
//     summarize) triggered before the context window fills
//   - tool: registry, schema validation, approval policy, and executor
//   - provider: the model-backend interface plus model-spec resolution;
//     an Anthropic adapter ships in provider/anthropic
//   - notifier: per-thread subscription bus for UI and transport
//     observers
//   - storage: relational persistence (pgx, database/sql, in-memory)
//
// # Quick Start
//
// Create an agent over a Postgres-backed store:
//
//	pool, _ := pgxpool.New(ctx, connString)
//	store := thread.NewStore(storage.NewPostgresStore(pool))
//	client := anthropic.NewClient()
//	agent, err := lace.New(lace.Config{
//	    Provider:     anthropicadapter.New(&client, "claude-sonnet-4-5-20250929"),
//	    Store:        store,
//	    SystemPrompt: "You are a helpful coding assistant",
//	})
//
// Run a turn and watch the event stream:
//
//	unsubscribe := agent.On(func(msg notifier.Message) {
//	    if msg.Event != nil {
//	        fmt.Println(msg.Event.Type)
//	    }
//	})
//	defer unsubscribe()
//	err = agent.SendMessage(ctx, "Help me build a REST API")
//
// SendMessage returns when the turn reaches idle. A concurrent send
// fails fast with ErrBusy and a send on a terminated agent returns
// ErrTerminated; every other failure is recorded as a thread event
// rather than thrown.
//
// # Custom Tools
//
// Implement the tool.Tool interface and register it:
//
//	agent, _ := lace.New(cfg, lace.WithTools(&MyTool{}))
//
// Tool failures are captured as is_error results so the model can
// self-correct; they never fail the turn.
//
// # Delegation
//
// The built-in "delegate" tool spawns a sub-agent in a child thread
// (parent T gets T.1, T.2, ...; T.1's children are T.1.1, T.1.2, ...),
// runs it to quiescence, and returns
// its final message as the tool result. Child events stay queryable
// alongside the parent via store.GetEventsJoined.
//
// # Compaction
//
// Before each turn the engine estimates the folded conversation's token
// footprint — the provider's counting endpoint when available, a
// conservative ~4 chars/token estimate otherwise — and rewrites the
// thread into a new version when it crosses the configured fraction of
// the context window. The canonical thread id stays stable; old
// versions remain queryable through the version history.
package lace
