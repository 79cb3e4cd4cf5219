// Package hooks provides lifecycle hooks for the agent runtime:
// in-process policy points fired around turns, tool calls, and
// compaction. Observers that only need the event stream should use the
// subscription bus instead.
package hooks

import (
	"context"
	"sync"

	"github.com/obra/lace/compaction"
	"github.com/obra/lace/types"
)

// BeforeTurnHook is called after the user message is appended and
// before the first provider request of a turn.
type BeforeTurnHook func(ctx context.Context, threadID, prompt string) error

// AfterTurnHook is called when a turn reaches idle with a final
// response.
type AfterTurnHook func(ctx context.Context, threadID, content string, usage *types.TokenUsage) error

// ToolCallHook is called after each tool execution with its result.
type ToolCallHook func(ctx context.Context, threadID string, call types.ToolCall, result types.ToolResult) error

// BeforeCompactionHook is called before context compaction.
type BeforeCompactionHook func(ctx context.Context, threadID string) error

// AfterCompactionHook is called after context compaction.
type AfterCompactionHook func(ctx context.Context, result *compaction.Result) error

// Registry holds all registered hooks.
type Registry struct {
	mu               sync.RWMutex
	beforeTurn       []BeforeTurnHook
	afterTurn        []AfterTurnHook
	toolCall         []ToolCallHook
	beforeCompaction []BeforeCompactionHook
	afterCompaction  []AfterCompactionHook
}

// NewRegistry creates a new hook registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// OnBeforeTurn registers a hook to be called before each turn.
func (r *Registry) OnBeforeTurn(hook BeforeTurnHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeTurn = append(r.beforeTurn, hook)
}

// OnAfterTurn registers a hook to be called after each completed turn.
func (r *Registry) OnAfterTurn(hook AfterTurnHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterTurn = append(r.afterTurn, hook)
}

// OnToolCall registers a hook to be called after each tool execution.
func (r *Registry) OnToolCall(hook ToolCallHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolCall = append(r.toolCall, hook)
}

// OnBeforeCompaction registers a hook to be called before compaction.
func (r *Registry) OnBeforeCompaction(hook BeforeCompactionHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeCompaction = append(r.beforeCompaction, hook)
}

// OnAfterCompaction registers a hook to be called after compaction.
func (r *Registry) OnAfterCompaction(hook AfterCompactionHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterCompaction = append(r.afterCompaction, hook)
}

// TriggerBeforeTurn calls all registered before-turn hooks.
func (r *Registry) TriggerBeforeTurn(ctx context.Context, threadID, prompt string) error {
	r.mu.RLock()
	hooks := append([]BeforeTurnHook(nil), r.beforeTurn...)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, threadID, prompt); err != nil {
			return err
		}
	}
	return nil
}

// TriggerAfterTurn calls all registered after-turn hooks.
func (r *Registry) TriggerAfterTurn(ctx context.Context, threadID, content string, usage *types.TokenUsage) error {
	r.mu.RLock()
	hooks := append([]AfterTurnHook(nil), r.afterTurn...)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, threadID, content, usage); err != nil {
			return err
		}
	}
	return nil
}

// TriggerToolCall calls all registered tool-call hooks.
func (r *Registry) TriggerToolCall(ctx context.Context, threadID string, call types.ToolCall, result types.ToolResult) error {
	r.mu.RLock()
	hooks := append([]ToolCallHook(nil), r.toolCall...)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, threadID, call, result); err != nil {
			return err
		}
	}
	return nil
}

// TriggerBeforeCompaction calls all registered before-compaction hooks.
func (r *Registry) TriggerBeforeCompaction(ctx context.Context, threadID string) error {
	r.mu.RLock()
	hooks := append([]BeforeCompactionHook(nil), r.beforeCompaction...)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, threadID); err != nil {
			return err
		}
	}
	return nil
}

// TriggerAfterCompaction calls all registered after-compaction hooks.
func (r *Registry) TriggerAfterCompaction(ctx context.Context, result *compaction.Result) error {
	r.mu.RLock()
	hooks := append([]AfterCompactionHook(nil), r.afterCompaction...)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, result); err != nil {
			return err
		}
	}
	return nil
}
