package tool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/obra/lace/types"
)

// DefaultTimeout is the per-call execution timeout used when a tool
// declares none.
const DefaultTimeout = 5 * time.Minute

// Executor validates tool invocations, enforces the approval policy,
// executes tools, and marshals outcomes into results. It is stateless
// with respect to threads; call/result pairing is enforced by the agent.
type Executor struct {
	registry       *Registry
	validator      *Validator
	defaultTimeout time.Duration

	mu           sync.RWMutex
	policy       ApprovalPolicy
	confirmation ConfirmationHandler
	onSuspend    func(call types.ToolCall)
	onResume     func(call types.ToolCall)
}

// NewExecutor creates a new tool executor over the given registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{
		registry:       registry,
		validator:      NewValidator(),
		defaultTimeout: DefaultTimeout,
		policy:         AllowAll,
	}
}

// SetDefaultTimeout sets the default execution timeout.
func (e *Executor) SetDefaultTimeout(timeout time.Duration) {
	e.defaultTimeout = timeout
}

// SetApprovalPolicy installs the approval policy callback.
func (e *Executor) SetApprovalPolicy(policy ApprovalPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if policy == nil {
		policy = AllowAll
	}
	e.policy = policy
}

// SetConfirmationHandler installs the handler that receives pending
// confirmations. Without a handler, require-confirmation decisions are
// treated as denials.
func (e *Executor) SetConfirmationHandler(handler ConfirmationHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.confirmation = handler
}

// OnSuspend registers a callback fired when a call suspends on
// confirmation. The agent uses it to enter awaiting-approval.
func (e *Executor) OnSuspend(fn func(call types.ToolCall)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onSuspend = fn
}

// OnResume registers a callback fired when a suspended call resumes.
func (e *Executor) OnResume(fn func(call types.ToolCall)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onResume = fn
}

// Registry returns the executor's tool registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs one tool call to a result. Every failure path —
// unknown tool, invalid arguments, denial, timeout, panic — is
// materialized as a ToolResult with IsError set; Execute never returns
// a Go error.
func (e *Executor) Execute(ctx context.Context, call types.ToolCall, tctx Context) types.ToolResult {
	tool, exists := e.registry.Get(call.Name)
	if !exists {
		return types.TextResult(call.ID, fmt.Sprintf("tool not found: %s", call.Name), true)
	}

	if err := e.validator.ValidateInput(tool.InputSchema(), call.Arguments); err != nil {
		return types.TextResult(call.ID,
			fmt.Sprintf("invalid arguments for %s: %v", call.Name, err), true)
	}

	if result, ok := e.approve(ctx, call, tool.Annotations()); !ok {
		return result
	}

	timeout := e.defaultTimeout
	if hinter, ok := tool.(TimeoutHinter); ok && hinter.TimeoutHint() > 0 {
		timeout = hinter.TimeoutHint()
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := e.runTool(execCtx, tool, call, tctx)

	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		return types.TextResult(call.ID,
			fmt.Sprintf("tool execution timeout after %v", timeout), true)
	case ctx.Err() == context.Canceled:
		return types.TextResult(call.ID, "cancelled", true)
	case err != nil:
		return types.TextResult(call.ID, err.Error(), true)
	case output == nil:
		return types.TextResult(call.ID, "", false)
	default:
		return types.ToolResult{
			ID:      call.ID,
			Content: output.Content,
			IsError: output.IsError,
		}
	}
}

// runTool invokes the tool with panic capture. Tools never propagate
// panics out of Execute.
func (e *Executor) runTool(ctx context.Context, tool Tool, call types.ToolCall, tctx Context) (output *Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = fmt.Errorf("tool %s panicked: %v", call.Name, r)
		}
	}()

	return tool.Execute(ctx, call.Arguments, tctx)
}

// approve consults the approval policy. It returns (result, false) when
// the call must not execute, or (_, true) when it may proceed —
// possibly after blocking on a confirmation.
func (e *Executor) approve(ctx context.Context, call types.ToolCall, annotations Annotations) (types.ToolResult, bool) {
	e.mu.RLock()
	policy := e.policy
	handler := e.confirmation
	onSuspend := e.onSuspend
	onResume := e.onResume
	e.mu.RUnlock()

	decision, reason := policy(ctx, call, annotations)

	switch decision {
	case ApprovalAllow:
		return types.ToolResult{}, true

	case ApprovalDeny:
		if reason == "" {
			reason = "denied by approval policy"
		}
		return types.TextResult(call.ID, reason, true), false

	case ApprovalRequireConfirmation:
		if handler == nil {
			return types.TextResult(call.ID,
				"tool requires confirmation but no confirmation handler is configured", true), false
		}

		request := newConfirmationRequest(call, reason)
		if onSuspend != nil {
			onSuspend(call)
		}
		handler(request)

		select {
		case answer := <-request.answer:
			if onResume != nil {
				onResume(call)
			}
			if !answer.approved {
				reason := answer.reason
				if reason == "" {
					reason = "confirmation denied"
				}
				return types.TextResult(call.ID, reason, true), false
			}
			return types.ToolResult{}, true

		case <-ctx.Done():
			if onResume != nil {
				onResume(call)
			}
			return types.TextResult(call.ID, "cancelled", true), false
		}

	default:
		return types.TextResult(call.ID,
			fmt.Sprintf("unknown approval decision %q", decision), true), false
	}
}

// ExecuteBatch runs a batch of calls. When every named tool is
// concurrency-safe the calls run in parallel and results arrive in
// completion order; otherwise the batch runs sequentially in call
// order. Pairing is by result id either way.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []types.ToolCall, tctx Context) []types.ToolResult {
	if len(calls) == 0 {
		return nil
	}

	if !e.allConcurrencySafe(calls) {
		results := make([]types.ToolResult, 0, len(calls))
		for _, call := range calls {
			results = append(results, e.Execute(ctx, call, tctx))
		}
		return results
	}

	resultCh := make(chan types.ToolResult, len(calls))
	var wg sync.WaitGroup
	wg.Add(len(calls))
	for _, call := range calls {
		go func(c types.ToolCall) {
			defer wg.Done()
			resultCh <- e.Execute(ctx, c, tctx)
		}(call)
	}
	wg.Wait()
	close(resultCh)

	results := make([]types.ToolResult, 0, len(calls))
	for result := range resultCh {
		results = append(results, result)
	}
	return results
}

// allConcurrencySafe reports whether every call in the batch names a
// registered tool that declares concurrency safety.
func (e *Executor) allConcurrencySafe(calls []types.ToolCall) bool {
	for _, call := range calls {
		tool, exists := e.registry.Get(call.Name)
		if !exists || !tool.Annotations().ConcurrencySafe {
			return false
		}
	}
	return true
}
