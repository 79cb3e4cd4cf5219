package lace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/obra/lace/compaction"
	"github.com/obra/lace/conversation"
	"github.com/obra/lace/hooks"
	"github.com/obra/lace/notifier"
	"github.com/obra/lace/provider"
	"github.com/obra/lace/runstate"
	"github.com/obra/lace/storage"
	"github.com/obra/lace/streaming"
	"github.com/obra/lace/thread"
	"github.com/obra/lace/tool"
	"github.com/obra/lace/types"
)

// Agent drives one conversation thread: it runs a single turn to
// completion at a time, interleaving model streaming, tool execution,
// and recursion until the provider returns no more tool calls, then
// returns to idle awaiting the next user message.
//
// Every observable outcome is either an event written to the thread or
// a state transition on the bus; SendMessage never lets an internal
// error escape.
type Agent struct {
	config    *internalConfig
	store     *thread.Store
	provider  provider.Provider
	executor  *tool.Executor
	compactor *compaction.Engine
	bus       *notifier.Bus
	hooks     *hooks.Registry
	log       *logrus.Entry

	threadID string // canonical

	mu       sync.Mutex
	state    runstate.State
	abort    context.CancelFunc
	turnDone chan struct{}
	usage    types.TokenUsage
}

// New creates an agent bound to a thread. With Config.ThreadID set the
// agent binds to that thread, creating it if missing; otherwise a fresh
// thread with a generated id is created.
func New(cfg Config, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := newInternalConfig(cfg)
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	registry := c.toolRegistry
	if registry == nil {
		registry = tool.NewRegistry()
	}
	if err := registry.RegisterAll(c.tools); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	executor := tool.NewExecutor(registry)
	executor.SetDefaultTimeout(c.toolTimeout)
	executor.SetApprovalPolicy(c.policy)
	executor.SetConfirmationHandler(c.confirm)

	bus := c.bus
	if bus == nil {
		bus = notifier.NewBus(c.busQueueSize)
	}

	ctx := context.Background()
	threadID, err := bindThread(ctx, c.store, c.threadID)
	if err != nil {
		return nil, NewAgentError("New", err)
	}

	agent := &Agent{
		config:    c,
		store:     c.store,
		provider:  c.provider,
		executor:  executor,
		compactor: compaction.NewEngine(c.store, c.provider, c.compaction),
		bus:       bus,
		hooks:     c.hooks,
		log:       logrus.WithField("thread", threadID),
		threadID:  threadID,
		state:     runstate.StateIdle,
	}

	// Confirmation suspension flips the agent in and out of
	// awaiting-approval.
	executor.OnSuspend(func(types.ToolCall) {
		agent.transition(runstate.StateAwaitingApproval, nil)
	})
	executor.OnResume(func(types.ToolCall) {
		agent.transition(runstate.StateToolExecution, nil)
	})

	if !registry.Has(DelegateToolName) {
		if err := registry.Register(newDelegateTool()); err != nil {
			return nil, fmt.Errorf("failed to register delegate tool: %w", err)
		}
	}

	return agent, nil
}

// NewFromModelSpec resolves a model spec ("", "fast", "smart", or
// "instanceId:modelId") against the registry and user settings, then
// creates the agent on the resolved provider. Invalid specs fail before
// any thread state is touched.
func NewFromModelSpec(cfg Config, spec string, registry *provider.Registry, settings provider.Settings, opts ...Option) (*Agent, error) {
	ref, err := provider.ResolveModelSpec(spec, settings)
	if err != nil {
		return nil, err
	}
	p, err := registry.Get(ref)
	if err != nil {
		return nil, err
	}

	cfg.Provider = p
	opts = append(opts, WithProviderRegistry(registry), WithModelSettings(settings))
	return New(cfg, opts...)
}

// ResumeLatest binds to the most recently updated thread in the store,
// or creates a fresh one if the store is empty.
func ResumeLatest(cfg Config, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	latest, err := cfg.Store.GetLatestThreadID(context.Background())
	if err != nil {
		return nil, NewAgentError("ResumeLatest", err)
	}
	cfg.ThreadID = latest
	return New(cfg, opts...)
}

// bindThread resolves or creates the agent's thread and returns its
// canonical id.
func bindThread(ctx context.Context, store *thread.Store, id string) (string, error) {
	if id == "" {
		created, err := store.CreateThread(ctx, "")
		if err != nil {
			return "", err
		}
		return created.ID, nil
	}

	canonical, err := store.GetCanonicalID(ctx, id)
	if err != nil {
		return "", err
	}

	if _, err := store.GetThread(ctx, canonical); err != nil {
		if !errors.Is(err, storage.ErrThreadNotFound) {
			return "", err
		}
		if _, err := store.CreateThread(ctx, canonical); err != nil {
			return "", err
		}
	}
	return canonical, nil
}

// ThreadID returns the agent's canonical thread id.
func (a *Agent) ThreadID() string {
	return a.threadID
}

// State returns the agent's current state.
func (a *Agent) State() runstate.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Usage returns the cumulative token usage of the thread.
func (a *Agent) Usage() types.TokenUsage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

// Hooks returns the agent's lifecycle hook registry.
func (a *Agent) Hooks() *hooks.Registry {
	return a.hooks
}

// RegisterTool adds a tool to the agent's registry.
func (a *Agent) RegisterTool(t tool.Tool) error {
	return a.executor.Registry().Register(t)
}

// Tools returns all registered tool names.
func (a *Agent) Tools() []string {
	return a.executor.Registry().List()
}

// On subscribes a handler to the agent's thread: appended events, agent
// state transitions, and overflow warnings. Returns the unsubscribe
// function.
func (a *Agent) On(handler notifier.Handler) func() {
	return a.bus.Subscribe(a.threadID, handler)
}

// Events returns the thread's events in chronological order.
func (a *Agent) Events(ctx context.Context) ([]*thread.Event, error) {
	return a.store.GetEvents(ctx, a.threadID)
}

// Terminate shuts the agent down. Fails with ErrBusy while a turn is in
// flight.
func (a *Agent) Terminate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case runstate.StateTerminated:
		return nil
	case runstate.StateIdle:
		from := a.state
		a.state = runstate.StateTerminated
		a.bus.PublishStateChange(a.threadID, notifier.StateChange{From: from, To: runstate.StateTerminated})
		return nil
	default:
		return ErrBusy
	}
}

// SendMessage runs one full turn for the given user text and returns
// when the agent is back in idle. A concurrent call fails fast with
// ErrBusy and writes no events, and a call on a terminated agent returns
// ErrTerminated; all other errors are event-logged, not thrown.
func (a *Agent) SendMessage(ctx context.Context, text string) error {
	a.mu.Lock()
	switch {
	case a.state == runstate.StateTerminated:
		a.mu.Unlock()
		return ErrTerminated
	case a.state != runstate.StateIdle:
		a.mu.Unlock()
		return ErrBusy
	}

	turnCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.state = runstate.StateThinking
	a.abort = cancel
	a.turnDone = done
	a.mu.Unlock()
	a.bus.PublishStateChange(a.threadID, notifier.StateChange{From: runstate.StateIdle, To: runstate.StateThinking})

	defer func() {
		cancel()
		a.mu.Lock()
		a.abort = nil
		a.turnDone = nil
		a.mu.Unlock()
		close(done)
	}()

	a.runTurn(turnCtx, text)
	return nil
}

// Abort cancels the in-flight turn, if any, and returns once the agent
// is back in idle with tool-call pairing restored. Idempotent.
func (a *Agent) Abort() {
	a.mu.Lock()
	if !a.state.IsAbortable() {
		a.mu.Unlock()
		return
	}
	from := a.state
	a.state = runstate.StateAborting
	cancel := a.abort
	done := a.turnDone
	a.mu.Unlock()

	a.bus.PublishStateChange(a.threadID, notifier.StateChange{From: from, To: runstate.StateAborting})
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// transition moves to the target state if the current state allows it.
func (a *Agent) transition(to runstate.State, errVal error) bool {
	a.mu.Lock()
	from := a.state
	if !from.CanTransitionTo(to) {
		a.mu.Unlock()
		return false
	}
	a.state = to
	a.mu.Unlock()

	a.bus.PublishStateChange(a.threadID, notifier.StateChange{From: from, To: to, Err: errVal})
	return true
}

// setIdle forces the agent back to idle from any busy state.
func (a *Agent) setIdle(errVal error) {
	a.mu.Lock()
	from := a.state
	if from == runstate.StateIdle || from == runstate.StateTerminated {
		a.mu.Unlock()
		return
	}
	a.state = runstate.StateIdle
	a.mu.Unlock()

	a.bus.PublishStateChange(a.threadID, notifier.StateChange{From: from, To: runstate.StateIdle, Err: errVal})
}

// aborted reports whether the turn has been cancelled.
func (a *Agent) aborted(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return a.State() == runstate.StateAborting
}

// runTurn drives one turn to quiescence. It always leaves the agent in
// idle.
func (a *Agent) runTurn(ctx context.Context, text string) {
	// Persistence must survive abort: synthetic results still need to be
	// written after the turn context is cancelled.
	persist := context.WithoutCancel(ctx)

	if _, err := a.append(persist, thread.EventUserMessage, text); err != nil {
		a.fatalStore(persist, "append user message", err)
		return
	}

	a.ensureSystemPrompts(persist)

	if err := a.hooks.TriggerBeforeTurn(ctx, a.threadID, text); err != nil {
		a.log.WithError(err).Warn("before-turn hook failed")
	}

	if a.config.autoCompaction {
		a.compactBeforeTurn(ctx, persist)
	}

	for iteration := 0; iteration < a.config.maxToolIterations; iteration++ {
		response, err := a.callProvider(ctx)
		if err != nil {
			if a.aborted(ctx) {
				a.finishAbort(persist)
				return
			}
			a.providerFailed(persist, err)
			return
		}

		usageInfo := a.recordUsage(response.TokenUsage)
		if _, err := a.append(persist, thread.EventAgentMessage, thread.AgentMessagePayload{
			Content:    response.Content,
			TokenUsage: usageInfo,
		}); err != nil {
			a.fatalStore(persist, "append agent message", err)
			return
		}

		if len(response.ToolCalls) == 0 {
			a.completeTurn(ctx, response, usageInfo)
			return
		}

		appended := make([]types.ToolCall, 0, len(response.ToolCalls))
		for _, call := range response.ToolCalls {
			if _, err := a.append(persist, thread.EventToolCall, call); err != nil {
				// Appended calls must not be left without results.
				a.closeOpenCalls(persist, "store failure")
				a.fatalStore(persist, "append tool call", err)
				return
			}
			appended = append(appended, call)
		}

		if !a.transition(runstate.StateToolExecution, nil) {
			a.finishAbort(persist)
			return
		}

		results := a.executor.ExecuteBatch(ctx, appended, a.toolContext())

		resolved := make(map[string]bool, len(results))
		for _, result := range results {
			if _, err := a.append(persist, thread.EventToolResult, result); err != nil {
				a.fatalStore(persist, "append tool result", err)
				return
			}
			resolved[result.ID] = true

			call := findCall(appended, result.ID)
			if err := a.hooks.TriggerToolCall(ctx, a.threadID, call, result); err != nil {
				a.log.WithError(err).Warn("tool-call hook failed")
			}
		}

		// Every appended call gets a result before the next agent turn,
		// even when execution was cut short.
		for _, call := range appended {
			if resolved[call.ID] {
				continue
			}
			result := types.TextResult(call.ID, "cancelled", true)
			if _, err := a.append(persist, thread.EventToolResult, result); err != nil {
				a.fatalStore(persist, "append synthetic tool result", err)
				return
			}
		}

		if a.aborted(ctx) {
			a.finishAbort(persist)
			return
		}

		if !a.transition(runstate.StateThinking, nil) {
			a.finishAbort(persist)
			return
		}
	}

	a.localNotice(persist, fmt.Sprintf("turn stopped: %v (%d)", ErrMaxIterations, a.config.maxToolIterations))
	a.setIdle(ErrMaxIterations)
}

// completeTurn finishes a quiescent turn.
func (a *Agent) completeTurn(ctx context.Context, response *provider.Response, usageInfo *thread.TokenUsageInfo) {
	var usage *types.TokenUsage
	if usageInfo != nil {
		usage = &usageInfo.Thread
	}
	if err := a.hooks.TriggerAfterTurn(ctx, a.threadID, response.Content, usage); err != nil {
		a.log.WithError(err).Warn("after-turn hook failed")
	}
	a.setIdle(nil)
}

// finishAbort restores the pairing invariant and returns to idle.
func (a *Agent) finishAbort(persist context.Context) {
	a.closeOpenCalls(persist, "cancelled")
	a.setIdle(nil)
}

// closeOpenCalls appends a synthetic error result for every TOOL_CALL
// in the thread that lacks one.
func (a *Agent) closeOpenCalls(persist context.Context, reason string) {
	events, err := a.store.GetEvents(persist, a.threadID)
	if err != nil {
		a.log.WithError(err).Error("cannot scan thread to close open tool calls")
		return
	}

	resolved := make(map[string]bool)
	var open []string
	for _, event := range events {
		switch event.Type {
		case thread.EventToolCall:
			if call, err := event.ToolCall(); err == nil {
				open = append(open, call.ID)
			}
		case thread.EventToolResult:
			if result, err := event.ToolResult(); err == nil {
				resolved[result.ID] = true
			}
		}
	}

	for _, id := range open {
		if resolved[id] {
			continue
		}
		result := types.TextResult(id, reason, true)
		if _, err := a.append(persist, thread.EventToolResult, result); err != nil {
			a.log.WithError(err).WithField("call", id).Error("failed to close open tool call")
		}
	}
}

// providerFailed ends the turn after retry exhaustion: a local notice
// is written and the agent returns to idle without a final message.
func (a *Agent) providerFailed(persist context.Context, err error) {
	a.log.WithError(err).Error("provider request failed")
	a.localNotice(persist, fmt.Sprintf("provider request failed: %v", err))
	a.setIdle(fmt.Errorf("%w: %v", ErrProviderExhausted, err))
}

// fatalStore ends the turn on a store failure: best-effort notice, then
// idle with the error on the state change.
func (a *Agent) fatalStore(persist context.Context, op string, err error) {
	a.log.WithError(err).WithField("op", op).Error("store failure; ending turn")
	a.localNotice(persist, fmt.Sprintf("store failure during %s: %v", op, err))
	a.setIdle(NewAgentErrorWithThread(op, a.threadID, err))
}

// localNotice best-effort appends a LOCAL_SYSTEM_MESSAGE.
func (a *Agent) localNotice(persist context.Context, text string) {
	if _, err := a.append(persist, thread.EventLocalSystemMessage, text); err != nil {
		a.log.WithError(err).Warn("failed to append local system message")
	}
}

// append writes an event and dispatches it on the bus after persistence
// succeeds.
func (a *Agent) append(ctx context.Context, eventType thread.EventType, payload any) (*thread.Event, error) {
	event, err := a.store.AppendEvent(ctx, a.threadID, eventType, payload)
	if err != nil {
		return nil, err
	}
	a.bus.PublishEvent(a.threadID, event)
	return event, nil
}

// ensureSystemPrompts appends the configured system prompts once per
// thread.
func (a *Agent) ensureSystemPrompts(persist context.Context) {
	if a.config.systemPrompt == "" && a.config.userSystemPrompt == "" {
		return
	}

	events, err := a.store.GetEvents(persist, a.threadID)
	if err != nil {
		a.log.WithError(err).Warn("cannot check system prompts")
		return
	}

	hasBase, hasUser := false, false
	for _, event := range events {
		switch event.Type {
		case thread.EventSystemPrompt:
			hasBase = true
		case thread.EventUserSystemPrompt:
			hasUser = true
		}
	}

	if !hasBase && a.config.systemPrompt != "" {
		if _, err := a.append(persist, thread.EventSystemPrompt, a.config.systemPrompt); err != nil {
			a.log.WithError(err).Warn("failed to append system prompt")
		}
	}
	if !hasUser && a.config.userSystemPrompt != "" {
		if _, err := a.append(persist, thread.EventUserSystemPrompt, a.config.userSystemPrompt); err != nil {
			a.log.WithError(err).Warn("failed to append user system prompt")
		}
	}
}

// compactBeforeTurn runs the compaction check ahead of the provider
// request. Compaction failures never fail the turn.
func (a *Agent) compactBeforeTurn(ctx, persist context.Context) {
	if err := a.hooks.TriggerBeforeCompaction(ctx, a.threadID); err != nil {
		a.log.WithError(err).Warn("before-compaction hook failed")
	}

	result, err := a.compactor.CompactIfNeeded(ctx, a.threadID)
	if err != nil {
		a.log.WithError(err).Warn("compaction failed; continuing without it")
		return
	}

	if err := a.hooks.TriggerAfterCompaction(ctx, result); err != nil {
		a.log.WithError(err).Warn("after-compaction hook failed")
	}

	if result.Compacted {
		a.localNotice(persist, fmt.Sprintf("conversation compacted with %s", result.StrategyID))
	}
}

// callProvider folds the thread and performs one provider turn,
// streaming when the backend supports it and retrying transient
// failures with backoff.
func (a *Agent) callProvider(ctx context.Context) (*provider.Response, error) {
	events, err := a.store.GetEvents(ctx, a.threadID)
	if err != nil {
		return nil, err
	}
	messages, err := conversation.BuildConversation(events)
	if err != nil {
		return nil, err
	}
	defs := a.executor.Registry().Definitions()

	var response *provider.Response
	err = provider.CallWithRetry(ctx, a.config.retry, func(ctx context.Context) error {
		resp, err := a.providerTurn(ctx, messages, defs)
		if err != nil {
			return err
		}
		response = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return response, nil
}

// providerTurn performs a single provider attempt.
func (a *Agent) providerTurn(ctx context.Context, messages []types.ProviderMessage, defs []provider.ToolDefinition) (*provider.Response, error) {
	stream, err := a.provider.CreateStreamingResponse(ctx, messages, defs, provider.Options{})
	if errors.Is(err, provider.ErrStreamingUnsupported) {
		return a.provider.CreateResponse(ctx, messages, defs, provider.Options{})
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = stream.Close() }()

	a.transition(runstate.StateStreaming, nil)

	coalescer := streaming.NewCoalescer(a.config.streamingInterval)
	for stream.Next() {
		if partial, ok := coalescer.Add(stream.Current().TextDelta); ok {
			a.publishStreamingEvent(partial)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	if partial, ok := coalescer.Flush(); ok {
		a.publishStreamingEvent(partial)
	}

	return stream.Response(), nil
}

// publishStreamingEvent dispatches an AGENT_STREAMING event on the bus.
// Streaming events are transient: subscribers see them, the store does
// not.
func (a *Agent) publishStreamingEvent(partial string) {
	data, err := json.Marshal(partial)
	if err != nil {
		return
	}
	a.bus.PublishEvent(a.threadID, &thread.Event{
		ID:        thread.NewEventID(),
		ThreadID:  a.threadID,
		Type:      thread.EventAgentStreaming,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// recordUsage folds a response's usage into the thread's cumulative
// accounting.
func (a *Agent) recordUsage(usage *types.TokenUsage) *thread.TokenUsageInfo {
	if usage == nil {
		return nil
	}

	a.mu.Lock()
	a.usage = a.usage.Add(*usage)
	cumulative := a.usage
	a.mu.Unlock()

	return &thread.TokenUsageInfo{
		Message: *usage,
		Thread:  cumulative,
	}
}

// toolContext builds the per-invocation context handed to tools.
func (a *Agent) toolContext() tool.Context {
	return tool.Context{
		ThreadID: a.threadID,
		ActorID:  a.threadID,
		Capabilities: map[string]any{
			CapabilitySpawner: a,
		},
	}
}

// findCall returns the call with the given id from the batch.
func findCall(calls []types.ToolCall, id string) types.ToolCall {
	for _, call := range calls {
		if call.ID == id {
			return call
		}
	}
	return types.ToolCall{ID: id}
}
