package tool

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obra/lace/types"
)

// testTool is a configurable tool for executor tests.
type testTool struct {
	name        string
	annotations Annotations
	timeout     time.Duration
	execute     func(ctx context.Context, input json.RawMessage, tctx Context) (*Output, error)
}

func (t *testTool) Name() string             { return t.name }
func (t *testTool) Description() string      { return "test tool" }
func (t *testTool) Annotations() Annotations { return t.annotations }

func (t *testTool) InputSchema() ToolSchema {
	return ToolSchema{
		Type: "object",
		Properties: map[string]PropertyDef{
			"text": {Type: "string"},
		},
	}
}

func (t *testTool) TimeoutHint() time.Duration { return t.timeout }

func (t *testTool) Execute(ctx context.Context, input json.RawMessage, tctx Context) (*Output, error) {
	return t.execute(ctx, input, tctx)
}

func newTestExecutor(t *testing.T, tools ...Tool) *Executor {
	t.Helper()
	registry := NewRegistry()
	require.NoError(t, registry.RegisterAll(tools))
	return NewExecutor(registry)
}

func TestExecuteUnknownTool(t *testing.T) {
	executor := newTestExecutor(t)

	result := executor.Execute(context.Background(), types.ToolCall{
		ID: "c1", Name: "nope", Arguments: []byte(`{}`),
	}, Context{})

	assert.True(t, result.IsError)
	assert.Equal(t, "c1", result.ID)
	assert.Contains(t, result.Text(), "tool not found")
}

func TestExecuteInvalidArguments(t *testing.T) {
	tool := &testTool{name: "echo", execute: func(context.Context, json.RawMessage, Context) (*Output, error) {
		t.Fatal("tool must not run on invalid arguments")
		return nil, nil
	}}
	executor := newTestExecutor(t, tool)

	result := executor.Execute(context.Background(), types.ToolCall{
		ID: "c1", Name: "echo", Arguments: []byte(`{"text":42}`),
	}, Context{})

	assert.True(t, result.IsError)
	assert.Contains(t, result.Text(), "invalid arguments")
}

func TestExecuteSuccess(t *testing.T) {
	tool := &testTool{name: "echo", execute: func(_ context.Context, input json.RawMessage, _ Context) (*Output, error) {
		return TextOutput("hello"), nil
	}}
	executor := newTestExecutor(t, tool)

	result := executor.Execute(context.Background(), types.ToolCall{
		ID: "c1", Name: "echo", Arguments: []byte(`{"text":"hi"}`),
	}, Context{})

	assert.False(t, result.IsError)
	assert.Equal(t, "hello", result.Text())
}

func TestExecuteToolErrorCaptured(t *testing.T) {
	tool := &testTool{name: "fail", execute: func(context.Context, json.RawMessage, Context) (*Output, error) {
		return nil, errors.New("disk on fire")
	}}
	executor := newTestExecutor(t, tool)

	result := executor.Execute(context.Background(), types.ToolCall{
		ID: "c1", Name: "fail", Arguments: []byte(`{}`),
	}, Context{})

	assert.True(t, result.IsError)
	assert.Contains(t, result.Text(), "disk on fire")
}

func TestExecutePanicCaptured(t *testing.T) {
	tool := &testTool{name: "boom", execute: func(context.Context, json.RawMessage, Context) (*Output, error) {
		panic("kaboom")
	}}
	executor := newTestExecutor(t, tool)

	result := executor.Execute(context.Background(), types.ToolCall{
		ID: "c1", Name: "boom", Arguments: []byte(`{}`),
	}, Context{})

	assert.True(t, result.IsError)
	assert.Contains(t, result.Text(), "panicked")
}

func TestExecuteTimeout(t *testing.T) {
	tool := &testTool{
		name:    "slow",
		timeout: 20 * time.Millisecond,
		execute: func(ctx context.Context, _ json.RawMessage, _ Context) (*Output, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	executor := newTestExecutor(t, tool)

	result := executor.Execute(context.Background(), types.ToolCall{
		ID: "c1", Name: "slow", Arguments: []byte(`{}`),
	}, Context{})

	assert.True(t, result.IsError)
	assert.Contains(t, result.Text(), "timeout")
}

func TestExecuteDenied(t *testing.T) {
	ran := false
	tool := &testTool{name: "rmrf", execute: func(context.Context, json.RawMessage, Context) (*Output, error) {
		ran = true
		return TextOutput("gone"), nil
	}}
	executor := newTestExecutor(t, tool)
	executor.SetApprovalPolicy(func(context.Context, types.ToolCall, Annotations) (ApprovalDecision, string) {
		return ApprovalDeny, "not on my watch"
	})

	result := executor.Execute(context.Background(), types.ToolCall{
		ID: "c1", Name: "rmrf", Arguments: []byte(`{}`),
	}, Context{})

	assert.True(t, result.IsError)
	assert.Equal(t, "not on my watch", result.Text())
	assert.False(t, ran)
}

func TestExecuteConfirmationApproved(t *testing.T) {
	tool := &testTool{name: "deploy", execute: func(context.Context, json.RawMessage, Context) (*Output, error) {
		return TextOutput("deployed"), nil
	}}
	executor := newTestExecutor(t, tool)
	executor.SetApprovalPolicy(func(context.Context, types.ToolCall, Annotations) (ApprovalDecision, string) {
		return ApprovalRequireConfirmation, "production deploy"
	})
	executor.SetConfirmationHandler(func(request *ConfirmationRequest) {
		go request.Approve()
	})

	var suspended, resumed atomic.Bool
	executor.OnSuspend(func(types.ToolCall) { suspended.Store(true) })
	executor.OnResume(func(types.ToolCall) { resumed.Store(true) })

	result := executor.Execute(context.Background(), types.ToolCall{
		ID: "c1", Name: "deploy", Arguments: []byte(`{}`),
	}, Context{})

	assert.False(t, result.IsError)
	assert.Equal(t, "deployed", result.Text())
	assert.True(t, suspended.Load())
	assert.True(t, resumed.Load())
}

func TestExecuteConfirmationDenied(t *testing.T) {
	tool := &testTool{name: "deploy", execute: func(context.Context, json.RawMessage, Context) (*Output, error) {
		t.Fatal("tool must not run after denial")
		return nil, nil
	}}
	executor := newTestExecutor(t, tool)
	executor.SetApprovalPolicy(func(context.Context, types.ToolCall, Annotations) (ApprovalDecision, string) {
		return ApprovalRequireConfirmation, ""
	})
	executor.SetConfirmationHandler(func(request *ConfirmationRequest) {
		go request.Deny("user said no")
	})

	result := executor.Execute(context.Background(), types.ToolCall{
		ID: "c1", Name: "deploy", Arguments: []byte(`{}`),
	}, Context{})

	assert.True(t, result.IsError)
	assert.Equal(t, "user said no", result.Text())
}

func TestExecuteConfirmationWithoutHandlerDenies(t *testing.T) {
	tool := &testTool{name: "deploy", execute: func(context.Context, json.RawMessage, Context) (*Output, error) {
		return TextOutput("deployed"), nil
	}}
	executor := newTestExecutor(t, tool)
	executor.SetApprovalPolicy(func(context.Context, types.ToolCall, Annotations) (ApprovalDecision, string) {
		return ApprovalRequireConfirmation, ""
	})

	result := executor.Execute(context.Background(), types.ToolCall{
		ID: "c1", Name: "deploy", Arguments: []byte(`{}`),
	}, Context{})

	assert.True(t, result.IsError)
	assert.Contains(t, result.Text(), "no confirmation handler")
}

func TestExecuteConfirmationCancelled(t *testing.T) {
	tool := &testTool{name: "deploy", execute: func(context.Context, json.RawMessage, Context) (*Output, error) {
		return TextOutput("deployed"), nil
	}}
	executor := newTestExecutor(t, tool)
	executor.SetApprovalPolicy(func(context.Context, types.ToolCall, Annotations) (ApprovalDecision, string) {
		return ApprovalRequireConfirmation, ""
	})
	executor.SetConfirmationHandler(func(*ConfirmationRequest) {
		// Never resolved; the caller aborts instead.
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result := executor.Execute(ctx, types.ToolCall{
		ID: "c1", Name: "deploy", Arguments: []byte(`{}`),
	}, Context{})

	assert.True(t, result.IsError)
	assert.Equal(t, "cancelled", result.Text())
}

func TestExecuteBatchSequentialByDefault(t *testing.T) {
	var running, maxRunning atomic.Int32
	mk := func(name string) Tool {
		return &testTool{name: name, execute: func(context.Context, json.RawMessage, Context) (*Output, error) {
			n := running.Add(1)
			if n > maxRunning.Load() {
				maxRunning.Store(n)
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return TextOutput(name), nil
		}}
	}
	executor := newTestExecutor(t, mk("a"), mk("b"))

	results := executor.ExecuteBatch(context.Background(), []types.ToolCall{
		{ID: "c1", Name: "a", Arguments: []byte(`{}`)},
		{ID: "c2", Name: "b", Arguments: []byte(`{}`)},
	}, Context{})

	require.Len(t, results, 2)
	assert.Equal(t, int32(1), maxRunning.Load())
	// Sequential batches preserve call order.
	assert.Equal(t, "c1", results[0].ID)
	assert.Equal(t, "c2", results[1].ID)
}

func TestExecuteBatchParallelWhenAllSafe(t *testing.T) {
	var running, maxRunning atomic.Int32
	barrier := make(chan struct{})
	mk := func(name string) Tool {
		return &testTool{
			name:        name,
			annotations: Annotations{ConcurrencySafe: true},
			execute: func(context.Context, json.RawMessage, Context) (*Output, error) {
				n := running.Add(1)
				if n > maxRunning.Load() {
					maxRunning.Store(n)
				}
				if n == 2 {
					close(barrier)
				}
				<-barrier
				running.Add(-1)
				return TextOutput(name), nil
			},
		}
	}
	executor := newTestExecutor(t, mk("a"), mk("b"))

	results := executor.ExecuteBatch(context.Background(), []types.ToolCall{
		{ID: "c1", Name: "a", Arguments: []byte(`{}`)},
		{ID: "c2", Name: "b", Arguments: []byte(`{}`)},
	}, Context{})

	require.Len(t, results, 2)
	assert.Equal(t, int32(2), maxRunning.Load())

	ids := map[string]bool{results[0].ID: true, results[1].ID: true}
	assert.True(t, ids["c1"] && ids["c2"])
}
