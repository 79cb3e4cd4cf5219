package lace

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/obra/lace/provider"
	"github.com/obra/lace/thread"
	"github.com/obra/lace/tool"
)

// DelegateToolName is the name the delegate tool is registered under.
const DelegateToolName = "delegate"

// CapabilitySpawner is the tool-context capability under which the
// acting agent is exposed to tools that spawn sub-agents.
const CapabilitySpawner = "spawner"

// delegatePersona is the fixed persona given to delegate agents.
const delegatePersona = `You are a focused sub-agent. Complete the assigned task and reply with the result only.`

// delegateTool spawns a sub-agent in a child thread, runs it to
// quiescence, and returns its final message as the tool result. The
// acting agent is taken from the tool context, so the same registered
// tool serves every level of a delegation hierarchy.
type delegateTool struct{}

// newDelegateTool creates the delegate tool.
func newDelegateTool() *delegateTool {
	return &delegateTool{}
}

// Name returns the tool name.
func (t *delegateTool) Name() string {
	return DelegateToolName
}

// Description returns the tool description.
func (t *delegateTool) Description() string {
	return "Delegate a task to a sub-agent running in its own thread. " +
		"The sub-agent works independently and returns its final answer."
}

// InputSchema returns the tool's argument schema.
func (t *delegateTool) InputSchema() tool.ToolSchema {
	return tool.ToolSchema{
		Type: "object",
		Properties: map[string]tool.PropertyDef{
			"title": {
				Type:        "string",
				Description: "Short human-readable name for the delegated task",
			},
			"prompt": {
				Type:        "string",
				Description: "The task for the sub-agent to complete",
			},
			"expected_response": {
				Type:        "string",
				Description: "Description of the expected response format",
			},
			"model": {
				Type:        "string",
				Description: "Model spec: 'fast', 'smart', or 'instanceId:modelId'. Empty uses the session default.",
			},
		},
		Required: []string{"title", "prompt"},
	}
}

// Annotations returns the tool's execution characteristics.
func (t *delegateTool) Annotations() tool.Annotations {
	return tool.Annotations{SafeInternal: true}
}

// delegateArgs is the wire shape of the tool's arguments.
type delegateArgs struct {
	Title            string `json:"title"`
	Prompt           string `json:"prompt"`
	ExpectedResponse string `json:"expected_response"`
	Model            string `json:"model"`
}

// Execute spawns the child agent and runs it to quiescence.
func (t *delegateTool) Execute(ctx context.Context, input json.RawMessage, tctx tool.Context) (*tool.Output, error) {
	parent, ok := tool.Capability[*Agent](tctx, CapabilitySpawner)
	if !ok {
		return nil, fmt.Errorf("delegate: no spawner capability in tool context")
	}

	var args delegateArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("delegate: invalid arguments: %w", err)
	}
	if args.Prompt == "" {
		return nil, fmt.Errorf("delegate: prompt is required")
	}

	// Resolve the model spec before any events are written; an invalid
	// spec fails the spawn with a structured error.
	childProvider, err := parent.resolveDelegateProvider(args.Model)
	if err != nil {
		return nil, err
	}

	childID, err := parent.store.GenerateDelegateThreadID(ctx, parent.threadID)
	if err != nil {
		return nil, fmt.Errorf("delegate: allocate child thread: %w", err)
	}

	child, err := parent.spawnDelegate(childProvider, childID, args)
	if err != nil {
		return nil, fmt.Errorf("delegate: spawn child agent: %w", err)
	}

	if err := child.SendMessage(ctx, args.Prompt); err != nil {
		return nil, fmt.Errorf("delegate: child turn rejected: %w", err)
	}

	content, found, err := finalAgentMessage(ctx, child)
	if err != nil {
		return nil, fmt.Errorf("delegate: read child thread: %w", err)
	}
	if !found {
		return tool.ErrorOutput(fmt.Sprintf("delegate %s produced no response", childID)), nil
	}

	return tool.TextOutput(content), nil
}

// resolveDelegateProvider turns a model spec into a live provider.
func (a *Agent) resolveDelegateProvider(spec string) (provider.Provider, error) {
	// Without a registry the only resolvable target is the parent's own
	// backend.
	if a.config.registry == nil {
		if spec == "" {
			return a.provider, nil
		}
		return nil, fmt.Errorf("%w: %q requires a provider registry", provider.ErrInvalidModelSpec, spec)
	}

	ref, err := provider.ResolveModelSpec(spec, a.config.settings)
	if err != nil {
		return nil, err
	}
	return a.config.registry.Get(ref)
}

// spawnDelegate creates the child agent bound to the child thread. The
// child shares the parent's bus (child events are published under the
// child thread id, so observers subscribe to that id to see them live),
// tool registry, settings, and
// approval wiring, but runs its own executor and state machine.
func (a *Agent) spawnDelegate(childProvider provider.Provider, childID string, args delegateArgs) (*Agent, error) {
	prompt := delegatePersona
	if args.Title != "" {
		prompt += "\nTask: " + args.Title
	}
	if args.ExpectedResponse != "" {
		prompt += "\nExpected response: " + args.ExpectedResponse
	}

	return New(Config{
		Provider:     childProvider,
		Store:        a.store,
		ThreadID:     childID,
		SystemPrompt: prompt,
	},
		withBus(a.bus),
		withToolRegistry(a.executor.Registry()),
		WithModelSettings(a.config.settings),
		WithProviderRegistry(a.config.registry),
		WithApprovalPolicy(a.config.policy),
		WithConfirmationHandler(a.config.confirm),
		WithMaxToolIterations(a.config.maxToolIterations),
		WithAutoCompaction(a.config.autoCompaction),
		WithRetryConfig(a.config.retry),
	)
}

// finalAgentMessage returns the content of the thread's last
// AGENT_MESSAGE.
func finalAgentMessage(ctx context.Context, agent *Agent) (string, bool, error) {
	events, err := agent.Events(ctx)
	if err != nil {
		return "", false, err
	}

	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type != thread.EventAgentMessage {
			continue
		}
		payload, err := events[i].AgentMessage()
		if err != nil {
			return "", false, err
		}
		return payload.Content, true, nil
	}
	return "", false, nil
}
