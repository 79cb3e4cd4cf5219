package lace

import (
	"time"

	"github.com/obra/lace/compaction"
	"github.com/obra/lace/notifier"
	"github.com/obra/lace/provider"
	"github.com/obra/lace/tool"
)

// Option is a functional option for configuring an Agent.
type Option func(*internalConfig) error

// WithTools registers tools with the agent.
func WithTools(tools ...tool.Tool) Option {
	return func(c *internalConfig) error {
		for _, t := range tools {
			schema := t.InputSchema()
			if err := schema.Validate(); err != nil {
				return NewAgentError("WithTools", err)
			}
			c.tools = append(c.tools, t)
		}
		return nil
	}
}

// WithMaxToolIterations bounds the tool recursion within one turn.
func WithMaxToolIterations(n int) Option {
	return func(c *internalConfig) error {
		if n > 0 {
			c.maxToolIterations = n
		}
		return nil
	}
}

// WithAutoCompaction enables or disables automatic context compaction
// before each turn.
func WithAutoCompaction(enabled bool) Option {
	return func(c *internalConfig) error {
		c.autoCompaction = enabled
		return nil
	}
}

// WithCompactionConfig overrides the compaction engine's tuning.
func WithCompactionConfig(cfg compaction.Config) Option {
	return func(c *internalConfig) error {
		c.compaction = cfg
		return nil
	}
}

// WithRetryConfig overrides the provider retry bounds.
func WithRetryConfig(cfg provider.RetryConfig) Option {
	return func(c *internalConfig) error {
		c.retry = cfg
		return nil
	}
}

// WithStreamingInterval sets the minimum time between AGENT_STREAMING
// emissions while consuming a provider stream.
func WithStreamingInterval(interval time.Duration) Option {
	return func(c *internalConfig) error {
		if interval > 0 {
			c.streamingInterval = interval
		}
		return nil
	}
}

// WithToolTimeout sets the default per-call tool execution timeout.
func WithToolTimeout(timeout time.Duration) Option {
	return func(c *internalConfig) error {
		if timeout > 0 {
			c.toolTimeout = timeout
		}
		return nil
	}
}

// WithApprovalPolicy installs the tool approval policy.
func WithApprovalPolicy(policy tool.ApprovalPolicy) Option {
	return func(c *internalConfig) error {
		c.policy = policy
		return nil
	}
}

// WithConfirmationHandler installs the handler that receives pending
// tool confirmations.
func WithConfirmationHandler(handler tool.ConfirmationHandler) Option {
	return func(c *internalConfig) error {
		c.confirm = handler
		return nil
	}
}

// WithModelSettings supplies the user-settings mapping used to resolve
// "fast" and "smart" model specs at delegation time.
func WithModelSettings(settings provider.Settings) Option {
	return func(c *internalConfig) error {
		c.settings = settings
		return nil
	}
}

// WithProviderRegistry supplies the provider instance registry used to
// spawn delegate agents on other backends.
func WithProviderRegistry(registry *provider.Registry) Option {
	return func(c *internalConfig) error {
		c.registry = registry
		return nil
	}
}

// WithBusQueueSize sets the per-subscriber queue bound of the
// subscription bus.
func WithBusQueueSize(size int) Option {
	return func(c *internalConfig) error {
		if size > 0 {
			c.busQueueSize = size
		}
		return nil
	}
}

// withBus shares an existing bus; used when spawning delegate agents so
// parent observers can watch child threads on the same bus.
func withBus(bus *notifier.Bus) Option {
	return func(c *internalConfig) error {
		c.bus = bus
		return nil
	}
}

// withToolRegistry shares an existing tool registry; delegate agents
// inherit their parent's tool set but run their own executor so
// approval suspension tracks the right agent.
func withToolRegistry(registry *tool.Registry) Option {
	return func(c *internalConfig) error {
		c.toolRegistry = registry
		return nil
	}
}
