package lace

import (
	"fmt"
	"time"

	"github.com/obra/lace/compaction"
	"github.com/obra/lace/hooks"
	"github.com/obra/lace/notifier"
	"github.com/obra/lace/provider"
	"github.com/obra/lace/thread"
	"github.com/obra/lace/tool"
)

// Config holds the required configuration for an agent.
//
// Example:
//
//	store := thread.NewStore(storage.NewPostgresStore(pool))
//	agent, err := lace.New(lace.Config{
//	    Provider:     anthropicadapter,
//	    Store:        store,
//	    SystemPrompt: "You are a helpful assistant",
//	})
type Config struct {
	// Provider is the model backend (required).
	Provider provider.Provider

	// Store is the thread store (required).
	Store *thread.Store

	// ThreadID binds the agent to an existing thread, creating it if
	// missing. Empty means a fresh thread with a generated id.
	ThreadID string

	// SystemPrompt is the base system prompt appended at turn start.
	SystemPrompt string

	// UserSystemPrompt is the user-supplied prompt appended after the
	// base prompt.
	UserSystemPrompt string
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Provider == nil {
		return fmt.Errorf("%w: Provider is required", ErrInvalidConfig)
	}
	if c.Store == nil {
		return fmt.Errorf("%w: Store is required", ErrInvalidConfig)
	}
	return nil
}

// internalConfig holds the full agent configuration including optional
// parameters.
type internalConfig struct {
	// Required from Config
	provider         provider.Provider
	store            *thread.Store
	threadID         string
	systemPrompt     string
	userSystemPrompt string

	// Optional parameters
	maxToolIterations int
	autoCompaction    bool
	compaction        compaction.Config
	retry             provider.RetryConfig
	streamingInterval time.Duration
	toolTimeout       time.Duration
	busQueueSize      int

	// Delegation
	settings provider.Settings
	registry *provider.Registry

	// Internal state
	tools        []tool.Tool
	policy       tool.ApprovalPolicy
	confirm      tool.ConfirmationHandler
	hooks        *hooks.Registry
	bus          *notifier.Bus
	toolRegistry *tool.Registry
}

// newInternalConfig creates a new internal config from the public Config.
func newInternalConfig(cfg Config) *internalConfig {
	return &internalConfig{
		provider:         cfg.Provider,
		store:            cfg.Store,
		threadID:         cfg.ThreadID,
		systemPrompt:     cfg.SystemPrompt,
		userSystemPrompt: cfg.UserSystemPrompt,

		// Defaults
		maxToolIterations: 25,
		autoCompaction:    true,
		retry:             provider.DefaultRetryConfig(),
		streamingInterval: 250 * time.Millisecond,
		toolTimeout:       tool.DefaultTimeout,
		busQueueSize:      notifier.DefaultQueueSize,

		hooks: hooks.NewRegistry(),
	}
}
