package lace

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrInvalidConfig is returned when the agent configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrBusy is returned when sendMessage is called while a turn is in
	// flight. The rejected message writes no events.
	ErrBusy = errors.New("agent is busy")

	// ErrTerminated is returned when the agent has been shut down
	ErrTerminated = errors.New("agent terminated")

	// ErrMaxIterations is surfaced as a local system message when the
	// tool recursion bound is reached
	ErrMaxIterations = errors.New("max tool iterations reached")

	// ErrProviderExhausted wraps the provider error on the idle state
	// change when a provider request finally fails; the failure itself is
	// written to the thread as a local system message
	ErrProviderExhausted = errors.New("provider retries exhausted")
)

// AgentError represents an error with operation and thread context
type AgentError struct {
	Op       string // Operation that failed
	ThreadID string // Thread ID if applicable
	Err      error  // Underlying error
}

// Error implements the error interface
func (e *AgentError) Error() string {
	if e.ThreadID != "" {
		return fmt.Sprintf("%s (thread=%s): %v", e.Op, e.ThreadID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *AgentError) Unwrap() error {
	return e.Err
}

// NewAgentError creates a new AgentError
func NewAgentError(op string, err error) *AgentError {
	return &AgentError{Op: op, Err: err}
}

// NewAgentErrorWithThread creates a new AgentError with thread ID
func NewAgentErrorWithThread(op, threadID string, err error) *AgentError {
	return &AgentError{Op: op, ThreadID: threadID, Err: err}
}
