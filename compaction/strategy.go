package compaction

import (
	"context"
	"fmt"

	"github.com/obra/lace/provider"
	"github.com/obra/lace/thread"
)

// Strategy rewrites a thread's event list into a shorter, semantically
// equivalent one. Strategies receive the flattened log (prior
// compaction events already spliced) and must honor tool call/result
// pairing: a retained call keeps its result and vice versa.
type Strategy interface {
	// ID returns the strategy identifier recorded in COMPACTION events.
	ID() string

	// Compact produces the replacement payload for the given events.
	Compact(ctx context.Context, events []*thread.Event, sctx StrategyContext) (*thread.CompactionPayload, error)
}

// StrategyContext carries the resources a strategy may use.
type StrategyContext struct {
	// ThreadID is the canonical id of the thread being compacted.
	ThreadID string

	// Provider is the model backend, for strategies that summarize.
	// May be nil; such strategies fail with ErrSummarizationFailed.
	Provider provider.Provider

	// Counter estimates token footprints.
	Counter *TokenCounter

	// PreserveLastN is the number of trailing events kept unchanged by
	// lossy strategies.
	PreserveLastN int
}

// Flatten splices prior COMPACTION events into their replacement
// events, yielding the logical log strategies operate on. Compaction
// events are never inputs to future compactions.
func Flatten(events []*thread.Event) ([]*thread.Event, error) {
	out := make([]*thread.Event, 0, len(events))
	for _, event := range events {
		if event.Type != thread.EventCompaction {
			out = append(out, event)
			continue
		}

		payload, err := event.Compaction()
		if err != nil {
			return nil, err
		}
		replacements := make([]*thread.Event, len(payload.CompactedEvents))
		for i := range payload.CompactedEvents {
			replacements[i] = &payload.CompactedEvents[i]
		}
		expanded, err := Flatten(replacements)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded...)
	}
	return out, nil
}

// CheckPairing verifies the non-negotiable pairing rule on a strategy's
// output: every retained TOOL_CALL has exactly one TOOL_RESULT with the
// same id before the next AGENT_MESSAGE, and no result lacks a
// preceding call.
func CheckPairing(events []thread.Event) error {
	pending := make(map[string]bool)

	for i := range events {
		event := &events[i]
		switch event.Type {
		case thread.EventToolCall:
			call, err := event.ToolCall()
			if err != nil {
				return err
			}
			if pending[call.ID] {
				return fmt.Errorf("%w: duplicate call id %s", ErrPairingViolation, call.ID)
			}
			pending[call.ID] = true

		case thread.EventToolResult:
			result, err := event.ToolResult()
			if err != nil {
				return err
			}
			if !pending[result.ID] {
				return fmt.Errorf("%w: result %s has no preceding call", ErrPairingViolation, result.ID)
			}
			delete(pending, result.ID)

		case thread.EventAgentMessage:
			if len(pending) > 0 {
				return fmt.Errorf("%w: %d calls unresolved before next agent message", ErrPairingViolation, len(pending))
			}
		}
	}

	if len(pending) > 0 {
		return fmt.Errorf("%w: %d calls retained without results", ErrPairingViolation, len(pending))
	}
	return nil
}
