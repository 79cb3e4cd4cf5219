// Package compaction detects when a thread's projected token footprint
// approaches the model's context window and rewrites the thread into a
// new version that preserves semantic fidelity and tool atomicity.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/obra/lace/conversation"
	"github.com/obra/lace/provider"
	"github.com/obra/lace/thread"
)

// Config holds the engine's tuning parameters.
type Config struct {
	// TriggerThreshold is the fraction of the context window at which
	// compaction triggers (0.0–1.0). Default 0.85.
	TriggerThreshold float64

	// StrategyID selects the strategy run by CompactIfNeeded.
	// Default "trim-tool-results".
	StrategyID string

	// PreserveLastN is the number of trailing events lossy strategies
	// keep unchanged. Default 10.
	PreserveLastN int

	// Timeout bounds one compaction run. On expiry the turn proceeds
	// without compaction and the next turn tries again. Default 30s.
	Timeout time.Duration
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.TriggerThreshold <= 0 || c.TriggerThreshold > 1 {
		c.TriggerThreshold = 0.85
	}
	if c.StrategyID == "" {
		c.StrategyID = "trim-tool-results"
	}
	if c.PreserveLastN <= 0 {
		c.PreserveLastN = 10
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Result reports the outcome of CompactIfNeeded.
type Result struct {
	Compacted   bool
	NewThreadID string
	StrategyID  string
}

// Engine orchestrates strategies and thread versioning. One engine is
// bound to one provider (for token counting and summarization) and one
// thread store.
type Engine struct {
	store      *thread.Store
	provider   provider.Provider
	strategies map[string]Strategy
	counter    *TokenCounter
	config     Config
	log        *logrus.Entry
}

// NewEngine creates an engine with the default strategies registered.
func NewEngine(store *thread.Store, p provider.Provider, config Config) *Engine {
	e := &Engine{
		store:      store,
		provider:   p,
		strategies: make(map[string]Strategy),
		counter:    NewTokenCounter(p),
		config:     config.withDefaults(),
		log:        logrus.WithField("component", "compaction"),
	}

	e.RegisterStrategy(NewTrimToolResults())
	e.RegisterStrategy(NewSummarize())

	return e
}

// RegisterStrategy adds a strategy to the engine. Registering an
// existing id replaces it.
func (e *Engine) RegisterStrategy(strategy Strategy) {
	e.strategies[strategy.ID()] = strategy
}

// NeedsCompaction reports whether the thread's folded conversation
// exceeds the configured fraction of the provider's context window.
func (e *Engine) NeedsCompaction(ctx context.Context, threadID string) (bool, error) {
	events, err := e.store.GetEvents(ctx, threadID)
	if err != nil {
		return false, newError("NeedsCompaction", threadID, err)
	}
	if len(events) == 0 {
		return false, nil
	}

	messages, err := conversation.BuildConversation(events)
	if err != nil {
		return false, newError("NeedsCompaction", threadID, err)
	}

	count := e.counter.Count(ctx, messages, nil)
	window := 0
	if e.provider != nil {
		window = e.provider.ContextWindow()
	}
	if window <= 0 {
		window = provider.GetModelInfo("").ContextWindow
	}

	threshold := int(float64(window) * e.config.TriggerThreshold)
	return count > threshold, nil
}

// CompactIfNeeded compacts the thread when the needs-check fires. On
// success the canonical id's current-version pointer advances to a new
// thread holding the COMPACTION record; both happen in one storage
// transaction, so readers never see a half-compacted state.
func (e *Engine) CompactIfNeeded(ctx context.Context, threadID string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	needed, err := e.NeedsCompaction(ctx, threadID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			e.log.WithField("thread", threadID).Warn("compaction check timed out; proceeding without compaction")
			return &Result{Compacted: false}, nil
		}
		return nil, err
	}
	if !needed {
		return &Result{Compacted: false}, nil
	}

	result, err := e.Compact(ctx, threadID, e.config.StrategyID)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		e.log.WithField("thread", threadID).Warn("compaction timed out; proceeding without compaction")
		return &Result{Compacted: false}, nil
	}
	return result, err
}

// Compact runs the named strategy on the thread's canonical log and
// installs the output as the new current version.
func (e *Engine) Compact(ctx context.Context, threadID, strategyID string) (*Result, error) {
	strategy, ok := e.strategies[strategyID]
	if !ok {
		return nil, newError("Compact", threadID, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategyID))
	}

	canonicalID, err := e.store.GetCanonicalID(ctx, threadID)
	if err != nil {
		return nil, newError("Compact", threadID, err)
	}

	rawEvents, err := e.store.GetEvents(ctx, canonicalID)
	if err != nil {
		return nil, newError("Compact", canonicalID, err)
	}
	if len(rawEvents) == 0 {
		return nil, newError("Compact", canonicalID, ErrNoEventsToCompact)
	}

	// Prior compaction records are spliced away; they are never inputs
	// to future compaction.
	events, err := Flatten(rawEvents)
	if err != nil {
		return nil, newError("Compact", canonicalID, err)
	}

	payload, err := strategy.Compact(ctx, events, StrategyContext{
		ThreadID:      canonicalID,
		Provider:      e.provider,
		Counter:       e.counter,
		PreserveLastN: e.config.PreserveLastN,
	})
	if err != nil {
		return nil, newError("Compact", canonicalID, err)
	}

	// The pairing rule is non-negotiable: violations abort before any
	// write, leaving the pre-compaction version current.
	if err := CheckPairing(payload.CompactedEvents); err != nil {
		return nil, newError("Compact", canonicalID, err)
	}

	history, err := e.store.GetVersionHistory(ctx, canonicalID)
	if err != nil {
		return nil, newError("Compact", canonicalID, err)
	}
	newVersionID := fmt.Sprintf("%s_v%d", canonicalID, len(history)+2)

	err = e.store.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := e.store.CreateThread(ctx, newVersionID); err != nil {
			return err
		}
		if _, err := e.store.AppendEvent(ctx, newVersionID, thread.EventCompaction, payload); err != nil {
			return err
		}
		return e.store.CreateVersion(ctx, canonicalID, newVersionID, "compaction:"+strategyID)
	})
	if err != nil {
		return nil, newError("Compact", canonicalID, err)
	}

	e.log.WithFields(logrus.Fields{
		"thread":   canonicalID,
		"version":  newVersionID,
		"strategy": strategyID,
		"events":   payload.OriginalEventCount,
	}).Info("thread compacted")

	return &Result{
		Compacted:   true,
		NewThreadID: newVersionID,
		StrategyID:  strategyID,
	}, nil
}
