package hooks

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/obra/lace/compaction"
	"github.com/obra/lace/types"
)

// RegisterLogging attaches structured logging hooks for every lifecycle
// point to the registry.
func RegisterLogging(registry *Registry, log *logrus.Entry) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	registry.OnBeforeTurn(func(_ context.Context, threadID, prompt string) error {
		log.WithFields(logrus.Fields{
			"thread":     threadID,
			"prompt_len": len(prompt),
		}).Debug("turn started")
		return nil
	})

	registry.OnAfterTurn(func(_ context.Context, threadID, content string, usage *types.TokenUsage) error {
		fields := logrus.Fields{
			"thread":      threadID,
			"content_len": len(content),
		}
		if usage != nil {
			fields["input_tokens"] = usage.InputTokens
			fields["output_tokens"] = usage.OutputTokens
		}
		log.WithFields(fields).Info("turn completed")
		return nil
	})

	registry.OnToolCall(func(_ context.Context, threadID string, call types.ToolCall, result types.ToolResult) error {
		log.WithFields(logrus.Fields{
			"thread":   threadID,
			"tool":     call.Name,
			"call_id":  call.ID,
			"is_error": result.IsError,
		}).Debug("tool executed")
		return nil
	})

	registry.OnBeforeCompaction(func(_ context.Context, threadID string) error {
		log.WithField("thread", threadID).Debug("compaction starting")
		return nil
	})

	registry.OnAfterCompaction(func(_ context.Context, result *compaction.Result) error {
		if result == nil || !result.Compacted {
			return nil
		}
		log.WithFields(logrus.Fields{
			"version":  result.NewThreadID,
			"strategy": result.StrategyID,
		}).Info("compaction applied")
		return nil
	})
}
