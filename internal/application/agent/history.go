package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/aescanero/flowengine/pkg/domain"
	"go.uber.org/zap"
)

// loadThread seeds the thread from the input or the store. Seeded messages
// count as persisted and validated.
func (o *Orchestrator) loadThread(ctx context.Context, r *run) error {
	history := r.in.History
	if len(history) == 0 && o.threads != nil {
		loaded, err := o.threads.LoadThreadHistory(ctx, r.thread.ID)
		switch {
		case errors.Is(err, domain.ErrThreadNotFound):
		case err != nil:
			return fmt.Errorf("failed to load thread history: %w", err)
		default:
			history = loaded
		}
	}

	r.thread.Messages = append(r.thread.Messages, history...)
	r.persisted = len(r.thread.Messages)
	r.validated = len(r.thread.Messages)
	return nil
}

// persist saves messages appended since the last save.
func (o *Orchestrator) persist(ctx context.Context, r *run) {
	if o.threads == nil || r.persisted >= len(r.thread.Messages) {
		return
	}
	pending := r.thread.Messages[r.persisted:]
	if err := o.threads.SaveThreadIncremental(ctx, r.thread.ID, pending); err != nil {
		r.logger.Warn("failed to save thread", zap.Int("messages", len(pending)), zap.Error(err))
		return
	}
	r.persisted = len(r.thread.Messages)
}

// window returns at most max trailing messages. A window never starts with
// tool results whose assistant call was cut off.
func window(messages []domain.Message, max int) []domain.Message {
	if max <= 0 || len(messages) <= max {
		return messages
	}
	out := messages[len(messages)-max:]
	for len(out) > 0 && out[0].Role == domain.RoleTool {
		out = out[1:]
	}
	return out
}
