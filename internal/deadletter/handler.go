// Package deadletter snapshots executions that exhausted their retry
// budget and makes them available for inspection and manual requeue.
package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"execflow/internal/domain"
	"execflow/internal/metrics"
	"execflow/internal/registry"
)

type Handler struct {
	store registry.Store
	met   *metrics.Metrics
	now   func() time.Time
}

// NewHandler builds a Handler. met and now may be nil.
func NewHandler(store registry.Store, met *metrics.Metrics, now func() time.Time) *Handler {
	if now == nil {
		now = time.Now
	}
	return &Handler{store: store, met: met, now: now}
}

// Record snapshots a failed execution. Idempotent: the snapshot is
// written exactly once per execution id.
func (h *Handler) Record(ctx context.Context, e domain.Execution) error {
	dl := domain.DeadLetter{
		ExecutionID:  e.ID,
		WorkflowType: e.WorkflowType,
		Priority:     e.Priority,
		Context:      e.Context,
		AttemptCount: e.AttemptCount,
		FailedAt:     h.now(),
		LastError:    e.LastError,
	}
	inserted, err := h.store.InsertDeadLetter(ctx, dl)
	if err != nil {
		return fmt.Errorf("insert dead letter %s: %w", e.ID, err)
	}
	if inserted {
		if h.met != nil {
			h.met.DeadLetters.Inc()
		}
		log.Warn().Str("execution_id", e.ID).
			Str("workflow_type", e.WorkflowType).
			Int("attempts", e.AttemptCount).
			Msg("execution dead-lettered")
	}
	return nil
}

// List returns recent dead letters, newest first.
func (h *Handler) List(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	return h.store.ListDeadLetters(ctx, limit)
}

// Get returns one dead letter with its originating attempt history.
func (h *Handler) Get(ctx context.Context, id string) (domain.DeadLetter, []domain.Attempt, error) {
	dl, err := h.store.GetDeadLetter(ctx, id)
	if err != nil {
		return domain.DeadLetter{}, nil, err
	}
	attempts, err := h.store.Attempts(ctx, id)
	if err != nil {
		return domain.DeadLetter{}, nil, err
	}
	return dl, attempts, nil
}

// Requeue enqueues a fresh execution from a dead letter. The original
// record stays terminal; the new execution keeps lineage via parent_id.
func (h *Handler) Requeue(ctx context.Context, id string) (string, error) {
	dl, err := h.store.GetDeadLetter(ctx, id)
	if err != nil {
		return "", err
	}
	parent := dl.ExecutionID
	newID, err := h.store.Enqueue(ctx, domain.Execution{
		WorkflowType: dl.WorkflowType,
		Priority:     dl.Priority,
		Context:      dl.Context,
		ParentID:     &parent,
	})
	if err != nil {
		return "", fmt.Errorf("requeue dead letter %s: %w", id, err)
	}
	if err := h.store.MarkRequeued(ctx, id); err != nil {
		return "", err
	}
	log.Info().Str("dead_letter", id).Str("execution_id", newID).Msg("dead letter requeued")
	return newID, nil
}
