package deadletter

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"execflow/internal/domain"
	"execflow/internal/registry"
)

func newHandler(t *testing.T) (*Handler, registry.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	require.NoError(t, registry.EnsureSchema(db))
	store := registry.NewSQLite(db)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return NewHandler(store, nil, func() time.Time { return now }), store
}

func failedExecution() domain.Execution {
	return domain.Execution{
		ID:           "exe_dead",
		WorkflowType: "content-pipeline",
		Priority:     domain.PriorityHigh,
		Status:       domain.StatusFailed,
		Context:      []byte(`{"article":"a-1"}`),
		AttemptCount: 3,
		MaxAttempts:  3,
		LastError: &domain.ErrorInfo{
			Kind:    domain.FailureWorker,
			Message: "crashed",
			At:      time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC),
		},
	}
}

func TestRecord_Idempotent(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()

	require.NoError(t, h.Record(ctx, failedExecution()))
	require.NoError(t, h.Record(ctx, failedExecution()))

	list, err := h.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "exe_dead", list[0].ExecutionID)
	assert.Equal(t, 3, list[0].AttemptCount)
	require.NotNil(t, list[0].LastError)
	assert.Equal(t, domain.FailureWorker, list[0].LastError.Kind)
}

func TestGet_WithAttemptHistory(t *testing.T) {
	h, store := newHandler(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Give the dead execution a real attempt trail.
	_, err := store.Enqueue(ctx, domain.Execution{ID: "exe_dead", WorkflowType: "content-pipeline", CreatedAt: now})
	require.NoError(t, err)
	ok, err := store.MarkAnalyzing(ctx, "exe_dead", now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.MarkDispatching(ctx, "exe_dead", now, now.Add(5*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.Record(ctx, failedExecution()))

	dl, attempts, err := h.Get(ctx, "exe_dead")
	require.NoError(t, err)
	assert.Equal(t, "content-pipeline", dl.WorkflowType)
	require.Len(t, attempts, 1)
	assert.Equal(t, 1, attempts[0].Attempt)

	_, _, err = h.Get(ctx, "exe_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRequeue_CreatesLinkedExecution(t *testing.T) {
	h, store := newHandler(t)
	ctx := context.Background()

	require.NoError(t, h.Record(ctx, failedExecution()))

	newID, err := h.Requeue(ctx, "exe_dead")
	require.NoError(t, err)
	assert.NotEqual(t, "exe_dead", newID)

	e, err := store.Get(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIdle, e.Status)
	assert.Equal(t, 0, e.AttemptCount)
	assert.Equal(t, domain.PriorityHigh, e.Priority)
	assert.JSONEq(t, `{"article":"a-1"}`, string(e.Context))
	require.NotNil(t, e.ParentID)
	assert.Equal(t, "exe_dead", *e.ParentID)

	dl, err := store.GetDeadLetter(ctx, "exe_dead")
	require.NoError(t, err)
	assert.True(t, dl.Requeued)

	_, err = h.Requeue(ctx, "exe_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
