package registry

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"execflow/internal/domain"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	require.NoError(t, EnsureSchema(db))
	return NewSQLite(db)
}

func TestEnqueue_Defaults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, domain.Execution{WorkflowType: "seo-monitor"})
	require.NoError(t, err)
	assert.Contains(t, id, "exe_")

	e, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIdle, e.Status)
	assert.Equal(t, domain.PriorityNormal, e.Priority)
	assert.Equal(t, 3, e.MaxAttempts)
	assert.Equal(t, 0, e.AttemptCount)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestGet_Unknown(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "exe_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReady_OrderAndFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	lowOld, err := store.Enqueue(ctx, domain.Execution{
		WorkflowType: "seo-monitor", Priority: domain.PriorityLow, CreatedAt: base.Add(-time.Hour),
	})
	require.NoError(t, err)
	highNew, err := store.Enqueue(ctx, domain.Execution{
		WorkflowType: "content-pipeline", Priority: domain.PriorityHigh, CreatedAt: base,
	})
	require.NoError(t, err)
	highOld, err := store.Enqueue(ctx, domain.Execution{
		WorkflowType: "content-pipeline", Priority: domain.PriorityHigh, CreatedAt: base.Add(-time.Minute),
	})
	require.NoError(t, err)

	// Retry not yet due is filtered out.
	notDue, err := store.Enqueue(ctx, domain.Execution{WorkflowType: "seo-monitor", CreatedAt: base})
	require.NoError(t, err)
	ok, err := store.MarkAnalyzing(ctx, notDue, base)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.MarkDispatching(ctx, notDue, base, base.Add(5*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.MarkErrorRecovery(ctx, notDue, 1, domain.StatusDispatching,
		domain.ErrorInfo{Kind: domain.FailureTransientDispatch, Message: "refused", At: base},
		timePtr(base.Add(10*time.Minute)))
	require.NoError(t, err)
	require.True(t, ok)

	// Scores at base: lowOld 1*10+60=70, highOld 3*10+1=31, highNew 30.
	ready, err := store.Ready(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, ready, 3)
	assert.Equal(t, lowOld, ready[0].ID)
	assert.Equal(t, highOld, ready[1].ID)
	assert.Equal(t, highNew, ready[2].ID)

	n, err := store.CountReady(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestReady_LimitKeepsHighestScore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	aged, err := store.Enqueue(ctx, domain.Execution{
		WorkflowType: "seo-monitor", Priority: domain.PriorityLow, CreatedAt: base.Add(-500 * time.Minute),
	})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := store.Enqueue(ctx, domain.Execution{
			WorkflowType: "content-pipeline", Priority: domain.PriorityUrgent,
			CreatedAt: base.Add(-time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	// A truncated result set must still surface the highest-score row.
	ready, err := store.Ready(ctx, base, 3)
	require.NoError(t, err)
	require.Len(t, ready, 3)
	assert.Equal(t, aged, ready[0].ID)
}

func TestGuardedTransitions_ExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	id, err := store.Enqueue(ctx, domain.Execution{WorkflowType: "content-pipeline", CreatedAt: now})
	require.NoError(t, err)

	ok, err := store.MarkAnalyzing(ctx, id, now)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claim of the same row loses.
	ok, err = store.MarkAnalyzing(ctx, id, now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.MarkDispatching(ctx, id, now, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	e, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, e.AttemptCount)
	require.NotNil(t, e.DispatchedAt)

	// Wrong attempt number is rejected.
	ok, err = store.MarkMonitoring(ctx, id, 2)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.MarkMonitoring(ctx, id, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	// Completion races resolve to one winner.
	ok, err = store.MarkCompleted(ctx, id, 1, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.MarkCompleted(ctx, id, 1, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	attempts, err := store.Attempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "success", attempts[0].Outcome)
}

func TestMarkDispatching_RespectsAttemptCeiling(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	id, err := store.Enqueue(ctx, domain.Execution{
		WorkflowType: "content-pipeline", MaxAttempts: 1, CreatedAt: now,
	})
	require.NoError(t, err)

	ok, err := store.MarkAnalyzing(ctx, id, now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.MarkDispatching(ctx, id, now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.MarkErrorRecovery(ctx, id, 1, domain.StatusDispatching,
		domain.ErrorInfo{Kind: domain.FailureTransientDispatch, Message: "refused", At: now}, nil)
	require.NoError(t, err)
	require.True(t, ok)

	// Exhausted executions cannot re-enter the pipeline.
	ok, err = store.RetryToIdle(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRequeueIdle_LeavesAttemptCountAlone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	id, err := store.Enqueue(ctx, domain.Execution{WorkflowType: "content-pipeline", CreatedAt: now})
	require.NoError(t, err)
	ok, err := store.MarkAnalyzing(ctx, id, now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.RequeueIdle(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	e, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIdle, e.Status)
	assert.Equal(t, 0, e.AttemptCount)
	assert.Nil(t, e.ScheduledAt)
}

func TestExpiredInFlight_NonUTCClock(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	loc := time.FixedZone("UTC+5", 5*3600)
	now := time.Date(2025, 6, 1, 17, 0, 0, 0, loc) // 12:00 UTC

	id, err := store.Enqueue(ctx, domain.Execution{WorkflowType: "content-pipeline", CreatedAt: now})
	require.NoError(t, err)
	ok, err := store.MarkAnalyzing(ctx, id, now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.MarkDispatching(ctx, id, now, now.Add(5*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	expired, err := store.ExpiredInFlight(ctx, now.Add(4*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = store.ExpiredInFlight(ctx, now.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, id, expired[0].ID)
}

func TestRetryDue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	id, err := store.Enqueue(ctx, domain.Execution{WorkflowType: "content-pipeline", CreatedAt: now})
	require.NoError(t, err)
	ok, err := store.MarkAnalyzing(ctx, id, now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.MarkDispatching(ctx, id, now, now.Add(5*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.MarkErrorRecovery(ctx, id, 1, domain.StatusDispatching,
		domain.ErrorInfo{Kind: domain.FailureTransientDispatch, Message: "refused", At: now},
		timePtr(now.Add(time.Minute)))
	require.NoError(t, err)
	require.True(t, ok)

	due, err := store.RetryDue(ctx, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.RetryDue(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, id, due[0].ID)
	require.NotNil(t, due[0].LastError)
	assert.Equal(t, domain.FailureTransientDispatch, due[0].LastError.Kind)

	ok, err = store.RetryToIdle(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	e, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIdle, e.Status)
	assert.Nil(t, e.NextRetryAt)
	assert.Equal(t, 1, e.AttemptCount)
}

func TestDeadLetters_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	dl := domain.DeadLetter{
		ExecutionID:  "exe_dead",
		WorkflowType: "content-pipeline",
		Priority:     domain.PriorityHigh,
		Context:      []byte(`{"k":"v"}`),
		AttemptCount: 3,
		FailedAt:     now,
		LastError:    &domain.ErrorInfo{Kind: domain.FailureWorker, Message: "crashed", At: now},
	}

	inserted, err := store.InsertDeadLetter(ctx, dl)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = store.InsertDeadLetter(ctx, dl)
	require.NoError(t, err)
	assert.False(t, inserted, "second snapshot for the same execution is ignored")

	got, err := store.GetDeadLetter(ctx, "exe_dead")
	require.NoError(t, err)
	assert.Equal(t, 3, got.AttemptCount)
	assert.False(t, got.Requeued)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "crashed", got.LastError.Message)

	require.NoError(t, store.MarkRequeued(ctx, "exe_dead"))
	got, err = store.GetDeadLetter(ctx, "exe_dead")
	require.NoError(t, err)
	assert.True(t, got.Requeued)

	list, err := store.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDailyUsage_Accumulates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	used, err := store.DailyUsage(ctx, domain.BudgetDailyCostUSD, "2025-06-01")
	require.NoError(t, err)
	assert.Zero(t, used)

	require.NoError(t, store.AddDailyUsage(ctx, domain.BudgetDailyCostUSD, "2025-06-01", 0.25))
	require.NoError(t, store.AddDailyUsage(ctx, domain.BudgetDailyCostUSD, "2025-06-01", 0.50))
	used, err = store.DailyUsage(ctx, domain.BudgetDailyCostUSD, "2025-06-01")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, used, 1e-9)

	// Days are independent rows.
	used, err = store.DailyUsage(ctx, domain.BudgetDailyCostUSD, "2025-06-02")
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestTriggers_CRUDAndDue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	id, err := store.CreateTrigger(ctx, domain.Trigger{
		Name:         "hourly-seo-scan",
		CronExpr:     "0 * * * *",
		WorkflowType: "seo-monitor",
		Enabled:      true,
		NextRun:      now.Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.Contains(t, id, "trg_")

	due, err := store.DueTriggers(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, id, due[0].ID)

	require.NoError(t, store.UpdateTriggerRun(ctx, id, now, now.Add(time.Hour)))
	due, err = store.DueTriggers(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)

	got, err := store.GetTrigger(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.LastRun)

	got.Enabled = false
	require.NoError(t, store.UpdateTrigger(ctx, got))
	due, err = store.DueTriggers(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due, "disabled triggers never fire")

	all, err := store.ListTriggers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.DeleteTrigger(ctx, id))
	_, err = store.GetTrigger(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func timePtr(t time.Time) *time.Time { return &t }
