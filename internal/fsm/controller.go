// Package fsm is the state machine controller: the only component that
// mutates an execution's status. Transitions for one execution serialize
// through a striped lock; different executions proceed in parallel.
package fsm

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"execflow/internal/deadletter"
	"execflow/internal/domain"
	"execflow/internal/governor"
	"execflow/internal/metrics"
	"execflow/internal/registry"
)

const lockStripes = 64

// OutcomeSink receives per-attempt outcomes; the anomaly detector
// implements it.
type OutcomeSink interface {
	Record(ok bool)
}

// Controller validates and applies every status transition. Slot commit
// and release pairing lives here so callers cannot skip the release on
// terminal transitions.
type Controller struct {
	store  registry.Store
	gov    *governor.Governor
	dead   *deadletter.Handler
	met    *metrics.Metrics
	sink   OutcomeSink
	now    func() time.Time
	routes map[string]map[domain.BudgetKind]float64

	backoffBase time.Duration
	locks       [lockStripes]sync.Mutex
	paused      atomic.Bool
}

// Options configure a Controller beyond its required collaborators.
type Options struct {
	Now         func() time.Time
	BackoffBase time.Duration // default 1 minute
	Sink        OutcomeSink
	Metrics     *metrics.Metrics
}

// NewController builds a Controller. routes maps workflow_type to the
// resources a dispatch consumes; every type implicitly consumes one
// concurrency slot.
func NewController(store registry.Store, gov *governor.Governor, dead *deadletter.Handler,
	routes map[string]map[domain.BudgetKind]float64, opts Options) *Controller {

	normalized := make(map[string]map[domain.BudgetKind]float64, len(routes))
	for wft, res := range routes {
		m := make(map[domain.BudgetKind]float64, len(res)+1)
		for k, v := range res {
			m[k] = v
		}
		if m[domain.BudgetConcurrency] == 0 {
			m[domain.BudgetConcurrency] = 1
		}
		normalized[wft] = m
	}
	c := &Controller{
		store:       store,
		gov:         gov,
		dead:        dead,
		met:         opts.Metrics,
		sink:        opts.Sink,
		now:         opts.Now,
		routes:      normalized,
		backoffBase: opts.BackoffBase,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.backoffBase <= 0 {
		c.backoffBase = time.Minute
	}
	return c
}

// Resources returns the budget amounts a dispatch of this type
// consumes. Unrouted types consume one concurrency slot, which keeps
// the commit/release pairing intact until the dispatcher rejects them.
func (c *Controller) Resources(workflowType string) map[domain.BudgetKind]float64 {
	if res, ok := c.routes[workflowType]; ok {
		return res
	}
	return map[domain.BudgetKind]float64{domain.BudgetConcurrency: 1}
}

func (c *Controller) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &c.locks[h.Sum32()%lockStripes]
}

// Select moves an idle execution into ANALYZING for the current tick.
func (c *Controller) Select(ctx context.Context, id string) (bool, error) {
	mu := c.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	return c.store.MarkAnalyzing(ctx, id, c.now())
}

// Requeue returns a denied execution to IDLE unchanged. The attempt
// count is untouched; the execution simply ages further.
func (c *Controller) Requeue(ctx context.Context, id string) error {
	mu := c.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	_, err := c.store.RequeueIdle(ctx, id)
	return err
}

// BeginDispatch moves an admitted execution to DISPATCHING: increments
// the attempt count, stamps dispatched_at/deadline_at, and commits the
// admitted resources. Refused while the fatal-system flag is set.
func (c *Controller) BeginDispatch(ctx context.Context, e domain.Execution, timeout time.Duration) (domain.Execution, error) {
	if c.paused.Load() {
		if err := c.Requeue(ctx, e.ID); err != nil {
			return domain.Execution{}, err
		}
		return domain.Execution{}, domain.ErrPaused
	}

	mu := c.lockFor(e.ID)
	mu.Lock()
	defer mu.Unlock()

	now := c.now()
	deadline := now.Add(timeout)
	applied, err := c.store.MarkDispatching(ctx, e.ID, now, deadline)
	if err != nil {
		return domain.Execution{}, err
	}
	if !applied {
		return domain.Execution{}, domain.ErrStaleAttempt
	}
	for kind, amount := range c.Resources(e.WorkflowType) {
		c.gov.Commit(ctx, kind, amount)
	}
	if c.met != nil {
		c.met.InFlight.Inc()
	}

	e.Status = domain.StatusDispatching
	e.AttemptCount++
	e.DispatchedAt = &now
	e.DeadlineAt = &deadline
	return e, nil
}

// Acknowledged moves a dispatched execution to MONITORING once the
// worker accepts the request.
func (c *Controller) Acknowledged(ctx context.Context, id string, attempt int) error {
	mu := c.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	applied, err := c.store.MarkMonitoring(ctx, id, attempt)
	if err != nil {
		return err
	}
	if !applied {
		return domain.ErrStaleAttempt
	}
	return nil
}

// DispatchFailed handles a failure of the dispatch call itself.
// Transient errors take the backoff path; validation rejects
// dead-letter immediately.
func (c *Controller) DispatchFailed(ctx context.Context, e domain.Execution, kind domain.FailureKind, msg string) error {
	mu := c.lockFor(e.ID)
	mu.Lock()
	defer mu.Unlock()
	e.Status = domain.StatusDispatching
	return c.fail(ctx, e, e.AttemptCount, kind, msg)
}

// OnCallback resolves a MONITORING execution from a worker callback.
// A callback for a superseded attempt is accepted but has no effect.
func (c *Controller) OnCallback(ctx context.Context, id string, attempt int, success bool, workerErr *domain.ErrorInfo) error {
	mu := c.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.Status != domain.StatusMonitoring || e.AttemptCount != attempt {
		log.Info().Str("execution_id", id).Int("attempt", attempt).
			Str("status", string(e.Status)).Int("current_attempt", e.AttemptCount).
			Msg("stale callback dropped")
		return domain.ErrStaleAttempt
	}

	if success {
		applied, err := c.store.MarkCompleted(ctx, id, attempt, c.now())
		if err != nil {
			return err
		}
		if !applied {
			return domain.ErrStaleAttempt
		}
		c.releaseSlots(e.WorkflowType)
		c.record(true)
		log.Info().Str("execution_id", id).Int("attempt", attempt).Msg("execution completed")
		return nil
	}

	msg := "worker reported failure"
	kind := domain.FailureWorker
	if workerErr != nil {
		if workerErr.Message != "" {
			msg = workerErr.Message
		}
		if workerErr.Kind == domain.FailureValidation {
			kind = domain.FailureValidation
		}
	}
	return c.fail(ctx, e, attempt, kind, msg)
}

// OnTimeout sweeps an in-flight execution whose deadline passed without
// a terminal callback. Guarded on (status, attempt) so concurrent
// callbacks and sweeps resolve to exactly one transition.
func (c *Controller) OnTimeout(ctx context.Context, e domain.Execution) error {
	mu := c.lockFor(e.ID)
	mu.Lock()
	defer mu.Unlock()
	err := c.fail(ctx, e, e.AttemptCount, domain.FailureTimeout, "no callback before deadline")
	if err == nil && c.met != nil {
		c.met.Timeouts.Inc()
	}
	return err
}

// RetryToIdle moves a due ERROR_RECOVERY execution back to IDLE.
func (c *Controller) RetryToIdle(ctx context.Context, id string) error {
	mu := c.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	_, err := c.store.RetryToIdle(ctx, id)
	return err
}

// fail drives <current> -> ERROR_RECOVERY and, when the retry budget is
// exhausted or the failure is non-retryable, ERROR_RECOVERY -> FAILED
// with a dead-letter snapshot. Callers hold the per-execution lock.
func (c *Controller) fail(ctx context.Context, e domain.Execution, attempt int, kind domain.FailureKind, msg string) error {
	if err := ValidateTransition(e.Status, domain.StatusErrorRecovery); err != nil {
		return err
	}
	now := c.now()
	info := domain.ErrorInfo{Kind: kind, Message: msg, At: now}
	retryable := kind.Retryable() && attempt < e.MaxAttempts

	var next *time.Time
	if retryable {
		t := now.Add(c.Backoff(attempt))
		next = &t
	}
	applied, err := c.store.MarkErrorRecovery(ctx, e.ID, attempt, e.Status, info, next)
	if err != nil {
		return fmt.Errorf("mark error_recovery %s: %w", e.ID, err)
	}
	if !applied {
		return domain.ErrStaleAttempt
	}
	c.releaseSlots(e.WorkflowType)
	c.record(false)

	if retryable {
		if c.met != nil {
			c.met.Retries.Inc()
		}
		log.Info().Str("execution_id", e.ID).Int("attempt", attempt).
			Str("kind", string(kind)).Time("next_retry_at", *next).
			Msg("retry scheduled")
		return nil
	}

	applied, err = c.store.MarkFailed(ctx, e.ID, info, now)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", e.ID, err)
	}
	if applied {
		e.Status = domain.StatusFailed
		e.AttemptCount = attempt
		e.LastError = &info
		if err := c.dead.Record(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// releaseSlots returns the gauge-class resources a dispatch of this type
// held. Called exactly once per transition out of a slot-holding state.
func (c *Controller) releaseSlots(workflowType string) {
	for kind, amount := range c.Resources(workflowType) {
		c.gov.Release(kind, amount)
	}
	if c.met != nil {
		c.met.InFlight.Dec()
	}
}

func (c *Controller) record(ok bool) {
	if c.sink != nil {
		c.sink.Record(ok)
	}
}

// Backoff returns the retry delay after the given attempt: base, 2x, 4x.
func (c *Controller) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return c.backoffBase
	}
	d := c.backoffBase << (attempt - 1)
	if max := 60 * time.Minute; d > max {
		d = max
	}
	return d
}

// Pause raises the fatal-system flag: new dispatches stop, in-flight
// executions are unaffected.
func (c *Controller) Pause(reason string) {
	if c.paused.CompareAndSwap(false, true) {
		if c.met != nil {
			c.met.Paused.Set(1)
		}
		log.Error().Str("reason", reason).Msg("fatal system condition, dispatch paused")
	}
}

// Resume clears the fatal-system flag.
func (c *Controller) Resume() {
	if c.paused.CompareAndSwap(true, false) {
		if c.met != nil {
			c.met.Paused.Set(0)
		}
		log.Info().Msg("dispatch resumed")
	}
}

// Paused reports the fatal-system flag.
func (c *Controller) Paused() bool { return c.paused.Load() }
