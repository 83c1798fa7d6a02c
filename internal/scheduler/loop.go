// Package scheduler owns the top-level control loop. Each tick runs, in
// order: anomaly check, timeout sweep, retry sweep, then pull, admit,
// and dispatch. Dispatch calls run concurrently bounded by free
// concurrency slots and never block the tick.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"execflow/internal/dispatch"
	"execflow/internal/domain"
	"execflow/internal/fsm"
	"execflow/internal/governor"
	"execflow/internal/metrics"
	"execflow/internal/queue"
	"execflow/internal/registry"
)

// Config holds the loop's knobs.
type Config struct {
	Tick            time.Duration
	Jitter          bool // +/-10% on the tick to avoid thundering herds
	DispatchTimeout time.Duration
	ExhaustedTicks  int // consecutive fully-denied ticks before pausing
}

// Loop is the tick-driven scheduler.
type Loop struct {
	cfg   Config
	store registry.Store
	gov   *governor.Governor
	qm    *queue.Manager
	ctrl  *fsm.Controller
	disp  *dispatch.Dispatcher
	det   *Detector
	met   *metrics.Metrics
	now   func() time.Time

	stop      chan struct{}
	wg        sync.WaitGroup
	exhausted int
}

// NewLoop wires the loop. met and now may be nil.
func NewLoop(cfg Config, store registry.Store, gov *governor.Governor, qm *queue.Manager,
	ctrl *fsm.Controller, disp *dispatch.Dispatcher, det *Detector, met *metrics.Metrics,
	now func() time.Time) *Loop {
	if now == nil {
		now = time.Now
	}
	if cfg.ExhaustedTicks <= 0 {
		cfg.ExhaustedTicks = 5
	}
	return &Loop{
		cfg: cfg, store: store, gov: gov, qm: qm, ctrl: ctrl,
		disp: disp, det: det, met: met, now: now,
		stop: make(chan struct{}),
	}
}

// Run ticks until the context is canceled or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	log.Info().Dur("tick", l.cfg.Tick).Msg("scheduler loop started")
	timer := time.NewTimer(l.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			return
		case <-l.stop:
			l.wg.Wait()
			return
		case <-timer.C:
			l.tick(ctx, l.now())
			timer.Reset(l.interval())
		}
	}
}

// Stop ends the loop after in-flight dispatch calls settle.
func (l *Loop) Stop() { close(l.stop) }

func (l *Loop) interval() time.Duration {
	if !l.cfg.Jitter {
		return l.cfg.Tick
	}
	// +/-10%
	spread := int64(l.cfg.Tick) / 5
	return l.cfg.Tick - time.Duration(spread/2) + time.Duration(rand.Int63n(spread+1))
}

func (l *Loop) tick(ctx context.Context, now time.Time) {
	if bad, reason := l.det.Unhealthy(); bad {
		l.ctrl.Pause(reason)
	}

	l.sweepTimeouts(ctx, now)
	if l.ctrl.Paused() {
		log.Warn().Msg("dispatch paused, tick ran timeout sweep only")
		return
	}
	l.sweepRetries(ctx, now)
	l.dispatchPhase(ctx)
}

// sweepTimeouts drives every in-flight execution past its deadline into
// the retry/failure path. The (status, attempt) guard in the registry
// makes a sweep racing a late callback resolve exactly once.
func (l *Loop) sweepTimeouts(ctx context.Context, now time.Time) {
	expired, err := l.store.ExpiredInFlight(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("timeout sweep query")
		return
	}
	for _, e := range expired {
		if err := l.ctrl.OnTimeout(ctx, e); err != nil && err != domain.ErrStaleAttempt {
			log.Error().Err(err).Str("execution_id", e.ID).Msg("timeout sweep")
		}
	}
	if len(expired) > 0 {
		log.Info().Int("count", len(expired)).Msg("timed-out executions swept")
	}
}

func (l *Loop) sweepRetries(ctx context.Context, now time.Time) {
	due, err := l.store.RetryDue(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("retry sweep query")
		return
	}
	for _, e := range due {
		if err := l.ctrl.RetryToIdle(ctx, e.ID); err != nil {
			log.Error().Err(err).Str("execution_id", e.ID).Msg("retry sweep")
		}
	}
}

func (l *Loop) dispatchPhase(ctx context.Context) {
	free := l.gov.FreeSlots()
	if free == 0 {
		return
	}
	batch, err := l.qm.NextBatch(ctx)
	if err != nil {
		log.Error().Err(err).Msg("queue pull")
		return
	}
	if len(batch) == 0 {
		l.exhausted = 0
		return
	}

	sem := make(chan struct{}, free)
	admittedAny := false
	for _, e := range batch {
		selected, err := l.ctrl.Select(ctx, e.ID)
		if err != nil || !selected {
			continue
		}

		dec := l.gov.Admit(l.ctrl.Resources(e.WorkflowType))
		if !dec.Admitted {
			if l.met != nil {
				l.met.GovernorDenials.WithLabelValues(string(dec.Kind)).Inc()
			}
			if err := l.ctrl.Requeue(ctx, e.ID); err != nil {
				log.Error().Err(err).Str("execution_id", e.ID).Msg("requeue after denial")
			}
			if dec.Degrade {
				// Cost ceiling: stop the whole batch, the day is spent.
				log.Warn().Str("kind", string(dec.Kind)).Msg("cost ceiling reached, degrading")
				break
			}
			continue
		}

		admitted, err := l.ctrl.BeginDispatch(ctx, e, l.cfg.DispatchTimeout)
		if err != nil {
			if err != domain.ErrPaused && err != domain.ErrStaleAttempt {
				log.Error().Err(err).Str("execution_id", e.ID).Msg("begin dispatch")
			}
			continue
		}
		admittedAny = true

		l.wg.Add(1)
		sem <- struct{}{}
		go func(exe domain.Execution) {
			defer l.wg.Done()
			defer func() { <-sem }()
			l.dispatchOne(ctx, exe)
		}(admitted)
	}

	if admittedAny {
		l.exhausted = 0
		return
	}
	l.exhausted++
	if l.exhausted >= l.cfg.ExhaustedTicks {
		l.ctrl.Pause("governor exhausted for consecutive ticks")
	}
}

func (l *Loop) dispatchOne(ctx context.Context, e domain.Execution) {
	outcome, err := l.disp.Dispatch(ctx, e)
	if l.met != nil {
		l.met.Dispatched.WithLabelValues(outcome.String()).Inc()
	}
	switch outcome {
	case dispatch.Acknowledged:
		if err := l.ctrl.Acknowledged(ctx, e.ID, e.AttemptCount); err != nil && err != domain.ErrStaleAttempt {
			log.Error().Err(err).Str("execution_id", e.ID).Msg("acknowledge")
		}
	default:
		msg := "dispatch failed"
		if err != nil {
			msg = err.Error()
		}
		ferr := l.ctrl.DispatchFailed(ctx, e, outcome.FailureKind(), msg)
		if ferr != nil && ferr != domain.ErrStaleAttempt {
			log.Error().Err(ferr).Str("execution_id", e.ID).Msg("dispatch failure transition")
		}
	}
}

// RecoverStartup restores slot accounting for executions still in
// flight and resolves those whose deadline passed while the process was
// down: correlation state persisted before dispatch means a restart can
// still time them out (or match a late callback).
func (l *Loop) RecoverStartup(ctx context.Context) int {
	inflight, err := l.store.InFlight(ctx)
	if err != nil {
		log.Error().Err(err).Msg("startup recovery query")
		return 0
	}
	for _, e := range inflight {
		for kind, amount := range l.ctrl.Resources(e.WorkflowType) {
			l.gov.Reacquire(kind, amount)
		}
		if l.met != nil {
			l.met.InFlight.Inc()
		}
	}

	expired, err := l.store.ExpiredInFlight(ctx, l.now())
	if err != nil {
		log.Error().Err(err).Msg("startup recovery query")
		return 0
	}
	for _, e := range expired {
		if err := l.ctrl.OnTimeout(ctx, e); err != nil && err != domain.ErrStaleAttempt {
			log.Error().Err(err).Str("execution_id", e.ID).Msg("startup recovery")
		}
	}
	return len(expired)
}
