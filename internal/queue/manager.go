// Package queue ranks ready executions. Score = priority*10 + age in
// minutes, so a low-priority execution eventually outranks a fresh
// high-priority one.
package queue

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"execflow/internal/domain"
	"execflow/internal/metrics"
	"execflow/internal/registry"
)

// Score ranks an execution at a point in time. Age accrues from the
// original created_at across retries, so the score never decreases.
func Score(e domain.Execution, now time.Time) float64 {
	return float64(e.Priority*10) + now.Sub(e.CreatedAt).Minutes()
}

// Config holds the batch-shaping knobs.
type Config struct {
	BatchSize  int           // base batch size per tick
	HighWater  int           // ready depth above which batches grow
	LowWater   int           // ready depth below which batches reset
	MaxGrowth  int           // hard ceiling as a multiple of BatchSize
	FairShare  float64       // per-type cap as a fraction of the batch
	BoostAfter time.Duration // age at which an execution is flagged boosted
}

// DefaultConfig mirrors the stock policy: batches of 10, watermarks at
// 1000/100, 4x growth ceiling, half-batch fairness cap, 30m boost age.
func DefaultConfig() Config {
	return Config{
		BatchSize:  10,
		HighWater:  1000,
		LowWater:   100,
		MaxGrowth:  4,
		FairShare:  0.5,
		BoostAfter: 30 * time.Minute,
	}
}

// Manager yields ordered, fairness-adjusted batches of ready executions.
type Manager struct {
	store registry.Store
	cfg   Config
	met   *metrics.Metrics
	now   func() time.Time

	cur int // current adaptive batch size
}

// NewManager builds a Manager. met may be nil.
func NewManager(store registry.Store, cfg Config, met *metrics.Metrics, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Manager{store: store, cfg: cfg, met: met, now: now, cur: cfg.BatchSize}
}

// NextBatch returns up to maxSize ready executions, highest score first,
// with at most ceil(fairShare*size) per workflow type. maxSize <= 0 uses
// the adaptive batch size. Executions past their retry budget are never
// returned (the store excludes them).
func (m *Manager) NextBatch(ctx context.Context) ([]domain.Execution, error) {
	now := m.now()

	depth, err := m.store.CountReady(ctx, now)
	if err != nil {
		return nil, err
	}
	m.adapt(depth)
	if m.met != nil {
		m.met.QueueDepth.Set(float64(depth))
	}

	size := m.cur
	// Overfetch so the fairness cap still fills the batch from other types.
	candidates, err := m.store.Ready(ctx, now, size*4)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := Score(candidates[i], now), Score(candidates[j], now)
		if si != sj {
			return si > sj
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	perType := int(math.Ceil(m.cfg.FairShare * float64(size)))
	if perType < 1 {
		perType = 1
	}

	var batch []domain.Execution
	typeCount := make(map[string]int)
	for _, e := range candidates {
		if len(batch) >= size {
			break
		}
		if typeCount[e.WorkflowType] >= perType {
			continue
		}
		m.flagBoosted(ctx, e, now)
		typeCount[e.WorkflowType]++
		batch = append(batch, e)
	}
	return batch, nil
}

// adapt grows the batch while the backlog is above the high-water mark
// and resets it once the backlog drains below the low-water mark.
func (m *Manager) adapt(depth int) {
	ceiling := m.cfg.BatchSize * m.cfg.MaxGrowth
	switch {
	case depth > m.cfg.HighWater && m.cur < ceiling:
		m.cur *= 2
		if m.cur > ceiling {
			m.cur = ceiling
		}
		log.Info().Int("depth", depth).Int("batch", m.cur).Msg("backlog high, growing batch")
	case depth < m.cfg.LowWater && m.cur != m.cfg.BatchSize:
		m.cur = m.cfg.BatchSize
		log.Info().Int("depth", depth).Int("batch", m.cur).Msg("backlog drained, batch reset")
	}
}

// flagBoosted marks long-waiting executions for starvation reporting.
// The score formula already ages them; the flag only drives alerts.
func (m *Manager) flagBoosted(ctx context.Context, e domain.Execution, now time.Time) {
	if e.Boosted || now.Sub(e.CreatedAt) <= m.cfg.BoostAfter {
		return
	}
	set, err := m.store.SetBoosted(ctx, e.ID)
	if err != nil {
		log.Error().Err(err).Str("execution_id", e.ID).Msg("set boosted flag")
		return
	}
	if set {
		if m.met != nil {
			m.met.StarvationBoosts.Inc()
		}
		log.Warn().Str("execution_id", e.ID).
			Str("workflow_type", e.WorkflowType).
			Dur("age", now.Sub(e.CreatedAt)).
			Msg("execution aged past boost threshold")
	}
}

// BatchSize exposes the current adaptive size, for the loop's logs.
func (m *Manager) BatchSize() int { return m.cur }
