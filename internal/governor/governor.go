// Package governor enforces shared resource budgets: per-minute call
// windows for external APIs, a rolling daily cost ceiling, and
// instantaneous ceilings for connections, memory, and concurrency slots.
package governor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"execflow/internal/domain"
)

// UsageStore persists accumulating budgets so the daily cost ceiling
// survives a process restart within the same day.
type UsageStore interface {
	DailyUsage(ctx context.Context, kind domain.BudgetKind, day string) (float64, error)
	AddDailyUsage(ctx context.Context, kind domain.BudgetKind, day string, amount float64) error
}

// Class determines how a budget accounts usage.
type Class int

const (
	// ClassWindow resets used to zero at each fixed-window boundary.
	ClassWindow Class = iota
	// ClassGauge is an instantaneous ceiling; commits must be paired with
	// releases (enforced by the state machine controller).
	ClassGauge
	// ClassAccumulating grows for the whole day and is persisted.
	ClassAccumulating
)

// Budget configures one metered resource.
type Budget struct {
	Kind   domain.BudgetKind
	Class  Class
	Limit  float64
	Window time.Duration // ClassWindow only
}

// Decision is the answer to an admission query.
type Decision struct {
	Admitted bool
	Kind     domain.BudgetKind // exhausted kind when denied
	Reason   string
	// Degrade asks the caller to shrink batches / lengthen intervals.
	// Set on cost-ceiling denials, which are expected to last all day.
	Degrade bool
}

type budgetState struct {
	Budget
	used        float64
	windowStart time.Time
}

// Governor tracks consumption against configured budgets and answers
// admission queries. All counters share one mutex; admission is
// all-or-nothing and a denial consumes nothing.
type Governor struct {
	mu      sync.Mutex
	budgets map[domain.BudgetKind]*budgetState
	store   UsageStore
	now     func() time.Time
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// New builds a Governor. Accumulating budgets load today's usage from the
// store so a restart does not reset the cost ceiling.
func New(ctx context.Context, budgets []Budget, store UsageStore, opts ...Option) (*Governor, error) {
	g := &Governor{
		budgets: make(map[domain.BudgetKind]*budgetState, len(budgets)),
		store:   store,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	for _, b := range budgets {
		st := &budgetState{Budget: b}
		if b.Class == ClassAccumulating && store != nil {
			used, err := store.DailyUsage(ctx, b.Kind, day(g.now()))
			if err != nil {
				return nil, err
			}
			st.used = used
		}
		g.budgets[b.Kind] = st
	}
	return g, nil
}

// Admit checks every required kind against its budget. All-or-nothing:
// nothing is consumed, even on success; callers Commit after admission.
func (g *Governor) Admit(required map[domain.BudgetKind]float64) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for kind, amount := range required {
		st, ok := g.budgets[kind]
		if !ok {
			continue // unmetered kinds are free
		}
		g.roll(st, now)
		if st.used+amount > st.Limit {
			dec := Decision{
				Kind:    kind,
				Reason:  "budget " + string(kind) + " exhausted",
				Degrade: st.Class == ClassAccumulating,
			}
			log.Debug().Str("kind", string(kind)).
				Float64("used", st.used).Float64("limit", st.Limit).
				Msg("admission denied")
			return dec
		}
	}
	return Decision{Admitted: true}
}

// Commit records consumption after a successful admission.
func (g *Governor) Commit(ctx context.Context, kind domain.BudgetKind, amount float64) {
	g.mu.Lock()
	st, ok := g.budgets[kind]
	if !ok {
		g.mu.Unlock()
		return
	}
	now := g.now()
	g.roll(st, now)
	st.used += amount
	persist := st.Class == ClassAccumulating && g.store != nil
	g.mu.Unlock()

	if persist {
		if err := g.store.AddDailyUsage(ctx, kind, day(now), amount); err != nil {
			log.Error().Err(err).Str("kind", string(kind)).Msg("persist daily usage")
		}
	}
}

// Reacquire re-commits gauge capacity for executions that were already
// in flight when the process restarted. Window and accumulating budgets
// carry their own recovery (window resets, daily usage is persisted).
func (g *Governor) Reacquire(kind domain.BudgetKind, amount float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.budgets[kind]
	if !ok || st.Class != ClassGauge {
		return
	}
	st.used += amount
}

// Release returns gauge capacity. Window and accumulating budgets are
// consumed permanently, so releases on them are ignored.
func (g *Governor) Release(kind domain.BudgetKind, amount float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.budgets[kind]
	if !ok || st.Class != ClassGauge {
		return
	}
	st.used -= amount
	if st.used < 0 {
		st.used = 0
	}
}

// Snapshot reports current usage per kind.
func (g *Governor) Snapshot() map[domain.BudgetKind]domain.Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	out := make(map[domain.BudgetKind]domain.Usage, len(g.budgets))
	for kind, st := range g.budgets {
		g.roll(st, now)
		out[kind] = domain.Usage{Used: st.used, Limit: st.Limit}
	}
	return out
}

// FreeSlots reports remaining concurrency capacity.
func (g *Governor) FreeSlots() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.budgets[domain.BudgetConcurrency]
	if !ok {
		return 0
	}
	free := int(st.Limit - st.used)
	if free < 0 {
		free = 0
	}
	return free
}

// roll resets window counters at window boundaries and accumulating
// counters at day boundaries. Caller holds the mutex.
func (g *Governor) roll(st *budgetState, now time.Time) {
	switch st.Class {
	case ClassWindow:
		start := now.Truncate(st.Window)
		if !start.Equal(st.windowStart) {
			st.windowStart = start
			st.used = 0
		}
	case ClassAccumulating:
		start := now.Truncate(24 * time.Hour)
		if !start.Equal(st.windowStart) {
			if !st.windowStart.IsZero() {
				st.used = 0
			}
			st.windowStart = start
		}
	}
}

func day(t time.Time) string { return t.UTC().Format("2006-01-02") }

// DefaultBudgets is the stock budget set.
func DefaultBudgets() []Budget {
	return []Budget{
		{Kind: domain.BudgetGeminiRPM, Class: ClassWindow, Limit: 60, Window: time.Minute},
		{Kind: domain.BudgetOpenAIRPM, Class: ClassWindow, Limit: 60, Window: time.Minute},
		{Kind: domain.BudgetDailyCostUSD, Class: ClassAccumulating, Limit: 50},
		{Kind: domain.BudgetDBConnections, Class: ClassGauge, Limit: 80},
		{Kind: domain.BudgetMemoryBytes, Class: ClassGauge, Limit: 512 << 20},
		{Kind: domain.BudgetConcurrency, Class: ClassGauge, Limit: 3},
	}
}
