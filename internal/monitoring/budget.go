package monitoring

import (
	"sync"
	"time"

	"github.com/hyped-pod/navigation/internal/timeutil"
)

// overrunLogEvery limits ops logging of budget overruns to the first one and
// then every Nth.
const overrunLogEvery = 100

// CycleBudget tracks estimator cycle latency against the control loop's
// real-time budget.
type CycleBudget struct {
	mu     sync.Mutex
	clock  timeutil.Clock
	budget time.Duration

	cycles   int64
	overruns int64
	total    time.Duration
	max      time.Duration
	last     time.Duration
}

// BudgetStats is a snapshot of CycleBudget counters.
type BudgetStats struct {
	Budget   time.Duration
	Cycles   int64
	Overruns int64
	Last     time.Duration
	Max      time.Duration
	Mean     time.Duration
}

// NewCycleBudget creates a tracker for the given per-cycle budget. A nil
// clock uses the real clock.
func NewCycleBudget(budget time.Duration, clock timeutil.Clock) *CycleBudget {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &CycleBudget{clock: clock, budget: budget}
}

// Start returns the start timestamp of a cycle.
func (b *CycleBudget) Start() time.Time {
	return b.clock.Now()
}

// Observe records a cycle that started at start and reports whether it
// exceeded the budget.
func (b *CycleBudget) Observe(start time.Time) (elapsed time.Duration, overrun bool) {
	elapsed = b.clock.Since(start)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.cycles++
	b.total += elapsed
	b.last = elapsed
	if elapsed > b.max {
		b.max = elapsed
	}
	if b.budget > 0 && elapsed > b.budget {
		overrun = true
		b.overruns++
		if b.overruns == 1 || b.overruns%overrunLogEvery == 0 {
			Opsf("estimator cycle overran budget: %s > %s (%d overruns in %d cycles)",
				elapsed, b.budget, b.overruns, b.cycles)
		}
	}
	return elapsed, overrun
}

// Stats returns a snapshot of the counters.
func (b *CycleBudget) Stats() BudgetStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := BudgetStats{
		Budget:   b.budget,
		Cycles:   b.cycles,
		Overruns: b.overruns,
		Last:     b.last,
		Max:      b.max,
	}
	if b.cycles > 0 {
		s.Mean = b.total / time.Duration(b.cycles)
	}
	return s
}

// Reset clears all counters, keeping the budget and clock.
func (b *CycleBudget) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cycles = 0
	b.overruns = 0
	b.total = 0
	b.max = 0
	b.last = 0
}
