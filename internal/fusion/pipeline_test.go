package fusion

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/hyped-pod/navigation/internal/kalman"
	"github.com/hyped-pod/navigation/internal/monitoring"
	"github.com/hyped-pod/navigation/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var epoch = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

func scalar(v float64) *mat.Dense { return mat.NewDense(1, 1, []float64{v}) }

func newRandomWalk(t *testing.T, adaptive bool) *kalman.Filter {
	t.Helper()
	f, err := kalman.NewFilter(kalman.Config{StateDim: 1, MeasurementDim: 1, Adaptive: adaptive, WindowSize: 4})
	require.NoError(t, err)
	require.NoError(t, f.SetModels(scalar(1), scalar(0.01), scalar(1), scalar(0.1)))
	require.NoError(t, f.SetInitial(mat.NewVecDense(1, []float64{0}), scalar(1)))
	return f
}

// newDegenerate returns a filter whose innovation covariance is always zero.
func newDegenerate(t *testing.T) *kalman.Filter {
	t.Helper()
	f, err := kalman.NewFilter(kalman.Config{StateDim: 1, MeasurementDim: 1})
	require.NoError(t, err)
	require.NoError(t, f.SetModels(scalar(1), scalar(0), scalar(0), scalar(0)))
	require.NoError(t, f.SetInitial(mat.NewVecDense(1, []float64{3}), scalar(0)))
	return f
}

func sample(i int, v float64) Measurement {
	return Measurement{Timestamp: epoch.Add(time.Duration(i) * 10 * time.Millisecond), Values: []float64{v}}
}

// ----------------------------------------------------------------------------
// Submit
// ----------------------------------------------------------------------------

func TestLatestInvalidBeforeFirstCycle(t *testing.T) {
	t.Parallel()
	p := NewPipeline(newRandomWalk(t, false), Config{})
	est := p.Latest()
	assert.False(t, est.Valid)
	assert.Len(t, est.State, 1)
	assert.Len(t, est.Covariance, 1)
}

func TestSubmitPublishesEstimate(t *testing.T) {
	t.Parallel()
	p := NewPipeline(newRandomWalk(t, false), Config{})

	require.NoError(t, p.Submit(sample(1, 1)))
	est := p.Latest()
	require.True(t, est.Valid)
	assert.Equal(t, 1, est.Iteration)
	assert.Equal(t, sample(1, 1).Timestamp, est.Timestamp)
	assert.InDelta(t, 1.01/1.11, est.State[0], 1e-12)
	assert.InDelta(t, 1.01*0.1/1.11, est.Variance(0), 1e-12)
	assert.False(t, est.Coasted)
	assert.Equal(t, int64(1), p.Stats().Cycles)
}

func TestLatestIsACopy(t *testing.T) {
	t.Parallel()
	p := NewPipeline(newRandomWalk(t, false), Config{})
	require.NoError(t, p.Submit(sample(1, 1)))

	est := p.Latest()
	est.State[0] = 42
	est.Covariance[0] = 42
	again := p.Latest()
	assert.NotEqual(t, 42.0, again.State[0])
	assert.NotEqual(t, 42.0, again.Covariance[0])
}

func TestSubmitRejectsWrongShape(t *testing.T) {
	t.Parallel()
	p := NewPipeline(newRandomWalk(t, false), Config{})
	require.NoError(t, p.Submit(sample(1, 1)))
	before := p.Latest()

	err := p.Submit(Measurement{Timestamp: epoch, Values: []float64{1, 2}})
	assert.True(t, kalman.IsDimensionMismatch(err))

	err = p.Submit(Measurement{Timestamp: epoch, Values: []float64{1}, Control: []float64{0.5}})
	assert.True(t, kalman.IsDimensionMismatch(err), "filter has no control input")

	assert.Equal(t, before, p.Latest())
	s := p.Stats()
	assert.Equal(t, int64(2), s.Rejected)
	assert.Equal(t, int64(0), s.Faults)
}

func TestSubmitBeforeConfiguration(t *testing.T) {
	t.Parallel()
	f, err := kalman.NewFilter(kalman.Config{StateDim: 1, MeasurementDim: 1})
	require.NoError(t, err)
	p := NewPipeline(f, Config{})

	assert.ErrorIs(t, p.Submit(sample(1, 1)), kalman.ErrNotConfigured)
	assert.False(t, p.Latest().Valid)
	assert.Equal(t, int64(0), p.Stats().Faults)
}

func TestSubmitWithControl(t *testing.T) {
	t.Parallel()
	f, err := kalman.NewFilter(kalman.Config{StateDim: 1, MeasurementDim: 1, ControlDim: 1})
	require.NoError(t, err)
	require.NoError(t, f.SetControlledModels(scalar(1), scalar(0.5), scalar(0.01), scalar(1), scalar(0.1)))
	require.NoError(t, f.SetInitial(mat.NewVecDense(1, []float64{0}), scalar(1)))
	p := NewPipeline(f, Config{})

	m := sample(1, 1)
	m.Control = []float64{2}
	require.NoError(t, p.Submit(m))
	// x̂⁻ = 1, so the innovation is zero.
	assert.InDelta(t, 1.0, p.Latest().State[0], 1e-12)

	require.NoError(t, p.Submit(sample(2, 1)), "control is optional per cycle")
}

func TestNonFiniteMeasurementIsRejectedNotFaulted(t *testing.T) {
	t.Parallel()

	reported := 0
	p := NewPipeline(newRandomWalk(t, false), Config{
		OnFault: func(error, int) { reported++ },
	})
	require.NoError(t, p.Submit(sample(1, 1)))
	before := p.Latest()

	for _, bad := range []float64{math.NaN(), math.Inf(1)} {
		err := p.Submit(sample(2, bad))
		assert.True(t, kalman.IsNonFinite(err))
		assert.False(t, kalman.IsSingular(err))
	}

	s := p.Stats()
	assert.Equal(t, int64(2), s.Rejected)
	assert.Equal(t, int64(0), s.Faults)
	assert.Equal(t, 0, s.ConsecutiveFaults)
	assert.Equal(t, 0, reported)
	assert.Equal(t, before, p.Latest())
}

// Not parallel: AllocsPerRun counts every allocation in the process.
func TestSubmitDoesNotAllocate(t *testing.T) {
	if raceEnabled {
		t.Skip("race detector instruments allocations")
	}
	monitoring.SetLogWriters(nil, nil)

	for _, adaptive := range []bool{false, true} {
		p := NewPipeline(newRandomWalk(t, adaptive), Config{})
		ms := make([]Measurement, 8)
		for i := range ms {
			ms[i] = sample(i, 1+0.3*float64(i%3))
		}
		for i := 0; i < 10; i++ {
			require.NoError(t, p.Submit(ms[i%len(ms)]))
		}

		i := 0
		allocs := testing.AllocsPerRun(100, func() {
			if err := p.Submit(ms[i%len(ms)]); err != nil {
				t.Fatal(err)
			}
			i++
		})
		assert.Zero(t, allocs, "allocs per Submit (adaptive=%v)", adaptive)
	}
}

// ----------------------------------------------------------------------------
// Faults
// ----------------------------------------------------------------------------

func TestFaultHoldsEstimateAndReportsOnce(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var reports []int
	p := NewPipeline(newDegenerate(t), Config{
		MaxConsecutiveFaults: 3,
		OnFault: func(err error, consecutive int) {
			mu.Lock()
			defer mu.Unlock()
			assert.True(t, kalman.IsSingular(err))
			reports = append(reports, consecutive)
		},
	})

	for i := 1; i <= 6; i++ {
		err := p.Submit(sample(i, 5))
		require.Error(t, err)
		assert.True(t, kalman.IsSingular(err))
	}

	mu.Lock()
	assert.Equal(t, []int{3}, reports)
	mu.Unlock()

	s := p.Stats()
	assert.Equal(t, int64(6), s.Faults)
	assert.Equal(t, 6, s.ConsecutiveFaults)
	assert.Equal(t, int64(0), s.Cycles)
	assert.False(t, p.Latest().Valid)
}

func TestFaultStreakResetsOnSuccess(t *testing.T) {
	t.Parallel()

	f := newRandomWalk(t, false)
	reported := 0
	p := NewPipeline(f, Config{
		MaxConsecutiveFaults: 2,
		OnFault:              func(error, int) { reported++ },
	})
	require.NoError(t, p.Submit(sample(1, 1)))
	good := p.Latest()

	breakModel := func() {
		require.NoError(t, f.SetDynamicsModel(scalar(1), scalar(0)))
		require.NoError(t, f.SetMeasurementModel(scalar(0), scalar(0)))
	}
	fixModel := func() {
		require.NoError(t, f.SetDynamicsModel(scalar(1), scalar(0.01)))
		require.NoError(t, f.SetMeasurementModel(scalar(1), scalar(0.1)))
	}

	breakModel()
	assert.Error(t, p.Submit(sample(2, 1)))
	assert.Error(t, p.Submit(sample(3, 1)))
	assert.Equal(t, good, p.Latest(), "last good estimate is held")
	assert.Equal(t, 1, reported)

	fixModel()
	require.NoError(t, p.Submit(sample(4, 1)))
	assert.Equal(t, 0, p.Stats().ConsecutiveFaults)
	assert.Equal(t, 2, p.Latest().Iteration)

	breakModel()
	assert.Error(t, p.Submit(sample(5, 1)))
	assert.Error(t, p.Submit(sample(6, 1)))
	assert.Equal(t, 2, reported, "a new streak is reported again")
}

// ----------------------------------------------------------------------------
// Coast
// ----------------------------------------------------------------------------

func TestCoastAdvancesWithoutCycle(t *testing.T) {
	t.Parallel()
	p := NewPipeline(newRandomWalk(t, false), Config{})
	require.NoError(t, p.Submit(sample(1, 1)))
	before := p.Latest()

	require.NoError(t, p.Coast(epoch.Add(time.Second), nil))
	est := p.Latest()
	assert.True(t, est.Coasted)
	assert.Equal(t, before.Iteration, est.Iteration)
	assert.Equal(t, before.State[0], est.State[0])
	assert.InDelta(t, before.Variance(0)+0.01, est.Variance(0), 1e-12)
	assert.Equal(t, int64(1), p.Stats().Coasts)

	assert.True(t, kalman.IsDimensionMismatch(p.Coast(epoch, []float64{1})))
}

func TestSubmitCoastMarker(t *testing.T) {
	t.Parallel()
	p := NewPipeline(newRandomWalk(t, false), Config{})
	require.NoError(t, p.Submit(sample(1, 1)))
	before := p.Latest()

	ts := epoch.Add(time.Second)
	require.NoError(t, p.Submit(Measurement{Timestamp: ts, Coast: true}))
	est := p.Latest()
	assert.True(t, est.Coasted)
	assert.Equal(t, ts, est.Timestamp)
	assert.Equal(t, before.Iteration, est.Iteration)
	assert.InDelta(t, before.Variance(0)+0.01, est.Variance(0), 1e-12)

	s := p.Stats()
	assert.Equal(t, int64(1), s.Coasts)
	assert.Equal(t, int64(1), s.Cycles)
}

// ----------------------------------------------------------------------------
// Budget and concurrency
// ----------------------------------------------------------------------------

func TestSubmitObservesBudget(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(epoch)
	clock.SetAutoAdvance(3 * time.Millisecond)
	budget := monitoring.NewCycleBudget(5*time.Millisecond, clock)
	p := NewPipeline(newRandomWalk(t, false), Config{Budget: budget})

	for i := 1; i <= 4; i++ {
		require.NoError(t, p.Submit(sample(i, float64(i))))
	}
	s := p.Stats().Budget
	assert.Equal(t, int64(4), s.Cycles)
	assert.Equal(t, 5*time.Millisecond, s.Budget)
	assert.Equal(t, 3*time.Millisecond, s.Max)
	assert.Equal(t, int64(0), s.Overruns)
}

func TestConcurrentSubmitIsSerialised(t *testing.T) {
	t.Parallel()
	p := NewPipeline(newRandomWalk(t, true), Config{})

	const producers, each = 8, 50
	var wg sync.WaitGroup
	for g := 0; g < producers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				assert.NoError(t, p.Submit(sample(i, float64(g+1)+0.37*float64(i%5))))
				_ = p.Latest()
			}
		}(g)
	}
	wg.Wait()

	est := p.Latest()
	assert.Equal(t, producers*each, est.Iteration)
	assert.True(t, est.Adapting)
	assert.Equal(t, int64(producers*each), p.Stats().Cycles)
}

// ----------------------------------------------------------------------------
// Run
// ----------------------------------------------------------------------------

func TestRunDrainsSource(t *testing.T) {
	t.Parallel()
	data := make([]Measurement, 0, 20)
	for i := 1; i <= 20; i++ {
		data = append(data, sample(i, 2))
	}
	// A malformed sample in the middle is skipped.
	data[10] = Measurement{Timestamp: epoch, Values: []float64{}}

	p := NewPipeline(newRandomWalk(t, false), Config{})
	require.NoError(t, p.Run(context.Background(), NewSliceSource(data)))

	s := p.Stats()
	assert.Equal(t, int64(19), s.Cycles)
	assert.Equal(t, int64(1), s.Rejected)
	assert.InDelta(t, 2.0, p.Latest().State[0], 0.1)
}

func TestRunObservesEveryMeasurement(t *testing.T) {
	t.Parallel()
	data := []Measurement{
		sample(1, 1),
		{Timestamp: sample(2, 0).Timestamp, Coast: true},
		{Timestamp: sample(3, 0).Timestamp, Values: []float64{math.NaN()}},
		sample(4, 1),
	}

	var seen []Measurement
	var estimates []Estimate
	var errs []error
	p := NewPipeline(newRandomWalk(t, false), Config{
		Observer: func(m Measurement, est Estimate, err error) {
			seen = append(seen, m)
			estimates = append(estimates, est)
			errs = append(errs, err)
		},
	})
	require.NoError(t, p.Run(context.Background(), NewSliceSource(data)))

	require.Len(t, seen, len(data))
	for i := range data {
		assert.Equal(t, data[i].Timestamp, seen[i].Timestamp)
		assert.Equal(t, data[i].Coast, seen[i].Coast)
	}
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.True(t, kalman.IsNonFinite(errs[2]))
	assert.NoError(t, errs[3])

	assert.True(t, estimates[1].Coasted)
	assert.Equal(t, estimates[1], estimates[2], "rejected sample keeps the estimate")
	assert.Equal(t, 2, estimates[3].Iteration)

	s := p.Stats()
	assert.Equal(t, int64(2), s.Cycles)
	assert.Equal(t, int64(1), s.Coasts)
	assert.Equal(t, int64(1), s.Rejected)
}

func TestRunContinuesThroughFaults(t *testing.T) {
	t.Parallel()
	p := NewPipeline(newDegenerate(t), Config{})
	require.NoError(t, p.Run(context.Background(), NewSliceSource([]Measurement{sample(1, 1), sample(2, 1)})))
	assert.Equal(t, int64(2), p.Stats().Faults)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewPipeline(newRandomWalk(t, false), Config{})
	err := p.Run(ctx, NewSliceSource([]Measurement{sample(1, 1)}))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), p.Stats().Cycles)
}

type failingSource struct{ err error }

func (s failingSource) Next(context.Context) (Measurement, error) { return Measurement{}, s.err }

func TestRunReturnsSourceError(t *testing.T) {
	t.Parallel()
	boom := errors.New("imu bus timeout")
	p := NewPipeline(newRandomWalk(t, false), Config{})
	err := p.Run(context.Background(), failingSource{err: boom})
	assert.ErrorIs(t, err, boom)

	assert.NoError(t, p.Run(context.Background(), failingSource{err: io.EOF}))
}

func TestRunStopsWhenNotConfigured(t *testing.T) {
	t.Parallel()
	f, err := kalman.NewFilter(kalman.Config{StateDim: 1, MeasurementDim: 1})
	require.NoError(t, err)
	p := NewPipeline(f, Config{})
	err = p.Run(context.Background(), NewSliceSource([]Measurement{sample(1, 1)}))
	assert.ErrorIs(t, err, kalman.ErrNotConfigured)
}
