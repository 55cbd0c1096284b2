package fusion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hyped-pod/navigation/internal/kalman"
	"github.com/hyped-pod/navigation/internal/monitoring"
	"gonum.org/v1/gonum/mat"
)

// Measurement is one sample from the data-acquisition layer.
type Measurement struct {
	Timestamp time.Time
	Values    []float64 // length m; ignored when Coast is set
	Control   []float64 // optional, length k

	// Coast marks a sample period in which the sensors produced nothing.
	// Submit runs a predict-only step for it.
	Coast bool
}

// Estimate is an immutable snapshot of the filter output.
type Estimate struct {
	Timestamp  time.Time
	Iteration  int
	State      []float64 // length n
	Covariance []float64 // n×n, row-major
	Adapting   bool
	Coasted    bool // produced by a predict-only step
	Valid      bool // false until the first successful cycle
}

// Variance returns the diagonal covariance entry for state i.
func (e Estimate) Variance(i int) float64 {
	n := len(e.State)
	return e.Covariance[i*n+i]
}

func (e Estimate) clone() Estimate {
	out := e
	out.State = append([]float64(nil), e.State...)
	out.Covariance = append([]float64(nil), e.Covariance...)
	return out
}

// MeasurementSource supplies measurements. Next blocks until a measurement
// is available, the context is done, or the source is exhausted (io.EOF).
type MeasurementSource interface {
	Next(ctx context.Context) (Measurement, error)
}

// FaultHandler is notified when the estimator has failed MaxConsecutiveFaults
// cycles in a row, e.g. to move the pod state machine into a sensor-fault
// state. It is called once per fault streak, with the pipeline lock held.
type FaultHandler func(err error, consecutive int)

// Observer sees every measurement Run submits, with the estimate published
// afterwards and the Submit error, if any. It runs outside the pipeline
// lock.
type Observer func(m Measurement, est Estimate, err error)

// Config holds pipeline options.
type Config struct {
	MaxConsecutiveFaults int                     // defaults to 1
	Budget               *monitoring.CycleBudget // optional
	OnFault              FaultHandler            // optional
	Observer             Observer                // optional, used by Run
}

// Stats are pipeline counters.
type Stats struct {
	Cycles            int64
	Coasts            int64
	Faults            int64
	Rejected          int64 // measurements with the wrong shape or non-finite values
	ConsecutiveFaults int
	Budget            monitoring.BudgetStats
}

// Pipeline serialises estimator cycles. Every cycle runs entirely under one
// lock so the predict and correct phases of different producers never
// interleave.
type Pipeline struct {
	mu     sync.Mutex
	filter *kalman.Filter
	cfg    Config

	n, m, k int
	z       *mat.VecDense
	u       *mat.VecDense // nil when k == 0
	x       *mat.VecDense
	p       *mat.Dense

	latest Estimate
	stats  Stats

	faultReported bool
	warmLogged    bool
}

// NewPipeline wraps a configured filter.
func NewPipeline(f *kalman.Filter, cfg Config) *Pipeline {
	if cfg.MaxConsecutiveFaults < 1 {
		cfg.MaxConsecutiveFaults = 1
	}
	n, m, k := f.Dims()
	p := &Pipeline{
		filter: f,
		cfg:    cfg,
		n:      n,
		m:      m,
		k:      k,
		z:      mat.NewVecDense(m, nil),
		x:      mat.NewVecDense(n, nil),
		p:      mat.NewDense(n, n, nil),
		latest: Estimate{
			State:      make([]float64, n),
			Covariance: make([]float64, n*n),
		},
	}
	if k > 0 {
		p.u = mat.NewVecDense(k, nil)
	}
	return p
}

// control loads c into the control buffer, returning nil for no control.
func (p *Pipeline) control(c []float64) (mat.Vector, error) {
	if len(c) == 0 {
		return nil, nil
	}
	if p.k == 0 || len(c) != p.k {
		return nil, &kalman.DimensionMismatchError{Name: "u", WantRows: p.k, WantCols: 1, GotRows: len(c), GotCols: 1}
	}
	for i, v := range c {
		p.u.SetVec(i, v)
	}
	return p.u, nil
}

// Submit runs one estimator cycle for meas, or a predict-only step when
// meas.Coast is set. On failure the previous estimate stays published and
// the error is returned to the caller.
func (p *Pipeline) Submit(meas Measurement) error {
	if meas.Coast {
		return p.Coast(meas.Timestamp, meas.Control)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(meas.Values) != p.m {
		p.stats.Rejected++
		return &kalman.DimensionMismatchError{Name: "z", WantRows: p.m, WantCols: 1, GotRows: len(meas.Values), GotCols: 1}
	}
	u, err := p.control(meas.Control)
	if err != nil {
		p.stats.Rejected++
		return err
	}
	for i, v := range meas.Values {
		p.z.SetVec(i, v)
	}

	var start time.Time
	if p.cfg.Budget != nil {
		start = p.cfg.Budget.Start()
	}
	err = p.filter.Cycle(p.z, u)
	if p.cfg.Budget != nil {
		p.cfg.Budget.Observe(start)
	}

	switch {
	case err == nil:
	case kalman.IsSingular(err):
		p.fault(err)
		return err
	case kalman.IsDimensionMismatch(err), kalman.IsNonFinite(err):
		p.stats.Rejected++
		return err
	default:
		return err
	}

	p.stats.Cycles++
	p.stats.ConsecutiveFaults = 0
	p.faultReported = false
	p.publish(meas.Timestamp, false)

	if !p.warmLogged && p.filter.Adapting() {
		p.warmLogged = true
		monitoring.Diagf("adaptive noise estimation active after %d cycles", p.filter.Iteration())
	}
	if monitoring.TraceEnabled() {
		monitoring.Tracef("cycle %d z=%v x=%v", p.latest.Iteration, meas.Values, p.latest.State)
	}
	return nil
}

// Coast advances the estimate without a measurement, for a sample period in
// which the sensors produced nothing.
func (p *Pipeline) Coast(ts time.Time, control []float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	u, err := p.control(control)
	if err != nil {
		p.stats.Rejected++
		return err
	}
	if err := p.filter.Predict(u); err != nil {
		if kalman.IsDimensionMismatch(err) || kalman.IsNonFinite(err) {
			p.stats.Rejected++
		}
		return err
	}
	p.stats.Coasts++
	p.publish(ts, true)
	return nil
}

func (p *Pipeline) fault(err error) {
	p.stats.Faults++
	p.stats.ConsecutiveFaults++
	monitoring.Opsf("estimator cycle failed, holding estimate from cycle %d (%d consecutive): %v",
		p.latest.Iteration, p.stats.ConsecutiveFaults, err)

	if p.stats.ConsecutiveFaults >= p.cfg.MaxConsecutiveFaults && !p.faultReported {
		p.faultReported = true
		if p.cfg.OnFault != nil {
			p.cfg.OnFault(err, p.stats.ConsecutiveFaults)
		}
	}
}

func (p *Pipeline) publish(ts time.Time, coasted bool) {
	p.filter.CopyStateTo(p.x)
	p.filter.CopyCovarianceTo(p.p)

	copy(p.latest.State, p.x.RawVector().Data)
	for i := 0; i < p.n; i++ {
		for j := 0; j < p.n; j++ {
			p.latest.Covariance[i*p.n+j] = p.p.At(i, j)
		}
	}
	p.latest.Timestamp = ts
	p.latest.Iteration = p.filter.Iteration()
	p.latest.Adapting = p.filter.Adapting()
	p.latest.Coasted = coasted
	p.latest.Valid = true
}

// Latest returns the most recent successful estimate. Valid is false until
// the first cycle or coast succeeds.
func (p *Pipeline) Latest() Estimate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest.clone()
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	s := p.stats
	p.mu.Unlock()
	if p.cfg.Budget != nil {
		s.Budget = p.cfg.Budget.Stats()
	}
	return s
}

// Run drains src into the pipeline until the context is done or src returns
// io.EOF. It is the entry point for the data-acquisition layer. Faulted
// cycles and malformed measurements are logged and skipped; any other error
// stops the loop. Config.Observer, if set, sees every submitted measurement.
func (p *Pipeline) Run(ctx context.Context, src MeasurementSource) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		meas, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("measurement source: %w", err)
		}

		err = p.Submit(meas)
		if p.cfg.Observer != nil {
			p.cfg.Observer(meas, p.Latest(), err)
		}
		switch {
		case err == nil:
		case kalman.IsSingular(err):
			// already reported by fault()
		case kalman.IsDimensionMismatch(err), kalman.IsNonFinite(err):
			monitoring.Opsf("dropping malformed measurement at %s: %v", meas.Timestamp.Format(time.RFC3339Nano), err)
		default:
			return err
		}
	}
}

// SliceSource replays a fixed set of measurements, e.g. a recorded or
// simulated run.
type SliceSource struct {
	mu   sync.Mutex
	data []Measurement
	next int
}

// NewSliceSource returns a source that yields data in order, then io.EOF.
func NewSliceSource(data []Measurement) *SliceSource {
	return &SliceSource{data: data}
}

// Next returns the next measurement or io.EOF.
func (s *SliceSource) Next(ctx context.Context) (Measurement, error) {
	if err := ctx.Err(); err != nil {
		return Measurement{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.data) {
		return Measurement{}, io.EOF
	}
	m := s.data[s.next]
	s.next++
	return m, nil
}
