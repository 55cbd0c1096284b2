package kalman

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Config fixes the dimensions and adaptation behaviour of a Filter for its
// whole lifetime.
type Config struct {
	StateDim       int  // n
	MeasurementDim int  // m
	ControlDim     int  // k, 0 when the model has no control input
	Adaptive       bool // re-estimate Q and R online
	WindowSize     int  // L, innovation window capacity and warm-up length

	// RecomputeInterval rebuilds the rolling innovation covariance from
	// the window every N cycles to bound floating-point drift of the
	// incremental update. 0 keeps the purely incremental update.
	RecomputeInterval int
}

// Validate checks that the configuration describes a usable filter.
func (c Config) Validate() error {
	if c.StateDim <= 0 {
		return fmt.Errorf("kalman: state dimension must be positive, got %d", c.StateDim)
	}
	if c.MeasurementDim <= 0 {
		return fmt.Errorf("kalman: measurement dimension must be positive, got %d", c.MeasurementDim)
	}
	if c.ControlDim < 0 {
		return fmt.Errorf("kalman: control dimension must be non-negative, got %d", c.ControlDim)
	}
	if c.Adaptive && c.WindowSize <= 0 {
		return fmt.Errorf("kalman: adaptive filter needs a positive window size, got %d", c.WindowSize)
	}
	if c.RecomputeInterval < 0 {
		return fmt.Errorf("kalman: recompute interval must be non-negative, got %d", c.RecomputeInterval)
	}
	return nil
}

// Filter is an adaptive linear Kalman filter. It owns all of its matrices;
// setters copy their arguments and accessors return copies.
type Filter struct {
	n, m, k   int
	adaptive  bool
	window    int
	iteration int

	// Models
	a *mat.Dense // n×n
	b *mat.Dense // n×k, nil when k == 0
	q *mat.Dense // n×n
	h *mat.Dense // m×n
	r *mat.Dense // m×m

	// Estimate
	x    *mat.VecDense // n
	p    *mat.Dense    // n×n
	gain *mat.Dense    // n×m, from the last successful cycle
	eye  *mat.Dense    // n×n

	// Transposed views over a, h and gain. Those matrices are only ever
	// written in place, so the views stay valid for the filter's lifetime.
	aT    mat.Matrix
	hT    mat.Matrix
	gainT mat.Matrix

	hasDynamics    bool
	hasControl     bool
	hasMeasurement bool
	hasInitial     bool

	noise *noiseEstimator // nil unless adaptive
	ws    workspace
}

// workspace holds every intermediate of a cycle so the cycle itself does not
// allocate matrices. Results destined for the filter state are swapped in on
// commit.
type workspace struct {
	xPred  *mat.VecDense // n
	bu     *mat.VecDense // n
	hx     *mat.VecDense // m
	innov  *mat.VecDense // m
	kInnov *mat.VecDense // n
	xNew   *mat.VecDense // n

	ap    *mat.Dense // n×n
	pPred *mat.Dense // n×n
	hp    *mat.Dense // m×n
	s     *mat.Dense // m×m
	sInv  *mat.Dense // m×m
	eyeM  *mat.Dense // m×m identity, right-hand side for S⁻¹
	lu    mat.LU
	pht   *mat.Dense // n×m
	kNext *mat.Dense // n×m
	kh    *mat.Dense // n×n
	ikh   *mat.Dense // n×n
	pNew  *mat.Dense // n×n

	qNext *mat.Dense // n×n
	rNext *mat.Dense // m×m
}

// NewFilter builds a filter for the given dimensions. Models and the initial
// condition must be supplied before the first cycle.
func NewFilter(cfg Config) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n, m, k := cfg.StateDim, cfg.MeasurementDim, cfg.ControlDim

	f := &Filter{
		n:        n,
		m:        m,
		k:        k,
		adaptive: cfg.Adaptive,
		window:   cfg.WindowSize,
		a:        mat.NewDense(n, n, nil),
		q:        mat.NewDense(n, n, nil),
		h:        mat.NewDense(m, n, nil),
		r:        mat.NewDense(m, m, nil),
		x:        mat.NewVecDense(n, nil),
		p:        mat.NewDense(n, n, nil),
		gain:     mat.NewDense(n, m, nil),
		eye:      mat.NewDense(n, n, nil),
		ws: workspace{
			xPred:  mat.NewVecDense(n, nil),
			bu:     mat.NewVecDense(n, nil),
			hx:     mat.NewVecDense(m, nil),
			innov:  mat.NewVecDense(m, nil),
			kInnov: mat.NewVecDense(n, nil),
			xNew:   mat.NewVecDense(n, nil),
			ap:     mat.NewDense(n, n, nil),
			pPred:  mat.NewDense(n, n, nil),
			hp:     mat.NewDense(m, n, nil),
			s:      mat.NewDense(m, m, nil),
			sInv:   mat.NewDense(m, m, nil),
			eyeM:   mat.NewDense(m, m, nil),
			pht:    mat.NewDense(n, m, nil),
			kNext:  mat.NewDense(n, m, nil),
			kh:     mat.NewDense(n, n, nil),
			ikh:    mat.NewDense(n, n, nil),
			pNew:   mat.NewDense(n, n, nil),
			qNext:  mat.NewDense(n, n, nil),
			rNext:  mat.NewDense(m, m, nil),
		},
	}
	for i := 0; i < m; i++ {
		f.ws.eyeM.Set(i, i, 1)
	}
	f.aT = f.a.T()
	f.hT = f.h.T()
	f.gainT = f.gain.T()
	if k > 0 {
		f.b = mat.NewDense(n, k, nil)
	}
	if cfg.Adaptive {
		f.noise = newNoiseEstimator(n, m, cfg.WindowSize, cfg.RecomputeInterval)
	}
	return f, nil
}

func (f *Filter) configured() bool {
	return f.hasDynamics && f.hasMeasurement && f.hasInitial
}

func (f *Filter) checkControl(u mat.Vector) error {
	if u == nil {
		return nil
	}
	if isNilVec(u) {
		return &DimensionMismatchError{Name: "u", WantRows: f.k, WantCols: 1}
	}
	if f.k == 0 || !f.hasControl {
		return &DimensionMismatchError{Name: "u", WantRows: 0, WantCols: 1, GotRows: u.Len(), GotCols: 1}
	}
	if err := checkVec("u", u, f.k); err != nil {
		return err
	}
	return checkFinite("u", u)
}

// invertS writes S⁻¹ into ws.sInv through the reusable LU factorisation. It
// fails without solving when S is exactly singular or too ill-conditioned
// for the solution to be trusted.
func (f *Filter) invertS() error {
	f.ws.lu.Factorize(f.ws.s)
	if c := f.ws.lu.Cond(); math.IsNaN(c) || math.IsInf(c, 0) || c > mat.ConditionTolerance || f.ws.lu.Det() == 0 {
		return mat.Condition(c)
	}
	return f.ws.lu.SolveTo(f.ws.sInv, false, f.ws.eyeM)
}

// predictState writes A·x (+ B·u) into ws.xPred.
func (f *Filter) predictState(u mat.Vector) {
	f.ws.xPred.MulVec(f.a, f.x)
	if u != nil {
		f.ws.bu.MulVec(f.b, u)
		f.ws.xPred.AddVec(f.ws.xPred, f.ws.bu)
	}
}

// predictCovariance writes A·P·Aᵀ + Q into ws.pPred.
func (f *Filter) predictCovariance(q mat.Matrix) {
	f.ws.ap.Mul(f.a, f.p)
	f.ws.pPred.Mul(f.ws.ap, f.aT)
	f.ws.pPred.Add(f.ws.pPred, q)
}

// Cycle runs one predict/correct cycle for measurement z. u is the optional
// control input for this cycle; pass nil when there is none.
//
// The order is fixed: predict x, record the innovation, refresh Q and R from
// the innovation window (adaptive filters, using the previous cycle's gain),
// predict P with the refreshed Q, then correct. If any step fails nothing is
// committed and the filter stays at its pre-cycle estimate.
func (f *Filter) Cycle(z, u mat.Vector) error {
	if err := checkVec("z", z, f.m); err != nil {
		return err
	}
	if err := checkFinite("z", z); err != nil {
		return err
	}
	if err := f.checkControl(u); err != nil {
		return err
	}
	if !f.configured() {
		return ErrNotConfigured
	}

	iteration := f.iteration + 1

	// Predict state.
	f.predictState(u)

	// Innovation against the predicted (uncorrected) state.
	f.ws.hx.MulVec(f.h, f.ws.xPred)
	f.ws.innov.SubVec(z, f.ws.hx)

	// Adaptive refresh.
	q, r := mat.Matrix(f.q), mat.Matrix(f.r)
	refreshed := false
	if f.adaptive {
		f.noise.stage(f.ws.innov, iteration)
		if iteration >= f.window {
			f.noise.estimateNoise(f.ws.qNext, f.ws.rNext, f.gain, f.gainT, f.h, f.hT, f.p)
			q, r = f.ws.qNext, f.ws.rNext
			refreshed = true
		}
	}

	// Predict covariance.
	f.predictCovariance(q)

	// Correct.
	f.ws.hp.Mul(f.h, f.ws.pPred)
	f.ws.s.Mul(f.ws.hp, f.hT)
	f.ws.s.Add(f.ws.s, r)
	if !finiteDense(f.ws.s) {
		return f.abort(iteration, "innovation covariance is not finite", nil)
	}
	if err := f.invertS(); err != nil {
		return f.abort(iteration, "inverse failed", err)
	}

	f.ws.pht.Mul(f.ws.pPred, f.hT)
	f.ws.kNext.Mul(f.ws.pht, f.ws.sInv)

	f.ws.kInnov.MulVec(f.ws.kNext, f.ws.innov)
	f.ws.xNew.AddVec(f.ws.xPred, f.ws.kInnov)

	f.ws.kh.Mul(f.ws.kNext, f.h)
	f.ws.ikh.Sub(f.eye, f.ws.kh)
	f.ws.pNew.Mul(f.ws.ikh, f.ws.pPred)

	if !finiteVec(f.ws.xNew) || !finiteDense(f.ws.pNew) {
		return f.abort(iteration, "correction is not finite", nil)
	}

	// Commit.
	f.x, f.ws.xNew = f.ws.xNew, f.x
	f.p, f.ws.pNew = f.ws.pNew, f.p
	f.gain.Copy(f.ws.kNext)
	if f.adaptive {
		f.noise.commit()
		if refreshed {
			f.q, f.ws.qNext = f.ws.qNext, f.q
			f.r, f.ws.rNext = f.ws.rNext, f.r
		}
	}
	f.iteration = iteration
	return nil
}

func (f *Filter) abort(iteration int, reason string, err error) error {
	if f.noise != nil {
		f.noise.discard()
	}
	return &SingularMatrixError{Iteration: iteration, Reason: reason, Err: err}
}

// Predict runs a time update only: x = A·x (+ B·u) and P = A·P·Aᵀ + Q with
// the current Q. It is used to coast through a missing measurement and does
// not touch the innovation window or the iteration counter.
func (f *Filter) Predict(u mat.Vector) error {
	if err := f.checkControl(u); err != nil {
		return err
	}
	if !f.configured() {
		return ErrNotConfigured
	}
	f.predictState(u)
	f.predictCovariance(f.q)
	f.x, f.ws.xPred = f.ws.xPred, f.x
	f.p, f.ws.pPred = f.ws.pPred, f.p
	return nil
}

// StateEstimate returns a copy of the current state estimate x.
func (f *Filter) StateEstimate() *mat.VecDense {
	return mat.VecDenseCopyOf(f.x)
}

// StateCovariance returns a copy of the current state covariance P.
func (f *Filter) StateCovariance() *mat.Dense {
	return mat.DenseCopyOf(f.p)
}

// CopyStateTo copies x into dst without allocating. dst must have length n.
func (f *Filter) CopyStateTo(dst *mat.VecDense) {
	dst.CopyVec(f.x)
}

// CopyCovarianceTo copies P into dst without allocating. dst must be n×n.
func (f *Filter) CopyCovarianceTo(dst *mat.Dense) {
	dst.Copy(f.p)
}

// ProcessNoise returns a copy of the process noise covariance Q in use.
func (f *Filter) ProcessNoise() *mat.Dense {
	return mat.DenseCopyOf(f.q)
}

// MeasurementNoise returns a copy of the measurement noise covariance R in use.
func (f *Filter) MeasurementNoise() *mat.Dense {
	return mat.DenseCopyOf(f.r)
}

// Gain returns a copy of the Kalman gain from the last successful cycle.
func (f *Filter) Gain() *mat.Dense {
	return mat.DenseCopyOf(f.gain)
}

// InnovationCovariance returns a copy of the rolling innovation covariance C,
// or nil for a non-adaptive filter.
func (f *Filter) InnovationCovariance() *mat.SymDense {
	if f.noise == nil {
		return nil
	}
	return f.noise.covariance()
}

// Innovations returns the innovation window, oldest first. It is empty for a
// non-adaptive filter.
func (f *Filter) Innovations() []*mat.VecDense {
	if f.noise == nil {
		return nil
	}
	return f.noise.innovations()
}

// WindowLen returns the number of innovations currently in the window.
func (f *Filter) WindowLen() int {
	if f.noise == nil {
		return 0
	}
	return f.noise.len()
}

// Iteration returns the number of completed cycles.
func (f *Filter) Iteration() int {
	return f.iteration
}

// Adapting reports whether Q and R are being re-estimated, i.e. the filter is
// adaptive and has completed at least WindowSize cycles.
func (f *Filter) Adapting() bool {
	return f.adaptive && f.iteration >= f.window
}

// Dims returns the state, measurement and control dimensions.
func (f *Filter) Dims() (n, m, k int) {
	return f.n, f.m, f.k
}

func finiteVec(v *mat.VecDense) bool {
	for i := 0; i < v.Len(); i++ {
		if !finite(v.AtVec(i)) {
			return false
		}
	}
	return true
}

func finiteDense(d *mat.Dense) bool {
	r, c := d.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if !finite(d.At(i, j)) {
				return false
			}
		}
	}
	return true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
