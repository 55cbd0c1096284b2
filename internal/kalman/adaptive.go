package kalman

import (
	"gonum.org/v1/gonum/mat"
)

// noiseEstimator keeps a bounded FIFO window of innovation vectors and the
// running mean of their outer products C, an estimate of the innovation
// covariance for near-zero-mean residuals.
//
// Updates are two-phase: stage computes the candidate C for the current
// cycle in scratch storage, commit makes it (and the window insertion)
// visible. A cycle that fails after staging simply never commits.
type noiseEstimator struct {
	capacity int // window capacity L

	// window is ring storage of capacity vectors; head is the oldest entry.
	window []*mat.VecDense
	head   int
	size   int

	c    *mat.SymDense // committed rolling covariance
	next *mat.SymDense // staged covariance

	pending *mat.VecDense // staged innovation
	evict   bool          // staged insertion evicts window[head]
	staged  bool

	// recomputeEvery rebuilds C from the window every N observations
	// instead of updating it incrementally. 0 disables.
	recomputeEvery int
	observed       int

	// noise refresh scratch
	kc  *mat.Dense // n×m
	hp  *mat.Dense // m×n
	hph *mat.Dense // m×m
}

func newNoiseEstimator(n, m, capacity, recomputeEvery int) *noiseEstimator {
	window := make([]*mat.VecDense, capacity)
	for i := range window {
		window[i] = mat.NewVecDense(m, nil)
	}
	return &noiseEstimator{
		capacity:       capacity,
		window:         window,
		c:              mat.NewSymDense(m, nil),
		next:           mat.NewSymDense(m, nil),
		pending:        mat.NewVecDense(m, nil),
		recomputeEvery: recomputeEvery,
		kc:             mat.NewDense(n, m, nil),
		hp:             mat.NewDense(m, n, nil),
		hph:            mat.NewDense(m, m, nil),
	}
}

// windowSizes returns the window occupancy before and after this cycle's
// insertion. iteration has already been advanced for the current cycle.
func (e *noiseEstimator) windowSizes(iteration int) (prevSize, newSize int) {
	return min(iteration-1, e.capacity), min(iteration, e.capacity)
}

// stage folds innovation into a candidate covariance without touching the
// committed window or C.
func (e *noiseEstimator) stage(innovation mat.Vector, iteration int) {
	prevSize, newSize := e.windowSizes(iteration)

	e.next.CopySym(e.c)
	e.pending.CopyVec(innovation)
	e.evict = e.size == e.capacity
	e.staged = true

	if e.recomputeEvery > 0 && (e.observed+1)%e.recomputeEvery == 0 {
		e.recompute()
		return
	}

	if e.evict {
		oldest := e.window[e.head]
		e.next.SymRankOne(e.next, -1/float64(prevSize), oldest)
	}

	// The window is never empty after insertion.
	e.next.ScaleSym(float64(prevSize)/float64(newSize), e.next)
	e.next.SymRankOne(e.next, 1/float64(newSize), e.pending)
}

// recompute rebuilds the staged covariance from the window contents as they
// will be after the staged insertion, discarding accumulated rounding error.
func (e *noiseEstimator) recompute() {
	e.next.Zero()
	count := 0
	for i := 0; i < e.size; i++ {
		if e.evict && i == 0 {
			continue
		}
		e.next.SymRankOne(e.next, 1, e.window[(e.head+i)%e.capacity])
		count++
	}
	e.next.SymRankOne(e.next, 1, e.pending)
	count++
	e.next.ScaleSym(1/float64(count), e.next)
}

// commit publishes the staged innovation and covariance.
func (e *noiseEstimator) commit() {
	if !e.staged {
		return
	}
	if e.evict {
		e.window[e.head].CopyVec(e.pending)
		e.head = (e.head + 1) % e.capacity
	} else {
		e.window[(e.head+e.size)%e.capacity].CopyVec(e.pending)
		e.size++
	}
	e.c, e.next = e.next, e.c
	e.observed++
	e.staged = false
}

// discard drops a staged update.
func (e *noiseEstimator) discard() {
	e.staged = false
}

// estimateNoise derives Q = K·C·Kᵀ and R = C − H·P·Hᵀ from the staged
// covariance. gain is the Kalman gain of the previous cycle and p the
// corrected covariance of the previous cycle; gainT and hT are transposed
// views of gain and h.
func (e *noiseEstimator) estimateNoise(q, r *mat.Dense, gain, gainT, h, hT, p mat.Matrix) {
	e.kc.Mul(gain, e.next)
	q.Mul(e.kc, gainT)

	e.hp.Mul(h, p)
	e.hph.Mul(e.hp, hT)
	r.Sub(e.next, e.hph)
}

// covariance returns a copy of the committed rolling covariance.
func (e *noiseEstimator) covariance() *mat.SymDense {
	c := mat.NewSymDense(e.c.SymmetricDim(), nil)
	c.CopySym(e.c)
	return c
}

// innovations returns copies of the window contents, oldest first.
func (e *noiseEstimator) innovations() []*mat.VecDense {
	out := make([]*mat.VecDense, 0, e.size)
	for i := 0; i < e.size; i++ {
		v := mat.VecDenseCopyOf(e.window[(e.head+i)%e.capacity])
		out = append(out, v)
	}
	return out
}

func (e *noiseEstimator) len() int {
	return e.size
}
