package kalman

import (
	"gonum.org/v1/gonum/mat"
)

// isNilMatrix reports whether m is nil, including a nil pointer of one of
// the gonum concrete types wrapped in a non-nil interface.
func isNilMatrix(m mat.Matrix) bool {
	switch v := m.(type) {
	case nil:
		return true
	case *mat.Dense:
		return v == nil
	case *mat.SymDense:
		return v == nil
	case *mat.DiagDense:
		return v == nil
	case *mat.TriDense:
		return v == nil
	case *mat.VecDense:
		return v == nil
	}
	return false
}

// isNilVec is isNilMatrix for vectors.
func isNilVec(v mat.Vector) bool {
	if v == nil {
		return true
	}
	if vd, ok := v.(*mat.VecDense); ok {
		return vd == nil
	}
	return false
}

// checkFinite rejects a vector holding NaN or ±Inf.
func checkFinite(name string, v mat.Vector) error {
	for i := 0; i < v.Len(); i++ {
		if x := v.AtVec(i); !finite(x) {
			return &NonFiniteError{Name: name, Index: i, Value: x}
		}
	}
	return nil
}

// shape is an expected matrix shape for validation.
type shape struct {
	name string
	m    mat.Matrix
	rows int
	cols int
}

// checkShapes validates every input before any of them is stored, so a
// combined setter never leaves the filter half-configured.
func checkShapes(shapes ...shape) error {
	for _, s := range shapes {
		if isNilMatrix(s.m) {
			return &DimensionMismatchError{Name: s.name, WantRows: s.rows, WantCols: s.cols}
		}
		r, c := s.m.Dims()
		if r != s.rows || c != s.cols {
			return &DimensionMismatchError{
				Name:     s.name,
				WantRows: s.rows,
				WantCols: s.cols,
				GotRows:  r,
				GotCols:  c,
			}
		}
	}
	return nil
}

func checkVec(name string, v mat.Vector, n int) error {
	if isNilVec(v) {
		return &DimensionMismatchError{Name: name, WantRows: n, WantCols: 1}
	}
	if v.Len() != n {
		return &DimensionMismatchError{Name: name, WantRows: n, WantCols: 1, GotRows: v.Len(), GotCols: 1}
	}
	return nil
}

// SetDynamicsModel sets the state transition matrix A (n×n) and the process
// noise covariance Q (n×n). It replaces any earlier controlled model: B is
// cleared and a control input is rejected until SetControlledDynamicsModel
// is called again.
func (f *Filter) SetDynamicsModel(A, Q mat.Matrix) error {
	if err := checkShapes(
		shape{"A", A, f.n, f.n},
		shape{"Q", Q, f.n, f.n},
	); err != nil {
		return err
	}
	f.a.Copy(A)
	f.q.Copy(Q)
	if f.b != nil {
		f.b.Zero()
	}
	f.hasDynamics = true
	f.hasControl = false
	return nil
}

// SetControlledDynamicsModel sets A (n×n), the control matrix B (n×k) and
// Q (n×n). The filter must have been built with a non-zero ControlDim.
func (f *Filter) SetControlledDynamicsModel(A, B, Q mat.Matrix) error {
	if f.k == 0 {
		return &DimensionMismatchError{Name: "B", WantRows: f.n, WantCols: 0, GotRows: rowsOf(B), GotCols: colsOf(B)}
	}
	if err := checkShapes(
		shape{"A", A, f.n, f.n},
		shape{"B", B, f.n, f.k},
		shape{"Q", Q, f.n, f.n},
	); err != nil {
		return err
	}
	f.a.Copy(A)
	f.b.Copy(B)
	f.q.Copy(Q)
	f.hasDynamics = true
	f.hasControl = true
	return nil
}

// SetMeasurementModel sets the observation matrix H (m×n) and the
// measurement noise covariance R (m×m).
func (f *Filter) SetMeasurementModel(H, R mat.Matrix) error {
	if err := checkShapes(
		shape{"H", H, f.m, f.n},
		shape{"R", R, f.m, f.m},
	); err != nil {
		return err
	}
	f.h.Copy(H)
	f.r.Copy(R)
	f.hasMeasurement = true
	return nil
}

// SetModels sets the dynamics and measurement models together. Nothing is
// stored unless all four matrices are valid.
func (f *Filter) SetModels(A, Q, H, R mat.Matrix) error {
	if err := checkShapes(
		shape{"A", A, f.n, f.n},
		shape{"Q", Q, f.n, f.n},
		shape{"H", H, f.m, f.n},
		shape{"R", R, f.m, f.m},
	); err != nil {
		return err
	}
	if err := f.SetDynamicsModel(A, Q); err != nil {
		return err
	}
	return f.SetMeasurementModel(H, R)
}

// SetControlledModels is SetModels with a control matrix B.
func (f *Filter) SetControlledModels(A, B, Q, H, R mat.Matrix) error {
	if err := checkShapes(
		shape{"H", H, f.m, f.n},
		shape{"R", R, f.m, f.m},
	); err != nil {
		return err
	}
	if err := f.SetControlledDynamicsModel(A, B, Q); err != nil {
		return err
	}
	return f.SetMeasurementModel(H, R)
}

// SetInitial sets the initial state x0 (n) and covariance P0 (n×n).
func (f *Filter) SetInitial(x0 mat.Vector, P0 mat.Matrix) error {
	if err := checkVec("x0", x0, f.n); err != nil {
		return err
	}
	if err := checkShapes(shape{"P0", P0, f.n, f.n}); err != nil {
		return err
	}
	f.x.CopyVec(x0)
	f.p.Copy(P0)
	f.eye.Zero()
	for i := 0; i < f.n; i++ {
		f.eye.Set(i, i, 1)
	}
	f.hasInitial = true
	return nil
}

// UpdateA replaces the state transition matrix, for slowly time-varying
// systems such as a varying sample period.
func (f *Filter) UpdateA(A mat.Matrix) error {
	if err := checkShapes(shape{"A", A, f.n, f.n}); err != nil {
		return err
	}
	f.a.Copy(A)
	return nil
}

// UpdateQ replaces the process noise covariance, e.g. alongside UpdateA
// when the sample period changes. An adaptive filter that has finished
// warming up overwrites Q again on its next cycle.
func (f *Filter) UpdateQ(Q mat.Matrix) error {
	if err := checkShapes(shape{"Q", Q, f.n, f.n}); err != nil {
		return err
	}
	f.q.Copy(Q)
	return nil
}

// UpdateR replaces the measurement noise covariance.
func (f *Filter) UpdateR(R mat.Matrix) error {
	if err := checkShapes(shape{"R", R, f.m, f.m}); err != nil {
		return err
	}
	f.r.Copy(R)
	return nil
}

func rowsOf(m mat.Matrix) int {
	if isNilMatrix(m) {
		return 0
	}
	r, _ := m.Dims()
	return r
}

func colsOf(m mat.Matrix) int {
	if isNilMatrix(m) {
		return 0
	}
	_, c := m.Dims()
	return c
}
