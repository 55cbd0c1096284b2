package kalman

import (
	"errors"
	"fmt"
)

// ErrNotConfigured is returned by Cycle and Predict when the dynamics model,
// the measurement model or the initial condition has not been set.
var ErrNotConfigured = errors.New("kalman: filter not fully configured")

// DimensionMismatchError reports a matrix or vector whose shape does not
// match the filter's fixed dimensions.
type DimensionMismatchError struct {
	Name     string
	WantRows int
	WantCols int
	GotRows  int
	GotCols  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("kalman: %s has shape %dx%d, want %dx%d",
		e.Name, e.GotRows, e.GotCols, e.WantRows, e.WantCols)
}

// NonFiniteError reports a NaN or infinite entry in a measurement or
// control vector. The cycle is rejected before any state is touched.
type NonFiniteError struct {
	Name  string
	Index int
	Value float64
}

func (e *NonFiniteError) Error() string {
	return fmt.Sprintf("kalman: %s[%d] is not finite (%v)", e.Name, e.Index, e.Value)
}

// SingularMatrixError reports that the innovation covariance S could not be
// inverted, or that inverting it produced a non-finite correction. The
// filter state is left as it was before the cycle.
type SingularMatrixError struct {
	Iteration int   // cycle that failed (not committed)
	Reason    string
	Err       error // underlying gonum error, if any
}

func (e *SingularMatrixError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kalman: innovation covariance singular at cycle %d: %s: %v", e.Iteration, e.Reason, e.Err)
	}
	return fmt.Sprintf("kalman: innovation covariance singular at cycle %d: %s", e.Iteration, e.Reason)
}

func (e *SingularMatrixError) Unwrap() error { return e.Err }

// IsDimensionMismatch reports whether err is or wraps a DimensionMismatchError.
func IsDimensionMismatch(err error) bool {
	var dm *DimensionMismatchError
	return errors.As(err, &dm)
}

// IsNonFinite reports whether err is or wraps a NonFiniteError.
func IsNonFinite(err error) bool {
	var nf *NonFiniteError
	return errors.As(err, &nf)
}

// IsSingular reports whether err is or wraps a SingularMatrixError.
func IsSingular(err error) bool {
	var se *SingularMatrixError
	return errors.As(err, &se)
}
