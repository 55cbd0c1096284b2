// Package kalman implements the pod's adaptive multivariate state estimator.
//
// A Filter runs one predict/correct cycle per measurement. When adaptive
// estimation is enabled the process and measurement noise covariances are
// re-estimated online from a bounded window of recent innovations once the
// window has filled.
//
// Key types: Filter, Config, DimensionMismatchError, NonFiniteError,
// SingularMatrixError.
//
// A Filter is not safe for concurrent use. Callers feeding one filter from
// several goroutines must serialise whole cycles (see internal/fusion).
package kalman
