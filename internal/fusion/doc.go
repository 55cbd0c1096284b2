// Package fusion runs the state estimator for the rest of the pod.
//
// Responsibilities: serialising estimator cycles from any number of
// producers, holding the last good estimate across faulted cycles,
// reporting sustained faults upward and publishing immutable estimate
// snapshots for the control and state-machine consumers.
// Key types: Pipeline, Measurement, Estimate, MeasurementSource.
//
// The sensor drivers and the pod state machine are collaborators; this
// package only sees them through MeasurementSource and FaultHandler.
package fusion
