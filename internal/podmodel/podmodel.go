// Package podmodel builds the kinematic models the estimator runs on.
//
// The pod moves along a one-dimensional track. Its state is
// [position, velocity, acceleration] in metres, m/s and m/s².
package podmodel

import (
	"fmt"
	"time"

	"github.com/hyped-pod/navigation/internal/config"
	"github.com/hyped-pod/navigation/internal/kalman"
	"gonum.org/v1/gonum/mat"
)

// State vector indices.
const (
	Position = iota
	Velocity
	Acceleration

	StateDim = 3
)

// Sensors selects which measurements feed the filter.
type Sensors int

const (
	// IMUOnly measures longitudinal acceleration.
	IMUOnly Sensors = iota
	// IMUAndPosition adds an absolute position fix (e.g. track markers).
	IMUAndPosition
)

func (s Sensors) String() string {
	switch s {
	case IMUOnly:
		return "imu"
	case IMUAndPosition:
		return "imu+position"
	default:
		return fmt.Sprintf("Sensors(%d)", int(s))
	}
}

// ParseSensors parses the String form of a Sensors value.
func ParseSensors(s string) (Sensors, error) {
	switch s {
	case "imu":
		return IMUOnly, nil
	case "imu+position":
		return IMUAndPosition, nil
	default:
		return 0, fmt.Errorf("unknown sensor set %q (want imu or imu+position)", s)
	}
}

// MeasurementDim returns the measurement vector length for the sensor set.
func (s Sensors) MeasurementDim() int {
	if s == IMUAndPosition {
		return 2
	}
	return 1
}

// Model is a fully specified linear model with its initial condition.
type Model struct {
	Sensors Sensors
	Period  time.Duration
	Noise   float64 // process noise spectral density (jerk)

	A  *mat.Dense
	Q  *mat.Dense
	H  *mat.Dense
	R  *mat.Dense
	X0 *mat.VecDense
	P0 *mat.Dense
}

// ConstantAcceleration builds a constant-acceleration model sampled every
// period, with white-noise jerk process noise and noise levels from tuning.
func ConstantAcceleration(period time.Duration, sensors Sensors, tuning *config.TuningConfig) (*Model, error) {
	if period <= 0 {
		return nil, fmt.Errorf("sample period must be positive, got %s", period)
	}
	if sensors != IMUOnly && sensors != IMUAndPosition {
		return nil, fmt.Errorf("unsupported sensor set %s", sensors)
	}

	noise := tuning.GetProcessNoiseAcc()
	m := &Model{
		Sensors: sensors,
		Period:  period,
		Noise:   noise,
		A:       Transition(period),
		Q:       ProcessNoise(period, noise),
		X0:      mat.NewVecDense(StateDim, nil),
		P0: mat.NewDense(StateDim, StateDim, []float64{
			tuning.GetInitialPositionVar(), 0, 0,
			0, tuning.GetInitialVelocityVar(), 0,
			0, 0, tuning.GetInitialAccelerationVar(),
		}),
	}

	switch sensors {
	case IMUOnly:
		m.H = mat.NewDense(1, StateDim, []float64{0, 0, 1})
		m.R = mat.NewDense(1, 1, []float64{tuning.GetMeasurementNoiseAcc()})
	case IMUAndPosition:
		m.H = mat.NewDense(2, StateDim, []float64{
			1, 0, 0,
			0, 0, 1,
		})
		m.R = mat.NewDense(2, 2, []float64{
			tuning.GetMeasurementNoisePos(), 0,
			0, tuning.GetMeasurementNoiseAcc(),
		})
	}
	return m, nil
}

// Transition returns the constant-acceleration state transition matrix for
// a step of dt.
func Transition(dt time.Duration) *mat.Dense {
	t := dt.Seconds()
	return mat.NewDense(StateDim, StateDim, []float64{
		1, t, t * t / 2,
		0, 1, t,
		0, 0, 1,
	})
}

// ProcessNoise returns the discrete white-noise-jerk covariance for a step of
// dt and spectral density q.
func ProcessNoise(dt time.Duration, q float64) *mat.Dense {
	t := dt.Seconds()
	t2 := t * t
	t3 := t2 * t
	t4 := t3 * t
	t5 := t4 * t
	return mat.NewDense(StateDim, StateDim, []float64{
		q * t5 / 20, q * t4 / 8, q * t3 / 6,
		q * t4 / 8, q * t3 / 3, q * t2 / 2,
		q * t3 / 6, q * t2 / 2, q * t,
	})
}

// FilterConfig returns the kalman configuration matching the model and the
// adaptation settings in tuning.
func (m *Model) FilterConfig(tuning *config.TuningConfig) kalman.Config {
	return kalman.Config{
		StateDim:          StateDim,
		MeasurementDim:    m.Sensors.MeasurementDim(),
		Adaptive:          tuning.GetAdaptive(),
		WindowSize:        tuning.GetWindowSize(),
		RecomputeInterval: tuning.GetRecomputeInterval(),
	}
}

// NewFilter builds a kalman.Filter for the model and configures its models
// and initial condition.
func (m *Model) NewFilter(tuning *config.TuningConfig) (*kalman.Filter, error) {
	f, err := kalman.NewFilter(m.FilterConfig(tuning))
	if err != nil {
		return nil, fmt.Errorf("podmodel: %w", err)
	}
	if err := f.SetModels(m.A, m.Q, m.H, m.R); err != nil {
		return nil, fmt.Errorf("podmodel: %w", err)
	}
	if err := f.SetInitial(m.X0, m.P0); err != nil {
		return nil, fmt.Errorf("podmodel: %w", err)
	}
	return f, nil
}

// Retime updates a running filter for a new sample period. A and the
// white-noise-jerk Q are both rebuilt for the new period, in the filter and
// in the model, so a later NewFilter from the same model matches. The
// estimate is kept. An adaptive filter past warm-up replaces Q with its own
// estimate on the next cycle.
func (m *Model) Retime(f *kalman.Filter, period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("sample period must be positive, got %s", period)
	}
	a := Transition(period)
	q := ProcessNoise(period, m.Noise)
	if err := f.UpdateA(a); err != nil {
		return err
	}
	if err := f.UpdateQ(q); err != nil {
		return err
	}
	m.A = a
	m.Q = q
	m.Period = period
	return nil
}
