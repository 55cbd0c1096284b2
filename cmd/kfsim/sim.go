package main

import (
	"math/rand/v2"
	"time"

	"github.com/hyped-pod/navigation/internal/podmodel"
	"gonum.org/v1/gonum/stat/distuv"
)

// Profile is a trapezoidal run: accelerate, cruise, then brake to a stop.
type Profile struct {
	Accel      float64       // m/s²
	Decel      float64       // m/s², positive
	AccelTime  time.Duration // time spent accelerating
	CruiseTime time.Duration // time spent at top speed
}

// DefaultProfile is a short competition-style run.
func DefaultProfile() Profile {
	return Profile{
		Accel:      9.81,
		Decel:      14.7,
		AccelTime:  4 * time.Second,
		CruiseTime: 2 * time.Second,
	}
}

// acceleration returns the commanded acceleration at time t given the
// current velocity.
func (p Profile) acceleration(t time.Duration, velocity float64) float64 {
	switch {
	case t < p.AccelTime:
		return p.Accel
	case t < p.AccelTime+p.CruiseTime:
		return 0
	case velocity > 0:
		return -p.Decel
	default:
		return 0
	}
}

// Step is one simulated sample period.
type Step struct {
	Elapsed     time.Duration
	Truth       []float64 // position, velocity, acceleration
	Measurement []float64 // nil when the sensors dropped out
}

// Simulator produces a ground-truth trajectory and noisy sensor readings.
type Simulator struct {
	profile  Profile
	period   time.Duration
	sensors  podmodel.Sensors
	dropout  float64
	accNoise distuv.Normal
	posNoise distuv.Normal
	uniform  distuv.Uniform
}

// NewSimulator creates a simulator. Noise arguments are standard deviations.
func NewSimulator(profile Profile, period time.Duration, sensors podmodel.Sensors, accSigma, posSigma, dropout float64, seed uint64) *Simulator {
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return &Simulator{
		profile:  profile,
		period:   period,
		sensors:  sensors,
		dropout:  dropout,
		accNoise: distuv.Normal{Mu: 0, Sigma: accSigma, Src: src},
		posNoise: distuv.Normal{Mu: 0, Sigma: posSigma, Src: src},
		uniform:  distuv.Uniform{Min: 0, Max: 1, Src: src},
	}
}

// Run simulates the profile for the given duration.
func (s *Simulator) Run(duration time.Duration) []Step {
	dt := s.period.Seconds()
	steps := make([]Step, 0, int(duration/s.period))

	var pos, vel float64
	for t := s.period; t <= duration; t += s.period {
		acc := s.profile.acceleration(t-s.period, vel)
		if acc < 0 && vel+acc*dt <= 0 {
			// Brake brings the pod to rest within this step.
			acc = -vel / dt
			pos += vel * dt / 2
			vel = 0
		} else {
			pos += vel*dt + acc*dt*dt/2
			vel += acc * dt
		}

		step := Step{Elapsed: t, Truth: []float64{pos, vel, acc}}
		if s.dropout <= 0 || s.uniform.Rand() >= s.dropout {
			accMeas := acc + s.accNoise.Rand()
			switch s.sensors {
			case podmodel.IMUAndPosition:
				step.Measurement = []float64{pos + s.posNoise.Rand(), accMeas}
			default:
				step.Measurement = []float64{accMeas}
			}
		}
		steps = append(steps, step)
	}
	return steps
}
