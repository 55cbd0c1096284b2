// Package report records estimator runs and renders them as CSV, PNG plots
// and an interactive HTML chart page.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Sample is one recorded estimator step.
type Sample struct {
	Time        float64   // seconds since the start of the run
	Truth       []float64 // per state; nil when ground truth is unknown
	Measurement []float64 // per measurement channel; nil for coasted steps
	Estimate    []float64 // per state
	Variance    []float64 // per state, diagonal of P
	Adapting    bool
}

// Recorder accumulates samples for one run. It is safe for concurrent use.
type Recorder struct {
	mu           sync.Mutex
	stateNames   []string
	channelNames []string
	samples      []Sample
}

// NewRecorder creates a recorder with labels for the state components and
// the measurement channels.
func NewRecorder(stateNames, channelNames []string) *Recorder {
	return &Recorder{
		stateNames:   append([]string(nil), stateNames...),
		channelNames: append([]string(nil), channelNames...),
	}
}

// Record appends a sample. Slices are copied.
func (r *Recorder) Record(s Sample) error {
	n := len(r.stateNames)
	if len(s.Estimate) != n || len(s.Variance) != n {
		return fmt.Errorf("sample has %d estimate and %d variance values, want %d", len(s.Estimate), len(s.Variance), n)
	}
	if s.Truth != nil && len(s.Truth) != n {
		return fmt.Errorf("sample has %d truth values, want %d", len(s.Truth), n)
	}
	if s.Measurement != nil && len(s.Measurement) != len(r.channelNames) {
		return fmt.Errorf("sample has %d measurement values, want %d", len(s.Measurement), len(r.channelNames))
	}

	c := Sample{
		Time:     s.Time,
		Estimate: append([]float64(nil), s.Estimate...),
		Variance: append([]float64(nil), s.Variance...),
		Adapting: s.Adapting,
	}
	if s.Truth != nil {
		c.Truth = append([]float64(nil), s.Truth...)
	}
	if s.Measurement != nil {
		c.Measurement = append([]float64(nil), s.Measurement...)
	}

	r.mu.Lock()
	r.samples = append(r.samples, c)
	r.mu.Unlock()
	return nil
}

// Len returns the number of recorded samples.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

// snapshot returns the current sample slice. Samples are never mutated after
// Record, so sharing the backing array is safe.
func (r *Recorder) snapshot() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.samples[:len(r.samples):len(r.samples)]
}

// StateSummary holds the error statistics of one state component against
// ground truth.
type StateSummary struct {
	Name         string
	Samples      int
	RMSE         float64
	MaxAbsError  float64
	MeanVariance float64
	// Within2Sigma is the fraction of samples whose error lies inside the
	// filter's own ±2σ bound. A consistent filter scores about 0.95.
	Within2Sigma float64
}

// Summary computes per-state error statistics over samples that carry
// ground truth.
func (r *Recorder) Summary() []StateSummary {
	samples := r.snapshot()
	out := make([]StateSummary, len(r.stateNames))

	for i, name := range r.stateNames {
		errs := make([]float64, 0, len(samples))
		vars := make([]float64, 0, len(samples))
		inside := 0
		for _, s := range samples {
			if s.Truth == nil {
				continue
			}
			e := s.Estimate[i] - s.Truth[i]
			errs = append(errs, e)
			vars = append(vars, s.Variance[i])
			if math.Abs(e) <= twoSigma(s.Variance[i]) {
				inside++
			}
		}

		out[i].Name = name
		out[i].Samples = len(errs)
		if len(errs) == 0 {
			continue
		}
		out[i].RMSE = math.Sqrt(floats.Dot(errs, errs) / float64(len(errs)))
		out[i].MaxAbsError = math.Max(math.Abs(floats.Max(errs)), math.Abs(floats.Min(errs)))
		out[i].MeanVariance = stat.Mean(vars, nil)
		out[i].Within2Sigma = float64(inside) / float64(len(errs))
	}
	return out
}

// WriteCSV writes one row per sample: time, then truth, estimate and
// variance per state, then the measurement channels. Missing values are
// left empty.
func (r *Recorder) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)

	header := []string{"t"}
	for _, name := range r.stateNames {
		header = append(header, name+"_true", name+"_est", name+"_var")
	}
	for _, name := range r.channelNames {
		header = append(header, name+"_meas")
	}
	header = append(header, "adapting")
	if err := cw.Write(header); err != nil {
		return err
	}

	row := make([]string, len(header))
	for _, s := range r.snapshot() {
		row = row[:0]
		row = append(row, formatFloat(s.Time))
		for i := range r.stateNames {
			if s.Truth != nil {
				row = append(row, formatFloat(s.Truth[i]))
			} else {
				row = append(row, "")
			}
			row = append(row, formatFloat(s.Estimate[i]), formatFloat(s.Variance[i]))
		}
		for i := range r.channelNames {
			if s.Measurement != nil {
				row = append(row, formatFloat(s.Measurement[i]))
			} else {
				row = append(row, "")
			}
		}
		row = append(row, strconv.FormatBool(s.Adapting))
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// twoSigma returns the 2σ bound for variance v. A slightly negative variance
// from round-off reads as zero.
func twoSigma(v float64) float64 {
	return 2 * math.Sqrt(math.Max(v, 0))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
