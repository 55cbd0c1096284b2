package report

import (
	"bytes"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	r := NewRecorder([]string{"position", "velocity"}, []string{"accel"})
	for k := 0; k < 10; k++ {
		tm := float64(k) * 0.1
		s := Sample{
			Time:     tm,
			Truth:    []float64{tm, 1},
			Estimate: []float64{tm + 0.1, 1 - 0.3},
			Variance: []float64{0.01, 0.01},
			Adapting: k >= 5,
		}
		if k%2 == 0 {
			s.Measurement = []float64{0.5}
		}
		require.NoError(t, r.Record(s))
	}
	return r
}

// ----------------------------------------------------------------------------
// Record
// ----------------------------------------------------------------------------

func TestRecordValidatesShape(t *testing.T) {
	t.Parallel()
	r := NewRecorder([]string{"position"}, []string{"accel"})

	assert.Error(t, r.Record(Sample{Estimate: []float64{1, 2}, Variance: []float64{1}}))
	assert.Error(t, r.Record(Sample{Estimate: []float64{1}, Variance: []float64{1}, Truth: []float64{1, 2}}))
	assert.Error(t, r.Record(Sample{Estimate: []float64{1}, Variance: []float64{1}, Measurement: []float64{}}))
	assert.NoError(t, r.Record(Sample{Estimate: []float64{1}, Variance: []float64{1}}))
	assert.Equal(t, 1, r.Len())
}

func TestRecordCopiesSlices(t *testing.T) {
	t.Parallel()
	r := NewRecorder([]string{"position"}, nil)
	est := []float64{1}
	require.NoError(t, r.Record(Sample{Estimate: est, Variance: []float64{1}}))
	est[0] = 99
	assert.Equal(t, 1.0, r.snapshot()[0].Estimate[0])
}

func TestRecordConcurrent(t *testing.T) {
	t.Parallel()
	r := NewRecorder([]string{"position"}, nil)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				assert.NoError(t, r.Record(Sample{Estimate: []float64{1}, Variance: []float64{1}}))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, r.Len())
}

// ----------------------------------------------------------------------------
// Summary
// ----------------------------------------------------------------------------

func TestSummary(t *testing.T) {
	t.Parallel()
	sum := newTestRecorder(t).Summary()
	require.Len(t, sum, 2)

	assert.Equal(t, "position", sum[0].Name)
	assert.Equal(t, 10, sum[0].Samples)
	assert.InDelta(t, 0.1, sum[0].RMSE, 1e-12)
	assert.InDelta(t, 0.1, sum[0].MaxAbsError, 1e-12)
	assert.InDelta(t, 0.01, sum[0].MeanVariance, 1e-12)
	assert.Equal(t, 1.0, sum[0].Within2Sigma, "error 0.1 is inside 2σ = 0.2")

	assert.InDelta(t, 0.3, sum[1].RMSE, 1e-12)
	assert.Equal(t, 0.0, sum[1].Within2Sigma, "error 0.3 is outside 2σ = 0.2")
}

func TestSummaryWithoutTruth(t *testing.T) {
	t.Parallel()
	r := NewRecorder([]string{"position"}, nil)
	require.NoError(t, r.Record(Sample{Estimate: []float64{1}, Variance: []float64{1}}))
	sum := r.Summary()
	require.Len(t, sum, 1)
	assert.Equal(t, 0, sum[0].Samples)
	assert.Equal(t, 0.0, sum[0].RMSE)
	assert.False(t, math.IsNaN(sum[0].MaxAbsError))
}

// ----------------------------------------------------------------------------
// Output
// ----------------------------------------------------------------------------

func TestWriteCSV(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, newTestRecorder(t).WriteCSV(&buf))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 11)
	assert.Equal(t, []string{
		"t",
		"position_true", "position_est", "position_var",
		"velocity_true", "velocity_est", "velocity_var",
		"accel_meas", "adapting",
	}, rows[0])
	assert.Equal(t, "0.5", rows[1][7])
	assert.Equal(t, "", rows[2][7], "coasted step has no measurement")
	assert.Equal(t, "false", rows[1][8])
	assert.Equal(t, "true", rows[10][8])
}

func TestWritePlots(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "plots")
	files, err := newTestRecorder(t).WritePlots(dir)
	require.NoError(t, err)
	require.Len(t, files, 4)
	for _, f := range files {
		info, err := os.Stat(f)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
		assert.True(t, strings.HasSuffix(f, ".png"))
	}
	assert.FileExists(t, filepath.Join(dir, "velocity_error.png"))
}

func TestWritePlotsEmpty(t *testing.T) {
	t.Parallel()
	files, err := NewRecorder([]string{"position"}, nil).WritePlots(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestWriteHTML(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, newTestRecorder(t).WriteHTML(&buf, "run-1"))
	out := buf.String()
	assert.Contains(t, out, "<html")
	assert.Contains(t, out, "position")
	assert.Contains(t, out, "accel")
}
