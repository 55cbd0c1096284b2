// Command kfsim runs the pod state estimator against a simulated run and
// writes the estimate, its error against ground truth and charts to disk.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hyped-pod/navigation/internal/config"
	"github.com/hyped-pod/navigation/internal/fusion"
	"github.com/hyped-pod/navigation/internal/monitoring"
	"github.com/hyped-pod/navigation/internal/podmodel"
	"github.com/hyped-pod/navigation/internal/report"
	"github.com/hyped-pod/navigation/internal/version"
)

// Config holds command-line options.
type Config struct {
	TuningFile string
	Sensors    string
	Duration   time.Duration
	Seed       uint64
	Dropout    float64
	AccSigma   float64
	PosSigma   float64
	OutputDir  string
	Plots      bool
	HTML       bool
	Verbose    bool
	Version    bool
}

// RunSummary is written to summary.json.
type RunSummary struct {
	RunID      string                `json:"run_id"`
	Version    string                `json:"version"`
	Sensors    string                `json:"sensors"`
	Steps      int                   `json:"steps"`
	Cycles     int64                 `json:"cycles"`
	Coasts     int64                 `json:"coasts"`
	Faults     int64                 `json:"faults"`
	Overruns   int64                 `json:"budget_overruns"`
	MaxCycleUs int64                 `json:"max_cycle_us"`
	States     []report.StateSummary `json:"states"`
}

func main() {
	cfg := parseFlags()

	if cfg.Version {
		fmt.Println("kfsim " + version.String())
		return
	}
	if cfg.Verbose {
		monitoring.SetLogWriters(os.Stderr, nil)
	}

	summary, dir, err := run(cfg)
	if err != nil {
		log.Fatalf("Simulation failed: %v", err)
	}
	printSummary(summary)
	log.Printf("Results written to: %s", dir)
}

func parseFlags() Config {
	cfg := Config{}

	flag.StringVar(&cfg.TuningFile, "config", "", "Path to tuning JSON (defaults to built-in tuning)")
	flag.StringVar(&cfg.Sensors, "sensors", "imu+position", "Sensor set: imu, imu+position")
	flag.DurationVar(&cfg.Duration, "duration", 12*time.Second, "Simulated run length")
	flag.Uint64Var(&cfg.Seed, "seed", 1, "Noise generator seed")
	flag.Float64Var(&cfg.Dropout, "dropout", 0, "Fraction of sample periods with no measurement")
	flag.Float64Var(&cfg.AccSigma, "acc-sigma", 0.15, "Accelerometer noise standard deviation (m/s²)")
	flag.Float64Var(&cfg.PosSigma, "pos-sigma", 0.5, "Position fix noise standard deviation (m)")
	flag.StringVar(&cfg.OutputDir, "output", "kfsim-out", "Output directory; each run gets a subdirectory")
	flag.BoolVar(&cfg.Plots, "plots", true, "Write PNG plots")
	flag.BoolVar(&cfg.HTML, "html", true, "Write an interactive HTML report")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "Enable diagnostic logging")
	flag.BoolVar(&cfg.Version, "version", false, "Print version and exit")

	flag.Parse()

	return cfg
}

func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.DefaultTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

func run(cfg Config) (*RunSummary, string, error) {
	tuning, err := loadTuning(cfg.TuningFile)
	if err != nil {
		return nil, "", err
	}
	sensors, err := podmodel.ParseSensors(cfg.Sensors)
	if err != nil {
		return nil, "", err
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, "", fmt.Errorf("dropout must be in [0, 1), got %g", cfg.Dropout)
	}

	period := tuning.GetSamplePeriod()
	model, err := podmodel.ConstantAcceleration(period, sensors, tuning)
	if err != nil {
		return nil, "", err
	}
	filter, err := model.NewFilter(tuning)
	if err != nil {
		return nil, "", err
	}

	runID := uuid.NewString()
	log.Printf("kfsim %s", version.String())
	log.Printf("Run %s: sensors=%s period=%s adaptive=%v window=%d",
		runID, sensors, period, tuning.GetAdaptive(), tuning.GetWindowSize())

	channels := []string{"acceleration"}
	if sensors == podmodel.IMUAndPosition {
		channels = []string{"position", "acceleration"}
	}
	rec := report.NewRecorder([]string{"position", "velocity", "acceleration"}, channels)

	sim := NewSimulator(DefaultProfile(), period, sensors, cfg.AccSigma, cfg.PosSigma, cfg.Dropout, cfg.Seed)
	steps := sim.Run(cfg.Duration)
	start := time.Now()

	// The observer sees measurements in source order, so next indexes steps.
	next := 0
	var recErr error
	observe := func(m fusion.Measurement, est fusion.Estimate, err error) {
		step := steps[next]
		next++
		if recErr != nil || !est.Valid {
			return
		}
		variance := make([]float64, podmodel.StateDim)
		for i := range variance {
			variance[i] = est.Variance(i)
		}
		recErr = rec.Record(report.Sample{
			Time:        step.Elapsed.Seconds(),
			Truth:       step.Truth,
			Measurement: step.Measurement,
			Estimate:    est.State,
			Variance:    variance,
			Adapting:    est.Adapting,
		})
	}

	pipeline := fusion.NewPipeline(filter, fusion.Config{
		MaxConsecutiveFaults: tuning.GetMaxConsecutiveFaults(),
		Budget:               monitoring.NewCycleBudget(tuning.GetCycleBudget(), nil),
		OnFault: func(err error, consecutive int) {
			monitoring.Opsf("estimate lost after %d consecutive faults: %v", consecutive, err)
		},
		Observer: observe,
	})

	if err := pipeline.Run(context.Background(), fusion.NewSliceSource(measurements(steps, start))); err != nil {
		return nil, "", fmt.Errorf("pipeline stopped after %d of %d steps: %w", next, len(steps), err)
	}
	if recErr != nil {
		return nil, "", recErr
	}

	stats := pipeline.Stats()
	summary := &RunSummary{
		RunID:      runID,
		Version:    version.String(),
		Sensors:    sensors.String(),
		Steps:      len(steps),
		Cycles:     stats.Cycles,
		Coasts:     stats.Coasts,
		Faults:     stats.Faults,
		Overruns:   stats.Budget.Overruns,
		MaxCycleUs: stats.Budget.Max.Microseconds(),
		States:     rec.Summary(),
	}

	dir := filepath.Join(cfg.OutputDir, runID)
	if err := writeOutputs(cfg, dir, rec, summary); err != nil {
		return summary, dir, err
	}
	return summary, dir, nil
}

// measurements turns simulated steps into pipeline input. Dropped-out
// steps become coast markers.
func measurements(steps []Step, start time.Time) []fusion.Measurement {
	out := make([]fusion.Measurement, len(steps))
	for i, step := range steps {
		out[i] = fusion.Measurement{
			Timestamp: start.Add(step.Elapsed),
			Values:    step.Measurement,
			Coast:     step.Measurement == nil,
		}
	}
	return out
}

func writeOutputs(cfg Config, dir string, rec *report.Recorder, summary *RunSummary) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, "estimates.csv"))
	if err != nil {
		return err
	}
	if err := rec.WriteCSV(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write CSV: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "summary.json"), data, 0644); err != nil {
		return err
	}

	if cfg.Plots {
		if _, err := rec.WritePlots(filepath.Join(dir, "plots")); err != nil {
			return fmt.Errorf("failed to write plots: %w", err)
		}
	}

	if cfg.HTML {
		h, err := os.Create(filepath.Join(dir, "report.html"))
		if err != nil {
			return err
		}
		if err := rec.WriteHTML(h, "kfsim "+summary.RunID); err != nil {
			h.Close()
			return fmt.Errorf("failed to write HTML: %w", err)
		}
		if err := h.Close(); err != nil {
			return err
		}
	}
	return nil
}

func printSummary(s *RunSummary) {
	fmt.Printf("run %s (%s): %d steps, %d cycles, %d coasts, %d faults, %d budget overruns (max %dµs)\n",
		s.RunID, s.Sensors, s.Steps, s.Cycles, s.Coasts, s.Faults, s.Overruns, s.MaxCycleUs)
	fmt.Printf("%-14s %10s %10s %10s %8s\n", "state", "rmse", "max|err|", "mean σ", "in 2σ")
	for _, st := range s.States {
		fmt.Printf("%-14s %10.4f %10.4f %10.4f %7.1f%%\n",
			st.Name, st.RMSE, st.MaxAbsError, math.Sqrt(st.MeanVariance), 100*st.Within2Sigma)
	}
}
