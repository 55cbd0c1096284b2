package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default estimator tuning.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for estimator tuning.
// Every field is optional; the Get* accessors supply defaults for fields
// the JSON omits.
type TuningConfig struct {
	// Adaptive noise estimation
	Adaptive          *bool `json:"adaptive,omitempty"`
	WindowSize        *int  `json:"window_size,omitempty"`
	RecomputeInterval *int  `json:"recompute_interval,omitempty"`

	// Timing
	SamplePeriod *string `json:"sample_period,omitempty"` // duration string like "10ms"
	CycleBudget  *string `json:"cycle_budget,omitempty"`  // duration string like "2ms"

	// Noise model (variances)
	ProcessNoiseAcc     *float64 `json:"process_noise_acc,omitempty"`
	MeasurementNoiseAcc *float64 `json:"measurement_noise_acc,omitempty"`
	MeasurementNoisePos *float64 `json:"measurement_noise_pos,omitempty"`

	// Initial covariance diagonal
	InitialPositionVar     *float64 `json:"initial_position_var,omitempty"`
	InitialVelocityVar     *float64 `json:"initial_velocity_var,omitempty"`
	InitialAccelerationVar *float64 `json:"initial_acceleration_var,omitempty"`

	// Fault reporting
	MaxConsecutiveFaults *int `json:"max_consecutive_faults,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated with
// the built-in defaults. It matches config/tuning.defaults.json.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		Adaptive:               ptrBool(true),
		WindowSize:             ptrInt(50),
		RecomputeInterval:      ptrInt(0),
		SamplePeriod:           ptrString("10ms"),
		CycleBudget:            ptrString("2ms"),
		ProcessNoiseAcc:        ptrFloat64(0.05),
		MeasurementNoiseAcc:    ptrFloat64(0.02),
		MeasurementNoisePos:    ptrFloat64(0.25),
		InitialPositionVar:     ptrFloat64(1.0),
		InitialVelocityVar:     ptrFloat64(1.0),
		InitialAccelerationVar: ptrFloat64(1.0),
		MaxConsecutiveFaults:   ptrInt(5),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file fall back to the Get* defaults, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/<pkg>/
		"../../../" + DefaultConfigPath, // from cmd/<tool>/ subdirs
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.WindowSize != nil && *c.WindowSize <= 0 {
		return fmt.Errorf("window_size must be positive, got %d", *c.WindowSize)
	}
	if c.RecomputeInterval != nil && *c.RecomputeInterval < 0 {
		return fmt.Errorf("recompute_interval must be non-negative, got %d", *c.RecomputeInterval)
	}

	for name, v := range map[string]*string{
		"sample_period": c.SamplePeriod,
		"cycle_budget":  c.CycleBudget,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	for name, v := range map[string]*float64{
		"process_noise_acc":        c.ProcessNoiseAcc,
		"measurement_noise_acc":    c.MeasurementNoiseAcc,
		"measurement_noise_pos":    c.MeasurementNoisePos,
		"initial_position_var":     c.InitialPositionVar,
		"initial_velocity_var":     c.InitialVelocityVar,
		"initial_acceleration_var": c.InitialAccelerationVar,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", name, *v)
		}
	}

	if c.MaxConsecutiveFaults != nil && *c.MaxConsecutiveFaults < 1 {
		return fmt.Errorf("max_consecutive_faults must be at least 1, got %d", *c.MaxConsecutiveFaults)
	}

	return nil
}

// GetAdaptive returns the adaptive value or the default.
func (c *TuningConfig) GetAdaptive() bool {
	if c.Adaptive == nil {
		return true
	}
	return *c.Adaptive
}

// GetWindowSize returns the window_size value or the default.
func (c *TuningConfig) GetWindowSize() int {
	if c.WindowSize == nil {
		return 50
	}
	return *c.WindowSize
}

// GetRecomputeInterval returns the recompute_interval value or the default.
func (c *TuningConfig) GetRecomputeInterval() int {
	if c.RecomputeInterval == nil {
		return 0 // default: purely incremental
	}
	return *c.RecomputeInterval
}

// GetSamplePeriod parses and returns the SamplePeriod as a time.Duration.
func (c *TuningConfig) GetSamplePeriod() time.Duration {
	if c.SamplePeriod == nil || *c.SamplePeriod == "" {
		return 10 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.SamplePeriod)
	if err != nil {
		return 10 * time.Millisecond // default on parse error
	}
	return d
}

// GetCycleBudget parses and returns the CycleBudget as a time.Duration.
func (c *TuningConfig) GetCycleBudget() time.Duration {
	if c.CycleBudget == nil || *c.CycleBudget == "" {
		return 2 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.CycleBudget)
	if err != nil {
		return 2 * time.Millisecond // default on parse error
	}
	return d
}

// GetProcessNoiseAcc returns the process_noise_acc value or the default.
func (c *TuningConfig) GetProcessNoiseAcc() float64 {
	if c.ProcessNoiseAcc == nil {
		return 0.05
	}
	return *c.ProcessNoiseAcc
}

// GetMeasurementNoiseAcc returns the measurement_noise_acc value or the default.
func (c *TuningConfig) GetMeasurementNoiseAcc() float64 {
	if c.MeasurementNoiseAcc == nil {
		return 0.02
	}
	return *c.MeasurementNoiseAcc
}

// GetMeasurementNoisePos returns the measurement_noise_pos value or the default.
func (c *TuningConfig) GetMeasurementNoisePos() float64 {
	if c.MeasurementNoisePos == nil {
		return 0.25
	}
	return *c.MeasurementNoisePos
}

// GetInitialPositionVar returns the initial_position_var value or the default.
func (c *TuningConfig) GetInitialPositionVar() float64 {
	if c.InitialPositionVar == nil {
		return 1.0
	}
	return *c.InitialPositionVar
}

// GetInitialVelocityVar returns the initial_velocity_var value or the default.
func (c *TuningConfig) GetInitialVelocityVar() float64 {
	if c.InitialVelocityVar == nil {
		return 1.0
	}
	return *c.InitialVelocityVar
}

// GetInitialAccelerationVar returns the initial_acceleration_var value or the default.
func (c *TuningConfig) GetInitialAccelerationVar() float64 {
	if c.InitialAccelerationVar == nil {
		return 1.0
	}
	return *c.InitialAccelerationVar
}

// GetMaxConsecutiveFaults returns the max_consecutive_faults value or the default.
func (c *TuningConfig) GetMaxConsecutiveFaults() int {
	if c.MaxConsecutiveFaults == nil {
		return 5
	}
	return *c.MaxConsecutiveFaults
}
