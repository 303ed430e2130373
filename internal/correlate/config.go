package correlate

import (
	"fmt"
	"math"
	"time"
)

// Weights are the 5-factor score weights. They must sum to 1.0 (within
// epsilon); enforced on config load before an engine is ever constructed.
type Weights struct {
	Spatial  float64 `yaml:"spatial" json:"spatial"`
	Temporal float64 `yaml:"temporal" json:"temporal"`
	Class    float64 `yaml:"class" json:"class"`
	Features float64 `yaml:"features" json:"features"`
	Movement float64 `yaml:"movement" json:"movement"`
}

// DefaultWeights mirror the shipped site policy.
func DefaultWeights() Weights {
	return Weights{Spatial: 0.30, Temporal: 0.25, Class: 0.20, Features: 0.15, Movement: 0.10}
}

const weightsEpsilon = 1e-6

func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"spatial": w.Spatial, "temporal": w.Temporal, "class": w.Class,
		"features": w.Features, "movement": w.Movement,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("weight %s=%f out of [0,1]", name, v)
		}
	}
	sum := w.Spatial + w.Temporal + w.Class + w.Features + w.Movement
	if math.Abs(sum-1.0) > weightsEpsilon {
		return fmt.Errorf("factor weights sum to %f, want 1.0", sum)
	}
	return nil
}

// EngineConfig carries the correlation knobs. MaxThreatAge and
// HandoffTimeout are deliberately independent: the first bounds how long an
// observation stays in the window at all, the second bounds how far apart
// two observations can be and still represent one handoff.
type EngineConfig struct {
	MinCorrelationConfidence float64
	MaxThreatAge             time.Duration
	HandoffTimeout           time.Duration
	ClockSkewTolerance       time.Duration
	WindowCapPerMonitor      int
	SweepInterval            time.Duration
	DedupMaxKeys             int
	Weights                  Weights
}

// DefaultEngineConfig returns the documented defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MinCorrelationConfidence: 0.65,
		MaxThreatAge:             300 * time.Second,
		HandoffTimeout:           8 * time.Second,
		ClockSkewTolerance:       500 * time.Millisecond,
		WindowCapPerMonitor:      256,
		SweepInterval:            500 * time.Millisecond,
		DedupMaxKeys:             8192,
		Weights:                  DefaultWeights(),
	}
}

func (c EngineConfig) Validate() error {
	if c.MinCorrelationConfidence < 0 || c.MinCorrelationConfidence > 1 {
		return fmt.Errorf("min_correlation_confidence %f out of [0,1]", c.MinCorrelationConfidence)
	}
	if c.MaxThreatAge <= 0 {
		return fmt.Errorf("max_threat_age must be positive")
	}
	if c.HandoffTimeout <= 0 {
		return fmt.Errorf("handoff_timeout must be positive")
	}
	if c.ClockSkewTolerance < 0 {
		return fmt.Errorf("clock_skew_tolerance must be non-negative")
	}
	if c.WindowCapPerMonitor <= 0 {
		return fmt.Errorf("window cap must be positive")
	}
	if c.SweepInterval <= 0 || c.SweepInterval > time.Second {
		return fmt.Errorf("sweep_interval must be in (0, 1s]")
	}
	return c.Weights.Validate()
}
