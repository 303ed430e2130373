package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/technosupport/apex-engine/internal/correlate"
	"github.com/technosupport/apex-engine/internal/detect"
	"github.com/technosupport/apex-engine/internal/stream"
)

// ConfigError marks startup/control-plane input that must be rejected
// before any state mutates. The runner maps it to exit code 2.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error (%s): %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config error: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErr(field string, format string, args ...any) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

type ServerConfig struct {
	Port          string `yaml:"port"`
	JWTSigningKey string `yaml:"-"` // env only, never in the file
	ServiceToken  string `yaml:"-"` // env only
}

type EngineConfig struct {
	MinCorrelationConfidence float64           `yaml:"min_correlation_confidence"`
	MaxThreatAgeSeconds      int               `yaml:"max_threat_age_seconds"`
	HandoffTimeoutSeconds    float64           `yaml:"handoff_timeout_seconds"`
	ClockSkewToleranceMS     int               `yaml:"clock_skew_tolerance_ms"`
	WindowCapPerMonitor      int               `yaml:"window_cap_per_monitor"`
	SweepIntervalMS          int               `yaml:"sweep_interval_ms"`
	Weights                  correlate.Weights `yaml:"weights"`
}

type WorkersConfig struct {
	TargetFPS     int  `yaml:"target_fps"`
	BufferDepth   int  `yaml:"buffer_depth"`
	Width         int  `yaml:"width"`
	Height        int  `yaml:"height"`
	AutoReconnect bool `yaml:"auto_reconnect"`
}

type DetectorConfig struct {
	ModelDir      string             `yaml:"model_dir"`
	RequireModel  bool               `yaml:"require_model"`
	MaxDetections int                `yaml:"max_detections"`
	Thresholds    map[string]float64 `yaml:"thresholds"`
	// Mode is "inline" (worker-thread inference) or "pool" (shared worker
	// pool); PoolSize applies to pool mode.
	Mode     string `yaml:"mode"`
	PoolSize int    `yaml:"pool_size"`
}

type EventsConfig struct {
	QueueDepth  int    `yaml:"queue_depth"`
	NATSPrefix  string `yaml:"nats_prefix"`
	NATSRetries int    `yaml:"nats_retries"`
}

type IngestConfig struct {
	Enabled     bool   `yaml:"enabled"`
	NATSSubject string `yaml:"nats_subject"`
}

type RelationshipConfig struct {
	MonitorA             string  `yaml:"monitor_a"`
	MonitorB             string  `yaml:"monitor_b"`
	Kind                 string  `yaml:"kind"`
	ConfidenceMultiplier float64 `yaml:"confidence_multiplier"`
}

type CameraEntry struct {
	CameraID         string `yaml:"camera_id"`
	SourceURL        string `yaml:"source_url"`
	TargetFPS        int    `yaml:"target_fps"`
	Width            int    `yaml:"width"`
	Height           int    `yaml:"height"`
	BufferDepth      int    `yaml:"buffer_depth"`
	AutoReconnect    *bool  `yaml:"auto_reconnect"`
	DetectionEnabled *bool  `yaml:"detection_enabled"`
}

// Config is the full runner configuration.
type Config struct {
	Server        ServerConfig         `yaml:"server"`
	Engine        EngineConfig         `yaml:"engine"`
	Workers       WorkersConfig        `yaml:"workers"`
	Detector      DetectorConfig       `yaml:"detector"`
	Events        EventsConfig         `yaml:"events"`
	Ingest        IngestConfig         `yaml:"ingest"`
	Relationships []RelationshipConfig `yaml:"relationships"`
	Cameras       []CameraEntry        `yaml:"cameras"`
}

// Default returns the documented defaults; Load layers the file and env on
// top of this.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: "8080"},
		Engine: EngineConfig{
			MinCorrelationConfidence: 0.65,
			MaxThreatAgeSeconds:      300,
			HandoffTimeoutSeconds:    8,
			ClockSkewToleranceMS:     500,
			WindowCapPerMonitor:      256,
			SweepIntervalMS:          500,
			Weights:                  correlate.DefaultWeights(),
		},
		Workers: WorkersConfig{
			TargetFPS:     15,
			BufferDepth:   8,
			Width:         640,
			Height:        360,
			AutoReconnect: true,
		},
		Detector: DetectorConfig{
			MaxDetections: 100,
			Mode:          "inline",
			PoolSize:      4,
			Thresholds: map[string]float64{
				"person": 0.5, "vehicle": 0.6, "weapon": 0.3, "other": 0.5,
			},
		},
		Events: EventsConfig{QueueDepth: 1024, NATSPrefix: "apex.events", NATSRetries: 3},
		Ingest: IngestConfig{Enabled: true, NATSSubject: "apex.observations.>"},
	}
}

// Load reads path (optional), applies env overrides and validates. Any
// failure is a *ConfigError; nothing downstream is constructed from a
// config that didn't pass here.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, configErr("file", "read %s: %v", path, err)
			}
			// Missing file: run on defaults, same as the teacher services.
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, configErr("file", "parse %s: %v", path, err)
		}
	}

	// Env overrides (secrets and addresses never live in the file)
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	cfg.Server.JWTSigningKey = os.Getenv("JWT_SIGNING_KEY")
	if cfg.Server.JWTSigningKey == "" {
		cfg.Server.JWTSigningKey = "dev-secret-do-not-use-in-prod"
	}
	cfg.Server.ServiceToken = os.Getenv("SERVICE_TOKEN")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Engine.Weights.Validate(); err != nil {
		return &ConfigError{Field: "engine.weights", Err: err}
	}
	if c.Engine.MinCorrelationConfidence < 0 || c.Engine.MinCorrelationConfidence > 1 {
		return configErr("engine.min_correlation_confidence", "%f out of [0,1]", c.Engine.MinCorrelationConfidence)
	}
	if c.Engine.HandoffTimeoutSeconds <= 0 {
		return configErr("engine.handoff_timeout_seconds", "must be positive")
	}
	if c.Engine.MaxThreatAgeSeconds <= 0 {
		return configErr("engine.max_threat_age_seconds", "must be positive")
	}
	if c.Workers.TargetFPS < 1 || c.Workers.TargetFPS > 60 {
		return configErr("workers.target_fps", "%d out of [1,60]", c.Workers.TargetFPS)
	}
	if c.Detector.MaxDetections <= 0 {
		return configErr("detector.max_detections", "must be positive")
	}
	for class, th := range c.Detector.Thresholds {
		if th < 0 || th > 1 {
			return configErr("detector.thresholds", "%s=%f out of [0,1]", class, th)
		}
	}
	if c.Detector.Mode != "inline" && c.Detector.Mode != "pool" {
		return configErr("detector.mode", "must be inline or pool, got %q", c.Detector.Mode)
	}
	for i, r := range c.Relationships {
		rel := r.ToModel()
		if err := rel.Validate(); err != nil {
			return &ConfigError{Field: fmt.Sprintf("relationships[%d]", i), Err: err}
		}
	}
	return nil
}

func (r RelationshipConfig) ToModel() correlate.MonitorRelationship {
	return correlate.MonitorRelationship{
		MonitorA:             r.MonitorA,
		MonitorB:             r.MonitorB,
		Kind:                 correlate.RelationshipKind(r.Kind),
		ConfidenceMultiplier: r.ConfidenceMultiplier,
	}
}

// EngineConfig converts to the correlate package's runtime config.
func (c *Config) EngineConfig() correlate.EngineConfig {
	ec := correlate.DefaultEngineConfig()
	ec.MinCorrelationConfidence = c.Engine.MinCorrelationConfidence
	ec.MaxThreatAge = time.Duration(c.Engine.MaxThreatAgeSeconds) * time.Second
	ec.HandoffTimeout = time.Duration(c.Engine.HandoffTimeoutSeconds * float64(time.Second))
	ec.ClockSkewTolerance = time.Duration(c.Engine.ClockSkewToleranceMS) * time.Millisecond
	ec.WindowCapPerMonitor = c.Engine.WindowCapPerMonitor
	ec.SweepInterval = time.Duration(c.Engine.SweepIntervalMS) * time.Millisecond
	ec.Weights = c.Engine.Weights
	return ec
}

// DetectorConfig converts to the detect package's runtime config.
func (c *Config) DetectorConfig() detect.Config {
	dc := detect.DefaultConfig()
	dc.ModelDir = c.Detector.ModelDir
	dc.RequireModel = c.Detector.RequireModel
	dc.MaxDetections = c.Detector.MaxDetections
	for class, th := range c.Detector.Thresholds {
		dc.Thresholds[correlate.ObjectClass(class)] = th
	}
	return dc
}

// WorkerDefaults converts to the stream package's default camera config.
func (c *Config) WorkerDefaults() stream.CameraConfig {
	return stream.CameraConfig{
		TargetFPS:     c.Workers.TargetFPS,
		BufferDepth:   c.Workers.BufferDepth,
		Width:         c.Workers.Width,
		Height:        c.Workers.Height,
		AutoReconnect: c.Workers.AutoReconnect,
	}
}

// CameraConfigs expands the static camera entries with worker defaults.
func (c *Config) CameraConfigs() []stream.CameraConfig {
	defaults := c.WorkerDefaults()
	out := make([]stream.CameraConfig, 0, len(c.Cameras))
	for _, e := range c.Cameras {
		cc := stream.CameraConfig{
			CameraID:         e.CameraID,
			SourceURL:        e.SourceURL,
			TargetFPS:        e.TargetFPS,
			Width:            e.Width,
			Height:           e.Height,
			BufferDepth:      e.BufferDepth,
			AutoReconnect:    defaults.AutoReconnect,
			DetectionEnabled: true,
		}
		if e.AutoReconnect != nil {
			cc.AutoReconnect = *e.AutoReconnect
		}
		if e.DetectionEnabled != nil {
			cc.DetectionEnabled = *e.DetectionEnabled
		}
		cc.Normalize(defaults)
		out = append(out, cc)
	}
	return out
}
