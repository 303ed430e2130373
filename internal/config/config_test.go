package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0.65, cfg.Engine.MinCorrelationConfidence)
	assert.Equal(t, 300, cfg.Engine.MaxThreatAgeSeconds)
	assert.Equal(t, 8.0, cfg.Engine.HandoffTimeoutSeconds)
	assert.Equal(t, 500, cfg.Engine.ClockSkewToleranceMS)
	assert.Equal(t, "inline", cfg.Detector.Mode)
	assert.Equal(t, 1024, cfg.Events.QueueDepth)

	ec := cfg.EngineConfig()
	assert.Equal(t, 8*time.Second, ec.HandoffTimeout)
	assert.Equal(t, 300*time.Second, ec.MaxThreatAge)
	assert.Equal(t, 500*time.Millisecond, ec.ClockSkewTolerance)
}

func TestLoad_WeightsMustSumToOne(t *testing.T) {
	path := writeConfig(t, `
engine:
  weights:
    spatial: 0.40
    temporal: 0.25
    class: 0.20
    features: 0.15
    movement: 0.10
`)
	_, err := Load(path)
	require.Error(t, err)

	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr, "weight violations are ConfigError")
}

func TestLoad_WeightsEpsilonBoundary(t *testing.T) {
	// Off by less than 1e-6: accepted.
	path := writeConfig(t, `
engine:
  weights:
    spatial: 0.3000000001
    temporal: 0.25
    class: 0.20
    features: 0.15
    movement: 0.0999999999
`)
	_, err := Load(path)
	assert.NoError(t, err)
}

func TestLoad_FileOverridesAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
engine:
  min_correlation_confidence: 0.7
workers:
  target_fps: 10
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 0.7, cfg.Engine.MinCorrelationConfidence)
	assert.Equal(t, 10, cfg.Workers.TargetFPS)
	// Untouched sections keep defaults.
	assert.Equal(t, 8.0, cfg.Engine.HandoffTimeoutSeconds)

	t.Setenv("PORT", "7070")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port, "env wins over file")
}

func TestLoad_BadYAMLRejected(t *testing.T) {
	path := writeConfig(t, "engine: [not a map")
	_, err := Load(path)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoad_InvalidRanges(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"fps out of range", "workers:\n  target_fps: 90\n"},
		{"negative handoff", "engine:\n  handoff_timeout_seconds: -1\n"},
		{"bad detector mode", "detector:\n  mode: turbo\n"},
		{"threshold above one", "detector:\n  thresholds:\n    person: 1.4\n"},
		{"bad relationship kind", "relationships:\n  - {monitor_a: \"0\", monitor_b: \"1\", kind: near, confidence_multiplier: 1.0}\n"},
		{"multiplier out of range", "relationships:\n  - {monitor_a: \"0\", monitor_b: \"1\", kind: adjacent, confidence_multiplier: 3.0}\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			var cfgErr *ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestCameraConfigs_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
cameras:
  - camera_id: "0"
    source_url: "synthetic://demo"
  - camera_id: "1"
    source_url: "rtsp://10.0.0.9/live"
    target_fps: 5
    detection_enabled: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	cams := cfg.CameraConfigs()
	require.Len(t, cams, 2)

	assert.Equal(t, cfg.Workers.TargetFPS, cams[0].TargetFPS, "defaults fill unset fields")
	assert.True(t, cams[0].DetectionEnabled)
	assert.Equal(t, 5, cams[1].TargetFPS)
	assert.False(t, cams[1].DetectionEnabled)
	assert.True(t, cams[1].AutoReconnect, "worker default carries over")
}

func TestWatch_RejectsInvalidReload(t *testing.T) {
	path := writeConfig(t, "server:\n  port: \"9191\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9191", cfg.Server.Port)

	// A reload candidate that fails validation must never reach onReload;
	// exercised via Load directly since Watch delegates to it.
	require.NoError(t, os.WriteFile(path, []byte("workers:\n  target_fps: 500\n"), 0o644))
	_, err = Load(path)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
