package stream

import "time"

// Frame is one decoded video frame. Data is a single-plane grayscale buffer
// (width*height bytes); the detector only needs luminance. FrameID is
// strictly increasing within a worker's run and restarts at 1 after
// Stop/Start.
type Frame struct {
	CameraID  string
	FrameID   uint64
	Timestamp time.Time
	Data      []byte
	Width     int
	Height    int
}

// CameraConfig describes one camera's participation in the fleet. Immutable
// while the worker runs; changing it means Remove + Add.
type CameraConfig struct {
	CameraID         string `json:"camera_id"`
	SourceURL        string `json:"source_url"`
	TargetFPS        int    `json:"target_fps"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	BufferDepth      int    `json:"buffer_depth"`
	AutoReconnect    bool   `json:"auto_reconnect"`
	DetectionEnabled bool   `json:"detection_enabled"`
}

// Normalize fills unset (zero) fields from defaults. It does not clamp
// out-of-range values; validation happens in Manager.Validate.
func (c *CameraConfig) Normalize(defaults CameraConfig) {
	if c.TargetFPS == 0 {
		c.TargetFPS = defaults.TargetFPS
	}
	if c.BufferDepth == 0 {
		c.BufferDepth = defaults.BufferDepth
	}
	if c.Width == 0 {
		c.Width = defaults.Width
	}
	if c.Height == 0 {
		c.Height = defaults.Height
	}
}
