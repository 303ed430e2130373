package live

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/apex-engine/internal/detect"
)

const (
	// ThreatTTL bounds how stale a "latest threat" read can be; dashboards
	// poll well inside this.
	ThreatTTL = 10 * time.Second
)

// LatestThreat is the cached payload plus its age at read time.
type LatestThreat struct {
	CameraID string             `json:"camera_id"`
	TSUnixMS int64              `json:"ts_unix_ms"`
	AgeMS    int64              `json:"age_ms,omitempty"` // Computed on read
	Threat   detect.ThreatEvent `json:"threat"`
}

// Service keeps the most recent threat event per camera in Redis so the
// dashboard can render overlays without subscribing to the event stream.
type Service struct {
	Redis *redis.Client
}

func NewService(r *redis.Client) *Service {
	return &Service{Redis: r}
}

func key(cameraID string) string {
	return fmt.Sprintf("threat:latest:%s", cameraID)
}

// SaveThreat stores the latest threat for the camera with TTL.
func (s *Service) SaveThreat(ctx context.Context, te detect.ThreatEvent) error {
	payload := LatestThreat{
		CameraID: te.Observation.CameraID,
		TSUnixMS: te.Observation.Timestamp.UnixMilli(),
		Threat:   te,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.Redis.Set(ctx, key(te.Observation.CameraID), data, ThreatTTL).Err()
}

// GetLatestThreat returns the cached threat with age_ms computed, or nil
// when nothing recent exists (handlers map that to 204).
func (s *Service) GetLatestThreat(ctx context.Context, cameraID string) (*LatestThreat, error) {
	data, err := s.Redis.Get(ctx, key(cameraID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var payload LatestThreat
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, err
	}
	payload.AgeMS = time.Now().UnixMilli() - payload.TSUnixMS
	return &payload, nil
}
