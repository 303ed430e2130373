package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/technosupport/apex-engine/internal/correlate"
	"github.com/technosupport/apex-engine/internal/pipeline"
)

const (
	// MaxPayloadSize bounds one observation message.
	MaxPayloadSize = 8 * 1024
)

// ObservationPayload is the untyped wire shape external detectors publish
// on apex.observations.<camera_id>. Everything is validated and normalized
// into a correlate.Observation before the engine sees it; unknown classes
// map to "other" rather than being rejected.
type ObservationPayload struct {
	ObservationID string             `json:"observation_id,omitempty"`
	CameraID      string             `json:"camera_id"`
	ZoneID        string             `json:"zone_id,omitempty"`
	Class         string             `json:"class"`
	Confidence    float64            `json:"confidence"`
	BBox          correlate.BBox     `json:"bbox"`
	Movement      *correlate.Vector  `json:"movement_vector,omitempty"`
	Features      map[string]float64 `json:"features,omitempty"`
	TSUnixMS      int64              `json:"ts_unix_ms"`
}

// Normalize validates the payload and produces the typed observation.
func (p *ObservationPayload) Normalize() (*correlate.Observation, error) {
	if p.CameraID == "" {
		return nil, fmt.Errorf("%w: missing camera_id", correlate.ErrInvalidObservation)
	}
	if p.TSUnixMS <= 0 {
		return nil, fmt.Errorf("%w: missing ts_unix_ms", correlate.ErrInvalidObservation)
	}

	id := uuid.New()
	if p.ObservationID != "" {
		parsed, err := uuid.Parse(p.ObservationID)
		if err != nil {
			return nil, fmt.Errorf("%w: bad observation_id: %v", correlate.ErrInvalidObservation, err)
		}
		id = parsed
	}

	obs := &correlate.Observation{
		ObservationID:  id,
		CameraID:       p.CameraID,
		ZoneID:         p.ZoneID,
		Class:          correlate.NormalizeClass(p.Class),
		RawLabel:       p.Class,
		Confidence:     p.Confidence,
		BBox:           p.BBox,
		MovementVector: p.Movement,
		Features:       p.Features,
		Timestamp:      time.UnixMilli(p.TSUnixMS),
	}
	if err := obs.Validate(); err != nil {
		return nil, err
	}
	return obs, nil
}

// Stats counts the subscription's accept/reject totals.
type Stats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

// Subscriber feeds externally produced observations into the pipeline.
// This is the path a GPU inference sidecar uses instead of the in-process
// detector.
type Subscriber struct {
	pipe *pipeline.Pipeline
	sub  *nats.Subscription

	accepted uint64
	rejected uint64
}

// Start subscribes to subject on nc. Message handling is best-effort: a bad
// payload is logged and dropped, it never stalls the subscription.
func Start(ctx context.Context, nc *nats.Conn, subject string, pipe *pipeline.Pipeline) (*Subscriber, error) {
	s := &Subscriber{pipe: pipe}

	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		if len(msg.Data) > MaxPayloadSize {
			s.rejected++
			log.Printf("[Ingest] Payload too large on %s: %d bytes", msg.Subject, len(msg.Data))
			return
		}
		var payload ObservationPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			s.rejected++
			log.Printf("[Ingest] Bad JSON on %s: %v", msg.Subject, err)
			return
		}
		obs, err := payload.Normalize()
		if err != nil {
			s.rejected++
			log.Printf("[Ingest] Rejected observation on %s: %v", msg.Subject, err)
			return
		}
		s.accepted++
		pipe.Admit(ctx, obs)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub
	log.Printf("[Ingest] Subscribed to %s", subject)
	return s, nil
}

func (s *Subscriber) Stats() Stats {
	return Stats{Accepted: s.accepted, Rejected: s.rejected}
}

// Stop drains the subscription.
func (s *Subscriber) Stop() {
	if s.sub != nil {
		s.sub.Drain()
	}
}
