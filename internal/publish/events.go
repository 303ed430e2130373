package publish

import (
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/apex-engine/internal/correlate"
	"github.com/technosupport/apex-engine/internal/detect"
	"github.com/technosupport/apex-engine/internal/stream"
)

// Event types on the subscriber stream. Every message is
// {type, timestamp, payload}.
const (
	TypeObservation         = "observation"
	TypeThreatEvent         = "threat_event"
	TypeCorrelationOpened   = "correlation_opened"
	TypeCorrelationExtended = "correlation_extended"
	TypeCorrelationClosed   = "correlation_closed"
	TypeWorkerStatus        = "worker_status"
)

// AllTypes lists every event type, in the order they appear on the wire.
var AllTypes = []string{
	TypeObservation, TypeThreatEvent,
	TypeCorrelationOpened, TypeCorrelationExtended, TypeCorrelationClosed,
	TypeWorkerStatus,
}

// Event is the wire envelope. Payload is a value copy; subscribers never
// share memory with the engine.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// CorrelationPayload is the body of the correlation_* events.
type CorrelationPayload struct {
	CorrelationID   uuid.UUID                `json:"correlation_id"`
	ObservationIDs  []uuid.UUID              `json:"observation_ids"`
	JoinedID        uuid.UUID                `json:"joined_observation_id,omitempty"`
	PriorID         uuid.UUID                `json:"prior_observation_id,omitempty"`
	ConfidenceScore float64                  `json:"confidence_score"`
	State           correlate.CorrelationState `json:"state"`
	Factors         *correlate.ScoreBreakdown  `json:"factors,omitempty"`
	Monitors        []string                 `json:"monitors"`
}

func NewObservationEvent(obs correlate.Observation) Event {
	return Event{Type: TypeObservation, Timestamp: time.Now(), Payload: obs}
}

func NewThreatEvent(te detect.ThreatEvent) Event {
	return Event{Type: TypeThreatEvent, Timestamp: time.Now(), Payload: te}
}

func NewWorkerStatusEvent(ws stream.WorkerStats) Event {
	return Event{Type: TypeWorkerStatus, Timestamp: time.Now(), Payload: ws}
}

func newCorrelationEvent(evtType string, c *correlate.Correlation, joined, prior uuid.UUID, bd *correlate.ScoreBreakdown) Event {
	return Event{
		Type:      evtType,
		Timestamp: time.Now(),
		Payload: CorrelationPayload{
			CorrelationID:   c.CorrelationID,
			ObservationIDs:  c.ObservationIDs(),
			JoinedID:        joined,
			PriorID:         prior,
			ConfidenceScore: c.ConfidenceScore,
			State:           c.State,
			Factors:         bd,
			Monitors:        c.Monitors(),
		},
	}
}

// EngineSink adapts the publisher to the correlation engine's event
// interface. All three callbacks are non-blocking because Publish is.
type EngineSink struct {
	Pub *Publisher
}

func (s EngineSink) CorrelationOpened(c *correlate.Correlation, joined, prior *correlate.Observation, bd correlate.ScoreBreakdown) {
	s.Pub.Publish(newCorrelationEvent(TypeCorrelationOpened, c, joined.ObservationID, prior.ObservationID, &bd))
}

func (s EngineSink) CorrelationExtended(c *correlate.Correlation, joined, prior *correlate.Observation, bd correlate.ScoreBreakdown) {
	s.Pub.Publish(newCorrelationEvent(TypeCorrelationExtended, c, joined.ObservationID, prior.ObservationID, &bd))
}

func (s EngineSink) CorrelationClosed(c *correlate.Correlation) {
	s.Pub.Publish(newCorrelationEvent(TypeCorrelationClosed, c, uuid.Nil, uuid.Nil, nil))
}
