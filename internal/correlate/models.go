package correlate

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidObservation  = errors.New("invalid observation")
	ErrInvalidRelationship = errors.New("invalid monitor relationship")
	ErrInvariantViolation  = errors.New("engine invariant violation")
)

// ObjectClass is the normalized detection class. Raw labels coming off the
// model (handgun, rifle, car, ...) are mapped into one of these at the
// detector boundary; anything we don't recognize becomes ClassOther.
type ObjectClass string

const (
	ClassPerson  ObjectClass = "person"
	ClassVehicle ObjectClass = "vehicle"
	ClassWeapon  ObjectClass = "weapon"
	ClassPackage ObjectClass = "package"
	ClassAnimal  ObjectClass = "animal"
	ClassOther   ObjectClass = "other"
)

// NormalizeClass maps an arbitrary label to an ObjectClass. Unknown labels
// map to ClassOther rather than being rejected.
func NormalizeClass(label string) ObjectClass {
	switch label {
	case "person":
		return ClassPerson
	case "vehicle", "car", "truck", "bus", "motorcycle", "bicycle":
		return ClassVehicle
	case "weapon", "handgun", "rifle", "gun", "knife", "weapon_detection":
		return ClassWeapon
	case "package", "bag", "package_theft":
		return ClassPackage
	case "animal", "cat", "dog", "bird":
		return ClassAnimal
	default:
		return ClassOther
	}
}

// BBox is a normalized bounding box, x/y/w/h in [0..1] relative to the frame.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Center returns the box center point in normalized coordinates.
func (b BBox) Center() (float64, float64) {
	return b.X + b.W/2, b.Y + b.H/2
}

func (b BBox) valid() bool {
	if b.X < 0 || b.X > 1 || b.Y < 0 || b.Y > 1 {
		return false
	}
	if b.W <= 0 || b.H <= 0 {
		return false
	}
	return b.X+b.W <= 1.0000001 && b.Y+b.H <= 1.0000001
}

// Vector is a 2D movement vector (dx/dt, dy/dt) in normalized units/second.
type Vector struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

func (v Vector) norm() float64 {
	return math.Hypot(v.DX, v.DY)
}

// Observation is one detection in one frame on one camera. This is the
// engine's unit of input; the window, scoring and correlations all operate
// on Observations.
type Observation struct {
	ObservationID  uuid.UUID          `json:"observation_id"`
	CameraID       string             `json:"camera_id"`
	ZoneID         string             `json:"zone_id,omitempty"`
	Class          ObjectClass        `json:"class"`
	RawLabel       string             `json:"raw_label,omitempty"`
	Confidence     float64            `json:"confidence"`
	BBox           BBox               `json:"bbox"`
	MovementVector *Vector            `json:"movement_vector,omitempty"`
	Features       map[string]float64 `json:"features,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// Validate rejects observations the engine must not admit. A failed
// validation never mutates engine state.
func (o *Observation) Validate() error {
	if o == nil {
		return fmt.Errorf("%w: nil", ErrInvalidObservation)
	}
	if o.ObservationID == uuid.Nil {
		return fmt.Errorf("%w: missing observation_id", ErrInvalidObservation)
	}
	if o.CameraID == "" {
		return fmt.Errorf("%w: missing camera_id", ErrInvalidObservation)
	}
	if o.Class == "" {
		return fmt.Errorf("%w: missing class", ErrInvalidObservation)
	}
	if o.Confidence < 0 || o.Confidence > 1 {
		return fmt.Errorf("%w: confidence %f out of range", ErrInvalidObservation, o.Confidence)
	}
	if !o.BBox.valid() {
		return fmt.Errorf("%w: bbox out of bounds", ErrInvalidObservation)
	}
	if o.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidObservation)
	}
	return nil
}

// RelationshipKind describes how two monitors are physically related.
type RelationshipKind string

const (
	KindAdjacent    RelationshipKind = "adjacent"
	KindSequential  RelationshipKind = "sequential"
	KindOverlapping RelationshipKind = "overlapping"
)

func (k RelationshipKind) valid() bool {
	switch k {
	case KindAdjacent, KindSequential, KindOverlapping:
		return true
	}
	return false
}

// MonitorRelationship is a declared spatial connection between two cameras.
// Registration is symmetric: (a,b) implies (b,a). Unregistered pairs are
// implicitly unrelated and never correlate.
type MonitorRelationship struct {
	MonitorA             string           `json:"monitor_a"`
	MonitorB             string           `json:"monitor_b"`
	Kind                 RelationshipKind `json:"kind"`
	ConfidenceMultiplier float64          `json:"confidence_multiplier"`
}

func (r MonitorRelationship) Validate() error {
	if r.MonitorA == "" || r.MonitorB == "" {
		return fmt.Errorf("%w: missing monitor id", ErrInvalidRelationship)
	}
	if r.MonitorA == r.MonitorB {
		return fmt.Errorf("%w: self relationship", ErrInvalidRelationship)
	}
	if !r.Kind.valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRelationship, r.Kind)
	}
	if r.ConfidenceMultiplier < 0.5 || r.ConfidenceMultiplier > 2.0 {
		return fmt.Errorf("%w: confidence_multiplier %f out of [0.5, 2.0]", ErrInvalidRelationship, r.ConfidenceMultiplier)
	}
	return nil
}

// CorrelationState tracks whether a correlation is still accepting joins.
type CorrelationState string

const (
	StateOpen   CorrelationState = "open"
	StateClosed CorrelationState = "closed"
)

// Correlation is a cross-monitor track: an ordered set of observations on
// at least two distinct cameras believed to represent one physical actor.
type Correlation struct {
	CorrelationID   uuid.UUID        `json:"correlation_id"`
	Observations    []*Observation   `json:"observations"`
	ConfidenceScore float64          `json:"confidence_score"`
	OpenedAt        time.Time        `json:"opened_at"`
	LastUpdated     time.Time        `json:"last_updated"`
	State           CorrelationState `json:"state"`

	// joinCount backs the running-mean update of ConfidenceScore.
	joinCount int
}

// ObservationIDs returns the ids of all member observations in join order.
func (c *Correlation) ObservationIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(c.Observations))
	for i, o := range c.Observations {
		ids[i] = o.ObservationID
	}
	return ids
}

// Monitors returns the distinct camera ids participating in the track.
func (c *Correlation) Monitors() []string {
	seen := make(map[string]bool, len(c.Observations))
	out := make([]string, 0, 2)
	for _, o := range c.Observations {
		if !seen[o.CameraID] {
			seen[o.CameraID] = true
			out = append(out, o.CameraID)
		}
	}
	return out
}

// ScoreBreakdown carries the per-factor components of a join score, emitted
// with every correlation event so operators can see why two observations
// were fused.
type ScoreBreakdown struct {
	Spatial  float64 `json:"spatial"`
	Temporal float64 `json:"temporal"`
	Class    float64 `json:"class"`
	Features float64 `json:"features"`
	Movement float64 `json:"movement"`
	Total    float64 `json:"total"`
}
