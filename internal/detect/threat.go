package detect

import (
	"time"

	"github.com/technosupport/apex-engine/internal/correlate"
)

// ThreatLevel is the derived severity of one observation.
type ThreatLevel string

const (
	LevelLow      ThreatLevel = "LOW"
	LevelMedium   ThreatLevel = "MEDIUM"
	LevelHigh     ThreatLevel = "HIGH"
	LevelCritical ThreatLevel = "CRITICAL"
)

// ThreatEvent wraps an observation with its derived level. Emitted exactly
// once per observation.
type ThreatEvent struct {
	Observation correlate.Observation `json:"observation"`
	Level       ThreatLevel           `json:"threat_level"`
	RiskScore   float64               `json:"risk_score"`
}

// Risk score bucket boundaries on the [0,10] scale.
const (
	riskMedium   = 3.0
	riskHigh     = 6.0
	riskCritical = 8.0
)

// baseRisk is the class/label base severity before confidence scaling.
// Firearms sit above the CRITICAL boundary at full confidence; knives top
// out at HIGH; everything mundane starts LOW.
func baseRisk(class correlate.ObjectClass, rawLabel string) float64 {
	if class == correlate.ClassWeapon {
		if rawLabel == "knife" {
			return 6.5
		}
		return 8.5 // gun, handgun, rifle, unspecified weapon
	}
	switch class {
	case correlate.ClassPerson, correlate.ClassVehicle, correlate.ClassPackage:
		return 2.0
	default:
		return 1.0
	}
}

// DeriveThreatLevel is a pure function of (class, label, confidence, time of
// day). The risk score scales the base by confidence, the level is bucketed
// at 3/6/8, and detections in the 22:00-06:00 window are boosted one step.
func DeriveThreatLevel(class correlate.ObjectClass, rawLabel string, confidence float64, at time.Time) (ThreatLevel, float64) {
	score := baseRisk(class, rawLabel) * (0.6 + 0.4*confidence)
	if score > 10 {
		score = 10
	}

	level := LevelLow
	switch {
	case score >= riskCritical:
		level = LevelCritical
	case score >= riskHigh:
		level = LevelHigh
	case score >= riskMedium:
		level = LevelMedium
	}

	if isNight(at) {
		level = bump(level)
	}
	return level, score
}

// NewThreatEvent derives the level for obs as of its own timestamp.
func NewThreatEvent(obs correlate.Observation) ThreatEvent {
	level, score := DeriveThreatLevel(obs.Class, obs.RawLabel, obs.Confidence, obs.Timestamp)
	return ThreatEvent{Observation: obs, Level: level, RiskScore: score}
}

func isNight(t time.Time) bool {
	h := t.Hour()
	return h >= 22 || h < 6
}

func bump(l ThreatLevel) ThreatLevel {
	switch l {
	case LevelLow:
		return LevelMedium
	case LevelMedium:
		return LevelHigh
	default:
		return LevelCritical
	}
}
