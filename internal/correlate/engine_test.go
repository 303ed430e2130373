package correlate

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSink records events in arrival order.
type testSink struct {
	mu       sync.Mutex
	opened   []CorrelationPayloadLite
	extended []CorrelationPayloadLite
	closed   []uuid.UUID
}

type CorrelationPayloadLite struct {
	CorrelationID uuid.UUID
	Joined        uuid.UUID
	Breakdown     ScoreBreakdown
}

func (s *testSink) CorrelationOpened(c *Correlation, joined, prior *Observation, bd ScoreBreakdown) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, CorrelationPayloadLite{c.CorrelationID, joined.ObservationID, bd})
}

func (s *testSink) CorrelationExtended(c *Correlation, joined, prior *Observation, bd ScoreBreakdown) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extended = append(s.extended, CorrelationPayloadLite{c.CorrelationID, joined.ObservationID, bd})
}

func (s *testSink) CorrelationClosed(c *Correlation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, c.CorrelationID)
}

func newTestEngine(t *testing.T, sink EventSink) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultEngineConfig(), sink)
	require.NoError(t, err)
	return e
}

func mustRegister(t *testing.T, e *Engine, a, b string, kind RelationshipKind, mult float64) {
	t.Helper()
	require.NoError(t, e.RegisterRelationship(MonitorRelationship{
		MonitorA: a, MonitorB: b, Kind: kind, ConfidenceMultiplier: mult,
	}))
}

func personObs(camera string, ts time.Time, conf float64, bbox BBox, mv *Vector) *Observation {
	return &Observation{
		ObservationID:  uuid.New(),
		CameraID:       camera,
		Class:          ClassPerson,
		RawLabel:       "person",
		Confidence:     conf,
		BBox:           bbox,
		MovementVector: mv,
		Timestamp:      ts,
	}
}

// S1: person handoff between adjacent monitors 3.5s apart correlates.
func TestAnalyze_CrossMonitorPersonHandoff(t *testing.T) {
	sink := &testSink{}
	e := newTestEngine(t, sink)
	mustRegister(t, e, "0", "1", KindAdjacent, 1.3)

	base := time.Now().Add(-time.Minute)

	obsA := personObs("0", base, 0.78, BBox{X: 0.23, Y: 0.21, W: 0.12, H: 0.33}, &Vector{DX: 2.5, DY: 0.5})
	obsB := personObs("1", base.Add(3500*time.Millisecond), 0.82, BBox{X: 0.31, Y: 0.25, W: 0.13, H: 0.34}, &Vector{DX: 1.8, DY: -0.3})

	c, err := e.Analyze(obsA)
	require.NoError(t, err)
	assert.Nil(t, c, "first observation has no partner yet")

	c, err = e.Analyze(obsB)
	require.NoError(t, err)
	require.NotNil(t, c, "expected correlation")

	assert.GreaterOrEqual(t, c.ConfidenceScore, 0.65)
	assert.Len(t, c.Observations, 2)
	assert.ElementsMatch(t, []string{"0", "1"}, c.Monitors())

	require.Len(t, sink.opened, 1)
	bd := sink.opened[0].Breakdown
	assert.GreaterOrEqual(t, bd.Spatial, 0.6)
	assert.InDelta(t, 0.5625, bd.Temporal, 0.01)
	assert.Equal(t, 1.0, bd.Class)
}

// S2: 12s gap exceeds the 8s handoff window; no correlation.
func TestAnalyze_OutsideHandoffWindow(t *testing.T) {
	sink := &testSink{}
	e := newTestEngine(t, sink)
	mustRegister(t, e, "0", "1", KindAdjacent, 1.3)

	base := time.Now().Add(-time.Minute)
	_, err := e.Analyze(personObs("0", base, 0.78, BBox{X: 0.23, Y: 0.21, W: 0.12, H: 0.33}, nil))
	require.NoError(t, err)

	c, err := e.Analyze(personObs("1", base.Add(12*time.Second), 0.82, BBox{X: 0.31, Y: 0.25, W: 0.13, H: 0.34}, nil))
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Empty(t, sink.opened)

	// Observation still entered the window.
	assert.Equal(t, 2, e.Stats().WindowSize)
}

// S3: unregistered monitor pair never correlates regardless of similarity.
func TestAnalyze_UnregisteredPair(t *testing.T) {
	e := newTestEngine(t, NopSink{})

	base := time.Now().Add(-time.Minute)
	bbox := BBox{X: 0.3, Y: 0.3, W: 0.1, H: 0.3}
	_, err := e.Analyze(personObs("0", base, 0.9, bbox, nil))
	require.NoError(t, err)

	c, err := e.Analyze(personObs("3", base.Add(time.Second), 0.9, bbox, nil))
	require.NoError(t, err)
	assert.Nil(t, c)
}

// S4: weapon handoff correlates and Analyze stays inside the 500ms budget.
func TestAnalyze_WeaponHandoffWithinBudget(t *testing.T) {
	e := newTestEngine(t, NopSink{})
	mustRegister(t, e, "0", "1", KindAdjacent, 1.3)

	base := time.Now().Add(-time.Minute)
	a := &Observation{
		ObservationID: uuid.New(), CameraID: "0", Class: ClassWeapon, RawLabel: "handgun",
		Confidence: 0.92, BBox: BBox{X: 0.28, Y: 0.12, W: 0.14, H: 0.28},
		MovementVector: &Vector{DX: 0.5, DY: 1.8}, Timestamp: base,
	}
	b := &Observation{
		ObservationID: uuid.New(), CameraID: "1", Class: ClassWeapon, RawLabel: "handgun",
		Confidence: 0.94, BBox: BBox{X: 0.34, Y: 0.16, W: 0.15, H: 0.29},
		MovementVector: &Vector{DX: 0.2, DY: 1.5}, Timestamp: base.Add(1800 * time.Millisecond),
	}

	_, err := e.Analyze(a)
	require.NoError(t, err)
	c, err := e.Analyze(b)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.LessOrEqual(t, e.LastProcessingTime(), 500*time.Millisecond)
}

// S5: identical scores prefer the more recent candidate; a still-standing
// tie prefers the relationship with the larger multiplier.
func TestAnalyze_TieBreakPrefersRecency(t *testing.T) {
	e := newTestEngine(t, NopSink{})
	mustRegister(t, e, "1", "2", KindAdjacent, 1.3)

	base := time.Now().Add(-time.Minute)
	bbox := BBox{X: 0.4, Y: 0.4, W: 0.1, H: 0.2}

	// Two candidates on monitor 1, identical except age. Same bbox, class,
	// no features/movement: the only differing factor input would be
	// temporal, so equalize by symmetric offsets around the incoming obs.
	older := personObs("1", base.Add(-2*time.Second), 0.8, bbox, nil)
	newer := personObs("1", base.Add(2*time.Second), 0.8, bbox, nil)

	_, err := e.Analyze(older)
	require.NoError(t, err)
	_, err = e.Analyze(newer)
	require.NoError(t, err)

	incoming := personObs("2", base, 0.8, bbox, nil)
	c, err := e.Analyze(incoming)
	require.NoError(t, err)
	require.NotNil(t, c)

	// The winning partner is the more recent candidate.
	ids := c.ObservationIDs()
	require.Len(t, ids, 2)
	assert.Contains(t, ids, newer.ObservationID)
	assert.NotContains(t, ids, older.ObservationID)
}

// S6: an idle correlation closes within the sweep of the 8s boundary.
func TestSweep_ClosesIdleCorrelation(t *testing.T) {
	sink := &testSink{}
	e := newTestEngine(t, sink)
	mustRegister(t, e, "0", "1", KindAdjacent, 1.3)

	base := time.Now().Add(-time.Minute)
	bbox := BBox{X: 0.3, Y: 0.3, W: 0.1, H: 0.3}
	_, err := e.Analyze(personObs("0", base, 0.78, bbox, nil))
	require.NoError(t, err)
	c, err := e.Analyze(personObs("1", base.Add(2*time.Second), 0.82, bbox, nil))
	require.NoError(t, err)
	require.NotNil(t, c)

	// Not yet idle: nothing closes.
	e.SweepAt(c.LastUpdated.Add(7 * time.Second))
	assert.Empty(t, sink.closed)

	// 9s idle: past the 8s handoff timeout.
	e.SweepAt(c.LastUpdated.Add(9 * time.Second))
	require.Len(t, sink.closed, 1)
	assert.Equal(t, c.CorrelationID, sink.closed[0])
	assert.Equal(t, StateClosed, c.State)

	// Terminal: a second sweep emits nothing more.
	e.SweepAt(c.LastUpdated.Add(20 * time.Second))
	assert.Len(t, sink.closed, 1)
}

func TestAnalyze_IdempotentReplay(t *testing.T) {
	sink := &testSink{}
	e := newTestEngine(t, sink)
	mustRegister(t, e, "0", "1", KindAdjacent, 1.3)

	base := time.Now().Add(-time.Minute)
	bbox := BBox{X: 0.3, Y: 0.3, W: 0.1, H: 0.3}
	a := personObs("0", base, 0.78, bbox, nil)
	b := personObs("1", base.Add(2*time.Second), 0.82, bbox, nil)

	_, err := e.Analyze(a)
	require.NoError(t, err)
	c1, err := e.Analyze(b)
	require.NoError(t, err)
	require.NotNil(t, c1)

	// Replaying b: same outcome, no new event, no window growth.
	c2, err := e.Analyze(b)
	require.NoError(t, err)
	require.NotNil(t, c2)
	assert.Equal(t, c1.CorrelationID, c2.CorrelationID)
	assert.Len(t, sink.opened, 1)
	assert.Empty(t, sink.extended)
	assert.Equal(t, 2, e.Stats().WindowSize)

	// Replaying a (which joined but wasn't the trigger) is also idempotent.
	c3, err := e.Analyze(a)
	require.NoError(t, err)
	require.NotNil(t, c3)
	assert.Equal(t, c1.CorrelationID, c3.CorrelationID)
}

func TestAnalyze_ExtendsExistingCorrelation(t *testing.T) {
	sink := &testSink{}
	e := newTestEngine(t, sink)
	mustRegister(t, e, "0", "1", KindAdjacent, 1.3)
	mustRegister(t, e, "1", "2", KindAdjacent, 1.3)

	base := time.Now().Add(-time.Minute)
	bbox := BBox{X: 0.3, Y: 0.3, W: 0.1, H: 0.3}

	_, err := e.Analyze(personObs("0", base, 0.8, bbox, nil))
	require.NoError(t, err)
	c, err := e.Analyze(personObs("1", base.Add(2*time.Second), 0.8, bbox, nil))
	require.NoError(t, err)
	require.NotNil(t, c)

	c2, err := e.Analyze(personObs("2", base.Add(4*time.Second), 0.8, bbox, nil))
	require.NoError(t, err)
	require.NotNil(t, c2)

	assert.Equal(t, c.CorrelationID, c2.CorrelationID)
	assert.Len(t, c2.Observations, 3)
	require.Len(t, sink.opened, 1)
	require.Len(t, sink.extended, 1)

	// Confidence is the running mean of join scores, still within [0,1].
	assert.GreaterOrEqual(t, c2.ConfidenceScore, 0.0)
	assert.LessOrEqual(t, c2.ConfidenceScore, 1.0)
}

func TestAnalyze_RejectsBadInputWithoutMutation(t *testing.T) {
	e := newTestEngine(t, NopSink{})
	mustRegister(t, e, "0", "1", KindAdjacent, 1.3)

	cases := []struct {
		name string
		obs  *Observation
	}{
		{"missing id", &Observation{CameraID: "0", Class: ClassPerson, Confidence: 0.8, BBox: BBox{X: 0.1, Y: 0.1, W: 0.1, H: 0.1}, Timestamp: time.Now()}},
		{"missing camera", &Observation{ObservationID: uuid.New(), Class: ClassPerson, Confidence: 0.8, BBox: BBox{X: 0.1, Y: 0.1, W: 0.1, H: 0.1}, Timestamp: time.Now()}},
		{"confidence over 1", &Observation{ObservationID: uuid.New(), CameraID: "0", Class: ClassPerson, Confidence: 1.2, BBox: BBox{X: 0.1, Y: 0.1, W: 0.1, H: 0.1}, Timestamp: time.Now()}},
		{"bbox out of bounds", &Observation{ObservationID: uuid.New(), CameraID: "0", Class: ClassPerson, Confidence: 0.8, BBox: BBox{X: 0.9, Y: 0.1, W: 0.5, H: 0.1}, Timestamp: time.Now()}},
		{"zero timestamp", &Observation{ObservationID: uuid.New(), CameraID: "0", Class: ClassPerson, Confidence: 0.8, BBox: BBox{X: 0.1, Y: 0.1, W: 0.1, H: 0.1}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := e.Analyze(tc.obs)
			assert.ErrorIs(t, err, ErrInvalidObservation)
			assert.Nil(t, c)
		})
	}
	assert.Equal(t, 0, e.Stats().WindowSize, "rejected input must not mutate state")
}

func TestRegisterRelationship_SymmetricAndIdempotent(t *testing.T) {
	e := newTestEngine(t, NopSink{})
	mustRegister(t, e, "0", "1", KindAdjacent, 1.3)
	mustRegister(t, e, "0", "1", KindAdjacent, 1.3) // no-op

	rels := e.Relationships()
	assert.Len(t, rels, 2, "both directions registered")
	assert.Equal(t, 1, e.Stats().MonitorRelationships)
}

func TestRegisterRelationship_Validation(t *testing.T) {
	e := newTestEngine(t, NopSink{})

	err := e.RegisterRelationship(MonitorRelationship{MonitorA: "0", MonitorB: "1", Kind: "near", ConfidenceMultiplier: 1.0})
	assert.ErrorIs(t, err, ErrInvalidRelationship)

	err = e.RegisterRelationship(MonitorRelationship{MonitorA: "0", MonitorB: "1", Kind: KindAdjacent, ConfidenceMultiplier: 2.5})
	assert.ErrorIs(t, err, ErrInvalidRelationship)

	err = e.RegisterRelationship(MonitorRelationship{MonitorA: "0", MonitorB: "0", Kind: KindAdjacent, ConfidenceMultiplier: 1.0})
	assert.ErrorIs(t, err, ErrInvalidRelationship)
}

// Boundary: a time delta exactly at the handoff timeout is still eligible.
func TestAnalyze_DeltaExactlyAtHandoffTimeout(t *testing.T) {
	e := newTestEngine(t, NopSink{})
	// High multiplier so the decayed temporal factor doesn't sink the total.
	mustRegister(t, e, "0", "1", KindOverlapping, 1.6)

	base := time.Now().Add(-time.Minute)
	bbox := BBox{X: 0.3, Y: 0.3, W: 0.1, H: 0.3}
	feat := map[string]float64{"object_size": 0.03, "aspect_ratio": 0.33}

	a := personObs("0", base, 0.9, bbox, nil)
	a.Features = feat
	b := personObs("1", base.Add(8*time.Second), 0.9, bbox, nil)
	b.Features = feat

	_, err := e.Analyze(a)
	require.NoError(t, err)
	c, err := e.Analyze(b)
	require.NoError(t, err)
	assert.NotNil(t, c, "dt == handoff_timeout must remain eligible")
}

// Boundary: a score exactly at min_correlation_confidence counts (>=, not >).
func TestScoreAtThresholdCorrelates(t *testing.T) {
	bbox := BBox{X: 0.3, Y: 0.3, W: 0.1, H: 0.3}
	base := time.Now().Add(-time.Minute)

	// First pass: learn the exact score this pair produces.
	probe := newTestEngine(t, NopSink{})
	mustRegister(t, probe, "0", "1", KindAdjacent, 1.0)
	_, err := probe.Analyze(personObs("0", base, 0.9, bbox, nil))
	require.NoError(t, err)
	c, err := probe.Analyze(personObs("1", base, 0.9, bbox, nil))
	require.NoError(t, err)
	require.NotNil(t, c)

	// Second pass: threshold set to exactly that score still correlates.
	cfg := DefaultEngineConfig()
	cfg.MinCorrelationConfidence = c.ConfidenceScore
	e, err := NewEngine(cfg, NopSink{})
	require.NoError(t, err)
	mustRegister(t, e, "0", "1", KindAdjacent, 1.0)

	_, err = e.Analyze(personObs("0", base, 0.9, bbox, nil))
	require.NoError(t, err)
	c2, err := e.Analyze(personObs("1", base, 0.9, bbox, nil))
	require.NoError(t, err)
	assert.NotNil(t, c2, "score == min_correlation_confidence must correlate")
}

// Invariant 1+2: every accepted observation belongs to at most one
// correlation, and every correlation spans >= 2 observations on >= 2
// monitors.
func TestInvariants_AfterBurst(t *testing.T) {
	e := newTestEngine(t, NopSink{})
	mustRegister(t, e, "0", "1", KindAdjacent, 1.3)
	mustRegister(t, e, "1", "2", KindSequential, 1.2)
	mustRegister(t, e, "0", "2", KindOverlapping, 1.4)

	base := time.Now().Add(-time.Minute)
	monitors := []string{"0", "1", "2"}
	for i := 0; i < 60; i++ {
		m := monitors[i%3]
		bbox := BBox{X: 0.1 + float64(i%5)*0.1, Y: 0.2, W: 0.1, H: 0.3}
		_, err := e.Analyze(personObs(m, base.Add(time.Duration(i)*700*time.Millisecond), 0.8, bbox, nil))
		require.NoError(t, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	seen := make(map[uuid.UUID]uuid.UUID)
	for id, c := range e.correlations {
		assert.GreaterOrEqual(t, len(c.Observations), 2)
		assert.GreaterOrEqual(t, len(c.Monitors()), 2)
		for _, o := range c.Observations {
			prev, dup := seen[o.ObservationID]
			assert.False(t, dup, "observation %s in correlations %s and %s", o.ObservationID, prev, id)
			seen[o.ObservationID] = id
		}
	}
}

func TestWindowEviction_CapAndAge(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.WindowCapPerMonitor = 10
	e, err := NewEngine(cfg, NopSink{})
	require.NoError(t, err)

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 25; i++ {
		bbox := BBox{X: 0.1, Y: 0.1, W: 0.1, H: 0.1}
		_, err := e.Analyze(personObs("0", base.Add(time.Duration(i)*time.Millisecond), 0.8, bbox, nil))
		require.NoError(t, err)
	}
	assert.Equal(t, 10, e.Stats().WindowSize, "per-monitor cap enforced")

	// Age-based expiry via the sweeper.
	e.SweepAt(base.Add(400 * time.Second))
	assert.Equal(t, 0, e.Stats().WindowSize)
}
