package correlate

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/apex-engine/internal/metrics"
)

// EventSink receives correlation lifecycle notifications. Implementations
// must not block: the engine calls the sink from inside its serialization
// domain. The publisher's Publish is non-blocking by contract.
type EventSink interface {
	CorrelationOpened(c *Correlation, joined *Observation, prior *Observation, bd ScoreBreakdown)
	CorrelationExtended(c *Correlation, joined *Observation, prior *Observation, bd ScoreBreakdown)
	CorrelationClosed(c *Correlation)
}

// NopSink discards all events. Useful for tests and offline analysis.
type NopSink struct{}

func (NopSink) CorrelationOpened(*Correlation, *Observation, *Observation, ScoreBreakdown)   {}
func (NopSink) CorrelationExtended(*Correlation, *Observation, *Observation, ScoreBreakdown) {}
func (NopSink) CorrelationClosed(*Correlation)                                               {}

// Stats is the engine's self-reported counters, exposed on /api/v1/stats.
type Stats struct {
	ObservationsProcessed uint64  `json:"observations_processed"`
	ObservationsRejected  uint64  `json:"observations_rejected"`
	CorrelationsFound     uint64  `json:"correlations_found"`
	CorrelationsClosed    uint64  `json:"correlations_closed"`
	ActiveCorrelations    int     `json:"active_correlations"`
	MonitorRelationships  int     `json:"monitor_relationships"`
	WindowSize            int     `json:"window_size"`
	LastProcessingSeconds float64 `json:"last_processing_seconds"`
	AvgProcessingSeconds  float64 `json:"avg_processing_seconds"`
}

type pairKey struct {
	a, b string
}

// Engine is the stateful threat correlation coordinator. All state lives
// behind a single mutex: every Analyze call and the background sweep run in
// the same serialization domain, which is what keeps the window/index
// invariants simple to reason about.
type Engine struct {
	cfg EngineConfig

	mu            sync.Mutex
	relationships map[pairKey]MonitorRelationship
	window        map[string][]*Observation
	correlations  map[uuid.UUID]*Correlation
	index         map[uuid.UUID]uuid.UUID // observation_id -> correlation_id
	seen          *lru.Cache[uuid.UUID, time.Time]

	sink EventSink

	// stats
	processed uint64
	rejected  uint64
	found     uint64
	closed    uint64
	lastProc  time.Duration
	emaProc   float64 // seconds, exponential moving average
	emaPrimed bool
	nowFn     func() time.Time
	fatal     chan error
	fatalOnce sync.Once
	sweeperWG sync.WaitGroup
	sweeperOn bool
}

const emaAlpha = 0.1

// NewEngine validates cfg and constructs an engine. The sink may be nil, in
// which case events are discarded.
func NewEngine(cfg EngineConfig, sink EventSink) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = NopSink{}
	}
	seen, err := lru.New[uuid.UUID, time.Time](cfg.DedupMaxKeys)
	if err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}
	return &Engine{
		cfg:           cfg,
		relationships: make(map[pairKey]MonitorRelationship),
		window:        make(map[string][]*Observation),
		correlations:  make(map[uuid.UUID]*Correlation),
		index:         make(map[uuid.UUID]uuid.UUID),
		seen:          seen,
		sink:          sink,
		nowFn:         time.Now,
		fatal:         make(chan error, 1),
	}, nil
}

// Fatal exposes engine-level invariant violations to the supervisor. The
// runner exits with code 3 when this fires; the engine never swallows one.
func (e *Engine) Fatal() <-chan error {
	return e.fatal
}

// RegisterRelationship records a monitor pair symmetrically. Re-registering
// an existing pair overwrites it; registering identical data is a no-op.
func (e *Engine) RegisterRelationship(rel MonitorRelationship) error {
	if err := rel.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.relationships[pairKey{rel.MonitorA, rel.MonitorB}] = rel
	mirrored := rel
	mirrored.MonitorA, mirrored.MonitorB = rel.MonitorB, rel.MonitorA
	e.relationships[pairKey{rel.MonitorB, rel.MonitorA}] = mirrored
	return nil
}

// Relationships returns a snapshot of registered pairs (both directions).
func (e *Engine) Relationships() []MonitorRelationship {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]MonitorRelationship, 0, len(e.relationships))
	for _, rel := range e.relationships {
		out = append(out, rel)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MonitorA != out[j].MonitorA {
			return out[i].MonitorA < out[j].MonitorA
		}
		return out[i].MonitorB < out[j].MonitorB
	})
	return out
}

func (e *Engine) relationshipFor(a, b string) (MonitorRelationship, bool) {
	rel, ok := e.relationships[pairKey{a, b}]
	return rel, ok
}

// Analyze decides whether obs extends or opens a cross-monitor correlation.
// Returns the correlation on a successful join, nil when the observation
// simply enters the window. Re-analyzing an observation id the engine has
// already seen is idempotent: same outcome, no new event, no state change.
//
// Analyze never blocks on I/O; the only external call is the non-blocking
// event sink.
func (e *Engine) Analyze(obs *Observation) (*Correlation, error) {
	start := e.now()

	if err := obs.Validate(); err != nil {
		e.mu.Lock()
		e.rejected++
		e.mu.Unlock()
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Idempotence: an observation joins at most one correlation, and a
	// replayed id must not re-enter the window.
	if _, dup := e.seen.Get(obs.ObservationID); dup {
		if corrID, ok := e.index[obs.ObservationID]; ok {
			return e.correlations[corrID], nil
		}
		return nil, nil
	}
	e.seen.Add(obs.ObservationID, start)

	e.appendToWindow(obs)
	e.processed++

	best, bestBD := e.selectCandidate(obs)

	var result *Correlation
	if best != nil && bestBD.Total >= e.cfg.MinCorrelationConfidence {
		result = e.join(best, obs, bestBD)
	}

	elapsed := e.now().Sub(start)
	e.recordLatency(elapsed)

	if result != nil {
		if err := e.checkInvariants(result); err != nil {
			e.raiseFatal(err)
			return nil, err
		}
	}
	return result, nil
}

// selectCandidate walks the windows of all related monitors and returns the
// highest-scoring eligible observation. Ties prefer the more recent
// candidate, then the relationship with the larger confidence multiplier.
func (e *Engine) selectCandidate(obs *Observation) (*Observation, ScoreBreakdown) {
	eligibility := e.cfg.HandoffTimeout + e.cfg.ClockSkewTolerance

	var best *Observation
	var bestBD ScoreBreakdown
	var bestRel MonitorRelationship

	for monitor, entries := range e.window {
		if monitor == obs.CameraID {
			continue
		}
		rel, ok := e.relationshipFor(monitor, obs.CameraID)
		if !ok {
			continue
		}
		for _, cand := range entries {
			dt := obs.Timestamp.Sub(cand.Timestamp)
			if dt < 0 {
				dt = -dt
			}
			if dt > eligibility {
				continue
			}
			// Members of a closed track never seed or rejoin one: closed is
			// terminal and an observation belongs to at most one correlation.
			if corrID, ok := e.index[cand.ObservationID]; ok {
				if c := e.correlations[corrID]; c != nil && c.State == StateClosed {
					continue
				}
			}
			total, bd := e.score(cand, obs, rel)
			switch {
			case best == nil || total > bestBD.Total:
				best, bestBD, bestRel = cand, bd, rel
			case total == bestBD.Total:
				// Tie-break 1: more recent candidate wins.
				if cand.Timestamp.After(best.Timestamp) {
					best, bestBD, bestRel = cand, bd, rel
				} else if cand.Timestamp.Equal(best.Timestamp) &&
					rel.ConfidenceMultiplier > bestRel.ConfidenceMultiplier {
					// Tie-break 2: larger multiplier wins.
					best, bestBD, bestRel = cand, bd, rel
				}
			}
		}
	}
	return best, bestBD
}

// join extends the candidate's correlation with obs, or opens a fresh one
// holding [candidate, obs]. Confidence is the running mean of join scores.
func (e *Engine) join(candidate, obs *Observation, bd ScoreBreakdown) *Correlation {
	now := e.now()

	if corrID, ok := e.index[candidate.ObservationID]; ok {
		c := e.correlations[corrID]
		if c == nil {
			// Stale index entry (track GC'd between selection and join
			// cannot happen under the single lock, but stay defensive).
			return e.open(candidate, obs, bd, now)
		}
		c.Observations = append(c.Observations, obs)
		c.joinCount++
		c.ConfidenceScore += (bd.Total - c.ConfidenceScore) / float64(c.joinCount)
		c.LastUpdated = now
		e.index[obs.ObservationID] = c.CorrelationID
		e.found++
		metrics.RecordCorrelation("extended")
		e.sink.CorrelationExtended(c, obs, candidate, bd)
		return c
	}
	return e.open(candidate, obs, bd, now)
}

func (e *Engine) open(candidate, obs *Observation, bd ScoreBreakdown, now time.Time) *Correlation {
	c := &Correlation{
		CorrelationID:   uuid.New(),
		Observations:    []*Observation{candidate, obs},
		ConfidenceScore: bd.Total,
		OpenedAt:        now,
		LastUpdated:     now,
		State:           StateOpen,
		joinCount:       1,
	}
	e.correlations[c.CorrelationID] = c
	e.index[candidate.ObservationID] = c.CorrelationID
	e.index[obs.ObservationID] = c.CorrelationID
	e.found++
	metrics.RecordCorrelation("opened")
	e.sink.CorrelationOpened(c, obs, candidate, bd)
	return c
}

// checkInvariants self-checks the correlation table after a mutation. A
// violation here means the engine state is corrupt; it is fatal by design
// and must surface to the supervisor rather than be logged and swallowed.
func (e *Engine) checkInvariants(c *Correlation) error {
	if len(c.Observations) < 2 {
		return fmt.Errorf("%w: correlation %s has %d observations", ErrInvariantViolation, c.CorrelationID, len(c.Observations))
	}
	if len(c.Monitors()) < 2 {
		return fmt.Errorf("%w: correlation %s spans a single monitor", ErrInvariantViolation, c.CorrelationID)
	}
	for _, o := range c.Observations {
		if got, ok := e.index[o.ObservationID]; !ok || got != c.CorrelationID {
			return fmt.Errorf("%w: observation %s index mismatch", ErrInvariantViolation, o.ObservationID)
		}
	}
	return nil
}

func (e *Engine) raiseFatal(err error) {
	e.fatalOnce.Do(func() {
		log.Printf("[Engine] FATAL: %v", err)
		e.fatal <- err
	})
}

func (e *Engine) recordLatency(d time.Duration) {
	e.lastProc = d
	sec := d.Seconds()
	if !e.emaPrimed {
		e.emaProc = sec
		e.emaPrimed = true
	} else {
		e.emaProc = emaAlpha*sec + (1-emaAlpha)*e.emaProc
	}
	metrics.ObserveAnalyzeLatency(sec)
	metrics.SetAnalyzeEMA(e.emaProc)
}

// LastProcessingTime reports the duration of the most recent Analyze call.
// Callers log when this breaches the 500ms budget; the engine itself never
// drops input to stay inside it.
func (e *Engine) LastProcessingTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastProc
}

// Stats snapshots the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	active := 0
	for _, c := range e.correlations {
		if c.State == StateOpen {
			active++
		}
	}
	windowSize := 0
	for _, entries := range e.window {
		windowSize += len(entries)
	}
	return Stats{
		ObservationsProcessed: e.processed,
		ObservationsRejected:  e.rejected,
		CorrelationsFound:     e.found,
		CorrelationsClosed:    e.closed,
		ActiveCorrelations:    active,
		MonitorRelationships:  len(e.relationships) / 2,
		WindowSize:            windowSize,
		LastProcessingSeconds: e.lastProc.Seconds(),
		AvgProcessingSeconds:  e.emaProc,
	}
}

func (e *Engine) now() time.Time {
	return e.nowFn()
}
