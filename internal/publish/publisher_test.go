package publish

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/apex-engine/internal/correlate"
)

// collectSink records everything it is sent; optionally fails.
type collectSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	gate   chan struct{} // when non-nil, Send blocks until the gate closes
}

func (s *collectSink) Send(evt Event) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.events = append(s.events, evt)
	return nil
}

func (s *collectSink) Close() error { return nil }

func (s *collectSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func evt(kind string, n int) Event {
	return Event{Type: kind, Timestamp: time.Now(), Payload: n}
}

func TestPublisher_FanOutByKind(t *testing.T) {
	p := NewPublisher(16)
	defer p.Close()

	all := &collectSink{}
	threatsOnly := &collectSink{}
	p.Subscribe(nil, all)
	p.Subscribe([]string{TypeThreatEvent}, threatsOnly)

	p.Publish(evt(TypeObservation, 1))
	p.Publish(evt(TypeThreatEvent, 2))
	p.Publish(evt(TypeWorkerStatus, 3))

	waitFor(t, func() bool { return len(all.snapshot()) == 3 })
	waitFor(t, func() bool { return len(threatsOnly.snapshot()) == 1 })
	assert.Equal(t, TypeThreatEvent, threatsOnly.snapshot()[0].Type)
}

func TestPublisher_OverflowDropsOldestForSlowSubscriberOnly(t *testing.T) {
	p := NewPublisher(4)
	defer p.Close()

	gate := make(chan struct{})
	slow := &collectSink{gate: gate}
	fast := &collectSink{}

	slowID := p.Subscribe(nil, slow)
	fastID := p.Subscribe(nil, fast)

	// The slow sink blocks on its first delivery, so one event is in
	// flight and 4 fit in the queue; everything further overflows.
	for i := 0; i < 12; i++ {
		p.Publish(evt(TypeObservation, i))
	}

	waitFor(t, func() bool { return len(fast.snapshot()) == 12 })
	assert.Zero(t, p.DroppedFor(fastID), "fast subscriber must not drop")
	assert.Greater(t, p.DroppedFor(slowID), uint64(0), "slow subscriber drops oldest")

	close(gate)
	waitFor(t, func() bool {
		got := slow.snapshot()
		return len(got) > 0 && got[len(got)-1].Payload == 11
	})
	// Newest-event survival: the overflow dropped from the head of the
	// queue, so the most recent publish always reaches the subscriber.
	got := slow.snapshot()
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].Payload.(int), got[i].Payload.(int), "surviving events stay ordered")
	}
}

func TestPublisher_UnsubscribeStopsDelivery(t *testing.T) {
	p := NewPublisher(16)
	defer p.Close()

	sink := &collectSink{}
	id := p.Subscribe(nil, sink)

	p.Publish(evt(TypeObservation, 1))
	waitFor(t, func() bool { return len(sink.snapshot()) == 1 })

	require.NoError(t, p.Unsubscribe(id))
	assert.ErrorIs(t, p.Unsubscribe(id), ErrSubscriptionNotFound)

	p.Publish(evt(TypeObservation, 2))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sink.snapshot(), 1)
	assert.Zero(t, p.SubscriberCount())
}

func TestPublisher_FailingSinkDoesNotAffectOthers(t *testing.T) {
	p := NewPublisher(16)
	defer p.Close()

	bad := &collectSink{fail: true}
	good := &collectSink{}
	p.Subscribe(nil, bad)
	p.Subscribe(nil, good)

	for i := 0; i < 5; i++ {
		p.Publish(evt(TypeThreatEvent, i))
	}
	waitFor(t, func() bool { return len(good.snapshot()) == 5 })
}

func TestEngineSink_EventOrderingPerCorrelation(t *testing.T) {
	p := NewPublisher(64)
	defer p.Close()

	sink := &collectSink{}
	p.Subscribe([]string{TypeCorrelationOpened, TypeCorrelationExtended, TypeCorrelationClosed}, sink)

	engine, err := correlate.NewEngine(correlate.DefaultEngineConfig(), EngineSink{Pub: p})
	require.NoError(t, err)
	require.NoError(t, engine.RegisterRelationship(correlate.MonitorRelationship{
		MonitorA: "0", MonitorB: "1", Kind: correlate.KindAdjacent, ConfidenceMultiplier: 1.3,
	}))
	require.NoError(t, engine.RegisterRelationship(correlate.MonitorRelationship{
		MonitorA: "1", MonitorB: "2", Kind: correlate.KindAdjacent, ConfidenceMultiplier: 1.3,
	}))

	base := time.Now().Add(-time.Minute)
	bbox := correlate.BBox{X: 0.3, Y: 0.3, W: 0.1, H: 0.3}
	mk := func(cam string, dt time.Duration) *correlate.Observation {
		return &correlate.Observation{
			ObservationID: uuid.New(), CameraID: cam, Class: correlate.ClassPerson,
			Confidence: 0.8, BBox: bbox, Timestamp: base.Add(dt),
		}
	}

	_, err = engine.Analyze(mk("0", 0))
	require.NoError(t, err)
	c, err := engine.Analyze(mk("1", 2*time.Second))
	require.NoError(t, err)
	require.NotNil(t, c)
	_, err = engine.Analyze(mk("2", 4*time.Second))
	require.NoError(t, err)

	engine.SweepAt(c.LastUpdated.Add(30 * time.Second))

	waitFor(t, func() bool { return len(sink.snapshot()) == 3 })
	got := sink.snapshot()
	assert.Equal(t, TypeCorrelationOpened, got[0].Type)
	assert.Equal(t, TypeCorrelationExtended, got[1].Type)
	assert.Equal(t, TypeCorrelationClosed, got[2].Type)

	// Factor breakdown rides along on opened/extended.
	payload := got[0].Payload.(CorrelationPayload)
	require.NotNil(t, payload.Factors)
	assert.Equal(t, c.CorrelationID, payload.CorrelationID)
}
