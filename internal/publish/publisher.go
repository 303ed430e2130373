package publish

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/apex-engine/internal/metrics"
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

const (
	defaultQueueDepth = 1024
	disconnectGrace   = 30 * time.Second
	janitorInterval   = 5 * time.Second
)

// Sink delivers events to one subscriber transport. Send may block on the
// transport; it runs on the subscriber's own delivery goroutine, never on
// the publisher's caller. A Send error marks the subscriber disconnected.
type Sink interface {
	Send(evt Event) error
	Close() error
}

type subscriber struct {
	id    uuid.UUID
	kinds map[string]bool // empty = all kinds
	sink  Sink
	queue chan Event

	mu             sync.Mutex
	dropped        uint64
	disconnectedAt time.Time
}

func (s *subscriber) wants(kind string) bool {
	if len(s.kinds) == 0 {
		return true
	}
	return s.kinds[kind]
}

func (s *subscriber) markDisconnected() {
	s.mu.Lock()
	if s.disconnectedAt.IsZero() {
		s.disconnectedAt = time.Now()
	}
	s.mu.Unlock()
}

// Publisher fans events out to heterogeneous subscribers. Each subscriber
// gets a bounded queue and its own delivery goroutine; a slow subscriber
// drops its own oldest events and never stalls the engine or its peers.
type Publisher struct {
	queueDepth int

	mu   sync.Mutex
	subs map[uuid.UUID]*subscriber

	wg sync.WaitGroup
}

func NewPublisher(queueDepth int) *Publisher {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	return &Publisher{
		queueDepth: queueDepth,
		subs:       make(map[uuid.UUID]*subscriber),
	}
}

// Subscribe registers sink for the given event kinds (nil/empty = all) and
// starts its delivery loop.
func (p *Publisher) Subscribe(kinds []string, sink Sink) uuid.UUID {
	sub := &subscriber{
		id:    uuid.New(),
		kinds: make(map[string]bool, len(kinds)),
		sink:  sink,
		queue: make(chan Event, p.queueDepth),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	p.mu.Lock()
	p.subs[sub.id] = sub
	n := len(p.subs)
	p.mu.Unlock()
	metrics.SubscribersActive.Set(float64(n))

	p.wg.Add(1)
	go p.deliver(sub)

	log.Printf("[Publisher] Subscriber %s registered (kinds=%v, total=%d)", sub.id, kinds, n)
	return sub.id
}

// Unsubscribe removes the subscription, drains its queue and closes the
// sink. Idempotent.
func (p *Publisher) Unsubscribe(id uuid.UUID) error {
	p.mu.Lock()
	sub, ok := p.subs[id]
	if ok {
		delete(p.subs, id)
	}
	n := len(p.subs)
	p.mu.Unlock()

	if !ok {
		return ErrSubscriptionNotFound
	}
	metrics.SubscribersActive.Set(float64(n))
	close(sub.queue)
	return nil
}

// Publish enqueues evt for every matching subscriber. Non-blocking: a full
// queue evicts that subscriber's oldest event and bumps its drop counter.
func (p *Publisher) Publish(evt Event) {
	p.mu.Lock()
	targets := make([]*subscriber, 0, len(p.subs))
	for _, sub := range p.subs {
		if sub.wants(evt.Type) {
			targets = append(targets, sub)
		}
	}
	p.mu.Unlock()

	metrics.RecordEventPublished(evt.Type)

	for _, sub := range targets {
		select {
		case sub.queue <- evt:
		default:
			// Oldest-drop, this subscriber only.
			select {
			case <-sub.queue:
				sub.mu.Lock()
				sub.dropped++
				sub.mu.Unlock()
				metrics.RecordEventDropped()
			default:
			}
			select {
			case sub.queue <- evt:
			default:
			}
		}
	}
}

func (p *Publisher) deliver(sub *subscriber) {
	defer p.wg.Done()
	defer sub.sink.Close()

	for evt := range sub.queue {
		if err := sub.sink.Send(evt); err != nil {
			sub.markDisconnected()
			// Keep draining: the janitor removes us after the grace
			// period, and the transport may come back (NATS reconnect).
		}
	}
}

// StartJanitor reaps subscribers that have been disconnected past the grace
// period. Runs until ctx is cancelled.
func (p *Publisher) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.reap()
			}
		}
	}()
}

func (p *Publisher) reap() {
	cutoff := time.Now().Add(-disconnectGrace)

	p.mu.Lock()
	var stale []uuid.UUID
	for id, sub := range p.subs {
		sub.mu.Lock()
		dead := !sub.disconnectedAt.IsZero() && sub.disconnectedAt.Before(cutoff)
		sub.mu.Unlock()
		if dead {
			stale = append(stale, id)
		}
	}
	p.mu.Unlock()

	for _, id := range stale {
		log.Printf("[Publisher] Reaping disconnected subscriber %s", id)
		p.Unsubscribe(id)
	}
}

// DroppedFor reports the overflow counter of one subscription.
func (p *Publisher) DroppedFor(id uuid.UUID) uint64 {
	p.mu.Lock()
	sub, ok := p.subs[id]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.dropped
}

// SubscriberCount reports the number of live subscriptions.
func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Close unsubscribes everyone and waits for delivery loops to finish.
func (p *Publisher) Close() {
	p.mu.Lock()
	ids := make([]uuid.UUID, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.Unsubscribe(id)
	}
	p.wg.Wait()
}
