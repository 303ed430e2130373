package correlate

import (
	"context"
	"log"
	"time"

	"github.com/technosupport/apex-engine/internal/metrics"
)

// StartSweeper launches the background expiration pass. The sweeper closes
// correlations idle past HandoffTimeout, garbage-collects closed tracks once
// their observations have aged out, and trims the observation windows. It
// exits when ctx is cancelled.
func (e *Engine) StartSweeper(ctx context.Context) {
	e.mu.Lock()
	if e.sweeperOn {
		e.mu.Unlock()
		return
	}
	e.sweeperOn = true
	e.mu.Unlock()

	e.sweeperWG.Add(1)
	go func() {
		defer e.sweeperWG.Done()
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()

		log.Printf("[Engine] Sweeper started (interval=%s)", e.cfg.SweepInterval)
		for {
			select {
			case <-ctx.Done():
				log.Printf("[Engine] Sweeper stopped")
				return
			case <-ticker.C:
				e.SweepAt(e.now())
			}
		}
	}()
}

// WaitSweeper blocks until the sweeper goroutine has exited.
func (e *Engine) WaitSweeper() {
	e.sweeperWG.Wait()
}

// SweepAt runs one expiration pass as of now. Exposed so tests can drive
// expiration deterministically without waiting on the ticker.
func (e *Engine) SweepAt(now time.Time) {
	type closedEvt struct{ c *Correlation }
	var closedEvts []closedEvt

	e.mu.Lock()

	idleCutoff := now.Add(-e.cfg.HandoffTimeout)
	gcCutoff := now.Add(-e.cfg.MaxThreatAge)

	for id, c := range e.correlations {
		switch c.State {
		case StateOpen:
			if c.LastUpdated.Before(idleCutoff) {
				c.State = StateClosed
				e.closed++
				metrics.RecordCorrelation("closed")
				closedEvts = append(closedEvts, closedEvt{c})
			}
		case StateClosed:
			// A closed correlation is terminal but its index entries stay
			// live until the member observations age out of the window;
			// that is what prevents an expired track's observations from
			// being rejoined into a fresh one.
			if c.LastUpdated.Before(gcCutoff) {
				for _, o := range c.Observations {
					// An observation may have been re-indexed into a newer
					// track after this one closed; only drop entries that
					// still point here.
					if e.index[o.ObservationID] == id {
						delete(e.index, o.ObservationID)
					}
				}
				delete(e.correlations, id)
			}
		}
	}

	e.expireWindows(now)
	e.mu.Unlock()

	// Emit outside the lock; Closed ordering per correlation id is still
	// monotone because a track transitions to closed exactly once.
	for _, evt := range closedEvts {
		e.sink.CorrelationClosed(evt.c)
	}
}
