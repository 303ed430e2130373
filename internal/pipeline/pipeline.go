package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/technosupport/apex-engine/internal/correlate"
	"github.com/technosupport/apex-engine/internal/detect"
	"github.com/technosupport/apex-engine/internal/live"
	"github.com/technosupport/apex-engine/internal/publish"
	"github.com/technosupport/apex-engine/internal/stream"
)

// analyzeBudget is the engine's latency SLO; breaches are logged here, the
// engine itself never sheds load to stay inside it.
const analyzeBudget = 500 * time.Millisecond

// Pipeline ties the stages together: worker frames through the detector
// into the engine, with every intermediate product fanned out to
// subscribers. One consumer goroutine per camera keeps per-monitor frame
// order intact through detection and into the engine.
type Pipeline struct {
	Detector  detect.Detector
	Engine    *correlate.Engine
	Publisher *publish.Publisher
	Latest    *live.Service // optional; nil disables the snapshot cache

	// jobs is non-nil in pool mode: frames funnel through a shared
	// inference pool instead of being detected on the consumer goroutine.
	jobs chan job

	wg sync.WaitGroup
}

type job struct {
	frame *stream.Frame
	done  chan []correlate.Observation
}

// New builds a pipeline. poolSize > 0 enables the shared detector pool;
// poolSize == 0 runs inference inline on each camera's consumer.
func New(d detect.Detector, e *correlate.Engine, p *publish.Publisher, latest *live.Service, poolSize int) *Pipeline {
	pl := &Pipeline{Detector: d, Engine: e, Publisher: p, Latest: latest}
	if poolSize > 0 {
		pl.jobs = make(chan job, poolSize*2)
	}
	return pl
}

// StartPool launches the shared inference workers (pool mode only).
func (p *Pipeline) StartPool(ctx context.Context, size int) {
	if p.jobs == nil {
		return
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-p.jobs:
					obs, err := p.Detector.Detect(ctx, j.frame)
					if err != nil {
						obs = nil
					}
					j.done <- obs
				}
			}
		}()
	}
}

// AttachWorker starts the consumer loop for one worker. Called by the
// manager's onAdd hook. The loop exits when the worker's buffer closes.
func (p *Pipeline) AttachWorker(ctx context.Context, w *stream.Worker) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		cfg := w.Config()
		for {
			frame := w.Buffer().Next(ctx)
			if frame == nil {
				return
			}
			if !cfg.DetectionEnabled {
				continue
			}
			p.processFrame(ctx, frame)
		}
	}()
}

func (p *Pipeline) processFrame(ctx context.Context, frame *stream.Frame) {
	var obs []correlate.Observation
	if p.jobs != nil {
		j := job{frame: frame, done: make(chan []correlate.Observation, 1)}
		select {
		case p.jobs <- j:
			select {
			case obs = <-j.done:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	} else {
		var err error
		obs, err = p.Detector.Detect(ctx, frame)
		if err != nil {
			// Frame-level inference failure: already counted, move on.
			return
		}
	}

	for i := range obs {
		p.Admit(ctx, &obs[i])
	}
}

// Admit pushes one observation through the back half of the pipeline:
// observation + threat events out, then the correlation decision. Shared
// with the NATS ingest path so external detectors get identical semantics.
func (p *Pipeline) Admit(ctx context.Context, obs *correlate.Observation) {
	p.Publisher.Publish(publish.NewObservationEvent(*obs))

	te := detect.NewThreatEvent(*obs)
	p.Publisher.Publish(publish.NewThreatEvent(te))

	if p.Latest != nil {
		if err := p.Latest.SaveThreat(ctx, te); err != nil {
			log.Printf("[Pipeline] Latest-threat cache write failed: %v", err)
		}
	}

	if _, err := p.Engine.Analyze(obs); err != nil {
		log.Printf("[Pipeline] Analyze rejected observation %s: %v", obs.ObservationID, err)
		return
	}
	if took := p.Engine.LastProcessingTime(); took > analyzeBudget {
		log.Printf("[Pipeline] Analyze breached latency budget: %v > %v", took, analyzeBudget)
	}
}

// WorkerStatusFunc adapts the publisher into the stream manager's status
// callback.
func (p *Pipeline) WorkerStatusFunc() stream.StatusFunc {
	return func(ws stream.WorkerStats) {
		p.Publisher.Publish(publish.NewWorkerStatusEvent(ws))
	}
}

// Wait blocks until all consumer goroutines have exited.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}
