package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/technosupport/apex-engine/internal/metrics"
)

// State is the worker lifecycle state. Only Running emits frames.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateRunning      State = "running"
	StateReconnecting State = "reconnecting"
	StateStopping     State = "stopping"
	StateTerminated   State = "terminated"
)

var (
	ErrAlreadyStarted = errors.New("worker already started")
	ErrConnect        = errors.New("connect failed")
)

// Reconnect backoff policy: exponential from 2s, +-25% jitter, capped at
// 30s, unbounded attempts for transient errors. Permanent-looking failures
// during the initial connect give up after maxInitialAttempts.
const (
	backoffBase        = 2 * time.Second
	backoffCap         = 30 * time.Second
	backoffJitter      = 0.25
	maxInitialAttempts = 5
	stopGrace          = 5 * time.Second
)

// WorkerStats is the Stats() snapshot.
type WorkerStats struct {
	CameraID        string  `json:"camera_id"`
	State           State   `json:"state"`
	Connected       bool    `json:"connected"`
	FramesProcessed uint64  `json:"frames_processed"`
	FramesDropped   uint64  `json:"frames_dropped"`
	FPSActual       float64 `json:"fps_actual"`
	ReconnectCount  int     `json:"reconnect_count"`
	LastError       string  `json:"last_error,omitempty"`
}

// StatusFunc is invoked on every state transition so the pipeline can fan
// out worker_status events. Must not block.
type StatusFunc func(stats WorkerStats)

// Worker owns exactly one camera's capture session: it paces reads to the
// target FPS, pushes frames into its bounded buffer, and reconnects with
// jittered backoff when the source fails.
type Worker struct {
	cfg     CameraConfig
	factory SourceFactory
	buffer  *Buffer

	onStatus StatusFunc

	mu         sync.Mutex
	state      State
	connected  bool
	source     Source
	processed  uint64
	reconnects int
	lastError  string
	fpsActual  float64
	lastFrame  *Frame

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewWorker builds an idle worker. The factory is called once per connect
// attempt so every session gets a fresh decoder.
func NewWorker(cfg CameraConfig, factory SourceFactory, onStatus StatusFunc) *Worker {
	if onStatus == nil {
		onStatus = func(WorkerStats) {}
	}
	return &Worker{
		cfg:      cfg,
		factory:  factory,
		buffer:   NewBuffer(cfg.BufferDepth),
		onStatus: onStatus,
		state:    StateIdle,
		done:     make(chan struct{}),
	}
}

// Buffer exposes the outbound frame queue to the pipeline consumer.
func (w *Worker) Buffer() *Buffer {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buffer
}

// Config returns the immutable camera config the worker runs with.
func (w *Worker) Config() CameraConfig {
	return w.cfg
}

// Start opens the source, verifies liveness by fetching a first frame, then
// enters the capture loop. Any failure here leaves the worker Terminated and
// is returned without retry; StartWithRetry retries transient failures.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.started = true
	// A restarted worker gets a fresh run: new done signal, reopened
	// buffer, and (via Source.Open) a frame_id sequence starting at 1
	// again. The buffer is reopened in place so an attached consumer's
	// reference stays valid.
	w.done = make(chan struct{})
	w.buffer.Reopen()
	w.mu.Unlock()

	w.setState(StateConnecting, "")

	src, err := w.factory(w.cfg)
	if err != nil {
		// Bad URL / resolution: no retry, the config itself is wrong.
		w.setState(StateTerminated, err.Error())
		w.mu.Lock()
		w.started = false
		w.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	first, err := w.connect(ctx, src)
	if err != nil {
		src.Close()
		w.setState(StateTerminated, err.Error())
		w.mu.Lock()
		w.started = false
		w.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	w.mu.Lock()
	w.source = src
	w.connected = true
	w.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	w.setState(StateRunning, "")
	w.emit(first)

	go w.loop(loopCtx)
	return nil
}

// connect opens src and reads one frame to prove the session is live.
func (w *Worker) connect(ctx context.Context, src Source) (*Frame, error) {
	openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := src.Open(openCtx); err != nil {
		return nil, err
	}
	first, err := src.Read(openCtx)
	if err != nil {
		return nil, fmt.Errorf("liveness read: %w", err)
	}
	return first, nil
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	defer func() {
		w.mu.Lock()
		src := w.source
		w.source = nil
		w.connected = false
		w.mu.Unlock()
		if src != nil {
			src.Close()
		}
		w.buffer.Close()
	}()

	interval := time.Second / time.Duration(w.cfg.TargetFPS)
	var lastEmit time.Time

	// FPS measurement window
	winStart := time.Now()
	winFrames := 0

	for {
		select {
		case <-ctx.Done():
			w.setState(StateTerminated, w.getLastError())
			return
		default:
		}

		w.mu.Lock()
		src := w.source
		w.mu.Unlock()

		frame, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.setState(StateTerminated, w.getLastError())
				return
			}
			if !w.cfg.AutoReconnect {
				log.Printf("[Worker:%s] Read failed, auto_reconnect disabled: %v", w.cfg.CameraID, err)
				w.setState(StateTerminated, err.Error())
				return
			}
			if !w.reconnect(ctx, err) {
				return
			}
			continue
		}

		// Time-based pacing: reads arriving inside the FPS interval are
		// discarded without counting as dropped.
		if !lastEmit.IsZero() && frame.Timestamp.Sub(lastEmit) < interval {
			continue
		}

		w.emit(frame)
		lastEmit = frame.Timestamp

		winFrames++
		if elapsed := time.Since(winStart); elapsed >= time.Second {
			w.mu.Lock()
			w.fpsActual = float64(winFrames) / elapsed.Seconds()
			w.mu.Unlock()
			metrics.WorkerFPS.WithLabelValues(w.cfg.CameraID).Set(w.fpsActual)
			winStart = time.Now()
			winFrames = 0
		}
	}
}

func (w *Worker) emit(frame *Frame) {
	if w.buffer.Push(frame) {
		metrics.RecordFrameDrop(w.cfg.CameraID)
	}
	w.mu.Lock()
	w.processed++
	w.lastFrame = frame
	w.mu.Unlock()
	metrics.RecordFrame(w.cfg.CameraID)
}

// LastFrame returns the most recently emitted frame, for the snapshot
// endpoint. May be nil before the first emit.
func (w *Worker) LastFrame() *Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastFrame
}

// reconnect tears down the session and retries with jittered exponential
// backoff until a fresh frame is read or ctx is cancelled. Returns false
// when the loop should exit.
func (w *Worker) reconnect(ctx context.Context, cause error) bool {
	w.mu.Lock()
	old := w.source
	w.source = nil
	w.connected = false
	w.mu.Unlock()
	if old != nil {
		old.Close()
	}

	w.setState(StateReconnecting, cause.Error())
	log.Printf("[Worker:%s] Reconnecting after: %v", w.cfg.CameraID, cause)

	delay := backoffBase
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			w.setState(StateTerminated, w.getLastError())
			return false
		case <-time.After(jitter(delay)):
		}

		w.mu.Lock()
		w.reconnects++
		w.mu.Unlock()
		metrics.RecordReconnect(w.cfg.CameraID)

		src, err := w.factory(w.cfg)
		if err == nil {
			var first *Frame
			first, err = w.connect(ctx, src)
			if err == nil {
				w.mu.Lock()
				w.source = src
				w.connected = true
				w.mu.Unlock()
				w.setState(StateRunning, "")
				w.emit(first)
				log.Printf("[Worker:%s] Reconnected (attempt %d)", w.cfg.CameraID, attempt)
				return true
			}
			src.Close()
		}

		if errors.Is(err, ErrInvalidSource) {
			// The config went permanently bad underneath us.
			w.setState(StateTerminated, err.Error())
			return false
		}
		if ctx.Err() != nil {
			w.setState(StateTerminated, w.getLastError())
			return false
		}

		w.mu.Lock()
		w.lastError = err.Error()
		w.mu.Unlock()

		delay *= 2
		if delay > backoffCap {
			delay = backoffCap
		}
	}
}

// StartWithRetry is the initial-connect variant used when a camera that
// previously worked should survive the collector being up before the camera
// is. Transient failures retry per the backoff policy up to
// maxInitialAttempts; then the worker terminates with a descriptive error.
func (w *Worker) StartWithRetry(ctx context.Context) error {
	var lastErr error
	delay := backoffBase
	for attempt := 1; attempt <= maxInitialAttempts; attempt++ {
		err := w.Start(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrInvalidSource) || !w.cfg.AutoReconnect {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}
		delay *= 2
		if delay > backoffCap {
			delay = backoffCap
		}
	}
	w.setState(StateTerminated, fmt.Sprintf("gave up after %d attempts: %v", maxInitialAttempts, lastErr))
	return lastErr
}

// Stop is idempotent. It signals the loop, waits up to 5s for a graceful
// exit, then forcibly releases the source.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	w.mu.Unlock()

	w.setState(StateStopping, "")
	if cancel != nil {
		cancel()
	}

	select {
	case <-w.done:
	case <-time.After(stopGrace):
		log.Printf("[Worker:%s] Stop grace expired, force releasing", w.cfg.CameraID)
		w.mu.Lock()
		src := w.source
		w.source = nil
		w.mu.Unlock()
		if src != nil {
			src.Close()
		}
	}

	w.mu.Lock()
	w.started = false
	w.connected = false
	w.state = StateTerminated
	w.mu.Unlock()
	w.notify()
}

// Stats snapshots the worker counters.
func (w *Worker) Stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerStats{
		CameraID:        w.cfg.CameraID,
		State:           w.state,
		Connected:       w.connected,
		FramesProcessed: w.processed,
		FramesDropped:   w.buffer.Dropped(),
		FPSActual:       w.fpsActual,
		ReconnectCount:  w.reconnects,
		LastError:       w.lastError,
	}
}

func (w *Worker) setState(s State, errStr string) {
	w.mu.Lock()
	w.state = s
	if errStr != "" {
		w.lastError = errStr
	}
	w.mu.Unlock()
	w.notify()
}

func (w *Worker) notify() {
	w.onStatus(w.Stats())
}

func (w *Worker) getLastError() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastError
}

// jitter spreads a delay by +-25% so a rack of cameras recovering from the
// same switch outage doesn't reconnect in lockstep.
func jitter(d time.Duration) time.Duration {
	f := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}
