package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syntheticFactory(fps int) SourceFactory {
	return func(cfg CameraConfig) (Source, error) {
		cfg.TargetFPS = fps
		return &SyntheticSource{Cfg: cfg}, nil
	}
}

func testCfg() CameraConfig {
	return CameraConfig{
		CameraID:      "cam-1",
		SourceURL:     "synthetic://test",
		TargetFPS:     30,
		Width:         64,
		Height:        48,
		BufferDepth:   8,
		AutoReconnect: true,
	}
}

func TestWorker_StartEmitsOrderedFrames(t *testing.T) {
	w := NewWorker(testCfg(), syntheticFactory(60), nil)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var last uint64
	for i := 0; i < 5; i++ {
		f := w.Buffer().Next(ctx)
		require.NotNil(t, f, "timed out waiting for frame %d", i)
		assert.Greater(t, f.FrameID, last, "frame_id must be strictly increasing")
		last = f.FrameID
	}

	st := w.Stats()
	assert.Equal(t, StateRunning, st.State)
	assert.True(t, st.Connected)
	assert.GreaterOrEqual(t, st.FramesProcessed, uint64(5))
}

func TestWorker_FrameIDRestartsAtOneAfterStopStart(t *testing.T) {
	w := NewWorker(testCfg(), syntheticFactory(60), nil)
	require.NoError(t, w.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	f := w.Buffer().Next(ctx)
	require.NotNil(t, f)
	assert.Equal(t, uint64(1), f.FrameID)

	w.Stop()
	assert.Equal(t, StateTerminated, w.Stats().State)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	f = w.Buffer().Next(ctx)
	require.NotNil(t, f)
	assert.Equal(t, uint64(1), f.FrameID, "restart yields a fresh frame_id sequence")
}

func TestWorker_StopIsIdempotent(t *testing.T) {
	w := NewWorker(testCfg(), syntheticFactory(60), nil)
	require.NoError(t, w.Start(context.Background()))

	w.Stop()
	w.Stop() // second call is a no-op
	assert.Equal(t, StateTerminated, w.Stats().State)
}

func TestWorker_InvalidSourceFailsStartWithoutRetry(t *testing.T) {
	cfg := testCfg()
	cfg.SourceURL = "bogus://nowhere"
	w := NewWorker(cfg, NewFFmpegSource, nil)

	err := w.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnect)

	st := w.Stats()
	assert.Equal(t, StateTerminated, st.State)
	assert.Zero(t, st.ReconnectCount, "configuration errors must not retry")
	assert.NotEmpty(t, st.LastError)
}

func TestWorker_StatusTransitionsReported(t *testing.T) {
	var mu sync.Mutex
	var states []State
	w := NewWorker(testCfg(), syntheticFactory(60), func(st WorkerStats) {
		mu.Lock()
		states = append(states, st.State)
		mu.Unlock()
	})

	require.NoError(t, w.Start(context.Background()))
	w.Stop()

	mu.Lock()
	defer mu.Unlock()
	// Connecting must precede Running; Terminated is last.
	require.GreaterOrEqual(t, len(states), 3)
	assert.Equal(t, StateConnecting, states[0])
	assert.Contains(t, states, StateRunning)
	assert.Equal(t, StateTerminated, states[len(states)-1])
}

func TestManager_AddRemoveLifecycle(t *testing.T) {
	defaults := CameraConfig{TargetFPS: 30, BufferDepth: 8, Width: 64, Height: 48, AutoReconnect: true}
	m := NewManager(defaults, syntheticFactory(60), nil, nil)
	defer m.StopAll()

	cfg := testCfg()
	require.NoError(t, m.Add(context.Background(), cfg))

	// Duplicate id conflicts.
	err := m.Add(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrCameraExists)

	_, ok := m.Get("cam-1")
	assert.True(t, ok)
	assert.Len(t, m.List(), 1)

	require.NoError(t, m.Remove("cam-1"))
	assert.ErrorIs(t, m.Remove("cam-1"), ErrCameraNotFound)
	assert.Empty(t, m.List())
}

func TestManager_ValidateRejectsBadConfigs(t *testing.T) {
	m := NewManager(CameraConfig{}, syntheticFactory(60), nil, nil)

	cases := []struct {
		name string
		cfg  CameraConfig
	}{
		{"missing id", CameraConfig{SourceURL: "synthetic://x", TargetFPS: 15, BufferDepth: 5}},
		{"missing url", CameraConfig{CameraID: "c", TargetFPS: 15, BufferDepth: 5}},
		{"fps too high", CameraConfig{CameraID: "c", SourceURL: "synthetic://x", TargetFPS: 90, BufferDepth: 5}},
		{"buffer too deep", CameraConfig{CameraID: "c", SourceURL: "synthetic://x", TargetFPS: 15, BufferDepth: 100}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, m.Add(context.Background(), tc.cfg))
		})
	}
}

func TestWorker_ReconnectAfterTransientFailure(t *testing.T) {
	// A source that works, then fails some reads, then recovers. The
	// factory hands back the same instance so FailReads carries over.
	src := &SyntheticSource{Cfg: testCfg()}
	factory := func(cfg CameraConfig) (Source, error) { return src, nil }

	w := NewWorker(testCfg(), factory, nil)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NotNil(t, w.Buffer().Next(ctx))

	// Inject a transient failure; the worker should reconnect (backoff base
	// is 2s) and resume emitting.
	src.Fail(1)

	deadline := time.After(15 * time.Second)
	for {
		st := w.Stats()
		if st.ReconnectCount >= 1 && st.State == StateRunning {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("worker did not recover: %+v", st)
		case <-time.After(100 * time.Millisecond):
		}
	}
	require.NotNil(t, w.Buffer().Next(ctx), "frames resume after reconnect")
}
