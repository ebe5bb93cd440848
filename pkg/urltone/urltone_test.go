package urltone

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-voicebox/pkg/audioio"
	"github.com/teslashibe/go-voicebox/pkg/device"
	"github.com/teslashibe/go-voicebox/pkg/output"
	"github.com/teslashibe/go-voicebox/pkg/pipeline"
	"github.com/teslashibe/go-voicebox/pkg/playback"
	"github.com/teslashibe/go-voicebox/pkg/state"
	"github.com/teslashibe/go-voicebox/pkg/watchdog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type retryRecorder struct {
	mu   sync.Mutex
	reqs []playback.ToneRequest
}

func (r *retryRecorder) Play(_ context.Context, req playback.ToneRequest) error {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	return nil
}

func (r *retryRecorder) Requests() []playback.ToneRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]playback.ToneRequest(nil), r.reqs...)
}

type env struct {
	player    *Player
	flags     *state.Flags
	clock     *fakeClock
	retry     *retryRecorder
	restarter *device.ChanRestarter
}

func newEnv(t *testing.T, mutate func(*Options)) *env {
	t.Helper()
	sink := audioio.NewMockSink(audioio.DefaultConfig(), nil)
	require.NoError(t, sink.Start(context.Background()))
	t.Cleanup(func() { sink.Close() })

	e := &env{
		flags:     state.NewFlags(),
		clock:     &fakeClock{now: time.Unix(1000, 0)},
		retry:     &retryRecorder{},
		restarter: device.NewChanRestarter(nil),
	}

	opts := DefaultOptions()
	opts.Sink = sink
	opts.Arbiter = output.NewArbiter(nil)
	opts.Flags = e.flags
	opts.Clock = e.clock
	opts.Retry = e.retry
	opts.Restarter = e.restarter
	opts.RetryDelay = 5 * time.Millisecond
	if mutate != nil {
		mutate(&opts)
	}

	p, err := New(opts)
	require.NoError(t, err)
	opts.Arbiter.Register(p)
	e.player = p
	t.Cleanup(func() { p.Close() })
	return e
}

// dispatch routes graph events the way the translator does.
func (e *env) dispatch(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-e.player.Events():
				if !ok {
					return
				}
				switch {
				case ev.Kind == pipeline.Error:
					e.player.Fail(ev)
				case ev.Element == ElemOutput && ev.Kind.Terminal():
					e.player.Complete(ev)
				}
			}
		}
	}()
}

// escalate drives one burst of stall signals through the window.
func (e *env) escalate() {
	for i := 0; i < 13; i++ {
		e.player.OnTimeoutSignal()
		e.clock.Advance(time.Second)
	}
}

func pcmServer(t *testing.T, samples int) *httptest.Server {
	t.Helper()
	body := audioio.SamplesToBytes(make([]int16, samples))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPlay_NaturalEnd(t *testing.T) {
	e := newEnv(t, nil)
	e.dispatch(t)
	srv := pcmServer(t, 3200)

	require.NoError(t, e.player.Play(context.Background(), srv.URL+"/clip.pcm"))
	assert.True(t, e.player.IsPlaying())

	assert.Eventually(t, func() bool {
		s := e.flags.Snapshot()
		return !s.URLPlaying && s.URLFinished
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, e.player.IsFailed())
	assert.Equal(t, playback.Idle, e.player.State())
}

func TestPlay_HTTPErrorMarksFailed(t *testing.T) {
	e := newEnv(t, nil)
	e.dispatch(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	require.NoError(t, e.player.Play(context.Background(), srv.URL+"/missing.mp3"))

	assert.Eventually(t, e.player.IsFailed, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return e.player.State() == playback.Idle }, 2*time.Second, 5*time.Millisecond)

	var streamErr *playback.StreamError
	require.ErrorAs(t, e.player.LastError(), &streamErr)
	assert.Equal(t, srv.URL+"/missing.mp3", streamErr.URI)
}

func TestPlay_RejectsLocalURI(t *testing.T) {
	e := newEnv(t, nil)
	var resErr *playback.ResourceError
	assert.ErrorAs(t, e.player.Play(context.Background(), "spiffs://spiffs/bo.mp3"), &resErr)
	assert.Equal(t, playback.Idle, e.player.State())
}

func TestStopAndAbort(t *testing.T) {
	e := newEnv(t, nil)
	assert.ErrorIs(t, e.player.Stop(), playback.ErrNotRunning)

	srv := pcmServer(t, 3200)
	require.NoError(t, e.player.Play(context.Background(), srv.URL+"/a.pcm"))
	require.NoError(t, e.player.Stop())
	s := e.flags.Snapshot()
	assert.False(t, s.URLPlaying)
	assert.True(t, s.URLFinished)
	assert.False(t, s.OutputAborted)

	require.NoError(t, e.player.Play(context.Background(), srv.URL+"/b.pcm"))
	assert.False(t, e.flags.Snapshot().URLFinished)
	require.NoError(t, e.player.Abort())
	assert.True(t, e.flags.Snapshot().OutputAborted)
}

func TestOnTimeoutSignal_Escalates(t *testing.T) {
	e := newEnv(t, nil)

	for i := 0; i < 12; i++ {
		e.player.OnTimeoutSignal()
		e.clock.Advance(time.Second)
	}
	assert.False(t, e.player.Pending())

	e.player.OnTimeoutSignal()
	assert.True(t, e.player.Pending())
	assert.True(t, e.player.IsFailed())
	assert.Equal(t, 1, e.player.TriggerCount())
}

func TestHandlePendingTimeout_RetryWithoutRestart(t *testing.T) {
	e := newEnv(t, nil)
	assert.False(t, e.player.HandlePendingTimeout(context.Background()), "nothing pending")

	e.escalate()
	require.True(t, e.player.Pending())

	assert.False(t, e.player.HandlePendingTimeout(context.Background()))
	assert.False(t, e.player.Pending())

	reqs := e.retry.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, DefaultRetryURI, reqs[0].URI)
	assert.Equal(t, playback.QoSWait, reqs[0].QoS)

	select {
	case reason := <-e.restarter.C:
		t.Fatalf("unexpected restart: %s", reason)
	default:
	}
}

func TestHandlePendingTimeout_RestartAfterThirdEscalation(t *testing.T) {
	e := newEnv(t, nil)

	for i := 0; i < 2; i++ {
		e.escalate()
		assert.False(t, e.player.HandlePendingTimeout(context.Background()))
	}
	e.escalate()
	assert.Equal(t, 3, e.player.TriggerCount())
	assert.True(t, e.player.HandlePendingTimeout(context.Background()))
	assert.Len(t, e.retry.Requests(), 3, "retry prompt precedes the restart")
	assert.False(t, e.player.Pending())
	assert.True(t, e.player.RestartRequested())

	select {
	case <-e.restarter.C:
	default:
		t.Fatal("expected restart request")
	}
}

func TestHandlePendingTimeout_RestartRequestedOnce(t *testing.T) {
	e := newEnv(t, func(o *Options) {
		o.Window = watchdog.Config{Gap: time.Second, Span: 12 * time.Second, RestartAfter: 0}
	})

	e.escalate()
	require.True(t, e.player.HandlePendingTimeout(context.Background()))
	<-e.restarter.C

	// Later ticks and escalations neither prompt nor restart again.
	assert.False(t, e.player.HandlePendingTimeout(context.Background()))
	e.escalate()
	require.True(t, e.player.Pending())
	assert.False(t, e.player.HandlePendingTimeout(context.Background()))
	assert.False(t, e.player.Pending())
	assert.Len(t, e.retry.Requests(), 1)

	select {
	case reason := <-e.restarter.C:
		t.Fatalf("second restart requested: %s", reason)
	default:
	}
}

func TestHandlePendingTimeout_StopsRunningStream(t *testing.T) {
	e := newEnv(t, nil)
	srv := pcmServer(t, 3200)
	require.NoError(t, e.player.Play(context.Background(), srv.URL+"/a.pcm"))

	e.escalate()
	e.player.HandlePendingTimeout(context.Background())
	assert.Equal(t, playback.Idle, e.player.State())
	assert.False(t, e.player.IsPlaying())
}

func TestHandlePendingTimeout_Cancelled(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.RetryDelay = time.Hour })
	e.escalate()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, e.player.HandlePendingTimeout(ctx))
	assert.True(t, e.player.Pending(), "pending survives cancellation")
	assert.Empty(t, e.retry.Requests())
}

func TestStallDetectorFeedsWindow(t *testing.T) {
	e := newEnv(t, func(o *Options) {
		o.StallAfter = 10 * time.Millisecond
		o.Clock = nil
		o.Window = watchdog.Config{Gap: time.Second, Span: 0, RestartAfter: 2}
	})

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	require.NoError(t, e.player.Play(context.Background(), srv.URL+"/slow.pcm"))
	assert.Eventually(t, e.player.Pending, 2*time.Second, 5*time.Millisecond)
	assert.True(t, e.player.IsFailed())
	require.NoError(t, e.player.Stop())
}

// flakyServer answers the first fails requests with 500 and serves a PCM
// clip afterwards.
func flakyServer(t *testing.T, fails int, samples int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	body := audioio.SamplesToBytes(make([]int16, samples))
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if int(hits.Add(1)) <= fails {
			http.Error(w, "unavailable", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func waitReplayPending(t *testing.T, e *env) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.player.ReplayPending() && e.player.State() == playback.Idle
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReplay_FailedStreamReplaysAfterPrompt(t *testing.T) {
	e := newEnv(t, nil)
	e.dispatch(t)
	srv, hits := flakyServer(t, 1, 3200)

	require.NoError(t, e.player.Play(context.Background(), srv.URL+"/clip.pcm"))
	waitReplayPending(t, e)

	s := e.flags.Snapshot()
	assert.True(t, s.URLFailed)
	assert.True(t, s.URLPlaying, "stream still owns the output while a replay is due")
	assert.False(t, s.URLFinished)
	assert.Equal(t, 1, e.player.Replays())

	require.True(t, e.player.HandleReplay(context.Background()))
	reqs := e.retry.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, DefaultRetryURI, reqs[0].URI)
	assert.Equal(t, playback.QoSPreempt, reqs[0].QoS)

	assert.Eventually(t, func() bool {
		s := e.flags.Snapshot()
		return !s.URLPlaying && s.URLFinished
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, e.player.IsFailed())
	assert.NoError(t, e.player.LastError())
	assert.Equal(t, 0, e.player.Replays())
	assert.Equal(t, int32(2), hits.Load())
}

func TestReplay_GivesUpAfterMaxReplays(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.MaxReplays = 2 })
	e.dispatch(t)
	srv, hits := flakyServer(t, 100, 3200)

	require.NoError(t, e.player.Play(context.Background(), srv.URL+"/clip.pcm"))
	for i := 0; i < 2; i++ {
		waitReplayPending(t, e)
		require.True(t, e.player.HandleReplay(context.Background()))
	}

	require.Eventually(t, func() bool {
		s := e.flags.Snapshot()
		return !s.URLPlaying && s.URLFinished && e.player.State() == playback.Idle
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, e.player.IsFailed())
	assert.False(t, e.player.ReplayPending())
	assert.False(t, e.player.HandleReplay(context.Background()))
	assert.Len(t, e.retry.Requests(), 2)
	assert.Equal(t, int32(3), hits.Load())
}

func TestReplay_DisabledWithoutReplays(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.MaxReplays = 0 })
	e.dispatch(t)
	srv, _ := flakyServer(t, 1, 3200)

	require.NoError(t, e.player.Play(context.Background(), srv.URL+"/clip.pcm"))
	require.Eventually(t, func() bool {
		return e.flags.Snapshot().URLFinished && e.player.IsFailed()
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, e.player.ReplayPending())
	assert.False(t, e.flags.Snapshot().URLPlaying)
}

func TestReplay_StopCancelsReplay(t *testing.T) {
	e := newEnv(t, nil)
	e.dispatch(t)
	srv, _ := flakyServer(t, 1, 3200)

	require.NoError(t, e.player.Play(context.Background(), srv.URL+"/clip.pcm"))
	waitReplayPending(t, e)

	require.NoError(t, e.player.Stop())
	assert.False(t, e.player.ReplayPending())
	assert.False(t, e.player.IsPlaying())
	assert.True(t, e.flags.Snapshot().URLFinished)
	assert.False(t, e.player.HandleReplay(context.Background()))
	assert.Empty(t, e.retry.Requests())
	assert.ErrorIs(t, e.player.Stop(), playback.ErrNotRunning)
}

func TestReplay_ResumesLongStreamFromFailure(t *testing.T) {
	e := newEnv(t, nil)
	e.dispatch(t)

	body := audioio.SamplesToBytes(make([]int16, 16000))
	const cut = 8001 // mid-sample, the replay realigns to 8000

	sent := make(chan struct{})
	release := make(chan struct{})
	var ranges []string
	var mu sync.Mutex
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()
		if hits.Add(1) > 1 {
			http.ServeContent(w, r, "long.pcm", time.Time{}, bytes.NewReader(body))
			return
		}
		// Promise the whole clip, deliver part of it, then drop.
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body[:cut])
		w.(http.Flusher).Flush()
		close(sent)
		<-release
	}))
	t.Cleanup(srv.Close)

	require.NoError(t, e.player.Play(context.Background(), srv.URL+"/long.pcm"))
	<-sent
	require.Eventually(t, func() bool { return e.player.reader.Position() == cut }, 2*time.Second, 5*time.Millisecond)
	e.clock.Advance(4 * time.Second)
	close(release)

	waitReplayPending(t, e)
	require.True(t, e.player.HandleReplay(context.Background()))
	assert.Eventually(t, func() bool { return e.flags.Snapshot().URLFinished }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"", "bytes=8000-"}, ranges)
}

func TestReplay_ShortStreamStartsOver(t *testing.T) {
	e := newEnv(t, nil)
	e.dispatch(t)

	body := audioio.SamplesToBytes(make([]int16, 16000))
	var ranges []string
	var mu sync.Mutex
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()
		if hits.Add(1) > 1 {
			_, _ = w.Write(body)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body[:4000])
	}))
	t.Cleanup(srv.Close)

	require.NoError(t, e.player.Play(context.Background(), srv.URL+"/short.pcm"))
	waitReplayPending(t, e)
	require.True(t, e.player.HandleReplay(context.Background()))
	assert.Eventually(t, func() bool { return e.flags.Snapshot().URLFinished }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"", ""}, ranges)
}
