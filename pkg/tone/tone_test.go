package tone

import (
	"context"
	"os"
	"path/filepath"
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
)

type env struct {
	player  *Player
	flags   *state.Flags
	arbiter *output.Arbiter
	gate    *device.StaticGate
	root    string
}

func writeClip(t *testing.T, root, name string, samples int) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, name), audioio.SamplesToBytes(make([]int16, samples)), 0o644))
}

func newEnv(t *testing.T, mutate func(*Options)) *env {
	t.Helper()
	root := t.TempDir()
	writeClip(t, root, "bo.pcm", 1600)
	writeClip(t, root, "hello.pcm", 1600)

	sink := audioio.NewMockSink(audioio.DefaultConfig(), nil)
	require.NoError(t, sink.Start(context.Background()))
	t.Cleanup(func() { sink.Close() })

	e := &env{
		flags:   state.NewFlags(),
		arbiter: output.NewArbiter(nil),
		gate:    &device.StaticGate{},
		root:    root,
	}

	opts := DefaultOptions()
	opts.Sink = sink
	opts.Arbiter = e.arbiter
	opts.Flags = e.flags
	opts.Gate = e.gate
	opts.StorageRoot = root
	opts.FallbackURI = SchemeSpiffs + "bo.pcm"
	if mutate != nil {
		mutate(&opts)
	}

	p, err := New(opts)
	require.NoError(t, err)
	e.arbiter.Register(p)
	e.player = p
	t.Cleanup(func() { p.Close() })
	return e
}

// complete forwards output terminal events to the player until the test ends.
func (e *env) complete(t *testing.T) {
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
				if ev.Element == ElemOutput && ev.Kind.Terminal() {
					e.player.Complete(ev)
				}
			}
		}
	}()
}

func req(qos playback.QoS, uri string) playback.ToneRequest {
	return playback.ToneRequest{QoS: qos, URI: uri}
}

func TestPlay_RunsToCompletion(t *testing.T) {
	e := newEnv(t, nil)
	e.complete(t)

	require.NoError(t, e.player.Play(context.Background(), req(playback.QoSDrop, "spiffs://spiffs/hello.pcm")))

	assert.Eventually(t, func() bool {
		s := e.flags.Snapshot()
		return !s.TonePlaying && s.LocalFinished
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, playback.Idle, e.player.State())
	assert.Equal(t, Name, e.arbiter.Owner())
}

func TestPlay_DropWhenBusy(t *testing.T) {
	e := newEnv(t, nil)
	e.flags.SetURLPlaying(true)

	err := e.player.Play(context.Background(), req(playback.QoSDrop, "spiffs://spiffs/hello.pcm"))
	assert.ErrorIs(t, err, playback.ErrBusy)
	assert.Equal(t, playback.Idle, e.player.State())
	assert.False(t, e.flags.Snapshot().TonePlaying)
}

func TestPlay_WaitUnblocksWhenIdle(t *testing.T) {
	e := newEnv(t, nil)
	e.flags.SetTonePlaying(true)

	go func() {
		time.Sleep(500 * time.Millisecond)
		e.flags.SetTonePlaying(false)
	}()

	start := time.Now()
	require.NoError(t, e.player.Play(context.Background(), req(playback.QoSWait, "spiffs://spiffs/hello.pcm")))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 450*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, playback.Running, e.player.State())
}

func TestPlay_WaitTimesOut(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.WaitTimeout = 50 * time.Millisecond })
	e.flags.SetURLPlaying(true)

	err := e.player.Play(context.Background(), req(playback.QoSWait, "spiffs://spiffs/hello.pcm"))
	assert.ErrorIs(t, err, playback.ErrTimeout)
	assert.Equal(t, playback.Idle, e.player.State())
}

func TestPlay_WaitHonoursCallerContext(t *testing.T) {
	e := newEnv(t, nil)
	e.flags.SetURLPlaying(true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.player.Play(ctx, req(playback.QoSWait, "spiffs://spiffs/hello.pcm"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPlay_Restricted(t *testing.T) {
	e := newEnv(t, nil)
	e.gate.Set(true)

	err := e.player.Play(context.Background(), req(playback.QoSPreempt, "spiffs://spiffs/hello.pcm"))
	assert.ErrorIs(t, err, playback.ErrRestricted)
	assert.Equal(t, playback.Idle, e.player.State())
	assert.Equal(t, state.Snapshot{}, e.flags.Snapshot())

	allowed := req(playback.QoSDrop, "spiffs://spiffs/hello.pcm")
	allowed.AllowWhenRestricted = true
	require.NoError(t, e.player.Play(context.Background(), allowed))
	assert.True(t, e.flags.Snapshot().TonePlaying)
}

func TestPlay_InvalidQoS(t *testing.T) {
	e := newEnv(t, nil)
	err := e.player.Play(context.Background(), req(playback.QoS(7), "spiffs://spiffs/hello.pcm"))
	assert.ErrorIs(t, err, playback.ErrInvalidQoS)
}

type fakePlayer struct {
	running atomic.Bool
	stops   atomic.Int32
}

func (f *fakePlayer) Name() string  { return "url" }
func (f *fakePlayer) Running() bool { return f.running.Load() }
func (f *fakePlayer) Stop() error {
	f.stops.Add(1)
	f.running.Store(false)
	return nil
}

func TestPlay_PreemptStopsOtherPlayer(t *testing.T) {
	e := newEnv(t, nil)
	other := &fakePlayer{}
	other.running.Store(true)
	e.arbiter.Register(other)
	e.flags.SetURLPlaying(true)

	require.NoError(t, e.player.Play(context.Background(), req(playback.QoSPreempt, "spiffs://spiffs/hello.pcm")))
	assert.Equal(t, int32(1), other.stops.Load())
	assert.Equal(t, Name, e.arbiter.Owner())
}

func TestPlay_PreemptRestartsOwnGraph(t *testing.T) {
	e := newEnv(t, nil)
	writeClip(t, e.root, "long.pcm", 16000*10)

	require.NoError(t, e.player.Play(context.Background(), req(playback.QoSPreempt, "spiffs://spiffs/long.pcm")))
	first := e.player.graph.Seq()
	require.NoError(t, e.player.Play(context.Background(), req(playback.QoSPreempt, "spiffs://spiffs/hello.pcm")))
	second := e.player.graph.Seq()

	assert.Greater(t, second, first)
	// A terminal event from the replaced run is ignored.
	assert.False(t, e.player.Complete(pipeline.Event{Kind: pipeline.Stopped, Element: ElemOutput, Seq: first}))
	assert.Equal(t, playback.Running, e.player.State())
	assert.True(t, e.flags.Snapshot().TonePlaying)
}

func TestResolve(t *testing.T) {
	e := newEnv(t, nil)

	path, err := e.player.Resolve("spiffs://spiffs/hello.pcm")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(e.root, "hello.pcm"), path)

	path, err = e.player.Resolve("file://" + filepath.Join(e.root, "hello.pcm"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(e.root, "hello.pcm"), path)

	path, err = e.player.Resolve("spiffs://spiffs/missing.mp3")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(e.root, "bo.pcm"), path, "missing clip falls back")

	_, err = e.player.Resolve("https://example.com/clip.mp3")
	var resErr *playback.ResourceError
	assert.ErrorAs(t, err, &resErr)
}

func TestResolve_StaysUnderStorageRoot(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(e.root, "chimes"), 0o755))
	writeClip(t, filepath.Join(e.root, "chimes"), "ding.pcm", 160)

	outside := t.TempDir()
	writeClip(t, outside, "secret.pcm", 160)
	secret := filepath.Join(outside, "secret.pcm")
	escape, err := filepath.Rel(e.root, secret)
	require.NoError(t, err)
	escape = filepath.ToSlash(escape)

	fallback := filepath.Join(e.root, "bo.pcm")
	tests := []struct {
		name string
		uri  string
		want string
	}{
		{"spiffs nested", "spiffs://spiffs/chimes/ding.pcm", filepath.Join(e.root, "chimes", "ding.pcm")},
		{"spiffs dot segments inside root", "spiffs://spiffs/chimes/../hello.pcm", filepath.Join(e.root, "hello.pcm")},
		{"spiffs leading slash", "spiffs://spiffs//hello.pcm", filepath.Join(e.root, "hello.pcm")},
		{"spiffs parent escape", "spiffs://spiffs/" + escape, fallback},
		{"spiffs deep escape", "spiffs://spiffs/../../../../etc/passwd", fallback},
		{"relative escape", escape, fallback},
		{"file outside root", "file://" + secret, fallback},
		{"absolute outside root", secret, fallback},
		{"file escape through root", "file://" + filepath.Join(e.root, "..", filepath.Base(outside), "secret.pcm"), fallback},
		{"storage root itself", "file://" + e.root, fallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, err := e.player.Resolve(tt.uri)
			require.NoError(t, err)
			assert.Equal(t, tt.want, path)
		})
	}
}

func TestPlay_EscapingURIPlaysFallback(t *testing.T) {
	e := newEnv(t, nil)
	e.complete(t)

	require.NoError(t, e.player.Play(context.Background(), req(playback.QoSDrop, "spiffs://spiffs/../../etc/passwd")))
	assert.Equal(t, filepath.Join(e.root, "bo.pcm"), e.player.reader.URI())
	assert.Eventually(t, func() bool { return e.flags.Snapshot().LocalFinished }, 2*time.Second, 5*time.Millisecond)
}

func TestPlay_MissingClipPlaysFallback(t *testing.T) {
	e := newEnv(t, nil)
	e.complete(t)

	require.NoError(t, e.player.Play(context.Background(), req(playback.QoSDrop, "spiffs://spiffs/nope.mp3")))
	assert.Equal(t, filepath.Join(e.root, "bo.pcm"), e.player.reader.URI())
	assert.Eventually(t, func() bool { return e.flags.Snapshot().LocalFinished }, 2*time.Second, 5*time.Millisecond)
}

func TestStop(t *testing.T) {
	e := newEnv(t, nil)
	assert.ErrorIs(t, e.player.Stop(), playback.ErrNotRunning)

	writeClip(t, e.root, "long.pcm", 16000*10)
	require.NoError(t, e.player.Play(context.Background(), req(playback.QoSDrop, "spiffs://spiffs/long.pcm")))
	require.NoError(t, e.player.Stop())
	assert.Equal(t, playback.Idle, e.player.State())
	assert.False(t, e.flags.Snapshot().TonePlaying)
}

func TestOnFormat_ClearsLocalFinished(t *testing.T) {
	e := newEnv(t, nil)
	e.flags.SetLocalFinished(true)

	e.player.OnFormat(pipeline.Event{Kind: pipeline.FormatDiscovered, Seq: e.player.graph.Seq() + 1})
	assert.True(t, e.flags.Snapshot().LocalFinished, "stale format ignored")

	e.player.OnFormat(pipeline.Event{Kind: pipeline.FormatDiscovered, Seq: e.player.graph.Seq()})
	assert.False(t, e.flags.Snapshot().LocalFinished)
}
