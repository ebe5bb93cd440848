package stages

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-voicebox/pkg/audioio"
	"github.com/teslashibe/go-voicebox/pkg/pipeline"
)

var mono16k = audioio.Format{SampleRate: 16000, Channels: 1, BitDepth: 16}

func startedSink(t *testing.T) *audioio.MockSink {
	t.Helper()
	cfg := audioio.DefaultConfig()
	sink := audioio.NewMockSink(cfg, nil)
	require.NoError(t, sink.Start(context.Background()))
	t.Cleanup(func() { sink.Close() })
	return sink
}

func waitFor(t *testing.T, p *pipeline.Pipeline, kind pipeline.EventKind, element string) pipeline.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-p.Events():
			if ev.Kind == kind && ev.Element == element {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s from %s", kind, element)
			return pipeline.Event{}
		}
	}
}

func TestCodecForURI(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"/spiffs/bo.mp3", CodecMP3},
		{"https://example.com/clip.WAV?token=1", CodecWAV},
		{"/tmp/prompt.pcm", CodecPCM},
		{"/tmp/prompt.raw", CodecPCM},
		{"https://example.com/stream", CodecMP3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CodecForURI(tt.uri), tt.uri)
	}
}

func TestFramesToPCM(t *testing.T) {
	frames := [][2]float64{{1.5, -1.5}, {0.5, 0}}

	stereo := framesToPCM(frames, 2)
	assert.Equal(t, []int16{32767, -32768, 16383, 0}, stereo)

	mono := framesToPCM(frames, 1)
	assert.Equal(t, []int16{32767, 16383}, mono)
}

func TestFileToDevice_PCMClip(t *testing.T) {
	dir := t.TempDir()
	clip := filepath.Join(dir, "beep.pcm")
	samples := make([]int16, 16000) // 1s mono
	for i := range samples {
		samples[i] = int16(i % 100)
	}
	require.NoError(t, os.WriteFile(clip, audioio.SamplesToBytes(samples), 0o644))

	sink := startedSink(t)
	reader := NewFileReader()
	reader.SetURI(clip)
	dec := NewClipDecoder(mono16k)
	dec.SetCodec(CodecForURI(clip))

	p := pipeline.New("tone")
	require.NoError(t, p.Register("file", reader))
	require.NoError(t, p.Register("dec", dec))
	require.NoError(t, p.Register("rsp", NewResampler(sink.Config().Format())))
	require.NoError(t, p.Register("out", NewDeviceWriter(sink, DeviceWriterOptions{Target: TargetDevice})))
	require.NoError(t, p.Link("file", "dec", "rsp", "out"))
	require.NoError(t, p.Run())

	ev := waitFor(t, p, pipeline.FormatDiscovered, "dec")
	assert.Equal(t, mono16k, ev.Format)
	waitFor(t, p, pipeline.Finished, "out")

	var total int
	for _, c := range sink.Chunks() {
		assert.Equal(t, 2, c.Channels)
		total += len(c.Samples)
	}
	assert.Equal(t, 32000, total, "mono clip upmixed to stereo")
}

func TestFileReader_Missing(t *testing.T) {
	reader := NewFileReader()
	reader.SetURI(filepath.Join(t.TempDir(), "missing.mp3"))

	p := pipeline.New("tone")
	require.NoError(t, p.Register("file", reader))
	require.NoError(t, p.Link("file"))
	require.NoError(t, p.Run())

	ev := waitFor(t, p, pipeline.Error, "file")
	assert.True(t, errors.Is(ev.Err, os.ErrNotExist))
}

func TestHTTPReader_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	reader := NewHTTPReader(srv.Client())
	reader.SetURI(srv.URL + "/clip.mp3")

	p := pipeline.New("url")
	require.NoError(t, p.Register("http", reader))
	require.NoError(t, p.Link("http"))
	require.NoError(t, p.Run())

	ev := waitFor(t, p, pipeline.Error, "http")
	var httpErr *HTTPError
	require.True(t, errors.As(ev.Err, &httpErr))
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
}

func TestHTTPReader_Body(t *testing.T) {
	body := make([]byte, ReadChunkSize*2+10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	reader := NewHTTPReader(srv.Client())
	reader.SetURI(srv.URL)

	var got atomic.Int64
	p := pipeline.New("url")
	require.NoError(t, p.Register("http", reader))
	require.NoError(t, p.Register("count", pipeline.ElementFunc(func(ctx context.Context, port *pipeline.Port) error {
		for {
			f, err := port.Recv(ctx)
			if err != nil {
				return nil
			}
			got.Add(int64(len(f.Data)))
		}
	})))
	require.NoError(t, p.Link("http", "count"))
	require.NoError(t, p.Run())

	waitFor(t, p, pipeline.Finished, "count")
	assert.Equal(t, int64(len(body)), got.Load())
}

func TestHTTPReader_Offset(t *testing.T) {
	body := make([]byte, ReadChunkSize+500)
	for i := range body {
		body[i] = byte(i)
	}
	const off = 1000

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"range honoured", func(w http.ResponseWriter, r *http.Request) {
			http.ServeContent(w, r, "clip.pcm", time.Time{}, bytes.NewReader(body))
		}},
		{"range ignored", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(body)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotRange atomic.Value
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotRange.Store(r.Header.Get("Range"))
				tt.handler(w, r)
			}))
			defer srv.Close()

			reader := NewHTTPReader(srv.Client())
			reader.SetURI(srv.URL + "/clip.pcm")
			reader.SetOffset(off)

			var mu sync.Mutex
			var got []byte
			p := pipeline.New("url")
			require.NoError(t, p.Register("http", reader))
			require.NoError(t, p.Register("collect", pipeline.ElementFunc(func(ctx context.Context, port *pipeline.Port) error {
				for {
					f, err := port.Recv(ctx)
					if err != nil {
						return nil
					}
					mu.Lock()
					got = append(got, f.Data...)
					mu.Unlock()
				}
			})))
			require.NoError(t, p.Link("http", "collect"))
			require.NoError(t, p.Run())

			waitFor(t, p, pipeline.Finished, "collect")
			assert.Equal(t, "bytes=1000-", gotRange.Load())
			mu.Lock()
			assert.Equal(t, body[off:], got)
			mu.Unlock()
			assert.Equal(t, int64(len(body)), reader.Position())
		})
	}
}

func TestDeviceWriter_DiscardReportsStopped(t *testing.T) {
	sink := startedSink(t)
	in := NewRawInput(8, mono16k)
	w := NewDeviceWriter(sink, DeviceWriterOptions{})

	p := pipeline.New("duplex")
	require.NoError(t, p.Register("raw", in))
	require.NoError(t, p.Register("out", w))
	require.NoError(t, p.Link("raw", "out"))
	require.NoError(t, p.Run())
	defer p.Terminate()

	// Discarded while not active.
	_, err := in.Write(make([]byte, 640))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sink.Chunks())

	w.SetTarget(TargetDevice)
	_, err = in.Write(make([]byte, 640))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(sink.Chunks()) == 1 }, time.Second, 5*time.Millisecond)

	w.SetTarget(TargetDiscard)
	ev := waitFor(t, p, pipeline.Stopped, "out")
	assert.Equal(t, p.Seq(), ev.Seq)
	assert.Empty(t, sink.Chunks(), "device cleared on detach")

	// Setting the same target twice is a no-op.
	w.SetTarget(TargetDiscard)
	select {
	case ev := <-p.Events():
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDeviceWriter_Stall(t *testing.T) {
	sink := startedSink(t)
	var stalls atomic.Int32
	w := NewDeviceWriter(sink, DeviceWriterOptions{
		Target:     TargetDevice,
		StallAfter: 10 * time.Millisecond,
		OnStall:    func() { stalls.Add(1) },
	})

	p := pipeline.New("url")
	require.NoError(t, p.Register("raw", NewRawInput(1, mono16k)))
	require.NoError(t, p.Register("out", w))
	require.NoError(t, p.Link("raw", "out"))
	require.NoError(t, p.Run())

	assert.Eventually(t, func() bool { return stalls.Load() >= 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Terminate())
	n := stalls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, stalls.Load(), "no stalls after the graph stops")
}

func TestRawOutput_ReadTimeout(t *testing.T) {
	out := NewRawOutput(1024)

	start := time.Now()
	n := out.Read(make([]byte, 10), 30*time.Millisecond)
	assert.Equal(t, 0, n)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestRawOutput_BufferAndFlush(t *testing.T) {
	in := NewRawInput(4, audioio.Format{})
	out := NewRawOutput(6)

	p := pipeline.New("rec")
	require.NoError(t, p.Register("raw", in))
	require.NoError(t, p.Register("out", out))
	require.NoError(t, p.Link("raw", "out"))
	require.NoError(t, p.Run())
	defer p.Terminate()

	_, _ = in.Write([]byte{1, 2, 3, 4})
	_, _ = in.Write([]byte{5, 6, 7, 8})
	assert.Eventually(t, func() bool { return out.Buffered() == 6 }, time.Second, 5*time.Millisecond)

	buf := make([]byte, 10)
	n := out.Read(buf, time.Second)
	assert.Equal(t, []byte{3, 4, 5, 6, 7, 8}, buf[:n], "oldest bytes dropped")

	_, _ = in.Write([]byte{9})
	assert.Eventually(t, func() bool { return out.Buffered() == 1 }, time.Second, 5*time.Millisecond)
	out.Flush()
	assert.Equal(t, 0, out.Read(buf, 10*time.Millisecond))
}

func TestRawInput_Closed(t *testing.T) {
	in := NewRawInput(1, mono16k)
	require.NoError(t, in.Close())

	_, err := in.Write([]byte{1})
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, in.TryWrite([]byte{1}))
}

func TestEnergyDetector(t *testing.T) {
	d := NewEnergyDetector(0.1, 2)
	loud := make([]int16, 160)
	for i := range loud {
		loud[i] = 20000
	}
	quiet := make([]int16, 160)

	assert.False(t, d.Detect(loud, mono16k))
	assert.True(t, d.Detect(loud, mono16k))
	assert.False(t, d.Detect(loud, mono16k), "counter restarts after a detection")
	assert.False(t, d.Detect(quiet, mono16k))
	assert.False(t, d.Detect(loud, mono16k))
	d.Reset()
	assert.False(t, d.Detect(loud, mono16k))
}

func TestWakeDetector_CallsOnWake(t *testing.T) {
	var woke atomic.Int32
	in := NewRawInput(4, mono16k)

	p := pipeline.New("rec")
	require.NoError(t, p.Register("raw", in))
	require.NoError(t, p.Register("wake", NewWakeDetector(NewEnergyDetector(0.1, 1), func() { woke.Add(1) }, nil)))
	require.NoError(t, p.Register("out", NewRawOutput(0)))
	require.NoError(t, p.Link("raw", "wake", "out"))
	require.NoError(t, p.Run())
	defer p.Terminate()

	loud := make([]int16, 160)
	for i := range loud {
		loud[i] = 20000
	}
	_, _ = in.Write(audioio.SamplesToBytes(loud))

	assert.Eventually(t, func() bool { return woke.Load() == 1 }, time.Second, 5*time.Millisecond)
}
