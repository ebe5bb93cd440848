package audioio

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// SinkFactory opens a hardware sink. Backends register one from init.
type SinkFactory func(cfg Config, logger *slog.Logger) (Sink, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[Backend]SinkFactory{}
)

// RegisterSink makes a sink backend available to NewSink.
// It panics if the backend is registered twice.
func RegisterSink(backend Backend, f SinkFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if f == nil {
		panic("audioio: RegisterSink factory is nil")
	}
	if _, dup := factories[backend]; dup {
		panic("audioio: RegisterSink called twice for " + string(backend))
	}
	factories[backend] = f
}

// NewSource creates a new audio source with the given configuration.
// Only the mock backend captures in-process; device capture is fed through
// the network feeds instead.
func NewSource(cfg Config, logger *slog.Logger) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("creating audio source",
		"backend", cfg.Backend,
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"buffer_ms", cfg.BufferDuration.Milliseconds(),
	)

	return NewMockSource(cfg, logger), nil
}

// NewSink creates a new audio sink with the given configuration.
// If cfg.Backend is BackendAuto, the speaker is used when registered and the
// mock otherwise.
func NewSink(cfg Config, logger *slog.Logger) (Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	backend := cfg.Backend
	if backend == BackendAuto || backend == "" {
		backend = detectBestBackend()
	}

	logger.Info("creating audio sink",
		"backend", backend,
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"buffer_ms", cfg.BufferDuration.Milliseconds(),
	)

	if backend == BackendMock {
		return NewMockSink(cfg, logger), nil
	}

	factoriesMu.RLock()
	f, ok := factories[backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
	return f(cfg, logger)
}

func detectBestBackend() Backend {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	if _, ok := factories[BackendSpeaker]; ok {
		return BackendSpeaker
	}
	return BackendMock
}

// AvailableBackends returns the sink backends linked into this binary.
func AvailableBackends() []Backend {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	backends := []Backend{BackendMock}
	for b := range factories {
		backends = append(backends, b)
	}
	sort.Slice(backends[1:], func(i, j int) bool { return backends[i+1] < backends[j+1] })
	return backends
}
