// Package config loads the voicebox configuration file.
//
// Files are YAML. They are checked against an embedded JSON Schema before
// decoding, then environment overrides are applied and the result is
// validated.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-voicebox/pkg/audioio"
	"github.com/teslashibe/go-voicebox/pkg/orchestrator"
	"github.com/teslashibe/go-voicebox/pkg/recorder"
	"github.com/teslashibe/go-voicebox/pkg/watchdog"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "voicebox://config.schema.json"

// Config is the complete file configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Mode is the recorder activation mode, e.g. "button_wakeup".
	Mode string `yaml:"mode" json:"mode"`

	Audio      audioio.Config   `yaml:"audio" json:"audio"`
	Storage    StorageConfig    `yaml:"storage" json:"storage"`
	Tone       ToneConfig       `yaml:"tone" json:"tone"`
	Stream     StreamConfig     `yaml:"stream" json:"stream"`
	Duplex     DuplexConfig     `yaml:"duplex" json:"duplex"`
	Recorder   RecorderConfig   `yaml:"recorder" json:"recorder"`
	Supervisor SupervisorConfig `yaml:"supervisor" json:"supervisor"`
	Web        WebConfig        `yaml:"web" json:"web"`
	Feeds      FeedsConfig      `yaml:"feeds" json:"feeds"`
}

// StorageConfig locates local clips.
type StorageConfig struct {
	Root        string `yaml:"root" json:"root"`
	FallbackURI string `yaml:"fallback_uri" json:"fallback_uri"`
}

// ToneConfig configures the tone player.
type ToneConfig struct {
	// WaitTimeout bounds QoS 1 requests.
	WaitTimeout time.Duration `yaml:"wait_timeout" json:"wait_timeout"`
}

// StreamConfig configures the streaming player and its watchdog.
type StreamConfig struct {
	StallAfter  time.Duration   `yaml:"stall_after" json:"stall_after"`
	RetryURI    string          `yaml:"retry_uri" json:"retry_uri"`
	RetryDelay  time.Duration   `yaml:"retry_delay" json:"retry_delay"`
	MaxReplays  int             `yaml:"max_replays" json:"max_replays"`
	ResumeAfter time.Duration   `yaml:"resume_after" json:"resume_after"`
	Watchdog    watchdog.Config `yaml:"watchdog" json:"watchdog"`
}

// DuplexConfig configures the conversational player.
type DuplexConfig struct {
	Codec      string `yaml:"codec" json:"codec"`
	SampleRate int    `yaml:"sample_rate" json:"sample_rate"`
	Channels   int    `yaml:"channels" json:"channels"`
	InputDepth int    `yaml:"input_depth" json:"input_depth"`
}

// RecorderConfig configures capture.
type RecorderConfig struct {
	Enabled            bool          `yaml:"enabled" json:"enabled"`
	Codec              string        `yaml:"codec" json:"codec"`
	SampleRate         int           `yaml:"sample_rate" json:"sample_rate"`
	Channels           int           `yaml:"channels" json:"channels"`
	ReadTimeout        time.Duration `yaml:"read_timeout" json:"read_timeout"`
	BufferBytes        int           `yaml:"buffer_bytes" json:"buffer_bytes"`
	MuteWhileStreaming bool          `yaml:"mute_while_streaming" json:"mute_while_streaming"`
}

// SupervisorConfig configures the supervisor loop.
type SupervisorConfig struct {
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// WebConfig configures the control API.
type WebConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	Port    int  `yaml:"port" json:"port"`
}

// FeedsConfig configures the network audio feeds of the duplex player.
type FeedsConfig struct {
	// WebsocketURL is a server to pull audio from. Empty disables it.
	WebsocketURL   string        `yaml:"websocket_url" json:"websocket_url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`

	// Server accepts pushed audio on /ws/duplex of the control API.
	Server bool `yaml:"server" json:"server"`

	// RTPAddr is a UDP address to receive RTP on. Empty disables it.
	RTPAddr        string `yaml:"rtp_addr" json:"rtp_addr"`
	RTPPayloadType uint8  `yaml:"rtp_payload_type" json:"rtp_payload_type"`

	// WebRTC answers offers on /api/duplex/offer of the control API.
	WebRTC     bool     `yaml:"webrtc" json:"webrtc"`
	ICEServers []string `yaml:"ice_servers" json:"ice_servers"`
}

// Default returns the built-in configuration.
func Default() Config {
	oc := orchestrator.DefaultConfig()
	return Config{
		LogLevel: "info",
		Mode:     recorder.ModeButtonWakeup.String(),
		Audio:    audioio.DefaultConfig(),
		Storage: StorageConfig{
			Root:        oc.StorageRoot,
			FallbackURI: oc.FallbackURI,
		},
		Tone: ToneConfig{WaitTimeout: oc.ToneWait},
		Stream: StreamConfig{
			StallAfter:  oc.StallAfter,
			RetryURI:    oc.RetryURI,
			RetryDelay:  oc.RetryDelay,
			MaxReplays:  oc.MaxReplays,
			ResumeAfter: oc.ResumeAfter,
			Watchdog:    oc.Watchdog,
		},
		Duplex: DuplexConfig{
			Codec:      oc.DuplexCodec,
			SampleRate: oc.DuplexFormat.SampleRate,
			Channels:   oc.DuplexFormat.Channels,
			InputDepth: oc.DuplexInputDepth,
		},
		Recorder: RecorderConfig{
			Enabled:            true,
			Codec:              oc.RecorderCodec,
			SampleRate:         oc.RecorderFormat.SampleRate,
			Channels:           oc.RecorderFormat.Channels,
			ReadTimeout:        oc.RecorderTimeout,
			BufferBytes:        oc.RecorderBuffer,
			MuteWhileStreaming: oc.MuteWhileStreaming,
		},
		Supervisor: SupervisorConfig{Interval: oc.SupervisorInterval},
		Web:        WebConfig{Enabled: true, Port: 8080},
		Feeds:      FeedsConfig{ReconnectDelay: 2 * time.Second, RTPPayloadType: 111},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path loads only the defaults and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}

	ApplyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse checks data against the schema and decodes it over cfg.
func Parse(data []byte, cfg *Config) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return nil
	}
	if err := validateSchema(doc); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

var compiled *jsonschema.Schema

func schema() (*jsonschema.Schema, error) {
	if compiled != nil {
		return compiled, nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	compiled = s
	return s, nil
}

// validateSchema round-trips doc through JSON so the validator sees JSON
// types only.
func validateSchema(doc any) error {
	s, err := schema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := s.Validate(payload); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Validate checks values the schema cannot.
func (c *Config) Validate() error {
	if _, err := recorder.ParseMode(c.Mode); err != nil {
		return err
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio: %w", err)
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	if c.Stream.Watchdog.Gap <= 0 || c.Stream.Watchdog.Span <= 0 {
		return fmt.Errorf("stream.watchdog gap and span must be positive")
	}
	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be 1-65535, got %d", c.Web.Port)
	}
	if c.Feeds.Server && !c.Web.Enabled {
		return fmt.Errorf("feeds.server requires web.enabled")
	}
	if c.Feeds.WebRTC && !c.Web.Enabled {
		return fmt.Errorf("feeds.webrtc requires web.enabled")
	}
	return nil
}

// RecorderMode returns the parsed mode.
func (c *Config) RecorderMode() recorder.Mode {
	m, _ := recorder.ParseMode(c.Mode)
	return m
}

// Orchestrator converts the file configuration.
func (c *Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		StorageRoot:        c.Storage.Root,
		FallbackURI:        c.Storage.FallbackURI,
		ToneWait:           c.Tone.WaitTimeout,
		StallAfter:         c.Stream.StallAfter,
		Watchdog:           c.Stream.Watchdog,
		RetryURI:           c.Stream.RetryURI,
		RetryDelay:         c.Stream.RetryDelay,
		MaxReplays:         c.Stream.MaxReplays,
		ResumeAfter:        c.Stream.ResumeAfter,
		SupervisorInterval: c.Supervisor.Interval,
		DuplexCodec:        c.Duplex.Codec,
		DuplexFormat:       pcm16(c.Duplex.SampleRate, c.Duplex.Channels),
		DuplexInputDepth:   c.Duplex.InputDepth,
		RecorderCodec:      c.Recorder.Codec,
		RecorderFormat:     pcm16(c.Recorder.SampleRate, c.Recorder.Channels),
		RecorderTimeout:    c.Recorder.ReadTimeout,
		RecorderBuffer:     c.Recorder.BufferBytes,
		ClipFormat:         orchestrator.DefaultConfig().ClipFormat,
		MuteWhileStreaming: c.Recorder.MuteWhileStreaming,
	}
}

func pcm16(rate, channels int) audioio.Format {
	return audioio.Format{SampleRate: rate, Channels: channels, BitDepth: 16}
}
