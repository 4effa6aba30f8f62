// Package config provides the configuration schema, loader, and hot-reload
// watcher for the voicelink client.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the matching [slog.Level]. Unknown and empty levels map
// to [slog.LevelInfo].
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Capture   CaptureConfig   `yaml:"capture"`
	Playback  PlaybackConfig  `yaml:"playback"`
	VAD       VADConfig       `yaml:"vad"`
}

// ServerConfig holds logging and the local observability listener.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat is "text" (default) or "json".
	LogFormat LogFormat `yaml:"log_format"`

	// MetricsAddr is the TCP address serving /metrics, /healthz and /readyz
	// (e.g., ":9090"). Empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr"`
}

// TransportConfig configures the connection to the remote voice peer.
type TransportConfig struct {
	// URL is the ws:// or wss:// endpoint. Overridden by VOICELINK_URL.
	URL string `yaml:"url"`

	// Headers are added to the WebSocket handshake (e.g., Authorization).
	Headers map[string]string `yaml:"headers"`

	// SendQueue is the outbound frame queue capacity. Frames beyond it are
	// dropped.
	SendQueue int `yaml:"send_queue"`

	// ReadLimit is the largest accepted inbound message in bytes.
	ReadLimit int64 `yaml:"read_limit"`

	// DialTimeout bounds the opening handshake.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// CaptureConfig configures the microphone.
type CaptureConfig struct {
	// Device is the input device name. Empty selects the system default.
	Device string `yaml:"device"`

	// SampleRate is the device capture rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// BlockSize is the number of samples per captured block.
	BlockSize int `yaml:"block_size"`

	// TargetRate is the outbound wire rate in Hz.
	TargetRate int `yaml:"target_rate"`
}

// PlaybackConfig configures the speaker.
type PlaybackConfig struct {
	// Device is the output device name. Empty selects the system default.
	Device string `yaml:"device"`

	// InboundSampleRate is the agreed rate of inbound frames in Hz.
	InboundSampleRate int `yaml:"inbound_sample_rate"`

	// OutputSampleRate is the rate the output device is opened at.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// BufferFrames is the output callback period in frames. Zero lets the
	// audio backend choose.
	BufferFrames int `yaml:"buffer_frames"`
}

// VADConfig holds the voice activity detection parameters shared by the
// local and remote detectors.
type VADConfig struct {
	// Threshold is the RMS level above which a block counts as speech.
	Threshold float64 `yaml:"threshold"`

	// SilenceTimeout is how long after the last loud block speech ends.
	SilenceTimeout time.Duration `yaml:"silence_timeout"`

	// CheckInterval is the cadence of the silence check.
	CheckInterval time.Duration `yaml:"check_interval"`
}

// Default values applied by [ApplyDefaults].
const (
	DefaultLogLevel          = LogInfo
	DefaultLogFormat         = LogFormatText
	DefaultSendQueue         = 64
	DefaultReadLimit         = 1 << 20
	DefaultDialTimeout       = 10 * time.Second
	DefaultCaptureRate       = 48000
	DefaultBlockSize         = 2048
	DefaultTargetRate        = 16000
	DefaultInboundSampleRate = 16000
	DefaultOutputSampleRate  = 48000
	DefaultVADThreshold      = 0.01
	DefaultSilenceTimeout    = 300 * time.Millisecond
	DefaultCheckInterval     = 100 * time.Millisecond
)

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.LogLevel == "" {
		s.LogLevel = DefaultLogLevel
	}
	if s.LogFormat == "" {
		s.LogFormat = DefaultLogFormat
	}

	t := &cfg.Transport
	if t.SendQueue == 0 {
		t.SendQueue = DefaultSendQueue
	}
	if t.ReadLimit == 0 {
		t.ReadLimit = DefaultReadLimit
	}
	if t.DialTimeout == 0 {
		t.DialTimeout = DefaultDialTimeout
	}

	c := &cfg.Capture
	if c.SampleRate == 0 {
		c.SampleRate = DefaultCaptureRate
	}
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.TargetRate == 0 {
		c.TargetRate = DefaultTargetRate
	}

	p := &cfg.Playback
	if p.InboundSampleRate == 0 {
		p.InboundSampleRate = DefaultInboundSampleRate
	}
	if p.OutputSampleRate == 0 {
		p.OutputSampleRate = DefaultOutputSampleRate
	}

	v := &cfg.VAD
	if v.Threshold == 0 {
		v.Threshold = DefaultVADThreshold
	}
	if v.SilenceTimeout == 0 {
		v.SilenceTimeout = DefaultSilenceTimeout
	}
	if v.CheckInterval == 0 {
		v.CheckInterval = DefaultCheckInterval
	}
}
