package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// EnvURL is the environment variable that overrides transport.url.
const EnvURL = "VOICELINK_URL"

// Load reads the YAML configuration file at path, applies the environment
// override and defaults, and returns a validated [Config]. An empty path
// yields the defaults plus the environment override.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := &Config{}
		applyEnv(cfg)
		ApplyDefaults(cfg)
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	applyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if u := os.Getenv(EnvURL); u != "" {
		cfg.Transport.URL = u
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	// Transport
	if cfg.Transport.URL == "" {
		slog.Warn("transport.url is empty; set it in the config file or via " + EnvURL)
	} else if u, err := url.Parse(cfg.Transport.URL); err != nil {
		errs = append(errs, fmt.Errorf("transport.url %q: %w", cfg.Transport.URL, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("transport.url %q must use the ws or wss scheme", cfg.Transport.URL))
	}
	if cfg.Transport.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("transport.send_queue %d must not be negative", cfg.Transport.SendQueue))
	}
	if cfg.Transport.ReadLimit < 0 {
		errs = append(errs, fmt.Errorf("transport.read_limit %d must not be negative", cfg.Transport.ReadLimit))
	}
	if cfg.Transport.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("transport.dial_timeout %v must not be negative", cfg.Transport.DialTimeout))
	}

	// Capture
	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must not be negative", cfg.Capture.SampleRate))
	}
	if cfg.Capture.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("capture.block_size %d must not be negative", cfg.Capture.BlockSize))
	}
	if cfg.Capture.TargetRate < 0 {
		errs = append(errs, fmt.Errorf("capture.target_rate %d must not be negative", cfg.Capture.TargetRate))
	}
	if cfg.Capture.TargetRate > 0 && cfg.Capture.SampleRate > 0 && cfg.Capture.TargetRate > cfg.Capture.SampleRate {
		slog.Warn("capture.target_rate exceeds capture.sample_rate; outbound audio will be upsampled",
			"sample_rate", cfg.Capture.SampleRate,
			"target_rate", cfg.Capture.TargetRate,
		)
	}

	// Playback
	if cfg.Playback.InboundSampleRate < 0 {
		errs = append(errs, fmt.Errorf("playback.inbound_sample_rate %d must not be negative", cfg.Playback.InboundSampleRate))
	}
	if cfg.Playback.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("playback.output_sample_rate %d must not be negative", cfg.Playback.OutputSampleRate))
	}
	if cfg.Playback.BufferFrames < 0 {
		errs = append(errs, fmt.Errorf("playback.buffer_frames %d must not be negative", cfg.Playback.BufferFrames))
	}

	// VAD
	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.4f is out of range [0, 1]", cfg.VAD.Threshold))
	}
	if cfg.VAD.SilenceTimeout < 0 {
		errs = append(errs, fmt.Errorf("vad.silence_timeout %v must not be negative", cfg.VAD.SilenceTimeout))
	}
	if cfg.VAD.CheckInterval < 0 {
		errs = append(errs, fmt.Errorf("vad.check_interval %v must not be negative", cfg.VAD.CheckInterval))
	}
	if cfg.VAD.CheckInterval > 0 && cfg.VAD.SilenceTimeout > 0 && cfg.VAD.CheckInterval > cfg.VAD.SilenceTimeout {
		slog.Warn("vad.check_interval is longer than vad.silence_timeout; speech end will be detected late",
			"check_interval", cfg.VAD.CheckInterval,
			"silence_timeout", cfg.VAD.SilenceTimeout,
		)
	}

	return errors.Join(errs...)
}
