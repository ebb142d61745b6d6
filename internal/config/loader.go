package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Load] when the corresponding fields are unset.
const (
	DefaultListenAddr     = ":8080"
	DefaultSampleRate     = 48000
	DefaultConnectTimeout = 10 * time.Second
	DefaultPingInterval   = 20 * time.Second
	DefaultDrainGrace     = 3 * time.Second
	DefaultMaxBuffer      = 1 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Engine.SampleRate == 0 {
		cfg.Engine.SampleRate = DefaultSampleRate
	}
	if cfg.Engine.ConnectTimeout == 0 {
		cfg.Engine.ConnectTimeout = Duration(DefaultConnectTimeout)
	}
	if cfg.Engine.PingInterval == 0 {
		cfg.Engine.PingInterval = Duration(DefaultPingInterval)
	}
	if cfg.Bridge.DrainGrace == 0 {
		cfg.Bridge.DrainGrace = Duration(DefaultDrainGrace)
	}
	if cfg.Bridge.MaxBuffer == 0 {
		cfg.Bridge.MaxBuffer = Duration(DefaultMaxBuffer)
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
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Engine
	if cfg.Engine.APIKey == "" {
		errs = append(errs, errors.New("engine.api_key is required"))
	}
	if cfg.Engine.ConfigID == "" {
		slog.Warn("engine.config_id is empty; the engine's account default configuration will be used")
	}
	if cfg.Engine.SampleRate < 8000 {
		errs = append(errs, fmt.Errorf("engine.sample_rate %d is below the 8000 Hz minimum", cfg.Engine.SampleRate))
	}
	if cfg.Engine.ConnectTimeout < 0 {
		errs = append(errs, errors.New("engine.connect_timeout must not be negative"))
	}
	if cfg.Engine.PingInterval < 0 {
		errs = append(errs, errors.New("engine.ping_interval must not be negative"))
	}

	// Bridge
	if cfg.Bridge.DrainGrace < 0 {
		errs = append(errs, errors.New("bridge.drain_grace must not be negative"))
	}
	if cfg.Bridge.MaxBuffer.Std() < 20*time.Millisecond {
		errs = append(errs, fmt.Errorf("bridge.max_buffer %v is below one 20ms playout chunk", cfg.Bridge.MaxBuffer.Std()))
	}

	// Call log availability
	if cfg.CallLog.PostgresDSN == "" {
		slog.Warn("calllog.postgres_dsn is empty; call records will not be persisted")
	}

	return errors.Join(errs...)
}
