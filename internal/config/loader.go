package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown fields are rejected. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Transcriber.ModelPath == "" {
		errs = append(errs, errors.New("transcriber.model_path is required"))
	}
	if cfg.Transcriber.Threads < 0 {
		errs = append(errs, fmt.Errorf("transcriber.threads must not be negative, got %d", cfg.Transcriber.Threads))
	}
	if cfg.Transcriber.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("transcriber.max_concurrency must not be negative, got %d", cfg.Transcriber.MaxConcurrency))
	}
	if cfg.Transcriber.SegmentTimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("transcriber.segment_timeout_sec must not be negative, got %d", cfg.Transcriber.SegmentTimeoutSec))
	}

	if cfg.Pipeline.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("pipeline.queue_size must not be negative, got %d", cfg.Pipeline.QueueSize))
	}
	if cfg.Pipeline.OverflowPolicy != "" && !cfg.Pipeline.OverflowPolicy.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.overflow_policy %q is invalid; valid values: drop-oldest, block", cfg.Pipeline.OverflowPolicy))
	}
	if cfg.Pipeline.MinSegmentMs > 0 && cfg.Pipeline.MaxSegmentMs > 0 &&
		cfg.Pipeline.MinSegmentMs >= cfg.Pipeline.MaxSegmentMs {
		errs = append(errs, fmt.Errorf("pipeline.min_segment_ms (%d) must be below pipeline.max_segment_ms (%d)",
			cfg.Pipeline.MinSegmentMs, cfg.Pipeline.MaxSegmentMs))
	}

	if cfg.Recordings.Enabled && cfg.Recordings.Dir == "" {
		cfg.Recordings.Dir = "recordings"
	}

	if cfg.Cleanup.Provider != "" && cfg.Cleanup.Model == "" {
		errs = append(errs, errors.New("cleanup.model is required when cleanup.provider is set"))
	}

	return errors.Join(errs...)
}
