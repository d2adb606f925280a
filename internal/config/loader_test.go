package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/chorushq/chorus/internal/config"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
discord:
  token: "bot-token"
  guild_id: "123"
database:
  postgres_dsn: "postgres://chorus@localhost/chorus"
transcriber:
  model_path: "models/ggml-base.bin"
  language: "en"
  threads: 4
  max_concurrency: 1
  segment_timeout_sec: 45
  max_consecutive_timeouts: 2
pipeline:
  queue_size: 32
  overflow_policy: block
  silence_gap_ms: 800
  min_segment_ms: 400
  max_segment_ms: 20000
  jitter_window_ms: 60
  idle_timeout_sec: 120
recordings:
  enabled: true
  dir: "captures"
cleanup:
  provider: "ollama"
  model: "llama3.2"
`

func TestLoadFromReaderValid(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader() error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v, want :8080/debug", cfg.Server)
	}
	if cfg.Discord.Token != "bot-token" || cfg.Discord.GuildID != "123" {
		t.Errorf("discord = %+v", cfg.Discord)
	}
	if cfg.Transcriber.ModelPath != "models/ggml-base.bin" {
		t.Errorf("model_path = %q", cfg.Transcriber.ModelPath)
	}
	if got := cfg.Transcriber.SegmentTimeout(); got != 45*time.Second {
		t.Errorf("SegmentTimeout() = %v, want 45s", got)
	}
	if cfg.Pipeline.OverflowPolicy != config.OverflowBlock {
		t.Errorf("overflow_policy = %q, want block", cfg.Pipeline.OverflowPolicy)
	}
	if got := cfg.Pipeline.SilenceGap(); got != 800*time.Millisecond {
		t.Errorf("SilenceGap() = %v, want 800ms", got)
	}
	if got := cfg.Pipeline.IdleTimeout(); got != 2*time.Minute {
		t.Errorf("IdleTimeout() = %v, want 2m", got)
	}
	if !cfg.Recordings.Enabled || cfg.Recordings.Dir != "captures" {
		t.Errorf("recordings = %+v", cfg.Recordings)
	}
	if !cfg.Cleanup.Enabled() {
		t.Error("Cleanup.Enabled() = false, want true with provider set")
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	yaml := `
discord:
  token: "t"
  tokken_typo: "x"
transcriber:
  model_path: "m.bin"
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("unknown field accepted, want decode error")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  log_level: noisy
discord:
  token: ""
transcriber:
  model_path: ""
  threads: -1
pipeline:
  overflow_policy: sometimes
  min_segment_ms: 5000
  max_segment_ms: 1000
cleanup:
  provider: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{
		"server.log_level",
		"transcriber.model_path",
		"transcriber.threads",
		"pipeline.overflow_policy",
		"pipeline.min_segment_ms",
		"cleanup.model",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

func TestValidateAllowsEmptyDiscordToken(t *testing.T) {
	t.Parallel()

	// Token-less configs are valid: the server runs without voice capture.
	yaml := `
transcriber:
  model_path: "m.bin"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader() error: %v", err)
	}
	if cfg.Discord.Token != "" {
		t.Errorf("token = %q, want empty", cfg.Discord.Token)
	}
}

func TestValidateDefaultsRecordingsDir(t *testing.T) {
	t.Parallel()

	yaml := `
discord:
  token: "t"
transcriber:
  model_path: "m.bin"
recordings:
  enabled: true
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader() error: %v", err)
	}
	if cfg.Recordings.Dir != "recordings" {
		t.Errorf("recordings.dir = %q, want default %q", cfg.Recordings.Dir, "recordings")
	}
}

func TestLogLevelValidity(t *testing.T) {
	t.Parallel()

	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q reported invalid", l)
		}
	}
	if config.LogLevel("verbose").IsValid() {
		t.Error("unknown level reported valid")
	}
}
