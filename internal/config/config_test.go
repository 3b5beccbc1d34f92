package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Capture.SampleRate != 44100 {
		t.Fatalf("expected default sample rate 44100, got %d", cfg.Capture.SampleRate)
	}
	if cfg.Capture.DurationMS != 5000 {
		t.Fatalf("expected default duration 5000ms, got %d", cfg.Capture.DurationMS)
	}
	if len(cfg.Model.Samples) != 6 {
		t.Fatalf("expected 6 default samples, got %d", len(cfg.Model.Samples))
	}
	if cfg.STT.Language != "en-US" {
		t.Fatalf("expected default language en-US, got %q", cfg.STT.Language)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_CAPTURE_DURATION_MS", "3000")
	t.Setenv("LOQA_CAPTURE_SAMPLE_RATE", "16000")
	t.Setenv("LOQA_STT_MODE", "http")
	t.Setenv("LOQA_STT_ENDPOINT", "http://stt:9000")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_MODEL_PRECISION", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !cfg.Bus.Enabled {
		t.Fatal("expected bus enabled override")
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || !cfg.Bus.TLSInsecure {
		t.Fatalf("expected bus credential overrides")
	}
	if cfg.Capture.DurationMS != 3000 || cfg.Capture.SampleRate != 16000 {
		t.Fatalf("expected capture overrides, got %+v", cfg.Capture)
	}
	if cfg.STT.Mode != "http" || cfg.STT.Endpoint != "http://stt:9000" {
		t.Fatalf("expected stt overrides, got %+v", cfg.STT)
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.Model.Precision != 3 {
		t.Fatalf("expected precision override, got %d", cfg.Model.Precision)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "predict.yaml")
	data := []byte(`
runtime_name: test-runtime
capture:
  mode: file
  file: ./clip.wav
  duration_ms: 2000
model:
  samples:
    - {x: 0, y: 0}
    - {x: 1, y: 2}
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "test-runtime" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Capture.Mode != "file" || cfg.Capture.File != "./clip.wav" {
		t.Fatalf("unexpected capture config %+v", cfg.Capture)
	}
	if len(cfg.Model.Samples) != 2 || cfg.Model.Samples[1].Y != 2 {
		t.Fatalf("unexpected samples %+v", cfg.Model.Samples)
	}
	// untouched sections keep defaults
	if cfg.Capture.SampleRate != 44100 {
		t.Fatalf("expected default sample rate to survive, got %d", cfg.Capture.SampleRate)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"capture mode":  func(c *Config) { c.Capture.Mode = "portaudio" },
		"exec command":  func(c *Config) { c.Capture.Mode = "exec"; c.Capture.Command = "" },
		"stt endpoint":  func(c *Config) { c.STT.Mode = "http"; c.STT.Endpoint = "" },
		"one sample":    func(c *Config) { c.Model.Samples = c.Model.Samples[:1] },
		"stereo":        func(c *Config) { c.Capture.Channels = 2 },
		"retention":     func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"tts mode":      func(c *Config) { c.TTS.Mode = "pyttsx3" },
		"duration zero": func(c *Config) { c.Capture.DurationMS = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
