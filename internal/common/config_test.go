package common

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "venari.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Scoring.KeepThreshold >= cfg.Scoring.PublishThresh {
		t.Errorf("keep threshold %v should be below publish threshold %v",
			cfg.Scoring.KeepThreshold, cfg.Scoring.PublishThresh)
	}
	if len(cfg.Gemini.Models) == 0 {
		t.Error("default config should carry a model fallback chain")
	}
}

func TestLoadFromFilesParsesDurations(t *testing.T) {
	path := writeConfigFile(t, `
[queue]
poll_interval = "250ms"
visibility_timeout = "90s"

[fetcher]
min_interval = "4s"

[gemini]
acquisition_budget = "2m"
`)

	cfg, err := LoadFromFiles(path)
	if err != nil {
		t.Fatalf("LoadFromFiles failed: %v", err)
	}

	tests := []struct {
		name string
		got  Duration
		want time.Duration
	}{
		{"poll_interval", cfg.Queue.PollInterval, 250 * time.Millisecond},
		{"visibility_timeout", cfg.Queue.VisibilityTimeout, 90 * time.Second},
		{"min_interval", cfg.Fetcher.MinInterval, 4 * time.Second},
		{"acquisition_budget", cfg.Gemini.AcquisitionBudget, 2 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if time.Duration(tt.got) != tt.want {
				t.Errorf("got %v, want %v", time.Duration(tt.got), tt.want)
			}
		})
	}

	// Untouched fields keep their defaults
	if time.Duration(cfg.Queue.BackoffBase) != 5*time.Second {
		t.Errorf("backoff_base default lost: %v", time.Duration(cfg.Queue.BackoffBase))
	}
}

func TestLoadFromFilesLaterFileWins(t *testing.T) {
	first := writeConfigFile(t, `
environment = "development"

[scoring]
keep_threshold = 0.30
`)
	second := writeConfigFile(t, `
environment = "production"
`)

	cfg, err := LoadFromFiles(first, second)
	if err != nil {
		t.Fatalf("LoadFromFiles failed: %v", err)
	}
	if cfg.Environment != "production" {
		t.Errorf("expected later file to win, got environment %q", cfg.Environment)
	}
	if cfg.Scoring.KeepThreshold != 0.30 {
		t.Errorf("earlier file's scoring override lost: %v", cfg.Scoring.KeepThreshold)
	}
}

func TestLoadFromFilesRejectsInvalidThresholds(t *testing.T) {
	path := writeConfigFile(t, `
[scoring]
keep_threshold = 0.80
publish_threshold = 0.65
`)

	_, err := LoadFromFiles(path)
	if err == nil {
		t.Fatal("expected validation error for keep >= publish")
	}
	if !strings.Contains(err.Error(), "keep_threshold") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VENARI_LOG_LEVEL", "warn")
	t.Setenv("VENARI_BADGER_PATH", "/tmp/venari-env")
	t.Setenv("VENARI_FETCH_MIN_INTERVAL", "7s")

	cfg, err := LoadFromFiles()
	if err != nil {
		t.Fatalf("LoadFromFiles failed: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("log level override lost: %q", cfg.Logging.Level)
	}
	if cfg.Storage.Badger.Path != "/tmp/venari-env" {
		t.Errorf("badger path override lost: %q", cfg.Storage.Badger.Path)
	}
	if time.Duration(cfg.Fetcher.MinInterval) != 7*time.Second {
		t.Errorf("min interval override lost: %v", time.Duration(cfg.Fetcher.MinInterval))
	}
}

func TestParseCredentialEnv(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []GeminiCredential
	}{
		{
			"bare keys default to project zero",
			"keyA,keyB",
			[]GeminiCredential{{Key: "keyA"}, {Key: "keyB"}},
		},
		{
			"explicit project binding",
			"0:keyA,1:keyB,1:keyC",
			[]GeminiCredential{{Key: "keyA", Project: 0}, {Key: "keyB", Project: 1}, {Key: "keyC", Project: 1}},
		},
		{
			"whitespace and empties skipped",
			" keyA , ,keyB ",
			[]GeminiCredential{{Key: "keyA"}, {Key: "keyB"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseCredentialEnv(tt.raw)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d credentials, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("credential %d: got %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1h30m")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Duration(d) != 90*time.Minute {
		t.Errorf("got %v, want 90m", time.Duration(d))
	}

	if err := d.UnmarshalText([]byte("not-a-duration")); err == nil {
		t.Error("expected error for malformed duration")
	}
}
