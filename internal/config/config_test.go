package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want map[string]string
	}{
		{"empty", "", map[string]string{}},
		{"single", "X-Key=abc", map[string]string{"X-Key": "abc"}},
		{"multiple with spaces", " X-Key = abc , X-Site=lab", map[string]string{"X-Key": "abc", "X-Site": "lab"}},
		{"malformed skipped", "novalue,=x,X-A=1", map[string]string{"X-A": "1"}},
		{"value with equals", "Authorization=Basic a=b", map[string]string{"Authorization": "Basic a=b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseHeaders(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("ParseHeaders(%q) = %v, want %v", tt.in, got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("header %s = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("ISOAI_CHANNEL_ENDPOINT", "")
	t.Setenv("ISOAI_CAPTURE_PERIOD", "")

	cfg := FromEnv()
	if cfg.Channel.Endpoint != DefaultEndpoint {
		t.Errorf("Endpoint = %q, want %q", cfg.Channel.Endpoint, DefaultEndpoint)
	}
	if cfg.Capture.Period != 100*time.Millisecond {
		t.Errorf("Period = %v, want 100ms", cfg.Capture.Period)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("ISOAI_CHANNEL_ENDPOINT", "ws://infer.local/socket")
	t.Setenv("ISOAI_CHANNEL_HEADERS", "X-Key=secret")
	t.Setenv("ISOAI_CHANNEL_MODE", "socketio")
	t.Setenv("ISOAI_CAPTURE_PERIOD", "500")
	t.Setenv("ISOAI_RECONNECT_MAX", "1m")

	cfg := FromEnv()
	if cfg.Channel.Endpoint != "ws://infer.local/socket" {
		t.Errorf("Endpoint = %q", cfg.Channel.Endpoint)
	}
	if cfg.Channel.AuthHeaders["X-Key"] != "secret" {
		t.Errorf("AuthHeaders = %v", cfg.Channel.AuthHeaders)
	}
	if cfg.Channel.TransportMode != "socketio" {
		t.Errorf("TransportMode = %q", cfg.Channel.TransportMode)
	}
	if cfg.Capture.Period != 500*time.Millisecond {
		t.Errorf("Period = %v, want 500ms", cfg.Capture.Period)
	}
	if cfg.Channel.ReconnectMax != time.Minute {
		t.Errorf("ReconnectMax = %v, want 1m", cfg.Channel.ReconnectMax)
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	cfg := FromEnv()
	cfg.Channel.Endpoint = ""
	cfg.Channel.TransportMode = "carrier-pigeon"
	cfg.Capture.Quality = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail")
	}
	msg := err.Error()
	for _, want := range []string{"endpoint", "transport mode", "quality"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q should mention %q", msg, want)
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("ISOAI_API_URL=http://api.test:9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	os.Unsetenv("ISOAI_API_URL")
	t.Cleanup(func() { os.Unsetenv("ISOAI_API_URL") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIBaseURL != "http://api.test:9000" {
		t.Errorf("APIBaseURL = %q", cfg.APIBaseURL)
	}
}

func TestLoadMissingFileIsFine(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("Load() with missing file error = %v", err)
	}
}
