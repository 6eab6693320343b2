// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.Workers != 2 {
		t.Errorf("Workers = %d, want 2", cfg.Pool.Workers)
	}
	if cfg.Queue.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %s, want 2s", cfg.Queue.PollInterval)
	}
	if cfg.Pool.JobTimeout != 3600*time.Second {
		t.Errorf("JobTimeout = %s, want 1h", cfg.Pool.JobTimeout)
	}
	if cfg.Broker.BufferSize != 1000 {
		t.Errorf("BufferSize = %d, want 1000", cfg.Broker.BufferSize)
	}
	if cfg.Tags.Namespace != "nom" {
		t.Errorf("Namespace = %q, want nom", cfg.Tags.Namespace)
	}
	if cfg.Store.DBPath != filepath.Join(cfg.DataDir, "tonearm.db") {
		t.Errorf("DBPath = %q, want under DataDir", cfg.Store.DBPath)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
logLevel: debug
pool:
  workers: 8
  jobTimeout: 30m
scanner:
  extensions: [".mp3", ".flac"]
libraries:
  - name: main
    path: /srv/music
    default: true
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TONEARM_WORKERS", "4")
	t.Setenv("TONEARM_POLL_INTERVAL", "500ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Pool.Workers != 4 {
		t.Errorf("Workers = %d, want env override 4", cfg.Pool.Workers)
	}
	if cfg.Pool.JobTimeout != 30*time.Minute {
		t.Errorf("JobTimeout = %s, want file value 30m", cfg.Pool.JobTimeout)
	}
	if cfg.Queue.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %s, want env value 500ms", cfg.Queue.PollInterval)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if len(cfg.Scanner.Extensions) != 2 {
		t.Errorf("Extensions = %v, want 2 entries from file", cfg.Scanner.Extensions)
	}
	want := []Library{{Name: "main", Path: "/srv/music", Default: true}}
	if diff := cmp.Diff(want, cfg.Libraries); diff != "" {
		t.Errorf("Libraries mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsUnknownFileKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("bogusKey: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"zero workers", map[string]string{"TONEARM_WORKERS": "0"}},
		{"relative library", map[string]string{"TONEARM_LIBRARY": "music"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

func TestParseHelpers(t *testing.T) {
	t.Setenv("TONEARM_TEST_INT", "42")
	t.Setenv("TONEARM_TEST_BOOL", "true")
	t.Setenv("TONEARM_TEST_DUR", "90s")
	t.Setenv("TONEARM_TEST_BAD_INT", "not-a-number")

	if got := ParseInt("TONEARM_TEST_INT", 7); got != 42 {
		t.Errorf("ParseInt = %d, want 42", got)
	}
	if got := ParseInt("TONEARM_TEST_BAD_INT", 7); got != 7 {
		t.Errorf("ParseInt invalid = %d, want fallback 7", got)
	}
	if got := ParseBool("TONEARM_TEST_BOOL", false); !got {
		t.Error("ParseBool = false, want true")
	}
	if got := ParseDuration("TONEARM_TEST_DUR", time.Second); got != 90*time.Second {
		t.Errorf("ParseDuration = %s, want 90s", got)
	}
	if got := ParseDuration("TONEARM_TEST_MISSING", 3*time.Second); got != 3*time.Second {
		t.Errorf("ParseDuration missing = %s, want default 3s", got)
	}
}

func TestSingleLibraryEnvShortcut(t *testing.T) {
	t.Setenv("TONEARM_LIBRARY", "/srv/audio")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Libraries) != 1 {
		t.Fatalf("Libraries = %d entries, want 1", len(cfg.Libraries))
	}
	lib := cfg.Libraries[0]
	if lib.Path != "/srv/audio" || !lib.Default {
		t.Errorf("library = %+v, want default /srv/audio", lib)
	}
}
