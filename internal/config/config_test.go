package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestParseDefaults verifies the built-in defaults apply when nothing
// else is configured.
func TestParseDefaults(t *testing.T) {
	t.Setenv("DEVCONSOLE_STATE_DIR", t.TempDir())

	cfg, err := parse(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Addr != defaultAddr {
		t.Fatalf("Addr = %q, want %q", cfg.Addr, defaultAddr)
	}
	if cfg.Mode != "http" {
		t.Fatalf("Mode = %q, want http", cfg.Mode)
	}
	if cfg.Runner.Kind != "subprocess" || cfg.Runner.Interpreter != defaultInterpreter {
		t.Fatalf("Runner = %+v, want subprocess with default interpreter", cfg.Runner)
	}
	if cfg.Console.CancelGrace != 2*time.Second {
		t.Fatalf("CancelGrace = %v, want 2s", cfg.Console.CancelGrace)
	}
	if !cfg.Console.QueueEnabled {
		t.Fatal("QueueEnabled = false, want true by default")
	}
}

// TestParseEnvOverridesYAML verifies the precedence of environment
// variables over the YAML config file.
func TestParseEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("addr: 127.0.0.1:9999\nrunner:\n  kind: starlark\nconsole:\n  history_limit: 7\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DEVCONSOLE_CONFIG", path)
	t.Setenv("DEVCONSOLE_STATE_DIR", dir)
	t.Setenv("DEVCONSOLE_ADDR", "127.0.0.1:8888")

	cfg, err := parse(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Addr != "127.0.0.1:8888" {
		t.Fatalf("Addr = %q, want env value 127.0.0.1:8888", cfg.Addr)
	}
	if cfg.Runner.Kind != "starlark" {
		t.Fatalf("Runner.Kind = %q, want yaml value starlark", cfg.Runner.Kind)
	}
	if cfg.Console.HistoryLimit != 7 {
		t.Fatalf("HistoryLimit = %d, want yaml value 7", cfg.Console.HistoryLimit)
	}
}

// TestParseFlagsOverrideEnv verifies CLI flags sit above environment
// variables.
func TestParseFlagsOverrideEnv(t *testing.T) {
	t.Setenv("DEVCONSOLE_STATE_DIR", t.TempDir())
	t.Setenv("DEVCONSOLE_MODE", "mcp")
	t.Setenv("DEVCONSOLE_QUEUE_ENABLED", "true")

	cfg, err := parse([]string{"-mode", "both", "-queue=false", "-cancel-grace", "500ms"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Mode != "both" {
		t.Fatalf("Mode = %q, want flag value both", cfg.Mode)
	}
	if cfg.Console.QueueEnabled {
		t.Fatal("QueueEnabled = true, want flag value false")
	}
	if cfg.Console.CancelGrace != 500*time.Millisecond {
		t.Fatalf("CancelGrace = %v, want 500ms", cfg.Console.CancelGrace)
	}
}

// TestParseYAMLFromFlag verifies -config selects the YAML file.
func TestParseYAMLFromFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("webhook_url: http://localhost:1234/hook\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DEVCONSOLE_STATE_DIR", dir)

	cfg, err := parse([]string{"-config", path})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.WebhookURL != "http://localhost:1234/hook" {
		t.Fatalf("WebhookURL = %q, want yaml value", cfg.WebhookURL)
	}
}

// TestParseRejectsInvalidMode verifies mode validation.
func TestParseRejectsInvalidMode(t *testing.T) {
	t.Setenv("DEVCONSOLE_STATE_DIR", t.TempDir())

	if _, err := parse([]string{"-mode", "grpc"}); err == nil {
		t.Fatal("expected error for invalid mode")
	}
	if _, err := parse([]string{"-runner", "wasm"}); err == nil {
		t.Fatal("expected error for invalid runner kind")
	}
}
