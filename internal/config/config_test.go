package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  port: 9090
  host: "0.0.0.0"
  allowed_origins:
    - "http://localhost:5173"
storage:
  dir: "/var/lib/groupwatch"
sessions:
  allowed_group_ids:
    - grp_123
    - grp_456
heartbeat:
  interval: 30s
  unit_minutes: 2
monitor:
  client_process: "Game.exe"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if len(cfg.Server.AllowedOrigins) != 1 {
		t.Errorf("AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if got := cfg.Sessions.AllowedGroupIDs; len(got) != 2 || got[0] != "grp_123" {
		t.Errorf("AllowedGroupIDs = %v", got)
	}
	if cfg.Heartbeat.Interval != 30*time.Second {
		t.Errorf("Heartbeat.Interval = %s, want 30s", cfg.Heartbeat.Interval)
	}
	if cfg.Heartbeat.UnitMinutes != 2 {
		t.Errorf("Heartbeat.UnitMinutes = %d, want 2", cfg.Heartbeat.UnitMinutes)
	}
	if cfg.Monitor.ClientProcess != "Game.exe" {
		t.Errorf("Monitor.ClientProcess = %q", cfg.Monitor.ClientProcess)
	}

	// Defaults should still be applied for unspecified fields.
	if cfg.Monitor.PollInterval == 0 {
		t.Error("Monitor.PollInterval should have default, got 0")
	}
	if cfg.Heartbeat.QueueSize != 256 {
		t.Errorf("Heartbeat.QueueSize = %d, want default 256", cfg.Heartbeat.QueueSize)
	}
	if cfg.SessionsDir() != "/var/lib/groupwatch/sessions" {
		t.Errorf("SessionsDir() = %q", cfg.SessionsDir())
	}
	if cfg.ClientEventsPath() != "/var/lib/groupwatch/client-events.jsonl" {
		t.Errorf("ClientEventsPath() = %q", cfg.ClientEventsPath())
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() on missing file should return error")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/tmp/xdg-state")
	cfg, err := LoadOrDefault("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want default %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Storage.Dir != "/tmp/xdg-state/groupwatch" {
		t.Errorf("Storage.Dir = %q", cfg.Storage.Dir)
	}
	if cfg.Sessions.AllowedGroupIDs != nil {
		t.Errorf("AllowedGroupIDs = %v, want nil (unrestricted)", cfg.Sessions.AllowedGroupIDs)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(cfgPath, []byte(":::not valid yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgPath)
	if err == nil {
		t.Fatal("Load() with invalid YAML should return error")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("server:\n  port: 9090\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GROUPWATCH_PORT", "7070")
	t.Setenv("GROUPWATCH_ALLOWED_GROUP_IDS", "grp_a,grp_b")
	t.Setenv("GROUPWATCH_HEARTBEAT_INTERVAL", "2m")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070 from env", cfg.Server.Port)
	}
	if got := cfg.Sessions.AllowedGroupIDs; len(got) != 2 || got[1] != "grp_b" {
		t.Errorf("AllowedGroupIDs = %v", got)
	}
	if cfg.Heartbeat.Interval != 2*time.Minute {
		t.Errorf("Heartbeat.Interval = %s", cfg.Heartbeat.Interval)
	}
}

func TestEnvParseError(t *testing.T) {
	t.Setenv("GROUPWATCH_PORT", "not-an-int")
	_, err := Default()
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("Default() err = %v, want parse env error", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"defaults ok", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"zero interval", func(c *Config) { c.Heartbeat.Interval = 0 }, "heartbeat.interval"},
		{"zero queue", func(c *Config) { c.Heartbeat.QueueSize = 0 }, "heartbeat.queue_size"},
		{"zero poll", func(c *Config) { c.Monitor.PollInterval = 0 }, "monitor.poll_interval"},
		{"empty storage", func(c *Config) { c.Storage.Dir = " " }, "storage.dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestGenerateToken(t *testing.T) {
	tok, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error: %v", err)
	}
	if len(tok) != 32 { // 16 bytes = 32 hex chars
		t.Errorf("token length = %d, want 32", len(tok))
	}

	tok2, _ := GenerateToken()
	if tok == tok2 {
		t.Error("two generated tokens should not be identical")
	}
}

func TestDiffNoChanges(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if changes := Diff(a, b); len(changes) != 0 {
		t.Errorf("Diff of identical configs = %v, want empty", changes)
	}
}

func TestDiffDetectsChanges(t *testing.T) {
	old := defaultConfig()
	new := defaultConfig()

	new.Server.Port = 9000
	new.Server.AuthToken = "secret"
	new.Sessions.AllowedGroupIDs = []string{"grp_123"}
	new.Heartbeat.UnitMinutes = 5

	found := map[string]bool{}
	for _, c := range Diff(old, new) {
		found[c] = true
	}

	want := []string{
		"server.port: 8080 → 9000",
		"server.auth_token: changed",
		"sessions.allowed_group_ids: [] → [grp_123]",
		"heartbeat.unit_minutes: 1 → 5",
	}
	for _, w := range want {
		if !found[w] {
			t.Errorf("Missing expected change: %q\nGot: %v", w, found)
		}
	}
	for c := range found {
		if strings.Contains(c, "secret") {
			t.Errorf("Diff leaked the auth token: %q", c)
		}
	}
}
