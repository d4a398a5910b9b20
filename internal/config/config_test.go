package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "citadel.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
[conductor]
tick_interval = "5s"
stall_timeout = "120s"
grace = "5s"

[queue]
path = "/tmp/citadel-test/queue.sqlite"

[worker]
min_workers = 2
max_workers = 4
load_factor = 1.0
timeout = "15m"
max_retries = 3

[gatekeeper]
min_workers = 1
max_workers = 2

[beads]
path = "/tmp/citadel-test"
binary = "bd"
auto_sync = true

[log]
level = "info"
format = "text"

[api]
enabled = true
bind = "127.0.0.1:7433"

[agents.worker]
provider = "claude"
model = "sonnet"
flags = ["-p", "{prompt}", "--model", "{model}"]
`

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Conductor.TickInterval.Duration != 5*time.Second {
		t.Errorf("TickInterval = %v, want 5s", cfg.Conductor.TickInterval)
	}
	if cfg.Conductor.StallTimeout.Duration != 120*time.Second {
		t.Errorf("StallTimeout = %v, want 120s", cfg.Conductor.StallTimeout)
	}
	if cfg.Worker.MinWorkers != 2 || cfg.Worker.MaxWorkers != 4 {
		t.Errorf("Worker bounds = %d..%d, want 2..4", cfg.Worker.MinWorkers, cfg.Worker.MaxWorkers)
	}
	if cfg.Beads.Binary != "bd" {
		t.Errorf("Beads.Binary = %q, want bd", cfg.Beads.Binary)
	}
	if !cfg.API.Enabled || cfg.API.Bind != "127.0.0.1:7433" {
		t.Errorf("API = %+v, want enabled on 127.0.0.1:7433", cfg.API)
	}
	if cfg.Agents["worker"].Provider != "claude" {
		t.Errorf("Agents[worker].Provider = %q, want claude", cfg.Agents["worker"].Provider)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Conductor.TickInterval.Duration != 5*time.Second {
		t.Errorf("default TickInterval = %v, want 5s", cfg.Conductor.TickInterval)
	}
	if cfg.Conductor.Grace.Duration != 5*time.Second {
		t.Errorf("default Grace = %v, want 5s", cfg.Conductor.Grace)
	}
	if cfg.Queue.Path != filepath.Join(".citadel", "queue.sqlite") {
		t.Errorf("default Queue.Path = %q", cfg.Queue.Path)
	}
	if cfg.Worker.MaxRetries != 3 {
		t.Errorf("default Worker.MaxRetries = %d, want 3", cfg.Worker.MaxRetries)
	}
	if cfg.Worker.PollInterval.Duration != time.Second {
		t.Errorf("default Worker.PollInterval = %v, want 1s", cfg.Worker.PollInterval)
	}
	if cfg.Worker.HeartbeatInterval.Duration != 10*time.Second {
		t.Errorf("default Worker.HeartbeatInterval = %v, want 10s", cfg.Worker.HeartbeatInterval)
	}
	if cfg.Gatekeeper.MaxWorkers != 2 {
		t.Errorf("default Gatekeeper.MaxWorkers = %d, want 2", cfg.Gatekeeper.MaxWorkers)
	}
	if cfg.Beads.Path != "." || cfg.Beads.Binary != "bd" {
		t.Errorf("default Beads = %+v", cfg.Beads)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("default Log = %+v", cfg.Log)
	}
}

func TestLoadRejectsInvertedBounds(t *testing.T) {
	cfg := `
[worker]
min_workers = 5
max_workers = 2
`
	path := writeTestConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for max_workers < min_workers")
	}
}

func TestLoadRejectsHeartbeatAboveStallTimeout(t *testing.T) {
	cfg := `
[conductor]
stall_timeout = "10s"

[worker]
heartbeat_interval = "30s"
`
	path := writeTestConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for heartbeat_interval >= stall_timeout")
	}
}

func TestLoadRejectsUnknownLogLevel(t *testing.T) {
	path := writeTestConfig(t, "[log]\nlevel = \"loud\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestLoadRejectsDockerAgentWithoutImage(t *testing.T) {
	cfg := `
[agents.worker]
provider = "claude"
backend = "docker"
`
	path := writeTestConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for docker backend without image")
	}
}

func TestDurationRoundTrip(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("90s")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if d.Duration != 90*time.Second {
		t.Errorf("Duration = %v, want 90s", d.Duration)
	}
	text, err := d.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	if string(text) != "1m30s" {
		t.Errorf("MarshalText = %q, want 1m30s", text)
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	got := ExpandHome("~/queue.sqlite")
	want := filepath.Join(home, "queue.sqlite")
	if got != want {
		t.Errorf("ExpandHome = %q, want %q", got, want)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandHome(/abs/path) = %q", got)
	}
}
