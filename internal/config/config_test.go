package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Migration.BatchSize != 50 {
		t.Errorf("expected default batch size 50, got %d", cfg.Migration.BatchSize)
	}
	if cfg.Migration.LockTimeout != 10*time.Second {
		t.Errorf("expected default lock timeout 10s, got %s", cfg.Migration.LockTimeout)
	}
	if cfg.Daemon.FullSyncSchedule != "@every 5m" {
		t.Errorf("expected default schedule, got %q", cfg.Daemon.FullSyncSchedule)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	dir := t.TempDir()
	content := `
[migration]
batch_size = 200
max_failure_ratio = 0.1
lock_timeout = "30s"

[daemon]
debounce = "250ms"
log_file = "daemon.log"
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Migration.BatchSize != 200 {
		t.Errorf("expected batch size 200, got %d", cfg.Migration.BatchSize)
	}
	if cfg.Migration.MaxFailureRatio != 0.1 {
		t.Errorf("expected ratio 0.1, got %g", cfg.Migration.MaxFailureRatio)
	}
	if cfg.Migration.LockTimeout != 30*time.Second {
		t.Errorf("expected 30s lock timeout, got %s", cfg.Migration.LockTimeout)
	}
	if cfg.Daemon.Debounce != 250*time.Millisecond {
		t.Errorf("expected 250ms debounce, got %s", cfg.Daemon.Debounce)
	}
	if cfg.Daemon.LogFile != "daemon.log" {
		t.Errorf("expected log file override, got %q", cfg.Daemon.LogFile)
	}

	// Defaults survive for keys the file does not mention.
	if cfg.Migration.MaxItemErrors != 25 {
		t.Errorf("expected default max_item_errors, got %d", cfg.Migration.MaxItemErrors)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CREW_MIGRATION_BATCH_SIZE", "75")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Migration.BatchSize != 75 {
		t.Errorf("expected env override 75, got %d", cfg.Migration.BatchSize)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	content := "[migration]\nbatch_size = -1\n"
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Error("expected an error for a negative batch size")
	}
}

func TestPolicyConversion(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p := cfg.Policy()
	if p.BatchSize != cfg.Migration.BatchSize || p.LockTimeout != cfg.Migration.LockTimeout {
		t.Errorf("policy does not mirror config: %+v", p)
	}
	d := cfg.DaemonConfig()
	if d.DebounceInterval != cfg.Daemon.Debounce || d.FullSyncSchedule != cfg.Daemon.FullSyncSchedule {
		t.Errorf("daemon config does not mirror config: %+v", d)
	}
}
