package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CTBRIDGE_HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:8137" {
		t.Fatalf("unexpected bind addr %q", cfg.BindAddr)
	}
	if len(cfg.AllowOrigins) != 1 || cfg.AllowOrigins[0] != "http://localhost:5173" {
		t.Fatalf("unexpected origins %#v", cfg.AllowOrigins)
	}
	if len(cfg.ProjectRoots) == 0 || !filepath.IsAbs(cfg.ProjectRoots[0]) {
		t.Fatalf("expected absolute default project root, got %#v", cfg.ProjectRoots)
	}
	if cfg.PolicyStorePath != filepath.Join(home, "policies.db") {
		t.Fatalf("unexpected policy store %q", cfg.PolicyStorePath)
	}
	if cfg.AuditLogPath != filepath.Join(home, "logs", "audit.jsonl") {
		t.Fatalf("unexpected audit log %q", cfg.AuditLogPath)
	}
	if cfg.Agent.CLIBin != "claude" {
		t.Fatalf("unexpected cli bin %q", cfg.Agent.CLIBin)
	}
	if cfg.Retention.AuditLogDays != 365 || cfg.Retention.Schedule != "0 3 * * *" {
		t.Fatalf("unexpected retention %#v", cfg.Retention)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CTBRIDGE_HOME", home)

	yaml := `
bind_addr: "127.0.0.1:9000"
allow_origins:
  - "http://localhost:4000"
agent:
  command: "/usr/local/bin/agent"
  args: ["--acp"]
`
	if err := os.WriteFile(ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CTBRIDGE_BIND_ADDR", "127.0.0.1:9999")
	t.Setenv("CTBRIDGE_ALLOW_ORIGINS", "http://localhost:5173, http://localhost:5174")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// Env beats file.
	if cfg.BindAddr != "127.0.0.1:9999" {
		t.Fatalf("env override lost: %q", cfg.BindAddr)
	}
	if len(cfg.AllowOrigins) != 2 || cfg.AllowOrigins[1] != "http://localhost:5174" {
		t.Fatalf("unexpected origins %#v", cfg.AllowOrigins)
	}
	// File survives where env is silent.
	if cfg.Agent.Command != "/usr/local/bin/agent" || len(cfg.Agent.Args) != 1 {
		t.Fatalf("unexpected agent config %#v", cfg.Agent)
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	a := Config{BindAddr: "127.0.0.1:8137", LogLevel: "info"}
	b := Config{BindAddr: "127.0.0.1:8137", LogLevel: "info"}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("equal configs must fingerprint equal")
	}
	b.BindAddr = "127.0.0.1:9000"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("bind change must change fingerprint")
	}
}

func TestLive_Update(t *testing.T) {
	live := NewLive(Config{
		AllowOrigins: []string{"http://localhost:5173"},
		ProjectRoots: []string{"/proj/a"},
	})
	if got := live.Origins(); len(got) != 1 || got[0] != "http://localhost:5173" {
		t.Fatalf("unexpected origins %#v", got)
	}

	live.Update(Config{
		AllowOrigins: []string{"http://localhost:5173", "http://localhost:6000"},
		ProjectRoots: []string{"/proj/a", "/proj/b"},
	})
	if got := live.Origins(); len(got) != 2 {
		t.Fatalf("update not visible: %#v", got)
	}
	if got := live.ProjectRoots(); len(got) != 2 || got[1] != "/proj/b" {
		t.Fatalf("unexpected roots %#v", got)
	}
}

func TestWatcher_EmitsOnConfigChange(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(ConfigPath(home), []byte("bind_addr: \"127.0.0.1:8137\"\n"), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	w := NewWatcher(home, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Give the watcher a moment to arm before the write.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(ConfigPath(home), []byte("bind_addr: \"127.0.0.1:9000\"\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case ev := <-w.Events():
		if filepath.Clean(ev.Path) != ConfigPath(home) {
			t.Fatalf("unexpected event path %q", ev.Path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload event")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	home := t.TempDir()
	w := NewWatcher(home, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(home, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write unrelated file: %v", err)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %q", ev.Path)
	case <-time.After(300 * time.Millisecond):
	}
}
