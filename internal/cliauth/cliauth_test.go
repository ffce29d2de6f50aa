package cliauth_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crosstalk/ct-bridge/internal/cliauth"
)

func writeExecutable(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write executable: %v", err)
	}
}

func TestResolve_EnvOverrideWins(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "claude-override")
	writeExecutable(t, bin, "exit 0\n")
	t.Setenv(cliauth.EnvBinOverride, bin)

	// Even with a node_modules candidate present, the override wins.
	root := t.TempDir()
	writeExecutable(t, filepath.Join(root, "node_modules", ".bin", "claude"), "exit 0\n")

	res, err := cliauth.Resolve("claude", root)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Path != bin || res.Source != "env" {
		t.Fatalf("unexpected resolution: %#v", res)
	}
}

func TestResolve_NodeModulesBeforePath(t *testing.T) {
	t.Setenv(cliauth.EnvBinOverride, "")
	root := t.TempDir()
	local := filepath.Join(root, "node_modules", ".bin", "claude")
	writeExecutable(t, local, "exit 0\n")

	res, err := cliauth.Resolve("claude", root)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Path != local || res.Source != "node_modules" {
		t.Fatalf("unexpected resolution: %#v", res)
	}
}

func TestResolve_PathFallback(t *testing.T) {
	t.Setenv(cliauth.EnvBinOverride, "")
	binDir := t.TempDir()
	writeExecutable(t, filepath.Join(binDir, "claude"), "exit 0\n")
	t.Setenv("PATH", binDir)

	res, err := cliauth.Resolve("claude", t.TempDir())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Source != "path" {
		t.Fatalf("unexpected resolution: %#v", res)
	}
}

func TestResolve_UnavailableNamesStrategies(t *testing.T) {
	t.Setenv(cliauth.EnvBinOverride, "")
	t.Setenv("PATH", t.TempDir())

	_, err := cliauth.Resolve("claude", t.TempDir())
	if !errors.Is(err, cliauth.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	msg := err.Error()
	for _, want := range []string{cliauth.EnvBinOverride, "node_modules", "PATH lookup"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q does not name strategy %q", msg, want)
		}
	}
}

type notifyRecorder struct {
	mu     sync.Mutex
	frames []struct {
		method string
		params map[string]any
	}
}

func (r *notifyRecorder) notify(method string, params any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, _ := params.(map[string]any)
	r.frames = append(r.frames, struct {
		method string
		params map[string]any
	}{method, p})
}

func (r *notifyRecorder) byMethod(method string) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]any
	for _, f := range r.frames {
		if f.method == method {
			out = append(out, f.params)
		}
	}
	return out
}

func TestLaunch_StreamsProgressURLAndCompletion(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "claude")
	writeExecutable(t, bin, `
echo "Opening browser..." >&2
echo "visit https://auth.example.com/device?code=abc123 to continue"
echo "waiting for confirmation" >&2
exit 0
`)

	rec := &notifyRecorder{}
	start := time.Now()
	if err := cliauth.Launch(context.Background(), bin, t.TempDir(), nil, rec.notify); err != nil {
		t.Fatalf("launch: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("launch blocked for %v", elapsed)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(rec.byMethod("auth/cli_login/complete")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("never saw completion notification")
		}
		time.Sleep(20 * time.Millisecond)
	}

	progress := rec.byMethod("auth/cli_login/progress")
	if len(progress) != 2 {
		t.Fatalf("expected 2 progress frames, got %#v", progress)
	}
	if progress[0]["message"] != "Opening browser..." {
		t.Fatalf("unexpected first progress: %#v", progress[0])
	}

	urls := rec.byMethod("auth/cli_login/url")
	if len(urls) != 1 || urls[0]["loginUrl"] != "https://auth.example.com/device?code=abc123" {
		t.Fatalf("unexpected url frames: %#v", urls)
	}

	complete := rec.byMethod("auth/cli_login/complete")
	if complete[0]["exitCode"] != 0 {
		t.Fatalf("unexpected exit code: %#v", complete[0])
	}
}

func TestLaunch_ReportsNonZeroExit(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "claude")
	writeExecutable(t, bin, "exit 7\n")

	rec := &notifyRecorder{}
	if err := cliauth.Launch(context.Background(), bin, t.TempDir(), nil, rec.notify); err != nil {
		t.Fatalf("launch: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(rec.byMethod("auth/cli_login/complete")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("never saw completion notification")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := rec.byMethod("auth/cli_login/complete")[0]["exitCode"]; got != 7 {
		t.Fatalf("expected exit code 7, got %#v", got)
	}
}

func TestLaunch_MissingBinary(t *testing.T) {
	rec := &notifyRecorder{}
	err := cliauth.Launch(context.Background(), filepath.Join(t.TempDir(), "nope"), t.TempDir(), nil, rec.notify)
	if !errors.Is(err, cliauth.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
