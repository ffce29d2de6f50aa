package retention_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/crosstalk/ct-bridge/internal/audit"
	"github.com/crosstalk/ct-bridge/internal/retention"
)

func openLog(t *testing.T) *audit.Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := audit.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log
}

func TestNewSweeper_RejectsBadExpression(t *testing.T) {
	_, err := retention.NewSweeper(retention.Config{
		Log:      openLog(t),
		Schedule: "every day at dawn",
	})
	if err == nil {
		t.Fatal("expected parse error for invalid cron expression")
	}
}

func TestNextRun_DailyAtThree(t *testing.T) {
	s, err := retention.NewSweeper(retention.Config{
		Log:      openLog(t),
		Schedule: "0 3 * * *",
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	after := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	next := s.NextRun(after)
	if next.Hour() != 3 || next.Minute() != 0 {
		t.Fatalf("unexpected next run %v", next)
	}
	if !next.After(after) {
		t.Fatalf("next run %v must be after %v", next, after)
	}
}

func TestSweep_PrunesOldEntriesOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	// Seed one stale and one fresh entry before opening the log.
	stale := `{"ts":"2020-01-01T00:00:00Z","sessionId":"old","tool":"fs/write_text_file","pathHash":"aa","phase":"prompt"}`
	fresh := `{"ts":"` + time.Now().UTC().Format(time.RFC3339Nano) + `","sessionId":"new","tool":"fs/write_text_file","pathHash":"bb","phase":"prompt"}`
	if err := os.WriteFile(path, []byte(stale+"\n"+fresh+"\n"), 0o644); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	log, err := audit.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer log.Close()

	s, err := retention.NewSweeper(retention.Config{
		Log:    log,
		MaxAge: 30 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	s.Sweep()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(raw), `"old"`) {
		t.Fatal("stale entry survived the sweep")
	}
	if !strings.Contains(string(raw), `"new"`) {
		t.Fatal("fresh entry was pruned")
	}

	// The log must stay writable after the fd swap.
	log.Prompt("s1", "fs/write_text_file", "/proj/file.txt")
	raw, _ = os.ReadFile(path)
	if !strings.Contains(string(raw), `"s1"`) {
		t.Fatal("log not writable after sweep")
	}
}

func TestSweeper_StartStop(t *testing.T) {
	s, err := retention.NewSweeper(retention.Config{Log: openLog(t)})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	ctx := context.Background()
	s.Start(ctx)
	s.Stop()
}
