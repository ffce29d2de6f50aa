// Package retention prunes aged audit entries on a cron schedule.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/crosstalk/ct-bridge/internal/audit"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the retention sweeper.
type Config struct {
	Log      *audit.Log
	Logger   *slog.Logger
	Schedule string        // 5-field cron expression; defaults to 03:00 daily
	MaxAge   time.Duration // entries older than this are pruned
}

// Sweeper runs audit log pruning at the configured cron schedule.
type Sweeper struct {
	log      *audit.Log
	logger   *slog.Logger
	schedule cronlib.Schedule
	maxAge   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper. It fails only on an invalid cron expression.
func NewSweeper(cfg Config) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "0 3 * * *"
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 365 * 24 * time.Hour
	}
	return &Sweeper{
		log:      cfg.Log,
		logger:   logger,
		schedule: sched,
		maxAge:   maxAge,
	}, nil
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started", "max_age", s.maxAge)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep()
		}
	}
}

// Sweep prunes audit entries older than the retention window. It is safe to
// call directly, outside the schedule.
func (s *Sweeper) Sweep() {
	cutoff := time.Now().Add(-s.maxAge)
	removed, err := s.log.Prune(cutoff)
	if err != nil {
		s.logger.Error("audit prune failed", "error", err)
		return
	}
	s.logger.Info("audit log pruned", "removed", removed, "cutoff", cutoff.Format(time.RFC3339))
}

// NextRun returns the next scheduled sweep after the given time.
func (s *Sweeper) NextRun(after time.Time) time.Time {
	return s.schedule.Next(after)
}
