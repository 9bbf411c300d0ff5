// Package cron drives periodic maintenance: it ticks, checks whether the
// configured schedule is due, and fires a callback.
package cron

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts 5-field expressions and descriptors such as @every 6h.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Disabled reports whether expr turns the schedule off.
func Disabled(expr string) bool {
	switch strings.ToLower(strings.TrimSpace(expr)) {
	case "", "off", "disabled", "none":
		return true
	}
	return false
}

// Validate parses expr. Disabled expressions are valid.
func Validate(expr string) error {
	if Disabled(expr) {
		return nil
	}
	_, err := cronParser.Parse(expr)
	return err
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Name     string
	Expr     string
	Fire     func(ctx context.Context)
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
}

// Scheduler fires Fire whenever Expr comes due. Firing is synchronous with
// the tick, so Fire should hand work off rather than block.
type Scheduler struct {
	name     string
	sched    cronlib.Schedule
	fire     func(ctx context.Context)
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	nextRun time.Time
	lastRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler returns nil, nil when the expression disables the schedule.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if Disabled(cfg.Expr) {
		return nil, nil
	}
	sched, err := cronParser.Parse(cfg.Expr)
	if err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		name:     cfg.Name,
		sched:    sched,
		fire:     cfg.Fire,
		logger:   logger.With("component", "cron", "schedule", cfg.Name),
		interval: interval,
		now:      now,
	}
	s.nextRun = sched.Next(now())
	return s, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "next_run_at", s.NextRun())
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires when the schedule is due and advances the next run. It reports
// whether it fired.
func (s *Scheduler) Tick(ctx context.Context) bool {
	now := s.now()
	s.mu.Lock()
	if now.Before(s.nextRun) {
		s.mu.Unlock()
		return false
	}
	s.lastRun = now
	s.nextRun = s.sched.Next(now)
	next := s.nextRun
	s.mu.Unlock()

	if s.fire != nil {
		s.fire(ctx)
	}
	s.logger.Info("cron: schedule fired", "next_run_at", next)
	return true
}

// NextRun returns when the schedule is next due.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// LastRun returns the last fire time, zero if it never fired.
func (s *Scheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
