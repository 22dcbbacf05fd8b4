// Package scheduler runs named periodic tasks such as host ticks, journal
// pruning and telemetry publishing until a context is cancelled.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// TaskFunc is one run of a task. A returned error is logged and counted; the
// task keeps its schedule.
type TaskFunc func(ctx context.Context, now time.Time) error

type task struct {
	name     string
	interval time.Duration
	at       string // HH:MM for daily tasks
	fn       TaskFunc
}

// TaskStats reports how often a task ran.
type TaskStats struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Runs     uint64        `json:"runs"`
	Failures uint64        `json:"failures"`
	LastRun  time.Time     `json:"last_run"`
	LastErr  string        `json:"last_error,omitempty"`
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	mu      sync.Mutex
	tasks   []task
	stats   map[string]*TaskStats
	running bool
	logger  zerolog.Logger
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		stats:  make(map[string]*TaskStats),
		logger: log.With().Str("component", "scheduler").Logger(),
	}
}

// Every registers fn to run once per interval. Tasks must be registered
// before Start.
func (s *Scheduler) Every(name string, interval time.Duration, fn TaskFunc) error {
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", name)
	}
	return s.add(task{name: name, interval: interval, fn: fn})
}

// Daily registers fn to run every day at the local time given as HH:MM.
func (s *Scheduler) Daily(name, at string, fn TaskFunc) error {
	if _, _, err := parseClock(at); err != nil {
		return fmt.Errorf("task %s: %w", name, err)
	}
	return s.add(task{name: name, interval: 24 * time.Hour, at: at, fn: fn})
}

func (s *Scheduler) add(t task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("task %s: scheduler already running", t.name)
	}
	if _, exists := s.stats[t.name]; exists {
		return fmt.Errorf("task %s: already registered", t.name)
	}
	s.tasks = append(s.tasks, t)
	s.stats[t.name] = &TaskStats{Name: t.name, Interval: t.interval}
	return nil
}

// Start runs every task until ctx is cancelled and blocks until they return.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	tasks := append([]task(nil), s.tasks...)
	s.mu.Unlock()

	s.logger.Info().Int("tasks", len(tasks)).Msg("scheduler started")

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			if t.at != "" {
				s.runDaily(ctx, t)
			} else {
				s.runEvery(ctx, t)
			}
			return nil
		})
	}
	g.Wait()

	s.logger.Info().Msg("scheduler stopped")
}

// Stats returns a snapshot of every task's counters sorted by name.
func (s *Scheduler) Stats() []TaskStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) runEvery(ctx context.Context, t task) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.run(ctx, t, now)
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context, t task) {
	for {
		next := nextRunTime(t.at, time.Now())
		s.logger.Debug().Str("task", t.name).Time("next_run", next).Msg("daily task scheduled")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case now := <-timer.C:
			s.run(ctx, t, now)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, t task, now time.Time) {
	err := t.fn(ctx, now)

	s.mu.Lock()
	st := s.stats[t.name]
	st.Runs++
	st.LastRun = now
	st.LastErr = ""
	if err != nil {
		st.Failures++
		st.LastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Str("task", t.name).Msg("task failed")
	}
}

func parseClock(at string) (hour, minute int, err error) {
	parts := strings.Split(at, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", at)
	}
	if _, err := fmt.Sscanf(parts[0]+" "+parts[1], "%d %d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("invalid time %q: %w", at, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid time %q, out of range", at)
	}
	return hour, minute, nil
}

// nextRunTime returns the first HH:MM after now.
func nextRunTime(at string, now time.Time) time.Time {
	hour, minute, err := parseClock(at)
	if err != nil {
		hour, minute = 4, 0
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
