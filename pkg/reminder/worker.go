// Package reminder posts reminders for overdue room tasks.
//
// The worker runs as a background goroutine and periodically sweeps for open
// tasks whose due date has passed:
//   - Each overdue task is claimed once (reminded_at is set atomically), so a
//     task is reminded at most once even with several workers
//   - Claimed tasks are handed to a Notify callback, which posts the reminder
//     message into the room
//   - Every sweep produces a Report that is kept for inspection
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nous-labs/huddle/pkg/store"
)

// TaskSource finds and claims overdue tasks. *store.Store implements it.
type TaskSource interface {
	OverdueTasks(ctx context.Context, now time.Time, limit int) ([]store.Task, error)
	MarkReminded(ctx context.Context, id string) (bool, error)
}

// NotifyFunc delivers the reminder for one claimed task.
type NotifyFunc func(ctx context.Context, task store.Task) error

// Report holds the results of a single sweep.
type Report struct {
	Cycle     int       `json:"cycle"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
	Overdue   int       `json:"overdue"`
	Reminded  int       `json:"reminded"`
	// Skipped counts tasks another worker claimed first.
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// Config holds reminder worker settings.
type Config struct {
	Interval  time.Duration // how often to sweep (default 1m)
	BatchSize int           // max tasks per sweep (default 100)
	// StartDelay postpones the first sweep. Zero sweeps immediately.
	StartDelay time.Duration
}

// DefaultConfig returns the stock sweep settings.
func DefaultConfig() Config {
	return Config{
		Interval:   time.Minute,
		BatchSize:  100,
		StartDelay: 10 * time.Second,
	}
}

// Worker is the overdue-task sweeper.
type Worker struct {
	tasks  TaskSource
	notify NotifyFunc
	cfg    Config
	now    func() time.Time

	mu         sync.RWMutex
	lastReport *Report
	cycles     int
}

// NewWorker creates a reminder worker. Zero Interval and BatchSize take defaults.
func NewWorker(tasks TaskSource, notify NotifyFunc, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.StartDelay < 0 {
		cfg.StartDelay = 0
	}
	return &Worker{
		tasks:  tasks,
		notify: notify,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on every interval. Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("reminder worker started",
		"interval", w.cfg.Interval,
		"batch_size", w.cfg.BatchSize,
	)

	select {
	case <-ctx.Done():
		return
	case <-time.After(w.cfg.StartDelay):
	}
	w.SweepOnce(ctx)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reminder worker stopping")
			return
		case <-ticker.C:
			w.SweepOnce(ctx)
		}
	}
}

// SweepOnce claims every overdue task and notifies for it.
func (w *Worker) SweepOnce(ctx context.Context) *Report {
	w.mu.Lock()
	w.cycles++
	cycle := w.cycles
	w.mu.Unlock()

	start := time.Now()
	report := &Report{Cycle: cycle, StartedAt: start}

	overdue, err := w.tasks.OverdueTasks(ctx, w.now(), w.cfg.BatchSize)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("overdue scan: %v", err))
		slog.Warn("reminder: overdue scan failed", "error", err)
	}
	report.Overdue = len(overdue)

	for _, task := range overdue {
		if ctx.Err() != nil {
			break
		}
		claimed, err := w.tasks.MarkReminded(ctx, task.ID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("claim %s: %v", task.ID, err))
			continue
		}
		if !claimed {
			report.Skipped++
			continue
		}
		if w.notify != nil {
			if err := w.notify(ctx, task); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("notify %s: %v", task.ID, err))
				slog.Warn("reminder: notify failed", "task", task.ID, "room", task.RoomID, "error", err)
				continue
			}
		}
		report.Reminded++
	}

	report.Duration = time.Since(start).Round(time.Millisecond).String()

	w.mu.Lock()
	w.lastReport = report
	w.mu.Unlock()

	if report.Overdue > 0 || len(report.Errors) > 0 {
		slog.Info("reminder: sweep complete",
			"cycle", report.Cycle,
			"overdue", report.Overdue,
			"reminded", report.Reminded,
			"skipped", report.Skipped,
			"errors", len(report.Errors),
			"duration", report.Duration,
		)
	}
	return report
}

// LastReport returns the most recent sweep report, or nil before the first.
func (w *Worker) LastReport() *Report {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastReport
}

// Text renders the reminder message posted for task.
func Text(task store.Task, now time.Time) string {
	msg := fmt.Sprintf("Reminder: %q is overdue", task.Title)
	if task.DueAt != nil {
		msg += fmt.Sprintf(" (was due %s, %s ago)", task.DueAt.Format("2006-01-02 15:04"), overdueFor(now.Sub(*task.DueAt)))
	}
	if task.Assignee != nil && *task.Assignee != "" {
		msg += ". Assigned to " + *task.Assignee
	}
	return msg + "."
}

func overdueFor(d time.Duration) string {
	switch {
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
