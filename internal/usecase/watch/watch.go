// Package watch polls public task listings on a schedule and reports tasks
// that have not been seen before.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"

	"anyrun/internal/domain"
)

const defaultRunTimeout = 2 * time.Minute

// Lister lists public tasks.
type Lister interface {
	PublicTasks(ctx context.Context, p domain.SearchParams) ([]domain.Task, error)
}

// Dialer opens a fresh Lister for one run. The returned close function
// releases it.
type Dialer func(ctx context.Context) (Lister, func() error, error)

// Store filters out tasks already reported.
type Store interface {
	MarkSeen(ctx context.Context, tasks []domain.Task) ([]domain.Task, error)
	// Prune forgets tasks first seen before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Count(ctx context.Context) (int, error)
}

// Handler receives the new tasks of one run.
type Handler func(ctx context.Context, runID string, fresh []domain.Task)

// Options configures a Watcher.
type Options struct {
	Schedule   string // cron expression "*/5 * * * *" OR duration "5m"
	Params     domain.SearchParams
	RunTimeout time.Duration
	Retention  time.Duration // 0 keeps seen tasks forever
}

// Watcher runs the poll on a schedule.
type Watcher struct {
	schedule cron.Schedule
	opts     Options
	dial     Dialer
	store    Store
	onNew    Handler
	logger   *slog.Logger

	running atomic.Bool
	mu      sync.Mutex
	cron    *cron.Cron
}

// New creates a Watcher. The schedule is validated here.
func New(opts Options, dial Dialer, store Store, onNew Handler, logger *slog.Logger) (*Watcher, error) {
	schedule, err := ParseSchedule(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("%w: watch schedule: %w", domain.ErrInvalidInput, err)
	}
	if _, err := opts.Params.Query(); err != nil {
		return nil, err
	}
	if opts.Retention < 0 {
		return nil, fmt.Errorf("%w: watch retention must not be negative", domain.ErrInvalidInput)
	}
	if opts.RunTimeout == 0 {
		opts.RunTimeout = defaultRunTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		schedule: schedule,
		opts:     opts,
		dial:     dial,
		store:    store,
		onNew:    onNew,
		logger:   logger,
	}, nil
}

// RunOnce performs one poll on a fresh connection and returns the number of
// new tasks. Overlapping runs are skipped.
func (w *Watcher) RunOnce(ctx context.Context) (int, error) {
	if !w.running.CompareAndSwap(false, true) {
		w.logger.Debug("previous watch run still active, skipping")
		return 0, nil
	}
	defer w.running.Store(false)

	runID := newRunID()
	logger := w.logger.With("run_id", runID)
	ctx, cancel := context.WithTimeout(ctx, w.opts.RunTimeout)
	defer cancel()

	start := time.Now()
	lister, closeFn, err := w.dial(ctx)
	if err != nil {
		return 0, domain.WrapOp("Watcher.RunOnce", err)
	}
	defer func() {
		if cerr := closeFn(); cerr != nil {
			logger.Debug("close connection", "error", cerr)
		}
	}()

	tasks, err := lister.PublicTasks(ctx, w.opts.Params)
	if err != nil {
		return 0, domain.WrapOp("Watcher.RunOnce", err)
	}
	fresh, err := w.store.MarkSeen(ctx, tasks)
	if err != nil {
		return 0, domain.WrapOp("Watcher.RunOnce", err)
	}
	var pruned int64
	if w.opts.Retention > 0 {
		pruned, err = w.store.Prune(ctx, time.Now().Add(-w.opts.Retention))
		if err != nil {
			logger.Warn("prune seen tasks", "error", err)
		}
	}
	stored, err := w.store.Count(ctx)
	if err != nil {
		logger.Warn("count seen tasks", "error", err)
	}
	logger.Info("watch run completed",
		"listed", len(tasks),
		"new", len(fresh),
		"pruned", pruned,
		"stored", stored,
		"duration", time.Since(start))
	if len(fresh) > 0 && w.onNew != nil {
		w.onNew(ctx, runID, fresh)
	}
	return len(fresh), nil
}

// Start schedules recurring runs.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		return
	}
	w.cron = cron.New()
	w.cron.Schedule(w.schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := w.RunOnce(ctx); err != nil {
			w.logFailure(err)
		}
	}))
	w.cron.Start()
	w.logger.Info("watcher started", "schedule", w.opts.Schedule)
}

// Stop halts scheduling and waits for a running poll to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	c := w.cron
	w.cron = nil
	w.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	w.logger.Info("watcher stopped")
}

// Run polls once immediately, then on schedule until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	if _, err := w.RunOnce(ctx); err != nil {
		w.logFailure(err)
	}
	w.Start(ctx)
	<-ctx.Done()
	w.Stop()
	return nil
}

// logFailure records a failed run. The next run dials again either way.
func (w *Watcher) logFailure(err error) {
	w.logger.Warn("watch run failed",
		"error", err,
		"code", domain.ErrorCodeOf(err),
		"connection_lost", domain.IsConnectionError(err))
}

// ParseSchedule accepts a five-field cron expression, a descriptor such as
// "@hourly", or a positive duration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}
	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return every(dur), nil
}

// every fires at a fixed interval, including sub-second ones.
type every time.Duration

func (d every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}

func newRunID() string {
	now := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}
