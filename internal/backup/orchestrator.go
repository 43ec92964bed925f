// Package backup runs a daily backup routine on a dedicated goroutine,
// throttled so that two successful runs are never closer than a minimum
// interval.
package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultScheduleTime = "02:00"
	DefaultMinInterval  = 24 * time.Hour
	DefaultPollInterval = 10 * time.Minute
	DefaultRetryBackoff = time.Minute
	DefaultStopTimeout  = 5 * time.Second
)

var (
	ErrThrottled      = errors.New("backup throttled")
	ErrAlreadyRunning = errors.New("backup scheduler already running")
)

// Routine produces one backup and returns where it was written.
type Routine interface {
	Run(ctx context.Context) (string, error)
}

// History is implemented by routines that can tell when their last
// backup was written. The orchestrator seeds its throttle from it so the
// minimum interval holds across process restarts.
type History interface {
	LastBackup() (time.Time, error)
}

type RoutineFunc func(ctx context.Context) (string, error)

func (f RoutineFunc) Run(ctx context.Context) (string, error) { return f(ctx) }

type Config struct {
	ScheduleTime string
	MinInterval  time.Duration
	PollInterval time.Duration
	RetryBackoff time.Duration
	StopTimeout  time.Duration
	// OnRun observes every attempted or throttled run.
	OnRun func(Run)
}

// Run is the outcome of one backup attempt.
type Run struct {
	Attempted bool      `json:"attempted"`
	Success   bool      `json:"success"`
	Throttled bool      `json:"throttled"`
	Message   string    `json:"message"`
	Path      string    `json:"path,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Status struct {
	Running          bool       `json:"running"`
	NextBackupTime   *time.Time `json:"next_backup_time"`
	LastBackupTime   *time.Time `json:"last_backup_time"`
	ScheduleTime     string     `json:"schedule_time"`
	MinIntervalHours float64    `json:"min_interval_hours"`
	ThreadAlive      bool       `json:"thread_alive"`
}

type Orchestrator struct {
	routine     Routine
	schedule    string
	hour, min   int
	minInterval time.Duration
	poll        time.Duration
	backoff     time.Duration
	stopTimeout time.Duration
	onRun       func(Run)
	logger      logrus.FieldLogger
	now         func() time.Time

	mu         sync.Mutex
	running    bool
	lastBackup time.Time
	nextRun    time.Time
	stop       chan struct{}
	done       chan struct{}

	alive atomic.Bool
	// runMu serializes backup runs between the scheduler and TriggerNow.
	runMu sync.Mutex
}

func New(routine Routine, cfg Config, logger logrus.FieldLogger) *Orchestrator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	o := &Orchestrator{
		routine:     routine,
		minInterval: orDefault(cfg.MinInterval, DefaultMinInterval),
		poll:        orDefault(cfg.PollInterval, DefaultPollInterval),
		backoff:     orDefault(cfg.RetryBackoff, DefaultRetryBackoff),
		stopTimeout: orDefault(cfg.StopTimeout, DefaultStopTimeout),
		onRun:       cfg.OnRun,
		logger:      logger.WithField("component", "backup"),
		now:         time.Now,
	}
	o.setSchedule(cfg.ScheduleTime)
	if h, ok := routine.(History); ok {
		last, err := h.LastBackup()
		switch {
		case err != nil:
			o.logger.Warnf("Could not read previous backups: %v", err)
		case !last.IsZero():
			o.lastBackup = last
			o.logger.WithField("last_backup_time", last).Info("Found previous backup")
		}
	}
	return o
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (o *Orchestrator) setSchedule(schedule string) {
	t, err := time.Parse("15:04", schedule)
	if err != nil {
		if schedule != "" {
			o.logger.Errorf("Invalid backup schedule %q, using %s: %v", schedule, DefaultScheduleTime, err)
		}
		schedule = DefaultScheduleTime
		t, _ = time.Parse("15:04", schedule)
	}
	o.schedule = schedule
	o.hour, o.min = t.Hour(), t.Minute()
}

// SetSchedule changes the daily run time. A running scheduler moves its
// next run to the new slot.
func (o *Orchestrator) SetSchedule(schedule string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if schedule == o.schedule {
		return
	}
	o.setSchedule(schedule)
	if o.running {
		o.nextRun = o.nextOccurrence(o.now())
	}
}

// nextOccurrence is the first HH:MM strictly after now, in now's location.
func (o *Orchestrator) nextOccurrence(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), o.hour, o.min, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Start launches the scheduler goroutine. Calling it while the scheduler
// is running, or before a previous worker has exited, only logs a warning.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running || o.alive.Load() {
		o.logger.Warn("Backup scheduler is already running")
		return ErrAlreadyRunning
	}
	o.running = true
	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	o.nextRun = o.nextOccurrence(o.now())
	o.alive.Store(true)
	go o.loop(o.stop, o.done)

	o.logger.WithField("next_backup_time", o.nextRun).Infof("Backup scheduler started, daily at %s", o.schedule)
	return nil
}

// Stop signals the scheduler and waits for it up to the stop timeout.
// An in-flight backup is not interrupted.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	stop, done := o.stop, o.done
	o.mu.Unlock()

	close(stop)
	select {
	case <-done:
		o.logger.Info("Backup scheduler stopped")
	case <-time.After(o.stopTimeout):
		o.logger.Warnf("Backup scheduler did not stop within %s", o.stopTimeout)
	}
}

func (o *Orchestrator) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer o.alive.Store(false)

	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if err := o.tick(stop); err != nil {
			o.logger.Errorf("Backup scheduler error: %v", err)
			select {
			case <-stop:
				return
			case <-time.After(o.backoff):
			}
		}
	}
}

func (o *Orchestrator) tick(stop <-chan struct{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler panic: %v", r)
		}
	}()

	now := o.now()
	o.mu.Lock()
	due := !now.Before(o.nextRun)
	if due {
		o.nextRun = o.nextOccurrence(now)
	}
	o.mu.Unlock()
	if !due {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	// Failures are logged by run; the next attempt is the next daily slot.
	_, _ = o.run(ctx)
	return nil
}

// TriggerNow runs a backup immediately. The throttle still applies.
func (o *Orchestrator) TriggerNow(ctx context.Context) (Run, error) {
	return o.run(ctx)
}

func (o *Orchestrator) run(ctx context.Context) (result Run, err error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	checked := o.now()
	result.Timestamp = checked
	defer func() {
		if o.onRun != nil {
			o.onRun(result)
		}
	}()

	o.mu.Lock()
	last := o.lastBackup
	o.mu.Unlock()

	if !last.IsZero() {
		if elapsed := checked.Sub(last); elapsed < o.minInterval {
			o.logger.WithFields(logrus.Fields{
				"elapsed_hours": elapsed.Hours(),
				"min_hours":     o.minInterval.Hours(),
			}).Info("Skipping backup, minimum interval has not elapsed")
			result.Throttled = true
			result.Message = fmt.Sprintf("last backup %.1fh ago, minimum interval is %.1fh", elapsed.Hours(), o.minInterval.Hours())
			return result, ErrThrottled
		}
	}

	result.Attempted = true
	o.logger.Info("Starting scheduled backup")
	path, err := o.runRoutine(ctx)
	if err != nil {
		o.logger.Errorf("Backup failed: %v", err)
		result.Message = err.Error()
		return result, err
	}

	o.mu.Lock()
	o.lastBackup = checked
	o.mu.Unlock()

	o.logger.WithField("path", path).Info("Backup completed")
	result.Success = true
	result.Path = path
	result.Message = "backup completed"
	return result, nil
}

func (o *Orchestrator) runRoutine(ctx context.Context) (path string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backup routine panic: %v", r)
		}
	}()
	if o.routine == nil {
		return "", errors.New("no backup routine configured")
	}
	return o.routine.Run(ctx)
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := Status{
		Running:          o.running,
		ScheduleTime:     o.schedule,
		MinIntervalHours: o.minInterval.Hours(),
		ThreadAlive:      o.alive.Load(),
	}
	if o.running {
		next := o.nextRun
		st.NextBackupTime = &next
	}
	if !o.lastBackup.IsZero() {
		last := o.lastBackup
		st.LastBackupTime = &last
	}
	return st
}
