package backup

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingRoutine struct {
	runs atomic.Int32
	err  error
}

func (r *countingRoutine) Run(context.Context) (string, error) {
	r.runs.Add(1)
	if r.err != nil {
		return "", r.err
	}
	return "/backups/backup_1.db", nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestOrchestrator(r Routine, cfg Config, logger logrus.FieldLogger) (*Orchestrator, *clock) {
	clk := &clock{now: time.Date(2024, 3, 10, 14, 30, 0, 0, time.UTC)}
	o := New(r, cfg, logger)
	o.now = clk.Now
	return o, clk
}

func TestTriggerNowThrottledWithinInterval(t *testing.T) {
	logger, hook := test.NewNullLogger()
	routine := &countingRoutine{}
	o, clk := newTestOrchestrator(routine, Config{}, logger)

	first, err := o.TriggerNow(context.Background())
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Equal(t, "/backups/backup_1.db", first.Path)
	last := o.Status().LastBackupTime
	require.NotNil(t, last)

	clk.Advance(3 * time.Hour)
	second, err := o.TriggerNow(context.Background())
	assert.ErrorIs(t, err, ErrThrottled)
	assert.True(t, second.Throttled)
	assert.False(t, second.Attempted)

	assert.Equal(t, int32(1), routine.runs.Load())
	assert.Equal(t, *last, *o.Status().LastBackupTime)

	skipped := 0
	for _, e := range hook.AllEntries() {
		if strings.HasPrefix(e.Message, "Skipping backup") {
			skipped++
			assert.InDelta(t, 3.0, e.Data["elapsed_hours"], 1e-9)
			assert.InDelta(t, 24.0, e.Data["min_hours"], 1e-9)
		}
	}
	assert.Equal(t, 1, skipped)

	clk.Advance(22 * time.Hour)
	_, err = o.TriggerNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), routine.runs.Load())
	assert.Equal(t, clk.Now(), *o.Status().LastBackupTime)
}

func TestFailedBackupKeepsLastTime(t *testing.T) {
	routine := &countingRoutine{err: errors.New("disk full")}
	o, _ := newTestOrchestrator(routine, Config{}, quietLogger())

	run, err := o.TriggerNow(context.Background())
	assert.EqualError(t, err, "disk full")
	assert.True(t, run.Attempted)
	assert.False(t, run.Success)
	assert.Nil(t, o.Status().LastBackupTime)

	// Failures are never throttled.
	_, err = o.TriggerNow(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int32(2), routine.runs.Load())
}

func TestRoutinePanicIsContained(t *testing.T) {
	o, _ := newTestOrchestrator(RoutineFunc(func(context.Context) (string, error) {
		panic("pg_dump vanished")
	}), Config{}, quietLogger())

	_, err := o.TriggerNow(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pg_dump vanished")
}

func TestScheduleParsing(t *testing.T) {
	logger, hook := test.NewNullLogger()
	o := New(nil, Config{ScheduleTime: "25:99"}, logger)
	assert.Equal(t, DefaultScheduleTime, o.Status().ScheduleTime)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)

	o = New(nil, Config{ScheduleTime: "03:15"}, quietLogger())
	assert.Equal(t, "03:15", o.Status().ScheduleTime)
	assert.Equal(t, 24.0, o.Status().MinIntervalHours)

	now := time.Date(2024, 3, 10, 3, 15, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 11, 3, 15, 0, 0, time.UTC), o.nextOccurrence(now))
	assert.Equal(t, time.Date(2024, 3, 10, 3, 15, 0, 0, time.UTC), o.nextOccurrence(now.Add(-time.Minute)))
}

func TestSchedulerRunsWhenDue(t *testing.T) {
	routine := &countingRoutine{}
	var runs []Run
	var mu sync.Mutex
	o, clk := newTestOrchestrator(routine, Config{
		ScheduleTime: "02:00",
		PollInterval: 5 * time.Millisecond,
		OnRun: func(r Run) {
			mu.Lock()
			runs = append(runs, r)
			mu.Unlock()
		},
	}, quietLogger())

	require.NoError(t, o.Start())
	defer o.Stop()
	assert.ErrorIs(t, o.Start(), ErrAlreadyRunning)

	st := o.Status()
	assert.True(t, st.Running)
	assert.True(t, st.ThreadAlive)
	require.NotNil(t, st.NextBackupTime)
	assert.Equal(t, time.Date(2024, 3, 11, 2, 0, 0, 0, time.UTC), *st.NextBackupTime)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, routine.runs.Load())

	clk.Advance(12 * time.Hour)
	require.Eventually(t, func() bool { return routine.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), routine.runs.Load())
	assert.Equal(t, time.Date(2024, 3, 12, 2, 0, 0, 0, time.UTC), *o.Status().NextBackupTime)

	mu.Lock()
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Success)
	mu.Unlock()
}

func TestStopThenRestart(t *testing.T) {
	o, _ := newTestOrchestrator(&countingRoutine{}, Config{PollInterval: time.Millisecond}, quietLogger())
	require.NoError(t, o.Start())
	o.Stop()

	st := o.Status()
	assert.False(t, st.Running)
	assert.False(t, st.ThreadAlive)
	assert.Nil(t, st.NextBackupTime)

	require.NoError(t, o.Start())
	o.Stop()
	o.Stop()
}

func TestStartRefusedWhileOldWorkerAlive(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	routine := RoutineFunc(func(context.Context) (string, error) {
		started <- struct{}{}
		<-release
		return "x", nil
	})
	o, clk := newTestOrchestrator(routine, Config{
		PollInterval: time.Millisecond,
		StopTimeout:  20 * time.Millisecond,
	}, quietLogger())

	require.NoError(t, o.Start())
	clk.Advance(24 * time.Hour)
	<-started

	o.Stop()
	assert.True(t, o.Status().ThreadAlive)
	assert.ErrorIs(t, o.Start(), ErrAlreadyRunning)

	close(release)
	require.Eventually(t, func() bool { return !o.Status().ThreadAlive }, time.Second, time.Millisecond)
	require.NoError(t, o.Start())
	o.Stop()
}

func TestSetScheduleMovesNextRun(t *testing.T) {
	o, _ := newTestOrchestrator(&countingRoutine{}, Config{ScheduleTime: "02:00", PollInterval: time.Hour}, quietLogger())
	require.NoError(t, o.Start())
	defer o.Stop()

	o.SetSchedule("16:45")
	st := o.Status()
	assert.Equal(t, "16:45", st.ScheduleTime)
	require.NotNil(t, st.NextBackupTime)
	assert.Equal(t, time.Date(2024, 3, 10, 16, 45, 0, 0, time.UTC), *st.NextBackupTime)

	o.SetSchedule("nonsense")
	assert.Equal(t, DefaultScheduleTime, o.Status().ScheduleTime)
}

func TestSchedulerBacksOffAfterLoopError(t *testing.T) {
	logger, hook := test.NewNullLogger()
	routine := &countingRoutine{}
	o := New(routine, Config{PollInterval: time.Millisecond, RetryBackoff: 80 * time.Millisecond}, logger)
	assert.Equal(t, DefaultRetryBackoff, New(routine, Config{}, quietLogger()).backoff)

	var mu sync.Mutex
	var calls []time.Time
	base := time.Date(2024, 3, 10, 14, 30, 0, 0, time.UTC)
	o.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, time.Now())
		// Call 1 is Start; call 2 is the first poll.
		if len(calls) == 2 {
			panic("clock source unavailable")
		}
		return base
	}

	require.NoError(t, o.Start())
	defer o.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) >= 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	gap := calls[2].Sub(calls[1])
	mu.Unlock()
	assert.GreaterOrEqual(t, gap, 80*time.Millisecond)
	assert.True(t, o.Status().ThreadAlive)
	assert.Zero(t, routine.runs.Load())

	var logged bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && strings.Contains(e.Message, "clock source unavailable") {
			logged = true
		}
	}
	assert.True(t, logged)
}
