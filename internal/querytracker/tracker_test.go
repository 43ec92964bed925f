package querytracker

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func TestTrackerScenario(t *testing.T) {
	tr := New(Config{SlowThreshold: 100 * time.Millisecond}, quietLogger())
	for _, d := range []float64{0.05, 0.2, 0.05, 1.5, 0.05} {
		tr.Record("SELECT * FROM transaction WHERE id = 1", nil, seconds(d), nil)
	}

	s := tr.Stats()
	assert.Equal(t, int64(5), s.TotalQueries)
	assert.Equal(t, int64(2), s.SlowQueriesCount)
	assert.InDelta(t, 0.37, s.AverageExecutionTime, 1e-9)
	assert.InDelta(t, 1.85, s.TotalExecutionTime, 1e-9)
	assert.Equal(t, 0.1, s.SlowQueryThreshold)
	require.Len(t, s.MostFrequentPatterns, 1)
	assert.Equal(t, "SELECT * FROM transaction WHERE id = ?", s.MostFrequentPatterns[0].Pattern)
	assert.Equal(t, int64(5), s.MostFrequentPatterns[0].Count)
}

func TestTrackerRingBufferCapacity(t *testing.T) {
	tr := New(Config{}, quietLogger())
	for i := 0; i < 1500; i++ {
		tr.Record(fmt.Sprintf("SELECT %d", i), nil, time.Millisecond, nil)
	}

	assert.Equal(t, int64(1500), tr.Stats().TotalQueries)
	all := tr.Recent(5000)
	require.Len(t, all, DefaultCapacity)
	assert.Equal(t, "SELECT 500", all[0].Statement)
	assert.Equal(t, "SELECT 1499", all[len(all)-1].Statement)

	last := tr.Recent(3)
	require.Len(t, last, 3)
	assert.Equal(t, "SELECT 1497", last[0].Statement)
}

func TestSlowBufferNotReclassified(t *testing.T) {
	tr := New(Config{SlowThreshold: time.Second}, quietLogger())
	tr.Record("SELECT 1", nil, 500*time.Millisecond, nil)
	tr.Record("SELECT 2", nil, 1500*time.Millisecond, nil)

	tr.SetThreshold(100 * time.Millisecond)
	slow := tr.SlowQueries()
	require.Len(t, slow, 1)
	assert.Equal(t, "SELECT 2", slow[0].Statement)

	tr.Record("SELECT 3", nil, 200*time.Millisecond, nil)
	slow = tr.SlowQueries()
	require.Len(t, slow, 2)
	assert.Equal(t, "SELECT 3", slow[1].Statement)

	tr.SetThreshold(0)
	assert.Equal(t, 100*time.Millisecond, tr.Threshold())
}

func TestSlowBufferCapacity(t *testing.T) {
	tr := New(Config{SlowThreshold: time.Millisecond}, quietLogger())
	for i := 0; i < 150; i++ {
		tr.Record(fmt.Sprintf("SELECT %d", i), nil, 10*time.Millisecond, nil)
	}
	slow := tr.SlowQueries()
	assert.Len(t, slow, DefaultSlowCapacity)
	assert.Equal(t, "SELECT 50", slow[0].Statement)
	assert.Equal(t, int64(150), tr.Stats().SlowQueriesCount)
}

func TestSlowQueryIsLogged(t *testing.T) {
	logger, hook := test.NewNullLogger()
	tr := New(Config{SlowThreshold: 10 * time.Millisecond}, logger)
	tr.Record("SELECT 1", nil, time.Millisecond, nil)
	assert.Empty(t, hook.AllEntries())

	tr.Record("SELECT pg_sleep(1)", nil, time.Second, nil)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "SELECT pg_sleep(1)", hook.LastEntry().Data["statement"])
}

func TestStatementTruncationAndErrors(t *testing.T) {
	tr := New(Config{}, quietLogger())
	long := "SELECT '" + fmt.Sprintf("%0600d", 0) + "'"
	tr.Record(long, []any{1}, time.Millisecond, errors.New("boom"))

	rec := tr.Recent(1)[0]
	assert.Len(t, rec.Statement, maxStatementLength)
	assert.Equal(t, "boom", rec.Error)
	assert.Equal(t, int64(1), tr.Stats().ErrorCount)
}

func TestTopPatternsLimited(t *testing.T) {
	tr := New(Config{}, quietLogger())
	for i := 0; i < 15; i++ {
		for j := 0; j <= i; j++ {
			tr.Record(fmt.Sprintf("SELECT * FROM t%c WHERE id = %d", 'a'+rune(i), j), nil, time.Millisecond, nil)
		}
	}
	top := tr.Stats().MostFrequentPatterns
	require.Len(t, top, topPatterns)
	assert.Equal(t, "SELECT * FROM to WHERE id = ?", top[0].Pattern)
	assert.Equal(t, int64(15), top[0].Count)
}

func TestSlowPatterns(t *testing.T) {
	tr := New(Config{SlowThreshold: time.Millisecond}, quietLogger())
	for i := 0; i < 7; i++ {
		tr.Record(fmt.Sprintf("SELECT * FROM users WHERE id = %d", i), nil, time.Duration(i+2)*time.Millisecond, nil)
	}
	tr.Record("DELETE FROM psp WHERE name = 'x'", nil, 20*time.Millisecond, nil)

	groups := tr.SlowPatterns()
	require.Len(t, groups, 2)
	assert.Equal(t, "SELECT * FROM users WHERE id = ?", groups[0].Pattern)
	assert.Equal(t, 7, groups[0].Count)
	assert.InDelta(t, 0.008, groups[0].MaxDuration, 1e-9)
	assert.InDelta(t, 0.005, groups[0].AvgDuration, 1e-9)
	require.Len(t, groups[0].Occurrences, patternOccurrences)
	assert.Equal(t, "SELECT * FROM users WHERE id = 6", groups[0].Occurrences[4].Statement)
	assert.Equal(t, 1, groups[1].Count)
}

func TestClassify(t *testing.T) {
	tr := New(Config{}, quietLogger())
	assert.Equal(t, ClassNormal, tr.Classify(50*time.Millisecond))
	assert.Equal(t, ClassSlow, tr.Classify(200*time.Millisecond))
	assert.Equal(t, ClassVerySlow, tr.Classify(time.Second))
}

func TestAfterExecuteRecordsDuration(t *testing.T) {
	tr := New(Config{}, quietLogger())
	start := time.Now()
	tr.AfterExecute("SELECT 1", []any{int64(7)}, start, start.Add(250*time.Millisecond), nil)
	rec := tr.Recent(1)[0]
	assert.InDelta(t, 0.25, rec.Duration, 1e-9)
	assert.Equal(t, []any{int64(7)}, rec.Params)
}

func TestSlowSince(t *testing.T) {
	tr := New(Config{SlowThreshold: time.Millisecond}, quietLogger())
	tr.Record("SELECT 1", nil, 5*time.Millisecond, nil)
	mark := time.Now()
	time.Sleep(2 * time.Millisecond)
	tr.Record("SELECT 2", nil, 5*time.Millisecond, nil)

	since := tr.SlowSince(mark)
	require.Len(t, since, 1)
	assert.Equal(t, "SELECT 2", since[0].Statement)
}

func TestConcurrentRecord(t *testing.T) {
	tr := New(Config{}, quietLogger())
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				tr.Record("SELECT 1", nil, time.Microsecond, nil)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(4000), tr.Stats().TotalQueries)
	assert.Len(t, tr.Recent(DefaultCapacity+1), DefaultCapacity)
}

func TestReset(t *testing.T) {
	tr := New(Config{SlowThreshold: time.Millisecond}, quietLogger())
	tr.Record("SELECT 1", nil, time.Second, nil)
	tr.Reset()
	s := tr.Stats()
	assert.Zero(t, s.TotalQueries)
	assert.Empty(t, tr.SlowQueries())
	assert.Empty(t, s.MostFrequentPatterns)
	assert.Equal(t, 0.001, s.SlowQueryThreshold)
}
