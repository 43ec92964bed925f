// Package querytracker records executed statements, classifies slow ones
// and keeps bounded history plus per-pattern aggregates.
package querytracker

import (
	"sort"
	"sync"
	"time"

	"github.com/barryq93/dbwatch/internal/ring"
	"github.com/sirupsen/logrus"
)

const (
	DefaultCapacity      = 1000
	DefaultSlowCapacity  = 100
	DefaultSlowThreshold = time.Second

	// Two-tier classification used for metrics labelling.
	DefaultSlowTier     = 100 * time.Millisecond
	DefaultVerySlowTier = 500 * time.Millisecond

	maxStatementLength = 500
	maxPatterns        = 5000
	topPatterns        = 10
	patternOccurrences = 5
)

// Class is the two-tier latency class of a statement.
type Class string

const (
	ClassNormal   Class = "normal"
	ClassSlow     Class = "slow"
	ClassVerySlow Class = "very_slow"
)

// Record is an executed statement. Durations are in seconds.
type Record struct {
	Statement string    `json:"statement"`
	Params    any       `json:"parameters,omitempty"`
	Duration  float64   `json:"duration"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

type PatternCount struct {
	Pattern   string  `json:"pattern"`
	Count     int64   `json:"count"`
	TotalTime float64 `json:"total_time"`
}

// SlowPattern groups slow records by normalized statement.
type SlowPattern struct {
	Pattern     string   `json:"pattern"`
	Count       int      `json:"count"`
	AvgDuration float64  `json:"avg_duration"`
	MaxDuration float64  `json:"max_duration"`
	Occurrences []Record `json:"occurrences"`
}

type Stats struct {
	TotalQueries         int64          `json:"total_queries"`
	TotalExecutionTime   float64        `json:"total_execution_time"`
	AverageExecutionTime float64        `json:"average_execution_time"`
	SlowQueriesCount     int64          `json:"slow_queries_count"`
	SlowQueryThreshold   float64        `json:"slow_query_threshold"`
	ErrorCount           int64          `json:"error_count"`
	MostFrequentPatterns []PatternCount `json:"most_frequent_patterns"`
}

type Config struct {
	Capacity      int
	SlowCapacity  int
	SlowThreshold time.Duration
	SlowTier      time.Duration
	VerySlowTier  time.Duration
}

type patternStat struct {
	count     int64
	totalTime float64
}

type Tracker struct {
	mu        sync.Mutex
	records   *ring.Buffer[Record]
	slow      *ring.Buffer[Record]
	patterns  map[string]*patternStat
	threshold time.Duration
	slowTier  time.Duration
	veryTier  time.Duration

	total     int64
	totalTime float64
	slowCount int64
	errCount  int64

	logger logrus.FieldLogger
}

func New(cfg Config, logger logrus.FieldLogger) *Tracker {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.SlowCapacity <= 0 {
		cfg.SlowCapacity = DefaultSlowCapacity
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = DefaultSlowThreshold
	}
	if cfg.SlowTier <= 0 {
		cfg.SlowTier = DefaultSlowTier
	}
	if cfg.VerySlowTier <= 0 {
		cfg.VerySlowTier = DefaultVerySlowTier
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Tracker{
		records:   ring.New[Record](cfg.Capacity),
		slow:      ring.New[Record](cfg.SlowCapacity),
		patterns:  make(map[string]*patternStat),
		threshold: cfg.SlowThreshold,
		slowTier:  cfg.SlowTier,
		veryTier:  cfg.VerySlowTier,
		logger:    logger.WithField("component", "query_tracker"),
	}
}

// Record stores one completed statement. It runs on the caller's goroutine,
// usually inside a driver callback, so it only appends and counts.
func (t *Tracker) Record(statement string, params any, duration time.Duration, err error) {
	if duration < 0 {
		duration = 0
	}
	rec := Record{
		Statement: truncate(statement, maxStatementLength),
		Params:    params,
		Duration:  duration.Seconds(),
		Timestamp: time.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	pattern := Normalize(rec.Statement)

	t.mu.Lock()
	t.records.Push(rec)
	t.total++
	t.totalTime += rec.Duration
	if err != nil {
		t.errCount++
	}
	if ps, ok := t.patterns[pattern]; ok {
		ps.count++
		ps.totalTime += rec.Duration
	} else if len(t.patterns) < maxPatterns {
		t.patterns[pattern] = &patternStat{count: 1, totalTime: rec.Duration}
	}
	threshold := t.threshold
	isSlow := duration > threshold
	if isSlow {
		t.slow.Push(rec)
		t.slowCount++
	}
	t.mu.Unlock()

	if isSlow {
		t.logger.WithFields(logrus.Fields{
			"duration":  rec.Duration,
			"threshold": threshold.Seconds(),
			"statement": rec.Statement,
		}).Warn("Slow query detected")
	}
}

// BeforeExecute satisfies db.QueryObserver; timing is taken by the caller.
func (t *Tracker) BeforeExecute(string, []any) {}

// AfterExecute satisfies db.QueryObserver.
func (t *Tracker) AfterExecute(statement string, args []any, started, finished time.Time, err error) {
	var params any
	if len(args) > 0 {
		params = args
	}
	t.Record(statement, params, finished.Sub(started), err)
}

// SetThreshold changes the slow threshold for future records only.
func (t *Tracker) SetThreshold(threshold time.Duration) {
	if threshold <= 0 {
		return
	}
	t.mu.Lock()
	t.threshold = threshold
	t.mu.Unlock()
}

func (t *Tracker) Threshold() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.threshold
}

// Classify maps a duration onto the two-tier latency policy.
func (t *Tracker) Classify(d time.Duration) Class {
	t.mu.Lock()
	slowTier, veryTier := t.slowTier, t.veryTier
	t.mu.Unlock()
	switch {
	case d > veryTier:
		return ClassVerySlow
	case d > slowTier:
		return ClassSlow
	default:
		return ClassNormal
	}
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		TotalQueries:       t.total,
		TotalExecutionTime: t.totalTime,
		SlowQueriesCount:   t.slowCount,
		SlowQueryThreshold: t.threshold.Seconds(),
		ErrorCount:         t.errCount,
	}
	if t.total > 0 {
		s.AverageExecutionTime = t.totalTime / float64(t.total)
	}

	counts := make([]PatternCount, 0, len(t.patterns))
	for p, ps := range t.patterns {
		counts = append(counts, PatternCount{Pattern: p, Count: ps.count, TotalTime: ps.totalTime})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Pattern < counts[j].Pattern
	})
	if len(counts) > topPatterns {
		counts = counts[:topPatterns]
	}
	s.MostFrequentPatterns = counts
	return s
}

// SlowQueries returns the slow buffer, most recent last.
func (t *Tracker) SlowQueries() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slow.Slice()
}

// SlowSince returns slow records newer than since, most recent last.
func (t *Tracker) SlowSince(since time.Time) []Record {
	all := t.SlowQueries()
	out := make([]Record, 0, len(all))
	for _, r := range all {
		if r.Timestamp.After(since) {
			out = append(out, r)
		}
	}
	return out
}

// Recent returns the last limit records, most recent last.
func (t *Tracker) Recent(limit int) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records.Last(limit)
}

// SlowPatterns clusters the slow buffer by normalized statement.
func (t *Tracker) SlowPatterns() []SlowPattern {
	groups := make(map[string]*SlowPattern)
	var order []string
	for _, r := range t.SlowQueries() {
		key := Normalize(r.Statement)
		g, ok := groups[key]
		if !ok {
			g = &SlowPattern{Pattern: key}
			groups[key] = g
			order = append(order, key)
		}
		g.Count++
		g.AvgDuration += r.Duration
		if r.Duration > g.MaxDuration {
			g.MaxDuration = r.Duration
		}
		g.Occurrences = append(g.Occurrences, r)
		if len(g.Occurrences) > patternOccurrences {
			g.Occurrences = g.Occurrences[1:]
		}
	}

	out := make([]SlowPattern, 0, len(order))
	for _, key := range order {
		g := groups[key]
		g.AvgDuration /= float64(g.Count)
		out = append(out, *g)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

// Reset drops all history and counters; the threshold is kept.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records.Reset()
	t.slow.Reset()
	t.patterns = make(map[string]*patternStat)
	t.total, t.totalTime, t.slowCount, t.errCount = 0, 0, 0, 0
}
