// Package alerting turns metric readings into alerts, keeps a bounded
// history of them and fans each one out to the registered handlers.
//
// Every check is stateless: a breach on every evaluation produces a new
// alert. An optional cooldown suppresses repeats of the same source and title.
package alerting

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/barryq93/dbwatch/internal/ring"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Level string

const (
	Info     Level = "info"
	Warning  Level = "warning"
	Error    Level = "error"
	Critical Level = "critical"
)

const (
	DefaultHistoryCapacity = 1000
	recentCriticalWindow   = 100
)

// Alert is immutable once sent; handlers receive their own copy.
type Alert struct {
	ID        string         `json:"id"`
	Level     Level          `json:"level"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (a Alert) clone() Alert {
	a.Metadata = maps.Clone(a.Metadata)
	return a
}

type Handler interface {
	HandleAlert(Alert) error
}

type HandlerFunc func(Alert) error

func (f HandlerFunc) HandleAlert(a Alert) error { return f(a) }

type Thresholds struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryPercent    float64 `json:"memory_percent"`
	DiskPercent      float64 `json:"disk_percent"`
	CriticalPercent  float64 `json:"critical_percent"`
	SlowQuerySeconds float64 `json:"slow_query_seconds"`
	ErrorRatePercent float64 `json:"error_rate_percent"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUPercent:       85,
		MemoryPercent:    85,
		DiskPercent:      90,
		CriticalPercent:  95,
		SlowQuerySeconds: 2.0,
		ErrorRatePercent: 10,
	}
}

// withDefaults fills zero fields so a partially configured block still works.
func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.CPUPercent <= 0 {
		t.CPUPercent = d.CPUPercent
	}
	if t.MemoryPercent <= 0 {
		t.MemoryPercent = d.MemoryPercent
	}
	if t.DiskPercent <= 0 {
		t.DiskPercent = d.DiskPercent
	}
	if t.CriticalPercent <= 0 {
		t.CriticalPercent = d.CriticalPercent
	}
	if t.SlowQuerySeconds <= 0 {
		t.SlowQuerySeconds = d.SlowQuerySeconds
	}
	if t.ErrorRatePercent <= 0 {
		t.ErrorRatePercent = d.ErrorRatePercent
	}
	return t
}

// SystemMetrics is one host sample. Zero readings never breach.
type SystemMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}

type Summary struct {
	TotalAlerts         int           `json:"total_alerts"`
	ByLevel             map[Level]int `json:"by_level"`
	RecentCriticalCount int           `json:"recent_critical_count"`
}

type Config struct {
	Thresholds      Thresholds
	HistoryCapacity int
	// DedupCooldown suppresses alerts repeating a source and title inside
	// the window. Zero disables it.
	DedupCooldown time.Duration
}

type Service struct {
	mu         sync.Mutex
	thresholds Thresholds
	history    *ring.Buffer[Alert]
	handlers   []Handler
	cooldown   time.Duration
	lastSent   map[string]time.Time
	logger     logrus.FieldLogger
	now        func() time.Time
}

func New(cfg Config, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	capacity := cfg.HistoryCapacity
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &Service{
		thresholds: cfg.Thresholds.withDefaults(),
		history:    ring.New[Alert](capacity),
		cooldown:   cfg.DedupCooldown,
		lastSent:   make(map[string]time.Time),
		logger:     logger.WithField("component", "alerting"),
		now:        time.Now,
	}
}

func (s *Service) Thresholds() Thresholds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thresholds
}

func (s *Service) SetThresholds(t Thresholds) {
	s.mu.Lock()
	s.thresholds = t.withDefaults()
	s.mu.Unlock()
}

func (s *Service) SetDedupCooldown(d time.Duration) {
	s.mu.Lock()
	s.cooldown = d
	s.mu.Unlock()
}

// RegisterHandler appends h. Handlers cannot be removed.
func (s *Service) RegisterHandler(h Handler) {
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()
}

// CheckSystemMetrics emits one alert per breached resource: warning above
// the resource threshold, critical at or above the critical ceiling.
func (s *Service) CheckSystemMetrics(m SystemMetrics) []Alert {
	t := s.Thresholds()
	readings := []struct {
		name      string
		title     string
		value     float64
		threshold float64
	}{
		{"cpu_percent", "High CPU usage", m.CPUPercent, t.CPUPercent},
		{"memory_percent", "High memory usage", m.MemoryPercent, t.MemoryPercent},
		{"disk_percent", "High disk usage", m.DiskPercent, t.DiskPercent},
	}

	var sent []Alert
	for _, r := range readings {
		if r.value <= r.threshold {
			continue
		}
		level := Warning
		if r.value >= t.CriticalPercent {
			level = Critical
		}
		a, ok := s.Send(Alert{
			Level:   level,
			Title:   r.title,
			Message: fmt.Sprintf("%s is %.1f%% (threshold %.1f%%)", r.name, r.value, r.threshold),
			Source:  "system",
			Metadata: map[string]any{
				"metric":    r.name,
				"value":     r.value,
				"threshold": r.threshold,
			},
		})
		if ok {
			sent = append(sent, a)
		}
	}
	return sent
}

// CheckSlowQuery emits a warning when duration exceeds the slow-query threshold.
func (s *Service) CheckSlowQuery(duration time.Duration, statement string) (Alert, bool) {
	t := s.Thresholds()
	secs := duration.Seconds()
	if secs <= t.SlowQuerySeconds {
		return Alert{}, false
	}
	return s.Send(Alert{
		Level:   Warning,
		Title:   "Slow query",
		Message: fmt.Sprintf("query took %.3fs (threshold %.1fs)", secs, t.SlowQuerySeconds),
		Source:  "database",
		Metadata: map[string]any{
			"duration":  secs,
			"threshold": t.SlowQuerySeconds,
			"statement": statement,
		},
	})
}

// CheckErrorRate emits an error-level alert when errors/total exceeds the
// error-rate threshold. A zero total is never a breach.
func (s *Service) CheckErrorRate(errors, total int64) (Alert, bool) {
	if total <= 0 {
		return Alert{}, false
	}
	t := s.Thresholds()
	rate := float64(errors) / float64(total) * 100
	if rate <= t.ErrorRatePercent {
		return Alert{}, false
	}
	return s.Send(Alert{
		Level:   Error,
		Title:   "High error rate",
		Message: fmt.Sprintf("error rate is %.1f%% (threshold %.1f%%)", rate, t.ErrorRatePercent),
		Source:  "application",
		Metadata: map[string]any{
			"errors":     errors,
			"total":      total,
			"error_rate": rate,
			"threshold":  t.ErrorRatePercent,
		},
	})
}

// Send records the alert, logs it and calls every handler. ID and Timestamp
// are filled when empty. It reports false when the alert was suppressed by
// the dedup cooldown.
func (s *Service) Send(a Alert) (Alert, bool) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Level == "" {
		a.Level = Info
	}

	s.mu.Lock()
	now := s.now()
	if a.Timestamp.IsZero() {
		a.Timestamp = now
	}
	if s.cooldown > 0 {
		key := a.Source + "|" + a.Title
		if last, ok := s.lastSent[key]; ok && now.Sub(last) < s.cooldown {
			s.mu.Unlock()
			return Alert{}, false
		}
		s.lastSent[key] = now
	}
	a = a.clone()
	s.history.Push(a)
	handlers := append([]Handler(nil), s.handlers...)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"alert_id": a.ID,
		"source":   a.Source,
		"level":    a.Level,
	}).Log(logLevel(a.Level), fmt.Sprintf("%s: %s", a.Title, a.Message))

	for _, h := range handlers {
		s.dispatch(h, a.clone())
	}
	return a.clone(), true
}

func (s *Service) dispatch(h Handler, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("alert_id", a.ID).Errorf("Alert handler panicked: %v", r)
		}
	}()
	if err := h.HandleAlert(a); err != nil {
		s.logger.WithField("alert_id", a.ID).Errorf("Alert handler failed: %v", err)
	}
}

func logLevel(l Level) logrus.Level {
	switch l {
	case Warning:
		return logrus.WarnLevel
	case Error, Critical:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Recent returns up to limit of the newest alerts, oldest first. An empty
// level matches every alert.
func (s *Service) Recent(limit int, level Level) []Alert {
	s.mu.Lock()
	all := s.history.Slice()
	s.mu.Unlock()

	out := make([]Alert, 0, len(all))
	for _, a := range all {
		if level == "" || a.Level == level {
			out = append(out, a)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	for i := range out {
		out[i] = out[i].clone()
	}
	return out
}

func (s *Service) Summary() Summary {
	s.mu.Lock()
	all := s.history.Slice()
	s.mu.Unlock()

	sum := Summary{
		TotalAlerts: len(all),
		ByLevel:     map[Level]int{Info: 0, Warning: 0, Error: 0, Critical: 0},
	}
	for _, a := range all {
		sum.ByLevel[a.Level]++
	}
	start := len(all) - recentCriticalWindow
	if start < 0 {
		start = 0
	}
	for _, a := range all[start:] {
		if a.Level == Critical {
			sum.RecentCriticalCount++
		}
	}
	return sum
}

// Reset clears the history and dedup state. Handlers stay registered.
func (s *Service) Reset() {
	s.mu.Lock()
	s.history.Reset()
	s.lastSent = make(map[string]time.Time)
	s.mu.Unlock()
}
