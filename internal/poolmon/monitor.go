// Package poolmon observes connection-pool lifecycle events and derives
// utilization, health and sizing suggestions from them. The monitor never
// checks out or closes connections itself.
package poolmon

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/barryq93/dbwatch/internal/ring"
	"github.com/sirupsen/logrus"
)

const (
	DefaultEventCapacity = 1000
	DefaultAlertCapacity = 100

	// The leak check is a tripwire: more checkouts than checkins over the
	// recent window. Bursty workloads can trip it without a real leak.
	DefaultLeakWindow    = 100
	DefaultLeakThreshold = 10

	// Invalidated connections count against health for this long.
	DefaultInvalidWindow = 15 * time.Minute

	criticalUtilization = 90.0
	warningUtilization  = 80.0
	growUtilization     = 85.0
	shrinkUtilization   = 30.0
	minPoolSize         = 5
	overflowStep        = 5
)

type EventType string

const (
	EventConnect    EventType = "connect"
	EventCheckout   EventType = "checkout"
	EventCheckin    EventType = "checkin"
	EventInvalidate EventType = "invalidate"
)

const (
	StatusHealthy     = "healthy"
	StatusWarning     = "warning"
	StatusDegraded    = "degraded"
	StatusUnavailable = "unavailable"
)

// Event is one pool lifecycle callback. Duration is the checkout-to-checkin
// hold time in seconds and is only set on checkin.
type Event struct {
	Type      EventType `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Duration  *float64  `json:"duration,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Counts is what a pool handle reports about itself. Invalid is for handles
// that track invalidations on their own; the monitor adds the ones it was
// told about.
type Counts struct {
	PoolSize    int
	MaxOverflow int
	CheckedIn   int
	CheckedOut  int
	Overflow    int
	Invalid     int
}

// PoolHandle is the read-only view of the driver's pool.
type PoolHandle interface {
	PoolCounts() (Counts, error)
}

type Health struct {
	Status   string   `json:"status"`
	Issues   []string `json:"issues"`
	Warnings []string `json:"warnings"`
}

type Stats struct {
	PoolSize           int     `json:"pool_size"`
	MaxOverflow        int     `json:"max_overflow"`
	CheckedIn          int     `json:"checked_in"`
	CheckedOut         int     `json:"checked_out"`
	Overflow           int     `json:"overflow"`
	Invalid            int     `json:"invalid"`
	TotalConnections   int     `json:"total_connections"`
	UsagePercent       float64 `json:"usage_percent"`
	UtilizationPercent float64 `json:"utilization_percent"`
	Status             string  `json:"status"`
	Health             Health  `json:"health"`
	UptimeSeconds      float64 `json:"uptime_seconds"`
	Error              string  `json:"error,omitempty"`
}

type SuggestionType string

const (
	IncreasePoolSize    SuggestionType = "increase_pool_size"
	DecreasePoolSize    SuggestionType = "decrease_pool_size"
	IncreaseMaxOverflow SuggestionType = "increase_max_overflow"
)

type Suggestion struct {
	Type      SuggestionType `json:"type"`
	Current   int            `json:"current"`
	Suggested int            `json:"suggested"`
	Reason    string         `json:"reason"`
}

// Alert is raised by a health check that found issues or warnings.
type Alert struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Status    string    `json:"status"`
	Issues    []string  `json:"issues,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
}

type Config struct {
	EventCapacity int
	AlertCapacity int
	LeakWindow    int
	LeakThreshold int
	InvalidWindow time.Duration
	// OnAlert runs outside the monitor lock for every recorded alert.
	OnAlert func(Alert)
}

type Monitor struct {
	mu        sync.Mutex
	handle    PoolHandle
	events    *ring.Buffer[Event]
	alerts    *ring.Buffer[Alert]
	checkouts map[any]time.Time
	startedAt time.Time

	leakWindow    int
	leakThreshold int
	invalidWindow time.Duration
	invalidated   []time.Time
	onAlert       func(Alert)
	logger        logrus.FieldLogger
}

func New(handle PoolHandle, cfg Config, logger logrus.FieldLogger) *Monitor {
	if cfg.EventCapacity <= 0 {
		cfg.EventCapacity = DefaultEventCapacity
	}
	if cfg.AlertCapacity <= 0 {
		cfg.AlertCapacity = DefaultAlertCapacity
	}
	if cfg.LeakWindow <= 0 {
		cfg.LeakWindow = DefaultLeakWindow
	}
	if cfg.LeakThreshold <= 0 {
		cfg.LeakThreshold = DefaultLeakThreshold
	}
	if cfg.InvalidWindow <= 0 {
		cfg.InvalidWindow = DefaultInvalidWindow
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Monitor{
		handle:        handle,
		events:        ring.New[Event](cfg.EventCapacity),
		alerts:        ring.New[Alert](cfg.AlertCapacity),
		checkouts:     make(map[any]time.Time),
		startedAt:     time.Now(),
		leakWindow:    cfg.LeakWindow,
		leakThreshold: cfg.LeakThreshold,
		invalidWindow: cfg.InvalidWindow,
		onAlert:       cfg.OnAlert,
		logger:        logger.WithField("component", "pool_monitor"),
	}
}

// SetLeakPolicy replaces the leak heuristic constants at runtime.
func (m *Monitor) SetLeakPolicy(window, threshold int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if window > 0 {
		m.leakWindow = window
	}
	if threshold > 0 {
		m.leakThreshold = threshold
	}
}

// SetInvalidWindow changes how long an invalidation keeps the pool degraded.
func (m *Monitor) SetInvalidWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.invalidWindow = d
	m.mu.Unlock()
}

func (m *Monitor) OnConnect(conn any) {
	m.append(Event{Type: EventConnect, Timestamp: time.Now()})
}

func (m *Monitor) OnCheckout(conn any) {
	now := time.Now()
	m.mu.Lock()
	if conn != nil {
		m.checkouts[conn] = now
	}
	m.events.Push(Event{Type: EventCheckout, Timestamp: now})
	m.mu.Unlock()
}

func (m *Monitor) OnCheckin(conn any) {
	now := time.Now()
	ev := Event{Type: EventCheckin, Timestamp: now}
	m.mu.Lock()
	if at, ok := m.checkouts[conn]; ok && conn != nil {
		held := now.Sub(at).Seconds()
		ev.Duration = &held
		delete(m.checkouts, conn)
	}
	m.events.Push(ev)
	m.mu.Unlock()
}

// OnInvalidate records the event and runs a health check straight away.
func (m *Monitor) OnInvalidate(conn any, err error) {
	ev := Event{Type: EventInvalidate, Timestamp: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	m.mu.Lock()
	if conn != nil {
		delete(m.checkouts, conn)
	}
	m.events.Push(ev)
	m.invalidated = append(m.invalidated, ev.Timestamp)
	m.mu.Unlock()

	m.logger.WithField("error", ev.Error).Warn("Connection invalidated")
	m.CheckHealth()
}

func (m *Monitor) append(ev Event) {
	m.mu.Lock()
	m.events.Push(ev)
	m.mu.Unlock()
}

// Events returns the last limit events, oldest first.
func (m *Monitor) Events(limit int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events.Last(limit)
}

// recentInvalidLocked drops invalidations older than the window and
// returns how many remain.
func (m *Monitor) recentInvalidLocked(now time.Time) int {
	cutoff := now.Add(-m.invalidWindow)
	keep := 0
	for keep < len(m.invalidated) && m.invalidated[keep].Before(cutoff) {
		keep++
	}
	m.invalidated = m.invalidated[keep:]
	return len(m.invalidated)
}

// PoolCounts implements PoolHandle with the monitor's recent invalidations
// folded in.
func (m *Monitor) PoolCounts() (Counts, error) {
	c, err := m.counts()
	if err != nil {
		return c, err
	}
	m.mu.Lock()
	c.Invalid += m.recentInvalidLocked(time.Now())
	m.mu.Unlock()
	return c, nil
}

func (m *Monitor) counts() (c Counts, err error) {
	if m.handle == nil {
		return c, fmt.Errorf("pool handle not configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pool handle panicked: %v", r)
		}
	}()
	return m.handle.PoolCounts()
}

// Stats returns a snapshot. Handle failures are reported in the result.
func (m *Monitor) Stats() Stats {
	c, err := m.counts()

	m.mu.Lock()
	uptime := time.Since(m.startedAt).Seconds()
	if err != nil {
		m.mu.Unlock()
		return Stats{
			Status:        StatusUnavailable,
			Health:        Health{Status: StatusUnavailable, Issues: []string{}, Warnings: []string{}},
			UptimeSeconds: uptime,
			Error:         err.Error(),
		}
	}
	c.Invalid += m.recentInvalidLocked(time.Now())
	health := m.evaluateLocked(c)
	m.mu.Unlock()

	total := c.PoolSize + c.Overflow
	return Stats{
		PoolSize:           c.PoolSize,
		MaxOverflow:        c.MaxOverflow,
		CheckedIn:          c.CheckedIn,
		CheckedOut:         c.CheckedOut,
		Overflow:           c.Overflow,
		Invalid:            c.Invalid,
		TotalConnections:   total,
		UsagePercent:       percent(c.CheckedOut, total),
		UtilizationPercent: percent(c.CheckedOut, c.PoolSize),
		Status:             health.Status,
		Health:             health,
		UptimeSeconds:      uptime,
	}
}

func (m *Monitor) Health() Health {
	return m.Stats().Health
}

func (m *Monitor) evaluateLocked(c Counts) Health {
	h := Health{Status: StatusHealthy, Issues: []string{}, Warnings: []string{}}
	util := percent(c.CheckedOut, c.PoolSize)

	if c.Invalid > 0 {
		h.Issues = append(h.Issues, fmt.Sprintf("%d invalid connections in pool", c.Invalid))
	}
	if util > criticalUtilization {
		h.Issues = append(h.Issues, fmt.Sprintf("pool utilization critical: %.1f%%", util))
	} else if util >= warningUtilization {
		h.Warnings = append(h.Warnings, fmt.Sprintf("pool utilization high: %.1f%%", util))
	}
	if c.Overflow > 0 {
		h.Warnings = append(h.Warnings, fmt.Sprintf("pool overflow in use: %d connections", c.Overflow))
	}

	var checkouts, checkins int
	for _, ev := range m.events.Last(m.leakWindow) {
		switch ev.Type {
		case EventCheckout:
			checkouts++
		case EventCheckin:
			checkins++
		}
	}
	if checkouts-checkins > m.leakThreshold {
		h.Warnings = append(h.Warnings, fmt.Sprintf(
			"possible connection leak: %d checkouts vs %d checkins in last %d events",
			checkouts, checkins, m.leakWindow))
	}

	switch {
	case c.Invalid > 0:
		h.Status = StatusDegraded
	case c.Overflow > 0 || util > criticalUtilization:
		h.Status = StatusWarning
	}
	return h
}

// CheckHealth evaluates health and records an alert when anything is off.
func (m *Monitor) CheckHealth() Health {
	h := m.Health()
	if len(h.Issues) == 0 && len(h.Warnings) == 0 {
		return h
	}

	level := "warning"
	msg := "Connection pool warnings detected"
	if len(h.Issues) > 0 || h.Status == StatusDegraded || h.Status == StatusUnavailable {
		level = "critical"
		msg = "Connection pool issues detected"
	}
	alert := Alert{
		Timestamp: time.Now(),
		Level:     level,
		Message:   msg,
		Status:    h.Status,
		Issues:    h.Issues,
		Warnings:  h.Warnings,
	}

	m.mu.Lock()
	m.alerts.Push(alert)
	onAlert := m.onAlert
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"status":   h.Status,
		"issues":   h.Issues,
		"warnings": h.Warnings,
	}).Warn(msg)

	if onAlert != nil {
		onAlert(alert)
	}
	return h
}

// Alerts returns up to limit recent alerts, most recent last.
func (m *Monitor) Alerts(limit int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alerts.Last(limit)
}

// SuggestConfig proposes pool sizing changes from the current snapshot.
func (m *Monitor) SuggestConfig() []Suggestion {
	s := m.Stats()
	out := []Suggestion{}
	if s.Error != "" {
		return out
	}

	if s.UtilizationPercent > growUtilization {
		out = append(out, Suggestion{
			Type:      IncreasePoolSize,
			Current:   s.PoolSize,
			Suggested: int(math.Round(float64(s.PoolSize) * 1.2)),
			Reason:    fmt.Sprintf("High utilization: %.1f%%", s.UtilizationPercent),
		})
	} else if s.UtilizationPercent < shrinkUtilization && s.PoolSize > minPoolSize {
		suggested := int(math.Round(float64(s.PoolSize) * 0.8))
		if suggested < minPoolSize {
			suggested = minPoolSize
		}
		out = append(out, Suggestion{
			Type:      DecreasePoolSize,
			Current:   s.PoolSize,
			Suggested: suggested,
			Reason:    fmt.Sprintf("Low utilization: %.1f%%", s.UtilizationPercent),
		})
	}
	if s.Overflow > 0 {
		out = append(out, Suggestion{
			Type:      IncreaseMaxOverflow,
			Current:   s.MaxOverflow,
			Suggested: s.MaxOverflow + overflowStep,
			Reason:    fmt.Sprintf("Overflow connections in use: %d", s.Overflow),
		})
	}
	return out
}

// Reset clears events, alerts, invalidations and pending checkouts and
// restarts uptime.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events.Reset()
	m.alerts.Reset()
	m.invalidated = nil
	m.checkouts = make(map[any]time.Time)
	m.startedAt = time.Now()
}

func percent(part, whole int) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}
