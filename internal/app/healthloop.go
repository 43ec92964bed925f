package app

import (
	"context"
	"sync"
	"time"

	"github.com/barryq93/dbwatch/internal/alerting"
	"github.com/sirupsen/logrus"
)

// slowAlertsPerTick caps per-tick slow query alerts to the most recent ones.
const slowAlertsPerTick = 10

type healthState struct {
	mu         sync.Mutex
	lastTick   time.Time
	lastTotal  int64
	lastErrors int64
}

func (app *Application) healthLoop() {
	defer app.wg.Done()
	interval := time.Duration(app.Config().GlobalConfig.HealthCheckInterval) * time.Second
	if interval <= 0 {
		interval = defaultHealthCheckInterval * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			app.CheckHealth(ctx)
			cancel()
		case <-app.shutdown:
			return
		}
	}
}

// CheckHealth runs one database health pass: pool health, system metrics,
// slow queries since the previous pass and the query error rate. It returns
// the alerts that were sent.
func (app *Application) CheckHealth(ctx context.Context) (sent []alerting.Alert) {
	defer func() {
		if r := recover(); r != nil {
			app.logger.Errorf("Health check recovered from panic: %v", r)
		}
	}()
	logger := app.logger.WithField("component", "health_loop")

	health := app.pool.CheckHealth()
	logger.WithFields(logrus.Fields{
		"status":   health.Status,
		"issues":   len(health.Issues),
		"warnings": len(health.Warnings),
	}).Info("Connection pool health")

	if snap, err := app.sampler.Sample(ctx); err != nil {
		logger.WithError(err).Warn("Skipping system metric checks")
	} else {
		sent = append(sent, app.alerts.CheckSystemMetrics(snap.Metrics())...)
	}

	app.health.mu.Lock()
	since := app.health.lastTick
	stats := app.tracker.Stats()
	deltaTotal := stats.TotalQueries - app.health.lastTotal
	deltaErrors := stats.ErrorCount - app.health.lastErrors
	app.health.lastTick = time.Now()
	app.health.lastTotal = stats.TotalQueries
	app.health.lastErrors = stats.ErrorCount
	app.health.mu.Unlock()

	slow := app.tracker.SlowSince(since)
	if len(slow) > slowAlertsPerTick {
		slow = slow[len(slow)-slowAlertsPerTick:]
	}
	for _, rec := range slow {
		if a, ok := app.alerts.CheckSlowQuery(secondsOf(rec.Duration), rec.Statement); ok {
			sent = append(sent, a)
		}
	}
	if a, ok := app.alerts.CheckErrorRate(deltaErrors, deltaTotal); ok {
		sent = append(sent, a)
	}
	return sent
}
