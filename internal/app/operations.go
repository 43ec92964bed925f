package app

import (
	"context"
	"errors"
	"time"

	"github.com/barryq93/dbwatch/internal/advisor"
	"github.com/barryq93/dbwatch/internal/alerting"
	"github.com/barryq93/dbwatch/internal/backup"
	"github.com/barryq93/dbwatch/internal/cache"
	"github.com/barryq93/dbwatch/internal/poolmon"
	"github.com/barryq93/dbwatch/internal/querytracker"
)

const (
	statusOK          = "ok"
	statusError       = "error"
	statusUnavailable = "unavailable"

	pingTimeout = 5 * time.Second
)

type SystemStats struct {
	Status        string    `json:"status"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	Timestamp     time.Time `json:"timestamp"`
	Error         string    `json:"error,omitempty"`
}

type SecurityStats struct {
	UnauthorizedRequests int64 `json:"unauthorized_requests"`
	RateLimitedRequests  int64 `json:"rate_limited_requests"`
}

type DatabaseStats struct {
	Status      string  `json:"status"`
	Dialect     string  `json:"dialect"`
	PingSeconds float64 `json:"ping_seconds"`
	Error       string  `json:"error,omitempty"`
}

type OptimizerStats struct {
	Status          string `json:"status"`
	MissingIndexes  int    `json:"missing_indexes"`
	ExistingIndexes int    `json:"existing_indexes"`
	CheckedTables   int    `json:"checked_tables"`
	Error           string `json:"error,omitempty"`
}

type MetricsSummary struct {
	System    SystemStats        `json:"system"`
	Cache     cache.Stats        `json:"cache"`
	Queries   querytracker.Stats `json:"queries"`
	Security  SecurityStats      `json:"security"`
	Database  DatabaseStats      `json:"database"`
	Pool      poolmon.Stats      `json:"pool"`
	Optimizer OptimizerStats     `json:"optimizer"`
	Timestamp time.Time          `json:"timestamp"`
}

type QueryReport struct {
	Stats        querytracker.Stats         `json:"stats"`
	SlowQueries  []querytracker.Record      `json:"slow_queries"`
	SlowPatterns []querytracker.SlowPattern `json:"slow_patterns"`
}

type QueryOptimization struct {
	Status       string                     `json:"status"`
	Views        *advisor.ViewsResult       `json:"views,omitempty"`
	SlowPatterns []querytracker.SlowPattern `json:"slow_patterns"`
	Error        string                     `json:"error,omitempty"`
}

type OptimizationReport struct {
	Status          string                   `json:"status"`
	Applied         *advisor.ApplyResult     `json:"applied,omitempty"`
	Indexes         *advisor.Report          `json:"indexes,omitempty"`
	Recommendations []advisor.Recommendation `json:"recommendations"`
	Error           string                   `json:"error,omitempty"`
}

type AlertsReport struct {
	Alerts    []alerting.Alert `json:"alerts"`
	Summary   alerting.Summary `json:"summary"`
	Timestamp time.Time        `json:"timestamp"`
}

type BackupReport struct {
	Status backup.Status `json:"status"`
	Run    *backup.Run   `json:"run,omitempty"`
	Error  string        `json:"error,omitempty"`
}

type HealthReport struct {
	Status        string         `json:"status"`
	Database      DatabaseStats  `json:"database"`
	Pool          poolmon.Health `json:"pool"`
	Backup        backup.Status  `json:"backup"`
	StreamClients int            `json:"stream_clients"`
	UptimeSeconds float64        `json:"uptime_seconds"`
}

func (app *Application) SystemStats(ctx context.Context) SystemStats {
	snap, err := app.sampler.Sample(ctx)
	if err != nil {
		app.logger.WithError(err).Warn("System metrics unavailable")
		return SystemStats{Status: statusError, Timestamp: time.Now(), Error: err.Error()}
	}
	return SystemStats{
		Status:        statusOK,
		CPUPercent:    snap.CPUPercent,
		MemoryPercent: snap.MemoryPercent,
		DiskPercent:   snap.DiskPercent,
		Timestamp:     snap.Timestamp,
	}
}

func (app *Application) SecurityStats() SecurityStats {
	return SecurityStats{
		UnauthorizedRequests: app.unauthorized.Load(),
		RateLimitedRequests:  app.rateLimited.Load(),
	}
}

func (app *Application) DatabaseStats(ctx context.Context) DatabaseStats {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	st := DatabaseStats{Status: statusOK, Dialect: string(app.client.Dialect())}
	started := time.Now()
	if err := app.client.Ping(ctx); err != nil {
		st.Status, st.Error = statusUnavailable, err.Error()
		return st
	}
	st.PingSeconds = time.Since(started).Seconds()
	return st
}

func (app *Application) OptimizerStats(ctx context.Context) OptimizerStats {
	report, err := app.advisor.Recommendations(ctx)
	if err != nil {
		return OptimizerStats{Status: statusError, Error: err.Error()}
	}
	return OptimizerStats{
		Status:          statusOK,
		MissingIndexes:  len(report.MissingIndexes),
		ExistingIndexes: report.ExistingIndexes,
		CheckedTables:   len(report.CheckedTables),
	}
}

// Summary gathers every component's view. Each section degrades on its own.
func (app *Application) Summary(ctx context.Context) MetricsSummary {
	return MetricsSummary{
		System:    app.SystemStats(ctx),
		Cache:     app.cache.Stats(ctx),
		Queries:   app.tracker.Stats(),
		Security:  app.SecurityStats(),
		Database:  app.DatabaseStats(ctx),
		Pool:      app.pool.Stats(),
		Optimizer: app.OptimizerStats(ctx),
		Timestamp: time.Now(),
	}
}

func (app *Application) CacheStats(ctx context.Context) cache.Stats {
	return app.cache.Stats(ctx)
}

func (app *Application) ClearCache(ctx context.Context) cache.ClearResult {
	return app.cache.Clear(ctx)
}

func (app *Application) QueryReport() QueryReport {
	return QueryReport{
		Stats:        app.tracker.Stats(),
		SlowQueries:  app.tracker.SlowQueries(),
		SlowPatterns: app.tracker.SlowPatterns(),
	}
}

// OptimizeQueries installs the reporting views and returns the slow
// statement patterns worth reviewing.
func (app *Application) OptimizeQueries(ctx context.Context) QueryOptimization {
	out := QueryOptimization{Status: statusOK, SlowPatterns: app.tracker.SlowPatterns()}
	views, err := app.advisor.CreateReportingViews(ctx)
	if err != nil {
		app.logger.WithError(err).Error("Failed to create reporting views")
		out.Status, out.Error = statusError, err.Error()
		return out
	}
	out.Views = &views
	return out
}

// Optimization reports index and maintenance recommendations. With apply
// set, missing indexes are created first.
func (app *Application) Optimization(ctx context.Context, apply bool) OptimizationReport {
	out := OptimizationReport{Status: statusOK}
	if apply {
		res, err := app.advisor.ApplyMissing(ctx)
		if err != nil {
			app.logger.WithError(err).Error("Failed to apply missing indexes")
			out.Status, out.Error = statusError, err.Error()
			return out
		}
		out.Applied = &res
	}
	report, err := app.advisor.Recommendations(ctx)
	if err != nil {
		out.Status, out.Error = statusError, err.Error()
		return out
	}
	out.Indexes = &report
	recs, err := app.advisor.DatabaseOptimization(ctx)
	if err != nil {
		out.Status, out.Error = statusError, err.Error()
		return out
	}
	out.Recommendations = recs
	return out
}

func (app *Application) Alerts(limit int, level alerting.Level) AlertsReport {
	return AlertsReport{
		Alerts:    app.alerts.Recent(limit, level),
		Summary:   app.alerts.Summary(),
		Timestamp: time.Now(),
	}
}

func (app *Application) BackupStatus() BackupReport {
	return BackupReport{Status: app.backups.Status()}
}

// TriggerBackup runs a backup now, subject to the minimum interval.
func (app *Application) TriggerBackup(ctx context.Context) BackupReport {
	run, err := app.backups.TriggerNow(ctx)
	out := BackupReport{Run: &run}
	if err != nil && !errors.Is(err, backup.ErrThrottled) {
		out.Error = err.Error()
	}
	out.Status = app.backups.Status()
	return out
}

// Health combines database reachability, pool health and backup state.
func (app *Application) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Database:      app.DatabaseStats(ctx),
		Pool:          app.pool.Health(),
		Backup:        app.backups.Status(),
		StreamClients: app.hub.Clients(),
		UptimeSeconds: time.Since(app.startedAt).Seconds(),
	}
	switch {
	case report.Database.Status != statusOK:
		report.Status = statusUnavailable
	default:
		report.Status = report.Pool.Status
	}
	return report
}
