package app

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/barryq93/dbwatch/internal/advisor"
	"github.com/barryq93/dbwatch/internal/alerting"
	"github.com/barryq93/dbwatch/internal/backup"
	"github.com/barryq93/dbwatch/internal/cache"
	"github.com/barryq93/dbwatch/internal/db"
	"github.com/barryq93/dbwatch/internal/notify"
	"github.com/barryq93/dbwatch/internal/poolmon"
	"github.com/barryq93/dbwatch/internal/querytracker"
	"github.com/barryq93/dbwatch/internal/stream"
	"github.com/barryq93/dbwatch/internal/sysmetrics"
	"github.com/barryq93/dbwatch/internal/types"
	"github.com/barryq93/dbwatch/internal/utils"
	"github.com/juju/ratelimit"
	"github.com/sirupsen/logrus"
)

type Application struct {
	mu     sync.RWMutex
	config types.Config

	client    *db.Client
	handle    *clientHandle
	observers db.Hooks
	tracker *querytracker.Tracker
	pool    *poolmon.Monitor
	alerts  *alerting.Service
	backups *backup.Orchestrator
	advisor *advisor.Advisor
	cache   *cache.Cache
	sampler *sysmetrics.Sampler
	hub     *stream.Hub
	webhook *notify.Webhook
	metrics *Metrics
	limiter atomic.Pointer[ratelimit.Bucket]
	certs   *certStore

	unauthorized atomic.Int64
	rateLimited  atomic.Int64
	health       healthState

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	server    *http.Server
	serverErr chan error
	startedAt time.Time
	logger    logrus.FieldLogger
}

// clientHandle lets the pool monitor and the metrics collector be built
// before the client they read from.
type clientHandle struct {
	client atomic.Pointer[db.Client]
}

func (h *clientHandle) PoolCounts() (poolmon.Counts, error) {
	c := h.client.Load()
	if c == nil {
		return poolmon.Counts{}, db.ErrClosed
	}
	return c.PoolCounts()
}

// NewApplication loads the configuration file, builds every component and
// starts serving.
func NewApplication(ctx context.Context, configFile string) (*Application, error) {
	config, err := LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	utils.SetLogLevel(config.GlobalConfig.LogLevel)

	app, err := New(ctx, config, logrus.StandardLogger())
	if err != nil {
		return nil, err
	}
	if err := app.Start(configFile); err != nil {
		app.Shutdown()
		return nil, err
	}
	return app, nil
}

// New connects to the database and wires the observability components
// without starting the HTTP server or background loops.
func New(ctx context.Context, config types.Config, logger logrus.FieldLogger) (*Application, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	app := &Application{
		config:    config,
		handle:    &clientHandle{},
		hub:       stream.NewHub(logger),
		sampler:   sysmetrics.NewSampler(config.Alerting.DiskPath),
		shutdown:  make(chan struct{}),
		serverErr: make(chan error, 1),
		startedAt: time.Now(),
		logger:    logger,
	}
	app.limiter.Store(newLimiter(config.GlobalConfig))

	conn := config.Connection
	app.pool = poolmon.New(app.handle, poolmon.Config{
		EventCapacity: config.PoolMonitoring.EventCapacity,
		LeakWindow:    config.PoolMonitoring.LeakWindow,
		LeakThreshold: config.PoolMonitoring.LeakThreshold,
		InvalidWindow: time.Duration(config.PoolMonitoring.InvalidWindow) * time.Second,
		OnAlert:       app.forwardPoolAlert,
	}, logger)
	app.metrics = NewMetrics(metricLabels(config.GlobalConfig.Env, conn.DBType, databaseName(conn)), app.pool)
	app.tracker = querytracker.New(trackerConfig(config.QueryTracking), logger)
	app.alerts = alerting.New(alerting.Config{
		Thresholds:      alertingThresholds(config.Alerting),
		HistoryCapacity: config.Alerting.HistoryCapacity,
		DedupCooldown:   time.Duration(config.Alerting.DedupCooldown) * time.Second,
	}, logger)
	app.alerts.RegisterHandler(app.metrics)
	app.alerts.RegisterHandler(app.hub)

	if wh := config.Alerting.Webhook; wh.URL != "" {
		dlq, err := notify.NewDeadLetterQueue(wh.DeadLetterPath, logger)
		if err != nil {
			app.hub.Stop()
			return nil, err
		}
		app.webhook = notify.NewWebhook(wh, dlq, logger)
		app.webhook.OnDelivery = app.metrics.ObserveWebhook
		app.webhook.Start()
		app.alerts.RegisterHandler(app.webhook)
	}

	app.observers = db.Hooks{
		Queries: []db.QueryObserver{app.tracker, app.metrics},
		Pool:    []db.PoolObserver{app.pool, app.metrics},
	}
	client, err := db.NewClient(ctx, conn, app.observers)
	if err != nil {
		app.stopNotifiers()
		return nil, fmt.Errorf("initializing DB client for %s: %w", databaseName(conn), err)
	}
	app.client = client
	app.handle.client.Store(client)

	app.advisor = advisor.New(client.DB(), client.Dialect(), advisorConfig(config.Advisor), logger)

	routine, err := app.backupRoutine()
	if err != nil {
		app.Shutdown()
		return nil, err
	}
	bcfg := backupConfig(config.Backup)
	bcfg.OnRun = app.observeBackup
	app.backups = backup.New(routine, bcfg, logger)

	app.cache = cache.New(config.Cache, logger)
	app.cache.OnOp = app.metrics.ObserveCache

	return app, nil
}

func (app *Application) backupRoutine() (backup.Routine, error) {
	cfg := app.config.Backup
	r := &backup.LocalRoutine{
		Dir:           cfg.Directory,
		RetentionDays: cfg.RetentionDays,
		Logger:        app.logger,
	}
	switch app.client.Dialect() {
	case db.Postgres:
		r.Dumper = backup.PgDump{Binary: cfg.PgDumpPath, DSN: db.PostgresDSN(app.config.Connection)}
	case db.SQLite:
		r.Dumper = backup.SQLiteSnapshot{DB: app.client}
	}
	if cfg.SFTP.Host != "" {
		uploader, err := backup.NewSFTPUploader(cfg.SFTP)
		if err != nil {
			return nil, fmt.Errorf("configure backup upload: %w", err)
		}
		r.Uploader = uploader
	}
	return r, nil
}

func (app *Application) forwardPoolAlert(pa poolmon.Alert) {
	level := alerting.Warning
	if pa.Level == "critical" {
		level = alerting.Critical
	}
	app.alerts.Send(alerting.Alert{
		Level:   level,
		Title:   pa.Message,
		Message: fmt.Sprintf("pool status %s", pa.Status),
		Source:  "connection_pool",
		Metadata: map[string]any{
			"issues":   pa.Issues,
			"warnings": pa.Warnings,
		},
	})
}

func (app *Application) observeBackup(run backup.Run) {
	app.metrics.ObserveBackup(run)
	if run.Attempted && !run.Success {
		app.alerts.Send(alerting.Alert{
			Level:   alerting.Error,
			Title:   "Backup failed",
			Message: run.Message,
			Source:  "backup",
		})
	}
}

// Start launches the HTTP server, the database health loop, the backup
// scheduler and the file watchers. An empty configFile disables hot reload.
func (app *Application) Start(configFile string) error {
	if err := app.startHTTPServer(); err != nil {
		return err
	}

	app.wg.Add(1)
	go app.healthLoop()

	if app.Config().Backup.Enabled {
		if err := app.backups.Start(); err != nil {
			app.logger.WithError(err).Warn("Backup scheduler not started")
		}
	}

	if configFile != "" {
		app.wg.Add(1)
		go app.watchConfig(configFile)
	}
	if app.certs != nil {
		app.wg.Add(1)
		go app.watchCertificates()
	}
	return nil
}

func (app *Application) Config() types.Config {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.config
}

// Errors reports a fatal HTTP server failure.
func (app *Application) Errors() <-chan error { return app.serverErr }

func (app *Application) stopNotifiers() {
	if app.webhook != nil {
		app.webhook.Stop()
	}
	app.hub.Stop()
}

// Shutdown stops every background goroutine, then closes the server, the
// cache client and the database.
func (app *Application) Shutdown() {
	app.closeOnce.Do(func() {
		close(app.shutdown)
		if app.backups != nil {
			app.backups.Stop()
		}
		if app.server != nil {
			timeout := app.Config().GlobalConfig.ShutdownTimeout
			if timeout <= 0 {
				timeout = defaultShutdownTimeout
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
			if err := app.server.Shutdown(ctx); err != nil {
				app.logger.Errorf("Server shutdown failed: %v", err)
			}
			cancel()
		}
		app.wg.Wait()
		app.stopNotifiers()
		if app.cache != nil {
			if err := app.cache.Close(); err != nil {
				app.logger.Errorf("Cache close failed: %v", err)
			}
		}
		if app.client != nil {
			if err := app.client.Close(); err != nil {
				app.logger.Errorf("Database close failed: %v", err)
			}
		}
	})
}

func databaseName(conn types.Connection) string {
	if conn.DBName != "" {
		return conn.DBName
	}
	return filepath.Base(conn.DBPath)
}

func newLimiter(g types.GlobalConfig) *ratelimit.Bucket {
	rate := g.RateLimitRequests
	if rate <= 0 {
		rate = defaultRateLimitRequests
	}
	burst := g.RateLimitBurst
	if burst <= 0 {
		burst = defaultRateLimitBurst
	}
	return ratelimit.NewBucketWithRate(float64(rate), int64(burst))
}
