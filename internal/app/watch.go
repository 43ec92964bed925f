package app

import (
	"path/filepath"
	"reflect"
	"time"

	"github.com/barryq93/dbwatch/internal/types"
	"github.com/barryq93/dbwatch/internal/utils"
	"github.com/fsnotify/fsnotify"
)

// watchConfig reloads the configuration file on change. The directory is
// watched so editors that replace the file are picked up too.
func (app *Application) watchConfig(filename string) {
	defer app.wg.Done()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		app.logger.Errorf("Failed to create config watcher: %v", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(filename)); err != nil {
		app.logger.Errorf("Failed to watch config file: %v", err)
		return
	}
	target := filepath.Clean(filename)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target || (!event.Has(fsnotify.Write) && !event.Has(fsnotify.Create)) {
				continue
			}
			config, err := LoadConfig(filename)
			if err != nil {
				app.logger.Errorf("Failed to reload config: %v", err)
				continue
			}
			app.ApplyConfig(config)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			app.logger.Errorf("Config watcher error: %v", err)
		case <-app.shutdown:
			return
		}
	}
}

// ApplyConfig pushes reloadable settings into the running components.
// Connection, port and TLS changes need a restart.
func (app *Application) ApplyConfig(config types.Config) {
	app.mu.Lock()
	old := app.config
	if !reflect.DeepEqual(old.Connection, config.Connection) ||
		old.GlobalConfig.Port != config.GlobalConfig.Port ||
		old.GlobalConfig.UseHTTPS != config.GlobalConfig.UseHTTPS {
		app.logger.Warn("Connection and listener changes take effect after a restart")
		config.Connection = old.Connection
		config.GlobalConfig.Port = old.GlobalConfig.Port
		config.GlobalConfig.UseHTTPS = old.GlobalConfig.UseHTTPS
	}
	app.config = config
	app.mu.Unlock()

	utils.SetLogLevel(config.GlobalConfig.LogLevel)
	app.limiter.Store(newLimiter(config.GlobalConfig))

	app.tracker.SetThreshold(trackerConfig(config.QueryTracking).SlowThreshold)
	app.pool.SetLeakPolicy(config.PoolMonitoring.LeakWindow, config.PoolMonitoring.LeakThreshold)
	app.pool.SetInvalidWindow(time.Duration(config.PoolMonitoring.InvalidWindow) * time.Second)
	app.alerts.SetThresholds(alertingThresholds(config.Alerting))
	app.alerts.SetDedupCooldown(time.Duration(config.Alerting.DedupCooldown) * time.Second)
	app.advisor.Configure(advisorConfig(config.Advisor))
	app.backups.SetSchedule(config.Backup.ScheduleTime)

	app.logger.Info("Configuration reloaded successfully")
}

func (app *Application) watchCertificates() {
	defer app.wg.Done()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		app.logger.Errorf("Failed to create certificate watcher: %v", err)
		return
	}
	defer watcher.Close()

	for _, file := range []string{app.certs.certFile, app.certs.keyFile} {
		if err := watcher.Add(file); err != nil {
			app.logger.Errorf("Failed to watch certificate %s: %v", file, err)
		}
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				app.logger.Info("Certificate change detected, reloading")
				if err := app.certs.reload(); err != nil {
					app.logger.Errorf("Failed to reload certificate: %v", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			app.logger.Errorf("Certificate watcher error: %v", err)
		case <-app.shutdown:
			return
		}
	}
}
