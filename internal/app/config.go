package app

import (
	"fmt"
	"os"
	"time"

	"github.com/barryq93/dbwatch/internal/advisor"
	"github.com/barryq93/dbwatch/internal/alerting"
	"github.com/barryq93/dbwatch/internal/backup"
	"github.com/barryq93/dbwatch/internal/db"
	"github.com/barryq93/dbwatch/internal/querytracker"
	"github.com/barryq93/dbwatch/internal/types"
	"github.com/barryq93/dbwatch/internal/utils"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort                = 8080
	defaultShutdownTimeout     = 30
	defaultRateLimitRequests   = 100
	defaultRateLimitBurst      = 50
	defaultHealthCheckInterval = 300
)

// LoadConfig reads, validates and decrypts the YAML configuration.
func LoadConfig(filename string) (types.Config, error) {
	var config types.Config
	data, err := os.ReadFile(filename)
	if err != nil {
		return config, fmt.Errorf("reading file: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("unmarshaling YAML: %w", err)
	}
	if err := validate(config); err != nil {
		return config, err
	}
	if err := decryptSecrets(&config); err != nil {
		return config, err
	}
	applyDefaults(&config)
	return config, nil
}

func validate(config types.Config) error {
	if _, err := db.ParseDialect(config.Connection.DBType); err != nil {
		return fmt.Errorf("connection.db_type: %w", err)
	}
	g := config.GlobalConfig
	if g.Port < 0 || g.Port > 65535 {
		return fmt.Errorf("global_config.port %d out of range", g.Port)
	}
	if g.ShutdownTimeout < 0 || g.RateLimitRequests < 0 || g.RateLimitBurst < 0 || g.HealthCheckInterval < 0 {
		return fmt.Errorf("global_config: timeouts, rate limits and intervals cannot be negative")
	}
	if g.UseHTTPS && (g.CertFile == "" || g.KeyFile == "") {
		return fmt.Errorf("global_config: use_https requires cert_file and key_file")
	}
	c := config.Connection
	if c.PoolSize < 0 || c.MaxOverflow < 0 {
		return fmt.Errorf("connection: pool_size and max_overflow cannot be negative")
	}
	q := config.QueryTracking
	if q.SlowThreshold < 0 || q.SlowTier < 0 || q.VerySlowTier < 0 || q.Capacity < 0 || q.SlowCapacity < 0 {
		return fmt.Errorf("query_tracking: values cannot be negative")
	}
	p := config.PoolMonitoring
	if p.EventCapacity < 0 || p.LeakWindow < 0 || p.LeakThreshold < 0 || p.InvalidWindow < 0 {
		return fmt.Errorf("pool_monitoring: values cannot be negative")
	}
	a := config.Alerting
	for name, v := range map[string]float64{
		"cpu_percent":      a.CPUPercent,
		"memory_percent":   a.MemoryPercent,
		"disk_percent":     a.DiskPercent,
		"critical_percent": a.CriticalPercent,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("alerting.%s must be between 0 and 100", name)
		}
	}
	if a.SlowQuerySeconds < 0 || a.ErrorRatePercent < 0 || a.HistoryCapacity < 0 || a.DedupCooldown < 0 {
		return fmt.Errorf("alerting: values cannot be negative")
	}
	b := config.Backup
	if b.MinInterval < 0 || b.PollInterval < 0 || b.RetryBackoff < 0 || b.RetentionDays < 0 {
		return fmt.Errorf("backup: intervals cannot be negative")
	}
	if b.ScheduleTime != "" {
		if _, err := time.Parse("15:04", b.ScheduleTime); err != nil {
			// The orchestrator falls back to its default; only warn here.
			logrus.WithField("schedule_time", b.ScheduleTime).Warn("Invalid backup schedule_time")
		}
	}
	for _, t := range config.Advisor.Policy {
		if t.Table == "" {
			return fmt.Errorf("advisor.policy: table name required")
		}
		for _, ix := range t.Indexes {
			if ix.Name == "" || len(ix.Columns) == 0 {
				return fmt.Errorf("advisor.policy %s: index needs a name and columns", t.Table)
			}
		}
	}
	return nil
}

// decryptSecrets decrypts every configured secret with the encryption key.
// Outside development, plaintext secrets are rejected.
func decryptSecrets(config *types.Config) error {
	env := config.GlobalConfig.Env
	if env == "" {
		env = os.Getenv("ENV")
	}
	if env == "" {
		env = "production"
		logrus.Warn("Environment not specified in config or ENV; defaulting to production")
	}
	config.GlobalConfig.Env = env
	isDev := env == "development"

	secrets := []struct {
		name  string
		value *string
	}{
		{"connection.db_passwd", &config.Connection.DBPasswd},
		{"basic_auth.password", &config.BasicAuth.Password},
		{"cache.redis_password", &config.Cache.RedisPassword},
		{"backup.sftp.password", &config.Backup.SFTP.Password},
	}

	if config.GlobalConfig.EncryptionKey == "" {
		if isDev {
			return nil
		}
		for _, s := range secrets {
			if *s.value != "" {
				return fmt.Errorf("encryption_key must be set in production")
			}
		}
		return nil
	}

	key := []byte(config.GlobalConfig.EncryptionKey)
	for _, s := range secrets {
		if *s.value == "" {
			continue
		}
		if !utils.IsEncrypted(*s.value) && !isDev {
			return fmt.Errorf("%s must be encrypted in production", s.name)
		}
		if decrypted, err := utils.Decrypt(key, *s.value); err == nil {
			*s.value = decrypted
		} else if !isDev {
			return fmt.Errorf("failed to decrypt %s: %w", s.name, err)
		}
	}
	return nil
}

func applyDefaults(config *types.Config) {
	g := &config.GlobalConfig
	if g.Port == 0 {
		g.Port = defaultPort
	}
	if g.ShutdownTimeout == 0 {
		g.ShutdownTimeout = defaultShutdownTimeout
	}
	if g.RateLimitRequests == 0 {
		g.RateLimitRequests = defaultRateLimitRequests
	}
	if g.RateLimitBurst == 0 {
		g.RateLimitBurst = defaultRateLimitBurst
	}
	if g.HealthCheckInterval == 0 {
		g.HealthCheckInterval = defaultHealthCheckInterval
	}
	if config.Alerting.Webhook.DeadLetterPath == "" {
		config.Alerting.Webhook.DeadLetterPath = "."
	}
	if config.Backup.Directory == "" {
		config.Backup.Directory = "backups"
	}
}

func secondsOf(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func trackerConfig(q types.QueryTracking) querytracker.Config {
	return querytracker.Config{
		Capacity:      q.Capacity,
		SlowCapacity:  q.SlowCapacity,
		SlowThreshold: secondsOf(q.SlowThreshold),
		SlowTier:      secondsOf(q.SlowTier),
		VerySlowTier:  secondsOf(q.VerySlowTier),
	}
}

func alertingThresholds(a types.Alerting) alerting.Thresholds {
	return alerting.Thresholds{
		CPUPercent:       a.CPUPercent,
		MemoryPercent:    a.MemoryPercent,
		DiskPercent:      a.DiskPercent,
		CriticalPercent:  a.CriticalPercent,
		SlowQuerySeconds: a.SlowQuerySeconds,
		ErrorRatePercent: a.ErrorRatePercent,
	}
}

func advisorConfig(a types.Advisor) advisor.Config {
	var policy []advisor.TablePolicy
	if len(a.Policy) > 0 {
		policy = advisor.PolicyFromConfig(a.Policy)
	}
	return advisor.Config{
		Policy:         policy,
		LargeTableRows: int64(a.LargeTableRows),
		VacuumSizeMB:   int64(a.VacuumSizeMB),
	}
}

func backupConfig(b types.Backup) backup.Config {
	return backup.Config{
		ScheduleTime: b.ScheduleTime,
		MinInterval:  time.Duration(b.MinInterval) * time.Hour,
		PollInterval: time.Duration(b.PollInterval) * time.Second,
		RetryBackoff: time.Duration(b.RetryBackoff) * time.Second,
	}
}
