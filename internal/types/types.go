package types

// Config is the root of the YAML configuration file.
type Config struct {
	GlobalConfig   GlobalConfig   `yaml:"global_config"`
	Connection     Connection     `yaml:"connection"`
	QueryTracking  QueryTracking  `yaml:"query_tracking"`
	PoolMonitoring PoolMonitoring `yaml:"pool_monitoring"`
	Alerting       Alerting       `yaml:"alerting"`
	Backup         Backup         `yaml:"backup"`
	Advisor        Advisor        `yaml:"advisor"`
	Cache          Cache          `yaml:"cache"`
	BasicAuth      BasicAuth      `yaml:"basic_auth"`
}

type GlobalConfig struct {
	Env                 string `yaml:"env"`
	LogLevel            string `yaml:"log_level"`
	Port                int    `yaml:"port"`
	UseHTTPS            bool   `yaml:"use_https"`
	CertFile            string `yaml:"cert_file"`
	KeyFile             string `yaml:"key_file"`
	ShutdownTimeout     int    `yaml:"shutdown_timeout"`
	EncryptionKey       string `yaml:"encryption_key"`
	RateLimitRequests   int    `yaml:"rate_limit_requests"`
	RateLimitBurst      int    `yaml:"rate_limit_burst"`
	HealthCheckInterval int    `yaml:"health_check_interval"`
}

// Connection represents the monitored database.
type Connection struct {
	DBType      string `yaml:"db_type"`
	DBHost      string `yaml:"db_host"`
	DBName      string `yaml:"db_name"`
	DBPort      int    `yaml:"db_port"`
	DBUser      string `yaml:"db_user"`
	DBPasswd    string `yaml:"db_passwd"`
	DBPath      string `yaml:"db_path"`
	SSLMode     string `yaml:"ssl_mode"`
	PoolSize    int    `yaml:"pool_size"`
	MaxOverflow int    `yaml:"max_overflow"`
	IdleTimeout int    `yaml:"idle_timeout,omitempty"`
}

// QueryTracking thresholds are in seconds.
type QueryTracking struct {
	SlowThreshold float64 `yaml:"slow_threshold"`
	SlowTier      float64 `yaml:"slow_tier"`
	VerySlowTier  float64 `yaml:"very_slow_tier"`
	Capacity      int     `yaml:"capacity"`
	SlowCapacity  int     `yaml:"slow_capacity"`
}

type PoolMonitoring struct {
	EventCapacity int `yaml:"event_capacity"`
	LeakWindow    int `yaml:"leak_window"`
	LeakThreshold int `yaml:"leak_threshold"`
	InvalidWindow int `yaml:"invalid_window"`
}

type Alerting struct {
	CPUPercent       float64 `yaml:"cpu_percent"`
	MemoryPercent    float64 `yaml:"memory_percent"`
	DiskPercent      float64 `yaml:"disk_percent"`
	CriticalPercent  float64 `yaml:"critical_percent"`
	SlowQuerySeconds float64 `yaml:"slow_query_seconds"`
	ErrorRatePercent float64 `yaml:"error_rate_percent"`
	HistoryCapacity  int     `yaml:"history_capacity"`
	DedupCooldown    int     `yaml:"dedup_cooldown"`
	DiskPath         string  `yaml:"disk_path"`
	Webhook          Webhook `yaml:"webhook"`
}

type Webhook struct {
	URL                  string `yaml:"url"`
	Timeout              int    `yaml:"timeout"`
	RetryCount           int    `yaml:"retry_count"`
	DeadLetterPath       string `yaml:"dead_letter_path"`
	DeadLetterRetry      int    `yaml:"dead_letter_retry"`
	CircuitBreakerConfig struct {
		Timeout       int `yaml:"timeout"`
		MaxConcurrent int `yaml:"max_concurrent"`
		ErrorPercent  int `yaml:"error_percent"`
		SleepWindow   int `yaml:"sleep_window"`
	} `yaml:"circuit_breaker_config"`
}

type Backup struct {
	Enabled       bool   `yaml:"enabled"`
	ScheduleTime  string `yaml:"schedule_time"`
	MinInterval   int    `yaml:"min_interval_hours"`
	PollInterval  int    `yaml:"poll_interval"`
	RetryBackoff  int    `yaml:"retry_backoff"`
	Directory     string `yaml:"directory"`
	RetentionDays int    `yaml:"retention_days"`
	PgDumpPath    string `yaml:"pg_dump_path"`
	SFTP          SFTP   `yaml:"sftp"`
}

type SFTP struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	KeyFile        string `yaml:"key_file"`
	Password       string `yaml:"password"`
	KnownHostsFile string `yaml:"known_hosts_file"`
	RemoteDir      string `yaml:"remote_dir"`
}

type Advisor struct {
	LargeTableRows int           `yaml:"large_table_rows"`
	VacuumSizeMB   int           `yaml:"vacuum_size_mb"`
	Policy         []TablePolicy `yaml:"policy"`
}

type TablePolicy struct {
	Table   string        `yaml:"table"`
	Indexes []IndexPolicy `yaml:"indexes"`
}

type IndexPolicy struct {
	Name     string   `yaml:"name"`
	Columns  []string `yaml:"columns"`
	Priority string   `yaml:"priority"`
}

type Cache struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
	Timeout       int    `yaml:"timeout"`
}

type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}
