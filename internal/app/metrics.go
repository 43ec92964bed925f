package app

import (
	"strconv"
	"time"

	"github.com/barryq93/dbwatch/internal/alerting"
	"github.com/barryq93/dbwatch/internal/backup"
	"github.com/barryq93/dbwatch/internal/poolmon"
	"github.com/barryq93/dbwatch/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

// Metrics holds the Prometheus collectors fed by the running components.
// It observes driver events, alerts and backup runs directly.
type Metrics struct {
	registry *prometheus.Registry

	queryLatency   *prometheus.HistogramVec
	poolEvents     *prometheus.CounterVec
	alertsTotal    *prometheus.CounterVec
	backupRuns     *prometheus.CounterVec
	lastBackup     prometheus.Gauge
	cacheOps       *prometheus.CounterVec
	webhookResults *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpLatency    *prometheus.HistogramVec
	securityEvents *prometheus.CounterVec
}

func NewMetrics(constLabels prometheus.Labels, pool poolmon.PoolHandle) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "dbwatch_query_duration_seconds",
			Help:        "Duration of database statements.",
			Buckets:     []float64{.005, .01, .05, .1, .25, .5, 1, 2, 5, 10},
			ConstLabels: constLabels,
		}, []string{"status"}),
		poolEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dbwatch_pool_events_total",
			Help:        "Connection pool lifecycle events.",
			ConstLabels: constLabels,
		}, []string{"event"}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dbwatch_alerts_total",
			Help:        "Alerts sent, by level.",
			ConstLabels: constLabels,
		}, []string{"level"}),
		backupRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dbwatch_backup_runs_total",
			Help:        "Backup runs, by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		lastBackup: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "dbwatch_last_backup_timestamp_seconds",
			Help:        "Unix time of the last successful backup.",
			ConstLabels: constLabels,
		}),
		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dbwatch_cache_operations_total",
			Help:        "Cache round trips, by operation and result.",
			ConstLabels: constLabels,
		}, []string{"op", "result"}),
		webhookResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dbwatch_webhook_deliveries_total",
			Help:        "Webhook alert deliveries, by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dbwatch_http_requests_total",
			Help:        "HTTP requests, by route and status code.",
			ConstLabels: constLabels,
		}, []string{"route", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "dbwatch_http_request_duration_seconds",
			Help:        "HTTP request latency, by route.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"route"}),
		securityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dbwatch_security_events_total",
			Help:        "Rejected HTTP requests, by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
	}

	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queryLatency, m.poolEvents, m.alertsTotal, m.backupRuns, m.lastBackup,
		m.cacheOps, m.webhookResults, m.httpRequests, m.httpLatency, m.securityEvents,
		newPoolCollector(pool, constLabels),
	} {
		if err := m.registry.Register(c); err != nil {
			logrus.Errorf("Failed to register collector: %v", err)
		}
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) BeforeExecute(string, []any) {}

func (m *Metrics) AfterExecute(_ string, _ []any, started, finished time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.queryLatency.WithLabelValues(status).Observe(finished.Sub(started).Seconds())
}

func (m *Metrics) OnConnect(any)           { m.poolEvents.WithLabelValues(string(poolmon.EventConnect)).Inc() }
func (m *Metrics) OnCheckout(any)          { m.poolEvents.WithLabelValues(string(poolmon.EventCheckout)).Inc() }
func (m *Metrics) OnCheckin(any)           { m.poolEvents.WithLabelValues(string(poolmon.EventCheckin)).Inc() }
func (m *Metrics) OnInvalidate(any, error) { m.poolEvents.WithLabelValues(string(poolmon.EventInvalidate)).Inc() }

func (m *Metrics) HandleAlert(a alerting.Alert) error {
	m.alertsTotal.WithLabelValues(string(a.Level)).Inc()
	return nil
}

func (m *Metrics) ObserveBackup(run backup.Run) {
	switch {
	case run.Throttled:
		m.backupRuns.WithLabelValues("throttled").Inc()
	case run.Success:
		m.backupRuns.WithLabelValues("success").Inc()
		m.lastBackup.Set(float64(run.Timestamp.Unix()))
	default:
		m.backupRuns.WithLabelValues("failure").Inc()
	}
}

func (m *Metrics) ObserveCache(op string, err error) {
	m.cacheOps.WithLabelValues(op, result(err == nil)).Inc()
}

func (m *Metrics) ObserveWebhook(success bool) {
	m.webhookResults.WithLabelValues(result(success)).Inc()
}

func (m *Metrics) ObserveHTTP(route string, code int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpLatency.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveSecurity(reason string) {
	m.securityEvents.WithLabelValues(reason).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// poolCollector reads pool counts at scrape time.
type poolCollector struct {
	pool  poolmon.PoolHandle
	conns *prometheus.Desc
	size  *prometheus.Desc
}

func newPoolCollector(pool poolmon.PoolHandle, constLabels prometheus.Labels) *poolCollector {
	return &poolCollector{
		pool: pool,
		conns: prometheus.NewDesc("dbwatch_pool_connections",
			"Pool connections, by state.", []string{"state"}, constLabels),
		size: prometheus.NewDesc("dbwatch_pool_size",
			"Configured pool size and overflow.", []string{"kind"}, constLabels),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.conns
	ch <- c.size
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	counts, err := c.pool.PoolCounts()
	if err != nil {
		return
	}
	for state, v := range map[string]int{
		"checked_out": counts.CheckedOut,
		"checked_in":  counts.CheckedIn,
		"overflow":    counts.Overflow,
		"invalid":     counts.Invalid,
	} {
		ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(v), state)
	}
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(counts.PoolSize), "pool_size")
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(counts.MaxOverflow), "max_overflow")
}

func metricLabels(env, dialect, dbName string) prometheus.Labels {
	return utils.MergeLabels(map[string]string{"env": env}, map[string]string{"dialect": dialect, "database": dbName})
}
