package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/barryq93/dbwatch/internal/poolmon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("ops", "pw")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIngestQueriesReachTracker(t *testing.T) {
	cfg := testConfig(t)
	cfg.QueryTracking.SlowThreshold = 0.1
	app := newTestApp(t, cfg)
	h := app.Handler()

	rec := post(t, h, "/api/ingest/queries", `{"queries": [
		{"statement": "SELECT * FROM transaction WHERE psp_id = 7", "duration_ms": 1500, "params": [7]},
		{"statement": "SELECT * FROM transaction WHERE psp_id = 9", "duration_ms": 50},
		{"statement": "UPDATE psp SET name = 'x' WHERE id = 1", "duration_ms": 5, "error": "database is locked"}
	]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 3, decode[IngestResult](t, rec).Accepted)

	stats := app.tracker.Stats()
	assert.Equal(t, int64(3), stats.TotalQueries)
	assert.Equal(t, int64(1), stats.SlowQueriesCount)
	assert.Equal(t, int64(1), stats.ErrorCount)

	slow := app.tracker.SlowQueries()
	require.Len(t, slow, 1)
	assert.InDelta(t, 1.5, slow[0].Duration, 0.001)

	rec = do(t, h, http.MethodGet, "/metrics", true)
	assert.Contains(t, rec.Body.String(), `status="error"} 1`)
}

func TestIngestQueriesRejectsBadBatches(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	h := app.Handler()

	for name, body := range map[string]string{
		"empty batch":        `{"queries": []}`,
		"missing statement":  `{"queries": [{"duration_ms": 3}]}`,
		"negative duration":  `{"queries": [{"statement": "SELECT 1", "duration_ms": -1}]}`,
		"unknown field":      `{"queries": [{"statement": "SELECT 1", "elapsed": 3}]}`,
		"malformed document": `{"queries": [`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := post(t, h, "/api/ingest/queries", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Zero(t, app.tracker.Stats().TotalQueries)
}

func TestIngestPoolEventsDegradeHealth(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	h := app.Handler()

	rec := post(t, h, "/api/ingest/pool", `{"events": [
		{"event": "checkout", "connection_id": "app-1"},
		{"event": "checkin", "connection_id": "app-1"},
		{"event": "checkout", "connection_id": "app-2"},
		{"event": "invalidate", "connection_id": "app-2", "error": "server closed the connection unexpectedly"}
	]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	events := app.pool.Events(4)
	require.Len(t, events, 4)
	require.NotNil(t, events[1].Duration)
	assert.Equal(t, poolmon.EventInvalidate, events[3].Type)

	// Health pings the database first; the invalidation must still show.
	report := app.Health(t.Context())
	assert.Equal(t, poolmon.StatusDegraded, report.Status)
	assert.Equal(t, poolmon.StatusDegraded, app.Summary(t.Context()).Pool.Status)

	rec = do(t, h, http.MethodGet, "/health", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, poolmon.StatusDegraded, decode[HealthReport](t, rec).Status)

	rec = post(t, h, "/api/ingest/pool", `{"events": [{"event": "evict", "connection_id": "app-3"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = post(t, h, "/api/ingest/pool", `{"events": [{"event": "checkout"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
