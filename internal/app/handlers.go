package app

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/barryq93/dbwatch/internal/alerting"
)

const defaultListLimit = 100

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"status": statusError, "error": msg})
}

func queryLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func (app *Application) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.Summary(r.Context()))
}

func (app *Application) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.CacheStats(r.Context()))
}

func (app *Application) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.ClearCache(r.Context()))
}

func (app *Application) handleQueryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.QueryReport())
}

func (app *Application) handleQueryOptimize(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.OptimizeQueries(r.Context()))
}

func (app *Application) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.pool.Stats())
}

func (app *Application) handlePoolAlerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	alerts := app.pool.Alerts(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts":    alerts,
		"count":     len(alerts),
		"timestamp": time.Now(),
	})
}

func (app *Application) handlePoolSuggestions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"suggestions": app.pool.SuggestConfig(),
		"stats":       app.pool.Stats(),
	})
}

// handleOptimization reports on GET and applies missing indexes on POST.
func (app *Application) handleOptimization(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.Optimization(r.Context(), r.Method == http.MethodPost))
}

func (app *Application) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	level := alerting.Level(strings.ToLower(r.URL.Query().Get("level")))
	writeJSON(w, http.StatusOK, app.Alerts(limit, level))
}

func (app *Application) handleBackupStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.BackupStatus())
}

func (app *Application) handleBackupTrigger(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.TriggerBackup(r.Context()))
}

func (app *Application) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := app.Health(r.Context())
	code := http.StatusOK
	if report.Status == statusUnavailable {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}
