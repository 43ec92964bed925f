package app

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/barryq93/dbwatch/internal/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// certStore serves the current server certificate and lets the
// certificate watcher swap it without a restart.
type certStore struct {
	certFile, keyFile string
	cert              atomic.Pointer[tls.Certificate]
}

func newCertStore(certFile, keyFile string) (*certStore, error) {
	s := &certStore{certFile: certFile, keyFile: keyFile}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *certStore) reload() error {
	cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
	if err != nil {
		return fmt.Errorf("load server certificate: %w", err)
	}
	s.cert.Store(&cert)
	return nil
}

func (s *certStore) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return s.cert.Load(), nil
}

func (app *Application) startHTTPServer() error {
	g := app.Config().GlobalConfig
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", g.Port),
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if g.UseHTTPS {
		certs, err := newCertStore(g.CertFile, g.KeyFile)
		if err != nil {
			return err
		}
		app.certs = certs
		server.TLSConfig = &tls.Config{
			MinVersion:     tls.VersionTLS13,
			GetCertificate: certs.getCertificate,
		}
	}

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", server.Addr, err)
	}
	app.server = server
	go func() {
		var err error
		if g.UseHTTPS {
			err = server.ServeTLS(ln, "", "")
		} else {
			err = server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Errorf("HTTP server failed: %v", err)
			app.serverErr <- err
		}
	}()
	app.logger.WithField("addr", server.Addr).Info("HTTP server listening")
	return nil
}

// Handler returns the full route table. Everything except /health sits
// behind the rate limiter and basic auth.
func (app *Application) Handler() http.Handler {
	mux := http.NewServeMux()
	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, app.instrument(app.recoverer(app.rateLimit(app.basicAuth(h)))))
	}

	api("GET /api/metrics/summary", app.handleSummary)
	api("GET /api/cache/stats", app.handleCacheStats)
	api("POST /api/cache/clear", app.handleCacheClear)
	api("GET /api/queries/stats", app.handleQueryStats)
	api("POST /api/queries/optimize", app.handleQueryOptimize)
	api("GET /api/pool/stats", app.handlePoolStats)
	api("GET /api/pool/alerts", app.handlePoolAlerts)
	api("GET /api/pool/suggestions", app.handlePoolSuggestions)
	api("GET /api/database/optimization", app.handleOptimization)
	api("POST /api/database/optimization", app.handleOptimization)
	api("GET /api/alerts", app.handleAlerts)
	api("GET /api/alerts/stream", app.hub.ServeHTTP)
	api("GET /api/backup", app.handleBackupStatus)
	api("POST /api/backup", app.handleBackupTrigger)
	api("POST /api/ingest/queries", app.handleIngestQueries)
	api("POST /api/ingest/pool", app.handleIngestPool)
	api("GET /metrics", promhttp.HandlerFor(app.metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP)

	mux.Handle("GET /health", app.instrument(app.recoverer(http.HandlerFunc(app.handleHealth))))
	return mux
}

func (app *Application) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if app.limiter.Load().TakeAvailable(1) == 0 {
			app.rateLimited.Add(1)
			app.metrics.ObserveSecurity("rate_limited")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (app *Application) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := app.Config().BasicAuth
		utils.BasicAuthHandler(auth.Username, auth.Password, next, func(*http.Request) {
			app.unauthorized.Add(1)
			app.metrics.ObserveSecurity("unauthorized")
		})(w, r)
	})
}

func (app *Application) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				app.logger.WithField("path", r.URL.Path).Errorf("Handler recovered from panic: %v", rec)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (app *Application) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		app.metrics.ObserveHTTP(route, rec.code, time.Since(started))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.code = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
