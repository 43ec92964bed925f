package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/barryq93/dbwatch/internal/poolmon"
)

const (
	maxIngestBatch = 1000
	maxIngestBytes = 1 << 20
)

// QueryEvent is one statement executed by the monitored application.
type QueryEvent struct {
	Statement  string          `json:"statement"`
	Params     json.RawMessage `json:"params,omitempty"`
	DurationMS float64         `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// PoolEvent is one connection lifecycle callback from the monitored
// application's pool. ConnectionID pairs a checkout with its checkin.
type PoolEvent struct {
	Event        poolmon.EventType `json:"event"`
	ConnectionID string            `json:"connection_id"`
	Error        string            `json:"error,omitempty"`
}

type IngestResult struct {
	Accepted int `json:"accepted"`
}

type ingestedConn string

// IngestQueries feeds externally executed statements to the same observers
// the client reports to.
func (app *Application) IngestQueries(events []QueryEvent) (IngestResult, error) {
	if err := checkBatch(len(events)); err != nil {
		return IngestResult{}, err
	}
	for i, ev := range events {
		if strings.TrimSpace(ev.Statement) == "" {
			return IngestResult{}, fmt.Errorf("queries[%d]: statement is required", i)
		}
		if ev.DurationMS < 0 {
			return IngestResult{}, fmt.Errorf("queries[%d]: duration_ms cannot be negative", i)
		}
	}

	for _, ev := range events {
		finished := time.Now()
		if ev.FinishedAt != nil {
			finished = *ev.FinishedAt
		}
		started := finished.Add(-time.Duration(ev.DurationMS * float64(time.Millisecond)))
		var args []any
		if len(ev.Params) > 0 {
			args = []any{ev.Params}
		}
		var err error
		if ev.Error != "" {
			err = errors.New(ev.Error)
		}
		app.observers.BeforeExecute(ev.Statement, args)
		app.observers.AfterExecute(ev.Statement, args, started, finished, err)
	}
	return IngestResult{Accepted: len(events)}, nil
}

// IngestPoolEvents feeds external pool callbacks to the pool observers.
func (app *Application) IngestPoolEvents(events []PoolEvent) (IngestResult, error) {
	if err := checkBatch(len(events)); err != nil {
		return IngestResult{}, err
	}
	for i, ev := range events {
		switch ev.Event {
		case poolmon.EventConnect, poolmon.EventCheckout, poolmon.EventCheckin, poolmon.EventInvalidate:
		default:
			return IngestResult{}, fmt.Errorf("events[%d]: unknown event %q", i, ev.Event)
		}
		if ev.Event != poolmon.EventConnect && ev.ConnectionID == "" {
			return IngestResult{}, fmt.Errorf("events[%d]: connection_id is required", i)
		}
	}

	for _, ev := range events {
		conn := ingestedConn(ev.ConnectionID)
		switch ev.Event {
		case poolmon.EventConnect:
			app.observers.OnConnect(conn)
		case poolmon.EventCheckout:
			app.observers.OnCheckout(conn)
		case poolmon.EventCheckin:
			app.observers.OnCheckin(conn)
		case poolmon.EventInvalidate:
			var err error
			if ev.Error != "" {
				err = errors.New(ev.Error)
			}
			app.observers.OnInvalidate(conn, err)
		}
	}
	return IngestResult{Accepted: len(events)}, nil
}

func checkBatch(n int) error {
	if n == 0 {
		return errors.New("batch is empty")
	}
	if n > maxIngestBatch {
		return fmt.Errorf("batch of %d exceeds the limit of %d", n, maxIngestBatch)
	}
	return nil
}

func (app *Application) handleIngestQueries(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Queries []QueryEvent `json:"queries"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := app.IngestQueries(body.Queries)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (app *Application) handleIngestPool(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Events []PoolEvent `json:"events"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := app.IngestPoolEvents(body.Events)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
