// Package stream fans alerts out to websocket subscribers.
package stream

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/barryq93/dbwatch/internal/alerting"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const broadcastBuffer = 64

var (
	ErrHubStopped = errors.New("alert stream stopped")
	ErrHubBusy    = errors.New("alert stream buffer full")
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

type subscription struct {
	level  alerting.Level
	client Subscriber
}

type message struct {
	level   alerting.Level
	payload []byte
}

// Hub manages subscribers keyed by level filter. The empty level receives
// every alert.
type Hub struct {
	clients   map[alerting.Level]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	count     atomic.Int64

	upgrader websocket.Upgrader
	logger   logrus.FieldLogger
}

func NewHub(logger logrus.FieldLogger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	h := &Hub{
		clients:   make(map[alerting.Level]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, broadcastBuffer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.WithField("component", "alert_stream"),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.level]; !ok {
				h.clients[sub.level] = make(map[Subscriber]struct{})
			}
			h.clients[sub.level][sub.client] = struct{}{}
			h.count.Add(1)
		case sub := <-h.unreg:
			h.remove(sub.level, sub.client)
		case msg := <-h.broadcast:
			h.deliver("", msg.payload)
			if msg.level != "" {
				h.deliver(msg.level, msg.payload)
			}
		case <-h.stop:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = nil
			h.count.Store(0)
			return
		}
	}
}

func (h *Hub) deliver(level alerting.Level, payload []byte) {
	for c := range h.clients[level] {
		if err := c.Send(payload); err != nil {
			c.Close()
			h.remove(level, c)
		}
	}
}

func (h *Hub) remove(level alerting.Level, c Subscriber) {
	clients, ok := h.clients[level]
	if !ok {
		return
	}
	if _, ok := clients[c]; !ok {
		return
	}
	delete(clients, c)
	h.count.Add(-1)
	if len(clients) == 0 {
		delete(h.clients, level)
	}
}

// Register adds a client. An empty level subscribes to every alert.
func (h *Hub) Register(level alerting.Level, client Subscriber) error {
	select {
	case h.register <- subscription{level: level, client: client}:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

func (h *Hub) Unregister(level alerting.Level, client Subscriber) {
	select {
	case h.unreg <- subscription{level: level, client: client}:
	case <-h.done:
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int { return int(h.count.Load()) }

// HandleAlert publishes the alert to subscribers. It never blocks the
// alerting service: a full buffer drops the alert for the stream.
func (h *Hub) HandleAlert(a alerting.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.broadcast <- message{level: a.Level, payload: payload}:
		return nil
	default:
		return ErrHubBusy
	}
}

// ServeHTTP upgrades the request and streams alerts until the peer goes
// away. The optional level query parameter narrows the feed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	level := alerting.Level(strings.ToLower(r.URL.Query().Get("level")))
	switch level {
	case "", alerting.Info, alerting.Warning, alerting.Error, alerting.Critical:
	default:
		http.Error(w, "unknown alert level", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Websocket upgrade failed")
		return
	}
	client := NewClient(conn, h.logger)
	if err := h.Register(level, client); err != nil {
		client.Close()
		return
	}
	go func() {
		defer func() {
			h.Unregister(level, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Stop closes every subscriber and ends the hub goroutine.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}
