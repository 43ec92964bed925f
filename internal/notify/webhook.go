// Package notify delivers alerts to an external webhook through a
// circuit-breaking HTTP client, spooling failures to a dead-letter queue.
package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/barryq93/dbwatch/internal/alerting"
	"github.com/barryq93/dbwatch/internal/types"
	"github.com/gojek/heimdall/v7"
	"github.com/gojek/heimdall/v7/hystrix"
	"github.com/sirupsen/logrus"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultRetryEvery = 5 * time.Minute
	queueSize         = 256
	commandName       = "alert_webhook"
)

var ErrQueueFull = errors.New("webhook queue full")

type Webhook struct {
	url        string
	client     *hystrix.Client
	dlq        *DeadLetterQueue
	queue      chan alerting.Alert
	retryEvery time.Duration
	logger     logrus.FieldLogger

	// OnDelivery observes every delivery attempt.
	OnDelivery func(success bool)

	mu       sync.RWMutex
	stopped  bool
	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func NewWebhook(cfg types.Webhook, dlq *DeadLetterQueue, logger logrus.FieldLogger) *Webhook {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	timeout := defaultTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	cb := cfg.CircuitBreakerConfig
	hystrixTimeout := timeout * time.Duration(cfg.RetryCount+1)
	if cb.Timeout > 0 {
		hystrixTimeout = time.Duration(cb.Timeout) * time.Millisecond
	}
	opts := []hystrix.Option{
		hystrix.WithCommandName(commandName),
		hystrix.WithHTTPTimeout(timeout),
		hystrix.WithHystrixTimeout(hystrixTimeout),
		hystrix.WithRetryCount(cfg.RetryCount),
		hystrix.WithRetrier(heimdall.NewRetrier(heimdall.NewConstantBackoff(100*time.Millisecond, 50*time.Millisecond))),
	}
	if cb.MaxConcurrent > 0 {
		opts = append(opts, hystrix.WithMaxConcurrentRequests(cb.MaxConcurrent))
	}
	if cb.ErrorPercent > 0 {
		opts = append(opts, hystrix.WithErrorPercentThreshold(cb.ErrorPercent))
	}
	if cb.SleepWindow > 0 {
		opts = append(opts, hystrix.WithSleepWindow(cb.SleepWindow))
	}

	retryEvery := defaultRetryEvery
	if cfg.DeadLetterRetry > 0 {
		retryEvery = time.Duration(cfg.DeadLetterRetry) * time.Second
	}

	return &Webhook{
		url:        cfg.URL,
		client:     hystrix.NewClient(opts...),
		dlq:        dlq,
		queue:      make(chan alerting.Alert, queueSize),
		retryEvery: retryEvery,
		logger:     logger.WithField("component", "webhook"),
		shutdown:   make(chan struct{}),
	}
}

// Start launches the delivery worker and, with a dead-letter queue, the
// periodic retry loop.
func (w *Webhook) Start() {
	w.wg.Add(1)
	go w.worker()
	if w.dlq != nil {
		w.wg.Add(1)
		go w.retryLoop()
	}
}

// Stop waits for the workers and spools alerts still queued to the
// dead-letter queue.
func (w *Webhook) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.once.Do(func() { close(w.shutdown) })
	w.wg.Wait()

	spooled := 0
	for {
		select {
		case a := <-w.queue:
			w.spool(a)
			spooled++
		default:
			if spooled > 0 {
				w.logger.Infof("Spooled %d undelivered alerts on shutdown", spooled)
			}
			return
		}
	}
}

// HandleAlert queues the alert for delivery without blocking the sender.
// After Stop alerts go straight to the dead-letter queue.
func (w *Webhook) HandleAlert(a alerting.Alert) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		w.spool(a)
		return nil
	}
	select {
	case w.queue <- a:
		return nil
	default:
	}
	w.spool(a)
	return ErrQueueFull
}

func (w *Webhook) worker() {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Errorf("Webhook worker recovered from panic: %v", r)
		}
	}()
	for {
		select {
		case a := <-w.queue:
			if err := w.deliver(a); err != nil {
				w.logger.WithField("alert_id", a.ID).Warnf("Alert delivery failed, sent to dead letter queue: %v", err)
				w.spool(a)
			}
		case <-w.shutdown:
			return
		}
	}
}

func (w *Webhook) retryLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.retryEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.RetryDeadLetters()
		case <-w.shutdown:
			return
		}
	}
}

// RetryDeadLetters replays spooled alerts until the first failure.
func (w *Webhook) RetryDeadLetters() int {
	if w.dlq == nil {
		return 0
	}
	n, err := w.dlq.Drain(w.deliver)
	if err != nil {
		w.logger.Warnf("Dead letter retry stopped after %d deliveries: %v", n, err)
	} else if n > 0 {
		w.logger.Infof("Delivered %d alerts from dead letter queue", n)
	}
	return n
}

func (w *Webhook) spool(a alerting.Alert) {
	if w.dlq == nil {
		return
	}
	if err := w.dlq.Add(a); err != nil {
		w.logger.Errorf("Failed to write to DLQ: %v", err)
	}
}

func (w *Webhook) deliver(a alerting.Alert) (err error) {
	defer func() {
		if w.OnDelivery != nil {
			w.OnDelivery(err == nil)
		}
	}()

	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	resp, err := w.client.Post(w.url, bytes.NewReader(body), headers)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}
