package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	webhookQueueSize = 1024
	webhookAttempts  = 2
	webhookUserAgent = "Polar-Audit-Webhook/1.0"
)

// webhookEvent is the JSON document delivered for each audit record.
type webhookEvent struct {
	Event     string            `json:"event"`
	UserID    string            `json:"user_id,omitempty"`
	ClientIP  string            `json:"client_ip,omitempty"`
	Timestamp string            `json:"timestamp"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// auditWebhook forwards audit events to an HTTP collector from a single
// background goroutine. Delivery is best effort: a full queue drops events.
type auditWebhook struct {
	url         string
	headerName  string
	headerValue string
	client      *http.Client
	events      chan webhookEvent
	logger      *slog.Logger
	retryDelay  time.Duration
	dropped     atomic.Int64

	mu     sync.RWMutex // guards closed against concurrent sends
	closed bool
	wg     sync.WaitGroup
}

// newAuditWebhook starts a dispatcher for url. header, when set, is sent
// with every request and has the form "Name: Value".
func newAuditWebhook(url, header string, logger *slog.Logger) *auditWebhook {
	w := &auditWebhook{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		events:     make(chan webhookEvent, webhookQueueSize),
		logger:     logger,
		retryDelay: time.Second,
	}
	if name, value, ok := strings.Cut(header, ":"); ok {
		w.headerName = strings.TrimSpace(name)
		w.headerValue = strings.TrimSpace(value)
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// enqueue never blocks. Events arriving after close are dropped.
func (w *auditWebhook) enqueue(evt webhookEvent) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.logger.Debug("audit webhook closed, event dropped", "event", evt.Event)
		return
	}
	select {
	case w.events <- evt:
	default:
		n := w.dropped.Add(1)
		w.logger.Warn("audit webhook queue full, event dropped", "event", evt.Event, "dropped_total", n)
	}
}

// close stops accepting events and waits until queued ones are delivered.
func (w *auditWebhook) close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.events)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *auditWebhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		w.send(evt)
	}
}

func (w *auditWebhook) send(evt webhookEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		w.logger.Warn("audit webhook payload", "event", evt.Event, "error", err)
		return
	}
	for attempt := 1; attempt <= webhookAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(w.retryDelay)
		}
		retry, err := w.deliver(body)
		if err == nil {
			return
		}
		w.logger.Warn("audit webhook delivery failed", "event", evt.Event, "attempt", attempt, "error", err)
		if !retry {
			return
		}
	}
}

// deliver POSTs one payload. Network failures and 5xx responses are
// retryable; any other non-2xx status is final.
func (w *auditWebhook) deliver(body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUserAgent)
	if w.headerName != "" {
		req.Header.Set(w.headerName, w.headerValue)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return true, err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("collector returned %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("collector rejected event with %d", resp.StatusCode)
	}
}
