// Package webhooks delivers outbound event notifications. Deliveries are
// fire-and-forget: Schedule never blocks the request path, failures are
// logged and counted but never retried.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/updatepulse/updatepulse-server/internal/config"
	"github.com/updatepulse/updatepulse-server/internal/db/models"
	"github.com/updatepulse/updatepulse-server/internal/license"
	"github.com/updatepulse/updatepulse-server/internal/safego"
	"github.com/updatepulse/updatepulse-server/internal/telemetry"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, prefixed
// with "sha256=".
const SignatureHeader = "X-UpdatePulse-Signature-256"

const queueSize = 256

// delivery is one signed POST to one endpoint.
type delivery struct {
	url    string
	secret string
	event  string
	body   []byte
}

// Dispatcher fans events out to the configured endpoints through a buffered
// queue drained by a single worker.
type Dispatcher struct {
	endpoints []config.WebhookEndpointConfig
	client    *http.Client
	logger    *slog.Logger
	now       func() time.Time

	queue chan delivery
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewDispatcher creates a dispatcher for the configured endpoints. The worker
// does not run until Start is called.
func NewDispatcher(cfg config.WebhooksConfig, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		endpoints: cfg.Endpoints,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
		now:       time.Now,
		queue:     make(chan delivery, queueSize),
	}
}

// Start launches the delivery worker.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	safego.Go(func() {
		defer d.wg.Done()
		for dl := range d.queue {
			d.deliver(dl)
		}
	})
}

// Stop drains the queue and waits for in-flight deliveries. Schedule calls
// after Stop are dropped.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

// Schedule queues event for every subscribed endpoint. category names the
// event family ("license", "package") and is carried in the payload. It
// never blocks: when the queue is full the delivery is dropped and logged.
func (d *Dispatcher) Schedule(event, category string, content any) {
	d.schedule(event, category, content, nil)
}

// LicenseEvent implements license.EventSink. Endpoints restricted to their
// own API owner only see licenses that owner created.
func (d *Dispatcher) LicenseEvent(event string, lic *models.License) {
	d.schedule(event, "license", license.Sanitize(lic), func(ep config.WebhookEndpointConfig) bool {
		if !ep.LicenseAPIOwnerOnly {
			return true
		}
		return lic.APIOwner() == ep.APIKeyID
	})
}

func (d *Dispatcher) schedule(event, category string, content any, allow func(config.WebhookEndpointConfig) bool) {
	payload := map[string]any{
		"event":     event,
		"category":  category,
		"timestamp": d.now().Unix(),
		"content":   content,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("webhook payload marshal failed", "event", event, "error", err)
		return
	}

	for _, ep := range d.endpoints {
		if !subscribed(ep.Events, event) {
			continue
		}
		if allow != nil && !allow(ep) {
			continue
		}
		d.enqueue(delivery{url: ep.URL, secret: ep.Secret, event: event, body: body})
	}
}

func (d *Dispatcher) enqueue(dl delivery) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- dl:
	default:
		telemetry.WebhookDeliveriesTotal.WithLabelValues("dropped").Inc()
		d.logger.Warn("webhook queue full, delivery dropped", "event", dl.event, "url", dl.url)
	}
}

// subscribed reports whether an endpoint's event prefixes cover event. An
// empty subscription list means every event.
func subscribed(prefixes []string, event string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(event, p) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) deliver(dl delivery) {
	req, err := http.NewRequestWithContext(context.Background(), "POST", dl.url, bytes.NewReader(dl.body))
	if err != nil {
		telemetry.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		d.logger.Error("webhook request build failed", "event", dl.event, "url", dl.url, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(dl.secret, dl.body))

	resp, err := d.client.Do(req)
	if err != nil {
		telemetry.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		d.logger.Warn("webhook delivery failed", "event", dl.event, "url", dl.url, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		telemetry.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
		return
	}
	telemetry.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
	d.logger.Warn("webhook delivery rejected", "event", dl.event, "url", dl.url, "status", resp.StatusCode)
}

// Sign computes the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
