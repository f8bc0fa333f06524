package ingress

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/weftworks/weft/webhook"
	"github.com/weftworks/weft/workflow"
)

// timestampHeaders are the vendor headers consulted when hashing a delivery
// for dedupe. A vendor retry repeats both timestamp and body, so the hash
// repeats too.
var timestampHeaders = []string{
	"X-Slack-Request-Timestamp",
	"X-Hubspot-Request-Timestamp",
	"X-Shopify-Triggered-At",
	"Webhook-Timestamp",
}

// DeliveryResult reports what intake did with one webhook delivery.
type DeliveryResult struct {
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Reason    string `json:"reason,omitempty"`
	EventID   string `json:"eventId,omitempty"`
}

// WebhookIntake receives webhook deliveries, verifies signatures against the
// registered trigger's secret, drops duplicates, and hands fresh events to
// the sink in per-webhook arrival order.
type WebhookIntake struct {
	store    TriggerStore
	verifier *webhook.Verifier
	sink     EventSink
	seen     *SeenSet
	logger   *slog.Logger

	mu     sync.Mutex
	queues map[string]chan *TriggerEvent
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	queueSize int
}

// WebhookIntakeOption configures a WebhookIntake.
type WebhookIntakeOption func(*WebhookIntake)

// WithDedupeWindow sets how many recent delivery hashes are remembered.
func WithDedupeWindow(n int) WebhookIntakeOption {
	return func(w *WebhookIntake) {
		w.seen = NewSeenSet(n)
	}
}

// WithIntakeLogger sets the logger.
func WithIntakeLogger(logger *slog.Logger) WebhookIntakeOption {
	return func(w *WebhookIntake) {
		w.logger = logger
	}
}

// WithQueueSize sets the per-webhook dispatch queue depth.
func WithQueueSize(n int) WebhookIntakeOption {
	return func(w *WebhookIntake) {
		if n > 0 {
			w.queueSize = n
		}
	}
}

// NewWebhookIntake creates an intake. Call Start before delivering.
func NewWebhookIntake(store TriggerStore, verifier *webhook.Verifier, sink EventSink, opts ...WebhookIntakeOption) *WebhookIntake {
	w := &WebhookIntake{
		store:     store,
		verifier:  verifier,
		sink:      sink,
		seen:      NewSeenSet(DefaultDedupeWindow),
		logger:    slog.Default(),
		queues:    make(map[string]chan *TriggerEvent),
		queueSize: 64,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins dispatching. Events accepted before Start are rejected.
func (w *WebhookIntake) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ctx, w.cancel = context.WithCancel(ctx)
}

// Stop cancels dispatch and waits for the drain goroutines. Queues are
// never closed: a HandleDelivery racing with Stop fails on the cancelled
// context instead of sending on a closed channel.
func (w *WebhookIntake) Stop() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.queues = make(map[string]chan *TriggerEvent)
	w.mu.Unlock()
	w.wg.Wait()
}

// HandleDelivery processes one inbound webhook request. The raw body must be
// the exact bytes received; signature schemes break on re-serialized JSON.
func (w *WebhookIntake) HandleDelivery(ctx context.Context, webhookID string, req webhook.Request) (*DeliveryResult, error) {
	trigger, err := w.store.GetWebhookTrigger(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	if !trigger.IsActive {
		return &DeliveryResult{Reason: "trigger inactive"}, nil
	}

	verification := w.verifier.Verify(trigger.AppID, req, trigger.Secret)
	if !verification.Verified {
		w.logger.Warn("webhook signature rejected",
			"webhook_id", webhookID,
			"app_id", trigger.AppID,
			"reason", verification.Reason)
		return nil, workflow.Errorf(workflow.KindSignature, "signature verification failed: %s", verification.Reason)
	}

	hash := dedupeHash(webhookID, providerTimestamp(req), req.Body)
	if w.seen.Seen(hash) {
		w.logger.Debug("duplicate webhook delivery dropped",
			"webhook_id", webhookID,
			"dedupe_hash", hash)
		return &DeliveryResult{Accepted: true, Duplicate: true}, nil
	}

	headers := make(map[string]string, len(req.Headers)+1)
	for name := range req.Headers {
		headers[name] = req.Headers.Get(name)
	}
	headers["x-trigger-type"] = "webhook"

	event := &TriggerEvent{
		ID:            ulid.Make().String(),
		TriggerID:     webhookID,
		WorkflowID:    trigger.WorkflowID,
		AppID:         trigger.AppID,
		Type:          EventWebhook,
		Timestamp:     time.Now().UTC(),
		Headers:       headers,
		RawBody:       req.Body,
		DedupeHash:    hash,
		CorrelationID: uuid.New().String(),
	}

	if err := w.dispatch(webhookID, event); err != nil {
		return nil, err
	}

	w.logger.Info("webhook event accepted",
		"webhook_id", webhookID,
		"workflow_id", trigger.WorkflowID,
		"event_id", event.ID,
		"correlation_id", event.CorrelationID)
	return &DeliveryResult{Accepted: true, EventID: event.ID}, nil
}

// dispatch hands the event to the per-webhook queue, creating the queue and
// its drain goroutine on first use. One goroutine per webhook preserves
// arrival order within that webhook.
func (w *WebhookIntake) dispatch(webhookID string, event *TriggerEvent) error {
	w.mu.Lock()
	if w.ctx == nil {
		w.mu.Unlock()
		return workflow.Errorf(workflow.KindInternal, "intake not started")
	}
	ctx := w.ctx
	queue, ok := w.queues[webhookID]
	if !ok {
		queue = make(chan *TriggerEvent, w.queueSize)
		w.queues[webhookID] = queue
		w.wg.Add(1)
		go w.drain(ctx, queue)
	}
	w.mu.Unlock()

	select {
	case queue <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WebhookIntake) drain(ctx context.Context, queue chan *TriggerEvent) {
	defer w.wg.Done()
	for {
		select {
		case event := <-queue:
			if err := w.sink.Handle(ctx, event); err != nil {
				w.logger.Error("event sink failed",
					"event_id", event.ID,
					"workflow_id", event.WorkflowID,
					"error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// providerTimestamp extracts the vendor timestamp header when present.
func providerTimestamp(req webhook.Request) string {
	for _, name := range timestampHeaders {
		if v := req.Headers.Get(name); v != "" {
			return v
		}
	}
	return ""
}

// dedupeHash fingerprints a delivery by webhook, vendor timestamp, and raw
// body bytes.
func dedupeHash(webhookID, timestamp string, body []byte) string {
	h := blake3.New()
	h.Write([]byte(webhookID))
	h.Write([]byte{0})
	h.Write([]byte(timestamp))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
