// Package ingress turns external stimuli into trigger events: webhook
// deliveries verified against vendor signature schemes, and polling ticks
// against connector poll operations. Duplicate suppression and per-webhook
// ordering happen here, before the runtime sees anything.
package ingress

import (
	"context"
	"errors"
	"time"
)

// ErrTriggerNotFound is returned when a trigger id is unknown.
var ErrTriggerNotFound = errors.New("trigger not found")

// WebhookTrigger registers an inbound webhook endpoint for a workflow.
type WebhookTrigger struct {
	ID         string            `json:"id"`
	AppID      string            `json:"appId"`
	TriggerID  string            `json:"triggerId"`
	WorkflowID string            `json:"workflowId"`
	Secret     string            `json:"secret,omitempty"`
	IsActive   bool              `json:"isActive"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// PollingTrigger registers a scheduled poll against a connector operation.
type PollingTrigger struct {
	ID         string            `json:"id"`
	AppID      string            `json:"appId"`
	TriggerID  string            `json:"triggerId"`
	WorkflowID string            `json:"workflowId"`
	Interval   time.Duration     `json:"interval"`
	NextPoll   time.Time         `json:"nextPoll"`
	IsActive   bool              `json:"isActive"`
	// DedupeKey names the item field whose value identifies an item across
	// polls. Empty disables item-level dedupe.
	DedupeKey string            `json:"dedupeKey,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// EventType distinguishes the intake path an event arrived through.
type EventType string

const (
	EventWebhook EventType = "webhook"
	EventPolling EventType = "polling"
)

// TriggerEvent is the normalized unit handed to the runtime.
type TriggerEvent struct {
	ID            string            `json:"id"`
	TriggerID     string            `json:"triggerId"`
	WorkflowID    string            `json:"workflowId"`
	AppID         string            `json:"appId"`
	Type          EventType         `json:"type"`
	Timestamp     time.Time         `json:"timestamp"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       any               `json:"payload,omitempty"`
	RawBody       []byte            `json:"rawBody,omitempty"`
	DedupeHash    string            `json:"dedupeHash"`
	CorrelationID string            `json:"correlationId"`
}

// EventSink receives accepted trigger events. The runtime implements it.
// Handle is called sequentially for events from the same trigger.
type EventSink interface {
	Handle(ctx context.Context, event *TriggerEvent) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event *TriggerEvent) error

func (f EventSinkFunc) Handle(ctx context.Context, event *TriggerEvent) error {
	return f(ctx, event)
}

// TriggerStore persists trigger registrations.
type TriggerStore interface {
	PutWebhookTrigger(ctx context.Context, trigger *WebhookTrigger) error
	GetWebhookTrigger(ctx context.Context, id string) (*WebhookTrigger, error)
	ListWebhookTriggers(ctx context.Context) ([]*WebhookTrigger, error)
	DeleteWebhookTrigger(ctx context.Context, id string) error

	PutPollingTrigger(ctx context.Context, trigger *PollingTrigger) error
	GetPollingTrigger(ctx context.Context, id string) (*PollingTrigger, error)
	ListPollingTriggers(ctx context.Context) ([]*PollingTrigger, error)
	DeletePollingTrigger(ctx context.Context, id string) error
}
