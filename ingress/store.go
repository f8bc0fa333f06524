package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go/jetstream"
)

// MemoryTriggerStore is an in-memory TriggerStore for tests and
// single-process deployments.
type MemoryTriggerStore struct {
	mu       sync.RWMutex
	webhooks map[string]*WebhookTrigger
	polls    map[string]*PollingTrigger
}

// NewMemoryTriggerStore creates an empty store.
func NewMemoryTriggerStore() *MemoryTriggerStore {
	return &MemoryTriggerStore{
		webhooks: make(map[string]*WebhookTrigger),
		polls:    make(map[string]*PollingTrigger),
	}
}

var _ TriggerStore = (*MemoryTriggerStore)(nil)

func (s *MemoryTriggerStore) PutWebhookTrigger(_ context.Context, trigger *WebhookTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *trigger
	s.webhooks[trigger.ID] = &clone
	return nil
}

func (s *MemoryTriggerStore) GetWebhookTrigger(_ context.Context, id string) (*WebhookTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trigger, ok := s.webhooks[id]
	if !ok {
		return nil, ErrTriggerNotFound
	}
	clone := *trigger
	return &clone, nil
}

func (s *MemoryTriggerStore) ListWebhookTriggers(_ context.Context) ([]*WebhookTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*WebhookTrigger, 0, len(s.webhooks))
	for _, trigger := range s.webhooks {
		clone := *trigger
		out = append(out, &clone)
	}
	return out, nil
}

func (s *MemoryTriggerStore) DeleteWebhookTrigger(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.webhooks, id)
	return nil
}

func (s *MemoryTriggerStore) PutPollingTrigger(_ context.Context, trigger *PollingTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *trigger
	s.polls[trigger.ID] = &clone
	return nil
}

func (s *MemoryTriggerStore) GetPollingTrigger(_ context.Context, id string) (*PollingTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trigger, ok := s.polls[id]
	if !ok {
		return nil, ErrTriggerNotFound
	}
	clone := *trigger
	return &clone, nil
}

func (s *MemoryTriggerStore) ListPollingTriggers(_ context.Context) ([]*PollingTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PollingTrigger, 0, len(s.polls))
	for _, trigger := range s.polls {
		clone := *trigger
		out = append(out, &clone)
	}
	return out, nil
}

func (s *MemoryTriggerStore) DeletePollingTrigger(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.polls, id)
	return nil
}

// Bucket names for trigger registrations.
const (
	BucketWebhookTriggers = "WEFT_WEBHOOK_TRIGGERS"
	BucketPollingTriggers = "WEFT_POLLING_TRIGGERS"
)

// NATSTriggerStore persists trigger registrations in JetStream KV so every
// process in a deployment serves the same endpoints.
type NATSTriggerStore struct {
	webhooks jetstream.KeyValue
	polls    jetstream.KeyValue
}

// NewNATSTriggerStore creates the KV buckets if needed.
func NewNATSTriggerStore(ctx context.Context, js jetstream.JetStream) (*NATSTriggerStore, error) {
	webhooks, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketWebhookTriggers,
		Description: "Webhook trigger registrations",
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket %s: %w", BucketWebhookTriggers, err)
	}
	polls, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketPollingTriggers,
		Description: "Polling trigger registrations",
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket %s: %w", BucketPollingTriggers, err)
	}
	return &NATSTriggerStore{webhooks: webhooks, polls: polls}, nil
}

var _ TriggerStore = (*NATSTriggerStore)(nil)

func kvPut(ctx context.Context, kv jetstream.KeyValue, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	if _, err := kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func kvGet(ctx context.Context, kv jetstream.KeyValue, key string, out any) error {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return ErrTriggerNotFound
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(entry.Value(), out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func kvKeys(ctx context.Context, kv jetstream.KeyValue) ([]string, error) {
	lister, err := kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	return keys, nil
}

func kvDelete(ctx context.Context, kv jetstream.KeyValue, key string) error {
	if err := kv.Purge(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("purge %s: %w", key, err)
	}
	return nil
}

func (s *NATSTriggerStore) PutWebhookTrigger(ctx context.Context, trigger *WebhookTrigger) error {
	return kvPut(ctx, s.webhooks, trigger.ID, trigger)
}

func (s *NATSTriggerStore) GetWebhookTrigger(ctx context.Context, id string) (*WebhookTrigger, error) {
	var trigger WebhookTrigger
	if err := kvGet(ctx, s.webhooks, id, &trigger); err != nil {
		return nil, err
	}
	return &trigger, nil
}

func (s *NATSTriggerStore) ListWebhookTriggers(ctx context.Context) ([]*WebhookTrigger, error) {
	keys, err := kvKeys(ctx, s.webhooks)
	if err != nil {
		return nil, err
	}
	out := make([]*WebhookTrigger, 0, len(keys))
	for _, key := range keys {
		var trigger WebhookTrigger
		if err := kvGet(ctx, s.webhooks, key, &trigger); err != nil {
			if errors.Is(err, ErrTriggerNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, &trigger)
	}
	return out, nil
}

func (s *NATSTriggerStore) DeleteWebhookTrigger(ctx context.Context, id string) error {
	return kvDelete(ctx, s.webhooks, id)
}

func (s *NATSTriggerStore) PutPollingTrigger(ctx context.Context, trigger *PollingTrigger) error {
	return kvPut(ctx, s.polls, trigger.ID, trigger)
}

func (s *NATSTriggerStore) GetPollingTrigger(ctx context.Context, id string) (*PollingTrigger, error) {
	var trigger PollingTrigger
	if err := kvGet(ctx, s.polls, id, &trigger); err != nil {
		return nil, err
	}
	return &trigger, nil
}

func (s *NATSTriggerStore) ListPollingTriggers(ctx context.Context) ([]*PollingTrigger, error) {
	keys, err := kvKeys(ctx, s.polls)
	if err != nil {
		return nil, err
	}
	out := make([]*PollingTrigger, 0, len(keys))
	for _, key := range keys {
		var trigger PollingTrigger
		if err := kvGet(ctx, s.polls, key, &trigger); err != nil {
			if errors.Is(err, ErrTriggerNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, &trigger)
	}
	return out, nil
}

func (s *NATSTriggerStore) DeletePollingTrigger(ctx context.Context, id string) error {
	return kvDelete(ctx, s.polls, id)
}
