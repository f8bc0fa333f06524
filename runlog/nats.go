package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for execution records.
const (
	BucketExecutions     = "WEFT_EXECUTIONS"
	BucketNodeExecutions = "WEFT_NODE_EXECUTIONS"
	BucketDLQ            = "WEFT_DLQ"
)

// DefaultRetention keeps full execution detail for 30 days. Expired records
// drop out of the KV buckets; aggregate statistics are computed at query
// time from whatever detail is still retained.
const DefaultRetention = 30 * 24 * time.Hour

// NATSStore persists execution records in JetStream KV buckets.
// Key layout:
//
//	executions:      {executionID}
//	node executions: {executionID}.{nodeID}
//	dlq:             {executionID}.{nodeID}
type NATSStore struct {
	executions jetstream.KeyValue
	nodes      jetstream.KeyValue
	dlq        jetstream.KeyValue
	logger     *slog.Logger
}

// NATSStoreOption configures a NATSStore.
type NATSStoreOption func(*natsStoreConfig)

type natsStoreConfig struct {
	retention time.Duration
	logger    *slog.Logger
}

// WithRetention sets how long full execution detail is kept.
func WithRetention(d time.Duration) NATSStoreOption {
	return func(c *natsStoreConfig) {
		c.retention = d
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) NATSStoreOption {
	return func(c *natsStoreConfig) {
		c.logger = logger
	}
}

// NewNATSStore creates the KV buckets if needed and returns the store.
func NewNATSStore(ctx context.Context, js jetstream.JetStream, opts ...NATSStoreOption) (*NATSStore, error) {
	cfg := natsStoreConfig{
		retention: DefaultRetention,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	buckets := []struct {
		name        string
		description string
		target      *jetstream.KeyValue
	}{
		{BucketExecutions, "Workflow execution records", nil},
		{BucketNodeExecutions, "Per-node execution records", nil},
		{BucketDLQ, "Dead-letter queue items", nil},
	}

	s := &NATSStore{logger: cfg.logger}
	targets := []*jetstream.KeyValue{&s.executions, &s.nodes, &s.dlq}
	for i, b := range buckets {
		// CreateOrUpdateKeyValue is idempotent and race-safe.
		kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      b.name,
			Description: b.description,
			TTL:         cfg.retention,
		})
		if err != nil {
			return nil, fmt.Errorf("create/update kv bucket %s: %w", b.name, err)
		}
		*targets[i] = kv
	}
	return s, nil
}

var _ Store = (*NATSStore)(nil)

func putJSON(ctx context.Context, kv jetstream.KeyValue, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func getJSON(ctx context.Context, kv jetstream.KeyValue, key string, out any) error {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(entry.Value(), out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func nodeKey(executionID, nodeID string) string {
	return executionID + "." + nodeID
}

// PutExecution upserts an execution record.
func (s *NATSStore) PutExecution(ctx context.Context, exec *Execution) error {
	return putJSON(ctx, s.executions, exec.ExecutionID, exec)
}

// GetExecution returns the execution, or ErrNotFound.
func (s *NATSStore) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	var exec Execution
	if err := getJSON(ctx, s.executions, executionID, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// ListExecutions returns every retained execution record.
func (s *NATSStore) ListExecutions(ctx context.Context) ([]*Execution, error) {
	keys, err := s.listKeys(ctx, s.executions)
	if err != nil {
		return nil, err
	}
	out := make([]*Execution, 0, len(keys))
	for _, key := range keys {
		var exec Execution
		if err := getJSON(ctx, s.executions, key, &exec); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // expired between list and get
			}
			return nil, err
		}
		out = append(out, &exec)
	}
	return out, nil
}

// PutNodeExecution upserts the latest node record.
func (s *NATSStore) PutNodeExecution(ctx context.Context, node *NodeExecution) error {
	return putJSON(ctx, s.nodes, nodeKey(node.ExecutionID, node.NodeID), node)
}

// GetNodeExecution returns the latest record for a node, or ErrNotFound.
func (s *NATSStore) GetNodeExecution(ctx context.Context, executionID, nodeID string) (*NodeExecution, error) {
	var node NodeExecution
	if err := getJSON(ctx, s.nodes, nodeKey(executionID, nodeID), &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// ListNodeExecutions returns all node records for an execution.
func (s *NATSStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error) {
	keys, err := s.listKeys(ctx, s.nodes)
	if err != nil {
		return nil, err
	}
	var out []*NodeExecution
	prefix := executionID + "."
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		var node NodeExecution
		if err := getJSON(ctx, s.nodes, key, &node); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, &node)
	}
	return out, nil
}

// DeleteExecution removes the execution and cascades to node records and
// DLQ items.
func (s *NATSStore) DeleteExecution(ctx context.Context, executionID string) error {
	if err := s.executions.Purge(ctx, executionID); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("purge execution %s: %w", executionID, err)
	}
	prefix := executionID + "."
	for _, kv := range []jetstream.KeyValue{s.nodes, s.dlq} {
		keys, err := s.listKeys(ctx, kv)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			if err := kv.Purge(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
				return fmt.Errorf("purge %s: %w", key, err)
			}
		}
	}
	return nil
}

// PutDLQ upserts a dead-letter item.
func (s *NATSStore) PutDLQ(ctx context.Context, item *DLQItem) error {
	return putJSON(ctx, s.dlq, nodeKey(item.ExecutionID, item.NodeID), item)
}

// GetDLQ returns a dead-letter item, or ErrNotFound.
func (s *NATSStore) GetDLQ(ctx context.Context, executionID, nodeID string) (*DLQItem, error) {
	var item DLQItem
	if err := getJSON(ctx, s.dlq, nodeKey(executionID, nodeID), &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ListDLQ returns dead-letter items, optionally filtered by workflow.
func (s *NATSStore) ListDLQ(ctx context.Context, workflowID string) ([]*DLQItem, error) {
	keys, err := s.listKeys(ctx, s.dlq)
	if err != nil {
		return nil, err
	}
	var out []*DLQItem
	for _, key := range keys {
		var item DLQItem
		if err := getJSON(ctx, s.dlq, key, &item); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if workflowID != "" && item.WorkflowID != workflowID {
			continue
		}
		out = append(out, &item)
	}
	return out, nil
}

// DeleteDLQ removes a dead-letter item after a manual replay.
func (s *NATSStore) DeleteDLQ(ctx context.Context, executionID, nodeID string) error {
	if err := s.dlq.Purge(ctx, nodeKey(executionID, nodeID)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("purge dlq %s/%s: %w", executionID, nodeID, err)
	}
	return nil
}

func (s *NATSStore) listKeys(ctx context.Context, kv jetstream.KeyValue) ([]string, error) {
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
