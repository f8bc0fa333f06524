package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/weftworks/weft/workflow"
)

// BucketWorkflows holds workflow graphs keyed by workflow ID.
const BucketWorkflows = "WEFT_WORKFLOWS"

// ErrWorkflowNotFound is returned when a workflow graph is not stored.
var ErrWorkflowNotFound = errors.New("workflow not found")

// WorkflowStore persists workflow graphs. The runtime reads the latest
// version; older versions stay queryable only through their executions.
type WorkflowStore interface {
	// PutGraph stores or replaces the graph for its workflow ID.
	PutGraph(ctx context.Context, g *workflow.Graph) error

	// GetGraph returns the stored graph, or ErrWorkflowNotFound.
	GetGraph(ctx context.Context, workflowID string) (*workflow.Graph, error)

	// ListGraphs returns every stored graph.
	ListGraphs(ctx context.Context) ([]*workflow.Graph, error)

	// DeleteGraph removes a graph.
	DeleteGraph(ctx context.Context, workflowID string) error
}

// MemoryWorkflowStore is an in-memory WorkflowStore for tests and
// single-process deployments.
type MemoryWorkflowStore struct {
	mu     sync.RWMutex
	graphs map[string]*workflow.Graph
}

// NewMemoryWorkflowStore creates an empty store.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{graphs: make(map[string]*workflow.Graph)}
}

var _ WorkflowStore = (*MemoryWorkflowStore)(nil)

func (s *MemoryWorkflowStore) PutGraph(_ context.Context, g *workflow.Graph) error {
	if g.WorkflowID == "" {
		return fmt.Errorf("graph has no workflowId")
	}
	clone, err := cloneGraph(g)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs[g.WorkflowID] = clone
	return nil
}

func (s *MemoryWorkflowStore) GetGraph(_ context.Context, workflowID string) (*workflow.Graph, error) {
	s.mu.RLock()
	g, ok := s.graphs[workflowID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return cloneGraph(g)
}

func (s *MemoryWorkflowStore) ListGraphs(_ context.Context) ([]*workflow.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.Graph, 0, len(s.graphs))
	for _, g := range s.graphs {
		clone, err := cloneGraph(g)
		if err != nil {
			return nil, err
		}
		out = append(out, clone)
	}
	return out, nil
}

func (s *MemoryWorkflowStore) DeleteGraph(_ context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.graphs, workflowID)
	return nil
}

// cloneGraph deep-copies through JSON so callers never share param maps.
func cloneGraph(g *workflow.Graph) (*workflow.Graph, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("marshal graph: %w", err)
	}
	var clone workflow.Graph
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	return &clone, nil
}

// NATSWorkflowStore persists graphs in a JetStream KV bucket.
type NATSWorkflowStore struct {
	kv jetstream.KeyValue
}

// NewNATSWorkflowStore creates the bucket if needed and returns the store.
func NewNATSWorkflowStore(ctx context.Context, js jetstream.JetStream) (*NATSWorkflowStore, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketWorkflows,
		Description: "Workflow graphs",
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket %s: %w", BucketWorkflows, err)
	}
	return &NATSWorkflowStore{kv: kv}, nil
}

var _ WorkflowStore = (*NATSWorkflowStore)(nil)

func (s *NATSWorkflowStore) PutGraph(ctx context.Context, g *workflow.Graph) error {
	if g.WorkflowID == "" {
		return fmt.Errorf("graph has no workflowId")
	}
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	if _, err := s.kv.Put(ctx, g.WorkflowID, data); err != nil {
		return fmt.Errorf("put workflow %s: %w", g.WorkflowID, err)
	}
	return nil
}

func (s *NATSWorkflowStore) GetGraph(ctx context.Context, workflowID string) (*workflow.Graph, error) {
	entry, err := s.kv.Get(ctx, workflowID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("get workflow %s: %w", workflowID, err)
	}
	var g workflow.Graph
	if err := json.Unmarshal(entry.Value(), &g); err != nil {
		return nil, fmt.Errorf("unmarshal workflow %s: %w", workflowID, err)
	}
	return &g, nil
}

func (s *NATSWorkflowStore) ListGraphs(ctx context.Context) ([]*workflow.Graph, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	var out []*workflow.Graph
	for key := range lister.Keys() {
		g, err := s.GetGraph(ctx, key)
		if err != nil {
			if errors.Is(err, ErrWorkflowNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *NATSWorkflowStore) DeleteGraph(ctx context.Context, workflowID string) error {
	if err := s.kv.Purge(ctx, workflowID); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("purge workflow %s: %w", workflowID, err)
	}
	return nil
}
