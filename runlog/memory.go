package runlog

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store. Tests and single-process deployments
// use it; production deployments use the NATS-backed store.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*Execution
	nodes      map[string]map[string]*NodeExecution // executionID -> nodeID -> record
	dlq        map[string]*DLQItem                  // executionID/nodeID -> item
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*Execution),
		nodes:      make(map[string]map[string]*NodeExecution),
		dlq:        make(map[string]*DLQItem),
	}
}

var _ Store = (*MemoryStore)(nil)

func dlqKey(executionID, nodeID string) string {
	return executionID + "/" + nodeID
}

// PutExecution upserts an execution record.
func (s *MemoryStore) PutExecution(_ context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *exec
	s.executions[exec.ExecutionID] = &clone
	return nil
}

// GetExecution returns the execution, or ErrNotFound.
func (s *MemoryStore) GetExecution(_ context.Context, executionID string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *exec
	return &clone, nil
}

// ListExecutions returns every stored execution sorted by start time.
func (s *MemoryStore) ListExecutions(_ context.Context) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Execution, 0, len(s.executions))
	for _, exec := range s.executions {
		clone := *exec
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// PutNodeExecution upserts the latest node record.
func (s *MemoryStore) PutNodeExecution(_ context.Context, node *NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byNode, ok := s.nodes[node.ExecutionID]
	if !ok {
		byNode = make(map[string]*NodeExecution)
		s.nodes[node.ExecutionID] = byNode
	}
	clone := *node
	clone.RetryHistory = append([]RetryRecord(nil), node.RetryHistory...)
	byNode[node.NodeID] = &clone
	return nil
}

// GetNodeExecution returns the latest record for a node, or ErrNotFound.
func (s *MemoryStore) GetNodeExecution(_ context.Context, executionID, nodeID string) (*NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[executionID][nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *node
	clone.RetryHistory = append([]RetryRecord(nil), node.RetryHistory...)
	return &clone, nil
}

// ListNodeExecutions returns all node records for an execution, sorted by
// start time then node ID.
func (s *MemoryStore) ListNodeExecutions(_ context.Context, executionID string) ([]*NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*NodeExecution, 0, len(s.nodes[executionID]))
	for _, node := range s.nodes[executionID] {
		clone := *node
		clone.RetryHistory = append([]RetryRecord(nil), node.RetryHistory...)
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}

// DeleteExecution removes the execution, its node records, and DLQ items.
func (s *MemoryStore) DeleteExecution(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.executions, executionID)
	delete(s.nodes, executionID)
	for key := range s.dlq {
		if strings.HasPrefix(key, executionID+"/") {
			delete(s.dlq, key)
		}
	}
	return nil
}

// PutDLQ upserts a dead-letter item.
func (s *MemoryStore) PutDLQ(_ context.Context, item *DLQItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *item
	s.dlq[dlqKey(item.ExecutionID, item.NodeID)] = &clone
	return nil
}

// GetDLQ returns a dead-letter item, or ErrNotFound.
func (s *MemoryStore) GetDLQ(_ context.Context, executionID, nodeID string) (*DLQItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.dlq[dlqKey(executionID, nodeID)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *item
	return &clone, nil
}

// ListDLQ returns dead-letter items, optionally filtered by workflow.
func (s *MemoryStore) ListDLQ(_ context.Context, workflowID string) ([]*DLQItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*DLQItem
	for _, item := range s.dlq {
		if workflowID != "" && item.WorkflowID != workflowID {
			continue
		}
		clone := *item
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastFailedAt.Before(out[j].LastFailedAt) })
	return out, nil
}

// DeleteDLQ removes a dead-letter item.
func (s *MemoryStore) DeleteDLQ(_ context.Context, executionID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dlq, dlqKey(executionID, nodeID))
	return nil
}
