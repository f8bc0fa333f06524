package runlog

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("record not found")

// Store persists execution records. Writes are per-record and idempotent on
// primary key; the runtime is the only writer.
type Store interface {
	// PutExecution upserts an execution record.
	PutExecution(ctx context.Context, exec *Execution) error

	// GetExecution returns the execution, or ErrNotFound.
	GetExecution(ctx context.Context, executionID string) (*Execution, error)

	// ListExecutions returns every stored execution. Filtering and paging
	// happen in Query.
	ListExecutions(ctx context.Context) ([]*Execution, error)

	// PutNodeExecution upserts the latest node execution record.
	PutNodeExecution(ctx context.Context, node *NodeExecution) error

	// GetNodeExecution returns the latest record for a node, or ErrNotFound.
	GetNodeExecution(ctx context.Context, executionID, nodeID string) (*NodeExecution, error)

	// ListNodeExecutions returns all node records for an execution.
	ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error)

	// DeleteExecution removes an execution and its node records (cascade).
	DeleteExecution(ctx context.Context, executionID string) error

	// PutDLQ upserts a dead-letter item.
	PutDLQ(ctx context.Context, item *DLQItem) error

	// GetDLQ returns a dead-letter item, or ErrNotFound.
	GetDLQ(ctx context.Context, executionID, nodeID string) (*DLQItem, error)

	// ListDLQ returns dead-letter items, optionally filtered by workflow.
	ListDLQ(ctx context.Context, workflowID string) ([]*DLQItem, error)

	// DeleteDLQ removes a dead-letter item after a manual replay.
	DeleteDLQ(ctx context.Context, executionID, nodeID string) error
}
