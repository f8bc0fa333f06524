package runlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/weftworks/weft/workflow"
)

func TestMemoryStoreExecutionRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	exec := &Execution{
		ExecutionID:   "exec-1",
		WorkflowID:    "wf-1",
		Status:        workflow.ExecutionRunning,
		StartTime:     time.Now().UTC(),
		CorrelationID: "corr-1",
	}
	if err := store.PutExecution(ctx, exec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.WorkflowID != "wf-1" || got.Status != workflow.ExecutionRunning {
		t.Errorf("got %+v", got)
	}

	// Mutating the returned record must not leak back into the store.
	got.Status = workflow.ExecutionFailed
	again, err := store.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.Status != workflow.ExecutionRunning {
		t.Errorf("store leaked mutation: %s", again.Status)
	}

	if _, err := store.GetExecution(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing execution: err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreNodeExecutions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	nodes := []*NodeExecution{
		{ExecutionID: "exec-1", NodeID: "n2", Status: workflow.NodeSucceeded, StartTime: base.Add(time.Second)},
		{ExecutionID: "exec-1", NodeID: "n1", Status: workflow.NodeSucceeded, StartTime: base},
		{ExecutionID: "exec-2", NodeID: "n1", Status: workflow.NodeFailed, StartTime: base},
	}
	for _, n := range nodes {
		if err := store.PutNodeExecution(ctx, n); err != nil {
			t.Fatalf("put %s/%s: %v", n.ExecutionID, n.NodeID, err)
		}
	}

	list, err := store.ListNodeExecutions(ctx, "exec-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d nodes, want 2", len(list))
	}
	if list[0].NodeID != "n1" || list[1].NodeID != "n2" {
		t.Errorf("order = %s,%s, want n1,n2", list[0].NodeID, list[1].NodeID)
	}

	// Upsert replaces and retry history is cloned.
	updated := &NodeExecution{
		ExecutionID: "exec-1",
		NodeID:      "n1",
		Status:      workflow.NodeRetrying,
		StartTime:   base,
		RetryHistory: []RetryRecord{
			{Attempt: 1, Error: "boom", At: base, DelayMs: 500},
		},
	}
	if err := store.PutNodeExecution(ctx, updated); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	updated.RetryHistory[0].Error = "mutated"

	got, err := store.GetNodeExecution(ctx, "exec-1", "n1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != workflow.NodeRetrying {
		t.Errorf("status = %s", got.Status)
	}
	if got.RetryHistory[0].Error != "boom" {
		t.Errorf("retry history leaked mutation: %s", got.RetryHistory[0].Error)
	}
}

func TestMemoryStoreDeleteExecutionCascades(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.PutExecution(ctx, &Execution{ExecutionID: "exec-1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.PutNodeExecution(ctx, &NodeExecution{ExecutionID: "exec-1", NodeID: "n1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.PutDLQ(ctx, &DLQItem{ExecutionID: "exec-1", NodeID: "n1", WorkflowID: "wf-1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.PutDLQ(ctx, &DLQItem{ExecutionID: "exec-2", NodeID: "n1", WorkflowID: "wf-1"}); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteExecution(ctx, "exec-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := store.GetExecution(ctx, "exec-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("execution survived delete: %v", err)
	}
	if _, err := store.GetNodeExecution(ctx, "exec-1", "n1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("node record survived delete: %v", err)
	}
	if _, err := store.GetDLQ(ctx, "exec-1", "n1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("dlq item survived delete: %v", err)
	}
	// Unrelated executions keep their DLQ items.
	if _, err := store.GetDLQ(ctx, "exec-2", "n1"); err != nil {
		t.Errorf("unrelated dlq item removed: %v", err)
	}
}

func TestMemoryStoreDLQFilter(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	items := []*DLQItem{
		{ExecutionID: "e1", NodeID: "n1", WorkflowID: "wf-a", LastFailedAt: base},
		{ExecutionID: "e2", NodeID: "n1", WorkflowID: "wf-b", LastFailedAt: base.Add(time.Second)},
		{ExecutionID: "e3", NodeID: "n2", WorkflowID: "wf-a", LastFailedAt: base.Add(2 * time.Second)},
	}
	for _, item := range items {
		if err := store.PutDLQ(ctx, item); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.ListDLQ(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d items, want 3", len(all))
	}

	filtered, err := store.ListDLQ(ctx, "wf-a")
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(filtered) != 2 {
		t.Fatalf("got %d wf-a items, want 2", len(filtered))
	}
	if filtered[0].ExecutionID != "e1" || filtered[1].ExecutionID != "e3" {
		t.Errorf("order = %s,%s", filtered[0].ExecutionID, filtered[1].ExecutionID)
	}

	if err := store.DeleteDLQ(ctx, "e1", "n1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetDLQ(ctx, "e1", "n1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted item still present: %v", err)
	}
}
