package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/weftworks/weft/metrics"
	"github.com/weftworks/weft/runlog"
	"github.com/weftworks/weft/workflow"
)

// RetryExecution starts a fresh execution of the same workflow with the
// original trigger data. The new execution links back through
// parentExecutionId; the original record is never reopened.
func (r *Runtime) RetryExecution(ctx context.Context, executionID string) (string, error) {
	parent, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	if !parent.Status.IsTerminal() {
		return "", workflow.Errorf(workflow.KindValidation,
			"execution %s is still %s", executionID, parent.Status)
	}
	return r.Submit(ctx, parent.WorkflowID, TriggerInput{
		Type:              parent.TriggerType,
		Data:              parent.TriggerData,
		UserID:            parent.UserID,
		ParentExecutionID: parent.ExecutionID,
	})
}

// ReplayDLQ re-runs a dead-lettered node in a new execution, feeding it the
// payload captured when it was dead-lettered. The attempt counter starts
// over with a fresh correlation id, and the DLQ item is removed.
func (r *Runtime) ReplayDLQ(ctx context.Context, executionID, nodeID string) (string, error) {
	item, err := r.store.GetDLQ(ctx, executionID, nodeID)
	if err != nil {
		return "", err
	}
	graph, err := r.workflows.GetGraph(ctx, item.WorkflowID)
	if err != nil {
		return "", err
	}
	node := graph.NodeByID(nodeID)
	if node == nil {
		return "", workflow.Errorf(workflow.KindValidation,
			"node %q no longer exists in workflow %s", nodeID, item.WorkflowID)
	}
	parent, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}

	exec := &runlog.Execution{
		ExecutionID:       ulid.Make().String(),
		WorkflowID:        item.WorkflowID,
		UserID:            parent.UserID,
		Status:            workflow.ExecutionPending,
		StartTime:         time.Now().UTC(),
		TriggerType:       "replay",
		TriggerData:       item.Payload,
		TotalNodes:        1,
		CorrelationID:     uuid.NewString(),
		ParentExecutionID: executionID,
	}
	if err := r.store.PutExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("persist replay execution: %w", err)
	}
	metrics.ExecutionsStarted.WithLabelValues("replay").Inc()

	if err := r.store.DeleteDLQ(ctx, executionID, nodeID); err != nil {
		r.logger.Warn("delete dlq item failed",
			"execution_id", executionID,
			"node_id", nodeID,
			"error", err)
	} else {
		metrics.DLQDepth.Dec()
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.registerCancel(exec.ExecutionID, cancel)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.unregisterCancel(exec.ExecutionID)
		defer cancel()
		r.runReplay(runCtx, graph, exec, node, item)
	}()
	return exec.ExecutionID, nil
}

// runReplay executes a single node against its dead-lettered payload.
func (r *Runtime) runReplay(ctx context.Context, graph *workflow.Graph, exec *runlog.Execution, node *workflow.Node, item *runlog.DLQItem) {
	select {
	case r.slots <- struct{}{}:
		defer func() { <-r.slots }()
	case <-ctx.Done():
		r.finishCancelled(exec)
		return
	}

	logger := r.logger.With(
		"execution_id", exec.ExecutionID,
		"workflow_id", exec.WorkflowID,
		"node_id", node.ID,
		"correlation_id", exec.CorrelationID)
	logger.Info("dlq replay started", "parent_execution_id", exec.ParentExecutionID)

	exec.Status = workflow.ExecutionRunning
	if err := r.store.PutExecution(ctx, exec); err != nil {
		logger.Warn("persist running status failed", "error", err)
	}

	// The payload is the resolved input from the failed run; parameter
	// resolution is bypassed by substituting it for the node's params.
	replayNode := *node
	replayNode.Params = staticParams(item.Payload)

	ec := &execContext{
		graph:      graph,
		exec:       exec,
		outputs:    make(map[string]any),
		branches:   make(map[string]string),
		idempotent: make(map[string]any),
	}
	outcome := r.runNode(ctx, ec, &replayNode)

	statuses := map[string]workflow.NodeStatus{node.ID: outcome.status}
	records := map[string]*runlog.NodeExecution{node.ID: outcome.record}
	r.aggregate(exec, statuses, records, &workflow.Graph{
		WorkflowID: exec.WorkflowID,
		Nodes:      []workflow.Node{replayNode},
	})
	if _, err := r.finish(ctx, exec, logger); err != nil {
		logger.Warn("persist replay result failed", "error", err)
	}
}

// staticParams rebuilds a params map from a captured payload.
func staticParams(payload any) map[string]workflow.ParamValue {
	resolved, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	params := make(map[string]workflow.ParamValue, len(resolved))
	for name, value := range resolved {
		params[name] = workflow.StaticParam(value)
	}
	return params
}
