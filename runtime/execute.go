package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/weftworks/weft/metrics"
	"github.com/weftworks/weft/runlog"
	"github.com/weftworks/weft/workflow"
)

// execContext is the shared state of one running execution. The scheduler
// goroutine owns statuses and branch selections; node workers read outputs
// under the lock and report back through the results channel.
type execContext struct {
	graph *workflow.Graph
	exec  *runlog.Execution

	mu       sync.RWMutex
	outputs  map[string]any
	branches map[string]string // branch node ID -> selected edge label

	idemMu     sync.Mutex
	idempotent map[string]any // nodeID \x00 key -> stored output
}

func (ec *execContext) output(nodeID string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out, ok := ec.outputs[nodeID]
	return out, ok
}

func (ec *execContext) setOutput(nodeID string, out any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.outputs[nodeID] = out
}

func (ec *execContext) selectBranch(nodeID, label string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.branches[nodeID] = label
}

func (ec *execContext) selectedBranch(nodeID string) string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.branches[nodeID]
}

// nodeOutcome is what a node worker reports back to the scheduler.
type nodeOutcome struct {
	nodeID string
	status workflow.NodeStatus
	output any
	record *runlog.NodeExecution
	err    error
}

// run drives one execution to a terminal status. It blocks until every
// scheduled node is terminal, then persists the aggregate record.
func (r *Runtime) run(ctx context.Context, graph *workflow.Graph, exec *runlog.Execution, in TriggerInput) (*runlog.Execution, error) {
	select {
	case r.slots <- struct{}{}:
		defer func() { <-r.slots }()
	case <-ctx.Done():
		return r.finishCancelled(exec)
	}

	logger := r.logger.With(
		"execution_id", exec.ExecutionID,
		"workflow_id", exec.WorkflowID,
		"correlation_id", exec.CorrelationID)
	logger.Info("execution started", "trigger_type", exec.TriggerType)

	exec.Status = workflow.ExecutionRunning
	if err := r.store.PutExecution(ctx, exec); err != nil {
		logger.Warn("persist running status failed", "error", err)
	}

	order, err := graph.TopoOrder()
	if err != nil {
		exec.Status = workflow.ExecutionFailed
		exec.Error = err.Error()
		exec.ErrorKind = workflow.KindValidation
		return r.finish(ctx, exec, logger)
	}
	reachable := graph.Reachable()
	deps := graph.Dependencies()
	trigger := graph.TriggerNode()

	ec := &execContext{
		graph:      graph,
		exec:       exec,
		outputs:    make(map[string]any, len(graph.Nodes)),
		branches:   make(map[string]string),
		idempotent: make(map[string]any),
	}

	statuses := make(map[string]workflow.NodeStatus, len(graph.Nodes))
	records := make(map[string]*runlog.NodeExecution, len(graph.Nodes))
	for _, n := range graph.Nodes {
		statuses[n.ID] = workflow.NodePending
	}

	// The trigger node completes immediately with the event payload.
	ec.setOutput(trigger.ID, in.Data)
	statuses[trigger.ID] = workflow.NodeSucceeded
	records[trigger.ID] = r.recordTrigger(ctx, ec, trigger, in.Data)

	results := make(chan nodeOutcome)
	inflight := 0

	for {
		if ctx.Err() == nil {
			for _, id := range order {
				if statuses[id] != workflow.NodePending {
					continue
				}
				if inflight >= r.maxParallelNodes {
					break
				}
				node := graph.NodeByID(id)
				if !reachable[id] {
					statuses[id] = workflow.NodeSkipped
					records[id] = r.recordSkipped(ctx, ec, node, "unreachable from trigger")
					continue
				}
				ready, skip, reason := r.dependencyState(ec, deps[id], statuses, id)
				if skip {
					statuses[id] = workflow.NodeSkipped
					records[id] = r.recordSkipped(ctx, ec, node, reason)
					continue
				}
				if !ready {
					continue
				}
				statuses[id] = workflow.NodeRunning
				inflight++
				go func(node *workflow.Node) {
					results <- r.runNode(ctx, ec, node)
				}(node)
			}
		} else {
			// Cancelled: nothing new starts; unstarted nodes are skipped.
			for _, id := range order {
				if statuses[id] == workflow.NodePending {
					statuses[id] = workflow.NodeSkipped
					records[id] = r.recordSkipped(ctx, ec, graph.NodeByID(id), "execution cancelled")
				}
			}
		}

		if inflight == 0 {
			if allTerminal(statuses) {
				break
			}
			if ctx.Err() != nil {
				break
			}
			// Remaining pending nodes became skippable; loop resolves them.
			continue
		}

		outcome := <-results
		inflight--
		statuses[outcome.nodeID] = outcome.status
		records[outcome.nodeID] = outcome.record
		if outcome.status == workflow.NodeSucceeded {
			ec.setOutput(outcome.nodeID, outcome.output)
			if branch, ok := outcome.output.(*branchOutput); ok {
				ec.selectBranch(outcome.nodeID, branch.Selected)
			}
		}
	}

	r.aggregate(exec, statuses, records, graph)
	if ctx.Err() != nil && exec.Status != workflow.ExecutionFailed {
		exec.Status = workflow.ExecutionFailed
		exec.Error = "execution cancelled"
		exec.ErrorKind = workflow.KindCancelled
	}
	return r.finish(ctx, exec, logger)
}

// dependencyState reports whether a node is ready to run, or must be
// skipped because an upstream node failed, dead-lettered, was skipped, or a
// branch deselected the edge leading here.
func (r *Runtime) dependencyState(ec *execContext, depIDs []string, statuses map[string]workflow.NodeStatus, nodeID string) (ready, skip bool, reason string) {
	for _, dep := range depIDs {
		status := statuses[dep]
		if !status.IsTerminal() {
			return false, false, ""
		}
		switch status {
		case workflow.NodeFailed, workflow.NodeDLQ:
			return false, true, "upstream node " + dep + " did not succeed"
		case workflow.NodeSkipped:
			return false, true, "upstream node " + dep + " was skipped"
		}
		if ec.graph.NodeByID(dep).Type.Role() == workflow.RoleBranch {
			label := edgeLabel(ec.graph, dep, nodeID)
			if label != "" && label != ec.selectedBranch(dep) {
				return false, true, "branch " + dep + " selected " + ec.selectedBranch(dep)
			}
		}
	}
	return true, false, ""
}

func edgeLabel(g *workflow.Graph, from, to string) string {
	for _, e := range g.Edges {
		if e.From == from && e.To == to {
			return e.Label
		}
	}
	return ""
}

func allTerminal(statuses map[string]workflow.NodeStatus) bool {
	for _, s := range statuses {
		if !s.IsTerminal() {
			return false
		}
	}
	return true
}

// aggregate folds node records into the execution's terminal status and
// metadata.
func (r *Runtime) aggregate(exec *runlog.Execution, statuses map[string]workflow.NodeStatus, records map[string]*runlog.NodeExecution, graph *workflow.Graph) {
	var failed, dlq, succeeded int
	for _, s := range statuses {
		switch s {
		case workflow.NodeFailed:
			failed++
		case workflow.NodeDLQ:
			dlq++
		case workflow.NodeSucceeded:
			succeeded++
		}
	}
	exec.CompletedNodes = succeeded
	exec.FailedNodes = failed + dlq

	switch {
	case failed > 0:
		exec.Status = workflow.ExecutionFailed
		for _, rec := range records {
			if rec != nil && rec.Status == workflow.NodeFailed {
				exec.Error = rec.Error
				exec.ErrorKind = rec.ErrorKind
				break
			}
		}
	case dlq > 0:
		exec.Status = workflow.ExecutionPartial
	default:
		exec.Status = workflow.ExecutionSucceeded
	}

	var meta runlog.ExecutionMetadata
	var nodeMs, nodeCount int64
	var llmNodes, cacheHits int
	for _, rec := range records {
		if rec == nil {
			continue
		}
		meta.RetryCount += len(rec.RetryHistory)
		meta.TotalCostUSD += rec.Metadata.CostUSD
		meta.TotalTokens += rec.Metadata.TokensUsed
		if rec.Metadata.CacheHit != nil {
			llmNodes++
			if *rec.Metadata.CacheHit {
				cacheHits++
			}
		}
		if rec.Status != workflow.NodeSkipped && rec.DurationMs > 0 {
			nodeMs += rec.DurationMs
			nodeCount++
		}
	}
	meta.LLMNodes = llmNodes
	if llmNodes > 0 {
		meta.CacheHitRate = float64(cacheHits) / float64(llmNodes)
	}
	if nodeCount > 0 {
		meta.AvgNodeMs = nodeMs / nodeCount
	}
	exec.Metadata = meta

	exec.FinalOutput = finalOutput(graph, statuses, records)
}

// finalOutput is the output of the succeeded leaf nodes: the single leaf's
// output directly, or a nodeID-keyed map when several leaves succeeded.
func finalOutput(graph *workflow.Graph, statuses map[string]workflow.NodeStatus, records map[string]*runlog.NodeExecution) any {
	hasOut := make(map[string]bool)
	for _, e := range graph.Edges {
		hasOut[e.From] = true
	}
	leaves := make(map[string]any)
	for _, n := range graph.Nodes {
		if hasOut[n.ID] || statuses[n.ID] != workflow.NodeSucceeded {
			continue
		}
		if rec := records[n.ID]; rec != nil {
			leaves[n.ID] = rec.Output
		}
	}
	if len(leaves) == 1 {
		for _, out := range leaves {
			return out
		}
	}
	if len(leaves) == 0 {
		return nil
	}
	return leaves
}

// finish persists the terminal execution record and emits metrics.
func (r *Runtime) finish(ctx context.Context, exec *runlog.Execution, logger *slog.Logger) (*runlog.Execution, error) {
	end := time.Now().UTC()
	exec.EndTime = &end
	exec.DurationMs = end.Sub(exec.StartTime).Milliseconds()

	// Terminal writes must land even when the run context was cancelled.
	if err := r.store.PutExecution(context.WithoutCancel(ctx), exec); err != nil {
		logger.Warn("persist terminal execution failed", "error", err)
		return exec, err
	}

	metrics.ExecutionsFinished.WithLabelValues(exec.Status.String()).Inc()
	metrics.ExecutionDuration.Observe(float64(exec.DurationMs) / 1000)
	logger.Info("execution finished",
		"status", exec.Status,
		"duration_ms", exec.DurationMs,
		"completed_nodes", exec.CompletedNodes,
		"failed_nodes", exec.FailedNodes,
		"total_cost_usd", exec.Metadata.TotalCostUSD)
	return exec, nil
}

// finishCancelled records an execution that was cancelled before a slot
// opened; no node ever ran.
func (r *Runtime) finishCancelled(exec *runlog.Execution) (*runlog.Execution, error) {
	exec.Status = workflow.ExecutionFailed
	exec.Error = "execution cancelled before start"
	exec.ErrorKind = workflow.KindCancelled
	end := time.Now().UTC()
	exec.EndTime = &end
	exec.DurationMs = end.Sub(exec.StartTime).Milliseconds()
	if err := r.store.PutExecution(context.Background(), exec); err != nil {
		return exec, err
	}
	metrics.ExecutionsFinished.WithLabelValues(exec.Status.String()).Inc()
	return exec, nil
}
