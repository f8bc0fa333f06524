package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/weftworks/weft/llm"
	"github.com/weftworks/weft/metrics"
	"github.com/weftworks/weft/retry"
	"github.com/weftworks/weft/runlog"
	"github.com/weftworks/weft/workflow"
)

// recordTrigger persists the trigger node's record: it succeeds immediately
// with the event payload as output.
func (r *Runtime) recordTrigger(ctx context.Context, ec *execContext, node *workflow.Node, data any) *runlog.NodeExecution {
	now := time.Now().UTC()
	rec := &runlog.NodeExecution{
		ExecutionID:   ec.exec.ExecutionID,
		NodeID:        node.ID,
		NodeType:      string(node.Type),
		Status:        workflow.NodeSucceeded,
		StartTime:     now,
		EndTime:       &now,
		Attempt:       1,
		MaxAttempts:   1,
		Output:        data,
		CorrelationID: ec.exec.CorrelationID,
	}
	r.putNode(ctx, rec)
	return rec
}

// recordSkipped persists a record for a node a branch or failure deselected.
func (r *Runtime) recordSkipped(ctx context.Context, ec *execContext, node *workflow.Node, reason string) *runlog.NodeExecution {
	now := time.Now().UTC()
	rec := &runlog.NodeExecution{
		ExecutionID:   ec.exec.ExecutionID,
		NodeID:        node.ID,
		NodeType:      string(node.Type),
		Status:        workflow.NodeSkipped,
		StartTime:     now,
		EndTime:       &now,
		Error:         reason,
		CorrelationID: ec.exec.CorrelationID,
	}
	r.putNode(ctx, rec)
	return rec
}

func (r *Runtime) putNode(ctx context.Context, rec *runlog.NodeExecution) {
	if err := r.store.PutNodeExecution(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warn("persist node execution failed",
			"execution_id", rec.ExecutionID,
			"node_id", rec.NodeID,
			"error", err)
	}
}

// runNode drives one node through its attempt loop. Each failed attempt
// consults the retry policy; exhaustion moves the attempt to the DLQ.
func (r *Runtime) runNode(ctx context.Context, ec *execContext, node *workflow.Node) nodeOutcome {
	role, _, _, err := node.Type.Parse()
	if err != nil {
		// Validate catches this; a record is still written for the timeline.
		role = workflow.RoleAction
	}
	policy := retry.FromNode(r.defaultPolicy, node.RetryPolicy)

	rec := &runlog.NodeExecution{
		ExecutionID:   ec.exec.ExecutionID,
		NodeID:        node.ID,
		NodeType:      string(node.Type),
		Status:        workflow.NodeRunning,
		StartTime:     time.Now().UTC(),
		Attempt:       1,
		MaxAttempts:   policy.MaxAttempts,
		CorrelationID: ec.exec.CorrelationID,
	}
	r.putNode(ctx, rec)

	logger := r.logger.With(
		"execution_id", ec.exec.ExecutionID,
		"node_id", node.ID,
		"node_type", node.Type,
		"correlation_id", ec.exec.CorrelationID)

	var firstFailure time.Time
	for {
		output, err := r.attempt(ctx, ec, node, role, rec)
		if err == nil {
			now := time.Now().UTC()
			rec.Status = workflow.NodeSucceeded
			rec.EndTime = &now
			rec.DurationMs = now.Sub(rec.StartTime).Milliseconds()
			rec.Output = output
			rec.Error = ""
			rec.ErrorKind = ""
			r.putNode(ctx, rec)
			metrics.NodeAttempts.WithLabelValues(string(role), "succeeded").Inc()
			return nodeOutcome{nodeID: node.ID, status: rec.Status, output: output, record: rec}
		}

		metrics.NodeAttempts.WithLabelValues(string(role), "failed").Inc()
		if firstFailure.IsZero() {
			firstFailure = time.Now().UTC()
		}
		rec.Error = err.Error()
		rec.ErrorKind = workflow.KindOf(err)

		if ctx.Err() != nil {
			return r.failCancelled(ctx, node, rec, logger)
		}

		decision := policy.Decide(rec.Attempt, err)
		switch {
		case decision.Retry:
			rec.RetryHistory = append(rec.RetryHistory, runlog.RetryRecord{
				Attempt:   rec.Attempt,
				Error:     err.Error(),
				ErrorKind: workflow.KindOf(err),
				At:        time.Now().UTC(),
				DelayMs:   decision.Delay.Milliseconds(),
			})
			rec.Status = workflow.NodeRetrying
			r.putNode(ctx, rec)
			logger.Warn("node attempt failed, retrying",
				"attempt", rec.Attempt,
				"delay_ms", decision.Delay.Milliseconds(),
				"error", err)

			select {
			case <-time.After(decision.Delay):
			case <-ctx.Done():
				return r.failCancelled(ctx, node, rec, logger)
			}
			rec.Attempt++
			rec.Status = workflow.NodeRunning
			r.putNode(ctx, rec)

		case decision.DLQ:
			now := time.Now().UTC()
			rec.Status = workflow.NodeDLQ
			rec.EndTime = &now
			rec.DurationMs = now.Sub(rec.StartTime).Milliseconds()
			r.putNode(ctx, rec)
			r.writeDLQ(ctx, ec, node, rec, err, firstFailure)
			logger.Error("node moved to dead-letter queue",
				"attempts", rec.Attempt,
				"error", err)
			return nodeOutcome{nodeID: node.ID, status: rec.Status, record: rec, err: err}

		default:
			now := time.Now().UTC()
			rec.Status = workflow.NodeFailed
			rec.EndTime = &now
			rec.DurationMs = now.Sub(rec.StartTime).Milliseconds()
			r.putNode(ctx, rec)
			logger.Error("node failed terminally",
				"attempt", rec.Attempt,
				"error_kind", rec.ErrorKind,
				"error", err)
			return nodeOutcome{nodeID: node.ID, status: rec.Status, record: rec, err: err}
		}
	}
}

// failCancelled marks a node that was interrupted by cancellation.
func (r *Runtime) failCancelled(ctx context.Context, node *workflow.Node, rec *runlog.NodeExecution, logger *slog.Logger) nodeOutcome {
	now := time.Now().UTC()
	rec.Status = workflow.NodeFailed
	rec.EndTime = &now
	rec.DurationMs = now.Sub(rec.StartTime).Milliseconds()
	rec.ErrorKind = workflow.KindCancelled
	if rec.Error == "" {
		rec.Error = "execution cancelled"
	}
	rec.Metadata.Cancelled = true
	r.putNode(ctx, rec)
	logger.Warn("node cancelled", "attempt", rec.Attempt)
	return nodeOutcome{nodeID: node.ID, status: rec.Status, record: rec}
}

// writeDLQ persists the dead-letter item with the resolved input so a manual
// replay can re-run the node verbatim.
func (r *Runtime) writeDLQ(ctx context.Context, ec *execContext, node *workflow.Node, rec *runlog.NodeExecution, cause error, firstFailure time.Time) {
	item := &runlog.DLQItem{
		ExecutionID:   ec.exec.ExecutionID,
		WorkflowID:    ec.exec.WorkflowID,
		NodeID:        node.ID,
		LastError:     cause.Error(),
		Attempts:      rec.Attempt,
		FirstFailedAt: firstFailure,
		LastFailedAt:  time.Now().UTC(),
		Payload:       rec.Input,
	}
	if after := workflow.RetryableAfter(cause); after > 0 {
		at := time.Now().UTC().Add(time.Duration(after) * time.Second)
		item.RetryableAfter = &at
	}
	if err := r.store.PutDLQ(context.WithoutCancel(ctx), item); err != nil {
		r.logger.Warn("persist dlq item failed",
			"execution_id", item.ExecutionID,
			"node_id", item.NodeID,
			"error", err)
		return
	}
	metrics.DLQDepth.Inc()
}

// attempt resolves parameters and invokes the node's executor once.
func (r *Runtime) attempt(ctx context.Context, ec *execContext, node *workflow.Node, role workflow.NodeRole, rec *runlog.NodeExecution) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.nodeTimeout)
	defer cancel()

	params, err := r.resolveParams(attemptCtx, ec, node, &rec.Metadata)
	if err != nil {
		return nil, err
	}
	rec.Input = params

	if node.IdempotencyKey != "" {
		key, err := renderTemplate(node.IdempotencyKey, params)
		if err != nil {
			return nil, err
		}
		rec.Metadata.IdempotencyKey = key
		ec.idemMu.Lock()
		stored, hit := ec.idempotent[node.ID+"\x00"+key]
		ec.idemMu.Unlock()
		if hit {
			return stored, nil
		}
		output, err := r.dispatch(attemptCtx, ec, node, role, params, rec)
		if err != nil {
			return nil, err
		}
		ec.idemMu.Lock()
		ec.idempotent[node.ID+"\x00"+key] = output
		ec.idemMu.Unlock()
		return output, nil
	}

	return r.dispatch(attemptCtx, ec, node, role, params, rec)
}

// dispatch routes one invocation to the executor for the node's role.
func (r *Runtime) dispatch(ctx context.Context, ec *execContext, node *workflow.Node, role workflow.NodeRole, params map[string]any, rec *runlog.NodeExecution) (any, error) {
	_, app, operation, err := node.Type.Parse()
	if err != nil {
		return nil, workflow.NewKindedError(workflow.KindValidation, err)
	}

	switch role {
	case workflow.RoleAction:
		creds, err := r.credentials.Credentials(ctx, ec.exec.WorkflowID, app)
		if err != nil {
			return nil, workflow.NewKindedError(workflow.KindCredential, err)
		}
		res, err := r.invoker.Invoke(ctx, app, operation, params, creds, InvokeContext{
			CorrelationID: ec.exec.CorrelationID,
			ExecutionID:   ec.exec.ExecutionID,
			NodeID:        node.ID,
			UserID:        ec.exec.UserID,
		})
		if err != nil {
			return nil, err
		}
		rec.Metadata.CostUSD += res.CostUSD
		rec.Metadata.TokensUsed += res.TokensUsed
		rec.Metadata.HTTPStatusCode = res.HTTPStatusCode
		rec.Metadata.Headers = res.Headers
		return res.Output, nil

	case workflow.RoleTransform:
		return runTransform(operation, params)

	case workflow.RoleBranch:
		return runBranch(operation, params, ec.graph.OutgoingEdges(node.ID))

	case workflow.RoleLLM:
		return r.callLLMNode(ctx, ec, params, rec)

	default:
		return nil, workflow.Errorf(workflow.KindValidation, "node %q has unexecutable role %q", node.ID, role)
	}
}

// callLLMNode runs an llm-role node through the call shell.
func (r *Runtime) callLLMNode(ctx context.Context, ec *execContext, params map[string]any, rec *runlog.NodeExecution) (any, error) {
	spec := llm.CallSpec{
		Provider:   stringParam(params, "provider"),
		Model:      stringParam(params, "model"),
		MaxTokens:  intParam(params, "maxTokens"),
		UserID:     ec.exec.UserID,
		WorkflowID: ec.exec.WorkflowID,
	}
	if spec.Provider == "" || spec.Model == "" {
		return nil, workflow.Errorf(workflow.KindValidation, "llm node requires provider and model")
	}
	prompt := stringParam(params, "prompt")
	if prompt == "" {
		return nil, workflow.Errorf(workflow.KindValidation, "llm node requires a prompt")
	}
	if system := stringParam(params, "system"); system != "" {
		spec.Messages = append(spec.Messages, llm.Message{Role: "system", Content: system})
	}
	spec.Messages = append(spec.Messages, llm.Message{Role: "user", Content: prompt})
	if temp, ok := params["temperature"].(float64); ok {
		spec.Temperature = &temp
	}
	if schema, ok := params["jsonSchema"]; ok && schema != nil {
		raw, err := json.Marshal(schema)
		if err != nil {
			return nil, workflow.NewKindedError(workflow.KindValidation, err)
		}
		spec.JSONSchema = raw
	}
	spec.CacheTTLSec = intParam(params, "cacheTtlSec")

	result, err := r.shellCall(ctx, spec, &rec.Metadata)
	if err != nil {
		return nil, err
	}
	return result.Value(), nil
}

// resolveParams materializes every node parameter: statics pass through,
// refs evaluate against upstream outputs, llm params call the shell.
func (r *Runtime) resolveParams(ctx context.Context, ec *execContext, node *workflow.Node, meta *runlog.NodeMetadata) (map[string]any, error) {
	params := make(map[string]any, len(node.Params))
	for name, p := range node.Params {
		switch p.Kind {
		case workflow.ParamStatic:
			params[name] = p.Static

		case workflow.ParamRef:
			source, ok := ec.output(p.Ref.NodeID)
			if !ok {
				return nil, workflow.Errorf(workflow.KindValidation,
					"param %q references node %q with no output", name, p.Ref.NodeID)
			}
			value, err := workflow.ResolvePath(source, p.Ref.Path)
			if err != nil {
				return nil, workflow.Errorf(workflow.KindValidation,
					"param %q path %q against node %q: %v", name, p.Ref.Path, p.Ref.NodeID, err)
			}
			params[name] = value

		case workflow.ParamLLM:
			spec := llm.CallSpec{
				Provider:    p.LLM.Provider,
				Model:       p.LLM.Model,
				Temperature: p.LLM.Temperature,
				MaxTokens:   p.LLM.MaxTokens,
				JSONSchema:  p.LLM.JSONSchema,
				CacheTTLSec: p.LLM.CacheTTLSec,
				UserID:      ec.exec.UserID,
				WorkflowID:  ec.exec.WorkflowID,
			}
			if p.LLM.System != "" {
				spec.Messages = append(spec.Messages, llm.Message{Role: "system", Content: p.LLM.System})
			}
			spec.Messages = append(spec.Messages, llm.Message{Role: "user", Content: p.LLM.Prompt})
			result, err := r.shellCall(ctx, spec, meta)
			if err != nil {
				return nil, fmt.Errorf("param %q: %w", name, err)
			}
			params[name] = result.Value()

		default:
			return nil, workflow.Errorf(workflow.KindValidation, "param %q has unknown kind %q", name, p.Kind)
		}
	}
	return params, nil
}

// shellCall runs one LLM call and folds its accounting into node metadata.
func (r *Runtime) shellCall(ctx context.Context, spec llm.CallSpec, meta *runlog.NodeMetadata) (*llm.CallResult, error) {
	if r.shell == nil {
		return nil, workflow.Errorf(workflow.KindValidation, "no LLM shell configured")
	}
	result, err := r.shell.Call(ctx, spec)
	if err != nil {
		return nil, err
	}

	meta.CostUSD += result.CostUSD
	meta.TokensUsed += result.Usage.TotalTokens
	if meta.CacheHit == nil {
		hit := result.CacheHit
		meta.CacheHit = &hit
	} else {
		all := *meta.CacheHit && result.CacheHit
		meta.CacheHit = &all
	}
	if result.FallbackFrom != "" {
		meta.FallbackModel = result.Provider + "/" + result.Model
	}

	if result.CacheHit {
		metrics.LLMCalls.WithLabelValues("hit").Inc()
	} else {
		metrics.LLMCalls.WithLabelValues("miss").Inc()
	}
	metrics.LLMCostUSD.Add(result.CostUSD)
	return result, nil
}

func stringParam(params map[string]any, name string) string {
	s, _ := params[name].(string)
	return s
}

func intParam(params map[string]any, name string) int {
	switch v := params[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return int(n)
	default:
		return 0
	}
}
