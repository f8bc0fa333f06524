// Package runtime executes workflow graphs: it schedules nodes in
// dependency order, resolves parameters, dispatches to connector, transform,
// branch, and LLM executors, and drives the per-node retry state machine.
// Execution and node records are persisted through runlog.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/weftworks/weft/ingress"
	"github.com/weftworks/weft/llm"
	"github.com/weftworks/weft/metrics"
	"github.com/weftworks/weft/retry"
	"github.com/weftworks/weft/runlog"
	"github.com/weftworks/weft/workflow"
)

// Scheduling defaults.
const (
	DefaultMaxParallelExecutions        = 100
	DefaultMaxParallelNodesPerExecution = 4
	DefaultNodeTimeout                  = 60 * time.Second
)

// TriggerInput is the event payload that starts an execution.
type TriggerInput struct {
	// Type is "webhook", "polling", or "manual".
	Type string

	// Data seeds the trigger node's output.
	Data any

	// CorrelationID is generated when empty.
	CorrelationID string

	// UserID scopes rate limits and LLM budgets.
	UserID string

	// ParentExecutionID links a retry to the execution it replays.
	ParentExecutionID string
}

// Runtime executes workflows. It is safe for concurrent use; distinct
// executions run in parallel up to the configured cap.
type Runtime struct {
	workflows   WorkflowStore
	store       runlog.Store
	resolver    workflow.TypeResolver
	invoker     ConnectorInvoker
	credentials CredentialSource
	shell       *llm.Shell
	logger      *slog.Logger

	maxParallelNodes int
	nodeTimeout      time.Duration
	defaultPolicy    retry.Policy

	slots chan struct{}
	wg    sync.WaitGroup

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithMaxParallelExecutions caps concurrently running executions.
func WithMaxParallelExecutions(n int) RuntimeOption {
	return func(r *Runtime) {
		if n > 0 {
			r.slots = make(chan struct{}, n)
		}
	}
}

// WithMaxParallelNodes caps concurrently running nodes within one execution.
func WithMaxParallelNodes(n int) RuntimeOption {
	return func(r *Runtime) {
		if n > 0 {
			r.maxParallelNodes = n
		}
	}
}

// WithNodeTimeout sets the per-node attempt timeout.
func WithNodeTimeout(d time.Duration) RuntimeOption {
	return func(r *Runtime) {
		if d > 0 {
			r.nodeTimeout = d
		}
	}
}

// WithDefaultRetryPolicy sets the platform retry defaults. Node-level
// policies merge over these.
func WithDefaultRetryPolicy(p retry.Policy) RuntimeOption {
	return func(r *Runtime) {
		r.defaultPolicy = p
	}
}

// WithRuntimeLogger sets the logger.
func WithRuntimeLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// WithCredentials sets the credential source for connector invocations.
func WithCredentials(src CredentialSource) RuntimeOption {
	return func(r *Runtime) {
		r.credentials = src
	}
}

// New creates a Runtime over its collaborating services.
func New(workflows WorkflowStore, store runlog.Store, resolver workflow.TypeResolver, invoker ConnectorInvoker, shell *llm.Shell, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		workflows:        workflows,
		store:            store,
		resolver:         resolver,
		invoker:          invoker,
		credentials:      StaticCredentials{},
		shell:            shell,
		logger:           slog.Default(),
		maxParallelNodes: DefaultMaxParallelNodesPerExecution,
		nodeTimeout:      DefaultNodeTimeout,
		defaultPolicy:    retry.DefaultPolicy(),
		slots:            make(chan struct{}, DefaultMaxParallelExecutions),
		cancels:          make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ ingress.EventSink = (*Runtime)(nil)

// Handle starts an execution for a trigger event. It implements
// ingress.EventSink; webhook deliveries and polling events land here.
func (r *Runtime) Handle(ctx context.Context, event *ingress.TriggerEvent) error {
	data := event.Payload
	if data == nil && len(event.RawBody) > 0 {
		// Webhook deliveries carry the raw body; parse it here so the
		// trigger node exposes structured data to ref params. Non-JSON
		// bodies pass through as a string.
		var parsed any
		if err := json.Unmarshal(event.RawBody, &parsed); err == nil {
			data = parsed
		} else {
			data = string(event.RawBody)
		}
	}
	_, err := r.Submit(ctx, event.WorkflowID, TriggerInput{
		Type:          string(event.Type),
		Data:          data,
		CorrelationID: event.CorrelationID,
	})
	return err
}

// Submit validates the workflow, persists a pending execution record, and
// starts the run in the background. It returns the new execution ID.
func (r *Runtime) Submit(ctx context.Context, workflowID string, in TriggerInput) (string, error) {
	graph, exec, err := r.prepare(ctx, workflowID, in)
	if err != nil {
		return "", err
	}

	// The run outlives the submitting request.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.registerCancel(exec.ExecutionID, cancel)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.unregisterCancel(exec.ExecutionID)
		defer cancel()
		if _, err := r.run(runCtx, graph, exec, in); err != nil {
			r.logger.Error("execution failed to run",
				"execution_id", exec.ExecutionID,
				"workflow_id", workflowID,
				"error", err)
		}
	}()
	return exec.ExecutionID, nil
}

// Execute runs a workflow synchronously and returns the terminal execution
// record. Manual runs and tests use it; triggers go through Submit.
func (r *Runtime) Execute(ctx context.Context, workflowID string, in TriggerInput) (*runlog.Execution, error) {
	graph, exec, err := r.prepare(ctx, workflowID, in)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.registerCancel(exec.ExecutionID, cancel)
	defer r.unregisterCancel(exec.ExecutionID)
	defer cancel()
	return r.run(runCtx, graph, exec, in)
}

// Cancel requests cancellation of a running execution. In-flight node calls
// stop at their next suspension point; completed side effects stay.
func (r *Runtime) Cancel(executionID string) bool {
	r.cancelMu.Lock()
	cancel, ok := r.cancels[executionID]
	r.cancelMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until every background execution finishes. Shutdown calls it
// after cancelling.
func (r *Runtime) Wait() {
	r.wg.Wait()
}

// Shutdown cancels every running execution and waits for them to drain.
func (r *Runtime) Shutdown() {
	r.cancelMu.Lock()
	for _, cancel := range r.cancels {
		cancel()
	}
	r.cancelMu.Unlock()
	r.wg.Wait()
}

// prepare loads and validates the graph and persists the pending record.
func (r *Runtime) prepare(ctx context.Context, workflowID string, in TriggerInput) (*workflow.Graph, *runlog.Execution, error) {
	graph, err := r.workflows.GetGraph(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	if err := graph.Validate(r.resolver); err != nil {
		return nil, nil, workflow.NewKindedError(workflow.KindValidation, err)
	}

	correlationID := in.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	triggerType := in.Type
	if triggerType == "" {
		triggerType = "manual"
	}

	exec := &runlog.Execution{
		ExecutionID:       ulid.Make().String(),
		WorkflowID:        workflowID,
		UserID:            in.UserID,
		Status:            workflow.ExecutionPending,
		StartTime:         time.Now().UTC(),
		TriggerType:       triggerType,
		TriggerData:       in.Data,
		TotalNodes:        len(graph.Nodes),
		CorrelationID:     correlationID,
		ParentExecutionID: in.ParentExecutionID,
	}
	if err := r.store.PutExecution(ctx, exec); err != nil {
		return nil, nil, fmt.Errorf("persist execution: %w", err)
	}
	metrics.ExecutionsStarted.WithLabelValues(triggerType).Inc()
	return graph, exec, nil
}

func (r *Runtime) registerCancel(executionID string, cancel context.CancelFunc) {
	r.cancelMu.Lock()
	r.cancels[executionID] = cancel
	r.cancelMu.Unlock()
}

func (r *Runtime) unregisterCancel(executionID string) {
	r.cancelMu.Lock()
	delete(r.cancels, executionID)
	r.cancelMu.Unlock()
}

// ConnectorPoller adapts the connector invoker to the polling scheduler:
// each poll invokes the trigger operation and expects a JSON array of items.
func ConnectorPoller(invoker ConnectorInvoker, credentials CredentialSource) ingress.Poller {
	return ingress.PollerFunc(func(ctx context.Context, trigger *ingress.PollingTrigger) ([]map[string]any, error) {
		creds, err := credentials.Credentials(ctx, trigger.WorkflowID, trigger.AppID)
		if err != nil {
			return nil, fmt.Errorf("resolve credentials for %s: %w", trigger.AppID, err)
		}
		params := make(map[string]any, len(trigger.Metadata))
		for k, v := range trigger.Metadata {
			params[k] = v
		}
		res, err := invoker.Invoke(ctx, trigger.AppID, trigger.TriggerID, params, creds, InvokeContext{
			CorrelationID: uuid.NewString(),
		})
		if err != nil {
			return nil, err
		}
		items, ok := res.Output.([]any)
		if !ok {
			return nil, fmt.Errorf("poll %s:%s returned %T, want an array", trigger.AppID, trigger.TriggerID, res.Output)
		}
		out := make([]map[string]any, 0, len(items))
		for _, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				obj = map[string]any{"value": item}
			}
			out = append(out, obj)
		}
		return out, nil
	})
}
