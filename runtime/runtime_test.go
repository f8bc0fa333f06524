package runtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/weftworks/weft/llm"
	"github.com/weftworks/weft/llm/providers"
	"github.com/weftworks/weft/retry"
	"github.com/weftworks/weft/runlog"
	"github.com/weftworks/weft/runtime"
	"github.com/weftworks/weft/workflow"
)

// fastPolicy keeps retry waits out of test runtime.
func fastPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.InitialBackoff = time.Millisecond
	p.MaxBackoff = 5 * time.Millisecond
	p.Jitter = retry.JitterNone
	return p
}

type env struct {
	rt        *runtime.Runtime
	store     *runlog.MemoryStore
	workflows *runtime.MemoryWorkflowStore
}

func newEnv(t *testing.T, invoker runtime.ConnectorInvoker, shell *llm.Shell, opts ...runtime.RuntimeOption) *env {
	t.Helper()
	store := runlog.NewMemoryStore()
	workflows := runtime.NewMemoryWorkflowStore()
	opts = append([]runtime.RuntimeOption{runtime.WithDefaultRetryPolicy(fastPolicy())}, opts...)
	rt := runtime.New(workflows, store, nil, invoker, shell, opts...)
	return &env{rt: rt, store: store, workflows: workflows}
}

func (e *env) put(t *testing.T, g *workflow.Graph) {
	t.Helper()
	if err := e.workflows.PutGraph(context.Background(), g); err != nil {
		t.Fatal(err)
	}
}

func (e *env) node(t *testing.T, executionID, nodeID string) *runlog.NodeExecution {
	t.Helper()
	rec, err := e.store.GetNodeExecution(context.Background(), executionID, nodeID)
	if err != nil {
		t.Fatalf("node %s: %v", nodeID, err)
	}
	return rec
}

func echoInvoker(calls *atomic.Int64) runtime.ConnectorInvoker {
	return runtime.InvokerFunc(func(_ context.Context, appID, operationID string, params map[string]any, _ runtime.Credentials, _ runtime.InvokeContext) (*runtime.InvokeResult, error) {
		if calls != nil {
			calls.Add(1)
		}
		return &runtime.InvokeResult{
			Output:         map[string]any{"app": appID, "operation": operationID, "params": params},
			HTTPStatusCode: http.StatusOK,
		}, nil
	})
}

// Scenario: a webhook event flows through a ref parameter into a connector
// call and the execution succeeds end to end.
func TestExecuteRefParamFlow(t *testing.T) {
	var calls atomic.Int64
	e := newEnv(t, echoInvoker(&calls), nil)
	e.put(t, &workflow.Graph{
		WorkflowID: "wf-email",
		Nodes: []workflow.Node{
			{ID: "trigger", Type: "trigger.gmail:new_email"},
			{ID: "append", Type: "action.sheets:append_row", Params: map[string]workflow.ParamValue{
				"spreadsheetId": workflow.StaticParam("sheet-1"),
				"subject":       workflow.RefParamValue("trigger", "$.subject"),
			}},
		},
		Edges: []workflow.Edge{{From: "trigger", To: "append"}},
	})

	exec, err := e.rt.Execute(t.Context(), "wf-email", runtime.TriggerInput{
		Type: "webhook",
		Data: map[string]any{"subject": "invoice #42", "from": "a@b.c"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if exec.Status != workflow.ExecutionSucceeded {
		t.Fatalf("status = %s, want succeeded (error: %s)", exec.Status, exec.Error)
	}
	if exec.CompletedNodes != 2 || exec.FailedNodes != 0 {
		t.Errorf("completed = %d, failed = %d", exec.CompletedNodes, exec.FailedNodes)
	}
	if calls.Load() != 1 {
		t.Errorf("invoker called %d times, want 1", calls.Load())
	}

	rec := e.node(t, exec.ExecutionID, "append")
	input, ok := rec.Input.(map[string]any)
	if !ok {
		t.Fatalf("input = %T", rec.Input)
	}
	if input["subject"] != "invoice #42" {
		t.Errorf("resolved subject = %v", input["subject"])
	}
	if rec.CorrelationID != exec.CorrelationID {
		t.Errorf("node correlation %q != execution correlation %q", rec.CorrelationID, exec.CorrelationID)
	}
	if exec.FinalOutput == nil {
		t.Errorf("final output is nil")
	}
}

// Scenario: a connector returning 500 on every attempt exhausts three
// attempts, records two retries, and lands in the DLQ; the execution is
// partial.
func TestExecuteRetryExhaustionToDLQ(t *testing.T) {
	var calls atomic.Int64
	failing := runtime.InvokerFunc(func(context.Context, string, string, map[string]any, runtime.Credentials, runtime.InvokeContext) (*runtime.InvokeResult, error) {
		calls.Add(1)
		return nil, workflow.Errorf(workflow.KindTransient, "upstream returned 500")
	})
	e := newEnv(t, failing, nil)
	e.put(t, &workflow.Graph{
		WorkflowID: "wf-flaky",
		Nodes: []workflow.Node{
			{ID: "trigger", Type: "trigger.core:webhook"},
			{ID: "post", Type: "action.slack:post_message"},
		},
		Edges: []workflow.Edge{{From: "trigger", To: "post"}},
	})

	exec, err := e.rt.Execute(t.Context(), "wf-flaky", runtime.TriggerInput{Type: "webhook", Data: map[string]any{}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if exec.Status != workflow.ExecutionPartial {
		t.Fatalf("status = %s, want partial", exec.Status)
	}
	if calls.Load() != 3 {
		t.Errorf("invoker called %d times, want 3", calls.Load())
	}

	rec := e.node(t, exec.ExecutionID, "post")
	if rec.Status != workflow.NodeDLQ {
		t.Errorf("node status = %s, want dlq", rec.Status)
	}
	if rec.Attempt != 3 {
		t.Errorf("attempt = %d, want 3", rec.Attempt)
	}
	if len(rec.RetryHistory) != 2 {
		t.Fatalf("retry history length = %d, want 2", len(rec.RetryHistory))
	}
	if len(rec.RetryHistory)+1 != rec.Attempt {
		t.Errorf("history %d + 1 != attempt %d", len(rec.RetryHistory), rec.Attempt)
	}
	if exec.Metadata.RetryCount != 2 {
		t.Errorf("execution retry count = %d, want 2", exec.Metadata.RetryCount)
	}

	item, err := e.store.GetDLQ(context.Background(), exec.ExecutionID, "post")
	if err != nil {
		t.Fatalf("dlq item: %v", err)
	}
	if item.Attempts != 3 || item.WorkflowID != "wf-flaky" {
		t.Errorf("dlq item = %+v", item)
	}
}

// A non-retryable failure marks the node failed (not DLQ) and the execution
// failed with the node's error kind.
func TestExecuteValidationErrorFailsExecution(t *testing.T) {
	rejecting := runtime.InvokerFunc(func(context.Context, string, string, map[string]any, runtime.Credentials, runtime.InvokeContext) (*runtime.InvokeResult, error) {
		return nil, workflow.Errorf(workflow.KindValidation, "missing required field")
	})
	e := newEnv(t, rejecting, nil)
	e.put(t, &workflow.Graph{
		WorkflowID: "wf-bad",
		Nodes: []workflow.Node{
			{ID: "trigger", Type: "trigger.core:webhook"},
			{ID: "act", Type: "action.slack:post_message"},
			{ID: "after", Type: "action.slack:post_message"},
		},
		Edges: []workflow.Edge{{From: "trigger", To: "act"}, {From: "act", To: "after"}},
	})

	exec, err := e.rt.Execute(t.Context(), "wf-bad", runtime.TriggerInput{Data: map[string]any{}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != workflow.ExecutionFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if exec.ErrorKind != workflow.KindValidation {
		t.Errorf("error kind = %s", exec.ErrorKind)
	}
	if rec := e.node(t, exec.ExecutionID, "act"); rec.Status != workflow.NodeFailed {
		t.Errorf("act status = %s, want failed", rec.Status)
	}
	// Downstream of the failure never runs.
	if rec := e.node(t, exec.ExecutionID, "after"); rec.Status != workflow.NodeSkipped {
		t.Errorf("after status = %s, want skipped", rec.Status)
	}
}

// A branch selects one outgoing edge by label; the other path is skipped
// without failing the execution.
func TestExecuteBranchSelectsEdge(t *testing.T) {
	var calls atomic.Int64
	e := newEnv(t, echoInvoker(&calls), nil)
	e.put(t, &workflow.Graph{
		WorkflowID: "wf-branch",
		Nodes: []workflow.Node{
			{ID: "trigger", Type: "trigger.core:webhook"},
			{ID: "route", Type: "branch.core:switch", Params: map[string]workflow.ParamValue{
				"value": workflow.RefParamValue("trigger", "$.kind"),
			}},
			{ID: "urgent", Type: "action.slack:post_message"},
			{ID: "routine", Type: "action.sheets:append_row"},
		},
		Edges: []workflow.Edge{
			{From: "trigger", To: "route"},
			{From: "route", To: "urgent", Label: "urgent"},
			{From: "route", To: "routine", Label: "routine"},
		},
	})

	exec, err := e.rt.Execute(t.Context(), "wf-branch", runtime.TriggerInput{
		Data: map[string]any{"kind": "urgent"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != workflow.ExecutionSucceeded {
		t.Fatalf("status = %s, want succeeded (error: %s)", exec.Status, exec.Error)
	}
	if rec := e.node(t, exec.ExecutionID, "urgent"); rec.Status != workflow.NodeSucceeded {
		t.Errorf("urgent status = %s, want succeeded", rec.Status)
	}
	if rec := e.node(t, exec.ExecutionID, "routine"); rec.Status != workflow.NodeSkipped {
		t.Errorf("routine status = %s, want skipped", rec.Status)
	}
	if calls.Load() != 1 {
		t.Errorf("invoker called %d times, want 1", calls.Load())
	}
}

func openAIStub(t *testing.T, calls *atomic.Int64, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body := map[string]any{
			"model": "test-model",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}))
}

func newShell(t *testing.T, serverURL string, opts ...llm.ShellOption) *llm.Shell {
	t.Helper()
	reg := llm.NewEndpointRegistry()
	reg.Register(llm.Endpoint{Provider: "ollama", Model: "test-model", BaseURL: serverURL})
	return llm.NewShell(llm.NewClient(reg, llm.WithProviders(providers.Ollama())), opts...)
}

func llmNode(id, prompt string) workflow.Node {
	return workflow.Node{ID: id, Type: "llm.core:generate", Params: map[string]workflow.ParamValue{
		"provider": workflow.StaticParam("ollama"),
		"model":    workflow.StaticParam("test-model"),
		"prompt":   workflow.StaticParam(prompt),
	}}
}

// Scenario: two llm nodes with identical requests; the second is served from
// the fingerprint cache and the execution's cache hit rate reflects it.
func TestExecuteLLMCacheHit(t *testing.T) {
	var upstream atomic.Int64
	server := openAIStub(t, &upstream, "summary text")
	defer server.Close()

	e := newEnv(t, echoInvoker(nil), newShell(t, server.URL))
	first := llmNode("summarize", "summarize this")
	second := llmNode("summarize_again", "summarize this")
	e.put(t, &workflow.Graph{
		WorkflowID: "wf-llm",
		Nodes: []workflow.Node{
			{ID: "trigger", Type: "trigger.core:webhook"},
			first,
			second,
		},
		Edges: []workflow.Edge{
			{From: "trigger", To: "summarize"},
			{From: "summarize", To: "summarize_again"},
		},
	})

	exec, err := e.rt.Execute(t.Context(), "wf-llm", runtime.TriggerInput{Data: map[string]any{}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != workflow.ExecutionSucceeded {
		t.Fatalf("status = %s, want succeeded (error: %s)", exec.Status, exec.Error)
	}
	if upstream.Load() != 1 {
		t.Errorf("upstream called %d times, want 1", upstream.Load())
	}

	recFirst := e.node(t, exec.ExecutionID, "summarize")
	if recFirst.Metadata.CacheHit == nil || *recFirst.Metadata.CacheHit {
		t.Errorf("first llm node cacheHit = %v, want false", recFirst.Metadata.CacheHit)
	}
	recSecond := e.node(t, exec.ExecutionID, "summarize_again")
	if recSecond.Metadata.CacheHit == nil || !*recSecond.Metadata.CacheHit {
		t.Errorf("second llm node cacheHit = %v, want true", recSecond.Metadata.CacheHit)
	}
	if recSecond.Output != "summary text" {
		t.Errorf("second output = %v", recSecond.Output)
	}
	// The cached node bills nothing; only the upstream call carries cost.
	if recSecond.Metadata.CostUSD != 0 {
		t.Errorf("cached llm node cost = %v, want 0", recSecond.Metadata.CostUSD)
	}
	if recFirst.Metadata.CostUSD <= 0 {
		t.Errorf("first llm node cost = %v, want > 0", recFirst.Metadata.CostUSD)
	}

	if exec.Metadata.CacheHitRate != 0.5 {
		t.Errorf("cache hit rate = %v, want 0.5", exec.Metadata.CacheHitRate)
	}
	wantCost := recFirst.Metadata.CostUSD + recSecond.Metadata.CostUSD
	if exec.Metadata.TotalCostUSD != wantCost {
		t.Errorf("total cost = %v, want %v", exec.Metadata.TotalCostUSD, wantCost)
	}
}

// Scenario: the daily budget denies the call; the llm node fails with
// BudgetExceeded, nothing reaches the provider, and the execution fails.
func TestExecuteLLMBudgetDenied(t *testing.T) {
	var upstream atomic.Int64
	server := openAIStub(t, &upstream, "never")
	defer server.Close()

	shell := newShell(t, server.URL, llm.WithBudget(llm.NewDailyBudget(0.0000001, 0)))
	e := newEnv(t, echoInvoker(nil), shell)
	e.put(t, &workflow.Graph{
		WorkflowID: "wf-budget",
		Nodes: []workflow.Node{
			{ID: "trigger", Type: "trigger.core:webhook"},
			llmNode("classify", "classify this"),
		},
		Edges: []workflow.Edge{{From: "trigger", To: "classify"}},
	})

	exec, err := e.rt.Execute(t.Context(), "wf-budget", runtime.TriggerInput{
		Data:   map[string]any{},
		UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != workflow.ExecutionFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if exec.ErrorKind != workflow.KindBudgetExceeded {
		t.Errorf("error kind = %s, want BudgetExceeded", exec.ErrorKind)
	}
	if upstream.Load() != 0 {
		t.Errorf("upstream called %d times, want 0", upstream.Load())
	}
	if rec := e.node(t, exec.ExecutionID, "classify"); rec.Status != workflow.NodeFailed {
		t.Errorf("node status = %s, want failed", rec.Status)
	}
}

// An llm parameter on an action node resolves through the shell before the
// connector call.
func TestExecuteLLMParamResolution(t *testing.T) {
	var upstream atomic.Int64
	server := openAIStub(t, &upstream, "Paris")
	defer server.Close()

	var got map[string]any
	capturing := runtime.InvokerFunc(func(_ context.Context, _, _ string, params map[string]any, _ runtime.Credentials, _ runtime.InvokeContext) (*runtime.InvokeResult, error) {
		got = params
		return &runtime.InvokeResult{Output: map[string]any{"ok": true}}, nil
	})
	e := newEnv(t, capturing, newShell(t, server.URL))
	e.put(t, &workflow.Graph{
		WorkflowID: "wf-llm-param",
		Nodes: []workflow.Node{
			{ID: "trigger", Type: "trigger.core:webhook"},
			{ID: "notify", Type: "action.slack:post_message", Params: map[string]workflow.ParamValue{
				"text": workflow.LLMParamValue(workflow.LLMParam{
					Provider: "ollama",
					Model:    "test-model",
					Prompt:   "capital of France, one word",
				}),
			}},
		},
		Edges: []workflow.Edge{{From: "trigger", To: "notify"}},
	})

	exec, err := e.rt.Execute(t.Context(), "wf-llm-param", runtime.TriggerInput{Data: map[string]any{}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != workflow.ExecutionSucceeded {
		t.Fatalf("status = %s, want succeeded (error: %s)", exec.Status, exec.Error)
	}
	if got["text"] != "Paris" {
		t.Errorf("resolved text = %v, want Paris", got["text"])
	}
	rec := e.node(t, exec.ExecutionID, "notify")
	if rec.Metadata.TokensUsed != 15 {
		t.Errorf("tokens = %d, want 15", rec.Metadata.TokensUsed)
	}
}

// Cancellation marks the in-flight node failed with cancelled metadata and
// the execution failed with kind Cancelled.
func TestExecuteCancellation(t *testing.T) {
	started := make(chan struct{})
	blocking := runtime.InvokerFunc(func(ctx context.Context, _, _ string, _ map[string]any, _ runtime.Credentials, _ runtime.InvokeContext) (*runtime.InvokeResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e := newEnv(t, blocking, nil)
	e.put(t, &workflow.Graph{
		WorkflowID: "wf-slow",
		Nodes: []workflow.Node{
			{ID: "trigger", Type: "trigger.core:webhook"},
			{ID: "slow", Type: "action.http:request"},
		},
		Edges: []workflow.Edge{{From: "trigger", To: "slow"}},
	})

	id, err := e.rt.Submit(context.Background(), "wf-slow", runtime.TriggerInput{Data: map[string]any{}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started
	if !e.rt.Cancel(id) {
		t.Fatalf("cancel found no running execution")
	}
	e.rt.Wait()

	exec, err := e.store.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != workflow.ExecutionFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	rec := e.node(t, id, "slow")
	if !rec.Metadata.Cancelled {
		t.Errorf("node cancelled metadata not set")
	}
	if rec.ErrorKind != workflow.KindCancelled {
		t.Errorf("node error kind = %s, want Cancelled", rec.ErrorKind)
	}
}

// Retrying an execution creates a fresh run linked through
// parentExecutionId, reusing the original trigger data.
func TestRetryExecution(t *testing.T) {
	var calls atomic.Int64
	e := newEnv(t, echoInvoker(&calls), nil)
	e.put(t, &workflow.Graph{
		WorkflowID: "wf-again",
		Nodes: []workflow.Node{
			{ID: "trigger", Type: "trigger.core:webhook"},
			{ID: "act", Type: "action.slack:post_message"},
		},
		Edges: []workflow.Edge{{From: "trigger", To: "act"}},
	})

	first, err := e.rt.Execute(t.Context(), "wf-again", runtime.TriggerInput{
		Data: map[string]any{"n": float64(1)},
	})
	if err != nil {
		t.Fatal(err)
	}

	newID, err := e.rt.RetryExecution(context.Background(), first.ExecutionID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	e.rt.Wait()

	second, err := e.store.GetExecution(context.Background(), newID)
	if err != nil {
		t.Fatal(err)
	}
	if second.ParentExecutionID != first.ExecutionID {
		t.Errorf("parent = %q, want %q", second.ParentExecutionID, first.ExecutionID)
	}
	if second.Status != workflow.ExecutionSucceeded {
		t.Errorf("retried status = %s (error: %s)", second.Status, second.Error)
	}
	if second.CorrelationID == first.CorrelationID {
		t.Errorf("retry reused the correlation id")
	}
}

// Replaying a DLQ item runs the node with the captured payload in a new
// execution and removes the item.
func TestReplayDLQ(t *testing.T) {
	var calls atomic.Int64
	flaky := runtime.InvokerFunc(func(_ context.Context, _, _ string, params map[string]any, _ runtime.Credentials, _ runtime.InvokeContext) (*runtime.InvokeResult, error) {
		if calls.Add(1) <= 3 {
			return nil, workflow.Errorf(workflow.KindTransient, "upstream down")
		}
		return &runtime.InvokeResult{Output: params}, nil
	})
	e := newEnv(t, flaky, nil)
	e.put(t, &workflow.Graph{
		WorkflowID: "wf-replay",
		Nodes: []workflow.Node{
			{ID: "trigger", Type: "trigger.core:webhook"},
			{ID: "act", Type: "action.slack:post_message", Params: map[string]workflow.ParamValue{
				"channel": workflow.StaticParam("#ops"),
			}},
		},
		Edges: []workflow.Edge{{From: "trigger", To: "act"}},
	})

	first, err := e.rt.Execute(t.Context(), "wf-replay", runtime.TriggerInput{Data: map[string]any{}})
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != workflow.ExecutionPartial {
		t.Fatalf("status = %s, want partial", first.Status)
	}

	replayID, err := e.rt.ReplayDLQ(context.Background(), first.ExecutionID, "act")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	e.rt.Wait()

	if _, err := e.store.GetDLQ(context.Background(), first.ExecutionID, "act"); !errors.Is(err, runlog.ErrNotFound) {
		t.Errorf("dlq item still present: %v", err)
	}

	replay, err := e.store.GetExecution(context.Background(), replayID)
	if err != nil {
		t.Fatal(err)
	}
	if replay.Status != workflow.ExecutionSucceeded {
		t.Fatalf("replay status = %s (error: %s)", replay.Status, replay.Error)
	}
	rec := e.node(t, replayID, "act")
	if rec.Attempt != 1 {
		t.Errorf("replay attempt = %d, want 1", rec.Attempt)
	}
	input, _ := rec.Input.(map[string]any)
	if input["channel"] != "#ops" {
		t.Errorf("replayed input = %v", rec.Input)
	}
}

// An unknown workflow is rejected before any record is written.
func TestSubmitUnknownWorkflow(t *testing.T) {
	e := newEnv(t, echoInvoker(nil), nil)
	if _, err := e.rt.Submit(context.Background(), "missing", runtime.TriggerInput{}); !errors.Is(err, runtime.ErrWorkflowNotFound) {
		t.Errorf("err = %v, want ErrWorkflowNotFound", err)
	}
}

// Idempotency keys render from resolved params into node metadata.
func TestExecuteIdempotencyKeyRecorded(t *testing.T) {
	e := newEnv(t, echoInvoker(nil), nil)
	e.put(t, &workflow.Graph{
		WorkflowID: "wf-idem",
		Nodes: []workflow.Node{
			{ID: "trigger", Type: "trigger.core:webhook"},
			{ID: "act", Type: "action.stripe:create_charge",
				IdempotencyKey: "charge-{{orderId}}",
				Params: map[string]workflow.ParamValue{
					"orderId": workflow.RefParamValue("trigger", "$.orderId"),
				}},
		},
		Edges: []workflow.Edge{{From: "trigger", To: "act"}},
	})

	exec, err := e.rt.Execute(t.Context(), "wf-idem", runtime.TriggerInput{
		Data: map[string]any{"orderId": "ord-7"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != workflow.ExecutionSucceeded {
		t.Fatalf("status = %s (error: %s)", exec.Status, exec.Error)
	}
	rec := e.node(t, exec.ExecutionID, "act")
	if rec.Metadata.IdempotencyKey != "charge-ord-7" {
		t.Errorf("idempotency key = %q", rec.Metadata.IdempotencyKey)
	}
}
