package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/weftworks/weft/ingress"
	"github.com/weftworks/weft/runlog"
	"github.com/weftworks/weft/runtime"
	"github.com/weftworks/weft/server"
	"github.com/weftworks/weft/webhook"
	"github.com/weftworks/weft/workflow"
)

type fixture struct {
	ts        *httptest.Server
	store     *runlog.MemoryStore
	workflows *runtime.MemoryWorkflowStore
	triggers  *ingress.MemoryTriggerStore
	rt        *runtime.Runtime
}

func newFixture(t *testing.T, poller ingress.Poller) *fixture {
	t.Helper()

	store := runlog.NewMemoryStore()
	workflows := runtime.NewMemoryWorkflowStore()
	triggers := ingress.NewMemoryTriggerStore()

	invoker := runtime.InvokerFunc(func(_ context.Context, appID, operationID string, params map[string]any, _ runtime.Credentials, _ runtime.InvokeContext) (*runtime.InvokeResult, error) {
		return &runtime.InvokeResult{
			Output: map[string]any{"app": appID, "operation": operationID, "params": params},
		}, nil
	})
	rt := runtime.New(workflows, store, nil, invoker, nil)

	intake := ingress.NewWebhookIntake(triggers, webhook.NewVerifier(), rt)
	intake.Start(context.Background())
	t.Cleanup(intake.Stop)

	var scheduler *ingress.PollScheduler
	if poller != nil {
		scheduler = ingress.NewPollScheduler(triggers, poller, rt)
	}

	srv := server.New(intake, scheduler, rt, store)
	mux := http.NewServeMux()
	srv.RegisterHTTPHandlers(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	t.Cleanup(rt.Shutdown)

	return &fixture{ts: ts, store: store, workflows: workflows, triggers: triggers, rt: rt}
}

func (f *fixture) putGraph(t *testing.T, g *workflow.Graph) {
	t.Helper()
	if err := f.workflows.PutGraph(context.Background(), g); err != nil {
		t.Fatal(err)
	}
}

func simpleGraph(workflowID string) *workflow.Graph {
	return &workflow.Graph{
		WorkflowID: workflowID,
		Nodes: []workflow.Node{
			{ID: "start", Type: "trigger.gmail:new_email"},
			{ID: "log", Type: "action.sheets:append_row", Params: map[string]workflow.ParamValue{
				"sheet": workflow.StaticParam("inbox"),
			}},
		},
		Edges: []workflow.Edge{{From: "start", To: "log"}},
	}
}

func (f *fixture) postJSON(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func (f *fixture) getJSON(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

// waitTerminal polls the store until the execution reaches a terminal status.
func (f *fixture) waitTerminal(t *testing.T, executionID string) *runlog.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := f.store.GetExecution(context.Background(), executionID)
		if err == nil && exec.Status.IsTerminal() {
			return exec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %s did not finish", executionID)
	return nil
}

// waitWorkflowExecution waits for any execution of the workflow to appear
// and finish. Webhook deliveries start executions asynchronously.
func (f *fixture) waitWorkflowExecution(t *testing.T, workflowID string) *runlog.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		all, err := f.store.ListExecutions(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		for _, exec := range all {
			if exec.WorkflowID == workflowID && exec.Status.IsTerminal() {
				return exec
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no terminal execution for workflow %s", workflowID)
	return nil
}

func TestWebhookDeliveryAccepted(t *testing.T) {
	f := newFixture(t, nil)
	f.putGraph(t, simpleGraph("wf-hook"))
	if err := f.triggers.PutWebhookTrigger(context.Background(), &ingress.WebhookTrigger{
		ID:         "wh-1",
		AppID:      "customapp",
		WorkflowID: "wf-hook",
		IsActive:   true,
	}); err != nil {
		t.Fatal(err)
	}

	resp, body := f.postJSON(t, "/webhooks/wh-1", map[string]any{"subject": "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["ok"] != true {
		t.Errorf("ok = %v", body["ok"])
	}
	if body["eventId"] == "" {
		t.Error("eventId missing")
	}

	exec := f.waitWorkflowExecution(t, "wf-hook")
	if exec.Status != workflow.ExecutionSucceeded {
		t.Errorf("execution status = %s (%s)", exec.Status, exec.Error)
	}
	if exec.TriggerType != "webhook" {
		t.Errorf("trigger type = %s", exec.TriggerType)
	}
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	f := newFixture(t, nil)
	f.putGraph(t, simpleGraph("wf-dup"))
	if err := f.triggers.PutWebhookTrigger(context.Background(), &ingress.WebhookTrigger{
		ID:         "wh-dup",
		AppID:      "customapp",
		WorkflowID: "wf-dup",
		IsActive:   true,
	}); err != nil {
		t.Fatal(err)
	}

	payload := map[string]any{"order": "ord-1"}
	first, _ := f.postJSON(t, "/webhooks/wh-dup", payload)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first delivery status = %d", first.StatusCode)
	}
	second, body := f.postJSON(t, "/webhooks/wh-dup", payload)
	if second.StatusCode != http.StatusOK {
		t.Fatalf("duplicate delivery status = %d, want 200", second.StatusCode)
	}
	if body["duplicate"] != true {
		t.Errorf("duplicate = %v", body["duplicate"])
	}
}

func TestWebhookSignatureFailure(t *testing.T) {
	f := newFixture(t, nil)
	// A secret on a provider with no signature scheme rejects every delivery.
	if err := f.triggers.PutWebhookTrigger(context.Background(), &ingress.WebhookTrigger{
		ID:         "wh-sig",
		AppID:      "customapp",
		WorkflowID: "wf-any",
		Secret:     "s3cret",
		IsActive:   true,
	}); err != nil {
		t.Fatal(err)
	}

	resp, body := f.postJSON(t, "/webhooks/wh-sig", map[string]any{"x": 1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body %v)", resp.StatusCode, body)
	}
}

func TestWebhookUnknownID(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.postJSON(t, "/webhooks/nope", map[string]any{})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSubmitExecution(t *testing.T) {
	f := newFixture(t, nil)
	f.putGraph(t, simpleGraph("wf-manual"))

	resp, body := f.postJSON(t, "/executions", map[string]any{
		"workflowId":  "wf-manual",
		"triggerData": map[string]any{"subject": "ping"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	executionID, _ := body["executionId"].(string)
	if executionID == "" {
		t.Fatal("executionId missing")
	}

	exec := f.waitTerminal(t, executionID)
	if exec.Status != workflow.ExecutionSucceeded {
		t.Errorf("status = %s (%s)", exec.Status, exec.Error)
	}
	if exec.TriggerType != "manual" {
		t.Errorf("trigger type = %s", exec.TriggerType)
	}

	getResp, detail := f.getJSON(t, "/executions/"+executionID)
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", getResp.StatusCode)
	}
	nodes, _ := detail["nodes"].([]any)
	if len(nodes) != 2 {
		t.Errorf("node records = %d, want 2", len(nodes))
	}
}

func TestSubmitUnknownWorkflow(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.postJSON(t, "/executions", map[string]any{"workflowId": "missing"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRetryExecutionEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.putGraph(t, simpleGraph("wf-retry"))

	_, body := f.postJSON(t, "/executions", map[string]any{"workflowId": "wf-retry"})
	parentID := body["executionId"].(string)
	f.waitTerminal(t, parentID)

	resp, retried := f.postJSON(t, "/executions/"+parentID+"/retry", map[string]any{})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, retried)
	}
	childID := retried["executionId"].(string)
	child := f.waitTerminal(t, childID)
	if child.ParentExecutionID != parentID {
		t.Errorf("parent link = %q, want %q", child.ParentExecutionID, parentID)
	}
}

func TestRetryUnknownExecution(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.postJSON(t, "/executions/nope/retry", map[string]any{})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestNodeRetryWithoutDLQItem(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.postJSON(t, "/executions/e1/nodes/n1/retry", map[string]any{})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListExecutionsFilters(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		wf := "wf-a"
		if i == 2 {
			wf = "wf-b"
		}
		if err := f.store.PutExecution(context.Background(), &runlog.Execution{
			ExecutionID: fmt.Sprintf("exec-%d", i),
			WorkflowID:  wf,
			Status:      workflow.ExecutionSucceeded,
			StartTime:   now.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatal(err)
		}
	}

	resp, body := f.getJSON(t, "/executions?workflowId=wf-a")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if total := body["total"].(float64); total != 2 {
		t.Errorf("total = %v, want 2", total)
	}

	_, limited := f.getJSON(t, "/executions?limit=1&sortOrder=asc")
	items := limited["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	first := items[0].(map[string]any)
	if first["executionId"] != "exec-0" {
		t.Errorf("ascending first item = %v", first["executionId"])
	}

	badResp, _ := f.getJSON(t, "/executions?since=notatime")
	if badResp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad since accepted: %d", badResp.StatusCode)
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.getJSON(t, "/executions/missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListDLQ(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.store.PutDLQ(context.Background(), &runlog.DLQItem{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-a",
		NodeID:      "n1",
		LastError:   "boom",
		Attempts:    3,
	}); err != nil {
		t.Fatal(err)
	}

	resp, body := f.getJSON(t, "/dlq?workflowId=wf-a")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	items := body["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}

	_, other := f.getJSON(t, "/dlq?workflowId=wf-other")
	if got := other["items"].([]any); len(got) != 0 {
		t.Errorf("filtered items = %d, want 0", len(got))
	}
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Now().UTC()
	for i, status := range []workflow.ExecutionStatus{
		workflow.ExecutionSucceeded, workflow.ExecutionSucceeded, workflow.ExecutionFailed,
	} {
		if err := f.store.PutExecution(context.Background(), &runlog.Execution{
			ExecutionID: fmt.Sprintf("s-%d", i),
			WorkflowID:  "wf-s",
			Status:      status,
			StartTime:   now.Add(-time.Minute),
			DurationMs:  int64(100 * (i + 1)),
		}); err != nil {
			t.Fatal(err)
		}
	}

	resp, body := f.getJSON(t, "/stats?window=hour")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["total"].(float64) != 3 {
		t.Errorf("total = %v", body["total"])
	}
	if body["succeeded"].(float64) != 2 {
		t.Errorf("succeeded = %v", body["succeeded"])
	}
	if body["failed"].(float64) != 1 {
		t.Errorf("failed = %v", body["failed"])
	}
	if body["p50"].(float64) != 200 {
		t.Errorf("p50 = %v", body["p50"])
	}
}

func TestPollTick(t *testing.T) {
	poller := ingress.PollerFunc(func(_ context.Context, trigger *ingress.PollingTrigger) ([]map[string]any, error) {
		return []map[string]any{{"id": "item-1", "subject": "polled"}}, nil
	})
	f := newFixture(t, poller)
	f.putGraph(t, simpleGraph("wf-poll"))
	if err := f.triggers.PutPollingTrigger(context.Background(), &ingress.PollingTrigger{
		ID:         "pt-1",
		AppID:      "gmail",
		TriggerID:  "new_email",
		WorkflowID: "wf-poll",
		Interval:   time.Minute,
		IsActive:   true,
	}); err != nil {
		t.Fatal(err)
	}

	resp, body := f.postJSON(t, "/triggers/poll/pt-1/tick", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["events"].(float64) != 1 {
		t.Errorf("events = %v, want 1", body["events"])
	}

	exec := f.waitWorkflowExecution(t, "wf-poll")
	if exec.TriggerType != "polling" {
		t.Errorf("trigger type = %s", exec.TriggerType)
	}
}

func TestPollTickUnknownTrigger(t *testing.T) {
	poller := ingress.PollerFunc(func(_ context.Context, _ *ingress.PollingTrigger) ([]map[string]any, error) {
		return nil, nil
	})
	f := newFixture(t, poller)
	resp, _ := f.postJSON(t, "/triggers/poll/nope/tick", map[string]any{})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.getJSON(t, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("status body = %v", body["status"])
	}
}
