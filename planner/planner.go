// Package planner converts externally produced automation plans into
// workflow graphs. The adapter is pure: it never calls an LLM and has no
// side effects; every (app, operation) pair must resolve in the connector
// registry or the plan is rejected.
package planner

import (
	"fmt"

	"github.com/weftworks/weft/connector"
	"github.com/weftworks/weft/workflow"
)

// Plan is the external plan object. A planning model (or a human) produces
// it; the adapter only validates and converts.
type Plan struct {
	// Apps lists every app the plan touches, in any alias form.
	Apps []string `json:"apps"`

	// Trigger starts the workflow.
	Trigger PlanTrigger `json:"trigger"`

	// Steps run in order after the trigger.
	Steps []PlanStep `json:"steps"`

	// MissingInputs are parameter values the plan could not determine;
	// answers are merged in by input id.
	MissingInputs []MissingInput `json:"missing_inputs"`
}

// PlanTrigger names the trigger operation.
type PlanTrigger struct {
	App       string `json:"app"`
	Operation string `json:"operation"`
}

// PlanStep is one action in the linear plan.
type PlanStep struct {
	// ID becomes the node id. Empty IDs get "step-{n}".
	ID        string `json:"id,omitempty"`
	App       string `json:"app"`
	Operation string `json:"operation"`

	// Params are literal parameter values the plan already resolved.
	Params map[string]any `json:"params,omitempty"`

	Description string `json:"description,omitempty"`
}

// MissingInput is a parameter the plan left open for the user.
type MissingInput struct {
	// ID identifies the input; answers are keyed by it.
	ID string `json:"id"`

	// Step is the id of the step the parameter belongs to.
	Step string `json:"step"`

	// Param is the parameter name on that step.
	Param string `json:"param"`

	Question string `json:"question,omitempty"`
}

// Registry is the slice of the connector registry the adapter needs.
type Registry interface {
	GetFunction(nodeType string) *connector.Function
	IsValidNodeType(nodeType string) bool
}

// triggerNodeID is the fixed id of the generated trigger node.
const triggerNodeID = "trigger"

// Convert builds a workflow graph from a plan. answers maps missing-input
// IDs to user-provided values; unanswered inputs stay absent from the node's
// params so graph validation surfaces them to the caller.
func Convert(plan *Plan, answers map[string]any, registry Registry, workflowID string) (*workflow.Graph, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("workflowId is required")
	}
	if plan.Trigger.App == "" || plan.Trigger.Operation == "" {
		return nil, fmt.Errorf("plan has no trigger")
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}

	triggerType := fmt.Sprintf("trigger.%s:%s",
		connector.NormalizeAppID(plan.Trigger.App), plan.Trigger.Operation)
	fn := registry.GetFunction(triggerType)
	if fn == nil || fn.Kind != connector.OpTrigger {
		return nil, fmt.Errorf("trigger %s:%s does not resolve", plan.Trigger.App, plan.Trigger.Operation)
	}

	graph := &workflow.Graph{
		WorkflowID: workflowID,
		Version:    1,
		Nodes: []workflow.Node{
			{ID: triggerNodeID, Type: workflow.NodeType(triggerType)},
		},
	}

	inputsByStep := make(map[string][]MissingInput)
	for _, mi := range plan.MissingInputs {
		if mi.Step == "" || mi.Param == "" {
			return nil, fmt.Errorf("missing_input %q needs step and param", mi.ID)
		}
		inputsByStep[mi.Step] = append(inputsByStep[mi.Step], mi)
	}

	seen := map[string]bool{triggerNodeID: true}
	previous := triggerNodeID
	for i, step := range plan.Steps {
		id := step.ID
		if id == "" {
			id = fmt.Sprintf("step-%d", i+1)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate step id %q", id)
		}
		seen[id] = true

		nodeType, err := stepNodeType(step, registry)
		if err != nil {
			return nil, err
		}

		params := make(map[string]workflow.ParamValue, len(step.Params))
		for name, value := range step.Params {
			params[name] = workflow.StaticParam(value)
		}
		// Unnamed steps are addressable by their generated id.
		stepInputs := inputsByStep[step.ID]
		if step.ID == "" {
			stepInputs = inputsByStep[id]
		}
		for _, mi := range stepInputs {
			if answer, ok := answers[mi.ID]; ok {
				params[mi.Param] = workflow.StaticParam(answer)
			}
		}

		graph.Nodes = append(graph.Nodes, workflow.Node{
			ID:     id,
			Type:   workflow.NodeType(nodeType),
			Params: params,
		})
		graph.Edges = append(graph.Edges, workflow.Edge{From: previous, To: id})
		previous = id
	}

	for stepRef := range inputsByStep {
		if !seen[stepRef] {
			return nil, fmt.Errorf("missing_input references unknown step %q", stepRef)
		}
	}

	if err := graph.Validate(registry); err != nil {
		return nil, fmt.Errorf("converted plan is invalid: %w", err)
	}
	return graph, nil
}

// coreRoles maps core built-in operations to their execution role; any
// other resolved action runs through the connector invoker.
var coreRoles = map[string]workflow.NodeRole{
	"json_path": workflow.RoleTransform,
	"template":  workflow.RoleTransform,
	"merge":     workflow.RoleTransform,
	"switch":    workflow.RoleBranch,
	"generate":  workflow.RoleLLM,
}

// stepNodeType resolves a step against the registry and picks the role
// prefix the runtime dispatches on.
func stepNodeType(step PlanStep, registry Registry) (string, error) {
	app := connector.NormalizeAppID(step.App)
	short := fmt.Sprintf("%s:%s", app, step.Operation)
	fn := registry.GetFunction(short)
	if fn == nil || fn.Kind != connector.OpAction {
		return "", fmt.Errorf("step %s:%s does not resolve to an action", step.App, step.Operation)
	}

	role := workflow.RoleAction
	if app == "core" {
		if r, ok := coreRoles[step.Operation]; ok {
			role = r
		}
	}
	return fmt.Sprintf("%s.%s", role, short), nil
}

// Unanswered returns the missing inputs not covered by answers, in plan
// order. UIs use it to drive the question loop.
func Unanswered(plan *Plan, answers map[string]any) []MissingInput {
	var open []MissingInput
	for _, mi := range plan.MissingInputs {
		if _, ok := answers[mi.ID]; !ok {
			open = append(open, mi)
		}
	}
	return open
}
