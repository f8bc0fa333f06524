package runtime

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/weftworks/weft/workflow"
)

// Transform and branch nodes run in-process. Handlers are pure functions
// over resolved parameters; they never touch the network.

// branchOutput is what a branch node records as its output. The scheduler
// reads Selected to decide which outgoing edges stay live.
type branchOutput struct {
	Selected string `json:"selected"`
	Value    any    `json:"value"`
}

// runTransform executes a core transform operation.
func runTransform(operation string, params map[string]any) (any, error) {
	switch operation {
	case "json_path":
		path, _ := params["path"].(string)
		if path == "" {
			return nil, workflow.Errorf(workflow.KindValidation, "json_path requires a path")
		}
		value, err := workflow.ResolvePath(params["input"], path)
		if err != nil {
			return nil, workflow.Errorf(workflow.KindValidation, "json_path %q: %v", path, err)
		}
		return value, nil

	case "template":
		tmpl, _ := params["template"].(string)
		if tmpl == "" {
			return nil, workflow.Errorf(workflow.KindValidation, "template requires a template string")
		}
		values, _ := params["values"].(map[string]any)
		return renderTemplate(tmpl, values)

	case "merge":
		inputs, ok := params["inputs"].([]any)
		if !ok {
			return nil, workflow.Errorf(workflow.KindValidation, "merge requires an inputs array")
		}
		merged := make(map[string]any)
		for i, input := range inputs {
			obj, ok := input.(map[string]any)
			if !ok {
				return nil, workflow.Errorf(workflow.KindValidation, "merge input %d is %T, not an object", i, input)
			}
			for k, v := range obj {
				merged[k] = v
			}
		}
		return merged, nil

	default:
		return nil, workflow.Errorf(workflow.KindValidation, "unknown transform operation %q", operation)
	}
}

// runBranch executes a branch operation and returns the selected edge label.
// A value with no matching outgoing edge falls back to the default label;
// with neither, every downstream branch path is skipped.
func runBranch(operation string, params map[string]any, edges []workflow.Edge) (*branchOutput, error) {
	if operation != "switch" {
		return nil, workflow.Errorf(workflow.KindValidation, "unknown branch operation %q", operation)
	}
	value := fmt.Sprintf("%v", params["value"])

	for _, e := range edges {
		if e.Label == value {
			return &branchOutput{Selected: value, Value: params["value"]}, nil
		}
	}
	if def, _ := params["default"].(string); def != "" {
		return &branchOutput{Selected: def, Value: params["value"]}, nil
	}
	return &branchOutput{Selected: "", Value: params["value"]}, nil
}

var templateRef = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// renderTemplate substitutes {{path}} placeholders with values resolved
// against the values tree. Unresolvable placeholders are an error so typos
// fail loudly instead of emitting literal braces downstream.
func renderTemplate(tmpl string, values map[string]any) (string, error) {
	var firstErr error
	out := templateRef.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := strings.TrimSpace(templateRef.FindStringSubmatch(match)[1])
		value, err := workflow.ResolvePath(values, path)
		if err != nil {
			if firstErr == nil {
				firstErr = workflow.Errorf(workflow.KindValidation, "template placeholder %q: %v", path, err)
			}
			return match
		}
		return stringify(value)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// stringify renders a resolved value for interpolation. Strings pass
// through without quotes; everything else uses the default format.
func stringify(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}
