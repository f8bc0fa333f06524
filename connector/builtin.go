package connector

// coreAppID is always a valid app: it hosts transforms, branches, HTTP,
// scheduling, and the LLM generate operation.
const coreAppID = "core"

// coreDefinition returns the built-in core connector. It is rebuilt on every
// reload so catalog snapshots never share mutable state.
func coreDefinition() *Definition {
	return &Definition{
		ID:             coreAppID,
		Name:           "Core",
		Category:       "core",
		Description:    "Built-in operations: HTTP, transforms, branching, scheduling, LLM.",
		Authentication: AuthNone,
		Actions: []Action{
			{
				ID:          "http_request",
				Name:        "HTTP Request",
				Description: "Perform an arbitrary HTTP request.",
				Parameters: []Parameter{
					{Name: "method", Type: ParamString, Required: true},
					{Name: "url", Type: ParamString, Required: true},
					{Name: "headers", Type: ParamObject},
					{Name: "body", Type: ParamObject},
				},
			},
			{
				ID:          "json_path",
				Name:        "Extract Value",
				Description: "Extract a value from the input by path.",
				Parameters: []Parameter{
					{Name: "input", Type: ParamObject, Required: true},
					{Name: "path", Type: ParamString, Required: true},
				},
			},
			{
				ID:          "template",
				Name:        "Render Template",
				Description: "Interpolate resolved parameters into a template string.",
				Parameters: []Parameter{
					{Name: "template", Type: ParamString, Required: true},
					{Name: "values", Type: ParamObject},
				},
			},
			{
				ID:          "merge",
				Name:        "Merge Objects",
				Description: "Shallow-merge objects; later inputs win.",
				Parameters: []Parameter{
					{Name: "inputs", Type: ParamArray, Required: true},
				},
			},
			{
				ID:          "switch",
				Name:        "Branch",
				Description: "Pick an outgoing edge by label from the value of an expression.",
				Parameters: []Parameter{
					{Name: "value", Type: ParamString, Required: true},
					{Name: "default", Type: ParamString},
				},
			},
			{
				ID:          "generate",
				Name:        "LLM Generate",
				Description: "Call an LLM through the call shell.",
				Parameters: []Parameter{
					{Name: "provider", Type: ParamString, Required: true},
					{Name: "model", Type: ParamString, Required: true},
					{Name: "prompt", Type: ParamString, Required: true},
					{Name: "system", Type: ParamString},
					{Name: "temperature", Type: ParamNumber},
					{Name: "maxTokens", Type: ParamNumber},
					{Name: "jsonSchema", Type: ParamObject},
					{Name: "cacheTtlSec", Type: ParamNumber},
				},
			},
		},
		Triggers: []Trigger{
			{
				ID:              "webhook",
				Name:            "Incoming Webhook",
				Description:     "Fire on any verified webhook delivery.",
				SupportsWebhook: true,
			},
			{
				ID:              "schedule",
				Name:            "Schedule",
				Description:     "Fire on a fixed interval.",
				SupportsPolling: true,
				Parameters: []Parameter{
					{Name: "interval_sec", Type: ParamNumber, Required: true},
				},
			},
		},
	}
}
