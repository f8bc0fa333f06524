// Package connector implements the connector registry: a typed catalog of
// external apps and their operations, loaded from YAML definition files.
// The registry is the sole authority for node-type validation; the planner
// adapter and the workflow runtime both resolve node types through it.
package connector

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// AuthKind enumerates supported connector authentication styles.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthAPIKey AuthKind = "api_key"
	AuthOAuth2 AuthKind = "oauth2"
	AuthBasic  AuthKind = "basic"
	AuthCustom AuthKind = "custom"
)

// ParamType enumerates parameter value types for operation inputs.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamObject  ParamType = "object"
	ParamArray   ParamType = "array"
)

// Parameter describes one input to an operation.
type Parameter struct {
	Name        string    `yaml:"name" json:"name" validate:"required"`
	Type        ParamType `yaml:"type" json:"type" validate:"required,oneof=string number boolean object array"`
	Required    bool      `yaml:"required" json:"required"`
	Description string    `yaml:"description" json:"description,omitempty"`
	Default     any       `yaml:"default" json:"default,omitempty"`
}

// RateLimitHint advertises the upstream's rate limits so the runtime can
// pace invocations before the provider starts returning 429s.
type RateLimitHint struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requestsPerSecond,omitempty"`
	Burst             int     `yaml:"burst" json:"burst,omitempty"`
}

// Action is a callable operation that performs work against the app.
type Action struct {
	ID            string         `yaml:"id" json:"id" validate:"required"`
	Name          string         `yaml:"name" json:"name"`
	Description   string         `yaml:"description" json:"description,omitempty"`
	Parameters    []Parameter    `yaml:"parameters" json:"parameters,omitempty" validate:"dive"`
	OutputSchema  map[string]any `yaml:"output_schema" json:"outputSchema,omitempty"`
	RateLimit     *RateLimitHint `yaml:"rate_limit" json:"rateLimit,omitempty"`
	Scopes        []string       `yaml:"scopes" json:"scopes,omitempty"`
	TimeoutMs     int            `yaml:"timeout_ms" json:"timeoutMs,omitempty"`
	MaxAttempts   int            `yaml:"max_attempts" json:"maxAttempts,omitempty"`
}

// Trigger is an operation that produces events, either by webhook delivery
// or by polling.
type Trigger struct {
	ID              string         `yaml:"id" json:"id" validate:"required"`
	Name            string         `yaml:"name" json:"name"`
	Description     string         `yaml:"description" json:"description,omitempty"`
	Parameters      []Parameter    `yaml:"parameters" json:"parameters,omitempty" validate:"dive"`
	OutputSchema    map[string]any `yaml:"output_schema" json:"outputSchema,omitempty"`
	SupportsWebhook bool           `yaml:"supports_webhook" json:"supportsWebhook"`
	SupportsPolling bool           `yaml:"supports_polling" json:"supportsPolling"`
	// DedupeKey is the payload field that identifies an item across polls.
	DedupeKey string   `yaml:"dedupe_key" json:"dedupeKey,omitempty"`
	Scopes    []string `yaml:"scopes" json:"scopes,omitempty"`
}

// Definition describes one connector: an external app with its operations.
type Definition struct {
	ID             string   `yaml:"id" json:"id" validate:"required"`
	Name           string   `yaml:"name" json:"name" validate:"required"`
	Category       string   `yaml:"category" json:"category"`
	Description    string   `yaml:"description" json:"description,omitempty"`
	Authentication AuthKind `yaml:"authentication" json:"authentication" validate:"required,oneof=none api_key oauth2 basic custom"`
	Actions        []Action  `yaml:"actions" json:"actions,omitempty" validate:"dive"`
	Triggers       []Trigger `yaml:"triggers" json:"triggers,omitempty" validate:"dive"`
}

// OpKind distinguishes resolved actions from triggers.
type OpKind string

const (
	OpAction  OpKind = "action"
	OpTrigger OpKind = "trigger"
)

// Function is a resolved operation: the connector it belongs to plus the
// operation definition. This is what the runtime executes against.
type Function struct {
	AppID     string
	Kind      OpKind
	Connector *Definition
	Action    *Action
	Trigger   *Trigger
}

// ID returns the operation identifier.
func (f *Function) ID() string {
	if f.Kind == OpTrigger {
		return f.Trigger.ID
	}
	return f.Action.ID
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the definition for structural problems: missing fields,
// duplicate operation IDs, bad parameter types.
func (d *Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("connector %q: %w", d.ID, err)
	}

	seen := make(map[string]bool, len(d.Actions)+len(d.Triggers))
	for _, a := range d.Actions {
		if seen[a.ID] {
			return fmt.Errorf("connector %q: duplicate operation id %q", d.ID, a.ID)
		}
		seen[a.ID] = true
	}
	for _, tr := range d.Triggers {
		if seen[tr.ID] {
			return fmt.Errorf("connector %q: duplicate operation id %q", d.ID, tr.ID)
		}
		seen[tr.ID] = true
		if !tr.SupportsWebhook && !tr.SupportsPolling {
			return fmt.Errorf("connector %q trigger %q: must support webhook or polling", d.ID, tr.ID)
		}
	}
	return nil
}
