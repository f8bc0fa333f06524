package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ParamKind discriminates the shapes a ParamValue can take.
type ParamKind string

const (
	// ParamStatic is a literal value used as-is.
	ParamStatic ParamKind = "static"
	// ParamRef references another node's output by path.
	ParamRef ParamKind = "ref"
	// ParamLLM resolves the value with an LLM call at execution time.
	ParamLLM ParamKind = "llm"
)

// ParamValue is a tagged variant over the three parameter shapes.
// Unknown tags are rejected at load time.
type ParamValue struct {
	Kind ParamKind

	// Static holds the literal value when Kind is ParamStatic.
	Static any

	// Ref holds the reference when Kind is ParamRef.
	Ref *RefParam

	// LLM holds the request template when Kind is ParamLLM.
	LLM *LLMParam
}

// RefParam references the output of a preceding node.
type RefParam struct {
	// NodeID is the referenced node. It must topologically precede the
	// referring node.
	NodeID string `json:"nodeId"`

	// Path is a dot/bracket expression over the node's output.
	// "$" refers to the whole output.
	Path string `json:"path"`
}

// LLMParam describes an LLM call that resolves a parameter value.
type LLMParam struct {
	Provider    string          `json:"provider"`
	Model       string          `json:"model"`
	Prompt      string          `json:"prompt"`
	System      string          `json:"system,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"maxTokens,omitempty"`
	JSONSchema  json.RawMessage `json:"jsonSchema,omitempty"`
	CacheTTLSec int             `json:"cacheTtlSec,omitempty"`
}

// StaticParam constructs a static ParamValue.
func StaticParam(value any) ParamValue {
	return ParamValue{Kind: ParamStatic, Static: value}
}

// RefParamValue constructs a ref ParamValue.
func RefParamValue(nodeID, path string) ParamValue {
	return ParamValue{Kind: ParamRef, Ref: &RefParam{NodeID: nodeID, Path: path}}
}

// LLMParamValue constructs an llm ParamValue.
func LLMParamValue(p LLMParam) ParamValue {
	return ParamValue{Kind: ParamLLM, LLM: &p}
}

// Validate checks the variant is internally consistent.
func (p ParamValue) Validate() error {
	switch p.Kind {
	case ParamStatic:
		return nil
	case ParamRef:
		if p.Ref == nil || p.Ref.NodeID == "" {
			return fmt.Errorf("ref param requires nodeId")
		}
		if _, err := ParsePath(p.Ref.Path); err != nil {
			return fmt.Errorf("ref param path: %w", err)
		}
		return nil
	case ParamLLM:
		if p.LLM == nil {
			return fmt.Errorf("llm param requires a body")
		}
		if p.LLM.Provider == "" || p.LLM.Model == "" {
			return fmt.Errorf("llm param requires provider and model")
		}
		if p.LLM.Prompt == "" {
			return fmt.Errorf("llm param requires prompt")
		}
		return nil
	default:
		return fmt.Errorf("unknown param kind: %q", p.Kind)
	}
}

// paramEnvelope is the wire form of ParamValue.
type paramEnvelope struct {
	Type   ParamKind       `json:"type"`
	Value  json.RawMessage `json:"value,omitempty"`
	NodeID string          `json:"nodeId,omitempty"`
	Path   string          `json:"path,omitempty"`
	*LLMParam
}

// MarshalJSON encodes the tagged variant.
func (p ParamValue) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case ParamStatic:
		value, err := json.Marshal(p.Static)
		if err != nil {
			return nil, fmt.Errorf("marshal static value: %w", err)
		}
		return json.Marshal(paramEnvelope{Type: ParamStatic, Value: value})
	case ParamRef:
		return json.Marshal(paramEnvelope{Type: ParamRef, NodeID: p.Ref.NodeID, Path: p.Ref.Path})
	case ParamLLM:
		return json.Marshal(paramEnvelope{Type: ParamLLM, LLMParam: p.LLM})
	default:
		return nil, fmt.Errorf("unknown param kind: %q", p.Kind)
	}
}

// UnmarshalJSON decodes the tagged variant, rejecting unknown tags.
func (p *ParamValue) UnmarshalJSON(data []byte) error {
	var env paramEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode param: %w", err)
	}

	switch env.Type {
	case ParamStatic:
		var value any
		if len(env.Value) > 0 {
			if err := json.Unmarshal(env.Value, &value); err != nil {
				return fmt.Errorf("decode static value: %w", err)
			}
		}
		*p = ParamValue{Kind: ParamStatic, Static: value}
	case ParamRef:
		*p = ParamValue{Kind: ParamRef, Ref: &RefParam{NodeID: env.NodeID, Path: env.Path}}
	case ParamLLM:
		llm := LLMParam{}
		if env.LLMParam != nil {
			llm = *env.LLMParam
		}
		*p = ParamValue{Kind: ParamLLM, LLM: &llm}
	default:
		return fmt.Errorf("unknown param kind: %q", env.Type)
	}
	return p.Validate()
}

// PathSegment is one step of a resolved ref path: either a map key or an
// array index.
type PathSegment struct {
	Key   string
	Index int
	IsKey bool
}

// ParsePath parses a dot/bracket path expression. Supported syntax:
// "$" (root), dot-separated keys, and integer indices in brackets, e.g.
// "$.items[0].name" or "items[0].name". JSONPath filters are not supported.
func ParsePath(path string) ([]PathSegment, error) {
	s := strings.TrimSpace(path)
	if s == "" || s == "$" {
		return nil, nil
	}
	s = strings.TrimPrefix(s, "$.")
	s = strings.TrimPrefix(s, "$")

	var segs []PathSegment
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return nil, fmt.Errorf("empty segment in path %q", path)
		}
		// Split off bracket indices: "items[0][1]" -> key "items", idx 0, idx 1.
		key := part
		var brackets string
		if i := strings.IndexByte(part, '['); i >= 0 {
			key, brackets = part[:i], part[i:]
		}
		if key != "" {
			segs = append(segs, PathSegment{Key: key, IsKey: true})
		}
		for brackets != "" {
			end := strings.IndexByte(brackets, ']')
			if !strings.HasPrefix(brackets, "[") || end < 0 {
				return nil, fmt.Errorf("malformed index in path %q", path)
			}
			idx, err := strconv.Atoi(brackets[1:end])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("invalid index %q in path %q", brackets[1:end], path)
			}
			segs = append(segs, PathSegment{Index: idx})
			brackets = brackets[end+1:]
		}
	}
	return segs, nil
}

// EvalPath evaluates a parsed path against a decoded JSON value
// (map[string]any / []any tree).
func EvalPath(root any, segs []PathSegment) (any, error) {
	current := root
	for _, seg := range segs {
		if seg.IsKey {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("cannot descend into %T with key %q", current, seg.Key)
			}
			value, ok := m[seg.Key]
			if !ok {
				return nil, fmt.Errorf("key %q not found", seg.Key)
			}
			current = value
			continue
		}
		arr, ok := current.([]any)
		if !ok {
			return nil, fmt.Errorf("cannot index into %T", current)
		}
		if seg.Index >= len(arr) {
			return nil, fmt.Errorf("index %d out of range (len %d)", seg.Index, len(arr))
		}
		current = arr[seg.Index]
	}
	return current, nil
}

// ResolvePath parses and evaluates a path expression in one call.
func ResolvePath(root any, path string) (any, error) {
	segs, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	return EvalPath(root, segs)
}
