// Package workflow defines the workflow graph model: nodes, edges, parameter
// values, and the execution status state machines. The graph is a DAG with
// exactly one trigger node; validation and topological ordering live here so
// the runtime and the planner adapter share one authority.
package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// NodeRole classifies a node by its type prefix.
type NodeRole string

const (
	RoleTrigger   NodeRole = "trigger"
	RoleAction    NodeRole = "action"
	RoleTransform NodeRole = "transform"
	RoleBranch    NodeRole = "branch"
	RoleLLM       NodeRole = "llm"
)

// IsValid returns true if the role is known.
func (r NodeRole) IsValid() bool {
	switch r {
	case RoleTrigger, RoleAction, RoleTransform, RoleBranch, RoleLLM:
		return true
	default:
		return false
	}
}

// NodeType is a registry-validated "{role}.{app}:{operation}" identifier.
type NodeType string

// Parse splits the node type into role, app, and operation.
// The short form "{app}:{operation}" has an empty role.
func (t NodeType) Parse() (role NodeRole, app, operation string, err error) {
	s := string(t)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		role = NodeRole(s[:i])
		if !role.IsValid() {
			return "", "", "", fmt.Errorf("invalid node role %q in type %q", s[:i], t)
		}
		s = s[i+1:]
	}
	app, operation, ok := strings.Cut(s, ":")
	if !ok || app == "" || operation == "" {
		return "", "", "", fmt.Errorf("node type %q must be app:operation", t)
	}
	return role, app, operation, nil
}

// Role returns the role prefix, or empty for the short form.
func (t NodeType) Role() NodeRole {
	role, _, _, err := t.Parse()
	if err != nil {
		return ""
	}
	return role
}

// RetryPolicy controls per-node retry behavior. Zero values fall back to the
// registry defaults at execution time.
type RetryPolicy struct {
	MaxAttempts       int     `json:"maxAttempts"`
	InitialBackoffMs  int     `json:"initialBackoffMs"`
	MaxBackoffMs      int     `json:"maxBackoffMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	// Jitter is "full", "equal", or "none".
	Jitter string `json:"jitter"`
	// RetryOn widens or narrows the retryable error classes.
	RetryOn *RetryOn `json:"retryOn,omitempty"`
}

// RetryOn selects which error classes are retryable for a node.
type RetryOn struct {
	Transient    bool  `json:"transient"`
	RateLimited  bool  `json:"rateLimited"`
	NetworkError bool  `json:"networkError"`
	HTTPStatuses []int `json:"httpStatuses,omitempty"`
}

// Node is a single unit of work in a workflow graph.
type Node struct {
	// ID is unique within the graph.
	ID string `json:"id"`

	// Type resolves in the connector registry.
	Type NodeType `json:"type"`

	// Params maps parameter names to values.
	Params map[string]ParamValue `json:"params,omitempty"`

	// RetryPolicy overrides the registry default when set.
	RetryPolicy *RetryPolicy `json:"retryPolicy,omitempty"`

	// IdempotencyKey is an optional template string. Identical
	// (workflowID, nodeID, key) within one execution short-circuits to
	// the stored output.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Edge is a directed dependency between two nodes. Label selects a branch
// output when the source is a branch node.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// Graph is a workflow graph identified by (WorkflowID, Version).
type Graph struct {
	WorkflowID string `json:"workflowId"`
	Version    int    `json:"version"`
	Name       string `json:"name,omitempty"`
	Nodes      []Node `json:"nodes"`
	Edges      []Edge `json:"edges"`
}

// NodeByID returns the node with the given ID, or nil.
func (g *Graph) NodeByID(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// TriggerNode returns the graph's trigger node, or nil.
func (g *Graph) TriggerNode() *Node {
	for i := range g.Nodes {
		if g.Nodes[i].Type.Role() == RoleTrigger {
			return &g.Nodes[i]
		}
	}
	return nil
}

// TypeResolver reports whether a node type is known. The connector registry
// is the sole implementation outside of tests.
type TypeResolver interface {
	IsValidNodeType(nodeType string) bool
}

// Validate checks the structural invariants: unique node IDs, types resolve,
// edge endpoints exist, exactly one trigger, the graph is acyclic, every
// param is well-formed, and every ref target is upstream of the referring
// node along edges.
func (g *Graph) Validate(resolver TypeResolver) error {
	if g.WorkflowID == "" {
		return fmt.Errorf("workflowId is required")
	}
	if len(g.Nodes) == 0 {
		return fmt.Errorf("graph has no nodes")
	}

	byID := make(map[string]*Node, len(g.Nodes))
	triggers := 0
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("node %d has empty id", i)
		}
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		byID[n.ID] = n

		if _, _, _, err := n.Type.Parse(); err != nil {
			return err
		}
		if resolver != nil && !resolver.IsValidNodeType(string(n.Type)) {
			return fmt.Errorf("node %q: unknown node type %q", n.ID, n.Type)
		}
		if n.Type.Role() == RoleTrigger {
			triggers++
		}
		for name, p := range n.Params {
			if err := p.Validate(); err != nil {
				return fmt.Errorf("node %q param %q: %w", n.ID, name, err)
			}
		}
	}
	if triggers != 1 {
		return fmt.Errorf("graph must have exactly one trigger node, found %d", triggers)
	}

	for _, e := range g.Edges {
		if _, ok := byID[e.From]; !ok {
			return fmt.Errorf("edge references unknown node %q", e.From)
		}
		if _, ok := byID[e.To]; !ok {
			return fmt.Errorf("edge references unknown node %q", e.To)
		}
		if e.From == e.To {
			return fmt.Errorf("self-edge on node %q", e.From)
		}
	}

	order, err := g.TopoOrder()
	if err != nil {
		return err
	}

	// Ref targets must be ancestors of the referring node. The scheduler
	// orders nodes by edges only, so a ref without an edge path has no
	// happens-before guarantee once nodes run in parallel; topological
	// position alone is not enough.
	deps := g.Dependencies()
	ancestors := make(map[string]map[string]bool, len(g.Nodes))
	for _, id := range order {
		anc := make(map[string]bool, len(deps[id]))
		for _, dep := range deps[id] {
			anc[dep] = true
			for a := range ancestors[dep] {
				anc[a] = true
			}
		}
		ancestors[id] = anc
	}
	for _, n := range g.Nodes {
		for name, p := range n.Params {
			if p.Kind != ParamRef {
				continue
			}
			if _, ok := byID[p.Ref.NodeID]; !ok {
				return fmt.Errorf("node %q param %q references unknown node %q", n.ID, name, p.Ref.NodeID)
			}
			if !ancestors[n.ID][p.Ref.NodeID] {
				return fmt.Errorf("node %q param %q references node %q which is not upstream of it", n.ID, name, p.Ref.NodeID)
			}
		}
	}
	return nil
}

// TopoOrder returns node IDs in a deterministic topological order, or an
// error naming a node on a cycle. Ties break on node ID so the order is
// stable across runs; the runtime must not rely on it beyond edge
// happens-before.
func (g *Graph) TopoOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.Nodes))
	out := make(map[string][]string, len(g.Nodes))
	for _, n := range g.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range g.Edges {
		out[e.From] = append(out[e.From], e.To)
		indegree[e.To]++
	}

	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		inserted := false
		for _, next := range out[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
				inserted = true
			}
		}
		if inserted {
			sort.Strings(ready)
		}
	}

	if len(order) != len(g.Nodes) {
		for id, d := range indegree {
			if d > 0 {
				return nil, fmt.Errorf("graph has a cycle through node %q", id)
			}
		}
	}
	return order, nil
}

// Reachable returns the set of node IDs reachable from the trigger node.
// Nodes outside this set are no-ops at execution time.
func (g *Graph) Reachable() map[string]bool {
	trigger := g.TriggerNode()
	if trigger == nil {
		return nil
	}
	out := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		out[e.From] = append(out[e.From], e.To)
	}
	seen := map[string]bool{trigger.ID: true}
	stack := []string{trigger.ID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range out[id] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return seen
}

// Dependencies returns, for each node, the IDs of its direct upstream nodes.
func (g *Graph) Dependencies() map[string][]string {
	deps := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		deps[e.To] = append(deps[e.To], e.From)
	}
	return deps
}

// OutgoingEdges returns the edges leaving the given node.
func (g *Graph) OutgoingEdges(nodeID string) []Edge {
	var edges []Edge
	for _, e := range g.Edges {
		if e.From == nodeID {
			edges = append(edges, e)
		}
	}
	return edges
}
