package connector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/weftworks/weft/workflow"
)

// definitionGlob matches connector definition files under the registry dir.
const definitionGlob = "**/*.{yaml,yml}"

// reloadDebounce coalesces bursts of fsnotify events into one reload.
const reloadDebounce = 500 * time.Millisecond

// catalog is the immutable snapshot readers hold for the duration of a
// single lookup. Reload builds a fresh catalog and swaps the pointer.
type catalog struct {
	connectors map[string]*Definition
	ordered    []*Definition
	categories map[string][]string
}

// Registry loads connector definitions from a directory and resolves node
// types for the planner adapter and the runtime. Readers are lock-free
// after publication.
type Registry struct {
	dir     string
	logger  *slog.Logger
	catalog atomic.Pointer[catalog]
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates a registry rooted at dir. Call Load before use.
func NewRegistry(dir string, opts ...Option) *Registry {
	r := &Registry{
		dir:    dir,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	empty := buildCatalog([]*Definition{coreDefinition()})
	r.catalog.Store(empty)
	return r
}

// LoadStats reports what a Load pass found. The counts exclude the built-in
// core connector, which is always present.
type LoadStats struct {
	// Loaded is how many definitions made it into the catalog.
	Loaded int
	// Skipped is how many definition files were malformed and dropped.
	Skipped int
}

// Load reads every definition file under the registry directory and swaps
// the catalog atomically. Malformed definitions are skipped with a
// diagnostic; Load only fails on filesystem errors.
func (r *Registry) Load() (LoadStats, error) {
	matches, err := doublestar.Glob(os.DirFS(r.dir), definitionGlob)
	if err != nil {
		return LoadStats{}, fmt.Errorf("glob connector definitions: %w", err)
	}
	sort.Strings(matches)

	defs := []*Definition{coreDefinition()}
	var stats LoadStats
	for _, rel := range matches {
		path := filepath.Join(r.dir, rel)
		def, err := loadDefinitionFile(path)
		if err != nil {
			r.logger.Warn("Skipping malformed connector definition",
				"path", path,
				"error", err)
			stats.Skipped++
			continue
		}
		def.ID = NormalizeAppID(def.ID)
		if def.ID == coreAppID {
			r.logger.Warn("Skipping connector definition shadowing core", "path", path)
			stats.Skipped++
			continue
		}
		defs = append(defs, def)
		stats.Loaded++
	}

	r.catalog.Store(buildCatalog(defs))
	r.logger.Info("Connector registry loaded",
		"dir", r.dir,
		"connectors", stats.Loaded,
		"skipped", stats.Skipped)
	return stats, nil
}

// Watch reloads the catalog when definition files change. It blocks until
// the context is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerC = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("Connector watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			if _, err := r.Load(); err != nil {
				r.logger.Error("Connector reload failed", "error", err)
			}
		}
	}
}

// LoadDefinition reads and validates a single connector definition file.
// The CLI validate command uses it to report per-file diagnostics.
func LoadDefinition(path string) (*Definition, error) {
	return loadDefinitionFile(path)
}

func loadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func buildCatalog(defs []*Definition) *catalog {
	c := &catalog{
		connectors: make(map[string]*Definition, len(defs)),
		categories: make(map[string][]string),
	}
	for _, def := range defs {
		if _, dup := c.connectors[def.ID]; dup {
			continue
		}
		c.connectors[def.ID] = def
		c.ordered = append(c.ordered, def)
		category := def.Category
		if category == "" {
			category = "other"
		}
		c.categories[category] = append(c.categories[category], def.ID)
	}
	sort.Slice(c.ordered, func(i, j int) bool { return c.ordered[i].ID < c.ordered[j].ID })
	for _, ids := range c.categories {
		sort.Strings(ids)
	}
	return c
}

// ListConnectors returns every loaded connector, sorted by ID.
func (r *Registry) ListConnectors() []*Definition {
	return r.catalog.Load().ordered
}

// GetConnector returns the connector with the given app ID, or nil.
// The app ID is normalized before lookup.
func (r *Registry) GetConnector(appID string) *Definition {
	return r.catalog.Load().connectors[NormalizeAppID(appID)]
}

// GetFunction resolves a node type ("{role}.{app}:{op}" or "{app}:{op}")
// to its operation definition, or nil if it does not resolve.
func (r *Registry) GetFunction(nodeType string) *Function {
	role, app, op, err := workflow.NodeType(NormalizeNodeType(nodeType)).Parse()
	if err != nil {
		return nil
	}
	def := r.catalog.Load().connectors[app]
	if def == nil {
		return nil
	}

	if role == workflow.RoleTrigger {
		for i := range def.Triggers {
			if def.Triggers[i].ID == op {
				return &Function{AppID: def.ID, Kind: OpTrigger, Connector: def, Trigger: &def.Triggers[i]}
			}
		}
		return nil
	}

	for i := range def.Actions {
		if def.Actions[i].ID == op {
			return &Function{AppID: def.ID, Kind: OpAction, Connector: def, Action: &def.Actions[i]}
		}
	}
	// Short form also resolves triggers so the planner can look up either.
	if role == "" {
		for i := range def.Triggers {
			if def.Triggers[i].ID == op {
				return &Function{AppID: def.ID, Kind: OpTrigger, Connector: def, Trigger: &def.Triggers[i]}
			}
		}
	}
	return nil
}

// IsValidNodeType reports whether the node type resolves in the catalog.
// This is the sole authority used to reject unknown nodes.
func (r *Registry) IsValidNodeType(nodeType string) bool {
	return r.GetFunction(nodeType) != nil
}

// CatalogEntry is one searchable operation for UI consumption.
type CatalogEntry struct {
	NodeType    string `json:"nodeType"`
	App         string `json:"app"`
	Operation   string `json:"operation"`
	Kind        OpKind `json:"kind"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// NodeCatalog is the UI-facing view of the registry.
type NodeCatalog struct {
	Connectors []*Definition       `json:"connectors"`
	Categories map[string][]string `json:"categories"`
}

// GetNodeCatalog returns connectors grouped by category.
func (r *Registry) GetNodeCatalog() NodeCatalog {
	c := r.catalog.Load()
	return NodeCatalog{Connectors: c.ordered, Categories: c.categories}
}

// Search returns operations whose connector or operation matches the query,
// case-insensitively. An empty query returns every operation.
func (r *Registry) Search(query string) []CatalogEntry {
	q := strings.ToLower(strings.TrimSpace(query))
	var entries []CatalogEntry
	for _, def := range r.catalog.Load().ordered {
		appMatch := q == "" ||
			strings.Contains(strings.ToLower(def.ID), q) ||
			strings.Contains(strings.ToLower(def.Name), q) ||
			strings.Contains(strings.ToLower(def.Category), q)
		for i := range def.Actions {
			a := &def.Actions[i]
			if appMatch || opMatches(q, a.ID, a.Name, a.Description) {
				entries = append(entries, CatalogEntry{
					NodeType:    fmt.Sprintf("action.%s:%s", def.ID, a.ID),
					App:         def.ID,
					Operation:   a.ID,
					Kind:        OpAction,
					Name:        a.Name,
					Description: a.Description,
				})
			}
		}
		for i := range def.Triggers {
			tr := &def.Triggers[i]
			if appMatch || opMatches(q, tr.ID, tr.Name, tr.Description) {
				entries = append(entries, CatalogEntry{
					NodeType:    fmt.Sprintf("trigger.%s:%s", def.ID, tr.ID),
					App:         def.ID,
					Operation:   tr.ID,
					Kind:        OpTrigger,
					Name:        tr.Name,
					Description: tr.Description,
				})
			}
		}
	}
	return entries
}

func opMatches(q string, fields ...string) bool {
	if q == "" {
		return true
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}
