// Package capability holds the registry mapping capability names to their
// permitted tools and bound executors, and the dispatcher that invokes an
// executor for one task. The registry is the single authority consulted both
// at plan validation and again at dispatch time; a (capability, tool) pair
// that slips past validation is still refused here.
package capability

import (
	"context"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"
)

type (
	// ExecutorFunc runs one task's tool invocation. Implementations must
	// honor context cancellation; the dispatcher enforces a deadline.
	ExecutorFunc func(ctx context.Context, inputs map[string]any) (any, error)

	// Matrix declares the permitted tools per capability. It is the
	// authorization source of truth, loaded once at startup.
	Matrix map[string][]string

	// CatalogEntry describes one capability for the planning oracle.
	CatalogEntry struct {
		Capability string   `json:"capability"`
		Tools      []string `json:"tools"`
	}

	// Registry is the process-wide capability table. It is read-only
	// after construction and binding; no locking is needed.
	Registry struct {
		matrix    Matrix
		executors map[string]map[string]ExecutorFunc
	}

	// PermissionError reports a (capability, tool) pair the registry
	// refuses to dispatch.
	PermissionError struct {
		Capability string
		Tool       string
		Reason     string
	}
)

// Error implements the error interface.
func (e *PermissionError) Error() string {
	return fmt.Sprintf("dispatch refused for %s/%s: %s", e.Capability, e.Tool, e.Reason)
}

// matrixFile is the YAML document shape for LoadMatrix.
type matrixFile struct {
	Capabilities map[string]struct {
		Tools []string `yaml:"tools"`
	} `yaml:"capabilities"`
}

// LoadMatrix reads a capability matrix from YAML:
//
//	capabilities:
//	  screener:
//	    tools: [filter_stocks, rank_stocks]
func LoadMatrix(r io.Reader) (Matrix, error) {
	var doc matrixFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode capability matrix: %w", err)
	}
	if len(doc.Capabilities) == 0 {
		return nil, fmt.Errorf("capability matrix declares no capabilities")
	}
	m := make(Matrix, len(doc.Capabilities))
	for name, c := range doc.Capabilities {
		if len(c.Tools) == 0 {
			return nil, fmt.Errorf("capability %q declares no tools", name)
		}
		m[name] = append([]string(nil), c.Tools...)
	}
	return m, nil
}

// NewRegistry constructs a registry from a permission matrix. Executors are
// bound afterwards with Bind; binding outside the matrix is refused.
func NewRegistry(m Matrix) (*Registry, error) {
	if len(m) == 0 {
		return nil, fmt.Errorf("capability matrix is empty")
	}
	r := &Registry{
		matrix:    make(Matrix, len(m)),
		executors: make(map[string]map[string]ExecutorFunc, len(m)),
	}
	for name, tools := range m {
		if len(tools) == 0 {
			return nil, fmt.Errorf("capability %q permits no tools", name)
		}
		r.matrix[name] = append([]string(nil), tools...)
		r.executors[name] = make(map[string]ExecutorFunc, len(tools))
	}
	return r, nil
}

// Bind attaches an executor to a permitted (capability, tool) pair.
func (r *Registry) Bind(capability, tool string, fn ExecutorFunc) error {
	if fn == nil {
		return fmt.Errorf("bind %s/%s: nil executor", capability, tool)
	}
	if !r.HasTool(capability, tool) {
		return fmt.Errorf("bind %s/%s: pair is not in the capability matrix", capability, tool)
	}
	r.executors[capability][tool] = fn
	return nil
}

// HasCapability reports whether the capability exists in the matrix.
func (r *Registry) HasCapability(capability string) bool {
	_, ok := r.matrix[capability]
	return ok
}

// HasTool reports whether the tool is permitted for the capability.
func (r *Registry) HasTool(capability, tool string) bool {
	for _, t := range r.matrix[capability] {
		if t == tool {
			return true
		}
	}
	return false
}

// Executor resolves the executor for a (capability, tool) pair. An
// unpermitted or unbound pair yields a PermissionError without invoking
// anything.
func (r *Registry) Executor(capability, tool string) (ExecutorFunc, error) {
	if !r.HasCapability(capability) {
		return nil, &PermissionError{Capability: capability, Tool: tool, Reason: "capability is not registered"}
	}
	if !r.HasTool(capability, tool) {
		return nil, &PermissionError{Capability: capability, Tool: tool, Reason: "tool is not permitted for capability"}
	}
	fn, ok := r.executors[capability][tool]
	if !ok {
		return nil, &PermissionError{Capability: capability, Tool: tool, Reason: "no executor bound"}
	}
	return fn, nil
}

// Catalog returns the capability matrix sorted by capability name, for
// presentation to the planning oracle.
func (r *Registry) Catalog() []CatalogEntry {
	entries := make([]CatalogEntry, 0, len(r.matrix))
	for name, tools := range r.matrix {
		sorted := append([]string(nil), tools...)
		sort.Strings(sorted)
		entries = append(entries, CatalogEntry{Capability: name, Tools: sorted})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Capability < entries[j].Capability })
	return entries
}
