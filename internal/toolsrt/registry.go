// Package toolsrt implements the tool runtime (spec §4.3): a registry of
// named handlers, admission-controlled execution, auto-checkpointing, and
// chunked event emission.
package toolsrt

import (
	"context"
	"fmt"
	"sync"
)

// ToolOutput is a tool handler's result (spec §4.3).
type ToolOutput struct {
	Stdout    []string
	Stderr    []string
	ExitCode  int
	Artifacts []ArtifactRef
}

// ArtifactRef mirrors events.ArtifactRef for handlers that don't want to
// import pkg/events directly.
type ArtifactRef struct {
	ArtifactID string
	Path       string
	Bytes      int64
	Truncated  bool
}

// Invocation is what a handler receives: the parsed tool call.
type Invocation struct {
	ToolID string
	Name   string
	Args   map[string]interface{}
}

// Handler executes one tool invocation.
type Handler func(ctx context.Context, inv Invocation) (ToolOutput, error)

// Registry resolves tool names (and aliases) to handlers. The teacher's
// own Registry type was not present in the retrieved snapshot; this is
// authored fresh from the call-site shape observed elsewhere in the tree
// (ExecuteWithContext(ctx, name, args, ...), ProviderDefs()).
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	aliases  map[string]string
	defs     map[string]ToolDef
}

// ToolDef is the JSON-schema-shaped tool definition surfaced to the
// provider request builder (spec §4.8 "built-in function tool schemas").
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		aliases:  make(map[string]string),
		defs:     make(map[string]ToolDef),
	}
}

// Register adds a handler under name, plus any aliases that should resolve
// to the same handler.
func (r *Registry) Register(def ToolDef, handler Handler, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.Name] = handler
	r.defs[def.Name] = def
	for _, a := range aliases {
		r.aliases[a] = def.Name
	}
}

// Resolve looks up a handler by name or alias.
func (r *Registry) Resolve(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	h, ok := r.handlers[name]
	return h, ok
}

// ProviderDefs returns every registered tool's schema, for building the
// provider request's function-tool list.
func (r *Registry) ProviderDefs() []ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDef, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	return out
}

// ExecuteWithContext resolves and runs a tool by name directly, without
// the admission/checkpoint/event-emission wrapping of Runner.Execute, for
// callers that need the raw result.
func (r *Registry) ExecuteWithContext(ctx context.Context, name string, args map[string]interface{}) (ToolOutput, error) {
	h, ok := r.Resolve(name)
	if !ok {
		return ToolOutput{}, fmt.Errorf("toolsrt: unknown tool %q", name)
	}
	return h(ctx, Invocation{Name: name, Args: args})
}
