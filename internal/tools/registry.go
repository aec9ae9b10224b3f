package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/trellis/internal/providers"
)

// Tool is the interface all tools implement.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// ParallelSafe is implemented by tools that only read state. The agent
// loop runs a batch of parallel-safe calls concurrently; everything else
// executes serially in request order.
type ParallelSafe interface {
	IsParallelSafe() bool
}

// ExtPrefix marks tools backed by a subprocess extension server. Their
// qualified name is ext_<serverID>__<toolName>.
const ExtPrefix = "ext_"

// Registry holds the tools available to one agent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string // registration order, for stable prompts
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// IsParallelSafe reports whether the named tool may run concurrently
// with other parallel-safe tools. Unknown tools are not.
func (r *Registry) IsParallelSafe(name string) bool {
	t, ok := r.Get(name)
	if !ok {
		return false
	}
	ps, ok := t.(ParallelSafe)
	return ok && ps.IsParallelSafe()
}

// ProviderDefs converts the registry into native tool definitions.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// DescribeOptions controls the textual tool listing for providers
// without native tool support.
type DescribeOptions struct {
	Compact     bool // names and one-line descriptions only
	MaxExtTools int  // cap on extension tools listed; 0 = no cap
}

// Describe renders the registry as prompt text. Built-in tools always
// appear; extension tools are capped at MaxExtTools, longest-registered
// first, with a count of the omitted remainder.
func (r *Registry) Describe(opts DescribeOptions) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var builtin, ext []string
	for _, name := range r.order {
		if strings.HasPrefix(name, ExtPrefix) {
			ext = append(ext, name)
		} else {
			builtin = append(builtin, name)
		}
	}

	omitted := 0
	if opts.MaxExtTools > 0 && len(ext) > opts.MaxExtTools {
		omitted = len(ext) - opts.MaxExtTools
		ext = ext[:opts.MaxExtTools]
	}

	var b strings.Builder
	for _, name := range append(builtin, ext...) {
		t := r.tools[name]
		if opts.Compact {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name(), t.Description())
			continue
		}
		fmt.Fprintf(&b, "## %s\n%s\nParameters: %s\n\n", t.Name(), t.Description(), schemaSummary(t.Parameters()))
	}
	if omitted > 0 {
		fmt.Fprintf(&b, "(%d more extension tools not listed)\n", omitted)
	}
	return b.String()
}

// schemaSummary renders a JSON-schema object as "name (type, required)"
// pairs, stable by property name.
func schemaSummary(schema map[string]interface{}) string {
	props, _ := schema["properties"].(map[string]interface{})
	if len(props) == 0 {
		return "none"
	}
	required := make(map[string]bool)
	switch req := schema["required"].(type) {
	case []string:
		for _, k := range req {
			required[k] = true
		}
	case []interface{}:
		for _, k := range req {
			if s, ok := k.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		typ := "any"
		if p, ok := props[name].(map[string]interface{}); ok {
			if ts, ok := p["type"].(string); ok {
				typ = ts
			}
		}
		if required[name] {
			parts = append(parts, fmt.Sprintf("%s (%s, required)", name, typ))
		} else {
			parts = append(parts, fmt.Sprintf("%s (%s)", name, typ))
		}
	}
	return strings.Join(parts, ", ")
}

// Execute runs the named tool with a per-call timeout. A missing tool
// returns an unknown_tool error result rather than failing the loop.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}, timeout time.Duration) *Result {
	t, ok := r.Get(name)
	if !ok {
		return KindError(KindUnknownTool, fmt.Sprintf("unknown tool %q", name))
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	res := t.Execute(ctx, args)
	if res == nil {
		res = ErrorResult("tool returned no result")
	}
	if res.IsError && res.Kind == "" && ctx.Err() == context.DeadlineExceeded {
		res.Kind = KindTimeout
	}
	slog.Debug("tools.execute",
		"tool", name,
		"is_error", res.IsError,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res
}
