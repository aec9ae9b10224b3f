package tools

import (
	"context"
	"strings"
	"testing"
	"time"
)

type stubTool struct {
	name     string
	desc     string
	parallel bool
	execute  func(ctx context.Context, args map[string]interface{}) *Result
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return s.desc }
func (s *stubTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"q": map[string]interface{}{"type": "string"},
		},
		"required": []string{"q"},
	}
}
func (s *stubTool) IsParallelSafe() bool { return s.parallel }
func (s *stubTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if s.execute != nil {
		return s.execute(ctx, args)
	}
	return NewResult("ok")
}

func TestRegistryRegisterAndOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "beta"})
	r.Register(&stubTool{name: "alpha"})
	r.Register(&stubTool{name: "beta", desc: "replaced"})

	names := r.Names()
	if len(names) != 2 || names[0] != "beta" || names[1] != "alpha" {
		t.Fatalf("names = %v, want [beta alpha]", names)
	}
	got, ok := r.Get("beta")
	if !ok || got.Description() != "replaced" {
		t.Fatalf("re-registering did not replace the tool")
	}

	r.Unregister("beta")
	if _, ok := r.Get("beta"); ok {
		t.Fatal("beta still present after Unregister")
	}
	if names := r.Names(); len(names) != 1 || names[0] != "alpha" {
		t.Fatalf("names after unregister = %v", names)
	}
}

func TestRegistryParallelSafe(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "reader", parallel: true})
	r.Register(&stubTool{name: "writer", parallel: false})

	if !r.IsParallelSafe("reader") {
		t.Error("reader should be parallel safe")
	}
	if r.IsParallelSafe("writer") {
		t.Error("writer should not be parallel safe")
	}
	if r.IsParallelSafe("missing") {
		t.Error("unknown tools must not be parallel safe")
	}
}

func TestRegistryProviderDefs(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "one", desc: "first"})
	r.Register(&stubTool{name: "two", desc: "second"})

	defs := r.ProviderDefs()
	if len(defs) != 2 {
		t.Fatalf("got %d defs, want 2", len(defs))
	}
	if defs[0].Name != "one" || defs[1].Name != "two" {
		t.Fatalf("defs out of registration order: %s, %s", defs[0].Name, defs[1].Name)
	}
	if defs[0].Description != "first" {
		t.Errorf("description = %q", defs[0].Description)
	}
	if defs[0].Parameters == nil {
		t.Error("parameters missing")
	}
}

func TestRegistryDescribeCapsExtensionTools(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "save_note", desc: "saves"})
	for _, name := range []string{"ext_a__one", "ext_a__two", "ext_b__three"} {
		r.Register(&stubTool{name: name, desc: "extension"})
	}

	out := r.Describe(DescribeOptions{Compact: true, MaxExtTools: 2})
	if !strings.Contains(out, "save_note") {
		t.Error("built-in tool missing from listing")
	}
	if !strings.Contains(out, "ext_a__one") || !strings.Contains(out, "ext_a__two") {
		t.Error("first two extension tools should be listed")
	}
	if strings.Contains(out, "ext_b__three") {
		t.Error("third extension tool should be omitted")
	}
	if !strings.Contains(out, "(1 more extension tools not listed)") {
		t.Errorf("missing omission count:\n%s", out)
	}
}

func TestRegistryDescribeSchemaSummary(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "lookup", desc: "finds things"})

	out := r.Describe(DescribeOptions{})
	if !strings.Contains(out, "q (string, required)") {
		t.Errorf("schema summary missing required marker:\n%s", out)
	}
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), "nope", nil, 0)
	if !res.IsError || res.Kind != KindUnknownTool {
		t.Fatalf("got %+v, want unknown_tool error", res)
	}
}

func TestRegistryExecuteTimeout(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{
		name: "slow",
		execute: func(ctx context.Context, _ map[string]interface{}) *Result {
			<-ctx.Done()
			return ErrorResult("interrupted")
		},
	})

	res := r.Execute(context.Background(), "slow", nil, 20*time.Millisecond)
	if !res.IsError {
		t.Fatal("expected error result")
	}
	if res.Kind != KindTimeout {
		t.Fatalf("kind = %q, want %q", res.Kind, KindTimeout)
	}
}

func TestRegistryExecuteNilResult(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{
		name:    "broken",
		execute: func(context.Context, map[string]interface{}) *Result { return nil },
	})
	res := r.Execute(context.Background(), "broken", nil, 0)
	if res == nil || !res.IsError {
		t.Fatalf("nil tool result must become an error, got %+v", res)
	}
}
