package kv

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return d
}

func TestSetGetDelete(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	if v, err := d.Get(ctx, "missing"); err != nil || v != "" {
		t.Errorf("missing key: got (%q, %v)", v, err)
	}

	if err := d.Set(ctx, "k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := d.Set(ctx, "k", "v2"); err != nil {
		t.Fatal(err)
	}
	if v, _ := d.Get(ctx, "k"); v != "v2" {
		t.Errorf("got %q, want v2", v)
	}

	if err := d.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if v, _ := d.Get(ctx, "k"); v != "" {
		t.Errorf("deleted key still returns %q", v)
	}
}

func TestAlwaysOnFlag(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	on, err := d.AlwaysOn(ctx, "u1", "main")
	if err != nil || on {
		t.Errorf("fresh flag: got (%v, %v)", on, err)
	}

	if err := d.SetAlwaysOn(ctx, "u1", "main", true); err != nil {
		t.Fatal(err)
	}
	if on, _ := d.AlwaysOn(ctx, "u1", "main"); !on {
		t.Error("flag not set")
	}
	if on, _ := d.AlwaysOn(ctx, "u1", "other"); on {
		t.Error("flag leaked to another agent")
	}

	if err := d.SetAlwaysOn(ctx, "u1", "main", false); err != nil {
		t.Fatal(err)
	}
	if on, _ := d.AlwaysOn(ctx, "u1", "main"); on {
		t.Error("flag not cleared")
	}
}

func TestUsageLedger(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	dayStart := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	events := []UsageEvent{
		{UserID: "u1", AgentID: "main", Model: "m", CostUSD: 0.10, CreatedAt: dayStart.Add(-time.Hour)}, // yesterday
		{UserID: "u1", AgentID: "main", Model: "m", CostUSD: 0.25, CreatedAt: dayStart.Add(time.Hour)},
		{UserID: "u1", AgentID: "side", Model: "m", CostUSD: 0.15, CreatedAt: dayStart.Add(2 * time.Hour)},
		{UserID: "u2", AgentID: "main", Model: "m", CostUSD: 9.99, CreatedAt: dayStart.Add(time.Hour)},
	}
	for _, ev := range events {
		if err := d.RecordUsage(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	got, err := d.CostSince(ctx, "u1", dayStart)
	if err != nil {
		t.Fatalf("CostSince: %v", err)
	}
	if got < 0.399 || got > 0.401 {
		t.Errorf("u1 daily cost = %v, want 0.40", got)
	}

	got, err = d.CostSince(ctx, "u3", dayStart)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Errorf("unknown user cost = %v, want 0", got)
	}
}
