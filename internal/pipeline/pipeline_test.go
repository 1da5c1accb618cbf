package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"leadflow_backend/internal/crm"
	"leadflow_backend/platform/logger"
)

func TestNormalizeFoldsSpellings(t *testing.T) {
	c := Default()

	cases := map[string]string{
		"New lead":          "New lead",
		"  NEW   LEAD ":     "New lead",
		"Closed - won":      "Closed won",
		"Propósal sent":     "Proposal sent",
		"meeting_scheduled": "Meeting scheduled",
		"incoming":          "New lead",
	}
	for raw, want := range cases {
		got, ok := c.Normalize(raw)
		if !ok || got != want {
			t.Fatalf("Normalize(%q) = %q, %v; want %q", raw, got, ok, want)
		}
	}

	if got, ok := c.Normalize("  Waiting   for  payment "); ok || got != "Waiting for payment" {
		t.Fatalf("unknown stage should be collapsed and not ok, got %q, %v", got, ok)
	}
}

func TestSlotsAndTerminalStages(t *testing.T) {
	c := Default()
	if !c.HasSlot("Contacted") {
		t.Fatalf("expected Contacted to have a slot")
	}
	if c.HasSlot("Closed won") || !c.IsTerminal("Closed won") {
		t.Fatalf("terminal stage must not have a slot")
	}
	if c.HasSlot("Unknown stage") {
		t.Fatalf("unknown stage must not have a slot")
	}
}

func TestEstimateRange(t *testing.T) {
	c := Default()
	lo, hi := c.EstimateRange("New lead")
	if lo != 24*time.Hour || hi != 7*24*time.Hour {
		t.Fatalf("unexpected New lead range %s..%s", lo, hi)
	}
	lo, hi = c.EstimateRange("Closed lost")
	if lo != 24*time.Hour || hi != 7*24*time.Hour {
		t.Fatalf("stages without a range should use the default, got %s..%s", lo, hi)
	}
}

func TestParseRejectsInvalidCatalogs(t *testing.T) {
	cases := map[string]string{
		"missing default": "stages:\n  - name: A\n",
		"unknown default": "default_stage: B\nstages:\n  - name: A\n",
		"duplicate alias": "default_stage: A\nstages:\n  - name: A\n    aliases: [x]\n  - name: B\n    aliases: [x]\n",
		"bad estimate":    "default_stage: A\nstages:\n  - name: A\n    estimate: {min_days: 5, max_days: 2}\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestWithDefaultStageOverride(t *testing.T) {
	c := Default().WithDefaultStage("contacted")
	if c.DefaultStage() != "Contacted" {
		t.Fatalf("expected canonical override, got %q", c.DefaultStage())
	}
	if Default().DefaultStage() != "New lead" {
		t.Fatalf("override must not mutate the original catalog")
	}
}

type fakeStatusSource struct {
	statuses []crm.Status
	err      error
	calls    int
}

func (f *fakeStatusSource) PipelineStatuses(context.Context, int64) ([]crm.Status, error) {
	f.calls++
	return f.statuses, f.err
}

func TestResolverResolvesAndCaches(t *testing.T) {
	src := &fakeStatusSource{statuses: []crm.Status{
		{ID: 100, Name: "Incoming leads"},
		{ID: 101, Name: "First contact"},
		{ID: 150, Name: "Waiting for payment"},
	}}
	r := NewResolver(src, Default(), logger.Discard())

	names := r.Resolve(context.Background(), 10)
	if names.Degraded() {
		t.Fatalf("expected exact names")
	}
	if got := names.Name(100); got.Name != "New lead" || !got.Exact {
		t.Fatalf("unexpected resolution for 100: %+v", got)
	}
	if got := names.Name(150); got.Name != "Waiting for payment" || !got.Exact {
		t.Fatalf("uncatalogued CRM names are still exact: %+v", got)
	}
	if got := names.Name(999); got.Name != "New lead" || got.Exact {
		t.Fatalf("unknown status should fall back inexactly: %+v", got)
	}

	r.Resolve(context.Background(), 10)
	if src.calls != 1 {
		t.Fatalf("expected cached second resolve, got %d calls", src.calls)
	}
	r.Invalidate(10)
	r.Resolve(context.Background(), 10)
	if src.calls != 2 {
		t.Fatalf("expected refetch after invalidate, got %d calls", src.calls)
	}
}

func TestResolverDegradesOnError(t *testing.T) {
	src := &fakeStatusSource{err: errors.New("timeout")}
	r := NewResolver(src, Default(), logger.Discard())

	names := r.Resolve(context.Background(), 10)
	if !names.Degraded() {
		t.Fatalf("expected degraded names")
	}
	if got := names.Name(100); got.Name != "New lead" || got.Exact {
		t.Fatalf("expected fallback label, got %+v", got)
	}

	r.Resolve(context.Background(), 10)
	if src.calls != 2 {
		t.Fatalf("degraded results must not be cached, got %d calls", src.calls)
	}
}

func TestResolverDegradesOnEmptyStatuses(t *testing.T) {
	r := NewResolver(&fakeStatusSource{}, Default(), logger.Discard())
	if !r.Resolve(context.Background(), 10).Degraded() {
		t.Fatalf("expected degraded names for empty status list")
	}
}
