package report

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/html"

	"git.home.luguber.info/inful/metabuilder/internal/store"
)

func seedRun(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	created := time.UnixMilli(1_700_000_000_000)
	completed := created.Add(20 * time.Minute)

	err = st.SaveRun(ctx, store.RunRow{
		ID: "r1", Tenant: "acme", Status: "failed", CanaryGroup: "control",
		BudgetExceeded: true, BudgetDimension: "attempts", LastDetail: "attempt budget exhausted",
		CreatedAt: created, CompletedAt: &completed,
	})
	if err != nil {
		t.Fatalf("save run: %v", err)
	}
	err = st.SaveRunBudget(ctx, store.RunBudgetRow{
		RunID: "r1", Tenant: "acme",
		CostBudget: 100, TimeBudget: 30 * time.Minute, AttemptBudget: 20,
		CurrentCost: 42.5, CurrentTime: 18 * time.Minute, CurrentAttempts: 20,
		UpdatedAt: completed,
	})
	if err != nil {
		t.Fatalf("save budget: %v", err)
	}
	_, err = st.AppendRepairAttempt(ctx, store.RepairAttemptRow{
		ID: "a1", IdempotencyKey: "r1:compile:1", RunID: "r1", StepID: "compile",
		FailureClass: "timeout", Phase: "retry", Strategy: "backoff_retry",
		Action: "retry", Backoff: 2 * time.Second, CreatedAt: created.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("append attempt: %v", err)
	}
	err = st.AppendPlanDelta(ctx, store.PlanDeltaRow{
		ID: "d1", RunID: "r1", OriginalPlanID: "p1", NewPlanID: "p2",
		Diff: `{"removed":["compile"],"added":["compile.r1a2b3c4"],"kept":["fetch"]}`,
		TriggeredBy: "compile", CreatedAt: created.Add(2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("append delta: %v", err)
	}
	err = st.SaveChaosEvent(ctx, store.ChaosEventRow{
		ID: "e1", RunID: "r1", StepID: "compile", ChaosType: "timeout",
		InjectedAt: created.Add(30 * time.Second),
	})
	if err != nil {
		t.Fatalf("save chaos event: %v", err)
	}
	if err := st.ResolveChaosEvent(ctx, "e1", created.Add(5*time.Minute), false); err != nil {
		t.Fatalf("resolve chaos event: %v", err)
	}
	return st
}

func TestMarkdownContainsRunSections(t *testing.T) {
	g := NewGenerator(seedRun(t))

	md, err := g.Markdown(context.Background(), "r1")
	if err != nil {
		t.Fatalf("markdown: %v", err)
	}

	for _, want := range []string{
		"# Run r1",
		"Tenant: `acme`",
		"Status: **failed**",
		"Budget exceeded on dimension: **attempts**",
		"## Budget",
		"| Attempts | 20 | 20 |",
		"## Repair history",
		"| compile | timeout | retry | backoff_retry | retry |",
		"## Replans",
		"plan `p1` -> `p2`",
		"## Chaos events",
		"| compile | timeout | no |",
	} {
		if !strings.Contains(md, want) {
			t.Fatalf("markdown missing %q:\n%s", want, md)
		}
	}
}

func TestMarkdownUnknownRun(t *testing.T) {
	g := NewGenerator(seedRun(t))
	if _, err := g.Markdown(context.Background(), "ghost"); err == nil {
		t.Fatalf("expected error for unknown run")
	}
}

func TestHTMLRendersTables(t *testing.T) {
	g := NewGenerator(seedRun(t))

	out, err := g.HTML(context.Background(), "r1")
	if err != nil {
		t.Fatalf("html: %v", err)
	}

	doc, err := html.Parse(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("parse html: %v", err)
	}

	counts := map[string]int{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			counts[n.Data]++
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if counts["h1"] != 1 {
		t.Fatalf("expected one h1 got %d", counts["h1"])
	}
	// Budget, repair history and chaos sections each render a GFM table.
	if counts["table"] != 3 {
		t.Fatalf("expected 3 tables got %d", counts["table"])
	}
	if counts["h2"] != 4 {
		t.Fatalf("expected 4 section headings got %d", counts["h2"])
	}
}
