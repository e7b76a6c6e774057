package escalate

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestTailReplannerKeepsHeadReissuesTail(t *testing.T) {
	current := Plan{
		ID:    "p1",
		RunID: "r1",
		Steps: []Step{
			{ID: "fetch", Name: "fetch sources"},
			{ID: "compile", Name: "compile"},
			{ID: "test", Name: "run tests"},
		},
	}

	next, err := TailReplanner{}.Replan(context.Background(), current, "compile")
	if err != nil {
		t.Fatalf("replan: %v", err)
	}
	if next.ID == current.ID {
		t.Fatalf("replan must mint a fresh plan id")
	}
	if next.RunID != "r1" {
		t.Fatalf("run id must carry over, got %s", next.RunID)
	}
	if len(next.Steps) != 3 {
		t.Fatalf("expected 3 steps got %d", len(next.Steps))
	}
	if next.Steps[0].ID != "fetch" {
		t.Fatalf("completed head must be kept verbatim, got %s", next.Steps[0].ID)
	}
	for _, s := range next.Steps[1:] {
		if !strings.Contains(s.ID, ".r") {
			t.Fatalf("tail step %s not reissued", s.ID)
		}
	}
	if next.Steps[1].Name != "compile" {
		t.Fatalf("reissued step must keep its name, got %s", next.Steps[1].Name)
	}
}

func TestTailReplannerUnknownStep(t *testing.T) {
	current := Plan{ID: "p1", RunID: "r1", Steps: []Step{{ID: "compile"}}}
	if _, err := (TailReplanner{}).Replan(context.Background(), current, "deploy"); err == nil {
		t.Fatalf("expected error for step missing from plan")
	}
}

func TestDiffPlans(t *testing.T) {
	before := Plan{ID: "p1", Steps: []Step{{ID: "fetch"}, {ID: "compile"}, {ID: "test"}}}
	after := Plan{ID: "p2", Steps: []Step{{ID: "fetch"}, {ID: "compile.r1a2b3c4"}, {ID: "test.r1a2b3c4"}}}

	raw, err := DiffPlans(before, after)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	var d struct {
		Removed []string `json:"removed"`
		Added   []string `json:"added"`
		Kept    []string `json:"kept"`
	}
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatalf("unmarshal diff: %v", err)
	}
	if len(d.Kept) != 1 || d.Kept[0] != "fetch" {
		t.Fatalf("expected fetch kept got %v", d.Kept)
	}
	if len(d.Removed) != 2 || len(d.Added) != 2 {
		t.Fatalf("expected 2 removed and 2 added got removed=%v added=%v", d.Removed, d.Added)
	}
}

func TestStepIDs(t *testing.T) {
	p := Plan{Steps: []Step{{ID: "a"}, {ID: "b"}}}
	ids := p.StepIDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("unexpected ids %v", ids)
	}
}
