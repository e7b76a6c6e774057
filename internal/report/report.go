// Package report renders a human-readable account of a run: its repair
// history, budget consumption, replans, and chaos events. The source format
// is Markdown; the ops API serves it rendered to HTML.
package report

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	goldmarkhtml "github.com/yuin/goldmark/renderer/html"

	"git.home.luguber.info/inful/metabuilder/internal/store"
)

// Source is the store surface the generator reads.
type Source interface {
	GetRun(ctx context.Context, runID string) (*store.RunRow, error)
	GetRunBudget(ctx context.Context, runID string) (*store.RunBudgetRow, error)
	ListRepairAttempts(ctx context.Context, runID string) ([]store.RepairAttemptRow, error)
	ListPlanDeltas(ctx context.Context, runID string) ([]store.PlanDeltaRow, error)
	ListChaosEvents(ctx context.Context, runID string) ([]store.ChaosEventRow, error)
}

// Generator builds run reports.
type Generator struct {
	src Source
	md  goldmark.Markdown
}

// NewGenerator creates a report generator over the given store.
func NewGenerator(src Source) *Generator {
	return &Generator{
		src: src,
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(goldmarkhtml.WithHardWraps()),
		),
	}
}

// Markdown assembles the run report in Markdown.
func (g *Generator) Markdown(ctx context.Context, runID string) (string, error) {
	run, err := g.src.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run == nil {
		return "", fmt.Errorf("run %s not found", runID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Run %s\n\n", run.ID)
	fmt.Fprintf(&b, "- Tenant: `%s`\n", run.Tenant)
	fmt.Fprintf(&b, "- Status: **%s**\n", run.Status)
	fmt.Fprintf(&b, "- Canary group: %s\n", run.CanaryGroup)
	fmt.Fprintf(&b, "- Started: %s\n", run.CreatedAt.UTC().Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Fprintf(&b, "- Completed: %s\n", run.CompletedAt.UTC().Format(time.RFC3339))
	}
	if run.BudgetExceeded {
		fmt.Fprintf(&b, "- Budget exceeded on dimension: **%s**\n", run.BudgetDimension)
	}
	if run.LastDetail != "" {
		fmt.Fprintf(&b, "- Detail: %s\n", run.LastDetail)
	}
	b.WriteString("\n")

	if budget, err := g.src.GetRunBudget(ctx, runID); err != nil {
		return "", err
	} else if budget != nil {
		b.WriteString("## Budget\n\n")
		b.WriteString("| Dimension | Used | Ceiling |\n|---|---|---|\n")
		fmt.Fprintf(&b, "| Cost | %.2f | %.2f |\n", budget.CurrentCost, budget.CostBudget)
		fmt.Fprintf(&b, "| Time | %s | %s |\n", budget.CurrentTime, budget.TimeBudget)
		fmt.Fprintf(&b, "| Attempts | %d | %d |\n\n", budget.CurrentAttempts, budget.AttemptBudget)
	}

	attempts, err := g.src.ListRepairAttempts(ctx, runID)
	if err != nil {
		return "", err
	}
	if len(attempts) > 0 {
		b.WriteString("## Repair history\n\n")
		b.WriteString("| Time | Step | Failure class | Phase | Strategy | Action | Backoff |\n|---|---|---|---|---|---|---|\n")
		for _, a := range attempts {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s | %s |\n",
				a.CreatedAt.UTC().Format(time.RFC3339), a.StepID, a.FailureClass,
				a.Phase, a.Strategy, a.Action, a.Backoff)
		}
		b.WriteString("\n")
	}

	deltas, err := g.src.ListPlanDeltas(ctx, runID)
	if err != nil {
		return "", err
	}
	if len(deltas) > 0 {
		b.WriteString("## Replans\n\n")
		for _, d := range deltas {
			fmt.Fprintf(&b, "- %s: plan `%s` -> `%s` (%s)\n\n",
				d.CreatedAt.UTC().Format(time.RFC3339), d.OriginalPlanID, d.NewPlanID, d.TriggeredBy)
			fmt.Fprintf(&b, "  ```json\n  %s\n  ```\n\n", d.Diff)
		}
	}

	events, err := g.src.ListChaosEvents(ctx, runID)
	if err != nil {
		return "", err
	}
	if len(events) > 0 {
		b.WriteString("## Chaos events\n\n")
		b.WriteString("| Injected | Step | Type | Recovered |\n|---|---|---|---|\n")
		for _, e := range events {
			recovered := "pending"
			if e.RecoverySuccessful != nil {
				if *e.RecoverySuccessful {
					recovered = "yes"
				} else {
					recovered = "no"
				}
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
				e.InjectedAt.UTC().Format(time.RFC3339), e.StepID, e.ChaosType, recovered)
		}
		b.WriteString("\n")
	}

	return b.String(), nil
}

// HTML renders the Markdown report to HTML.
func (g *Generator) HTML(ctx context.Context, runID string) ([]byte, error) {
	md, err := g.Markdown(ctx, runID)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := g.md.Convert([]byte(md), &buf); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return buf.Bytes(), nil
}
