package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/metabuilder/internal/store"
)

func newTestRecorder(t *testing.T) (*Recorder, *clockwork.FakeClock) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	fc := clockwork.NewFakeClock()
	return NewRecorder(st, fc), fc
}

func TestAppendPreservesOrder(t *testing.T) {
	rec, _ := newTestRecorder(t)
	ctx := context.Background()

	entries := []struct {
		kind    string
		payload any
	}{
		{KindRunInput, map[string]string{"run_id": "r1", "tenant": "acme"}},
		{KindFailureSignal, map[string]string{"step_id": "compile", "class": "timeout"}},
		{KindDecision, map[string]string{"action": "retry"}},
		{KindOutcome, map[string]string{"status": "succeeded"}},
	}
	for _, e := range entries {
		if err := rec.Append(ctx, "r1", e.kind, e.payload); err != nil {
			t.Fatalf("append %s: %v", e.kind, err)
		}
	}

	raw, err := rec.Finalize(ctx, "r1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	var b struct {
		RunID   string `json:"run_id"`
		Entries []struct {
			Seq  int64  `json:"seq"`
			Kind string `json:"kind"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		t.Fatalf("unmarshal bundle: %v", err)
	}
	if b.RunID != "r1" {
		t.Fatalf("expected run r1 got %s", b.RunID)
	}
	if len(b.Entries) != len(entries) {
		t.Fatalf("expected %d entries got %d", len(entries), len(b.Entries))
	}
	for i, e := range b.Entries {
		if e.Kind != entries[i].kind {
			t.Fatalf("entry %d: expected kind %s got %s", i, entries[i].kind, e.Kind)
		}
		if i > 0 && e.Seq <= b.Entries[i-1].Seq {
			t.Fatalf("sequence not monotonic at entry %d", i)
		}
	}
}

// Repeated finalization must return the first bundle byte for byte, even
// when entries arrive or the clock moves in between.
func TestFinalizeIsIdempotent(t *testing.T) {
	rec, fc := newTestRecorder(t)
	ctx := context.Background()

	if err := rec.Append(ctx, "r1", KindRunInput, map[string]string{"run_id": "r1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	first, err := rec.Finalize(ctx, "r1")
	if err != nil {
		t.Fatalf("first finalize: %v", err)
	}

	fc.Advance(time.Hour)
	_ = rec.Append(ctx, "r1", KindOutcome, map[string]string{"status": "late"})

	second, err := rec.Finalize(ctx, "r1")
	if err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("repeated finalization produced different bytes")
	}
}

func TestBundleNilBeforeFinalize(t *testing.T) {
	rec, _ := newTestRecorder(t)
	ctx := context.Background()

	if err := rec.Append(ctx, "r1", KindRunInput, map[string]string{}); err != nil {
		t.Fatalf("append: %v", err)
	}
	raw, err := rec.Bundle(ctx, "r1")
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	if raw != nil {
		t.Fatalf("expected nil bundle before finalize, got %d bytes", len(raw))
	}
}

func TestRunsAreIsolated(t *testing.T) {
	rec, _ := newTestRecorder(t)
	ctx := context.Background()

	_ = rec.Append(ctx, "r1", KindRunInput, map[string]string{"run": "one"})
	_ = rec.Append(ctx, "r2", KindRunInput, map[string]string{"run": "two"})

	raw, err := rec.Finalize(ctx, "r1")
	if err != nil {
		t.Fatalf("finalize r1: %v", err)
	}
	var b struct {
		Entries []json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(b.Entries) != 1 {
		t.Fatalf("r1 bundle must only hold r1 entries, got %d", len(b.Entries))
	}
}
