// Package replay captures everything needed to deterministically re-execute
// a run offline: inputs, failure signals, repair decisions, plan versions
// and checkpoint references. The capture is append-only while the run is
// live and frozen into a bundle exactly once at run end.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/metabuilder/internal/logfields"
	"git.home.luguber.info/inful/metabuilder/internal/store"
)

// Entry kinds in a replay stream.
const (
	KindRunInput      = "run_input"
	KindFailureSignal = "failure_signal"
	KindDecision      = "repair_decision"
	KindPlanVersion   = "plan_version"
	KindCheckpoint    = "checkpoint_ref"
	KindChaos         = "chaos_event"
	KindOutcome       = "run_outcome"
)

// Persister is the store slice the recorder writes to.
type Persister interface {
	AppendReplayEntry(ctx context.Context, row store.ReplayEntryRow) error
	ListReplayEntries(ctx context.Context, runID string) ([]store.ReplayEntryRow, error)
	SaveReplayBundle(ctx context.Context, runID string, content []byte, finalizedAt time.Time) error
	GetReplayBundle(ctx context.Context, runID string) ([]byte, error)
}

// Recorder appends replay entries during a run and freezes the bundle at
// run end.
type Recorder struct {
	persist Persister
	clock   clockwork.Clock
}

// NewRecorder creates a recorder backed by the given store.
func NewRecorder(persist Persister, clock clockwork.Clock) *Recorder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Recorder{persist: persist, clock: clock}
}

// Append records one replay entry. payload is marshalled to JSON; append
// order is the authoritative event order for re-execution.
func (r *Recorder) Append(ctx context.Context, runID, kind string, payload any) error {
	if r.persist == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal replay payload: %w", err)
	}
	err = r.persist.AppendReplayEntry(ctx, store.ReplayEntryRow{
		RunID:     runID,
		Kind:      kind,
		Payload:   raw,
		CreatedAt: r.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("append replay entry: %w", err)
	}
	return nil
}

// bundleEntry is one entry as rendered into the frozen bundle.
type bundleEntry struct {
	Seq     int64           `json:"seq"`
	Kind    string          `json:"kind"`
	At      int64           `json:"at_ms"`
	Payload json.RawMessage `json:"payload"`
}

// bundle is the frozen artifact. Field order and the marshal path are fixed
// so a finalized bundle is reproducible byte for byte.
type bundle struct {
	RunID       string        `json:"run_id"`
	Entries     []bundleEntry `json:"entries"`
	FinalizedAt int64         `json:"finalized_at_ms"`
}

// Finalize freezes the run's replay bundle and returns its bytes. The first
// finalization is authoritative: concurrent or repeated calls all return
// the same stored bytes.
func (r *Recorder) Finalize(ctx context.Context, runID string) ([]byte, error) {
	if r.persist == nil {
		return nil, fmt.Errorf("replay recorder has no store")
	}

	if existing, err := r.persist.GetReplayBundle(ctx, runID); err != nil {
		return nil, fmt.Errorf("check existing bundle: %w", err)
	} else if existing != nil {
		return existing, nil
	}

	rows, err := r.persist.ListReplayEntries(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load replay entries: %w", err)
	}

	b := bundle{
		RunID:       runID,
		Entries:     make([]bundleEntry, 0, len(rows)),
		FinalizedAt: r.clock.Now().UnixMilli(),
	}
	for _, row := range rows {
		b.Entries = append(b.Entries, bundleEntry{
			Seq:     row.ID,
			Kind:    row.Kind,
			At:      row.CreatedAt.UnixMilli(),
			Payload: json.RawMessage(row.Payload),
		})
	}

	content, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal replay bundle: %w", err)
	}

	if err := r.persist.SaveReplayBundle(ctx, runID, content, r.clock.Now()); err != nil {
		return nil, fmt.Errorf("freeze replay bundle: %w", err)
	}

	// The insert is ignore-on-conflict; read back so a lost race still
	// returns the winner's bytes.
	stored, err := r.persist.GetReplayBundle(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("read back bundle: %w", err)
	}

	slog.Info("Replay bundle finalized",
		logfields.RunID(runID),
		slog.Int("entries", len(b.Entries)),
		slog.Int("bytes", len(stored)))
	return stored, nil
}

// Bundle returns the finalized bundle, or nil when the run is still live.
func (r *Recorder) Bundle(ctx context.Context, runID string) ([]byte, error) {
	if r.persist == nil {
		return nil, nil
	}
	return r.persist.GetReplayBundle(ctx, runID)
}
