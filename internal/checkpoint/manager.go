// Package checkpoint snapshots run workspaces so the rollback repair phase
// can restore the last known-good state. Each run workspace is a plain git
// repository; a checkpoint is a commit.
package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"git.home.luguber.info/inful/metabuilder/internal/logfields"
)

// ErrNoCheckpoint is returned when a rollback is requested for a run that
// never saved a known-good state.
var ErrNoCheckpoint = errors.New("no checkpoint recorded for run")

// Manager manages per-run workspace repositories under a common root.
type Manager struct {
	root string

	mu       sync.Mutex
	lastGood map[string]plumbing.Hash
}

// NewManager creates a manager rooted at workspaceRoot.
func NewManager(workspaceRoot string) *Manager {
	return &Manager{
		root:     workspaceRoot,
		lastGood: make(map[string]plumbing.Hash),
	}
}

// WorkspaceDir returns the workspace path for a run.
func (m *Manager) WorkspaceDir(runID string) string {
	return filepath.Join(m.root, runID)
}

// InitRun prepares (or reopens) the workspace repository for a run.
func (m *Manager) InitRun(runID string) error {
	dir := m.WorkspaceDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}
	if _, err := git.PlainInit(dir, false); err != nil && !errors.Is(err, git.ErrRepositoryAlreadyExists) {
		return fmt.Errorf("init workspace repository: %w", err)
	}
	return nil
}

// Save commits the current workspace state as a known-good checkpoint and
// returns the commit hash.
func (m *Manager) Save(runID, label string) (string, error) {
	repo, err := git.PlainOpen(m.WorkspaceDir(runID))
	if err != nil {
		return "", fmt.Errorf("open workspace repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("stage workspace: %w", err)
	}

	hash, err := wt.Commit(label, &git.CommitOptions{
		// Steps may legitimately leave the tree unchanged; the checkpoint
		// still has to advance so rollback targets stay unambiguous.
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  "metabuilder",
			Email: "metabuilder@luguber.info",
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit checkpoint: %w", err)
	}

	m.mu.Lock()
	m.lastGood[runID] = hash
	m.mu.Unlock()

	slog.Debug("Checkpoint saved",
		logfields.RunID(runID),
		slog.String("commit", hash.String()),
		slog.String("label", label))
	return hash.String(), nil
}

// HasCheckpoint reports whether a known-good state exists for the run.
func (m *Manager) HasCheckpoint(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lastGood[runID]
	return ok
}

// Rollback restores the workspace to the last known-good checkpoint.
func (m *Manager) Rollback(runID string) (string, error) {
	m.mu.Lock()
	hash, ok := m.lastGood[runID]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoCheckpoint, runID)
	}

	repo, err := git.PlainOpen(m.WorkspaceDir(runID))
	if err != nil {
		return "", fmt.Errorf("open workspace repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: hash, Mode: git.HardReset}); err != nil {
		return "", fmt.Errorf("reset to checkpoint %s: %w", hash, err)
	}

	slog.Info("Workspace rolled back to checkpoint",
		logfields.RunID(runID),
		slog.String("commit", hash.String()))
	return hash.String(), nil
}

// Forget drops checkpoint tracking for a terminal run. The workspace itself
// is left in place for offline inspection.
func (m *Manager) Forget(runID string) {
	m.mu.Lock()
	delete(m.lastGood, runID)
	m.mu.Unlock()
}
