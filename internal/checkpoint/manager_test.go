package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestSaveAndRollback(t *testing.T) {
	m := NewManager(t.TempDir())
	if err := m.InitRun("r1"); err != nil {
		t.Fatalf("init run: %v", err)
	}
	dir := m.WorkspaceDir("r1")

	writeFile(t, dir, "main.go", "package main\n")
	commit, err := m.Save("r1", "step compile complete")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if commit == "" {
		t.Fatalf("expected commit hash")
	}
	if !m.HasCheckpoint("r1") {
		t.Fatalf("checkpoint not tracked")
	}

	// A later step corrupts the workspace.
	writeFile(t, dir, "main.go", "package main // broken\n")
	writeFile(t, dir, "junk.txt", "leftover\n")

	restored, err := m.Rollback("r1")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if restored != commit {
		t.Fatalf("expected rollback to %s got %s", commit, restored)
	}

	content, err := os.ReadFile(filepath.Join(dir, "main.go"))
	if err != nil {
		t.Fatalf("read main.go: %v", err)
	}
	if string(content) != "package main\n" {
		t.Fatalf("file not restored: %q", content)
	}
	if _, err := os.Stat(filepath.Join(dir, "junk.txt")); !os.IsNotExist(err) {
		t.Fatalf("untracked file must be removed by hard reset")
	}
}

func TestRollbackTargetsLatestCheckpoint(t *testing.T) {
	m := NewManager(t.TempDir())
	if err := m.InitRun("r1"); err != nil {
		t.Fatalf("init run: %v", err)
	}
	dir := m.WorkspaceDir("r1")

	writeFile(t, dir, "a.txt", "one\n")
	if _, err := m.Save("r1", "step one"); err != nil {
		t.Fatalf("save one: %v", err)
	}
	writeFile(t, dir, "a.txt", "two\n")
	second, err := m.Save("r1", "step two")
	if err != nil {
		t.Fatalf("save two: %v", err)
	}

	writeFile(t, dir, "a.txt", "garbage\n")
	restored, err := m.Rollback("r1")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if restored != second {
		t.Fatalf("rollback must target the latest checkpoint")
	}
	content, _ := os.ReadFile(filepath.Join(dir, "a.txt"))
	if string(content) != "two\n" {
		t.Fatalf("expected latest checkpoint content, got %q", content)
	}
}

func TestEmptyStepStillAdvancesCheckpoint(t *testing.T) {
	m := NewManager(t.TempDir())
	if err := m.InitRun("r1"); err != nil {
		t.Fatalf("init run: %v", err)
	}
	writeFile(t, m.WorkspaceDir("r1"), "a.txt", "one\n")
	first, err := m.Save("r1", "step one")
	if err != nil {
		t.Fatalf("save one: %v", err)
	}
	// No workspace change between steps.
	second, err := m.Save("r1", "step two")
	if err != nil {
		t.Fatalf("save two: %v", err)
	}
	if first == second {
		t.Fatalf("empty checkpoint must still advance")
	}
}

func TestRollbackWithoutCheckpoint(t *testing.T) {
	m := NewManager(t.TempDir())
	if err := m.InitRun("r1"); err != nil {
		t.Fatalf("init run: %v", err)
	}
	if _, err := m.Rollback("r1"); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint got %v", err)
	}
}

func TestForgetDropsTracking(t *testing.T) {
	m := NewManager(t.TempDir())
	if err := m.InitRun("r1"); err != nil {
		t.Fatalf("init run: %v", err)
	}
	writeFile(t, m.WorkspaceDir("r1"), "a.txt", "one\n")
	if _, err := m.Save("r1", "step one"); err != nil {
		t.Fatalf("save: %v", err)
	}
	m.Forget("r1")
	if m.HasCheckpoint("r1") {
		t.Fatalf("forget must drop tracking")
	}
	// The workspace stays on disk for inspection.
	if _, err := os.Stat(m.WorkspaceDir("r1")); err != nil {
		t.Fatalf("workspace must survive forget: %v", err)
	}
}

func TestInitRunIsIdempotent(t *testing.T) {
	m := NewManager(t.TempDir())
	if err := m.InitRun("r1"); err != nil {
		t.Fatalf("first init: %v", err)
	}
	if err := m.InitRun("r1"); err != nil {
		t.Fatalf("reopen must succeed: %v", err)
	}
}
