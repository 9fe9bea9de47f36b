package artifact

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "uploads"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestSaveLoadRoundtrip(t *testing.T) {
	s := newTestStore(t)
	data := []byte("spreadsheet bytes")

	if err := s.Save("abc12345", "report.xlsx", data); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load("abc12345", "report.xlsx")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Load = %q, want %q", got, data)
	}
	if !s.Exists("abc12345", "report.xlsx") {
		t.Error("Exists should report the artifact")
	}
}

func TestSaveOverwritesAtomically(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save("scope", "f.xlsx", []byte("v1")); err != nil {
		t.Fatalf("Save v1: %v", err)
	}
	if err := s.Save("scope", "f.xlsx", []byte("v2")); err != nil {
		t.Fatalf("Save v2: %v", err)
	}
	got, err := s.Load("scope", "f.xlsx")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("Load = %q, want v2", got)
	}

	// No temp files may survive the swap.
	names, err := s.List("scope")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 1 || names[0] != "f.xlsx" {
		t.Errorf("List = %v, want [f.xlsx]", names)
	}
}

func TestLoadMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Load("nope", "f.xlsx"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing scope err = %v, want ErrNotFound", err)
	}
	if err := s.Save("scope", "a.xlsx", []byte("x")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Load("scope", "missing.xlsx"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing artifact err = %v, want ErrNotFound", err)
	}
}

func TestInvalidScopeAndName(t *testing.T) {
	s := newTestStore(t)
	for _, scope := range []string{"", "..", "a/b", ".hidden"} {
		if err := s.Save(scope, "f.xlsx", []byte("x")); err == nil {
			t.Errorf("Save with scope %q should fail", scope)
		}
	}
	for _, name := range []string{"", "../escape", "a/b", ".tmp"} {
		if err := s.Save("scope", name, []byte("x")); err == nil {
			t.Errorf("Save with name %q should fail", name)
		}
	}
}

func TestDeleteScopeIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save("scope", "a.xlsx", []byte("x")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save("scope", "b.xlsx", []byte("y")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	n, err := s.DeleteScope("scope")
	if err != nil {
		t.Fatalf("DeleteScope: %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteScope removed %d, want 2", n)
	}

	n, err = s.DeleteScope("scope")
	if err != nil {
		t.Fatalf("DeleteScope again: %v", err)
	}
	if n != 0 {
		t.Errorf("second DeleteScope removed %d, want 0", n)
	}
}

func TestSweepOlderThan(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save("old", "a.xlsx", []byte("x")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save("fresh", "b.xlsx", []byte("y")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Age the old scope by pushing its mtimes into the past.
	past := time.Now().Add(-48 * time.Hour)
	oldDir := filepath.Join(s.Root(), "old")
	if err := os.Chtimes(filepath.Join(oldDir, "a.xlsx"), past, past); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	if err := os.Chtimes(oldDir, past, past); err != nil {
		t.Fatalf("Chtimes dir: %v", err)
	}

	removed, err := s.SweepOlderThan(24 * time.Hour)
	if err != nil {
		t.Fatalf("SweepOlderThan: %v", err)
	}
	if len(removed) != 1 || removed[0] != "old" {
		t.Errorf("removed = %v, want [old]", removed)
	}
	if s.Exists("old", "a.xlsx") {
		t.Error("old artifact should be gone")
	}
	if !s.Exists("fresh", "b.xlsx") {
		t.Error("fresh artifact should survive")
	}
}

func TestSweepKeepsScopeWithRecentArtifact(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save("scope", "old.xlsx", []byte("x")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save("scope", "new.xlsx", []byte("y")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(s.Root(), "scope", "old.xlsx"), past, past); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	removed, err := s.SweepOlderThan(24 * time.Hour)
	if err != nil {
		t.Fatalf("SweepOlderThan: %v", err)
	}
	if len(removed) != 0 {
		t.Errorf("scope with a recent artifact was swept: %v", removed)
	}
}
