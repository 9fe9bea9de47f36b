// Package artifact stores uploaded and transformed spreadsheet bytes on the
// local filesystem. Artifacts are namespaced by an opaque scope (one
// directory per upload), written with a temp-file-then-rename swap so a
// previous artifact is never left corrupted, and reclaimed by an mtime-based
// sweep.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when a scope or artifact does not exist. Callers
// treat it as a recoverable condition: a reference may outlive its bytes
// when sessions and artifacts expire independently.
var ErrNotFound = errors.New("artifact not found")

// Store is a filesystem-backed artifact store. Safe for concurrent use; the
// filesystem provides the synchronization (rename is atomic within a
// directory).
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates the root directory if needed.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Store{
		root:   root,
		logger: logger.With(slog.String("component", "artifact")),
	}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Save writes data under scope/name. The write goes to a temporary file in
// the same directory and is renamed into place, so a concurrent reader sees
// either the old artifact or the new one, never a partial write.
func (s *Store) Save(scope, name string, data []byte) error {
	dir, err := s.scopeDir(scope)
	if err != nil {
		return err
	}
	if err := validName(name); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create scope dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("swap artifact into place: %w", err)
	}

	s.logger.Debug("artifact saved",
		slog.String("scope", scope),
		slog.String("name", name),
		slog.Int("bytes", len(data)))
	return nil
}

// Load reads an artifact's bytes. A missing scope or name yields ErrNotFound.
func (s *Store) Load(scope, name string) ([]byte, error) {
	dir, err := s.scopeDir(scope)
	if err != nil {
		return nil, err
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, scope, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

// Exists reports whether an artifact is present.
func (s *Store) Exists(scope, name string) bool {
	dir, err := s.scopeDir(scope)
	if err != nil {
		return false
	}
	if validName(name) != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, name))
	return err == nil
}

// List returns the artifact names in a scope, sorted by the filesystem's
// directory order. A missing scope yields ErrNotFound.
func (s *Store) List(scope string) ([]string, error) {
	dir, err := s.scopeDir(scope)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, scope)
	}
	if err != nil {
		return nil, fmt.Errorf("list scope: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Delete removes one artifact. Removing an absent artifact is not an error.
func (s *Store) Delete(scope, name string) error {
	dir, err := s.scopeDir(scope)
	if err != nil {
		return err
	}
	if err := validName(name); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

// DeleteScope removes a scope and everything in it. Idempotent; returns the
// number of artifacts removed.
func (s *Store) DeleteScope(scope string) (int, error) {
	dir, err := s.scopeDir(scope)
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read scope: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("delete scope: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.Type().IsRegular() {
			n++
		}
	}
	s.logger.Debug("scope deleted", slog.String("scope", scope), slog.Int("artifacts", n))
	return n, nil
}

// SweepOlderThan removes scopes whose newest artifact is older than maxAge
// and returns the removed scope names. Directories vanishing mid-sweep (a
// concurrent DeleteScope, for instance) are skipped, not errors.
func (s *Store) SweepOlderThan(maxAge time.Duration) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read artifact root: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)

	var removed []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		newest, err := newestMtime(filepath.Join(s.root, e.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			s.logger.Warn("sweep: cannot stat scope",
				slog.String("scope", e.Name()),
				slog.String("error", err.Error()))
			continue
		}
		if newest.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			s.logger.Warn("sweep: cannot remove scope",
				slog.String("scope", e.Name()),
				slog.String("error", err.Error()))
			continue
		}
		removed = append(removed, e.Name())
	}
	if len(removed) > 0 {
		s.logger.Info("artifact scopes swept", slog.Int("count", len(removed)))
	}
	return removed, nil
}

// newestMtime returns the most recent modification time within a scope
// directory, falling back to the directory's own mtime when it is empty.
func newestMtime(dir string) (time.Time, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, err
	}
	newest := info.ModTime()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, err
	}
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue // Vanished between ReadDir and Info.
		}
		if fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
	}
	return newest, nil
}

func (s *Store) scopeDir(scope string) (string, error) {
	if scope == "" || scope != filepath.Base(scope) || strings.HasPrefix(scope, ".") {
		return "", fmt.Errorf("invalid scope %q", scope)
	}
	return filepath.Join(s.root, scope), nil
}

func validName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	return nil
}
