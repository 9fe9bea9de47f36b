// Package session tracks upload sessions in memory. The registry is the
// single synchronization point: all reads return snapshot copies, so callers
// never hold references into registry-owned state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jbarasa/hesabu/internal/domain"
)

var (
	// ErrSessionNotFound is returned for unknown or expired session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrFileNotAttached is returned when a file id is not part of a session.
	ErrFileNotAttached = errors.New("file not attached to session")
)

// OperationLog persists operation records beyond process lifetime. The
// registry treats it as write-through: in-memory state is authoritative, the
// log is audit history.
type OperationLog interface {
	Append(ctx context.Context, sessionID string, rec domain.OperationRecord) error
}

// Registry is a synchronized in-memory session store.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session

	opLog  OperationLog
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithOperationLog enables write-through persistence of operation records.
func WithOperationLog(log OperationLog) Option {
	return func(r *Registry) { r.opLog = log }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		sessions: make(map[string]*domain.Session),
		logger:   logger.With(slog.String("component", "session")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new session and returns a snapshot of it.
func (r *Registry) Create(owner string) *domain.Session {
	now := r.now().UTC()
	s := &domain.Session{
		ID:             uuid.NewString(),
		Owner:          owner,
		CreatedAt:      now,
		LastAccessedAt: now,
		Files:          make(map[string]*domain.FileAttachment),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.logger.Info("session created", slog.String("session_id", s.ID))
	return cloneSession(s)
}

// Get returns a snapshot of the session and refreshes its last-access time.
func (r *Registry) Get(id string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.LastAccessedAt = r.now().UTC()
	return cloneSession(s), nil
}

// File returns a snapshot of one attachment, touching the session.
func (r *Registry) File(sessionID, fileID string) (*domain.FileAttachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	att, err := r.file(sessionID, fileID)
	if err != nil {
		return nil, err
	}
	return cloneAttachment(att), nil
}

// AttachFile adds an uploaded file to the session.
func (r *Registry) AttachFile(sessionID string, att *domain.FileAttachment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	cp := cloneAttachment(att)
	if cp.AddedAt.IsZero() {
		cp.AddedAt = r.now().UTC()
	}
	s.Files[cp.FileID] = cp
	s.LastAccessedAt = r.now().UTC()
	return nil
}

// SetSchema stores the schema summary captured at upload time.
func (r *Registry) SetSchema(sessionID, fileID string, schema *domain.SchemaSummary) error {
	return r.updateFile(sessionID, fileID, func(att *domain.FileAttachment) {
		att.Schema = schema
	})
}

// RecordScript remembers the most recent generated script for a file.
func (r *Registry) RecordScript(sessionID, fileID, script string) error {
	return r.updateFile(sessionID, fileID, func(att *domain.FileAttachment) {
		att.LastScript = script
	})
}

// RecordExecution remembers the most recent execution outcome for a file.
func (r *Registry) RecordExecution(sessionID, fileID string, outcome *domain.ExecutionOutcome) error {
	return r.updateFile(sessionID, fileID, func(att *domain.FileAttachment) {
		att.LastExecution = outcome
	})
}

// ClearExecution drops the last script and outcome, reverting the file's
// working state to its upload baseline.
func (r *Registry) ClearExecution(sessionID, fileID string) error {
	return r.updateFile(sessionID, fileID, func(att *domain.FileAttachment) {
		att.LastScript = ""
		att.LastExecution = nil
	})
}

// AppendOperation records an audit entry on the session and writes it
// through to the operation log when one is configured. A log failure does
// not fail the operation; the in-memory record is authoritative.
func (r *Registry) AppendOperation(ctx context.Context, sessionID string, kind domain.OperationKind, fileID string, payload map[string]any) error {
	rec := domain.OperationRecord{
		Timestamp: r.now().UTC(),
		Kind:      kind,
		FileID:    fileID,
		Payload:   payload,
	}

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.Operations = append(s.Operations, rec)
	s.LastAccessedAt = rec.Timestamp
	r.mu.Unlock()

	if r.opLog != nil {
		if err := r.opLog.Append(ctx, sessionID, rec); err != nil {
			r.logger.Warn("operation log write failed",
				slog.String("session_id", sessionID),
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// Delete removes a session. Returns false if it did not exist.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ExpireOlderThan removes sessions whose last access is older than maxAge
// and returns their ids. maxAge of zero expires everything.
func (r *Registry) ExpireOlderThan(maxAge time.Duration) []string {
	cutoff := r.now().UTC().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []string
	for id, s := range r.sessions {
		if !s.LastAccessedAt.After(cutoff) {
			delete(r.sessions, id)
			expired = append(expired, id)
		}
	}
	if len(expired) > 0 {
		r.logger.Info("sessions expired", slog.Int("count", len(expired)))
	}
	return expired
}

// file looks up an attachment; caller holds the lock.
func (r *Registry) file(sessionID, fileID string) (*domain.FileAttachment, error) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.LastAccessedAt = r.now().UTC()
	att, ok := s.Files[fileID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotAttached, fileID)
	}
	return att, nil
}

func (r *Registry) updateFile(sessionID, fileID string, update func(*domain.FileAttachment)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	att, err := r.file(sessionID, fileID)
	if err != nil {
		return err
	}
	update(att)
	return nil
}

func cloneSession(s *domain.Session) *domain.Session {
	cp := *s
	cp.Files = make(map[string]*domain.FileAttachment, len(s.Files))
	for id, att := range s.Files {
		cp.Files[id] = cloneAttachment(att)
	}
	cp.Operations = make([]domain.OperationRecord, len(s.Operations))
	copy(cp.Operations, s.Operations)
	return &cp
}

func cloneAttachment(att *domain.FileAttachment) *domain.FileAttachment {
	cp := *att
	if att.Schema != nil {
		schema := *att.Schema
		cp.Schema = &schema
	}
	if att.LastExecution != nil {
		exec := *att.LastExecution
		cp.LastExecution = &exec
	}
	return &cp
}
