package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jbarasa/hesabu/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLifecycle(t *testing.T) {
	r := NewRegistry(testLogger())
	s := r.Create("tester")
	if s.ID == "" {
		t.Fatal("session id must not be empty")
	}

	if err := r.AttachFile(s.ID, &domain.FileAttachment{
		FileID:           "abc12345",
		OriginalFilename: "report.xlsx",
		ActiveSheet:      "Sheet1",
	}); err != nil {
		t.Fatalf("AttachFile: %v", err)
	}

	got, err := r.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Files) != 1 || got.Files["abc12345"].OriginalFilename != "report.xlsx" {
		t.Errorf("files = %+v", got.Files)
	}

	if err := r.RecordScript(s.ID, "abc12345", "df = df"); err != nil {
		t.Fatalf("RecordScript: %v", err)
	}
	att, err := r.File(s.ID, "abc12345")
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if att.LastScript != "df = df" {
		t.Errorf("LastScript = %q", att.LastScript)
	}

	if err := r.ClearExecution(s.ID, "abc12345"); err != nil {
		t.Fatalf("ClearExecution: %v", err)
	}
	att, _ = r.File(s.ID, "abc12345")
	if att.LastScript != "" || att.LastExecution != nil {
		t.Error("ClearExecution left state behind")
	}

	if !r.Delete(s.ID) {
		t.Error("Delete should report the session existed")
	}
	if _, err := r.Get(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get after delete = %v, want ErrSessionNotFound", err)
	}
}

func TestTypedErrors(t *testing.T) {
	r := NewRegistry(testLogger())
	if _, err := r.Get("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown session err = %v", err)
	}
	s := r.Create("tester")
	if _, err := r.File(s.ID, "nope"); !errors.Is(err, ErrFileNotAttached) {
		t.Errorf("unknown file err = %v", err)
	}
	if err := r.RecordScript(s.ID, "nope", "x"); !errors.Is(err, ErrFileNotAttached) {
		t.Errorf("RecordScript on unknown file err = %v", err)
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	r := NewRegistry(testLogger())
	s := r.Create("tester")
	if err := r.AttachFile(s.ID, &domain.FileAttachment{FileID: "f1"}); err != nil {
		t.Fatalf("AttachFile: %v", err)
	}

	snap, err := r.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	snap.Files["f1"].LastScript = "tampered"
	snap.Files["injected"] = &domain.FileAttachment{FileID: "injected"}

	fresh, _ := r.Get(s.ID)
	if fresh.Files["f1"].LastScript != "" {
		t.Error("mutating a snapshot leaked into the registry")
	}
	if _, ok := fresh.Files["injected"]; ok {
		t.Error("snapshot map is shared with the registry")
	}
}

func TestExpireOlderThan(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	r := NewRegistry(testLogger(), WithClock(clock))

	stale := r.Create("old")
	now = now.Add(25 * time.Hour)
	fresh := r.Create("new")

	expired := r.ExpireOlderThan(24 * time.Hour)
	if len(expired) != 1 || expired[0] != stale.ID {
		t.Errorf("expired = %v, want [%s]", expired, stale.ID)
	}
	if _, err := r.Get(fresh.ID); err != nil {
		t.Errorf("fresh session should survive: %v", err)
	}

	// Zero max age expires everything, including just-touched sessions.
	if got := r.ExpireOlderThan(0); len(got) != 1 {
		t.Errorf("ExpireOlderThan(0) = %v, want the remaining session", got)
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d after full expiry", r.Count())
	}
}

func TestGetRefreshesLastAccess(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	r := NewRegistry(testLogger(), WithClock(func() time.Time { return now }))

	s := r.Create("tester")
	now = now.Add(23 * time.Hour)
	if _, err := r.Get(s.ID); err != nil {
		t.Fatalf("Get: %v", err)
	}
	now = now.Add(2 * time.Hour)

	// 25h since creation but only 2h since last access.
	if expired := r.ExpireOlderThan(24 * time.Hour); len(expired) != 0 {
		t.Errorf("recently touched session expired: %v", expired)
	}
}

type memoryLog struct {
	mu   sync.Mutex
	recs []domain.OperationRecord
	err  error
}

func (l *memoryLog) Append(_ context.Context, _ string, rec domain.OperationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.recs = append(l.recs, rec)
	return nil
}

func TestAppendOperationWriteThrough(t *testing.T) {
	log := &memoryLog{}
	r := NewRegistry(testLogger(), WithOperationLog(log))
	s := r.Create("tester")

	if err := r.AppendOperation(context.Background(), s.ID, domain.OpUpload, "f1", map[string]any{"filename": "a.xlsx"}); err != nil {
		t.Fatalf("AppendOperation: %v", err)
	}

	got, _ := r.Get(s.ID)
	if len(got.Operations) != 1 || got.Operations[0].Kind != domain.OpUpload {
		t.Errorf("operations = %+v", got.Operations)
	}
	if len(log.recs) != 1 {
		t.Errorf("write-through recorded %d entries, want 1", len(log.recs))
	}

	// A failing log must not fail the operation.
	log.err = errors.New("disk full")
	if err := r.AppendOperation(context.Background(), s.ID, domain.OpExecute, "f1", nil); err != nil {
		t.Errorf("AppendOperation with failing log = %v, want nil", err)
	}
	got, _ = r.Get(s.ID)
	if len(got.Operations) != 2 {
		t.Errorf("in-memory record count = %d, want 2", len(got.Operations))
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry(testLogger())
	s := r.Create("tester")
	if err := r.AttachFile(s.ID, &domain.FileAttachment{FileID: "f1"}); err != nil {
		t.Fatalf("AttachFile: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.Get(s.ID)
		}()
		go func() {
			defer wg.Done()
			_ = r.RecordScript(s.ID, "f1", "df = df")
		}()
	}
	wg.Wait()

	if _, err := r.Get(s.ID); err != nil {
		t.Fatalf("Get after concurrent access: %v", err)
	}
}
