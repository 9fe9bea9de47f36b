package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/jbarasa/hesabu/internal/artifact"
	"github.com/jbarasa/hesabu/internal/domain"
	"github.com/jbarasa/hesabu/internal/excel"
	"github.com/jbarasa/hesabu/internal/executor"
	"github.com/jbarasa/hesabu/internal/generate"
	"github.com/jbarasa/hesabu/internal/ratelimit"
	"github.com/jbarasa/hesabu/internal/safety"
	"github.com/jbarasa/hesabu/internal/session"
	"github.com/jbarasa/hesabu/internal/table"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubGenerator struct {
	gen *domain.Generation
	err error
}

func (g *stubGenerator) Generate(context.Context, generate.Request) (*domain.Generation, error) {
	return g.gen, g.err
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return New(
		session.NewRegistry(testLogger()),
		store,
		safety.New(),
		executor.New(testLogger()),
		testLogger(),
		opts...,
	)
}

func fixtureWorkbook(t *testing.T) []byte {
	t.Helper()
	ids, err := table.New(
		table.Column{Name: "id", Kind: table.KindInt, Values: []any{int64(1), int64(2), int64(3), int64(4), int64(5)}},
		table.Column{Name: "value", Kind: table.KindInt, Values: []any{int64(10), int64(20), int64(30), int64(40), int64(50)}},
	)
	if err != nil {
		t.Fatalf("table.New: %v", err)
	}
	data, err := excel.Serialize(&excel.Workbook{
		SheetNames: []string{"Data"},
		Sheets:     map[string]*table.Table{"Data": ids},
	})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	return data
}

func uploadFixture(t *testing.T, s *Service) *UploadResult {
	t.Helper()
	res, err := s.Upload(context.Background(), UploadInput{
		Owner:    "tester",
		Filename: "report.xlsx",
		Data:     fixtureWorkbook(t),
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	return res
}

func TestUploadCreatesSessionAndArtifact(t *testing.T) {
	s := newTestService(t)
	res := uploadFixture(t, s)

	if res.SessionID == "" || res.FileID == "" {
		t.Fatalf("empty ids in %+v", res)
	}
	if res.Schema.Rows != 5 || res.Schema.Columns != 2 {
		t.Errorf("schema = %dx%d, want 5x2", res.Schema.Rows, res.Schema.Columns)
	}

	sess, err := s.Sessions().Get(res.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := sess.Files[res.FileID]; !ok {
		t.Error("file not attached to session")
	}
	if len(sess.Operations) != 1 || sess.Operations[0].Kind != domain.OpUpload {
		t.Errorf("operations = %+v, want one upload", sess.Operations)
	}

	files, err := s.ListFiles(res.SessionID)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 || len(files[0].Versions) != 1 || files[0].Versions[0] != "original" {
		t.Errorf("files = %+v", files)
	}
}

func TestUploadRejectsNonXlsx(t *testing.T) {
	s := newTestService(t)
	_, err := s.Upload(context.Background(), UploadInput{Filename: "data.csv", Data: []byte("a,b")})
	if !errors.Is(err, ErrUnsupportedFile) {
		t.Fatalf("err = %v, want ErrUnsupportedFile", err)
	}
}

func TestUploadIntoMissingSession(t *testing.T) {
	s := newTestService(t)
	_, err := s.Upload(context.Background(), UploadInput{
		SessionID: "nope",
		Filename:  "report.xlsx",
		Data:      fixtureWorkbook(t),
	})
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestAnalyzeRecordsSafeScript(t *testing.T) {
	script := "df = tbl.where(df, function(row) { return row.value > 20; })"
	s := newTestService(t, WithGenerator(&stubGenerator{gen: &domain.Generation{
		Script:      script,
		Explanation: "Keeps rows with value above 20.",
	}}))
	res := uploadFixture(t, s)

	out, err := s.Analyze(context.Background(), res.SessionID, res.FileID, "filter value > 20")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !out.Safe || out.Script != script {
		t.Errorf("result = %+v", out)
	}

	att, err := s.Sessions().File(res.SessionID, res.FileID)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if att.LastScript != script {
		t.Errorf("LastScript = %q", att.LastScript)
	}
}

func TestAnalyzeFlagsUnsafeScript(t *testing.T) {
	s := newTestService(t, WithGenerator(&stubGenerator{gen: &domain.Generation{
		Script: `df = eval("tbl.head(df, 1)")`,
	}}))
	res := uploadFixture(t, s)

	out, err := s.Analyze(context.Background(), res.SessionID, res.FileID, "anything")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if out.Safe || out.SafetyMessage == "" {
		t.Errorf("unsafe script not flagged: %+v", out)
	}

	att, err := s.Sessions().File(res.SessionID, res.FileID)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if att.LastScript != "" {
		t.Errorf("unsafe script recorded: %q", att.LastScript)
	}
}

func TestAnalyzeWithoutGenerator(t *testing.T) {
	s := newTestService(t)
	res := uploadFixture(t, s)
	if _, err := s.Analyze(context.Background(), res.SessionID, res.FileID, "x"); !errors.Is(err, ErrGeneratorDisabled) {
		t.Fatalf("err = %v, want ErrGeneratorDisabled", err)
	}
}

func TestExecutePersistsModifiedArtifact(t *testing.T) {
	s := newTestService(t)
	res := uploadFixture(t, s)
	ctx := context.Background()

	outcome, err := s.Execute(ctx, res.SessionID, res.FileID,
		"df = tbl.where(df, function(row) { return row.value > 20; })", true)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !outcome.Succeeded || outcome.RowsAfter != 3 || outcome.RowDelta != -2 {
		t.Fatalf("outcome = %+v", outcome)
	}

	att, err := s.Sessions().File(res.SessionID, res.FileID)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if att.LastExecution == nil || !att.LastExecution.Succeeded {
		t.Error("execution not recorded on attachment")
	}

	dl, err := s.Download(ctx, res.SessionID, res.FileID, "modified")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	wb, err := excel.Parse(dl.Data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, tab := wb.ActiveSheet()
	ids, err := tab.ColumnValues("id")
	if err != nil {
		t.Fatalf("ColumnValues: %v", err)
	}
	want := []any{int64(3), int64(4), int64(5)}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %v, want %v", i, ids[i], want[i])
		}
	}
}

func TestExecuteChainsOnModifiedState(t *testing.T) {
	s := newTestService(t)
	res := uploadFixture(t, s)
	ctx := context.Background()

	if _, err := s.Execute(ctx, res.SessionID, res.FileID,
		"df = tbl.where(df, function(row) { return row.value > 20; })", true); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	outcome, err := s.Execute(ctx, res.SessionID, res.FileID, "df = tbl.head(df, 1)", true)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	// Three rows survive the first pass, so the second starts from three.
	if outcome.RowsBefore != 3 || outcome.RowsAfter != 1 {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestExecutePreviewLeavesNoTrace(t *testing.T) {
	s := newTestService(t)
	res := uploadFixture(t, s)

	outcome, err := s.Execute(context.Background(), res.SessionID, res.FileID,
		"df = tbl.head(df, 2)", false)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !outcome.Succeeded || outcome.RowsAfter != 2 {
		t.Fatalf("outcome = %+v", outcome)
	}

	att, err := s.Sessions().File(res.SessionID, res.FileID)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if att.LastExecution != nil || att.LastScript != "" {
		t.Error("preview must not record state")
	}
	if _, err := s.Download(context.Background(), res.SessionID, res.FileID, "modified"); !errors.Is(err, artifact.ErrNotFound) {
		t.Errorf("modified artifact should not exist, err = %v", err)
	}
}

func TestExecuteSafetyViolationIsAnOutcome(t *testing.T) {
	s := newTestService(t)
	res := uploadFixture(t, s)

	outcome, err := s.Execute(context.Background(), res.SessionID, res.FileID,
		`var fs = require("fs")`, true)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.Succeeded || outcome.Error == nil || outcome.Error.Code != domain.CodeSafetyViolation {
		t.Fatalf("outcome = %+v", outcome)
	}
	if outcome.RowsBefore != 5 {
		t.Errorf("RowsBefore = %d, want 5", outcome.RowsBefore)
	}
}

func TestExecuteWithoutScript(t *testing.T) {
	s := newTestService(t)
	res := uploadFixture(t, s)
	if _, err := s.Execute(context.Background(), res.SessionID, res.FileID, "", true); !errors.Is(err, ErrNoScript) {
		t.Fatalf("err = %v, want ErrNoScript", err)
	}
}

func TestExecuteFallsBackToRecordedScript(t *testing.T) {
	script := "df = tbl.head(df, 4)"
	s := newTestService(t, WithGenerator(&stubGenerator{gen: &domain.Generation{Script: script}}))
	res := uploadFixture(t, s)
	ctx := context.Background()

	if _, err := s.Analyze(ctx, res.SessionID, res.FileID, "keep four rows"); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	outcome, err := s.Execute(ctx, res.SessionID, res.FileID, "", true)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !outcome.Succeeded || outcome.RowsAfter != 4 {
		t.Fatalf("outcome = %+v", outcome)
	}
}

func TestDownloadVersions(t *testing.T) {
	s := newTestService(t)
	res := uploadFixture(t, s)
	ctx := context.Background()

	dl, err := s.Download(ctx, res.SessionID, res.FileID, "")
	if err != nil {
		t.Fatalf("Download original: %v", err)
	}
	if dl.Filename != "report.xlsx" {
		t.Errorf("filename = %q", dl.Filename)
	}

	if _, err := s.Download(ctx, res.SessionID, res.FileID, "modified"); !errors.Is(err, artifact.ErrNotFound) {
		t.Errorf("missing modified: err = %v, want ErrNotFound", err)
	}
	if _, err := s.Download(ctx, res.SessionID, res.FileID, "latest"); !errors.Is(err, ErrBadVersion) {
		t.Errorf("bad version: err = %v, want ErrBadVersion", err)
	}
	if _, err := s.Download(ctx, res.SessionID, "nope", "original"); !errors.Is(err, session.ErrFileNotAttached) {
		t.Errorf("unknown file: err = %v, want ErrFileNotAttached", err)
	}
}

func TestRevertClearsTransformState(t *testing.T) {
	s := newTestService(t)
	res := uploadFixture(t, s)
	ctx := context.Background()

	if _, err := s.Execute(ctx, res.SessionID, res.FileID, "df = tbl.head(df, 1)", true); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := s.Revert(ctx, res.SessionID, res.FileID); err != nil {
		t.Fatalf("Revert: %v", err)
	}

	att, err := s.Sessions().File(res.SessionID, res.FileID)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if att.LastScript != "" || att.LastExecution != nil {
		t.Errorf("transform state not cleared: %+v", att)
	}
	if _, err := s.Download(ctx, res.SessionID, res.FileID, "modified"); !errors.Is(err, artifact.ErrNotFound) {
		t.Errorf("modified artifact should be gone, err = %v", err)
	}

	// The next execute starts from the original five rows again.
	outcome, err := s.Execute(ctx, res.SessionID, res.FileID, "df = tbl.head(df, 3)", true)
	if err != nil {
		t.Fatalf("Execute after revert: %v", err)
	}
	if outcome.RowsBefore != 5 {
		t.Errorf("RowsBefore = %d, want 5", outcome.RowsBefore)
	}
}

func TestDeleteSessionRemovesArtifacts(t *testing.T) {
	s := newTestService(t)
	res := uploadFixture(t, s)

	if err := s.DeleteSession(res.SessionID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.Sessions().Get(res.SessionID); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("session should be gone, err = %v", err)
	}
	if s.artifacts.Exists(res.FileID, originalName) {
		t.Error("original artifact should be deleted with the session")
	}
}

func TestDeleteSessionReleasesRateLimiter(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1})
	s := newTestService(t, WithRateLimiter(limiter))
	res := uploadFixture(t, s)

	if err := limiter.Allow(res.SessionID); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if err := limiter.Allow(res.SessionID); err == nil {
		t.Fatal("burst of 1 should be exhausted")
	}

	if err := s.DeleteSession(res.SessionID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if err := limiter.Allow(res.SessionID); err != nil {
		t.Errorf("bucket should reset after session delete, got %v", err)
	}
}
