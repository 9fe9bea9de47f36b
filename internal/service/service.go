// Package service orchestrates the upload, analyze, execute, download, and
// revert flows. The HTTP gateway is a thin shim over this package; every
// flow here takes plain inputs so the pipeline is exercisable without a
// server.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jbarasa/hesabu/internal/artifact"
	"github.com/jbarasa/hesabu/internal/domain"
	"github.com/jbarasa/hesabu/internal/excel"
	"github.com/jbarasa/hesabu/internal/executor"
	"github.com/jbarasa/hesabu/internal/generate"
	"github.com/jbarasa/hesabu/internal/observability"
	"github.com/jbarasa/hesabu/internal/ratelimit"
	"github.com/jbarasa/hesabu/internal/safety"
	"github.com/jbarasa/hesabu/internal/session"
	"github.com/jbarasa/hesabu/internal/table"
)

// Artifact names inside a file's scope. The original keeps a fixed name;
// the transformed result follows the <file_id>_modified.xlsx convention.
const originalName = "original.xlsx"

func modifiedName(fileID string) string {
	return fileID + "_modified.xlsx"
}

var (
	// ErrUnsupportedFile is returned for non-xlsx uploads.
	ErrUnsupportedFile = errors.New("only .xlsx workbooks are supported")
	// ErrNoScript is returned when execute is called without a script and
	// the file has no recorded one.
	ErrNoScript = errors.New("no script to execute")
	// ErrBadVersion is returned for download versions other than
	// "original" or "modified".
	ErrBadVersion = errors.New(`version must be "original" or "modified"`)
	// ErrGeneratorDisabled is returned when no generation backend is
	// configured.
	ErrGeneratorDisabled = errors.New("script generation is not configured")
)

// CodedError ties a stable failure code to an underlying error so transports
// can map it without string matching.
type CodedError struct {
	Code domain.FailureCode
	Err  error
}

func (e *CodedError) Error() string { return string(e.Code) + ": " + e.Err.Error() }
func (e *CodedError) Unwrap() error { return e.Err }

// Service wires the registry, artifact store, validator, executor, and
// generator into the copilot flows.
type Service struct {
	sessions  *session.Registry
	artifacts *artifact.Store
	validator *safety.Validator
	exec      *executor.Executor
	generator generate.Generator
	limiter   *ratelimit.Limiter
	metrics   *observability.MetricsCollector
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithGenerator enables the analyze flow.
func WithGenerator(g generate.Generator) Option {
	return func(s *Service) { s.generator = g }
}

// WithRateLimiter releases a session's token bucket when the session is
// deleted.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithMetrics enables metric reporting.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(s *Service) { s.metrics = m }
}

// New creates a Service.
func New(sessions *session.Registry, artifacts *artifact.Store, validator *safety.Validator, exec *executor.Executor, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		sessions:  sessions,
		artifacts: artifacts,
		validator: validator,
		exec:      exec,
		logger:    logger.With(slog.String("component", "service")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sessions exposes the registry for session CRUD endpoints.
func (s *Service) Sessions() *session.Registry { return s.sessions }

// UploadInput carries one uploaded workbook.
type UploadInput struct {
	SessionID string // Empty = create a new session.
	Owner     string
	Filename  string
	Data      []byte
}

// UploadResult reports where the workbook landed.
type UploadResult struct {
	SessionID string                `json:"session_id"`
	FileID    string                `json:"file_id"`
	Filename  string                `json:"filename"`
	Schema    *domain.SchemaSummary `json:"schema"`
}

// Upload parses a workbook, stores the original artifact, and attaches the
// file to a session (creating one when none is given).
func (s *Service) Upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	if !strings.EqualFold(filepath.Ext(in.Filename), ".xlsx") {
		s.countUpload("rejected")
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, in.Filename)
	}
	wb, err := excel.Parse(in.Data)
	if err != nil {
		s.countUpload("rejected")
		return nil, err
	}
	sheetName, active := wb.ActiveSheet()

	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = s.sessions.Create(in.Owner).ID
	} else if _, err := s.sessions.Get(sessionID); err != nil {
		s.countUpload("rejected")
		return nil, err
	}

	// Short ids keep download URLs readable; full uuids gain nothing here.
	fileID := uuid.NewString()[:8]
	if err := s.artifacts.Save(fileID, originalName, in.Data); err != nil {
		s.countUpload("error")
		return nil, &CodedError{Code: domain.CodeStorageWriteFailure, Err: err}
	}

	schema := excel.Summarize(sheetName, active)
	if err := s.sessions.AttachFile(sessionID, &domain.FileAttachment{
		FileID:           fileID,
		OriginalFilename: in.Filename,
		ActiveSheet:      sheetName,
		Schema:           schema,
	}); err != nil {
		return nil, err
	}
	_ = s.sessions.AppendOperation(ctx, sessionID, domain.OpUpload, fileID, map[string]any{
		"filename": in.Filename,
		"rows":     schema.Rows,
		"columns":  schema.Columns,
	})

	if s.metrics != nil {
		s.metrics.UploadsTotal.WithLabelValues("ok").Inc()
		s.metrics.UploadBytes.Observe(float64(len(in.Data)))
		s.metrics.ActiveSessions.Set(float64(s.sessions.Count()))
	}
	s.logger.Info("workbook uploaded",
		slog.String("session_id", sessionID),
		slog.String("file_id", fileID),
		slog.Int("rows", schema.Rows),
		slog.Int("columns", schema.Columns))

	return &UploadResult{
		SessionID: sessionID,
		FileID:    fileID,
		Filename:  in.Filename,
		Schema:    schema,
	}, nil
}

// AnalyzeResult is a generated script plus its safety verdict.
type AnalyzeResult struct {
	Script        string   `json:"script"`
	Explanation   string   `json:"explanation,omitempty"`
	Risks         []string `json:"risks,omitempty"`
	Safe          bool     `json:"safe"`
	SafetyMessage string   `json:"safety_message,omitempty"`
}

// Analyze generates a transformation script for the prompt and screens it.
// An unsafe script is still returned, flagged, so the caller can show it;
// it is never recorded as the file's script.
func (s *Service) Analyze(ctx context.Context, sessionID, fileID, prompt string) (*AnalyzeResult, error) {
	if s.generator == nil {
		return nil, ErrGeneratorDisabled
	}
	att, err := s.sessions.File(sessionID, fileID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	gen, err := s.generator.Generate(ctx, generate.Request{Prompt: prompt, Schema: att.Schema})
	if s.metrics != nil {
		s.metrics.GenerationDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		s.countGeneration("error")
		return nil, fmt.Errorf("generating script: %w", err)
	}
	s.countGeneration("ok")

	res := &AnalyzeResult{
		Script:      gen.Script,
		Explanation: gen.Explanation,
		Risks:       gen.Risks,
		Safe:        true,
	}
	if verr := s.validator.Validate(gen.Script); verr != nil {
		res.Safe = false
		res.SafetyMessage = verr.Error()
		s.countValidation("rejected")
	} else {
		s.countValidation("ok")
		if err := s.sessions.RecordScript(sessionID, fileID, gen.Script); err != nil {
			return nil, err
		}
	}
	_ = s.sessions.AppendOperation(ctx, sessionID, domain.OpGenerate, fileID, map[string]any{
		"prompt": prompt,
		"safe":   res.Safe,
	})
	return res, nil
}

// Execute runs a script against the file's current table. With persist set,
// a successful result replaces the modified artifact and the outcome is
// recorded on the attachment; preview mode touches nothing.
//
// Execution failures are results, not errors: the returned outcome carries
// the classified failure and err is nil. err is reserved for session,
// storage, and input problems.
func (s *Service) Execute(ctx context.Context, sessionID, fileID, script string, persist bool) (*domain.ExecutionOutcome, error) {
	att, err := s.sessions.File(sessionID, fileID)
	if err != nil {
		return nil, err
	}
	if script == "" {
		script = att.LastScript
	}
	if strings.TrimSpace(script) == "" {
		return nil, ErrNoScript
	}

	wb, active, err := s.currentWorkbook(att)
	if err != nil {
		return nil, err
	}

	var outcome *domain.ExecutionOutcome
	safe := true
	if verr := s.validator.Validate(script); verr != nil {
		safe = false
		s.countValidation("rejected")
		outcome = s.safetyOutcome(active, verr)
	} else {
		s.countValidation("ok")
		start := time.Now()
		var resultTable *table.Table
		resultTable, outcome = s.exec.Execute(ctx, active, script)
		if s.metrics != nil {
			s.metrics.ExecutionDuration.Observe(time.Since(start).Seconds())
		}
		if outcome.Succeeded && persist {
			wb.Sheets[att.ActiveSheet] = resultTable
			data, err := excel.Serialize(wb)
			if err != nil {
				return nil, &CodedError{Code: domain.CodeStorageWriteFailure, Err: err}
			}
			if err := s.artifacts.Save(fileID, modifiedName(fileID), data); err != nil {
				return nil, &CodedError{Code: domain.CodeStorageWriteFailure, Err: err}
			}
		}
	}

	if s.metrics != nil {
		s.metrics.ExecutionsTotal.WithLabelValues(outcomeLabel(outcome)).Inc()
	}
	if persist {
		if safe {
			if err := s.sessions.RecordScript(sessionID, fileID, script); err != nil {
				return nil, err
			}
		}
		if err := s.sessions.RecordExecution(sessionID, fileID, outcome); err != nil {
			return nil, err
		}
		_ = s.sessions.AppendOperation(ctx, sessionID, domain.OpExecute, fileID, map[string]any{
			"succeeded":    outcome.Succeeded,
			"row_delta":    outcome.RowDelta,
			"column_delta": outcome.ColumnDelta,
		})
	}
	return outcome, nil
}

// DownloadResult is the artifact returned to the caller.
type DownloadResult struct {
	Filename string
	Data     []byte
}

// Download returns the requested artifact version. A modified version whose
// bytes were swept while the session survived yields artifact.ErrNotFound.
func (s *Service) Download(ctx context.Context, sessionID, fileID, version string) (*DownloadResult, error) {
	att, err := s.sessions.File(sessionID, fileID)
	if err != nil {
		s.countDownload(version, "rejected")
		return nil, err
	}

	var name, filename string
	switch version {
	case "", "original":
		version = "original"
		name, filename = originalName, att.OriginalFilename
	case "modified":
		name, filename = modifiedName(fileID), modifiedName(fileID)
	default:
		s.countDownload(version, "rejected")
		return nil, ErrBadVersion
	}

	data, err := s.artifacts.Load(fileID, name)
	if err != nil {
		s.countDownload(version, "missing")
		return nil, err
	}
	_ = s.sessions.AppendOperation(ctx, sessionID, domain.OpDownload, fileID, map[string]any{
		"version": version,
	})
	s.countDownload(version, "ok")
	return &DownloadResult{Filename: filename, Data: data}, nil
}

// FileVersions lists the artifact versions available for one attachment.
type FileVersions struct {
	FileID   string   `json:"file_id"`
	Filename string   `json:"filename"`
	Versions []string `json:"versions"`
}

// ListFiles reports each attached file and which versions exist on disk.
func (s *Service) ListFiles(sessionID string) ([]FileVersions, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]FileVersions, 0, len(sess.Files))
	for _, att := range sess.Files {
		fv := FileVersions{FileID: att.FileID, Filename: att.OriginalFilename}
		if s.artifacts.Exists(att.FileID, originalName) {
			fv.Versions = append(fv.Versions, "original")
		}
		if s.artifacts.Exists(att.FileID, modifiedName(att.FileID)) {
			fv.Versions = append(fv.Versions, "modified")
		}
		out = append(out, fv)
	}
	return out, nil
}

// Revert discards the file's transform state: the recorded script and
// outcome are cleared and the modified artifact deleted.
func (s *Service) Revert(ctx context.Context, sessionID, fileID string) error {
	if err := s.sessions.ClearExecution(sessionID, fileID); err != nil {
		return err
	}
	if err := s.artifacts.Delete(fileID, modifiedName(fileID)); err != nil {
		return &CodedError{Code: domain.CodeStorageWriteFailure, Err: err}
	}
	_ = s.sessions.AppendOperation(ctx, sessionID, domain.OpRevert, fileID, nil)
	return nil
}

// DeleteSession removes a session and its artifacts.
func (s *Service) DeleteSession(sessionID string) error {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	for fileID := range sess.Files {
		if _, err := s.artifacts.DeleteScope(fileID); err != nil {
			s.logger.Warn("deleting file artifacts",
				slog.String("file_id", fileID),
				slog.String("error", err.Error()))
		}
	}
	s.sessions.Delete(sessionID)
	if s.limiter != nil {
		s.limiter.Forget(sessionID)
	}
	if s.metrics != nil {
		s.metrics.ActiveSessions.Set(float64(s.sessions.Count()))
	}
	return nil
}

// currentWorkbook loads the file's working state: the modified artifact when
// one exists, otherwise the original.
func (s *Service) currentWorkbook(att *domain.FileAttachment) (*excel.Workbook, *table.Table, error) {
	name := originalName
	if s.artifacts.Exists(att.FileID, modifiedName(att.FileID)) {
		name = modifiedName(att.FileID)
	}
	data, err := s.artifacts.Load(att.FileID, name)
	if err != nil {
		return nil, nil, err
	}
	wb, err := excel.Parse(data)
	if err != nil {
		return nil, nil, fmt.Errorf("reparsing stored workbook: %w", err)
	}
	active, ok := wb.Sheets[att.ActiveSheet]
	if !ok {
		_, active = wb.ActiveSheet()
	}
	return wb, active, nil
}

func (s *Service) safetyOutcome(active *table.Table, verr error) *domain.ExecutionOutcome {
	return &domain.ExecutionOutcome{
		RowsBefore:    active.RowCount(),
		ColumnsBefore: active.ColumnCount(),
		Error: &domain.ExecutionError{
			Code:    domain.CodeSafetyViolation,
			Message: verr.Error(),
		},
	}
}

func outcomeLabel(o *domain.ExecutionOutcome) string {
	if o.Succeeded {
		return "success"
	}
	if o.Error != nil {
		return string(o.Error.Code)
	}
	return string(domain.CodeUnclassified)
}

func (s *Service) countUpload(status string) {
	if s.metrics != nil {
		s.metrics.UploadsTotal.WithLabelValues(status).Inc()
	}
}

func (s *Service) countDownload(version, status string) {
	if s.metrics != nil {
		s.metrics.DownloadsTotal.WithLabelValues(version, status).Inc()
	}
}

func (s *Service) countGeneration(status string) {
	if s.metrics != nil {
		s.metrics.GenerationsTotal.WithLabelValues(status).Inc()
	}
}

func (s *Service) countValidation(verdict string) {
	if s.metrics != nil {
		s.metrics.ValidationsTotal.WithLabelValues(verdict).Inc()
	}
}
