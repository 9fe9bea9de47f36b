// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"time"
)

// FailureCode is a stable machine-readable identifier for every way an
// operation can fail. Codes are part of the API contract and never change.
type FailureCode string

const (
	CodeSafetyViolation     FailureCode = "safety_violation"
	CodeScriptMalformed     FailureCode = "script_malformed"
	CodeMissingReference    FailureCode = "missing_reference"
	CodeEvaluationError     FailureCode = "evaluation_error"
	CodeNoResultProduced    FailureCode = "no_result_produced"
	CodeWrongResultType     FailureCode = "wrong_result_type"
	CodeTimeout             FailureCode = "timeout"
	CodeCancelled           FailureCode = "cancelled"
	CodeSessionNotFound     FailureCode = "session_not_found"
	CodeFileNotAttached     FailureCode = "file_not_attached"
	CodeStorageNotFound     FailureCode = "storage_not_found"
	CodeStorageWriteFailure FailureCode = "storage_write_failure"
	CodeUnclassified        FailureCode = "unclassified"
)

// OperationKind classifies entries in a session's operation log.
type OperationKind string

const (
	OpUpload   OperationKind = "upload"
	OpGenerate OperationKind = "generate"
	OpExecute  OperationKind = "execute"
	OpDownload OperationKind = "download"
	OpRevert   OperationKind = "revert"
)

// ColumnSummary describes one column in a schema snapshot.
type ColumnSummary struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	NonNull int    `json:"non_null"`
	Unique  int    `json:"unique"`
	Samples []any  `json:"samples,omitempty"`
}

// SchemaSummary is an immutable snapshot of a sheet's shape, captured when a
// file is attached to a session. It is never recomputed after a transform;
// callers refresh it explicitly when they need the current-state schema.
type SchemaSummary struct {
	SheetName string           `json:"sheet_name"`
	Rows      int              `json:"rows"`
	Columns   int              `json:"columns"`
	Fields    []ColumnSummary  `json:"fields"`
	Sample    []map[string]any `json:"sample,omitempty"` // First rows, for prompt context and previews.
}

// ColumnNames returns the summarized column names in sheet order.
func (s *SchemaSummary) ColumnNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// ExecutionError carries the typed failure of one execution attempt.
type ExecutionError struct {
	Code    FailureCode `json:"code"`
	Message string      `json:"message"`
}

func (e *ExecutionError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// ExecutionOutcome is the structured result of a single execution attempt.
// It is produced exactly once per attempt and immutable once constructed.
type ExecutionOutcome struct {
	Succeeded         bool             `json:"succeeded"`
	RowsBefore        int              `json:"rows_before"`
	RowsAfter         int              `json:"rows_after"`
	ColumnsBefore     int              `json:"columns_before"`
	ColumnsAfter      int              `json:"columns_after"`
	RowDelta          int              `json:"row_delta"`
	ColumnDelta       int              `json:"column_delta"`
	ChangeDescription string           `json:"change_description,omitempty"`
	SampleBefore      []map[string]any `json:"sample_before,omitempty"`
	SampleAfter       []map[string]any `json:"sample_after,omitempty"`
	Error             *ExecutionError  `json:"error,omitempty"`
}

// FileAttachment tracks one uploaded file within a session. Only the most
// recent script and execution outcome are retained; the operation log is the
// durable history.
type FileAttachment struct {
	FileID           string            `json:"file_id"`
	OriginalFilename string            `json:"original_filename"`
	ActiveSheet      string            `json:"active_sheet"`
	AddedAt          time.Time         `json:"added_at"`
	Schema           *SchemaSummary    `json:"schema,omitempty"`
	LastScript       string            `json:"last_script,omitempty"`
	LastExecution    *ExecutionOutcome `json:"last_execution,omitempty"`
}

// OperationRecord is one append-only entry in a session's audit history.
// Records are never mutated after insertion; ordering is insertion order.
type OperationRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      OperationKind  `json:"kind"`
	FileID    string         `json:"file_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Session groups a caller's uploaded files and their operation history.
type Session struct {
	ID             string                     `json:"id"`
	Owner          string                     `json:"owner"`
	CreatedAt      time.Time                  `json:"created_at"`
	LastAccessedAt time.Time                  `json:"last_accessed_at"`
	Files          map[string]*FileAttachment `json:"files"`
	Operations     []OperationRecord          `json:"operations"`
}

// Generation is the output of the script generation service.
type Generation struct {
	Script      string   `json:"script"`
	Explanation string   `json:"explanation"`
	Risks       []string `json:"risks,omitempty"`
}
