// Package executor runs generated transformation scripts inside a hardened
// JavaScript VM. Each execution gets a fresh VM with a closed binding set:
// the working table under `df`, the table-operation surface under `tbl`, and
// a handful of scalar builtins. Nothing else is reachable; eval and the
// Function constructor are disabled and call-stack depth is capped.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/jbarasa/hesabu/internal/domain"
	"github.com/jbarasa/hesabu/internal/table"
)

const (
	// maxCallStackSize caps VM call depth to stop stack overflow attacks.
	maxCallStackSize = 500

	// defaultBudget is the wall-clock deadline when none is configured.
	defaultBudget = 30 * time.Second

	// sampleRows is how many head rows the outcome captures of each side.
	sampleRows = 2
)

// Interrupt reasons, surfaced through goja.InterruptedError.Value().
const (
	interruptDeadline  = "execution deadline exceeded"
	interruptCancelled = "execution cancelled"
)

// Executor runs scripts against in-memory tables. Safe for concurrent use;
// every call builds its own VM.
type Executor struct {
	budget time.Duration
	logger *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithBudget sets the hard wall-clock deadline per execution.
func WithBudget(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.budget = d
		}
	}
}

// New creates an Executor.
func New(logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		budget: defaultBudget,
		logger: logger.With(slog.String("component", "executor")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs script against a working copy of input. The input table is
// never mutated. On success the transformed table is returned alongside an
// outcome describing the shape change; on failure the table is nil and the
// outcome carries a classified error.
func (e *Executor) Execute(ctx context.Context, input *table.Table, script string) (*table.Table, *domain.ExecutionOutcome) {
	outcome := &domain.ExecutionOutcome{
		RowsBefore:    input.RowCount(),
		ColumnsBefore: input.ColumnCount(),
		SampleBefore:  input.Head(sampleRows),
	}
	start := time.Now()

	result, err := e.run(ctx, input.Clone(), script)
	if err != nil {
		outcome.Error = classify(err)
		e.logger.Warn("script execution failed",
			slog.String("code", string(outcome.Error.Code)),
			slog.Duration("elapsed", time.Since(start)))
		return nil, outcome
	}

	outcome.Succeeded = true
	outcome.RowsAfter = result.RowCount()
	outcome.ColumnsAfter = result.ColumnCount()
	outcome.RowDelta = outcome.RowsAfter - outcome.RowsBefore
	outcome.ColumnDelta = outcome.ColumnsAfter - outcome.ColumnsBefore
	outcome.ChangeDescription = describeChange(outcome.RowDelta, outcome.ColumnDelta)
	outcome.SampleAfter = result.Head(sampleRows)

	e.logger.Info("script executed",
		slog.Int("row_delta", outcome.RowDelta),
		slog.Int("column_delta", outcome.ColumnDelta),
		slog.Duration("elapsed", time.Since(start)))
	return result, outcome
}

// run builds the VM, evaluates the script under the deadline, and checks the
// result postconditions.
func (e *Executor) run(ctx context.Context, working *table.Table, script string) (*table.Table, error) {
	// Compile separately: RunString reports parse failures as a thrown JS
	// SyntaxError, while Compile returns a typed CompilerSyntaxError the
	// classifier can distinguish from evaluation failures.
	prog, err := goja.Compile("transform", script, false)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStackSize)
	disableDangerousGlobals(vm)
	bindAll(vm, working)

	timer := time.AfterFunc(e.budget, func() {
		vm.Interrupt(interruptDeadline)
	})
	defer timer.Stop()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(interruptCancelled)
		case <-watchDone:
		}
	}()

	if _, err := vm.RunProgram(prog); err != nil {
		return nil, err
	}
	// Clears an interrupt that fired between RunProgram returning and the
	// timer being stopped.
	vm.ClearInterrupt()

	exported := vm.Get("df")
	if exported == nil || goja.IsUndefined(exported) || goja.IsNull(exported) {
		return nil, errNoResult
	}
	result, ok := exported.Export().(*table.Table)
	if !ok {
		return nil, &wrongResultTypeError{got: exported.ExportType().String()}
	}
	return result, nil
}

// disableDangerousGlobals removes eval and blocks the Function constructor.
func disableDangerousGlobals(vm *goja.Runtime) {
	vm.Set("eval", goja.Undefined())
	_, _ = vm.RunString(`(function() {
		try {
			Object.defineProperty(Function.prototype, 'constructor', {
				value: function() { throw new TypeError('Function constructor is disabled'); },
				writable: false,
				configurable: false
			});
		} catch(e) {}
	})();`)
}

var errNoResult = errors.New("script did not leave a table bound to df")

type wrongResultTypeError struct {
	got string
}

func (e *wrongResultTypeError) Error() string {
	return fmt.Sprintf("df holds %s, not a table", e.got)
}

// classify maps a raw execution error onto the stable failure taxonomy.
func classify(err error) *domain.ExecutionError {
	var syntaxErr *goja.CompilerSyntaxError
	if errors.As(err, &syntaxErr) {
		return &domain.ExecutionError{
			Code:    domain.CodeScriptMalformed,
			Message: firstLine(syntaxErr.Error()),
		}
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		code := domain.CodeTimeout
		if fmt.Sprint(interrupted.Value()) == interruptCancelled {
			code = domain.CodeCancelled
		}
		return &domain.ExecutionError{Code: code, Message: fmt.Sprint(interrupted.Value())}
	}

	var colErr *table.ColumnNotFoundError
	if errors.As(err, &colErr) {
		return &domain.ExecutionError{Code: domain.CodeMissingReference, Message: colErr.Error()}
	}

	if errors.Is(err, errNoResult) {
		return &domain.ExecutionError{Code: domain.CodeNoResultProduced, Message: err.Error()}
	}
	var wrongType *wrongResultTypeError
	if errors.As(err, &wrongType) {
		return &domain.ExecutionError{Code: domain.CodeWrongResultType, Message: wrongType.Error()}
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		// A Go error thrown from a binding travels inside the exception
		// value; unwrap it so table errors classify the same either way.
		if wrapped, ok := exc.Value().Export().(error); ok && wrapped != err {
			return classify(wrapped)
		}
		msg := firstLine(exc.Error())
		switch {
		case strings.HasPrefix(msg, "SyntaxError"):
			return &domain.ExecutionError{Code: domain.CodeScriptMalformed, Message: msg}
		case strings.Contains(msg, "is not defined"):
			return &domain.ExecutionError{Code: domain.CodeMissingReference, Message: msg}
		case strings.HasPrefix(msg, "TypeError"), strings.HasPrefix(msg, "RangeError"),
			strings.Contains(msg, "is not a function"):
			return &domain.ExecutionError{Code: domain.CodeEvaluationError, Message: msg}
		default:
			return &domain.ExecutionError{Code: domain.CodeEvaluationError, Message: msg}
		}
	}

	return &domain.ExecutionError{Code: domain.CodeUnclassified, Message: firstLine(err.Error())}
}

// describeChange renders the row/column deltas as a short human summary.
// The row clause is always present; the column clause only when it changed.
func describeChange(rowDelta, colDelta int) string {
	var b strings.Builder
	switch {
	case rowDelta > 0:
		fmt.Fprintf(&b, "Added %d %s", rowDelta, plural(rowDelta, "row"))
	case rowDelta < 0:
		fmt.Fprintf(&b, "Removed %d %s", -rowDelta, plural(-rowDelta, "row"))
	default:
		b.WriteString("Row count unchanged")
	}
	switch {
	case colDelta > 0:
		fmt.Fprintf(&b, "; added %d %s", colDelta, plural(colDelta, "column"))
	case colDelta < 0:
		fmt.Fprintf(&b, "; removed %d %s", -colDelta, plural(-colDelta, "column"))
	}
	return b.String()
}

func plural(n int, noun string) string {
	if n == 1 {
		return noun
	}
	return noun + "s"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
