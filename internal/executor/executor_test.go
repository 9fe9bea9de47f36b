package executor

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/jbarasa/hesabu/internal/domain"
	"github.com/jbarasa/hesabu/internal/table"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func idValueTable(t *testing.T) *table.Table {
	t.Helper()
	tbl, err := table.New(
		table.Column{Name: "id", Kind: table.KindInt, Values: []any{int64(1), int64(2), int64(3), int64(4), int64(5)}},
		table.Column{Name: "value", Kind: table.KindInt, Values: []any{int64(10), int64(20), int64(30), int64(40), int64(50)}},
	)
	if err != nil {
		t.Fatalf("table.New: %v", err)
	}
	return tbl
}

func TestExecuteFilterRows(t *testing.T) {
	input := idValueTable(t)
	e := New(testLogger())

	result, outcome := e.Execute(context.Background(),
		input, `df = tbl.where(df, function(row) { return row.value > 20 })`)

	if !outcome.Succeeded {
		t.Fatalf("execution failed: %+v", outcome.Error)
	}
	if outcome.RowsBefore != 5 || outcome.RowsAfter != 3 || outcome.RowDelta != -2 {
		t.Errorf("row accounting = %d/%d/%d, want 5/3/-2",
			outcome.RowsBefore, outcome.RowsAfter, outcome.RowDelta)
	}
	if outcome.ChangeDescription != "Removed 2 rows" {
		t.Errorf("change description = %q", outcome.ChangeDescription)
	}
	ids, err := result.ColumnValues("id")
	if err != nil {
		t.Fatalf("ColumnValues: %v", err)
	}
	want := []any{int64(3), int64(4), int64(5)}
	for i, id := range ids {
		if id != want[i] {
			t.Errorf("id[%d] = %v, want %v", i, id, want[i])
		}
	}
	if input.RowCount() != 5 {
		t.Error("input table was mutated")
	}
}

func TestExecuteDeriveColumn(t *testing.T) {
	e := New(testLogger())

	result, outcome := e.Execute(context.Background(), idValueTable(t),
		`df = tbl.derive(df, "doubled", function(row) { return row.value * 2 })`)

	if !outcome.Succeeded {
		t.Fatalf("execution failed: %+v", outcome.Error)
	}
	if outcome.ColumnDelta != 1 || outcome.RowDelta != 0 {
		t.Errorf("deltas = rows %d cols %d, want 0/1", outcome.RowDelta, outcome.ColumnDelta)
	}
	if outcome.ChangeDescription != "Row count unchanged; added 1 column" {
		t.Errorf("change description = %q", outcome.ChangeDescription)
	}
	doubled, err := result.ColumnValues("doubled")
	if err != nil {
		t.Fatalf("ColumnValues: %v", err)
	}
	want := []any{int64(20), int64(40), int64(60), int64(80), int64(100)}
	for i, v := range doubled {
		if v != want[i] {
			t.Errorf("doubled[%d] = %v (%T), want %v", i, v, v, want[i])
		}
	}
}

func TestExecuteCombinedAccounting(t *testing.T) {
	e := New(testLogger())

	script := `
df = tbl.where(df, function(row) { return row.value > 20; });
df = tbl.derive(df, "doubled", function(row) { return row.value * 2 });
`
	_, outcome := e.Execute(context.Background(), idValueTable(t), script)

	if !outcome.Succeeded {
		t.Fatalf("execution failed: %+v", outcome.Error)
	}
	if outcome.RowsBefore != 5 || outcome.RowsAfter != 3 || outcome.RowDelta != -2 {
		t.Errorf("rows = %d/%d delta %d", outcome.RowsBefore, outcome.RowsAfter, outcome.RowDelta)
	}
	if outcome.ColumnsBefore != 2 || outcome.ColumnsAfter != 3 || outcome.ColumnDelta != 1 {
		t.Errorf("columns = %d/%d delta %d", outcome.ColumnsBefore, outcome.ColumnsAfter, outcome.ColumnDelta)
	}
	if outcome.ChangeDescription != "Removed 2 rows; added 1 column" {
		t.Errorf("change description = %q", outcome.ChangeDescription)
	}
}

func TestExecuteIsIdempotent(t *testing.T) {
	e := New(testLogger())
	script := `
df = tbl.where(df, function(row) { return row.value > 20; });
df = tbl.derive(df, "doubled", function(row) { return row.value * 2 });
`
	input := idValueTable(t)

	first, firstOutcome := e.Execute(context.Background(), input, script)
	second, secondOutcome := e.Execute(context.Background(), input, script)

	if !firstOutcome.Succeeded || !secondOutcome.Succeeded {
		t.Fatalf("outcomes = %+v / %+v", firstOutcome.Error, secondOutcome.Error)
	}
	if !reflect.DeepEqual(firstOutcome, secondOutcome) {
		t.Errorf("outcomes differ:\n%+v\n%+v", firstOutcome, secondOutcome)
	}
	if !first.Equal(second) {
		t.Error("result tables differ between runs")
	}
}

func TestExecuteFailureClassification(t *testing.T) {
	e := New(testLogger())
	tests := []struct {
		name   string
		script string
		code   domain.FailureCode
	}{
		{
			name:   "missing column via row access",
			script: `df = tbl.derive(df, "doubled", function(row) { return row.price * 2 })`,
			code:   domain.CodeMissingReference,
		},
		{
			name:   "missing column via op argument",
			script: `df = tbl.sort(df, "price")`,
			code:   domain.CodeMissingReference,
		},
		{
			name:   "unknown global",
			script: `df = frobnicate(df)`,
			code:   domain.CodeMissingReference,
		},
		{
			name:   "syntax error",
			script: `df = tbl.where(df, function(row) {`,
			code:   domain.CodeScriptMalformed,
		},
		{
			name:   "syntax error thrown at runtime",
			script: `df = JSON.parse("{")`,
			code:   domain.CodeScriptMalformed,
		},
		{
			name:   "df unbound",
			script: `df = null`,
			code:   domain.CodeNoResultProduced,
		},
		{
			name:   "df not a table",
			script: `df = 42`,
			code:   domain.CodeWrongResultType,
		},
		{
			name:   "eval disabled",
			script: `df = eval("df")`,
			code:   domain.CodeEvaluationError,
		},
		{
			name:   "aggregate over text",
			script: `df = tbl.derive(df, "n", function(row) { return tbl.sum(df, "id") }); df = tbl.sum(df, "nope")`,
			code:   domain.CodeMissingReference,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, outcome := e.Execute(context.Background(), idValueTable(t), tc.script)
			if outcome.Succeeded {
				t.Fatal("expected failure")
			}
			if result != nil {
				t.Error("failed execution should not return a table")
			}
			if outcome.Error == nil || outcome.Error.Code != tc.code {
				t.Errorf("failure = %+v, want code %s", outcome.Error, tc.code)
			}
		})
	}
}

func TestExecuteTimeout(t *testing.T) {
	e := New(testLogger(), WithBudget(100*time.Millisecond))

	start := time.Now()
	_, outcome := e.Execute(context.Background(), idValueTable(t), `while (true) {}`)
	elapsed := time.Since(start)

	if outcome.Succeeded {
		t.Fatal("runaway script should fail")
	}
	if outcome.Error.Code != domain.CodeTimeout {
		t.Errorf("code = %s, want timeout", outcome.Error.Code)
	}
	if elapsed > 5*time.Second {
		t.Errorf("interrupt took %v, deadline is not being enforced", elapsed)
	}
}

func TestExecuteCancellation(t *testing.T) {
	e := New(testLogger(), WithBudget(time.Minute))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, outcome := e.Execute(ctx, idValueTable(t), `while (true) {}`)

	if outcome.Succeeded {
		t.Fatal("cancelled script should fail")
	}
	if outcome.Error.Code != domain.CodeCancelled {
		t.Errorf("code = %s, want cancelled", outcome.Error.Code)
	}
}

func TestExecuteSamples(t *testing.T) {
	e := New(testLogger())
	_, outcome := e.Execute(context.Background(), idValueTable(t),
		`df = tbl.sort(df, "value", true)`)
	if !outcome.Succeeded {
		t.Fatalf("execution failed: %+v", outcome.Error)
	}
	if len(outcome.SampleBefore) != 2 || len(outcome.SampleAfter) != 2 {
		t.Fatalf("samples = %d/%d rows, want 2/2", len(outcome.SampleBefore), len(outcome.SampleAfter))
	}
	if outcome.SampleBefore[0]["value"] != int64(10) {
		t.Errorf("sample_before[0].value = %v", outcome.SampleBefore[0]["value"])
	}
	if outcome.SampleAfter[0]["value"] != int64(50) {
		t.Errorf("sample_after[0].value = %v, want 50 after descending sort", outcome.SampleAfter[0]["value"])
	}
}

func TestExecuteBuiltins(t *testing.T) {
	e := New(testLogger())
	result, outcome := e.Execute(context.Background(), idValueTable(t),
		`df = tbl.derive(df, "rounded", function(row) { return round(row.value / 3, 1) })`)
	if !outcome.Succeeded {
		t.Fatalf("execution failed: %+v", outcome.Error)
	}
	vals, err := result.ColumnValues("rounded")
	if err != nil {
		t.Fatalf("ColumnValues: %v", err)
	}
	if vals[0] != float64(3.3) {
		t.Errorf("rounded[0] = %v, want 3.3", vals[0])
	}
}
