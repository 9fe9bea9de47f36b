// Package table implements the in-memory columnar dataset the transform
// pipeline operates on: ordered named columns, one inferred scalar kind per
// column, and ordered rows. All transform primitives return a new Table;
// a Table is never mutated after construction.
package table

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the inferred scalar type of a column.
type Kind string

const (
	KindInt   Kind = "integer"
	KindFloat Kind = "float"
	KindText  Kind = "text"
	KindBool  Kind = "boolean"
	KindDate  Kind = "date"
)

// Cell values are one of: int64, float64, string, bool, time.Time, or nil.

// Column is a named, typed sequence of cell values.
type Column struct {
	Name   string
	Kind   Kind
	Values []any
}

// Table is an ordered sequence of equal-length columns with unique names.
type Table struct {
	cols []Column
}

// ColumnNotFoundError reports a reference to a column that does not exist.
type ColumnNotFoundError struct {
	Name string
}

func (e *ColumnNotFoundError) Error() string {
	return fmt.Sprintf("column %q not found", e.Name)
}

// New builds a Table from columns, validating unique non-empty names and
// equal lengths.
func New(cols ...Column) (*Table, error) {
	seen := make(map[string]bool, len(cols))
	rows := -1
	for _, c := range cols {
		if c.Name == "" {
			return nil, fmt.Errorf("column name must not be empty")
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate column name %q", c.Name)
		}
		seen[c.Name] = true
		if rows == -1 {
			rows = len(c.Values)
		} else if len(c.Values) != rows {
			return nil, fmt.Errorf("column %q has %d values, want %d", c.Name, len(c.Values), rows)
		}
	}
	copied := make([]Column, len(cols))
	for i, c := range cols {
		vals := make([]any, len(c.Values))
		copy(vals, c.Values)
		copied[i] = Column{Name: c.Name, Kind: c.Kind, Values: vals}
	}
	return &Table{cols: copied}, nil
}

// FromRecords builds a Table from header and string cell records, inferring a
// kind per column. Blank headers become "Column_N"; short rows are padded
// with empty cells.
func FromRecords(headers []string, records [][]string) (*Table, error) {
	if len(headers) == 0 {
		return nil, fmt.Errorf("no columns")
	}
	names := make([]string, len(headers))
	used := make(map[string]bool, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("Column_%d", i+1)
		}
		base := h
		for n := 2; used[h]; n++ {
			h = fmt.Sprintf("%s_%d", base, n)
		}
		used[h] = true
		names[i] = h
	}

	cols := make([]Column, len(names))
	for i, name := range names {
		raw := make([]string, len(records))
		for r, rec := range records {
			if i < len(rec) {
				raw[r] = strings.TrimSpace(rec[i])
			}
		}
		kind := inferKind(raw)
		values := make([]any, len(raw))
		for r, cell := range raw {
			values[r] = parseCell(cell, kind)
		}
		cols[i] = Column{Name: name, Kind: kind, Values: values}
	}
	return &Table{cols: cols}, nil
}

// RowCount returns the number of rows.
func (t *Table) RowCount() int {
	if len(t.cols) == 0 {
		return 0
	}
	return len(t.cols[0].Values)
}

// ColumnCount returns the number of columns.
func (t *Table) ColumnCount() int { return len(t.cols) }

// ColumnNames returns column names in table order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.cols))
	for i, c := range t.cols {
		names[i] = c.Name
	}
	return names
}

// HasColumn reports whether a column exists.
func (t *Table) HasColumn(name string) bool {
	return t.indexOf(name) >= 0
}

// KindOf returns the kind of the named column.
func (t *Table) KindOf(name string) (Kind, error) {
	i := t.indexOf(name)
	if i < 0 {
		return "", &ColumnNotFoundError{Name: name}
	}
	return t.cols[i].Kind, nil
}

// ColumnValues returns a copy of the named column's values.
func (t *Table) ColumnValues(name string) ([]any, error) {
	i := t.indexOf(name)
	if i < 0 {
		return nil, &ColumnNotFoundError{Name: name}
	}
	vals := make([]any, len(t.cols[i].Values))
	copy(vals, t.cols[i].Values)
	return vals, nil
}

// Row returns row i as a name → value map.
func (t *Table) Row(i int) map[string]any {
	row := make(map[string]any, len(t.cols))
	for _, c := range t.cols {
		row[c.Name] = c.Values[i]
	}
	return row
}

// Head returns the first n rows as row maps (fewer if the table is shorter).
func (t *Table) Head(n int) []map[string]any {
	if n > t.RowCount() {
		n = t.RowCount()
	}
	rows := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		rows[i] = t.Row(i)
	}
	return rows
}

// Clone returns a deep copy. The copy shares no slices with the original.
func (t *Table) Clone() *Table {
	cols := make([]Column, len(t.cols))
	for i, c := range t.cols {
		vals := make([]any, len(c.Values))
		copy(vals, c.Values)
		cols[i] = Column{Name: c.Name, Kind: c.Kind, Values: vals}
	}
	return &Table{cols: cols}
}

// Equal reports whether two tables have identical column order, names, kinds,
// and cell values.
func (t *Table) Equal(other *Table) bool {
	if other == nil || len(t.cols) != len(other.cols) {
		return false
	}
	for i, c := range t.cols {
		oc := other.cols[i]
		if c.Name != oc.Name || c.Kind != oc.Kind || len(c.Values) != len(oc.Values) {
			return false
		}
		for j, v := range c.Values {
			if !valueEqual(v, oc.Values[j]) {
				return false
			}
		}
	}
	return true
}

func (t *Table) indexOf(name string) int {
	for i, c := range t.cols {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// selectRows builds a new table keeping only the given row indexes, in order.
func (t *Table) selectRows(keep []int) *Table {
	cols := make([]Column, len(t.cols))
	for i, c := range t.cols {
		vals := make([]any, len(keep))
		for j, r := range keep {
			vals[j] = c.Values[r]
		}
		cols[i] = Column{Name: c.Name, Kind: c.Kind, Values: vals}
	}
	return &Table{cols: cols}
}

// --- Kind inference and cell parsing ---

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// inferKind picks a column kind from raw string cells. A kind wins when at
// least 80% of the non-empty cells parse as it, mirroring the detection
// heuristic used for numeric columns in spreadsheet imports.
func inferKind(raw []string) Kind {
	var total, ints, floats, bools, dates int
	for _, cell := range raw {
		if cell == "" {
			continue
		}
		total++
		if _, err := strconv.ParseInt(cell, 10, 64); err == nil {
			ints++
			floats++ // Integers also parse as floats.
			continue
		}
		if _, err := strconv.ParseFloat(cell, 64); err == nil {
			floats++
			continue
		}
		if isBoolCell(cell) {
			bools++
			continue
		}
		if parseDateCell(cell) != nil {
			dates++
		}
	}
	if total == 0 {
		return KindText
	}
	threshold := (total*8 + 9) / 10
	switch {
	case ints >= threshold && ints == floats:
		return KindInt
	case floats >= threshold:
		return KindFloat
	case bools >= threshold:
		return KindBool
	case dates >= threshold:
		return KindDate
	default:
		return KindText
	}
}

func parseCell(cell string, kind Kind) any {
	if cell == "" {
		return nil
	}
	switch kind {
	case KindInt:
		if v, err := strconv.ParseInt(cell, 10, 64); err == nil {
			return v
		}
	case KindFloat:
		if v, err := strconv.ParseFloat(cell, 64); err == nil {
			return v
		}
	case KindBool:
		switch strings.ToLower(cell) {
		case "true", "yes", "1":
			return true
		case "false", "no", "0":
			return false
		}
	case KindDate:
		if ts := parseDateCell(cell); ts != nil {
			return *ts
		}
	}
	if kind == KindText {
		return cell
	}
	// Cell does not parse under the inferred kind; keep it as a null rather
	// than silently coercing.
	return nil
}

func isBoolCell(cell string) bool {
	switch strings.ToLower(cell) {
	case "true", "false", "yes", "no":
		return true
	}
	return false
}

func parseDateCell(cell string) *time.Time {
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, cell); err == nil {
			return &ts
		}
	}
	return nil
}

func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return a == b
}
