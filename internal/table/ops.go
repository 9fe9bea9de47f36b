package table

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Select returns a table with only the named columns, in the given order.
func (t *Table) Select(names ...string) (*Table, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("select requires at least one column")
	}
	cols := make([]Column, 0, len(names))
	for _, name := range names {
		i := t.indexOf(name)
		if i < 0 {
			return nil, &ColumnNotFoundError{Name: name}
		}
		src := t.cols[i]
		vals := make([]any, len(src.Values))
		copy(vals, src.Values)
		cols = append(cols, Column{Name: src.Name, Kind: src.Kind, Values: vals})
	}
	return &Table{cols: cols}, nil
}

// Drop returns a table without the named columns.
func (t *Table) Drop(names ...string) (*Table, error) {
	drop := make(map[string]bool, len(names))
	for _, name := range names {
		if t.indexOf(name) < 0 {
			return nil, &ColumnNotFoundError{Name: name}
		}
		drop[name] = true
	}
	cols := make([]Column, 0, len(t.cols))
	for _, c := range t.cols {
		if drop[c.Name] {
			continue
		}
		vals := make([]any, len(c.Values))
		copy(vals, c.Values)
		cols = append(cols, Column{Name: c.Name, Kind: c.Kind, Values: vals})
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("cannot drop every column")
	}
	return &Table{cols: cols}, nil
}

// Where returns the rows for which pred returns true. The predicate sees a
// copy of each row; mutating it has no effect on the table.
func (t *Table) Where(pred func(row map[string]any) (bool, error)) (*Table, error) {
	keep := make([]int, 0, t.RowCount())
	for i := 0; i < t.RowCount(); i++ {
		ok, err := pred(t.Row(i))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if ok {
			keep = append(keep, i)
		}
	}
	return t.selectRows(keep), nil
}

// Derive returns a table with column name set to fn(row) for every row. An
// existing column is replaced in place; a new one is appended. The column
// kind is inferred from the computed values.
func (t *Table) Derive(name string, fn func(row map[string]any) (any, error)) (*Table, error) {
	if name == "" {
		return nil, fmt.Errorf("derive requires a column name")
	}
	values := make([]any, t.RowCount())
	for i := 0; i < t.RowCount(); i++ {
		v, err := fn(t.Row(i))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		values[i] = normalizeValue(v)
	}
	col := Column{Name: name, Kind: kindOfValues(values), Values: values}

	out := t.Clone()
	if i := out.indexOf(name); i >= 0 {
		out.cols[i] = col
	} else {
		out.cols = append(out.cols, col)
	}
	return out, nil
}

// Rename returns a table with column from renamed to to.
func (t *Table) Rename(from, to string) (*Table, error) {
	i := t.indexOf(from)
	if i < 0 {
		return nil, &ColumnNotFoundError{Name: from}
	}
	if to == "" {
		return nil, fmt.Errorf("new column name must not be empty")
	}
	if j := t.indexOf(to); j >= 0 && j != i {
		return nil, fmt.Errorf("column %q already exists", to)
	}
	out := t.Clone()
	out.cols[i].Name = to
	return out, nil
}

// Sort returns a table ordered by the named column. Nulls sort first. The
// sort is stable so equal keys keep their input order.
func (t *Table) Sort(name string, descending bool) (*Table, error) {
	i := t.indexOf(name)
	if i < 0 {
		return nil, &ColumnNotFoundError{Name: name}
	}
	keys := t.cols[i].Values
	idx := make([]int, t.RowCount())
	for j := range idx {
		idx[j] = j
	}
	sort.SliceStable(idx, func(a, b int) bool {
		cmp := compareValues(keys[idx[a]], keys[idx[b]])
		if descending {
			return cmp > 0
		}
		return cmp < 0
	})
	return t.selectRows(idx), nil
}

// Distinct returns the rows with the first occurrence of each combination of
// the named columns (all columns when none are named).
func (t *Table) Distinct(names ...string) (*Table, error) {
	if len(names) == 0 {
		names = t.ColumnNames()
	}
	idxs := make([]int, len(names))
	for i, name := range names {
		j := t.indexOf(name)
		if j < 0 {
			return nil, &ColumnNotFoundError{Name: name}
		}
		idxs[i] = j
	}
	seen := make(map[string]bool, t.RowCount())
	keep := make([]int, 0, t.RowCount())
	for r := 0; r < t.RowCount(); r++ {
		var b strings.Builder
		for _, j := range idxs {
			fmt.Fprintf(&b, "%#v\x1f", t.cols[j].Values[r])
		}
		key := b.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		keep = append(keep, r)
	}
	return t.selectRows(keep), nil
}

// Limit returns the first n rows. Negative n is treated as zero.
func (t *Table) Limit(n int) *Table {
	if n < 0 {
		n = 0
	}
	if n > t.RowCount() {
		n = t.RowCount()
	}
	keep := make([]int, n)
	for i := range keep {
		keep[i] = i
	}
	return t.selectRows(keep)
}

// Sum returns the sum of the named numeric column, skipping nulls.
func (t *Table) Sum(name string) (float64, error) {
	vals, err := t.numericValues(name)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum, nil
}

// Avg returns the mean of the named numeric column over non-null cells.
func (t *Table) Avg(name string) (float64, error) {
	vals, err := t.numericValues(name)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, fmt.Errorf("column %q has no values to average", name)
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals)), nil
}

// Min returns the smallest non-null value of the named column.
func (t *Table) Min(name string) (any, error) {
	return t.extremum(name, func(cmp int) bool { return cmp < 0 })
}

// Max returns the largest non-null value of the named column.
func (t *Table) Max(name string) (any, error) {
	return t.extremum(name, func(cmp int) bool { return cmp > 0 })
}

// CountNonNull returns the number of non-null cells in the named column.
func (t *Table) CountNonNull(name string) (int, error) {
	i := t.indexOf(name)
	if i < 0 {
		return 0, &ColumnNotFoundError{Name: name}
	}
	n := 0
	for _, v := range t.cols[i].Values {
		if v != nil {
			n++
		}
	}
	return n, nil
}

func (t *Table) extremum(name string, better func(cmp int) bool) (any, error) {
	i := t.indexOf(name)
	if i < 0 {
		return nil, &ColumnNotFoundError{Name: name}
	}
	var best any
	for _, v := range t.cols[i].Values {
		if v == nil {
			continue
		}
		if best == nil || better(compareValues(v, best)) {
			best = v
		}
	}
	if best == nil {
		return nil, fmt.Errorf("column %q has no values", name)
	}
	return best, nil
}

func (t *Table) numericValues(name string) ([]float64, error) {
	i := t.indexOf(name)
	if i < 0 {
		return nil, &ColumnNotFoundError{Name: name}
	}
	c := t.cols[i]
	if c.Kind != KindInt && c.Kind != KindFloat {
		return nil, fmt.Errorf("column %q is not numeric (kind %s)", name, c.Kind)
	}
	out := make([]float64, 0, len(c.Values))
	for _, v := range c.Values {
		switch n := v.(type) {
		case int64:
			out = append(out, float64(n))
		case float64:
			out = append(out, n)
		}
	}
	return out, nil
}

// normalizeValue maps values produced outside the package (script callbacks,
// JSON decoding) onto the canonical cell types.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case nil:
		return nil
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64, float64, string, bool, time.Time:
		return n
	case float32:
		return float64(n)
	case uint:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	default:
		return fmt.Sprint(v)
	}
}

// kindOfValues infers a column kind from already-typed cell values.
func kindOfValues(values []any) Kind {
	var total, ints, floats, bools, dates int
	for _, v := range values {
		if v == nil {
			continue
		}
		total++
		switch v.(type) {
		case int64:
			ints++
		case float64:
			floats++
		case bool:
			bools++
		case time.Time:
			dates++
		}
	}
	if total == 0 {
		return KindText
	}
	switch {
	case ints == total:
		return KindInt
	case ints+floats == total:
		return KindFloat
	case bools == total:
		return KindBool
	case dates == total:
		return KindDate
	default:
		return KindText
	}
}

// compareValues orders two cell values: nulls first, then numbers, booleans,
// dates, and strings by their natural order. Mixed numeric widths compare as
// floats.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if fa, aok := asFloat(a); aok {
		if fb, bok := asFloat(b); bok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
	}
	if ba, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			switch {
			case !ba && bb:
				return -1
			case ba && !bb:
				return 1
			default:
				return 0
			}
		}
	}
	if ta, aok := a.(time.Time); aok {
		if tb, bok := b.(time.Time); bok {
			switch {
			case ta.Before(tb):
				return -1
			case ta.After(tb):
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		if math.IsNaN(n) {
			return 0, true
		}
		return n, true
	default:
		return 0, false
	}
}
