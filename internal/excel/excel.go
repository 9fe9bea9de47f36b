// Package excel adapts xlsx workbooks to and from the columnar table model.
package excel

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/jbarasa/hesabu/internal/domain"
	"github.com/jbarasa/hesabu/internal/table"
)

// Import caps. Oversized workbooks are rejected before any row is parsed
// into memory beyond these bounds.
const (
	MaxUploadBytes = 50 << 20 // 50 MiB
	MaxRows        = 100_000
	MaxColumns     = 500
)

// Typed rejection reasons for uploads.
var (
	ErrTooLarge       = errors.New("workbook exceeds the upload size cap")
	ErrTooManyRows    = errors.New("sheet exceeds the row cap")
	ErrTooManyColumns = errors.New("sheet exceeds the column cap")
	ErrNoSheets       = errors.New("workbook contains no usable sheet")
)

// Workbook is an ordered set of parsed sheets.
type Workbook struct {
	SheetNames []string
	Sheets     map[string]*table.Table
}

// ActiveSheet returns the first sheet, the one transforms operate on.
func (w *Workbook) ActiveSheet() (string, *table.Table) {
	if len(w.SheetNames) == 0 {
		return "", nil
	}
	name := w.SheetNames[0]
	return name, w.Sheets[name]
}

// Parse reads an xlsx workbook into tables. The first row of each sheet is
// the header; sheets without any data row are skipped.
func Parse(data []byte) (*Workbook, error) {
	if len(data) > MaxUploadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	wb := &Workbook{Sheets: make(map[string]*table.Table)}
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		if len(rows) < 2 {
			continue // Header only, or empty.
		}
		headers, records := rows[0], rows[1:]
		if len(headers) > MaxColumns {
			return nil, fmt.Errorf("%w: sheet %q has %d columns", ErrTooManyColumns, sheet, len(headers))
		}
		if len(records) > MaxRows {
			return nil, fmt.Errorf("%w: sheet %q has %d rows", ErrTooManyRows, sheet, len(records))
		}
		t, err := table.FromRecords(headers, records)
		if err != nil {
			return nil, fmt.Errorf("sheet %q: %w", sheet, err)
		}
		wb.SheetNames = append(wb.SheetNames, sheet)
		wb.Sheets[sheet] = t
	}
	if len(wb.SheetNames) == 0 {
		return nil, ErrNoSheets
	}
	return wb, nil
}

// Serialize writes tables back into an xlsx workbook, one sheet per table in
// workbook order, header row first.
func Serialize(wb *Workbook) ([]byte, error) {
	if len(wb.SheetNames) == 0 {
		return nil, ErrNoSheets
	}
	f := excelize.NewFile()
	defer f.Close()

	for i, sheet := range wb.SheetNames {
		if i == 0 {
			if err := f.SetSheetName("Sheet1", sheet); err != nil {
				return nil, fmt.Errorf("name sheet %q: %w", sheet, err)
			}
		} else {
			if _, err := f.NewSheet(sheet); err != nil {
				return nil, fmt.Errorf("add sheet %q: %w", sheet, err)
			}
		}
		if err := writeSheet(f, sheet, wb.Sheets[sheet]); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("serialize workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSheet(f *excelize.File, sheet string, t *table.Table) error {
	header := make([]any, t.ColumnCount())
	for i, name := range t.ColumnNames() {
		header[i] = name
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write header of %q: %w", sheet, err)
	}
	names := t.ColumnNames()
	for r := 0; r < t.RowCount(); r++ {
		row := t.Row(r)
		cells := make([]any, len(names))
		for i, name := range names {
			cells[i] = cellValue(row[name])
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return fmt.Errorf("row coordinate: %w", err)
		}
		if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
			return fmt.Errorf("write row %d of %q: %w", r, sheet, err)
		}
	}
	return nil
}

func cellValue(v any) any {
	if ts, ok := v.(time.Time); ok {
		return ts.Format("2006-01-02")
	}
	return v
}

// summarySampleRows is how many head rows a schema summary carries.
const summarySampleRows = 3

// Summarize captures a table's shape for prompts and session metadata.
func Summarize(sheetName string, t *table.Table) *domain.SchemaSummary {
	fields := make([]domain.ColumnSummary, 0, t.ColumnCount())
	for _, name := range t.ColumnNames() {
		kind, _ := t.KindOf(name)
		values, _ := t.ColumnValues(name)

		nonNull := 0
		uniques := make(map[any]struct{}, len(values))
		samples := make([]any, 0, summarySampleRows)
		for _, v := range values {
			if v == nil {
				continue
			}
			nonNull++
			key := v
			if ts, ok := v.(time.Time); ok {
				key = ts.Unix()
			}
			if _, seen := uniques[key]; !seen {
				uniques[key] = struct{}{}
				if len(samples) < summarySampleRows {
					samples = append(samples, v)
				}
			}
		}
		fields = append(fields, domain.ColumnSummary{
			Name:    name,
			Kind:    string(kind),
			NonNull: nonNull,
			Unique:  len(uniques),
			Samples: samples,
		})
	}
	return &domain.SchemaSummary{
		SheetName: sheetName,
		Rows:      t.RowCount(),
		Columns:   t.ColumnCount(),
		Fields:    fields,
		Sample:    t.Head(summarySampleRows),
	}
}
