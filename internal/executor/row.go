package executor

import (
	"sort"

	"github.com/dop251/goja"

	"github.com/jbarasa/hesabu/internal/table"
)

// rowObject exposes one table row to a script callback. Reading a key that
// is not a column raises a missing-column error instead of yielding
// undefined, so a typo'd or nonexistent column name fails loudly rather than
// silently producing NaN rows.
type rowObject struct {
	vm  *goja.Runtime
	row map[string]any
}

var _ goja.DynamicObject = (*rowObject)(nil)

// protocolKeys are object-protocol lookups the engine may perform on any
// value. They fall through to the prototype instead of being treated as
// column references.
var protocolKeys = map[string]bool{
	"toString":       true,
	"valueOf":        true,
	"toJSON":         true,
	"constructor":    true,
	"hasOwnProperty": true,
	"then":           true,
}

func (b *binder) rowValue(row map[string]any) goja.Value {
	return b.vm.NewDynamicObject(&rowObject{vm: b.vm, row: row})
}

func (r *rowObject) Get(key string) goja.Value {
	if v, ok := r.row[key]; ok {
		return r.vm.ToValue(v)
	}
	if protocolKeys[key] {
		return nil
	}
	panic(r.vm.ToValue(&table.ColumnNotFoundError{Name: key}))
}

func (r *rowObject) Set(key string, val goja.Value) bool {
	// Callbacks may stage intermediate values on the row; the row is a copy,
	// so this never touches the table.
	r.row[key] = val.Export()
	return true
}

func (r *rowObject) Has(key string) bool {
	_, ok := r.row[key]
	return ok
}

func (r *rowObject) Delete(key string) bool {
	delete(r.row, key)
	return true
}

func (r *rowObject) Keys() []string {
	keys := make([]string, 0, len(r.row))
	for k := range r.row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
