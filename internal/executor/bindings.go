package executor

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"github.com/jbarasa/hesabu/internal/table"
)

// binder wires the closed scripting surface into a VM. Scripts see three
// things: the working table under `df`, the operation object under `tbl`,
// and the scalar builtins. Every operation returns a new table, so a script
// reads like `df = tbl.where(df, function(row) { ... })`.
type binder struct {
	vm *goja.Runtime
}

func bindAll(vm *goja.Runtime, working *table.Table) {
	b := &binder{vm: vm}
	vm.Set("df", vm.ToValue(working))
	vm.Set("tbl", b.tableOps())
	b.bindBuiltins()
}

func (b *binder) tableOps() *goja.Object {
	obj := b.vm.NewObject()
	obj.Set("select", b.opSelect)
	obj.Set("drop", b.opDrop)
	obj.Set("where", b.opWhere)
	obj.Set("derive", b.opDerive)
	obj.Set("rename", b.opRename)
	obj.Set("sort", b.opSort)
	obj.Set("distinct", b.opDistinct)
	obj.Set("head", b.opHead)
	obj.Set("sum", b.aggregate((*table.Table).Sum))
	obj.Set("avg", b.aggregate((*table.Table).Avg))
	obj.Set("min", b.opMin)
	obj.Set("max", b.opMax)
	obj.Set("count", b.opCount)
	obj.Set("columns", b.opColumns)
	obj.Set("rows", b.opRows)
	return obj
}

func (b *binder) opSelect(call goja.FunctionCall) goja.Value {
	t := b.tableArg(call, 0)
	out, err := t.Select(b.stringArgs(call, 1)...)
	if err != nil {
		b.throw(err)
	}
	return b.vm.ToValue(out)
}

func (b *binder) opDrop(call goja.FunctionCall) goja.Value {
	t := b.tableArg(call, 0)
	out, err := t.Drop(b.stringArgs(call, 1)...)
	if err != nil {
		b.throw(err)
	}
	return b.vm.ToValue(out)
}

func (b *binder) opWhere(call goja.FunctionCall) goja.Value {
	t := b.tableArg(call, 0)
	pred := b.callableArg(call, 1)
	out, err := t.Where(func(row map[string]any) (bool, error) {
		v, err := pred(goja.Undefined(), b.rowValue(row))
		if err != nil {
			return false, err
		}
		return v.ToBoolean(), nil
	})
	if err != nil {
		b.throw(err)
	}
	return b.vm.ToValue(out)
}

func (b *binder) opDerive(call goja.FunctionCall) goja.Value {
	t := b.tableArg(call, 0)
	name := b.stringArg(call, 1)
	fn := b.callableArg(call, 2)
	out, err := t.Derive(name, func(row map[string]any) (any, error) {
		v, err := fn(goja.Undefined(), b.rowValue(row))
		if err != nil {
			return nil, err
		}
		if goja.IsUndefined(v) || goja.IsNull(v) {
			return nil, nil
		}
		return v.Export(), nil
	})
	if err != nil {
		b.throw(err)
	}
	return b.vm.ToValue(out)
}

func (b *binder) opRename(call goja.FunctionCall) goja.Value {
	t := b.tableArg(call, 0)
	out, err := t.Rename(b.stringArg(call, 1), b.stringArg(call, 2))
	if err != nil {
		b.throw(err)
	}
	return b.vm.ToValue(out)
}

func (b *binder) opSort(call goja.FunctionCall) goja.Value {
	t := b.tableArg(call, 0)
	descending := false
	if len(call.Arguments) > 2 {
		descending = call.Argument(2).ToBoolean()
	}
	out, err := t.Sort(b.stringArg(call, 1), descending)
	if err != nil {
		b.throw(err)
	}
	return b.vm.ToValue(out)
}

func (b *binder) opDistinct(call goja.FunctionCall) goja.Value {
	t := b.tableArg(call, 0)
	out, err := t.Distinct(b.stringArgs(call, 1)...)
	if err != nil {
		b.throw(err)
	}
	return b.vm.ToValue(out)
}

func (b *binder) opHead(call goja.FunctionCall) goja.Value {
	t := b.tableArg(call, 0)
	n := int(call.Argument(1).ToInteger())
	return b.vm.ToValue(t.Limit(n))
}

func (b *binder) aggregate(fn func(*table.Table, string) (float64, error)) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		t := b.tableArg(call, 0)
		v, err := fn(t, b.stringArg(call, 1))
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(v)
	}
}

func (b *binder) opMin(call goja.FunctionCall) goja.Value {
	t := b.tableArg(call, 0)
	v, err := t.Min(b.stringArg(call, 1))
	if err != nil {
		b.throw(err)
	}
	return b.vm.ToValue(v)
}

func (b *binder) opMax(call goja.FunctionCall) goja.Value {
	t := b.tableArg(call, 0)
	v, err := t.Max(b.stringArg(call, 1))
	if err != nil {
		b.throw(err)
	}
	return b.vm.ToValue(v)
}

func (b *binder) opCount(call goja.FunctionCall) goja.Value {
	t := b.tableArg(call, 0)
	if len(call.Arguments) < 2 {
		return b.vm.ToValue(t.RowCount())
	}
	n, err := t.CountNonNull(b.stringArg(call, 1))
	if err != nil {
		b.throw(err)
	}
	return b.vm.ToValue(n)
}

func (b *binder) opColumns(call goja.FunctionCall) goja.Value {
	return b.vm.ToValue(b.tableArg(call, 0).ColumnNames())
}

func (b *binder) opRows(call goja.FunctionCall) goja.Value {
	return b.vm.ToValue(b.tableArg(call, 0).RowCount())
}

// bindBuiltins installs the small scalar helper set scripts may use inside
// callbacks.
func (b *binder) bindBuiltins() {
	b.vm.Set("len", func(call goja.FunctionCall) goja.Value {
		switch v := call.Argument(0).Export().(type) {
		case string:
			return b.vm.ToValue(len([]rune(v)))
		case []any:
			return b.vm.ToValue(len(v))
		case *table.Table:
			return b.vm.ToValue(v.RowCount())
		case nil:
			return b.vm.ToValue(0)
		default:
			return b.vm.ToValue(len(fmt.Sprint(v)))
		}
	})
	b.vm.Set("num", func(call goja.FunctionCall) goja.Value {
		arg := call.Argument(0)
		if s, ok := arg.Export().(string); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				b.throw(fmt.Errorf("num: %q is not numeric", s))
			}
			return b.vm.ToValue(f)
		}
		return b.vm.ToValue(arg.ToFloat())
	})
	b.vm.Set("str", func(call goja.FunctionCall) goja.Value {
		arg := call.Argument(0)
		if goja.IsUndefined(arg) || goja.IsNull(arg) {
			return b.vm.ToValue("")
		}
		return b.vm.ToValue(arg.String())
	})
	b.vm.Set("round", func(call goja.FunctionCall) goja.Value {
		x := call.Argument(0).ToFloat()
		digits := 0
		if len(call.Arguments) > 1 {
			digits = int(call.Argument(1).ToInteger())
		}
		pow := math.Pow(10, float64(digits))
		return b.vm.ToValue(math.Round(x*pow) / pow)
	})
	b.vm.Set("abs", func(call goja.FunctionCall) goja.Value {
		return b.vm.ToValue(math.Abs(call.Argument(0).ToFloat()))
	})
	b.vm.Set("min", func(call goja.FunctionCall) goja.Value {
		return b.vm.ToValue(b.fold(call, math.Min))
	})
	b.vm.Set("max", func(call goja.FunctionCall) goja.Value {
		return b.vm.ToValue(b.fold(call, math.Max))
	})
	b.vm.Set("contains", func(call goja.FunctionCall) goja.Value {
		haystack := call.Argument(0)
		if goja.IsUndefined(haystack) || goja.IsNull(haystack) {
			return b.vm.ToValue(false)
		}
		return b.vm.ToValue(strings.Contains(
			strings.ToLower(haystack.String()),
			strings.ToLower(call.Argument(1).String()),
		))
	})
}

func (b *binder) fold(call goja.FunctionCall, fn func(a, b float64) float64) float64 {
	if len(call.Arguments) == 0 {
		b.throw(fmt.Errorf("at least one argument required"))
	}
	acc := call.Argument(0).ToFloat()
	for i := 1; i < len(call.Arguments); i++ {
		acc = fn(acc, call.Argument(i).ToFloat())
	}
	return acc
}

// --- Argument helpers ---

func (b *binder) tableArg(call goja.FunctionCall, i int) *table.Table {
	t, ok := call.Argument(i).Export().(*table.Table)
	if !ok {
		b.throw(fmt.Errorf("argument %d must be a table", i+1))
	}
	return t
}

func (b *binder) stringArg(call goja.FunctionCall, i int) string {
	arg := call.Argument(i)
	if goja.IsUndefined(arg) {
		b.throw(fmt.Errorf("argument %d must be a column name", i+1))
	}
	return arg.String()
}

func (b *binder) stringArgs(call goja.FunctionCall, from int) []string {
	out := make([]string, 0, len(call.Arguments)-from)
	for i := from; i < len(call.Arguments); i++ {
		out = append(out, call.Argument(i).String())
	}
	return out
}

func (b *binder) callableArg(call goja.FunctionCall, i int) goja.Callable {
	fn, ok := goja.AssertFunction(call.Argument(i))
	if !ok {
		b.throw(fmt.Errorf("argument %d must be a function", i+1))
	}
	return fn
}

// throw raises err as a JS exception carrying the original Go error value,
// so the failure classifier can recover typed table errors afterwards.
// Exporting the exception value yields err itself, which a wrapped JS Error
// object would not.
func (b *binder) throw(err error) {
	panic(b.vm.ToValue(err))
}
