package ntuple

import (
	"strings"

	"github.com/parquet-go/parquet-go"
)

// columnIndex maps branch names onto leaf column positions for one file's
// schema. Both the full dotted path and the bare leaf name are accepted;
// ambiguous leaf names require the full path.
type columnIndex struct {
	byName map[string]int
}

func newColumnIndex(schema *parquet.Schema) *columnIndex {
	idx := &columnIndex{byName: make(map[string]int)}
	for i, path := range schema.Columns() {
		full := strings.Join(path, ".")
		idx.byName[full] = i

		leaf := path[len(path)-1]
		if prev, ok := idx.byName[leaf]; ok && prev != i {
			idx.byName[leaf] = -1 // ambiguous
		} else {
			idx.byName[leaf] = i
		}
	}
	return idx
}

func (idx *columnIndex) lookup(name string) (int, bool) {
	i, ok := idx.byName[name]
	if !ok || i < 0 {
		return 0, false
	}
	return i, true
}

// Event is a handle onto the current row of the cursor. It is valid only
// until the next successful Next() call on the reader that produced it.
type Event struct {
	row    parquet.Row
	cols   *columnIndex
	file   string
	local  int64
	global int64
}

// File returns the path of the file the event was read from.
func (e *Event) File() string { return e.file }

// LocalEntry returns the row index within the current file.
func (e *Event) LocalEntry() int64 { return e.local }

// GlobalEntry returns the global event counter since job start.
func (e *Event) GlobalEntry() int64 { return e.global }

// Values returns all values of a named column in this event. Repeated
// columns (per-object branches) yield one value per object.
func (e *Event) Values(name string) []parquet.Value {
	col, ok := e.cols.lookup(name)
	if !ok {
		return nil
	}

	var vals []parquet.Value
	for _, v := range e.row {
		if v.Column() == col && !v.IsNull() {
			vals = append(vals, v)
		}
	}
	return vals
}

// Float64 returns the first value of a scalar column as float64.
func (e *Event) Float64(name string) (float64, bool) {
	vals := e.Values(name)
	if len(vals) == 0 {
		return 0, false
	}
	return toFloat64(vals[0]), true
}

// Int64 returns the first value of a scalar column as int64.
func (e *Event) Int64(name string) (int64, bool) {
	vals := e.Values(name)
	if len(vals) == 0 {
		return 0, false
	}
	return toInt64(vals[0]), true
}

// Float64s returns all values of a repeated column as float64.
func (e *Event) Float64s(name string) []float64 {
	vals := e.Values(name)
	if len(vals) == 0 {
		return nil
	}
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = toFloat64(v)
	}
	return out
}

func toFloat64(v parquet.Value) float64 {
	switch v.Kind() {
	case parquet.Boolean:
		if v.Boolean() {
			return 1
		}
		return 0
	case parquet.Int32:
		return float64(v.Int32())
	case parquet.Int64:
		return float64(v.Int64())
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	default:
		return 0
	}
}

func toInt64(v parquet.Value) int64 {
	switch v.Kind() {
	case parquet.Boolean:
		if v.Boolean() {
			return 1
		}
		return 0
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return int64(v.Float())
	case parquet.Double:
		return int64(v.Double())
	default:
		return 0
	}
}
