package protocol

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Record is an ordered column-name to value mapping. Column order is
// preserved through encode/decode so that re-encoding a decoded batch
// yields the identical byte sequence.
type Record struct {
	m *orderedmap.OrderedMap[string, string]
}

// NewRecord returns an empty record.
func NewRecord() Record {
	return Record{m: orderedmap.New[string, string]()}
}

// RecordFromPairs builds a record from alternating column, value arguments.
// It panics on an odd argument count; it is intended for literals.
func RecordFromPairs(pairs ...string) Record {
	if len(pairs)%2 != 0 {
		panic("protocol: RecordFromPairs requires an even number of arguments")
	}
	r := NewRecord()
	for i := 0; i < len(pairs); i += 2 {
		r.Set(pairs[i], pairs[i+1])
	}
	return r
}

// Get returns the value of the given column.
func (r Record) Get(column string) (string, bool) {
	if r.m == nil {
		return "", false
	}
	return r.m.Get(column)
}

// Value returns the value of the given column, or the empty string when
// the column is absent.
func (r Record) Value(column string) string {
	v, _ := r.Get(column)
	return v
}

// Set stores value under column, appending the column if it is new.
func (r Record) Set(column, value string) {
	r.m.Set(column, value)
}

// Len returns the number of columns.
func (r Record) Len() int {
	if r.m == nil {
		return 0
	}
	return r.m.Len()
}

// Columns returns the column names in insertion order.
func (r Record) Columns() []string {
	cols := make([]string, 0, r.Len())
	for p := r.m.Oldest(); p != nil; p = p.Next() {
		cols = append(cols, p.Key)
	}
	return cols
}

// Project returns a new record containing only the given columns, in the
// given order. Absent columns are materialized as empty values so that a
// projection never drops rows silently.
func (r Record) Project(columns []string) Record {
	out := NewRecord()
	for _, col := range columns {
		out.Set(col, r.Value(col))
	}
	return out
}

// Clone returns an independent copy of the record.
func (r Record) Clone() Record {
	out := NewRecord()
	for p := r.m.Oldest(); p != nil; p = p.Next() {
		out.Set(p.Key, p.Value)
	}
	return out
}

// Merge returns a copy of r with every column of other set on top of it.
// Columns present in both take other's value.
func (r Record) Merge(other Record) Record {
	out := r.Clone()
	for p := other.m.Oldest(); p != nil; p = p.Next() {
		out.Set(p.Key, p.Value)
	}
	return out
}

// Equal reports whether both records hold the same columns in the same
// order with the same values.
func (r Record) Equal(other Record) bool {
	if r.Len() != other.Len() {
		return false
	}
	p, q := r.m.Oldest(), other.m.Oldest()
	for p != nil {
		if p.Key != q.Key || p.Value != q.Value {
			return false
		}
		p, q = p.Next(), q.Next()
	}
	return true
}
