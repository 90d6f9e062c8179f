// Package dataset provides the rectangular in-memory data shape moved
// between connectors, plus the row-level diff used to drop already
// synced rows before writing.
package dataset

import (
	"fmt"
	"time"
)

// Dataset is an ordered set of columns with row-major values. A nil
// Dataset and a Dataset with zero rows are both "empty"; operations
// treat them the same.
type Dataset struct {
	Columns []string
	Rows    [][]interface{}
}

// New returns a Dataset over the given columns with no rows.
func New(columns ...string) *Dataset {
	return &Dataset{Columns: append([]string(nil), columns...)}
}

// Len returns the row count. Safe on a nil Dataset.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Rows)
}

// Empty reports whether the Dataset holds no rows.
func (d *Dataset) Empty() bool {
	return d.Len() == 0
}

// ColumnIndex returns the position of name in Columns, or -1.
func (d *Dataset) ColumnIndex(name string) int {
	if d == nil {
		return -1
	}
	for i, c := range d.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Append adds one row. The row must match the column count.
func (d *Dataset) Append(row []interface{}) error {
	if len(row) != len(d.Columns) {
		return fmt.Errorf("row has %d values, dataset has %d columns", len(row), len(d.Columns))
	}
	d.Rows = append(d.Rows, row)
	return nil
}

// Column returns all values of the named column in row order.
func (d *Dataset) Column(name string) ([]interface{}, error) {
	idx := d.ColumnIndex(name)
	if idx < 0 {
		return nil, fmt.Errorf("no column %q in dataset", name)
	}
	vals := make([]interface{}, 0, len(d.Rows))
	for _, row := range d.Rows {
		vals = append(vals, row[idx])
	}
	return vals, nil
}

// TimeBounds returns the minimum and maximum non-nil time values of
// the named column. ok is false when the column holds no time values.
func (d *Dataset) TimeBounds(col string) (min, max time.Time, ok bool) {
	idx := d.ColumnIndex(col)
	if idx < 0 {
		return time.Time{}, time.Time{}, false
	}
	for _, row := range d.Rows {
		t, isTime := AsTime(row[idx])
		if !isTime {
			continue
		}
		if !ok {
			min, max, ok = t, t, true
			continue
		}
		if t.Before(min) {
			min = t
		}
		if t.After(max) {
			max = t
		}
	}
	return min, max, ok
}

// AsTime coerces common datetime representations to time.Time.
func AsTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02 15:04:05.999999999",
			"2006-01-02 15:04:05",
			"2006-01-02",
		} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// Slice returns rows [from, to) as a new Dataset sharing row storage.
func (d *Dataset) Slice(from, to int) *Dataset {
	if from < 0 {
		from = 0
	}
	if to > len(d.Rows) {
		to = len(d.Rows)
	}
	if from > to {
		from = to
	}
	return &Dataset{Columns: d.Columns, Rows: d.Rows[from:to]}
}
