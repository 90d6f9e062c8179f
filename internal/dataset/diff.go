package dataset

import (
	"fmt"
	"strconv"
	"time"
)

// nilSentinel stands in for nil values while building comparison keys.
// It never appears in returned data.
const nilSentinel = "\x00<nil>\x00"

// Project reorders newer's values into older's column order. Every
// column of older must be present in newer and vice versa; a shape
// mismatch means the caller is comparing unrelated tables, so it is a
// hard error rather than a best-effort intersection.
func Project(older, newer *Dataset) (*Dataset, error) {
	if len(older.Columns) != len(newer.Columns) {
		return nil, fmt.Errorf(
			"column mismatch: existing data has %d columns, incoming has %d",
			len(older.Columns), len(newer.Columns),
		)
	}
	mapping := make([]int, len(older.Columns))
	for i, col := range older.Columns {
		idx := newer.ColumnIndex(col)
		if idx < 0 {
			return nil, fmt.Errorf("incoming data is missing column %q", col)
		}
		mapping[i] = idx
	}
	out := New(older.Columns...)
	out.Rows = make([][]interface{}, 0, len(newer.Rows))
	for _, row := range newer.Rows {
		projected := make([]interface{}, len(mapping))
		for i, srcIdx := range mapping {
			projected[i] = row[srcIdx]
		}
		out.Rows = append(out.Rows, projected)
	}
	return out, nil
}

// FilterUnseen returns the rows of newer that do not appear in older.
// The existing data is the source of truth: newer is projected onto
// older's column order and its values coerced to older's types before
// comparison. An empty or nil older passes newer through untouched.
func FilterUnseen(older, newer *Dataset) (*Dataset, error) {
	if newer.Empty() {
		return New(columnsOf(newer, older)...), nil
	}
	if older.Empty() {
		return newer, nil
	}

	projected, err := Project(older, newer)
	if err != nil {
		return nil, err
	}
	coerceToTypesOf(older, projected)

	seen := make(map[string]struct{}, len(older.Rows))
	for _, row := range older.Rows {
		seen[rowKey(row)] = struct{}{}
	}

	out := New(older.Columns...)
	for _, row := range projected.Rows {
		if _, ok := seen[rowKey(row)]; ok {
			continue
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func columnsOf(d, fallback *Dataset) []string {
	if d != nil && len(d.Columns) > 0 {
		return d.Columns
	}
	if fallback != nil {
		return fallback.Columns
	}
	return nil
}

// coerceToTypesOf rewrites target's values in place so each column
// carries the same Go type as the first non-nil value of the same
// column in ref.
func coerceToTypesOf(ref, target *Dataset) {
	for col := range ref.Columns {
		var sample interface{}
		for _, row := range ref.Rows {
			if row[col] != nil {
				sample = row[col]
				break
			}
		}
		if sample == nil {
			continue
		}
		for _, row := range target.Rows {
			if row[col] == nil {
				continue
			}
			if coerced, ok := coerceValue(row[col], sample); ok {
				row[col] = coerced
			}
		}
	}
}

// coerceValue converts v to the dynamic type of sample where a lossless
// or conventional conversion exists. ok is false when no conversion
// applies; the value is then compared as-is.
func coerceValue(v, sample interface{}) (interface{}, bool) {
	switch sample.(type) {
	case int64:
		switch n := v.(type) {
		case int64:
			return n, true
		case int:
			return int64(n), true
		case int32:
			return int64(n), true
		case float64:
			return int64(n), true
		case string:
			if parsed, err := strconv.ParseInt(n, 10, 64); err == nil {
				return parsed, true
			}
		}
	case float64:
		switch n := v.(type) {
		case float64:
			return n, true
		case float32:
			return float64(n), true
		case int:
			return float64(n), true
		case int32:
			return float64(n), true
		case int64:
			return float64(n), true
		case string:
			if parsed, err := strconv.ParseFloat(n, 64); err == nil {
				return parsed, true
			}
		}
	case string:
		switch s := v.(type) {
		case string:
			return s, true
		case []byte:
			return string(s), true
		case fmt.Stringer:
			return s.String(), true
		case int64:
			return strconv.FormatInt(s, 10), true
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64), true
		}
	case bool:
		switch b := v.(type) {
		case bool:
			return b, true
		case int64:
			return b != 0, true
		case string:
			if parsed, err := strconv.ParseBool(b); err == nil {
				return parsed, true
			}
		}
	case time.Time:
		if t, ok := AsTime(v); ok {
			return t, true
		}
	}
	return v, false
}

// rowKey renders a row as a comparison key. Values print through %v
// after normalization, with the sentinel standing in for nil so a nil
// cell and the string "<nil>" never collide.
func rowKey(row []interface{}) string {
	key := make([]byte, 0, 32*len(row))
	for _, v := range row {
		key = append(key, cellKey(v)...)
		key = append(key, 0x1f)
	}
	return string(key)
}

func cellKey(v interface{}) string {
	if v == nil {
		return nilSentinel
	}
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	default:
		return fmt.Sprintf("%v", t)
	}
}
