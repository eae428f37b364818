// Package tabular provides the small column-typed frame threaded through the
// pipeline engine. Cells are float64, string or nil; that covers metric
// features, identifier columns and missing values.
package tabular

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
)

// Frame is a rectangular buffer of named columns.
type Frame struct {
	cols []string
	rows [][]any
}

// New returns an empty frame with the given column names.
func New(cols ...string) *Frame {
	c := make([]string, len(cols))
	copy(c, cols)
	return &Frame{cols: c}
}

// Columns returns the column names in order.
func (f *Frame) Columns() []string { return append([]string(nil), f.cols...) }

// NumRows returns the row count.
func (f *Frame) NumRows() int { return len(f.rows) }

// Has reports whether the frame has a column named name.
func (f *Frame) Has(name string) bool { return f.index(name) >= 0 }

func (f *Frame) index(name string) int {
	for i, c := range f.cols {
		if c == name {
			return i
		}
	}
	return -1
}

// AppendRow appends one row; the cell count must match the column count.
func (f *Frame) AppendRow(cells ...any) error {
	if len(cells) != len(f.cols) {
		return fmt.Errorf("row has %d cells, frame has %d columns", len(cells), len(f.cols))
	}
	row := make([]any, len(cells))
	copy(row, cells)
	f.rows = append(f.rows, row)
	return nil
}

// Value returns the cell at (row, col), nil when the column is unknown.
func (f *Frame) Value(row int, col string) any {
	i := f.index(col)
	if i < 0 || row < 0 || row >= len(f.rows) {
		return nil
	}
	return f.rows[row][i]
}

// SetValue overwrites the cell at (row, col).
func (f *Frame) SetValue(row int, col string, v any) error {
	i := f.index(col)
	if i < 0 {
		return fmt.Errorf("unknown column %q", col)
	}
	if row < 0 || row >= len(f.rows) {
		return fmt.Errorf("row %d out of range", row)
	}
	f.rows[row][i] = v
	return nil
}

// Float returns the cell as float64. Integer-typed cells coerce; strings and
// nil report false.
func (f *Frame) Float(row int, col string) (float64, bool) {
	switch v := f.Value(row, col).(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		fv, err := v.Float64()
		return fv, err == nil
	default:
		return 0, false
	}
}

// String returns the cell as a string, "" when absent or non-string.
func (f *Frame) String(row int, col string) string {
	if s, ok := f.Value(row, col).(string); ok {
		return s
	}
	return ""
}

// AddColumn appends a column filled with fill.
func (f *Frame) AddColumn(name string, fill any) error {
	if f.Has(name) {
		return fmt.Errorf("column %q already exists", name)
	}
	f.cols = append(f.cols, name)
	for i := range f.rows {
		f.rows[i] = append(f.rows[i], fill)
	}
	return nil
}

// Select returns a new frame restricted to the named columns, in order.
func (f *Frame) Select(cols ...string) (*Frame, error) {
	idx := make([]int, len(cols))
	for i, c := range cols {
		j := f.index(c)
		if j < 0 {
			return nil, fmt.Errorf("unknown column %q", c)
		}
		idx[i] = j
	}
	out := New(cols...)
	for _, row := range f.rows {
		cells := make([]any, len(idx))
		for i, j := range idx {
			cells[i] = row[j]
		}
		out.rows = append(out.rows, cells)
	}
	return out, nil
}

// Filter returns a new frame with the rows where keep reports true.
func (f *Frame) Filter(keep func(row int) bool) *Frame {
	out := New(f.cols...)
	for i, row := range f.rows {
		if keep(i) {
			cells := make([]any, len(row))
			copy(cells, row)
			out.rows = append(out.rows, cells)
		}
	}
	return out
}

// DropColumn removes a column if present.
func (f *Frame) DropColumn(name string) {
	i := f.index(name)
	if i < 0 {
		return
	}
	f.cols = append(f.cols[:i], f.cols[i+1:]...)
	for r := range f.rows {
		f.rows[r] = append(f.rows[r][:i], f.rows[r][i+1:]...)
	}
}

// FloatColumn extracts a column as float64s; non-numeric cells become NaN-free
// errors so callers fail loudly rather than train on garbage.
func (f *Frame) FloatColumn(col string) ([]float64, error) {
	if !f.Has(col) {
		return nil, fmt.Errorf("unknown column %q", col)
	}
	out := make([]float64, len(f.rows))
	for i := range f.rows {
		v, ok := f.Float(i, col)
		if !ok {
			return nil, fmt.Errorf("column %q row %d is not numeric", col, i)
		}
		out[i] = v
	}
	return out, nil
}

// Concat appends the rows of others; column sets must match exactly.
func Concat(frames ...*Frame) (*Frame, error) {
	if len(frames) == 0 {
		return New(), nil
	}
	out := New(frames[0].cols...)
	for _, fr := range frames {
		if strings.Join(fr.cols, "\x00") != strings.Join(out.cols, "\x00") {
			return nil, fmt.Errorf("frame columns differ: %v vs %v", fr.cols, out.cols)
		}
		for _, row := range fr.rows {
			cells := make([]any, len(row))
			copy(cells, row)
			out.rows = append(out.rows, cells)
		}
	}
	return out, nil
}

// Sample returns up to n rows drawn without replacement using seed.
func (f *Frame) Sample(n int, seed int64) *Frame {
	if n >= len(f.rows) {
		return f.Filter(func(int) bool { return true })
	}
	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(len(f.rows))[:n]
	picked := make(map[int]bool, n)
	for _, i := range perm {
		picked[i] = true
	}
	return f.Filter(func(i int) bool { return picked[i] })
}

// DropDuplicates removes rows whose full cell tuple repeats, keeping the
// first occurrence.
func (f *Frame) DropDuplicates() *Frame {
	seen := make(map[string]bool, len(f.rows))
	return f.Filter(func(i int) bool {
		key := rowKey(f.rows[i])
		if seen[key] {
			return false
		}
		seen[key] = true
		return true
	})
}

func rowKey(row []any) string {
	var b strings.Builder
	for _, c := range row {
		fmt.Fprintf(&b, "%v\x1f", c)
	}
	return b.String()
}

// frameJSON is the stable columnar encoding used for artifacts.
type frameJSON struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// MarshalJSON encodes the frame in columnar form.
func (f *Frame) MarshalJSON() ([]byte, error) {
	return json.Marshal(frameJSON{Columns: f.cols, Rows: f.rows})
}

// UnmarshalJSON decodes the columnar form. Numbers decode as float64.
func (f *Frame) UnmarshalJSON(b []byte) error {
	var fj frameJSON
	if err := json.Unmarshal(b, &fj); err != nil {
		return err
	}
	for _, row := range fj.Rows {
		if len(row) != len(fj.Columns) {
			return fmt.Errorf("row has %d cells, frame has %d columns", len(row), len(fj.Columns))
		}
	}
	f.cols = fj.Columns
	f.rows = fj.Rows
	return nil
}
