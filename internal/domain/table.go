package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTable is returned when a table cannot be assembled from the provided data.
	ErrInvalidTable = errors.New("invalid table")
	// ErrColumnNotFound is returned when a column lookup misses.
	ErrColumnNotFound = errors.New("column not found")
	// ErrRowNotFound is returned when a row index lookup misses.
	ErrRowNotFound = errors.New("row not found")
)

// Table is a read-only snapshot of a two dimensional keyed data set: an ordered
// set of column names, an ordered set of row indices and one value per cell.
type Table struct {
	columns []string
	index   []int64
	cells   map[string][]any
	colPos  map[string]int
	rowPos  map[int64]int
}

// NewTable builds a table from column names, row indices and per column values.
// Each entry of cells must hold exactly one value per row index, positionally.
func NewTable(columns []string, index []int64, cells map[string][]any) (*Table, error) {
	t := &Table{
		columns: make([]string, len(columns)),
		index:   make([]int64, len(index)),
		cells:   make(map[string][]any, len(columns)),
		colPos:  make(map[string]int, len(columns)),
		rowPos:  make(map[int64]int, len(index)),
	}
	copy(t.columns, columns)
	copy(t.index, index)

	for pos, row := range t.index {
		if _, dup := t.rowPos[row]; dup {
			return nil, fmt.Errorf("%w: duplicate row index %d", ErrInvalidTable, row)
		}
		t.rowPos[row] = pos
	}

	for pos, name := range t.columns {
		if _, dup := t.colPos[name]; dup {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrInvalidTable, name)
		}
		t.colPos[name] = pos

		values, ok := cells[name]
		if !ok && len(index) > 0 {
			return nil, fmt.Errorf("%w: missing values for column %q", ErrInvalidTable, name)
		}
		if len(values) != len(index) {
			return nil, fmt.Errorf("%w: column %q has %d values for %d rows", ErrInvalidTable, name, len(values), len(index))
		}
		copied := make([]any, len(values))
		copy(copied, values)
		t.cells[name] = copied
	}

	if len(cells) > len(columns) {
		for name := range cells {
			if _, ok := t.colPos[name]; !ok {
				return nil, fmt.Errorf("%w: values supplied for undeclared column %q", ErrInvalidTable, name)
			}
		}
	}

	return t, nil
}

// NewTableFromRows builds a table with a contiguous 0..n-1 row index from row major data.
func NewTableFromRows(columns []string, rows [][]any) (*Table, error) {
	index := make([]int64, len(rows))
	cells := make(map[string][]any, len(columns))
	for _, name := range columns {
		cells[name] = make([]any, len(rows))
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("%w: row %d has %d cells for %d columns", ErrInvalidTable, i, len(row), len(columns))
		}
		index[i] = int64(i)
		for pos, name := range columns {
			cells[name][i] = row[pos]
		}
	}
	return NewTable(columns, index, cells)
}

// MustNewTable is like NewTable but panics on error.
func MustNewTable(columns []string, index []int64, cells map[string][]any) *Table {
	t, err := NewTable(columns, index, cells)
	if err != nil {
		panic(err)
	}
	return t
}

// Columns returns the ordered column names.
func (t *Table) Columns() []string {
	out := make([]string, len(t.columns))
	copy(out, t.columns)
	return out
}

// Index returns the ordered row indices.
func (t *Table) Index() []int64 {
	out := make([]int64, len(t.index))
	copy(out, t.index)
	return out
}

func (t *Table) NumColumns() int { return len(t.columns) }

func (t *Table) NumRows() int { return len(t.index) }

func (t *Table) HasColumn(name string) bool {
	_, ok := t.colPos[name]
	return ok
}

func (t *Table) HasRow(row int64) bool {
	_, ok := t.rowPos[row]
	return ok
}

// ColumnAt returns the column name at a position.
func (t *Table) ColumnAt(pos int) (string, bool) {
	if pos < 0 || pos >= len(t.columns) {
		return "", false
	}
	return t.columns[pos], true
}

// At returns the value at (row, column). The boolean is false when either key is absent.
func (t *Table) At(row int64, column string) (any, bool) {
	values, ok := t.cells[column]
	if !ok {
		return nil, false
	}
	pos, ok := t.rowPos[row]
	if !ok {
		return nil, false
	}
	return values[pos], true
}

// Value is like At but reports which key was missing.
func (t *Table) Value(row int64, column string) (any, error) {
	if !t.HasColumn(column) {
		return nil, fmt.Errorf("%w: %q", ErrColumnNotFound, column)
	}
	if !t.HasRow(row) {
		return nil, fmt.Errorf("%w: %d", ErrRowNotFound, row)
	}
	v, _ := t.At(row, column)
	return v, nil
}

// Column returns a copy of the values of a column in row order.
func (t *Table) Column(name string) ([]any, error) {
	values, ok := t.cells[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrColumnNotFound, name)
	}
	out := make([]any, len(values))
	copy(out, values)
	return out, nil
}

// SerializedColumn renders a column's full value vector canonically, e.g. `[1, 2, "a"]`.
func (t *Table) SerializedColumn(name string) (string, error) {
	values, ok := t.cells[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrColumnNotFound, name)
	}
	return SerializeValues(values), nil
}

// SerializedIndex renders the row index vector canonically, e.g. `[0, 1, 2]`.
func (t *Table) SerializedIndex() string {
	return SerializeIndex(t.index)
}

// Step is one captured snapshot pair. Index 0 is the subscription step.
type Step struct {
	Index  int
	Before *Table
	After  *Table
}
