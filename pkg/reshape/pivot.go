package reshape

import (
	"fmt"
	"strings"
)

// WideTable is the pivoted result: key columns first, then one column per
// distinct pivot value. Missing combinations are empty strings.
type WideTable struct {
	Columns []string
	Rows    [][]string
}

// Pivot groups the long table by every column except on and values, and
// spreads values into one column per distinct value of on.
//
// Rows and pivot columns keep their order of first appearance. When the same
// key and pivot value occur twice the later row wins.
func Pivot(t *Table, on, values string) (*WideTable, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	names := ColumnNames(t)
	onIdx, valIdx := -1, -1
	var keyIdx []int
	for i, name := range names {
		switch name {
		case on:
			onIdx = i
		case values:
			valIdx = i
		default:
			keyIdx = append(keyIdx, i)
		}
	}
	if onIdx < 0 {
		return nil, fmt.Errorf("pivot on %q: %w", on, ErrMissingColumn)
	}
	if valIdx < 0 {
		return nil, fmt.Errorf("pivot values %q: %w", values, ErrMissingColumn)
	}

	keyNames := make(map[string]bool, len(keyIdx))
	for _, idx := range keyIdx {
		keyNames[names[idx]] = true
	}

	var (
		pivotCols []string
		pivotPos  = make(map[string]int)
		keys      [][]string
		cells     []map[int]string
		keyPos    = make(map[string]int)
	)

	for _, row := range t.Rows {
		key := make([]string, len(keyIdx))
		for i, idx := range keyIdx {
			key[i] = FormatCell(row[idx])
		}
		// Unit separator cannot appear in DHIS2 identifiers.
		k := strings.Join(key, "\x1f")

		r, ok := keyPos[k]
		if !ok {
			r = len(keys)
			keyPos[k] = r
			keys = append(keys, key)
			cells = append(cells, make(map[int]string))
		}

		col := FormatCell(row[onIdx])
		c, ok := pivotPos[col]
		if !ok {
			if keyNames[col] {
				return nil, fmt.Errorf("pivot value %q: %w", col, ErrColumnCollision)
			}
			c = len(pivotCols)
			pivotPos[col] = c
			pivotCols = append(pivotCols, col)
		}

		cells[r][c] = FormatCell(row[valIdx])
	}

	out := &WideTable{
		Columns: make([]string, 0, len(keyIdx)+len(pivotCols)),
		Rows:    make([][]string, len(keys)),
	}
	for _, idx := range keyIdx {
		out.Columns = append(out.Columns, names[idx])
	}
	out.Columns = append(out.Columns, pivotCols...)

	for r, key := range keys {
		row := make([]string, len(out.Columns))
		copy(row, key)
		for c, v := range cells[r] {
			row[len(key)+c] = v
		}
		out.Rows[r] = row
	}

	return out, nil
}
