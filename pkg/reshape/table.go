// Package reshape converts DHIS2 analytics responses from long format (one row
// per data element, period and organisation unit) to wide format (one row per
// period and organisation unit, one column per data element).
package reshape

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Default column names in an analytics response.
const (
	ColumnData   = "dx"
	ColumnPeriod = "pe"
	ColumnOrg    = "ou"
	ColumnValue  = "value"
)

var (
	// ErrMissingColumn is returned when a pivot column is absent from the headers.
	ErrMissingColumn = errors.New("column not found in response headers")

	// ErrNoHeaders is returned when a response carries no header list.
	ErrNoHeaders = errors.New("response has no headers")

	// ErrColumnCollision is returned when a pivot value equals the name of a
	// key column, which would produce two columns with the same header.
	ErrColumnCollision = errors.New("pivot value collides with key column")
)

// RowWidthError reports a row whose length does not match the header count.
type RowWidthError struct {
	Row      int
	Got      int
	Expected int
}

// Error implements the error interface.
func (e *RowWidthError) Error() string {
	return fmt.Sprintf("row %d has %d cells, expected %d", e.Row, e.Got, e.Expected)
}

// Header describes one column of an analytics response.
type Header struct {
	Name      string `json:"name"`
	Column    string `json:"column,omitempty"`
	ValueType string `json:"valueType,omitempty"`
	Type      string `json:"type,omitempty"`
	Hidden    bool   `json:"hidden,omitempty"`
	Meta      bool   `json:"meta,omitempty"`
}

// Table is an analytics response in long format.
type Table struct {
	Headers []Header `json:"headers"`
	Rows    [][]any  `json:"rows"`
	Width   int      `json:"width,omitempty"`
	Height  int      `json:"height,omitempty"`
}

// Decode parses an analytics JSON body. Numbers are kept as json.Number so
// values are written back exactly as the server sent them.
func Decode(data []byte) (*Table, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var t Table
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("decode analytics response: %w", err)
	}
	if len(t.Headers) == 0 {
		return nil, ErrNoHeaders
	}
	return &t, nil
}

// ColumnNames returns the header names in response order.
func ColumnNames(t *Table) []string {
	names := make([]string, len(t.Headers))
	for i, h := range t.Headers {
		names[i] = h.Name
	}
	return names
}

// Validate checks that every row matches the header count.
func (t *Table) Validate() error {
	for i, row := range t.Rows {
		if len(row) != len(t.Headers) {
			return &RowWidthError{Row: i, Got: len(row), Expected: len(t.Headers)}
		}
	}
	return nil
}

// FormatCell renders one response cell as CSV text. Nil becomes an empty cell.
func FormatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}
