// Package export writes reshaped analytics tables to the workspace.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Sternrassler/dhis2-extract/pkg/reshape"
)

// ErrInvalidName is returned for connection ids that would escape the output directory.
var ErrInvalidName = errors.New("invalid output name")

// CSVWriter writes one CSV file per connection into a directory.
type CSVWriter struct {
	dir string
}

// NewCSVWriter returns a writer rooted at dir. The directory is created on first write.
func NewCSVWriter(dir string) *CSVWriter {
	return &CSVWriter{dir: dir}
}

// Dir returns the output directory.
func (w *CSVWriter) Dir() string {
	return w.dir
}

// Path returns the file a connection's table is written to.
func (w *CSVWriter) Path(connectionID string) string {
	return filepath.Join(w.dir, connectionID+".csv")
}

func checkName(name string) error {
	if name == "" || name == "." || strings.Contains(name, "..") ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, os.PathSeparator) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Write overwrites {dir}/{connectionID}.csv with the table: a header row of
// column names, then the data rows. It returns the path written.
func (w *CSVWriter) Write(connectionID string, t *reshape.WideTable) (string, error) {
	if err := checkName(connectionID); err != nil {
		return "", err
	}
	if t == nil {
		return "", errors.New("nil table")
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	path := w.Path(connectionID)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}

	if err := writeTable(f, t); err != nil {
		f.Close()
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}

func writeTable(f *os.File, t *reshape.WideTable) error {
	cw := csv.NewWriter(f)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return err
	}
	return cw.Error()
}
