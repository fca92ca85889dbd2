package writer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
)

// Record is one publishable row regardless of run mode. Every table row type
// renders itself for both transfer encodings the sink accepts.
type Record interface {
	CSVRecord() []string
	JSONRecord() interface{}
}

// BuildCSV renders header plus records as CSV text, the payload shape shared
// by the staging file and the bulk upload.
func BuildCSV(header []string, records []Record) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("write header: %w", err)
	}
	for _, rec := range records {
		if err := w.Write(rec.CSVRecord()); err != nil {
			return "", fmt.Errorf("write record: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// WriteStagingCSV persists the exact payload about to be published so a
// failed run can be inspected and replayed. Returns the rendered text so the
// caller does not serialize twice.
func WriteStagingCSV(path string, header []string, records []Record) (string, error) {
	text, err := BuildCSV(header, records)
	if err != nil {
		return "", err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create staging dir: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("write staging csv: %w", err)
	}
	return text, nil
}
