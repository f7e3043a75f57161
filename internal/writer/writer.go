// Package writer persists metadata records as CSV rows or JSON documents.
//
// The writer does no locking. Callers serialize writes to the same file.
package writer

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"sessionmeta/internal/record"
)

// ErrUnsupportedFormat is returned for an unknown Format.
var ErrUnsupportedFormat = errors.New("unsupported output format")

// Format is an output serialization.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// Ext returns the file extension for f, including the dot.
func (f Format) Ext() string { return "." + string(f) }

// Policy controls what happens when the target file already exists.
type Policy int

const (
	// Append adds a row (CSV) or list element (JSON) on every write.
	Append Policy = iota
	// WriteOnce writes only when the file does not exist yet.
	WriteOnce
)

func (p Policy) String() string {
	if p == WriteOnce {
		return "write-once"
	}
	return "append"
}

// PolicyFor returns the write policy of a record kind: acquisition details
// are written once per directory, everything else is appended.
func PolicyFor(kind record.Kind) Policy {
	if kind == record.KindAcquisition {
		return WriteOnce
	}
	return Append
}

// Writer writes records to disk.
type Writer struct {
	log *slog.Logger
}

// New returns a Writer logging to logger (slog.Default when nil).
func New(logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{log: logger}
}

// Write persists rec to basePath plus the format's extension and returns the
// path written. It returns "" without error when p is WriteOnce and the file
// already exists.
func (w *Writer) Write(rec record.Record, basePath string, f Format, p Policy) (string, error) {
	path := basePath + f.Ext()

	exists, err := fileExists(path)
	if err != nil {
		return "", err
	}
	if exists && p == WriteOnce {
		w.log.Debug("metadata file exists, skipping", "path", path, "kind", rec.Kind())
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create metadata directory: %w", err)
	}

	switch f {
	case FormatCSV:
		err = writeCSV(rec, path, exists)
	case FormatJSON:
		err = writeJSON(rec, path, exists, p)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
	}
	if err != nil {
		return "", err
	}
	return path, nil
}

func writeCSV(rec record.Record, path string, exists bool) (err error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()

	cw := csv.NewWriter(file)
	if !exists {
		if err := cw.Write(rec.Header()); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
	}
	if err := cw.Write(rec.Row()); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return nil
}

func writeJSON(rec record.Record, path string, exists bool, p Policy) error {
	var doc any = rec
	if p == Append {
		list, err := readList(path, exists)
		if err != nil {
			return err
		}
		body, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode %s record: %w", rec.Kind(), err)
		}
		doc = append(list, body)
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, append(out, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// readList loads the existing JSON list. Elements are kept raw so rows written
// by other versions survive the rewrite untouched.
func readList(path string, exists bool) ([]json.RawMessage, error) {
	if !exists {
		return make([]json.RawMessage, 0, 1), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return list, nil
}

func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		if info.IsDir() {
			return false, fmt.Errorf("%s is a directory", path)
		}
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}
