package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const eventExt = ".json"

// IsWritableDir reports whether dir exists, is a directory and accepts new
// files. It probes by creating and removing a temporary file.
func IsWritableDir(dir string) bool {
	if strings.TrimSpace(dir) == "" {
		return false
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	probe, err := os.CreateTemp(dir, ".sessionmeta-probe-*")
	if err != nil {
		return false
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return true
}

// IsEventFile checks if a spool entry is a complete event document. Hidden
// and temporary files are ignored so writers can rename into place.
func IsEventFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	return strings.EqualFold(filepath.Ext(base), eventExt)
}

// ListEventFiles returns the event documents directly under dir, sorted by
// name so producers can control ordering with sortable file names.
func ListEventFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if IsEventFile(p) {
			files = append(files, p)
		}
	}
	sort.Strings(files)
	return files, nil
}

// MoveInto moves path into dir, creating dir when needed, and returns the new
// path. An existing file of the same name is replaced.
func MoveInto(path, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	dst := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("move %s: %w", path, err)
	}
	return dst, nil
}
