// Package spool stages incoming file content on local disk. Upload tasks
// re-open their source once per run and seek when resuming, so spooled
// content has to stay put until the upload finishes or the file is removed
// from the queue.
package spool

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const dirPerm os.FileMode = 0o750

// Spool owns one staging directory. Every saved file lands in its own
// subdirectory, so identical filenames never collide and the original base
// name survives for metadata defaults.
type Spool struct {
	dir string
}

// New ensures the staging directory exists.
func New(dir string) (*Spool, error) {
	if dir == "" {
		return nil, errors.New("empty spool dir")
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("ensure spool dir: %w", err)
	}
	return &Spool{dir: dir}, nil
}

// Dir returns the staging directory root.
func (s *Spool) Dir() string { return s.dir }

// Save copies the reader into the spool and returns the staged path. The
// write goes through a temp file followed by a rename, so a crashed request
// never leaves a half-written file behind under the final name.
func (s *Spool) Save(name string, r io.Reader) (string, error) {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "", fmt.Errorf("unusable file name %q", name)
	}

	sub := filepath.Join(s.dir, uuid.NewString())
	if err := os.MkdirAll(sub, dirPerm); err != nil {
		return "", fmt.Errorf("ensure spool subdir: %w", err)
	}

	tmp, err := os.CreateTemp(sub, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("copy to temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close temp: %w", err)
	}

	final := filepath.Join(sub, base)
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("rename temp: %w", err)
	}
	return final, nil
}

// Remove deletes a staged file and its private subdirectory. Paths outside
// the spool are refused.
func (s *Spool) Remove(path string) error {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("path %q is not inside the spool", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove staged file: %w", err)
	}
	sub := filepath.Dir(path)
	if sub != s.dir {
		_ = os.Remove(sub)
	}
	return nil
}
