// Package memory manages the plain-text memory artifact that survives restarts.
package memory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// File is a memory artifact on disk. A zero path disables every operation.
type File struct {
	path string
	mu   sync.Mutex
}

// New returns a memory file at path. An empty path yields a disabled File.
func New(path string) *File {
	return &File{path: path}
}

// Enabled reports whether a path is configured.
func (f *File) Enabled() bool {
	return f != nil && f.path != ""
}

// Path returns the configured path.
func (f *File) Path() string {
	if f == nil {
		return ""
	}
	return f.path
}

// Seed writes text to the file if it does not exist yet.
// It reports whether the file was created.
func (f *File) Seed(text string) (bool, error) {
	if !f.Enabled() || text == "" {
		return false, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("create memory dir: %w", err)
		}
	}
	fh, err := os.OpenFile(f.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("seed memory: %w", err)
	}
	defer fh.Close()
	if _, err := fh.WriteString(text); err != nil {
		return false, fmt.Errorf("seed memory: %w", err)
	}
	return true, nil
}

// Load returns the memory text with surrounding whitespace trimmed.
// A missing file yields an empty string.
func (f *File) Load() (string, error) {
	if !f.Enabled() {
		return "", nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read memory: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// AppendExchange appends a completed user/assistant exchange as plain text lines.
func (f *File) AppendExchange(user, assistant string) error {
	if !f.Enabled() {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.OpenFile(f.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open memory: %w", err)
	}
	defer fh.Close()

	var sb strings.Builder
	if info, err := fh.Stat(); err == nil && info.Size() > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString("user: ")
	sb.WriteString(oneLine(user))
	sb.WriteString("\nassistant: ")
	sb.WriteString(oneLine(assistant))
	if _, err := fh.WriteString(sb.String()); err != nil {
		return fmt.Errorf("append memory: %w", err)
	}
	return nil
}

// oneLine flattens newlines so each exchange stays two lines long.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
