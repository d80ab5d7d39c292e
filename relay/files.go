package relay

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"

	stemmgpt "github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt"
)

const claimSuffix = ".claimed"

// Paths locates the files of the file channel.
type Paths struct {
	Input  string // request marker, written by the caller
	Output string // response artifact
	Ready  string // readiness marker
}

// NewPaths resolves the configured file names under dir.
func NewPaths(dir string, cfg stemmgpt.RelayConfig) Paths {
	name := func(v, def string) string {
		if v == "" {
			return filepath.Join(dir, def)
		}
		if filepath.IsAbs(v) {
			return v
		}
		return filepath.Join(dir, v)
	}
	return Paths{
		Input:  name(cfg.InputFile, "input.txt"),
		Output: name(cfg.OutputFile, "output.txt"),
		Ready:  name(cfg.ReadyFile, "ready.txt"),
	}
}

// Claimed is where a request marker is moved while it is being served.
func (p Paths) Claimed() string {
	return p.Input + claimSuffix
}

// Cleanup removes every relay file. Missing files are not errors, so it is
// safe to call at startup, at shutdown and more than once.
func (p Paths) Cleanup() error {
	var errs []error
	for _, path := range []string{p.Input, p.Claimed(), p.Output, p.Ready} {
		if err := removeIfExists(path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MarkReady writes the readiness marker: the process id and the start time.
func (p Paths) MarkReady(started time.Time) error {
	content := fmt.Sprintf("%d %s\n", os.Getpid(), started.Format(time.RFC3339))
	if err := renameio.WriteFile(p.Ready, []byte(content), 0644); err != nil {
		return fmt.Errorf("write ready marker: %w", err)
	}
	return nil
}

// claim moves the request marker aside. It reports false when there is no
// pending request.
func (p Paths) claim() (bool, error) {
	err := os.Rename(p.Input, p.Claimed())
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (p Paths) release() error {
	return removeIfExists(p.Claimed())
}

// writeOutput replaces the response artifact atomically.
func (p Paths) writeOutput(text string) error {
	return renameio.WriteFile(p.Output, []byte(text), 0644)
}

func readPayload(read func(string) ([]byte, error), path string) (string, error) {
	data, err := read(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
