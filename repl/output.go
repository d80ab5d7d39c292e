package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/term"
)

// termWriter wraps a file and converts \n to \r\n when the file is a terminal
// (needed because raw mode disables the kernel's NL→CRNL translation).
// When the file is redirected, \n passes through unchanged.
func termWriter(f *os.File) io.Writer {
	if term.IsTerminal(int(f.Fd())) {
		return &crlfWriter{w: f}
	}
	return f
}

type crlfWriter struct {
	w io.Writer
}

func (c *crlfWriter) Write(p []byte) (int, error) {
	replaced := bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))
	_, err := c.w.Write(replaced)
	return len(p), err // report original length to caller
}

// typewrite writes text one rune at a time, pausing delay between runes.
// A zero delay writes it at once.
func typewrite(w io.Writer, text string, delay time.Duration) error {
	if delay <= 0 {
		_, err := io.WriteString(w, text)
		return err
	}
	for i, r := range text {
		if i > 0 {
			time.Sleep(delay)
		}
		if _, err := io.WriteString(w, string(r)); err != nil {
			return err
		}
	}
	return nil
}

// logEntry is one exchange in the -log file.
type logEntry struct {
	Timestamp time.Time `toml:"timestamp"`
	Channel   string    `toml:"channel"`
	Input     string    `toml:"input"`
	Reply     string    `toml:"reply,omitempty"`
	Error     string    `toml:"error,omitempty"`
	ElapsedMS int64     `toml:"elapsed_ms"`
}

type logFile struct {
	Exchange []logEntry `toml:"exchange"`
}

// writeEntry appends e to w as a TOML [[exchange]] table, so a log built
// from many calls decodes as one array.
func writeEntry(w io.Writer, e logEntry) error {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.Indent = ""
	if err := enc.Encode(logFile{Exchange: []logEntry{e}}); err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	buf.WriteString("\n")
	_, err := w.Write(buf.Bytes())
	return err
}
