package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"unicode"
	"unicode/utf8"

	"golang.org/x/term"
)

// ErrInterrupt is returned when the user presses Ctrl-C.
var ErrInterrupt = errors.New("interrupted")

// Editor is a minimal raw-mode line editor for chat input.
// It reads from /dev/tty so it works even when stdout is redirected.
type Editor struct {
	tty      *os.File
	oldState *term.State
	line     lineBuffer
}

// NewEditor opens /dev/tty and switches to raw mode.
func NewEditor() (*Editor, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/tty: %w", err)
	}

	old, err := term.MakeRaw(int(tty.Fd()))
	if err != nil {
		tty.Close()
		return nil, fmt.Errorf("raw mode: %w", err)
	}

	return &Editor{tty: tty, oldState: old}, nil
}

// Close restores terminal state and closes the tty fd.
func (e *Editor) Close() {
	term.Restore(int(e.tty.Fd()), e.oldState)
	e.tty.Close()
}

// Tty returns the tty file for writing prompts/UI.
func (e *Editor) Tty() *os.File {
	return e.tty
}

// Width returns the terminal width, or 80 when it cannot be determined.
func (e *Editor) Width() int {
	w, _, err := term.GetSize(int(e.tty.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

// ReadLine displays the prompt and reads a line. Up and Down walk through
// previously submitted lines. Returns io.EOF when the user presses Ctrl-D
// on empty input.
func (e *Editor) ReadLine(prompt string) (string, error) {
	e.line.reset()
	e.redraw(prompt)

	var esc [3]byte

	for {
		var b [1]byte
		if _, err := e.tty.Read(b[:]); err != nil {
			return "", err
		}

		switch b[0] {
		case 3: // Ctrl-C
			fmt.Fprintf(e.tty, "\r\n")
			return "", ErrInterrupt

		case 4: // Ctrl-D
			if e.line.empty() {
				fmt.Fprintf(e.tty, "\r\n")
				return "", io.EOF
			}
			e.line.deleteForward()

		case 13, 10: // Enter
			fmt.Fprintf(e.tty, "\r\n")
			return e.line.submit(), nil

		case 127, 8: // Backspace / Ctrl-H
			e.line.backspace()

		case 1: // Ctrl-A
			e.line.home()

		case 5: // Ctrl-E
			e.line.end()

		case 21: // Ctrl-U
			e.line.clear()

		case 23: // Ctrl-W
			e.line.deleteWord()

		case 27: // Escape sequence
			if n, _ := e.tty.Read(esc[:1]); n == 0 || esc[0] != '[' {
				continue
			}
			if n, _ := e.tty.Read(esc[1:2]); n == 0 {
				continue
			}
			switch esc[1] {
			case 'A':
				e.line.previous()
			case 'B':
				e.line.next()
			case 'D':
				e.line.left()
			case 'C':
				e.line.right()
			case 'H':
				e.line.home()
			case 'F':
				e.line.end()
			case '3': // Delete: \x1b[3~
				e.tty.Read(esc[2:3])
				e.line.deleteForward()
			case '1': // Home: \x1b[1~
				e.tty.Read(esc[2:3])
				e.line.home()
			case '4': // End: \x1b[4~
				e.tty.Read(esc[2:3])
				e.line.end()
			}

		default:
			if b[0] < 32 {
				break
			}
			ch := []byte{b[0]}
			if extra := utf8RuneLen(b[0]) - 1; extra > 0 {
				tmp := make([]byte, extra)
				io.ReadFull(e.tty, tmp)
				ch = append(ch, tmp...)
			}
			e.line.insert(ch)
		}

		e.redraw(prompt)
	}
}

// redraw clears the current line and redraws prompt + buffer with cursor.
func (e *Editor) redraw(prompt string) {
	// \r = carriage return, \x1b[K = clear to end of line
	fmt.Fprintf(e.tty, "\r\x1b[K%s%s", prompt, e.line.String())

	if tail := e.line.tailRunes(); tail > 0 {
		fmt.Fprintf(e.tty, "\x1b[%dD", tail)
	}
}

// lineBuffer is the editable line plus the submitted-line history.
type lineBuffer struct {
	buf []byte
	pos int // cursor byte offset into buf

	history [][]byte
	hpos    int    // index into history while browsing; len(history) = live line
	draft   []byte // live line saved while browsing history
}

func (l *lineBuffer) reset() {
	l.buf = l.buf[:0]
	l.pos = 0
	l.hpos = len(l.history)
	l.draft = nil
}

func (l *lineBuffer) String() string { return string(l.buf) }

func (l *lineBuffer) empty() bool { return len(l.buf) == 0 }

func (l *lineBuffer) tailRunes() int { return utf8.RuneCount(l.buf[l.pos:]) }

// submit returns the line and records non-empty lines in the history.
func (l *lineBuffer) submit() string {
	text := string(l.buf)
	if text != "" {
		n := len(l.history)
		if n == 0 || string(l.history[n-1]) != text {
			l.history = append(l.history, []byte(text))
		}
	}
	return text
}

func (l *lineBuffer) insert(ch []byte) {
	l.buf = append(l.buf, make([]byte, len(ch))...)
	copy(l.buf[l.pos+len(ch):], l.buf[l.pos:len(l.buf)-len(ch)])
	copy(l.buf[l.pos:], ch)
	l.pos += len(ch)
}

func (l *lineBuffer) backspace() {
	if l.pos == 0 {
		return
	}
	_, size := prevRune(l.buf, l.pos)
	copy(l.buf[l.pos-size:], l.buf[l.pos:])
	l.buf = l.buf[:len(l.buf)-size]
	l.pos -= size
}

func (l *lineBuffer) deleteForward() {
	if l.pos >= len(l.buf) {
		return
	}
	_, size := utf8.DecodeRune(l.buf[l.pos:])
	copy(l.buf[l.pos:], l.buf[l.pos+size:])
	l.buf = l.buf[:len(l.buf)-size]
}

// deleteWord removes the word before the cursor and the spaces after it.
func (l *lineBuffer) deleteWord() {
	start := l.pos
	for start > 0 {
		r, size := prevRune(l.buf, start)
		if !unicode.IsSpace(r) {
			break
		}
		start -= size
	}
	for start > 0 {
		r, size := prevRune(l.buf, start)
		if unicode.IsSpace(r) {
			break
		}
		start -= size
	}
	l.buf = append(l.buf[:start], l.buf[l.pos:]...)
	l.pos = start
}

func (l *lineBuffer) clear() {
	l.buf = l.buf[:0]
	l.pos = 0
}

func (l *lineBuffer) left() {
	if l.pos > 0 {
		_, size := prevRune(l.buf, l.pos)
		l.pos -= size
	}
}

func (l *lineBuffer) right() {
	if l.pos < len(l.buf) {
		_, size := utf8.DecodeRune(l.buf[l.pos:])
		l.pos += size
	}
}

func (l *lineBuffer) home() { l.pos = 0 }

func (l *lineBuffer) end() { l.pos = len(l.buf) }

func (l *lineBuffer) previous() {
	if l.hpos == 0 {
		return
	}
	if l.hpos == len(l.history) {
		l.draft = append([]byte(nil), l.buf...)
	}
	l.hpos--
	l.load(l.history[l.hpos])
}

func (l *lineBuffer) next() {
	if l.hpos >= len(l.history) {
		return
	}
	l.hpos++
	if l.hpos == len(l.history) {
		l.load(l.draft)
		return
	}
	l.load(l.history[l.hpos])
}

func (l *lineBuffer) load(text []byte) {
	l.buf = append(l.buf[:0], text...)
	l.pos = len(l.buf)
}

// prevRune returns the rune and byte size of the rune before pos.
func prevRune(buf []byte, pos int) (rune, int) {
	if pos <= 0 {
		return 0, 0
	}
	// Walk back to find the start of the rune
	i := pos - 1
	for i > 0 && !utf8.RuneStart(buf[i]) {
		i--
	}
	r, size := utf8.DecodeRune(buf[i:pos])
	return r, size
}

// utf8RuneLen returns the expected byte length of a UTF-8 sequence
// from its leading byte.
func utf8RuneLen(lead byte) int {
	if lead < 0xC0 {
		return 1
	}
	if lead < 0xE0 {
		return 2
	}
	if lead < 0xF0 {
		return 3
	}
	return 4
}
