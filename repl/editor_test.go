package main

import "testing"

func typeText(l *lineBuffer, s string) {
	for _, r := range s {
		l.insert([]byte(string(r)))
	}
}

func TestLineBufferInsertAndMove(t *testing.T) {
	var l lineBuffer
	l.reset()
	typeText(&l, "helo")
	l.left()
	typeText(&l, "l")
	if got := l.String(); got != "hello" {
		t.Errorf("expected hello, got %q", got)
	}
	if l.tailRunes() != 1 {
		t.Errorf("expected cursor one rune from the end, got %d", l.tailRunes())
	}
	l.home()
	typeText(&l, ">")
	l.end()
	typeText(&l, "!")
	if got := l.String(); got != ">hello!" {
		t.Errorf("expected >hello!, got %q", got)
	}
}

func TestLineBufferMultibyte(t *testing.T) {
	var l lineBuffer
	l.reset()
	typeText(&l, "héllo→")
	l.backspace()
	l.left()
	l.left()
	l.backspace()
	if got := l.String(); got != "hélo" {
		t.Errorf("expected hélo, got %q", got)
	}
	l.home()
	l.right()
	l.deleteForward()
	if got := l.String(); got != "hlo" {
		t.Errorf("expected hlo, got %q", got)
	}
}

func TestLineBufferDeleteWord(t *testing.T) {
	var l lineBuffer
	l.reset()
	typeText(&l, "what is  2+2  ")
	l.deleteWord()
	if got := l.String(); got != "what is  " {
		t.Errorf("expected %q, got %q", "what is  ", got)
	}
	l.deleteWord()
	if got := l.String(); got != "what " {
		t.Errorf("expected %q, got %q", "what ", got)
	}
	l.clear()
	if !l.empty() {
		t.Error("expected empty after clear")
	}
}

func TestLineBufferHistory(t *testing.T) {
	var l lineBuffer
	for _, line := range []string{"first", "second", "second"} {
		l.reset()
		typeText(&l, line)
		l.submit()
	}
	if len(l.history) != 2 {
		t.Fatalf("expected consecutive duplicates collapsed, got %d entries", len(l.history))
	}

	l.reset()
	typeText(&l, "draft")
	l.previous()
	if l.String() != "second" {
		t.Errorf("expected second, got %q", l.String())
	}
	l.previous()
	l.previous()
	if l.String() != "first" {
		t.Errorf("expected first, got %q", l.String())
	}
	l.next()
	l.next()
	if l.String() != "draft" {
		t.Errorf("expected draft restored, got %q", l.String())
	}
	l.next()
	if l.String() != "draft" {
		t.Errorf("expected draft to stay, got %q", l.String())
	}
}

func TestUTF8RuneLen(t *testing.T) {
	tests := map[byte]int{'a': 1, 0xC3: 2, 0xE2: 3, 0xF0: 4}
	for lead, want := range tests {
		if got := utf8RuneLen(lead); got != want {
			t.Errorf("utf8RuneLen(%#x) = %d, want %d", lead, got, want)
		}
	}
}
