package main

import "testing"

func TestBoolWord(t *testing.T) {
	if got := boolWord(true, "connected", "disconnected"); got != "connected" {
		t.Errorf("boolWord(true) = %q, want connected", got)
	}
	if got := boolWord(false, "connected", "disconnected"); got != "disconnected" {
		t.Errorf("boolWord(false) = %q, want disconnected", got)
	}
}

func TestRenderReleaseNotesDoesNotPanicOnPlainText(t *testing.T) {
	// renderReleaseNotes writes to stdout directly; this only guards
	// against a panic in either the glamour or go-term-markdown path when
	// given ordinary Markdown, since no TTY is attached under `go test`.
	renderReleaseNotes("# Release 1.2.0\n\n- fixed a bug\n- improved performance\n")
}
