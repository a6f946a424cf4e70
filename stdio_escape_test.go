package main

import (
	"bytes"
	"testing"
)

func TestStdioEscape_PassThroughWhenNotRaw(t *testing.T) {
	var e stdioEscape
	in := []byte{'a', '\r', 0x7F, stdioEscapeChar, 'x'}
	out, quit := e.filter(in, false)
	if quit || !bytes.Equal(out, in) {
		t.Fatalf("filter(raw=false) = % X,%v, expected input unchanged", out, quit)
	}
}

func TestStdioEscape_Translations(t *testing.T) {
	var e stdioEscape
	out, quit := e.filter([]byte{'o', 'k', '\r', 0x7F}, true)
	if quit {
		t.Fatal("unexpected quit")
	}
	if want := []byte{'o', 'k', '\n', 0x08}; !bytes.Equal(out, want) {
		t.Fatalf("filter = % X, expected % X", out, want)
	}
}

func TestStdioEscape_Quit(t *testing.T) {
	var e stdioEscape
	out, quit := e.filter([]byte{'a', stdioEscapeChar, 'x', 'b'}, true)
	if !quit {
		t.Fatal("Ctrl-A x did not request quit")
	}
	if !bytes.Equal(out, []byte{'a', 'b'}) {
		t.Fatalf("filter = %q, expected \"ab\"", out)
	}
}

func TestStdioEscape_LiteralCtrlA(t *testing.T) {
	var e stdioEscape
	out, _ := e.filter([]byte{stdioEscapeChar, stdioEscapeChar}, true)
	if !bytes.Equal(out, []byte{stdioEscapeChar}) {
		t.Fatalf("filter = % X, expected 01", out)
	}
}

func TestStdioEscape_SplitAcrossReads(t *testing.T) {
	var e stdioEscape
	if out, quit := e.filter([]byte{stdioEscapeChar}, true); len(out) != 0 || quit {
		t.Fatalf("first half = % X,%v", out, quit)
	}
	if _, quit := e.filter([]byte{'X'}, true); !quit {
		t.Fatal("escape state lost between reads")
	}
}

func TestStdioEscape_UnknownCommandForwarded(t *testing.T) {
	var e stdioEscape
	out, quit := e.filter([]byte{stdioEscapeChar, 'q'}, true)
	if quit || !bytes.Equal(out, []byte{'q'}) {
		t.Fatalf("filter = %q,%v, expected \"q\",false", out, quit)
	}
}
