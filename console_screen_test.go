package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestConsoleScreen_BasicText(t *testing.T) {
	cs := NewConsoleScreen(consoleCols, consoleRows, consoleScrollback)
	cs.Write([]byte("Hello from Custom UART!\r\nsecond"))
	if got := cs.Text(); got != "Hello from Custom UART!\nsecond" {
		t.Fatalf("Text() = %q", got)
	}
	if col, row := cs.CursorViewportPos(); col != 6 || row != 1 {
		t.Fatalf("cursor (%d,%d), expected (6,1)", col, row)
	}
}

func TestConsoleScreen_CarriageReturnOverwrites(t *testing.T) {
	cs := NewConsoleScreen(10, 3, 10)
	cs.Write([]byte("abcd\rXY"))
	if got := cs.Text(); got != "XYcd" {
		t.Fatalf("Text() = %q, expected \"XYcd\"", got)
	}
}

func TestConsoleScreen_BackspaceAndTab(t *testing.T) {
	cs := NewConsoleScreen(20, 3, 10)
	cs.Write([]byte("ab\bc\tz"))
	if got := cs.Text(); got != "ac      z" {
		t.Fatalf("Text() = %q, expected \"ac      z\"", got)
	}
}

func TestConsoleScreen_WrapAndScroll(t *testing.T) {
	cs := NewConsoleScreen(4, 2, 100)
	cs.Write([]byte("abcdefg\nij"))
	if got := cs.Text(); got != "efg\nij" {
		t.Fatalf("Text() = %q, expected \"efg\\nij\"", got)
	}
	cs.ScrollViewport(-10)
	if got := cs.VisibleLines()[0]; got != "abcd" {
		t.Fatalf("top line after scroll back %q, expected \"abcd\"", got)
	}
	cs.ScrollViewport(10)
	if got := cs.VisibleLines()[1]; got != "ij" {
		t.Fatalf("bottom line after scroll forward %q", got)
	}
}

func TestConsoleScreen_ScrollbackLimit(t *testing.T) {
	cs := NewConsoleScreen(8, 2, 5)
	for i := 0; i < 20; i++ {
		cs.Write([]byte("line\n"))
	}
	if cs.TotalLines() != 5 {
		t.Fatalf("TotalLines=%d, expected 5", cs.TotalLines())
	}
}

func TestConsoleScreen_BellCounted(t *testing.T) {
	cs := NewConsoleScreen(consoleCols, consoleRows, consoleScrollback)
	if n := cs.Write([]byte("a\x07b\x07")); n != 2 {
		t.Fatalf("Write reported %d bells, expected 2", n)
	}
	if cs.Bells() != 2 {
		t.Fatalf("Bells=%d, expected 2", cs.Bells())
	}
	if got := cs.Text(); got != "ab" {
		t.Fatalf("Text() = %q, expected \"ab\"", got)
	}
}

func TestConsoleScreen_ANSIClearAndHome(t *testing.T) {
	cs := NewConsoleScreen(consoleCols, consoleRows, consoleScrollback)
	cs.Write([]byte("junk\r\nmore\x1b[2J\x1b[Hok\x1b[1;31mred\x1b[0m"))
	if got := cs.Text(); got != "okred" {
		t.Fatalf("Text() = %q, expected \"okred\"", got)
	}
}

func TestConsoleScreen_FormFeedClears(t *testing.T) {
	cs := NewConsoleScreen(consoleCols, consoleRows, consoleScrollback)
	cs.Write([]byte("gone\fhere"))
	if got := cs.Text(); got != "here" {
		t.Fatalf("Text() = %q, expected \"here\"", got)
	}
}

func TestNormalizePasteText(t *testing.T) {
	got := normalizePasteText([]byte("a\r\nb\nc\rd"))
	if !bytes.Equal(got, []byte("a\rb\rc\rd")) {
		t.Fatalf("normalizePasteText = %q", got)
	}
	if got := capPasteText([]byte(strings.Repeat("x", 10)), 4); len(got) != 4 {
		t.Fatalf("capPasteText kept %d bytes, expected 4", len(got))
	}
}

func TestRuneToInputByte(t *testing.T) {
	if b, ok := runeToInputByte('A'); !ok || b != 0x41 {
		t.Fatalf("runeToInputByte('A') = 0x%02X,%v", b, ok)
	}
	if _, ok := runeToInputByte('€'); ok {
		t.Fatal("runeToInputByte accepted a rune above 0xFF")
	}
}

func TestUARTStatusTokens(t *testing.T) {
	control, status := uartStatusTokens(ConsoleStatus{
		Control: CTRL_TX_EN | CTRL_RX_INT_EN,
		Status:  STATUS_TX_READY,
		FIFOLen: 3,
		IRQ:     true,
	})

	enabled := func(tokens []statusToken) string {
		var on []string
		for _, tok := range tokens {
			if tok.enabled {
				on = append(on, tok.name)
			}
		}
		return strings.Join(on, ",")
	}
	if got := enabled(control); got != "TXEN,RXIE" {
		t.Fatalf("control tokens on %q, expected \"TXEN,RXIE\"", got)
	}
	if got := enabled(status); got != "TXRDY,FIFO 03/16,IRQ" {
		t.Fatalf("status tokens on %q", got)
	}
	if got := fifoGauge(99); got != "FIFO 16/16" {
		t.Fatalf("fifoGauge(99) = %q", got)
	}
}
