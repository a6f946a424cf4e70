package main

import (
	"fmt"
	"strings"
	"sync"
)

const (
	consoleCols       = 80
	consoleRows       = 25
	consoleScrollback = 500
	consoleTabWidth   = 8
)

// ConsoleScreen is the text grid behind the vc console: a scrollback of
// fixed-width lines and a cursor. Guest output is fed through Write, which
// understands CR, LF, BS, TAB, FF, BEL and swallows ANSI CSI sequences
// (ESC [ 2 J clears, ESC [ H homes).
type ConsoleScreen struct {
	mu sync.Mutex

	cols, visibleRows, maxLines int
	lines                       [][]byte
	viewportTop                 int
	cursorX                     int
	cursorY                     int

	escState int
	escParam []byte
	bells    uint64
}

const (
	escNone = iota
	escSawESC
	escCSI
)

func NewConsoleScreen(cols, visibleRows, maxLines int) *ConsoleScreen {
	if cols <= 0 {
		cols = 1
	}
	if visibleRows <= 0 {
		visibleRows = 1
	}
	if maxLines < visibleRows {
		maxLines = visibleRows
	}
	cs := &ConsoleScreen{
		cols:        cols,
		visibleRows: visibleRows,
		maxLines:    maxLines,
	}
	cs.clearLocked()
	return cs
}

// Write renders p and reports how many BEL bytes it contained.
func (cs *ConsoleScreen) Write(p []byte) (bells int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, ch := range p {
		if cs.putCharLocked(ch) {
			bells++
		}
	}
	cs.bells += uint64(bells)
	return bells
}

// Bells returns the total number of BEL bytes rendered.
func (cs *ConsoleScreen) Bells() uint64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.bells
}

func (cs *ConsoleScreen) putCharLocked(ch byte) (bell bool) {
	switch cs.escState {
	case escSawESC:
		if ch == '[' {
			cs.escState = escCSI
			cs.escParam = cs.escParam[:0]
		} else {
			cs.escState = escNone
		}
		return false
	case escCSI:
		if ch >= 0x40 && ch <= 0x7E {
			cs.escState = escNone
			cs.applyCSILocked(ch, string(cs.escParam))
		} else if len(cs.escParam) < 16 {
			cs.escParam = append(cs.escParam, ch)
		}
		return false
	}

	switch ch {
	case 0x1B:
		cs.escState = escSawESC
	case 0x07:
		return true
	case '\r':
		cs.cursorX = 0
	case '\n':
		cs.cursorX = 0
		cs.lineFeedLocked()
	case '\b':
		if cs.cursorX > 0 {
			cs.cursorX--
		}
	case '\t':
		next := (cs.cursorX + consoleTabWidth) &^ (consoleTabWidth - 1)
		if next >= cs.cols {
			cs.cursorX = 0
			cs.lineFeedLocked()
		} else {
			cs.cursorX = next
		}
	case '\f':
		cs.clearLocked()
	default:
		if ch < 0x20 || ch == 0x7F {
			return false
		}
		cs.ensureLineLocked(cs.cursorY)
		cs.lines[cs.cursorY][cs.cursorX] = ch
		cs.cursorX++
		if cs.cursorX >= cs.cols {
			cs.cursorX = 0
			cs.lineFeedLocked()
		}
	}
	return false
}

func (cs *ConsoleScreen) applyCSILocked(final byte, param string) {
	switch final {
	case 'J':
		if param == "2" {
			cs.clearLocked()
		}
	case 'H':
		if param == "" {
			cs.cursorX = 0
			cs.cursorY = cs.viewportTop
		}
	}
}

func (cs *ConsoleScreen) lineFeedLocked() {
	cs.cursorY++
	cs.ensureLineLocked(cs.cursorY)
	cs.ensureCursorVisibleLocked()
}

// Clear empties the screen and scrollback.
func (cs *ConsoleScreen) Clear() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.clearLocked()
}

func (cs *ConsoleScreen) clearLocked() {
	cs.lines = make([][]byte, cs.visibleRows)
	for i := range cs.lines {
		cs.lines[i] = make([]byte, cs.cols)
	}
	cs.viewportTop = 0
	cs.cursorX = 0
	cs.cursorY = 0
}

// VisibleLines returns the rows currently in the viewport with trailing
// blanks trimmed.
func (cs *ConsoleScreen) VisibleLines() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]string, cs.visibleRows)
	for i := range out {
		out[i] = cs.readLineLocked(cs.viewportTop + i)
	}
	return out
}

// Text returns the visible rows joined by newlines, trailing empty rows
// removed.
func (cs *ConsoleScreen) Text() string {
	lines := cs.VisibleLines()
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[:end], "\n")
}

func (cs *ConsoleScreen) readLineLocked(absRow int) string {
	if absRow < 0 || absRow >= len(cs.lines) {
		return ""
	}
	line := cs.lines[absRow]
	end := len(line)
	for end > 0 {
		ch := line[end-1]
		if ch != 0 && ch != ' ' {
			break
		}
		end--
	}
	b := make([]byte, end)
	for i, ch := range line[:end] {
		if ch == 0 {
			ch = ' '
		}
		b[i] = ch
	}
	return string(b)
}

// CursorViewportPos returns the cursor position relative to the viewport.
func (cs *ConsoleScreen) CursorViewportPos() (col, vrow int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.cursorX, cs.cursorY - cs.viewportTop
}

// ScrollViewport moves the viewport by delta lines within the scrollback.
func (cs *ConsoleScreen) ScrollViewport(delta int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.viewportTop += delta
	if cs.viewportTop < 0 {
		cs.viewportTop = 0
	}
	maxTop := cs.maxViewportTopLocked()
	if cs.viewportTop > maxTop {
		cs.viewportTop = maxTop
	}
}

// TotalLines returns the number of lines held, scrollback included.
func (cs *ConsoleScreen) TotalLines() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.lines)
}

func (cs *ConsoleScreen) ensureCursorVisibleLocked() {
	if cs.cursorY < cs.viewportTop {
		cs.viewportTop = cs.cursorY
	}
	if cs.cursorY >= cs.viewportTop+cs.visibleRows {
		cs.viewportTop = cs.cursorY - cs.visibleRows + 1
	}
	if cs.viewportTop < 0 {
		cs.viewportTop = 0
	}
	maxTop := cs.maxViewportTopLocked()
	if cs.viewportTop > maxTop {
		cs.viewportTop = maxTop
	}
}

func (cs *ConsoleScreen) ensureLineLocked(absRow int) {
	for len(cs.lines) <= absRow {
		before := len(cs.lines)
		cs.lines = append(cs.lines, make([]byte, cs.cols))
		cs.trimToMaxLinesLocked()
		absRow -= before + 1 - len(cs.lines)
	}
}

func (cs *ConsoleScreen) trimToMaxLinesLocked() {
	if len(cs.lines) <= cs.maxLines {
		return
	}
	trim := len(cs.lines) - cs.maxLines
	cs.lines = cs.lines[trim:]
	cs.cursorY -= trim
	if cs.cursorY < 0 {
		cs.cursorY = 0
	}
	cs.viewportTop -= trim
	if cs.viewportTop < 0 {
		cs.viewportTop = 0
	}
}

func (cs *ConsoleScreen) maxViewportTopLocked() int {
	if len(cs.lines) <= cs.visibleRows {
		return 0
	}
	return len(cs.lines) - cs.visibleRows
}

// ------------------------------------------------------------------------------
// Keyboard and paste input
// ------------------------------------------------------------------------------

func runeToInputByte(r rune) (byte, bool) {
	if r <= 0 || r > 0xFF {
		return 0, false
	}
	return byte(r), true
}

// normalizePasteText turns CRLF and lone LF line endings into CR, the byte
// a terminal's Enter key sends.
func normalizePasteText(raw []byte) []byte {
	norm := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '\r':
			if i+1 < len(raw) && raw[i+1] == '\n' {
				i++
			}
			norm = append(norm, '\r')
		case '\n':
			norm = append(norm, '\r')
		default:
			norm = append(norm, raw[i])
		}
	}
	return norm
}

func capPasteText(raw []byte, max int) []byte {
	if len(raw) <= max {
		return raw
	}
	return raw[:max]
}

// ------------------------------------------------------------------------------
// Status bar model
// ------------------------------------------------------------------------------

// ConsoleStatus is the device state shown in the console status bar.
type ConsoleStatus struct {
	Control uint32
	Status  uint32
	FIFOLen int
	IRQ     bool
}

type statusToken struct {
	name    string
	enabled bool
}

// uartStatusTokens lays out the two status bar rows: CONTROL bits, then
// STATUS bits with the FIFO fill and the interrupt line.
func uartStatusTokens(st ConsoleStatus) (control, status []statusToken) {
	control = []statusToken{
		{name: "TXEN", enabled: st.Control&CTRL_TX_EN != 0},
		{name: "|", enabled: false},
		{name: "RXEN", enabled: st.Control&CTRL_RX_EN != 0},
		{name: "|", enabled: false},
		{name: "TXIE", enabled: st.Control&CTRL_TX_INT_EN != 0},
		{name: "|", enabled: false},
		{name: "RXIE", enabled: st.Control&CTRL_RX_INT_EN != 0},
	}
	status = []statusToken{
		{name: "TXRDY", enabled: st.Status&STATUS_TX_READY != 0},
		{name: "|", enabled: false},
		{name: "RXAV", enabled: st.Status&STATUS_RX_AVAIL != 0},
		{name: "|", enabled: false},
		{name: fifoGauge(st.FIFOLen), enabled: st.FIFOLen > 0},
		{name: "|", enabled: false},
		{name: "IRQ", enabled: st.IRQ},
	}
	return control, status
}

// fifoGauge renders "FIFO nn/16".
func fifoGauge(n int) string {
	return fmt.Sprintf("FIFO %02d/%d", min(max(n, 0), UART_FIFO_SIZE), UART_FIFO_SIZE)
}
