//go:build !headless

// uart_backend_console.go - vc chardev: an ebiten window acting as a serial terminal

/*
 ██▓ ███▄    █ ▄▄▄█████▓ █    ██  ██▓▄▄▄█████▓ ██▓ ▒█████   ███▄    █    ▓█████  ███▄    █   ▄████  ██▓ ███▄    █ ▓█████
▓██▒ ██ ▀█   █ ▓  ██▒ ▓▒ ██  ▓██▒▓██▒▓  ██▒ ▓▒▓██▒▒██▒  ██▒ ██ ▀█   █    ▓█   ▀  ██ ▀█   █  ██▒ ▀█▒▓██▒ ██ ▀█   █ ▓█   ▀
▒██▒▓██  ▀█ ██▒▒ ▓██░ ▒░▓██  ▒██░▒██▒▒ ▓██░ ▒░▒██▒▒██░  ██▒▓██  ▀█ ██▒   ▒███   ▓██  ▀█ ██▒▒██░▄▄▄░▒██▒▓██  ▀█ ██▒▒███
░██░▓██▒  ▐▌██▒░ ▓██▓ ░ ▓▓█  ░██░░██░░ ▓██▓ ░ ░██░▒██   ██░▓██▒  ▐▌██▒   ▒▓█  ▄ ▓██▒  ▐▌██▒░▓█  ██▓░██░▓██▒  ▐▌██▒▒▓█  ▄
░██░▒██░   ▓██░  ▒██▒ ░ ▒▒█████▓ ░██░  ▒██▒ ░ ░██░░ ████▓▒░▒██░   ▓██░   ░▒████▒▒██░   ▓██░░▒▓███▀▒░██░▒██░   ▓██░░▒████▒
░▓  ░ ▒░   ▒ ▒   ▒ ░░   ░▒▓▒ ▒ ▒ ░▓    ▒ ░░   ░▓  ░ ▒░▒░▒░ ░ ▒░   ▒ ▒    ░░ ▒░ ░░ ▒░   ▒ ▒  ░▒   ▒ ░▓  ░ ▒░   ▒ ▒ ░░ ▒░ ░
 ▒ ░░ ░░   ░ ▒░    ░    ░░▒░ ░ ░  ▒ ░    ░     ▒ ░  ░ ▒ ▒░ ░ ░░   ░ ▒░    ░ ░  ░░ ░░   ░ ▒░  ░   ░  ▒ ░░ ░░   ░ ▒░ ░ ░  ░
 ▒ ░   ░   ░ ░   ░       ░░░ ░ ░  ▒ ░  ░       ▒ ░░ ░ ░ ▒     ░   ░ ░       ░      ░   ░ ░ ░ ░   ░  ▒ ░   ░   ░ ░    ░
 ░           ░             ░      ░            ░      ░ ░           ░       ░  ░         ░       ░  ░           ░    ░  ░

(c) 2024 - 2026 Zayn Otley
License: GPLv3 or later
*/

package main

import (
	"fmt"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
	"github.com/hajimehoshi/ebiten/v2/text"
	"golang.design/x/clipboard"
	"golang.org/x/image/font/basicfont"
)

func init() {
	compiledFeatures = append(compiledFeatures, "chardev:vc")
}

const (
	consoleCellW     = 7
	consoleCellH     = 13
	consoleBarHeight = 32
	consoleMaxPaste  = 4096
)

// ConsoleBackend renders transmitted bytes in a window and feeds keyboard
// input to the receive side.
type ConsoleBackend struct {
	screen *ConsoleScreen
	pump   *rxPump
	bell   *consoleBell

	width, height int

	mu               sync.RWMutex
	running          bool
	showStatusBar    bool
	statusSource     func() ConsoleStatus
	hardResetHandler func()
	onQuit           func()
	resetInProgress  atomic.Bool

	clipboardOnce sync.Once
	clipboardOK   bool

	startOnce sync.Once
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewConsoleBackend prepares the console. The window opens on Attach.
func NewConsoleBackend() (CharBackend, error) {
	return &ConsoleBackend{
		screen:        NewConsoleScreen(consoleCols, consoleRows, consoleScrollback),
		pump:          newRxPump(),
		width:         consoleCols * consoleCellW,
		height:        consoleRows*consoleCellH + consoleBarHeight,
		showStatusBar: true,
		ready:         make(chan struct{}),
		done:          make(chan struct{}),
	}, nil
}

// SetStatusSource registers the function sampled for the status bar.
func (cb *ConsoleBackend) SetStatusSource(fn func() ConsoleStatus) {
	cb.mu.Lock()
	cb.statusSource = fn
	cb.mu.Unlock()
}

// SetHardResetHandler registers fn for F10.
func (cb *ConsoleBackend) SetHardResetHandler(fn func()) {
	cb.mu.Lock()
	cb.hardResetHandler = fn
	cb.mu.Unlock()
}

// OnQuit registers fn to run when the window is closed.
func (cb *ConsoleBackend) OnQuit(fn func()) {
	cb.mu.Lock()
	cb.onQuit = fn
	cb.mu.Unlock()
}

// Done is closed when the window has gone away.
func (cb *ConsoleBackend) Done() <-chan struct{} {
	return cb.done
}

func (cb *ConsoleBackend) Attach(fe CharFrontend) {
	cb.pump.setFrontend(fe)
	cb.startOnce.Do(cb.start)
}

func (cb *ConsoleBackend) start() {
	cb.pump.start()

	bell, err := newConsoleBell()
	if err != nil {
		fmt.Printf("vc chardev: bell disabled: %v\n", err)
	}
	cb.bell = bell

	cb.mu.Lock()
	cb.running = true
	cb.mu.Unlock()

	ebiten.SetWindowSize(cb.width*2, cb.height*2)
	ebiten.SetWindowTitle("Custom UART console")
	ebiten.SetWindowResizable(true)
	ebiten.SetRunnableOnUnfocused(true)

	go func() {
		defer close(cb.done)
		if err := ebiten.RunGame(cb); err != nil {
			fmt.Printf("Ebiten error: %v\n", err)
		}
		cb.mu.RLock()
		quit := cb.onQuit
		cb.mu.RUnlock()
		if quit != nil {
			quit()
		}
	}()

	// Wait for the first Draw so output written right after attach is shown.
	select {
	case <-cb.ready:
	case <-cb.done:
	}
}

func (cb *ConsoleBackend) Write(p []byte) (int, error) {
	select {
	case <-cb.done:
		return 0, ErrBackendClosed
	default:
	}
	if bells := cb.screen.Write(p); bells > 0 && cb.bell != nil {
		cb.bell.Ring()
	}
	return len(p), nil
}

// Inject queues p for the receive side alongside keyboard input.
func (cb *ConsoleBackend) Inject(p []byte) int {
	if !cb.pump.inject(p) {
		return 0
	}
	return len(p)
}

func (cb *ConsoleBackend) Close() error {
	cb.closeOnce.Do(func() {
		cb.mu.Lock()
		wasRunning := cb.running
		cb.running = false
		cb.mu.Unlock()
		cb.pump.stop()
		if wasRunning {
			select {
			case <-cb.done:
			case <-time.After(2 * time.Second):
			}
		}
		if cb.bell != nil {
			cb.bell.Close()
		}
	})
	return nil
}

func (cb *ConsoleBackend) Update() error {
	if ebiten.IsWindowBeingClosed() {
		return ebiten.Termination
	}
	cb.mu.RLock()
	running := cb.running
	cb.mu.RUnlock()
	if !running {
		return ebiten.Termination
	}

	if inpututil.IsKeyJustPressed(ebiten.KeyF10) {
		if cb.resetInProgress.CompareAndSwap(false, true) {
			cb.mu.RLock()
			handler := cb.hardResetHandler
			cb.mu.RUnlock()
			if handler != nil {
				go func() {
					defer cb.resetInProgress.Store(false)
					handler()
				}()
			} else {
				cb.resetInProgress.Store(false)
			}
		}
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyF12) {
		cb.mu.Lock()
		cb.showStatusBar = !cb.showStatusBar
		cb.mu.Unlock()
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyPageUp) {
		cb.screen.ScrollViewport(-consoleRows / 2)
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyPageDown) {
		cb.screen.ScrollViewport(consoleRows / 2)
	}
	cb.handleKeyboardInput()
	return nil
}

func (cb *ConsoleBackend) handleKeyboardInput() {
	ctrl := ebiten.IsKeyPressed(ebiten.KeyControlLeft) || ebiten.IsKeyPressed(ebiten.KeyControlRight)
	shift := ebiten.IsKeyPressed(ebiten.KeyShiftLeft) || ebiten.IsKeyPressed(ebiten.KeyShiftRight)

	// Clipboard paste: Ctrl+Shift+V
	if ctrl && shift && inpututil.IsKeyJustPressed(ebiten.KeyV) {
		cb.handleClipboardPaste()
		return
	}

	var in []byte
	for _, r := range ebiten.AppendInputChars(nil) {
		if b, ok := runeToInputByte(r); ok {
			in = append(in, b)
		}
	}

	// Ctrl+letter sends the control code.
	if ctrl && !shift {
		for k := ebiten.KeyA; k <= ebiten.KeyZ; k++ {
			if inpututil.IsKeyJustPressed(k) {
				in = append(in, byte(k-ebiten.KeyA)+1)
			}
		}
	}

	for _, key := range consoleSpecialKeys {
		if inpututil.IsKeyJustPressed(key) {
			if seq, ok := translateSpecialKey(key); ok {
				in = append(in, seq...)
			}
		}
	}
	if len(in) > 0 {
		cb.pump.inject(in)
	}
}

var consoleSpecialKeys = []ebiten.Key{
	ebiten.KeyEnter,
	ebiten.KeyNumpadEnter,
	ebiten.KeyBackspace,
	ebiten.KeyTab,
	ebiten.KeyEscape,
	ebiten.KeyArrowUp,
	ebiten.KeyArrowDown,
	ebiten.KeyArrowRight,
	ebiten.KeyArrowLeft,
	ebiten.KeyHome,
	ebiten.KeyEnd,
	ebiten.KeyDelete,
}

func translateSpecialKey(key ebiten.Key) ([]byte, bool) {
	switch key {
	case ebiten.KeyEnter, ebiten.KeyNumpadEnter:
		return []byte{'\r'}, true
	case ebiten.KeyBackspace:
		return []byte{'\b'}, true
	case ebiten.KeyTab:
		return []byte{'\t'}, true
	case ebiten.KeyEscape:
		return []byte{0x1B}, true
	case ebiten.KeyArrowUp:
		return []byte{0x1B, '[', 'A'}, true
	case ebiten.KeyArrowDown:
		return []byte{0x1B, '[', 'B'}, true
	case ebiten.KeyArrowRight:
		return []byte{0x1B, '[', 'C'}, true
	case ebiten.KeyArrowLeft:
		return []byte{0x1B, '[', 'D'}, true
	case ebiten.KeyHome:
		return []byte{0x1B, '[', 'H'}, true
	case ebiten.KeyEnd:
		return []byte{0x1B, '[', 'F'}, true
	case ebiten.KeyDelete:
		return []byte{0x1B, '[', '3', '~'}, true
	default:
		return nil, false
	}
}

func (cb *ConsoleBackend) handleClipboardPaste() {
	cb.clipboardOnce.Do(func() {
		cb.clipboardOK = clipboard.Init() == nil
	})
	if !cb.clipboardOK {
		return
	}
	data := clipboard.Read(clipboard.FmtText)
	if len(data) == 0 {
		return
	}
	data = capPasteText(normalizePasteText(data), consoleMaxPaste)
	// Large pastes are held by the pump until the guest drains the FIFO.
	go cb.pump.push(data)
}

func (cb *ConsoleBackend) Draw(screen *ebiten.Image) {
	screen.Fill(color.RGBA{16, 16, 24, 255})

	face := basicfont.Face7x13
	fg := color.RGBA{200, 200, 200, 255}
	for row, line := range cb.screen.VisibleLines() {
		if line == "" {
			continue
		}
		text.Draw(screen, line, face, 0, row*consoleCellH+consoleCellH-3, fg)
	}

	col, vrow := cb.screen.CursorViewportPos()
	if vrow >= 0 && vrow < consoleRows && time.Now().UnixMilli()/500%2 == 0 {
		ebitenutil.DrawRect(screen, float64(col*consoleCellW), float64(vrow*consoleCellH+consoleCellH-2),
			consoleCellW, 2, fg)
	}

	cb.mu.RLock()
	showStatusBar := cb.showStatusBar
	source := cb.statusSource
	cb.mu.RUnlock()
	if showStatusBar && source != nil {
		cb.drawStatusBar(screen, source())
	}

	select {
	case <-cb.ready:
	default:
		close(cb.ready)
	}
}

func (cb *ConsoleBackend) drawStatusBar(screen *ebiten.Image, st ConsoleStatus) {
	y := cb.height - consoleBarHeight
	ebitenutil.DrawRect(screen, 0, float64(y), float64(cb.width), consoleBarHeight, color.RGBA{0, 0, 0, 180})

	control, status := uartStatusTokens(st)
	drawStatusLine(screen, 6, y+13, "CTRL", control)
	drawStatusLine(screen, 6, y+27, "STAT", status)

	legend := "F10 Reset  F12 Bar"
	legendW := text.BoundString(basicfont.Face7x13, legend).Dx()
	legendX := max(cb.width-legendW-6, 6)
	text.Draw(screen, legend, basicfont.Face7x13, legendX, y+13, color.RGBA{160, 160, 160, 255})
}

func (cb *ConsoleBackend) Layout(_, _ int) (int, int) {
	return cb.width, cb.height
}

func drawStatusLine(screen *ebiten.Image, x, baselineY int, label string, tokens []statusToken) {
	face := basicfont.Face7x13
	labelColor := color.RGBA{190, 190, 190, 255}
	offColor := color.RGBA{120, 120, 120, 255}
	onColor := color.RGBA{0, 220, 90, 255}

	text.Draw(screen, label, face, x, baselineY, labelColor)
	cursorX := x + text.BoundString(face, label).Dx() + 6

	for _, token := range tokens {
		c := offColor
		if token.enabled {
			c = onColor
		}
		text.Draw(screen, token.name, face, cursorX, baselineY, c)
		cursorX += text.BoundString(face, token.name).Dx() + 8
	}
}
