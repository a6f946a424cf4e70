//go:build windows

package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

// StdioBackend connects the UART to the process's stdin/stdout.
// Windows has no non-blocking stdin, so the reader goroutine blocks in
// Read and Close does not wait for it.
type StdioBackend struct {
	out   io.Writer
	outMu sync.Mutex
	pump  *rxPump

	startOnce    sync.Once
	fd           int
	raw          bool
	oldTermState *term.State
	escape       stdioEscape
	onQuit       func()
}

// NewStdioBackend creates a backend on os.Stdin / os.Stdout.
func NewStdioBackend() *StdioBackend {
	return &StdioBackend{
		out:  os.Stdout,
		pump: newRxPump(),
		fd:   int(os.Stdin.Fd()),
	}
}

// OnQuit registers fn for the Ctrl-A x escape.
func (h *StdioBackend) OnQuit(fn func()) {
	h.onQuit = fn
}

func (h *StdioBackend) Attach(fe CharFrontend) {
	h.pump.setFrontend(fe)
	h.startOnce.Do(h.start)
}

func (h *StdioBackend) start() {
	h.pump.start()

	if term.IsTerminal(h.fd) {
		oldState, err := term.MakeRaw(h.fd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "stdio chardev: failed to set raw mode: %v\n", err)
		} else {
			h.oldTermState = oldState
			h.raw = true
		}
	}

	go func() {
		buf := make([]byte, 256)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				in, quit := h.escape.filter(buf[:n], h.raw)
				if len(in) > 0 && !h.pump.push(in) {
					return
				}
				if quit && h.onQuit != nil {
					h.onQuit()
				}
			}
			if err != nil {
				return
			}
		}
	}()
}

// Inject queues p for the receive side alongside host input.
func (h *StdioBackend) Inject(p []byte) int {
	if !h.pump.inject(p) {
		return 0
	}
	return len(p)
}

func (h *StdioBackend) Write(p []byte) (int, error) {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	if !h.raw {
		return h.out.Write(p)
	}
	for i, b := range p {
		var err error
		if b == '\n' {
			_, err = h.out.Write([]byte{'\r', '\n'})
		} else {
			_, err = h.out.Write(p[i : i+1])
		}
		if err != nil {
			return i, err
		}
	}
	return len(p), nil
}

func (h *StdioBackend) Close() error {
	h.pump.stop()
	if h.oldTermState != nil {
		if err := term.Restore(h.fd, h.oldTermState); err != nil {
			return fmt.Errorf("restoring terminal: %w", err)
		}
		h.oldTermState = nil
	}
	return nil
}
