//go:build !windows

package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"
)

// StdioBackend connects the UART to the process's stdin/stdout.
// When stdin is a terminal it is put in raw mode so every keystroke reaches
// the guest; Ctrl-A x asks the host to quit since Ctrl-C no longer signals.
type StdioBackend struct {
	out   io.Writer
	outMu sync.Mutex
	pump  *rxPump

	stopCh       chan struct{}
	done         chan struct{}
	startOnce    sync.Once
	stopped      sync.Once
	fd           int
	raw          bool
	nonblockSet  bool
	oldTermState *term.State
	escape       stdioEscape
	onQuit       func()
}

// NewStdioBackend creates a backend on os.Stdin / os.Stdout.
func NewStdioBackend() *StdioBackend {
	return &StdioBackend{
		out:    os.Stdout,
		pump:   newRxPump(),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		fd:     int(os.Stdin.Fd()),
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

// start sets stdin to raw, non-blocking mode and begins reading in a
// goroutine. Close restores stdin.
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

	if err := syscall.SetNonblock(h.fd, true); err != nil {
		fmt.Fprintf(os.Stderr, "stdio chardev: failed to set nonblocking stdin: %v\n", err)
		close(h.done)
		return
	}
	h.nonblockSet = true

	go func() {
		defer close(h.done)
		buf := make([]byte, 256)

		for {
			select {
			case <-h.stopCh:
				return
			default:
			}

			n, err := syscall.Read(h.fd, buf)
			if n > 0 {
				in, quit := h.escape.filter(buf[:n], h.raw)
				if len(in) > 0 && !h.pump.push(in) {
					return
				}
				if quit && h.onQuit != nil {
					h.onQuit()
				}
			}
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			if err != nil {
				return
			}
			if n == 0 {
				// EOF on a pipe or file: nothing more will arrive.
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

// Write sends p to stdout. In raw mode LF is expanded to CRLF.
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

// Close stops the reader and restores stdin to its original mode.
func (h *StdioBackend) Close() error {
	h.stopped.Do(func() {
		close(h.stopCh)
	})
	// Never attached: there is no reader to wait for.
	h.startOnce.Do(func() { close(h.done) })
	h.pump.stop()
	<-h.done

	if h.nonblockSet {
		_ = syscall.SetNonblock(h.fd, false)
		h.nonblockSet = false
	}
	if h.oldTermState != nil {
		if err := term.Restore(h.fd, h.oldTermState); err != nil {
			return fmt.Errorf("restoring terminal: %w", err)
		}
		h.oldTermState = nil
	}
	return nil
}
