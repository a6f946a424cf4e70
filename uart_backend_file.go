package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// FileBackend writes transmitted bytes to a file and, optionally, streams
// another file into the receive side at whatever rate the UART accepts.
type FileBackend struct {
	mu   sync.Mutex
	out  *os.File
	in   *os.File
	pump *rxPump

	startOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewFileBackend creates (truncating) outPath. inPath may be empty.
func NewFileBackend(outPath, inPath string) (*FileBackend, error) {
	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("chardev file: opening output: %w", err)
	}
	fb := &FileBackend{
		out:  out,
		pump: newRxPump(),
		done: make(chan struct{}),
	}
	if inPath != "" {
		in, err := os.Open(inPath)
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("chardev file: opening input: %w", err)
		}
		fb.in = in
	}
	return fb, nil
}

func (fb *FileBackend) Attach(fe CharFrontend) {
	fb.pump.setFrontend(fe)
	fb.startOnce.Do(fb.start)
}

func (fb *FileBackend) start() {
	fb.pump.start()
	if fb.in == nil {
		close(fb.done)
		return
	}
	go func() {
		defer close(fb.done)
		buf := make([]byte, 256)
		for {
			n, err := fb.in.Read(buf)
			if n > 0 && !fb.pump.push(buf[:n]) {
				return
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					fmt.Fprintf(os.Stderr, "file chardev: read error: %v\n", err)
				}
				return
			}
		}
	}()
}

// Drained reports whether the whole input file has been handed to the UART.
func (fb *FileBackend) Drained() bool {
	select {
	case <-fb.done:
		return fb.pump.pendingLen() == 0
	default:
		return false
	}
}

// Inject queues p for the receive side alongside host input.
func (fb *FileBackend) Inject(p []byte) int {
	if !fb.pump.inject(p) {
		return 0
	}
	return len(p)
}

func (fb *FileBackend) Write(p []byte) (int, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.out == nil {
		return 0, ErrBackendClosed
	}
	return fb.out.Write(p)
}

func (fb *FileBackend) Close() error {
	fb.closeOnce.Do(func() {
		fb.startOnce.Do(func() { close(fb.done) })
		fb.pump.stop()
		if fb.in != nil {
			fb.in.Close()
		}
		<-fb.done

		fb.mu.Lock()
		defer fb.mu.Unlock()
		if fb.out != nil {
			fb.closeErr = fb.out.Close()
			fb.out = nil
		}
	})
	return fb.closeErr
}
