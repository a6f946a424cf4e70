package main

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// CharBackend is the host side of a character device: a byte stream that
// the UART transmits into and receives from.
//
// Write is best effort and may write fewer bytes than requested. Attach
// registers the frontend; inbound bytes are only delivered while the
// frontend reports room via CanReceive.
type CharBackend interface {
	Write(p []byte) (int, error)
	Attach(fe CharFrontend)
	Close() error
}

// RxInjector is implemented by backends that accept out-of-band input for
// the receive side. Inject returns the number of bytes queued.
type RxInjector interface {
	Inject(p []byte) int
}

var (
	ErrUnknownChardev     = errors.New("unknown chardev")
	ErrConsoleUnavailable = errors.New("console chardev not compiled in")
	ErrBackendClosed      = errors.New("chardev closed")
)

// ChardevKind names a backend implementation.
type ChardevKind string

const (
	ChardevNull     ChardevKind = "null"
	ChardevStdio    ChardevKind = "stdio"
	ChardevFile     ChardevKind = "file"
	ChardevUnix     ChardevKind = "unix"
	ChardevTCP      ChardevKind = "tcp"
	ChardevConsole  ChardevKind = "vc"
	ChardevLoopback ChardevKind = "loopback"
)

// ChardevConfig is a parsed -chardev value.
type ChardevConfig struct {
	Kind   ChardevKind
	Path   string // file output path or unix socket path
	InPath string // file input path (optional)
	Addr   string // tcp host:port
}

func (c ChardevConfig) String() string {
	switch c.Kind {
	case ChardevFile:
		if c.InPath != "" {
			return fmt.Sprintf("file:%s,in=%s", c.Path, c.InPath)
		}
		return "file:" + c.Path
	case ChardevUnix:
		return "unix:" + c.Path
	case ChardevTCP:
		return "tcp:" + c.Addr
	default:
		return string(c.Kind)
	}
}

// ParseChardevSpec parses "null", "stdio", "vc", "loopback",
// "file:OUT[,in=IN]", "unix:PATH" or "tcp:HOST:PORT".
func ParseChardevSpec(spec string) (ChardevConfig, error) {
	kind, arg, hasArg := strings.Cut(strings.TrimSpace(spec), ":")
	switch ChardevKind(kind) {
	case ChardevNull, ChardevStdio, ChardevConsole, ChardevLoopback:
		if hasArg {
			return ChardevConfig{}, fmt.Errorf("chardev %q takes no argument", kind)
		}
		return ChardevConfig{Kind: ChardevKind(kind)}, nil

	case ChardevFile:
		out, opts, _ := strings.Cut(arg, ",")
		if out == "" {
			return ChardevConfig{}, fmt.Errorf("chardev file: missing output path")
		}
		cfg := ChardevConfig{Kind: ChardevFile, Path: out}
		if opts != "" {
			in, ok := strings.CutPrefix(opts, "in=")
			if !ok || in == "" {
				return ChardevConfig{}, fmt.Errorf("chardev file: bad option %q", opts)
			}
			cfg.InPath = in
		}
		return cfg, nil

	case ChardevUnix:
		if arg == "" {
			return ChardevConfig{}, fmt.Errorf("chardev unix: missing socket path")
		}
		return ChardevConfig{Kind: ChardevUnix, Path: arg}, nil

	case ChardevTCP:
		if _, _, err := net.SplitHostPort(arg); err != nil {
			return ChardevConfig{}, fmt.Errorf("chardev tcp: %w", err)
		}
		return ChardevConfig{Kind: ChardevTCP, Addr: arg}, nil
	}
	return ChardevConfig{}, fmt.Errorf("%w: %q", ErrUnknownChardev, spec)
}

// OpenBackend creates the backend described by cfg.
func OpenBackend(cfg ChardevConfig) (CharBackend, error) {
	switch cfg.Kind {
	case ChardevNull:
		return NewNullBackend(), nil
	case ChardevStdio:
		return NewStdioBackend(), nil
	case ChardevFile:
		return NewFileBackend(cfg.Path, cfg.InPath)
	case ChardevUnix:
		return NewSocketBackend("unix", cfg.Path)
	case ChardevTCP:
		return NewSocketBackend("tcp", cfg.Addr)
	case ChardevConsole:
		return NewConsoleBackend()
	case ChardevLoopback:
		return NewLoopbackBackend(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownChardev, cfg.Kind)
}

// ------------------------------------------------------------------------------
// rxPump
// ------------------------------------------------------------------------------

const (
	rxPumpPollInterval = 5 * time.Millisecond
	rxPumpMaxPending   = 4096
)

// rxPump holds bytes read from a host source and hands them to the frontend
// only as fast as it reports room. Producers block once maxPending bytes are
// waiting, which pushes back on the source reader instead of dropping input.
type rxPump struct {
	mu      sync.Mutex
	space   *sync.Cond
	fe      CharFrontend
	pending []byte
	stopped bool

	// unbounded pumps never block producers; used when nothing drains
	// the queue in the background.
	unbounded bool

	deliverMu sync.Mutex

	wake     chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  bool
}

func newRxPump() *rxPump {
	p := &rxPump{
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.space = sync.NewCond(&p.mu)
	return p
}

func (p *rxPump) setFrontend(fe CharFrontend) {
	p.mu.Lock()
	p.fe = fe
	p.mu.Unlock()
	p.kick()
}

func (p *rxPump) kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// push queues b for delivery. It blocks while the queue is full and
// returns false once the pump is stopped.
func (p *rxPump) push(b []byte) bool {
	p.mu.Lock()
	for !p.unbounded && len(p.pending) >= rxPumpMaxPending && !p.stopped {
		p.space.Wait()
	}
	if p.stopped {
		p.mu.Unlock()
		return false
	}
	p.pending = append(p.pending, b...)
	p.mu.Unlock()
	p.kick()
	return true
}

// inject queues b without waiting for room. Used for out-of-band input
// from the control socket.
func (p *rxPump) inject(b []byte) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}
	p.pending = append(p.pending, b...)
	p.mu.Unlock()
	p.kick()
	return true
}

// pendingLen returns the number of bytes waiting for room.
func (p *rxPump) pendingLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// deliver offers as many pending bytes as the frontend has room for and
// returns how many it kept. Bytes the frontend refuses stay queued.
func (p *rxPump) deliver() int {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	fe := p.fe
	chunk := p.pending
	p.mu.Unlock()
	if fe == nil || len(chunk) == 0 {
		return 0
	}

	room := fe.CanReceive()
	if room <= 0 {
		return 0
	}
	if room < len(chunk) {
		chunk = chunk[:room]
	}
	kept := fe.Receive(chunk)
	if kept <= 0 {
		return 0
	}

	p.mu.Lock()
	p.pending = p.pending[kept:]
	if len(p.pending) == 0 {
		p.pending = nil
	}
	p.space.Broadcast()
	p.mu.Unlock()
	return kept
}

// flush delivers until the frontend stops accepting or nothing is left.
func (p *rxPump) flush() int {
	total := 0
	for {
		n := p.deliver()
		if n == 0 {
			return total
		}
		total += n
	}
}

// start runs the delivery loop in a goroutine until stop.
func (p *rxPump) start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(rxPumpPollInterval)
		defer ticker.Stop()
		for {
			if p.deliver() > 0 {
				continue
			}
			select {
			case <-p.stopCh:
				return
			case <-p.wake:
			case <-ticker.C:
			}
		}
	}()
}

func (p *rxPump) stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		started := p.started
		p.space.Broadcast()
		p.mu.Unlock()
		close(p.stopCh)
		if started {
			<-p.done
		}
	})
}

// ------------------------------------------------------------------------------
// NullBackend
// ------------------------------------------------------------------------------

// NullBackend swallows output and never produces input.
type NullBackend struct{}

func NewNullBackend() *NullBackend { return &NullBackend{} }

func (*NullBackend) Write(p []byte) (int, error) { return len(p), nil }

func (*NullBackend) Attach(CharFrontend) {}

func (*NullBackend) Close() error { return nil }

// ------------------------------------------------------------------------------
// BufferBackend
// ------------------------------------------------------------------------------

// BufferBackend keeps transmitted bytes in memory and delivers injected
// bytes synchronously, subject to the frontend's room. Bytes that do not
// fit stay queued until Flush. Used by tests, scripts and loopback.
type BufferBackend struct {
	mu       sync.Mutex
	out      bytes.Buffer
	writes   int
	maxWrite int   // per-call write limit, 0 = unlimited
	failErr  error // returned by Write when set
	onWrite  func([]byte)
	pump     *rxPump
	closed   bool
}

func NewBufferBackend() *BufferBackend {
	pump := newRxPump()
	pump.unbounded = true
	return &BufferBackend{pump: pump}
}

// NewLoopbackBackend returns a buffer backend that feeds every transmitted
// byte back to the receive side.
func NewLoopbackBackend() *BufferBackend {
	b := NewBufferBackend()
	b.onWrite = func(p []byte) { b.Inject(p) }
	return b
}

// SetShortWrite limits each Write call to n bytes.
func (b *BufferBackend) SetShortWrite(n int) {
	b.mu.Lock()
	b.maxWrite = n
	b.mu.Unlock()
}

// SetWriteError makes Write fail with err (nil clears it).
func (b *BufferBackend) SetWriteError(err error) {
	b.mu.Lock()
	b.failErr = err
	b.mu.Unlock()
}

func (b *BufferBackend) Write(p []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrBackendClosed
	}
	b.writes++
	if b.failErr != nil {
		err := b.failErr
		b.mu.Unlock()
		return 0, err
	}
	if b.maxWrite > 0 && len(p) > b.maxWrite {
		p = p[:b.maxWrite]
	}
	b.out.Write(p)
	onWrite := b.onWrite
	b.mu.Unlock()

	if onWrite != nil {
		onWrite(p)
	}
	return len(p), nil
}

func (b *BufferBackend) Attach(fe CharFrontend) {
	b.pump.setFrontend(fe)
	b.pump.flush()
}

// Inject queues p for the receive side and delivers what fits now. It
// returns the number of bytes queued; see Pending for what is still
// waiting for room.
func (b *BufferBackend) Inject(p []byte) int {
	if !b.pump.push(p) {
		return 0
	}
	b.pump.flush()
	return len(p)
}

// Flush retries delivery of queued bytes.
func (b *BufferBackend) Flush() int {
	return b.pump.flush()
}

// Pending returns the number of injected bytes not yet delivered.
func (b *BufferBackend) Pending() int {
	return b.pump.pendingLen()
}

// Output returns everything written so far.
func (b *BufferBackend) Output() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.out.Bytes())
}

// DrainOutput returns and clears the accumulated output.
func (b *BufferBackend) DrainOutput() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.out.String()
	b.out.Reset()
	return s
}

// WriteCalls returns how many times Write was invoked.
func (b *BufferBackend) WriteCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

func (b *BufferBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.pump.stop()
	return nil
}
