package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

const socketWriteTimeout = time.Second

var ErrNoClient = errors.New("chardev socket: no client connected")

// SocketBackend listens on a unix or tcp address and bridges one client
// at a time to the UART. Output while no client is connected is dropped.
type SocketBackend struct {
	network  string
	listener net.Listener
	sockPath string
	pump     *rxPump

	mu     sync.Mutex
	client net.Conn

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewSocketBackend binds the listener. For unix sockets a stale socket
// file left by a dead process is removed.
func NewSocketBackend(network, addr string) (*SocketBackend, error) {
	ln, err := net.Listen(network, addr)
	if err != nil && network == "unix" {
		// Stale socket cleanup: try connecting. If peer is dead, remove and retry.
		conn, dialErr := net.DialTimeout("unix", addr, 2*time.Second)
		if dialErr != nil {
			os.Remove(addr)
			ln, err = net.Listen(network, addr)
		} else {
			conn.Close()
			return nil, fmt.Errorf("chardev socket: %s is in use by another instance", addr)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("chardev socket bind failed: %w", err)
	}
	sb := &SocketBackend{
		network:  network,
		listener: ln,
		pump:     newRxPump(),
		done:     make(chan struct{}),
	}
	if network == "unix" {
		sb.sockPath = addr
	}
	return sb, nil
}

// Addr returns the bound listener address.
func (sb *SocketBackend) Addr() net.Addr {
	return sb.listener.Addr()
}

// Connected reports whether a client is attached.
func (sb *SocketBackend) Connected() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.client != nil
}

func (sb *SocketBackend) Attach(fe CharFrontend) {
	sb.pump.setFrontend(fe)
	sb.startOnce.Do(func() {
		sb.pump.start()
		go sb.acceptLoop()
	})
}

func (sb *SocketBackend) acceptLoop() {
	defer close(sb.done)
	for {
		conn, err := sb.listener.Accept()
		if err != nil {
			return
		}
		sb.mu.Lock()
		busy := sb.client != nil
		if !busy {
			sb.client = conn
		}
		sb.mu.Unlock()
		if busy {
			conn.Write([]byte("custom-uart: port busy\r\n"))
			conn.Close()
			continue
		}
		sb.wg.Add(1)
		go sb.serveClient(conn)
	}
}

func (sb *SocketBackend) serveClient(conn net.Conn) {
	defer sb.wg.Done()
	defer func() {
		sb.mu.Lock()
		if sb.client == conn {
			sb.client = nil
		}
		sb.mu.Unlock()
		conn.Close()
	}()

	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if n > 0 && !sb.pump.push(buf[:n]) {
			return
		}
		if err != nil {
			return
		}
	}
}

// Inject queues p for the receive side alongside host input.
func (sb *SocketBackend) Inject(p []byte) int {
	if !sb.pump.inject(p) {
		return 0
	}
	return len(p)
}

func (sb *SocketBackend) Write(p []byte) (int, error) {
	sb.mu.Lock()
	conn := sb.client
	sb.mu.Unlock()
	if conn == nil {
		return 0, ErrNoClient
	}
	conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	return conn.Write(p)
}

// Close stops accepting, disconnects the client and removes a unix
// socket file.
func (sb *SocketBackend) Close() error {
	var err error
	sb.closeOnce.Do(func() {
		err = sb.listener.Close()
		sb.startOnce.Do(func() { close(sb.done) })
		<-sb.done

		sb.pump.stop()
		sb.mu.Lock()
		if sb.client != nil {
			sb.client.Close()
		}
		sb.mu.Unlock()
		sb.wg.Wait()

		if sb.sockPath != "" {
			os.Remove(sb.sockPath)
		}
	})
	return err
}
