// runtime_ipc.go - Unix domain socket control channel for a running machine

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
https://github.com/IntuitionAmiga/IntuitionEngine
License: GPLv3 or later
*/

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	ipcMaxRequestSize  = 4096
	ipcMaxResponseSize = 64 << 10
	ipcTimeout         = 10 * time.Second
	snapshotExtension  = ".cusnap"
)

type ipcRequest struct {
	Cmd string `json:"cmd"`
	Arg string `json:"arg,omitempty"`
}

type ipcResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// MonitorStatus is the payload of a "status" request.
type MonitorStatus struct {
	Base    uint32    `json:"base"`
	State   string    `json:"state"`
	Data    uint8     `json:"data"`
	Status  uint32    `json:"status"`
	Control uint32    `json:"control"`
	FIFOLen int       `json:"fifo_len"`
	IRQ     bool      `json:"irq"`
	Raises  uint64    `json:"irq_raise_requests"`
	Lowers  uint64    `json:"irq_lower_requests"`
	Resets  uint64    `json:"resets"`
	Stats   UARTStats `json:"stats"`
	Pending int       `json:"pending,omitempty"`
}

// IPCServer listens on a Unix socket and serves one JSON request per
// connection against a running Machine.
type IPCServer struct {
	listener net.Listener
	machine  *Machine
	done     chan struct{}
	sockPath string
}

// NewIPCServer creates and binds the control socket at sockPath.
func NewIPCServer(sockPath string, m *Machine) (*IPCServer, error) {
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		// Stale socket cleanup: try connecting. If peer is dead, remove and retry.
		conn, dialErr := net.DialTimeout("unix", sockPath, 2*time.Second)
		if dialErr != nil {
			os.Remove(sockPath)
			ln, err = net.Listen("unix", sockPath)
			if err != nil {
				return nil, fmt.Errorf("ipc bind failed: %w", err)
			}
		} else {
			conn.Close()
			return nil, fmt.Errorf("another instance is already running on %s", sockPath)
		}
	}
	return &IPCServer{listener: ln, machine: m, done: make(chan struct{}), sockPath: sockPath}, nil
}

// Start begins accepting IPC connections in a goroutine.
func (s *IPCServer) Start() {
	go s.acceptLoop()
}

// Stop closes the listener and waits for the accept loop to exit.
func (s *IPCServer) Stop() {
	s.listener.Close()
	<-s.done
	os.Remove(s.sockPath)
}

func (s *IPCServer) acceptLoop() {
	defer close(s.done)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *IPCServer) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(ipcTimeout))

	var req ipcRequest
	if err := json.NewDecoder(io.LimitReader(conn, ipcMaxRequestSize)).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeResponse(conn, ipcResponse{Status: "err", Message: "invalid json"})
		return
	}
	s.writeResponse(conn, s.dispatch(req))
}

func (s *IPCServer) dispatch(req ipcRequest) ipcResponse {
	m := s.machine
	switch req.Cmd {
	case "ping":
		return ipcResponse{Status: "ok", Message: "pong"}

	case "status":
		data, err := json.Marshal(machineStatus(m))
		if err != nil {
			return ipcResponse{Status: "err", Message: err.Error()}
		}
		return ipcResponse{Status: "ok", Data: data}

	case "reset":
		m.HardReset()
		return ipcResponse{Status: "ok"}

	case "inject":
		inj, ok := m.Backend.(RxInjector)
		if !ok {
			return ipcResponse{Status: "err", Message: fmt.Sprintf("chardev %T does not accept injected input", m.Backend)}
		}
		n := inj.Inject([]byte(req.Arg))
		return ipcResponse{Status: "ok", Message: fmt.Sprintf("%d byte(s) queued", n)}

	case "save":
		if err := validateIPCPath(req.Arg, false); err != nil {
			return ipcResponse{Status: "err", Message: err.Error()}
		}
		if err := m.SaveSnapshot(req.Arg); err != nil {
			return ipcResponse{Status: "err", Message: err.Error()}
		}
		return ipcResponse{Status: "ok"}

	case "load":
		if err := validateIPCPath(req.Arg, true); err != nil {
			return ipcResponse{Status: "err", Message: err.Error()}
		}
		if err := m.LoadSnapshot(req.Arg); err != nil {
			return ipcResponse{Status: "err", Message: err.Error()}
		}
		return ipcResponse{Status: "ok"}
	}
	return ipcResponse{Status: "err", Message: "unknown command"}
}

func machineStatus(m *Machine) MonitorStatus {
	st := m.UART.SaveState()
	ms := MonitorStatus{
		Base:    m.Base(),
		State:   m.UART.State().String(),
		Data:    st.Data,
		Status:  st.Status,
		Control: st.Control,
		FIFOLen: int(st.FIFOLen),
		IRQ:     m.IRQ.Level(),
		Raises:  m.UART.IRQ().RaiseRequests(),
		Lowers:  m.UART.IRQ().LowerRequests(),
		Resets:  m.Resets(),
		Stats:   m.UART.Stats(),
	}
	if bb, ok := m.Backend.(*BufferBackend); ok {
		ms.Pending = bb.Pending()
	}
	return ms
}

func (s *IPCServer) writeResponse(conn net.Conn, resp ipcResponse) {
	data, _ := json.Marshal(resp)
	conn.Write(data)
}

// validateIPCPath accepts absolute snapshot paths. Loads must name an
// existing regular file.
func validateIPCPath(path string, mustExist bool) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("absolute path required")
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext != snapshotExtension {
		return fmt.Errorf("unsupported extension: %s", ext)
	}
	if !mustExist {
		return nil
	}
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("file not found: %s", path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", path)
	}
	return nil
}

// SendIPCCommand sends one request to the instance at sockPath and returns
// its message and data payload.
func SendIPCCommand(sockPath, cmd, arg string) (string, json.RawMessage, error) {
	conn, err := net.DialTimeout("unix", sockPath, ipcTimeout)
	if err != nil {
		return "", nil, fmt.Errorf("cannot connect to running instance: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(ipcTimeout))

	req := ipcRequest{Cmd: cmd, Arg: arg}
	data, _ := json.Marshal(req)
	if _, err := conn.Write(data); err != nil {
		return "", nil, fmt.Errorf("send failed: %w", err)
	}

	// The reply may arrive in several reads; the server closes after it.
	var resp ipcResponse
	if err := json.NewDecoder(io.LimitReader(conn, ipcMaxResponseSize)).Decode(&resp); err != nil {
		return "", nil, fmt.Errorf("read response failed: %w", err)
	}
	if resp.Status != "ok" {
		return "", nil, fmt.Errorf("remote error: %s", resp.Message)
	}
	return resp.Message, resp.Data, nil
}
