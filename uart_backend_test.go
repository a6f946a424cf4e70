package main

import (
	"bufio"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseChardevSpec(t *testing.T) {
	cases := []struct {
		spec string
		want ChardevConfig
	}{
		{"null", ChardevConfig{Kind: ChardevNull}},
		{"stdio", ChardevConfig{Kind: ChardevStdio}},
		{"vc", ChardevConfig{Kind: ChardevConsole}},
		{"loopback", ChardevConfig{Kind: ChardevLoopback}},
		{"file:/tmp/out.log", ChardevConfig{Kind: ChardevFile, Path: "/tmp/out.log"}},
		{"file:out.log,in=in.txt", ChardevConfig{Kind: ChardevFile, Path: "out.log", InPath: "in.txt"}},
		{"unix:/tmp/uart.sock", ChardevConfig{Kind: ChardevUnix, Path: "/tmp/uart.sock"}},
		{"tcp:127.0.0.1:4555", ChardevConfig{Kind: ChardevTCP, Addr: "127.0.0.1:4555"}},
	}
	for _, tc := range cases {
		got, err := ParseChardevSpec(tc.spec)
		require.NoError(t, err, tc.spec)
		require.Equal(t, tc.want, got, tc.spec)
		require.Equal(t, tc.spec, got.String(), "String() should round-trip")
	}
}

func TestParseChardevSpec_Errors(t *testing.T) {
	for _, spec := range []string{
		"serial",
		"null:x",
		"file:",
		"file:out,bogus=1",
		"unix:",
		"tcp:nohost",
	} {
		_, err := ParseChardevSpec(spec)
		require.Error(t, err, spec)
	}
	_, err := ParseChardevSpec("pty")
	require.ErrorIs(t, err, ErrUnknownChardev)
}

func TestBufferBackend_ShortWrite(t *testing.T) {
	be := NewBufferBackend()
	defer be.Close()
	be.SetShortWrite(1)

	n, err := be.Write([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "a", be.DrainOutput())
	require.Empty(t, be.Output())
}

func TestBufferBackend_ClosedWrite(t *testing.T) {
	be := NewBufferBackend()
	require.NoError(t, be.Close())
	_, err := be.Write([]byte("x"))
	require.ErrorIs(t, err, ErrBackendClosed)
	require.Zero(t, be.Inject([]byte("x")))
}

func TestLoopbackBackend_Echo(t *testing.T) {
	m, err := NewMachine(MachineConfig{Chardev: ChardevConfig{Kind: ChardevLoopback}, Log: quietLog(), Out: io.Discard})
	require.NoError(t, err)
	defer m.Close()

	m.Bus.Write32(m.UARTAddr(UART_CONTROL), CTRL_TX_EN|CTRL_RX_EN)
	for _, b := range []byte("hi") {
		m.Bus.Write8(m.UARTAddr(UART_DATA), b)
	}
	require.Equal(t, uint8('h'), m.Bus.Read8(m.UARTAddr(UART_DATA)))
	require.Equal(t, uint8('i'), m.Bus.Read8(m.UARTAddr(UART_DATA)))
}

func TestRxPump_BackPressure(t *testing.T) {
	h := newUARTHarness(t)
	h.write(UART_CONTROL, CTRL_RX_EN)

	in := []byte(strings.Repeat("x", 40))
	require.Equal(t, len(in), h.backend.Inject(in))
	require.Equal(t, int32(UART_FIFO_SIZE), h.uart.SaveState().FIFOLen)
	require.Equal(t, 40-UART_FIFO_SIZE, h.backend.Pending())

	for i := 0; i < UART_FIFO_SIZE; i++ {
		h.read(UART_DATA)
	}
	require.Equal(t, UART_FIFO_SIZE, h.backend.Flush())
	require.Equal(t, 40-2*UART_FIFO_SIZE, h.backend.Pending())
	require.Zero(t, h.uart.Stats().RxDropped)
}

func TestFileBackend_OutputAndInput(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.log")
	inPath := filepath.Join(dir, "in.txt")
	require.NoError(t, os.WriteFile(inPath, []byte("0123456789abcdefXYZ"), 0644))

	fb, err := NewFileBackend(outPath, inPath)
	require.NoError(t, err)

	u := NewCustomUART(quietLog())
	require.NoError(t, u.Attach(fb))
	u.HandleWrite(UART_CONTROL, 4, CTRL_TX_EN|CTRL_RX_EN)

	u.HandleWrite(UART_DATA, 4, 'O')
	u.HandleWrite(UART_DATA, 4, 'K')

	var got []byte
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < 19 && time.Now().Before(deadline) {
		if u.HandleRead(UART_STATUS, 4)&STATUS_RX_AVAIL != 0 {
			got = append(got, byte(u.HandleRead(UART_DATA, 4)))
			continue
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, "0123456789abcdefXYZ", string(got))
	require.Zero(t, u.Stats().RxDropped)
	require.Eventually(t, fb.Drained, time.Second, 5*time.Millisecond)

	require.NoError(t, fb.Close())
	out, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, "OK", string(out))
}

func TestSocketBackend_TCP(t *testing.T) {
	sb, err := NewSocketBackend("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer sb.Close()

	_, err = sb.Write([]byte("x"))
	require.ErrorIs(t, err, ErrNoClient)

	u := NewCustomUART(quietLog())
	require.NoError(t, u.Attach(sb))
	u.HandleWrite(UART_CONTROL, 4, CTRL_TX_EN|CTRL_RX_EN)

	conn, err := net.Dial("tcp", sb.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, sb.Connected, time.Second, 5*time.Millisecond)

	// Host to guest.
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	var got []byte
	require.Eventually(t, func() bool {
		for u.HandleRead(UART_STATUS, 4)&STATUS_RX_AVAIL != 0 {
			got = append(got, byte(u.HandleRead(UART_DATA, 4)))
		}
		return len(got) == 4
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "ping", string(got))

	// Guest to host.
	for _, b := range []byte("pong\n") {
		u.HandleWrite(UART_DATA, 4, uint32(b))
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "pong\n", line)

	// A second client is turned away.
	second, err := net.Dial("tcp", sb.Addr().String())
	require.NoError(t, err)
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	busy, _ := bufio.NewReader(second).ReadString('\n')
	require.Contains(t, busy, "port busy")
}

func TestSocketBackend_UnixStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uart.sock")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	sb, err := NewSocketBackend("unix", path)
	require.NoError(t, err)
	require.Equal(t, path, sb.Addr().String())

	_, err = NewSocketBackend("unix", path)
	require.Error(t, err)

	require.NoError(t, sb.Close())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "socket file left behind")
}

func TestSocketBackend_Inject(t *testing.T) {
	sb, err := NewSocketBackend("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer sb.Close()

	u := NewCustomUART(quietLog())
	require.NoError(t, u.Attach(sb))
	u.HandleWrite(UART_CONTROL, 4, CTRL_RX_EN)

	require.Equal(t, 3, sb.Inject([]byte("abc")))
	require.Eventually(t, func() bool {
		return u.SaveState().FIFOLen == 3
	}, time.Second, 5*time.Millisecond)
}
