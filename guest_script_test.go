package main

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func runScript(t *testing.T, m *Machine, src string) (string, error) {
	t.Helper()
	var log bytes.Buffer
	err := NewGuestScript(m, &log).RunString(context.Background(), src)
	return log.String(), err
}

func TestGuestScript_TransmitString(t *testing.T) {
	m, be := newTestMachine(t)
	_, err := runScript(t, m, `
		uart_write(UART_CONTROL, bor(CTRL_TX_EN, CTRL_RX_EN))
		for _, c in ipairs({72, 105}) do
			uart_write(UART_DATA, c)
		end
	`)
	require.NoError(t, err)
	require.Equal(t, "Hi", string(be.Output()))
}

func TestGuestScript_BitHelpers(t *testing.T) {
	m, _ := newTestMachine(t)
	log, err := runScript(t, m, `
		log(band(0xFF, 0x0F), bor(1, 2, 8), band(0xFFFFFFFF, 0x80000000))
	`)
	require.NoError(t, err)
	require.Equal(t, "15 11 2147483648\n", log)

	_, err = runScript(t, m, `band(-1, 1)`)
	require.Error(t, err)
}

func TestGuestScript_ReceiveWithWaitRX(t *testing.T) {
	m, be := newTestMachine(t)
	m.Bus.Write32(m.UARTAddr(UART_CONTROL), CTRL_RX_EN)
	be.Inject([]byte("K"))

	log, err := runScript(t, m, `
		if wait_rx(100) then
			log(string.char(uart_read(UART_DATA, 1)))
		end
		log(wait_rx(1))
	`)
	require.NoError(t, err)
	require.Equal(t, "K\nfalse\n", log)
}

func TestGuestScript_MemoryAndIRQ(t *testing.T) {
	m, be := newTestMachine(t)
	log, err := runScript(t, m, `
		mem_write(0x100, 0x1234, 2)
		log(mem_read(0x100, 2), mem_read(0x100, 1))
		uart_write(UART_CONTROL, bor(CTRL_RX_EN, CTRL_RX_INT_EN))
		log(irq_level())
	`)
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("%d %d\nfalse\n", 0x1234, 0x34), log)

	be.Inject([]byte("!"))
	log, err = runScript(t, m, `log(irq_level())`)
	require.NoError(t, err)
	require.Equal(t, "true\n", log)
}

func TestGuestScript_BadAccessSize(t *testing.T) {
	m, _ := newTestMachine(t)
	_, err := runScript(t, m, `uart_read(UART_STATUS, 3)`)
	require.ErrorContains(t, err, "size must be 1, 2 or 4")
}

func TestGuestScript_SyntaxError(t *testing.T) {
	m, _ := newTestMachine(t)
	_, err := runScript(t, m, `uart_write(`)
	require.ErrorContains(t, err, "guest script <string>")
}

func TestGuestScript_CancelDuringSleep(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := NewGuestScript(m, &bytes.Buffer{}).RunString(ctx, `sleep(10000)`)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestGuestScript_ConcurrentRunsKeepOwnContext(t *testing.T) {
	m, _ := newTestMachine(t)
	gs := NewGuestScript(m, &bytes.Buffer{})

	longDone := make(chan error, 1)
	go func() {
		longDone <- gs.RunString(context.Background(), `
			for i = 1, 20 do sleep(5) end
		`)
	}()

	time.Sleep(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, gs.RunString(ctx, `sleep(1000)`), context.Canceled)

	select {
	case err := <-longDone:
		require.NoError(t, err, "cancelling one run interrupted another")
	case <-time.After(5 * time.Second):
		t.Fatal("long run did not finish")
	}
}

func TestGuestScript_ExampleFirmware(t *testing.T) {
	m, be := newTestMachine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var log bytes.Buffer
	err := NewGuestScript(m, &log).RunFile(ctx, "examples/custom_uart_test.lua")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	out := string(be.Output())
	require.Contains(t, out, "Hello from Custom UART!\r\n")
	require.Contains(t, out, "Custom UART is working at address 0x60000000\r\n")
	require.Contains(t, out, "Status register: 0x00000001\r\n")
	require.Contains(t, out, "Test completed!\r\n")
	require.Contains(t, log.String(), "Initial status: TX_READY")
}
