package main

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
)

func quietLog() *GuestLog {
	log := NewGuestLog()
	log.SetOutput(io.Discard)
	return log
}

func newTestMachine(t *testing.T) (*Machine, *BufferBackend) {
	t.Helper()
	be := NewBufferBackend()
	m, err := NewMachine(MachineConfig{Backend: be, Log: quietLog(), Out: io.Discard})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, be
}

func TestMachine_MappingMessage(t *testing.T) {
	var out bytes.Buffer
	m, err := NewMachine(MachineConfig{
		Chardev: ChardevConfig{Kind: ChardevNull},
		Log:     quietLog(),
		Out:     &out,
	})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	defer m.Close()

	want := "Custom UART mapped to address 0x60000000 (irq 16, chardev null)"
	if !strings.Contains(out.String(), want) {
		t.Fatalf("startup output %q, expected %q", out.String(), want)
	}
	if m.Base() != CUSTOM_UART_BASE {
		t.Fatalf("base 0x%08X, expected 0x%08X", m.Base(), CUSTOM_UART_BASE)
	}
}

func TestMachine_RegistersThroughBus(t *testing.T) {
	m, be := newTestMachine(t)

	if got := m.Bus.Read32(m.UARTAddr(UART_STATUS)); got != STATUS_TX_READY {
		t.Fatalf("STATUS via bus 0x%X, expected 0x%X", got, STATUS_TX_READY)
	}
	m.Bus.Write32(m.UARTAddr(UART_CONTROL), CTRL_TX_EN|CTRL_RX_EN|CTRL_RX_INT_EN)
	m.Bus.Write8(m.UARTAddr(UART_DATA), 'A')
	if out := string(be.Output()); out != "A" {
		t.Fatalf("expected output 'A', got %q", out)
	}

	be.Inject([]byte("z"))
	if !m.IRQ.Level() {
		t.Fatalf("board IRQ %d not raised on receive", m.IRQ.Number)
	}
	if got := m.Bus.Read8(m.UARTAddr(UART_DATA)); got != 'z' {
		t.Fatalf("DATA via bus 0x%02X, expected 'z'", got)
	}
}

func TestMachine_InvalidBase(t *testing.T) {
	cases := []struct {
		name string
		cfg  MachineConfig
	}{
		{"unaligned", MachineConfig{UARTBase: 0x60000004}},
		{"overlaps RAM", MachineConfig{UARTBase: 0x00001000, RAMSize: 0x10000}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.cfg.Backend = NewNullBackend()
			tc.cfg.Out = io.Discard
			if _, err := NewMachine(tc.cfg); err == nil {
				t.Fatalf("NewMachine accepted base 0x%08X", tc.cfg.UARTBase)
			}
		})
	}
}

func TestMachine_UnknownChardev(t *testing.T) {
	_, err := NewMachine(MachineConfig{Chardev: ChardevConfig{Kind: "serial"}, Out: io.Discard})
	if err == nil {
		t.Fatal("NewMachine accepted unknown chardev")
	}
}

func TestMachine_HardReset(t *testing.T) {
	m, be := newTestMachine(t)
	m.Bus.Write32(0x100, 0xDEADBEEF)
	m.Bus.Write32(m.UARTAddr(UART_CONTROL), CTRL_RX_EN|CTRL_RX_INT_EN)
	be.Inject([]byte("abc"))

	m.HardReset()

	if got := m.Bus.Read32(0x100); got != 0 {
		t.Fatalf("RAM 0x%08X after hard reset, expected 0", got)
	}
	if st := m.UART.SaveState(); st.Control != 0 || st.FIFOLen != 0 || st.Status != STATUS_TX_READY {
		t.Fatalf("UART state %+v after hard reset", st)
	}
	if m.IRQ.Level() {
		t.Fatal("board IRQ high after hard reset")
	}
	if m.Resets() != 1 {
		t.Fatalf("resets=%d, expected 1", m.Resets())
	}
}

func TestMachine_TracesIRQTransitions(t *testing.T) {
	log := quietLog()
	var (
		mu   sync.Mutex
		msgs []string
	)
	log.SetHook(func(ev DiagEvent) {
		if ev.Kind == LogTrace && strings.Contains(ev.Msg, " irq ") {
			mu.Lock()
			msgs = append(msgs, ev.Msg)
			mu.Unlock()
		}
	})
	be := NewBufferBackend()
	m, err := NewMachine(MachineConfig{Backend: be, Log: log, Out: io.Discard})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	defer m.Close()

	m.Bus.Write32(m.UARTAddr(UART_CONTROL), CTRL_RX_EN|CTRL_RX_INT_EN)
	be.Inject([]byte("ab"))
	m.HardReset()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"custom-uart: irq 16 raised", "custom-uart: irq 16 lowered"}
	if strings.Join(msgs, "|") != strings.Join(want, "|") {
		t.Fatalf("irq trace %q, expected %q", msgs, want)
	}
}

func TestMachine_ConsoleStatus(t *testing.T) {
	m, be := newTestMachine(t)
	m.Bus.Write32(m.UARTAddr(UART_CONTROL), CTRL_RX_EN|CTRL_RX_INT_EN)
	be.Inject([]byte("xy"))

	st := m.ConsoleStatus()
	if st.FIFOLen != 2 || !st.IRQ || st.Status&STATUS_RX_AVAIL == 0 {
		t.Fatalf("console status %+v", st)
	}
}

func TestMachine_CloseTwice(t *testing.T) {
	m, _ := newTestMachine(t)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
