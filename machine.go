// machine.go - Board assembly: RAM, bus, custom UART and its interrupt line

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// MachineConfig describes the board to build.
type MachineConfig struct {
	RAMSize  int
	UARTBase uint32

	// Backend, when set, is used instead of opening Chardev.
	Backend CharBackend
	Chardev ChardevConfig

	Log *GuestLog
	Out io.Writer // startup messages, stdout when nil
}

// Machine is the emulated board: guest RAM at 0, the custom UART mapped at
// UARTBase and wired to board IRQ line CUSTOM_UART_IRQ.
type Machine struct {
	Bus     *MachineBus
	UART    *CustomUART
	IRQ     *BoardIRQ
	Backend CharBackend
	Log     *GuestLog

	base    uint32
	resetMu sync.Mutex
	resets  atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// NewMachine builds the board, attaches the backend (which performs the
// attach-time reset) and seals the bus.
func NewMachine(cfg MachineConfig) (*Machine, error) {
	if cfg.RAMSize <= 0 {
		cfg.RAMSize = DEFAULT_RAM_SIZE
	}
	if cfg.UARTBase == 0 {
		cfg.UARTBase = CUSTOM_UART_BASE
	}
	if cfg.UARTBase%PAGE_SIZE != 0 {
		return nil, fmt.Errorf("uart base 0x%08x is not %d-byte aligned", cfg.UARTBase, PAGE_SIZE)
	}
	if uint64(cfg.UARTBase) < uint64(cfg.RAMSize) {
		return nil, fmt.Errorf("uart base 0x%08x overlaps %d bytes of RAM", cfg.UARTBase, cfg.RAMSize)
	}
	if uint64(cfg.UARTBase)+CUSTOM_UART_SIZE > 1<<32 {
		return nil, fmt.Errorf("uart window at 0x%08x runs past the end of the address space", cfg.UARTBase)
	}
	if cfg.Log == nil {
		cfg.Log = NewGuestLog()
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}

	backend := cfg.Backend
	if backend == nil {
		be, err := OpenBackend(cfg.Chardev)
		if err != nil {
			return nil, err
		}
		backend = be
	}

	m := &Machine{
		Bus:     NewMachineBus(cfg.RAMSize, cfg.Log),
		UART:    NewCustomUART(cfg.Log),
		IRQ:     &BoardIRQ{Number: CUSTOM_UART_IRQ},
		Backend: backend,
		Log:     cfg.Log,
		base:    cfg.UARTBase,
	}

	m.Bus.MapDevice("custom-uart", m.base, CUSTOM_UART_SIZE, m.UART)
	m.UART.ConnectIRQ(m.IRQ)
	m.UART.IRQ().OnChange(m.traceIRQ)
	if err := m.UART.Attach(backend); err != nil {
		backend.Close()
		return nil, err
	}
	m.Bus.SealMappings()

	fmt.Fprintf(out, "Custom UART mapped to address 0x%08x (irq %d, chardev %s)\n",
		m.base, m.IRQ.Number, describeBackend(cfg))
	return m, nil
}

func describeBackend(cfg MachineConfig) string {
	if cfg.Backend != nil {
		return fmt.Sprintf("%T", cfg.Backend)
	}
	return cfg.Chardev.String()
}

// Base returns the UART base address.
func (m *Machine) Base() uint32 {
	return m.base
}

// UARTAddr returns the bus address of a UART register.
func (m *Machine) UARTAddr(offset uint32) uint32 {
	return m.base + offset
}

// Resets returns how many hard resets have been performed.
func (m *Machine) Resets() uint64 {
	return m.resets.Load()
}

// traceIRQ logs transitions of the UART interrupt line.
func (m *Machine) traceIRQ(level bool) {
	state, value := "lowered", uint32(0)
	if level {
		state, value = "raised", 1
	}
	m.Log.Logf(LogTrace, 0, 0, value, "custom-uart: irq %d %s", m.IRQ.Number, state)
}

// Close releases the backend.
func (m *Machine) Close() error {
	m.closeOnce.Do(func() {
		if m.Backend != nil {
			m.closeErr = m.Backend.Close()
			if errors.Is(m.closeErr, ErrBackendClosed) {
				m.closeErr = nil
			}
		}
	})
	return m.closeErr
}

// ConsoleStatus samples the registers shown in the console status bar.
func (m *Machine) ConsoleStatus() ConsoleStatus {
	st := m.UART.SaveState()
	return ConsoleStatus{
		Control: st.Control,
		Status:  st.Status,
		FIFOLen: int(st.FIFOLen),
		IRQ:     m.IRQ.Level(),
	}
}
