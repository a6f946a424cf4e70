// uart_device.go - Custom UART register model

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
License: GPLv3 or later
*/

package main

import (
	"errors"
	"sync"
)

// MMIODevice is the capability set the machine bus needs from a
// memory-mapped peripheral. Offsets are relative to the device window.
type MMIODevice interface {
	HandleRead(offset uint32, size int) uint32
	HandleWrite(offset uint32, size int, value uint32)
	Reset()
}

// CharFrontend is what a device offers to a character backend: a cheap
// back-pressure query and a delivery entry point. Receive returns how many
// bytes were kept.
type CharFrontend interface {
	CanReceive() int
	Receive(p []byte) int
}

// DeviceState tracks the reset lifecycle.
type DeviceState int

const (
	DeviceUninitialized DeviceState = iota
	DeviceReset
	DeviceOperating
)

func (s DeviceState) String() string {
	switch s {
	case DeviceUninitialized:
		return "uninitialized"
	case DeviceReset:
		return "reset"
	case DeviceOperating:
		return "operating"
	default:
		return "unknown"
	}
}

var ErrBackendAttached = errors.New("custom-uart: backend already attached")

// UARTStats are running counters kept for diagnostics.
type UARTStats struct {
	TxBytes   uint64 // bytes handed to the backend
	TxIgnored uint64 // DATA writes while TX was disabled
	RxBytes   uint64 // bytes accepted into the FIFO
	RxDropped uint64 // bytes lost to overrun or RX disabled
}

// CustomUART is a minimal UART with a 16 byte receive FIFO, mapped as
// three 32-bit registers. Bus accesses and backend deliveries arrive on
// different goroutines; mu serializes both.
type CustomUART struct {
	mu sync.Mutex

	state   DeviceState
	data    uint8
	status  uint32
	control uint32
	rx      *RxFIFO
	irq     *IRQController

	backend CharBackend
	log     *GuestLog
	stats   UARTStats
}

var (
	_ MMIODevice   = (*CustomUART)(nil)
	_ CharFrontend = (*CustomUART)(nil)
)

// NewCustomUART creates an unattached device in the uninitialized state.
// log may be nil.
func NewCustomUART(log *GuestLog) *CustomUART {
	return &CustomUART{
		rx:  NewRxFIFO(UART_FIFO_SIZE),
		irq: NewIRQController(nil),
		log: log,
	}
}

// IRQ returns the device's interrupt controller.
func (u *CustomUART) IRQ() *IRQController {
	return u.irq
}

// ConnectIRQ wires the interrupt output to a board line.
func (u *CustomUART) ConnectIRQ(line InterruptLine) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.irq.Connect(line)
}

// Attach binds the backend, registers the device as its frontend and
// performs the attach-time reset. A device is bound at most once.
func (u *CustomUART) Attach(be CharBackend) error {
	u.mu.Lock()
	if u.backend != nil {
		u.mu.Unlock()
		return ErrBackendAttached
	}
	u.backend = be
	u.mu.Unlock()

	u.Reset()
	if be != nil {
		be.Attach(u)
	}
	return nil
}

// State returns the current lifecycle state.
func (u *CustomUART) State() DeviceState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Stats returns a copy of the running counters.
func (u *CustomUART) Stats() UARTStats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stats
}

// HandleRead services a bus read. DATA pops the FIFO; popping an empty
// FIFO returns the last latched DATA value unchanged.
func (u *CustomUART) HandleRead(offset uint32, size int) uint32 {
	u.mu.Lock()
	defer u.mu.Unlock()

	if size < UART_MIN_ACCESS || size > UART_MAX_ACCESS {
		u.log.Logf(LogGuestError, offset, size, 0,
			"custom-uart: invalid read size %d at offset 0x%x", size, offset)
		return 0
	}

	var value uint32
	switch offset {
	case UART_DATA:
		if b, ok := u.rx.PopFront(); ok {
			u.data = b
			if u.rx.Empty() {
				u.status &^= STATUS_RX_AVAIL
			}
		}
		value = uint32(u.data)

	case UART_STATUS:
		value = u.status

	case UART_CONTROL:
		value = u.control

	default:
		u.log.Logf(LogGuestError, offset, size, 0,
			"custom-uart: invalid read offset 0x%x", offset)
		return 0
	}

	value &= accessMask(size)
	u.traceLocked("read", offset, size, value)
	return value
}

// HandleWrite services a bus write.
func (u *CustomUART) HandleWrite(offset uint32, size int, value uint32) {
	var txByte byte
	var txBackend CharBackend

	u.mu.Lock()
	if size < UART_MIN_ACCESS || size > UART_MAX_ACCESS {
		u.log.Logf(LogGuestError, offset, size, value,
			"custom-uart: invalid write size %d at offset 0x%x", size, offset)
		u.mu.Unlock()
		return
	}
	value &= accessMask(size)

	switch offset {
	case UART_DATA:
		u.traceLocked("write", offset, size, value)
		if u.control&CTRL_TX_EN == 0 {
			u.stats.TxIgnored++
			u.log.Logf(LogTrace, offset, size, value, "custom-uart: TX not enabled, ignoring write")
			break
		}
		txByte = byte(value)
		txBackend = u.backend
		// Bytes reach the backend in DATA write order only per bus master:
		// concurrent writers can reorder between here and Write below.
		u.transmitLocked(txByte)

	case UART_CONTROL:
		u.control = value
		if u.control&CTRL_TX_EN != 0 {
			u.status |= STATUS_TX_READY
		} else {
			u.status &^= STATUS_TX_READY
		}
		u.traceLocked("write", offset, size, value)

	case UART_STATUS:
		u.log.Logf(LogGuestError, offset, size, value,
			"custom-uart: attempt to write to read-only STATUS register")

	default:
		u.log.Logf(LogGuestError, offset, size, value,
			"custom-uart: invalid write offset 0x%x", offset)
	}
	u.mu.Unlock()

	// Fire-and-forget: short writes and transport errors are not reported
	// to the guest.
	if txBackend != nil {
		_, _ = txBackend.Write([]byte{txByte})
	}
}

// transmitLocked applies the register side of a transmitted byte.
func (u *CustomUART) transmitLocked(b byte) {
	u.data = b
	u.stats.TxBytes++
	u.status |= STATUS_TX_READY
	if u.control&CTRL_TX_INT_EN != 0 {
		u.irq.Raise()
	}
}

// CanReceive reports how many bytes the FIFO can take now. It is 0 while
// RX is disabled.
func (u *CustomUART) CanReceive() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.control&CTRL_RX_EN == 0 {
		return 0
	}
	return u.rx.Free()
}

// Receive deposits bytes from the backend. Bytes beyond the free space,
// or all of them while RX is disabled, are dropped. Returns the number
// of bytes enqueued.
func (u *CustomUART) Receive(p []byte) int {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.control&CTRL_RX_EN == 0 {
		u.stats.RxDropped += uint64(len(p))
		return 0
	}

	wasEmpty := u.rx.Empty()
	n := u.rx.PushBytes(p)
	u.stats.RxBytes += uint64(n)
	if dropped := len(p) - n; dropped > 0 {
		u.stats.RxDropped += uint64(dropped)
		u.log.Logf(LogTrace, UART_DATA, 1, uint32(dropped),
			"custom-uart: rx overrun, dropped %d byte(s)", dropped)
	}

	if n > 0 && wasEmpty {
		u.status |= STATUS_RX_AVAIL
		if u.control&CTRL_RX_INT_EN != 0 {
			u.irq.Raise()
		}
	}
	return n
}

func (u *CustomUART) traceLocked(dir string, offset uint32, size int, value uint32) {
	if !u.log.Enabled(LogTrace) {
		return
	}
	u.log.Logf(LogTrace, offset, size, value,
		"custom-uart: %s %s size=%d value=0x%x control=0x%x status=0x%x",
		dir, registerName(offset), size, value, u.control, u.status)
}
