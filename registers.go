// registers.go - Centralized address map and UART register layout

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

/*
registers.go - Master Address Map

MEMORY MAP OVERVIEW
===================

Address Range             Size    Device              Notes
---------------------------------------------------------------------------
0x00000000-RAM_SIZE-1     64KB    Guest RAM           -mem flag (KiB)
0x60000000-0x600000FF     256B    Custom UART         -base flag

UART REGISTERS (offsets from UART base, 1-4 byte accesses)
===========================================================

Offset  Name      Access  Meaning
0x00    DATA      R/W     Read pops the next received byte. Write transmits
                          the low 8 bits when CTRL_TX_EN is set.
0x04    STATUS    R       bit0 TX_READY, bit1 RX_AVAIL. Writes are ignored.
0x08    CONTROL   R/W     bit0 TX_EN, bit1 RX_EN, bit2 TX_INT_EN,
                          bit3 RX_INT_EN. Writes replace the whole register.

Any other offset inside the window is a guest error: reads return 0 and
writes are dropped.
*/

package main

const (
	DEFAULT_RAM_SIZE  = 64 * 1024
	CUSTOM_UART_BASE  = 0x60000000
	CUSTOM_UART_SIZE  = 0x100
	CUSTOM_UART_END   = CUSTOM_UART_BASE + CUSTOM_UART_SIZE - 1
	CUSTOM_UART_IRQ   = 16
	UART_FIFO_SIZE    = 16
	UART_MIN_ACCESS   = 1
	UART_MAX_ACCESS   = 4
	UART_SNAPSHOT_TAG = "custom-uart"
)

// Register offsets
const (
	UART_DATA    = 0x00
	UART_STATUS  = 0x04
	UART_CONTROL = 0x08
)

// STATUS bits
const (
	STATUS_TX_READY = 1 << 0
	STATUS_RX_AVAIL = 1 << 1
)

// CONTROL bits
const (
	CTRL_TX_EN     = 1 << 0
	CTRL_RX_EN     = 1 << 1
	CTRL_TX_INT_EN = 1 << 2
	CTRL_RX_INT_EN = 1 << 3
)

// registerName returns the mnemonic for a register offset, or "" if the
// offset is not a register.
func registerName(offset uint32) string {
	switch offset {
	case UART_DATA:
		return "DATA"
	case UART_STATUS:
		return "STATUS"
	case UART_CONTROL:
		return "CONTROL"
	default:
		return ""
	}
}

// accessMask returns the value mask for an access of size bytes.
func accessMask(size int) uint32 {
	if size >= 4 {
		return 0xFFFFFFFF
	}
	return uint32(1)<<(8*uint(size)) - 1
}
