// machine_bus.go - Machine bus for the custom UART board

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
machine_bus.go - Machine Bus

The bus owns guest RAM mapped at address 0 and a page table of memory-mapped
I/O regions. Every access names an address and a width of 1, 2 or 4 bytes.
Accesses that land in an I/O region are handed to the region's callbacks as
(offset from region start, width[, value]); the device decides what the
access means. RAM is little-endian (see be_unsupported.go).

Unmapped accesses never fault the guest: reads return 0, writes are dropped
and a LogUnimp diagnostic is emitted.
*/

package main

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	PAGE_SIZE = 0x100
	PAGE_MASK = 0xFFFFFF00
)

// IORegion is one memory-mapped window. Callbacks receive offsets relative
// to start.
type IORegion struct {
	name    string
	start   uint32
	end     uint32
	onRead  func(offset uint32, size int) uint32
	onWrite func(offset uint32, size int, value uint32)
}

type MachineBus struct {
	mu      sync.RWMutex
	memory  []byte
	mapping map[uint32][]*IORegion
	log     *GuestLog

	// Sealed state to prevent I/O mapping after execution has started
	sealed atomic.Bool
}

// NewMachineBus allocates ramSize bytes of RAM at address 0.
func NewMachineBus(ramSize int, log *GuestLog) *MachineBus {
	if ramSize < 0 {
		ramSize = 0
	}
	return &MachineBus{
		memory:  make([]byte, ramSize),
		mapping: make(map[uint32][]*IORegion),
		log:     log,
	}
}

// SealMappings prevents further MapIO calls.
func (bus *MachineBus) SealMappings() {
	bus.sealed.CompareAndSwap(false, true)
}

// MapIO registers an I/O window covering [start, end].
func (bus *MachineBus) MapIO(name string, start, end uint32,
	onRead func(offset uint32, size int) uint32,
	onWrite func(offset uint32, size int, value uint32)) {
	if bus.sealed.Load() {
		panic(fmt.Sprintf("MapIO called after execution started (mapping %s $%08X-$%08X)", name, start, end))
	}
	if end < start {
		panic(fmt.Sprintf("MapIO %s: end $%08X before start $%08X", name, end, start))
	}
	region := &IORegion{
		name:    name,
		start:   start,
		end:     end,
		onRead:  onRead,
		onWrite: onWrite,
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	firstPage := start & PAGE_MASK
	lastPage := end & PAGE_MASK
	for page := firstPage; ; page += PAGE_SIZE {
		bus.mapping[page] = append(bus.mapping[page], region)
		if page == lastPage {
			break
		}
	}
}

// MapDevice maps dev at base with a window of size bytes.
func (bus *MachineBus) MapDevice(name string, base, size uint32, dev MMIODevice) {
	bus.MapIO(name, base, base+size-1, dev.HandleRead, dev.HandleWrite)
}

func (bus *MachineBus) findIORegion(addr uint32) *IORegion {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	for _, region := range bus.mapping[addr&PAGE_MASK] {
		if addr >= region.start && addr <= region.end {
			return region
		}
	}
	return nil
}

// ReadSized performs a read of size bytes (1, 2 or 4).
func (bus *MachineBus) ReadSized(addr uint32, size int) uint32 {
	if region := bus.findIORegion(addr); region != nil {
		if region.onRead == nil {
			return 0
		}
		return region.onRead(addr-region.start, size)
	}

	bus.mu.RLock()
	defer bus.mu.RUnlock()
	if size < 1 || size > 4 || uint64(addr)+uint64(size) > uint64(len(bus.memory)) {
		bus.log.Logf(LogUnimp, addr, size, 0,
			"Warning: Read%d from unmapped address 0x%08X", size*8, addr)
		return 0
	}
	switch size {
	case 1:
		return uint32(bus.memory[addr])
	case 2:
		return uint32(binary.LittleEndian.Uint16(bus.memory[addr : addr+2]))
	case 4:
		return binary.LittleEndian.Uint32(bus.memory[addr : addr+4])
	default:
		var v uint32
		for i := size - 1; i >= 0; i-- {
			v = v<<8 | uint32(bus.memory[addr+uint32(i)])
		}
		return v
	}
}

// WriteSized performs a write of size bytes (1, 2 or 4).
func (bus *MachineBus) WriteSized(addr uint32, size int, value uint32) {
	if region := bus.findIORegion(addr); region != nil {
		if region.onWrite != nil {
			region.onWrite(addr-region.start, size, value)
		}
		return
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if size < 1 || size > 4 || uint64(addr)+uint64(size) > uint64(len(bus.memory)) {
		bus.log.Logf(LogUnimp, addr, size, value,
			"Warning: Write%d to unmapped address 0x%08X", size*8, addr)
		return
	}
	switch size {
	case 1:
		bus.memory[addr] = uint8(value)
	case 2:
		binary.LittleEndian.PutUint16(bus.memory[addr:addr+2], uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(bus.memory[addr:addr+4], value)
	default:
		for i := 0; i < size; i++ {
			bus.memory[addr+uint32(i)] = uint8(value >> (8 * uint(i)))
		}
	}
}

func (bus *MachineBus) Read8(addr uint32) uint8 { return uint8(bus.ReadSized(addr, 1)) }

func (bus *MachineBus) Read16(addr uint32) uint16 { return uint16(bus.ReadSized(addr, 2)) }

func (bus *MachineBus) Read32(addr uint32) uint32 { return bus.ReadSized(addr, 4) }

func (bus *MachineBus) Write8(addr uint32, value uint8) { bus.WriteSized(addr, 1, uint32(value)) }

func (bus *MachineBus) Write16(addr uint32, value uint16) { bus.WriteSized(addr, 2, uint32(value)) }

func (bus *MachineBus) Write32(addr uint32, value uint32) { bus.WriteSized(addr, 4, value) }
