// uart_snapshot.go - UART state section and machine snapshot files

package main

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	uartStateMagic      = "CUAR"
	uartStateVersion    = 1
	uartStateMinVersion = 1

	// magic + version + data + status + control + fifo + rx_count
	uartStateSize = 4 + 4 + 1 + 4 + 4 + UART_FIFO_SIZE + 4

	machineSnapshotMagic   = "CUMS"
	machineSnapshotVersion = 1
	maxSnapshotRAM         = 256 * 1024 * 1024
)

var (
	ErrSnapshotMagic   = errors.New("snapshot: bad magic")
	ErrSnapshotVersion = errors.New("snapshot: unsupported version")
	ErrSnapshotCorrupt = errors.New("snapshot: corrupt data")
)

// UARTState is the migratable register state of a CustomUART. FIFO holds
// the queued bytes oldest first; slots past FIFOLen are zero.
type UARTState struct {
	Data    uint8
	Status  uint32
	Control uint32
	FIFO    [UART_FIFO_SIZE]byte
	FIFOLen int32
}

// SaveState captures the device registers and FIFO contents.
func (u *CustomUART) SaveState() UARTState {
	u.mu.Lock()
	defer u.mu.Unlock()

	st := UARTState{
		Data:    u.data,
		Status:  u.status,
		Control: u.control,
		FIFOLen: int32(u.rx.Len()),
	}
	copy(st.FIFO[:], u.rx.Contents())
	return st
}

// RestoreState loads st into the device. STATUS is taken as stored but its
// RX_AVAIL bit must agree with the FIFO length. The interrupt level is not
// part of the state: it is lowered, then raised again if RX interrupts are
// enabled with data pending.
func (u *CustomUART) RestoreState(st UARTState) error {
	if st.FIFOLen < 0 || st.FIFOLen > UART_FIFO_SIZE {
		return fmt.Errorf("%w: fifo length %d", ErrSnapshotCorrupt, st.FIFOLen)
	}
	if (st.Status&STATUS_RX_AVAIL != 0) != (st.FIFOLen > 0) {
		return fmt.Errorf("%w: status 0x%x with %d byte(s) in fifo",
			ErrSnapshotCorrupt, st.Status, st.FIFOLen)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	u.data = st.Data
	u.status = st.Status
	u.control = st.Control
	u.rx.Reset()
	u.rx.PushBytes(st.FIFO[:st.FIFOLen])
	u.state = DeviceOperating

	u.irq.Lower()
	if u.control&CTRL_RX_INT_EN != 0 && !u.rx.Empty() {
		u.irq.Raise()
	}
	u.log.Logf(LogTrace, 0, 0, 0, "custom-uart: state restored, fifo=%d control=0x%x status=0x%x",
		st.FIFOLen, st.Control, st.Status)
	return nil
}

// MarshalBinary encodes the state as a little-endian "CUAR" section.
func (st UARTState) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(uartStateSize)

	buf.WriteString(uartStateMagic)
	binary.Write(&buf, binary.LittleEndian, uint32(uartStateVersion))
	buf.WriteByte(st.Data)
	binary.Write(&buf, binary.LittleEndian, st.Status)
	binary.Write(&buf, binary.LittleEndian, st.Control)
	buf.Write(st.FIFO[:])
	binary.Write(&buf, binary.LittleEndian, st.FIFOLen)
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a "CUAR" section.
func (st *UARTState) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return fmt.Errorf("%w: reading magic: %v", ErrSnapshotCorrupt, err)
	}
	if string(magic) != uartStateMagic {
		return fmt.Errorf("%w: %q", ErrSnapshotMagic, string(magic))
	}

	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("%w: reading version: %v", ErrSnapshotCorrupt, err)
	}
	if version < uartStateMinVersion || version > uartStateVersion {
		return fmt.Errorf("%w: %s section version %d", ErrSnapshotVersion, UART_SNAPSHOT_TAG, version)
	}

	var out UARTState
	var err error
	if out.Data, err = r.ReadByte(); err != nil {
		return fmt.Errorf("%w: reading data: %v", ErrSnapshotCorrupt, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &out.Status); err != nil {
		return fmt.Errorf("%w: reading status: %v", ErrSnapshotCorrupt, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &out.Control); err != nil {
		return fmt.Errorf("%w: reading control: %v", ErrSnapshotCorrupt, err)
	}
	if _, err := io.ReadFull(r, out.FIFO[:]); err != nil {
		return fmt.Errorf("%w: reading fifo: %v", ErrSnapshotCorrupt, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &out.FIFOLen); err != nil {
		return fmt.Errorf("%w: reading fifo length: %v", ErrSnapshotCorrupt, err)
	}
	if out.FIFOLen < 0 || out.FIFOLen > UART_FIFO_SIZE {
		return fmt.Errorf("%w: fifo length %d", ErrSnapshotCorrupt, out.FIFOLen)
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrSnapshotCorrupt, r.Len())
	}

	*st = out
	return nil
}

// MachineSnapshot captures the UART section and guest RAM.
type MachineSnapshot struct {
	UARTBase uint32
	UART     UARTState
	Memory   []byte // compressed on disk
}

// TakeSnapshot captures the machine. The UART is sampled before RAM; a
// guest running concurrently may change RAM in between.
func (m *Machine) TakeSnapshot() *MachineSnapshot {
	st := m.UART.SaveState()

	m.Bus.mu.RLock()
	mem := bytes.Clone(m.Bus.memory)
	m.Bus.mu.RUnlock()

	return &MachineSnapshot{
		UARTBase: m.base,
		UART:     st,
		Memory:   mem,
	}
}

// RestoreSnapshot loads snap into the machine. RAM size and UART base must
// match the running board.
func (m *Machine) RestoreSnapshot(snap *MachineSnapshot) error {
	if snap.UARTBase != m.base {
		return fmt.Errorf("%w: snapshot uart base 0x%08x, machine has 0x%08x",
			ErrSnapshotCorrupt, snap.UARTBase, m.base)
	}
	if len(snap.Memory) != len(m.Bus.memory) {
		return fmt.Errorf("%w: snapshot has %d bytes of RAM, machine has %d",
			ErrSnapshotCorrupt, len(snap.Memory), len(m.Bus.memory))
	}
	if err := m.UART.RestoreState(snap.UART); err != nil {
		return err
	}

	m.Bus.mu.Lock()
	copy(m.Bus.memory, snap.Memory)
	m.Bus.mu.Unlock()
	return nil
}

// SaveSnapshotToFile writes a snapshot to disk with gzip-compressed RAM.
func SaveSnapshotToFile(snap *MachineSnapshot, path string) error {
	var buf bytes.Buffer

	// Magic
	buf.WriteString(machineSnapshotMagic)

	// Version
	binary.Write(&buf, binary.LittleEndian, uint32(machineSnapshotVersion))

	// UART base and section
	binary.Write(&buf, binary.LittleEndian, snap.UARTBase)
	section, err := snap.UART.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encoding uart state: %w", err)
	}
	tag := []byte(UART_SNAPSHOT_TAG)
	buf.WriteByte(byte(len(tag)))
	buf.Write(tag)
	binary.Write(&buf, binary.LittleEndian, uint32(len(section)))
	buf.Write(section)

	// Memory: uncompressed length, then gzip-compressed data
	binary.Write(&buf, binary.LittleEndian, uint32(len(snap.Memory)))

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(snap.Memory); err != nil {
		return fmt.Errorf("compressing memory: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("closing gzip: %w", err)
	}
	buf.Write(compressed.Bytes())

	return os.WriteFile(path, buf.Bytes(), 0644)
}

// LoadSnapshotFromFile reads and decompresses a snapshot from disk.
func LoadSnapshotFromFile(path string) (*MachineSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeMachineSnapshot(data)
}

func decodeMachineSnapshot(data []byte) (*MachineSnapshot, error) {
	r := bytes.NewReader(data)

	// Magic
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("%w: reading magic: %v", ErrSnapshotCorrupt, err)
	}
	if string(magic) != machineSnapshotMagic {
		return nil, fmt.Errorf("%w: %q", ErrSnapshotMagic, string(magic))
	}

	// Version
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("%w: reading version: %v", ErrSnapshotCorrupt, err)
	}
	if version != machineSnapshotVersion {
		return nil, fmt.Errorf("%w: machine snapshot version %d", ErrSnapshotVersion, version)
	}

	snap := &MachineSnapshot{}
	if err := binary.Read(r, binary.LittleEndian, &snap.UARTBase); err != nil {
		return nil, fmt.Errorf("%w: reading uart base: %v", ErrSnapshotCorrupt, err)
	}

	// UART section
	tagLen, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: reading section tag length: %v", ErrSnapshotCorrupt, err)
	}
	tag := make([]byte, tagLen)
	if _, err := io.ReadFull(r, tag); err != nil {
		return nil, fmt.Errorf("%w: reading section tag: %v", ErrSnapshotCorrupt, err)
	}
	if string(tag) != UART_SNAPSHOT_TAG {
		return nil, fmt.Errorf("%w: unexpected section %q", ErrSnapshotCorrupt, string(tag))
	}
	var sectionLen uint32
	if err := binary.Read(r, binary.LittleEndian, &sectionLen); err != nil {
		return nil, fmt.Errorf("%w: reading section length: %v", ErrSnapshotCorrupt, err)
	}
	if int64(sectionLen) > int64(r.Len()) {
		return nil, fmt.Errorf("%w: section length %d exceeds file", ErrSnapshotCorrupt, sectionLen)
	}
	section := make([]byte, sectionLen)
	if _, err := io.ReadFull(r, section); err != nil {
		return nil, fmt.Errorf("%w: reading section: %v", ErrSnapshotCorrupt, err)
	}
	if err := snap.UART.UnmarshalBinary(section); err != nil {
		return nil, err
	}

	// Memory
	var uncompressedLen uint32
	if err := binary.Read(r, binary.LittleEndian, &uncompressedLen); err != nil {
		return nil, fmt.Errorf("%w: reading memory length: %v", ErrSnapshotCorrupt, err)
	}
	if uncompressedLen > maxSnapshotRAM {
		return nil, fmt.Errorf("%w: memory length %d", ErrSnapshotCorrupt, uncompressedLen)
	}

	remaining := data[len(data)-r.Len():]
	gz, err := gzip.NewReader(bytes.NewReader(remaining))
	if err != nil {
		return nil, fmt.Errorf("%w: opening gzip reader: %v", ErrSnapshotCorrupt, err)
	}
	defer gz.Close()

	mem := make([]byte, uncompressedLen)
	if _, err := io.ReadFull(gz, mem); err != nil {
		return nil, fmt.Errorf("%w: decompressing memory: %v", ErrSnapshotCorrupt, err)
	}
	snap.Memory = mem
	return snap, nil
}

// SaveSnapshot writes the running machine to path.
func (m *Machine) SaveSnapshot(path string) error {
	if err := SaveSnapshotToFile(m.TakeSnapshot(), path); err != nil {
		return fmt.Errorf("saving snapshot %s: %w", path, err)
	}
	return nil
}

// LoadSnapshot restores the machine from path.
func (m *Machine) LoadSnapshot(path string) error {
	snap, err := LoadSnapshotFromFile(path)
	if err != nil {
		return fmt.Errorf("loading snapshot %s: %w", path, err)
	}
	if err := m.RestoreSnapshot(snap); err != nil {
		return fmt.Errorf("loading snapshot %s: %w", path, err)
	}
	return nil
}
