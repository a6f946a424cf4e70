// guest_script.go - Lua guest programs driving the machine bus

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const guestScriptPollInterval = time.Millisecond

// GuestScript runs a Lua program as the guest CPU: it sees the machine
// only through bus accesses, the interrupt line and a host log channel.
//
// Globals exposed to the script:
//
//	uart_read(offset [, size])          -> value
//	uart_write(offset, value [, size])
//	mem_read(addr [, size])             -> value
//	mem_write(addr, value [, size])
//	irq_level()                         -> bool
//	wait_rx(timeout_ms)                 -> bool (RX_AVAIL seen)
//	sleep(ms)
//	log(...)                            host-side message, like semihosting
//	band(a, b, ...) / bor(a, b, ...)    32-bit AND / OR (Lua 5.1 has no
//	                                    bitwise operators)
//
// plus the register and bit constants (UART_BASE, UART_DATA, STATUS_TX_READY,
// CTRL_TX_EN, ...).
//
// A GuestScript holds no per-run state; RunFile and RunString may be called
// concurrently, each run bound to its own context.
type GuestScript struct {
	m   *Machine
	out io.Writer
}

// NewGuestScript binds a script runner to m. Host log output goes to out
// (stderr when nil).
func NewGuestScript(m *Machine, out io.Writer) *GuestScript {
	if out == nil {
		out = os.Stderr
	}
	return &GuestScript{m: m, out: out}
}

// RunFile executes the Lua file at path until it returns or ctx is done.
func (s *GuestScript) RunFile(ctx context.Context, path string) error {
	L := s.newState(ctx)
	defer L.Close()
	if err := L.DoFile(path); err != nil {
		return s.scriptError(ctx, path, err)
	}
	return nil
}

// RunString executes src until it returns or ctx is done.
func (s *GuestScript) RunString(ctx context.Context, src string) error {
	L := s.newState(ctx)
	defer L.Close()
	if err := L.DoString(src); err != nil {
		return s.scriptError(ctx, "<string>", err)
	}
	return nil
}

func (s *GuestScript) scriptError(ctx context.Context, name string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("guest script %s: %w", name, err)
}

func (s *GuestScript) newState(ctx context.Context) *lua.LState {
	L := lua.NewState()
	L.SetContext(ctx)

	for name, fn := range map[string]lua.LGFunction{
		"uart_read":  s.luaUARTRead,
		"uart_write": s.luaUARTWrite,
		"mem_read":   s.luaMemRead,
		"mem_write":  s.luaMemWrite,
		"irq_level":  s.luaIRQLevel,
		"wait_rx":    s.luaWaitRX(ctx),
		"sleep":      luaSleep(ctx),
		"log":        s.luaLog,
		"band":       luaBand,
		"bor":        luaBor,
	} {
		L.SetGlobal(name, L.NewFunction(fn))
	}

	for name, v := range map[string]uint32{
		"UART_BASE":       s.m.Base(),
		"UART_DATA":       UART_DATA,
		"UART_STATUS":     UART_STATUS,
		"UART_CONTROL":    UART_CONTROL,
		"STATUS_TX_READY": STATUS_TX_READY,
		"STATUS_RX_AVAIL": STATUS_RX_AVAIL,
		"CTRL_TX_EN":      CTRL_TX_EN,
		"CTRL_RX_EN":      CTRL_RX_EN,
		"CTRL_TX_INT_EN":  CTRL_TX_INT_EN,
		"CTRL_RX_INT_EN":  CTRL_RX_INT_EN,
		"UART_FIFO_SIZE":  UART_FIFO_SIZE,
	} {
		L.SetGlobal(name, lua.LNumber(v))
	}
	return L
}

func checkAccessSize(L *lua.LState, n int) int {
	size := L.OptInt(n, 4)
	switch size {
	case 1, 2, 4:
		return size
	}
	L.ArgError(n, "size must be 1, 2 or 4")
	return 0
}

func checkUint32(L *lua.LState, n int) uint32 {
	v := L.CheckNumber(n)
	if v < 0 || v > 0xFFFFFFFF {
		L.ArgError(n, "value out of 32-bit range")
	}
	return uint32(v)
}

func (s *GuestScript) luaUARTRead(L *lua.LState) int {
	offset := checkUint32(L, 1)
	size := checkAccessSize(L, 2)
	L.Push(lua.LNumber(s.m.Bus.ReadSized(s.m.UARTAddr(offset), size)))
	return 1
}

func (s *GuestScript) luaUARTWrite(L *lua.LState) int {
	offset := checkUint32(L, 1)
	value := checkUint32(L, 2)
	size := checkAccessSize(L, 3)
	s.m.Bus.WriteSized(s.m.UARTAddr(offset), size, value)
	return 0
}

func (s *GuestScript) luaMemRead(L *lua.LState) int {
	addr := checkUint32(L, 1)
	size := checkAccessSize(L, 2)
	L.Push(lua.LNumber(s.m.Bus.ReadSized(addr, size)))
	return 1
}

func (s *GuestScript) luaMemWrite(L *lua.LState) int {
	addr := checkUint32(L, 1)
	value := checkUint32(L, 2)
	size := checkAccessSize(L, 3)
	s.m.Bus.WriteSized(addr, size, value)
	return 0
}

func (s *GuestScript) luaIRQLevel(L *lua.LState) int {
	L.Push(lua.LBool(s.m.IRQ.Level()))
	return 1
}

// wait_rx polls STATUS through the bus, the way firmware would spin.
func (s *GuestScript) luaWaitRX(ctx context.Context) lua.LGFunction {
	return func(L *lua.LState) int {
		timeout := time.Duration(L.CheckInt(1)) * time.Millisecond
		deadline := time.Now().Add(timeout)
		statusAddr := s.m.UARTAddr(UART_STATUS)
		for {
			if s.m.Bus.Read32(statusAddr)&STATUS_RX_AVAIL != 0 {
				L.Push(lua.LTrue)
				return 1
			}
			if !time.Now().Before(deadline) {
				L.Push(lua.LFalse)
				return 1
			}
			if !pause(ctx, guestScriptPollInterval) {
				L.RaiseError("interrupted")
				return 0
			}
		}
	}
}

func luaSleep(ctx context.Context) lua.LGFunction {
	return func(L *lua.LState) int {
		ms := L.CheckInt(1)
		if ms > 0 && !pause(ctx, time.Duration(ms)*time.Millisecond) {
			L.RaiseError("interrupted")
		}
		return 0
	}
}

func (s *GuestScript) luaLog(L *lua.LState) int {
	parts := make([]string, L.GetTop())
	for i := range parts {
		parts[i] = L.ToStringMeta(L.Get(i + 1)).String()
	}
	fmt.Fprintln(s.out, strings.Join(parts, " "))
	return 0
}

func luaBand(L *lua.LState) int {
	v := uint32(0xFFFFFFFF)
	for i := 1; i <= L.GetTop(); i++ {
		v &= checkUint32(L, i)
	}
	L.Push(lua.LNumber(v))
	return 1
}

func luaBor(L *lua.LState) int {
	var v uint32
	for i := 1; i <= L.GetTop(); i++ {
		v |= checkUint32(L, i)
	}
	L.Push(lua.LNumber(v))
	return 1
}

// pause sleeps for d, returning false if ctx ends first.
func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
