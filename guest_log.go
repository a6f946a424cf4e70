package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// LogMask selects diagnostic categories.
type LogMask uint32

const (
	LogGuestError LogMask = 1 << iota // guest misuse of a device
	LogTrace                          // every register access
	LogUnimp                          // accesses to nothing / unimplemented
)

const defaultLogMask = LogGuestError

var logMaskNames = map[string]LogMask{
	"guest_errors": LogGuestError,
	"trace":        LogTrace,
	"unimp":        LogUnimp,
}

// ParseLogMask parses a comma separated category list such as
// "guest_errors,trace". "none" yields an empty mask.
func ParseLogMask(s string) (LogMask, error) {
	var mask LogMask
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		switch name {
		case "":
			continue
		case "none":
			mask = 0
			continue
		case "all":
			mask |= LogGuestError | LogTrace | LogUnimp
			continue
		}
		bit, ok := logMaskNames[name]
		if !ok {
			return 0, fmt.Errorf("unknown log category %q", name)
		}
		mask |= bit
	}
	return mask, nil
}

// DiagEvent is one diagnostic record. Events are a side channel and never
// affect device state.
type DiagEvent struct {
	Kind   LogMask
	Offset uint32
	Size   int
	Value  uint32
	Msg    string
}

// GuestLog prints masked diagnostics and forwards every event to an
// optional hook regardless of the mask.
type GuestLog struct {
	mu   sync.Mutex
	mask LogMask
	out  io.Writer
	hook func(DiagEvent)
}

// NewGuestLog creates a log writing to stderr with guest errors enabled.
func NewGuestLog() *GuestLog {
	return &GuestLog{mask: defaultLogMask, out: os.Stderr}
}

func (l *GuestLog) SetMask(mask LogMask) {
	l.mu.Lock()
	l.mask = mask
	l.mu.Unlock()
}

func (l *GuestLog) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.out = w
	l.mu.Unlock()
}

// SetHook registers fn to receive every event.
func (l *GuestLog) SetHook(fn func(DiagEvent)) {
	l.mu.Lock()
	l.hook = fn
	l.mu.Unlock()
}

// Enabled reports whether kind would be printed.
func (l *GuestLog) Enabled(kind LogMask) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mask&kind != 0
}

// Emit records ev. A nil *GuestLog discards everything.
func (l *GuestLog) Emit(ev DiagEvent) {
	if l == nil {
		return
	}
	l.mu.Lock()
	hook := l.hook
	show := l.mask&ev.Kind != 0 && l.out != nil
	out := l.out
	l.mu.Unlock()

	if show {
		fmt.Fprintln(out, ev.Msg)
	}
	if hook != nil {
		hook(ev)
	}
}

// Logf formats and emits an event of the given kind.
func (l *GuestLog) Logf(kind LogMask, offset uint32, size int, value uint32, format string, args ...any) {
	if l == nil {
		return
	}
	l.Emit(DiagEvent{
		Kind:   kind,
		Offset: offset,
		Size:   size,
		Value:  value,
		Msg:    fmt.Sprintf(format, args...),
	})
}
