package main

import "sync/atomic"

// InterruptLine is the board side of a device interrupt output.
type InterruptLine interface {
	Raise()
	Lower()
}

// IRQController drives one interrupt line on behalf of a device.
//
// Raise and Lower are idempotent: the underlying line only sees level
// changes. Requests are still counted so callers can tell how often the
// device asked for service. The owning device calls these under its lock;
// the line must not call back into the device.
type IRQController struct {
	line     InterruptLine
	level    atomic.Bool
	raises   atomic.Uint64
	lowers   atomic.Uint64
	onChange func(level bool)
}

// NewIRQController wraps line. line may be nil for an unconnected output.
func NewIRQController(line InterruptLine) *IRQController {
	return &IRQController{line: line}
}

// Connect replaces the line the controller drives. The current level is
// pushed to the new line.
func (c *IRQController) Connect(line InterruptLine) {
	c.line = line
	if line == nil {
		return
	}
	if c.level.Load() {
		line.Raise()
	} else {
		line.Lower()
	}
}

// OnChange registers fn to observe level transitions.
func (c *IRQController) OnChange(fn func(level bool)) {
	c.onChange = fn
}

func (c *IRQController) Raise() {
	c.raises.Add(1)
	if c.level.Swap(true) {
		return
	}
	if c.line != nil {
		c.line.Raise()
	}
	if c.onChange != nil {
		c.onChange(true)
	}
}

func (c *IRQController) Lower() {
	c.lowers.Add(1)
	if !c.level.Swap(false) {
		return
	}
	if c.line != nil {
		c.line.Lower()
	}
	if c.onChange != nil {
		c.onChange(false)
	}
}

// Level returns the most recently requested level.
func (c *IRQController) Level() bool {
	return c.level.Load()
}

// RaiseRequests returns how many times Raise has been called.
func (c *IRQController) RaiseRequests() uint64 {
	return c.raises.Load()
}

// LowerRequests returns how many times Lower has been called.
func (c *IRQController) LowerRequests() uint64 {
	return c.lowers.Load()
}

// BoardIRQ is a simple level-sensitive interrupt input owned by the board.
// It records the current level of one numbered line.
type BoardIRQ struct {
	Number int
	level  atomic.Bool
	edges  atomic.Uint64
}

func (b *BoardIRQ) Raise() {
	if !b.level.Swap(true) {
		b.edges.Add(1)
	}
}

func (b *BoardIRQ) Lower() {
	b.level.Store(false)
}

func (b *BoardIRQ) Level() bool {
	return b.level.Load()
}

// RisingEdges returns the number of low-to-high transitions seen.
func (b *BoardIRQ) RisingEdges() uint64 {
	return b.edges.Load()
}
