package main

// RxFIFO is the bounded receive queue behind the DATA register.
// Capacity is fixed at construction. Push on a full FIFO drops the byte;
// nothing is ever overwritten. Not safe for concurrent use: the owning
// device serializes access under its own lock.
type RxFIFO struct {
	buf  []byte
	head int // next read position
	tail int // next write position
	n    int // number of queued bytes
}

// NewRxFIFO creates an empty FIFO holding at most capacity bytes.
func NewRxFIFO(capacity int) *RxFIFO {
	if capacity <= 0 {
		capacity = 1
	}
	return &RxFIFO{buf: make([]byte, capacity)}
}

func (f *RxFIFO) Len() int { return f.n }

func (f *RxFIFO) Cap() int { return len(f.buf) }

// Free returns the number of bytes that can still be pushed.
func (f *RxFIFO) Free() int { return len(f.buf) - f.n }

func (f *RxFIFO) Empty() bool { return f.n == 0 }

// Push appends b and reports whether it was stored.
func (f *RxFIFO) Push(b byte) bool {
	if f.n >= len(f.buf) {
		return false
	}
	f.buf[f.tail] = b
	f.tail = (f.tail + 1) % len(f.buf)
	f.n++
	return true
}

// PushBytes stores bytes from p in order until the FIFO is full and returns
// how many were stored. The rest of p is dropped.
func (f *RxFIFO) PushBytes(p []byte) int {
	stored := 0
	for _, b := range p {
		if !f.Push(b) {
			break
		}
		stored++
	}
	return stored
}

// PopFront removes and returns the oldest byte. ok is false on an empty FIFO.
func (f *RxFIFO) PopFront() (b byte, ok bool) {
	if f.n == 0 {
		return 0, false
	}
	b = f.buf[f.head]
	f.head = (f.head + 1) % len(f.buf)
	f.n--
	return b, true
}

// Contents returns a copy of the queued bytes, front first.
func (f *RxFIFO) Contents() []byte {
	out := make([]byte, f.n)
	for i := 0; i < f.n; i++ {
		out[i] = f.buf[(f.head+i)%len(f.buf)]
	}
	return out
}

// Reset empties the FIFO and zeroes its storage.
func (f *RxFIFO) Reset() {
	for i := range f.buf {
		f.buf[i] = 0
	}
	f.head = 0
	f.tail = 0
	f.n = 0
}
