package sched

import (
	"sync"
	"sync/atomic"
)

const initialDequeSize = 64

// buffer is a circular array of slots. Slots are atomic so that a thief
// reading a stale buffer never races the owner.
type buffer[T any] struct {
	slots   []atomic.Pointer[T]
	mask    int64
	retired uint64 // epoch at which the buffer was replaced
}

func newBuffer[T any](size int64) *buffer[T] {
	return &buffer[T]{slots: make([]atomic.Pointer[T], size), mask: size - 1}
}

func (b *buffer[T]) size() int64       { return int64(len(b.slots)) }
func (b *buffer[T]) get(i int64) *T    { return b.slots[i&b.mask].Load() }
func (b *buffer[T]) put(i int64, x *T) { b.slots[i&b.mask].Store(x) }

// Deque is a Chase-Lev work-stealing deque. The owning worker pushes and
// pops at the bottom; any goroutine may steal from the top.
//
// When the buffer grows, the old one is retired at the current epoch and
// dropped two epochs later. A thief still holding it keeps it alive until
// its steal attempt completes.
type Deque[T any] struct {
	top    atomic.Int64
	_      [56]byte
	bottom atomic.Int64
	_      [56]byte
	buf    atomic.Pointer[buffer[T]]

	epoch   atomic.Uint64
	mu      sync.Mutex
	retired []*buffer[T]
	dropped uint64
}

// NewDeque creates an empty deque.
func NewDeque[T any]() *Deque[T] {
	d := &Deque[T]{}
	d.buf.Store(newBuffer[T](initialDequeSize))
	return d
}

// Push adds x at the bottom. Only the owner may call it.
func (d *Deque[T]) Push(x *T) {
	b := d.bottom.Load()
	t := d.top.Load()
	buf := d.buf.Load()
	if b-t >= buf.size()-1 {
		buf = d.grow(buf, t, b)
	}
	buf.put(b, x)
	d.bottom.Store(b + 1)
}

// Pop removes the most recently pushed item. Only the owner may call it.
func (d *Deque[T]) Pop() (*T, bool) {
	b := d.bottom.Load() - 1
	buf := d.buf.Load()
	d.bottom.Store(b)
	t := d.top.Load()
	if t > b {
		if t > b+1 {
			panic("sched: deque size underflow")
		}
		d.bottom.Store(b + 1)
		return nil, false
	}
	x := buf.get(b)
	if t == b {
		// Last item: race the thieves for it.
		won := d.top.CompareAndSwap(t, t+1)
		d.bottom.Store(b + 1)
		if !won {
			return nil, false
		}
	}
	return x, x != nil
}

// Steal removes the oldest item. It fails when the deque is empty or when
// another thief or the owner wins the race for the item.
func (d *Deque[T]) Steal() (*T, bool) {
	t := d.top.Load()
	b := d.bottom.Load()
	if t >= b {
		return nil, false
	}
	buf := d.buf.Load()
	x := buf.get(t)
	if !d.top.CompareAndSwap(t, t+1) {
		return nil, false
	}
	return x, x != nil
}

// Len returns the number of items. It is exact only when called by the
// owner with no concurrent thieves; other callers get an estimate.
func (d *Deque[T]) Len() int {
	// top only grows, so reading it first keeps n >= -1 for the owner.
	t := d.top.Load()
	n := d.bottom.Load() - t
	if n < 0 {
		return 0
	}
	return int(n)
}

// Empty reports whether the deque looks empty.
func (d *Deque[T]) Empty() bool { return d.Len() == 0 }

// grow doubles the buffer, copying the live range [t, b).
func (d *Deque[T]) grow(old *buffer[T], t, b int64) *buffer[T] {
	nb := newBuffer[T](old.size() * 2)
	for i := t; i < b; i++ {
		nb.put(i, old.get(i))
	}
	d.buf.Store(nb)

	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.epoch.Add(1)
	old.retired = e
	d.retired = append(d.retired, old)
	kept := d.retired[:0]
	for _, r := range d.retired {
		if e >= r.retired+2 {
			d.dropped++
			continue
		}
		kept = append(kept, r)
	}
	clear(d.retired[len(kept):])
	d.retired = kept
	return nb
}

// Capacity returns the current buffer size.
func (d *Deque[T]) Capacity() int { return int(d.buf.Load().size()) }

// Retired returns how many replaced buffers are still held and how many
// have been dropped.
func (d *Deque[T]) Retired() (held int, dropped uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.retired), d.dropped
}
