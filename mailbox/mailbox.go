// Package mailbox implements the per-block message queue.
package mailbox

import (
	"errors"
	"sync"

	"github.com/chazu/agim/heap"
)

// ErrMailboxFull is returned when a push would exceed the mailbox capacity.
var ErrMailboxFull = errors.New("mailbox full")

// Kind separates user messages from the system notifications produced by
// exit propagation.
type Kind uint8

const (
	User Kind = iota
	Exit      // a linked block exited; delivered only to trapping blocks
	Down      // a monitored block exited
)

func (k Kind) String() string {
	switch k {
	case User:
		return "user"
	case Exit:
		return "exit"
	case Down:
		return "down"
	}
	return "unknown"
}

// Message is one queued message. Payload lives outside any heap until the
// receiver imports it.
type Message struct {
	Sender  heap.PID
	Kind    Kind
	Payload heap.Packet

	next *Message
}

// IsSystem reports whether m is an exit or down notification.
func (m *Message) IsSystem() bool { return m.Kind != User }

// Mailbox is a FIFO of messages guarded by a single lock. Any goroutine may
// push; only the owning block takes.
type Mailbox struct {
	mu       sync.Mutex
	head     *Message
	tail     *Message
	count    int
	capacity int // 0 means unbounded

	pushed   uint64
	taken    uint64
	rejected uint64
}

// New creates a mailbox holding at most capacity messages. A capacity of
// zero or less is unbounded.
func New(capacity int) *Mailbox {
	if capacity < 0 {
		capacity = 0
	}
	return &Mailbox{capacity: capacity}
}

// Push appends m. System messages are never refused, so exit signals cannot
// be lost to backpressure.
func (mb *Mailbox) Push(m *Message) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.capacity > 0 && mb.count >= mb.capacity && !m.IsSystem() {
		mb.rejected++
		return ErrMailboxFull
	}
	m.next = nil
	if mb.tail == nil {
		mb.head = m
	} else {
		mb.tail.next = m
	}
	mb.tail = m
	mb.count++
	mb.pushed++
	return nil
}

// Pop removes the oldest message.
func (mb *Mailbox) Pop() (*Message, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	m := mb.head
	if m == nil {
		return nil, false
	}
	mb.unlink(nil, m)
	return m, true
}

// TakeMatch removes the oldest message for which match returns true,
// leaving the others in order.
func (mb *Mailbox) TakeMatch(match func(*Message) bool) (*Message, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	var prev *Message
	for m := mb.head; m != nil; prev, m = m, m.next {
		if match(m) {
			mb.unlink(prev, m)
			return m, true
		}
	}
	return nil, false
}

// Has reports whether any queued message satisfies match.
func (mb *Mailbox) Has(match func(*Message) bool) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	for m := mb.head; m != nil; m = m.next {
		if match == nil || match(m) {
			return true
		}
	}
	return false
}

func (mb *Mailbox) unlink(prev, m *Message) {
	if prev == nil {
		mb.head = m.next
	} else {
		prev.next = m.next
	}
	if mb.tail == m {
		mb.tail = prev
	}
	m.next = nil
	mb.count--
	mb.taken++
}

// Drain removes and returns every queued message.
func (mb *Mailbox) Drain() []*Message {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	out := make([]*Message, 0, mb.count)
	for m := mb.head; m != nil; {
		next := m.next
		m.next = nil
		out = append(out, m)
		m = next
	}
	mb.taken += uint64(len(out))
	mb.head, mb.tail, mb.count = nil, nil, 0
	return out
}

// Len returns the number of queued messages.
func (mb *Mailbox) Len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.count
}

// Capacity returns the configured capacity, 0 when unbounded.
func (mb *Mailbox) Capacity() int { return mb.capacity }

// Stats holds mailbox counters.
type Stats struct {
	Queued   int
	Pushed   uint64
	Taken    uint64
	Rejected uint64
}

// Stats returns a snapshot of the mailbox counters.
func (mb *Mailbox) Stats() Stats {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return Stats{Queued: mb.count, Pushed: mb.pushed, Taken: mb.taken, Rejected: mb.rejected}
}

// IsUser matches user messages.
func IsUser(m *Message) bool { return m.Kind == User }

// IsSystem matches exit and down messages.
func IsSystem(m *Message) bool { return m.Kind != User }
