package mailbox

import (
	"errors"
	"sync"
	"testing"

	"github.com/chazu/agim/heap"
)

func intMessage(n int64) *Message {
	return &Message{Sender: 1, Payload: heap.PrimitivePacket(heap.Int(n))}
}

func TestSum(t *testing.T) {
	const n = 10000
	mb := New(0)
	for i := int64(0); i < n; i++ {
		if err := mb.Push(intMessage(i)); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}
	if mb.Len() != n {
		t.Fatalf("Len() = %d, want %d", mb.Len(), n)
	}

	var sum int64
	for {
		m, ok := mb.Pop()
		if !ok {
			break
		}
		sum += m.Payload.Imm.AsInt()
	}
	if sum != n*(n-1)/2 {
		t.Errorf("sum = %d, want %d", sum, n*(n-1)/2)
	}
	if mb.Len() != 0 {
		t.Errorf("Len() = %d after draining", mb.Len())
	}
}

func TestFIFO(t *testing.T) {
	mb := New(0)
	for i := int64(0); i < 5; i++ {
		mb.Push(intMessage(i))
	}
	for i := int64(0); i < 5; i++ {
		m, ok := mb.Pop()
		if !ok || m.Payload.Imm.AsInt() != i {
			t.Fatalf("Pop() #%d = %v, %v", i, m, ok)
		}
	}
	if _, ok := mb.Pop(); ok {
		t.Error("Pop() on empty mailbox succeeded")
	}
}

func TestCapacity(t *testing.T) {
	mb := New(2)
	mb.Push(intMessage(1))
	mb.Push(intMessage(2))
	if err := mb.Push(intMessage(3)); !errors.Is(err, ErrMailboxFull) {
		t.Errorf("Push over capacity = %v, want ErrMailboxFull", err)
	}
	if err := mb.Push(&Message{Sender: 9, Kind: Exit}); err != nil {
		t.Errorf("system message refused: %v", err)
	}
	st := mb.Stats()
	if st.Queued != 3 || st.Rejected != 1 || st.Pushed != 3 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestTakeMatch(t *testing.T) {
	mb := New(0)
	mb.Push(intMessage(1))
	mb.Push(&Message{Sender: 7, Kind: Down})
	mb.Push(intMessage(2))
	mb.Push(&Message{Sender: 8, Kind: Exit})

	m, ok := mb.TakeMatch(IsSystem)
	if !ok || m.Sender != 7 {
		t.Fatalf("TakeMatch(IsSystem) = %v, %v; want the down message", m, ok)
	}
	m, ok = mb.TakeMatch(IsSystem)
	if !ok || m.Sender != 8 {
		t.Fatalf("second TakeMatch(IsSystem) = %v, %v; want the exit message", m, ok)
	}
	if _, ok := mb.TakeMatch(IsSystem); ok {
		t.Error("TakeMatch found a third system message")
	}

	// User messages keep their order, and the tail is still valid.
	mb.Push(intMessage(3))
	for want := int64(1); want <= 3; want++ {
		m, ok := mb.Pop()
		if !ok || m.Payload.Imm.AsInt() != want {
			t.Fatalf("Pop() = %v, %v; want %d", m, ok, want)
		}
	}
}

func TestHasAndDrain(t *testing.T) {
	mb := New(0)
	if mb.Has(nil) {
		t.Error("empty mailbox reports messages")
	}
	mb.Push(intMessage(1))
	mb.Push(intMessage(2))
	if !mb.Has(IsUser) || mb.Has(IsSystem) {
		t.Error("Has() misclassified the queued messages")
	}
	if got := mb.Drain(); len(got) != 2 {
		t.Errorf("Drain() returned %d messages, want 2", len(got))
	}
	if mb.Len() != 0 {
		t.Error("mailbox not empty after Drain")
	}
}

func TestConcurrentSendersKeepPerSenderOrder(t *testing.T) {
	const senders, each = 8, 500
	mb := New(0)

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				mb.Push(&Message{Sender: heap.PID(s + 1), Payload: heap.PrimitivePacket(heap.Int(int64(i)))})
			}
		}(s)
	}
	wg.Wait()

	next := make(map[heap.PID]int64)
	for {
		m, ok := mb.Pop()
		if !ok {
			break
		}
		if got := m.Payload.Imm.AsInt(); got != next[m.Sender] {
			t.Fatalf("sender %d: got %d, want %d", m.Sender, got, next[m.Sender])
		}
		next[m.Sender]++
	}
	for s := heap.PID(1); s <= senders; s++ {
		if next[s] != each {
			t.Errorf("sender %d delivered %d, want %d", s, next[s], each)
		}
	}
}

func TestSlab(t *testing.T) {
	s := NewSlab()
	seen := make(map[*Message]bool)
	for i := 0; i < 3*slabSize; i++ {
		m := s.Get()
		if seen[m] {
			t.Fatal("slab handed out a message twice")
		}
		seen[m] = true
	}
	if s.Allocated() != 3*slabSize {
		t.Errorf("Allocated() = %d", s.Allocated())
	}
}
