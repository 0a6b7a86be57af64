package sched

import (
	"sync"
	"testing"
)

func items(n int) []*int {
	out := make([]*int, n)
	for i := range out {
		v := i
		out[i] = &v
	}
	return out
}

func TestDequeOwnerIsLIFO(t *testing.T) {
	d := NewDeque[int]()
	xs := items(10)
	for _, x := range xs {
		d.Push(x)
	}
	if d.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", d.Len())
	}
	for i := 9; i >= 0; i-- {
		x, ok := d.Pop()
		if !ok {
			t.Fatalf("Pop %d failed", i)
		}
		if *x != i {
			t.Errorf("Pop() = %d, want %d", *x, i)
		}
	}
	if _, ok := d.Pop(); ok {
		t.Error("Pop on empty deque succeeded")
	}
	if !d.Empty() {
		t.Error("deque not empty after popping everything")
	}
}

func TestDequeStealIsFIFO(t *testing.T) {
	d := NewDeque[int]()
	for _, x := range items(5) {
		d.Push(x)
	}
	for i := range 5 {
		x, ok := d.Steal()
		if !ok {
			t.Fatalf("Steal %d failed", i)
		}
		if *x != i {
			t.Errorf("Steal() = %d, want %d", *x, i)
		}
	}
	if _, ok := d.Steal(); ok {
		t.Error("Steal on empty deque succeeded")
	}
}

func TestDequeGrowRetiresBuffers(t *testing.T) {
	d := NewDeque[int]()
	xs := items(1000)
	for _, x := range xs {
		d.Push(x)
	}
	if d.Capacity() < 1000 {
		t.Errorf("Capacity() = %d, want at least 1000", d.Capacity())
	}
	held, dropped := d.Retired()
	if held > 2 {
		t.Errorf("%d retired buffers held, want at most 2", held)
	}
	if dropped != 2 {
		t.Errorf("%d retired buffers dropped, want 2", dropped)
	}
	for i := 999; i >= 0; i-- {
		x, ok := d.Pop()
		if !ok || *x != i {
			t.Fatalf("Pop() after growth = %v, %v; want %d", x, ok, i)
		}
	}
}

func TestDequeConcurrentStealsReturnEachItemOnce(t *testing.T) {
	const n = 20000
	const thieves = 4

	d := NewDeque[int]()
	xs := items(n)
	seen := make([]int, n)
	var mu sync.Mutex
	record := func(x *int) {
		mu.Lock()
		seen[*x]++
		mu.Unlock()
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	for range thieves {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if x, ok := d.Steal(); ok {
					record(x)
					continue
				}
				select {
				case <-done:
					// Drain what is left after the owner finished.
					for {
						x, ok := d.Steal()
						if !ok {
							if d.Empty() {
								return
							}
							continue
						}
						record(x)
					}
				default:
				}
			}
		}()
	}

	for i, x := range xs {
		d.Push(x)
		if i%3 == 0 {
			if y, ok := d.Pop(); ok {
				record(y)
			}
		}
	}
	close(done)
	wg.Wait()

	for i, c := range seen {
		if c != 1 {
			t.Fatalf("item %d returned %d times", i, c)
		}
	}
}

func TestDequeLenFromOtherGoroutines(t *testing.T) {
	const n = 20000

	d := NewDeque[int]()
	xs := items(n)
	done := make(chan struct{})
	var wg sync.WaitGroup
	bad := make(chan int, 1)

	// Workers read Len of other workers' deques while they run.
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if l := d.Len(); l < 0 || l > n {
					select {
					case bad <- l:
					default:
					}
				}
				d.Steal()
			}
		}()
	}

	for _, x := range xs {
		d.Push(x)
		d.Pop()
		d.Pop()
	}
	close(done)
	wg.Wait()

	select {
	case l := <-bad:
		t.Errorf("Len = %d during concurrent use, want 0..%d", l, n)
	default:
	}
	if d.Len() != 0 || !d.Empty() {
		t.Errorf("Len = %d after draining, want 0", d.Len())
	}
}
