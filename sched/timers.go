package sched

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/agim/block"
)

// ---------------------------------------------------------------------------
// Timers: receive deadlines
// ---------------------------------------------------------------------------

// DefaultTimerResolution is how often the timer loop checks for expired
// receive deadlines.
const DefaultTimerResolution = time.Millisecond

type timerEntry struct {
	when time.Time
	b    *block.Block
}

type timerQueue []timerEntry

func (q timerQueue) Len() int           { return len(q) }
func (q timerQueue) Less(i, j int) bool { return q[i].when.Before(q[j].when) }
func (q timerQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *timerQueue) Push(x any)        { *q = append(*q, x.(timerEntry)) }
func (q *timerQueue) Pop() any {
	old := *q
	e := old[len(old)-1]
	old[len(old)-1] = timerEntry{}
	*q = old[:len(old)-1]
	return e
}

// timers wakes waiting blocks whose receive deadline has passed. Entries
// are never removed early: a block that got a message first, or re-armed
// its deadline, simply fails the deadline check when its entry fires.
type timers struct {
	wake       func(*block.Block)
	resolution time.Duration

	mu    sync.Mutex
	queue timerQueue

	life    sync.Mutex // protects start/stop lifecycle
	stop    chan struct{}
	stopped chan struct{}

	fired atomic.Uint64
}

func newTimers(resolution time.Duration, wake func(*block.Block)) *timers {
	if resolution <= 0 {
		resolution = DefaultTimerResolution
	}
	return &timers{wake: wake, resolution: resolution}
}

// Add schedules a deadline check for b at when.
func (t *timers) Add(b *block.Block, when time.Time) {
	t.mu.Lock()
	heap.Push(&t.queue, timerEntry{when: when, b: b})
	t.mu.Unlock()
}

// pruneLocked drops leading entries that can no longer wake anything: the
// block is gone or its deadline was disarmed or moved.
func (t *timers) pruneLocked() {
	for len(t.queue) > 0 {
		e := t.queue[0]
		if e.b.IsAlive() {
			if when, armed := e.b.Deadline(); armed && when.Equal(e.when) {
				return
			}
		}
		heap.Pop(&t.queue)
	}
}

// Pending returns the number of scheduled checks.
func (t *timers) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	return len(t.queue)
}

// Next returns the earliest scheduled check.
func (t *timers) Next() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	if len(t.queue) == 0 {
		return time.Time{}, false
	}
	return t.queue[0].when, true
}

// FireDue wakes every block whose deadline is at or before now and returns
// how many were woken.
func (t *timers) FireDue(now time.Time) int {
	var due []*block.Block
	t.mu.Lock()
	for len(t.queue) > 0 && !t.queue[0].when.After(now) {
		e := heap.Pop(&t.queue).(timerEntry)
		due = append(due, e.b)
	}
	t.mu.Unlock()

	n := 0
	for _, b := range due {
		if !b.IsAlive() || !b.DeadlinePassed(now) {
			continue
		}
		t.wake(b)
		n++
	}
	t.fired.Add(uint64(n))
	return n
}

// Fired returns the number of deadlines that have woken a block.
func (t *timers) Fired() uint64 { return t.fired.Load() }

// Start launches the timer loop. Calling it while running is a no-op.
func (t *timers) Start() {
	t.life.Lock()
	defer t.life.Unlock()
	if t.stop != nil {
		return
	}
	t.stop = make(chan struct{})
	t.stopped = make(chan struct{})
	go t.loop(t.stop, t.stopped)
}

// Stop halts the timer loop and waits for it to exit.
func (t *timers) Stop() {
	t.life.Lock()
	stopCh, stoppedCh := t.stop, t.stopped
	t.stop, t.stopped = nil, nil
	t.life.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}
}

func (t *timers) loop(stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(t.resolution)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			t.FireDue(now)
		}
	}
}
