package sched

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/agim/block"
	"github.com/chazu/agim/mailbox"
)

// Idle behaviour of a worker that finds no work.
const (
	spinLimit                = 64
	terminationCheckInterval = 16
	minBackoff               = 10 * time.Microsecond
	maxBackoff               = time.Millisecond
)

// WorkerStats is a snapshot of one worker's counters.
type WorkerStats struct {
	ID               int
	Slices           uint64
	StealsAttempted  uint64
	StealsSuccessful uint64
	Sleeps           uint64
	Queued           int
}

// Worker runs blocks from its own deque and steals from its peers when the
// deque is empty. Blocks handed to a worker from another goroutine land in
// its inbox and are moved to the deque by the worker itself.
type Worker struct {
	id    int
	s     *Scheduler
	deque *Deque[block.Block]
	slab  *mailbox.Slab
	rng   uint64

	inboxMu  sync.Mutex
	inbox    []*block.Block
	hasInbox atomic.Bool

	slices           atomic.Uint64
	stealsAttempted  atomic.Uint64
	stealsSuccessful atomic.Uint64
	sleeps           atomic.Uint64
}

func newWorker(id int, s *Scheduler) *Worker {
	return &Worker{
		id:    id,
		s:     s,
		deque: NewDeque[block.Block](),
		slab:  mailbox.NewSlab(),
		rng:   uint64(id)*0x9E3779B97F4A7C15 + 1,
	}
}

// ID returns the worker's index.
func (w *Worker) ID() int { return w.id }

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() WorkerStats {
	w.inboxMu.Lock()
	inbox := len(w.inbox)
	w.inboxMu.Unlock()
	return WorkerStats{
		ID:               w.id,
		Slices:           w.slices.Load(),
		StealsAttempted:  w.stealsAttempted.Load(),
		StealsSuccessful: w.stealsSuccessful.Load(),
		Sleeps:           w.sleeps.Load(),
		Queued:           w.deque.Len() + inbox,
	}
}

// rand is xorshift64.
func (w *Worker) rand() uint64 {
	x := w.rng
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	w.rng = x
	return x
}

// inject hands b to the worker from another goroutine.
func (w *Worker) inject(b *block.Block) {
	w.inboxMu.Lock()
	w.inbox = append(w.inbox, b)
	w.hasInbox.Store(true)
	w.inboxMu.Unlock()
}

// drainInbox moves injected blocks onto the deque. Only the owner calls it.
func (w *Worker) drainInbox() {
	if !w.hasInbox.Load() {
		return
	}
	w.inboxMu.Lock()
	pending := w.inbox
	w.inbox = nil
	w.hasInbox.Store(false)
	w.inboxMu.Unlock()
	for _, b := range pending {
		w.deque.Push(b)
	}
}

// takeInbox removes the oldest injected block. Thieves use it when a busy
// worker has not drained its inbox yet.
func (w *Worker) takeInbox() (*block.Block, bool) {
	if !w.hasInbox.Load() {
		return nil, false
	}
	w.inboxMu.Lock()
	defer w.inboxMu.Unlock()
	if len(w.inbox) == 0 {
		return nil, false
	}
	b := w.inbox[0]
	w.inbox[0] = nil
	w.inbox = w.inbox[1:]
	w.hasInbox.Store(len(w.inbox) > 0)
	return b, true
}

func (w *Worker) next() (*block.Block, bool) {
	w.drainInbox()
	if b, ok := w.deque.Pop(); ok {
		return b, true
	}
	if !w.s.cfg.EnableStealing || len(w.s.workers) < 2 {
		return nil, false
	}
	return w.steal()
}

// steal tries every peer once, starting from a random victim.
func (w *Worker) steal() (*block.Block, bool) {
	peers := w.s.workers
	n := len(peers)
	start := int(w.rand() % uint64(n))
	for i := range n {
		victim := peers[(start+i)%n]
		if victim == w {
			continue
		}
		w.stealsAttempted.Add(1)
		if b, ok := victim.deque.Steal(); ok {
			w.stealsSuccessful.Add(1)
			return b, true
		}
		if b, ok := victim.takeInbox(); ok {
			w.stealsSuccessful.Add(1)
			return b, true
		}
	}
	return nil, false
}

// run is the worker loop. It returns when the scheduler stops, when every
// spawned block has terminated or nothing can run again, or when ctx is
// cancelled.
func (w *Worker) run(ctx context.Context) error {
	idle := 0
	backoff := minBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.s.stopping.Load() {
			return nil
		}

		if b, ok := w.next(); ok {
			idle, backoff = 0, minBackoff
			w.slices.Add(1)
			w.s.runSlice(w, b)
			continue
		}

		idle++
		if idle%terminationCheckInterval == 0 && w.s.finished() {
			return nil
		}
		if idle < spinLimit {
			runtime.Gosched()
			continue
		}
		w.sleeps.Add(1)
		time.Sleep(backoff)
		backoff = min(backoff*2, maxBackoff)
	}
}
