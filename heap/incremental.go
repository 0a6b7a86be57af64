package heap

import "time"

// IncState is the phase of an incremental collection.
type IncState uint8

const (
	IncIdle IncState = iota
	IncMarking
	IncSweeping
)

func (s IncState) String() string {
	switch s {
	case IncIdle:
		return "idle"
	case IncMarking:
		return "marking"
	case IncSweeping:
		return "sweeping"
	}
	return "unknown"
}

type incremental struct {
	state  IncState
	cursor *Object
	prev   **Object

	// objects allocated while sweeping; they sit marked at the head
	sweepAllocs int
	started     time.Time
	work        time.Duration
}

// InProgress reports whether an incremental cycle is running.
func (h *Heap) InProgress() bool { return h.inc.state != IncIdle }

// IncrementalState returns the current phase.
func (h *Heap) IncrementalState() IncState { return h.inc.state }

// ShouldStartIncremental reports whether allocation pressure has crossed the
// configured fraction of the collection threshold.
func (h *Heap) ShouldStartIncremental() bool {
	return h.inc.state == IncIdle &&
		float64(h.bytesAllocated) > h.cfg.GCThreshold*float64(h.nextGC)
}

// StartIncremental begins a cycle by marking the roots themselves. Their
// children are reached as the cursor walks the heap list. Does nothing if a
// cycle is already running.
func (h *Heap) StartIncremental(roots RootScanner) {
	if h.inc.state != IncIdle {
		return
	}
	h.inc = incremental{state: IncMarking, cursor: h.head, started: time.Now()}
	mark := func(v Value) {
		if o := h.Get(v); o != nil {
			o.setMarked(true)
		}
	}
	if roots != nil {
		roots.ScanRoots(mark)
	}
	for o := h.head; o != nil; o = o.next {
		if o.RefCount() > 0 {
			o.setMarked(true)
		}
	}
	log.Debugf("incremental gc started: %d objects, %d bytes", h.count, h.bytesAllocated)
}

// Step performs at most IncrementalStep units of work and reports whether the
// cycle is still running afterwards. The roots are rescanned when marking
// finishes.
func (h *Heap) Step(roots RootScanner) bool {
	start := time.Now()
	budget := h.cfg.IncrementalStep

	switch h.inc.state {
	case IncMarking:
		visit := func(c Value) { h.shade(c, false) }
		for budget > 0 && h.inc.cursor != nil {
			o := h.inc.cursor
			h.inc.cursor = o.next
			budget--
			if o.Marked() {
				o.forEachChild(visit)
				h.drain(false)
			}
		}
		if h.inc.cursor == nil {
			h.finishMark(roots)
		}

	case IncSweeping:
		for budget > 0 && *h.inc.prev != nil {
			budget--
			h.inc.prev = h.sweepOne(h.inc.prev, nil)
		}
		if *h.inc.prev == nil {
			h.finishSweep()
		}
	}

	h.inc.work += time.Since(start)
	return h.inc.state != IncIdle
}

// Complete runs steps until the current cycle ends.
func (h *Heap) Complete(roots RootScanner) {
	for h.Step(roots) {
	}
}

// finishMark rescans the roots to catch references the mutator moved there
// during marking, then switches to sweeping.
func (h *Heap) finishMark(roots RootScanner) {
	h.markRoots(roots, false)
	h.drain(false)
	h.inc.state = IncSweeping
	h.inc.prev = &h.head
	h.inc.cursor = nil
}

func (h *Heap) finishSweep() {
	// Objects allocated during the sweep were linked ahead of it marked.
	o := h.head
	for i := 0; i < h.inc.sweepAllocs && o != nil; i++ {
		o.setMarked(false)
		o = o.next
	}
	h.afterFull()

	h.stats.IncrementalCycles++
	h.stats.Collections++
	h.stats.PauseTotal += h.inc.work
	log.Debugf("incremental gc finished in %s (%s working): %d objects, %d bytes, next at %d",
		time.Since(h.inc.started), h.inc.work, h.count, h.bytesAllocated, h.nextGC)
	h.inc = incremental{}
}

// abortIncremental abandons a running cycle without freeing anything.
func (h *Heap) abortIncremental() {
	if h.inc.state == IncIdle {
		return
	}
	for o := h.head; o != nil; o = o.next {
		o.setMarked(false)
	}
	h.gray = h.gray[:0]
	h.inc = incremental{}
}
