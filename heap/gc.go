package heap

import "time"

// Stats is a snapshot of heap and collector counters.
type Stats struct {
	Generational bool
	Incremental  IncState

	Objects        int
	BytesAllocated int64
	NextGC         int64
	MaxHeapSize    int64

	YoungObjects   int
	OldObjects     int
	YoungBytes     int64
	OldBytes       int64
	YoungThreshold int64
	RememberSize   int
	NeedsFullGC    bool

	Allocations       uint64
	Collections       uint64
	MinorCollections  uint64
	FullCollections   uint64
	IncrementalCycles uint64
	Freed             uint64
	FreedBytes        int64
	Promoted          uint64
	Pinned            uint64
	PauseTotal        time.Duration
}

// Stats returns a snapshot of the heap counters.
func (h *Heap) Stats() Stats {
	s := h.stats
	s.Incremental = h.inc.state
	s.Objects = h.count
	s.BytesAllocated = h.bytesAllocated
	s.NextGC = h.nextGC
	s.MaxHeapSize = h.cfg.MaxHeapSize
	s.YoungObjects = h.youngCount
	s.OldObjects = h.oldCount
	s.YoungBytes = h.youngBytes
	s.OldBytes = h.oldBytes
	s.YoungThreshold = h.youngThreshold
	s.RememberSize = len(h.rset)
	s.NeedsFullGC = h.needsFullGC
	return s
}

// ---------------------------------------------------------------------------
// Marking
// ---------------------------------------------------------------------------

// shade marks the object v refers to and queues it for scanning. In a minor
// collection old objects are neither marked nor scanned.
func (h *Heap) shade(v Value, youngOnly bool) {
	o := h.Get(v)
	if o == nil || o.Marked() {
		return
	}
	if youngOnly && o.IsOld() {
		return
	}
	o.setMarked(true)
	h.gray = append(h.gray, o)
}

// drain scans queued objects until the worklist is empty.
func (h *Heap) drain(youngOnly bool) {
	visit := func(c Value) { h.shade(c, youngOnly) }
	for len(h.gray) > 0 {
		n := len(h.gray) - 1
		o := h.gray[n]
		h.gray[n] = nil
		h.gray = h.gray[:n]
		o.forEachChild(visit)
	}
}

// MarkValue marks v and everything reachable from it.
func (h *Heap) MarkValue(v Value) {
	h.shade(v, false)
	h.drain(false)
}

// MarkRoots marks everything reachable from the given roots.
func (h *Heap) MarkRoots(roots RootScanner) {
	h.markRoots(roots, false)
	h.drain(false)
}

func (h *Heap) markRoots(roots RootScanner, youngOnly bool) {
	if roots != nil {
		roots.ScanRoots(func(v Value) { h.shade(v, youngOnly) })
	}
	// Objects with outside holders act as roots for what they reference.
	for o := h.head; o != nil; o = o.next {
		if youngOnly && o.IsOld() {
			continue
		}
		if o.RefCount() > 0 && !o.Marked() {
			o.setMarked(true)
			h.gray = append(h.gray, o)
		}
	}
}

// ---------------------------------------------------------------------------
// Sweeping
// ---------------------------------------------------------------------------

// sweepOne processes the object at *prev and returns the link to continue
// from. The object is unlinked when unmarked and claimable.
func (h *Heap) sweepOne(prev **Object, promoted *[]*Object) **Object {
	o := *prev
	if o.Marked() {
		o.setMarked(false)
		h.survived(o, promoted)
		return &o.next
	}
	if !o.claim() {
		// A holder appeared after marking; keep it for this cycle.
		h.stats.Pinned++
		return &o.next
	}
	*prev = o.next
	h.release(o)
	return prev
}

func (h *Heap) sweep(youngOnly bool) []*Object {
	var promoted []*Object
	prev := &h.head
	for *prev != nil {
		if youngOnly && (*prev).IsOld() {
			prev = &(*prev).next
			continue
		}
		prev = h.sweepOne(prev, &promoted)
	}
	return promoted
}

func (h *Heap) survived(o *Object, promoted *[]*Object) {
	if !h.cfg.Generational || o.IsOld() {
		return
	}
	if o.survive() < h.cfg.PromotionThreshold {
		return
	}
	o.gcState |= gcOld
	h.youngCount--
	h.youngBytes -= o.size
	h.oldCount++
	h.oldBytes += o.size
	h.stats.Promoted++
	if promoted != nil {
		*promoted = append(*promoted, o)
	}
}

// release drops an unlinked object from the heap accounting.
func (h *Heap) release(o *Object) {
	h.objects[o.handle] = nil
	h.free = append(h.free, o.handle)

	h.count--
	h.bytesAllocated -= o.size
	if o.IsOld() {
		h.oldCount--
		h.oldBytes -= o.size
	} else {
		h.youngCount--
		h.youngBytes -= o.size
	}
	if h.bytesAllocated < 0 || h.youngBytes < 0 || h.oldBytes < 0 {
		invariant("negative byte count after freeing %s (%d bytes)", o.Kind, o.size)
	}
	h.stats.Freed++
	h.stats.FreedBytes += o.size

	o.next = nil
	o.Items = nil
	o.Map = nil
	o.Upvalues = nil
	o.Bytes = nil
}

// ---------------------------------------------------------------------------
// Collections
// ---------------------------------------------------------------------------

// Collect performs the collection appropriate to the current mode: a minor
// collection when generational, otherwise a full one. An incremental cycle in
// progress is completed instead.
func (h *Heap) Collect(roots RootScanner) {
	if h.inc.state != IncIdle {
		h.Complete(roots)
		return
	}
	if h.cfg.Generational {
		h.CollectYoung(roots)
		return
	}
	h.CollectFull(roots)
}

// CollectFull marks and sweeps both generations.
func (h *Heap) CollectFull(roots RootScanner) {
	if h.inc.state != IncIdle {
		h.Complete(roots)
		return
	}
	start := time.Now()
	before, count := h.bytesAllocated, h.count

	h.markRoots(roots, false)
	h.drain(false)
	h.sweep(false)
	h.afterFull()

	h.stats.FullCollections++
	h.pause(start)
	log.Debugf("full gc: %d -> %d bytes, %d -> %d objects, next at %d",
		before, h.bytesAllocated, count, h.count, h.nextGC)
}

// afterFull resets generational bookkeeping and the threshold after a cycle
// that covered the whole heap.
func (h *Heap) afterFull() {
	h.clearRemembered()
	h.needsFullGC = false
	if h.cfg.Generational {
		for o := h.head; o != nil; o = o.next {
			h.rememberIfYoungRefs(o)
		}
	}
	h.nextGC = min(max(2*h.bytesAllocated, h.cfg.InitialHeapSize), h.cfg.MaxHeapSize)
}

// CollectYoung marks from the roots and the remember set without entering the
// old generation, then sweeps young objects only. Falls back to a full
// collection when not generational or when the remember set overflowed.
func (h *Heap) CollectYoung(roots RootScanner) {
	if !h.cfg.Generational || h.needsFullGC || h.inc.state != IncIdle {
		h.CollectFull(roots)
		return
	}
	start := time.Now()
	before := h.youngBytes

	h.markRoots(roots, true)
	visit := func(c Value) { h.shade(c, true) }
	for _, o := range h.rset {
		o.forEachChild(visit)
	}
	h.drain(true)

	candidates := h.rset
	h.rset = nil
	for _, o := range candidates {
		o.setRemembered(false)
	}
	promoted := h.sweep(true)

	// Old objects may still point at survivors that were not promoted.
	for _, o := range candidates {
		h.rememberIfYoungRefs(o)
	}
	for _, o := range promoted {
		h.rememberIfYoungRefs(o)
	}

	h.youngThreshold = min(max(2*h.youngThreshold, minYoungThreshold), h.cfg.MaxHeapSize)
	h.stats.MinorCollections++
	h.pause(start)
	log.Debugf("minor gc: young %d -> %d bytes, %d promoted, remember set %d",
		before, h.youngBytes, len(promoted), len(h.rset))
}

func (h *Heap) pause(start time.Time) {
	h.stats.Collections++
	h.stats.PauseTotal += time.Since(start)
}

// ---------------------------------------------------------------------------
// Write barrier and remember set
// ---------------------------------------------------------------------------

// WriteBarrier must be called after storing v into container. It keeps the
// remember set complete in generational mode and shades v while an
// incremental mark is running.
func (h *Heap) WriteBarrier(container *Object, v Value) {
	if !v.IsObject() {
		return
	}
	if h.inc.state == IncMarking {
		h.MarkValue(v)
	}
	if !h.cfg.Generational || !container.IsOld() || container.IsRemembered() {
		return
	}
	if t := h.Get(v); t != nil && !t.IsOld() {
		h.remember(container)
	}
}

func (h *Heap) remember(o *Object) {
	if h.needsFullGC {
		return
	}
	if len(h.rset) >= h.cfg.MaxRememberSize {
		h.needsFullGC = true
		log.Debugf("remember set full at %d entries, next allocation runs a full gc", len(h.rset))
		return
	}
	o.setRemembered(true)
	h.rset = append(h.rset, o)
}

func (h *Heap) rememberIfYoungRefs(o *Object) {
	if !o.IsOld() || o.IsRemembered() {
		return
	}
	young := false
	o.forEachChild(func(c Value) {
		if t := h.Get(c); t != nil && !t.IsOld() {
			young = true
		}
	})
	if young {
		h.remember(o)
	}
}

func (h *Heap) clearRemembered() {
	for _, o := range h.rset {
		o.setRemembered(false)
	}
	h.rset = h.rset[:0]
}

// Remembered returns the number of objects in the remember set.
func (h *Heap) Remembered() int { return len(h.rset) }
