package heap

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("agim.gc")

// ErrHeapLimit is returned when an allocation would exceed the heap's hard cap
// even after collecting.
var ErrHeapLimit = errors.New("heap limit exceeded")

// Config controls heap sizing and collector behaviour.
type Config struct {
	InitialHeapSize    int64   // first collection threshold, in bytes
	MaxHeapSize        int64   // hard cap, in bytes
	GrowthFactor       float64 // threshold growth when allocating without roots
	GCThreshold        float64 // fraction of next_gc that starts an incremental cycle
	IncrementalStep    int     // objects processed per incremental step
	MaxRememberSize    int     // remember set capacity before forcing a full collection
	PromotionThreshold int     // survivals before a young object is promoted
	Generational       bool
}

// DefaultConfig returns the defaults sized for a large number of small blocks.
func DefaultConfig() Config {
	return Config{
		InitialHeapSize:    16 * 1024,
		MaxHeapSize:        1024 * 1024,
		GrowthFactor:       1.5,
		GCThreshold:        0.75,
		IncrementalStep:    100,
		MaxRememberSize:    1024,
		PromotionThreshold: 2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialHeapSize <= 0 {
		c.InitialHeapSize = d.InitialHeapSize
	}
	if c.MaxHeapSize <= 0 {
		c.MaxHeapSize = d.MaxHeapSize
	}
	if c.InitialHeapSize > c.MaxHeapSize {
		c.InitialHeapSize = c.MaxHeapSize
	}
	if c.GrowthFactor <= 1 {
		c.GrowthFactor = d.GrowthFactor
	}
	if c.GCThreshold <= 0 || c.GCThreshold > 1 {
		c.GCThreshold = d.GCThreshold
	}
	if c.IncrementalStep <= 0 {
		c.IncrementalStep = d.IncrementalStep
	}
	if c.MaxRememberSize <= 0 {
		c.MaxRememberSize = d.MaxRememberSize
	}
	if c.PromotionThreshold <= 0 {
		c.PromotionThreshold = d.PromotionThreshold
	}
	return c
}

// minYoungThreshold is the floor for the young generation trigger.
const minYoungThreshold = 4 * 1024

// RootScanner reports the roots of the mutator that owns a heap.
type RootScanner interface {
	ScanRoots(visit func(Value))
}

// RootFunc adapts a function to RootScanner.
type RootFunc func(visit func(Value))

func (f RootFunc) ScanRoots(visit func(Value)) { f(visit) }

// Heap is a per-block object heap with a tracing collector. A Heap is owned by
// one goroutine at a time and is not safe for concurrent use, except for
// Object.Retain/Release.
type Heap struct {
	cfg Config

	head    *Object
	objects []*Object // handle table; slot 0 is never used
	free    []Handle

	count          int
	bytesAllocated int64
	nextGC         int64

	// generational
	youngCount     int
	oldCount       int
	youngBytes     int64
	oldBytes       int64
	youngThreshold int64
	rset           []*Object
	needsFullGC    bool

	gray []*Object
	inc  incremental

	stats Stats
}

// New creates a heap.
func New(cfg Config) *Heap {
	cfg = cfg.withDefaults()
	h := &Heap{
		cfg:            cfg,
		objects:        make([]*Object, 1, 64),
		nextGC:         cfg.InitialHeapSize,
		youngThreshold: max(cfg.InitialHeapSize/2, minYoungThreshold),
	}
	if h.youngThreshold > cfg.MaxHeapSize {
		h.youngThreshold = cfg.MaxHeapSize
	}
	h.stats.Generational = cfg.Generational
	return h
}

// Config returns the effective configuration.
func (h *Heap) Config() Config { return h.cfg }

// SetGenerational switches generational mode. Turning it off promotes nothing
// and clears the remember set; turning it on treats every object as young.
func (h *Heap) SetGenerational(on bool) {
	if h.cfg.Generational == on {
		return
	}
	h.abortIncremental()
	h.cfg.Generational = on
	h.stats.Generational = on
	h.clearRemembered()
	h.needsFullGC = false
	for o := h.head; o != nil; o = o.next {
		o.gcState &^= gcOld | survivalMask
	}
	h.youngCount, h.youngBytes = h.count, h.bytesAllocated
	h.oldCount, h.oldBytes = 0, 0
}

// Generational reports whether generational mode is on.
func (h *Heap) Generational() bool { return h.cfg.Generational }

// BytesAllocated returns the bytes charged for live and not yet swept objects.
func (h *Heap) BytesAllocated() int64 { return h.bytesAllocated }

// Count returns the number of objects on the heap list.
func (h *Heap) Count() int { return h.count }

// NextGC returns the current collection threshold.
func (h *Heap) NextGC() int64 { return h.nextGC }

// NeedsFullGC reports whether the remember set overflowed.
func (h *Heap) NeedsFullGC() bool { return h.needsFullGC }

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Alloc allocates an object without a root context. When the threshold is
// reached it is grown instead of collecting.
func (h *Heap) Alloc(kind Kind) (*Object, error) {
	return h.alloc(kind, 0, nil)
}

// AllocWithGC allocates an object, collecting first if the heap is under
// pressure. Returns ErrHeapLimit if the hard cap is still exceeded.
func (h *Heap) AllocWithGC(kind Kind, roots RootScanner) (*Object, error) {
	return h.alloc(kind, 0, roots)
}

func (h *Heap) alloc(kind Kind, extra int64, roots RootScanner) (*Object, error) {
	size := SizeOf(kind) + extra
	if roots == nil {
		if h.bytesAllocated+size > h.nextGC {
			h.nextGC = min(int64(float64(h.nextGC)*h.cfg.GrowthFactor), h.cfg.MaxHeapSize)
		}
	} else {
		if h.needsFullGC {
			h.CollectFull(roots)
		}
		if h.cfg.Generational && h.youngBytes+size > h.youngThreshold {
			h.CollectYoung(roots)
		}
		if h.bytesAllocated+size > h.nextGC {
			h.Collect(roots)
			if h.cfg.Generational && h.bytesAllocated+size > h.nextGC {
				h.CollectFull(roots)
			}
		}
	}
	if h.bytesAllocated+size > h.cfg.MaxHeapSize {
		log.Warningf("allocation of %d bytes (%s) refused: %d of %d in use",
			size, kind, h.bytesAllocated, h.cfg.MaxHeapSize)
		return nil, fmt.Errorf("allocating %s: %w", kind, ErrHeapLimit)
	}

	o := &Object{Kind: kind, size: size}
	h.link(o)
	return o, nil
}

// link places o at the head of the list and in the handle table.
func (h *Heap) link(o *Object) {
	if n := len(h.free); n > 0 {
		o.handle = h.free[n-1]
		h.free = h.free[:n-1]
		h.objects[o.handle] = o
	} else {
		o.handle = Handle(len(h.objects))
		h.objects = append(h.objects, o)
	}
	o.next = h.head
	h.head = o

	h.count++
	h.bytesAllocated += o.size
	h.youngCount++
	h.youngBytes += o.size
	h.stats.Allocations++

	switch h.inc.state {
	case IncMarking:
		// Allocated black: the cursor never revisits the head.
		o.setMarked(true)
	case IncSweeping:
		o.setMarked(true)
		h.inc.sweepAllocs++
	}
}

// Get returns the object a value refers to, or nil if v is not a live object
// of this heap.
func (h *Heap) Get(v Value) *Object {
	if !v.IsObject() {
		return nil
	}
	hd := v.AsHandle()
	if hd == 0 || int(hd) >= len(h.objects) {
		return nil
	}
	return h.objects[hd]
}

// Each calls fn for every object on the heap list, newest first.
func (h *Heap) Each(fn func(*Object)) {
	for o := h.head; o != nil; o = o.next {
		fn(o)
	}
}

// ---------------------------------------------------------------------------
// Invariants
// ---------------------------------------------------------------------------

func invariant(format string, args ...any) {
	panic(fmt.Sprintf("InvariantViolation: heap: "+format, args...))
}

// Verify walks the heap list and checks the accounting invariants.
func (h *Heap) Verify() error {
	var n, young, old int
	var bytes, yBytes, oBytes int64
	for o := h.head; o != nil; o = o.next {
		n++
		bytes += o.size
		if o.IsOld() {
			old++
			oBytes += o.size
		} else {
			young++
			yBytes += o.size
		}
		if h.objects[o.handle] != o {
			return fmt.Errorf("object %d not in handle table", o.handle)
		}
	}
	switch {
	case n != h.count:
		return fmt.Errorf("list length %d, count %d", n, h.count)
	case bytes != h.bytesAllocated:
		return fmt.Errorf("list bytes %d, bytes_allocated %d", bytes, h.bytesAllocated)
	case young+old != n || young != h.youngCount || old != h.oldCount:
		return fmt.Errorf("young %d/%d old %d/%d", young, h.youngCount, old, h.oldCount)
	case yBytes != h.youngBytes || oBytes != h.oldBytes:
		return fmt.Errorf("young bytes %d/%d old bytes %d/%d", yBytes, h.youngBytes, oBytes, h.oldBytes)
	}
	return nil
}
