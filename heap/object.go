package heap

import (
	"fmt"
	"sync/atomic"
)

// Kind identifies the payload carried by a heap Object.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindMap
	KindBytes
	KindVector
	KindFunction
	KindClosure
	KindPID
	KindResult
	KindOption
	KindStruct
	KindEnum
)

var kindNames = [...]string{
	KindNil:      "nil",
	KindBool:     "bool",
	KindInt:      "int",
	KindFloat:    "float",
	KindString:   "string",
	KindArray:    "array",
	KindMap:      "map",
	KindBytes:    "bytes",
	KindVector:   "vector",
	KindFunction: "function",
	KindClosure:  "closure",
	KindPID:      "pid",
	KindResult:   "result",
	KindOption:   "option",
	KindStruct:   "struct",
	KindEnum:     "enum",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// objectHeaderSize approximates the fixed cost of one Object.
const objectHeaderSize = 48

// kindSize is the size estimate charged to bytes_allocated for each kind,
// before any variable payload.
var kindSize = [...]int64{
	KindNil:      objectHeaderSize,
	KindBool:     objectHeaderSize,
	KindInt:      objectHeaderSize + 8,
	KindFloat:    objectHeaderSize + 8,
	KindString:   objectHeaderSize + 16,
	KindArray:    objectHeaderSize + 24,
	KindMap:      objectHeaderSize + 40,
	KindBytes:    objectHeaderSize + 24,
	KindVector:   objectHeaderSize + 24,
	KindFunction: objectHeaderSize + 16,
	KindClosure:  objectHeaderSize + 32,
	KindPID:      objectHeaderSize + 8,
	KindResult:   objectHeaderSize + 16,
	KindOption:   objectHeaderSize + 16,
	KindStruct:   objectHeaderSize + 40,
	KindEnum:     objectHeaderSize + 24,
}

// SizeOf returns the base size estimate for a kind.
func SizeOf(k Kind) int64 {
	if int(k) < len(kindSize) {
		return kindSize[k]
	}
	return objectHeaderSize
}

// refFreeing is the refcount sentinel a sweeper installs to claim an object.
const refFreeing uint32 = 0xFFFFFFFF

// gc_state bit layout
const (
	gcMarked     uint8 = 1 << 0
	gcOld        uint8 = 1 << 1
	gcRemembered uint8 = 1 << 2

	survivalShift       = 3
	survivalMask  uint8 = 0x1F << survivalShift
	maxSurvival         = 0x1F
)

// Object is a garbage-collected heap node. Objects form an intrusive singly
// linked list owned by their Heap.
type Object struct {
	Kind Kind

	refcount atomic.Uint32
	gcState  uint8
	next     *Object
	handle   Handle
	size     int64

	// Payload. Which fields are used depends on Kind.
	Str      string     // string; struct/enum type name
	Bytes    []byte     // bytes
	Items    []Value    // array, vector, struct fields, result/option/enum payload
	Num      Value      // boxed int/float/bool/pid; result ok flag; enum tag
	Map      *MapTable  // map
	Fn       int        // function/closure: function chunk index
	Upvalues []*Upvalue // closure
}

// Upvalue is a captured variable. While open it refers to a live stack slot
// of its VM; once closed it holds the value itself.
type Upvalue struct {
	Slot   int
	Closed bool
	Value  Value

	owners []*Object // closures sharing this upvalue
}

// Handle returns the object's handle in its heap.
func (o *Object) Handle() Handle { return o.handle }

// Value returns a Value referring to o.
func (o *Object) Value() Value { return FromHandle(o.handle) }

// Size returns the bytes charged for o.
func (o *Object) Size() int64 { return o.size }

// Marked reports the mark bit.
func (o *Object) Marked() bool { return o.gcState&gcMarked != 0 }

// IsOld reports whether o has been promoted to the old generation.
func (o *Object) IsOld() bool { return o.gcState&gcOld != 0 }

// IsRemembered reports whether o is in the remember set.
func (o *Object) IsRemembered() bool { return o.gcState&gcRemembered != 0 }

// SurvivalCount returns the number of collections o has survived while young.
func (o *Object) SurvivalCount() int {
	return int((o.gcState & survivalMask) >> survivalShift)
}

func (o *Object) setMarked(on bool) {
	if on {
		o.gcState |= gcMarked
	} else {
		o.gcState &^= gcMarked
	}
}

func (o *Object) setRemembered(on bool) {
	if on {
		o.gcState |= gcRemembered
	} else {
		o.gcState &^= gcRemembered
	}
}

// survive bumps the survival counter and returns the new count.
func (o *Object) survive() int {
	n := o.SurvivalCount()
	if n < maxSurvival {
		n++
	}
	o.gcState = (o.gcState &^ survivalMask) | uint8(n)<<survivalShift
	return n
}

// Retain records a holder outside the heap graph. Retained objects survive
// sweeps even when unreachable.
func (o *Object) Retain() {
	o.refcount.Add(1)
}

// Release drops a holder recorded by Retain.
func (o *Object) Release() {
	for {
		n := o.refcount.Load()
		if n == 0 || n == refFreeing {
			panic("heap: Release without Retain")
		}
		if o.refcount.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// RefCount returns the number of outstanding holders.
func (o *Object) RefCount() uint32 {
	return o.refcount.Load()
}

// claim attempts the 0 → FREEING transition that licenses freeing o.
func (o *Object) claim() bool {
	return o.refcount.CompareAndSwap(0, refFreeing)
}

// forEachChild calls fn for every Value directly referenced by o.
func (o *Object) forEachChild(fn func(Value)) {
	switch o.Kind {
	case KindArray, KindVector, KindStruct, KindResult, KindOption, KindEnum:
		for _, v := range o.Items {
			fn(v)
		}
	case KindMap:
		if o.Map != nil {
			o.Map.each(func(k, v Value) {
				fn(k)
				fn(v)
			})
		}
	case KindClosure:
		for _, uv := range o.Upvalues {
			if uv != nil && uv.Closed {
				fn(uv.Value)
			}
		}
	}
}
