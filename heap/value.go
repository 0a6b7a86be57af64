package heap

import (
	"fmt"
	"math"
)

// Value represents an Agim value using NaN-boxing.
//
// All values are 64-bit words. Any word whose top bits are not the quiet NaN
// prefix is an IEEE 754 double. Otherwise the top 16 bits select the type:
//   - Int:     0x7FFC + 48-bit two's-complement payload
//   - Object:  0x7FFD + 48-bit heap handle
//   - Special: 0x7FFE + nil/true/false payload
//   - PID:     0x7FFF + 48-bit unsigned block id
//
// Object handles are only meaningful relative to the Heap that issued them.
type Value uint64

// NaN-boxing constants
const (
	// Tag occupies the top 16 bits.
	tagMask uint64 = 0xFFFF000000000000

	// Payload mask: 48 bits for handle/int/pid
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	tagInt     uint64 = 0x7FFC000000000000
	tagObject  uint64 = 0x7FFD000000000000
	tagSpecial uint64 = 0x7FFE000000000000
	tagPID     uint64 = 0x7FFF000000000000

	// Sign bit for 48-bit integer sign extension
	intSignBit uint64 = 0x0000800000000000

	// Mask for sign extension
	intSignExtend uint64 = 0xFFFF000000000000

	// Canonical NaN stored for every float NaN so it never collides with a tag.
	canonicalNaN uint64 = 0x7FF8000000000000
)

// Special value payloads
const (
	specialNil   uint64 = 1
	specialTrue  uint64 = 2
	specialFalse uint64 = 3
)

// Pre-defined special values
const (
	Nil   Value = Value(tagSpecial | specialNil)
	True  Value = Value(tagSpecial | specialTrue)
	False Value = Value(tagSpecial | specialFalse)
)

// Int range (48-bit signed)
const (
	MaxInt int64 = (1 << 47) - 1 // 140,737,488,355,327
	MinInt int64 = -(1 << 47)    // -140,737,488,355,328
)

// PID identifies a block within one scheduler. PIDs are 48-bit and never reused.
type PID uint64

// InvalidPID is never assigned to a block.
const InvalidPID PID = 0

// MaxPID is the largest PID that fits in a Value payload.
const MaxPID PID = PID(payloadMask)

func (p PID) String() string {
	return fmt.Sprintf("<%d>", uint64(p))
}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsDouble reports whether v is a regular IEEE 754 double (including ±Inf and NaN).
// Every bit pattern outside the four tagged ranges is a double, so negative
// quiet NaNs count as doubles too.
func (v Value) IsDouble() bool {
	tag := uint64(v) & tagMask
	return tag < tagInt || tag > tagPID
}

// IsInt reports whether v is a 48-bit integer.
func (v Value) IsInt() bool {
	return uint64(v)&tagMask == tagInt
}

// IsNumber is true for ints and doubles.
func (v Value) IsNumber() bool {
	return v.IsInt() || v.IsDouble()
}

// IsObject reports whether v is a heap object handle.
func (v Value) IsObject() bool {
	return uint64(v)&tagMask == tagObject
}

// IsSpecial reports whether v is nil, true, or false.
func (v Value) IsSpecial() bool {
	return uint64(v)&tagMask == tagSpecial
}

// IsPID reports whether v is a block identifier.
func (v Value) IsPID() bool {
	return uint64(v)&tagMask == tagPID
}

func (v Value) IsNil() bool   { return v == Nil }
func (v Value) IsTrue() bool  { return v == True }
func (v Value) IsFalse() bool { return v == False }

// IsBool returns true if v is true or false.
func (v Value) IsBool() bool {
	return v == True || v == False
}

// ---------------------------------------------------------------------------
// Doubles
// ---------------------------------------------------------------------------

// Double creates a Value from a float64. NaNs are canonicalised.
func Double(f float64) Value {
	if math.IsNaN(f) {
		return Value(canonicalNaN)
	}
	return Value(math.Float64bits(f))
}

// AsDouble returns v as a float64.
// Panics if v is not a double.
func (v Value) AsDouble() float64 {
	if !v.IsDouble() {
		panic("Value.AsDouble: not a double")
	}
	return math.Float64frombits(uint64(v))
}

// AsNumber returns ints and doubles as float64.
func (v Value) AsNumber() (float64, bool) {
	switch {
	case v.IsInt():
		return float64(v.AsInt()), true
	case v.IsDouble():
		return v.AsDouble(), true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Ints
// ---------------------------------------------------------------------------

// Int creates a Value from an int64, wrapping to 48 bits.
func Int(n int64) Value {
	return Value(tagInt | (uint64(n) & payloadMask))
}

// TryInt creates a Value from an int64, returning false if out of range.
func TryInt(n int64) (Value, bool) {
	if n > MaxInt || n < MinInt {
		return Nil, false
	}
	return Int(n), true
}

// AsInt returns v as an int64.
// Panics if v is not an int.
func (v Value) AsInt() int64 {
	if !v.IsInt() {
		panic("Value.AsInt: not an int")
	}
	payload := uint64(v) & payloadMask

	// Sign extend from 48 bits to 64 bits
	if payload&intSignBit != 0 {
		payload |= intSignExtend
	}
	return int64(payload)
}

// ---------------------------------------------------------------------------
// Object handles
// ---------------------------------------------------------------------------

// Handle identifies an object slot in a Heap.
type Handle uint64

// FromHandle creates an object Value.
func FromHandle(h Handle) Value {
	return Value(tagObject | (uint64(h) & payloadMask))
}

// AsHandle returns the heap handle encoded in v.
// Panics if v is not an object.
func (v Value) AsHandle() Handle {
	if !v.IsObject() {
		panic("Value.AsHandle: not an object")
	}
	return Handle(uint64(v) & payloadMask)
}

// ---------------------------------------------------------------------------
// PIDs
// ---------------------------------------------------------------------------

// FromPID creates a Value from a PID.
func FromPID(p PID) Value {
	return Value(tagPID | (uint64(p) & payloadMask))
}

// AsPID returns v as a PID.
// Panics if v is not a PID.
func (v Value) AsPID() PID {
	if !v.IsPID() {
		panic("Value.AsPID: not a pid")
	}
	return PID(uint64(v) & payloadMask)
}

// ---------------------------------------------------------------------------
// Booleans and truthiness
// ---------------------------------------------------------------------------

// Bool creates a Value from a bool.
func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

// AsBool returns v as a bool.
// Panics if v is not true or false.
func (v Value) AsBool() bool {
	switch v {
	case True:
		return true
	case False:
		return false
	default:
		panic("Value.AsBool: not a boolean")
	}
}

// IsTruthy reports whether v counts as true in conditionals: only nil and false are falsy.
func (v Value) IsTruthy() bool {
	return v != False && v != Nil
}

// Identical compares two values bit-for-bit, except that doubles compare
// numerically so NaN is unequal to everything, including itself.
func Identical(a, b Value) bool {
	if a.IsDouble() && b.IsDouble() {
		return a.AsDouble() == b.AsDouble()
	}
	return a == b
}

func (v Value) String() string {
	switch {
	case v.IsDouble():
		return fmt.Sprintf("%g", v.AsDouble())
	case v.IsInt():
		return fmt.Sprintf("%d", v.AsInt())
	case v.IsPID():
		return v.AsPID().String()
	case v.IsObject():
		return fmt.Sprintf("#obj%d", uint64(v.AsHandle()))
	case v == Nil:
		return "nil"
	case v == True:
		return "true"
	case v == False:
		return "false"
	}
	return fmt.Sprintf("Value(0x%016X)", uint64(v))
}
