package heap

import (
	"math"
	"testing"
)

// ---------------------------------------------------------------------------
// Double tests
// ---------------------------------------------------------------------------

func TestDoubleRoundTrip(t *testing.T) {
	tests := []float64{
		0.0,
		math.Copysign(0, -1),
		1.0,
		-1.0,
		3.14159265358979,
		-3.14159265358979,
		math.MaxFloat64,
		math.SmallestNonzeroFloat64,
		-math.MaxFloat64,
		math.Inf(1),
		math.Inf(-1),
	}

	for _, f := range tests {
		v := Double(f)
		if !v.IsDouble() {
			t.Errorf("Double(%v).IsDouble() = false, want true", f)
			continue
		}
		if got := v.AsDouble(); math.Float64bits(got) != math.Float64bits(f) {
			t.Errorf("Double(%v).AsDouble() = %v, want %v", f, got, f)
		}
	}
}

func TestDoubleNaN(t *testing.T) {
	v := Double(math.NaN())
	if !v.IsDouble() {
		t.Fatal("NaN should be a double")
	}
	if !math.IsNaN(v.AsDouble()) {
		t.Error("NaN round trip failed")
	}
	if Identical(v, v) {
		t.Error("NaN should not be identical to itself")
	}

	// A NaN with tag-like payload bits must not turn into a tagged value.
	odd := math.Float64frombits(0x7FFD_0000_0000_0001)
	if w := Double(odd); !w.IsDouble() {
		t.Errorf("Double(tag-shaped NaN) = %s, want a double", w)
	}
}

// ---------------------------------------------------------------------------
// Int tests
// ---------------------------------------------------------------------------

func TestIntRoundTrip(t *testing.T) {
	tests := []int64{
		0, 1, -1, 42, -42, 120,
		1 << 20, -(1 << 20),
		1<<40 + 7, -(1 << 40) - 7,
		MaxInt, MinInt,
		MaxInt - 1, MinInt + 1,
	}

	for _, n := range tests {
		v := Int(n)
		if !v.IsInt() {
			t.Errorf("Int(%d).IsInt() = false", n)
			continue
		}
		if got := v.AsInt(); got != n {
			t.Errorf("Int(%d).AsInt() = %d", n, got)
		}
	}
}

func TestIntWraps(t *testing.T) {
	if got := Int(MaxInt + 1).AsInt(); got != MinInt {
		t.Errorf("Int(MaxInt+1) = %d, want %d", got, MinInt)
	}
	if got := Int(MinInt - 1).AsInt(); got != MaxInt {
		t.Errorf("Int(MinInt-1) = %d, want %d", got, MaxInt)
	}
	if _, ok := TryInt(MaxInt + 1); ok {
		t.Error("TryInt(MaxInt+1) should fail")
	}
	if v, ok := TryInt(-5); !ok || v.AsInt() != -5 {
		t.Errorf("TryInt(-5) = %v, %v", v, ok)
	}
}

// ---------------------------------------------------------------------------
// Predicates
// ---------------------------------------------------------------------------

func TestPredicatesExclusive(t *testing.T) {
	values := []Value{
		Double(1.5), Double(math.Inf(-1)), Double(math.NaN()),
		Int(0), Int(MinInt),
		FromHandle(1), FromHandle(Handle(payloadMask)),
		Nil, True, False,
		FromPID(1), FromPID(MaxPID),
		Double(-1.5), Double(math.Inf(1)),
		// Negative quiet NaNs share the low tag bits of ints and pids.
		Value(0xFFFC000000000001), Value(0xFFFF000000000001),
	}

	for _, v := range values {
		n := 0
		for _, p := range []bool{v.IsDouble(), v.IsInt(), v.IsObject(), v.IsSpecial(), v.IsPID()} {
			if p {
				n++
			}
		}
		if n != 1 {
			t.Errorf("%s matches %d categories, want 1", v, n)
		}
		if uint64(v)>>63 == 1 && !v.IsDouble() {
			t.Errorf("%#x has the sign bit set but is not a double", uint64(v))
		}
		if v.IsNumber() != (v.IsInt() || v.IsDouble()) {
			t.Errorf("%s: IsNumber disagrees with IsInt || IsDouble", v)
		}
	}
}

func TestHandleAndPIDRoundTrip(t *testing.T) {
	for _, h := range []Handle{1, 2, 1 << 30, Handle(payloadMask)} {
		if got := FromHandle(h).AsHandle(); got != h {
			t.Errorf("FromHandle(%d).AsHandle() = %d", h, got)
		}
	}
	for _, p := range []PID{1, 1111, MaxPID} {
		if got := FromPID(p).AsPID(); got != p {
			t.Errorf("FromPID(%d).AsPID() = %d", p, got)
		}
	}
}

func TestTruthiness(t *testing.T) {
	tests := []struct {
		v    Value
		want bool
	}{
		{Nil, false},
		{False, false},
		{True, true},
		{Int(0), true},
		{Double(0), true},
		{FromPID(3), true},
	}
	for _, tt := range tests {
		if got := tt.v.IsTruthy(); got != tt.want {
			t.Errorf("%s.IsTruthy() = %v, want %v", tt.v, got, tt.want)
		}
	}
	if !Bool(true).AsBool() || Bool(false).AsBool() {
		t.Error("Bool round trip failed")
	}
}

func TestAsIntPanicsOnDouble(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("AsInt on a double should panic")
		}
	}()
	Double(1).AsInt()
}
