package heap

import (
	"errors"
	"fmt"
)

// ErrIndex is returned for out-of-range element access.
var ErrIndex = errors.New("index out of range")

// ---------------------------------------------------------------------------
// Constructors
//
// Every constructor may collect before allocating. Values passed in must be
// reachable from roots (for a VM: still on its stack) until the call returns.
// ---------------------------------------------------------------------------

func (h *Heap) newObject(kind Kind, extra int64, roots RootScanner) (*Object, error) {
	return h.alloc(kind, extra, roots)
}

// initChildren shades the initial contents of an object allocated black.
func (h *Heap) initChildren(o *Object) {
	if h.inc.state != IncMarking {
		return
	}
	o.forEachChild(h.MarkValue)
}

// NewString allocates a string object.
func (h *Heap) NewString(s string, roots RootScanner) (*Object, error) {
	o, err := h.newObject(KindString, int64(len(s)), roots)
	if err != nil {
		return nil, err
	}
	o.Str = s
	return o, nil
}

// NewBytes allocates a byte string holding a copy of b.
func (h *Heap) NewBytes(b []byte, roots RootScanner) (*Object, error) {
	o, err := h.newObject(KindBytes, int64(len(b)), roots)
	if err != nil {
		return nil, err
	}
	o.Bytes = append([]byte(nil), b...)
	return o, nil
}

func (h *Heap) newSeq(kind Kind, items []Value, roots RootScanner) (*Object, error) {
	o, err := h.newObject(kind, int64(8*len(items)), roots)
	if err != nil {
		return nil, err
	}
	o.Items = append(make([]Value, 0, len(items)), items...)
	h.initChildren(o)
	return o, nil
}

// NewArray allocates an array holding a copy of items.
func (h *Heap) NewArray(items []Value, roots RootScanner) (*Object, error) {
	return h.newSeq(KindArray, items, roots)
}

// NewVector allocates a fixed-length vector holding a copy of items.
func (h *Heap) NewVector(items []Value, roots RootScanner) (*Object, error) {
	return h.newSeq(KindVector, items, roots)
}

// NewMap allocates an empty map.
func (h *Heap) NewMap(roots RootScanner) (*Object, error) {
	o, err := h.newObject(KindMap, 0, roots)
	if err != nil {
		return nil, err
	}
	o.Map = newMapTable()
	return o, nil
}

// NewBoxed allocates a boxed primitive of the given kind.
func (h *Heap) NewBoxed(kind Kind, v Value, roots RootScanner) (*Object, error) {
	switch kind {
	case KindNil, KindBool, KindInt, KindFloat, KindPID:
	default:
		return nil, fmt.Errorf("cannot box as %s", kind)
	}
	o, err := h.newObject(kind, 0, roots)
	if err != nil {
		return nil, err
	}
	o.Num = v
	return o, nil
}

// NewFunction allocates a reference to function chunk fn.
func (h *Heap) NewFunction(fn int, roots RootScanner) (*Object, error) {
	o, err := h.newObject(KindFunction, 0, roots)
	if err != nil {
		return nil, err
	}
	o.Fn = fn
	return o, nil
}

// NewClosure allocates a closure over function chunk fn.
func (h *Heap) NewClosure(fn int, upvalues []*Upvalue, roots RootScanner) (*Object, error) {
	o, err := h.newObject(KindClosure, int64(8*len(upvalues)), roots)
	if err != nil {
		return nil, err
	}
	o.Fn = fn
	o.Upvalues = upvalues
	for _, uv := range upvalues {
		uv.owners = append(uv.owners, o)
	}
	h.initChildren(o)
	return o, nil
}

// NewResult allocates an ok or error result wrapping v.
func (h *Heap) NewResult(ok bool, v Value, roots RootScanner) (*Object, error) {
	o, err := h.newSeq(KindResult, []Value{v}, roots)
	if err != nil {
		return nil, err
	}
	o.Num = Bool(ok)
	return o, nil
}

// NewOption allocates Some(v) when some is set, otherwise None.
func (h *Heap) NewOption(some bool, v Value, roots RootScanner) (*Object, error) {
	var items []Value
	if some {
		items = []Value{v}
	}
	return h.newSeq(KindOption, items, roots)
}

// NewStruct allocates a named record.
func (h *Heap) NewStruct(name string, fields []Value, roots RootScanner) (*Object, error) {
	o, err := h.newSeq(KindStruct, fields, roots)
	if err != nil {
		return nil, err
	}
	o.Str = name
	return o, nil
}

// NewEnum allocates an enum variant with a tag and payload.
func (h *Heap) NewEnum(name string, tag int64, payload []Value, roots RootScanner) (*Object, error) {
	o, err := h.newSeq(KindEnum, payload, roots)
	if err != nil {
		return nil, err
	}
	o.Str = name
	o.Num = Int(tag)
	return o, nil
}

// ---------------------------------------------------------------------------
// Mutators
// ---------------------------------------------------------------------------

// SetItem stores v at index i of a sequence object.
func (h *Heap) SetItem(o *Object, i int, v Value) error {
	if i < 0 || i >= len(o.Items) {
		return fmt.Errorf("%s index %d of %d: %w", o.Kind, i, len(o.Items), ErrIndex)
	}
	o.Items[i] = v
	h.WriteBarrier(o, v)
	return nil
}

// Append adds v to the end of an array.
func (h *Heap) Append(o *Object, v Value) {
	o.Items = append(o.Items, v)
	h.WriteBarrier(o, v)
}

// CloseUpvalue moves v into uv, which stops referring to a stack slot.
func (h *Heap) CloseUpvalue(uv *Upvalue, v Value) {
	uv.Closed = true
	h.SetUpvalue(uv, v)
}

// SetUpvalue stores v in a closed upvalue.
func (h *Heap) SetUpvalue(uv *Upvalue, v Value) {
	uv.Value = v
	live := uv.owners[:0]
	for _, o := range uv.owners {
		if h.objects[o.handle] != o {
			continue
		}
		live = append(live, o)
		h.WriteBarrier(o, v)
	}
	uv.owners = live
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// StringOf returns the contents of a string object.
func (h *Heap) StringOf(v Value) (string, bool) {
	o := h.Get(v)
	if o == nil || o.Kind != KindString {
		return "", false
	}
	return o.Str, true
}

// Display renders v for logs and exit reasons.
func (h *Heap) Display(v Value) string {
	o := h.Get(v)
	if o == nil {
		return v.String()
	}
	switch o.Kind {
	case KindString:
		return o.Str
	case KindBytes:
		return fmt.Sprintf("%x", o.Bytes)
	case KindInt, KindFloat, KindBool, KindPID, KindNil:
		return o.Num.String()
	case KindArray, KindVector:
		return fmt.Sprintf("%s(%d)", o.Kind, len(o.Items))
	case KindMap:
		return fmt.Sprintf("map(%d)", o.Map.Len())
	case KindStruct, KindEnum:
		return o.Str
	case KindResult:
		if o.Num.IsTrue() {
			return "ok(" + h.Display(o.Items[0]) + ")"
		}
		return "error(" + h.Display(o.Items[0]) + ")"
	case KindOption:
		if len(o.Items) == 0 {
			return "none"
		}
		return "some(" + h.Display(o.Items[0]) + ")"
	}
	return o.Kind.String()
}
