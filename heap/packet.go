package heap

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Packet carries a message payload between heaps. Primitive values travel in
// Imm; anything on a heap is serialised into Blob and rebuilt on import.
type Packet struct {
	Imm  Value
	Blob []byte
}

var (
	// ErrUnsendable is returned for values that cannot leave their heap.
	ErrUnsendable = errors.New("value cannot be sent")
	// ErrCyclic is returned for payloads containing reference cycles.
	ErrCyclic = errors.New("cyclic value cannot be sent")
)

// MaxPacketDepth bounds how deeply heap objects may nest in a message.
const MaxPacketDepth = 256

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("heap: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	// Each object level is a term map plus its item array; leaves add one.
	dm, err := cbor.DecOptions{MaxNestedLevels: 2*MaxPacketDepth + 2}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("heap: failed to create CBOR dec mode: %v", err))
	}
	cborDecMode = dm
}

// term is the wire form of one heap object.
type term struct {
	Leaf  bool    `cbor:"0,keyasint,omitempty"`
	Kind  Kind    `cbor:"1,keyasint"`
	Imm   uint64  `cbor:"2,keyasint,omitempty"`
	Str   string  `cbor:"3,keyasint,omitempty"`
	Bytes []byte  `cbor:"4,keyasint,omitempty"`
	Items []*term `cbor:"5,keyasint,omitempty"`
	Num   uint64  `cbor:"6,keyasint,omitempty"`
	Keys  []*term `cbor:"7,keyasint,omitempty"`
}

// leaf wraps a value that lives outside any heap.
func leaf(v Value) *term { return &term{Leaf: true, Imm: uint64(v)} }

// IsPrimitive reports whether v needs no heap copy to be sent.
func IsPrimitive(v Value) bool { return !v.IsObject() }

// PrimitivePacket wraps an immediate value.
func PrimitivePacket(v Value) Packet { return Packet{Imm: v} }

// Export serialises v for delivery to another heap.
func (h *Heap) Export(v Value) (Packet, error) {
	if IsPrimitive(v) {
		return Packet{Imm: v}, nil
	}
	onPath := make(map[*Object]bool)
	t, err := h.exportTerm(v, onPath, 1)
	if err != nil {
		return Packet{}, err
	}
	blob, err := cborEncMode.Marshal(t)
	if err != nil {
		return Packet{}, fmt.Errorf("heap: marshal packet: %w", err)
	}
	return Packet{Imm: Nil, Blob: blob}, nil
}

func (h *Heap) exportTerm(v Value, onPath map[*Object]bool, depth int) (*term, error) {
	o := h.Get(v)
	if o == nil {
		if v.IsObject() {
			return nil, fmt.Errorf("dangling handle %s: %w", v, ErrUnsendable)
		}
		return leaf(v), nil
	}
	if onPath[o] {
		return nil, ErrCyclic
	}
	if depth > MaxPacketDepth {
		return nil, fmt.Errorf("nested deeper than %d: %w", MaxPacketDepth, ErrUnsendable)
	}
	onPath[o] = true
	defer delete(onPath, o)

	t := &term{Kind: o.Kind, Str: o.Str, Num: uint64(o.Num)}
	switch o.Kind {
	case KindFunction, KindClosure:
		return nil, fmt.Errorf("%s: %w", o.Kind, ErrUnsendable)
	case KindBytes:
		t.Bytes = o.Bytes
	case KindMap:
		var err error
		o.Map.each(func(k, val Value) {
			if err != nil {
				return
			}
			var kt, vt *term
			if kt, err = h.exportTerm(k, onPath, depth+1); err != nil {
				return
			}
			if vt, err = h.exportTerm(val, onPath, depth+1); err != nil {
				return
			}
			t.Keys = append(t.Keys, kt)
			t.Items = append(t.Items, vt)
		})
		if err != nil {
			return nil, err
		}
	}
	if o.Kind != KindMap {
		for _, it := range o.Items {
			ct, err := h.exportTerm(it, onPath, depth+1)
			if err != nil {
				return nil, err
			}
			t.Items = append(t.Items, ct)
		}
	}
	return t, nil
}

// Import rebuilds a packet's payload in h. The roots keep values created so
// far alive if the import triggers a collection.
func (h *Heap) Import(p Packet, roots RootScanner) (Value, error) {
	if p.Blob == nil {
		return p.Imm, nil
	}
	var t term
	if err := cborDecMode.Unmarshal(p.Blob, &t); err != nil {
		return Nil, fmt.Errorf("heap: unmarshal packet: %w", err)
	}

	// Objects built during the import are pinned until it finishes.
	var pinned []*Object
	defer func() {
		for _, o := range pinned {
			o.Release()
		}
	}()
	pin := func(o *Object) *Object {
		o.Retain()
		pinned = append(pinned, o)
		return o
	}
	return h.importTerm(&t, roots, pin)
}

func (h *Heap) importTerm(t *term, roots RootScanner, pin func(*Object) *Object) (Value, error) {
	if t.Leaf {
		return Value(t.Imm), nil
	}
	children := func(ts []*term) ([]Value, error) {
		vs := make([]Value, len(ts))
		for i, ct := range ts {
			v, err := h.importTerm(ct, roots, pin)
			if err != nil {
				return nil, err
			}
			vs[i] = v
		}
		return vs, nil
	}

	var (
		o   *Object
		err error
	)
	switch t.Kind {
	case KindString:
		o, err = h.NewString(t.Str, roots)
	case KindBytes:
		o, err = h.NewBytes(t.Bytes, roots)
	case KindNil, KindBool, KindInt, KindFloat, KindPID:
		o, err = h.NewBoxed(t.Kind, Value(t.Num), roots)
	case KindMap:
		if len(t.Keys) != len(t.Items) {
			return Nil, fmt.Errorf("heap: map packet has %d keys and %d values", len(t.Keys), len(t.Items))
		}
		if o, err = h.NewMap(roots); err != nil {
			return Nil, err
		}
		pin(o)
		keys, err := children(t.Keys)
		if err != nil {
			return Nil, err
		}
		vals, err := children(t.Items)
		if err != nil {
			return Nil, err
		}
		for i := range keys {
			h.MapSet(o, keys[i], vals[i])
		}
		return o.Value(), nil
	case KindArray, KindVector, KindStruct, KindResult, KindOption, KindEnum:
		items, cerr := children(t.Items)
		if cerr != nil {
			return Nil, cerr
		}
		o, err = h.newSeq(t.Kind, items, roots)
		if err == nil {
			o.Str = t.Str
			o.Num = Value(t.Num)
		}
	default:
		return Nil, fmt.Errorf("heap: %s in packet: %w", t.Kind, ErrUnsendable)
	}
	if err != nil {
		return Nil, err
	}
	return pin(o).Value(), nil
}

// SignalPacket builds the payload of a system message: a struct named name
// holding the originating pid and a reason string. The scheduler uses it for
// exit and down notifications, which are produced outside any heap.
func SignalPacket(name string, from PID, reason string) (Packet, error) {
	t := &term{
		Kind: KindStruct,
		Str:  name,
		Items: []*term{
			leaf(FromPID(from)),
			{Kind: KindString, Str: reason},
		},
	}
	blob, err := cborEncMode.Marshal(t)
	if err != nil {
		return Packet{}, fmt.Errorf("heap: marshal signal: %w", err)
	}
	return Packet{Imm: Nil, Blob: blob}, nil
}

// DecodeSignal reverses SignalPacket without touching a heap.
func DecodeSignal(p Packet) (name string, from PID, reason string, ok bool) {
	if p.Blob == nil {
		return "", InvalidPID, "", false
	}
	var t term
	if err := cborDecMode.Unmarshal(p.Blob, &t); err != nil {
		return "", InvalidPID, "", false
	}
	if t.Kind != KindStruct || len(t.Items) != 2 || !t.Items[0].Leaf || t.Items[1].Kind != KindString {
		return "", InvalidPID, "", false
	}
	pv := Value(t.Items[0].Imm)
	if !pv.IsPID() {
		return "", InvalidPID, "", false
	}
	return t.Str, pv.AsPID(), t.Items[1].Str, true
}
