package heap

import (
	"hash/fnv"
	"math"
)

// MapTable is the payload of a map object: a chained hash table keyed by
// Values. Strings and byte strings hash and compare by content.
type MapTable struct {
	buckets []*mapEntry
	count   int
}

type mapEntry struct {
	key   Value
	value Value
	hash  uint64
	next  *mapEntry
}

const initialBuckets = 8

func newMapTable() *MapTable {
	return &MapTable{buckets: make([]*mapEntry, initialBuckets)}
}

// Len returns the number of entries.
func (m *MapTable) Len() int { return m.count }

func (m *MapTable) each(fn func(k, v Value)) {
	for _, e := range m.buckets {
		for ; e != nil; e = e.next {
			fn(e.key, e.value)
		}
	}
}

func (m *MapTable) grow() {
	old := m.buckets
	m.buckets = make([]*mapEntry, len(old)*2)
	for _, e := range old {
		for e != nil {
			next := e.next
			i := e.hash % uint64(len(m.buckets))
			e.next = m.buckets[i]
			m.buckets[i] = e
			e = next
		}
	}
}

// hashValue hashes v consistently with Equal.
func (h *Heap) hashValue(v Value) uint64 {
	f := fnv.New64a()
	if o := h.Get(v); o != nil {
		switch o.Kind {
		case KindString:
			f.Write([]byte{byte(KindString)})
			f.Write([]byte(o.Str))
			return f.Sum64()
		case KindBytes:
			f.Write([]byte{byte(KindBytes)})
			f.Write(o.Bytes)
			return f.Sum64()
		}
	}
	bits := uint64(v)
	if v.IsDouble() && v.AsDouble() == 0 {
		bits = 0
	}
	var b [8]byte
	for i := range b {
		b[i] = byte(bits >> (8 * i))
	}
	f.Write(b[:])
	return f.Sum64()
}

// Equal compares two values of this heap. Strings and byte strings compare by
// content; everything else compares by identity, with doubles compared
// numerically.
func (h *Heap) Equal(a, b Value) bool {
	if Identical(a, b) {
		return true
	}
	oa, ob := h.Get(a), h.Get(b)
	if oa == nil || ob == nil || oa.Kind != ob.Kind {
		return false
	}
	switch oa.Kind {
	case KindString:
		return oa.Str == ob.Str
	case KindBytes:
		return string(oa.Bytes) == string(ob.Bytes)
	}
	return false
}

func (h *Heap) lookup(m *MapTable, k Value) (*mapEntry, uint64) {
	hash := h.hashValue(k)
	if m.count == 0 {
		return nil, hash
	}
	for e := m.buckets[hash%uint64(len(m.buckets))]; e != nil; e = e.next {
		if e.hash == hash && h.Equal(e.key, k) {
			return e, hash
		}
	}
	return nil, hash
}

// MapGet returns the value stored under k.
func (h *Heap) MapGet(o *Object, k Value) (Value, bool) {
	if o.Kind != KindMap || o.Map == nil {
		return Nil, false
	}
	if math.IsNaN(numberOrZero(k)) {
		return Nil, false
	}
	e, _ := h.lookup(o.Map, k)
	if e == nil {
		return Nil, false
	}
	return e.value, true
}

// MapSet stores v under k, running the write barrier for both.
func (h *Heap) MapSet(o *Object, k, v Value) {
	m := o.Map
	if e, hash := h.lookup(m, k); e != nil {
		e.value = v
	} else {
		if m.count >= len(m.buckets)*3/4 {
			m.grow()
		}
		i := hash % uint64(len(m.buckets))
		m.buckets[i] = &mapEntry{key: k, value: v, hash: hash, next: m.buckets[i]}
		m.count++
		h.WriteBarrier(o, k)
	}
	h.WriteBarrier(o, v)
}

// MapDelete removes k and reports whether it was present.
func (h *Heap) MapDelete(o *Object, k Value) bool {
	m := o.Map
	if m == nil || m.count == 0 {
		return false
	}
	hash := h.hashValue(k)
	link := &m.buckets[hash%uint64(len(m.buckets))]
	for e := *link; e != nil; e = *link {
		if e.hash == hash && h.Equal(e.key, k) {
			*link = e.next
			m.count--
			return true
		}
		link = &e.next
	}
	return false
}

// MapKeys returns the keys of a map in bucket order.
func (h *Heap) MapKeys(o *Object) []Value {
	if o.Map == nil {
		return nil
	}
	keys := make([]Value, 0, o.Map.count)
	o.Map.each(func(k, _ Value) { keys = append(keys, k) })
	return keys
}

func numberOrZero(v Value) float64 {
	if v.IsDouble() {
		return v.AsDouble()
	}
	return 0
}
