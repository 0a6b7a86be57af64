package mailbox

// slabSize is the number of messages carved from one backing array.
const slabSize = 256

// Slab hands out messages from larger backing arrays so that a busy worker
// does not allocate once per send. A Slab belongs to one worker and is not
// safe for concurrent use. Messages stay valid after the slab moves on;
// a backing array is reclaimed once none of its messages are referenced.
type Slab struct {
	buf       []Message
	allocated uint64
}

// NewSlab creates an empty slab.
func NewSlab() *Slab { return &Slab{} }

// Get returns a zeroed message.
func (s *Slab) Get() *Message {
	if len(s.buf) == 0 {
		s.buf = make([]Message, slabSize)
	}
	m := &s.buf[0]
	s.buf = s.buf[1:]
	s.allocated++
	return m
}

// Allocated returns the number of messages handed out.
func (s *Slab) Allocated() uint64 { return s.allocated }
