package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
)

// ConstKind identifies the type of a constant pool entry.
type ConstKind uint8

const (
	ConstNil ConstKind = iota
	ConstBool
	ConstInt
	ConstFloat
	ConstString
)

// Constant is a heap-independent constant. A VM materialises the pool into
// its own heap when code is loaded.
type Constant struct {
	Kind  ConstKind
	Int   int64
	Float float64
	Str   string
}

// Int returns an integer constant.
func Int(n int64) Constant { return Constant{Kind: ConstInt, Int: n} }

// Float returns a float constant.
func Float(f float64) Constant { return Constant{Kind: ConstFloat, Float: f} }

// String returns a string constant.
func String(s string) Constant { return Constant{Kind: ConstString, Str: s} }

// Bool returns a boolean constant.
func Bool(b bool) Constant {
	c := Constant{Kind: ConstBool}
	if b {
		c.Int = 1
	}
	return c
}

func (c Constant) String() string {
	switch c.Kind {
	case ConstNil:
		return "nil"
	case ConstBool:
		return strconv.FormatBool(c.Int != 0)
	case ConstInt:
		return strconv.FormatInt(c.Int, 10)
	case ConstFloat:
		return strconv.FormatFloat(c.Float, 'g', -1, 64)
	case ConstString:
		return strconv.Quote(c.Str)
	}
	return fmt.Sprintf("Constant(%d)", c.Kind)
}

func (c Constant) equal(o Constant) bool {
	if c.Kind != o.Kind {
		return false
	}
	if c.Kind == ConstFloat {
		return math.Float64bits(c.Float) == math.Float64bits(o.Float)
	}
	return c.Int == o.Int && c.Str == o.Str
}

// Capture describes one upvalue of a closure, resolved when OpClosure runs.
type Capture struct {
	Name      string
	FromLocal bool  // capture a slot of the enclosing frame, else one of its upvalues
	Index     uint8 // slot or upvalue index in the enclosing function
}

// Chunk represents the compiled code of one function.
type Chunk struct {
	Name       string
	Arity      uint8 // parameters, occupying slots 1..Arity
	LocalCount uint8 // extra slots reserved after the parameters

	Code      []byte
	Constants []Constant
	Captures  []Capture
}

// NewChunk creates a new empty chunk.
func NewChunk(name string) *Chunk {
	return &Chunk{
		Name:      name,
		Code:      make([]byte, 0, 64),
		Constants: make([]Constant, 0, 8),
	}
}

// AddConstant adds a constant to the pool and returns its index.
// If the constant already exists, returns the existing index.
func (c *Chunk) AddConstant(value Constant) uint16 {
	for i, k := range c.Constants {
		if k.equal(value) {
			return uint16(i)
		}
	}
	idx := uint16(len(c.Constants))
	c.Constants = append(c.Constants, value)
	return idx
}

// Emit appends a single-byte opcode to the code section.
func (c *Chunk) Emit(op Opcode) int {
	offset := len(c.Code)
	c.Code = append(c.Code, byte(op))
	return offset
}

// EmitWithOperand appends an opcode with operand bytes.
func (c *Chunk) EmitWithOperand(op Opcode, operands ...byte) int {
	offset := len(c.Code)
	c.Code = append(c.Code, byte(op))
	c.Code = append(c.Code, operands...)
	return offset
}

// EmitU16 appends an opcode with a big-endian u16 operand.
func (c *Chunk) EmitU16(op Opcode, v uint16) int {
	return c.EmitWithOperand(op, byte(v>>8), byte(v))
}

// EmitConstant emits an OpConst instruction for the given value.
func (c *Chunk) EmitConstant(value Constant) int {
	return c.EmitU16(OpConst, c.AddConstant(value))
}

// EmitInt pushes n, inline when it fits in 16 bits.
func (c *Chunk) EmitInt(n int64) int {
	if n >= math.MinInt16 && n <= math.MaxInt16 {
		return c.EmitU16(OpSmallInt, uint16(int16(n)))
	}
	return c.EmitConstant(Int(n))
}

// EmitString pushes a string constant.
func (c *Chunk) EmitString(s string) int {
	return c.EmitConstant(String(s))
}

// EmitJump emits a jump instruction with a placeholder offset.
// Returns the offset of the placeholder for later patching.
func (c *Chunk) EmitJump(op Opcode) int {
	offset := len(c.Code)
	c.Code = append(c.Code, byte(op), 0xFF, 0xFF)
	return offset + 1
}

// PatchJump patches a jump instruction's offset to jump to the current position.
func (c *Chunk) PatchJump(placeholderOffset int) {
	c.PatchJumpTo(placeholderOffset, len(c.Code))
}

// PatchJumpTo patches a jump to go to a specific offset.
func (c *Chunk) PatchJumpTo(placeholderOffset int, target int) {
	delta := target - (placeholderOffset + 2)
	c.Code[placeholderOffset] = byte(delta >> 8)
	c.Code[placeholderOffset+1] = byte(delta)
}

// EmitLoop emits a backward jump to the given loop start.
func (c *Chunk) EmitLoop(loopStart int) {
	delta := loopStart - (len(c.Code) + 3)
	c.Code = append(c.Code, byte(OpJump), byte(delta>>8), byte(delta))
}

// AddCapture adds an upvalue descriptor and returns its index.
func (c *Chunk) AddCapture(name string, fromLocal bool, index uint8) uint8 {
	idx := uint8(len(c.Captures))
	c.Captures = append(c.Captures, Capture{Name: name, FromLocal: fromLocal, Index: index})
	return idx
}

// CurrentOffset returns the current offset in the code section.
func (c *Chunk) CurrentOffset() int {
	return len(c.Code)
}

// SlotCount returns the frame slots the function needs, including slot 0
// which holds the callee.
func (c *Chunk) SlotCount() int {
	return 1 + int(c.Arity) + int(c.LocalCount)
}

// ReadU16 reads a big-endian u16 operand at offset.
func (c *Chunk) ReadU16(offset int) uint16 {
	if offset+1 >= len(c.Code) {
		return 0
	}
	return binary.BigEndian.Uint16(c.Code[offset:])
}

// ReadI16 reads a big-endian i16 operand at offset.
func (c *Chunk) ReadI16(offset int) int16 {
	return int16(c.ReadU16(offset))
}

// Validate checks that every instruction is defined and complete, constant
// indexes are in range and jumps land on instruction boundaries.
func (c *Chunk) Validate() error {
	starts := make(map[int]bool)
	type jump struct{ at, target int }
	var jumps []jump

	for pc := 0; pc < len(c.Code); {
		op := Opcode(c.Code[pc])
		if !op.IsValid() {
			return fmt.Errorf("%s: unknown opcode 0x%02X at %04X", c.Name, byte(op), pc)
		}
		n := op.InstructionLen()
		if pc+n > len(c.Code) {
			return fmt.Errorf("%s: truncated %s at %04X", c.Name, op, pc)
		}
		starts[pc] = true
		switch op {
		case OpConst:
			if idx := c.ReadU16(pc + 1); int(idx) >= len(c.Constants) {
				return fmt.Errorf("%s: constant %d out of range at %04X", c.Name, idx, pc)
			}
		case OpLoadGlobal, OpStoreGlobal, OpCallNative, OpStruct:
			idx := c.ReadU16(pc + 1)
			if int(idx) >= len(c.Constants) || c.Constants[idx].Kind != ConstString {
				return fmt.Errorf("%s: %s needs a string constant at %04X", c.Name, op, pc)
			}
		case OpLoadUpvalue, OpStoreUpvalue:
			if idx := c.Code[pc+1]; int(idx) >= len(c.Captures) {
				return fmt.Errorf("%s: upvalue %d out of range at %04X", c.Name, idx, pc)
			}
		}
		if op.IsJump() {
			jumps = append(jumps, jump{pc, pc + n + int(c.ReadI16(pc+1))})
		}
		pc += n
	}
	for _, j := range jumps {
		if j.target != len(c.Code) && !starts[j.target] {
			return fmt.Errorf("%s: jump at %04X lands inside an instruction (%04X)", c.Name, j.at, j.target)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Bytecode
// ---------------------------------------------------------------------------

// Bytecode is a loadable program: a main chunk, the function chunks it refers
// to by index, and a string table for tool and module metadata. It is shared
// read-only between blocks and reference counted by its holders.
type Bytecode struct {
	Main      *Chunk
	Functions []*Chunk
	Strings   []string

	refs atomic.Int32
}

// New creates bytecode holding one reference.
func New(main *Chunk, functions ...*Chunk) *Bytecode {
	b := &Bytecode{Main: main, Functions: functions}
	b.refs.Store(1)
	return b
}

// AddFunction appends a function chunk and returns its index.
func (b *Bytecode) AddFunction(c *Chunk) uint16 {
	b.Functions = append(b.Functions, c)
	return uint16(len(b.Functions) - 1)
}

// Function returns function chunk i.
func (b *Bytecode) Function(i int) (*Chunk, bool) {
	if i < 0 || i >= len(b.Functions) {
		return nil, false
	}
	return b.Functions[i], true
}

// FindFunction returns the index of the first function with the given name.
func (b *Bytecode) FindFunction(name string) (int, bool) {
	for i, f := range b.Functions {
		if f.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Chunks returns the main chunk followed by every function chunk.
func (b *Bytecode) Chunks() []*Chunk {
	out := make([]*Chunk, 0, 1+len(b.Functions))
	if b.Main != nil {
		out = append(out, b.Main)
	}
	return append(out, b.Functions...)
}

// Retain adds a reference.
func (b *Bytecode) Retain() *Bytecode {
	b.refs.Add(1)
	return b
}

// Release drops a reference and reports whether it was the last one.
func (b *Bytecode) Release() bool {
	n := b.refs.Add(-1)
	if n < 0 {
		panic("bytecode: Release without Retain")
	}
	return n == 0
}

// RefCount returns the number of holders.
func (b *Bytecode) RefCount() int {
	return int(b.refs.Load())
}

// Validate checks every chunk and every function index used by OpClosure
// and OpSpawn.
func (b *Bytecode) Validate() error {
	if b.Main == nil {
		return fmt.Errorf("bytecode has no main chunk")
	}
	for _, c := range b.Chunks() {
		if err := c.Validate(); err != nil {
			return err
		}
		for pc := 0; pc < len(c.Code); {
			op := Opcode(c.Code[pc])
			if op == OpClosure || op == OpSpawn {
				if fn := c.ReadU16(pc + 1); int(fn) >= len(b.Functions) {
					return fmt.Errorf("%s: function %d out of range at %04X", c.Name, fn, pc)
				}
			}
			pc += op.InstructionLen()
		}
	}
	return nil
}
