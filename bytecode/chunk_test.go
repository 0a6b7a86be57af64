package bytecode

import (
	"strings"
	"testing"
)

func TestAllOpcodesHaveMetadata(t *testing.T) {
	for _, op := range AllOpcodes() {
		info := GetOpcodeInfo(op)
		if info.Name == "" || strings.HasPrefix(info.Name, "UNKNOWN") {
			t.Errorf("Opcode 0x%02X has no metadata", byte(op))
		}
		if info.Cost < 1 {
			t.Errorf("%s costs %d reductions, want at least 1", op, info.Cost)
		}
	}
}

func TestUnknownOpcodeString(t *testing.T) {
	op := Opcode(0xEE)
	if got := op.String(); !strings.HasPrefix(got, "UNKNOWN") {
		t.Errorf("Unknown opcode should return UNKNOWN, got %q", got)
	}
	if op.IsValid() {
		t.Error("0xEE should not be valid")
	}
}

func TestOpcodeOperandLen(t *testing.T) {
	tests := []struct {
		op   Opcode
		want int
	}{
		{OpNop, 0},
		{OpConst, 2},
		{OpSmallInt, 2},
		{OpLoadLocal, 1},
		{OpJump, 2},
		{OpCall, 1},
		{OpCallNative, 3},
		{OpSpawn, 3},
		{OpReceive, 0},
		{OpHalt, 0},
	}

	for _, tt := range tests {
		if got := tt.op.OperandLen(); got != tt.want {
			t.Errorf("%s.OperandLen() = %d, want %d", tt.op, got, tt.want)
		}
	}
}

func TestAddConstantDedup(t *testing.T) {
	c := NewChunk("test")
	a := c.AddConstant(String("hello"))
	b := c.AddConstant(Int(7))
	again := c.AddConstant(String("hello"))
	if a != again {
		t.Errorf("duplicate constant got index %d, want %d", again, a)
	}
	if a == b {
		t.Error("distinct constants share an index")
	}
	if len(c.Constants) != 2 {
		t.Errorf("len(Constants) = %d, want 2", len(c.Constants))
	}
}

func TestEmitInt(t *testing.T) {
	c := NewChunk("ints")
	c.EmitInt(-5)
	c.EmitInt(1 << 20)

	if Opcode(c.Code[0]) != OpSmallInt || c.ReadI16(1) != -5 {
		t.Errorf("small int encoded as %v", c.Code[:3])
	}
	if Opcode(c.Code[3]) != OpConst {
		t.Fatalf("large int should use the pool, got %s", Opcode(c.Code[3]))
	}
	if k := c.Constants[c.ReadU16(4)]; k.Kind != ConstInt || k.Int != 1<<20 {
		t.Errorf("pool entry = %v", k)
	}
}

func TestJumpPatching(t *testing.T) {
	c := NewChunk("jumps")
	c.Emit(OpTrue)
	placeholder := c.EmitJump(OpJumpFalse)
	c.EmitInt(1)
	c.Emit(OpPop)
	c.PatchJump(placeholder)
	c.Emit(OpHalt)

	// target is the HALT after the patched jump
	target := placeholder + 2 + int(c.ReadI16(placeholder))
	if Opcode(c.Code[target]) != OpHalt {
		t.Errorf("jump lands on %s, want HALT", Opcode(c.Code[target]))
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestEmitLoop(t *testing.T) {
	c := NewChunk("loop")
	start := c.Emit(OpYield)
	c.EmitLoop(start)

	if got := c.ReadI16(2); got != -4 {
		t.Errorf("loop delta = %d, want -4", got)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func(c *Chunk)
		want  string
	}{
		{"unknown opcode", func(c *Chunk) { c.Code = append(c.Code, 0xEE) }, "unknown opcode"},
		{"truncated", func(c *Chunk) { c.Code = append(c.Code, byte(OpConst), 0) }, "truncated"},
		{"constant range", func(c *Chunk) { c.EmitU16(OpConst, 3) }, "out of range"},
		{"global name", func(c *Chunk) { c.EmitU16(OpLoadGlobal, c.AddConstant(Int(1))) }, "string constant"},
		{"mid-instruction jump", func(c *Chunk) {
			c.EmitInt(1)
			c.EmitWithOperand(OpJump, 0xFF, 0xFB) // back 5: lands on the SMALL_INT operand
		}, "inside an instruction"},
	}

	for _, tt := range tests {
		c := NewChunk(tt.name)
		tt.build(c)
		err := c.Validate()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: Validate() = %v, want error containing %q", tt.name, err, tt.want)
		}
	}
}

func TestBytecodeValidateFunctionIndex(t *testing.T) {
	main := NewChunk("main")
	main.EmitWithOperand(OpSpawn, 0, 1, 0)
	main.Emit(OpHalt)

	b := New(main)
	if err := b.Validate(); err == nil {
		t.Fatal("spawn of a missing function should fail validation")
	}
	b.AddFunction(NewChunk("f0"))
	b.AddFunction(NewChunk("f1"))
	if err := b.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
	if i, ok := b.FindFunction("f1"); !ok || i != 1 {
		t.Errorf("FindFunction(f1) = %d, %v", i, ok)
	}
}

func TestBytecodeRefCount(t *testing.T) {
	b := New(NewChunk("main"))
	b.Retain()
	if b.RefCount() != 2 {
		t.Fatalf("RefCount() = %d, want 2", b.RefCount())
	}
	if b.Release() {
		t.Error("first Release reported last reference")
	}
	if !b.Release() {
		t.Error("second Release should report last reference")
	}
}

func TestDisassemble(t *testing.T) {
	c := NewChunk("fact")
	c.Arity = 1
	c.EmitU16(OpLoadGlobal, c.AddConstant(String("counter")))
	c.EmitInt(120)
	c.EmitConstant(Float(2.5))
	c.EmitLoop(0)

	out := c.Disassemble()
	for _, want := range []string{"=== fact ===", "LOAD_GLOBAL 0 ; counter", "SMALL_INT 120", "CONST", "2.5", "JUMP -"} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
	if n := c.InstructionCount(); n != 4 {
		t.Errorf("InstructionCount() = %d, want 4", n)
	}
}
