package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable bytecode listing for the chunk.
func (c *Chunk) Disassemble() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("; === %s ===\n", c.Name))
	sb.WriteString(fmt.Sprintf("; Arity: %d  Locals: %d\n", c.Arity, c.LocalCount))

	if len(c.Constants) > 0 {
		sb.WriteString("; Constants:\n")
		for i, k := range c.Constants {
			display := k.String()
			if len(display) > 40 {
				display = display[:37] + "..."
			}
			sb.WriteString(fmt.Sprintf(";   [%3d] %s\n", i, display))
		}
	}

	if len(c.Captures) > 0 {
		sb.WriteString("; Captures:\n")
		for i, cp := range c.Captures {
			src := "upvalue"
			if cp.FromLocal {
				src = "local"
			}
			sb.WriteString(fmt.Sprintf(";   [%3d] %s (%s %d)\n", i, cp.Name, src, cp.Index))
		}
	}

	sb.WriteString("; Code:\n")
	for _, line := range c.DisassembleToLines() {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Disassemble lists the main chunk followed by every function.
func (b *Bytecode) Disassemble() string {
	var sb strings.Builder
	for i, c := range b.Chunks() {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(c.Disassemble())
	}
	return sb.String()
}

// disassembleInstruction disassembles a single instruction at the given offset.
// Returns the formatted string and the instruction length.
func (c *Chunk) disassembleInstruction(offset int) (string, int) {
	if offset >= len(c.Code) {
		return "<end of code>", 0
	}

	op := Opcode(c.Code[offset])
	info := GetOpcodeInfo(op)
	n := 1 + info.OperandLen
	if offset+n > len(c.Code) {
		return fmt.Sprintf("%s <truncated>", info.Name), len(c.Code) - offset
	}

	switch op {
	case OpConst:
		idx := c.ReadU16(offset + 1)
		val := "?"
		if int(idx) < len(c.Constants) {
			val = c.Constants[idx].String()
		}
		return fmt.Sprintf("CONST %d ; %s", idx, val), n

	case OpSmallInt:
		return fmt.Sprintf("SMALL_INT %d", c.ReadI16(offset+1)), n

	case OpLoadGlobal, OpStoreGlobal:
		idx := c.ReadU16(offset + 1)
		return fmt.Sprintf("%s %d ; %s", info.Name, idx, c.constName(idx)), n

	case OpLoadUpvalue, OpStoreUpvalue:
		idx := c.Code[offset+1]
		if int(idx) < len(c.Captures) && c.Captures[idx].Name != "" {
			return fmt.Sprintf("%s %d ; %s", info.Name, idx, c.Captures[idx].Name), n
		}
		return fmt.Sprintf("%s %d", info.Name, idx), n

	case OpJump, OpJumpTrue, OpJumpFalse:
		delta := c.ReadI16(offset + 1)
		return fmt.Sprintf("%s %+d (-> %04X)", info.Name, delta, offset+n+int(delta)), n

	case OpClosure:
		return fmt.Sprintf("CLOSURE fn=%d", c.ReadU16(offset+1)), n

	case OpCallNative:
		idx := c.ReadU16(offset + 1)
		return fmt.Sprintf("CALL_NATIVE %d (%s) argc=%d", idx, c.constName(idx), c.Code[offset+3]), n

	case OpStruct:
		idx := c.ReadU16(offset + 1)
		return fmt.Sprintf("STRUCT %d (%s) fields=%d", idx, c.constName(idx), c.Code[offset+3]), n

	case OpSpawn:
		return fmt.Sprintf("SPAWN fn=%d argc=%d", c.ReadU16(offset+1), c.Code[offset+3]), n

	default:
		if info.OperandLen == 0 {
			return info.Name, n
		}
		operands := make([]string, 0, info.OperandLen)
		for i := 0; i < info.OperandLen; i++ {
			operands = append(operands, fmt.Sprintf("%d", c.Code[offset+1+i]))
		}
		return fmt.Sprintf("%s %s", info.Name, strings.Join(operands, " ")), n
	}
}

func (c *Chunk) constName(idx uint16) string {
	if int(idx) < len(c.Constants) && c.Constants[idx].Kind == ConstString {
		return c.Constants[idx].Str
	}
	return "?"
}

// DisassembleInstruction returns a human-readable representation of a single instruction.
func (c *Chunk) DisassembleInstruction(offset int) string {
	line, _ := c.disassembleInstruction(offset)
	return line
}

// DisassembleToLines returns the disassembly as a slice of lines.
func (c *Chunk) DisassembleToLines() []string {
	var lines []string
	offset := 0
	for offset < len(c.Code) {
		line, instrLen := c.disassembleInstruction(offset)
		lines = append(lines, fmt.Sprintf("%04X  %s", offset, line))
		if instrLen <= 0 {
			break
		}
		offset += instrLen
	}
	return lines
}

// InstructionCount returns the number of instructions in the chunk.
func (c *Chunk) InstructionCount() int {
	count := 0
	for offset := 0; offset < len(c.Code); count++ {
		offset += Opcode(c.Code[offset]).InstructionLen()
	}
	return count
}
