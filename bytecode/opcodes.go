package bytecode

import "fmt"

// Opcode represents a bytecode instruction.
// Opcodes are organized into ranges by category for easy identification.
type Opcode byte

const (
	// ========================================================================
	// Stack manipulation (0x00-0x0F)
	// ========================================================================

	OpNop  Opcode = 0x00 // No operation
	OpPop  Opcode = 0x01 // Pop top of stack
	OpDup  Opcode = 0x02 // Duplicate top of stack
	OpSwap Opcode = 0x03 // Swap top two stack elements

	// ========================================================================
	// Constants (0x10-0x1F)
	// ========================================================================

	OpConst    Opcode = 0x10 // Push constant: OpConst <index:u16>
	OpNil      Opcode = 0x11 // Push nil
	OpTrue     Opcode = 0x12 // Push true
	OpFalse    Opcode = 0x13 // Push false
	OpSmallInt Opcode = 0x14 // Push int: OpSmallInt <value:i16>

	// ========================================================================
	// Variables (0x20-0x2F)
	// ========================================================================

	OpLoadLocal    Opcode = 0x20 // Push frame slot: OpLoadLocal <slot:u8>
	OpStoreLocal   Opcode = 0x21 // Pop into frame slot: OpStoreLocal <slot:u8>
	OpLoadGlobal   Opcode = 0x22 // Push global: OpLoadGlobal <name:u16>
	OpStoreGlobal  Opcode = 0x23 // Pop into global: OpStoreGlobal <name:u16>
	OpLoadUpvalue  Opcode = 0x24 // Push captured variable: OpLoadUpvalue <index:u8>
	OpStoreUpvalue Opcode = 0x25 // Pop into captured variable: OpStoreUpvalue <index:u8>
	OpCloseUpvalue Opcode = 0x26 // Close upvalues at or above TOS slot, then pop

	// ========================================================================
	// Arithmetic (0x30-0x3F)
	// ========================================================================

	OpAdd Opcode = 0x30 // Pop two, push sum
	OpSub Opcode = 0x31 // Pop two, push difference (a - b where b is TOS)
	OpMul Opcode = 0x32 // Pop two, push product
	OpDiv Opcode = 0x33 // Pop two, push quotient
	OpMod Opcode = 0x34 // Pop two, push remainder
	OpNeg Opcode = 0x35 // Negate top of stack

	// ========================================================================
	// Comparison and logic (0x40-0x4F)
	// ========================================================================

	OpEq  Opcode = 0x40 // Pop two, push a == b
	OpNe  Opcode = 0x41 // Pop two, push a != b
	OpLt  Opcode = 0x42 // Pop two, push a < b
	OpLe  Opcode = 0x43 // Pop two, push a <= b
	OpGt  Opcode = 0x44 // Pop two, push a > b
	OpGe  Opcode = 0x45 // Pop two, push a >= b
	OpNot Opcode = 0x46 // Push true if TOS is falsy

	// ========================================================================
	// Control flow (0x50-0x5F)
	// ========================================================================

	OpJump      Opcode = 0x50 // Unconditional jump: OpJump <offset:i16>
	OpJumpTrue  Opcode = 0x51 // Pop, jump if truthy: OpJumpTrue <offset:i16>
	OpJumpFalse Opcode = 0x52 // Pop, jump if falsy: OpJumpFalse <offset:i16>

	// ========================================================================
	// Functions (0x60-0x6F)
	// ========================================================================

	OpClosure    Opcode = 0x60 // Push closure over function: OpClosure <fn:u16>
	OpCall       Opcode = 0x61 // Call callee below argc args: OpCall <argc:u8>
	OpReturn     Opcode = 0x62 // Return TOS from the current frame
	OpCallNative Opcode = 0x63 // Call a registered primitive: OpCallNative <name:u16> <argc:u8>

	// ========================================================================
	// Collections (0x70-0x7F)
	// ========================================================================

	OpArray    Opcode = 0x70 // Pop n values into a new array: OpArray <n:u8>
	OpMap      Opcode = 0x71 // Push an empty map
	OpIndex    Opcode = 0x72 // container index -> element
	OpSetIndex Opcode = 0x73 // container index value -> container
	OpLen      Opcode = 0x74 // container -> length
	OpAppend   Opcode = 0x75 // array value -> array
	OpConcat   Opcode = 0x76 // Concatenate two strings
	OpOk       Opcode = 0x77 // Wrap TOS in an ok result
	OpErr      Opcode = 0x78 // Wrap TOS in an error result
	OpStruct   Opcode = 0x79 // Pop n fields into a struct: OpStruct <name:u16> <n:u8>
	OpIsOk     Opcode = 0x7A // result -> bool
	OpUnwrap   Opcode = 0x7B // result or option -> payload

	// ========================================================================
	// Concurrency (0x80-0x9F)
	// ========================================================================

	OpSpawn          Opcode = 0x80 // Spawn function with argc args: OpSpawn <fn:u16> <argc:u8>
	OpSend           Opcode = 0x81 // pid message -> bool
	OpReceive        Opcode = 0x82 // Push the next message, or wait
	OpReceiveTimeout Opcode = 0x83 // millis -> message or nil on timeout
	OpReceiveSystem  Opcode = 0x84 // Push the next exit or down message, or wait
	OpSelf           Opcode = 0x85 // Push own pid
	OpLink           Opcode = 0x86 // pid -> bool
	OpUnlink         Opcode = 0x87 // pid -> bool
	OpMonitor        Opcode = 0x88 // pid -> bool
	OpDemonitor      Opcode = 0x89 // pid -> bool
	OpYield          Opcode = 0x8A // End the current slice
	OpSender         Opcode = 0x8B // Push the sender pid of the last received message
	OpUpgrade        Opcode = 0x8C // Apply a pending code upgrade, if any

	// ========================================================================
	// Termination (0xF0-0xFF)
	// ========================================================================

	OpHalt  Opcode = 0xF0 // Stop with exit code 0
	OpExit  Opcode = 0xF1 // Pop exit code and stop
	OpCrash Opcode = 0xF2 // Pop reason and crash
)

// OpcodeInfo provides metadata about each opcode for debugging and validation.
type OpcodeInfo struct {
	Name       string // Human-readable name
	StackPop   int    // How many values popped from stack (-1 = variable)
	StackPush  int    // How many values pushed to stack
	OperandLen int    // Number of operand bytes following the opcode
	Cost       int    // Reductions charged
}

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	// Stack manipulation
	OpNop:  {"NOP", 0, 0, 0, 1},
	OpPop:  {"POP", 1, 0, 0, 1},
	OpDup:  {"DUP", 1, 2, 0, 1},
	OpSwap: {"SWAP", 2, 2, 0, 1},

	// Constants
	OpConst:    {"CONST", 0, 1, 2, 1},
	OpNil:      {"NIL", 0, 1, 0, 1},
	OpTrue:     {"TRUE", 0, 1, 0, 1},
	OpFalse:    {"FALSE", 0, 1, 0, 1},
	OpSmallInt: {"SMALL_INT", 0, 1, 2, 1},

	// Variables
	OpLoadLocal:    {"LOAD_LOCAL", 0, 1, 1, 1},
	OpStoreLocal:   {"STORE_LOCAL", 1, 0, 1, 1},
	OpLoadGlobal:   {"LOAD_GLOBAL", 0, 1, 2, 1},
	OpStoreGlobal:  {"STORE_GLOBAL", 1, 0, 2, 1},
	OpLoadUpvalue:  {"LOAD_UPVALUE", 0, 1, 1, 1},
	OpStoreUpvalue: {"STORE_UPVALUE", 1, 0, 1, 1},
	OpCloseUpvalue: {"CLOSE_UPVALUE", 1, 0, 0, 1},

	// Arithmetic
	OpAdd: {"ADD", 2, 1, 0, 1},
	OpSub: {"SUB", 2, 1, 0, 1},
	OpMul: {"MUL", 2, 1, 0, 1},
	OpDiv: {"DIV", 2, 1, 0, 1},
	OpMod: {"MOD", 2, 1, 0, 1},
	OpNeg: {"NEG", 1, 1, 0, 1},

	// Comparison
	OpEq:  {"EQ", 2, 1, 0, 1},
	OpNe:  {"NE", 2, 1, 0, 1},
	OpLt:  {"LT", 2, 1, 0, 1},
	OpLe:  {"LE", 2, 1, 0, 1},
	OpGt:  {"GT", 2, 1, 0, 1},
	OpGe:  {"GE", 2, 1, 0, 1},
	OpNot: {"NOT", 1, 1, 0, 1},

	// Control flow
	OpJump:      {"JUMP", 0, 0, 2, 1},
	OpJumpTrue:  {"JUMP_TRUE", 1, 0, 2, 1},
	OpJumpFalse: {"JUMP_FALSE", 1, 0, 2, 1},

	// Functions
	OpClosure:    {"CLOSURE", 0, 1, 2, 1},
	OpCall:       {"CALL", -1, 1, 1, 2},
	OpReturn:     {"RETURN", 1, 0, 0, 1},
	OpCallNative: {"CALL_NATIVE", -1, 1, 3, 4},

	// Collections
	OpArray:    {"ARRAY", -1, 1, 1, 1},
	OpMap:      {"MAP", 0, 1, 0, 1},
	OpIndex:    {"INDEX", 2, 1, 0, 1},
	OpSetIndex: {"SET_INDEX", 3, 1, 0, 1},
	OpLen:      {"LEN", 1, 1, 0, 1},
	OpAppend:   {"APPEND", 2, 1, 0, 1},
	OpConcat:   {"CONCAT", 2, 1, 0, 1},
	OpOk:       {"OK", 1, 1, 0, 1},
	OpErr:      {"ERR", 1, 1, 0, 1},
	OpStruct:   {"STRUCT", -1, 1, 3, 1},
	OpIsOk:     {"IS_OK", 1, 1, 0, 1},
	OpUnwrap:   {"UNWRAP", 1, 1, 0, 1},

	// Concurrency
	OpSpawn:          {"SPAWN", -1, 1, 3, 10},
	OpSend:           {"SEND", 2, 1, 0, 4},
	OpReceive:        {"RECEIVE", 0, 1, 0, 2},
	OpReceiveTimeout: {"RECEIVE_TIMEOUT", 1, 1, 0, 2},
	OpReceiveSystem:  {"RECEIVE_SYSTEM", 0, 1, 0, 2},
	OpSelf:           {"SELF", 0, 1, 0, 1},
	OpLink:           {"LINK", 1, 1, 0, 2},
	OpUnlink:         {"UNLINK", 1, 1, 0, 2},
	OpMonitor:        {"MONITOR", 1, 1, 0, 2},
	OpDemonitor:      {"DEMONITOR", 1, 1, 0, 2},
	OpYield:          {"YIELD", 0, 0, 0, 1},
	OpSender:         {"SENDER", 0, 1, 0, 1},
	OpUpgrade:        {"UPGRADE", 0, 1, 0, 10},

	// Termination
	OpHalt:  {"HALT", 0, 0, 0, 1},
	OpExit:  {"EXIT", 1, 0, 0, 1},
	OpCrash: {"CRASH", 1, 0, 0, 1},
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op)), Cost: 1}
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// OperandLen returns the number of operand bytes for this opcode.
func (op Opcode) OperandLen() int {
	return GetOpcodeInfo(op).OperandLen
}

// InstructionLen returns the total length of an instruction (1 + operand bytes).
func (op Opcode) InstructionLen() int {
	return 1 + op.OperandLen()
}

// Cost returns the reductions charged for executing op.
func (op Opcode) Cost() int {
	return GetOpcodeInfo(op).Cost
}

// IsJump returns true if this opcode is a jump instruction.
func (op Opcode) IsJump() bool {
	return op >= OpJump && op <= OpJumpFalse
}

// IsTerminal returns true if this opcode ends the block.
func (op Opcode) IsTerminal() bool {
	return op >= OpHalt && op <= OpCrash
}

// IsReceive returns true if this opcode may suspend the block on its mailbox.
func (op Opcode) IsReceive() bool {
	return op >= OpReceive && op <= OpReceiveSystem
}

// IsValid reports whether op is a defined opcode.
func (op Opcode) IsValid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// AllOpcodes returns a slice of all defined opcodes.
// Useful for testing that all opcodes have metadata.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
