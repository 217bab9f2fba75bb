package bytecode

import (
	"fmt"
	"strings"
)

// Opcode represents a single expression operation.
// Numbering follows the DWARF DW_OP_* assignment and never changes;
// new operations are only ever added in unused slots.
type Opcode byte

const (
	// ========================================================================
	// Literal encodings (0x03-0x11)
	// ========================================================================

	OpAddr    Opcode = 0x03 // Push address-sized immediate: OpAddr <addr>
	OpDeref   Opcode = 0x06 // Pop address, push address-sized value read from memory
	OpConst1u Opcode = 0x08 // Push unsigned 1-byte immediate
	OpConst1s Opcode = 0x09 // Push signed 1-byte immediate
	OpConst2u Opcode = 0x0a // Push unsigned 2-byte immediate
	OpConst2s Opcode = 0x0b // Push signed 2-byte immediate
	OpConst4u Opcode = 0x0c // Push unsigned 4-byte immediate
	OpConst4s Opcode = 0x0d // Push signed 4-byte immediate
	OpConst8u Opcode = 0x0e // Push unsigned 8-byte immediate
	OpConst8s Opcode = 0x0f // Push signed 8-byte immediate
	OpConstu  Opcode = 0x10 // Push ULEB128 immediate
	OpConsts  Opcode = 0x11 // Push SLEB128 immediate

	// ========================================================================
	// Stack manipulation (0x12-0x18)
	// ========================================================================

	OpDup    Opcode = 0x12 // Duplicate top of stack
	OpDrop   Opcode = 0x13 // Pop top of stack
	OpOver   Opcode = 0x14 // Push copy of second entry
	OpPick   Opcode = 0x15 // Push copy of entry N: OpPick <index:u8>
	OpSwap   Opcode = 0x16 // Swap top two entries
	OpRot    Opcode = 0x17 // Rotate top three: top becomes third, second becomes top
	OpXderef Opcode = 0x18 // Multi address-space deref (not evaluated)

	// ========================================================================
	// Arithmetic and logical (0x19-0x27)
	// ========================================================================

	OpAbs        Opcode = 0x19
	OpAnd        Opcode = 0x1a
	OpDiv        Opcode = 0x1b // Floor division, b / a where a is TOS
	OpMinus      Opcode = 0x1c // b - a where a is TOS
	OpMod        Opcode = 0x1d // Floor modulo, sign follows divisor
	OpMul        Opcode = 0x1e
	OpNeg        Opcode = 0x1f
	OpNot        Opcode = 0x20 // Bitwise complement
	OpOr         Opcode = 0x21
	OpPlus       Opcode = 0x22
	OpPlusUconst Opcode = 0x23 // Add ULEB128 immediate to TOS
	OpShl        Opcode = 0x24
	OpShr        Opcode = 0x25 // Logical shift right
	OpShra       Opcode = 0x26 // Arithmetic shift right
	OpXor        Opcode = 0x27

	// ========================================================================
	// Control flow and comparison (0x28-0x2F)
	// ========================================================================

	OpBra  Opcode = 0x28 // Pop, jump if nonzero: OpBra <offset:i16>
	OpEq   Opcode = 0x29
	OpGe   Opcode = 0x2a
	OpGt   Opcode = 0x2b
	OpLe   Opcode = 0x2c
	OpLt   Opcode = 0x2d
	OpNe   Opcode = 0x2e
	OpSkip Opcode = 0x2f // Unconditional jump: OpSkip <offset:i16>

	// ========================================================================
	// Small literals (0x30-0x4F)
	// ========================================================================

	OpLit0  Opcode = 0x30
	OpLit31 Opcode = 0x4f

	// ========================================================================
	// Register locations (0x50-0x6F) and based registers (0x70-0x8F)
	// ========================================================================

	OpReg0   Opcode = 0x50
	OpReg31  Opcode = 0x6f
	OpBreg0  Opcode = 0x70 // Push register 0 + SLEB128 offset
	OpBreg31 Opcode = 0x8f

	// ========================================================================
	// Extended forms and sized access (0x90-0x96)
	// ========================================================================

	OpRegx       Opcode = 0x90 // Register location: OpRegx <reg:uleb>
	OpFbreg      Opcode = 0x91 // Push frame base + SLEB128 offset
	OpBregx      Opcode = 0x92 // OpBregx <reg:uleb> <offset:sleb>
	OpPiece      Opcode = 0x93 // Composite location piece: OpPiece <size:uleb>
	OpDerefSize  Opcode = 0x94 // Pop address, push N-byte value: OpDerefSize <size:u8>
	OpXderefSize Opcode = 0x95
	OpNop        Opcode = 0x96
)

// OperandKind describes how one immediate operand is encoded.
type OperandKind uint8

const (
	OperandU8    OperandKind = iota + 1 // 1 byte unsigned
	OperandS8                           // 1 byte signed
	OperandU16                          // 2 bytes little-endian unsigned
	OperandS16                          // 2 bytes little-endian signed
	OperandU32                          // 4 bytes little-endian unsigned
	OperandS32                          // 4 bytes little-endian signed
	OperandU64                          // 8 bytes little-endian unsigned
	OperandS64                          // 8 bytes little-endian signed
	OperandULEB                         // unsigned LEB128
	OperandSLEB                         // signed LEB128
	OperandAddr                         // address-size bytes, little-endian unsigned
	OperandRel16                        // signed 16-bit jump offset, relative to the next instruction
)

var operandKindNames = map[OperandKind]string{
	OperandU8:    "u8",
	OperandS8:    "s8",
	OperandU16:   "u16",
	OperandS16:   "s16",
	OperandU32:   "u32",
	OperandS32:   "s32",
	OperandU64:   "u64",
	OperandS64:   "s64",
	OperandULEB:  "uleb",
	OperandSLEB:  "sleb",
	OperandAddr:  "addr",
	OperandRel16: "rel16",
}

func (k OperandKind) String() string {
	if s, ok := operandKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("OperandKind(%d)", k)
}

// Signed reports whether operand values of this kind are two's complement.
func (k OperandKind) Signed() bool {
	switch k {
	case OperandS8, OperandS16, OperandS32, OperandS64, OperandSLEB, OperandRel16:
		return true
	}
	return false
}

// Size returns the fixed byte width of the operand, or 0 for LEB128 kinds.
// addrSize is only consulted for OperandAddr.
func (k OperandKind) Size(addrSize int) int {
	switch k {
	case OperandU8, OperandS8:
		return 1
	case OperandU16, OperandS16, OperandRel16:
		return 2
	case OperandU32, OperandS32:
		return 4
	case OperandU64, OperandS64:
		return 8
	case OperandAddr:
		return addrSize
	}
	return 0
}

// OpcodeInfo provides metadata about each opcode for encoding, decoding and validation.
type OpcodeInfo struct {
	Name      string        // DWARF name without the DW_OP_ prefix
	StackPop  int           // Values popped from the stack
	StackPush int           // Values pushed to the stack
	Operands  []OperandKind // Immediate operands, in encoding order
	Evaluable bool          // False for location descriptions that need a debugger context
}

// opcodeInfoTable maps opcodes to their metadata. Built once in init and
// never mutated afterwards.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	// Literal encodings
	OpAddr:    {"addr", 0, 1, []OperandKind{OperandAddr}, true},
	OpDeref:   {"deref", 1, 1, nil, true},
	OpConst1u: {"const1u", 0, 1, []OperandKind{OperandU8}, true},
	OpConst1s: {"const1s", 0, 1, []OperandKind{OperandS8}, true},
	OpConst2u: {"const2u", 0, 1, []OperandKind{OperandU16}, true},
	OpConst2s: {"const2s", 0, 1, []OperandKind{OperandS16}, true},
	OpConst4u: {"const4u", 0, 1, []OperandKind{OperandU32}, true},
	OpConst4s: {"const4s", 0, 1, []OperandKind{OperandS32}, true},
	OpConst8u: {"const8u", 0, 1, []OperandKind{OperandU64}, true},
	OpConst8s: {"const8s", 0, 1, []OperandKind{OperandS64}, true},
	OpConstu:  {"constu", 0, 1, []OperandKind{OperandULEB}, true},
	OpConsts:  {"consts", 0, 1, []OperandKind{OperandSLEB}, true},

	// Stack manipulation
	OpDup:    {"dup", 1, 2, nil, true},
	OpDrop:   {"drop", 1, 0, nil, true},
	OpOver:   {"over", 2, 3, nil, true},
	OpPick:   {"pick", 0, 1, []OperandKind{OperandU8}, true},
	OpSwap:   {"swap", 2, 2, nil, true},
	OpRot:    {"rot", 3, 3, nil, true},
	OpXderef: {"xderef", 2, 1, nil, false},

	// Arithmetic and logical
	OpAbs:        {"abs", 1, 1, nil, true},
	OpAnd:        {"and", 2, 1, nil, true},
	OpDiv:        {"div", 2, 1, nil, true},
	OpMinus:      {"minus", 2, 1, nil, true},
	OpMod:        {"mod", 2, 1, nil, true},
	OpMul:        {"mul", 2, 1, nil, true},
	OpNeg:        {"neg", 1, 1, nil, true},
	OpNot:        {"not", 1, 1, nil, true},
	OpOr:         {"or", 2, 1, nil, true},
	OpPlus:       {"plus", 2, 1, nil, true},
	OpPlusUconst: {"plus_uconst", 1, 1, []OperandKind{OperandULEB}, true},
	OpShl:        {"shl", 2, 1, nil, true},
	OpShr:        {"shr", 2, 1, nil, true},
	OpShra:       {"shra", 2, 1, nil, true},
	OpXor:        {"xor", 2, 1, nil, true},

	// Control flow and comparison
	OpBra:  {"bra", 1, 0, []OperandKind{OperandRel16}, true},
	OpEq:   {"eq", 2, 1, nil, true},
	OpGe:   {"ge", 2, 1, nil, true},
	OpGt:   {"gt", 2, 1, nil, true},
	OpLe:   {"le", 2, 1, nil, true},
	OpLt:   {"lt", 2, 1, nil, true},
	OpNe:   {"ne", 2, 1, nil, true},
	OpSkip: {"skip", 0, 0, []OperandKind{OperandRel16}, true},

	// Extended forms
	OpRegx:       {"regx", 0, 0, []OperandKind{OperandULEB}, false},
	OpFbreg:      {"fbreg", 0, 1, []OperandKind{OperandSLEB}, true},
	OpBregx:      {"bregx", 0, 1, []OperandKind{OperandULEB, OperandSLEB}, true},
	OpPiece:      {"piece", 0, 0, []OperandKind{OperandULEB}, false},
	OpDerefSize:  {"deref_size", 1, 1, []OperandKind{OperandU8}, true},
	OpXderefSize: {"xderef_size", 2, 1, []OperandKind{OperandU8}, false},
	OpNop:        {"nop", 0, 0, nil, true},
}

// opcodeByName is the reverse index of opcodeInfoTable.
var opcodeByName = make(map[string]Opcode)

func init() {
	for i := 0; i <= 31; i++ {
		opcodeInfoTable[OpLit0+Opcode(i)] = OpcodeInfo{fmt.Sprintf("lit%d", i), 0, 1, nil, true}
		opcodeInfoTable[OpReg0+Opcode(i)] = OpcodeInfo{fmt.Sprintf("reg%d", i), 0, 0, nil, false}
		opcodeInfoTable[OpBreg0+Opcode(i)] = OpcodeInfo{fmt.Sprintf("breg%d", i), 0, 1, []OperandKind{OperandSLEB}, true}
	}
	for op, info := range opcodeInfoTable {
		opcodeByName[info.Name] = op
	}
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns an OpcodeInfo named "UNKNOWN(0xNN)" if the opcode is not defined.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// Lookup resolves an operation name such as "plus" or "DW_OP_plus".
func Lookup(name string) (Opcode, error) {
	key := strings.ToLower(strings.TrimPrefix(name, "DW_OP_"))
	if op, ok := opcodeByName[key]; ok {
		return op, nil
	}
	return 0, &Error{Errno: InvalidOperation, PC: -1, Detail: fmt.Sprintf("unknown operation %q", name)}
}

// String returns the DWARF name of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// Defined reports whether the opcode has an entry in the table.
func (op Opcode) Defined() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// Operands returns the operand kinds for this opcode.
func (op Opcode) Operands() []OperandKind {
	return GetOpcodeInfo(op).Operands
}

// IsJump returns true for bra and skip.
func (op Opcode) IsJump() bool {
	return op == OpBra || op == OpSkip
}

// IsLiteral returns true for lit0..lit31.
func (op Opcode) IsLiteral() bool {
	return op >= OpLit0 && op <= OpLit31
}

// IsReg returns true for reg0..reg31.
func (op Opcode) IsReg() bool {
	return op >= OpReg0 && op <= OpReg31
}

// IsBreg returns true for breg0..breg31.
func (op Opcode) IsBreg() bool {
	return op >= OpBreg0 && op <= OpBreg31
}

// AllOpcodes returns every defined opcode in numeric order.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for i := 0; i < 256; i++ {
		if _, ok := opcodeInfoTable[Opcode(i)]; ok {
			opcodes = append(opcodes, Opcode(i))
		}
	}
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
