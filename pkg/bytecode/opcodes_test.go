package bytecode

import (
	"errors"
	"strings"
	"testing"
)

func TestAllOpcodesHaveMetadata(t *testing.T) {
	for _, op := range AllOpcodes() {
		info := GetOpcodeInfo(op)
		if info.Name == "" || strings.HasPrefix(info.Name, "UNKNOWN") {
			t.Errorf("Opcode 0x%02X has no metadata", byte(op))
		}
	}
}

func TestOpcodeCount(t *testing.T) {
	// 12 literal encodings, 7 stack ops, 15 arithmetic, 8 control/compare,
	// 32 lit, 32 reg, 32 breg, 7 extended.
	if got := OpcodeCount(); got != 145 {
		t.Errorf("OpcodeCount() = %d, want 145", got)
	}
}

func TestOpcodeNumbering(t *testing.T) {
	// These codes are wire format and must never change.
	tests := []struct {
		name string
		code byte
	}{
		{"addr", 0x03},
		{"deref", 0x06},
		{"const1u", 0x08},
		{"const4u", 0x0c},
		{"const8s", 0x0f},
		{"constu", 0x10},
		{"consts", 0x11},
		{"dup", 0x12},
		{"drop", 0x13},
		{"over", 0x14},
		{"pick", 0x15},
		{"swap", 0x16},
		{"rot", 0x17},
		{"xderef", 0x18},
		{"abs", 0x19},
		{"and", 0x1a},
		{"div", 0x1b},
		{"minus", 0x1c},
		{"mod", 0x1d},
		{"mul", 0x1e},
		{"neg", 0x1f},
		{"not", 0x20},
		{"or", 0x21},
		{"plus", 0x22},
		{"plus_uconst", 0x23},
		{"shl", 0x24},
		{"shr", 0x25},
		{"shra", 0x26},
		{"xor", 0x27},
		{"bra", 0x28},
		{"eq", 0x29},
		{"ge", 0x2a},
		{"gt", 0x2b},
		{"le", 0x2c},
		{"lt", 0x2d},
		{"ne", 0x2e},
		{"skip", 0x2f},
		{"lit0", 0x30},
		{"lit4", 0x34},
		{"lit31", 0x4f},
		{"reg0", 0x50},
		{"reg31", 0x6f},
		{"breg0", 0x70},
		{"breg31", 0x8f},
		{"regx", 0x90},
		{"fbreg", 0x91},
		{"bregx", 0x92},
		{"piece", 0x93},
		{"deref_size", 0x94},
		{"xderef_size", 0x95},
		{"nop", 0x96},
	}

	for _, tt := range tests {
		op, err := Lookup(tt.name)
		if err != nil {
			t.Errorf("Lookup(%q) error: %v", tt.name, err)
			continue
		}
		if byte(op) != tt.code {
			t.Errorf("Lookup(%q) = 0x%02X, want 0x%02X", tt.name, byte(op), tt.code)
		}
		if op.String() != tt.name {
			t.Errorf("Opcode(0x%02X).String() = %q, want %q", tt.code, op.String(), tt.name)
		}
	}
}

func TestLookupPrefixAndCase(t *testing.T) {
	for _, name := range []string{"DW_OP_plus", "PLUS", "DW_OP_PLUS"} {
		op, err := Lookup(name)
		if err != nil {
			t.Fatalf("Lookup(%q) error: %v", name, err)
		}
		if op != OpPlus {
			t.Errorf("Lookup(%q) = %s, want plus", name, op)
		}
	}
}

func TestLookupUnknown(t *testing.T) {
	// DWARF 3+ names outside the supported set.
	for _, name := range []string{"push_object_address", "call_frame_cfa", "stack_value", "bogus"} {
		_, err := Lookup(name)
		if !errors.Is(err, InvalidOperation) {
			t.Errorf("Lookup(%q) error = %v, want InvalidOperation", name, err)
		}
	}
}

func TestUnknownOpcodeString(t *testing.T) {
	op := Opcode(0xEE)
	if got := op.String(); !strings.HasPrefix(got, "UNKNOWN") {
		t.Errorf("Unknown opcode should return UNKNOWN, got %q", got)
	}
	if op.Defined() {
		t.Error("Opcode(0xEE).Defined() = true, want false")
	}
}

func TestOpcodeOperands(t *testing.T) {
	tests := []struct {
		op   Opcode
		want []OperandKind
	}{
		{OpDup, nil},
		{OpAddr, []OperandKind{OperandAddr}},
		{OpConst2s, []OperandKind{OperandS16}},
		{OpConstu, []OperandKind{OperandULEB}},
		{OpConsts, []OperandKind{OperandSLEB}},
		{OpPick, []OperandKind{OperandU8}},
		{OpBra, []OperandKind{OperandRel16}},
		{OpSkip, []OperandKind{OperandRel16}},
		{OpBreg0 + 5, []OperandKind{OperandSLEB}},
		{OpBregx, []OperandKind{OperandULEB, OperandSLEB}},
		{OpDerefSize, []OperandKind{OperandU8}},
	}

	for _, tt := range tests {
		got := tt.op.Operands()
		if len(got) != len(tt.want) {
			t.Errorf("%s.Operands() = %v, want %v", tt.op, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%s.Operands()[%d] = %s, want %s", tt.op, i, got[i], tt.want[i])
			}
		}
	}
}

func TestOpcodeArity(t *testing.T) {
	tests := []struct {
		op        Opcode
		pop, push int
	}{
		{OpPlus, 2, 1},
		{OpDup, 1, 2},
		{OpOver, 2, 3},
		{OpRot, 3, 3},
		{OpDrop, 1, 0},
		{OpBra, 1, 0},
		{OpSkip, 0, 0},
		{OpLit0, 0, 1},
		{OpDerefSize, 1, 1},
	}

	for _, tt := range tests {
		info := GetOpcodeInfo(tt.op)
		if info.StackPop != tt.pop || info.StackPush != tt.push {
			t.Errorf("%s arity = (%d, %d), want (%d, %d)", tt.op, info.StackPop, info.StackPush, tt.pop, tt.push)
		}
	}
}

func TestOpcodeClassification(t *testing.T) {
	if !OpBra.IsJump() || !OpSkip.IsJump() || OpPlus.IsJump() {
		t.Error("IsJump misclassifies bra/skip/plus")
	}
	if !(OpLit0 + 31).IsLiteral() || (OpLit31 + 1).IsLiteral() {
		t.Error("IsLiteral boundary wrong")
	}
	if !OpReg31.IsReg() || OpBreg0.IsReg() {
		t.Error("IsReg boundary wrong")
	}
	if !OpBreg31.IsBreg() || OpRegx.IsBreg() {
		t.Error("IsBreg boundary wrong")
	}
	for _, op := range []Opcode{OpReg0, OpRegx, OpPiece, OpXderef, OpXderefSize} {
		if GetOpcodeInfo(op).Evaluable {
			t.Errorf("%s should not be evaluable", op)
		}
	}
}

func TestAllOpcodesSorted(t *testing.T) {
	ops := AllOpcodes()
	for i := 1; i < len(ops); i++ {
		if ops[i-1] >= ops[i] {
			t.Fatalf("AllOpcodes not sorted at %d: %s >= %s", i, ops[i-1], ops[i])
		}
	}
}
