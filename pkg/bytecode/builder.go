package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DefaultAddressSize is the width in bytes of addr operands and deref reads
// unless configured otherwise.
const DefaultAddressSize = 8

// Builder assembles an expression one operation at a time. Every method
// appends exactly one encoded operation and returns the builder, so call
// order is byte order. Encoding never evaluates anything.
//
// Fixed-width immediates that do not fit their width are truncated with
// two's-complement wraparound; that is part of the encoding and not an
// error. The first real error (unknown operation, bad jump patch) is
// sticky: later calls are ignored and Err reports it.
type Builder struct {
	code     []byte
	addrSize int
	err      error
}

// NewBuilder creates a builder for the given address size (4 or 8).
func NewBuilder(addrSize int) *Builder {
	b := &Builder{code: make([]byte, 0, 64), addrSize: addrSize}
	if addrSize != 4 && addrSize != 8 {
		b.err = &Error{Errno: InvalidOperation, PC: -1, Detail: fmt.Sprintf("address size %d (want 4 or 8)", addrSize)}
	}
	return b
}

// AddressSize returns the builder's address size.
func (b *Builder) AddressSize() int { return b.addrSize }

// Len returns the number of bytes emitted so far.
func (b *Builder) Len() int { return len(b.code) }

// Err returns the first error encountered, if any.
func (b *Builder) Err() error { return b.err }

// Bytes returns the encoded operations without a length prefix.
func (b *Builder) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	out := make([]byte, len(b.code))
	copy(out, b.code)
	return out, nil
}

// Expression returns the encoded operations preceded by their ULEB128
// byte length, the form embedded in debug information.
func (b *Builder) Expression() ([]byte, error) {
	body, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	return append(AppendULEB128(nil, uint64(len(body))), body...), nil
}

// SplitExpression strips the ULEB128 length prefix from a length-prefixed
// expression and returns the body. Trailing bytes after the body are
// returned as rest.
func SplitExpression(data []byte) (body, rest []byte, err error) {
	n, k, err := ReadULEB128(data)
	if err != nil {
		return nil, nil, fmt.Errorf("expression length: %w", err)
	}
	if n > uint64(len(data)-k) {
		return nil, nil, &Error{Errno: InvalidOperation, PC: -1,
			Detail: fmt.Sprintf("expression length %d exceeds %d available bytes", n, len(data)-k)}
	}
	return data[k : k+int(n)], data[k+int(n):], nil
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// Emit appends op with its operands. Operand count must match the opcode
// table; signed operands are passed as their two's-complement bit pattern.
func (b *Builder) Emit(op Opcode, args ...uint64) *Builder {
	if b.err != nil {
		return b
	}
	info, ok := opcodeInfoTable[op]
	if !ok {
		return b.fail(&Error{Errno: InvalidOperation, PC: -1, Detail: fmt.Sprintf("undefined opcode 0x%02X", byte(op))})
	}
	if len(args) != len(info.Operands) {
		return b.fail(&Error{Errno: InvalidOperation, PC: -1, Op: op,
			Detail: fmt.Sprintf("%d operands given, %s takes %d", len(args), info.Name, len(info.Operands))})
	}
	b.code = append(b.code, byte(op))
	for i, kind := range info.Operands {
		b.code = appendOperand(b.code, kind, args[i], b.addrSize)
	}
	return b
}

func appendOperand(dst []byte, kind OperandKind, v uint64, addrSize int) []byte {
	switch kind {
	case OperandU8, OperandS8:
		return append(dst, byte(v))
	case OperandU16, OperandS16, OperandRel16:
		return binary.LittleEndian.AppendUint16(dst, uint16(v))
	case OperandU32, OperandS32:
		return binary.LittleEndian.AppendUint32(dst, uint32(v))
	case OperandU64, OperandS64:
		return binary.LittleEndian.AppendUint64(dst, v)
	case OperandULEB:
		return AppendULEB128(dst, v)
	case OperandSLEB:
		return AppendSLEB128(dst, int64(v))
	case OperandAddr:
		if addrSize == 4 {
			return binary.LittleEndian.AppendUint32(dst, uint32(v))
		}
		return binary.LittleEndian.AppendUint64(dst, v)
	}
	return dst
}

// Op appends an operation that takes no operands.
func (b *Builder) Op(op Opcode) *Builder {
	return b.Emit(op)
}

// Named appends a no-operand operation by DWARF name. Unknown names fail
// with InvalidOperation.
func (b *Builder) Named(name string) *Builder {
	if b.err != nil {
		return b
	}
	op, err := Lookup(name)
	if err != nil {
		return b.fail(err)
	}
	return b.Emit(op)
}

// Addr pushes an address-sized immediate.
func (b *Builder) Addr(addr uint64) *Builder { return b.Emit(OpAddr, addr) }

// Deref pops an address and pushes the address-sized value stored there.
func (b *Builder) Deref() *Builder { return b.Emit(OpDeref) }

// DerefSize pops an address and pushes the size-byte value stored there.
func (b *Builder) DerefSize(size uint8) *Builder { return b.Emit(OpDerefSize, uint64(size)) }

func (b *Builder) Const1u(v uint64) *Builder { return b.Emit(OpConst1u, v) }
func (b *Builder) Const1s(v int64) *Builder  { return b.Emit(OpConst1s, uint64(v)) }
func (b *Builder) Const2u(v uint64) *Builder { return b.Emit(OpConst2u, v) }
func (b *Builder) Const2s(v int64) *Builder  { return b.Emit(OpConst2s, uint64(v)) }
func (b *Builder) Const4u(v uint64) *Builder { return b.Emit(OpConst4u, v) }
func (b *Builder) Const4s(v int64) *Builder  { return b.Emit(OpConst4s, uint64(v)) }
func (b *Builder) Const8u(v uint64) *Builder { return b.Emit(OpConst8u, v) }
func (b *Builder) Const8s(v int64) *Builder  { return b.Emit(OpConst8s, uint64(v)) }
func (b *Builder) Constu(v uint64) *Builder  { return b.Emit(OpConstu, v) }
func (b *Builder) Consts(v int64) *Builder   { return b.Emit(OpConsts, uint64(v)) }

// Lit pushes a small literal with the one-byte litN form, falling back to
// constu for values above 31.
func (b *Builder) Lit(v uint64) *Builder {
	if v <= 31 {
		return b.Emit(OpLit0 + Opcode(v))
	}
	return b.Constu(v)
}

func (b *Builder) Dup() *Builder  { return b.Emit(OpDup) }
func (b *Builder) Drop() *Builder { return b.Emit(OpDrop) }
func (b *Builder) Over() *Builder { return b.Emit(OpOver) }
func (b *Builder) Swap() *Builder { return b.Emit(OpSwap) }
func (b *Builder) Rot() *Builder  { return b.Emit(OpRot) }

// Pick pushes a copy of the entry index places below the top; Pick(0) is Dup.
func (b *Builder) Pick(index uint8) *Builder { return b.Emit(OpPick, uint64(index)) }

func (b *Builder) Xderef() *Builder               { return b.Emit(OpXderef) }
func (b *Builder) XderefSize(size uint8) *Builder { return b.Emit(OpXderefSize, uint64(size)) }

func (b *Builder) Abs() *Builder   { return b.Emit(OpAbs) }
func (b *Builder) And() *Builder   { return b.Emit(OpAnd) }
func (b *Builder) Div() *Builder   { return b.Emit(OpDiv) }
func (b *Builder) Minus() *Builder { return b.Emit(OpMinus) }
func (b *Builder) Mod() *Builder   { return b.Emit(OpMod) }
func (b *Builder) Mul() *Builder   { return b.Emit(OpMul) }
func (b *Builder) Neg() *Builder   { return b.Emit(OpNeg) }
func (b *Builder) Not() *Builder   { return b.Emit(OpNot) }
func (b *Builder) Or() *Builder    { return b.Emit(OpOr) }
func (b *Builder) Plus() *Builder  { return b.Emit(OpPlus) }
func (b *Builder) Shl() *Builder   { return b.Emit(OpShl) }
func (b *Builder) Shr() *Builder   { return b.Emit(OpShr) }
func (b *Builder) Shra() *Builder  { return b.Emit(OpShra) }
func (b *Builder) Xor() *Builder   { return b.Emit(OpXor) }

// PlusUconst adds an unsigned immediate to the top of stack.
func (b *Builder) PlusUconst(v uint64) *Builder { return b.Emit(OpPlusUconst, v) }

func (b *Builder) Eq() *Builder { return b.Emit(OpEq) }
func (b *Builder) Ge() *Builder { return b.Emit(OpGe) }
func (b *Builder) Gt() *Builder { return b.Emit(OpGt) }
func (b *Builder) Le() *Builder { return b.Emit(OpLe) }
func (b *Builder) Lt() *Builder { return b.Emit(OpLt) }
func (b *Builder) Ne() *Builder { return b.Emit(OpNe) }

// Bra pops the top of stack and jumps by offset bytes if it is nonzero.
// The offset is relative to the end of this operation.
func (b *Builder) Bra(offset int16) *Builder { return b.Emit(OpBra, uint64(offset)) }

// Skip jumps unconditionally by offset bytes.
func (b *Builder) Skip(offset int16) *Builder { return b.Emit(OpSkip, uint64(offset)) }

// Reg names a register location, using regN for registers 0-31.
func (b *Builder) Reg(reg uint64) *Builder {
	if reg <= 31 {
		return b.Emit(OpReg0 + Opcode(reg))
	}
	return b.Emit(OpRegx, reg)
}

// Breg pushes register contents plus offset, using bregN for registers 0-31.
func (b *Builder) Breg(reg uint64, offset int64) *Builder {
	if reg <= 31 {
		return b.Emit(OpBreg0+Opcode(reg), uint64(offset))
	}
	return b.Emit(OpBregx, reg, uint64(offset))
}

// Fbreg pushes the frame base plus offset.
func (b *Builder) Fbreg(offset int64) *Builder { return b.Emit(OpFbreg, uint64(offset)) }

// Piece marks the preceding location as size bytes of a composite.
func (b *Builder) Piece(size uint64) *Builder { return b.Emit(OpPiece, size) }

func (b *Builder) Nop() *Builder { return b.Emit(OpNop) }

// EmitJump emits a jump with a placeholder offset.
// Returns the offset of the placeholder bytes for later patching.
func (b *Builder) EmitJump(op Opcode) int {
	if !op.IsJump() {
		b.fail(&Error{Errno: InvalidOperation, PC: -1, Op: op, Detail: "not a jump"})
		return -1
	}
	b.Emit(op, 0)
	return len(b.code) - 2
}

// PatchJump patches a jump placeholder to land on the current position.
func (b *Builder) PatchJump(placeholderOffset int) *Builder {
	return b.PatchJumpTo(placeholderOffset, len(b.code))
}

// PatchJumpTo patches a jump placeholder to land on target.
func (b *Builder) PatchJumpTo(placeholderOffset, target int) *Builder {
	if b.err != nil {
		return b
	}
	if placeholderOffset < 1 || placeholderOffset+2 > len(b.code) || !Opcode(b.code[placeholderOffset-1]).IsJump() {
		return b.fail(&Error{Errno: InvalidOperation, PC: -1, Detail: fmt.Sprintf("no jump placeholder at offset %d", placeholderOffset)})
	}
	// Relative to the end of the 2-byte operand.
	delta := target - (placeholderOffset + 2)
	if delta < math.MinInt16 || delta > math.MaxInt16 {
		return b.fail(&Error{Errno: InvalidOperation, PC: placeholderOffset - 1, Op: Opcode(b.code[placeholderOffset-1]),
			Detail: fmt.Sprintf("jump offset %d out of int16 range", delta)})
	}
	binary.LittleEndian.PutUint16(b.code[placeholderOffset:], uint16(int16(delta)))
	return b
}
