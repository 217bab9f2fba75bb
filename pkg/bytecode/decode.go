package bytecode

import (
	"encoding/binary"
	"fmt"
)

// Instruction is one decoded operation.
type Instruction struct {
	Offset int      // Byte offset of the opcode
	Op     Opcode   // Operation
	Args   []uint64 // Raw operand values; signed kinds hold two's complement
	Size   int      // Encoded length including the opcode byte
}

// Next returns the offset of the following instruction.
func (in Instruction) Next() int {
	return in.Offset + in.Size
}

// Arg returns operand i as an unsigned value.
func (in Instruction) Arg(i int) uint64 {
	return in.Args[i]
}

// SignedArg returns operand i reinterpreted as a signed value.
func (in Instruction) SignedArg(i int) int64 {
	return int64(in.Args[i])
}

// Target returns the absolute jump destination of a bra or skip.
func (in Instruction) Target() int {
	return in.Next() + int(in.SignedArg(0))
}

// Decode decodes the instruction at offset. Malformed or truncated bytes
// fail with InvalidOperation.
func Decode(code []byte, offset, addrSize int) (Instruction, error) {
	if offset < 0 || offset >= len(code) {
		return Instruction{}, &Error{Errno: InvalidOperation, PC: offset, Detail: "unexpected end of bytecode"}
	}
	op := Opcode(code[offset])
	info, ok := opcodeInfoTable[op]
	if !ok {
		return Instruction{}, &Error{Errno: InvalidOperation, PC: offset, Detail: fmt.Sprintf("unknown opcode 0x%02X", byte(op))}
	}

	in := Instruction{Offset: offset, Op: op}
	pos := offset + 1
	if len(info.Operands) > 0 {
		in.Args = make([]uint64, 0, len(info.Operands))
	}
	for _, kind := range info.Operands {
		v, n, err := readOperand(code[pos:], kind, addrSize)
		if err != nil {
			if e, ok := err.(*Error); ok {
				e.PC = offset
				e.Op = op
			}
			return Instruction{}, err
		}
		in.Args = append(in.Args, v)
		pos += n
	}
	in.Size = pos - offset
	return in, nil
}

func readOperand(b []byte, kind OperandKind, addrSize int) (uint64, int, error) {
	switch kind {
	case OperandULEB:
		return ReadULEB128(b)
	case OperandSLEB:
		v, n, err := ReadSLEB128(b)
		return uint64(v), n, err
	}

	size := kind.Size(addrSize)
	if size == 0 || len(b) < size {
		return 0, 0, &Error{Errno: InvalidOperation, PC: -1,
			Detail: fmt.Sprintf("unexpected end of bytecode reading %s operand", kind)}
	}
	var v uint64
	switch size {
	case 1:
		v = uint64(b[0])
		if kind == OperandS8 {
			v = uint64(int64(int8(b[0])))
		}
	case 2:
		u := binary.LittleEndian.Uint16(b)
		v = uint64(u)
		if kind.Signed() {
			v = uint64(int64(int16(u)))
		}
	case 4:
		u := binary.LittleEndian.Uint32(b)
		v = uint64(u)
		if kind.Signed() {
			v = uint64(int64(int32(u)))
		}
	case 8:
		v = binary.LittleEndian.Uint64(b)
	}
	return v, size, nil
}

// DecodeAll decodes a complete operation stream.
func DecodeAll(code []byte, addrSize int) ([]Instruction, error) {
	var out []Instruction
	for offset := 0; offset < len(code); {
		in, err := Decode(code, offset, addrSize)
		if err != nil {
			return out, err
		}
		out = append(out, in)
		offset = in.Next()
	}
	return out, nil
}
