package bytecode

import "encoding/binary"

// AppendULEB128 appends the unsigned LEB128 encoding of v.
// The base-128 little-endian group layout is the same one encoding/binary
// uses for uvarints, so that encoder is reused.
func AppendULEB128(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// AppendSLEB128 appends the signed LEB128 encoding of v. Encoding stops at
// the first group whose bit 6 already sign-extends to the remaining value.
func AppendSLEB128(dst []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		dst = append(dst, b)
		if done {
			return dst
		}
	}
}

// ReadULEB128 decodes an unsigned LEB128 value from the start of b and
// returns it with the number of bytes consumed.
func ReadULEB128(b []byte) (uint64, int, error) {
	v, n := binary.Uvarint(b)
	switch {
	case n == 0:
		return 0, 0, &Error{Errno: InvalidOperation, PC: -1, Detail: "truncated ULEB128 operand"}
	case n < 0:
		return 0, 0, &Error{Errno: InvalidOperation, PC: -1, Detail: "ULEB128 operand overflows 64 bits"}
	}
	return v, n, nil
}

// ReadSLEB128 decodes a signed LEB128 value from the start of b and
// returns it with the number of bytes consumed.
func ReadSLEB128(b []byte) (int64, int, error) {
	var result int64
	var shift uint
	for i, c := range b {
		if i == binary.MaxVarintLen64-1 {
			// Only the sign bit of the final group fits in 64 bits.
			if low := c & 0x7f; c&0x80 != 0 || (low != 0 && low != 0x7f) {
				return 0, 0, &Error{Errno: InvalidOperation, PC: -1, Detail: "SLEB128 operand overflows 64 bits"}
			}
		}
		result |= int64(c&0x7f) << shift
		shift += 7
		if c&0x80 == 0 {
			if shift < 64 && c&0x40 != 0 {
				result |= -1 << shift
			}
			return result, i + 1, nil
		}
	}
	return 0, 0, &Error{Errno: InvalidOperation, PC: -1, Detail: "truncated SLEB128 operand"}
}
