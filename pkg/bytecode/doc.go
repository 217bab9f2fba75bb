// Package bytecode implements a DWARF-expression-style stack machine: the
// opcode table, a fluent encoder, a decoder and disassembler, and an
// interpreter that evaluates encoded expressions against a value stack and
// a flat memory buffer.
//
// The format is designed for:
//   - Bit compatibility with DW_OP_* expressions (same numbering, operand
//     encodings and length prefix)
//   - Deterministic evaluation with no I/O, suitable as a reference oracle
//   - Safe evaluation of untrusted input (bounded steps, bounds-checked
//     memory, no mutation on failure)
//
// # Architecture Overview
//
//   - Opcodes: a frozen table keyed by numeric code. Each entry declares its
//     stack arity and operand kinds; encoder, decoder and interpreter all
//     read the same table.
//
//   - Builder: appends one operation per call and returns itself, so an
//     expression reads in the order its bytes are laid out. Jumps can be
//     emitted with placeholders and patched once the target is known.
//
//   - Machine: evaluates operations either one call at a time (Plus, Rot,
//     DerefSize...) or by running an encoded stream. Both paths share the
//     same implementation, so they always agree.
//
// # Value Model
//
// Stack values are arbitrary-precision integers. Nothing wraps on its own:
// code that emulates 32-bit arithmetic must mask after every operation that
// can overflow. Comparisons push 0 or 1.
//
// # Errors
//
// Failures are *Error values whose Errno is one of StackUnderflow,
// OutOfBounds, DivideByZero, InvalidOperation or StepLimitExceeded. Use
// errors.Is(err, bytecode.OutOfBounds) to classify them. Out-of-range
// fixed-width immediates are not errors: the encoder truncates them.
package bytecode
