package bytecode

import (
	"fmt"
	"math/big"
	"strings"
)

// List of evaluation traps for Errno
const (
	StackUnderflow = Errno(iota + 1)
	OutOfBounds
	DivideByZero
	InvalidOperation
	StepLimitExceeded
)

var strError = map[Errno]string{
	StackUnderflow:    "stack underflow",
	OutOfBounds:       "address out of bounds",
	DivideByZero:      "division by zero",
	InvalidOperation:  "invalid operation",
	StepLimitExceeded: "step limit exceeded",
}

// Errno describes the reason an operation failed.
type Errno int

func (e Errno) Error() string {
	if s, ok := strError[e]; ok {
		return s
	}
	return fmt.Sprintf("errno %d", int(e))
}

// Error describes the cause and the context of a failed operation.
// A failed operation leaves the machine exactly as it was before the call,
// so Stack is also the machine's current stack.
type Error struct {
	Errno  Errno      // nature of the failure
	PC     int        // instruction offset, -1 outside Run
	Op     Opcode     // operation that failed
	Addr   *big.Int   // faulting address when Errno is OutOfBounds
	Stack  []*big.Int // stack snapshot, bottom first
	Detail string     // optional human-readable context
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("dwexpr: ")
	sb.WriteString(e.Errno.Error())
	if e.Op.Defined() {
		fmt.Fprintf(&sb, " in %s", e.Op)
	}
	if e.PC >= 0 {
		fmt.Fprintf(&sb, " at 0x%04X", e.PC)
	}
	if e.Errno == OutOfBounds && e.Addr != nil {
		fmt.Fprintf(&sb, " (address 0x%x)", e.Addr)
	}
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	return sb.String()
}

// Unwrap exposes the Errno so errors.Is(err, StackUnderflow) works.
func (e *Error) Unwrap() error {
	return e.Errno
}
