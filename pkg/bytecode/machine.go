package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"

	"github.com/tliron/commonlog"
)

const (
	// DefaultMemorySize is the size of the flat memory buffer.
	DefaultMemorySize = 0x100000

	// DefaultStepLimit bounds the number of instructions one Run executes.
	DefaultStepLimit = 1_000_000

	// maxShift bounds shl counts so a hostile expression cannot allocate
	// arbitrarily large integers.
	maxShift = 4096
)

var log = commonlog.GetLogger("dwexpr.bytecode")

// Machine evaluates operations against a value stack and a flat memory
// buffer. Stack values are arbitrary-precision integers: there is no
// native word width, so fixed-width arithmetic must be masked explicitly.
//
// Every operation checks its preconditions before touching state; a
// failing operation leaves the stack and memory exactly as they were.
// A Machine is single-use: Run may be called once.
type Machine struct {
	stack     []*big.Int
	mem       []byte
	base      uint64
	addrSize  int
	stepLimit int
	regs      map[uint64]uint64
	frameBase *uint64

	// Execution state
	pc      int    // Offset of the current instruction, -1 outside Run
	op      Opcode // Current operation for error context
	codeLen int
	steps   int
	used    bool

	// Debug/trace mode
	Trace bool
}

// Option configures a Machine.
type Option func(*Machine)

// WithMemorySize sets the size of the memory buffer in bytes.
func WithMemorySize(n int) Option {
	return func(m *Machine) { m.mem = make([]byte, n) }
}

// WithMemoryBase maps memory at base instead of zero, so absolute
// addresses from a loaded image can be used directly.
func WithMemoryBase(base uint64) Option {
	return func(m *Machine) { m.base = base }
}

// WithAddressSize sets the width of addr operands and deref reads (4 or 8).
func WithAddressSize(n int) Option {
	return func(m *Machine) { m.addrSize = n }
}

// WithStepLimit sets the maximum number of instructions Run executes.
func WithStepLimit(n int) Option {
	return func(m *Machine) { m.stepLimit = n }
}

// WithRegisters supplies register contents for breg and bregx.
func WithRegisters(regs map[uint64]uint64) Option {
	return func(m *Machine) { m.regs = regs }
}

// WithFrameBase supplies the frame base for fbreg.
func WithFrameBase(fb uint64) Option {
	return func(m *Machine) { m.frameBase = &fb }
}

// NewMachine creates a machine with an empty stack and zeroed memory.
func NewMachine(opts ...Option) (*Machine, error) {
	m := &Machine{
		addrSize:  DefaultAddressSize,
		stepLimit: DefaultStepLimit,
		pc:        -1,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.mem == nil {
		m.mem = make([]byte, DefaultMemorySize)
	}
	if m.addrSize != 4 && m.addrSize != 8 {
		return nil, fmt.Errorf("address size %d: want 4 or 8", m.addrSize)
	}
	if m.stepLimit <= 0 {
		return nil, fmt.Errorf("step limit %d: must be positive", m.stepLimit)
	}
	if uint64(len(m.mem)) > math.MaxUint64-m.base {
		return nil, fmt.Errorf("memory window 0x%x+0x%x overflows the address space", m.base, len(m.mem))
	}
	return m, nil
}

// AddressSize returns the configured address size.
func (m *Machine) AddressSize() int { return m.addrSize }

// Steps returns the number of instructions executed by Run.
func (m *Machine) Steps() int { return m.steps }

// Depth returns the number of values on the stack.
func (m *Machine) Depth() int { return len(m.stack) }

// Stack returns a copy of the stack, bottom first.
func (m *Machine) Stack() []*big.Int {
	out := make([]*big.Int, len(m.stack))
	for i, v := range m.stack {
		out[i] = new(big.Int).Set(v)
	}
	return out
}

// Top returns a copy of the top of stack.
func (m *Machine) Top() (*big.Int, error) {
	if len(m.stack) == 0 {
		return nil, m.fail(StackUnderflow, "empty stack")
	}
	return new(big.Int).Set(m.stack[len(m.stack)-1]), nil
}

// Store writes data into memory at addr. Hosts use it to seed keys and
// candidate input before evaluation.
func (m *Machine) Store(addr uint64, data []byte) error {
	off, err := m.locate(new(big.Int).SetUint64(addr), len(data))
	if err != nil {
		return err
	}
	copy(m.mem[off:], data)
	return nil
}

// Load returns a copy of n bytes of memory at addr.
func (m *Machine) Load(addr uint64, n int) ([]byte, error) {
	off, err := m.locate(new(big.Int).SetUint64(addr), n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, m.mem[off:off+n])
	return out, nil
}

// locate validates that [addr, addr+width) lies inside memory and returns
// the buffer offset.
func (m *Machine) locate(addr *big.Int, width int) (int, error) {
	size := uint64(len(m.mem))
	if width < 0 || addr.Sign() < 0 || !addr.IsUint64() {
		return 0, m.outOfBounds(addr)
	}
	a := addr.Uint64()
	if a < m.base || a-m.base > size || uint64(width) > size-(a-m.base) {
		return 0, m.outOfBounds(addr)
	}
	return int(a - m.base), nil
}

func (m *Machine) outOfBounds(addr *big.Int) error {
	e := m.fail(OutOfBounds, fmt.Sprintf("memory is 0x%x-0x%x", m.base, m.base+uint64(len(m.mem))))
	e.Addr = new(big.Int).Set(addr)
	return e
}

// fail builds an *Error for the current operation.
func (m *Machine) fail(errno Errno, detail string) *Error {
	return &Error{Errno: errno, PC: m.pc, Op: m.op, Stack: m.Stack(), Detail: detail}
}

func (m *Machine) need(n int) error {
	if len(m.stack) < n {
		return m.fail(StackUnderflow, fmt.Sprintf("need %d, have %d", n, len(m.stack)))
	}
	return nil
}

func (m *Machine) enter(op Opcode) {
	m.op = op
}

func (m *Machine) push(v *big.Int) {
	m.stack = append(m.stack, v)
}

// peek returns the value depth places below the top without copying.
func (m *Machine) peek(depth int) *big.Int {
	return m.stack[len(m.stack)-1-depth]
}

// Push pushes a copy of v.
func (m *Machine) Push(v *big.Int) {
	m.push(new(big.Int).Set(v))
}

// PushUint pushes an unsigned value.
func (m *Machine) PushUint(v uint64) {
	m.push(new(big.Int).SetUint64(v))
}

// PushInt pushes a signed value.
func (m *Machine) PushInt(v int64) {
	m.push(big.NewInt(v))
}

// ============ Memory ============

// Deref pops an address and pushes the address-sized little-endian value
// stored there.
func (m *Machine) Deref() error {
	m.enter(OpDeref)
	return m.deref(m.addrSize)
}

// DerefSize pops an address and pushes the size-byte little-endian value
// stored there, zero-extended. size must be 1, 2, 4 or 8.
func (m *Machine) DerefSize(size uint8) error {
	m.enter(OpDerefSize)
	switch size {
	case 1, 2, 4, 8:
	default:
		return m.fail(InvalidOperation, fmt.Sprintf("deref size %d (want 1, 2, 4 or 8)", size))
	}
	return m.deref(int(size))
}

func (m *Machine) deref(width int) error {
	if err := m.need(1); err != nil {
		return err
	}
	off, err := m.locate(m.peek(0), width)
	if err != nil {
		return err
	}
	var buf [8]byte
	copy(buf[:], m.mem[off:off+width])
	m.stack[len(m.stack)-1] = new(big.Int).SetUint64(binary.LittleEndian.Uint64(buf[:]))
	return nil
}

// ============ Stack manipulation ============

// Dup pushes a copy of the top of stack.
func (m *Machine) Dup() error {
	m.enter(OpDup)
	if err := m.need(1); err != nil {
		return err
	}
	m.push(m.peek(0))
	return nil
}

// Drop discards the top of stack.
func (m *Machine) Drop() error {
	m.enter(OpDrop)
	if err := m.need(1); err != nil {
		return err
	}
	m.stack = m.stack[:len(m.stack)-1]
	return nil
}

// Over pushes a copy of the second entry.
func (m *Machine) Over() error {
	m.enter(OpOver)
	if err := m.need(2); err != nil {
		return err
	}
	m.push(m.peek(1))
	return nil
}

// Pick pushes a copy of the entry index places below the top.
func (m *Machine) Pick(index uint8) error {
	m.enter(OpPick)
	if err := m.need(int(index) + 1); err != nil {
		return err
	}
	m.push(m.peek(int(index)))
	return nil
}

// Swap exchanges the top two entries.
func (m *Machine) Swap() error {
	m.enter(OpSwap)
	if err := m.need(2); err != nil {
		return err
	}
	n := len(m.stack)
	m.stack[n-1], m.stack[n-2] = m.stack[n-2], m.stack[n-1]
	return nil
}

// Rot rotates the top three entries: the top becomes third, the second
// becomes the top and the third becomes second.
func (m *Machine) Rot() error {
	m.enter(OpRot)
	if err := m.need(3); err != nil {
		return err
	}
	n := len(m.stack)
	a, b, c := m.stack[n-1], m.stack[n-2], m.stack[n-3]
	m.stack[n-3], m.stack[n-2], m.stack[n-1] = a, c, b
	return nil
}

// ============ Arithmetic ============

// unary replaces the top of stack with fn(top). fn must not modify its
// argument.
func (m *Machine) unary(fn func(a *big.Int) *big.Int) error {
	if err := m.need(1); err != nil {
		return err
	}
	m.stack[len(m.stack)-1] = fn(m.peek(0))
	return nil
}

// binary pops a (top) then b and pushes fn(b, a). fn must not modify its
// arguments and may reject them, in which case the stack is untouched.
func (m *Machine) binary(fn func(b, a *big.Int) (*big.Int, error)) error {
	if err := m.need(2); err != nil {
		return err
	}
	r, err := fn(m.peek(1), m.peek(0))
	if err != nil {
		return err
	}
	m.stack = append(m.stack[:len(m.stack)-2], r)
	return nil
}

func (m *Machine) Abs() error {
	m.enter(OpAbs)
	return m.unary(func(a *big.Int) *big.Int { return new(big.Int).Abs(a) })
}

func (m *Machine) Neg() error {
	m.enter(OpNeg)
	return m.unary(func(a *big.Int) *big.Int { return new(big.Int).Neg(a) })
}

// Not is the bitwise complement, -x-1.
func (m *Machine) Not() error {
	m.enter(OpNot)
	return m.unary(func(a *big.Int) *big.Int { return new(big.Int).Not(a) })
}

// PlusUconst adds v to the top of stack.
func (m *Machine) PlusUconst(v uint64) error {
	m.enter(OpPlusUconst)
	return m.unary(func(a *big.Int) *big.Int {
		return new(big.Int).Add(a, new(big.Int).SetUint64(v))
	})
}

func (m *Machine) Plus() error {
	m.enter(OpPlus)
	return m.binary(func(b, a *big.Int) (*big.Int, error) { return new(big.Int).Add(b, a), nil })
}

func (m *Machine) Minus() error {
	m.enter(OpMinus)
	return m.binary(func(b, a *big.Int) (*big.Int, error) { return new(big.Int).Sub(b, a), nil })
}

func (m *Machine) Mul() error {
	m.enter(OpMul)
	return m.binary(func(b, a *big.Int) (*big.Int, error) { return new(big.Int).Mul(b, a), nil })
}

// Div is floor division: the quotient rounds toward negative infinity.
func (m *Machine) Div() error {
	m.enter(OpDiv)
	return m.binary(func(b, a *big.Int) (*big.Int, error) {
		if a.Sign() == 0 {
			return nil, m.fail(DivideByZero, "")
		}
		q, r := new(big.Int).QuoRem(b, a, new(big.Int))
		if r.Sign() != 0 && r.Sign() != a.Sign() {
			q.Sub(q, big.NewInt(1))
		}
		return q, nil
	})
}

// Mod is floor modulo: the result takes the sign of the divisor.
func (m *Machine) Mod() error {
	m.enter(OpMod)
	return m.binary(func(b, a *big.Int) (*big.Int, error) {
		if a.Sign() == 0 {
			return nil, m.fail(DivideByZero, "")
		}
		_, r := new(big.Int).QuoRem(b, a, new(big.Int))
		if r.Sign() != 0 && r.Sign() != a.Sign() {
			r.Add(r, a)
		}
		return r, nil
	})
}

func (m *Machine) And() error {
	m.enter(OpAnd)
	return m.binary(func(b, a *big.Int) (*big.Int, error) { return new(big.Int).And(b, a), nil })
}

func (m *Machine) Or() error {
	m.enter(OpOr)
	return m.binary(func(b, a *big.Int) (*big.Int, error) { return new(big.Int).Or(b, a), nil })
}

func (m *Machine) Xor() error {
	m.enter(OpXor)
	return m.binary(func(b, a *big.Int) (*big.Int, error) { return new(big.Int).Xor(b, a), nil })
}

// shiftCount validates a shift amount. ok is false when the count is too
// large to shift by but still meaningful for right shifts.
func (m *Machine) shiftCount(a *big.Int) (n uint, ok bool, err error) {
	if a.Sign() < 0 {
		return 0, false, m.fail(InvalidOperation, fmt.Sprintf("negative shift count %s", a))
	}
	if !a.IsUint64() || a.Uint64() > math.MaxUint32 {
		return 0, false, nil
	}
	return uint(a.Uint64()), true, nil
}

func (m *Machine) Shl() error {
	m.enter(OpShl)
	return m.binary(func(b, a *big.Int) (*big.Int, error) {
		n, ok, err := m.shiftCount(a)
		if err != nil {
			return nil, err
		}
		if !ok || n > maxShift {
			return nil, m.fail(InvalidOperation, fmt.Sprintf("shift count %s exceeds %d", a, maxShift))
		}
		return new(big.Int).Lsh(b, n), nil
	})
}

// Shr is a logical shift. A negative operand is first reduced to its
// address-size two's-complement bit pattern.
func (m *Machine) Shr() error {
	m.enter(OpShr)
	return m.binary(func(b, a *big.Int) (*big.Int, error) {
		n, ok, err := m.shiftCount(a)
		if err != nil {
			return nil, err
		}
		v := b
		if b.Sign() < 0 {
			mod := new(big.Int).Lsh(big.NewInt(1), uint(8*m.addrSize))
			v = new(big.Int).Mod(b, mod)
		}
		if !ok {
			return new(big.Int), nil
		}
		return new(big.Int).Rsh(v, n), nil
	})
}

// Shra is an arithmetic shift that preserves the sign.
func (m *Machine) Shra() error {
	m.enter(OpShra)
	return m.binary(func(b, a *big.Int) (*big.Int, error) {
		n, ok, err := m.shiftCount(a)
		if err != nil {
			return nil, err
		}
		if !ok {
			if b.Sign() < 0 {
				return big.NewInt(-1), nil
			}
			return new(big.Int), nil
		}
		return new(big.Int).Rsh(b, n), nil
	})
}

// ============ Comparison ============

func (m *Machine) compare(op Opcode, pred func(c int) bool) error {
	m.enter(op)
	return m.binary(func(b, a *big.Int) (*big.Int, error) {
		if pred(b.Cmp(a)) {
			return big.NewInt(1), nil
		}
		return new(big.Int), nil
	})
}

func (m *Machine) Eq() error { return m.compare(OpEq, func(c int) bool { return c == 0 }) }
func (m *Machine) Ne() error { return m.compare(OpNe, func(c int) bool { return c != 0 }) }
func (m *Machine) Lt() error { return m.compare(OpLt, func(c int) bool { return c < 0 }) }
func (m *Machine) Le() error { return m.compare(OpLe, func(c int) bool { return c <= 0 }) }
func (m *Machine) Gt() error { return m.compare(OpGt, func(c int) bool { return c > 0 }) }
func (m *Machine) Ge() error { return m.compare(OpGe, func(c int) bool { return c >= 0 }) }

// ============ Registers ============

// Breg pushes the contents of reg plus offset.
func (m *Machine) Breg(reg uint64, offset int64) error {
	if reg <= 31 {
		m.enter(OpBreg0 + Opcode(reg))
	} else {
		m.enter(OpBregx)
	}
	v, ok := m.regs[reg]
	if !ok {
		return m.fail(InvalidOperation, fmt.Sprintf("register %d not available", reg))
	}
	m.push(new(big.Int).Add(new(big.Int).SetUint64(v), big.NewInt(offset)))
	return nil
}

// Fbreg pushes the frame base plus offset.
func (m *Machine) Fbreg(offset int64) error {
	m.enter(OpFbreg)
	if m.frameBase == nil {
		return m.fail(InvalidOperation, "no frame base")
	}
	m.push(new(big.Int).Add(new(big.Int).SetUint64(*m.frameBase), big.NewInt(offset)))
	return nil
}
