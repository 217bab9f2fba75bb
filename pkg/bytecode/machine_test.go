package bytecode

import (
	"errors"
	"math/big"
	"testing"
)

func newTestMachine(t *testing.T, opts ...Option) *Machine {
	t.Helper()
	m, err := NewMachine(opts...)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	return m
}

// stackOf returns the stack bottom first as int64s.
func stackOf(t *testing.T, m *Machine) []int64 {
	t.Helper()
	var out []int64
	for _, v := range m.Stack() {
		if !v.IsInt64() {
			t.Fatalf("stack value %s does not fit int64", v)
		}
		out = append(out, v.Int64())
	}
	return out
}

func equalInts(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func pushAll(m *Machine, vals ...int64) {
	for _, v := range vals {
		m.PushInt(v)
	}
}

func TestMachineBinaryOps(t *testing.T) {
	tests := []struct {
		name string
		b, a int64
		op   func(m *Machine) error
		want int64
	}{
		{"plus", 7, 5, (*Machine).Plus, 12},
		{"minus", 7, 5, (*Machine).Minus, 2},
		{"minus negative", 5, 7, (*Machine).Minus, -2},
		{"mul", -3, 5, (*Machine).Mul, -15},
		{"div", 7, 2, (*Machine).Div, 3},
		{"div floor neg dividend", -7, 2, (*Machine).Div, -4},
		{"div floor neg divisor", 7, -2, (*Machine).Div, -4},
		{"div both neg", -7, -2, (*Machine).Div, 3},
		{"mod", 7, 3, (*Machine).Mod, 1},
		{"mod neg dividend", -7, 2, (*Machine).Mod, 1},
		{"mod neg divisor", 7, -2, (*Machine).Mod, -1},
		{"mod exact", -6, 3, (*Machine).Mod, 0},
		{"and", 0b1100, 0b1010, (*Machine).And, 0b1000},
		{"or", 0b1100, 0b1010, (*Machine).Or, 0b1110},
		{"xor", 0b1100, 0b1010, (*Machine).Xor, 0b0110},
		{"and negative", -1, 0xFF, (*Machine).And, 0xFF},
		{"shl", 1, 4, (*Machine).Shl, 16},
		{"shr", 0x100, 4, (*Machine).Shr, 0x10},
		{"shra negative", -16, 2, (*Machine).Shra, -4},
		{"eq true", 3, 3, (*Machine).Eq, 1},
		{"eq false", 3, 4, (*Machine).Eq, 0},
		{"ne", 3, 4, (*Machine).Ne, 1},
		{"lt", 3, 4, (*Machine).Lt, 1},
		{"le", 4, 4, (*Machine).Le, 1},
		{"gt", 3, 4, (*Machine).Gt, 0},
		{"ge", 4, 3, (*Machine).Ge, 1},
		{"lt signed", -1, 0, (*Machine).Lt, 1},
	}

	for _, tt := range tests {
		m := newTestMachine(t)
		pushAll(m, 99, tt.b, tt.a)
		if err := tt.op(m); err != nil {
			t.Errorf("%s: error %v", tt.name, err)
			continue
		}
		if got := stackOf(t, m); !equalInts(got, []int64{99, tt.want}) {
			t.Errorf("%s(%d, %d): stack = %v, want [99 %d]", tt.name, tt.b, tt.a, got, tt.want)
		}
	}
}

func TestMachineUnaryOps(t *testing.T) {
	tests := []struct {
		name string
		in   int64
		op   func(m *Machine) error
		want int64
	}{
		{"abs", -5, (*Machine).Abs, 5},
		{"neg", 5, (*Machine).Neg, -5},
		{"not", 0, (*Machine).Not, -1},
		{"not positive", 5, (*Machine).Not, -6},
	}

	for _, tt := range tests {
		m := newTestMachine(t)
		m.PushInt(tt.in)
		if err := tt.op(m); err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got := stackOf(t, m); !equalInts(got, []int64{tt.want}) {
			t.Errorf("%s(%d) = %v, want [%d]", tt.name, tt.in, got, tt.want)
		}
	}

	m := newTestMachine(t)
	m.PushInt(10)
	if err := m.PlusUconst(128); err != nil {
		t.Fatal(err)
	}
	if got := stackOf(t, m); !equalInts(got, []int64{138}) {
		t.Errorf("PlusUconst = %v, want [138]", got)
	}
}

func TestMachineNoNativeWidth(t *testing.T) {
	m := newTestMachine(t)
	m.PushUint(0xFFFFFFFF)
	m.PushUint(1)
	if err := m.Plus(); err != nil {
		t.Fatal(err)
	}
	m.PushUint(4)
	if err := m.Shl(); err != nil {
		t.Fatal(err)
	}
	top, _ := m.Top()
	want := new(big.Int).Lsh(big.NewInt(1), 36)
	if top.Cmp(want) != 0 {
		t.Errorf("(0xFFFFFFFF+1)<<4 = %s, want %s (no wraparound)", top, want)
	}
}

func TestMachineShrLogicalOnNegative(t *testing.T) {
	m := newTestMachine(t)
	pushAll(m, -1, 60)
	if err := m.Shr(); err != nil {
		t.Fatal(err)
	}
	if got := stackOf(t, m); !equalInts(got, []int64{0xF}) {
		t.Errorf("-1 shr 60 = %v, want [15] (64-bit pattern)", got)
	}

	m = newTestMachine(t, WithAddressSize(4))
	pushAll(m, -1, 28)
	if err := m.Shr(); err != nil {
		t.Fatal(err)
	}
	if got := stackOf(t, m); !equalInts(got, []int64{0xF}) {
		t.Errorf("-1 shr 28 with 4-byte addresses = %v, want [15]", got)
	}
}

func TestMachineShiftCounts(t *testing.T) {
	m := newTestMachine(t)
	pushAll(m, 1, -1)
	if err := m.Shl(); !errors.Is(err, InvalidOperation) {
		t.Errorf("shl by -1 error = %v, want InvalidOperation", err)
	}
	if got := stackOf(t, m); !equalInts(got, []int64{1, -1}) {
		t.Errorf("stack after failed shl = %v, want unchanged", got)
	}

	m = newTestMachine(t)
	pushAll(m, 1, 5000)
	if err := m.Shl(); !errors.Is(err, InvalidOperation) {
		t.Errorf("shl by 5000 error = %v, want InvalidOperation", err)
	}

	m = newTestMachine(t)
	m.PushInt(-8)
	m.Push(new(big.Int).Lsh(big.NewInt(1), 70))
	if err := m.Shra(); err != nil {
		t.Fatal(err)
	}
	if got := stackOf(t, m); !equalInts(got, []int64{-1}) {
		t.Errorf("-8 shra 2^70 = %v, want [-1]", got)
	}
}

func TestMachineDivideByZero(t *testing.T) {
	for _, op := range []func(*Machine) error{(*Machine).Div, (*Machine).Mod} {
		m := newTestMachine(t)
		pushAll(m, 7, 0)
		err := op(m)
		if !errors.Is(err, DivideByZero) {
			t.Errorf("error = %v, want DivideByZero", err)
		}
		if got := stackOf(t, m); !equalInts(got, []int64{7, 0}) {
			t.Errorf("stack after failed division = %v, want [7 0]", got)
		}
	}
}

func TestMachineStackOps(t *testing.T) {
	tests := []struct {
		name string
		op   func(m *Machine) error
		want []int64
	}{
		{"dup", (*Machine).Dup, []int64{1, 2, 3, 3}},
		{"drop", (*Machine).Drop, []int64{1, 2}},
		{"over", (*Machine).Over, []int64{1, 2, 3, 2}},
		{"swap", (*Machine).Swap, []int64{1, 3, 2}},
		// Top-first [3 2 1] becomes [2 1 3].
		{"rot", (*Machine).Rot, []int64{3, 1, 2}},
		{"pick 0", func(m *Machine) error { return m.Pick(0) }, []int64{1, 2, 3, 3}},
		{"pick 2", func(m *Machine) error { return m.Pick(2) }, []int64{1, 2, 3, 1}},
	}

	for _, tt := range tests {
		m := newTestMachine(t)
		pushAll(m, 1, 2, 3)
		if err := tt.op(m); err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got := stackOf(t, m); !equalInts(got, tt.want) {
			t.Errorf("%s: stack = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMachineRotThreeTimesIsIdentity(t *testing.T) {
	m := newTestMachine(t)
	pushAll(m, 10, 20, 30, 40)
	for i := 0; i < 3; i++ {
		if err := m.Rot(); err != nil {
			t.Fatal(err)
		}
	}
	if got := stackOf(t, m); !equalInts(got, []int64{10, 20, 30, 40}) {
		t.Errorf("rot^3 = %v, want [10 20 30 40]", got)
	}
}

func TestMachinePickZeroIsDup(t *testing.T) {
	for depth := 1; depth <= 5; depth++ {
		a := newTestMachine(t)
		b := newTestMachine(t)
		for i := 0; i < depth; i++ {
			a.PushInt(int64(i * 7))
			b.PushInt(int64(i * 7))
		}
		if err := a.Pick(0); err != nil {
			t.Fatal(err)
		}
		if err := b.Dup(); err != nil {
			t.Fatal(err)
		}
		if !equalInts(stackOf(t, a), stackOf(t, b)) {
			t.Errorf("depth %d: pick(0) = %v, dup = %v", depth, stackOf(t, a), stackOf(t, b))
		}
	}
}

func TestMachineUnderflowLeavesStackUnchanged(t *testing.T) {
	tests := []struct {
		name  string
		depth int
		op    func(m *Machine) error
	}{
		{"plus", 1, (*Machine).Plus},
		{"minus", 0, (*Machine).Minus},
		{"swap", 1, (*Machine).Swap},
		{"over", 1, (*Machine).Over},
		{"rot", 2, (*Machine).Rot},
		{"dup", 0, (*Machine).Dup},
		{"drop", 0, (*Machine).Drop},
		{"neg", 0, (*Machine).Neg},
		{"eq", 1, (*Machine).Eq},
		{"deref", 0, (*Machine).Deref},
		{"pick", 3, func(m *Machine) error { return m.Pick(3) }},
	}

	for _, tt := range tests {
		m := newTestMachine(t)
		var want []int64
		for i := 0; i < tt.depth; i++ {
			m.PushInt(int64(i + 1))
			want = append(want, int64(i+1))
		}
		err := tt.op(m)
		if !errors.Is(err, StackUnderflow) {
			t.Errorf("%s with depth %d: error = %v, want StackUnderflow", tt.name, tt.depth, err)
		}
		if got := stackOf(t, m); !equalInts(got, want) {
			t.Errorf("%s: stack = %v, want unchanged %v", tt.name, got, want)
		}
		var e *Error
		if errors.As(err, &e) && len(e.Stack) != tt.depth {
			t.Errorf("%s: error stack snapshot has %d entries, want %d", tt.name, len(e.Stack), tt.depth)
		}
	}
}

func TestMachineDeref(t *testing.T) {
	m := newTestMachine(t)
	if err := m.Store(0x10, []byte{0x41, 0x52, 0x4b, 0x41, 0x56, 0x7b, 0x74, 0x68}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		size uint8
		want uint64
	}{
		{1, 0x41},
		{2, 0x5241},
		{4, 0x414b5241},
		{8, 0x68747b56414b5241},
	}
	for _, tt := range tests {
		m.PushUint(0x10)
		if err := m.DerefSize(tt.size); err != nil {
			t.Fatalf("DerefSize(%d): %v", tt.size, err)
		}
		top, _ := m.Top()
		if top.Uint64() != tt.want {
			t.Errorf("DerefSize(%d) = 0x%x, want 0x%x", tt.size, top.Uint64(), tt.want)
		}
		m.Drop()
	}

	m.PushUint(0x10)
	if err := m.Deref(); err != nil {
		t.Fatal(err)
	}
	top, _ := m.Top()
	if top.Uint64() != 0x68747b56414b5241 {
		t.Errorf("Deref = 0x%x, want 8-byte read", top.Uint64())
	}
}

func TestMachineDerefSizeInvalid(t *testing.T) {
	m := newTestMachine(t)
	m.PushUint(0)
	if err := m.DerefSize(3); !errors.Is(err, InvalidOperation) {
		t.Errorf("DerefSize(3) error = %v, want InvalidOperation", err)
	}
	if m.Depth() != 1 {
		t.Errorf("Depth() = %d, want 1", m.Depth())
	}
}

func TestMachineDerefOutOfBounds(t *testing.T) {
	tests := []struct {
		name string
		addr *big.Int
		size uint8
	}{
		{"at end", big.NewInt(0x100), 1},
		{"beyond", big.NewInt(0x1000), 4},
		{"straddles end", big.NewInt(0xFE), 4},
		{"negative", big.NewInt(-1), 1},
		{"huge", new(big.Int).Lsh(big.NewInt(1), 80), 1},
	}

	for _, tt := range tests {
		m := newTestMachine(t, WithMemorySize(0x100))
		m.PushInt(42)
		m.Push(tt.addr)
		err := m.DerefSize(tt.size)
		if !errors.Is(err, OutOfBounds) {
			t.Errorf("%s: error = %v, want OutOfBounds", tt.name, err)
			continue
		}
		if m.Depth() != 2 {
			t.Errorf("%s: Depth() = %d, want 2 (no mutation)", tt.name, m.Depth())
		}
		var e *Error
		if errors.As(err, &e) && (e.Addr == nil || e.Addr.Cmp(tt.addr) != 0) {
			t.Errorf("%s: Error.Addr = %v, want %s", tt.name, e.Addr, tt.addr)
		}
	}

	m := newTestMachine(t, WithMemorySize(0x100))
	m.PushUint(0xFC)
	if err := m.DerefSize(4); err != nil {
		t.Errorf("last 4 bytes should be readable: %v", err)
	}
}

func TestMachineMemoryBase(t *testing.T) {
	m := newTestMachine(t, WithMemoryBase(0x400000), WithMemorySize(0x100000))
	if err := m.Store(0x40D010, []byte{0xdc, 0x9e, 0x3a, 0xc0}); err != nil {
		t.Fatal(err)
	}
	m.PushUint(0x40D010)
	if err := m.DerefSize(4); err != nil {
		t.Fatal(err)
	}
	top, _ := m.Top()
	if top.Uint64() != 0xC03A9EDC {
		t.Errorf("deref = 0x%x, want 0xC03A9EDC", top.Uint64())
	}

	if err := m.Store(0x3FFFFF, []byte{1}); !errors.Is(err, OutOfBounds) {
		t.Errorf("Store below base error = %v, want OutOfBounds", err)
	}
	if err := m.Store(0x4FFFFF, []byte{1, 2}); !errors.Is(err, OutOfBounds) {
		t.Errorf("Store past end error = %v, want OutOfBounds", err)
	}
	got, err := m.Load(0x40D010, 2)
	if err != nil || got[0] != 0xdc || got[1] != 0x9e {
		t.Errorf("Load = % x, %v", got, err)
	}
}

func TestMachineRegisters(t *testing.T) {
	m := newTestMachine(t, WithRegisters(map[uint64]uint64{6: 0x1000, 40: 7}), WithFrameBase(0x2000))
	if err := m.Breg(6, -8); err != nil {
		t.Fatal(err)
	}
	if err := m.Breg(40, 1); err != nil {
		t.Fatal(err)
	}
	if err := m.Fbreg(16); err != nil {
		t.Fatal(err)
	}
	if got := stackOf(t, m); !equalInts(got, []int64{0xFF8, 8, 0x2010}) {
		t.Errorf("stack = %v, want [4088 8 8208]", got)
	}
	if err := m.Breg(1, 0); !errors.Is(err, InvalidOperation) {
		t.Errorf("Breg(missing) error = %v, want InvalidOperation", err)
	}

	m = newTestMachine(t)
	if err := m.Fbreg(0); !errors.Is(err, InvalidOperation) {
		t.Errorf("Fbreg without frame base error = %v, want InvalidOperation", err)
	}
}

func TestNewMachineValidation(t *testing.T) {
	if _, err := NewMachine(WithAddressSize(2)); err == nil {
		t.Error("NewMachine(address size 2) should fail")
	}
	if _, err := NewMachine(WithStepLimit(0)); err == nil {
		t.Error("NewMachine(step limit 0) should fail")
	}
}

func TestMachineTopEmpty(t *testing.T) {
	m := newTestMachine(t)
	if _, err := m.Top(); !errors.Is(err, StackUnderflow) {
		t.Errorf("Top() error = %v, want StackUnderflow", err)
	}
}

func TestMachineStackIsCopy(t *testing.T) {
	m := newTestMachine(t)
	m.PushInt(5)
	s := m.Stack()
	s[0].SetInt64(99)
	top, _ := m.Top()
	if top.Int64() != 5 {
		t.Errorf("mutating Stack() result changed the machine: top = %s", top)
	}
}
