// Package codegen compiles a TEA-family encryption check into stack
// machine bytecode.
//
// The generated program loads the key and each plaintext block from
// memory, runs every round using only generic stack operations with an
// explicit 32-bit mask after each add and shift, and compares the results
// against the expected ciphertext words. The evaluator never sees
// "encryption", only dup, pick, rot, plus, shl, xor and friends.
//
// Stack positions are never written by hand. The generator mirrors each
// emitted operation on a symbolic frame of named slots and derives every
// pick index from it; a layout that drifts from the state tuple
// (k0 k1 k2 k3 v0 v1 sum, bottom first) fails generation.
package codegen

import (
	"fmt"

	"github.com/chazu/dwexpr/pkg/bytecode"
	"github.com/chazu/dwexpr/pkg/tea"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("dwexpr.codegen")

const mask32 = 0xFFFFFFFF

// Outcomes are the two addresses the program selects between. Without
// them the program ends with the 0/1 verdict on the stack.
type Outcomes struct {
	Accept uint64
	Reject uint64
}

// Config describes one check program.
type Config struct {
	// KeyAddr is the address of the 16-byte key (four little-endian words).
	KeyAddr uint64

	// Blocks are the addresses of the 8-byte plaintext blocks.
	Blocks []uint64

	Delta  uint32
	Rounds int

	// Expected holds the ciphertext words in block order
	// (block 0 v0, block 0 v1, block 1 v0, ...). When empty the program
	// leaves the computed words on the stack instead of checking them.
	Expected []uint32

	Outcomes *Outcomes

	// AddressSize is the width of addr operands, 4 or 8.
	AddressSize int
}

// BlockAddrs returns the block addresses covering length bytes at base.
func BlockAddrs(base uint64, length int) []uint64 {
	n := (length + tea.BlockSize - 1) / tea.BlockSize
	out := make([]uint64, n)
	for i := range out {
		out[i] = base + uint64(i*tea.BlockSize)
	}
	return out
}

// ExpectedWords encrypts plaintext (zero-padded) and returns the
// ciphertext words in block order.
func ExpectedWords(plaintext, key []byte, delta uint32, rounds int) ([]uint32, error) {
	ct, err := tea.Encrypt(plaintext, key, delta, rounds)
	if err != nil {
		return nil, err
	}
	return tea.Words(ct)
}

// Validate reports the first problem with c.
func (c Config) Validate() error {
	switch {
	case c.AddressSize != 4 && c.AddressSize != 8:
		return fmt.Errorf("address size %d: want 4 or 8", c.AddressSize)
	case len(c.Blocks) == 0:
		return fmt.Errorf("no plaintext blocks")
	case c.Rounds <= 0:
		return fmt.Errorf("rounds must be positive, got %d", c.Rounds)
	case len(c.Expected) != 0 && len(c.Expected) != 2*len(c.Blocks):
		return fmt.Errorf("%d expected words for %d blocks, want %d", len(c.Expected), len(c.Blocks), 2*len(c.Blocks))
	case c.Outcomes != nil && len(c.Expected) == 0:
		return fmt.Errorf("outcomes need expected words to select between")
	}
	return nil
}

// Program is generated bytecode.
type Program struct {
	Code        []byte
	AddressSize int
	Blocks      int
	Rounds      int
}

// Expression returns the code with its ULEB128 length prefix.
func (p *Program) Expression() []byte {
	return append(bytecode.AppendULEB128(nil, uint64(len(p.Code))), p.Code...)
}

// Generate emits the check program for cfg.
func Generate(cfg Config) (*Program, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("codegen: %w", err)
	}

	e := &emitter{b: bytecode.NewBuilder(cfg.AddressSize)}
	for i, addr := range cfg.Blocks {
		e.block(i, cfg.KeyAddr, addr, cfg.Delta, cfg.Rounds)
	}
	if len(cfg.Expected) > 0 {
		e.check(cfg.Expected)
		if cfg.Outcomes != nil {
			e.choose(*cfg.Outcomes)
		}
	}
	if e.err != nil {
		return nil, fmt.Errorf("codegen: %w", e.err)
	}

	code, err := e.b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("codegen: %w", err)
	}
	log.Debugf("generated %d bytes: %d blocks, %d rounds", len(code), len(cfg.Blocks), cfg.Rounds)
	return &Program{Code: code, AddressSize: cfg.AddressSize, Blocks: len(cfg.Blocks), Rounds: cfg.Rounds}, nil
}

// emitter writes operations to the builder and mirrors them on the frame.
// The first layout error is sticky.
type emitter struct {
	b   *bytecode.Builder
	f   frame
	err error
}

func (e *emitter) fail(err error) {
	if e.err == nil && err != nil {
		e.err = err
	}
}

func (e *emitter) expect(names ...string) {
	if e.err == nil {
		e.fail(e.f.expect(names...))
	}
}

func (e *emitter) load(name string, addr uint64) {
	e.b.Addr(addr).DerefSize(4)
	e.f.push(name)
}

func (e *emitter) lit(v uint64) {
	e.b.Lit(v)
	e.f.push(fmt.Sprint(v))
}

func (e *emitter) const4u(v uint32, name string) {
	e.b.Const4u(uint64(v))
	e.f.push(name)
}

// binary emits a two-operand operation whose result is called name.
func (e *emitter) binary(op func(*bytecode.Builder) *bytecode.Builder, name string) {
	op(e.b)
	if e.err == nil {
		e.fail(e.f.pop(2))
	}
	e.f.push(name)
}

// mask truncates the top of stack to 32 bits. The slot keeps its name.
func (e *emitter) mask() {
	e.b.Const4u(mask32).And()
	if e.err == nil {
		e.fail(e.f.need(1))
	}
}

// add is a 32-bit addition.
func (e *emitter) add(name string) {
	e.binary((*bytecode.Builder).Plus, name)
	e.mask()
}

func (e *emitter) pick(name string) {
	if e.err != nil {
		return
	}
	d, err := e.f.depth(name)
	if err != nil {
		e.fail(err)
		return
	}
	if d > 255 {
		e.fail(fmt.Errorf("slot %q is %d deep, beyond pick range", name, d))
		return
	}
	e.b.Pick(uint8(d))
	e.f.push(name)
}

func (e *emitter) over() {
	e.b.Over()
	if e.err == nil {
		if err := e.f.need(2); err != nil {
			e.fail(err)
			return
		}
		e.f.push(e.f.top(1))
	}
}

func (e *emitter) swap() {
	e.b.Swap()
	if e.err == nil {
		e.fail(e.f.swap())
	}
}

func (e *emitter) rot() {
	e.b.Rot()
	if e.err == nil {
		e.fail(e.f.rot())
	}
}

func (e *emitter) drop() {
	e.b.Drop()
	if e.err == nil {
		e.fail(e.f.pop(1))
	}
}

func (e *emitter) rename(from, to string) {
	if e.err == nil {
		e.fail(e.f.rename(from, to))
	}
}

// block loads one plaintext block with the key, encrypts it and leaves
// its two result words on the stack as bN.v0 bN.v1.
func (e *emitter) block(n int, keyAddr, addr uint64, delta uint32, rounds int) {
	for i, k := range []string{"k0", "k1", "k2", "k3"} {
		e.load(k, keyAddr+uint64(4*i))
	}
	e.load("v0", addr)
	e.load("v1", addr+4)
	e.lit(0)
	e.rename("0", "sum")
	e.expect("k0", "k1", "k2", "k3", "v0", "v1", "sum")

	for r := 0; r < rounds; r++ {
		e.round(delta)
		e.expect("k0", "k1", "k2", "k3", "v0", "v1", "sum")
	}

	// Discard sum, then sink each key word above the results and drop it.
	e.drop()
	for i := 0; i < 4; i++ {
		e.rot()
		e.rot()
		e.drop()
	}
	e.rename("v1", fmt.Sprintf("b%d.v1", n))
	e.rename("v0", fmt.Sprintf("b%d.v0", n))
	e.expect(fmt.Sprintf("b%d.v0", n), fmt.Sprintf("b%d.v1", n))
}

// round emits one full round:
//
//	sum += delta
//	v0 += ((v1<<4)+k0) ^ (v1+sum) ^ ((v1>>5)+k1)
//	v1 += ((v0<<4)+k2) ^ (v0+sum) ^ ((v0>>5)+k3)
func (e *emitter) round(delta uint32) {
	e.const4u(delta, "delta")
	e.add("sum")

	// sum v0 v1 -> sum v0 v1 v0 v1
	e.rot()
	e.over()
	e.over()
	e.mix("v1", "k0", "k1", "v0'")

	// sum v0 v1 v0' -> sum v0' v1 v0'
	e.rot()
	e.rot()
	e.drop()
	e.swap()
	e.over()
	e.mix("v0'", "k2", "k3", "v1'")

	// sum v0' v1' -> v0' v1' sum
	e.rot()
	e.rot()
	e.rename("v0'", "v0")
	e.rename("v1'", "v1")
}

// mix consumes [target x] from the top of the stack, where x is a copy of
// the half named x, and pushes target + F(x) masked to 32 bits as out.
func (e *emitter) mix(x, ka, kb, out string) {
	e.lit(4)
	e.binary((*bytecode.Builder).Shl, x+"<<4")
	e.mask()
	e.pick(ka)
	e.add("t1")

	e.pick(x)
	e.pick("sum")
	e.add("t2")

	e.pick(x)
	e.lit(5)
	e.binary((*bytecode.Builder).Shr, x+">>5")
	e.mask()
	e.pick(kb)
	e.add("t3")

	e.binary((*bytecode.Builder).Xor, "t2^t3")
	e.mask()
	e.binary((*bytecode.Builder).Xor, "f")
	e.mask()
	e.add(out)
}

// check compares every result word against expected, last word first,
// and folds the comparisons into a single 0/1 verdict.
func (e *emitter) check(expected []uint32) {
	for i := len(expected) - 1; i >= 0; i-- {
		slot := fmt.Sprintf("b%d.v%d", i/2, i%2)
		if i < len(expected)-1 {
			e.swap()
		}
		if e.err == nil && e.f.top(0) != slot {
			e.fail(fmt.Errorf("layout %s: want %s on top", &e.f, slot))
		}
		e.const4u(expected[i], "want")
		e.binary((*bytecode.Builder).Eq, "eq")
		if i < len(expected)-1 {
			e.binary((*bytecode.Builder).And, "ok")
		} else {
			e.rename("eq", "ok")
		}
	}
	e.expect("ok")
	if e.err == nil && len(e.f.slots) != 1 {
		e.fail(fmt.Errorf("layout %s: want only the verdict", &e.f))
	}
}

// choose replaces the verdict with the accept or reject address.
func (e *emitter) choose(o Outcomes) {
	bra := e.b.EmitJump(bytecode.OpBra)
	if e.err == nil {
		e.fail(e.f.pop(1))
	}
	e.b.Addr(o.Reject)
	skip := e.b.EmitJump(bytecode.OpSkip)
	e.b.PatchJump(bra)
	e.b.Addr(o.Accept)
	e.b.PatchJump(skip)
	e.f.push("outcome")
}
