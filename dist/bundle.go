// Package dist packages a generated check expression together with the
// host memory contract it was generated for. A Bundle is everything a
// verifier needs to evaluate candidates: the expression, where the key and
// the candidate go in memory, and what the expression answers with.
package dist

import (
	"crypto/md5"
	"crypto/sha256"
	"fmt"

	"github.com/chazu/dwexpr/manifest"
	"github.com/chazu/dwexpr/pkg/bytecode"
	"github.com/chazu/dwexpr/pkg/codegen"
	"github.com/chazu/dwexpr/pkg/tea"
)

// Outcomes are the addresses a bundle's expression selects between.
type Outcomes struct {
	Accept uint64 `cbor:"1,keyasint"`
	Reject uint64 `cbor:"2,keyasint"`
}

// Bundle is a sealed check expression plus its memory contract.
type Bundle struct {
	Name        string   `cbor:"1,keyasint"`
	Expression  []byte   `cbor:"2,keyasint"` // ULEB128 length prefix + code
	Hash        [32]byte `cbor:"3,keyasint"` // sha256 of Expression
	AddressSize int      `cbor:"4,keyasint"`

	MemoryBase uint64 `cbor:"5,keyasint"`
	MemorySize int    `cbor:"6,keyasint"`
	StepLimit  int    `cbor:"7,keyasint"`

	KeyAddr       uint64 `cbor:"8,keyasint"`
	Key           []byte `cbor:"9,keyasint"`
	PlaintextAddr uint64 `cbor:"10,keyasint"`
	PlaintextLen  int    `cbor:"11,keyasint"`

	// Outcomes is nil when the expression ends with a 0/1 verdict.
	Outcomes *Outcomes `cbor:"12,keyasint,omitempty"`

	// FlagMD5 identifies the accepted plaintext without revealing it.
	FlagMD5 [md5.Size]byte `cbor:"13,keyasint"`
}

// HashExpression returns the content hash of a length-prefixed expression.
func HashExpression(expr []byte) [32]byte {
	return sha256.Sum256(expr)
}

// Build generates the challenge's expression and seals it into a bundle.
// The manifest is validated first.
func Build(m *manifest.Manifest) (*Bundle, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("dist: invalid manifest: %w", err)
	}
	cfg, err := m.Generator()
	if err != nil {
		return nil, fmt.Errorf("dist: %w", err)
	}
	prog, err := codegen.Generate(cfg)
	if err != nil {
		return nil, fmt.Errorf("dist: %w", err)
	}
	key, err := m.KeyBytes()
	if err != nil {
		return nil, fmt.Errorf("dist: %w", err)
	}

	b := &Bundle{
		Name:          m.Challenge.Name,
		Expression:    prog.Expression(),
		AddressSize:   prog.AddressSize,
		MemoryBase:    m.Machine.MemoryBase,
		MemorySize:    m.Machine.MemorySize,
		StepLimit:     m.Machine.StepLimit,
		KeyAddr:       m.Layout.KeyAddr,
		Key:           key,
		PlaintextAddr: m.Layout.PlaintextAddr,
		PlaintextLen:  len(m.Challenge.Flag),
		FlagMD5:       md5.Sum([]byte(m.Challenge.Flag)),
	}
	if m.Outcomes != nil {
		b.Outcomes = &Outcomes{Accept: m.Outcomes.Accept, Reject: m.Outcomes.Reject}
	}
	b.Seal()
	return b, nil
}

// Seal recomputes Hash from Expression.
func (b *Bundle) Seal() {
	b.Hash = HashExpression(b.Expression)
}

// Code returns the expression body without its length prefix.
func (b *Bundle) Code() ([]byte, error) {
	body, rest, err := bytecode.SplitExpression(b.Expression)
	if err != nil {
		return nil, fmt.Errorf("dist: %w", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("dist: %d trailing bytes after expression", len(rest))
	}
	return body, nil
}

// Verify checks that the bundle is internally consistent: the hash
// matches, the expression is well formed, and the key and plaintext lie
// inside the memory window.
func (b *Bundle) Verify() error {
	if got := HashExpression(b.Expression); got != b.Hash {
		return fmt.Errorf("dist: hash mismatch: declared %x, computed %x", b.Hash, got)
	}
	code, err := b.Code()
	if err != nil {
		return err
	}
	if b.AddressSize != 4 && b.AddressSize != 8 {
		return fmt.Errorf("dist: address size %d", b.AddressSize)
	}
	if _, err := bytecode.DecodeAll(code, b.AddressSize); err != nil {
		return fmt.Errorf("dist: %w", err)
	}
	if b.MemorySize <= 0 || b.StepLimit <= 0 || b.PlaintextLen < 0 {
		return fmt.Errorf("dist: invalid machine limits (memory %d, steps %d, plaintext %d)", b.MemorySize, b.StepLimit, b.PlaintextLen)
	}
	end := b.MemoryBase + uint64(b.MemorySize)
	if b.KeyAddr < b.MemoryBase || b.KeyAddr+uint64(len(b.Key)) > end {
		return fmt.Errorf("dist: key at 0x%x outside memory", b.KeyAddr)
	}
	if b.PlaintextAddr < b.MemoryBase || b.PlaintextAddr+uint64(b.PaddedLen()) > end {
		return fmt.Errorf("dist: plaintext at 0x%x outside memory", b.PlaintextAddr)
	}
	return nil
}

// PaddedLen is PlaintextLen rounded up to whole cipher blocks.
func (b *Bundle) PaddedLen() int {
	return (b.PlaintextLen + tea.BlockSize - 1) / tea.BlockSize * tea.BlockSize
}

// MachineOptions returns evaluator options matching the bundle's memory
// contract.
func (b *Bundle) MachineOptions() []bytecode.Option {
	return []bytecode.Option{
		bytecode.WithMemoryBase(b.MemoryBase),
		bytecode.WithMemorySize(b.MemorySize),
		bytecode.WithAddressSize(b.AddressSize),
		bytecode.WithStepLimit(b.StepLimit),
	}
}

// FlagMatches reports whether candidate hashes to the recorded flag MD5.
func (b *Bundle) FlagMatches(candidate []byte) bool {
	return md5.Sum(candidate) == b.FlagMD5
}
