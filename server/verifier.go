package server

import (
	"errors"
	"fmt"

	"github.com/chazu/dwexpr/dist"
	"github.com/chazu/dwexpr/pkg/bytecode"
)

var (
	// ErrEmptyCandidate is returned for a zero-length candidate.
	ErrEmptyCandidate = errors.New("candidate is required")

	// ErrCandidateTooLong is returned when a candidate does not fit the
	// plaintext window the expression reads.
	ErrCandidateTooLong = errors.New("candidate longer than the plaintext window")
)

// Verdict is the outcome of evaluating one candidate.
type Verdict struct {
	Accepted bool
	Result   uint64 // top of stack: the selected address or the 0/1 verdict
	Steps    int
	Err      error // evaluation failure; the candidate is rejected
}

// Verifier evaluates candidates against a bundle. It holds no mutable
// state, so Check may be called from any number of goroutines: every call
// gets a fresh machine.
type Verifier struct {
	bundle *dist.Bundle
	code   []byte
}

// NewVerifier verifies b and prepares it for evaluation.
func NewVerifier(b *dist.Bundle) (*Verifier, error) {
	if err := b.Verify(); err != nil {
		return nil, err
	}
	code, err := b.Code()
	if err != nil {
		return nil, err
	}
	return &Verifier{bundle: b, code: code}, nil
}

// Bundle returns the bundle being verified against.
func (v *Verifier) Bundle() *dist.Bundle { return v.bundle }

// Code returns the expression body.
func (v *Verifier) Code() []byte { return v.code }

// Check places the key and the zero-padded candidate in a fresh machine,
// runs the expression and reads the verdict. An evaluation failure is not
// an error: it is reported in Verdict.Err and counts as a rejection.
func (v *Verifier) Check(candidate []byte) (Verdict, error) {
	b := v.bundle
	if len(candidate) == 0 {
		return Verdict{}, ErrEmptyCandidate
	}
	if len(candidate) > b.PaddedLen() {
		return Verdict{}, fmt.Errorf("%w: %d bytes, window is %d", ErrCandidateTooLong, len(candidate), b.PaddedLen())
	}

	m, err := bytecode.NewMachine(b.MachineOptions()...)
	if err != nil {
		return Verdict{}, fmt.Errorf("machine: %w", err)
	}
	if err := m.Store(b.KeyAddr, b.Key); err != nil {
		return Verdict{}, fmt.Errorf("store key: %w", err)
	}
	window := make([]byte, b.PaddedLen())
	copy(window, candidate)
	if err := m.Store(b.PlaintextAddr, window); err != nil {
		return Verdict{}, fmt.Errorf("store candidate: %w", err)
	}

	if err := m.Run(v.code); err != nil {
		return Verdict{Steps: m.Steps(), Err: err}, nil
	}
	top, err := m.Top()
	if err != nil {
		return Verdict{Steps: m.Steps(), Err: err}, nil
	}
	if !top.IsUint64() {
		return Verdict{Steps: m.Steps(), Err: fmt.Errorf("result %s is not an address", top)}, nil
	}

	verdict := Verdict{Result: top.Uint64(), Steps: m.Steps()}
	if b.Outcomes != nil {
		verdict.Accepted = verdict.Result == b.Outcomes.Accept
	} else {
		verdict.Accepted = verdict.Result == 1
	}
	return verdict, nil
}

// Disassemble lists code, or the bundle's own expression when code is
// empty, using the bundle's address size.
func (v *Verifier) Disassemble(code []byte) (string, error) {
	name := ""
	if len(code) == 0 {
		code, name = v.code, v.bundle.Name
	}
	return bytecode.DisassembleWithName(code, v.bundle.AddressSize, name)
}
