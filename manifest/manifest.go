// Package manifest handles challenge.toml configuration.
package manifest

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/chazu/dwexpr/pkg/bytecode"
	"github.com/chazu/dwexpr/pkg/codegen"
	"github.com/chazu/dwexpr/pkg/tea"
	"github.com/hashicorp/go-multierror"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "challenge.toml"

// Defaults applied after decoding.
const (
	DefaultAddressSize = 8
	DefaultMemorySize  = bytecode.DefaultMemorySize
	DefaultStepLimit   = bytecode.DefaultStepLimit
	DefaultServerAddr  = "localhost:8470"
	DefaultDatabase    = "attempts.db"
)

// Manifest represents a challenge.toml configuration.
type Manifest struct {
	Challenge Challenge `toml:"challenge"`
	Cipher    Cipher    `toml:"cipher"`
	Layout    Layout    `toml:"layout"`
	Outcomes  *Outcomes `toml:"outcomes"`
	Machine   Machine   `toml:"machine"`
	Server    Server    `toml:"server"`

	// Dir is the directory containing the challenge.toml file (set at load time).
	Dir string `toml:"-"`
}

// Challenge names the challenge and holds the accepted plaintext.
type Challenge struct {
	Name string `toml:"name"`
	Flag string `toml:"flag"`
}

// Cipher configures the TEA variant. A zero delta or round count
// means the standard value.
type Cipher struct {
	Key    string `toml:"key"` // 32 hex digits
	Delta  uint32 `toml:"delta"`
	Rounds int    `toml:"rounds"`
}

// Layout places the key and plaintext in host memory.
type Layout struct {
	KeyAddr       uint64 `toml:"key-addr"`
	PlaintextAddr uint64 `toml:"plaintext-addr"`
	AddressSize   int    `toml:"address-size"`
}

// Outcomes are the addresses the expression selects between.
type Outcomes struct {
	Accept uint64 `toml:"accept"`
	Reject uint64 `toml:"reject"`
}

// Machine configures the evaluator's memory window and step budget.
type Machine struct {
	MemoryBase uint64 `toml:"memory-base"`
	MemorySize int    `toml:"memory-size"`
	StepLimit  int    `toml:"step-limit"`
}

// Server configures the verifier service.
type Server struct {
	Addr     string `toml:"addr"`
	Database string `toml:"database"`
}

// FieldError is a validation failure of one configuration key.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return fmt.Sprintf("%s: %v", e.Field, e.Err) }

func (e *FieldError) Unwrap() error { return e.Err }

// Load parses a challenge.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// Parse decodes challenge.toml content and applies defaults. It does not
// validate.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %s", undecoded[0])
	}
	m.applyDefaults()
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.Cipher.Delta == 0 {
		m.Cipher.Delta = tea.DefaultDelta
	}
	if m.Cipher.Rounds == 0 {
		m.Cipher.Rounds = tea.DefaultRounds
	}
	if m.Layout.AddressSize == 0 {
		m.Layout.AddressSize = DefaultAddressSize
	}
	if m.Machine.MemorySize == 0 {
		m.Machine.MemorySize = DefaultMemorySize
	}
	if m.Machine.StepLimit == 0 {
		m.Machine.StepLimit = DefaultStepLimit
	}
	if m.Server.Addr == "" {
		m.Server.Addr = DefaultServerAddr
	}
	if m.Server.Database == "" {
		m.Server.Database = DefaultDatabase
	}
}

// FindAndLoad walks up from startDir to find a challenge.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Validate reports every problem with m. The result is a
// *multierror.Error of *FieldError values, or nil.
func (m *Manifest) Validate() error {
	var errs *multierror.Error
	bad := func(field, format string, args ...any) {
		errs = multierror.Append(errs, &FieldError{Field: field, Err: fmt.Errorf(format, args...)})
	}

	if m.Challenge.Flag == "" {
		bad("challenge.flag", "must not be empty")
	}
	if _, err := m.KeyBytes(); err != nil {
		errs = multierror.Append(errs, &FieldError{Field: "cipher.key", Err: err})
	}
	if m.Cipher.Rounds < 0 {
		bad("cipher.rounds", "must be positive, got %d", m.Cipher.Rounds)
	}
	if m.Layout.AddressSize != 4 && m.Layout.AddressSize != 8 {
		bad("layout.address-size", "want 4 or 8, got %d", m.Layout.AddressSize)
	}
	if m.Machine.MemorySize <= 0 {
		bad("machine.memory-size", "must be positive, got %d", m.Machine.MemorySize)
	}
	if m.Machine.StepLimit < 0 {
		bad("machine.step-limit", "must be positive, got %d", m.Machine.StepLimit)
	}
	if m.Machine.MemorySize > 0 {
		if !m.inWindow(m.Layout.KeyAddr, tea.KeySize) {
			bad("layout.key-addr", "0x%x+%d outside memory [0x%x, 0x%x)", m.Layout.KeyAddr, tea.KeySize, m.Machine.MemoryBase, m.windowEnd())
		}
		if n := m.PaddedLen(); !m.inWindow(m.Layout.PlaintextAddr, n) {
			bad("layout.plaintext-addr", "0x%x+%d outside memory [0x%x, 0x%x)", m.Layout.PlaintextAddr, n, m.Machine.MemoryBase, m.windowEnd())
		}
	}
	if m.Outcomes != nil && m.Outcomes.Accept == m.Outcomes.Reject {
		bad("outcomes", "accept and reject are both 0x%x", m.Outcomes.Accept)
	}
	return errs.ErrorOrNil()
}

func (m *Manifest) windowEnd() uint64 {
	return m.Machine.MemoryBase + uint64(m.Machine.MemorySize)
}

func (m *Manifest) inWindow(addr uint64, n int) bool {
	return addr >= m.Machine.MemoryBase && addr+uint64(n) >= addr && addr+uint64(n) <= m.windowEnd()
}

// KeyBytes decodes the cipher key.
func (m *Manifest) KeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(m.Cipher.Key)
	if err != nil {
		return nil, fmt.Errorf("key is not hex: %w", err)
	}
	if len(key) != tea.KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", tea.ErrKeySize, len(key))
	}
	return key, nil
}

// PaddedLen is the flag length rounded up to whole cipher blocks, the
// number of bytes the expression reads at the plaintext address.
func (m *Manifest) PaddedLen() int {
	return len(tea.Pad([]byte(m.Challenge.Flag)))
}

// Generator returns the code generator configuration for the challenge:
// one block per 8 flag bytes, checked against the flag's ciphertext.
func (m *Manifest) Generator() (codegen.Config, error) {
	key, err := m.KeyBytes()
	if err != nil {
		return codegen.Config{}, err
	}
	flag := []byte(m.Challenge.Flag)
	words, err := codegen.ExpectedWords(flag, key, m.Cipher.Delta, m.Cipher.Rounds)
	if err != nil {
		return codegen.Config{}, err
	}
	cfg := codegen.Config{
		KeyAddr:     m.Layout.KeyAddr,
		Blocks:      codegen.BlockAddrs(m.Layout.PlaintextAddr, len(flag)),
		Delta:       m.Cipher.Delta,
		Rounds:      m.Cipher.Rounds,
		Expected:    words,
		AddressSize: m.Layout.AddressSize,
	}
	if m.Outcomes != nil {
		cfg.Outcomes = &codegen.Outcomes{Accept: m.Outcomes.Accept, Reject: m.Outcomes.Reject}
	}
	return cfg, nil
}

// MachineOptions returns the evaluator options for the challenge's memory
// window and step budget.
func (m *Manifest) MachineOptions() []bytecode.Option {
	return []bytecode.Option{
		bytecode.WithMemoryBase(m.Machine.MemoryBase),
		bytecode.WithMemorySize(m.Machine.MemorySize),
		bytecode.WithAddressSize(m.Layout.AddressSize),
		bytecode.WithStepLimit(m.Machine.StepLimit),
	}
}
