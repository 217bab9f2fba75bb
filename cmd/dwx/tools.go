package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chazu/dwexpr/dist"
	"github.com/chazu/dwexpr/pkg/asm"
	"github.com/chazu/dwexpr/pkg/bytecode"
	"github.com/chazu/dwexpr/pkg/tea"
)

// readInput reads path, or stdin for "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// loadCode returns the expression body in path. Assembler sources (.dwx)
// are assembled and bundles (.dwb) unpacked; anything else is raw
// bytecode, length-prefixed when prefixed is set.
func loadCode(path string, prefixed bool, addrSize int) ([]byte, int, error) {
	data, err := readInput(path)
	if err != nil {
		return nil, 0, err
	}
	switch filepath.Ext(path) {
	case ".dwx":
		prog, err := asm.Assemble(path, string(data))
		if err != nil {
			return nil, 0, err
		}
		return prog.Code, prog.AddressSize, nil
	case ".dwb":
		b, err := dist.UnmarshalBundle(data)
		if err != nil {
			return nil, 0, err
		}
		code, err := b.Code()
		return code, b.AddressSize, err
	}
	if prefixed {
		body, rest, err := bytecode.SplitExpression(data)
		if err != nil {
			return nil, 0, err
		}
		if len(rest) > 0 {
			return nil, 0, fmt.Errorf("%d trailing bytes after expression", len(rest))
		}
		data = body
	}
	return data, addrSize, nil
}

// memoryFlag collects -store addr=hex assignments.
type memoryFlag []memoryWrite

type memoryWrite struct {
	addr uint64
	data []byte
}

func (f *memoryFlag) String() string {
	parts := make([]string, len(*f))
	for i, w := range *f {
		parts[i] = fmt.Sprintf("0x%x=%x", w.addr, w.data)
	}
	return strings.Join(parts, ",")
}

func (f *memoryFlag) Set(s string) error {
	addr, data, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("want addr=hexbytes, got %q", s)
	}
	a, err := strconv.ParseUint(addr, 0, 64)
	if err != nil {
		return fmt.Errorf("address %q: %w", addr, err)
	}
	b, err := hex.DecodeString(data)
	if err != nil {
		return fmt.Errorf("data for 0x%x: %w", a, err)
	}
	*f = append(*f, memoryWrite{addr: a, data: b})
	return nil
}

// registerFlag collects -reg n=value assignments.
type registerFlag map[uint64]uint64

func (f registerFlag) String() string {
	parts := make([]string, 0, len(f))
	for n, v := range f {
		parts = append(parts, fmt.Sprintf("%d=0x%x", n, v))
	}
	return strings.Join(parts, ",")
}

func (f registerFlag) Set(s string) error {
	reg, val, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("want reg=value, got %q", s)
	}
	n, err := strconv.ParseUint(reg, 0, 64)
	if err != nil {
		return fmt.Errorf("register %q: %w", reg, err)
	}
	v, err := strconv.ParseUint(val, 0, 64)
	if err != nil {
		return fmt.Errorf("register %d value %q: %w", n, val, err)
	}
	f[n] = v
	return nil
}

// handleRunCommand processes the `dwx run` subcommand.
// Usage:
//
//	dwx run prog.dwx
//	dwx run -prefixed -store 0x1000=41424344 expr.bin
func handleRunCommand(args []string, stdout io.Writer) error {
	fs := newFlagSet("run", "<file|->")
	addrSize := fs.Int("addr-size", 8, "Address size for raw bytecode (4 or 8)")
	prefixed := fs.Bool("prefixed", false, "Raw input carries a ULEB128 length prefix")
	memBase := fs.Uint64("mem-base", 0, "Memory base address")
	memSize := fs.Int("mem-size", bytecode.DefaultMemorySize, "Memory size in bytes")
	steps := fs.Int("steps", bytecode.DefaultStepLimit, "Step limit")
	trace := fs.Bool("trace", false, "Log every step at debug level (use with -v -v)")
	showStack := fs.Bool("stack", false, "Print the whole stack, top last")
	var mem memoryFlag
	fs.Var(&mem, "store", "Write bytes before running: addr=hex (repeatable)")
	regs := registerFlag{}
	fs.Var(regs, "reg", "Set a register: n=value (repeatable)")
	frameBase := fs.String("fb", "", "Frame base for fbreg")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("run takes one input file")
	}

	code, size, err := loadCode(fs.Arg(0), *prefixed, *addrSize)
	if err != nil {
		return err
	}
	opts := []bytecode.Option{
		bytecode.WithAddressSize(size),
		bytecode.WithMemoryBase(*memBase),
		bytecode.WithMemorySize(*memSize),
		bytecode.WithStepLimit(*steps),
	}
	if len(regs) > 0 {
		opts = append(opts, bytecode.WithRegisters(regs))
	}
	if *frameBase != "" {
		fb, err := strconv.ParseUint(*frameBase, 0, 64)
		if err != nil {
			return fmt.Errorf("frame base: %w", err)
		}
		opts = append(opts, bytecode.WithFrameBase(fb))
	}
	m, err := bytecode.NewMachine(opts...)
	if err != nil {
		return err
	}
	m.Trace = *trace
	for _, w := range mem {
		if err := m.Store(w.addr, w.data); err != nil {
			return err
		}
	}

	if err := m.Run(code); err != nil {
		var e *bytecode.Error
		if errors.As(err, &e) && len(e.Stack) > 0 {
			printStack(stdout, e.Stack)
		}
		return err
	}

	if *showStack {
		printStack(stdout, m.Stack())
	} else {
		top, err := m.Top()
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "0x%x (%s)\n", top, top)
	}
	fmt.Fprintf(stdout, "; %d steps\n", m.Steps())
	return nil
}

func printStack(stdout io.Writer, stack []*big.Int) {
	for i, v := range stack {
		fmt.Fprintf(stdout, "[%d] 0x%x\n", len(stack)-1-i, v)
	}
}

// handleDisasmCommand processes the `dwx disasm` subcommand.
func handleDisasmCommand(args []string, stdout io.Writer) error {
	fs := newFlagSet("disasm", "<file|->")
	addrSize := fs.Int("addr-size", 8, "Address size for raw bytecode (4 or 8)")
	prefixed := fs.Bool("prefixed", false, "Raw input carries a ULEB128 length prefix")
	listing := fs.Bool("listing", false, "Print assembler source instead of an offset listing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("disasm takes one input file")
	}

	code, size, err := loadCode(fs.Arg(0), *prefixed, *addrSize)
	if err != nil {
		return err
	}
	if *listing {
		out, err := bytecode.Listing(code, size)
		if err != nil {
			return err
		}
		fmt.Fprint(stdout, out)
		return nil
	}
	// On a decode error the partial listing shows where decoding stopped.
	out, err := bytecode.Disassemble(code, size)
	fmt.Fprint(stdout, out)
	return err
}

// handleAsmCommand processes the `dwx asm` subcommand.
func handleAsmCommand(args []string, stdout io.Writer) error {
	fs := newFlagSet("asm", "<file.dwx|->")
	output := fs.String("o", "", "Write raw bytes to file instead of hex to stdout")
	prefixed := fs.Bool("prefixed", false, "Prepend the ULEB128 length")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("asm takes one input file")
	}

	src, err := readInput(fs.Arg(0))
	if err != nil {
		return err
	}
	prog, err := asm.Assemble(fs.Arg(0), string(src))
	if err != nil {
		var errs asm.ErrorList
		if errors.As(err, &errs) {
			for _, e := range errs {
				fmt.Fprintln(os.Stderr, e)
			}
			return fmt.Errorf("%d assembly errors", len(errs))
		}
		return err
	}
	code := prog.Code
	if *prefixed {
		code = append(bytecode.AppendULEB128(nil, uint64(len(code))), code...)
	}
	if *output == "" {
		fmt.Fprintln(stdout, hex.EncodeToString(code))
		return nil
	}
	return os.WriteFile(*output, code, 0644)
}

// handleOpsCommand processes the `dwx ops` subcommand.
func handleOpsCommand(args []string, stdout io.Writer) error {
	fs := newFlagSet("ops", "")
	if err := fs.Parse(args); err != nil {
		return err
	}
	fmt.Fprint(stdout, bytecode.OpcodeTable())
	return nil
}

// cipherFlags registers the key, delta and rounds flags shared by encrypt
// and decrypt.
func cipherFlags(fs *flag.FlagSet) (key *string, delta *uint, rounds *int) {
	key = fs.String("key", "", "Key as 32 hex digits")
	delta = fs.Uint("delta", uint(tea.DefaultDelta), "Round constant")
	rounds = fs.Int("rounds", tea.DefaultRounds, "Rounds per block")
	return key, delta, rounds
}

func decodeKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("key: %w", err)
	}
	if len(key) != tea.KeySize {
		return nil, fmt.Errorf("key: %w", tea.ErrKeySize)
	}
	return key, nil
}

// handleEncryptCommand processes the `dwx encrypt` subcommand.
func handleEncryptCommand(args []string, stdout io.Writer) error {
	fs := newFlagSet("encrypt", "<text>")
	key, delta, rounds := cipherFlags(fs)
	words := fs.Bool("words", false, "Print ciphertext words in block order")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("encrypt takes one argument")
	}
	k, err := decodeKey(*key)
	if err != nil {
		return err
	}
	ct, err := tea.Encrypt([]byte(fs.Arg(0)), k, uint32(*delta), *rounds)
	if err != nil {
		return err
	}
	if !*words {
		fmt.Fprintln(stdout, hex.EncodeToString(ct))
		return nil
	}
	w, err := tea.Words(ct)
	if err != nil {
		return err
	}
	for i := 0; i+1 < len(w); i += 2 {
		fmt.Fprintf(stdout, "%08X %08X\n", w[i], w[i+1])
	}
	return nil
}

// handleDecryptCommand processes the `dwx decrypt` subcommand.
func handleDecryptCommand(args []string, stdout io.Writer) error {
	fs := newFlagSet("decrypt", "<hex>")
	key, delta, rounds := cipherFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("decrypt takes one argument")
	}
	k, err := decodeKey(*key)
	if err != nil {
		return err
	}
	ct, err := hex.DecodeString(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("ciphertext: %w", err)
	}
	pt, err := tea.Decrypt(ct, k, uint32(*delta), *rounds)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s\n", pt)
	return nil
}
