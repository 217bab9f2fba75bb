// Package asm assembles expression source text into bytecode.
//
// The syntax is line oriented:
//
//	.address_size 4        ; must precede the first instruction
//	loop:                  # labels end with a colon
//	    DW_OP_lit1         ; the DW_OP_ prefix is optional
//	    pick 3
//	    bra loop           ; jumps take a label or a signed offset
//	    skip +9
//
// Numbers are decimal or 0x-prefixed hex, optionally signed. Signed
// operands of unsigned kinds are encoded as their two's-complement bit
// pattern. Output of bytecode.Listing assembles back to the same bytes.
package asm

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/chazu/dwexpr/pkg/bytecode"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("dwexpr.asm")

// DefaultAddressSize applies when the source has no .address_size directive.
const DefaultAddressSize = 8

// source is the top-level grammar node.
type source struct {
	Lines []*line `@@*`
}

// line: [label ":"] [directive | instruction] EOL
type line struct {
	Pos   lexer.Position
	Label *string      `( @Ident ":" )?`
	Dir   *directive   `( @@`
	Instr *instruction `| @@ )?`
	End   string       `@EOL`
}

type directive struct {
	Pos  lexer.Position
	Name string     `@Directive`
	Args []*operand `@@*`
}

type instruction struct {
	Pos      lexer.Position
	Name     string     `@Ident`
	Operands []*operand `@@*`
}

type operand struct {
	Pos    lexer.Position
	Number *string `  @Number`
	Label  *string `| @Ident`
}

func (o *operand) String() string {
	if o.Number != nil {
		return *o.Number
	}
	return *o.Label
}

var asmLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `[ \t\r]+`},
	{Name: "Comment", Pattern: `[;#][^\n]*`},
	{Name: "EOL", Pattern: `\n`},
	{Name: "Directive", Pattern: `\.[a-zA-Z_]+`},
	{Name: "Number", Pattern: `[-+]?(0[xX][0-9a-fA-F]+|[0-9]+)`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Punct", Pattern: `:`},
})

var parser = participle.MustBuild[source](
	participle.Lexer(asmLexer),
	participle.Elide("Whitespace", "Comment"),
	participle.UseLookahead(2),
)

// Error is an assembly error at a source position.
type Error struct {
	Pos lexer.Position
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Pos, e.Msg)
}

// ErrorList collects every error found in one source, in source order.
type ErrorList []*Error

func (l ErrorList) Error() string {
	switch len(l) {
	case 0:
		return "no errors"
	case 1:
		return l[0].Error()
	}
	return fmt.Sprintf("%s (and %d more errors)", l[0], len(l)-1)
}

// Program is assembled bytecode.
type Program struct {
	Code        []byte
	AddressSize int

	// Labels maps each label to its byte offset.
	Labels map[string]int
}

// Assemble assembles src. filename only labels error positions.
// On failure the error is an ErrorList.
func Assemble(filename, src string) (*Program, error) {
	if !strings.HasSuffix(src, "\n") {
		src += "\n"
	}
	ast, err := parser.ParseString(filename, src)
	if err != nil {
		return nil, ErrorList{parseError(filename, err)}
	}

	a := &assembler{addrSize: DefaultAddressSize, labels: make(map[string]int)}
	for _, l := range ast.Lines {
		a.line(l)
	}
	a.builder()
	a.patch()
	if len(a.errs) > 0 {
		return nil, a.errs
	}

	code, err := a.b.Bytes()
	if err != nil {
		return nil, ErrorList{{Pos: lexer.Position{Filename: filename}, Msg: err.Error()}}
	}
	log.Debugf("assembled %s: %d bytes, %d labels", filename, len(code), len(a.labels))
	return &Program{Code: code, AddressSize: a.addrSize, Labels: a.labels}, nil
}

func parseError(filename string, err error) *Error {
	var perr participle.Error
	if errors.As(err, &perr) {
		return &Error{Pos: perr.Position(), Msg: perr.Message()}
	}
	return &Error{Pos: lexer.Position{Filename: filename, Line: 1, Column: 1}, Msg: err.Error()}
}

type fixup struct {
	pos   int // offset of the placeholder operand
	label string
	at    lexer.Position
}

type assembler struct {
	b        *bytecode.Builder
	addrSize int
	labels   map[string]int
	defined  map[string]lexer.Position
	fixups   []fixup
	errs     ErrorList
}

func (a *assembler) errorf(pos lexer.Position, format string, args ...any) {
	a.errs = append(a.errs, &Error{Pos: pos, Msg: fmt.Sprintf(format, args...)})
}

// builder creates the builder on first use, freezing the address size.
func (a *assembler) builder() *bytecode.Builder {
	if a.b == nil {
		a.b = bytecode.NewBuilder(a.addrSize)
	}
	return a.b
}

func (a *assembler) line(l *line) {
	if l.Label != nil {
		a.label(*l.Label, l.Pos)
	}
	switch {
	case l.Dir != nil:
		a.directive(l.Dir)
	case l.Instr != nil:
		a.instruction(l.Instr)
	}
}

func (a *assembler) label(name string, pos lexer.Position) {
	if a.defined == nil {
		a.defined = make(map[string]lexer.Position)
	}
	if prev, ok := a.defined[name]; ok {
		a.errorf(pos, "label %s already defined at %s", name, prev)
		return
	}
	a.defined[name] = pos
	a.labels[name] = a.builder().Len()
}

func (a *assembler) directive(d *directive) {
	switch d.Name {
	case ".address_size":
		if a.b != nil {
			a.errorf(d.Pos, ".address_size must precede every instruction and label")
			return
		}
		if len(d.Args) != 1 || d.Args[0].Number == nil {
			a.errorf(d.Pos, ".address_size takes one number")
			return
		}
		v, err := parseNumber(*d.Args[0].Number)
		if err != nil {
			a.errorf(d.Args[0].Pos, "%v", err)
			return
		}
		if v != 4 && v != 8 {
			a.errorf(d.Args[0].Pos, "address size %s: want 4 or 8", *d.Args[0].Number)
			return
		}
		a.addrSize = int(v)
	default:
		a.errorf(d.Pos, "unknown directive %s", d.Name)
	}
}

func (a *assembler) instruction(in *instruction) {
	op, err := bytecode.Lookup(in.Name)
	if err != nil {
		a.errorf(in.Pos, "unknown operation %s", in.Name)
		return
	}
	kinds := op.Operands()
	if len(in.Operands) != len(kinds) {
		a.errorf(in.Pos, "%s takes %d operands, got %d", op, len(kinds), len(in.Operands))
		return
	}

	b := a.builder()
	if op.IsJump() && in.Operands[0].Label != nil {
		pos := b.EmitJump(op)
		a.fixups = append(a.fixups, fixup{pos: pos, label: *in.Operands[0].Label, at: in.Operands[0].Pos})
		return
	}

	args := make([]uint64, len(kinds))
	for i, kind := range kinds {
		o := in.Operands[i]
		if o.Number == nil {
			a.errorf(o.Pos, "operand %d of %s must be a number, got %s", i+1, op, o)
			return
		}
		v, err := parseNumber(*o.Number)
		if err != nil {
			a.errorf(o.Pos, "%v", err)
			return
		}
		if kind == bytecode.OperandRel16 {
			if s := int64(v); s < math.MinInt16 || s > math.MaxInt16 {
				a.errorf(o.Pos, "jump offset %s out of int16 range", *o.Number)
				return
			}
		}
		args[i] = v
	}
	b.Emit(op, args...)
}

// patch resolves label operands once every label is known.
func (a *assembler) patch() {
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			a.errorf(f.at, "undefined label %s", f.label)
			continue
		}
		if a.b.PatchJumpTo(f.pos, target); a.b.Err() != nil {
			a.errorf(f.at, "jump to %s: %v", f.label, a.b.Err())
			return
		}
	}
}

// parseNumber parses a decimal or 0x-prefixed hex literal with an
// optional sign. Negative values come back as two's complement.
func parseNumber(s string) (uint64, error) {
	neg := strings.HasPrefix(s, "-")
	digits := strings.TrimLeft(s, "+-")
	base := 10
	if len(digits) > 2 && (digits[:2] == "0x" || digits[:2] == "0X") {
		base = 16
		digits = digits[2:]
	}
	v, err := strconv.ParseUint(digits, base, 64)
	if err != nil {
		return 0, fmt.Errorf("number %s does not fit in 64 bits", s)
	}
	if neg {
		if v > 1<<63 {
			return 0, fmt.Errorf("number %s does not fit in 64 bits", s)
		}
		return -v, nil
	}
	return v, nil
}
