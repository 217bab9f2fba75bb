package codegen

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/dave/jennifer/jen"
)

// CArray renders the length-prefixed expression as a comma-separated list
// of hex bytes, ready to paste into a C or C++ initializer.
func (p *Program) CArray() string {
	expr := p.Expression()
	parts := make([]string, len(expr))
	for i, b := range expr {
		parts[i] = fmt.Sprintf("0x%x", b)
	}
	return strings.Join(parts, ",")
}

// GoSource renders the length-prefixed expression as a Go source file in
// package pkg declaring a byte slice called name.
func (p *Program) GoSource(pkg, name string) (string, error) {
	expr := p.Expression()
	vals := make([]jen.Code, len(expr))
	for i, b := range expr {
		vals[i] = jen.Lit(int(b))
	}

	f := jen.NewFile(pkg)
	f.HeaderComment("Code generated by dwx gen. DO NOT EDIT.")
	f.Commentf("%s is a length-prefixed expression checking %d blocks with %d rounds.", name, p.Blocks, p.Rounds)
	f.Var().Id(name).Op("=").Index().Byte().Values(vals...)
	f.Commentf("%sAddressSize is the addr operand width of %s.", name, name)
	f.Const().Id(name+"AddressSize").Op("=").Lit(p.AddressSize)

	var buf bytes.Buffer
	if err := f.Render(&buf); err != nil {
		return "", fmt.Errorf("codegen: render Go source: %w", err)
	}
	src := buf.String()
	if err := validateGoSource(pkg+".go", src); err != nil {
		return "", err
	}
	return src, nil
}
