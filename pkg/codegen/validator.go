package codegen

import (
	"fmt"
	"go/ast"
	"go/importer"
	"go/parser"
	"go/token"
	"go/types"

	"github.com/hashicorp/go-multierror"
)

// ValidationError is a problem found in generated Go source.
type ValidationError struct {
	Line    int
	Column  int
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Message)
}

// validateGoSource parses and type-checks a generated Go file. Every type
// error is collected, not just the first.
func validateGoSource(filename, source string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, source, parser.AllErrors)
	if err != nil {
		return fmt.Errorf("codegen: generated source does not parse: %w", err)
	}

	var errs *multierror.Error
	conf := types.Config{
		Importer: importer.Default(),
		Error: func(err error) {
			// types.Error has a Pos field (not a Pos() method)
			if te, ok := err.(types.Error); ok {
				pos := fset.Position(te.Pos)
				errs = multierror.Append(errs, ValidationError{Line: pos.Line, Column: pos.Column, Message: te.Msg})
			}
		},
	}
	_, _ = conf.Check(file.Name.Name, fset, []*ast.File{file}, nil)

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("codegen: generated source does not type-check: %w", err)
	}
	return nil
}
