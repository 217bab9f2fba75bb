package codegen

import (
	"errors"
	"strings"
	"testing"

	"github.com/hashicorp/go-multierror"
)

func TestValidateGoSource_Valid(t *testing.T) {
	source := `package checks

var Expr = []byte{0x31, 0x32, 0x22}

const ExprAddressSize = 8
`
	if err := validateGoSource("checks.go", source); err != nil {
		t.Errorf("validateGoSource(valid) = %v, want nil", err)
	}
}

func TestValidateGoSource_SyntaxError(t *testing.T) {
	source := `package checks

var Expr = []byte{0x31,
`
	err := validateGoSource("checks.go", source)
	if err == nil || !strings.Contains(err.Error(), "does not parse") {
		t.Errorf("validateGoSource(syntax error) = %v, want a parse error", err)
	}
}

func TestValidateGoSource_TypeErrors(t *testing.T) {
	source := `package checks

var Expr = []byte{0x31, 0x100}

const ExprAddressSize int = "eight"
`
	err := validateGoSource("checks.go", source)
	if err == nil {
		t.Fatal("validateGoSource(type errors) = nil, want an error")
	}
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		t.Fatalf("validateGoSource() error %T should wrap a *multierror.Error", err)
	}
	if len(merr.Errors) != 2 {
		t.Fatalf("validateGoSource() found %d errors, want 2: %v", len(merr.Errors), merr.Errors)
	}

	var ve ValidationError
	if !errors.As(merr.Errors[0], &ve) {
		t.Fatalf("error %T is not a ValidationError", merr.Errors[0])
	}
	if ve.Line != 3 {
		t.Errorf("first error on line %d, want 3", ve.Line)
	}
	if !strings.HasPrefix(ve.Error(), "3:") {
		t.Errorf("ValidationError.Error() = %q, want a line:column prefix", ve.Error())
	}
}
