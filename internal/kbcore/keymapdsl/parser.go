// Package keymapdsl parses the per-key binding expressions used in the
// keymap file, e.g. std(A), mod(LeftShift), bitmap(2, 5) or
// funcLockDep(F1, 0, 4).
package keymapdsl

import (
	"fmt"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/iancoleman/strcase"
)

type Expr struct {
	Func string `parser:"@Ident"`
	Args []Arg  `parser:"'(' (@@ (',' @@)*)? ')'"`
}

type Arg struct {
	Ident  *string `parser:"@Ident"`
	Number *int64  `parser:"| @Int"`
}

var dslLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Int", Pattern: `\d+`},
	{Name: "Punct", Pattern: `[(),]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var parser = participle.MustBuild[Expr](
	participle.Lexer(dslLexer),
	participle.Elide("Whitespace"),
)

// Parse parses a single binding expression. The function name is normalized
// to lowerCamel so Std(A) and std(A) are equivalent.
func Parse(input string) (*Expr, error) {
	expr, err := parser.ParseString("", input)
	if err != nil {
		return nil, fmt.Errorf("failed to parse binding %q: %w", input, err)
	}
	expr.Func = strcase.ToLowerCamel(expr.Func)
	return expr, nil
}

// IdentArg returns the i-th argument as an identifier.
func (e *Expr) IdentArg(i int) (string, error) {
	if i >= len(e.Args) || e.Args[i].Ident == nil {
		return "", fmt.Errorf("%s: argument %d must be an identifier", e.Func, i+1)
	}
	return *e.Args[i].Ident, nil
}

// NumberArg returns the i-th argument as a number.
func (e *Expr) NumberArg(i int) (int64, error) {
	if i >= len(e.Args) || e.Args[i].Number == nil {
		return 0, fmt.Errorf("%s: argument %d must be a number", e.Func, i+1)
	}
	return *e.Args[i].Number, nil
}

// WantArgs validates the argument count.
func (e *Expr) WantArgs(n int) error {
	if len(e.Args) != n {
		return fmt.Errorf("%s: expected %d arguments, got %d", e.Func, n, len(e.Args))
	}
	return nil
}
