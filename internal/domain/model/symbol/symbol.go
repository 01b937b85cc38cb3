// Package symbol extracts a flat, line-addressable index of the named code
// units in a Go source file. Only top-level declarations and their direct
// methods are indexed; nested functions and nested types are intentionally
// invisible to callers (the patch engine relies on this limitation).
package symbol

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
)

// Kind classifies an indexed symbol.
type Kind string

const (
	KindFunction Kind = "function"
	KindClass    Kind = "class" // top-level type declaration
	KindMethod   Kind = "method"
)

// Symbol is a named code unit with its 1-based line span.
// EndLine is inclusive: the symbol occupies [StartLine, EndLine].
type Symbol struct {
	QualifiedName string `json:"qname"`
	Kind          Kind   `json:"kind"`
	StartLine     int    `json:"start_line"`
	EndLine       int    `json:"end_line"`
	Column        int    `json:"column"`
}

// ParseError reports invalid source. Callers must treat it as a recoverable
// condition, never a crash.
type ParseError struct {
	Msg    string
	Line   int
	Column int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at line %d, col %d: %s", e.Line, e.Column, e.Msg)
}

// Extract parses source and returns its symbols in declaration order.
// It is pure and total over valid source; invalid source yields a *ParseError.
func Extract(source []byte) ([]Symbol, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "src.go", source, parser.ParseComments)
	if err != nil {
		return nil, toParseError(err)
	}

	var syms []Symbol
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			start := fset.Position(d.Pos())
			end := fset.Position(d.End())
			if d.Recv != nil && len(d.Recv.List) > 0 {
				recv := receiverTypeName(d.Recv.List[0].Type)
				if recv == "" {
					continue
				}
				syms = append(syms, Symbol{
					QualifiedName: recv + "." + d.Name.Name,
					Kind:          KindMethod,
					StartLine:     start.Line,
					EndLine:       end.Line,
					Column:        start.Column - 1,
				})
				continue
			}
			syms = append(syms, Symbol{
				QualifiedName: d.Name.Name,
				Kind:          KindFunction,
				StartLine:     start.Line,
				EndLine:       end.Line,
				Column:        start.Column - 1,
			})
		case *ast.GenDecl:
			if d.Tok != token.TYPE {
				continue
			}
			for _, spec := range d.Specs {
				ts, ok := spec.(*ast.TypeSpec)
				if !ok {
					continue
				}
				// A single-spec decl spans from the `type` keyword; grouped
				// specs span their own lines.
				pos, end := ts.Pos(), ts.End()
				if len(d.Specs) == 1 && !d.Lparen.IsValid() {
					pos, end = d.Pos(), d.End()
				}
				start := fset.Position(pos)
				syms = append(syms, Symbol{
					QualifiedName: ts.Name.Name,
					Kind:          KindClass,
					StartLine:     start.Line,
					EndLine:       fset.Position(end).Line,
					Column:        start.Column - 1,
				})
			}
		}
	}
	return syms, nil
}

// Locate finds a symbol by qualified name.
func Locate(symbols []Symbol, qualifiedName string) (Symbol, bool) {
	for _, s := range symbols {
		if s.QualifiedName == qualifiedName {
			return s, true
		}
	}
	return Symbol{}, false
}

// receiverTypeName resolves the base type name of a method receiver,
// unwrapping pointers and type parameters.
func receiverTypeName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return receiverTypeName(t.X)
	case *ast.IndexExpr:
		return receiverTypeName(t.X)
	case *ast.IndexListExpr:
		return receiverTypeName(t.X)
	}
	return ""
}

func toParseError(err error) *ParseError {
	var list scanner.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		first := list[0]
		return &ParseError{
			Msg:    first.Msg,
			Line:   first.Pos.Line,
			Column: first.Pos.Column,
		}
	}
	return &ParseError{Msg: err.Error()}
}
