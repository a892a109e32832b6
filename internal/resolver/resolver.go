// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package resolver implements stage 2 of the compiler (spec.md §4.2):
// a bottom-up, environment-passing walk that annotates every AST node
// with a ResolvedType, expands polymorphic value[x] access, and
// validates that every identifier path actually exists in the FHIR
// schema. Modeled on expr/check.go's visitor-based checker, but
// rewritten as a direct recursive walk since our "type system" needs
// to *thread* a focus type rather than merely check one computed
// independently per node (the teacher's TypeOf is context-free;
// FHIRPath element resolution is not).
package resolver

import (
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/flatquack/flatquack/internal/diag"
	"github.com/flatquack/flatquack/internal/duckt"
	"github.com/flatquack/flatquack/internal/fhirpath/ast"
	"github.com/flatquack/flatquack/internal/fhirschema"
)

// MaxDepth is the recursion depth ceiling suggested by spec.md §5;
// expressions nested deeper than this fail with ExpressionTooDeep
// instead of overflowing the Go call stack.
const MaxDepth = 256

// ScalarLiteral is a compile-time constant supplied either as a
// caller-provided variable (compile()'s userVars parameter) or as a
// ViewDefinition `constant` entry (spec.md §4 SPEC_FULL supplement).
// Exactly one of the fields is meaningful, selected by Kind.
type ScalarLiteral struct {
	Kind  ast.ScalarType
	Str   string
	Int   int64
	Dec   float64
	Bool  bool
}

// Focus is the "context type" threaded through resolution: the FHIR
// type of whatever the current expression step is standing on, plus
// its cardinality.
type Focus struct {
	TypeName    string
	Cardinality ast.Cardinality
}

// Env bundles the environment resolution needs: the schema document
// and the variable namespace ($-free names, i.e. what follows '%').
type Env struct {
	Schema *fhirschema.Schema
	Vars   map[string]ScalarLiteral
}

// Resolve annotates n (and its descendants) in place, given the
// ambient focus type n begins evaluation against (for a ViewDefinition
// column path, this is the resource type; for a nested `where`/
// `_forEach` predicate, it is the element type already established by
// the caller). It returns n's own resolved Info or the first error
// encountered.
func Resolve(n ast.Node, focus Focus, env *Env) (*ast.Info, error) {
	return resolveNode(n, focus, env, 0)
}

func tooDeep(n ast.Node, depth int) error {
	return diag.ErrAt(diag.ExpressionTooDeep, n.String(), n.Pos(), "expression exceeds maximum nesting depth").
		WithHint("split the path into a nested select or simplify the expression")
}

func resolveNode(n ast.Node, focus Focus, env *Env, depth int) (*ast.Info, error) {
	if depth > MaxDepth {
		return nil, tooDeep(n, depth)
	}
	switch t := n.(type) {
	case *ast.Literal:
		return resolveLiteral(t)
	case *ast.ThisRef:
		info := &ast.Info{FHIRType: focus.TypeName, Cardinality: focus.Cardinality,
			PhysicalType: duckt.FromFHIRType(focus.TypeName), Nullable: true}
		ast.Annotate(t, info)
		return info, nil
	case *ast.Variable:
		return resolveVariable(t, env)
	case *ast.Identifier:
		return resolveIdentifier(t, focus, env, depth)
	case *ast.Indexer:
		return resolveIndexer(t, focus, env, depth)
	case *ast.BinaryOp:
		return resolveBinary(t, focus, env, depth)
	case *ast.UnaryOp:
		return resolveUnary(t, focus, env, depth)
	case *ast.Invocation:
		return resolveInvocation(t, focus, env, depth)
	default:
		return nil, diag.Errf(diag.ParseError, "unrecognized AST node")
	}
}

func resolveLiteral(l *ast.Literal) (*ast.Info, error) {
	var fhirType string
	var phys duckt.Type
	switch l.Type {
	case ast.ScalarString:
		fhirType, phys = "string", duckt.VarcharT
	case ast.ScalarInteger:
		fhirType, phys = "integer", duckt.IntegerT
	case ast.ScalarDecimal:
		fhirType, phys = "decimal", duckt.DecimalT
	case ast.ScalarBoolean:
		fhirType, phys = "boolean", duckt.BooleanT
	default:
		fhirType, phys = "", duckt.UnknownT
	}
	info := &ast.Info{FHIRType: fhirType, Cardinality: ast.Singleton, PhysicalType: phys}
	ast.Annotate(l, info)
	return info, nil
}

func resolveVariable(v *ast.Variable, env *Env) (*ast.Info, error) {
	lit, ok := env.Vars[v.Name]
	if !ok {
		return nil, diag.ErrAt(diag.UnknownElement, v.String(), v.Pos(), "variable %%%s is not bound", v.Name).
			WithHint("pass it in userVars or declare it as a ViewDefinition constant")
	}
	var fhirType string
	var phys duckt.Type
	switch lit.Kind {
	case ast.ScalarString:
		fhirType, phys = "string", duckt.VarcharT
	case ast.ScalarInteger:
		fhirType, phys = "integer", duckt.IntegerT
	case ast.ScalarDecimal:
		fhirType, phys = "decimal", duckt.DecimalT
	case ast.ScalarBoolean:
		fhirType, phys = "boolean", duckt.BooleanT
	default:
		fhirType, phys = "", duckt.UnknownT
	}
	info := &ast.Info{FHIRType: fhirType, Cardinality: ast.Singleton, PhysicalType: phys}
	ast.Annotate(v, info)
	return info, nil
}

func resolveIdentifier(id *ast.Identifier, focus Focus, env *Env, depth int) (*ast.Info, error) {
	ctxType := focus.TypeName
	ctxCard := focus.Cardinality
	if id.Receiver != nil {
		rinfo, err := resolveNode(id.Receiver, focus, env, depth+1)
		if err != nil {
			return nil, err
		}
		ctxType = rinfo.FHIRType
		ctxCard = rinfo.Cardinality
	}

	elem, ok := env.Schema.Element(ctxType, id.Name)
	var fhirType string
	var elemDef *fhirschema.Element
	if ok {
		if len(elem.Type) > 1 {
			return nil, diag.ErrAt(diag.InvalidChoice, id.String(), id.Pos(), "element %s is a choice group; use one of its typed forms", id.Name).
				WithHint("e.g. " + id.Name + capitalize(elem.Type[0]))
		}
		if len(elem.Type) == 1 {
			fhirType = elem.Type[0]
		}
		e := elem
		elemDef = &e
	} else if strings.HasPrefix(id.Name, "value") {
		choices := env.Schema.ResolveChoice(ctxType, "value")
		idx := slices.IndexFunc(choices, func(c fhirschema.Choice) bool { return c.PhysicalName == id.Name })
		if idx < 0 {
			return nil, unknownElementErr(id, ctxType)
		}
		c := choices[idx]
		fhirType = c.FHIRType
		e := c.Element
		elemDef = &e
		elem = c.Element
	} else {
		return nil, unknownElementErr(id, ctxType)
	}

	card := ast.Singleton
	if ctxCard == ast.Collection || elem.Collection() {
		card = ast.Collection
	}
	info := &ast.Info{
		FHIRType:     fhirType,
		Cardinality:  card,
		PhysicalType: duckt.FromFHIRType(fhirType),
		Nullable:     true,
		ElementDef:   elemDef,
	}
	ast.Annotate(id, info)
	return info, nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func unknownElementErr(id *ast.Identifier, ctxType string) error {
	return diag.ErrAt(diag.UnknownElement, id.String(), id.Pos(), "unknown element %s on type %s", strconv.Quote(id.Name), strconv.Quote(ctxType))
}

func resolveIndexer(ix *ast.Indexer, focus Focus, env *Env, depth int) (*ast.Info, error) {
	rinfo, err := resolveNode(ix.Receiver, focus, env, depth+1)
	if err != nil {
		return nil, err
	}
	if _, err := resolveNode(ix.Index, focus, env, depth+1); err != nil {
		return nil, err
	}
	info := &ast.Info{
		FHIRType:     rinfo.FHIRType,
		Cardinality:  ast.Singleton,
		PhysicalType: rinfo.PhysicalType,
		Nullable:     true,
		ElementDef:   rinfo.ElementDef,
	}
	ast.Annotate(ix, info)
	return info, nil
}

var logicalOps = map[ast.BinOp]bool{ast.OpAnd: true, ast.OpOr: true}
var cmpOpsSet = map[ast.BinOp]bool{
	ast.OpEq: true, ast.OpNeq: true, ast.OpLt: true, ast.OpGt: true,
	ast.OpLe: true, ast.OpGe: true, ast.OpIn: true,
}

func resolveBinary(b *ast.BinaryOp, focus Focus, env *Env, depth int) (*ast.Info, error) {
	linfo, err := resolveNode(b.Lhs, focus, env, depth+1)
	if err != nil {
		return nil, err
	}
	rinfo, err := resolveNode(b.Rhs, focus, env, depth+1)
	if err != nil {
		return nil, err
	}
	card := ast.Singleton
	if linfo.Cardinality == ast.Collection || rinfo.Cardinality == ast.Collection {
		card = ast.Collection
	}
	var phys duckt.Type
	var fhirType string
	switch {
	case logicalOps[b.Op] || cmpOpsSet[b.Op]:
		phys, fhirType = duckt.BooleanT, "boolean"
	default: // arithmetic
		phys, fhirType = duckt.IntegerT, "integer"
		if linfo.PhysicalType.Kind == duckt.Decimal || rinfo.PhysicalType.Kind == duckt.Decimal {
			phys, fhirType = duckt.DecimalT, "decimal"
		}
	}
	info := &ast.Info{FHIRType: fhirType, Cardinality: card, PhysicalType: phys, Nullable: true}
	ast.Annotate(b, info)
	return info, nil
}

func resolveUnary(u *ast.UnaryOp, focus Focus, env *Env, depth int) (*ast.Info, error) {
	oinfo, err := resolveNode(u.Operand, focus, env, depth+1)
	if err != nil {
		return nil, err
	}
	phys, fhirType := oinfo.PhysicalType, oinfo.FHIRType
	if u.Op == ast.UnNot {
		phys, fhirType = duckt.BooleanT, "boolean"
	}
	info := &ast.Info{FHIRType: fhirType, Cardinality: oinfo.Cardinality, PhysicalType: phys, Nullable: true}
	ast.Annotate(u, info)
	return info, nil
}
