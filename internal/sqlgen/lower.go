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

package sqlgen

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/flatquack/flatquack/internal/diag"
	"github.com/flatquack/flatquack/internal/duckt"
	"github.com/flatquack/flatquack/internal/fhirpath/ast"
	"github.com/flatquack/flatquack/internal/resolver"
)

// Lower walks a resolved AST node (annotated by resolver.Resolve) and
// produces its SQL Fragment (spec.md §4.3). env supplies the literal
// values bound to %variables so _invoke and general variable
// references can be inlined as SQL literals.
func Lower(n ast.Node, sc Scope, env *resolver.Env) (Fragment, error) {
	info := ast.ResolvedOf(n)
	if info == nil {
		return Fragment{}, diag.ErrAt(diag.ParseError, n.String(), n.Pos(), "node was never resolved")
	}
	switch t := n.(type) {
	case *ast.Literal:
		return lowerLiteralValue(t.Type, t.Value, info), nil
	case *ast.ThisRef:
		return Fragment{Expr: sc.Expr, Tables: sc.Tables, ResultType: info.PhysicalType, IsArray: info.Cardinality == ast.Collection}, nil
	case *ast.Variable:
		return lowerVariable(t, info, env)
	case *ast.Identifier:
		return lowerIdentifier(t, sc, env, info)
	case *ast.Indexer:
		return lowerIndexer(t, sc, env, info)
	case *ast.BinaryOp:
		return lowerBinary(t, sc, env, info)
	case *ast.UnaryOp:
		return lowerUnary(t, sc, env, info)
	case *ast.Invocation:
		return lowerInvocation(t, sc, env, info)
	default:
		return Fragment{}, diag.Errf(diag.ParseError, "unrecognized AST node")
	}
}

func lowerLiteralValue(kind ast.ScalarType, raw string, info *ast.Info) Fragment {
	var expr string
	switch kind {
	case ast.ScalarString:
		expr = sqlQuote(raw)
	case ast.ScalarBoolean:
		if raw == "true" {
			expr = "TRUE"
		} else {
			expr = "FALSE"
		}
	default: // integer, decimal: lexeme is already valid SQL numeric syntax
		expr = raw
	}
	return Fragment{Expr: expr, ResultType: info.PhysicalType}
}

func sqlQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func lowerVariable(v *ast.Variable, info *ast.Info, env *resolver.Env) (Fragment, error) {
	lit, ok := env.Vars[v.Name]
	if !ok {
		return Fragment{}, diag.ErrAt(diag.UnknownElement, v.String(), v.Pos(), "variable %%%s is not bound", v.Name)
	}
	return Fragment{Expr: scalarLiteralSQL(lit), ResultType: info.PhysicalType}, nil
}

func scalarLiteralSQL(lit resolver.ScalarLiteral) string {
	switch lit.Kind {
	case ast.ScalarString:
		return sqlQuote(lit.Str)
	case ast.ScalarInteger:
		return strconv.FormatInt(lit.Int, 10)
	case ast.ScalarDecimal:
		return strconv.FormatFloat(lit.Dec, 'f', -1, 64)
	case ast.ScalarBoolean:
		if lit.Bool {
			return "TRUE"
		}
		return "FALSE"
	default:
		return "NULL"
	}
}

// lowerIdentifier implements spec.md §4.3's struct-access and
// array-flattening rules: a receiver that is itself a bare array value
// is first realized into a lateral UNNEST, then the step is a plain
// dotted field access; the step's own result is marked IsArray when
// its element declares max="*".
func lowerIdentifier(id *ast.Identifier, sc Scope, env *resolver.Env, info *ast.Info) (Fragment, error) {
	var recv Fragment
	if id.Receiver != nil {
		f, err := Lower(id.Receiver, sc, env)
		if err != nil {
			return Fragment{}, err
		}
		recv = realizeArray(sc, f)
	} else {
		recv = Fragment{Expr: sc.Expr, Tables: sc.Tables}
	}
	elementIsArray := info.ElementDef != nil && info.ElementDef.Collection()
	return Fragment{
		Expr:       recv.Expr + "." + id.Name,
		Tables:     recv.Tables,
		ResultType: info.PhysicalType,
		IsArray:    elementIsArray,
	}, nil
}

func lowerIndexer(ix *ast.Indexer, sc Scope, env *resolver.Env, info *ast.Info) (Fragment, error) {
	recv, err := Lower(ix.Receiver, sc, env)
	if err != nil {
		return Fragment{}, err
	}
	idx, err := Lower(ix.Index, sc, env)
	if err != nil {
		return Fragment{}, err
	}
	tables := append(append([]LateralTable{}, recv.Tables...), idx.Tables...)
	expr := recv.Expr
	if recv.IsArray {
		// 1-based DuckDB list indexing; the FHIRPath index is 0-based.
		expr = fmt.Sprintf("%s[%s + 1]", recv.Expr, idx.Expr)
	}
	return Fragment{Expr: expr, Tables: tables, ResultType: info.PhysicalType, IsArray: false}, nil
}

var binOpSQL = map[ast.BinOp]string{
	ast.OpEq: "=", ast.OpNeq: "!=", ast.OpLt: "<", ast.OpGt: ">",
	ast.OpLe: "<=", ast.OpGe: ">=", ast.OpAnd: "AND", ast.OpOr: "OR",
	ast.OpAdd: "+", ast.OpSub: "-", ast.OpMul: "*", ast.OpDiv: "/",
	ast.OpIn: "IN",
}

func lowerBinary(b *ast.BinaryOp, sc Scope, env *resolver.Env, info *ast.Info) (Fragment, error) {
	lhs, err := Lower(b.Lhs, sc, env)
	if err != nil {
		return Fragment{}, err
	}
	rhs, err := Lower(b.Rhs, sc, env)
	if err != nil {
		return Fragment{}, err
	}
	op, ok := binOpSQL[b.Op]
	if !ok {
		return Fragment{}, diag.ErrAt(diag.UnsupportedFeature, b.String(), b.Pos(), "unsupported binary operator")
	}
	tables := append(append([]LateralTable{}, lhs.Tables...), rhs.Tables...)
	expr := fmt.Sprintf("(%s %s %s)", lhs.Expr, op, rhs.Expr)
	return Fragment{Expr: expr, Tables: tables, ResultType: info.PhysicalType, IsArray: false}, nil
}

func lowerUnary(u *ast.UnaryOp, sc Scope, env *resolver.Env, info *ast.Info) (Fragment, error) {
	operand, err := Lower(u.Operand, sc, env)
	if err != nil {
		return Fragment{}, err
	}
	var expr string
	switch u.Op {
	case ast.UnNeg:
		expr = "(-" + operand.Expr + ")"
	case ast.UnNot:
		expr = "(NOT " + operand.Expr + ")"
	default:
		return Fragment{}, diag.ErrAt(diag.UnsupportedFeature, u.String(), u.Pos(), "unsupported unary operator")
	}
	return Fragment{Expr: expr, Tables: operand.Tables, ResultType: info.PhysicalType, IsArray: false}, nil
}
