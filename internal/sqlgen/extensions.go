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
	"strings"

	"golang.org/x/exp/slices"

	"github.com/flatquack/flatquack/internal/diag"
	"github.com/flatquack/flatquack/internal/fhirpath/ast"
	"github.com/flatquack/flatquack/internal/resolver"
)

// builtinSQL maps an ordinary (non-extension) FHIRPath function name
// to the DuckDB expression template used to lower it; %s is the
// lowered receiver expression, the rest are lowered argument
// expressions in order.
var builtinSQL = map[string]func(recv string, args []string) string{
	"exists":     func(recv string, args []string) string { return fmt.Sprintf("(%s IS NOT NULL)", recv) },
	"empty":      func(recv string, args []string) string { return fmt.Sprintf("(%s IS NULL)", recv) },
	"first":      func(recv string, args []string) string { return recv },
	"single":     func(recv string, args []string) string { return recv },
	"count":      func(recv string, args []string) string { return fmt.Sprintf("len(%s)", recv) },
	"length":     func(recv string, args []string) string { return fmt.Sprintf("length(%s)", recv) },
	"toString":   func(recv string, args []string) string { return fmt.Sprintf("CAST(%s AS VARCHAR)", recv) },
	"toInteger":  func(recv string, args []string) string { return fmt.Sprintf("CAST(%s AS BIGINT)", recv) },
	"startsWith": func(recv string, args []string) string { return fmt.Sprintf("starts_with(%s, %s)", recv, arg0(args)) },
	"endsWith":   func(recv string, args []string) string { return fmt.Sprintf("ends_with(%s, %s)", recv, arg0(args)) },
	"contains":   func(recv string, args []string) string { return fmt.Sprintf("contains(%s, %s)", recv, arg0(args)) },
	"matches":    func(recv string, args []string) string { return fmt.Sprintf("regexp_matches(%s, %s)", recv, arg0(args)) },
	"substring": func(recv string, args []string) string {
		if len(args) > 1 {
			return fmt.Sprintf("substring(%s, %s + 1, %s)", recv, args[0], args[1])
		}
		return fmt.Sprintf("substring(%s, %s + 1)", recv, arg0(args))
	},
	"join": func(recv string, args []string) string {
		sep := "''"
		if len(args) > 0 {
			sep = args[0]
		}
		return fmt.Sprintf("array_to_string(%s, %s)", recv, sep)
	},
}

func arg0(args []string) string {
	if len(args) == 0 {
		return "NULL"
	}
	return args[0]
}

func lowerInvocation(inv *ast.Invocation, sc Scope, env *resolver.Env, info *ast.Info) (Fragment, error) {
	switch inv.Name {
	case "where":
		return lowerWhere(inv, sc, env, info)
	case "ofType":
		return lowerOfType(inv, sc, env, info)
	case "_forEach":
		return lowerForEach(inv, sc, env, info, false)
	case "_forEachOrNull":
		return lowerForEach(inv, sc, env, info, true)
	case "_col", "_col_collection":
		return lowerCol(inv, sc, env, info, inv.Name == "_col_collection")
	case "_unionAll":
		return lowerUnionAll(inv, sc, env, info)
	case "_splitPath":
		return lowerSplitPath(inv, sc, env, info)
	case "_invoke":
		return lowerInvoke(inv, sc, env, info)
	}
	if tmpl, ok := builtinSQL[inv.Name]; ok {
		return lowerBuiltinCall(inv, sc, env, info, tmpl)
	}
	return Fragment{}, diag.ErrAt(diag.UnsupportedFeature, inv.String(), inv.Pos(), "unknown function %s", inv.Name)
}

func lowerReceiver(inv *ast.Invocation, sc Scope, env *resolver.Env) (Fragment, error) {
	if inv.Receiver == nil {
		return Fragment{Expr: sc.Expr, Tables: sc.Tables}, nil
	}
	return Lower(inv.Receiver, sc, env)
}

func lowerBuiltinCall(inv *ast.Invocation, sc Scope, env *resolver.Env, info *ast.Info, tmpl func(string, []string) string) (Fragment, error) {
	recv, err := lowerReceiver(inv, sc, env)
	if err != nil {
		return Fragment{}, err
	}
	tables := append([]LateralTable{}, recv.Tables...)
	args := make([]string, len(inv.Args))
	for i, a := range inv.Args {
		af, err := Lower(a, sc, env)
		if err != nil {
			return Fragment{}, err
		}
		args[i] = af.Expr
		tables = append(tables, af.Tables...)
	}
	return Fragment{Expr: tmpl(recv.Expr, args), Tables: tables, ResultType: info.PhysicalType, IsArray: false}, nil
}

// lowerWhere filters a collection receiver via a lateral derived table
// (spec.md §4.3: "(SELECT * FROM UNNEST(arr) AS t(v) WHERE <pred>)"),
// or filters a singleton receiver to NULL when the predicate fails.
func lowerWhere(inv *ast.Invocation, sc Scope, env *resolver.Env, info *ast.Info) (Fragment, error) {
	recv, err := Lower(inv.Receiver, sc, env)
	if err != nil {
		return Fragment{}, err
	}
	if !recv.IsArray {
		predSc := sc.Sub(recv.Expr, nil)
		pred, err := Lower(inv.Args[0], predSc, env)
		if err != nil {
			return Fragment{}, err
		}
		expr := fmt.Sprintf("(CASE WHEN %s THEN %s ELSE NULL END)", pred.Expr, recv.Expr)
		tables := append(append([]LateralTable{}, recv.Tables...), pred.Tables...)
		return Fragment{Expr: expr, Tables: tables, ResultType: info.PhysicalType, IsArray: false}, nil
	}
	elemAlias := sc.newAlias()
	predSc := sc.Sub(elemAlias+".v", nil)
	pred, err := Lower(inv.Args[0], predSc, env)
	if err != nil {
		return Fragment{}, err
	}
	sub := fmt.Sprintf("(SELECT * FROM UNNEST(%s) AS %s(v)%s WHERE %s)",
		recv.Expr, elemAlias, lateralJoinClauses(pred.Tables), pred.Expr)
	outAlias := sc.newAlias()
	table := LateralTable{
		Alias:        outAlias,
		SQLText:      fmt.Sprintf("UNNEST(%s) AS %s(v)", sub, outAlias),
		Dependencies: tableAliases(recv.Tables),
	}
	return Fragment{
		Expr:       outAlias + ".v",
		Tables:     append(slices.Clone(recv.Tables), table),
		ResultType: info.PhysicalType,
		IsArray:    false,
	}, nil
}

func lowerOfType(inv *ast.Invocation, sc Scope, env *resolver.Env, info *ast.Info) (Fragment, error) {
	recv, err := Lower(inv.Receiver, sc, env)
	if err != nil {
		return Fragment{}, err
	}
	return Fragment{Expr: recv.Expr, Tables: recv.Tables, ResultType: info.PhysicalType, IsArray: recv.IsArray}, nil
}

// lowerForEach builds the row-struct aggregator described in spec.md
// §4.3: a correlated `(SELECT list(struct_pack(...)) FROM UNNEST(arr)
// AS t(v))` when the receiver is a collection, or a bare
// `struct_pack(...)` when it is a singleton. _forEachOrNull coalesces
// the empty-collection case to a single null-struct row (SPEC_FULL
// Open Question #1).
func lowerForEach(inv *ast.Invocation, sc Scope, env *resolver.Env, info *ast.Info, orNull bool) (Fragment, error) {
	recv, err := lowerReceiver(inv, sc, env)
	if err != nil {
		return Fragment{}, err
	}
	if recv.IsArray {
		elemAlias := sc.newAlias()
		innerSc := sc.Sub(elemAlias+".v", nil)
		fields, innerTables, err := lowerColArgs(inv.Args, innerSc, env)
		if err != nil {
			return Fragment{}, err
		}
		structLit := structPack(fields)
		agg := "list(" + structLit + ")"
		if orNull {
			agg = fmt.Sprintf("coalesce(list(%s), [NULL])", structLit)
		} else {
			agg = fmt.Sprintf("coalesce(list(%s), [])", structLit)
		}
		sub := fmt.Sprintf("(SELECT %s FROM UNNEST(%s) AS %s(v)%s)", agg, recv.Expr, elemAlias, lateralJoinClauses(innerTables))
		return Fragment{Expr: sub, Tables: recv.Tables, ResultType: info.PhysicalType, IsArray: true}, nil
	}
	fields, tables, err := lowerColArgs(inv.Args, sc.Sub(recv.Expr, recv.Tables), env)
	if err != nil {
		return Fragment{}, err
	}
	return Fragment{Expr: structPack(fields), Tables: tables, ResultType: info.PhysicalType, IsArray: false}, nil
}

type structField struct {
	name string
	expr string
}

func structPack(fields []structField) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprintf("%s := %s", f.name, f.expr)
	}
	return "struct_pack(" + strings.Join(parts, ", ") + ")"
}

func lowerColArgs(args []ast.Node, sc Scope, env *resolver.Env) ([]structField, []LateralTable, error) {
	var fields []structField
	var tables []LateralTable
	for _, a := range args {
		colInv := a.(*ast.Invocation)
		name, _ := literalStringValue(colInv.Args[0])
		exprFrag, err := Lower(colInv.Args[1], sc, env)
		if err != nil {
			return nil, nil, err
		}
		expr := exprFrag.Expr
		if colInv.Name == "_col" && exprFrag.IsArray {
			expr = SingletonGuard(expr, name)
		}
		fields = append(fields, structField{name: name, expr: expr})
		tables = append(tables, exprFrag.Tables...)
	}
	return fields, tables, nil
}

func literalStringValue(n ast.Node) (string, bool) {
	lit, ok := n.(*ast.Literal)
	if !ok || lit.Type != ast.ScalarString {
		return "", false
	}
	return lit.Value, true
}

// SingletonGuard raises a runtime error if expr turns out to hold more
// than one element (spec.md §4.3: a single-valued column expects a
// single-valued expression; multi-item collections are a data error,
// not a silent truncation). Shared between _col's own lowering and
// internal/viewdef's plain (non-`collection: true`) output columns.
func SingletonGuard(expr, name string) string {
	return fmt.Sprintf(
		"(CASE WHEN len(%s) > 1 THEN error('%s: expected a single value, got a collection') WHEN len(%s) = 0 THEN NULL ELSE %s[1] END)",
		expr, name, expr, expr)
}

func lowerCol(inv *ast.Invocation, sc Scope, env *resolver.Env, info *ast.Info, collection bool) (Fragment, error) {
	exprFrag, err := Lower(inv.Args[1], sc, env)
	if err != nil {
		return Fragment{}, err
	}
	expr := exprFrag.Expr
	if !collection && exprFrag.IsArray {
		name, _ := literalStringValue(inv.Args[0])
		expr = SingletonGuard(expr, name)
	}
	return Fragment{Expr: expr, Tables: exprFrag.Tables, ResultType: info.PhysicalType, IsArray: collection && exprFrag.IsArray}, nil
}

// lowerUnionAll concatenates its operands as DuckDB lists, wrapping
// scalar operands as single-element lists and mapping NULL to the
// empty list so absent branches drop out cleanly (spec.md §4.3).
//
// Two or more operands that each realize a *distinct* top-level array
// (rather than sharing one) would each introduce their own
// independent LATERAL UNNEST; DuckDB cross-joins unrelated laterals in
// the same FROM clause, so the concatenation would silently pair every
// element of one array with every element of the other instead of by
// index. checkUnionAllShape rejects that shape outright rather than
// emitting the cross join (spec.md §7: never silently produce
// semantically incorrect SQL).
func lowerUnionAll(inv *ast.Invocation, sc Scope, env *resolver.Env, info *ast.Info) (Fragment, error) {
	var parts []string
	var tables []LateralTable
	var operandTables [][]LateralTable
	baseLen := len(sc.Tables)
	for _, a := range inv.Args {
		f, err := Lower(a, sc, env)
		if err != nil {
			return Fragment{}, err
		}
		operandTables = append(operandTables, f.Tables[baseLen:])
		tables = append(tables, f.Tables...)
		if f.IsArray {
			parts = append(parts, fmt.Sprintf("coalesce(%s, [])", f.Expr))
		} else {
			parts = append(parts, fmt.Sprintf("(CASE WHEN %s IS NULL THEN [] ELSE [%s] END)", f.Expr, f.Expr))
		}
	}
	if err := checkUnionAllShape(inv, operandTables); err != nil {
		return Fragment{}, err
	}
	return Fragment{Expr: "array_concat(" + strings.Join(parts, ", ") + ")", Tables: tables, ResultType: info.PhysicalType, IsArray: true}, nil
}

// checkUnionAllShape rejects a _unionAll whose operands introduce two
// or more independently-sourced top-level LATERAL UNNESTs (new,
// introduced by lowering the operand itself, beyond whatever tables
// the surrounding scope already carried). Operands that introduce no
// new table, or that all share the very same outermost array source,
// are safe: either there is nothing to cross-join, or every operand is
// unnesting the same rows and thus naturally paired by that shared
// lateral. Two operands realizing different array sources have no
// such correspondence, so the shape is refused instead of silently
// cross-joined.
func checkUnionAllShape(inv *ast.Invocation, operandTables [][]LateralTable) error {
	sources := map[string]bool{}
	for _, tabs := range operandTables {
		if len(tabs) == 0 {
			continue
		}
		sources[arraySource(tabs[0])] = true
	}
	if len(sources) <= 1 {
		return nil
	}
	return diag.ErrAt(diag.UnsupportedFeature, inv.String(), inv.Pos(),
		"_unionAll operands realize distinct independent arrays; pairing them by index is ambiguous and would cross-join in SQL").
		WithHint("only union operands derived from the same top-level array (e.g. reached via the same forEach), or combine scalar fields instead")
}

// arraySource returns the UNNEST(...) source expression of t, ignoring
// its own alias, so two tables unnesting the same array compare equal
// even though each was minted with a distinct alias.
func arraySource(t LateralTable) string {
	if i := strings.Index(t.SQLText, " AS "); i >= 0 {
		return t.SQLText[:i]
	}
	return t.SQLText
}

// lowerSplitPath lowers _splitPath(n) to DuckDB's native (1-based,
// negative-from-end) list indexing over string_split, applied through
// list_transform when the receiver is itself a collection.
func lowerSplitPath(inv *ast.Invocation, sc Scope, env *resolver.Env, info *ast.Info) (Fragment, error) {
	recv, err := Lower(inv.Receiver, sc, env)
	if err != nil {
		return Fragment{}, err
	}
	idx, err := Lower(inv.Args[0], sc, env)
	if err != nil {
		return Fragment{}, err
	}
	tables := append(append([]LateralTable{}, recv.Tables...), idx.Tables...)
	idxExpr := idx.Expr
	if strings.HasPrefix(idxExpr, "(-") {
		// DuckDB list indexing is 1-based for positive indices but
		// already counts from the end for negative ones; no shift
		// needed there, only on the non-negative side.
		expr := fmt.Sprintf("string_split(%s, '/')[%s]", elemRef(recv), idxExpr)
		return wrapSplitPath(recv, expr, tables, info), nil
	}
	expr := fmt.Sprintf("string_split(%s, '/')[%s + 1]", elemRef(recv), idxExpr)
	return wrapSplitPath(recv, expr, tables, info), nil
}

func elemRef(recv Fragment) string {
	if recv.IsArray {
		return "x"
	}
	return recv.Expr
}

func wrapSplitPath(recv Fragment, innerExpr string, tables []LateralTable, info *ast.Info) Fragment {
	if recv.IsArray {
		return Fragment{Expr: fmt.Sprintf("list_transform(%s, x -> %s)", recv.Expr, innerExpr), Tables: tables, ResultType: info.PhysicalType, IsArray: true}
	}
	return Fragment{Expr: innerExpr, Tables: tables, ResultType: info.PhysicalType, IsArray: false}
}

// lowerInvoke lowers _invoke(fnName, args...) to a direct call (or a
// list_transform(...) when the receiver is a collection), per
// spec.md §4.3; fnName and the trailing args were already validated by
// the resolver to be literals.
func lowerInvoke(inv *ast.Invocation, sc Scope, env *resolver.Env, info *ast.Info) (Fragment, error) {
	fnName, _ := literalStringValue(inv.Args[0])
	argExprs := make([]string, 0, len(inv.Args)-1)
	var tables []LateralTable
	for _, a := range inv.Args[1:] {
		f, err := Lower(a, sc, env)
		if err != nil {
			return Fragment{}, err
		}
		argExprs = append(argExprs, f.Expr)
		tables = append(tables, f.Tables...)
	}
	recv, err := lowerReceiver(inv, sc, env)
	if err != nil {
		return Fragment{}, err
	}
	tables = append(recv.Tables, tables...)
	callArgs := strings.Join(append([]string{"%s"}, argExprs...), ", ")
	if recv.IsArray {
		call := fmt.Sprintf(callArgs, "x")
		expr := fmt.Sprintf("list_transform(%s, x -> %s(%s))", recv.Expr, fnName, call)
		return Fragment{Expr: expr, Tables: tables, ResultType: info.PhysicalType, IsArray: true}, nil
	}
	call := fmt.Sprintf(callArgs, recv.Expr)
	return Fragment{Expr: fmt.Sprintf("%s(%s)", fnName, call), Tables: tables, ResultType: info.PhysicalType, IsArray: false}, nil
}

func lateralJoinClauses(tables []LateralTable) string {
	if len(tables) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range tables {
		b.WriteString(", LATERAL ")
		b.WriteString(t.SQLText)
	}
	return b.String()
}

