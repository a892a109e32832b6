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

package resolver

import (
	"github.com/flatquack/flatquack/internal/diag"
	"github.com/flatquack/flatquack/internal/duckt"
	"github.com/flatquack/flatquack/internal/fhirpath/ast"
)

// resolveForEach handles _forEach/_forEachOrNull: each argument must
// be a _col/_col_collection call; the result is LIST(STRUCT(...)) when
// the receiver is a collection, or a bare STRUCT(...) when it is a
// singleton (spec.md §4.2/§4.3).
func resolveForEach(inv *ast.Invocation, focus Focus, env *Env, depth int, orNull bool) (*ast.Info, error) {
	var recv *ast.Info
	var err error
	if inv.Receiver != nil {
		recv, err = resolveNode(inv.Receiver, focus, env, depth+1)
		if err != nil {
			return nil, err
		}
	} else {
		recv = &ast.Info{FHIRType: focus.TypeName, Cardinality: focus.Cardinality, PhysicalType: duckt.FromFHIRType(focus.TypeName)}
	}
	if len(inv.Args) == 0 {
		return nil, diag.ErrAt(diag.UnsupportedFeature, inv.String(), inv.Pos(), "_forEach requires at least one _col(...) argument")
	}
	elemFocus := Focus{TypeName: recv.FHIRType, Cardinality: ast.Singleton}
	fields := make([]duckt.Field, 0, len(inv.Args))
	for _, a := range inv.Args {
		colInv, ok := a.(*ast.Invocation)
		if !ok || (colInv.Name != "_col" && colInv.Name != "_col_collection") {
			return nil, diag.ErrAt(diag.UnsupportedFeature, a.String(), a.Pos(),
				"_forEach arguments must be _col(name, expr) or _col_collection(name, expr)")
		}
		cinfo, err := resolveColAt(colInv, elemFocus, env, depth+1, colInv.Name == "_col_collection")
		if err != nil {
			return nil, err
		}
		name, _ := literalString(colInv.Args[0])
		fields = append(fields, duckt.Field{Name: name, Type: cinfo.PhysicalType})
	}
	structType := duckt.NewStruct(fields...)

	// A singleton receiver (forEachOrNull or not) always yields
	// exactly one struct row; cardinality only becomes Collection
	// when the receiver itself was a collection.
	card := recv.Cardinality
	var phys duckt.Type
	if card == ast.Collection {
		phys = duckt.NewList(structType)
	} else {
		phys = structType
	}
	// orNull only changes the lowering of the empty-receiver case
	// (§4.3), not the static type computed here.
	info := &ast.Info{FHIRType: recv.FHIRType, Cardinality: card, PhysicalType: phys, Nullable: true}
	ast.Annotate(inv, info)
	return info, nil
}

// resolveCol is the standalone entry point for _col/_col_collection
// (defensive: normally only reached via resolveForEach's dispatch on
// its own arguments, but a caller may also resolve one directly).
func resolveCol(inv *ast.Invocation, focus Focus, env *Env, depth int, collection bool) (*ast.Info, error) {
	return resolveColAt(inv, focus, env, depth, collection)
}

func resolveColAt(inv *ast.Invocation, focus Focus, env *Env, depth int, collection bool) (*ast.Info, error) {
	if len(inv.Args) != 2 {
		return nil, diag.ErrAt(diag.UnsupportedFeature, inv.String(), inv.Pos(), "%s requires exactly two arguments: (name, expr)", inv.Name)
	}
	if _, ok := literalString(inv.Args[0]); !ok {
		return nil, diag.ErrAt(diag.UnsupportedFeature, inv.Args[0].String(), inv.Args[0].Pos(), "%s's first argument must be a string literal name", inv.Name)
	}
	exprInfo, err := resolveNode(inv.Args[1], focus, env, depth+1)
	if err != nil {
		return nil, err
	}
	if !collection && exprInfo.Cardinality == ast.Collection {
		// compile-time cardinality may be collection; a runtime
		// singleton guard is emitted by the lowerer (spec.md §4.3).
	}
	info := &ast.Info{FHIRType: exprInfo.FHIRType, Cardinality: exprInfo.Cardinality,
		PhysicalType: exprInfo.PhysicalType, Nullable: true}
	ast.Annotate(inv, info)
	return info, nil
}

func literalString(n ast.Node) (string, bool) {
	lit, ok := n.(*ast.Literal)
	if !ok || lit.Type != ast.ScalarString {
		return "", false
	}
	return lit.Value, true
}

// resolveUnionAll requires its operands to share a compatible result
// type; cardinality is always Collection (spec.md §4.2).
func resolveUnionAll(inv *ast.Invocation, focus Focus, env *Env, depth int) (*ast.Info, error) {
	if len(inv.Args) < 2 {
		return nil, diag.ErrAt(diag.UnsupportedFeature, inv.String(), inv.Pos(), "_unionAll requires at least two operands")
	}
	var common *ast.Info
	var mismatches []*diag.Error
	for _, a := range inv.Args {
		info, err := resolveNode(a, focus, env, depth+1)
		if err != nil {
			return nil, err
		}
		elemKind := elementKind(info.PhysicalType)
		if common == nil {
			common = info
			continue
		}
		if elementKind(common.PhysicalType) != elemKind && elemKind != duckt.Unknown && elementKind(common.PhysicalType) != duckt.Unknown {
			mismatches = append(mismatches, diag.ErrAt(diag.CardinalityMismatch, a.String(), a.Pos(),
				"_unionAll operand has type %s, incompatible with %s", info.PhysicalType.String(), common.PhysicalType.String()))
		}
	}
	if len(mismatches) > 0 {
		// every operand is checked before reporting, so a _unionAll
		// with several incompatible branches names all of them at once
		// rather than only the first one found.
		return nil, diag.Combine(mismatches)
	}
	elemType := common.PhysicalType
	if elemType.Kind == duckt.List {
		elemType = *elemType.Elem
	}
	info := &ast.Info{FHIRType: common.FHIRType, Cardinality: ast.Collection,
		PhysicalType: duckt.NewList(elemType), Nullable: false}
	ast.Annotate(inv, info)
	return info, nil
}

func elementKind(t duckt.Type) duckt.Kind {
	if t.Kind == duckt.List {
		return t.Elem.Kind
	}
	return t.Kind
}

// resolveSplitPath handles _splitPath(n): splits a string receiver on
// '/' and returns the element at index n (negative indexes from the
// end), preserving the receiver's cardinality.
func resolveSplitPath(inv *ast.Invocation, focus Focus, env *Env, depth int) (*ast.Info, error) {
	if inv.Receiver == nil {
		return nil, diag.ErrAt(diag.UnsupportedFeature, inv.String(), inv.Pos(), "_splitPath requires a receiver")
	}
	recv, err := resolveNode(inv.Receiver, focus, env, depth+1)
	if err != nil {
		return nil, err
	}
	if len(inv.Args) != 1 {
		return nil, diag.ErrAt(diag.UnsupportedFeature, inv.String(), inv.Pos(), "_splitPath requires exactly one index argument")
	}
	if _, err := resolveNode(inv.Args[0], focus, env, depth+1); err != nil {
		return nil, err
	}
	info := &ast.Info{FHIRType: "string", Cardinality: recv.Cardinality, PhysicalType: duckt.VarcharT, Nullable: true}
	ast.Annotate(inv, info)
	return info, nil
}

// resolveInvoke handles _invoke(fnName, args...): fnName must be a
// string literal, and every remaining argument must be a scalar
// literal (spec.md §4.2); anything else is InvokeParamNotLiteral. The
// return type is always UNKNOWN, left to the SQL engine to infer.
func resolveInvoke(inv *ast.Invocation, focus Focus, env *Env, depth int) (*ast.Info, error) {
	if len(inv.Args) < 1 {
		return nil, diag.ErrAt(diag.UnsupportedFeature, inv.String(), inv.Pos(), "_invoke requires a function-name argument")
	}
	if _, ok := literalString(inv.Args[0]); !ok {
		return nil, diag.ErrAt(diag.InvokeParamNotLiteral, inv.Args[0].String(), inv.Args[0].Pos(), "_invoke's first argument must be a string literal function name")
	}
	for _, a := range inv.Args[1:] {
		if !isScalarLiteral(a) {
			return nil, diag.ErrAt(diag.InvokeParamNotLiteral, a.String(), a.Pos(), "_invoke arguments after the function name must be scalar literals")
		}
		if _, err := resolveNode(a, focus, env, depth+1); err != nil {
			return nil, err
		}
	}
	var recv *ast.Info
	var err error
	if inv.Receiver != nil {
		recv, err = resolveNode(inv.Receiver, focus, env, depth+1)
		if err != nil {
			return nil, err
		}
	} else {
		recv = &ast.Info{Cardinality: ast.Singleton}
	}
	info := &ast.Info{FHIRType: "", Cardinality: recv.Cardinality, PhysicalType: duckt.UnknownT, Nullable: true}
	ast.Annotate(inv, info)
	return info, nil
}

func isScalarLiteral(n ast.Node) bool {
	switch t := n.(type) {
	case *ast.Literal:
		return true
	case *ast.UnaryOp:
		return t.Op == ast.UnNeg && isScalarLiteral(t.Operand)
	default:
		return false
	}
}
