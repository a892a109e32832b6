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

// builtinSig is the declared input/output signature of a built-in
// FHIRPath function (spec.md §4.2): given the receiver's Info, it
// returns the call's result Info (ignoring args, which the built-ins
// in this subset don't need typed beyond "resolves without error").
type builtinSig func(recv *ast.Info) *ast.Info

func reduceToSingleton(recv *ast.Info) *ast.Info {
	return &ast.Info{FHIRType: recv.FHIRType, Cardinality: ast.Singleton,
		PhysicalType: recv.PhysicalType, Nullable: true, ElementDef: recv.ElementDef}
}

func toBool(recv *ast.Info) *ast.Info {
	return &ast.Info{FHIRType: "boolean", Cardinality: ast.Singleton, PhysicalType: duckt.BooleanT, Nullable: false}
}

func toInt(recv *ast.Info) *ast.Info {
	return &ast.Info{FHIRType: "integer", Cardinality: ast.Singleton, PhysicalType: duckt.IntegerT, Nullable: false}
}

func toStr(recv *ast.Info) *ast.Info {
	return &ast.Info{FHIRType: "string", Cardinality: ast.Singleton, PhysicalType: duckt.VarcharT, Nullable: true}
}

// builtins is the signature table of ordinary (non-extension) FHIRPath
// functions spec.md §4.2 declares: exists()->bool, empty()->bool,
// first()->singleton, count()->integer, join(sep?)->string,
// substring(i,n?)->string, startsWith, endsWith, contains, matches,
// length, toString, toInteger.
var builtins = map[string]builtinSig{
	"exists":     toBool,
	"empty":      toBool,
	"first":      reduceToSingleton,
	"single":     reduceToSingleton,
	"count":      toInt,
	"join":       toStr,
	"substring":  toStr,
	"startsWith": toBool,
	"endsWith":   toBool,
	"contains":   toBool,
	"matches":    toBool,
	"length":     toInt,
	"toString":   toStr,
	"toInteger":  toInt,
}

// aggregateOps reduce cardinality to Singleton even when the receiver
// is a collection ("once collection, stays collection unless a
// function explicitly reduces it", spec.md §4.2).
var aggregateOps = map[string]bool{
	"exists": true, "empty": true, "first": true, "single": true,
	"count": true, "join": true,
}

func resolveInvocation(inv *ast.Invocation, focus Focus, env *Env, depth int) (*ast.Info, error) {
	switch inv.Name {
	case "where":
		return resolveWhere(inv, focus, env, depth)
	case "ofType":
		return resolveOfType(inv, focus, env, depth)
	case "_forEach":
		return resolveForEach(inv, focus, env, depth, false)
	case "_forEachOrNull":
		return resolveForEach(inv, focus, env, depth, true)
	case "_col", "_col_collection":
		return resolveCol(inv, focus, env, depth, inv.Name == "_col_collection")
	case "_unionAll":
		return resolveUnionAll(inv, focus, env, depth)
	case "_splitPath":
		return resolveSplitPath(inv, focus, env, depth)
	case "_invoke":
		return resolveInvoke(inv, focus, env, depth)
	}

	if sig, ok := builtins[inv.Name]; ok {
		return resolveBuiltinCall(inv, focus, env, depth, sig)
	}

	return nil, diag.ErrAt(diag.UnsupportedFeature, inv.String(), inv.Pos(), "unknown function %s", inv.Name)
}

func resolveBuiltinCall(inv *ast.Invocation, focus Focus, env *Env, depth int, sig builtinSig) (*ast.Info, error) {
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
	for _, a := range inv.Args {
		if _, err := resolveNode(a, focus, env, depth+1); err != nil {
			return nil, err
		}
	}
	result := sig(recv)
	ast.Annotate(inv, result)
	return result, nil
}

func resolveWhere(inv *ast.Invocation, focus Focus, env *Env, depth int) (*ast.Info, error) {
	if inv.Receiver == nil {
		return nil, diag.ErrAt(diag.UnsupportedFeature, inv.String(), inv.Pos(), "where() requires a receiver")
	}
	recv, err := resolveNode(inv.Receiver, focus, env, depth+1)
	if err != nil {
		return nil, err
	}
	if len(inv.Args) != 1 {
		return nil, diag.ErrAt(diag.UnsupportedFeature, inv.String(), inv.Pos(), "where() takes exactly one predicate argument")
	}
	predFocus := Focus{TypeName: recv.FHIRType, Cardinality: ast.Singleton}
	if _, err := resolveNode(inv.Args[0], predFocus, env, depth+1); err != nil {
		return nil, err
	}
	// where() preserves the receiver's type and cardinality.
	info := &ast.Info{FHIRType: recv.FHIRType, Cardinality: recv.Cardinality,
		PhysicalType: recv.PhysicalType, Nullable: true, ElementDef: recv.ElementDef}
	ast.Annotate(inv, info)
	return info, nil
}

func resolveOfType(inv *ast.Invocation, focus Focus, env *Env, depth int) (*ast.Info, error) {
	if inv.Receiver == nil || len(inv.Args) != 1 {
		return nil, diag.ErrAt(diag.UnsupportedFeature, inv.String(), inv.Pos(), "ofType(T) requires a receiver and one type argument")
	}
	recv, err := resolveNode(inv.Receiver, focus, env, depth+1)
	if err != nil {
		return nil, err
	}
	typeName, ok := identifierName(inv.Args[0])
	if !ok {
		return nil, diag.ErrAt(diag.UnsupportedFeature, inv.String(), inv.Pos(), "ofType() argument must be a bare type name")
	}
	info := &ast.Info{FHIRType: typeName, Cardinality: recv.Cardinality,
		PhysicalType: duckt.FromFHIRType(typeName), Nullable: true}
	ast.Annotate(inv, info)
	return info, nil
}

func identifierName(n ast.Node) (string, bool) {
	id, ok := n.(*ast.Identifier)
	if !ok || id.Receiver != nil {
		return "", false
	}
	return id.Name, true
}
