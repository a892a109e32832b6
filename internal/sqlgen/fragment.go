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

// Package sqlgen implements stage 3 of the compiler (spec.md §4.3): it
// lowers a resolved FHIRPath AST into a Fragment (a SQL expression
// plus the ordered lateral flattening tables it depends on), modeled
// on plan/pir/build.go's AST-to-IR lowering shape.
package sqlgen

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/flatquack/flatquack/internal/duckt"
)

// Fragment is the lowered representation of a FHIRPath (sub)expression:
// SQL expression text, the lateral tables it needs, and its DuckDB
// result type (spec.md §3).
type Fragment struct {
	Expr       string
	Tables     []LateralTable
	ResultType duckt.Type
	IsArray    bool
	Alias      string
}

// LateralTable is one correlated UNNEST (or filtered-UNNEST subquery)
// a Fragment depends on. Dependencies lists the aliases of other
// LateralTables that must appear earlier in the FROM clause.
type LateralTable struct {
	Alias        string
	SQLText      string
	Dependencies []string
}

// Scope threads the lowering state a post-order walk needs: the SQL
// expression that represents "the current focus row" (what a
// receiver-less Identifier or $this resolves against), the lateral
// tables accumulated so far at this nesting level, and the shared
// alias counter (owned by the whole compilation, spec.md §9).
type Scope struct {
	Expr    string
	Tables  []LateralTable
	aliases *int
}

// NewRootScope builds the initial Scope for lowering expressions whose
// focus is the ViewDefinition's base row.
func NewRootScope(rowExpr string) Scope {
	n := 0
	return Scope{Expr: rowExpr, aliases: &n}
}

// Sub returns a copy of sc positioned at a new focus expression, for
// descending into a receiver/predicate with a fresh expr but the
// shared alias counter and (optionally) inherited tables.
func (sc Scope) Sub(expr string, tables []LateralTable) Scope {
	return Scope{Expr: expr, Tables: tables, aliases: sc.aliases}
}

func (sc Scope) newAlias() string {
	*sc.aliases++
	return fmt.Sprintf("u%d", *sc.aliases)
}

// NewAlias draws the next lateral-table alias from sc's shared
// counter; exported so internal/viewdef can mint aliases for its own
// forEach/forEachOrNull lateral tables from the same namespace as the
// ones Lower introduces internally, guaranteeing no collisions.
func (sc Scope) NewAlias() string {
	return sc.newAlias()
}

// tableAliases returns the alias names of tables, for Dependencies.
func tableAliases(tables []LateralTable) []string {
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = t.Alias
	}
	return out
}

// realizeArray ensures frag's value is a row reference rather than a
// bare array expression: if frag.IsArray, it introduces a fresh
// UNNEST lateral table over frag.Expr and returns a Fragment pointing
// at that table's row; otherwise it returns frag unchanged. This is
// the mechanism behind spec.md §4.3's "each new array introduces a new
// lateral table depending on the previous one".
func realizeArray(sc Scope, frag Fragment) Fragment {
	if !frag.IsArray {
		return frag
	}
	alias := sc.newAlias()
	table := LateralTable{
		Alias:        alias,
		SQLText:      fmt.Sprintf("UNNEST(%s) AS %s(v)", frag.Expr, alias),
		Dependencies: tableAliases(frag.Tables),
	}
	elem := frag.ResultType
	if elem.Kind == duckt.List {
		elem = *elem.Elem
	}
	return Fragment{
		Expr:       alias + ".v",
		Tables:     append(slices.Clone(frag.Tables), table),
		ResultType: elem,
		IsArray:    false,
	}
}

// DedupeTables removes structurally-duplicate lateral tables (same
// SQLText after the alias itself is ignored) so a path shared between
// multiple output columns produces a single UNNEST, per spec.md §4.4.
// Later tables that reference a removed duplicate's alias are rewritten
// to the surviving alias; the returned map lets a caller rewrite its
// own already-built SELECT-list expressions (which reference the
// original aliases) to match.
func DedupeTables(tables []LateralTable) ([]LateralTable, map[string]string) {
	seen := make(map[string]string) // normalized sqlText -> surviving alias
	rename := make(map[string]string)
	var out []LateralTable
	for _, t := range tables {
		t.SQLText = normalizeSQLText(t, rename)
		// the table's own alias is masked so that two UNNESTs of the same
		// source, minted under different aliases, compare equal.
		norm := replaceToken(t.SQLText, t.Alias, "\x00")
		if existing, ok := seen[norm]; ok {
			rename[t.Alias] = existing
			continue
		}
		seen[norm] = t.Alias
		t.Dependencies = renameAll(t.Dependencies, rename)
		out = append(out, t)
	}
	return out, rename
}

func renameAll(aliases []string, rename map[string]string) []string {
	out := make([]string, len(aliases))
	for i, a := range aliases {
		if r, ok := rename[a]; ok {
			out[i] = r
		} else {
			out[i] = a
		}
	}
	return out
}

// normalizeSQLText substitutes any already-renamed alias references in
// t.SQLText so structurally identical UNNESTs over a renamed
// predecessor are still recognized as duplicates.
func normalizeSQLText(t LateralTable, rename map[string]string) string {
	text := t.SQLText
	for from, to := range rename {
		text = replaceToken(text, from, to)
	}
	return text
}

func replaceToken(s, from, to string) string {
	// aliases are always of the form "uN"; only whole identifier
	// tokens equal to from are replaced, so "u1" never matches
	// inside "u10" or a longer identifier.
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); {
		if i+len(from) <= len(s) && s[i:i+len(from)] == from &&
			(i+len(from) == len(s) || !isIdentByte(s[i+len(from)])) &&
			(i == 0 || !isIdentByte(s[i-1])) {
			out = append(out, to...)
			i += len(from)
			continue
		}
		out = append(out, s[i])
		i++
	}
	return string(out)
}

// RewriteAliases substitutes renamed aliases (as returned by
// DedupeTables) into an already-lowered SQL expression string.
func RewriteAliases(expr string, rename map[string]string) string {
	for from, to := range rename {
		expr = replaceToken(expr, from, to)
	}
	return expr
}

func isIdentByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
