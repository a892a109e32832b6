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

package viewdef

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flatquack/flatquack/internal/diag"
	"github.com/flatquack/flatquack/internal/duckt"
	"github.com/flatquack/flatquack/internal/fhirpath/ast"
	"github.com/flatquack/flatquack/internal/fhirpath/parse"
	"github.com/flatquack/flatquack/internal/fhirschema"
	"github.com/flatquack/flatquack/internal/resolver"
	"github.com/flatquack/flatquack/internal/sqlgen"
)

// ColumnInfo describes one output column of the assembled query
// (spec.md §6's CompileResult.columnList shape).
type ColumnInfo struct {
	Name         string `json:"name"`
	DuckType     string `json:"duckType"`
	IsCollection bool   `json:"isCollection"`
}

// Result is the View Assembler's output (spec.md §4.4): the final SQL
// query text, a rendering of the reduced input schema it reads, the
// ordered output column list, and any non-fatal diagnostics raised
// along the way (SPEC_FULL §4: declared column.type/column.collection
// hints that disagree with the resolver's inferred type).
type Result struct {
	SQL         string
	InputSchema string
	ColumnList  []ColumnInfo
	Diagnostics []diag.Diagnostic
}

// rowAlias is the alias bound to the ViewDefinition's base resource
// row throughout the assembled query.
const rowAlias = "r"

type builder struct {
	schema      *fhirschema.Schema
	env         *resolver.Env
	tables      []sqlgen.LateralTable
	selects     []string
	columns     []ColumnInfo
	diagnostics []diag.Diagnostic
}

// Assemble compiles view against schema into a single SQL query,
// merging view's own `constant` declarations with caller-supplied
// userVars (userVars take precedence on name collision, spec.md
// SPEC_FULL §4).
func Assemble(view *ViewDefinition, schema *fhirschema.Schema, userVars map[string]resolver.ScalarLiteral) (*Result, error) {
	if view.Resource == "" {
		return nil, diag.Errf(diag.ParseError, "ViewDefinition is missing a resource")
	}
	vars := view.Constants()
	for k, v := range userVars {
		vars[k] = v
	}
	env := &resolver.Env{Schema: schema, Vars: vars}
	b := &builder{schema: schema, env: env}

	rootFocus := resolver.Focus{TypeName: view.Resource, Cardinality: ast.Singleton}
	rootScope := sqlgen.NewRootScope(rowAlias)

	if node, ok := topLevelUnion(view.Select); ok {
		return b.assembleUnion(view, node, rootFocus, schema)
	}

	if err := b.walkSelects(view.Select, rootFocus, rootScope); err != nil {
		return nil, err
	}
	whereSQL, err := b.lowerWhere(view.Where, rootFocus, rootScope)
	if err != nil {
		return nil, err
	}
	sqlText, err := b.render(view.Resource, whereSQL)
	if err != nil {
		return nil, err
	}
	return &Result{SQL: sqlText, InputSchema: renderInputSchema(schema, view.Resource), ColumnList: b.columns, Diagnostics: b.diagnostics}, nil
}

// topLevelUnion recognizes the one unionAll shape this assembler
// supports: a ViewDefinition whose entire `select` array is a single
// node that does nothing but union branches (spec.md §4.4 leaves
// unionAll of *nested* selects unsupported; this is the flat case it
// does support).
func topLevelUnion(nodes []SelectNode) (SelectNode, bool) {
	if len(nodes) != 1 {
		return SelectNode{}, false
	}
	n := nodes[0]
	if len(n.UnionAll) == 0 {
		return SelectNode{}, false
	}
	if len(n.Column) > 0 || n.ForEach != "" || n.ForEachOrNull != "" || len(n.Select) > 0 {
		return SelectNode{}, false
	}
	return n, true
}

func (b *builder) assembleUnion(view *ViewDefinition, node SelectNode, focus resolver.Focus, schema *fhirschema.Schema) (*Result, error) {
	var branchSQL []string
	var columns []ColumnInfo
	var diagnostics []diag.Diagnostic
	for i, branch := range node.UnionAll {
		if len(branch.Select) > 0 {
			return nil, diag.ErrAtPath(diag.UnsupportedFeature, fmt.Sprintf("select[0].unionAll[%d].select", i),
				"unionAll branches containing nested select arrays are not supported")
		}
		bb := &builder{schema: b.schema, env: b.env}
		if err := bb.walkSelects([]SelectNode{branch}, focus, sqlgen.NewRootScope(rowAlias)); err != nil {
			return nil, err
		}
		whereSQL, err := bb.lowerWhere(view.Where, focus, sqlgen.NewRootScope(rowAlias))
		if err != nil {
			return nil, err
		}
		sqlText, err := bb.render(view.Resource, whereSQL)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			columns = bb.columns
		} else if len(bb.columns) != len(columns) {
			return nil, diag.ErrAtPath(diag.UnsupportedFeature, fmt.Sprintf("select[0].unionAll[%d]", i),
				"unionAll branches must all produce the same columns")
		}
		branchSQL = append(branchSQL, "("+sqlText+")")
		diagnostics = append(diagnostics, bb.diagnostics...)
	}
	return &Result{
		SQL:         strings.Join(branchSQL, "\nUNION ALL\n"),
		InputSchema: renderInputSchema(schema, view.Resource),
		ColumnList:  columns,
		Diagnostics: diagnostics,
	}, nil
}

func (b *builder) walkSelects(nodes []SelectNode, focus resolver.Focus, sc sqlgen.Scope) error {
	for _, n := range nodes {
		if err := b.walkNode(n, focus, sc); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) walkNode(n SelectNode, focus resolver.Focus, sc sqlgen.Scope) error {
	if len(n.UnionAll) > 0 {
		return diag.Errf(diag.UnsupportedFeature, "unionAll nested within another select node is not supported; only a ViewDefinition's single top-level select may be a unionAll")
	}

	rowSc := sc
	rowFocus := focus
	path := n.ForEach
	orNull := n.ForEach == "" && n.ForEachOrNull != ""
	if n.ForEachOrNull != "" {
		path = n.ForEachOrNull
	}
	if path != "" {
		newSc, newFocus, err := b.enterForEach(path, focus, sc, orNull)
		if err != nil {
			return err
		}
		rowSc, rowFocus = newSc, newFocus
	}

	for _, col := range n.Column {
		if err := b.addColumn(col, rowFocus, rowSc); err != nil {
			return err
		}
	}
	if len(n.Select) > 0 {
		if err := b.walkSelects(n.Select, rowFocus, rowSc); err != nil {
			return err
		}
	}
	return nil
}

// enterForEach realizes a select node's forEach/forEachOrNull path as
// a lateral UNNEST, returning the Scope and Focus subsequent
// column/select entries of that node should resolve and lower
// against (spec.md §4.4: "A forEach node introduces an additional
// lateral unnest whose alias becomes the focus for contained select
// nodes").
func (b *builder) enterForEach(path string, focus resolver.Focus, sc sqlgen.Scope, orNull bool) (sqlgen.Scope, resolver.Focus, error) {
	node, err := parse.Parse(path)
	if err != nil {
		return sc, focus, diag.ErrAtPath(diag.ParseError, path, "%s", err.Error())
	}
	info, err := resolver.Resolve(node, focus, b.env)
	if err != nil {
		return sc, focus, err
	}
	frag, err := sqlgen.Lower(node, sc, b.env)
	if err != nil {
		return sc, focus, err
	}
	if !frag.IsArray {
		return sc, focus, diag.ErrAtPath(diag.UnsupportedFeature, path, "forEach/forEachOrNull path %s does not resolve to a collection", path)
	}
	arrExpr := frag.Expr
	if orNull {
		arrExpr = fmt.Sprintf("(CASE WHEN %s IS NULL OR len(%s) = 0 THEN [NULL] ELSE %s END)", frag.Expr, frag.Expr, frag.Expr)
	}
	alias := sc.NewAlias()
	table := sqlgen.LateralTable{
		Alias:        alias,
		SQLText:      fmt.Sprintf("UNNEST(%s) AS %s(v)", arrExpr, alias),
		Dependencies: dependencyAliases(frag.Tables),
	}
	b.tables = append(b.tables, frag.Tables...)
	b.tables = append(b.tables, table)
	newSc := sc.Sub(alias+".v", nil)
	newFocus := resolver.Focus{TypeName: info.FHIRType, Cardinality: ast.Singleton}
	return newSc, newFocus, nil
}

func dependencyAliases(tables []sqlgen.LateralTable) []string {
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = t.Alias
	}
	return out
}

func (b *builder) addColumn(col ColumnSpec, focus resolver.Focus, sc sqlgen.Scope) error {
	node, err := parse.Parse(col.Path)
	if err != nil {
		return diag.ErrAtPath(diag.ParseError, col.Path, "%s", err.Error())
	}
	info, err := resolver.Resolve(node, focus, b.env)
	if err != nil {
		return err
	}
	frag, err := sqlgen.Lower(node, sc, b.env)
	if err != nil {
		return err
	}
	expr := frag.Expr
	if frag.IsArray && !col.Collection {
		expr = sqlgen.SingletonGuard(expr, col.Name)
	}
	b.tables = append(b.tables, frag.Tables...)
	b.selects = append(b.selects, expr+" AS "+quoteIdent(col.Name))
	b.columns = append(b.columns, ColumnInfo{
		Name:         col.Name,
		DuckType:     info.PhysicalType.String(),
		IsCollection: col.Collection || info.Cardinality == ast.Collection,
	})
	b.checkDeclaredHints(col, info)
	return nil
}

// checkDeclaredHints cross-checks a column's declared `type`/
// `collection` hints against what the resolver actually inferred for
// its path (SPEC_FULL §4 supplement), appending a non-fatal Diagnostic
// on mismatch rather than failing compilation: ViewDefinition authors
// commonly let these documentation-only hints drift from the path's
// real resolved type. `collection: false` is the JSON zero value and
// thus ambiguous between "explicitly singleton" and "not specified",
// so only `collection: true` disagreeing with an inferred singleton is
// reported.
func (b *builder) checkDeclaredHints(col ColumnSpec, info *ast.Info) {
	if col.Type != "" && col.Type != info.FHIRType {
		b.diagnostics = append(b.diagnostics, diag.DiagAtPath(diag.HintMismatch, "select.column["+col.Name+"].type",
			"declared type %q does not match resolved type %q for column %q", col.Type, info.FHIRType, col.Name))
	}
	if col.Collection && info.Cardinality != ast.Collection {
		b.diagnostics = append(b.diagnostics, diag.DiagAtPath(diag.HintMismatch, "select.column["+col.Name+"].collection",
			"declared collection: true but path resolves to a singleton for column %q", col.Name))
	}
}

func (b *builder) lowerWhere(clauses []WhereClause, focus resolver.Focus, sc sqlgen.Scope) ([]string, error) {
	var out []string
	for _, w := range clauses {
		node, err := parse.Parse(w.Path)
		if err != nil {
			return nil, diag.ErrAtPath(diag.ParseError, w.Path, "%s", err.Error())
		}
		if _, err := resolver.Resolve(node, focus, b.env); err != nil {
			return nil, err
		}
		frag, err := sqlgen.Lower(node, sc, b.env)
		if err != nil {
			return nil, err
		}
		b.tables = append(b.tables, frag.Tables...)
		out = append(out, frag.Expr)
	}
	return out, nil
}

// render stitches b's accumulated select list, deduplicated lateral
// tables, and where conditions into one SQL query string.
func (b *builder) render(resource string, whereConds []string) (string, error) {
	tables, rename := sqlgen.DedupeTables(b.tables)
	tables = topoSort(tables)

	selects := make([]string, len(b.selects))
	for i, s := range b.selects {
		selects[i] = sqlgen.RewriteAliases(s, rename)
	}
	conds := make([]string, len(whereConds))
	for i, c := range whereConds {
		conds[i] = sqlgen.RewriteAliases(c, rename)
	}

	var buf strings.Builder
	buf.WriteString("SELECT ")
	buf.WriteString(strings.Join(selects, ", "))
	buf.WriteString("\nFROM ")
	buf.WriteString(strings.ToLower(resource))
	buf.WriteString(" AS ")
	buf.WriteString(rowAlias)
	for _, t := range tables {
		buf.WriteString(",\n  LATERAL ")
		buf.WriteString(t.SQLText)
	}
	if len(conds) > 0 {
		buf.WriteString("\nWHERE ")
		buf.WriteString(strings.Join(conds, " AND "))
	}
	return buf.String(), nil
}

// topoSort orders lateral tables so each appears after every table it
// depends on; stable otherwise, since our single-pass builder already
// appends tables in a dependency-respecting order and this only needs
// to repair the rare reordering DedupeTables' rewriting can introduce.
func topoSort(tables []sqlgen.LateralTable) []sqlgen.LateralTable {
	index := make(map[string]int, len(tables))
	for i, t := range tables {
		index[t.Alias] = i
	}
	visited := make([]bool, len(tables))
	var out []sqlgen.LateralTable
	var visit func(i int)
	visit = func(i int) {
		if visited[i] {
			return
		}
		visited[i] = true
		for _, dep := range tables[i].Dependencies {
			if j, ok := index[dep]; ok {
				visit(j)
			}
		}
		out = append(out, tables[i])
	}
	for i := range tables {
		visit(i)
	}
	return out
}

// renderInputSchema renders the resource's top-level elements as a
// DuckDB STRUCT type string (SPEC_FULL §4 supplement: "reduced input
// schema STRUCT rendering").
func renderInputSchema(schema *fhirschema.Schema, resource string) string {
	names := schema.ElementNames(resource)
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		elem, ok := schema.Element(resource, name)
		if !ok || len(elem.Type) != 1 {
			// choice groups (value[x]) and unresolvable elements are
			// omitted from the reduced schema rendering; a ViewDefinition
			// that needs one addresses it through its typed column path
			// (e.g. valueDecimal) instead.
			continue
		}
		typeStr := duckt.FromFHIRType(elem.Type[0]).String()
		if elem.Collection() {
			typeStr = "LIST(" + typeStr + ")"
		}
		parts = append(parts, name+" "+typeStr)
	}
	return "STRUCT(" + strings.Join(parts, ", ") + ")"
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
