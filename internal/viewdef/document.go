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

// Package viewdef implements stage 4 of the compiler (spec.md §4.4):
// the ViewDefinition document model and the assembler that walks it,
// invoking internal/resolver and internal/sqlgen per FHIRPath
// expression and stitching the results into one SQL query.
package viewdef

import (
	"encoding/json"

	"sigs.k8s.io/yaml"

	"github.com/flatquack/flatquack/internal/fhirpath/ast"
	"github.com/flatquack/flatquack/internal/resolver"
)

// ColumnSpec is one `select.column` entry (spec.md §6: "Fields
// recognized: ... column, path, name, type, collection").
type ColumnSpec struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Collection  bool   `json:"collection,omitempty"`
	Description string `json:"description,omitempty"`
}

// SelectNode is one entry of a ViewDefinition's `select` array; it may
// carry columns directly, introduce a forEach/forEachOrNull focus
// change, nest further select entries, or (top-level only, spec.md
// §4.4) union sibling selects together.
type SelectNode struct {
	Column        []ColumnSpec `json:"column,omitempty"`
	ForEach       string       `json:"forEach,omitempty"`
	ForEachOrNull string       `json:"forEachOrNull,omitempty"`
	UnionAll      []SelectNode `json:"unionAll,omitempty"`
	Select        []SelectNode `json:"select,omitempty"`
}

// WhereClause is one `where[].path` filter applied at the resource's
// root focus.
type WhereClause struct {
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// ConstantSpec is one `constant` entry (SPEC_FULL §4 supplement): a
// named scalar, polymorphically typed the same way FHIR encodes
// value[x], available to every FHIRPath expression in the view as
// `%name` alongside compile()'s userVars.
type ConstantSpec struct {
	Name         string   `json:"name"`
	ValueString  *string  `json:"valueString,omitempty"`
	ValueInteger *int64   `json:"valueInteger,omitempty"`
	ValueDecimal *float64 `json:"valueDecimal,omitempty"`
	ValueBoolean *bool    `json:"valueBoolean,omitempty"`
}

func (c ConstantSpec) literal() (resolver.ScalarLiteral, bool) {
	switch {
	case c.ValueString != nil:
		return resolver.ScalarLiteral{Kind: ast.ScalarString, Str: *c.ValueString}, true
	case c.ValueInteger != nil:
		return resolver.ScalarLiteral{Kind: ast.ScalarInteger, Int: *c.ValueInteger}, true
	case c.ValueDecimal != nil:
		return resolver.ScalarLiteral{Kind: ast.ScalarDecimal, Dec: *c.ValueDecimal}, true
	case c.ValueBoolean != nil:
		return resolver.ScalarLiteral{Kind: ast.ScalarBoolean, Bool: *c.ValueBoolean}, true
	default:
		return resolver.ScalarLiteral{}, false
	}
}

// ViewDefinition is the subset of the SQL-on-FHIR ViewDefinition
// resource this compiler honors (spec.md §6). Unrecognized fields are
// ignored by encoding/json's default unmarshaling behavior.
type ViewDefinition struct {
	Resource string         `json:"resource"`
	Select   []SelectNode   `json:"select"`
	Where    []WhereClause  `json:"where,omitempty"`
	Constant []ConstantSpec `json:"constant,omitempty"`
}

// Load parses a ViewDefinition document from either JSON or YAML.
func Load(data []byte) (*ViewDefinition, error) {
	js, err := yaml.YAMLToJSON(data)
	if err != nil {
		js = data
	}
	var v ViewDefinition
	if err := json.Unmarshal(js, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Constants returns view's `constant` entries as a ready-to-merge
// variable environment.
func (v *ViewDefinition) Constants() map[string]resolver.ScalarLiteral {
	out := make(map[string]resolver.ScalarLiteral, len(v.Constant))
	for _, c := range v.Constant {
		if lit, ok := c.literal(); ok {
			out[c.Name] = lit
		}
	}
	return out
}
