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

// Package flatquack compiles a SQL-on-FHIR ViewDefinition, together
// with a FHIR schema document, into a DuckDB SQL query (spec.md §6
// "Compiler entry point"). It is a thin public surface over the
// internal pipeline: internal/fhirpath (lex+parse), internal/resolver
// (stage 2), internal/sqlgen (stage 3) and internal/viewdef (stage 4).
package flatquack

import (
	"github.com/google/uuid"

	"github.com/flatquack/flatquack/internal/diag"
	"github.com/flatquack/flatquack/internal/fhirschema"
	"github.com/flatquack/flatquack/internal/resolver"
	"github.com/flatquack/flatquack/internal/viewdef"
)

// ErrorKind re-exports the compiler's error taxonomy (spec.md §6
// Diagnostics) so that callers of this package never need to import
// internal/diag directly.
type ErrorKind = diag.Kind

const (
	ParseError            = diag.ParseError
	UnknownElement        = diag.UnknownElement
	InvalidChoice         = diag.InvalidChoice
	CardinalityMismatch   = diag.CardinalityMismatch
	InvokeParamNotLiteral = diag.InvokeParamNotLiteral
	UnsupportedFeature    = diag.UnsupportedFeature
	ExpressionTooDeep     = diag.ExpressionTooDeep
)

// CompileError re-exports internal/diag's error type; callers may
// type-assert a Compile error to *CompileError to inspect Kind,
// Location and Hint.
type CompileError = diag.Error

// ScalarLiteral re-exports the resolver's constant-value type, used
// both for Compile's userVars and for a ViewDefinition's own
// `constant` entries.
type ScalarLiteral = resolver.ScalarLiteral

// ColumnInfo describes one output column of a compiled query
// (spec.md §6: "columnList: [{name, duckType, isCollection}]").
type ColumnInfo = viewdef.ColumnInfo

// Diagnostic re-exports the assembler's non-fatal diagnostic type
// (SPEC_FULL §4: declared column.type/column.collection hints that
// disagree with the resolver's inferred type).
type Diagnostic = diag.Diagnostic

// CompileResult is the successful outcome of Compile (spec.md §6).
// CompileID is a SPEC_FULL addition: a stable identifier a caller can
// correlate across logs, caches, or generated-SQL artifacts without
// hashing the SQL text itself. Diagnostics is a SPEC_FULL addition:
// compilation can succeed while still reporting hints worth a
// caller's attention.
type CompileResult struct {
	SQL         string
	InputSchema string
	ColumnList  []ColumnInfo
	CompileID   string
	Diagnostics []Diagnostic
}

// ViewDefinition re-exports the document model so that callers parse
// their input once, via Load, and pass the result straight to Compile.
type ViewDefinition = viewdef.ViewDefinition

// LoadView parses a ViewDefinition document from JSON or YAML bytes.
func LoadView(data []byte) (*ViewDefinition, error) {
	return viewdef.Load(data)
}

// LoadSchema parses a FHIR schema document from JSON or YAML bytes
// (spec.md §6 "FHIR schema document").
func LoadSchema(data []byte) (*fhirschema.Schema, error) {
	return fhirschema.Load(data)
}

// Compile lowers view against schema into a single DuckDB SQL query,
// honoring any caller-supplied variables (exposed to FHIRPath
// expressions as `%name`) alongside the view's own `constant` entries.
// userVars takes precedence when a name is defined in both.
func Compile(view *ViewDefinition, schema *fhirschema.Schema, userVars map[string]ScalarLiteral) (*CompileResult, error) {
	res, err := viewdef.Assemble(view, schema, userVars)
	if err != nil {
		return nil, err
	}
	return &CompileResult{
		SQL:         res.SQL,
		InputSchema: res.InputSchema,
		ColumnList:  res.ColumnList,
		CompileID:   uuid.NewString(),
		Diagnostics: res.Diagnostics,
	}, nil
}
