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

// Package duckt describes the DuckDB physical type lattice that
// FlatQuack's schema resolver assigns to FHIRPath expressions and that
// the SQL lowerer renders into DuckDB type syntax.
package duckt

import "strings"

// Kind is the tag of a Type.
type Kind int

const (
	Unknown Kind = iota
	Varchar
	Integer
	Bigint
	Decimal
	Boolean
	Date
	Timestamp
	Struct
	List
)

var kindNames = [...]string{
	Unknown:   "UNKNOWN",
	Varchar:   "VARCHAR",
	Integer:   "INTEGER",
	Bigint:    "BIGINT",
	Decimal:   "DECIMAL",
	Boolean:   "BOOLEAN",
	Date:      "DATE",
	Timestamp: "TIMESTAMP",
	Struct:    "STRUCT",
	List:      "LIST",
}

// Type is a DuckDB physical type: a scalar kind, or a STRUCT with
// named fields, or a LIST wrapping an element type.
type Type struct {
	Kind   Kind
	Fields []Field // only meaningful when Kind == Struct, in declaration order
	Elem   *Type   // only meaningful when Kind == List
}

// Field is a named member of a STRUCT type.
type Field struct {
	Name string
	Type Type
}

// Scalar constructors for the non-composite kinds.
var (
	VarcharT   = Type{Kind: Varchar}
	IntegerT   = Type{Kind: Integer}
	BigintT    = Type{Kind: Bigint}
	DecimalT   = Type{Kind: Decimal}
	BooleanT   = Type{Kind: Boolean}
	DateT      = Type{Kind: Date}
	TimestampT = Type{Kind: Timestamp}
	UnknownT   = Type{Kind: Unknown}
)

// NewList builds a LIST(elem) type.
func NewList(elem Type) Type {
	e := elem
	return Type{Kind: List, Elem: &e}
}

// NewStruct builds a STRUCT(...) type from an ordered field list.
func NewStruct(fields ...Field) Type {
	return Type{Kind: Struct, Fields: fields}
}

// IsScalar reports whether t is neither STRUCT nor LIST.
func (t Type) IsScalar() bool {
	return t.Kind != Struct && t.Kind != List
}

// String renders t as DuckDB type syntax, e.g. "STRUCT(a VARCHAR, b LIST(INTEGER))".
func (t Type) String() string {
	switch t.Kind {
	case Struct:
		var sb strings.Builder
		sb.WriteString("STRUCT(")
		for i, f := range t.Fields {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(f.Name)
			sb.WriteByte(' ')
			sb.WriteString(f.Type.String())
		}
		sb.WriteByte(')')
		return sb.String()
	case List:
		return "LIST(" + t.Elem.String() + ")"
	default:
		return kindNames[t.Kind]
	}
}

// FromFHIRType maps a FHIR primitive/complex type name to its default
// DuckDB physical type. Complex types (anything not recognized as a
// FHIR primitive) map to Unknown; the resolver fills in a concrete
// STRUCT for those once it knows which elements are actually touched.
func FromFHIRType(fhirType string) Type {
	switch fhirType {
	case "string", "code", "id", "uri", "url", "canonical", "markdown", "oid", "uuid", "base64Binary", "xhtml":
		return VarcharT
	case "integer", "positiveInt", "unsignedInt":
		return IntegerT
	case "integer64":
		return BigintT
	case "decimal":
		return DecimalT
	case "boolean":
		return BooleanT
	case "date":
		return DateT
	case "dateTime", "instant", "time":
		return TimestampT
	default:
		return UnknownT
	}
}
