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

package ast

import (
	"github.com/flatquack/flatquack/internal/duckt"
	"github.com/flatquack/flatquack/internal/fhirschema"
)

// Cardinality is the arity the schema resolver assigns to an
// expression: a single value, or an ordered collection of zero or
// more values.
type Cardinality int

const (
	Singleton Cardinality = iota
	Collection
)

func (c Cardinality) String() string {
	if c == Collection {
		return "collection"
	}
	return "singleton"
}

// Info is the ResolvedType annotation spec.md §3 requires on every
// AST node once stage 2 (the schema resolver) has processed it.
type Info struct {
	FHIRType     string
	Cardinality  Cardinality
	PhysicalType duckt.Type
	Nullable     bool
	ElementDef   *fhirschema.Element // nil for synthetic/builtin results
}

// IsCollection is shorthand for Cardinality == Collection.
func (i *Info) IsCollection() bool {
	return i != nil && i.Cardinality == Collection
}
