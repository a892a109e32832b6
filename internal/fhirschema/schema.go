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

// Package fhirschema models the FHIR structural schema document that
// the compiler resolves FHIRPath identifiers against: a mapping from
// resource/complex-type name to an element dictionary. The schema
// itself is produced by an external builder (spec.md §1, out of
// scope); this package only loads and queries it.
package fhirschema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/slices"
	"sigs.k8s.io/yaml"
)

// Element describes one field of a FHIR type.
type Element struct {
	// Type lists the FHIR type name(s). A single entry for a
	// normal element; multiple entries for a choice group (e.g.
	// "value" has Type = ["string", "decimal", "boolean", ...]).
	Type []string `json:"type"`
	// Max is "1" for a singleton element, "*" for a collection.
	Max string `json:"max"`
	// Choice is the group name this element belongs to when it is
	// one alternative of a polymorphic value[x] element (set on the
	// expanded per-type entries, not on the "value" group itself).
	Choice string `json:"choice,omitempty"`
}

// Collection reports whether the element has cardinality "*".
func (e Element) Collection() bool { return e.Max == "*" }

// rawElement matches the wire JSON element shape.
type rawElement struct {
	Type   []string `json:"type"`
	Max    string    `json:"max"`
	Choice string    `json:"choice,omitempty"`
}

// Schema is the decoded FHIR schema document: resource/type name ->
// element name -> Element.
type Schema struct {
	types map[string]map[string]Element
}

// Load decodes a schema document. It accepts JSON directly, or YAML
// (converted to JSON first via sigs.k8s.io/yaml, the same library the
// teacher corpus uses for config/document parsing).
func Load(data []byte) (*Schema, error) {
	data = maybeYAMLtoJSON(data)
	var raw map[string]map[string]rawElement
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("fhirschema: decode: %w", err)
	}
	s := &Schema{types: make(map[string]map[string]Element, len(raw))}
	for typeName, elements := range raw {
		m := make(map[string]Element, len(elements))
		for name, re := range elements {
			m[name] = Element{Type: re.Type, Max: re.Max, Choice: re.Choice}
		}
		s.types[typeName] = m
	}
	return s, nil
}

// maybeYAMLtoJSON converts YAML input to JSON; JSON input passes
// through sigs.k8s.io/yaml.YAMLToJSON unchanged (it is a superset of
// JSON), so this is safe to call unconditionally.
func maybeYAMLtoJSON(data []byte) []byte {
	if out, err := yaml.YAMLToJSON(data); err == nil {
		return out
	}
	return data
}

// Element looks up a named element of typeName. ok is false if
// typeName is unknown to the schema or has no such element.
func (s *Schema) Element(typeName, elementName string) (Element, bool) {
	elems, ok := s.types[typeName]
	if !ok {
		return Element{}, false
	}
	e, ok := elems[elementName]
	return e, ok
}

// HasType reports whether typeName appears in the schema.
func (s *Schema) HasType(typeName string) bool {
	_, ok := s.types[typeName]
	return ok
}

// ElementNames returns the sorted element names declared for typeName.
func (s *Schema) ElementNames(typeName string) []string {
	elems := s.types[typeName]
	names := make([]string, 0, len(elems))
	for n := range elems {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Choice is one candidate of a polymorphic value[x] expansion.
type Choice struct {
	// PhysicalName is the concrete element name, e.g. "valueDecimal".
	PhysicalName string
	// FHIRType is the FHIR type of that alternative, e.g. "decimal".
	FHIRType string
	Element  Element
}

// ResolveChoice expands the polymorphic "value" element of parentType
// (or whichever element is named baseName, typically "value") into
// its concrete per-type alternatives, sorted by FHIR type name for
// deterministic diagnostics. It is the schema-side half of spec.md
// §4.2's `value + typeName(c)` expansion rule and §9's design note.
func (s *Schema) ResolveChoice(parentType, baseName string) []Choice {
	elems, ok := s.types[parentType]
	if !ok {
		return nil
	}
	base, ok := elems[baseName]
	if !ok {
		return nil
	}
	out := make([]Choice, 0, len(base.Type))
	for _, t := range base.Type {
		out = append(out, Choice{
			PhysicalName: baseName + exportTypeName(t),
			FHIRType:     t,
			Element:      Element{Type: []string{t}, Max: base.Max, Choice: baseName},
		})
	}
	slices.SortFunc(out, func(a, b Choice) bool { return a.FHIRType < b.FHIRType })
	return out
}

// exportTypeName upper-cases the first rune of a FHIR type name, which
// is how FHIR derives choice-element suffixes ("decimal" -> "Decimal",
// so "value" + "Decimal" = "valueDecimal").
func exportTypeName(t string) string {
	if t == "" {
		return t
	}
	return strings.ToUpper(t[:1]) + t[1:]
}
