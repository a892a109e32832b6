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
	"testing"

	"github.com/flatquack/flatquack/internal/diag"
	"github.com/flatquack/flatquack/internal/duckt"
	"github.com/flatquack/flatquack/internal/fhirpath/ast"
	"github.com/flatquack/flatquack/internal/fhirpath/parse"
	"github.com/flatquack/flatquack/internal/fhirschema"
)

const testSchemaJSON = `{
  "Patient": {
    "id": {"type": ["string"], "max": "1"},
    "name": {"type": ["HumanName"], "max": "*"},
    "address": {"type": ["Address"], "max": "*"},
    "contact": {"type": ["PatientContact"], "max": "*"},
    "link": {"type": ["PatientLink"], "max": "*"}
  },
  "HumanName": {
    "use": {"type": ["code"], "max": "1"},
    "family": {"type": ["string"], "max": "1"}
  },
  "Address": {
    "postalCode": {"type": ["string"], "max": "1"}
  },
  "PatientContact": {
    "address": {"type": ["Address"], "max": "1"}
  },
  "PatientLink": {
    "other": {"type": ["Reference"], "max": "1"}
  },
  "Reference": {
    "reference": {"type": ["string"], "max": "1"}
  },
  "Observation": {
    "item": {"type": ["ObservationItem"], "max": "*"}
  },
  "ObservationItem": {
    "linkId": {"type": ["string"], "max": "1"},
    "answer": {"type": ["ObservationAnswer"], "max": "1"}
  },
  "ObservationAnswer": {
    "value": {"type": ["decimal", "boolean", "string"], "max": "1"}
  }
}`

func schemaFor(t *testing.T) *fhirschema.Schema {
	t.Helper()
	s, err := fhirschema.Load([]byte(testSchemaJSON))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func resolveSrc(t *testing.T, resource, src string) (*ast.Info, ast.Node, error) {
	t.Helper()
	n, err := parse.Parse(src)
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	env := &Env{Schema: schemaFor(t), Vars: map[string]ScalarLiteral{}}
	info, err := Resolve(n, Focus{TypeName: resource, Cardinality: ast.Singleton}, env)
	return info, n, err
}

func TestResolveSimpleIdentifier(t *testing.T) {
	info, _, err := resolveSrc(t, "Patient", "id")
	if err != nil {
		t.Fatal(err)
	}
	if info.Cardinality != ast.Singleton || info.PhysicalType.Kind != duckt.Varchar {
		t.Fatalf("got %+v", info)
	}
}

func TestResolveCollectionPropagation(t *testing.T) {
	info, _, err := resolveSrc(t, "Patient", "name.family")
	if err != nil {
		t.Fatal(err)
	}
	if info.Cardinality != ast.Collection {
		t.Fatalf("expected collection cardinality once inside name[], got %v", info.Cardinality)
	}
}

func TestResolveUnknownElement(t *testing.T) {
	_, _, err := resolveSrc(t, "Patient", "nonexistent")
	var derr *diag.Error
	if err == nil {
		t.Fatal("expected error")
	}
	if !asDiag(err, &derr) || derr.Kind != diag.UnknownElement {
		t.Fatalf("got %v", err)
	}
}

func TestResolvePolymorphicValueChoice(t *testing.T) {
	// S6: valueDecimal must resolve to DECIMAL so precision survives.
	info, _, err := resolveSrc(t, "Observation", "item.where(linkId = 'crpValue').answer.valueDecimal")
	if err != nil {
		t.Fatal(err)
	}
	if info.PhysicalType.Kind != duckt.Decimal {
		t.Fatalf("expected DECIMAL, got %v", info.PhysicalType)
	}
}

func TestResolveAmbiguousChoiceWithoutSuffix(t *testing.T) {
	_, _, err := resolveSrc(t, "Observation", "item.answer.value")
	var derr *diag.Error
	if err == nil || !asDiag(err, &derr) || derr.Kind != diag.InvalidChoice {
		t.Fatalf("expected InvalidChoice, got %v", err)
	}
}

func TestResolveForEachCol(t *testing.T) {
	// S2 shape: name._forEach(_col('use', use), _col('last', family))
	info, _, err := resolveSrc(t, "Patient", "name._forEach(_col('use', use), _col('last', family))")
	if err != nil {
		t.Fatal(err)
	}
	if info.PhysicalType.Kind != duckt.List {
		t.Fatalf("expected LIST(STRUCT(...)) since name is a collection, got %v", info.PhysicalType)
	}
	if info.PhysicalType.Elem.Kind != duckt.Struct || len(info.PhysicalType.Elem.Fields) != 2 {
		t.Fatalf("expected a 2-field struct element, got %v", info.PhysicalType.Elem)
	}
}

func TestResolveInvokeRejectsNonLiteralArgs(t *testing.T) {
	// S5: family._invoke('concat', use) must fail: `use` is a path, not a literal.
	_, _, err := resolveSrc(t, "Patient", "name._forEach(_col('c', family._invoke('concat', use)))")
	var derr *diag.Error
	if err == nil || !asDiag(err, &derr) || derr.Kind != diag.InvokeParamNotLiteral {
		t.Fatalf("expected InvokeParamNotLiteral, got %v", err)
	}
}

func TestResolveInvokeAcceptsLiterals(t *testing.T) {
	_, _, err := resolveSrc(t, "Patient", "name._forEach(_col('c', family._invoke('concat', 'x', 1, true)))")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResolveSplitPathNegativeIndex(t *testing.T) {
	// S7
	info, _, err := resolveSrc(t, "Patient", "link.other.reference._splitPath(-1)")
	if err != nil {
		t.Fatal(err)
	}
	if info.PhysicalType.Kind != duckt.Varchar {
		t.Fatalf("got %v", info.PhysicalType)
	}
	if info.Cardinality != ast.Collection {
		t.Fatalf("expected collection (link is *), got %v", info.Cardinality)
	}
}

func TestResolveUnionAllIncompatibleTypes(t *testing.T) {
	_, _, err := resolveSrc(t, "Patient", "_unionAll(address.postalCode, id = 'x')")
	var derr *diag.Error
	if err == nil || !asDiag(err, &derr) {
		t.Fatalf("expected an error for incompatible _unionAll operand types, got %v", err)
	}
}

func TestResolveUnionAllCompatible(t *testing.T) {
	// S3 shape
	info, _, err := resolveSrc(t, "Patient", "_unionAll(address.postalCode, contact.address.postalCode)")
	if err != nil {
		t.Fatal(err)
	}
	if info.Cardinality != ast.Collection || info.PhysicalType.Kind != duckt.List {
		t.Fatalf("got %+v", info)
	}
}

func TestResolveExpressionTooDeep(t *testing.T) {
	env := &Env{Schema: schemaFor(t), Vars: map[string]ScalarLiteral{}}
	// Build an artificially deep chain of `not` wrappers around
	// $this to exercise the depth guard without needing a few
	// hundred real path segments of source (neither schema lookups
	// nor literal parsing stand in the way of pure recursion depth).
	var n ast.Node = ast.NewThisRef(0)
	for i := 0; i < MaxDepth+2; i++ {
		n = ast.NewUnaryOp(0, ast.UnNot, n)
	}
	_, err := Resolve(n, Focus{TypeName: "Patient", Cardinality: ast.Singleton}, env)
	var derr *diag.Error
	if err == nil || !asDiag(err, &derr) || derr.Kind != diag.ExpressionTooDeep {
		t.Fatalf("expected ExpressionTooDeep, got %v", err)
	}
}

func asDiag(err error, out **diag.Error) bool {
	d, ok := err.(*diag.Error)
	if ok {
		*out = d
	}
	return ok
}
