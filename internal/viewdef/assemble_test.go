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
	"strings"
	"testing"

	"github.com/flatquack/flatquack/internal/diag"
	"github.com/flatquack/flatquack/internal/fhirschema"
)

const patientSchemaJSON = `{
  "Patient": {
    "id": {"type": ["string"], "max": "1"},
    "name": {"type": ["HumanName"], "max": "*"},
    "address": {"type": ["Address"], "max": "*"}
  },
  "HumanName": {
    "use": {"type": ["code"], "max": "1"},
    "family": {"type": ["string"], "max": "1"}
  },
  "Address": {
    "postalCode": {"type": ["string"], "max": "1"}
  }
}`

func patientSchema(t *testing.T) *fhirschema.Schema {
	t.Helper()
	s, err := fhirschema.Load([]byte(patientSchemaJSON))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAssembleBasicProjection(t *testing.T) {
	// S1
	view := &ViewDefinition{
		Resource: "Patient",
		Select: []SelectNode{{
			Column: []ColumnSpec{
				{Name: "id", Path: "id"},
				{Name: "family", Path: "name.family"},
			},
		}},
	}
	res, err := Assemble(view, patientSchema(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.SQL, `AS "id"`) || !strings.Contains(res.SQL, `AS "family"`) {
		t.Fatalf("missing expected output columns: %s", res.SQL)
	}
	if !strings.Contains(res.SQL, "LATERAL UNNEST(r.name)") {
		t.Fatalf("expected a lateral UNNEST over r.name: %s", res.SQL)
	}
	if len(res.ColumnList) != 2 || res.ColumnList[0].Name != "id" || res.ColumnList[1].Name != "family" {
		t.Fatalf("got %+v", res.ColumnList)
	}
	if !res.ColumnList[1].IsCollection {
		t.Fatalf("expected family to be marked a collection column, got %+v", res.ColumnList[1])
	}
}

func TestAssembleForEachNestedSelect(t *testing.T) {
	view := &ViewDefinition{
		Resource: "Patient",
		Select: []SelectNode{{
			Column: []ColumnSpec{{Name: "id", Path: "id"}},
			Select: []SelectNode{{
				ForEach: "name",
				Column: []ColumnSpec{
					{Name: "use", Path: "use"},
					{Name: "family", Path: "family"},
				},
			}},
		}},
	}
	res, err := Assemble(view, patientSchema(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.ColumnList) != 3 {
		t.Fatalf("expected id, use, family columns, got %+v", res.ColumnList)
	}
	if !strings.Contains(res.SQL, "LATERAL UNNEST(r.name)") {
		t.Fatalf("expected forEach to introduce a lateral UNNEST: %s", res.SQL)
	}
}

func TestAssembleTopLevelUnionAll(t *testing.T) {
	view := &ViewDefinition{
		Resource: "Patient",
		Select: []SelectNode{{
			UnionAll: []SelectNode{
				{Column: []ColumnSpec{{Name: "code", Path: "id"}}},
				{Column: []ColumnSpec{{Name: "code", Path: "id"}}},
			},
		}},
	}
	res, err := Assemble(view, patientSchema(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.SQL, "UNION ALL") {
		t.Fatalf("expected a UNION ALL query, got %s", res.SQL)
	}
	if len(res.ColumnList) != 1 || res.ColumnList[0].Name != "code" {
		t.Fatalf("got %+v", res.ColumnList)
	}
}

func TestAssembleRejectsNestedUnionAll(t *testing.T) {
	view := &ViewDefinition{
		Resource: "Patient",
		Select: []SelectNode{{
			Column: []ColumnSpec{{Name: "id", Path: "id"}},
			Select: []SelectNode{{
				UnionAll: []SelectNode{
					{Column: []ColumnSpec{{Name: "x", Path: "id"}}},
				},
			}},
		}},
	}
	_, err := Assemble(view, patientSchema(t), nil)
	derr, ok := err.(*diag.Error)
	if !ok || derr.Kind != diag.UnsupportedFeature {
		t.Fatalf("expected UnsupportedFeature, got %v", err)
	}
}

func TestAssembleColumnTypeHintMismatch(t *testing.T) {
	view := &ViewDefinition{
		Resource: "Patient",
		Select: []SelectNode{{
			Column: []ColumnSpec{{Name: "id", Path: "id", Type: "boolean"}},
		}},
	}
	res, err := Assemble(view, patientSchema(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Diagnostics) != 1 || res.Diagnostics[0].Kind != diag.HintMismatch {
		t.Fatalf("expected one HintMismatch diagnostic, got %+v", res.Diagnostics)
	}
}

func TestAssembleColumnCollectionHintMismatch(t *testing.T) {
	view := &ViewDefinition{
		Resource: "Patient",
		Select: []SelectNode{{
			Column: []ColumnSpec{{Name: "id", Path: "id", Collection: true}},
		}},
	}
	res, err := Assemble(view, patientSchema(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Diagnostics) != 1 || res.Diagnostics[0].Kind != diag.HintMismatch {
		t.Fatalf("expected one HintMismatch diagnostic, got %+v", res.Diagnostics)
	}
}

func TestAssembleColumnHintsMatchProduceNoDiagnostics(t *testing.T) {
	view := &ViewDefinition{
		Resource: "Patient",
		Select: []SelectNode{{
			Column: []ColumnSpec{
				{Name: "id", Path: "id", Type: "string"},
				{Name: "family", Path: "name.family", Collection: true},
			},
		}},
	}
	res, err := Assemble(view, patientSchema(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Diagnostics) != 0 {
		t.Fatalf("expected no diagnostics, got %+v", res.Diagnostics)
	}
}

func TestAssembleWhereClause(t *testing.T) {
	view := &ViewDefinition{
		Resource: "Patient",
		Select:   []SelectNode{{Column: []ColumnSpec{{Name: "id", Path: "id"}}}},
		Where:    []WhereClause{{Path: "id = 'p1'"}},
	}
	res, err := Assemble(view, patientSchema(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.SQL, "WHERE") {
		t.Fatalf("expected a WHERE clause, got %s", res.SQL)
	}
}
