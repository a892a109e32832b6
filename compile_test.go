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

package flatquack

import (
	"strings"
	"testing"

	"github.com/flatquack/flatquack/internal/fhirpath/ast"
)

const testSchemaJSON = `{
  "Patient": {
    "id": {"type": ["string"], "max": "1"},
    "active": {"type": ["boolean"], "max": "1"},
    "name": {"type": ["HumanName"], "max": "*"}
  },
  "HumanName": {
    "use": {"type": ["code"], "max": "1"},
    "family": {"type": ["string"], "max": "1"}
  }
}`

const testViewJSON = `{
  "resource": "Patient",
  "select": [{
    "column": [
      {"name": "id", "path": "id"},
      {"name": "active_flag", "path": "active = %isActive"}
    ]
  }]
}`

func TestCompileEndToEnd(t *testing.T) {
	schema, err := LoadSchema([]byte(testSchemaJSON))
	if err != nil {
		t.Fatal(err)
	}
	view, err := LoadView([]byte(testViewJSON))
	if err != nil {
		t.Fatal(err)
	}
	res, err := Compile(view, schema, map[string]ScalarLiteral{
		"isActive": {Kind: ast.ScalarBoolean, Bool: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.CompileID == "" {
		t.Fatal("expected a non-empty CompileID")
	}
	if !strings.Contains(res.SQL, `AS "id"`) || !strings.Contains(res.SQL, `AS "active_flag"`) {
		t.Fatalf("missing expected columns: %s", res.SQL)
	}
	if len(res.ColumnList) != 2 {
		t.Fatalf("got %+v", res.ColumnList)
	}
}

func TestCompileSurfacesHintMismatchDiagnostic(t *testing.T) {
	schema, err := LoadSchema([]byte(testSchemaJSON))
	if err != nil {
		t.Fatal(err)
	}
	view, err := LoadView([]byte(`{
	  "resource": "Patient",
	  "select": [{"column": [{"name": "id", "path": "id", "type": "boolean"}]}]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	res, err := Compile(view, schema, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Diagnostics) != 1 {
		t.Fatalf("expected one diagnostic, got %+v", res.Diagnostics)
	}
}

func TestCompileMissingResource(t *testing.T) {
	schema, err := LoadSchema([]byte(testSchemaJSON))
	if err != nil {
		t.Fatal(err)
	}
	view, err := LoadView([]byte(`{"select": [{"column": [{"name": "id", "path": "id"}]}]}`))
	if err != nil {
		t.Fatal(err)
	}
	_, err = Compile(view, schema, nil)
	derr, ok := err.(*CompileError)
	if !ok || derr.Kind != ParseError {
		t.Fatalf("expected ParseError CompileError, got %v", err)
	}
}
