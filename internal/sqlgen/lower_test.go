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

package sqlgen

import (
	"strings"
	"testing"

	"github.com/flatquack/flatquack/internal/diag"
	"github.com/flatquack/flatquack/internal/fhirpath/ast"
	"github.com/flatquack/flatquack/internal/fhirpath/parse"
	"github.com/flatquack/flatquack/internal/fhirschema"
	"github.com/flatquack/flatquack/internal/resolver"
)

const schemaJSON = `{
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

func lowerSrc(t *testing.T, resource, src string) Fragment {
	t.Helper()
	n, err := parse.Parse(src)
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	schema, err := fhirschema.Load([]byte(schemaJSON))
	if err != nil {
		t.Fatal(err)
	}
	env := &resolver.Env{Schema: schema, Vars: map[string]resolver.ScalarLiteral{}}
	if _, err := resolver.Resolve(n, resolver.Focus{TypeName: resource, Cardinality: ast.Singleton}, env); err != nil {
		t.Fatalf("resolve %q: %v", src, err)
	}
	frag, err := Lower(n, NewRootScope("r"), env)
	if err != nil {
		t.Fatalf("lower %q: %v", src, err)
	}
	return frag
}

func TestLowerSimpleField(t *testing.T) {
	f := lowerSrc(t, "Patient", "id")
	if f.Expr != "r.id" {
		t.Fatalf("got %q", f.Expr)
	}
	if len(f.Tables) != 0 {
		t.Fatalf("expected no lateral tables, got %v", f.Tables)
	}
}

func TestLowerCollectionFieldIntroducesUnnest(t *testing.T) {
	// S1 shape: name.family flattens to one row per name entry.
	f := lowerSrc(t, "Patient", "name.family")
	if !strings.Contains(f.Expr, ".family") {
		t.Fatalf("expected dotted family access, got %q", f.Expr)
	}
	if len(f.Tables) != 1 {
		t.Fatalf("expected exactly one lateral table for name[], got %v", f.Tables)
	}
	if !strings.Contains(f.Tables[0].SQLText, "UNNEST(r.name)") {
		t.Fatalf("expected UNNEST(r.name), got %q", f.Tables[0].SQLText)
	}
}

func TestLowerForEachCollection(t *testing.T) {
	// S2 shape
	f := lowerSrc(t, "Patient", "name._forEach(_col('use', use), _col('last', family))")
	if !strings.Contains(f.Expr, "SELECT coalesce(list(struct_pack(use := ") {
		t.Fatalf("expected a list(struct_pack(...)) aggregator subquery, got %q", f.Expr)
	}
	if !strings.Contains(f.Expr, "UNNEST(r.name)") {
		t.Fatalf("expected the aggregator to scan UNNEST(r.name), got %q", f.Expr)
	}
	if !f.IsArray {
		t.Fatal("expected forEach over a collection receiver to produce an array value")
	}
}

func TestLowerUnionAll(t *testing.T) {
	// S3 shape: both operands realize the same top-level array (name),
	// so they're naturally paired by the shared LATERAL UNNEST.
	f := lowerSrc(t, "Patient", "_unionAll(name.family, name.use)")
	if !strings.HasPrefix(f.Expr, "array_concat(") {
		t.Fatalf("expected array_concat(...), got %q", f.Expr)
	}
	if !f.IsArray {
		t.Fatal("expected _unionAll result to be an array")
	}
}

func TestLowerUnionAllRejectsDistinctArrays(t *testing.T) {
	// address and name are independent top-level arrays; concatenating
	// per-element fields from each would require an unindexed cross
	// join, so this must be refused rather than silently lowered.
	n, err := parse.Parse("_unionAll(address.postalCode, name.family)")
	if err != nil {
		t.Fatal(err)
	}
	schema, err := fhirschema.Load([]byte(schemaJSON))
	if err != nil {
		t.Fatal(err)
	}
	env := &resolver.Env{Schema: schema, Vars: map[string]resolver.ScalarLiteral{}}
	if _, err := resolver.Resolve(n, resolver.Focus{TypeName: "Patient", Cardinality: ast.Singleton}, env); err != nil {
		t.Fatal(err)
	}
	_, err = Lower(n, NewRootScope("r"), env)
	derr, ok := err.(*diag.Error)
	if !ok || derr.Kind != diag.UnsupportedFeature {
		t.Fatalf("expected UnsupportedFeature, got %v", err)
	}
}

func TestLowerWhereOnCollection(t *testing.T) {
	// S1-ish where clause: item.where(linkId = 'crpValue')
	f := lowerSrc(t, "Observation", "item.where(linkId = 'crpValue')")
	found := false
	for _, tbl := range f.Tables {
		if strings.Contains(tbl.SQLText, "WHERE") && strings.Contains(tbl.SQLText, "SELECT * FROM UNNEST(r.item)") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a lateral table wrapping the filtered subquery, got %v", f.Tables)
	}
}

func TestLowerSplitPathNegativeIndex(t *testing.T) {
	// S7
	f := lowerSrc(t, "Patient", "id._splitPath(-1)")
	if !strings.Contains(f.Expr, "string_split(r.id, '/')[(-1)]") {
		t.Fatalf("got %q", f.Expr)
	}
}

func TestLowerInvoke(t *testing.T) {
	// S5
	f := lowerSrc(t, "Patient", "id._invoke('upper')")
	if f.Expr != "upper(r.id)" {
		t.Fatalf("got %q", f.Expr)
	}
}

func TestLowerLiteralEscaping(t *testing.T) {
	f := lowerSrc(t, "Patient", `'o\'reilly'`)
	if f.Expr != `'o''reilly'` {
		t.Fatalf("got %q", f.Expr)
	}
}
