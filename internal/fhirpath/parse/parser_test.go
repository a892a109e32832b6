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

package parse

import (
	"testing"

	"github.com/flatquack/flatquack/internal/fhirpath/ast"
)

func TestParseShapes(t *testing.T) {
	tests := []struct {
		src      string
		wantName string // Name of the root node, when it is an *ast.Identifier
	}{
		{"name.family", "family"},
		{"id", "id"},
		{"a.b.c", "c"},
		{"item.where(linkId = 'crpValue').answer.valueDecimal", "valueDecimal"},
		{"link.other.reference._splitPath(-1)", ""},
		{"_unionAll(address.postalCode, contact.address.postalCode)", ""},
		{"a = 1 and b != 2 or not c", ""},
	}
	for _, tc := range tests {
		n, err := Parse(tc.src)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tc.src, err)
		}
		if n == nil {
			t.Fatalf("%q: nil AST", tc.src)
		}
		if tc.wantName != "" {
			id, ok := n.(*ast.Identifier)
			if !ok || id.Name != tc.wantName {
				t.Errorf("%q: got %v, want root identifier %q", tc.src, n, tc.wantName)
			}
		}
	}
}

func TestParseRoundTripStability(t *testing.T) {
	// Parser totality / stable round-trip: printing and re-parsing
	// the AST yields an equal shape (spec.md §8, property 1).
	srcs := []string{
		"name.family",
		"name.where(use = 'official').family",
		"_forEach(_col('a', a), _col_collection('b', b))",
		"a.b[0].c",
		"-a + b * (c - d)",
	}
	for _, src := range srcs {
		n1, err := Parse(src)
		if err != nil {
			t.Fatalf("%q: %v", src, err)
		}
		printed := n1.String()
		n2, err := Parse(printed)
		if err != nil {
			t.Fatalf("re-parsing printed form %q (from %q) failed: %v", printed, src, err)
		}
		if n2.String() != printed {
			t.Fatalf("round-trip unstable: %q -> %q -> %q", src, printed, n2.String())
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []string{
		"",
		"a.",
		"a..b",
		"(a",
		"a[1",
		"a = = b",
		"_forEach(",
		"a b",
	}
	for _, src := range tests {
		if _, err := Parse(src); err == nil {
			t.Errorf("%q: expected parse error, got none", src)
		}
	}
}

func TestParseFunctionChainShape(t *testing.T) {
	n, err := Parse("name.where(use = 'official').family")
	if err != nil {
		t.Fatal(err)
	}
	id, ok := n.(*ast.Identifier)
	if !ok {
		t.Fatalf("expected *ast.Identifier at top, got %T", n)
	}
	if id.Name != "family" {
		t.Fatalf("got %q", id.Name)
	}
}

func TestParseTopLevelInvocationHasNilReceiver(t *testing.T) {
	n, err := Parse("_unionAll(a, b)")
	if err != nil {
		t.Fatal(err)
	}
	inv, ok := n.(*ast.Invocation)
	if !ok {
		t.Fatalf("expected *ast.Invocation, got %T", n)
	}
	if inv.Receiver != nil {
		t.Fatalf("expected nil receiver for top-level call, got %v", inv.Receiver)
	}
	if len(inv.Args) != 2 {
		t.Fatalf("expected 2 args, got %d", len(inv.Args))
	}
}
