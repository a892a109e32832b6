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

// Command flatquack compiles a SQL-on-FHIR ViewDefinition against a
// FHIR schema document into DuckDB SQL.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/flatquack/flatquack"
	"github.com/flatquack/flatquack/internal/fhirpath/ast"
	"github.com/flatquack/flatquack/internal/fhirschema"
)

var (
	dashSchema string
	dashVars   string
	dashSQL    bool
	dashCols   bool
	dashIn     bool
	dashOut    string
)

func init() {
	flag.StringVar(&dashSchema, "schema", "", "FHIR schema document (JSON or YAML)")
	flag.StringVar(&dashVars, "vars", "", "file holding a JSON object of userVars made available as %name")
	flag.BoolVar(&dashSQL, "sql", false, "print the generated SQL (the default output when neither -cols nor -input-schema is given)")
	flag.BoolVar(&dashCols, "cols", false, "print only the columnList as JSON")
	flag.BoolVar(&dashIn, "input-schema", false, "print only the inputSchema struct definition")
	flag.StringVar(&dashOut, "o", "", "file for output (default stdout)")
	flag.Usage = printHelp
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `usage: flatquack -schema <file> [flags] <viewdefinition.json> [...]

Each positional argument is a ViewDefinition document (JSON or YAML).
Every file is compiled independently against the same schema and
userVars; results are printed to stdout (or -o) in the order given.

flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Parse()
	if dashSchema == "" || flag.NArg() == 0 {
		printHelp()
		os.Exit(2)
	}

	schemaBytes, err := os.ReadFile(dashSchema)
	if err != nil {
		log.Fatalf("reading schema: %s", err)
	}
	schema, err := flatquack.LoadSchema(schemaBytes)
	if err != nil {
		log.Fatalf("parsing schema %s: %s", dashSchema, err)
	}

	userVars, err := loadVars(dashVars)
	if err != nil {
		log.Fatalf("parsing -vars: %s", err)
	}

	dst := io.Writer(os.Stdout)
	if dashOut != "" {
		f, err := os.Create(dashOut)
		if err != nil {
			log.Fatalf("creating %s: %s", dashOut, err)
		}
		defer f.Close()
		dst = f
	}

	args, err := expandArgs(flag.Args())
	if err != nil {
		log.Fatalf("expanding arguments: %s", err)
	}

	for _, path := range args {
		if err := compileOne(dst, path, schema, userVars); err != nil {
			log.Fatalf("%s: %s", path, err)
		}
	}
}

// expandArgs expands shell-style glob patterns that a caller's shell
// left unexpanded (e.g. inside a quoted Makefile variable).
func expandArgs(args []string) ([]string, error) {
	var out []string
	for _, a := range args {
		matches, err := filepath.Glob(a)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			out = append(out, a)
			continue
		}
		out = append(out, matches...)
	}
	return out, nil
}

func loadVars(path string) (map[string]flatquack.ScalarLiteral, error) {
	out := map[string]flatquack.ScalarLiteral{}
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	for name, v := range raw {
		lit, err := literalFromJSON(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = lit
	}
	return out, nil
}

func literalFromJSON(v any) (flatquack.ScalarLiteral, error) {
	switch t := v.(type) {
	case string:
		return flatquack.ScalarLiteral{Kind: ast.ScalarString, Str: t}, nil
	case bool:
		return flatquack.ScalarLiteral{Kind: ast.ScalarBoolean, Bool: t}, nil
	case float64:
		if t == float64(int64(t)) {
			return flatquack.ScalarLiteral{Kind: ast.ScalarInteger, Int: int64(t)}, nil
		}
		return flatquack.ScalarLiteral{Kind: ast.ScalarDecimal, Dec: t}, nil
	default:
		return flatquack.ScalarLiteral{}, fmt.Errorf("unsupported userVars value %T", v)
	}
}

func compileOne(dst io.Writer, path string, schema *fhirschema.Schema, userVars map[string]flatquack.ScalarLiteral) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	view, err := flatquack.LoadView(data)
	if err != nil {
		return err
	}
	res, err := flatquack.Compile(view, schema, userVars)
	if err != nil {
		return err
	}
	for _, d := range res.Diagnostics {
		fmt.Fprintf(os.Stderr, "%s: %s\n", path, d.String())
	}

	header := fmt.Sprintf("-- %s (compile %s)\n", strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), res.CompileID)
	switch {
	case dashCols:
		enc := json.NewEncoder(dst)
		enc.SetIndent("", "  ")
		return enc.Encode(res.ColumnList)
	case dashIn:
		_, err := fmt.Fprintln(dst, res.InputSchema)
		return err
	default:
		_, err := fmt.Fprintf(dst, "%s%s\n", header, res.SQL)
		return err
	}
}
