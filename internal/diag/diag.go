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

// Package diag holds the compiler's error taxonomy (spec.md §6/§7),
// shared by every pipeline stage so that errors surfaced through the
// public flatquack.Compile entry point all carry the same shape,
// mirroring the teacher's *TypeError/*SyntaxError convention in
// expr/check.go but as a single closed Kind enum instead of two
// separate concrete types.
package diag

import "fmt"

// Kind is the taxonomy of compiler error kinds from spec.md §6.
type Kind int

const (
	_ Kind = iota
	ParseError
	UnknownElement
	InvalidChoice
	CardinalityMismatch
	InvokeParamNotLiteral
	UnsupportedFeature
	ExpressionTooDeep
)

var kindNames = map[Kind]string{
	ParseError:            "ParseError",
	UnknownElement:        "UnknownElement",
	InvalidChoice:         "InvalidChoice",
	CardinalityMismatch:   "CardinalityMismatch",
	InvokeParamNotLiteral: "InvokeParamNotLiteral",
	UnsupportedFeature:    "UnsupportedFeature",
	ExpressionTooDeep:     "ExpressionTooDeep",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Location pinpoints where an Error originated: either an offset
// within a FHIRPath expression string, or a path within the
// ViewDefinition JSON/YAML structure. Exactly one of Expression or
// ViewPath is populated.
type Location struct {
	Expression string // the FHIRPath source text, if derived from one
	Offset     int    // byte offset into Expression
	ViewPath   string // a dotted ViewDefinition path, e.g. "select[0].column[1].path"
}

func (l Location) String() string {
	if l.Expression != "" {
		return fmt.Sprintf("%q@%d", l.Expression, l.Offset)
	}
	if l.ViewPath != "" {
		return l.ViewPath
	}
	return "<unknown location>"
}

// Error is the single error type every FlatQuack compiler stage
// returns. All stages abort on the first Error (spec.md §4.5); no
// partial SQL is ever returned.
type Error struct {
	Kind     Kind
	Message  string
	Location Location
	Hint     string
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Location)
	if e.Hint != "" {
		s += " (hint: " + e.Hint + ")"
	}
	return s
}

// ErrAt builds an Error located at a span within a FHIRPath expression
// string, the constructor every stage uses once it has an
// ast.Node to report against (node.String(), node.Pos()).
func ErrAt(kind Kind, expression string, offset int, format string, args ...any) *Error {
	return &Error{
		Kind:     kind,
		Message:  fmt.Sprintf(format, args...),
		Location: Location{Expression: expression, Offset: offset},
	}
}

// ErrAtPath builds an Error located by a ViewDefinition structural
// path rather than an expression offset, for failures discovered
// before (or without) parsing a FHIRPath string, e.g. a malformed
// `select.column.path`.
func ErrAtPath(kind Kind, viewPath string, format string, args ...any) *Error {
	return &Error{
		Kind:     kind,
		Message:  fmt.Sprintf(format, args...),
		Location: Location{ViewPath: viewPath},
	}
}

// Errf builds a bare Error with no location, for failures that are
// not tied to any one FHIRPath expression or ViewDefinition path
// (e.g. a structural problem with the document as a whole).
func Errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithHint returns a copy of e with Hint set.
func (e *Error) WithHint(hint string) *Error {
	c := *e
	c.Hint = hint
	return &c
}

// Combine merges multiple Errors discovered while validating a
// construct that can be invalid in more than one independent way
// (spec.md §7 / SPEC_FULL §1: compilation still aborts on the first
// *fatal* problem, but a stage may gather every problem found during
// one pass over, e.g., a _unionAll's operand list before reporting),
// modeled on expr/check.go's combine. The first Error's Kind and
// Location are kept; its Message absorbs how many others were found.
func Combine(errs []*Error) *Error {
	if len(errs) == 1 {
		return errs[0]
	}
	c := *errs[0]
	c.Message = fmt.Sprintf("%s (and %d other error(s))", c.Message, len(errs)-1)
	return &c
}

// DiagnosticKind tags a Diagnostic's category. Kept separate from Kind
// (the fatal CompileError taxonomy of spec.md §6) since a Diagnostic
// never aborts compilation and shouldn't be mistaken for one of that
// enum's values.
type DiagnosticKind int

const (
	_ DiagnosticKind = iota
	// HintMismatch: a declared column.type/column.collection hint
	// disagrees with the resolver's inferred type (SPEC_FULL §4).
	HintMismatch
)

func (k DiagnosticKind) String() string {
	if k == HintMismatch {
		return "HintMismatch"
	}
	return fmt.Sprintf("DiagnosticKind(%d)", int(k))
}

// Diagnostic is a non-fatal observation surfaced alongside a
// successful compilation (SPEC_FULL §4: declared `column.type`/
// `column.collection` hints that disagree with the resolver's
// inferred type are reported this way rather than aborting
// compilation, since ViewDefinition authors commonly let such
// hints drift from the path's actual resolved type).
type Diagnostic struct {
	Kind     DiagnosticKind
	Message  string
	Location Location
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s (%s)", d.Kind, d.Message, d.Location)
}

// DiagAtPath builds a Diagnostic located by a ViewDefinition
// structural path.
func DiagAtPath(kind DiagnosticKind, viewPath string, format string, args ...any) Diagnostic {
	return Diagnostic{Kind: kind, Message: fmt.Sprintf(format, args...), Location: Location{ViewPath: viewPath}}
}
