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

// Package parse implements the FHIRPath precedence-climbing parser
// described in spec.md §4.1: a left-associative, recursive-descent
// grammar over the tokens produced by package fhirpath, built without
// a parser generator because the restricted grammar is small (unlike
// the teacher's full PartiQL grammar, which needs goyacc).
package parse

import (
	"fmt"

	"github.com/flatquack/flatquack/internal/fhirpath"
	"github.com/flatquack/flatquack/internal/fhirpath/ast"
)

// ParseError is returned when the token stream cannot be parsed; it
// carries the offending token's source offset. The parser fails on
// the first error and does not attempt recovery (spec.md §4.1).
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("fhirpath: parse error at offset %d: %s", e.Pos, e.Msg)
}

// Parse tokenizes and parses a single FHIRPath expression, returning
// its AST root.
func Parse(src string) (ast.Node, error) {
	toks, err := fhirpath.NewLexer(src).All()
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.atEnd() {
		return nil, p.errorf("unexpected trailing input %q", p.peek().Lexeme)
	}
	return n, nil
}

type parser struct {
	toks []fhirpath.Token
	pos  int
}

func (p *parser) atEnd() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() fhirpath.Token {
	if p.atEnd() {
		return fhirpath.Token{Kind: fhirpath.EOF}
	}
	return p.toks[p.pos]
}

func (p *parser) peekKind() fhirpath.Kind { return p.peek().Kind }

func (p *parser) advance() fhirpath.Token {
	t := p.peek()
	if !p.atEnd() {
		p.pos++
	}
	return t
}

func (p *parser) errorf(f string, args ...any) error {
	return &ParseError{Pos: p.peek().Pos, Msg: fmt.Sprintf(f, args...)}
}

func (p *parser) expect(k fhirpath.Kind) (fhirpath.Token, error) {
	if p.peekKind() != k {
		return fhirpath.Token{}, p.errorf("expected %s, got %s", k, p.peekKind())
	}
	return p.advance(), nil
}

// expr := or_expr
func (p *parser) parseExpr() (ast.Node, error) {
	return p.parseOr()
}

// or_expr := and_expr ('or' and_expr)*
func (p *parser) parseOr() (ast.Node, error) {
	lhs, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peekKind() == fhirpath.KwOr {
		pos := p.advance().Pos
		rhs, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		lhs = ast.NewBinaryOp(pos, ast.OpOr, lhs, rhs)
	}
	return lhs, nil
}

// and_expr := cmp_expr ('and' cmp_expr)*
func (p *parser) parseAnd() (ast.Node, error) {
	lhs, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for p.peekKind() == fhirpath.KwAnd {
		pos := p.advance().Pos
		rhs, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		lhs = ast.NewBinaryOp(pos, ast.OpAnd, lhs, rhs)
	}
	return lhs, nil
}

var cmpOps = map[fhirpath.Kind]ast.BinOp{
	fhirpath.Eq:  ast.OpEq,
	fhirpath.Neq: ast.OpNeq,
	fhirpath.Lt:  ast.OpLt,
	fhirpath.Gt:  ast.OpGt,
	fhirpath.Le:  ast.OpLe,
	fhirpath.Ge:  ast.OpGe,
	fhirpath.KwIn: ast.OpIn,
}

// cmp_expr := add_expr (('='|'!='|'<'|'>'|'<='|'>='|'in') add_expr)?
func (p *parser) parseCmp() (ast.Node, error) {
	lhs, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	if op, ok := cmpOps[p.peekKind()]; ok {
		pos := p.advance().Pos
		rhs, err := p.parseAdd()
		if err != nil {
			return nil, err
		}
		return ast.NewBinaryOp(pos, op, lhs, rhs), nil
	}
	return lhs, nil
}

// add_expr := mul_expr (('+'|'-') mul_expr)*
func (p *parser) parseAdd() (ast.Node, error) {
	lhs, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for {
		var op ast.BinOp
		switch p.peekKind() {
		case fhirpath.Plus:
			op = ast.OpAdd
		case fhirpath.Minus:
			op = ast.OpSub
		default:
			return lhs, nil
		}
		pos := p.advance().Pos
		rhs, err := p.parseMul()
		if err != nil {
			return nil, err
		}
		lhs = ast.NewBinaryOp(pos, op, lhs, rhs)
	}
}

// mul_expr := unary (('*'|'/') unary)*
func (p *parser) parseMul() (ast.Node, error) {
	lhs, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var op ast.BinOp
		switch p.peekKind() {
		case fhirpath.Star:
			op = ast.OpMul
		case fhirpath.Slash:
			op = ast.OpDiv
		default:
			return lhs, nil
		}
		pos := p.advance().Pos
		rhs, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		lhs = ast.NewBinaryOp(pos, op, lhs, rhs)
	}
}

// unary := ('-'|'not')? postfix
func (p *parser) parseUnary() (ast.Node, error) {
	switch p.peekKind() {
	case fhirpath.Minus:
		pos := p.advance().Pos
		operand, err := p.parsePostfix()
		if err != nil {
			return nil, err
		}
		return ast.NewUnaryOp(pos, ast.UnNeg, operand), nil
	case fhirpath.KwNot:
		pos := p.advance().Pos
		operand, err := p.parsePostfix()
		if err != nil {
			return nil, err
		}
		return ast.NewUnaryOp(pos, ast.UnNot, operand), nil
	default:
		return p.parsePostfix()
	}
}

// postfix := primary ( '.' invocation | '[' expr ']' )*
func (p *parser) parsePostfix() (ast.Node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peekKind() {
		case fhirpath.Dot:
			p.advance()
			n, err = p.parseInvocation(n)
			if err != nil {
				return nil, err
			}
		case fhirpath.LBracket:
			pos := p.advance().Pos
			idx, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(fhirpath.RBracket); err != nil {
				return nil, err
			}
			n = ast.NewIndexer(pos, n, idx)
		default:
			return n, nil
		}
	}
}

// invocation := IDENT ( '(' arglist? ')' )?
// Called with the receiver already parsed; parses "name" or
// "name(args...)" and attaches it as an Identifier step or Invocation.
func (p *parser) parseInvocation(receiver ast.Node) (ast.Node, error) {
	id, err := p.expect(fhirpath.Ident)
	if err != nil {
		return nil, err
	}
	if p.peekKind() != fhirpath.LParen {
		return ast.NewIdentifier(id.Pos, id.Lexeme).Chain(receiver), nil
	}
	args, err := p.parseArgList()
	if err != nil {
		return nil, err
	}
	return ast.NewInvocation(id.Pos, receiver, id.Lexeme, args), nil
}

// parseArgList parses a parenthesized, possibly-empty, comma
// separated argument list, assuming the next token is '('.
func (p *parser) parseArgList() ([]ast.Node, error) {
	if _, err := p.expect(fhirpath.LParen); err != nil {
		return nil, err
	}
	var args []ast.Node
	if p.peekKind() == fhirpath.RParen {
		p.advance()
		return args, nil
	}
	for {
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.peekKind() == fhirpath.Comma {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expect(fhirpath.RParen); err != nil {
		return nil, err
	}
	return args, nil
}

// primary := literal | '$this' | '%' IDENT | IDENT | '(' expr ')'
//          | IDENT '(' arglist? ')'
func (p *parser) parsePrimary() (ast.Node, error) {
	tok := p.peek()
	switch tok.Kind {
	case fhirpath.Number:
		p.advance()
		typ := ast.ScalarInteger
		for i := 0; i < len(tok.Lexeme); i++ {
			if tok.Lexeme[i] == '.' {
				typ = ast.ScalarDecimal
				break
			}
		}
		return ast.NewLiteral(tok.Pos, tok.Lexeme, typ), nil
	case fhirpath.String:
		p.advance()
		return ast.NewLiteral(tok.Pos, tok.Lexeme, ast.ScalarString), nil
	case fhirpath.Boolean:
		p.advance()
		return ast.NewLiteral(tok.Pos, tok.Lexeme, ast.ScalarBoolean), nil
	case fhirpath.ThisRef:
		p.advance()
		return ast.NewThisRef(tok.Pos), nil
	case fhirpath.VarRef:
		p.advance()
		return ast.NewVariable(tok.Pos, tok.Lexeme), nil
	case fhirpath.LParen:
		p.advance()
		n, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(fhirpath.RParen); err != nil {
			return nil, err
		}
		return n, nil
	case fhirpath.Ident:
		p.advance()
		if p.peekKind() == fhirpath.LParen {
			args, err := p.parseArgList()
			if err != nil {
				return nil, err
			}
			return ast.NewInvocation(tok.Pos, nil, tok.Lexeme, args), nil
		}
		return ast.NewIdentifier(tok.Pos, tok.Lexeme), nil
	default:
		return nil, p.errorf("unexpected token %s", tok.Kind)
	}
}
