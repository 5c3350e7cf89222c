// Copyright 2026 The ICS Archiver Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package expr parses the archiver's C-like expression language into a
// reactive DAG whose leaves reference keyword values, and propagates
// keyword updates through it.
//
// The operators, in descending precedence: unary + - !, then * / %,
// + -, < > <= >=, == !=, &&, ||, the conditional ?:, and a top-level
// `EXPR [when EXPR]` latch.
package expr

import (
	"strconv"

	"github.com/pkg/errors"
)

// Parse compiles an expression into its DAG. Constant subexpressions
// are evaluated during construction, so malformed calls surface here.
func Parse(src string) (*Node, error) {
	p := &parser{lex: lexer{src: src}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	value, err := p.expression()
	if err != nil {
		return nil, err
	}
	var when *Node
	if p.tok.kind == tokWhen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if when, err = p.expression(); err != nil {
			return nil, err
		}
	}
	if p.tok.kind != tokEOF {
		return nil, p.unexpected()
	}
	return NewWhen(value, when), nil
}

type parser struct {
	lex lexer
	tok token
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) unexpected() error {
	if p.tok.kind == tokEOF {
		return errors.New("unable to parse expression")
	}
	return errors.Errorf("unexpected token in expression: %s", p.describe())
}

func (p *parser) describe() string {
	switch p.tok.kind {
	case tokPunct:
		return string(p.tok.punct)
	case tokString:
		return strconv.Quote(p.tok.text)
	default:
		if p.tok.text != "" {
			return p.tok.text
		}
		return "operator"
	}
}

// accept consumes a punctuation token when it matches.
func (p *parser) accept(c byte) (bool, error) {
	if p.tok.kind == tokPunct && p.tok.punct == c {
		return true, p.advance()
	}
	return false, nil
}

func (p *parser) expect(c byte) error {
	ok, err := p.accept(c)
	if err != nil {
		return err
	}
	if !ok {
		return p.unexpected()
	}
	return nil
}

func (p *parser) expression() (*Node, error) {
	return p.conditional()
}

func (p *parser) conditional() (*Node, error) {
	cond, err := p.logicalOr()
	if err != nil {
		return nil, err
	}
	if ok, err := p.accept('?'); err != nil {
		return nil, err
	} else if !ok {
		return cond, nil
	}
	trueExpr, err := p.expression()
	if err != nil {
		return nil, err
	}
	if err := p.expect(':'); err != nil {
		return nil, err
	}
	falseExpr, err := p.conditional()
	if err != nil {
		return nil, err
	}
	return NewConditional(cond, trueExpr, falseExpr)
}

func (p *parser) logicalOr() (*Node, error) {
	left, err := p.logicalAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.logicalAnd()
		if err != nil {
			return nil, err
		}
		if left, err = NewBinary(left, "||", right); err != nil {
			return nil, err
		}
	}
	return left, nil
}

func (p *parser) logicalAnd() (*Node, error) {
	left, err := p.equality()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.equality()
		if err != nil {
			return nil, err
		}
		if left, err = NewBinary(left, "&&", right); err != nil {
			return nil, err
		}
	}
	return left, nil
}

func (p *parser) equality() (*Node, error) {
	left, err := p.relational()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokEq || p.tok.kind == tokNe {
		op := "=="
		if p.tok.kind == tokNe {
			op = "!="
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.relational()
		if err != nil {
			return nil, err
		}
		if left, err = NewBinary(left, op, right); err != nil {
			return nil, err
		}
	}
	return left, nil
}

func (p *parser) relationalOp() (string, bool) {
	switch {
	case p.tok.kind == tokLeq:
		return "<=", true
	case p.tok.kind == tokGeq:
		return ">=", true
	case p.tok.kind == tokPunct && p.tok.punct == '<':
		return "<", true
	case p.tok.kind == tokPunct && p.tok.punct == '>':
		return ">", true
	}
	return "", false
}

func (p *parser) relational() (*Node, error) {
	left, err := p.additive()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.relationalOp()
		if !ok {
			return left, nil
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.additive()
		if err != nil {
			return nil, err
		}
		if left, err = NewBinary(left, op, right); err != nil {
			return nil, err
		}
	}
}

func (p *parser) additive() (*Node, error) {
	left, err := p.multiplicative()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokPunct && (p.tok.punct == '+' || p.tok.punct == '-') {
		op := string(p.tok.punct)
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.multiplicative()
		if err != nil {
			return nil, err
		}
		if left, err = NewBinary(left, op, right); err != nil {
			return nil, err
		}
	}
	return left, nil
}

func (p *parser) multiplicative() (*Node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokPunct &&
		(p.tok.punct == '*' || p.tok.punct == '/' || p.tok.punct == '%') {
		op := string(p.tok.punct)
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		if left, err = NewBinary(left, op, right); err != nil {
			return nil, err
		}
	}
	return left, nil
}

func (p *parser) unary() (*Node, error) {
	if p.tok.kind == tokPunct &&
		(p.tok.punct == '+' || p.tok.punct == '-' || p.tok.punct == '!') {
		op := string(p.tok.punct)
		if err := p.advance(); err != nil {
			return nil, err
		}
		arg, err := p.unary()
		if err != nil {
			return nil, err
		}
		return NewUnary(op, arg)
	}
	return p.postfix()
}

// postfix handles primaries plus the two identifier-led forms:
// function calls and actor.keyword[.member] references.
func (p *parser) postfix() (*Node, error) {
	if p.tok.kind != tokIdentifier {
		return p.primary()
	}
	name := p.tok.text
	if err := p.advance(); err != nil {
		return nil, err
	}

	if ok, err := p.accept('('); err != nil {
		return nil, err
	} else if ok {
		args, err := p.argumentList()
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return NewCall(name, args)
	}

	if ok, err := p.accept('.'); err != nil {
		return nil, err
	} else if ok {
		if p.tok.kind != tokIdentifier {
			return nil, p.unexpected()
		}
		keyName := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		member := ""
		if ok, err := p.accept('.'); err != nil {
			return nil, err
		} else if ok {
			if p.tok.kind != tokIdentifier {
				return nil, p.unexpected()
			}
			member = p.tok.text
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		return NewKeyValue(name, keyName, member), nil
	}

	return NewIdentifier(name)
}

func (p *parser) argumentList() ([]*Node, error) {
	args := []*Node{}
	for {
		arg, err := p.expression()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if ok, err := p.accept(','); err != nil {
			return nil, err
		} else if !ok {
			return args, nil
		}
	}
}

func (p *parser) primary() (*Node, error) {
	switch p.tok.kind {
	case tokBinConst:
		n, err := strconv.ParseInt(p.tok.text[2:], 2, 64)
		if err != nil {
			return nil, errors.Wrap(err, "invalid binary constant")
		}
		return NewConstant(n), p.advance()
	case tokHexConst:
		n, err := strconv.ParseInt(p.tok.text[2:], 16, 64)
		if err != nil {
			return nil, errors.Wrap(err, "invalid hex constant")
		}
		return NewConstant(n), p.advance()
	case tokDecConst:
		n, err := strconv.ParseInt(p.tok.text, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "invalid decimal constant")
		}
		return NewConstant(n), p.advance()
	case tokFltConst:
		f, err := strconv.ParseFloat(p.tok.text, 64)
		if err != nil {
			return nil, errors.Wrap(err, "invalid float constant")
		}
		return NewConstant(f), p.advance()
	case tokString:
		return NewConstant(p.tok.text), p.advance()
	case tokPunct:
		if p.tok.punct == '(' {
			if err := p.advance(); err != nil {
				return nil, err
			}
			inner, err := p.expression()
			if err != nil {
				return nil, err
			}
			return inner, p.expect(')')
		}
	}
	return nil, p.unexpected()
}
