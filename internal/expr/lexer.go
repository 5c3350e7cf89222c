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

package expr

import (
	"strings"

	"github.com/pkg/errors"
)

// tokenKind identifies a lexical token of the expression language.
type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdentifier
	tokBinConst
	tokHexConst
	tokDecConst
	tokFltConst
	tokString
	tokWhen

	// multi-character operators
	tokAnd // &&
	tokOr  // ||
	tokEq  // ==
	tokNe  // !=
	tokLeq // <=
	tokGeq // >=

	// single-character literals use their own kind
	tokPunct
)

// token is one lexical token. Text carries the raw spelling; for
// strings it is the content between the quotes with escape sequences
// left intact.
type token struct {
	kind  tokenKind
	text  string
	punct byte // set for tokPunct
}

// lexer splits an expression into tokens.
type lexer struct {
	src string
	pos int
}

const punctuation = "()*/%+-,<>!?:."

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdent(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// next returns the next token.
func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == ' ' || c == '\t' || c == '\n' {
			l.pos++
			continue
		}
		break
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF}, nil
	}

	c := l.src[l.pos]
	switch {
	case isIdentStart(c):
		start := l.pos
		for l.pos < len(l.src) && isIdent(l.src[l.pos]) {
			l.pos++
		}
		text := l.src[start:l.pos]
		if strings.EqualFold(text, "when") {
			return token{kind: tokWhen, text: text}, nil
		}
		return token{kind: tokIdentifier, text: text}, nil

	case isDigit(c):
		return l.number()

	case c == '.':
		if l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1]) {
			return l.number()
		}
		l.pos++
		return token{kind: tokPunct, punct: '.'}, nil

	case c == '"' || c == '\'':
		return l.stringLit(c)
	}

	// two-character operators
	if l.pos+1 < len(l.src) {
		switch l.src[l.pos : l.pos+2] {
		case "&&":
			l.pos += 2
			return token{kind: tokAnd}, nil
		case "||":
			l.pos += 2
			return token{kind: tokOr}, nil
		case "==":
			l.pos += 2
			return token{kind: tokEq}, nil
		case "!=":
			l.pos += 2
			return token{kind: tokNe}, nil
		case "<=":
			l.pos += 2
			return token{kind: tokLeq}, nil
		case ">=":
			l.pos += 2
			return token{kind: tokGeq}, nil
		}
	}

	if strings.IndexByte(punctuation, c) >= 0 {
		l.pos++
		return token{kind: tokPunct, punct: c}, nil
	}
	return token{}, errors.Errorf("unable to split expression into tokens at %q", l.src[l.pos:])
}

// number scans binary, hex, decimal, and floating constants.
func (l *lexer) number() (token, error) {
	start := l.pos
	src := l.src

	// 0b... and 0x... prefixes
	if src[l.pos] == '0' && l.pos+1 < len(src) {
		switch src[l.pos+1] {
		case 'b', 'B':
			l.pos += 2
			digits := l.pos
			for l.pos < len(src) && (src[l.pos] == '0' || src[l.pos] == '1') {
				l.pos++
			}
			if l.pos == digits {
				return token{}, errors.New("malformed binary constant")
			}
			return token{kind: tokBinConst, text: src[start:l.pos]}, nil
		case 'x', 'X':
			l.pos += 2
			digits := l.pos
			for l.pos < len(src) && isHexDigit(src[l.pos]) {
				l.pos++
			}
			if l.pos == digits {
				return token{}, errors.New("malformed hex constant")
			}
			return token{kind: tokHexConst, text: src[start:l.pos]}, nil
		}
	}

	isFloat := false
	for l.pos < len(src) && isDigit(src[l.pos]) {
		l.pos++
	}
	if l.pos < len(src) && src[l.pos] == '.' {
		isFloat = true
		l.pos++
		for l.pos < len(src) && isDigit(src[l.pos]) {
			l.pos++
		}
	}
	if l.pos < len(src) && (src[l.pos] == 'e' || src[l.pos] == 'E') {
		mark := l.pos
		l.pos++
		if l.pos < len(src) && (src[l.pos] == '+' || src[l.pos] == '-') {
			l.pos++
		}
		if l.pos < len(src) && isDigit(src[l.pos]) {
			isFloat = true
			for l.pos < len(src) && isDigit(src[l.pos]) {
				l.pos++
			}
		} else {
			// not an exponent after all; 'e' starts the next token
			l.pos = mark
		}
	}
	kind := tokDecConst
	if isFloat {
		kind = tokFltConst
	}
	return token{kind: kind, text: src[start:l.pos]}, nil
}

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// stringLit scans a quoted literal. A backslash protects the next
// character from terminating the string but is retained in the text:
// escape sequences are not interpreted.
func (l *lexer) stringLit(quote byte) (token, error) {
	l.pos++ // opening quote
	start := l.pos
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\\' && l.pos+1 < len(l.src) {
			l.pos += 2
			continue
		}
		if c == quote {
			text := l.src[start:l.pos]
			l.pos++
			return token{kind: tokString, text: text}, nil
		}
		l.pos++
	}
	return token{}, errors.New("unterminated string literal")
}
