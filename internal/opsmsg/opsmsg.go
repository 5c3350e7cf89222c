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

// Package opsmsg parses the operations reply message grammar:
//
//	program.user cmdNum actor code [keyword[=value[,value...]];...]
//
// String values may be double-quoted with backslash escapes; quoted
// values may embed spaces, commas, and semicolons.
package opsmsg

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseError marks a line that does not match the reply grammar. Such
// lines are still archived raw, but produce no header row.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return "parse error: " + e.Reason
}

// MsgCodes are the recognized reply severity codes.
const MsgCodes = ">iIwW:fF!"

// Header is the fixed prefix of every reply message.
type Header struct {
	Program string
	User    string
	CmdNum  uint32
	Actor   string
	Code    byte
}

// Keyword is one structured element of a reply: a name plus zero or
// more raw (undecoded) values.
type Keyword struct {
	Name   string
	Values []string
}

// Reply is a parsed reply message.
type Reply struct {
	Header   Header
	Keywords []Keyword
}

// ParseReply parses one reply line.
func ParseReply(line string) (*Reply, error) {
	fail := func(reason string) (*Reply, error) {
		return nil, errors.WithStack(&ParseError{Line: line, Reason: reason})
	}

	rest := strings.TrimLeft(line, " ")
	commander, rest, ok := cutField(rest)
	if !ok {
		return fail("missing commander field")
	}
	// The commander is program.user; the program may be empty (the hub
	// itself sends ".hub").
	program, user, found := strings.Cut(commander, ".")
	if !found {
		return fail("commander is not of the form program.user")
	}

	cmdNumField, rest, ok := cutField(rest)
	if !ok {
		return fail("missing command number")
	}
	cmdNum, err := strconv.ParseUint(cmdNumField, 10, 32)
	if err != nil {
		return fail("invalid command number: " + cmdNumField)
	}

	actor, rest, ok := cutField(rest)
	if !ok {
		return fail("missing actor field")
	}

	codeField, rest, ok := cutField(rest)
	if !ok {
		return fail("missing message code")
	}
	if len(codeField) != 1 || !strings.ContainsRune(MsgCodes, rune(codeField[0])) {
		return fail("invalid message code: " + codeField)
	}

	keywords, err := parseKeywords(rest)
	if err != nil {
		return fail(err.Error())
	}

	return &Reply{
		Header: Header{
			Program: program,
			User:    user,
			CmdNum:  uint32(cmdNum),
			Actor:   actor,
			Code:    codeField[0],
		},
		Keywords: keywords,
	}, nil
}

// cutField splits off the next space-delimited field.
func cutField(s string) (field, rest string, ok bool) {
	s = strings.TrimLeft(s, " ")
	if s == "" {
		return "", "", false
	}
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i], s[i+1:], true
	}
	return s, "", true
}

// parseKeywords scans the keyword section: semicolon-separated
// keywords, each name[=value[,value...]]. Quotes protect separators.
func parseKeywords(s string) ([]Keyword, error) {
	var out []Keyword
	for _, clause := range splitOutsideQuotes(s, ';') {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		name, valueText, hasValues := strings.Cut(clause, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, errors.New("empty keyword name")
		}
		kw := Keyword{Name: name}
		if hasValues {
			for _, raw := range splitOutsideQuotes(valueText, ',') {
				value, err := Unquote(strings.TrimSpace(raw))
				if err != nil {
					return nil, err
				}
				kw.Values = append(kw.Values, value)
			}
		}
		out = append(out, kw)
	}
	return out, nil
}

// splitOutsideQuotes splits on sep, ignoring separators inside single-
// or double-quoted runs. Backslash escapes the next character inside a
// quoted run.
func splitOutsideQuotes(s string, sep byte) []string {
	var parts []string
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' && i+1 < len(s) {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == sep:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// Unquote strips matching single or double quotes from a value and
// resolves backslash escapes. Unquoted values pass through unchanged.
func Unquote(s string) (string, error) {
	if len(s) < 2 || (s[0] != '"' && s[0] != '\'') {
		return s, nil
	}
	quote := s[0]
	if s[len(s)-1] != quote {
		return "", errors.Errorf("unterminated string: %s", s)
	}
	body := s[1 : len(s)-1]
	if !strings.ContainsRune(body, '\\') {
		return body, nil
	}
	var b strings.Builder
	for i := 0; i < len(body); i++ {
		if body[i] == '\\' && i+1 < len(body) {
			i++
		}
		b.WriteByte(body[i])
	}
	return b.String(), nil
}

// SplitCommand tokenizes a command line into whitespace-separated
// words, honoring single- and double-quoted arguments so expression
// text and help strings can embed spaces.
func SplitCommand(s string) ([]string, error) {
	var words []string
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= len(s) {
			break
		}
		if s[i] == '"' || s[i] == '\'' {
			quote := s[i]
			j := i + 1
			var b strings.Builder
			for j < len(s) && s[j] != quote {
				if s[j] == '\\' && j+1 < len(s) {
					j++
				}
				b.WriteByte(s[j])
				j++
			}
			if j >= len(s) {
				return nil, errors.New("unterminated quoted argument")
			}
			words = append(words, b.String())
			i = j + 1
			continue
		}
		j := i
		for j < len(s) && s[j] != ' ' && s[j] != '\t' {
			j++
		}
		words = append(words, s[i:j])
		i = j
	}
	return words, nil
}
