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
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Kind discriminates the node variants of an expression DAG.
type Kind int

// The node variants.
const (
	KindConstant Kind = iota
	KindIdentifier
	KindKeyValue
	KindUnary
	KindBinary
	KindConditional
	KindCall
	KindWhen
)

// A Ref identifies which value of a keyword a leaf reads: a member
// name as written in the expression, or a positional index resolved
// against the keyword's column list.
type Ref struct {
	Name  string
	Index int // -1 until resolved
}

// Values carries one keyword update, addressable by member name or by
// resolved position.
type Values struct {
	Named map[string]any
	List  []any
}

func (v Values) get(ref Ref) (any, error) {
	if ref.Index >= 0 {
		if ref.Index >= len(v.List) {
			return nil, errors.Errorf("invalid value item: %d", ref.Index)
		}
		return v.List[ref.Index], nil
	}
	if ref.Name != "" {
		if v.Named != nil {
			if val, ok := v.Named[ref.Name]; ok {
				return val, nil
			}
		}
		return nil, errors.Errorf("invalid value item: %s", ref.Name)
	}
	if len(v.List) > 0 {
		return v.List[0], nil
	}
	return nil, errors.New("invalid value item: no values")
}

// A Node is one vertex of an expression DAG. Nodes carry a current
// value (nil when not evaluable) and the sorted set of keyword tags
// their subtree depends on; updates for other tags short-circuit.
type Node struct {
	Kind     Kind
	Value    any
	Children []*Node

	// Const holds the literal of a KindConstant node.
	Const any
	// Name is the identifier or function name.
	Name string
	// Op is the operator spelling of unary and binary nodes.
	Op string
	// Tag is the lowercase actor.keyword identity of a KindKeyValue
	// node.
	Tag string
	// Ref selects the keyword value a KindKeyValue node reads.
	Ref Ref

	watch []string
}

// WatchSet returns the sorted keyword tags this node depends on.
func (n *Node) WatchSet() []string { return n.watch }

// Walk visits the DAG depth-first, children before parents.
func (n *Node) Walk(fn func(*Node)) {
	for _, c := range n.Children {
		c.Walk(fn)
	}
	fn(n)
}

func (n *Node) watches(tag string) bool {
	i := sort.SearchStrings(n.watch, tag)
	return i < len(n.watch) && n.watch[i] == tag
}

// mergeWatch unions two sorted tag sets.
func mergeWatch(a, b []string) []string {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] > b[j]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// addChildren attaches children and unions their watch sets.
func (n *Node) addChildren(children ...*Node) {
	for _, c := range children {
		n.Children = append(n.Children, c)
		n.watch = mergeWatch(n.watch, c.watch)
	}
}

// Update applies one keyword update to the DAG, returning whether the
// node's value changed. Updates for tags outside the watch set are
// ignored without descending.
func (n *Node) Update(tag string, values Values) (bool, error) {
	tag = strings.ToLower(tag)
	switch n.Kind {
	case KindKeyValue:
		if tag != n.Tag {
			return false, nil
		}
		v, err := values.get(n.Ref)
		if err != nil {
			return false, err
		}
		n.Value = v
		return true, nil

	case KindWhen:
		return n.updateWhen(tag, values)

	default:
		if !n.watches(tag) {
			return false, nil
		}
		changed := false
		for _, c := range n.Children {
			childChanged, err := c.Update(tag, values)
			if err != nil {
				return false, err
			}
			if childChanged {
				changed = true
			}
		}
		if changed {
			if err := n.evaluate(); err != nil {
				return false, err
			}
		}
		return changed, nil
	}
}

// updateWhen implements the latch: when the condition transitions to
// true, the current value of the guarded expression is captured; while
// it stays true, value changes pass through; otherwise the last
// latched value is retained.
func (n *Node) updateWhen(tag string, values Values) (bool, error) {
	valueChanged, err := n.Children[0].Update(tag, values)
	if err != nil {
		return false, err
	}
	changed := valueChanged
	if len(n.Children) > 1 {
		cond := n.Children[1]
		condChanged, err := cond.Update(tag, values)
		if err != nil {
			return false, err
		}
		if condChanged {
			changed = truthy(cond.Value)
		} else if truthy(cond.Value) {
			changed = valueChanged
		} else {
			changed = false
		}
	}
	if changed {
		n.Value = n.Children[0].Value
	}
	return changed, nil
}

// evaluate recomputes the node's value from its children. Arithmetic
// and logical nodes require every child to carry a value; otherwise
// the result is nil.
func (n *Node) evaluate() error {
	switch n.Kind {
	case KindConstant, KindIdentifier, KindKeyValue:
		return nil
	case KindWhen:
		if len(n.Children) == 1 || truthy(n.Children[1].Value) {
			n.Value = n.Children[0].Value
		}
		return nil
	}

	n.Value = nil
	for _, c := range n.Children {
		if c.Value == nil {
			return nil
		}
	}

	var err error
	switch n.Kind {
	case KindUnary:
		n.Value, err = evalUnary(n.Op, n.Children[0].Value)
	case KindBinary:
		n.Value, err = evalBinary(n.Op, n.Children[0].Value, n.Children[1].Value)
	case KindConditional:
		if truthy(n.Children[0].Value) {
			n.Value = n.Children[1].Value
		} else {
			n.Value = n.Children[2].Value
		}
	case KindCall:
		args := make([]any, len(n.Children))
		for i, c := range n.Children {
			args[i] = c.Value
		}
		n.Value, err = call(n.Name, args)
	}
	if err != nil {
		return errors.Wrapf(err, "unable to evaluate %s", n)
	}
	return nil
}

// --- value semantics -------------------------------------------------

// truthy follows the conventional rules: false, zero, the empty
// string, and nil are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int64:
		return t != 0
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

// asNumber coerces numeric values, treating booleans as 0/1. The
// second result reports whether the value is integral.
func asNumber(v any) (f float64, i int64, isInt, ok bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), t, true, true
	case float64:
		return t, int64(t), false, true
	case bool:
		if t {
			return 1, 1, true, true
		}
		return 0, 0, true, true
	case int:
		return float64(t), int64(t), true, true
	default:
		return 0, 0, false, false
	}
}

func evalUnary(op string, v any) (any, error) {
	if op == "!" {
		return !truthy(v), nil
	}
	f, i, isInt, ok := asNumber(v)
	if !ok {
		return nil, errors.Errorf("operand of unary %s is not numeric", op)
	}
	switch op {
	case "+":
		if isInt {
			return i, nil
		}
		return f, nil
	case "-":
		if isInt {
			return -i, nil
		}
		return -f, nil
	}
	return nil, errors.Errorf("unknown unary operator: %s", op)
}

func evalBinary(op string, a, b any) (any, error) {
	switch op {
	case "&&":
		return truthy(a) && truthy(b), nil
	case "||":
		return truthy(a) || truthy(b), nil
	case "==", "!=":
		eq := valueEqual(a, b)
		if op == "!=" {
			eq = !eq
		}
		return eq, nil
	}

	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr || bIsStr {
		if !aIsStr || !bIsStr {
			return nil, errors.Errorf("operands of %s have mismatched types", op)
		}
		switch op {
		case "+":
			return as + bs, nil
		case "<":
			return as < bs, nil
		case ">":
			return as > bs, nil
		case "<=":
			return as <= bs, nil
		case ">=":
			return as >= bs, nil
		}
		return nil, errors.Errorf("operator %s is not defined on strings", op)
	}

	af, ai, aInt, aOK := asNumber(a)
	bf, bi, bInt, bOK := asNumber(b)
	if !aOK || !bOK {
		return nil, errors.Errorf("operands of %s are not numeric", op)
	}
	bothInt := aInt && bInt

	switch op {
	case "+":
		if bothInt {
			return ai + bi, nil
		}
		return af + bf, nil
	case "-":
		if bothInt {
			return ai - bi, nil
		}
		return af - bf, nil
	case "*":
		if bothInt {
			return ai * bi, nil
		}
		return af * bf, nil
	case "/":
		if bothInt {
			if bi == 0 {
				return nil, errors.New("integer division by zero")
			}
			return ai / bi, nil
		}
		return af / bf, nil
	case "%":
		if bothInt {
			if bi == 0 {
				return nil, errors.New("integer modulo by zero")
			}
			return ai % bi, nil
		}
		return math.Mod(af, bf), nil
	case "<":
		return af < bf, nil
	case ">":
		return af > bf, nil
	case "<=":
		return af <= bf, nil
	case ">=":
		return af >= bf, nil
	}
	return nil, errors.Errorf("unknown binary operator: %s", op)
}

// valueEqual compares across numeric kinds; strings compare only with
// strings.
func valueEqual(a, b any) bool {
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr || bIsStr {
		return aIsStr && bIsStr && as == bs
	}
	af, _, _, aOK := asNumber(a)
	bf, _, _, bOK := asNumber(b)
	if aOK && bOK {
		return af == bf
	}
	return a == b
}

// --- constructors ----------------------------------------------------

// NewConstant builds a literal node.
func NewConstant(v any) *Node {
	return &Node{Kind: KindConstant, Value: v, Const: v}
}

// identifiers is the set of named constants.
var identifiers = map[string]any{
	"e":     math.E,
	"pi":    math.Pi,
	"true":  true,
	"false": false,
}

// NewIdentifier builds a named-constant node.
func NewIdentifier(name string) (*Node, error) {
	v, ok := identifiers[name]
	if !ok {
		return nil, errors.Errorf("invalid identifier: %s", name)
	}
	return &Node{Kind: KindIdentifier, Name: name, Value: v}, nil
}

// NewKeyValue builds a keyword-reference leaf. The member may be
// empty, in which case the first value is used once resolved.
func NewKeyValue(actorName, keyName, member string) *Node {
	return &Node{
		Kind:  KindKeyValue,
		Name:  actorName + "." + keyName,
		Tag:   strings.ToLower(actorName) + "." + strings.ToLower(keyName),
		Ref:   Ref{Name: member, Index: -1},
		watch: []string{strings.ToLower(actorName) + "." + strings.ToLower(keyName)},
	}
}

// NewUnary builds a unary operator node.
func NewUnary(op string, arg *Node) (*Node, error) {
	n := &Node{Kind: KindUnary, Op: op}
	n.addChildren(arg)
	return n, n.evaluate()
}

// NewBinary builds a binary operator node.
func NewBinary(a *Node, op string, b *Node) (*Node, error) {
	n := &Node{Kind: KindBinary, Op: op}
	n.addChildren(a, b)
	return n, n.evaluate()
}

// NewConditional builds a C ? X : Y node.
func NewConditional(cond, trueExpr, falseExpr *Node) (*Node, error) {
	n := &Node{Kind: KindConditional}
	n.addChildren(cond, trueExpr, falseExpr)
	return n, n.evaluate()
}

// NewCall builds a function-call node.
func NewCall(name string, args []*Node) (*Node, error) {
	if !knownFunction(name) {
		return nil, errors.Errorf("unknown function: %s", name)
	}
	n := &Node{Kind: KindCall, Name: name}
	n.addChildren(args...)
	return n, n.evaluate()
}

// NewWhen builds the top-level X [when C] node.
func NewWhen(valueExpr, whenExpr *Node) *Node {
	n := &Node{Kind: KindWhen}
	if whenExpr != nil {
		n.addChildren(valueExpr, whenExpr)
	} else {
		n.addChildren(valueExpr)
	}
	_ = n.evaluate()
	return n
}

// --- serialization ---------------------------------------------------

// String renders the node back into expression text. Re-parsing the
// result yields an equivalent DAG.
func (n *Node) String() string {
	switch n.Kind {
	case KindConstant:
		return formatConstant(n.Const)
	case KindIdentifier:
		return n.Name
	case KindKeyValue:
		if n.Ref.Name != "" {
			return n.Name + "." + n.Ref.Name
		}
		return n.Name
	case KindUnary:
		return n.Op + "(" + n.Children[0].String() + ")"
	case KindBinary:
		return "(" + n.Children[0].String() + " " + n.Op + " " + n.Children[1].String() + ")"
	case KindConditional:
		return "(" + n.Children[0].String() + " ? " + n.Children[1].String() +
			" : " + n.Children[2].String() + ")"
	case KindCall:
		parts := make([]string, len(n.Children))
		for i, c := range n.Children {
			parts[i] = c.String()
		}
		return n.Name + "(" + strings.Join(parts, ",") + ")"
	case KindWhen:
		if len(n.Children) > 1 {
			return n.Children[0].String() + " when " + n.Children[1].String()
		}
		return n.Children[0].String()
	}
	return fmt.Sprintf("<invalid node %d>", n.Kind)
}

func formatConstant(v any) string {
	switch t := v.(type) {
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		s := strconv.FormatFloat(t, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s
	case string:
		if !strings.Contains(t, "'") {
			return "'" + t + "'"
		}
		return "\"" + t + "\""
	default:
		return fmt.Sprint(v)
	}
}
