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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value parses an expression and returns its immediate value.
func value(t *testing.T, src string) any {
	t.Helper()
	n, err := Parse(src)
	require.NoError(t, err, "parse %q", src)
	return n.Value
}

func TestValidArithmeticExpressions(t *testing.T) {
	for _, src := range []string{
		"0B10101", "0xdeadbeef", "3.141e-0", "-1", "1+1", "1+-1", "1*2*3-4/5",
	} {
		_, err := Parse(src)
		assert.NoError(t, err, src)
	}
}

func TestInvalidArithmeticExpressions(t *testing.T) {
	for _, src := range []string{"-", ".1."} {
		_, err := Parse(src)
		assert.Error(t, err, src)
	}
}

func TestWhenExpressions(t *testing.T) {
	assert.Nil(t, value(t, "1 when 0"))
	assert.Equal(t, int64(1), value(t, "1 when 1"))

	// when binds only at the top level
	_, err := Parse("a where b where c")
	assert.Error(t, err)
	_, err = Parse("sin(1 when 2)")
	assert.Error(t, err)
	_, err = Parse("1 when 2 when 3")
	assert.Error(t, err)
}

func TestNumericConstants(t *testing.T) {
	assert.Equal(t, int64(123), value(t, "123"))
	assert.Equal(t, 1.23, value(t, "1.23"))
	assert.Equal(t, int64(0xdeadbeef), value(t, "0xdeadbeef"))
	assert.Equal(t, int64(13), value(t, "0B1101"))
}

func TestUnaryExpressions(t *testing.T) {
	assert.Equal(t, int64(-123), value(t, "-123"))
	assert.Equal(t, int64(123), value(t, "+123"))
	assert.Equal(t, int64(-123), value(t, "-+123"))
	assert.Equal(t, int64(-123), value(t, "-(+(123))"))
	assert.Equal(t, true, value(t, "!0"))
	assert.Equal(t, false, value(t, "!1"))
}

func TestParentheses(t *testing.T) {
	assert.Equal(t, int64(-123), value(t, "-(+(123))"))
	for _, src := range []string{"(1", "(1))", "()"} {
		_, err := Parse(src)
		assert.Error(t, err, src)
	}
}

func TestBinaryExpressions(t *testing.T) {
	assert.Equal(t, int64(2), value(t, "1+1"))
	assert.Equal(t, int64(0), value(t, "1+-1"))
	assert.Equal(t, int64(1), value(t, "9%2"))
	assert.Equal(t, int64(1), value(t, "1-1+1"))
	assert.Equal(t, int64(7), value(t, "1+2*3"))
	assert.Equal(t, int64(3), value(t, "(1+2*3)/2"))
	assert.Equal(t, 3.5, value(t, "(1+2*3)/2."))
}

func TestRelationalExpressions(t *testing.T) {
	assert.Equal(t, true, value(t, "1>0"))
	assert.Equal(t, true, value(t, "!!(1>0)"))
	assert.Nil(t, value(t, "1.23 when 1==0"))
	assert.Equal(t, 1.23, value(t, "1.23 when 1!=0"))
	assert.Equal(t, true, value(t, "0.9 >= -1"))
}

func TestLogicalExpressions(t *testing.T) {
	assert.Equal(t, true, value(t, "1 && 1"))
	assert.Equal(t, false, value(t, "1 && 0"))
	assert.Equal(t, true, value(t, "1 || 0"))
	assert.Equal(t, false, value(t, "0 || 0"))
}

func TestConditionalExpressions(t *testing.T) {
	assert.Equal(t, int64(2), value(t, "1 ? 2 : 3"))
	assert.Equal(t, int64(3), value(t, "0 ? 2 : 3"))
}

func TestFunctionCalls(t *testing.T) {
	assert.Equal(t, math.Sin(1.23), value(t, "sin(1.23)"))
	assert.Equal(t, math.Pi, value(t, "atan2(0,-1)"))
	_, err := Parse("sin(1,2)")
	assert.Error(t, err)
	_, err = Parse("atan2(0)")
	assert.Error(t, err)
}

func TestStringLiterals(t *testing.T) {
	assert.Equal(t, "hello, world", value(t, `"hello, world"`))
	assert.Equal(t, "hello, world", value(t, `'hello, world'`))
	assert.Equal(t, "don't run", value(t, `"don't run"`))
	// escape sequences are retained, not interpreted
	assert.Equal(t, `don\'t run`, value(t, `'don\'t run'`))
}

func TestStringExpressions(t *testing.T) {
	assert.Equal(t, true, value(t, "'hello'=='hello'"))
	assert.Equal(t, true, value(t, "'hello, world' == 'hello,' + ' world'"))
}

func TestNamedConstants(t *testing.T) {
	assert.Equal(t, true, value(t, "true"))
	// the evaluator adds the float64 constants at run time, which rounds
	// differently from the exact untyped constant math.Pi+math.E
	pi, e := math.Pi, math.E
	assert.Equal(t, pi+e, value(t, "pi+e"))
	assert.Equal(t, 1.0, value(t, "sin(0.5*pi)"))
	_, err := Parse("epi")
	assert.Error(t, err)
}

func TestKeyValueNodes(t *testing.T) {
	assert.Nil(t, value(t, "a.b"))
	assert.Nil(t, value(t, "a.b.c"))
	assert.Nil(t, value(t, "a.b.c+x.y"))
}

func named(kv map[string]any) Values { return Values{Named: kv} }

func TestKeyValueUpdates(t *testing.T) {
	root, err := Parse("x.y.val0 + pow(a.b.val2,x.y.val2)")
	require.NoError(t, err)
	assert.Nil(t, root.Value)

	changed, err := root.Update("a.b", named(map[string]any{"val0": int64(0), "val1": int64(1), "val2": int64(2)}))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Nil(t, root.Value)

	changed, err = root.Update("x.y", named(map[string]any{"val0": int64(9), "val1": int64(8), "val2": int64(7)}))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 9+math.Pow(2, 7), root.Value)
}

func TestWhenLatch(t *testing.T) {
	root, err := Parse("x.y.val when a.b.val")
	require.NoError(t, err)
	assert.Nil(t, root.Value)

	update := func(tag string, v any) bool {
		changed, err := root.Update(tag, named(map[string]any{"val": v}))
		require.NoError(t, err)
		return changed
	}

	assert.False(t, update("a.b", false))
	assert.Nil(t, root.Value)
	assert.False(t, update("x.y", int64(999)))
	assert.Nil(t, root.Value)
	assert.True(t, update("a.b", true))
	assert.Equal(t, int64(999), root.Value)
	assert.True(t, update("x.y", int64(123)))
	assert.Equal(t, int64(123), root.Value)

	// the latch retains its value while the condition is false
	root2, err := Parse("x.y.val when a.b.val")
	require.NoError(t, err)
	update2 := func(tag string, v any) bool {
		changed, err := root2.Update(tag, named(map[string]any{"val": v}))
		require.NoError(t, err)
		return changed
	}
	assert.True(t, update2("a.b", true))
	assert.Nil(t, root2.Value)
	assert.True(t, update2("x.y", int64(999)))
	assert.Equal(t, int64(999), root2.Value)
	assert.False(t, update2("a.b", false))
	assert.Equal(t, int64(999), root2.Value)
	assert.False(t, update2("x.y", int64(123)))
	assert.Equal(t, int64(999), root2.Value)
}

func TestBuiltinCalls(t *testing.T) {
	assert.Equal(t, int64(2), value(t, "max(1,2)"))
	assert.Equal(t, 3.14159, value(t, "round(pi,5)"))
	assert.Equal(t, int64(13), value(t, "int('1101',2)"))
	assert.Equal(t, int64(3), value(t, "abs(-3)"))
	assert.Equal(t, 2.5, value(t, "float('2.5')"))
}

func TestWatchSets(t *testing.T) {
	root, err := Parse("x.y.val0 + pow(a.b.val2,x.y.val2)")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.b", "x.y"}, root.WatchSet())

	// updates for unwatched tags short-circuit
	changed, err := root.Update("q.r", named(map[string]any{"val": int64(1)}))
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestUpdateBadMember(t *testing.T) {
	root, err := Parse("x.y.nope")
	require.NoError(t, err)
	_, err = root.Update("x.y", named(map[string]any{"val": int64(1)}))
	assert.Error(t, err)
}

// TestRoundTrip re-serializes and re-parses accepted expressions and
// checks that the DAG is equivalent: same watch set, same value under
// the same update sequence.
func TestRoundTrip(t *testing.T) {
	exprs := []string{
		"1+2*3",
		"-(+(123))",
		"(1+2*3)/2.",
		"1 ? 2 : 3",
		"max(1,2)",
		"sin(0.5*pi)",
		"'hello,' + ' world'",
		"x.y.val0 + pow(a.b.val2,x.y.val2)",
		"x.y.val when a.b.val",
		"!(a.b.val > 3) && x.y.val != 0",
	}
	updates := []struct {
		tag  string
		vals map[string]any
	}{
		{"a.b", map[string]any{"val": int64(1), "val0": int64(0), "val1": int64(1), "val2": int64(2)}},
		{"x.y", map[string]any{"val": int64(9), "val0": int64(9), "val1": int64(8), "val2": int64(7)}},
	}
	for _, src := range exprs {
		orig, err := Parse(src)
		require.NoError(t, err, src)
		again, err := Parse(orig.String())
		require.NoError(t, err, "reparse %q -> %q", src, orig.String())
		assert.Equal(t, orig.WatchSet(), again.WatchSet(), src)
		assert.Equal(t, orig.Value, again.Value, src)
		for _, u := range updates {
			_, err1 := orig.Update(u.tag, named(u.vals))
			_, err2 := again.Update(u.tag, named(u.vals))
			require.Equal(t, err1 == nil, err2 == nil, src)
			assert.Equal(t, orig.Value, again.Value, "%s after %s", src, u.tag)
		}
	}
}
