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
	"strconv"

	"github.com/pkg/errors"
)

// mathFuncs1 are the one-argument math library functions exposed to
// expressions.
var mathFuncs1 = map[string]func(float64) float64{
	"sin":     math.Sin,
	"cos":     math.Cos,
	"tan":     math.Tan,
	"asin":    math.Asin,
	"acos":    math.Acos,
	"atan":    math.Atan,
	"sinh":    math.Sinh,
	"cosh":    math.Cosh,
	"tanh":    math.Tanh,
	"exp":     math.Exp,
	"sqrt":    math.Sqrt,
	"fabs":    math.Abs,
	"floor":   math.Floor,
	"ceil":    math.Ceil,
	"log":     math.Log,
	"log10":   math.Log10,
	"degrees": func(x float64) float64 { return x * 180 / math.Pi },
	"radians": func(x float64) float64 { return x * math.Pi / 180 },
}

// mathFuncs2 are the two-argument math library functions.
var mathFuncs2 = map[string]func(float64, float64) float64{
	"atan2": math.Atan2,
	"pow":   math.Pow,
	"fmod":  math.Mod,
	"hypot": math.Hypot,
}

// builtins are the non-math functions exposed to expressions.
var builtins = map[string]bool{
	"abs":   true,
	"int":   true,
	"float": true,
	"max":   true,
	"min":   true,
	"round": true,
}

func knownFunction(name string) bool {
	if mathFuncs1[name] != nil || mathFuncs2[name] != nil {
		return true
	}
	return builtins[name]
}

func call(name string, args []any) (any, error) {
	if fn := mathFuncs1[name]; fn != nil {
		if len(args) != 1 {
			return nil, errors.Errorf("%s takes exactly one argument", name)
		}
		f, _, _, ok := asNumber(args[0])
		if !ok {
			return nil, errors.Errorf("argument of %s is not numeric", name)
		}
		return fn(f), nil
	}
	if fn := mathFuncs2[name]; fn != nil {
		if len(args) != 2 {
			return nil, errors.Errorf("%s takes exactly two arguments", name)
		}
		a, _, _, aOK := asNumber(args[0])
		b, _, _, bOK := asNumber(args[1])
		if !aOK || !bOK {
			return nil, errors.Errorf("arguments of %s are not numeric", name)
		}
		return fn(a, b), nil
	}

	switch name {
	case "abs":
		if len(args) != 1 {
			return nil, errors.New("abs takes exactly one argument")
		}
		f, i, isInt, ok := asNumber(args[0])
		if !ok {
			return nil, errors.New("argument of abs is not numeric")
		}
		if isInt {
			if i < 0 {
				return -i, nil
			}
			return i, nil
		}
		return math.Abs(f), nil

	case "int":
		switch len(args) {
		case 1:
			if s, ok := args[0].(string); ok {
				n, err := strconv.ParseInt(s, 10, 64)
				return n, errors.Wrap(err, "int")
			}
			_, i, _, ok := asNumber(args[0])
			if !ok {
				return nil, errors.New("argument of int is not numeric")
			}
			return i, nil
		case 2:
			s, ok := args[0].(string)
			if !ok {
				return nil, errors.New("int with a base takes a string")
			}
			_, base, baseInt, ok := asNumber(args[1])
			if !ok || !baseInt {
				return nil, errors.New("int base must be an integer")
			}
			n, err := strconv.ParseInt(s, int(base), 64)
			return n, errors.Wrap(err, "int")
		default:
			return nil, errors.New("int takes one or two arguments")
		}

	case "float":
		if len(args) != 1 {
			return nil, errors.New("float takes exactly one argument")
		}
		if s, ok := args[0].(string); ok {
			f, err := strconv.ParseFloat(s, 64)
			return f, errors.Wrap(err, "float")
		}
		f, _, _, ok := asNumber(args[0])
		if !ok {
			return nil, errors.New("argument of float is not numeric")
		}
		return f, nil

	case "max", "min":
		if len(args) == 0 {
			return nil, errors.Errorf("%s takes at least one argument", name)
		}
		allInt := true
		best := 0
		for i, arg := range args {
			f, _, isInt, ok := asNumber(arg)
			if !ok {
				return nil, errors.Errorf("arguments of %s are not numeric", name)
			}
			allInt = allInt && isInt
			bf, _, _, _ := asNumber(args[best])
			if (name == "max" && f > bf) || (name == "min" && f < bf) {
				best = i
			}
		}
		f, i, _, _ := asNumber(args[best])
		if allInt {
			return i, nil
		}
		return f, nil

	case "round":
		switch len(args) {
		case 1:
			f, _, _, ok := asNumber(args[0])
			if !ok {
				return nil, errors.New("argument of round is not numeric")
			}
			return math.Round(f), nil
		case 2:
			f, _, _, fOK := asNumber(args[0])
			_, digits, dInt, dOK := asNumber(args[1])
			if !fOK || !dOK || !dInt {
				return nil, errors.New("invalid arguments of round")
			}
			scale := math.Pow(10, float64(digits))
			return math.Round(f*scale) / scale, nil
		default:
			return nil, errors.New("round takes one or two arguments")
		}
	}
	return nil, errors.Errorf("unknown function: %s", name)
}
