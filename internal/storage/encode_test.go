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

package storage

import (
	"testing"

	"github.com/Subaru-PFS/ics-archiver/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestAppendRow(t *testing.T) {
	cols := []Column{
		Col("id", types.Int8),
		Col("tai", types.Flt8),
		Col("msg", types.Text),
	}

	tests := []struct {
		name   string
		values []types.Value
		want   string
	}{
		{
			name: "plain row",
			values: []types.Value{
				types.Int64(7), types.Float64(0.5), types.String("hello"),
			},
			want: "7,0.5,'hello'\n",
		},
		{
			name: "embedded quote doubled",
			values: []types.Value{
				types.Int64(0), types.Float64(1), types.String("don't"),
			},
			want: "0,1,'don''t'\n",
		},
		{
			name: "null as empty field",
			values: []types.Value{
				types.Int64(1), types.InvalidValue, types.InvalidValue,
			},
			want: "1,,\n",
		},
		{
			name:   "missing trailing values become null",
			values: []types.Value{types.Int64(2)},
			want:   "2,,\n",
		},
		{
			name: "float precision survives",
			values: []types.Value{
				types.Int64(3), types.Float64(3506716837.123456), types.String(""),
			},
			want: "3,3.506716837123456e+09,''\n",
		},
		{
			name: "negative integer",
			values: []types.Value{
				types.Int64(-42), types.Float64(-1.5), types.String("x"),
			},
			want: "-42,-1.5,'x'\n",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, string(appendRow(nil, cols, tc.values)))
		})
	}
}

func TestAppendFieldCoercion(t *testing.T) {
	// a float value bound for an integer column truncates
	assert.Equal(t, "3", string(appendField(nil, types.Int4, types.Float64(3.7))))
	// an integer value bound for a float column renders as a float
	assert.Equal(t, "3", string(appendField(nil, types.Flt8, types.Int64(3))))
}
