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
	"strconv"
	"strings"

	"github.com/Subaru-PFS/ics-archiver/internal/types"
)

// appendRow encodes one row in the staging-file format: ASCII CSV,
// comma separated, strings quoted with '...' using '' for an embedded
// quote, NULL as an empty field, LF terminated.
//
// The encoder is deliberately hand-rolled: both PostgreSQL's COPY and
// MySQL's LOAD DATA INFILE consume this exact byte format, so it must
// not drift with a CSV library's quoting rules.
//
// A row may carry fewer values than the table has columns; the
// remaining fields are left empty (NULL).
func appendRow(buf []byte, cols []Column, values []types.Value) []byte {
	for i := range cols {
		if i > 0 {
			buf = append(buf, ',')
		}
		if i >= len(values) {
			continue
		}
		buf = appendField(buf, cols[i].Storage, values[i])
	}
	return append(buf, '\n')
}

// appendField encodes a single value according to the column's storage
// tag. Invalid values produce an empty field.
func appendField(buf []byte, storage types.Storage, v types.Value) []byte {
	if v.IsInvalid() {
		return buf
	}
	switch {
	case storage.IsInteger():
		switch v.Kind {
		case types.FloatValue:
			return strconv.AppendInt(buf, int64(v.Float), 10)
		default:
			return strconv.AppendInt(buf, v.Int, 10)
		}
	case storage.IsFloat():
		switch v.Kind {
		case types.IntValue:
			return strconv.AppendFloat(buf, float64(v.Int), 'g', -1, 64)
		default:
			return strconv.AppendFloat(buf, v.Float, 'g', -1, 64)
		}
	default:
		buf = append(buf, '\'')
		buf = append(buf, strings.ReplaceAll(v.Text, "'", "''")...)
		return append(buf, '\'')
	}
}
