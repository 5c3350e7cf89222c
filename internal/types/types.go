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

// Package types contains data types and interfaces that define the
// major functional blocks of the archiver. Placing them here keeps the
// storage, actor, and protocol packages free of dependencies on one
// another.
package types

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Storage identifies the physical representation of a column value.
// These tags come from the actor schema dictionaries and are mapped to
// backend-specific SQL types when a table is created.
type Storage string

// The supported storage tags.
const (
	Int2 Storage = "int2"
	Int4 Storage = "int4"
	Int8 Storage = "int8"
	Flt4 Storage = "flt4"
	Flt8 Storage = "flt8"
	Text Storage = "text"
)

// sqlTypes maps storage tags to generic SQL column types. Both
// supported backends accept these spellings.
var sqlTypes = map[Storage]string{
	Int2: "smallint",
	Int4: "integer",
	Int8: "bigint",
	Flt4: "real",
	Flt8: "double precision",
	Text: "text",
}

// SQLType returns the backend column type for a storage tag. Unknown
// tags are a configuration error.
func (s Storage) SQLType() (string, error) {
	if t, ok := sqlTypes[s]; ok {
		return t, nil
	}
	return "", errors.Errorf("unsupported storage type: %s", s)
}

// IsInteger returns true for the integer storage tags.
func (s Storage) IsInteger() bool { return strings.HasPrefix(string(s), "int") }

// IsFloat returns true for the floating-point storage tags.
func (s Storage) IsFloat() bool { return strings.HasPrefix(string(s), "flt") }

// ValueKind discriminates the variants of a Value.
type ValueKind int

// The value variants. Invalid doubles as SQL NULL.
const (
	Invalid ValueKind = iota
	IntValue
	FloatValue
	TextValue
)

// A Value is the variant carrier used for keyword values between the
// message parser, the table engine, and the monitor service. The zero
// Value is Invalid.
type Value struct {
	Kind  ValueKind
	Int   int64
	Float float64
	Text  string
}

// InvalidValue is the NULL sentinel.
var InvalidValue = Value{}

// Int64 constructs an integer Value.
func Int64(v int64) Value { return Value{Kind: IntValue, Int: v} }

// Float64 constructs a floating-point Value.
func Float64(v float64) Value { return Value{Kind: FloatValue, Float: v} }

// String constructs a text Value.
func String(v string) Value { return Value{Kind: TextValue, Text: v} }

// IsInvalid returns true if the value represents SQL NULL.
func (v Value) IsInvalid() bool { return v.Kind == Invalid }

// Native returns the value as a plain Go value, or nil when Invalid.
// The monitor service feeds these into expression updates.
func (v Value) Native() any {
	switch v.Kind {
	case IntValue:
		return v.Int
	case FloatValue:
		return v.Float
	case TextValue:
		return v.Text
	default:
		return nil
	}
}

// FromSQL converts a scanned database value into a Value according to
// the column's storage tag. NULL becomes Invalid.
func FromSQL(raw any, storage Storage) Value {
	if raw == nil {
		return InvalidValue
	}
	switch {
	case storage.IsInteger():
		switch t := raw.(type) {
		case int64:
			return Int64(t)
		case []byte:
			if n, err := strconv.ParseInt(string(t), 10, 64); err == nil {
				return Int64(n)
			}
		}
	case storage.IsFloat():
		switch t := raw.(type) {
		case float64:
			return Float64(t)
		case []byte:
			if f, err := strconv.ParseFloat(string(t), 64); err == nil {
				return Float64(f)
			}
		}
	default:
		switch t := raw.(type) {
		case string:
			return String(t)
		case []byte:
			return String(string(t))
		}
	}
	return InvalidValue
}

// Product is an enum type to make it easy to switch on the underlying
// database.
type Product int

// The supported database products. ProductNone disables persistence.
const (
	ProductNone Product = iota
	ProductPostgreSQL
	ProductMySQL
)

// ParseProduct maps a configuration string onto a Product.
func ParseProduct(name string) (Product, error) {
	switch name {
	case "postgres":
		return ProductPostgreSQL, nil
	case "mysql":
		return ProductMySQL, nil
	case "none":
		return ProductNone, nil
	default:
		return ProductNone, errors.Errorf("unknown engine: %s", name)
	}
}

func (p Product) String() string {
	switch p {
	case ProductPostgreSQL:
		return "postgres"
	case ProductMySQL:
		return "mysql"
	default:
		return "none"
	}
}

// BulkLoad returns the backend statement that loads a staging file into
// a table. Both backends consume the CSV-with-single-quote-quoting
// format the staging writer produces bit-for-bit.
func (p Product) BulkLoad(table, file string) string {
	switch p {
	case ProductMySQL:
		return "LOAD DATA INFILE '" + file + "' INTO TABLE " + table +
			" FIELDS TERMINATED BY ',' ENCLOSED BY ''''"
	default:
		return "COPY " + table + " FROM '" + file + "' CSV QUOTE ''''"
	}
}

// TargetQuerier is implemented by [sql.DB] and [sql.Tx].
type TargetQuerier interface {
	ExecContext(ctx context.Context, sql string, arguments ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, sql string, optionsAndArgs ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, sql string, optionsAndArgs ...interface{}) *sql.Row
}

var (
	_ TargetQuerier = (*sql.DB)(nil)
	_ TargetQuerier = (*sql.Tx)(nil)
)

// PoolInfo describes a database connection pool and what it's connected
// to.
type PoolInfo struct {
	ConnectionString string
	Product          Product
	Version          string
}

// Info returns the PoolInfo when embedded.
func (i *PoolInfo) Info() *PoolInfo { return i }

// TargetPool is an injection point for the archiver's database
// connection. A nil DB indicates that persistence is disabled.
type TargetPool struct {
	*sql.DB
	PoolInfo
	_ noCopy
}

// Enabled returns true when a backing database is configured.
func (p *TargetPool) Enabled() bool { return p != nil && p.DB != nil }

type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
