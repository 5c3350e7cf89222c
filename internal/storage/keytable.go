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
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/Subaru-PFS/ics-archiver/internal/types"
	"github.com/Subaru-PFS/ics-archiver/internal/util/mjd"
	"github.com/pkg/errors"
)

// maxQueryRows caps the size of a historical read-back, cache rows
// included.
const maxQueryRows = 1000

// A Row is one read-back result: the TAI timestamp of the underlying
// raw message plus the keyword's column values.
type Row struct {
	TAI    float64
	Values []types.Value
}

// A KeyTable stores the values of one (actor, keyword) pair, one row
// per occurrence, linked to reply_raw by its first column. It keeps an
// in-memory rawID-to-TAI map for the rows of the current staging
// generation so that recent/range queries can serve buffered rows
// without touching the database.
type KeyTable struct {
	*Table

	// Tag is the lowercase actor.keyword identity used by the monitor
	// service.
	Tag string

	taiCache map[int64]float64

	selector string // shared SELECT/FROM/WHERE preamble of both queries
}

// KeyTableName returns the table name for actor.keyword.
func KeyTableName(actorName, keyName string) string {
	return strings.ToLower(actorName) + "__" + strings.ToLower(keyName)
}

// HasKeyTable returns true if the actor.keyword table exists in the
// database or has already been attached by this process.
func (e *Engine) HasKeyTable(actorName, keyName string) bool {
	return e.HasTable(KeyTableName(actorName, keyName))
}

// AttachKey looks up or creates the table for one keyword. The value
// columns are prefixed with the raw_id link column.
func (e *Engine) AttachKey(actorName, keyName string, valueCols []Column, bufferSize int) (*KeyTable, error) {
	name := KeyTableName(actorName, keyName)
	e.mu.Lock()
	defer e.mu.Unlock()
	if kt, ok := e.mu.keyTables[name]; ok {
		return kt, nil
	}
	cols := make([]Column, 0, len(valueCols)+1)
	cols = append(cols, Col("raw_id", types.Int8))
	cols = append(cols, valueCols...)
	t, err := e.attachLocked(name, cols, bufferSize, nil)
	if err != nil {
		return nil, err
	}
	kt := &KeyTable{
		Table: t,
		Tag:   strings.ToLower(actorName) + "." + strings.ToLower(keyName),
	}
	kt.taiCache = map[int64]float64{}
	t.resetCache = func() { kt.taiCache = map[int64]float64{} }

	var b strings.Builder
	b.WriteString("SELECT raw.tai")
	for _, col := range cols[1:] {
		b.WriteString(", key.")
		b.WriteString(col.Name)
	}
	fmt.Fprintf(&b, " FROM reply_raw raw, %s key WHERE raw.id = key.raw_id", name)
	kt.selector = b.String()

	e.mu.keyTables[name] = kt
	return kt, nil
}

// Record appends one keyword occurrence, remembering the timestamp
// associated with the raw id, and fires the engine's key-update
// callback.
func (kt *KeyTable) Record(tai float64, rawID int64, values ...types.Value) error {
	e := kt.engine
	e.mu.Lock()
	kt.taiCache[rawID] = tai
	row := make([]types.Value, 0, len(values)+1)
	row = append(row, types.Int64(rawID))
	row = append(row, values...)
	err := kt.recordLocked(row)
	hook := e.onKeyUpdate
	e.mu.Unlock()
	if err != nil {
		return err
	}
	// The callback runs outside the engine mutex so the monitor
	// service is free to attach tables or issue queries.
	if hook != nil {
		hook(kt.Tag, tai, values)
	}
	return nil
}

// Recent returns the last n rows, most recent first. Buffered rows are
// served from memory with their raw ids replaced by cached timestamps;
// any remainder comes from the database.
func (kt *KeyTable) Recent(ctx context.Context, n int) ([]Row, error) {
	e := kt.engine

	e.mu.Lock()
	cached, minBuffered := kt.cacheTailLocked(n)
	e.mu.Unlock()

	if len(cached) == n || !e.pool.Enabled() {
		return cached, nil
	}

	sql := kt.selector
	if minBuffered >= 0 {
		// Avoid duplicates in case the buffer flushes before the
		// database query runs.
		sql += noDuplicates(minBuffered)
	}
	sql += orderLimit(n - len(cached))
	return kt.fetch(ctx, sql, cached)
}

// ByDate returns the rows whose timestamp falls in (endAt-interval,
// endAt], most recent first, capped at maxQueryRows rows in total.
// The interval is in seconds; endAt is either "now" or TAI seconds
// since the Unix epoch.
func (kt *KeyTable) ByDate(ctx context.Context, interval float64, endAt EndAt) ([]Row, error) {
	e := kt.engine
	endMJDsecs := endAt.mjdSecs(e.cfg.Clock)
	beginMJDsecs := endMJDsecs - interval

	e.mu.Lock()
	var cached []Row
	covered := false
	minBuffered := int64(-1)
	if len(kt.rowBuffer) > 0 {
		minBuffered = kt.rowBuffer[0][0].Int
		cacheAge := kt.taiCache[minBuffered]
		if cacheAge <= endMJDsecs {
			// the cached rows overlap the query range; copy matches,
			// most recent first
			for i := len(kt.rowBuffer) - 1; i >= 0 && len(cached) < maxQueryRows; i-- {
				row := kt.rowBuffer[i]
				rowMJDsecs := kt.taiCache[row[0].Int]
				if rowMJDsecs <= beginMJDsecs {
					break
				}
				if rowMJDsecs <= endMJDsecs {
					cached = append(cached, Row{
						TAI:    rowMJDsecs,
						Values: append([]types.Value(nil), row[1:]...),
					})
				}
			}
		}
		// the cache fully covers the query range: no database query
		covered = cacheAge <= beginMJDsecs
	}
	e.mu.Unlock()

	if covered || !e.pool.Enabled() {
		return cached, nil
	}

	sql := kt.selector
	if minBuffered >= 0 {
		sql += noDuplicates(minBuffered)
	}
	sql += " AND raw.tai > " + formatFloat(beginMJDsecs)
	if !endAt.Now {
		sql += " AND raw.tai <= " + formatFloat(endMJDsecs)
	}
	sql += orderLimit(maxQueryRows - len(cached))
	return kt.fetch(ctx, sql, cached)
}

// cacheTailLocked copies up to n of the most recent buffered rows,
// newest first, replacing raw ids with timestamps. It also reports the
// smallest buffered raw id, or -1 when the buffer is empty.
func (kt *KeyTable) cacheTailLocked(n int) ([]Row, int64) {
	if len(kt.rowBuffer) == 0 {
		return nil, -1
	}
	var out []Row
	for i := len(kt.rowBuffer) - 1; i >= 0 && len(out) < n; i-- {
		row := kt.rowBuffer[i]
		out = append(out, Row{
			TAI:    kt.taiCache[row[0].Int],
			Values: append([]types.Value(nil), row[1:]...),
		})
	}
	return out, kt.rowBuffer[0][0].Int
}

// fetch runs a read-back query and appends its rows to any cached
// prefix. NULL columns come back as InvalidValue.
func (kt *KeyTable) fetch(ctx context.Context, sql string, data []Row) ([]Row, error) {
	e := kt.engine
	rows, err := e.pool.QueryContext(ctx, sql)
	if err != nil {
		return data, errors.Wrapf(err, "read-back query failed for %s", kt.name)
	}
	defer rows.Close()
	cols := kt.cols[1:]
	for rows.Next() {
		holders := make([]any, len(cols)+1)
		var tai float64
		holders[0] = &tai
		raw := make([]any, len(cols))
		for i := range raw {
			holders[i+1] = &raw[i]
		}
		if err := rows.Scan(holders...); err != nil {
			return data, errors.WithStack(err)
		}
		values := make([]types.Value, len(cols))
		for i := range cols {
			values[i] = types.FromSQL(raw[i], cols[i].Storage)
		}
		data = append(data, Row{TAI: tai, Values: values})
	}
	return data, errors.WithStack(rows.Err())
}

// EndAt addresses the end of a by-date range: either the current time
// or an absolute TAI time in seconds since the Unix epoch.
type EndAt struct {
	Now   bool
	Epoch float64
}

func (e EndAt) mjdSecs(clock mjd.Clock) float64 {
	if e.Now {
		return clock.Now()
	}
	return mjd.FromUnix(e.Epoch)
}

func noDuplicates(minBuffered int64) string {
	return " AND key.raw_id < " + strconv.FormatInt(minBuffered, 10)
}

func orderLimit(n int) string {
	return fmt.Sprintf(" ORDER BY key.raw_id DESC LIMIT %d", n)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
