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
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Subaru-PFS/ics-archiver/internal/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// A Column describes one physical table column.
type Column struct {
	Name    string
	Storage types.Storage
	Units   string
	Help    string
}

// Col is shorthand for constructing a Column.
func Col(name string, storage types.Storage) Column {
	return Column{Name: strings.ToLower(name), Storage: storage}
}

// A Table is an append-only stream of fixed-schema rows. Rows are
// serialized into an on-disk staging file as they are recorded and
// bulk-loaded into the backend when the buffer fills or goes idle.
//
// All fields are guarded by the owning engine's mutex.
type Table struct {
	engine     *Engine
	name       string
	cols       []Column
	bufferSize int

	// busy is set while a flush or creation transaction is in flight.
	// At most one flush per table is outstanding at any time.
	busy bool

	// nextID is the next primary-key value for tables whose ids this
	// process assigns (reply_raw, actors). For key tables it is simply
	// a row count.
	nextID int64

	nFlushes    int
	rowBuffer   [][]types.Value
	stagingFile *os.File
	stagingName string

	lastActivity time.Time

	// resetCache is an optional hook invoked when a fresh staging file
	// is opened; the key-table layer clears its TAI cache here.
	resetCache func()

	trace *traceState
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Columns returns the table's column list.
func (t *Table) Columns() []Column { return t.cols }

func (t *Table) columnNames() []string {
	names := make([]string, len(t.cols))
	for i, c := range t.cols {
		names[i] = c.Name
	}
	return names
}

// checkColumns verifies a re-attachment against the declared schema.
func (t *Table) checkColumns(cols []Column) error {
	if cols == nil {
		return nil
	}
	if len(cols) != len(t.cols) {
		return errors.Errorf(
			"incompatible column definitions for %s:\nNEW: %v\nOLD: %v",
			t.name, cols, t.cols)
	}
	for i := range cols {
		if cols[i].Name != t.cols[i].Name || cols[i].Storage != t.cols[i].Storage {
			return errors.Errorf(
				"incompatible column definitions for %s:\nNEW: %v\nOLD: %v",
				t.name, cols, t.cols)
		}
	}
	return nil
}

// checkExisting verifies the declared schema against the column list
// scanned from the database. A mismatch is a fatal configuration
// error: a table's column list is fixed for its lifetime.
func (t *Table) checkExisting(existing []string) error {
	names := t.columnNames()
	if len(names) != len(existing) {
		return errors.Errorf(
			"incompatible column definitions for %s:\nNEW: %v\n DB: %v",
			t.name, names, existing)
	}
	for i := range names {
		if names[i] != existing[i] {
			return errors.Errorf(
				"incompatible column definitions for %s:\nNEW: %v\n DB: %v",
				t.name, names, existing)
		}
	}
	return nil
}

// Buffered returns a snapshot of the rows recorded but not yet part of
// a dispatched flush.
func (t *Table) Buffered() [][]types.Value {
	e := t.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]types.Value, len(t.rowBuffer))
	for i, row := range t.rowBuffer {
		out[i] = append([]types.Value(nil), row...)
	}
	return out
}

// Flushes returns the number of flushes dispatched so far.
func (t *Table) Flushes() int {
	e := t.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.nFlushes
}

// NextID returns the id that the next recorded row will receive.
func (t *Table) NextID() int64 {
	e := t.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.nextID
}

// Record appends one row. Fewer values than columns leaves the
// remaining columns NULL. Failure is possible only on staging-file
// I/O.
func (t *Table) Record(values ...types.Value) error {
	e := t.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.recordLocked(values)
}

func (t *Table) recordLocked(values []types.Value) error {
	line := appendRow(nil, t.cols, values)
	if _, err := t.stagingFile.Write(line); err != nil {
		return errors.Wrapf(err, "could not write staging file for %s", t.name)
	}
	t.rowBuffer = append(t.rowBuffer, values)
	t.nextID++
	tableRecordCount.WithLabelValues(t.name).Inc()
	t.recordActivityLocked()
	t.traceIn()
	if len(t.rowBuffer) >= t.bufferSize {
		if t.busy {
			// Correct backpressure: the buffer keeps growing until the
			// in-flight flush completes.
			log.Debugf("delaying flush of %d rows to %s", len(t.rowBuffer), t.name)
		} else {
			t.flushLocked()
		}
	}
	return nil
}

func (t *Table) recordActivityLocked() {
	t.lastActivity = time.Now()
	t.engine.mu.lastActivity = t.lastActivity
}

// Flush forces the buffered rows out to the backend.
func (t *Table) Flush() {
	e := t.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if !t.busy && len(t.rowBuffer) > 0 {
		t.flushLocked()
	}
}

// flushLocked closes the current staging file, schedules its bulk load
// on the worker pool, and opens a fresh staging file. The table stays
// busy until the load transaction completes.
func (t *Table) flushLocked() {
	rows := len(t.rowBuffer)
	log.Debugf("%s: flushing %d rows", t.name, rows)
	t.nFlushes++
	t.busy = true
	t.traceOut()
	tableFlushCount.WithLabelValues(t.name).Inc()

	file := t.stagingFile
	fileName := t.stagingName
	if err := t.openBufferLocked(); err != nil {
		// Keep writing into the old file rather than lose rows; the
		// flush is abandoned.
		log.WithError(err).Errorf("could not rotate staging file for %s", t.name)
		t.stagingFile = file
		t.stagingName = fileName
		t.busy = false
		return
	}

	e := t.engine
	start := time.Now()
	e.dispatch(func(ctx context.Context) error {
		if err := file.Close(); err != nil {
			return errors.Wrapf(err, "could not close staging file %s", fileName)
		}
		return e.loadFile(ctx, t.name, fileName)
	}, func(err error) {
		tableFlushDurations.WithLabelValues(t.name).Observe(time.Since(start).Seconds())
		if err != nil {
			tableFlushErrors.WithLabelValues(t.name).Inc()
			log.WithError(err).Errorf(
				"flush failed for %s; staging file retained: %s", t.name, fileName)
		} else {
			tableLoadedRows.WithLabelValues(t.name).Add(float64(rows))
		}
		t.busy = false
		t.traceOutRelease(rows)
	})
}

// openBufferLocked starts a fresh staging file and empties the
// in-memory row buffer.
func (t *Table) openBufferLocked() error {
	t.rowBuffer = nil
	t.stagingName = filepath.Join(t.engine.cfg.BufferPath,
		fmt.Sprintf("%s_%d", t.name, t.nFlushes))
	f, err := os.Create(t.stagingName)
	if err != nil {
		return errors.Wrapf(err, "could not open staging file for %s", t.name)
	}
	t.stagingFile = f
	if t.resetCache != nil {
		t.resetCache()
	}
	return nil
}

// create issues the CREATE TABLE and CREATE INDEX statements for a
// first-ever table. The first column is the primary key. The table is
// busy until the statements complete.
func (t *Table) create(indices []string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "create table %s (", t.name)
	for i, col := range t.cols {
		sqlType, err := col.Storage.SQLType()
		if err != nil {
			return errors.Wrapf(err, "table %s", t.name)
		}
		if i > 0 {
			fmt.Fprintf(&b, ",%s %s", col.Name, sqlType)
		} else {
			fmt.Fprintf(&b, "%s %s primary key", col.Name, sqlType)
		}
	}
	b.WriteString(")")
	statements := []string{b.String()}

	names := t.columnNames()
	for _, index := range indices {
		found := false
		for _, name := range names {
			if name == index {
				found = true
				break
			}
		}
		if !found {
			return errors.Errorf("invalid index column name: %s", index)
		}
		statements = append(statements, fmt.Sprintf(
			"create index %s_%s on %s(%s)", t.name, index, t.name, index))
	}

	e := t.engine
	if !e.pool.Enabled() {
		return nil
	}
	t.busy = true
	e.dispatch(func(ctx context.Context) error {
		tx, err := e.pool.BeginTx(ctx, nil)
		if err != nil {
			return errors.WithStack(err)
		}
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return errors.Wrapf(err, "could not create table %s", t.name)
			}
		}
		return errors.WithStack(tx.Commit())
	}, func(err error) {
		if err != nil {
			log.WithError(err).Errorf("table creation failed for %s", t.name)
		}
		t.busy = false
	})
	return nil
}

// --- tracing ---------------------------------------------------------

// traceState appends row-in and bulk-load-out events for a traced
// table to <name>.trace in the staging directory.
type traceState struct {
	file     *os.File
	start    time.Time
	baseRows int64
	outCount int
}

func (t *Table) startTrace() {
	path := filepath.Join(t.engine.cfg.BufferPath, t.name+".trace")
	f, err := os.Create(path)
	if err != nil {
		log.WithError(err).Warnf("could not start trace on %s", t.name)
		return
	}
	log.Infof("start trace on table %s", t.name)
	tr := &traceState{file: f, start: time.Now(), baseRows: t.nextID}
	fmt.Fprintf(f, "START %f\n", float64(tr.start.UnixNano())/1e9)
	fmt.Fprintf(f, "IN 0 0.0\n")
	t.trace = tr
}

func (t *Table) stopTrace() {
	if t.trace == nil {
		return
	}
	log.Infof("stop trace on table %s", t.name)
	_ = t.trace.file.Close()
	t.trace = nil
}

func (t *Table) traceIn() {
	if t.trace == nil {
		return
	}
	fmt.Fprintf(t.trace.file, "IN %d %f\n",
		t.nextID-t.trace.baseRows, time.Since(t.trace.start).Seconds())
}

func (t *Table) traceOut() {
	if t.trace == nil {
		return
	}
	fmt.Fprintf(t.trace.file, "OUT %d %f\n",
		t.trace.outCount, time.Since(t.trace.start).Seconds())
}

func (t *Table) traceOutRelease(rows int) {
	if t.trace == nil {
		return
	}
	t.trace.outCount += rows
	fmt.Fprintf(t.trace.file, "OUT %d %f\n",
		t.trace.outCount, time.Since(t.trace.start).Seconds())
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
