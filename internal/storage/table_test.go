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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Subaru-PFS/ics-archiver/internal/types"
	"github.com/Subaru-PFS/ics-archiver/internal/util/mjd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEngine opens a persistence-free engine over a fresh staging
// directory.
func testEngine(t *testing.T, opts ...func(*Settings)) *Engine {
	t.Helper()
	cfg := Settings{
		Product:    types.ProductNone,
		BufferPath: t.TempDir(),
		IdleTime:   0.001,
		Workers:    2,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	e, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func rawColumns() []Column {
	return []Column{
		Col("id", types.Int8),
		Col("tai", types.Flt8),
		Col("msg", types.Text),
	}
}

func TestAttachValidation(t *testing.T) {
	e := testEngine(t)

	_, err := e.Attach("t1", nil, 10)
	assert.Error(t, err, "no columns")

	_, err = e.Attach("t1", rawColumns(), 0)
	assert.Error(t, err, "non-positive buffer size")

	_, err = e.Attach("t1", []Column{Col("id", types.Storage("uuid"))}, 10)
	assert.Error(t, err, "unknown storage tag")

	tbl, err := e.Attach("t1", rawColumns(), 10)
	require.NoError(t, err)

	// re-attachment with the same schema returns the same table
	again, err := e.Attach("T1", rawColumns(), 10)
	require.NoError(t, err)
	assert.Same(t, tbl, again)

	// incompatible columns are a configuration error
	_, err = e.Attach("t1", []Column{Col("id", types.Int8)}, 10)
	assert.Error(t, err)
}

func TestAttachExistingColumnMismatch(t *testing.T) {
	e := testEngine(t)
	e.mu.existing["t2"] = tableInfo{maxID: 41, columns: []string{"id", "other"}}

	_, err := e.Attach("t2", rawColumns(), 10)
	assert.Error(t, err)
}

func TestAttachExistingResumesIDs(t *testing.T) {
	e := testEngine(t)
	e.mu.existing["t3"] = tableInfo{maxID: 41, columns: []string{"id", "tai", "msg"}}

	tbl, err := e.Attach("t3", rawColumns(), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(42), tbl.NextID())
}

func TestRecordWritesStagingFile(t *testing.T) {
	e := testEngine(t)
	tbl, err := e.Attach("t4", rawColumns(), 10)
	require.NoError(t, err)

	require.NoError(t, tbl.Record(
		types.Int64(0), types.Float64(1.5), types.String("it's alive")))
	require.NoError(t, tbl.Record(types.Int64(1)))

	data, err := os.ReadFile(filepath.Join(e.cfg.BufferPath, "t4_0"))
	require.NoError(t, err)
	assert.Equal(t, "0,1.5,'it''s alive'\n1,,\n", string(data))
	assert.Len(t, tbl.Buffered(), 2)
	assert.Equal(t, int64(2), tbl.NextID())
}

// TestBufferedFlush is the literal buffered-flush scenario: buffer
// size 3, seven rows, two completed flushes, one row in memory.
func TestBufferedFlush(t *testing.T) {
	e := testEngine(t)
	tbl, err := e.Attach("tcc__aliveat", []Column{
		Col("raw_id", types.Int8),
		Col("timestamp", types.Int8),
	}, 3)
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		require.NoError(t, tbl.Record(
			types.Int64(int64(i)), types.Int64(1240512177)))
		// let each dispatched flush finish so the flush count is
		// deterministic
		e.waitIdle(context.Background())
	}

	assert.Equal(t, 2, tbl.Flushes())
	assert.Len(t, tbl.Buffered(), 1)

	// rows 0..2 and 3..5 went through staging files; the seventh is
	// still buffered in staging generation 2
	first, err := os.ReadFile(filepath.Join(e.cfg.BufferPath, "tcc__aliveat_0"))
	require.NoError(t, err)
	assert.Equal(t, "0,1240512177\n1,1240512177\n2,1240512177\n", string(first))
	second, err := os.ReadFile(filepath.Join(e.cfg.BufferPath, "tcc__aliveat_1"))
	require.NoError(t, err)
	assert.Equal(t, "3,1240512177\n4,1240512177\n5,1240512177\n", string(second))
	third, err := os.ReadFile(filepath.Join(e.cfg.BufferPath, "tcc__aliveat_2"))
	require.NoError(t, err)
	assert.Equal(t, "6,1240512177\n", string(third))
}

// TestAtMostOneFlush holds the busy flag and checks that sustained
// writes beyond the buffer size do not dispatch a second flush.
func TestAtMostOneFlush(t *testing.T) {
	e := testEngine(t)
	tbl, err := e.Attach("t5", rawColumns(), 2)
	require.NoError(t, err)

	e.mu.Lock()
	tbl.busy = true // simulate an in-flight flush
	e.mu.Unlock()

	for i := 0; i < 10; i++ {
		require.NoError(t, tbl.Record(types.Int64(int64(i))))
	}

	// backpressure: the buffer grows past the threshold
	assert.Equal(t, 0, tbl.Flushes())
	assert.Len(t, tbl.Buffered(), 10)

	e.mu.Lock()
	tbl.busy = false
	e.mu.Unlock()

	// the next record triggers the deferred flush of all rows
	require.NoError(t, tbl.Record(types.Int64(10)))
	e.waitIdle(context.Background())
	assert.Equal(t, 1, tbl.Flushes())
	assert.Len(t, tbl.Buffered(), 0)
}

// TestBufferingConservation checks rows_recorded == rows_in_staging +
// rows_in_memory for the persistence-free engine.
func TestBufferingConservation(t *testing.T) {
	e := testEngine(t)
	tbl, err := e.Attach("t6", rawColumns(), 5)
	require.NoError(t, err)

	const total = 23
	for i := 0; i < total; i++ {
		require.NoError(t, tbl.Record(types.Int64(int64(i))))
		e.waitIdle(context.Background())
	}

	staged := 0
	for gen := 0; gen < tbl.Flushes(); gen++ {
		data, err := os.ReadFile(filepath.Join(e.cfg.BufferPath,
			"t6_"+itoa(gen)))
		require.NoError(t, err)
		staged += countLines(data)
	}
	assert.Equal(t, total, staged+len(tbl.Buffered()))
}

func itoa(n int) string { return string(rune('0' + n)) }

func countLines(data []byte) int {
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}

func TestIdlePing(t *testing.T) {
	e := testEngine(t)
	tbl, err := e.Attach("t7", rawColumns(), 100)
	require.NoError(t, err)
	require.NoError(t, tbl.Record(types.Int64(0)))

	// wait out the idle threshold, then ping
	time.Sleep(5 * time.Millisecond)
	e.Ping()
	e.waitIdle(context.Background())

	assert.Equal(t, 1, tbl.Flushes())
	assert.Len(t, tbl.Buffered(), 0)
}

func TestIdlePingSkipsActiveEngine(t *testing.T) {
	e := testEngine(t, func(s *Settings) { s.IdleTime = 3600 })
	tbl, err := e.Attach("t8", rawColumns(), 100)
	require.NoError(t, err)
	require.NoError(t, tbl.Record(types.Int64(0)))

	e.Ping()
	assert.Equal(t, 0, tbl.Flushes())
	assert.Len(t, tbl.Buffered(), 1)
}

func TestTraceFile(t *testing.T) {
	e := testEngine(t, func(s *Settings) { s.TraceList = []string{"t9"} })
	tbl, err := e.Attach("t9", rawColumns(), 2)
	require.NoError(t, err)

	require.NoError(t, tbl.Record(types.Int64(0)))
	require.NoError(t, tbl.Record(types.Int64(1)))
	e.waitIdle(context.Background())

	data, err := os.ReadFile(filepath.Join(e.cfg.BufferPath, "t9.trace"))
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "START ")
	assert.Contains(t, text, "IN 1 ")
	assert.Contains(t, text, "IN 2 ")
	assert.Contains(t, text, "OUT 0 ")
	assert.Contains(t, text, "OUT 2 ")
}

func TestStagingDirectoryLock(t *testing.T) {
	dir := t.TempDir()
	open := func() (*Engine, error) {
		return Open(context.Background(), Settings{
			Product:    types.ProductNone,
			BufferPath: dir,
			Workers:    1,
			Clock:      mjd.Clock{},
		})
	}
	e1, err := open()
	require.NoError(t, err)
	defer func() { _ = e1.Close(context.Background()) }()

	_, err = open()
	assert.Error(t, err)
}
