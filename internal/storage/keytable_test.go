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
	"testing"
	"time"

	"github.com/Subaru-PFS/ics-archiver/internal/types"
	"github.com/Subaru-PFS/ics-archiver/internal/util/mjd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyTable(t *testing.T, bufferSize int, opts ...func(*Settings)) (*Engine, *KeyTable) {
	t.Helper()
	e := testEngine(t, opts...)
	kt, err := e.AttachKey("tcc", "axePos", []Column{
		Col("pos_0", types.Flt8),
		Col("pos_1", types.Flt8),
	}, bufferSize)
	require.NoError(t, err)
	return e, kt
}

func TestKeyTableNaming(t *testing.T) {
	assert.Equal(t, "tcc__axepos", KeyTableName("TCC", "axePos"))

	e, kt := testKeyTable(t, 100)
	assert.Equal(t, "tcc__axepos", kt.Name())
	assert.Equal(t, "tcc.axepos", kt.Tag)
	assert.True(t, e.HasKeyTable("tcc", "AXEPOS"))
	assert.False(t, e.HasKeyTable("tcc", "other"))

	// the raw_id link column is prepended
	names := kt.columnNames()
	assert.Equal(t, []string{"raw_id", "pos_0", "pos_1"}, names)
}

func TestKeyTableAttachIsIdempotent(t *testing.T) {
	e, kt := testKeyTable(t, 100)
	again, err := e.AttachKey("tcc", "axePos", nil, 100)
	require.NoError(t, err)
	assert.Same(t, kt, again)
}

func TestKeyUpdateCallback(t *testing.T) {
	e, kt := testKeyTable(t, 100)

	type update struct {
		tag    string
		tai    float64
		values []types.Value
	}
	var got []update
	e.OnKeyUpdate(func(tag string, tai float64, values []types.Value) {
		got = append(got, update{tag, tai, values})
	})

	require.NoError(t, kt.Record(1000.5, 0, types.Float64(1), types.Float64(2)))
	require.Len(t, got, 1)
	assert.Equal(t, "tcc.axepos", got[0].tag)
	assert.Equal(t, 1000.5, got[0].tai)
	assert.Equal(t, []types.Value{types.Float64(1), types.Float64(2)}, got[0].values)
}

func TestRecentFromCache(t *testing.T) {
	_, kt := testKeyTable(t, 100)

	for i := 0; i < 5; i++ {
		require.NoError(t, kt.Record(
			float64(1000+i), int64(i),
			types.Float64(float64(i)), types.Float64(float64(i*10))))
	}

	// most recent first, raw ids replaced by timestamps
	rows, err := kt.Recent(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, 1004.0, rows[0].TAI)
	assert.Equal(t, 1003.0, rows[1].TAI)
	assert.Equal(t, 1002.0, rows[2].TAI)
	assert.Equal(t,
		[]types.Value{types.Float64(4), types.Float64(40)}, rows[0].Values)

	// without a database, a short cache is all there is
	rows, err = kt.Recent(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, rows, 5)
}

func TestRecentEmpty(t *testing.T) {
	_, kt := testKeyTable(t, 100)
	rows, err := kt.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// fixedClock pins the engine clock for by-date queries.
func fixedClock(mjdSecs float64) mjd.Clock {
	unix := mjdSecs - mjd.UnixEpochDays*86400
	at := time.Unix(0, int64(unix*1e9))
	return mjd.Clock{SystemTAI: true, NowFn: func() time.Time { return at }}
}

func TestByDateCacheCovered(t *testing.T) {
	now := 2000.0
	_, kt := testKeyTable(t, 100, func(s *Settings) { s.Clock = fixedClock(now) })

	for i := 0; i < 5; i++ {
		require.NoError(t, kt.Record(
			float64(1990+i), int64(i), types.Float64(float64(i)), types.Float64(0)))
	}

	// range (1993, 2000]: of the buffered rows at 1990..1994 only the
	// row at 1994 qualifies
	rows, err := kt.ByDate(context.Background(), 7, EndAt{Now: true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1994.0, rows[0].TAI)

	// a wider window returns every cached row
	rows, err = kt.ByDate(context.Background(), 100, EndAt{Now: true})
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, 1994.0, rows[0].TAI)
	assert.Equal(t, 1990.0, rows[4].TAI)
}

func TestByDateEndBeforeCache(t *testing.T) {
	_, kt := testKeyTable(t, 100)
	require.NoError(t, kt.Record(5000, 0, types.Float64(1), types.Float64(2)))

	// the whole cache is newer than the queried range
	rows, err := kt.ByDate(context.Background(), 10, EndAt{
		Epoch: 4000 - mjd.UnixEpochDays*86400,
	})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestByDateAbsoluteEnd(t *testing.T) {
	_, kt := testKeyTable(t, 100)
	for i := 0; i < 4; i++ {
		require.NoError(t, kt.Record(
			float64(1000+i*10), int64(i), types.Float64(float64(i)), types.Float64(0)))
	}

	// end pinned inside the cached range
	end := 1020.0 - mjd.UnixEpochDays*86400
	rows, err := kt.ByDate(context.Background(), 15, EndAt{Epoch: end})
	require.NoError(t, err)
	// range (1005, 1020]: rows at 1010 and 1020
	require.Len(t, rows, 2)
	assert.Equal(t, 1020.0, rows[0].TAI)
	assert.Equal(t, 1010.0, rows[1].TAI)
}

func TestCacheClearedOnFlush(t *testing.T) {
	e, kt := testKeyTable(t, 2)
	require.NoError(t, kt.Record(1000, 0, types.Float64(1), types.Float64(2)))
	require.NoError(t, kt.Record(1001, 1, types.Float64(3), types.Float64(4)))
	e.waitIdle(context.Background())

	// the flush rotated the staging file, emptying the TAI cache
	assert.Empty(t, kt.taiCache)
	rows, err := kt.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
