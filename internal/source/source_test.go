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

package source

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Subaru-PFS/ics-archiver/internal/actors"
	"github.com/Subaru-PFS/ics-archiver/internal/dict"
	"github.com/Subaru-PFS/ics-archiver/internal/monitor"
	"github.com/Subaru-PFS/ics-archiver/internal/storage"
	"github.com/Subaru-PFS/ics-archiver/internal/types"
	"github.com/Subaru-PFS/ics-archiver/internal/util/mjd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestReconnectBackoffBound is the literal backoff scenario: initial
// delay 1 s, factor 2, max 10 s; eight consecutive failures see the
// delays 1,2,4,8,10,10,10,10.
func TestReconnectBackoffBound(t *testing.T) {
	policy := ReconnectPolicy(1, 2, 10)
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		10 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second,
	}
	for i, expected := range want {
		assert.Equal(t, expected, policy.NextBackOff(), "failure %d", i)
	}

	// a successful connect resets the schedule
	policy.Reset()
	assert.Equal(t, 1*time.Second, policy.NextBackOff())
}

func TestReadLines(t *testing.T) {
	var got []string
	err := readLines(strings.NewReader("one\ntwo\r\nthree\n"), "test",
		func(line string) error {
			got = append(got, line)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestReadLinesDropsOversized(t *testing.T) {
	big := strings.Repeat("x", MaxLineLength+100)
	var got []string
	err := readLines(strings.NewReader(big+"\nok\n"), "test",
		func(line string) error {
			got = append(got, line)
			return nil
		})
	require.NoError(t, err)
	// the oversized message is dropped; the connection keeps going
	assert.Equal(t, []string{"ok"}, got)
}

func TestReadLinesIgnoresTrailingPartial(t *testing.T) {
	var got []string
	err := readLines(strings.NewReader("complete\npartial"), "test",
		func(line string) error {
			got = append(got, line)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"complete"}, got)
}

type mapLoader map[string]*dict.Dictionary

func (m mapLoader) Load(actor string) (*dict.Dictionary, error) {
	if d, ok := m[actor]; ok {
		return d, nil
	}
	return nil, dict.ErrNoDictionary
}

type pipelineHarness struct {
	engine   *storage.Engine
	registry *actors.Registry
	monitors *monitor.Registry
	pipeline *ReplyPipeline
}

func newPipeline(t *testing.T) *pipelineHarness {
	t.Helper()
	engine, err := storage.Open(context.Background(), storage.Settings{
		Product:    types.ProductNone,
		BufferPath: t.TempDir(),
		Workers:    1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(context.Background()) })

	tcc, err := dict.Parse("tcc", []byte(`
actor: tcc
version: {major: 1, minor: 0}
keys:
  - name: aliveAt
    values:
      - {name: timestamp, storage: int8}
`))
	require.NoError(t, err)

	registry := actors.New(engine, mapLoader{"tcc": tcc}, 100)
	monitors := monitor.New(engine, registry)
	pipeline, err := NewReplyPipeline(engine, registry, mjd.Clock{}, 100, 100)
	require.NoError(t, err)
	return &pipelineHarness{
		engine:   engine,
		registry: registry,
		monitors: monitors,
		pipeline: pipeline,
	}
}

// TestSingleRawIngest is the literal single-ingest scenario: one
// keyword-less line produces a raw row with id 0 and a header row with
// zero key errors.
func TestSingleRawIngest(t *testing.T) {
	h := newPipeline(t)
	require.NoError(t, h.pipeline.HandleLine("prog.user 1 tcc i "))

	raw := h.pipeline.raw.Buffered()
	require.Len(t, raw, 1)
	assert.Equal(t, types.Int64(0), raw[0][0])
	assert.False(t, raw[0][1].IsInvalid())
	assert.Greater(t, raw[0][1].Float, 0.0)
	assert.Equal(t, types.String("prog.user 1 tcc i "), raw[0][2])

	hdr := h.pipeline.hdr.Buffered()
	require.Len(t, hdr, 1)
	assert.Equal(t, types.Int64(0), hdr[0][0])                // raw_id
	assert.Equal(t, types.Int64(0), hdr[0][1])                // actor id
	assert.Equal(t, types.String("prog"), hdr[0][2])          // program
	assert.Equal(t, types.String("user"), hdr[0][3])          // username
	assert.Equal(t, types.Int64(1), hdr[0][4])                // cmd_num
	assert.Equal(t, types.String("i"), hdr[0][5])             // code
	assert.Equal(t, types.Int64(0), hdr[0][6])                // key_errors
}

// TestUnknownActorIngest is the literal unknown-actor scenario: the
// raw and header rows are recorded against a dictionary-less actor,
// every keyword counts as an error, and no keyword table appears.
func TestUnknownActorIngest(t *testing.T) {
	h := newPipeline(t)
	require.NoError(t, h.pipeline.HandleLine("p.u 1 XYZ i k=1"))

	require.Len(t, h.pipeline.raw.Buffered(), 1)
	hdr := h.pipeline.hdr.Buffered()
	require.Len(t, hdr, 1)
	assert.Equal(t, types.Int64(1), hdr[0][6], "key_errors")
	assert.False(t, h.engine.HasKeyTable("xyz", "k"))

	a, err := h.registry.Attach("xyz", false)
	require.NoError(t, err)
	assert.Nil(t, a.Dict)
}

func TestKeywordIngest(t *testing.T) {
	h := newPipeline(t)
	require.NoError(t, h.pipeline.HandleLine(".mcp 0 tcc i aliveAt=1240512177"))

	assert.True(t, h.engine.HasKeyTable("tcc", "aliveat"))
	kt, err := h.engine.AttachKey("tcc", "aliveAt", nil, 100)
	require.NoError(t, err)
	rows := kt.Buffered()
	require.Len(t, rows, 1)
	assert.Equal(t, types.Int64(0), rows[0][0])
	assert.Equal(t, types.Int64(1240512177), rows[0][1])

	hdr := h.pipeline.hdr.Buffered()
	require.Len(t, hdr, 1)
	assert.Equal(t, types.Int64(0), hdr[0][6], "key_errors")
}

func TestInvalidKeywordCountsError(t *testing.T) {
	h := newPipeline(t)
	// unknown keyword and a bad value for a known one
	require.NoError(t, h.pipeline.HandleLine("p.u 2 tcc i nosuch=1; aliveAt=notanumber"))

	hdr := h.pipeline.hdr.Buffered()
	require.Len(t, hdr, 1)
	assert.Equal(t, types.Int64(2), hdr[0][6], "key_errors")
}

func TestParseFailureRecordsRawOnly(t *testing.T) {
	h := newPipeline(t)
	require.NoError(t, h.pipeline.HandleLine("complete garbage"))

	assert.Len(t, h.pipeline.raw.Buffered(), 1)
	assert.Empty(t, h.pipeline.hdr.Buffered())
}

// TestRawIDMonotonic checks ids 0..n-1 for a fresh pipeline.
func TestRawIDMonotonic(t *testing.T) {
	h := newPipeline(t)
	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, h.pipeline.HandleLine("p.u 1 tcc i "))
	}
	raw := h.pipeline.raw.Buffered()
	require.Len(t, raw, n)
	for i, row := range raw {
		assert.Equal(t, types.Int64(int64(i)), row[0])
	}
}

func TestCommandSurface(t *testing.T) {
	h := newPipeline(t)
	cmds := &Commands{Monitors: h.monitors}

	send := func(line string) []string {
		var b strings.Builder
		cmds.HandleLine(context.Background(), line, &b)
		return strings.Split(strings.TrimSuffix(b.String(), "\n"), "\n")
	}

	out := send(`monitor create alive "tcc.aliveAt.timestamp" "is it alive"`)
	assert.Equal(t, "ok", out[len(out)-1])

	out = send("monitor info")
	assert.Contains(t, out[0], "alive = ")
	assert.Equal(t, "ok", out[len(out)-1])

	out = send("subscribe alive")
	require.True(t, strings.HasPrefix(out[0], "Created subscriber id "))
	id := strings.TrimPrefix(out[0], "Created subscriber id ")
	assert.Equal(t, "ok", out[len(out)-1])

	require.NoError(t, h.pipeline.HandleLine(".mcp 0 tcc i aliveAt=1240512177"))

	out = send("flush " + id)
	require.Len(t, out, 3)
	assert.Contains(t, out[0], "1240512177")
	assert.Equal(t, "Flush contained 1 row(s)", out[1])
	assert.Equal(t, "ok", out[2])

	out = send("monitor drop alive")
	assert.NotEqual(t, "ok", out[len(out)-1], "drop with a live subscriber fails")

	out = send("bogus")
	assert.Equal(t, "unknown command", out[0])

	out = send("flush nosuch")
	assert.Contains(t, out[0], "no such subscriber")
}
