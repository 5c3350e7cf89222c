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

package mjd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertUTCClock(t *testing.T) {
	var c Clock
	epoch := time.Unix(0, 0)
	// the Unix epoch is MJD day 40587, plus the TAI-UTC offset
	assert.Equal(t, float64(UnixEpochDays*86400+TAIOffset), c.Convert(epoch))
}

func TestConvertTAIClock(t *testing.T) {
	c := Clock{SystemTAI: true}
	epoch := time.Unix(0, 0)
	assert.Equal(t, float64(UnixEpochDays*86400), c.Convert(epoch))
}

func TestNowUsesInjectedSource(t *testing.T) {
	fixed := time.Unix(1240512177, 0)
	c := Clock{NowFn: func() time.Time { return fixed }}
	assert.Equal(t, c.Convert(fixed), c.Now())
}

func TestNowMonotonic(t *testing.T) {
	var c Clock
	a := c.Now()
	b := c.Now()
	assert.LessOrEqual(t, a, b)
}

func TestParseClock(t *testing.T) {
	c, err := ParseClock("UTC")
	require.NoError(t, err)
	assert.False(t, c.SystemTAI)

	c, err = ParseClock("TAI")
	require.NoError(t, err)
	assert.True(t, c.SystemTAI)

	_, err = ParseClock("GPS")
	assert.Error(t, err)
}

func TestFromUnixMatchesConvert(t *testing.T) {
	// FromUnix addresses TAI epoch seconds directly: no leap offset
	c := Clock{SystemTAI: true}
	at := time.Unix(1240512177, 0)
	assert.Equal(t, c.Convert(at), FromUnix(1240512177))
}

func TestToTimeRoundTrip(t *testing.T) {
	var c Clock
	at := time.Unix(1240512177, 0).UTC()
	back := ToTime(c.Convert(at))
	assert.WithinDuration(t, at, back, time.Millisecond)
}
