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

// Package mjd provides the TAI MJD-seconds timescale used to timestamp
// every archived message: the count of SI seconds since the Modified
// Julian Date epoch (1858-11-17 00:00 UTC) on the TAI timescale.
package mjd

import (
	"time"

	"github.com/pkg/errors"
)

// UnixEpochDays is the MJD day number of the Unix epoch.
const UnixEpochDays = 40587

// TAIOffset is the TAI-UTC offset in seconds. Leap seconds have been
// frozen since 2017; a constant is sufficient at archiver resolution.
const TAIOffset = 37

// Clock converts wall-clock readings into TAI MJD seconds. The zero
// value assumes the system clock tracks UTC.
type Clock struct {
	// SystemTAI is set when the host clock tracks TAI directly, in
	// which case no leap-second offset is applied.
	SystemTAI bool

	// NowFn overrides the wall-clock source; tests pin it.
	NowFn func() time.Time
}

// ParseClock validates a systemClock configuration value.
func ParseClock(name string) (Clock, error) {
	switch name {
	case "UTC":
		return Clock{}, nil
	case "TAI":
		return Clock{SystemTAI: true}, nil
	default:
		return Clock{}, errors.Errorf("system clock must be UTC or TAI: %s", name)
	}
}

// Now returns the current time in TAI MJD seconds.
func (c Clock) Now() float64 {
	now := time.Now
	if c.NowFn != nil {
		now = c.NowFn
	}
	return c.Convert(now())
}

// Convert expresses a wall-clock reading in TAI MJD seconds.
func (c Clock) Convert(t time.Time) float64 {
	secs := float64(t.UnixNano()) / 1e9
	if !c.SystemTAI {
		secs += TAIOffset
	}
	return secs + UnixEpochDays*86400
}

// FromUnix converts TAI seconds since the Unix epoch into MJD seconds.
// Historical queries address time this way.
func FromUnix(epochSecs float64) float64 {
	return epochSecs + UnixEpochDays*86400
}

// ToTime converts TAI MJD seconds back to a wall-clock instant,
// assuming a UTC system clock. Used for display only.
func ToTime(mjdSecs float64) time.Time {
	unix := mjdSecs - UnixEpochDays*86400 - TAIOffset
	return time.Unix(0, int64(unix*1e9)).UTC()
}
