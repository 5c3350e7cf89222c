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

// Package source implements the archiver's protocol front-end: the
// reply and command line receivers, the reconnecting hub client, and
// the HTTP read-back surface.
package source

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// MaxLineLength bounds one inbound message. An oversized message is a
// recoverable per-connection error: it is logged and dropped.
const MaxLineLength = 16384

// readLines splits an inbound byte stream on LF, tolerating an
// optional CR before the LF, and hands each line to handle. A non-nil
// error from handle aborts the connection; it is reserved for fatal
// conditions.
func readLines(r io.Reader, name string, handle func(line string) error) error {
	br := bufio.NewReaderSize(r, MaxLineLength)
	messages, bytes := 0, 0
	defer func() {
		log.Infof("%s: received %d messages (%d bytes)", name, messages, bytes)
	}()
	for {
		chunk, err := br.ReadSlice('\n')
		switch {
		case err == nil:
			line := strings.TrimSuffix(strings.TrimSuffix(string(chunk), "\n"), "\r")
			messages++
			bytes += len(line)
			if err := handle(line); err != nil {
				return err
			}
		case errors.Is(err, bufio.ErrBufferFull):
			log.Errorf("%s: max line length exceeded: > %d", name, MaxLineLength)
			if err := discardToNewline(br); err != nil {
				return ioResult(err)
			}
		default:
			return ioResult(err)
		}
	}
}

// discardToNewline drops the remainder of an oversized line.
func discardToNewline(br *bufio.Reader) error {
	for {
		_, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return err
	}
}

// ioResult treats EOF as a clean connection close.
func ioResult(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return errors.WithStack(err)
}
