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
	"sync"

	"github.com/Subaru-PFS/ics-archiver/internal/actors"
	"github.com/Subaru-PFS/ics-archiver/internal/opsmsg"
	"github.com/Subaru-PFS/ics-archiver/internal/storage"
	"github.com/Subaru-PFS/ics-archiver/internal/types"
	"github.com/Subaru-PFS/ics-archiver/internal/util/mjd"
	log "github.com/sirupsen/logrus"
)

// ReplyPipeline archives the reply message stream. A single pipeline
// is shared by every reply connection; its mutex serializes the
// assignment of raw ids across connections, so ids and timestamps are
// monotonic.
type ReplyPipeline struct {
	clock  mjd.Clock
	raw    *storage.Table
	hdr    *storage.Table
	actors *actors.Registry

	mu sync.Mutex
}

// NewReplyPipeline attaches the two core reply tables.
func NewReplyPipeline(
	engine *storage.Engine, reg *actors.Registry, clock mjd.Clock,
	rawBufferSize, hdrBufferSize int,
) (*ReplyPipeline, error) {
	raw, err := engine.Attach("reply_raw", []storage.Column{
		storage.Col("id", types.Int8),
		storage.Col("tai", types.Flt8),
		storage.Col("msg", types.Text),
	}, rawBufferSize, "tai")
	if err != nil {
		return nil, err
	}
	hdr, err := engine.Attach("reply_hdr", []storage.Column{
		storage.Col("raw_id", types.Int8),
		storage.Col("actor_id", types.Int4),
		storage.Col("program", types.Text),
		storage.Col("username", types.Text),
		storage.Col("cmd_num", types.Int4),
		storage.Col("code", types.Text),
		storage.Col("key_errors", types.Int4),
	}, hdrBufferSize, "actor_id")
	if err != nil {
		return nil, err
	}
	return &ReplyPipeline{
		clock:  clock,
		raw:    raw,
		hdr:    hdr,
		actors: reg,
	}, nil
}

// HandleLine archives one reply line: the raw message always, then a
// header row and per-keyword rows when the message parses. The
// returned error is reserved for fatal schema conflicts; everything
// else is logged and absorbed.
func (p *ReplyPipeline) HandleLine(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// timestamp the message before trying to interpret it
	tai := p.clock.Now()
	rawID := p.raw.NextID()
	if err := p.raw.Record(
		types.Int64(rawID), types.Float64(tai), types.String(line)); err != nil {
		log.WithError(err).Error("could not record raw reply")
		return nil
	}

	parsed, err := opsmsg.ParseReply(line)
	if err != nil {
		log.WithError(err).Debugf("unable to parse message: %.120q", line)
		return nil
	}
	hdr := parsed.Header

	actor, err := p.actors.Attach(hdr.Actor, false)
	if err != nil {
		if actors.IsFatal(err) {
			return err
		}
		log.WithError(err).Errorf("unable to attach actor %s", hdr.Actor)
		return nil
	}

	keyErrors := 0
	if actor.Dict == nil {
		// read-only actor: nothing can be validated
		keyErrors = len(parsed.Keywords)
	} else {
		for _, kw := range parsed.Keywords {
			keyErrors += p.archiveKeyword(actor, tai, rawID, kw)
		}
	}

	if err := p.hdr.Record(
		types.Int64(rawID),
		types.Int64(int64(actor.ID)),
		types.String(hdr.Program),
		types.String(hdr.User),
		types.Int64(int64(hdr.CmdNum)),
		types.String(string(hdr.Code)),
		types.Int64(int64(keyErrors)),
	); err != nil {
		log.WithError(err).Error("could not record reply header")
	}
	return nil
}

// archiveKeyword validates and stores one keyword, returning the
// number of key errors it contributed (zero or one).
func (p *ReplyPipeline) archiveKeyword(
	actor *actors.Actor, tai float64, rawID int64, kw opsmsg.Keyword,
) int {
	keytag := actor.Name + "." + kw.Name
	key, ok := actor.Key(kw.Name)
	if !ok {
		log.Errorf("unknown keyword %s", keytag)
		return 1
	}
	values, ok := key.Validate(kw.Values)
	if !ok {
		log.Errorf("invalid keyword values for %s", keytag)
		return 1
	}
	table, err := actor.KeyTable(key)
	if err != nil {
		log.WithError(err).Errorf("error attaching table for %s", keytag)
		return 1
	}
	if err := table.Record(tai, rawID, values...); err != nil {
		log.WithError(err).Errorf("error writing to %s", keytag)
		return 1
	}
	actor.CountKey(kw.Name)
	return 0
}
