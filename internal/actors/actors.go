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

// Package actors tracks the message sources known to the archiver and
// reconciles their schema dictionaries against the actors table.
package actors

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Subaru-PFS/ics-archiver/internal/dict"
	"github.com/Subaru-PFS/ics-archiver/internal/storage"
	"github.com/Subaru-PFS/ics-archiver/internal/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// tableName is the SQL table of known actors.
const tableName = "actors"

// actorsBufferSize keeps the actors table close to the database; new
// versions are rare.
const actorsBufferSize = 3

// schemaConflict marks reconciliation failures that must terminate the
// process: continuing would archive rows against the wrong schema.
type schemaConflict struct {
	msg string
}

func (e *schemaConflict) Error() string { return e.msg }

// IsFatal reports whether an attach error is a schema conflict that
// should abort the process rather than be skipped.
func IsFatal(err error) bool {
	var c *schemaConflict
	return errors.As(err, &c)
}

// An Actor is a named message source with a versioned schema
// dictionary. An actor without a dictionary is usable in read-only
// mode: every incoming keyword counts as a key error.
type Actor struct {
	Name string
	ID   uint32

	// Dict is nil when no dictionary is available.
	Dict *dict.Dictionary

	registry *Registry
	keyStats map[string]int
}

// Registry owns per-actor identity and reconciliation state.
type Registry struct {
	engine        *storage.Engine
	loader        dict.Loader
	keyBufferSize int

	mu struct {
		sync.Mutex
		table    *storage.Table
		existing map[string]storage.ActorRow
		actors   map[string]*Actor
	}
}

// New builds a registry over the engine's startup scan of the actors
// table.
func New(engine *storage.Engine, loader dict.Loader, keyBufferSize int) *Registry {
	r := &Registry{
		engine:        engine,
		loader:        loader,
		keyBufferSize: keyBufferSize,
	}
	r.mu.existing = engine.ExistingActors()
	r.mu.actors = map[string]*Actor{}
	return r
}

// Attach returns the actor record for name, loading and reconciling
// its dictionary on first use. With dictionaryRequired set, an actor
// without a dictionary is an error.
func (r *Registry) Attach(name string, dictionaryRequired bool) (*Actor, error) {
	name = strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.mu.actors[name]; ok {
		if dictionaryRequired && a.Dict == nil {
			return nil, errors.Errorf("no %s dictionary available", name)
		}
		return a, nil
	}

	if r.mu.table == nil {
		t, err := r.engine.Attach(tableName, []storage.Column{
			storage.Col("id", types.Int4),
			storage.Col("name", types.Text),
			storage.Col("major", types.Int4),
			storage.Col("minor", types.Int4),
			storage.Col("checksum", types.Text),
		}, actorsBufferSize)
		if err != nil {
			return nil, err
		}
		r.mu.table = t
	}

	a := &Actor{
		Name:     name,
		registry: r,
		keyStats: map[string]int{},
	}

	log.Infof("loading keys dictionary for %s", name)
	d, err := r.loader.Load(name)
	switch {
	case err == nil:
		a.Dict = d
	case errors.Is(err, dict.ErrNoDictionary):
		if dictionaryRequired {
			return nil, errors.Errorf("no %s dictionary available", name)
		}
		log.Warnf("no dictionary available for %s; keywords will not be archived", name)
	default:
		return nil, err
	}

	version := dict.Version{}
	checksum := ""
	if a.Dict != nil {
		version = a.Dict.Version
		checksum = a.Dict.Checksum
	}

	if ex, ok := r.mu.existing[name]; ok {
		exVersion := dict.Version{Major: ex.Major, Minor: ex.Minor}
		switch {
		case version == exVersion:
			if checksum != ex.Checksum {
				return nil, errors.WithStack(&schemaConflict{msg: fmt.Sprintf(
					"dictionary has changed without version update for %s %s",
					name, version)})
			}
			log.Infof("re-initializing %s actor version %s", name, version)
			a.ID = ex.ID
		case version.Less(exVersion):
			return nil, errors.WithStack(&schemaConflict{msg: fmt.Sprintf(
				"found old dictionary for %s? %s < %s", name, version, exVersion)})
		default:
			log.Infof("updating %s actor from %s to %s", name, exVersion, version)
			if err := r.insertLocked(a, version, checksum); err != nil {
				return nil, err
			}
		}
	} else {
		log.Infof("recording new %s actor in database (version %s)", name, version)
		if err := r.insertLocked(a, version, checksum); err != nil {
			return nil, err
		}
	}

	r.mu.actors[name] = a
	return a, nil
}

// insertLocked appends a fresh (actor, version) row with a new id.
func (r *Registry) insertLocked(a *Actor, version dict.Version, checksum string) error {
	id := r.mu.table.NextID()
	a.ID = uint32(id)
	return r.mu.table.Record(
		types.Int64(id),
		types.String(a.Name),
		types.Int64(int64(version.Major)),
		types.Int64(int64(version.Minor)),
		types.String(checksum),
	)
}

// AllNames returns an alphabetical list of every known actor name,
// whether discovered in the database or attached this session.
func (r *Registry) AllNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]struct{}{}
	for name := range r.mu.existing {
		seen[name] = struct{}{}
	}
	for name := range r.mu.actors {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Key looks up a keyword validator in the actor's dictionary.
func (a *Actor) Key(keyName string) (*dict.Key, bool) {
	if a.Dict == nil {
		return nil, false
	}
	k, ok := a.Dict.Keys[strings.ToLower(keyName)]
	return k, ok
}

// KeyTable attaches the database table backing one of this actor's
// keywords.
func (a *Actor) KeyTable(key *dict.Key) (*storage.KeyTable, error) {
	scalars, err := key.Columns()
	if err != nil {
		return nil, err
	}
	cols := make([]storage.Column, len(scalars))
	for i, s := range scalars {
		cols[i] = storage.Column{
			Name:    s.Name,
			Storage: s.Storage,
			Units:   s.Units,
			Help:    s.Help,
		}
	}
	return a.registry.engine.AttachKey(a.Name, key.Name, cols, a.registry.keyBufferSize)
}

// CountKey updates the per-keyword archive statistics.
func (a *Actor) CountKey(keyName string) {
	a.registry.mu.Lock()
	defer a.registry.mu.Unlock()
	a.keyStats[keyName]++
}
