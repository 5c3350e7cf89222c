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

// Package dict loads per-actor schema dictionaries and provides the
// keyword validators that turn raw reply values into typed columns.
package dict

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Subaru-PFS/ics-archiver/internal/types"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrNoDictionary is returned by a Loader when no dictionary file is
// available for an actor.
var ErrNoDictionary = errors.New("no dictionary available")

// A Scalar is a fundamental value type with a one-to-one
// correspondence with a table column.
type Scalar struct {
	Name    string        `yaml:"name"`
	Storage types.Storage `yaml:"storage"`
	Units   string        `yaml:"units,omitempty"`
	Help    string        `yaml:"help,omitempty"`
}

// A Field is one declared value slot in a keyword: a plain scalar, a
// repeated scalar, or a compound of named sub-fields.
type Field struct {
	Scalar `yaml:",inline"`

	// MinRepeat/MaxRepeat bound a repeated value. Both zero means a
	// plain (single) value. MaxRepeat zero with MinRepeat set means no
	// declared maximum; only the minimum number is stored.
	MinRepeat int `yaml:"min_repeat,omitempty"`
	MaxRepeat int `yaml:"max_repeat,omitempty"`

	// Fields is set for compound values.
	Fields []Scalar `yaml:"fields,omitempty"`
}

// A Key is a keyword validator: its declared value slots plus the
// flattened column list they expand to.
type Key struct {
	Name   string  `yaml:"name"`
	Help   string  `yaml:"help,omitempty"`
	Values []Field `yaml:"values"`

	// cached by Columns()
	cols     []Scalar
	minCount int
}

// A Dictionary is the versioned schema of one actor.
type Dictionary struct {
	Actor    string `yaml:"actor"`
	Version  Version
	Checksum string
	Keys     map[string]*Key
}

// Version is a (major, minor) dictionary version.
type Version struct {
	Major int32 `yaml:"major"`
	Minor int32 `yaml:"minor"`
}

// Less reports strict version ordering.
func (v Version) Less(o Version) bool {
	return v.Major < o.Major || (v.Major == o.Major && v.Minor < o.Minor)
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// Columns returns the flattened physical columns for this keyword, in
// declaration order. Column names are lowercase. The raw_id link
// column is not included; the storage layer prepends it.
func (k *Key) Columns() ([]Scalar, error) {
	if k.cols != nil {
		return k.cols, nil
	}
	var cols []Scalar
	minCount := 0
	for index, f := range k.Values {
		name := strings.ToLower(f.Name)
		if name == "" {
			name = fmt.Sprintf("val%d", index)
		}
		switch {
		case len(f.Fields) > 0:
			for subindex, sub := range f.Fields {
				if sub.Storage == "" {
					return nil, errors.Errorf(
						"no storage type for compound column: %s.%s", k.Name, name)
				}
				subname := strings.ToLower(sub.Name)
				if subname == "" {
					subname = fmt.Sprintf("val%d", subindex)
				}
				sub.Name = name + "_" + subname
				cols = append(cols, sub)
			}
			minCount += len(f.Fields)
		case f.MinRepeat > 0 || f.MaxRepeat > 0:
			if f.Storage == "" {
				return nil, errors.Errorf(
					"no storage type for repeated column: %s.%s", k.Name, name)
			}
			// A repeated type is stored in a fixed number of columns.
			// With no declared maximum, only the minimum number is
			// stored.
			repeat := f.MaxRepeat
			if repeat == 0 {
				repeat = f.MinRepeat
			}
			for rep := 0; rep < repeat; rep++ {
				col := f.Scalar
				if f.MinRepeat == 1 && f.MaxRepeat == 1 {
					// don't number a value that occurs exactly once
					col.Name = name
				} else {
					col.Name = fmt.Sprintf("%s_%d", name, rep)
				}
				cols = append(cols, col)
			}
			minCount += f.MinRepeat
		default:
			if f.Storage == "" {
				return nil, errors.Errorf(
					"no storage type for column: %s.%s", k.Name, name)
			}
			col := f.Scalar
			col.Name = name
			cols = append(cols, col)
			minCount++
		}
	}
	k.cols = cols
	k.minCount = minCount
	return cols, nil
}

// Validate converts the raw values of one keyword instance into typed
// column values. It fails when the value count falls outside the
// declared bounds or a value does not convert to its column's storage
// type. The result has one value per raw value: missing trailing values
// of a variable-length repeat are not returned, and the table stores the
// columns they would fill as NULL.
func (k *Key) Validate(raw []string) ([]types.Value, bool) {
	cols, err := k.Columns()
	if err != nil {
		return nil, false
	}
	if len(raw) < k.minCount || len(raw) > len(cols) {
		return nil, false
	}
	out := make([]types.Value, len(raw))
	for i, s := range raw {
		v, ok := convert(s, cols[i].Storage)
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func convert(raw string, storage types.Storage) (types.Value, bool) {
	switch {
	case storage.IsInteger():
		n, err := strconv.ParseInt(raw, 0, 64)
		if err != nil {
			return types.InvalidValue, false
		}
		return types.Int64(n), true
	case storage.IsFloat():
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return types.InvalidValue, false
		}
		return types.Float64(f), true
	default:
		return types.String(raw), true
	}
}

// A Loader resolves actor names to dictionaries.
type Loader interface {
	// Load returns the dictionary for the named actor, or
	// ErrNoDictionary when none is defined.
	Load(actor string) (*Dictionary, error)
}

// FileLoader reads <actor>.yaml dictionary files from a directory.
type FileLoader struct {
	Dir string
}

var _ Loader = (*FileLoader)(nil)

// dictFile is the on-disk YAML layout.
type dictFile struct {
	Actor   string  `yaml:"actor"`
	Version Version `yaml:"version"`
	Keys    []*Key  `yaml:"keys"`
}

// Load implements Loader. The dictionary checksum is the SHA-256 of
// the file contents, so any edit without a version bump is detected at
// reconciliation time.
func (l *FileLoader) Load(actor string) (*Dictionary, error) {
	if l.Dir == "" {
		return nil, ErrNoDictionary
	}
	path := filepath.Join(l.Dir, strings.ToLower(actor)+".yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNoDictionary
	} else if err != nil {
		return nil, errors.WithStack(err)
	}
	return Parse(actor, data)
}

// Parse decodes a dictionary from its YAML form.
func Parse(actor string, data []byte) (*Dictionary, error) {
	var file dictFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "could not parse dictionary for %s", actor)
	}
	sum := sha256.Sum256(data)
	d := &Dictionary{
		Actor:    strings.ToLower(actor),
		Version:  file.Version,
		Checksum: hex.EncodeToString(sum[:]),
		Keys:     make(map[string]*Key, len(file.Keys)),
	}
	for _, key := range file.Keys {
		if key.Name == "" {
			return nil, errors.Errorf("unnamed key in %s dictionary", actor)
		}
		// verify the flattening up front so schema errors surface at
		// load time rather than on the first matching reply
		if _, err := key.Columns(); err != nil {
			return nil, err
		}
		d.Keys[strings.ToLower(key.Name)] = key
	}
	return d, nil
}
