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

// Package monitor maintains named keyword expressions and delivers
// their incremental updates to subscribers.
package monitor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Subaru-PFS/ics-archiver/internal/actors"
	"github.com/Subaru-PFS/ics-archiver/internal/expr"
	"github.com/Subaru-PFS/ics-archiver/internal/storage"
	"github.com/Subaru-PFS/ics-archiver/internal/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultTimeout is the subscription expiry when the subscriber does
// not choose one.
const DefaultTimeout = 3600.0

// An Expression is one monitored expression: its parsed DAG plus the
// key tables referenced by its leaves.
type Expression struct {
	Name string // original case
	Text string
	Help string

	root   *expr.Node
	tables []*storage.KeyTable
}

// Value returns the expression's current value, nil when not yet
// evaluable.
func (e *Expression) Value() any { return e.root.Value }

// A Sample is one buffered subscription update.
type Sample struct {
	TAI   float64
	Value any
}

// A Subscription buffers the updates of one expression for one client
// until they are flushed or the subscription expires.
type Subscription struct {
	ID      string
	Timeout float64 // seconds since last flush before expiry

	expr      *Expression
	buffer    []Sample
	lastFlush time.Time
}

// Registry is the process-wide monitor state. It registers itself as
// the storage engine's key-update callback.
type Registry struct {
	actors *actors.Registry

	// now is replaced by tests.
	now func() time.Time

	mu struct {
		sync.Mutex
		lines map[string]*Expression     // by lowercase name
		subs  map[string]*Subscription   // by subscriber id
		byExp map[string][]*Subscription // by lowercase expression name
	}
}

// New builds a registry and hooks it into the engine's keyword stream.
func New(engine *storage.Engine, reg *actors.Registry) *Registry {
	r := &Registry{actors: reg, now: time.Now}
	r.mu.lines = map[string]*Expression{}
	r.mu.subs = map[string]*Subscription{}
	r.mu.byExp = map[string][]*Subscription{}
	engine.OnKeyUpdate(r.Update)
	return r
}

// Create parses and registers a new expression to monitor. Every
// keyword reference must name a known actor, keyword, and member.
func (r *Registry) Create(name, text, help string) error {
	lcname := strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.mu.lines[lcname]; ok {
		return errors.Errorf("name already in use: %s", name)
	}
	root, err := expr.Parse(text)
	if err != nil {
		return err
	}
	line := &Expression{Name: name, Text: text, Help: help, root: root}
	if err := r.resolve(line); err != nil {
		return err
	}
	r.mu.lines[lcname] = line
	r.mu.byExp[lcname] = nil
	return nil
}

// resolve binds every KeyValue leaf to its actor's key table and turns
// the member name into a positional index into the table's value
// columns.
func (r *Registry) resolve(line *Expression) error {
	var firstErr error
	line.root.Walk(func(n *expr.Node) {
		if n.Kind != expr.KindKeyValue || firstErr != nil {
			return
		}
		actorName, keyName, _ := strings.Cut(n.Tag, ".")
		actor, err := r.actors.Attach(actorName, true)
		if err != nil {
			firstErr = errors.Wrapf(err, "invalid actor in %s", n)
			return
		}
		key, ok := actor.Key(keyName)
		if !ok {
			firstErr = errors.Errorf("invalid keyword in %s", n)
			return
		}
		table, err := actor.KeyTable(key)
		if err != nil {
			firstErr = errors.Wrapf(err, "unable to attach %s", n.Tag)
			return
		}
		line.tables = append(line.tables, table)

		valueCols := table.Columns()[1:] // skip raw_id
		if n.Ref.Name == "" {
			// by default, use the first value
			if len(valueCols) == 0 {
				firstErr = errors.Errorf("keyword %s has no values", n.Tag)
				return
			}
			n.Ref.Index = 0
			return
		}
		member := strings.ToLower(n.Ref.Name)
		for i, col := range valueCols {
			if col.Name == member {
				n.Ref.Index = i
				return
			}
		}
		firstErr = errors.Errorf("invalid keyword value in %s", n)
	})
	return firstErr
}

// Drop removes a monitored expression. An expression with live
// subscribers cannot be dropped.
func (r *Registry) Drop(name string) error {
	lcname := strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.mu.lines[lcname]; !ok {
		return errors.Errorf("no such monitor: %s", name)
	}
	if len(r.mu.byExp[lcname]) > 0 {
		return errors.New("cannot drop monitor with subscribers")
	}
	delete(r.mu.lines, lcname)
	delete(r.mu.byExp, lcname)
	return nil
}

// Subscribe creates a subscription to the named expression and returns
// its opaque id. With history set, that many seconds of stored keyword
// data are loaded and replayed through the expression on a separate
// goroutine; live updates that arrive before the replay finishes are
// buffered alongside the replayed samples.
func (r *Registry) Subscribe(ctx context.Context, name string, timeout, history float64) (string, error) {
	lcname := strings.ToLower(name)
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r.mu.Lock()
	line, ok := r.mu.lines[lcname]
	if !ok {
		r.mu.Unlock()
		return "", errors.Errorf("no such monitor to subscribe to: %s", name)
	}
	sub := &Subscription{
		ID:        newSubID(),
		Timeout:   timeout,
		expr:      line,
		lastFlush: r.now(),
	}
	r.mu.byExp[lcname] = append(r.mu.byExp[lcname], sub)
	r.mu.subs[sub.ID] = sub
	r.mu.Unlock()

	if history > 0 {
		go r.loadHistory(ctx, line, sub, history)
	}
	return sub.ID, nil
}

func newSubID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// historyRow pairs a keyword tag with one stored row.
type historyRow struct {
	tag    string
	tai    float64
	values []types.Value
}

// loadHistory reads the recent past of every key table the expression
// references, merges the rows by ascending timestamp, and replays them
// through the DAG, buffering each latched value.
func (r *Registry) loadHistory(ctx context.Context, line *Expression, sub *Subscription, history float64) {
	merged := map[float64]historyRow{}
	for _, table := range line.tables {
		rows, err := table.ByDate(ctx, history, storage.EndAt{Now: true})
		if err != nil {
			log.WithError(err).Errorf("unable to load history for %s", table.Tag)
			return
		}
		for _, row := range rows {
			merged[row.TAI] = historyRow{tag: table.Tag, tai: row.TAI, values: row.Values}
		}
	}
	order := make([]float64, 0, len(merged))
	for tai := range merged {
		order = append(order, tai)
	}
	sort.Float64s(order)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tai := range order {
		row := merged[tai]
		changed, err := line.root.Update(row.tag, nativeValues(row.values))
		if err != nil {
			log.WithError(err).Errorf("history update failed for %s", row.tag)
			return
		}
		if changed && line.root.Value != nil {
			sub.buffer = append(sub.buffer, Sample{TAI: row.tai, Value: line.root.Value})
		}
	}
}

// Update is the storage engine's key-update callback: it propagates
// one keyword update through every expression watching the tag and
// buffers the result for live subscribers. Expired subscriptions are
// removed and the update is dropped for them.
func (r *Registry) Update(tag string, tai float64, values []types.Value) {
	tag = strings.ToLower(tag)
	vals := nativeValues(values)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for lcname, line := range r.mu.lines {
		if !watches(line.root, tag) {
			continue
		}
		changed, err := line.root.Update(tag, vals)
		if err != nil {
			log.WithError(err).Errorf("monitor update failed for %s", line.Name)
			continue
		}
		subs := r.mu.byExp[lcname]
		live := subs[:0]
		for _, sub := range subs {
			if now.Sub(sub.lastFlush).Seconds() >= sub.Timeout {
				delete(r.mu.subs, sub.ID)
				log.Infof("expired subscription ID %s", sub.ID)
				continue
			}
			live = append(live, sub)
			if changed && line.root.Value != nil {
				sub.buffer = append(sub.buffer, Sample{TAI: tai, Value: line.root.Value})
			}
		}
		r.mu.byExp[lcname] = live
	}
}

func watches(root *expr.Node, tag string) bool {
	set := root.WatchSet()
	i := sort.SearchStrings(set, tag)
	return i < len(set) && set[i] == tag
}

func nativeValues(values []types.Value) expr.Values {
	list := make([]any, len(values))
	for i, v := range values {
		list[i] = v.Native()
	}
	return expr.Values{List: list}
}

// Flush returns and clears the samples accumulated for a subscriber
// since its previous flush.
func (r *Registry) Flush(id string) ([]Sample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.mu.subs[id]
	if !ok {
		return nil, errors.Errorf("no such subscriber with ID %s", id)
	}
	sub.lastFlush = r.now()
	out := sub.buffer
	sub.buffer = nil
	return out, nil
}

// LineInfo describes one monitored expression.
type LineInfo struct {
	Name        string
	Text        string
	Help        string
	Subscribers int
}

// Info returns the monitored expressions, sorted by name.
func (r *Registry) Info() []LineInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.mu.lines))
	for name := range r.mu.lines {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]LineInfo, len(names))
	for i, name := range names {
		line := r.mu.lines[name]
		out[i] = LineInfo{
			Name:        line.Name,
			Text:        line.Text,
			Help:        line.Help,
			Subscribers: len(r.mu.byExp[name]),
		}
	}
	return out
}

// SubscriberInfo describes one live subscription.
type SubscriberInfo struct {
	ID             string
	Expression     string
	Timeout        float64
	SinceLastFlush float64
}

// Subscribers returns diagnostics for every live subscription.
func (r *Registry) Subscribers() []SubscriberInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	out := make([]SubscriberInfo, 0, len(r.mu.subs))
	for id, sub := range r.mu.subs {
		out = append(out, SubscriberInfo{
			ID:             id,
			Expression:     sub.expr.Name,
			Timeout:        sub.Timeout,
			SinceLastFlush: now.Sub(sub.lastFlush).Seconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns a monitored expression by name, for tests and
// diagnostics.
func (r *Registry) Lookup(name string) (*Expression, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	line, ok := r.mu.lines[strings.ToLower(name)]
	return line, ok
}
