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

// Package storage implements the buffered append-only table engine:
// rows accumulate in memory and in on-disk staging files, and a
// bounded worker pool bulk-loads the staging files into the backend.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Subaru-PFS/ics-archiver/internal/types"
	"github.com/Subaru-PFS/ics-archiver/internal/util/mjd"
	_ "github.com/go-sql-driver/mysql" // register driver
	"github.com/gofrs/flock"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register driver
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Settings bundles the construction-time parameters of the engine.
type Settings struct {
	Product      types.Product
	DSN          string
	BufferPath   string // staging directory, owned exclusively by this process
	TraceList    []string
	PingInterval float64 // seconds between idle-flush ticks; zero disables
	IdleTime     float64 // seconds of global inactivity before idle flushing
	Workers      int     // bounded worker pool size
	Clock        mjd.Clock
}

// tableInfo records what the startup scan found for one existing
// table.
type tableInfo struct {
	maxID   int64 // largest id / raw_id value, or -1 when empty
	columns []string
}

// ActorRow is one reconciliation row scanned from the actors table.
type ActorRow struct {
	ID       uint32
	Major    int32
	Minor    int32
	Checksum string
}

// KeyUpdateFunc receives every row appended to a key table. The
// monitor service registers itself here.
type KeyUpdateFunc func(tag string, tai float64, values []types.Value)

// Engine owns every table's buffer state. A single mutex serializes
// all buffer and registry mutations; only bulk loads and read-back
// queries run outside it, on the worker pool's database connections.
type Engine struct {
	cfg  Settings
	pool *types.TargetPool
	lock *flock.Flock

	workers chan struct{} // semaphore bounding in-flight database work

	onKeyUpdate KeyUpdateFunc

	mu struct {
		sync.Mutex
		existing     map[string]tableInfo
		registry     map[string]*Table
		keyTables    map[string]*KeyTable
		order        []string // registration order, for deterministic shutdown
		actors       map[string]ActorRow
		lastActivity time.Time
		inFlight     int
	}
}

// Open connects to the configured backend, scans the existing tables
// to rebuild the next-ID counters, and acquires the staging-directory
// lock. With ProductNone the engine runs without persistence.
func Open(ctx context.Context, cfg Settings) (*Engine, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	e := &Engine{
		cfg:     cfg,
		workers: make(chan struct{}, cfg.Workers),
	}
	e.mu.existing = map[string]tableInfo{}
	e.mu.registry = map[string]*Table{}
	e.mu.keyTables = map[string]*KeyTable{}
	e.mu.actors = map[string]ActorRow{}

	e.lock = flock.New(filepath.Join(cfg.BufferPath, ".lock"))
	if ok, err := e.lock.TryLock(); err != nil {
		return nil, errors.Wrap(err, "could not lock staging directory")
	} else if !ok {
		return nil, errors.Errorf("staging directory is locked by another process: %s", cfg.BufferPath)
	}

	if cfg.Product == types.ProductNone {
		log.Info("will not use any database engine")
		return e, nil
	}

	driver := "pgx"
	if cfg.Product == types.ProductMySQL {
		driver = "mysql"
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	db.SetMaxOpenConns(cfg.Workers)
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Wrap(err, "could not ping the database")
	}
	e.pool = &types.TargetPool{
		DB: db,
		PoolInfo: types.PoolInfo{
			ConnectionString: cfg.DSN,
			Product:          cfg.Product,
		},
	}
	if err := e.pool.QueryRowContext(ctx, versionQuery(cfg.Product)).
		Scan(&e.pool.Version); err != nil {
		return nil, errors.Wrap(err, "could not query version")
	}
	log.Infof("connected to %s %s", cfg.Product, e.pool.Version)

	if err := e.scanExisting(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func versionQuery(p types.Product) string {
	if p == types.ProductMySQL {
		return "SELECT VERSION()"
	}
	return "SHOW server_version"
}

// scanExisting inventories the tables already present in the database:
// their ordered column lists and the largest persisted id, so that the
// process-local counters continue where the previous run stopped.
func (e *Engine) scanExisting(ctx context.Context) error {
	listQuery := "select tablename from pg_tables where schemaname='public'"
	if e.cfg.Product == types.ProductMySQL {
		listQuery = "select table_name from information_schema.tables where table_schema = database()"
	}
	rows, err := e.pool.QueryContext(ctx, listQuery)
	if err != nil {
		return errors.WithStack(err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return errors.WithStack(err)
		}
		name = strings.ToLower(name)
		if strings.HasPrefix(name, "pg_") || strings.HasPrefix(name, "sql_") {
			continue
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return errors.WithStack(err)
	}

	for _, name := range names {
		idCol := "raw_id"
		if name == "reply_raw" || name == "actors" {
			idCol = "id"
		}
		var maxID sql.NullInt64
		if err := e.pool.QueryRowContext(ctx,
			fmt.Sprintf("select max(%s) from %s", idCol, name)).Scan(&maxID); err != nil {
			return errors.Wrapf(err, "could not size table %s", name)
		}
		info := tableInfo{maxID: -1}
		if maxID.Valid {
			info.maxID = maxID.Int64
		}
		probe, err := e.pool.QueryContext(ctx,
			fmt.Sprintf("select * from %s where 1=0", name))
		if err != nil {
			return errors.Wrapf(err, "could not probe table %s", name)
		}
		cols, err := probe.Columns()
		probe.Close()
		if err != nil {
			return errors.WithStack(err)
		}
		for i := range cols {
			cols[i] = strings.ToLower(cols[i])
		}
		info.columns = cols
		e.mu.existing[name] = info
		log.WithFields(log.Fields{
			"table": name,
			"maxID": info.maxID,
		}).Debug("found existing table")
	}

	if _, ok := e.mu.existing["actors"]; ok {
		return e.scanActors(ctx)
	}
	log.Info("no actors defined in database")
	return nil
}

// scanActors loads the reconciliation rows of the actors table. Later
// rows (newer versions) supersede earlier ones.
func (e *Engine) scanActors(ctx context.Context) error {
	rows, err := e.pool.QueryContext(ctx,
		"select id, name, major, minor, checksum from actors order by id")
	if err != nil {
		return errors.WithStack(err)
	}
	defer rows.Close()
	for rows.Next() {
		var row ActorRow
		var name string
		if err := rows.Scan(&row.ID, &name, &row.Major, &row.Minor, &row.Checksum); err != nil {
			return errors.WithStack(err)
		}
		e.mu.actors[strings.ToLower(name)] = row
	}
	for name, row := range e.mu.actors {
		log.Infof("expecting %s actor at version %d.%d", name, row.Major, row.Minor)
	}
	return errors.WithStack(rows.Err())
}

// ExistingActors returns the reconciliation rows found at startup.
func (e *Engine) ExistingActors() map[string]ActorRow {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]ActorRow, len(e.mu.actors))
	for k, v := range e.mu.actors {
		out[k] = v
	}
	return out
}

// OnKeyUpdate registers the callback fired after every key-table row.
func (e *Engine) OnKeyUpdate(fn KeyUpdateFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onKeyUpdate = fn
}

// HasTable returns true when a table exists in the database or has
// been attached during this run.
func (e *Engine) HasTable(name string) bool {
	name = strings.ToLower(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.mu.registry[name]; ok {
		return true
	}
	_, ok := e.mu.existing[name]
	return ok
}

// Attach looks up or creates a table. Attaching an existing table with
// an incompatible column list is a configuration error; the caller is
// expected to treat it as fatal.
func (e *Engine) Attach(name string, cols []Column, bufferSize int, indices ...string) (*Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attachLocked(name, cols, bufferSize, indices)
}

func (e *Engine) attachLocked(name string, cols []Column, bufferSize int, indices []string) (*Table, error) {
	name = strings.ToLower(name)
	if t, ok := e.mu.registry[name]; ok {
		if err := t.checkColumns(cols); err != nil {
			return nil, err
		}
		return t, nil
	}
	if len(cols) == 0 {
		return nil, errors.Errorf("cannot create table without column types: %s", name)
	}
	if bufferSize <= 0 {
		return nil, errors.Errorf("buffer size must be positive for table %s: %d", name, bufferSize)
	}
	for _, c := range cols {
		if _, err := c.Storage.SQLType(); err != nil {
			return nil, errors.Wrapf(err, "table %s", name)
		}
	}
	t := &Table{
		engine:     e,
		name:       name,
		cols:       cols,
		bufferSize: bufferSize,
	}
	if info, ok := e.mu.existing[name]; ok {
		if err := t.checkExisting(info.columns); err != nil {
			return nil, err
		}
		t.nextID = info.maxID + 1
		log.Infof("initializing existing table %s", name)
	} else {
		log.WithFields(log.Fields{
			"table":   name,
			"columns": t.columnNames(),
		}).Info("creating new table")
		if err := t.create(indices); err != nil {
			return nil, err
		}
	}
	if err := t.openBufferLocked(); err != nil {
		return nil, err
	}
	for _, traced := range e.cfg.TraceList {
		if traced == name {
			t.startTrace()
		}
	}
	e.mu.registry[name] = t
	e.mu.order = append(e.mu.order, name)
	t.recordActivityLocked()
	return t, nil
}

// dispatch hands a blocking database job to the worker pool and
// reports its completion through done, which runs with the engine
// mutex held. The caller must hold the engine mutex.
func (e *Engine) dispatch(job func(context.Context) error, done func(error)) {
	e.mu.inFlight++
	go func() {
		e.workers <- struct{}{}
		defer func() { <-e.workers }()
		err := job(context.Background())
		e.mu.Lock()
		defer e.mu.Unlock()
		e.mu.inFlight--
		done(err)
	}()
}

// loadFile bulk-loads one staging file. On success the file is
// removed. On failure the file is retained for manual recovery. With
// persistence disabled nothing is loaded and the file is kept.
func (e *Engine) loadFile(ctx context.Context, table, file string) error {
	if !e.pool.Enabled() {
		return nil
	}
	stmt := e.cfg.Product.BulkLoad(table, file)
	_, err := e.pool.ExecContext(ctx, stmt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			log.WithError(err).WithFields(log.Fields{
				"code":   pgErr.Code,
				"detail": pgErr.Detail,
			}).Errorf("bulk load failed for %s", file)
		} else {
			log.WithError(err).Errorf("bulk load failed for %s", file)
		}
		return errors.WithStack(err)
	}
	return errors.WithStack(removeFile(file))
}

// Ping performs one idle-maintenance pass: when the whole engine has
// been quiet for at least IdleTime, the non-busy table with buffered
// rows that has been idle the longest is flushed.
func (e *Engine) Ping() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mu.lastActivity.IsZero() {
		return
	}
	now := time.Now()
	if now.Sub(e.mu.lastActivity).Seconds() < e.cfg.IdleTime {
		return
	}
	var maxIdler *Table
	var maxIdle time.Duration
	for _, name := range e.mu.order {
		t := e.mu.registry[name]
		idle := now.Sub(t.lastActivity)
		if idle > maxIdle && len(t.rowBuffer) > 0 && !t.busy {
			maxIdler = t
			maxIdle = idle
		}
	}
	if maxIdler != nil {
		log.Infof("flushing table %s idle for %.3f secs", maxIdler.name, maxIdle.Seconds())
		maxIdler.flushLocked()
	}
}

// PingLoop runs Ping at the configured interval until the context is
// canceled.
func (e *Engine) PingLoop(ctx context.Context) error {
	if e.cfg.PingInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(time.Duration(e.cfg.PingInterval * float64(time.Second)))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Ping()
		case <-ctx.Done():
			return nil
		}
	}
}

// Close drains the engine: waits for in-flight worker transactions,
// then synchronously bulk-loads every remaining buffer. A load that
// fails leaves its staging file behind and logs the path for manual
// recovery.
func (e *Engine) Close(ctx context.Context) error {
	log.Info("storage: starting shutdown sequence")
	e.waitIdle(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, name := range e.mu.order {
		t := e.mu.registry[name]
		log.Infof("storage: flushing %d rows to %s", len(t.rowBuffer), t.name)
		if t.stagingFile != nil {
			if err := t.stagingFile.Close(); err != nil {
				log.WithError(err).Warnf("could not close staging file %s", t.stagingName)
			}
			t.stagingFile = nil
		}
		if len(t.rowBuffer) > 0 && e.pool.Enabled() {
			stmt := e.cfg.Product.BulkLoad(t.name, t.stagingName)
			if _, err := e.pool.ExecContext(ctx, stmt); err != nil {
				log.WithError(err).Errorf(
					"final flush failed; staging file retained: %s", t.stagingName)
				continue
			}
			tableLoadedRows.WithLabelValues(t.name).Add(float64(len(t.rowBuffer)))
		}
		if err := removeFile(t.stagingName); err != nil {
			log.WithError(err).Warnf("could not remove staging file %s", t.stagingName)
		}
		t.stopTrace()
	}
	if e.pool.Enabled() {
		if err := e.pool.Close(); err != nil {
			log.WithError(err).Warn("could not close database connection")
		}
	}
	if e.lock != nil {
		_ = e.lock.Unlock()
	}
	log.Info("storage: shutdown complete")
	return nil
}

// waitIdle blocks until no worker transactions are in flight.
func (e *Engine) waitIdle(ctx context.Context) {
	for {
		e.mu.Lock()
		n := e.mu.inFlight
		e.mu.Unlock()
		if n == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}
