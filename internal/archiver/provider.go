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

// Package archiver assembles the archive server from its subsystems.
package archiver

import (
	"context"
	"net/http"

	"github.com/Subaru-PFS/ics-archiver/internal/actors"
	"github.com/Subaru-PFS/ics-archiver/internal/config"
	"github.com/Subaru-PFS/ics-archiver/internal/dict"
	"github.com/Subaru-PFS/ics-archiver/internal/monitor"
	"github.com/Subaru-PFS/ics-archiver/internal/source"
	"github.com/Subaru-PFS/ics-archiver/internal/storage"
	"github.com/google/wire"
)

// Set is used by Wire.
var Set = wire.NewSet(
	ProvideArchiver,
	ProvideCommands,
	ProvideDictLoader,
	ProvideEngine,
	ProvideMonitors,
	ProvideRegistry,
	ProvideReplyPipeline,
	ProvideServer,
	ProvideWebHandler,
)

// An Archiver is the assembled archive server: the network front-end
// plus the long-running subsystems the command loop drives directly.
type Archiver struct {
	Config   *config.Config
	Engine   *storage.Engine
	Monitors *monitor.Registry
	Server   *source.Server
}

// ProvideArchiver is called by Wire to bundle the assembled system.
// The monitor registry is carried here so that its construction (which
// hooks the engine's keyword stream) is always part of the graph.
func ProvideArchiver(
	cfg *config.Config,
	engine *storage.Engine,
	monitors *monitor.Registry,
	server *source.Server,
) *Archiver {
	return &Archiver{
		Config:   cfg,
		Engine:   engine,
		Monitors: monitors,
		Server:   server,
	}
}

// ProvideEngine opens the storage engine. The cleanup function drains
// every buffer and releases the staging directory.
func ProvideEngine(ctx context.Context, cfg *config.Config) (*storage.Engine, func(), error) {
	engine, err := storage.Open(ctx, storage.Settings{
		Product:      cfg.Product,
		DSN:          cfg.DSN(),
		BufferPath:   cfg.TmpPath,
		TraceList:    cfg.TraceTables(),
		PingInterval: cfg.PingInterval,
		IdleTime:     cfg.IdleTime,
		Workers:      4,
		Clock:        cfg.Clock,
	})
	if err != nil {
		return nil, nil, err
	}
	return engine, func() { _ = engine.Close(context.Background()) }, nil
}

// ProvideDictLoader returns the actor dictionary source.
func ProvideDictLoader(cfg *config.Config) dict.Loader {
	return &dict.FileLoader{Dir: cfg.DictPath}
}

// ProvideRegistry builds the actor registry.
func ProvideRegistry(
	engine *storage.Engine, loader dict.Loader, cfg *config.Config,
) *actors.Registry {
	return actors.New(engine, loader, cfg.KeyBufferSize)
}

// ProvideMonitors builds the monitor service and hooks it into the
// engine's keyword stream.
func ProvideMonitors(engine *storage.Engine, reg *actors.Registry) *monitor.Registry {
	return monitor.New(engine, reg)
}

// ProvideReplyPipeline attaches the core reply tables.
func ProvideReplyPipeline(
	engine *storage.Engine, reg *actors.Registry, cfg *config.Config,
) (*source.ReplyPipeline, error) {
	return source.NewReplyPipeline(
		engine, reg, cfg.Clock, cfg.RawBufferSize, cfg.HdrBufferSize)
}

// ProvideCommands builds the ops command dispatcher.
func ProvideCommands(monitors *monitor.Registry) *source.Commands {
	return &source.Commands{Monitors: monitors}
}

// ProvideWebHandler builds the read-back HTTP surface.
func ProvideWebHandler(engine *storage.Engine, reg *actors.Registry) http.Handler {
	return source.NewWebHandler(engine, reg)
}

// ProvideServer assembles the network front-end.
func ProvideServer(
	cfg *config.Config,
	pipeline *source.ReplyPipeline,
	commands *source.Commands,
	web http.Handler,
) *source.Server {
	return &source.Server{
		Config:   cfg,
		Pipeline: pipeline,
		Commands: commands,
		Web:      web,
	}
}
