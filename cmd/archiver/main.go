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

// The archiver archives the operations reply stream: raw lines, parsed
// headers, and per-keyword tables, with a live monitoring facility
// over the keyword stream.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Subaru-PFS/ics-archiver/internal/archiver"
	"github.com/Subaru-PFS/ics-archiver/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "archiver",
		Short:         "archive the operations reply message stream",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	cfg.Bind(cmd.Flags())
	if err := cmd.Execute(); err != nil {
		log.WithError(err).Error("archiver exited")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Preflight(); err != nil {
		return err
	}
	if err := cfg.PrepareTmpPath(); err != nil {
		return err
	}
	if err := setupLogging(cfg); err != nil {
		return err
	}
	log.Infof("running as PID %d with output to %s", os.Getpid(), cfg.TmpPath)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	arch, cleanup, err := archiver.NewArchiver(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return arch.Server.Run(ctx) })
	g.Go(func() error { return arch.Engine.PingLoop(ctx) })
	return g.Wait()
}

// setupLogging routes logs to stdout when interactive, or to a file in
// the staging directory otherwise.
func setupLogging(cfg *config.Config) error {
	if cfg.Interactive {
		log.SetOutput(os.Stdout)
		return nil
	}
	f, err := os.OpenFile(filepath.Join(cfg.TmpPath, "server.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	log.SetOutput(f)
	log.SetFormatter(&log.JSONFormatter{})
	return nil
}
