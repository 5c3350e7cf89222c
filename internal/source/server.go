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
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/Subaru-PFS/ics-archiver/internal/config"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Server owns the archiver's network surfaces: the reply listeners,
// the command listeners, the hub client, and the read-back HTTP
// server.
type Server struct {
	Config   *config.Config
	Pipeline *ReplyPipeline
	Commands *Commands
	Web      http.Handler
}

// Run brings up every configured listener and blocks until the context
// is canceled or a fatal error surfaces from the reply pipeline.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	cfg := s.Config

	if cfg.ListenPort > 0 {
		ln, err := listenTCP(cfg.ListenPort)
		if err != nil {
			return err
		}
		log.Infof("listening for replies on TCP port %d", cfg.ListenPort)
		g.Go(func() error { return s.acceptReplies(ctx, ln) })
	}
	if cfg.ListenPath != "" {
		ln, err := listenUnix(cfg.ListenPath)
		if err != nil {
			return err
		}
		log.Infof("listening for replies on UNIX path %s", cfg.ListenPath)
		g.Go(func() error { return s.acceptReplies(ctx, ln) })
	}
	if cfg.CmdPort > 0 {
		ln, err := listenTCP(cfg.CmdPort)
		if err != nil {
			return err
		}
		log.Infof("listening for commands on TCP port %d", cfg.CmdPort)
		g.Go(func() error { return s.acceptCommands(ctx, ln) })
	}
	if cfg.CmdPath != "" {
		ln, err := listenUnix(cfg.CmdPath)
		if err != nil {
			return err
		}
		log.Infof("listening for commands on UNIX path %s", cfg.CmdPath)
		g.Go(func() error { return s.acceptCommands(ctx, ln) })
	}
	if cfg.HubHost != "" && cfg.HubPort > 0 {
		hub := &HubClient{
			Host:         cfg.HubHost,
			Port:         cfg.HubPort,
			InitialDelay: cfg.HubInitialDelay,
			DelayFactor:  cfg.HubDelayFactor,
			MaxDelay:     cfg.HubMaxDelay * 3600,
			Pipeline:     s.Pipeline,
		}
		g.Go(func() error { return hub.Run(ctx) })
	}
	if cfg.HTTPPort > 0 && s.Web != nil {
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
			Handler: s.Web,
		}
		log.Infof("read-back HTTP server on port %d", cfg.HTTPPort)
		g.Go(func() error {
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return errors.WithStack(err)
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func listenTCP(port int) (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	return ln, errors.WithStack(err)
}

func listenUnix(path string) (net.Listener, error) {
	// a previous unclean exit may have left the socket behind
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.WithStack(err)
	}
	ln, err := net.Listen("unix", path)
	return ln, errors.WithStack(err)
}

// acceptReplies feeds every accepted connection through the shared
// reply pipeline. A fatal pipeline error tears the server down.
func (s *Server) acceptReplies(ctx context.Context, ln net.Listener) error {
	return s.accept(ctx, ln, func(ctx context.Context, conn net.Conn) error {
		log.Infof("reply connection from %s", conn.RemoteAddr())
		return readLines(conn, "reply", s.Pipeline.HandleLine)
	})
}

// acceptCommands serves the ops command surface.
func (s *Server) acceptCommands(ctx context.Context, ln net.Listener) error {
	return s.accept(ctx, ln, func(ctx context.Context, conn net.Conn) error {
		log.Infof("command connection from %s", conn.RemoteAddr())
		return readLines(conn, "command", func(line string) error {
			s.Commands.HandleLine(ctx, line, conn)
			return nil
		})
	})
}

func (s *Server) accept(
	ctx context.Context, ln net.Listener,
	handle func(context.Context, net.Conn) error,
) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.WithStack(err)
			}
			g.Go(func() error {
				defer conn.Close()
				if err := handle(ctx, conn); err != nil {
					// fatal errors propagate and cancel the group
					return err
				}
				return nil
			})
		}
	})
	return g.Wait()
}
