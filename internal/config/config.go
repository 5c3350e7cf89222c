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

// Package config defines the user-visible configuration of the archive
// server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Subaru-PFS/ics-archiver/internal/types"
	"github.com/Subaru-PFS/ics-archiver/internal/util/mjd"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config contains the user-visible configuration for running the
// archive server.
type Config struct {
	Interactive bool

	TmpPath    string
	ListenPath string
	CmdPath    string
	DictPath   string

	DBEngine   string
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	PingInterval float64
	IdleTime     float64

	ListenPort int
	CmdPort    int
	HTTPPort   int

	HubHost         string
	HubPort         int
	HubInitialDelay float64
	HubDelayFactor  float64
	HubMaxDelay     float64

	RawBufferSize int
	HdrBufferSize int
	KeyBufferSize int

	TraceList   string
	SystemClock string

	// Derived by Preflight.
	Product types.Product
	Clock   mjd.Clock
}

// Bind registers flags.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.BoolVarP(&c.Interactive, "interactive", "i", false,
		"log to stdout instead of appending to server.log in the tmp path (that file is not rotated)")
	flags.StringVar(&c.TmpPath, "tmp-path", "archiver-PID",
		"temporary path for server log and buffer files")
	flags.StringVar(&c.ListenPath, "listen-path", "",
		"UNIX socket path to listen for replies on, or empty for none")
	flags.StringVar(&c.CmdPath, "cmd-path", "",
		"UNIX socket path to listen for commands on, or empty for none")
	flags.StringVar(&c.DictPath, "dict-path", "",
		"directory containing actor dictionary files")
	flags.StringVar(&c.DBEngine, "db-engine", "none",
		"database engine to use (postgres, mysql, none)")
	flags.StringVar(&c.DBHost, "db-host", "localhost",
		"hostname of database server")
	flags.IntVar(&c.DBPort, "db-port", 0,
		"port of database server, or zero for the engine default")
	flags.StringVar(&c.DBUser, "db-user", "",
		"username for database transactions")
	flags.StringVar(&c.DBPassword, "db-password", "",
		"password for database transactions")
	flags.StringVar(&c.DBName, "db-name", "",
		"name of database containing archiver tables")
	flags.Float64Var(&c.PingInterval, "ping-interval", 10,
		"interval in seconds between idle-flush ticks, or zero to disable")
	flags.Float64Var(&c.IdleTime, "idle-time", 30,
		"flush tables after no activity for this many seconds")
	flags.IntVar(&c.ListenPort, "listen-port", 0,
		"TCP port to listen for replies on, or zero for none")
	flags.IntVar(&c.CmdPort, "cmd-port", 0,
		"TCP port to listen for commands on, or zero for none")
	flags.IntVar(&c.HTTPPort, "http-port", 0,
		"TCP port for the read-back HTTP server, or zero to disable")
	flags.StringVar(&c.HubHost, "hub-host", "",
		"hostname of the operations hub")
	flags.IntVar(&c.HubPort, "hub-port", 0,
		"port for the hub connection, or zero for no connection")
	flags.Float64Var(&c.HubInitialDelay, "hub-initial-delay", 1,
		"initial delay before attempting to reconnect to the hub (seconds)")
	flags.Float64Var(&c.HubDelayFactor, "hub-delay-factor", 2,
		"factor to increase the delay by for subsequent reconnection attempts")
	flags.Float64Var(&c.HubMaxDelay, "hub-max-delay", 1,
		"maximum hub reconnect delay (hours)")
	flags.IntVar(&c.RawBufferSize, "raw-buffer-size", 10,
		"row-buffer threshold for the raw reply table")
	flags.IntVar(&c.HdrBufferSize, "hdr-buffer-size", 10,
		"row-buffer threshold for the reply header table")
	flags.IntVar(&c.KeyBufferSize, "key-buffer-size", 10,
		"row-buffer threshold for keyword tables")
	flags.StringVar(&c.TraceList, "trace-list", "",
		"comma-separated list of tables for activity tracing")
	flags.StringVar(&c.SystemClock, "system-clock", "UTC",
		"does the system clock track UTC or TAI?")
}

// Preflight validates the configuration and derives the backend
// product, the clock, and the expanded filesystem paths.
func (c *Config) Preflight() error {
	var err error
	if c.Product, err = types.ParseProduct(c.DBEngine); err != nil {
		return err
	}
	if c.Clock, err = mjd.ParseClock(c.SystemClock); err != nil {
		return err
	}
	if c.Product != types.ProductNone && c.DBName == "" {
		return errors.New("db-name unset")
	}
	if c.RawBufferSize <= 0 || c.HdrBufferSize <= 0 || c.KeyBufferSize <= 0 {
		return errors.New("buffer sizes must be positive")
	}
	if c.HubHost != "" && c.HubPort > 0 {
		if c.HubInitialDelay <= 0 || c.HubDelayFactor < 1 || c.HubMaxDelay <= 0 {
			return errors.New("invalid hub reconnect parameters")
		}
	}

	c.TmpPath = ExpandEnvPath(c.TmpPath)
	c.ListenPath = ExpandEnvPath(c.ListenPath)
	c.CmdPath = ExpandEnvPath(c.CmdPath)
	c.DictPath = ExpandEnvPath(c.DictPath)

	// A literal PID segment keeps parallel instances from sharing a
	// staging directory.
	c.TmpPath = strings.ReplaceAll(c.TmpPath, "PID", strconv.Itoa(os.Getpid()))
	return nil
}

// PrepareTmpPath creates the staging directory. The directory must not
// already exist: it is owned exclusively by this process.
func (c *Config) PrepareTmpPath() error {
	if _, err := os.Stat(c.TmpPath); err == nil {
		return errors.Errorf("staging directory already exists: %s", c.TmpPath)
	} else if !os.IsNotExist(err) {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.MkdirAll(c.TmpPath, 0o755))
}

// DSN returns the driver connection string for the configured backend.
func (c *Config) DSN() string {
	switch c.Product {
	case types.ProductPostgreSQL:
		dsn := fmt.Sprintf("host=%s user=%s dbname=%s sslmode=disable",
			c.DBHost, c.DBUser, c.DBName)
		if c.DBPassword != "" {
			dsn += " password=" + c.DBPassword
		}
		if c.DBPort > 0 {
			dsn += fmt.Sprintf(" port=%d", c.DBPort)
		}
		return dsn
	case types.ProductMySQL:
		host := c.DBHost
		if c.DBPort > 0 {
			host = fmt.Sprintf("%s:%d", c.DBHost, c.DBPort)
		}
		cred := c.DBUser
		if c.DBPassword != "" {
			cred += ":" + c.DBPassword
		}
		return fmt.Sprintf("%s@tcp(%s)/%s", cred, host, c.DBName)
	default:
		return ""
	}
}

// TraceTables resolves the trace-list aliases (raw, hdr, actors,
// actor.keyword) into physical table names.
func (c *Config) TraceTables() []string {
	aliases := map[string]string{
		"raw":    "reply_raw",
		"hdr":    "reply_hdr",
		"actors": "actors",
	}
	var out []string
	for _, target := range strings.Split(strings.ToLower(c.TraceList), ",") {
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		if name, ok := aliases[target]; ok {
			out = append(out, name)
		} else {
			out = append(out, strings.ReplaceAll(target, ".", "__"))
		}
	}
	return out
}

// ExpandEnvPath expands $VAR segments of a path from the environment.
func ExpandEnvPath(path string) string {
	if path == "" {
		return path
	}
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		if strings.HasPrefix(seg, "$") {
			segs[i] = os.Getenv(seg[1:])
		}
	}
	return strings.Join(segs, "/")
}
