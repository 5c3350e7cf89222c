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
	"io"
	"strconv"

	"github.com/Subaru-PFS/ics-archiver/internal/monitor"
	"github.com/Subaru-PFS/ics-archiver/internal/opsmsg"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Commands dispatches the ops command surface onto the monitor
// service. A parse or execution error is reported to the client and
// leaves the connection open; a successful command finishes with "ok".
type Commands struct {
	Monitors *monitor.Registry
}

// HandleLine executes one command line and writes the newline-
// terminated response to w.
func (c *Commands) HandleLine(ctx context.Context, line string, w io.Writer) {
	reply := func(format string, args ...any) {
		fmt.Fprintf(w, format+"\n", args...)
	}
	if err := c.run(ctx, line, reply); err != nil {
		reply("%s", err)
		return
	}
	reply("ok")
}

func (c *Commands) run(ctx context.Context, line string, reply func(string, ...any)) error {
	words, err := opsmsg.SplitCommand(line)
	if err != nil {
		return errors.Wrap(err, "parse error")
	}
	if len(words) == 0 {
		return errors.New("unknown command")
	}

	switch words[0] {
	case "monitor":
		if len(words) < 2 {
			return errors.New("unknown command")
		}
		switch words[1] {
		case "info":
			c.info(reply)
			return nil
		case "create":
			if len(words) != 4 && len(words) != 5 {
				return errors.New("usage: monitor create <name> <expr> [<help>]")
			}
			help := ""
			if len(words) == 5 {
				help = words[4]
			}
			log.Infof("creating expression %q as %s", words[2], words[3])
			return c.Monitors.Create(words[2], words[3], help)
		case "drop":
			if len(words) != 3 {
				return errors.New("usage: monitor drop <name>")
			}
			log.Infof("dropping monitor %s", words[2])
			return c.Monitors.Drop(words[2])
		}
		return errors.New("unknown command")

	case "subscribe":
		if len(words) < 2 || len(words) > 4 {
			return errors.New("usage: subscribe <name> [<timeout>] [<history>]")
		}
		var timeout, history float64
		if len(words) > 2 {
			if timeout, err = strconv.ParseFloat(words[2], 64); err != nil {
				return errors.Errorf("invalid timeout: %s", words[2])
			}
		}
		if len(words) > 3 {
			if history, err = strconv.ParseFloat(words[3], 64); err != nil {
				return errors.Errorf("invalid history: %s", words[3])
			}
		}
		log.Infof("subscribing to %s", words[1])
		id, err := c.Monitors.Subscribe(ctx, words[1], timeout, history)
		if err != nil {
			return err
		}
		reply("Created subscriber id %s", id)
		return nil

	case "flush":
		if len(words) != 2 {
			return errors.New("usage: flush <id>")
		}
		update, err := c.Monitors.Flush(words[1])
		if err != nil {
			return err
		}
		for _, sample := range update {
			reply("(%f, %v)", sample.TAI, sample.Value)
		}
		reply("Flush contained %d row(s)", len(update))
		return nil
	}
	return errors.New("unknown command")
}

func (c *Commands) info(reply func(string, ...any)) {
	lines := c.Monitors.Info()
	for _, line := range lines {
		reply("%s = %s", line.Name, line.Text)
		reply("  Subscribers: %d", line.Subscribers)
		if line.Help != "" {
			reply("  Description: %s", line.Help)
		}
	}
	reply("Monitoring %d expression(s)", len(lines))
	subs := c.Monitors.Subscribers()
	for _, sub := range subs {
		reply("Subscriber %s follows %s with timeout %.0f (last flush %.0fs ago)",
			sub.ID, sub.Expression, sub.Timeout, sub.SinceLastFlush)
	}
	reply("Current subscribers: %d", len(subs))
}
