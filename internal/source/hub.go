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
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// HubClient maintains the connection to the upstream hub's reply
// stream, reconnecting with exponential backoff. The hub's bytes feed
// the same reply pipeline as listener-accepted connections.
type HubClient struct {
	Host string
	Port int

	// Backoff parameters, in seconds.
	InitialDelay float64
	DelayFactor  float64
	MaxDelay     float64

	Pipeline *ReplyPipeline
}

// ReconnectPolicy builds the backoff schedule for hub reconnection:
// delay = min(initial * factor^n, maxDelay), with no jitter so the
// schedule is predictable.
func ReconnectPolicy(initialDelay, factor, maxDelaySecs float64) *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(initialDelay * float64(time.Second))
	policy.Multiplier = factor
	policy.MaxInterval = time.Duration(maxDelaySecs * float64(time.Second))
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

// Run dials the hub and feeds its reply stream until the context is
// canceled. Connection loss schedules a reconnect; each successful
// connect resets the backoff delay.
func (h *HubClient) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", h.Host, h.Port)
	policy := ReconnectPolicy(h.InitialDelay, h.DelayFactor, h.MaxDelay)
	var dialer net.Dialer

	log.Infof("looking for the hub at %s", addr)
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := policy.NextBackOff()
			log.WithError(err).Infof("hub connection failed; retrying in %s", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		log.Info("connected to the hub")
		policy.Reset()
		err = h.feed(ctx, conn)
		_ = conn.Close()
		if err != nil {
			// fatal pipeline error, not a connection problem
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		delay := policy.NextBackOff()
		log.Infof("hub connection lost; reconnecting in %s", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *HubClient) feed(ctx context.Context, conn net.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	return readLines(conn, "hub", h.Pipeline.HandleLine)
}
