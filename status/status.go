/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package status implements the status provider: a file-lock probe used as
// the server liveness heartbeat when the response wire times out
// (spec.md §4.8).
package status

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/shmipc-go/dbshm/telemetry"
)

// Provider stores the path of a file the server holds exclusively locked
// while alive.
type Provider struct {
	path string
	log  telemetry.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger injects a logger used for operational events (open/flock
// failures distinct from "server is dead").
func WithLogger(l telemetry.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// New creates a Provider for the given path, applying opts.
func New(path string, opts ...Option) *Provider {
	p := &Provider{path: path, log: telemetry.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsAlive opens path O_WRONLY and attempts a non-blocking exclusive flock.
// If the lock is acquired, the server has released it (or never took it):
// the server is dead, and the probe releases the lock it just took before
// returning. Any failure to open the file also reports dead. A true result
// means the server is presumed alive.
func (p *Provider) IsAlive() bool {
	f, err := os.OpenFile(p.path, os.O_WRONLY, 0)
	if err != nil {
		p.log.Debugw("status: open failed, presuming dead", "path", p.path, "err", err)
		return false
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err == nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return false
	}
	return true
}
