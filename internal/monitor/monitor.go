/*
Inbound Router - mail routing and abuse classification for Freegle groups.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package monitor forwards problems that need human attention to Sentry.
// Without a DSN configured the events are only logged.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/freegle/inboundrouter/framework/exterrors"
	"github.com/freegle/inboundrouter/framework/log"
	"github.com/getsentry/sentry-go"
)

const modName = "monitor"

type Config struct {
	DSN         string
	Environment string
	Release     string
	// FlushTimeout bounds how long Close waits for queued events.
	FlushTimeout time.Duration
}

type Monitor struct {
	hub          *sentry.Hub
	flushTimeout time.Duration
	Log          log.Logger
}

func New(cfg Config) (*Monitor, error) {
	m := &Monitor{
		flushTimeout: cfg.FlushTimeout,
		Log:          log.Logger{Name: modName},
	}
	if m.flushTimeout == 0 {
		m.flushTimeout = 2 * time.Second
	}
	if cfg.DSN == "" {
		return m, nil
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", modName, err)
	}
	m.hub = sentry.NewHub(client, sentry.NewScope())
	return m, nil
}

// Enabled reports whether events leave the process.
func (m *Monitor) Enabled() bool {
	return m.hub != nil
}

// Report sends a warning-level message with the fields attached as event
// context.
func (m *Monitor) Report(_ context.Context, event string, fields map[string]interface{}) {
	m.Log.Msg(event, flatten(fields)...)
	if m.hub == nil {
		return
	}
	m.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelWarning)
		scope.SetContext("details", sentry.Context(fields))
		m.hub.CaptureMessage(event)
	})
}

// ReportError sends err as an exception. Fields attached to err with
// exterrors.WithFields are included.
func (m *Monitor) ReportError(_ context.Context, event string, err error, fields map[string]interface{}) {
	m.Log.Error(event, err, flatten(fields)...)
	if m.hub == nil {
		return
	}
	merged := exterrors.Fields(err)
	for k, v := range fields {
		merged[k] = v
	}
	m.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("event", event)
		scope.SetContext("details", sentry.Context(merged))
		m.hub.CaptureException(err)
	})
}

func (m *Monitor) Close() error {
	if m.hub != nil {
		m.hub.Flush(m.flushTimeout)
	}
	return nil
}

func flatten(fields map[string]interface{}) []interface{} {
	out := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}
