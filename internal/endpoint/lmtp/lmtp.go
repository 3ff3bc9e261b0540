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

// Package lmtp implements the long-running delivery endpoint. The MTA
// hands every message over LMTP and gets a status per recipient, so one
// failed recipient does not force a retry for the others.
package lmtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/freegle/inboundrouter/framework/config"
	"github.com/freegle/inboundrouter/framework/log"
	"github.com/freegle/inboundrouter/internal/limits"
	"github.com/freegle/inboundrouter/internal/router"
)

const modName = "lmtp"

// Deliverer routes one message for one recipient.
type Deliverer interface {
	Deliver(ctx context.Context, raw []byte, envelopeFrom, envelopeTo string) router.Outcome
}

type Endpoint struct {
	Addrs     []string
	Hostname  string
	Deliverer Deliverer
	// Timeout bounds the routing of one recipient.
	Timeout time.Duration
	// Limits is nil if no limits block is configured.
	Limits *limits.Group

	Log log.Logger

	serv        *smtp.Server
	listeners   []net.Listener
	listenersWg sync.WaitGroup
}

func New(d Deliverer) *Endpoint {
	e := &Endpoint{
		Hostname:  "localhost",
		Deliverer: d,
		Timeout:   30 * time.Second,
		Log:       log.Logger{Name: modName},
	}
	e.serv = smtp.NewServer(e)
	e.serv.LMTP = true
	e.serv.Domain = e.Hostname
	e.serv.ErrorLog = e.Log
	e.serv.EnableSMTPUTF8 = true
	return e
}

// Configure reads the lmtp block:
//
//	lmtp tcp://127.0.0.1:2424 unix:///run/inboundrouter/lmtp.sock {
//	    hostname mx.example.org
//	    max_message_size 33554432
//	    limits {
//	        all concurrency 20
//	    }
//	}
func (e *Endpoint) Configure(globals map[string]interface{}, node config.Node) error {
	var maxSize int
	cfg := config.NewMap(globals, node)
	cfg.String("hostname", true, false, "localhost", &e.Hostname)
	cfg.Duration("timeout", false, false, 30*time.Second, &e.Timeout)
	cfg.Duration("read_timeout", false, false, 10*time.Minute, &e.serv.ReadTimeout)
	cfg.Duration("write_timeout", false, false, time.Minute, &e.serv.WriteTimeout)
	cfg.Int("max_message_size", false, false, 32*1024*1024, &maxSize)
	cfg.Int("max_recipients", false, false, 100, &e.serv.MaxRecipients)
	cfg.Bool("debug", true, false, &e.Log.Debug)
	cfg.Custom("limits", false, false, func() (interface{}, error) {
		return (*limits.Group)(nil), nil
	}, func(_ *config.Map, node config.Node) (interface{}, error) {
		return limits.Parse(node)
	}, &e.Limits)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	e.serv.Domain = e.Hostname
	e.serv.MaxMessageBytes = int64(maxSize)
	e.serv.ErrorLog = e.Log
	e.Addrs = append(e.Addrs, node.Args...)
	if len(e.Addrs) == 0 {
		return config.NodeErr(node, "%s: at least one listen address is required", modName)
	}
	return nil
}

// Start opens the listeners and serves them in the background.
func (e *Endpoint) Start() error {
	for _, addr := range e.Addrs {
		endp, err := config.ParseEndpoint(addr)
		if err != nil {
			e.closeListeners()
			return fmt.Errorf("%s: %w", modName, err)
		}
		if endp.Network() == "unix" {
			// A stale socket from a previous run prevents binding.
			_ = os.Remove(endp.Address())
		}
		l, err := net.Listen(endp.Network(), endp.Address())
		if err != nil {
			e.closeListeners()
			return fmt.Errorf("%s: %w", modName, err)
		}
		e.Log.Printf("listening on %s", addr)
		e.listeners = append(e.listeners, l)

		e.listenersWg.Add(1)
		go func(l net.Listener, addr string) {
			defer e.listenersWg.Done()
			if err := e.serv.Serve(l); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
				e.Log.Error("serve failed", err, "endpoint", addr)
			}
		}(l, addr)
	}
	return nil
}

func (e *Endpoint) closeListeners() {
	for _, l := range e.listeners {
		l.Close()
	}
	e.listeners = nil
}

func (e *Endpoint) Close() error {
	e.serv.Close()
	e.listenersWg.Wait()
	e.Limits.Close()
	return nil
}

// NewSession implements smtp.Backend.
func (e *Endpoint) NewSession(c *smtp.Conn) (smtp.Session, error) {
	s := &session{endp: e, log: e.Log}
	if c != nil && c.Conn() != nil {
		s.log = e.Log.With("src", c.Conn().RemoteAddr().String())
	}
	return s, nil
}
