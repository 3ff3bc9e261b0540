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

// Package openmetrics serves the Prometheus registry over HTTP.
package openmetrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/freegle/inboundrouter/framework/config"
	"github.com/freegle/inboundrouter/framework/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const modName = "openmetrics"

type Endpoint struct {
	Addrs []string
	Log   log.Logger

	listenersWg sync.WaitGroup
	serv        http.Server
	mux         *http.ServeMux
}

func New(addrs ...string) *Endpoint {
	return &Endpoint{
		Addrs: addrs,
		Log:   log.Logger{Name: modName, Debug: log.DefaultLogger.Debug},
	}
}

// Configure reads 'openmetrics ADDR... { debug }'.
func (e *Endpoint) Configure(globals map[string]interface{}, node config.Node) error {
	cfg := config.NewMap(globals, node)
	cfg.Bool("debug", true, false, &e.Log.Debug)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	e.Addrs = append(e.Addrs, node.Args...)
	if len(e.Addrs) == 0 {
		return config.NodeErr(node, "%s: at least one listen address is required", modName)
	}
	return nil
}

func (e *Endpoint) Start() error {
	e.mux = http.NewServeMux()
	e.mux.Handle("/metrics", promhttp.Handler())
	e.serv.Handler = e.mux

	for _, a := range e.Addrs {
		endp, err := config.ParseEndpoint(a)
		if err != nil {
			return fmt.Errorf("%s: %v", modName, err)
		}
		l, err := net.Listen(endp.Network(), endp.Address())
		if err != nil {
			return fmt.Errorf("%s: %v", modName, err)
		}

		e.listenersWg.Add(1)
		go func(a string) {
			defer e.listenersWg.Done()
			e.Log.Println("listening on", endp.String())
			err := e.serv.Serve(l)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.Log.Error("serve failed", err, "endpoint", a)
			}
		}(a)
	}
	return nil
}

// Handler returns the metrics handler, available after Start.
func (e *Endpoint) Handler() http.Handler {
	return e.mux
}

func (e *Endpoint) Close() error {
	if err := e.serv.Close(); err != nil {
		return err
	}
	e.listenersWg.Wait()
	return nil
}
