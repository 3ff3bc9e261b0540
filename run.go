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

package inboundrouter

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/freegle/inboundrouter/framework/hooks"
	"github.com/freegle/inboundrouter/framework/log"
	"github.com/freegle/inboundrouter/internal/endpoint/lmtp"
	"github.com/freegle/inboundrouter/internal/endpoint/openmetrics"
	"github.com/freegle/inboundrouter/internal/router"
)

var logLock sync.Mutex

// InitLogging points the default logger at targets and arranges for the
// outputs to be reopened on log rotation.
func InitLogging(targets []string, debug bool) error {
	out, err := log.ParseOutputs(targets)
	if err != nil {
		return err
	}

	logLock.Lock()
	old := log.DefaultLogger.Out
	log.DefaultLogger.Out = out
	log.DefaultLogger.Debug = log.DefaultLogger.Debug || debug
	logLock.Unlock()
	if old != nil {
		old.Close()
	}

	hooks.AddHook(hooks.EventLogRotate, func() {
		out, err := log.ParseOutputs(targets)
		if err != nil {
			log.Println("log rotation failed:", err)
			return
		}
		logLock.Lock()
		old := log.DefaultLogger.Out
		log.DefaultLogger.Out = out
		logLock.Unlock()
		if old != nil {
			old.Close()
		}
	})
	return nil
}

// Route archives and routes a single message read from r. It is used in
// pipe mode where the MTA runs one process per recipient.
func Route(ctx context.Context, inst *Instance, r io.Reader, envelopeFrom, envelopeTo string) (router.Outcome, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return router.Outcome{Result: router.Failure, Detail: "read failed"}, err
	}
	return inst.Deliver(ctx, raw, envelopeFrom, envelopeTo), nil
}

// Serve starts the configured endpoints and blocks until a termination
// signal is received.
func Serve(inst *Instance) error {
	cfg := inst.Config
	if len(cfg.LMTP) == 0 {
		return fmt.Errorf("no lmtp endpoint configured")
	}

	if err := serve(inst); err != nil {
		systemdStatusErr(err)
		return err
	}
	return nil
}

func serve(inst *Instance) error {
	cfg := inst.Config

	var started []io.Closer
	closeAll := func() {
		for i := len(started) - 1; i >= 0; i-- {
			if err := started[i].Close(); err != nil {
				inst.Log.Error("endpoint close failed", err)
			}
		}
	}

	for _, node := range cfg.LMTP {
		e := lmtp.New(inst)
		if err := e.Configure(cfg.Globals, node); err != nil {
			closeAll()
			return err
		}
		if err := e.Start(); err != nil {
			closeAll()
			return err
		}
		started = append(started, e)
	}
	for _, node := range cfg.OpenMetrics {
		e := openmetrics.New()
		if err := e.Configure(cfg.Globals, node); err != nil {
			closeAll()
			return err
		}
		if err := e.Start(); err != nil {
			closeAll()
			return err
		}
		started = append(started, e)
	}

	hooks.AddHook(hooks.EventReload, func() {
		systemdStatus(SDReloading, "")
		systemdStatus(SDReady, "")
	})

	inst.Log.Msg("serving", "pid", os.Getpid(), "version", BuildInfo())
	systemdStatus(SDReady, "listening for mail")
	handleSignals()
	systemdStatus(SDStopping, "")

	hooks.RunHooks(hooks.EventShutdown)
	closeAll()
	return nil
}
