//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

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
	"os"
	"os/signal"
	"syscall"

	"github.com/freegle/inboundrouter/framework/hooks"
	"github.com/freegle/inboundrouter/framework/log"
)

// handleSignals blocks until a termination signal (SIGTERM, SIGHUP,
// SIGINT) arrives and returns it.
//
// SIGUSR1 reopens log files and SIGUSR2 drops cached spam lists without
// returning.
func handleSignals() os.Signal {
	sig := make(chan os.Signal, 5)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT, syscall.SIGUSR1, syscall.SIGUSR2)

	for {
		switch s := <-sig; s {
		case syscall.SIGUSR1:
			log.Println("SIGUSR1 received, reopening logs")
			hooks.RunHooks(hooks.EventLogRotate)
		case syscall.SIGUSR2:
			log.Println("SIGUSR2 received, reloading cached lists")
			hooks.RunHooks(hooks.EventReload)
		default:
			go func() {
				s := handleSignals()
				log.Printf("forced shutdown due to signal (%v)!", s)
				os.Exit(1)
			}()

			log.Printf("signal received (%v), next signal will force immediate shutdown.", s)
			return s
		}
	}
}
