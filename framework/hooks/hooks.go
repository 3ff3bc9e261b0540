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

// Package hooks lets long-lived components react to process-wide events
// such as configuration reload or log rotation.
package hooks

import "sync"

type Event int

const (
	// EventShutdown is triggered when the serve loop is about to stop.
	EventShutdown Event = iota

	// EventReload is triggered by SIGUSR2. Components holding cached
	// database-backed lists (spam keywords, known spammers) drop them.
	EventReload

	// EventLogRotate is triggered by SIGUSR1. File log outputs are reopened.
	EventLogRotate
)

func (e Event) String() string {
	switch e {
	case EventShutdown:
		return "shutdown"
	case EventReload:
		return "reload"
	case EventLogRotate:
		return "log_rotate"
	}
	return "unknown"
}

type registry struct {
	lock  sync.Mutex
	funcs map[Event][]func()
}

var global = registry{funcs: make(map[Event][]func())}

func (r *registry) snapshot(ev Event) []func() {
	r.lock.Lock()
	defer r.lock.Unlock()
	// Copied so hooks run without the lock held.
	return append([]func(){}, r.funcs[ev]...)
}

// RunHooks runs hooks installed for ev, most recently added first.
func RunHooks(ev Event) {
	fns := global.snapshot(ev)
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// AddHook installs f to be called when ev occurs.
func AddHook(ev Event, f func()) {
	global.lock.Lock()
	defer global.lock.Unlock()
	global.funcs[ev] = append(global.funcs[ev], f)
}
