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

package limiters

import (
	"context"
	"sync"
	"time"
)

// Rate is a token bucket: up to burst Takes succeed per interval. A zero
// burst disables it.
//
// Close makes pending and future Takes fail with ErrClosed.
type Rate struct {
	tokens    chan struct{}
	stop      chan struct{}
	closeOnce *sync.Once
}

func NewRate(burst int, interval time.Duration) Rate {
	if burst <= 0 {
		return Rate{}
	}
	r := Rate{
		tokens:    make(chan struct{}, burst),
		stop:      make(chan struct{}),
		closeOnce: new(sync.Once),
	}
	for i := 0; i < burst; i++ {
		r.tokens <- struct{}{}
	}
	go r.refill(burst, interval)
	return r
}

// refill hands out at most burst tokens per tick. A token sent to a
// blocked Take never sits in the buffer, so filling until the buffer is
// full would give out more than burst.
func (r Rate) refill(burst int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-r.stop:
			return
		}
	fill:
		for i := 0; i < burst; i++ {
			select {
			case r.tokens <- struct{}{}:
			default:
				break fill
			}
		}
	}
}

func (r Rate) TakeContext(ctx context.Context) error {
	if r.tokens == nil {
		return nil
	}
	// A closed limiter must not hand out tokens left in the bucket.
	select {
	case <-r.stop:
		return ErrClosed
	default:
	}
	select {
	case <-r.tokens:
		return nil
	case <-r.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release is a no-op, tokens come back with time.
func (r Rate) Release() {}

func (r Rate) Close() {
	if r.tokens == nil {
		return
	}
	r.closeOnce.Do(func() { close(r.stop) })
}
