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

// Package limiters provides blocking limiters restricting how much work
// runs at once or per time interval.
package limiters

import (
	"context"
	"errors"
)

var (
	ErrClosed      = errors.New("limiters: limiter is closed")
	ErrTooManyKeys = errors.New("limiters: too many active keys")
)

// L is a blocking limiter. Take blocks while the limit is exceeded,
// Release returns what Take acquired.
type L interface {
	TakeContext(ctx context.Context) error
	Release()

	// Close frees resources used for book-keeping.
	Close()
}

// Semaphore limits the number of concurrent holders. A non-positive
// maximum disables it.
type Semaphore struct {
	slots chan struct{}
}

func NewSemaphore(max int) Semaphore {
	if max <= 0 {
		return Semaphore{}
	}
	return Semaphore{slots: make(chan struct{}, max)}
}

func (s Semaphore) TakeContext(ctx context.Context) error {
	if s.slots == nil {
		return nil
	}
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s Semaphore) Release() {
	if s.slots == nil {
		return
	}
	select {
	case <-s.slots:
	default:
		panic("limiters: Release without Take")
	}
}

func (s Semaphore) Close() {}

// Multi takes all wrapped limiters in order and undoes partial acquisition
// on failure.
type Multi []L

func (m Multi) TakeContext(ctx context.Context) error {
	for i, l := range m {
		if err := l.TakeContext(ctx); err != nil {
			for _, taken := range m[:i] {
				taken.Release()
			}
			return err
		}
	}
	return nil
}

func (m Multi) Release() {
	for _, l := range m {
		l.Release()
	}
}

func (m Multi) Close() {
	for _, l := range m {
		l.Close()
	}
}
