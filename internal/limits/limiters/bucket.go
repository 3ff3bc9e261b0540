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

type bucket struct {
	l       L
	lastUse time.Time
	holders int
}

// BucketSet keeps a separate limiter per key, e.g. per sender address.
//
// At most MaxBuckets keys are tracked. When the set is full, buckets
// that have no holders and were not used for ReapInterval are dropped.
// If none can be dropped, Take fails with ErrTooManyKeys.
//
// A BucketSet without New is a no-op.
type BucketSet struct {
	New          func() L
	ReapInterval time.Duration
	MaxBuckets   int

	lock    sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

func NewBucketSet(newL func() L, reapInterval time.Duration, maxBuckets int) *BucketSet {
	return &BucketSet{
		New:          newL,
		ReapInterval: reapInterval,
		MaxBuckets:   maxBuckets,
		buckets:      map[string]*bucket{},
		now:          time.Now,
	}
}

func (s *BucketSet) get(key string) (*bucket, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	now := s.now()
	if b, ok := s.buckets[key]; ok {
		b.lastUse = now
		b.holders++
		return b, nil
	}

	if len(s.buckets) >= s.MaxBuckets {
		for k, b := range s.buckets {
			if b.holders == 0 && now.Sub(b.lastUse) > s.ReapInterval {
				b.l.Close()
				delete(s.buckets, k)
			}
		}
		if len(s.buckets) >= s.MaxBuckets {
			return nil, ErrTooManyKeys
		}
	}

	b := &bucket{l: s.New(), lastUse: now, holders: 1}
	s.buckets[key] = b
	return b, nil
}

func (s *BucketSet) TakeContext(ctx context.Context, key string) error {
	if s.New == nil {
		return nil
	}
	b, err := s.get(key)
	if err != nil {
		return err
	}
	if err := b.l.TakeContext(ctx); err != nil {
		s.lock.Lock()
		b.holders--
		s.lock.Unlock()
		return err
	}
	return nil
}

func (s *BucketSet) Release(key string) {
	if s.New == nil {
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		return
	}
	b.holders--
	b.l.Release()
}

// Len returns the number of tracked keys.
func (s *BucketSet) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.buckets)
}

func (s *BucketSet) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for k, b := range s.buckets {
		b.l.Close()
		delete(s.buckets, k)
	}
}
