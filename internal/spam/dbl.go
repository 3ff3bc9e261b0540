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

package spam

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/freegle/inboundrouter/framework/exterrors"
	"golang.org/x/sync/errgroup"
)

// dblHost returns the host name of a link target with a leading "www."
// removed.
func dblHost(target string) string {
	u, err := url.Parse("http://" + target)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// listedOnDBL queries {host}.{zone}. Any A record means the domain is
// listed. NXDOMAIN and resolver failures both count as not listed.
func (c *Classifier) listedOnDBL(ctx context.Context, host string) bool {
	addrs, err := c.Resolver.LookupHost(ctx, host+"."+c.Config.DBLZone)
	if err != nil {
		if !exterrors.IsDNSNotFound(err) {
			reason, misc := exterrors.UnwrapDNSErr(err)
			misc["host"] = host
			misc["zone"] = c.Config.DBLZone
			misc["reason"] = reason
			c.Log.Error("DBL lookup failed", exterrors.WithFields(err, misc))
		}
		return false
	}
	return len(addrs) != 0
}

// lookupDBL checks all targets concurrently, bounded by the configured
// timeout.
func (c *Classifier) lookupDBL(ctx context.Context, targets []string) map[string]bool {
	ctx, cancel := context.WithTimeout(ctx, c.Config.Timeout)
	defer cancel()

	var (
		eg     errgroup.Group
		mu     sync.Mutex
		listed = make(map[string]bool, len(targets))
	)
	for _, target := range targets {
		target := target
		host := dblHost(target)
		if host == "" {
			continue
		}
		eg.Go(func() error {
			if c.listedOnDBL(ctx, host) {
				mu.Lock()
				listed[target] = true
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()
	return listed
}
