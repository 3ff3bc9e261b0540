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

// Package limits restricts how many messages are routed at once and how
// fast, globally or per envelope sender or recipient.
//
// Configuration:
//
//	limits {
//	    all concurrency 20
//	    sender rate 10 1m
//	    recipient concurrency 2
//	}
package limits

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/freegle/inboundrouter/framework/config"
	"github.com/freegle/inboundrouter/internal/limits/limiters"
)

const (
	// DefaultWait bounds how long a message waits for a limiter.
	DefaultWait = 5 * time.Second

	maxKeys      = 20000
	reapInterval = time.Minute
)

type Group struct {
	Wait time.Duration

	global    limiters.Multi
	sender    *limiters.BucketSet
	recipient *limiters.BucketSet
}

// Parse builds a Group from a limits block. An empty block means no
// limits.
func Parse(node config.Node) (*Group, error) {
	g := &Group{Wait: DefaultWait}

	var senderL, rcptL []func() limiters.L
	for _, child := range node.Children {
		if len(child.Args) < 2 {
			return nil, config.NodeErr(child, "expected limit kind and value")
		}

		var (
			ctor func() limiters.L
			err  error
		)
		switch kind := child.Args[0]; kind {
		case "rate":
			ctor, err = rateCtor(child, child.Args[1:])
		case "concurrency":
			ctor, err = concurrencyCtor(child, child.Args[1:])
		default:
			return nil, config.NodeErr(child, "unknown limit kind: %v", kind)
		}
		if err != nil {
			return nil, err
		}

		switch scope := child.Name; scope {
		case "all":
			g.global = append(g.global, ctor())
		case "sender":
			senderL = append(senderL, ctor)
		case "recipient":
			rcptL = append(rcptL, ctor)
		default:
			return nil, config.NodeErr(child, "unknown limit scope: %v", scope)
		}
	}

	g.sender = bucketSet(senderL)
	g.recipient = bucketSet(rcptL)
	return g, nil
}

func bucketSet(ctors []func() limiters.L) *limiters.BucketSet {
	if len(ctors) == 0 {
		return nil
	}
	return limiters.NewBucketSet(func() limiters.L {
		m := make(limiters.Multi, 0, len(ctors))
		for _, ctor := range ctors {
			m = append(m, ctor())
		}
		return m
	}, reapInterval, maxKeys)
}

// rate BURST [PERIOD]
func rateCtor(node config.Node, args []string) (func() limiters.L, error) {
	if len(args) > 2 {
		return nil, config.NodeErr(node, "too many arguments")
	}
	burst, err := strconv.Atoi(args[0])
	if err != nil || burst < 0 {
		return nil, config.NodeErr(node, "invalid burst size: %v", args[0])
	}
	period := time.Second
	if len(args) == 2 {
		period, err = time.ParseDuration(args[1])
		if err != nil || period <= 0 {
			return nil, config.NodeErr(node, "invalid period: %v", args[1])
		}
	}
	return func() limiters.L { return limiters.NewRate(burst, period) }, nil
}

// concurrency MAX
func concurrencyCtor(node config.Node, args []string) (func() limiters.L, error) {
	if len(args) != 1 {
		return nil, config.NodeErr(node, "expected exactly one value")
	}
	max, err := strconv.Atoi(args[0])
	if err != nil || max < 0 {
		return nil, config.NodeErr(node, "invalid concurrency: %v", args[0])
	}
	return func() limiters.L { return limiters.NewSemaphore(max) }, nil
}

func key(addr string) string {
	return strings.ToLower(addr)
}

// TakeMsg is called once per message before it is routed.
func (g *Group) TakeMsg(ctx context.Context, sender string) error {
	if g == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.Wait)
	defer cancel()

	if err := g.global.TakeContext(ctx); err != nil {
		return err
	}
	if g.sender != nil {
		if err := g.sender.TakeContext(ctx, key(sender)); err != nil {
			g.global.Release()
			return err
		}
	}
	return nil
}

func (g *Group) ReleaseMsg(sender string) {
	if g == nil {
		return
	}
	g.global.Release()
	if g.sender != nil {
		g.sender.Release(key(sender))
	}
}

// TakeRcpt is called before routing for each recipient.
func (g *Group) TakeRcpt(ctx context.Context, rcpt string) error {
	if g == nil || g.recipient == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.Wait)
	defer cancel()
	return g.recipient.TakeContext(ctx, key(rcpt))
}

func (g *Group) ReleaseRcpt(rcpt string) {
	if g == nil || g.recipient == nil {
		return
	}
	g.recipient.Release(key(rcpt))
}

func (g *Group) Close() {
	if g == nil {
		return
	}
	g.global.Close()
	if g.sender != nil {
		g.sender.Close()
	}
	if g.recipient != nil {
		g.recipient.Close()
	}
}
