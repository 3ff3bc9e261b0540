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

// Package spamd implements a minimal client for the SpamAssassin daemon
// protocol, enough to obtain a score for a message.
//
// Calls go through a circuit breaker so that a dead daemon costs one
// connection timeout every few seconds rather than one per message.
package spamd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/freegle/inboundrouter/framework/log"
	"github.com/sony/gobreaker"
)

const modName = "spamd"

var ErrNoScore = errors.New("spamd: no score in response")

// maxResponse bounds the response read from the daemon, CHECK replies
// are a few lines long.
const maxResponse = 64 * 1024

var scoreRe = regexp.MustCompile(`Spam:\s*(True|False|Yes|No)\s*;\s*([\d.]+)\s*/`)

type Client struct {
	Addr string
	Log  log.Logger

	dialer  net.Dialer
	breaker *gobreaker.CircuitBreaker
}

// New creates a client for the daemon at addr (host:port). Connections
// that cannot be established within dialTimeout fail.
func New(addr string, dialTimeout time.Duration) *Client {
	c := &Client{
		Addr:   addr,
		Log:    log.Logger{Name: modName},
		dialer: net.Dialer{Timeout: dialTimeout},
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        modName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			// A reply without a score still means the daemon is alive.
			return err == nil || errors.Is(err, ErrNoScore)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.Log.Msg("circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	return c
}

// Score sends the message with a CHECK request and returns the score the
// daemon assigned.
func (c *Client) Score(ctx context.Context, raw []byte) (float64, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.check(ctx, raw)
	})
	if err != nil {
		return 0, err
	}
	return res.(float64), nil
}

func (c *Client) check(ctx context.Context, raw []byte) (float64, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", modName, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return 0, fmt.Errorf("%s: %w", modName, err)
		}
	}

	req := fmt.Sprintf("CHECK SPAMC/1.5\r\nContent-length: %d\r\n\r\n", len(raw))
	if _, err := io.WriteString(conn, req); err != nil {
		return 0, fmt.Errorf("%s: write: %w", modName, err)
	}
	if _, err := conn.Write(raw); err != nil {
		return 0, fmt.Errorf("%s: write: %w", modName, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		// spamd reads until EOF when it does not trust Content-length.
		_ = tcp.CloseWrite()
	}

	resp, err := io.ReadAll(io.LimitReader(conn, maxResponse))
	if err != nil {
		return 0, fmt.Errorf("%s: read: %w", modName, err)
	}
	return parseScore(resp)
}

func parseScore(resp []byte) (float64, error) {
	m := scoreRe.FindSubmatch(resp)
	if m == nil {
		return 0, ErrNoScore
	}
	score, err := strconv.ParseFloat(string(m[2]), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: malformed score %q: %w", modName, m[2], err)
	}
	return score, nil
}
