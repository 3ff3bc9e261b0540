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

package spamd

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/freegle/inboundrouter/internal/testutils"
	"github.com/sony/gobreaker"
)

// fakeDaemon accepts one connection per reply and checks the request
// framing.
func fakeDaemon(t *testing.T, replies ...string) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		for _, reply := range replies {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			br := bufio.NewReader(conn)
			line, _ := br.ReadString('\n')
			if line != "CHECK SPAMC/1.5\r\n" {
				t.Errorf("unexpected request line %q", line)
			}
			lenLine, _ := br.ReadString('\n')
			n, _ := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(lenLine, "Content-length:")))
			br.ReadString('\n')
			body := make([]byte, n)
			if _, err := io.ReadFull(br, body); err != nil {
				t.Errorf("short body: %v", err)
			}
			io.WriteString(conn, reply)
			conn.Close()
		}
	}()
	return l.Addr().String()
}

func TestScore(t *testing.T) {
	addr := fakeDaemon(t,
		"SPAMD/1.1 0 EX_OK\r\nSpam: True ; 15.5 / 5.0\r\n\r\n",
		"SPAMD/1.1 0 EX_OK\r\nSpam: False ; 1.2 / 5.0\r\n\r\n",
	)
	c := New(addr, time.Second)
	c.Log = testutils.Logger(t, "spamd")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	score, err := c.Score(ctx, []byte("Subject: buy now\r\n\r\ncheap\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if score != 15.5 {
		t.Errorf("score = %v, want 15.5", score)
	}

	score, err = c.Score(ctx, []byte("Subject: hi\r\n\r\nhello\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if score != 1.2 {
		t.Errorf("score = %v, want 1.2", score)
	}
}

func TestParseScore(t *testing.T) {
	if _, err := parseScore([]byte("SPAMD/1.1 76 EX_PROTOCOL\r\n")); !errors.Is(err, ErrNoScore) {
		t.Errorf("err = %v, want ErrNoScore", err)
	}
	score, err := parseScore([]byte("Spam: Yes ; 8 / 5"))
	if err != nil || score != 8 {
		t.Errorf("score = %v, %v", score, err)
	}
}

func TestBreakerOpens(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	c := New(addr, 100*time.Millisecond)
	c.Log = testutils.Logger(t, "spamd")

	for i := 0; i < 3; i++ {
		if _, err := c.Score(context.Background(), []byte("x")); err == nil {
			t.Fatal("connection to closed port succeeded")
		}
	}
	_, err = c.Score(context.Background(), []byte("x"))
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("err = %v, want open breaker", err)
	}
}
