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

package limits

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/freegle/inboundrouter/framework/config"
)

func parse(t *testing.T, block string) (*Group, error) {
	t.Helper()
	nodes, err := config.Read(strings.NewReader("limits {\n"+block+"\n}"), "test.conf")
	if err != nil {
		t.Fatal(err)
	}
	return Parse(nodes[0])
}

func TestParseErrors(t *testing.T) {
	for _, block := range []string{
		"all",
		"all concurrency",
		"all concurrency x",
		"all concurrency 1 2",
		"all rate -1",
		"all rate 1 bogus",
		"all rate 1 1s 2",
		"all bandwidth 10",
		"domain concurrency 1",
	} {
		if _, err := parse(t, block); err == nil {
			t.Errorf("%q: expected error", block)
		}
	}
}

func TestSenderLimit(t *testing.T) {
	g, err := parse(t, "sender concurrency 1")
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	g.Wait = 10 * time.Millisecond
	ctx := context.Background()

	if err := g.TakeMsg(ctx, "Alice@example.com"); err != nil {
		t.Fatal(err)
	}
	if err := g.TakeMsg(ctx, "alice@example.com"); err == nil {
		t.Fatal("sender key is not case-insensitive")
	}
	if err := g.TakeMsg(ctx, "bob@example.com"); err != nil {
		t.Fatal("other sender blocked:", err)
	}

	g.ReleaseMsg("ALICE@example.com")
	if err := g.TakeMsg(ctx, "alice@example.com"); err != nil {
		t.Fatal("not released:", err)
	}
}

func TestGlobalReleasedOnSenderFailure(t *testing.T) {
	g, err := parse(t, "all concurrency 2\nsender concurrency 1")
	if err != nil {
		t.Fatal(err)
	}
	g.Wait = 10 * time.Millisecond
	ctx := context.Background()

	if err := g.TakeMsg(ctx, "a@example.com"); err != nil {
		t.Fatal(err)
	}
	// Fails on the sender limit and must give the global slot back.
	if err := g.TakeMsg(ctx, "a@example.com"); err == nil {
		t.Fatal("expected sender limit")
	}
	if err := g.TakeMsg(ctx, "b@example.com"); err != nil {
		t.Fatal("global slot leaked:", err)
	}
}

func TestRecipientLimit(t *testing.T) {
	g, err := parse(t, "recipient concurrency 1")
	if err != nil {
		t.Fatal(err)
	}
	g.Wait = 10 * time.Millisecond
	ctx := context.Background()

	if err := g.TakeRcpt(ctx, "group@groups.example.org"); err != nil {
		t.Fatal(err)
	}
	if err := g.TakeRcpt(ctx, "group@groups.example.org"); err == nil {
		t.Fatal("expected recipient limit")
	}
	g.ReleaseRcpt("group@groups.example.org")
	if err := g.TakeRcpt(ctx, "group@groups.example.org"); err != nil {
		t.Fatal(err)
	}
}

func TestNilGroup(t *testing.T) {
	var g *Group
	ctx := context.Background()
	if err := g.TakeMsg(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := g.TakeRcpt(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	g.ReleaseMsg("a")
	g.ReleaseRcpt("b")
	g.Close()
}
