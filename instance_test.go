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
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/freegle/inboundrouter/internal/archive"
	"github.com/freegle/inboundrouter/internal/router"
	"github.com/freegle/inboundrouter/internal/testutils"
)

func testInstance(t *testing.T) (*Instance, string) {
	t.Helper()
	dir := testutils.Dir(t)

	cfg, err := ReadConfig(strings.NewReader(`
domains {
	group groups.example.org
	user users.example.org
	user_site www.example.org
}
storage {
	driver sqlite
	dsn :memory:
}
archive {
	dir `+filepath.Join(dir, "incoming")+`
	bounce_dir `+filepath.Join(dir, "bounces")+`
}
`), "test.conf")
	if err != nil {
		t.Fatal(err)
	}

	inst, err := NewInstance(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { inst.Close() })

	inst.Log = testutils.Logger(t, "inboundrouter")
	inst.Router.Log = testutils.Logger(t, "router")
	inst.Store.Log = testutils.Logger(t, "store")
	inst.Monitor.Log = testutils.Logger(t, "monitor")
	if err := inst.Store.InitSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	return inst, dir
}

const groupPost = "From: Alice <alice@example.net>\r\n" +
	"To: nosuchgroup@groups.example.org\r\n" +
	"Subject: OFFER: sofa (Leeds LS1)\r\n" +
	"Message-ID: <post-1@example.net>\r\n" +
	"Date: Wed, 01 May 2024 10:00:00 +0000\r\n" +
	"\r\n" +
	"Blue, slightly worn.\r\n"

func TestDeliverArchivesOutcome(t *testing.T) {
	inst, dir := testInstance(t)

	out := inst.Deliver(context.Background(), []byte(groupPost), "alice@example.net", "nosuchgroup@groups.example.org")
	if out.Result != router.Dropped {
		t.Fatalf("result = %v, want Dropped", out)
	}

	files, err := filepath.Glob(filepath.Join(dir, "incoming", "*", "*.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("archived %d files, want 1", len(files))
	}
	env, err := archive.Read(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if env.Outcome != "Dropped" {
		t.Errorf("archived outcome = %q", env.Outcome)
	}
	if env.Envelope.To != "nosuchgroup@groups.example.org" || !bytes.Equal(env.RawEmail, []byte(groupPost)) {
		t.Errorf("archived envelope = %+v", env.Envelope)
	}
}

func TestRouteStoreFailure(t *testing.T) {
	inst, _ := testInstance(t)
	inst.Store.Close()

	out, err := Route(context.Background(), inst, strings.NewReader(groupPost), "alice@example.net", "nosuchgroup@groups.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != router.Failure {
		t.Fatalf("result = %v, want Failure", out)
	}
	if out.Result.ExitCode() != 75 {
		t.Errorf("exit code = %d, want 75", out.Result.ExitCode())
	}
}

func TestNewInstanceUnknownLanguage(t *testing.T) {
	cfg, err := ReadConfig(strings.NewReader(`
domains {
	group groups.example.org
	user users.example.org
}
storage {
	driver sqlite
	dsn :memory:
}
spam {
	languages en xx
}
`), "test.conf")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewInstance(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unknown language")
	}
}
