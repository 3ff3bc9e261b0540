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

package lmtp

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/freegle/inboundrouter/framework/config"
	"github.com/freegle/inboundrouter/internal/router"
	"github.com/freegle/inboundrouter/internal/testutils"
)

type delivery struct {
	from, to string
	raw      string
}

type fakeDeliverer struct {
	results    map[string]router.Result
	deliveries []delivery
}

func (f *fakeDeliverer) Deliver(_ context.Context, raw []byte, from, to string) router.Outcome {
	f.deliveries = append(f.deliveries, delivery{from: from, to: to, raw: string(raw)})
	return router.Outcome{Result: f.results[to]}
}

type statusMap map[string]error

func (m statusMap) SetStatus(rcpt string, err error) {
	m[rcpt] = err
}

func testSession(t *testing.T, d Deliverer) *session {
	t.Helper()
	e := New(d)
	e.Log = testutils.Logger(t, "lmtp")
	s, err := e.NewSession(nil)
	if err != nil {
		t.Fatal(err)
	}
	return s.(*session)
}

const testMsg = "From: alice@example.com\r\nSubject: hi\r\n\r\nhello\r\n"

func TestLMTPDataPerRecipient(t *testing.T) {
	d := &fakeDeliverer{results: map[string]router.Result{
		"a@groups.example.org": router.Approved,
		"b@groups.example.org": router.Failure,
		"c@groups.example.org": router.Dropped,
	}}
	s := testSession(t, d)

	if err := s.Mail("alice@example.com", &smtp.MailOptions{}); err != nil {
		t.Fatal(err)
	}
	for _, rcpt := range []string{"a@groups.example.org", "b@groups.example.org", "c@groups.example.org"} {
		if err := s.Rcpt(rcpt, &smtp.RcptOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	status := statusMap{}
	if err := s.LMTPData(strings.NewReader(testMsg), status); err != nil {
		t.Fatal(err)
	}

	if len(d.deliveries) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(d.deliveries))
	}
	for _, del := range d.deliveries {
		if del.from != "alice@example.com" || del.raw != testMsg {
			t.Errorf("wrong delivery: %+v", del)
		}
	}
	if status["a@groups.example.org"] != nil || status["c@groups.example.org"] != nil {
		t.Errorf("unexpected errors: %v", status)
	}
	smtpErr, ok := status["b@groups.example.org"].(*smtp.SMTPError)
	if !ok || smtpErr.Code != 451 || smtpErr.EnhancedCode != (smtp.EnhancedCode{4, 3, 0}) {
		t.Errorf("expected 451 4.3.0 for failure, got %v", status["b@groups.example.org"])
	}
}

func TestDataFirstFailure(t *testing.T) {
	d := &fakeDeliverer{results: map[string]router.Result{"b@x.org": router.Failure}}
	s := testSession(t, d)
	s.Mail("alice@example.com", nil)
	s.Rcpt("a@x.org", nil)
	s.Rcpt("b@x.org", nil)

	if err := s.Data(strings.NewReader(testMsg)); err != errTempFail {
		t.Errorf("expected temporary failure, got %v", err)
	}

	s.Reset()
	if s.mailFrom != "" || len(s.rcpts) != 0 {
		t.Errorf("Reset kept transaction state")
	}
}

func TestConfigure(t *testing.T) {
	nodes, err := config.Read(strings.NewReader(`
lmtp tcp://127.0.0.1:2424 {
    hostname mx.example.org
    max_message_size 1024
}`), "test.conf")
	if err != nil {
		t.Fatal(err)
	}
	e := New(&fakeDeliverer{})
	if err := e.Configure(nil, nodes[0]); err != nil {
		t.Fatal(err)
	}
	if e.serv.Domain != "mx.example.org" || e.serv.MaxMessageBytes != 1024 {
		t.Errorf("config not applied: %s %d", e.serv.Domain, e.serv.MaxMessageBytes)
	}
	if len(e.Addrs) != 1 || e.Addrs[0] != "tcp://127.0.0.1:2424" {
		t.Errorf("wrong addresses: %v", e.Addrs)
	}

	if err := New(&fakeDeliverer{}).Configure(nil, config.Node{Name: "lmtp", Children: []config.Node{}}); err == nil {
		t.Error("expected error without addresses")
	}
}

func TestLimits(t *testing.T) {
	nodes, err := config.Read(strings.NewReader(`
lmtp tcp://127.0.0.1:2424 {
    limits {
        all concurrency 1
    }
}`), "test.conf")
	if err != nil {
		t.Fatal(err)
	}
	d := &fakeDeliverer{results: map[string]router.Result{}}
	e := New(d)
	e.Log = testutils.Logger(t, "lmtp")
	if err := e.Configure(nil, nodes[0]); err != nil {
		t.Fatal(err)
	}
	if e.Limits == nil {
		t.Fatal("limits block ignored")
	}
	e.Limits.Wait = 20 * time.Millisecond

	s1, _ := e.NewSession(nil)
	s2, _ := e.NewSession(nil)

	if err := s1.Mail("a@example.com", nil); err != nil {
		t.Fatal(err)
	}
	if err := s2.Mail("b@example.com", nil); err != errBusy {
		t.Fatalf("second concurrent message: got %v, want errBusy", err)
	}

	s1.Reset()
	if err := s2.Mail("b@example.com", nil); err != nil {
		t.Fatalf("after release: %v", err)
	}
	s2.Logout()
	if err := s1.Mail("a@example.com", nil); err != nil {
		t.Fatalf("Logout did not release: %v", err)
	}
}

func TestNoLimits(t *testing.T) {
	d := &fakeDeliverer{results: map[string]router.Result{}}
	s := testSession(t, d)
	for i := 0; i < 3; i++ {
		if err := s.Mail("a@example.com", nil); err != nil {
			t.Fatal(err)
		}
		s.Rcpt("x@example.org", nil)
		if err := s.Data(strings.NewReader(testMsg)); err != nil {
			t.Fatal(err)
		}
		s.Reset()
	}
	if len(d.deliveries) != 3 {
		t.Errorf("got %d deliveries", len(d.deliveries))
	}
}
