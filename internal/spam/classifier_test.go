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
	"errors"
	"testing"

	"github.com/foxcpp/go-mockdns"
	"github.com/freegle/inboundrouter/internal/message"
	"github.com/freegle/inboundrouter/internal/store"
)

func TestPruneSubject(t *testing.T) {
	test := func(subject, want string) {
		t.Helper()
		if got := PruneSubject(subject); got != want {
			t.Errorf("PruneSubject(%q) = %q, want %q", subject, got, want)
		}
	}

	test("OFFER: Sofa (Edinburgh EH1)", "Sofa")
	test("wanted:  garden chairs (Leith)", "garden chairs")
	test("TAKEN: Sofa", "Sofa")
	test("Make money fast", "Make money fast")
	test("OFFER: Table (big) (Cardiff)", "Table (big)")
	test("", "")
}

func TestCheckMessageClean(t *testing.T) {
	c := testClassifier(t, &fakeStore{})
	msg := &message.Message{
		Subject:     "OFFER: Sofa (Edinburgh)",
		FromAddress: "alice@example.com",
		TextBody:    "Blue sofa, good condition, collection only.",
		SenderIP:    "192.0.2.1",
	}
	v, err := c.CheckMessage(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Fatalf("clean message flagged: %+v", v)
	}
}

func TestCheckMessageOrder(t *testing.T) {
	test := func(name string, st *fakeStore, msg *message.Message, want Reason) {
		t.Helper()
		c := testClassifier(t, st)
		c.Geo = fakeGeo{"203.0.113.5": "Nigeria"}
		v, err := c.CheckMessage(context.Background(), msg)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		var got Reason
		if v != nil {
			got = v.Reason
			if !v.IsSpam {
				t.Errorf("%s: verdict not marked as spam", name)
			}
		}
		if got != want {
			t.Errorf("%s: reason = %q, want %q", name, got, want)
		}
	}

	base := func() *message.Message {
		return &message.Message{
			Subject:      "OFFER: Lawn mower for the garden (Leeds)",
			FromAddress:  "bob@example.com",
			EnvelopeFrom: "bob@example.com",
			TextBody:     "Works fine.",
			SenderIP:     "203.0.113.5",
		}
	}

	msg := base()
	msg.FromName = "groups.ilovefreegle.org support"
	test("own domain", &fakeStore{}, msg, UsedOurDomain)

	test("country", &fakeStore{blockedCountries: map[string]bool{"Nigeria": true}}, base(), CountryBlocked)

	test("users from ip", &fakeStore{usersFromIP: []string{"a", "b", "c", "d", "e", "f"}}, base(), IPUsedForDifferentUsers)
	test("five users from ip", &fakeStore{usersFromIP: []string{"a", "b", "c", "d", "e"}}, base(), "")

	groups := make([]string, 20)
	test("groups from ip", &fakeStore{groupsFromIP: groups}, base(), IPUsedForDifferentGroups)

	test("whitelisted ip", &fakeStore{
		whitelistedIPs: map[string]bool{"203.0.113.5": true},
		usersFromIP:    []string{"a", "b", "c", "d", "e", "f"},
	}, base(), "")

	msg = base()
	msg.SenderIP = "10.1.2.3"
	test("internal ip", &fakeStore{usersFromIP: []string{"a", "b", "c", "d", "e", "f"}}, msg, "")

	msg = base()
	msg.Header = map[string]string{"x-trash-nothing-secret": "s"}
	test("trusted partner", &fakeStore{usersFromIP: []string{"a", "b", "c", "d", "e", "f"}}, msg, "")

	test("subject reuse", &fakeStore{groupsWithSubject: 30}, base(), SubjectUsedForDifferentGroups)
	test("whitelisted subject", &fakeStore{
		groupsWithSubject:   30,
		whitelistedSubjects: map[string]bool{"Lawn mower for the garden": true},
	}, base(), "")

	msg = base()
	msg.Subject = "OFFER: Chair (Leeds)"
	test("short subject", &fakeStore{groupsWithSubject: 100}, msg, "")

	test("volunteer mail by sender", &fakeStore{volunteerFrom: 20}, base(), BulkVolunteerMail)
	test("volunteer mail by subject", &fakeStore{volunteerSubject: 20}, base(), BulkVolunteerMail)
	test("volunteer mail below threshold", &fakeStore{volunteerFrom: 19, volunteerSubject: 19}, base(), "")

	msg = base()
	msg.Subject = "Hello friend"
	msg.TextBody = "Hello dear\nvisit http://example.net/offer\n"
	test("greetings", &fakeStore{}, msg, Greetings)

	msg = base()
	msg.TextBody = "Contact me at spammer@example.net"
	test("spammer reference", &fakeStore{spammers: map[string]bool{"spammer@example.net": true}}, msg, ReferencedSpammer)

	msg = base()
	msg.TextBody = "Cheap viagra here"
	test("keyword", &fakeStore{keywords: []store.SpamKeyword{keyword("viagra", ActionSpam)}}, msg, KnownKeyword)

	// The country check comes before the user count.
	test("first positive wins", &fakeStore{
		blockedCountries: map[string]bool{"Nigeria": true},
		usersFromIP:      []string{"a", "b", "c", "d", "e", "f"},
	}, base(), CountryBlocked)
}

func TestCheckMessageStoreFailure(t *testing.T) {
	storeErr := errors.New("database gone")
	c := testClassifier(t, &fakeStore{err: storeErr})
	msg := &message.Message{
		Subject:  "OFFER: Lawn mower for the garden (Leeds)",
		TextBody: "Contact spammer@example.net http://example.net",
		SenderIP: "203.0.113.5",
	}
	v, err := c.CheckMessage(context.Background(), msg)
	if !errors.Is(err, storeErr) {
		t.Fatalf("store failure not returned: %v", err)
	}
	if v != nil {
		t.Errorf("store failure produced a verdict: %+v", v)
	}
}

type failingGeo struct{}

func (failingGeo) Country(string) (string, error) {
	return "", errors.New("database not loaded")
}

func TestCheckMessageGeoFailsOpen(t *testing.T) {
	c := testClassifier(t, &fakeStore{usersFromIP: []string{"a", "b", "c", "d", "e", "f"}})
	c.Geo = failingGeo{}
	msg := &message.Message{
		Subject:     "OFFER: Lawn mower for the garden (Leeds)",
		FromAddress: "bob@example.com",
		TextBody:    "Works fine.",
		SenderIP:    "203.0.113.5",
	}
	v, err := c.CheckMessage(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if v == nil || v.Reason != IPUsedForDifferentUsers {
		t.Errorf("expected the checks after geolocation to run, got %+v", v)
	}
}

func TestKeywordsSkippedForSystemSender(t *testing.T) {
	c := testClassifier(t, &fakeStore{keywords: []store.SpamKeyword{keyword("viagra", ActionSpam)}})
	for _, from := range []string{"noreply@ilovefreegle.org", "info@ilovefreegle.org"} {
		msg := &message.Message{FromAddress: from, TextBody: "viagra"}
		if v, err := c.CheckMessage(context.Background(), msg); err != nil || v != nil {
			t.Errorf("mail from %s flagged: %+v, %v", from, v, err)
		}
	}
}

func TestCheckKeywords(t *testing.T) {
	exclude := "free\\s+range"
	st := &fakeStore{keywords: []store.SpamKeyword{
		keyword("loan", ActionSpam),
		keyword("western union", ActionReview),
		{Word: "range", Action: ActionSpam, Type: "Literal", Exclude: &exclude},
		keyword("ignored", "Whitelist"),
	}}
	c := testClassifier(t, st)

	test := func(text string, want Reason) {
		t.Helper()
		v, err := c.CheckKeywords(context.Background(), text, ActionReview, ActionSpam)
		if err != nil {
			t.Fatal(err)
		}
		var got Reason
		if v != nil {
			got = v.Reason
		}
		if got != want {
			t.Errorf("CheckKeywords(%q) = %q, want %q", text, got, want)
		}
	}

	test("I need a LOAN today", KnownKeyword)
	test("loans are available", "")
	test("Use Western Union please", KnownKeyword)
	test("cooking range for sale", KnownKeyword)
	test("free range eggs and a range", "")
	test("this is ignored", "")
	test("l&#616;fe loan", KnownKeyword)
	test("visit https://evil.example/groups.ilovefreegle.org/login", UsedOurDomain)
	test("visit https://users.ilovefreegle.org/chats", "")
}

func TestCheckKeywordsDBL(t *testing.T) {
	c := testClassifier(t, &fakeStore{keywords: []store.SpamKeyword{keyword("cheap", ActionSpam)}})
	c.Resolver = &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"spammy.example.dbl.spamhaus.org.": {A: []string{"127.0.1.2"}},
	}}

	v, err := c.CheckKeywords(context.Background(), "cheap stuff at http://www.spammy.example/x and https://fine.example/", ActionSpam)
	if err != nil {
		t.Fatal(err)
	}
	if v == nil || v.Reason != URLOnDBL {
		t.Fatalf("verdict = %+v, want URL on DBL", v)
	}
	if v.Detail != "Blacklisted url www.spammy.example/x" {
		t.Errorf("detail = %q", v.Detail)
	}

	v, err = c.CheckKeywords(context.Background(), "see https://fine.example/page or bit.do/xyz http://bit.do/abc", ActionSpam)
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Errorf("unlisted links flagged: %+v", v)
	}
}

func TestDBLHost(t *testing.T) {
	test := func(target, want string) {
		t.Helper()
		if got := dblHost(target); got != want {
			t.Errorf("dblHost(%q) = %q, want %q", target, got, want)
		}
	}
	test("www.Example.com/path?q=1", "example.com")
	test("example.com:8080/x", "example.com")
	test("sub.example.com", "sub.example.com")
}

func TestCheckImageReuse(t *testing.T) {
	c := testClassifier(t, &fakeStore{imageUses: 6})
	v, err := c.CheckImageReuse(context.Background(), "abcdef")
	if err != nil {
		t.Fatal(err)
	}
	if v == nil || v.Reason != SameImage {
		t.Errorf("verdict = %+v, want SameImage", v)
	}

	c = testClassifier(t, &fakeStore{imageUses: 5})
	if v, _ := c.CheckImageReuse(context.Background(), "abcdef"); v != nil {
		t.Errorf("five uses flagged: %+v", v)
	}
	if v, _ := c.CheckImageReuse(context.Background(), ""); v != nil {
		t.Errorf("empty hash flagged: %+v", v)
	}
}

type fakeScorer struct {
	score float64
	err   error
	calls int
}

func (s *fakeScorer) Score(context.Context, []byte) (float64, error) {
	s.calls++
	return s.score, s.err
}

func TestCheckSpamAssassin(t *testing.T) {
	c := testClassifier(t, &fakeStore{})

	sc := &fakeScorer{score: 9.5}
	c.Scorer = sc
	score, spam := c.CheckSpamAssassin(context.Background(), []byte("raw"), "Make money fast")
	if score == nil || *score != 9.5 || !spam {
		t.Errorf("score = %v, spam = %v", score, spam)
	}

	score, spam = c.CheckSpamAssassin(context.Background(), []byte("raw"), "OFFER: Sofa (Leeds)")
	if score != nil || spam {
		t.Errorf("standard subject scored: %v %v", score, spam)
	}
	if sc.calls != 1 {
		t.Errorf("scorer called %d times", sc.calls)
	}

	c.Scorer = &fakeScorer{score: 7.9}
	if _, spam := c.CheckSpamAssassin(context.Background(), []byte("raw"), "hello"); spam {
		t.Error("7.9 is spam")
	}

	c.Scorer = &fakeScorer{err: errors.New("connection refused")}
	if score, spam := c.CheckSpamAssassin(context.Background(), []byte("raw"), "hello"); score != nil || spam {
		t.Error("scorer failure did not fail open")
	}
}
