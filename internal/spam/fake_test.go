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
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/go-mockdns"
	"github.com/freegle/inboundrouter/internal/store"
	"github.com/freegle/inboundrouter/internal/testutils"
)

type fakeStore struct {
	keywords []store.SpamKeyword
	worry    []store.WorryWord
	links    []string

	whitelistedIPs      map[string]bool
	blockedCountries    map[string]bool
	whitelistedSubjects map[string]bool
	usersFromIP         []string
	groupsFromIP        []string
	groupsWithSubject   int
	volunteerFrom       int
	volunteerSubject    int
	spammers            map[string]bool
	imageUses           int

	keywordLoads int
	err          error
}

func (s *fakeStore) SpamKeywords(context.Context) ([]store.SpamKeyword, error) {
	s.keywordLoads++
	return s.keywords, s.err
}

func (s *fakeStore) WorryWords(context.Context) ([]store.WorryWord, error) {
	return s.worry, s.err
}

func (s *fakeStore) WhitelistedLinks(context.Context) ([]string, error) {
	return s.links, s.err
}

func (s *fakeStore) IsIPWhitelisted(_ context.Context, ip string) (bool, error) {
	return s.whitelistedIPs[ip], s.err
}

func (s *fakeStore) IsCountryBlocked(_ context.Context, country string) (bool, error) {
	return s.blockedCountries[country], s.err
}

func (s *fakeStore) IsSubjectWhitelisted(_ context.Context, subject string) (bool, error) {
	return s.whitelistedSubjects[subject], s.err
}

func (s *fakeStore) UsersFromIP(context.Context, string) ([]string, error) {
	return s.usersFromIP, s.err
}

func (s *fakeStore) GroupsFromIP(context.Context, string) ([]string, error) {
	return s.groupsFromIP, s.err
}

func (s *fakeStore) GroupsWithSubject(context.Context, string) (int, error) {
	return s.groupsWithSubject, s.err
}

func (s *fakeStore) VolunteerMailsFrom(context.Context, string, string, time.Time) (int, error) {
	return s.volunteerFrom, s.err
}

func (s *fakeStore) VolunteerMailsWithSubject(context.Context, string, string, time.Time) (int, error) {
	return s.volunteerSubject, s.err
}

func (s *fakeStore) SpammerWithEmail(_ context.Context, emails []string) (string, error) {
	for _, e := range emails {
		if s.spammers[strings.ToLower(e)] {
			return e, s.err
		}
	}
	return "", s.err
}

func (s *fakeStore) ImageUseCount(context.Context, string, time.Time) (int, error) {
	return s.imageUses, s.err
}

type fakeGeo map[string]string

func (g fakeGeo) Country(ip string) (string, error) {
	return g[ip], nil
}

type fakeLang bool

func (l fakeLang) IsSupported(string) bool { return bool(l) }

func testClassifier(t *testing.T, st *fakeStore) *Classifier {
	t.Helper()
	c := New(Config{
		GroupDomain:     "groups.ilovefreegle.org",
		UserDomain:      "users.ilovefreegle.org",
		InternalDomains: []string{"ilovefreegle.org"},
		NoReplyAddr:     "noreply@ilovefreegle.org",
		UserSite:        "www.ilovefreegle.org",
		Timeout:         time.Second,
	}, st, nil)
	c.Log = testutils.Logger(t, "spam")
	c.Resolver = &mockdns.Resolver{Zones: map[string]mockdns.Zone{}}
	return c
}

func keyword(word, action string) store.SpamKeyword {
	return store.SpamKeyword{Word: word, Action: action, Type: "Literal"}
}
