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

// Package spam implements the abuse classifier applied to group posts,
// volunteer mail and chat replies.
//
// CheckMessage runs an ordered list of named checks and returns the
// verdict of the first positive one. CheckReview answers the weaker
// question of whether a text should be looked at by a volunteer before
// it is delivered. Checks depending on external services (DNS,
// geolocation, the content scorer) fail open: an unavailable service is
// logged and treated as a negative result. Data store errors are returned
// to the caller.
package spam

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/freegle/inboundrouter/framework/dns"
	"github.com/freegle/inboundrouter/framework/log"
	"github.com/freegle/inboundrouter/internal/message"
)

const modName = "spam"

// Thresholds of the reputation checks.
const (
	UserThreshold      = 5
	GroupThreshold     = 20
	SubjectThreshold   = 30
	VolunteerThreshold = 20
	ImageThreshold     = 5
	AssassinThreshold  = 8.0

	ImageWindow     = 24 * time.Hour
	VolunteerWindow = 24 * time.Hour

	DefaultDBLZone = "dbl.spamhaus.org"
)

// Store is the part of the data store used by the classifier.
type Store interface {
	ListSource

	IsIPWhitelisted(ctx context.Context, ip string) (bool, error)
	IsCountryBlocked(ctx context.Context, country string) (bool, error)
	IsSubjectWhitelisted(ctx context.Context, subject string) (bool, error)
	UsersFromIP(ctx context.Context, ip string) ([]string, error)
	GroupsFromIP(ctx context.Context, ip string) ([]string, error)
	GroupsWithSubject(ctx context.Context, prefix string) (int, error)
	VolunteerMailsFrom(ctx context.Context, envelopeFrom, groupDomain string, since time.Time) (int, error)
	VolunteerMailsWithSubject(ctx context.Context, subject, groupDomain string, since time.Time) (int, error)
	SpammerWithEmail(ctx context.Context, emails []string) (string, error)
	ImageUseCount(ctx context.Context, hash string, since time.Time) (int, error)
}

// GeoLocator maps an IP address to a country name. An empty name means
// unknown.
type GeoLocator interface {
	Country(ip string) (string, error)
}

// Scorer is an external content scorer such as spamd.
type Scorer interface {
	Score(ctx context.Context, raw []byte) (float64, error)
}

// LanguageDetector decides whether a text is written in one of the
// supported languages.
type LanguageDetector interface {
	IsSupported(text string) bool
}

type Config struct {
	GroupDomain string
	UserDomain  string
	// InternalDomains are other domains the platform sends mail from.
	InternalDomains []string
	// NoReplyAddr is the system sender. Mail from it and from info@ at
	// the same domain skips the keyword checks.
	NoReplyAddr string
	// UserSite is the host name of the user-facing site.
	UserSite string
	DBLZone  string
	// Timeout bounds every call to an external service.
	Timeout time.Duration
}

type Classifier struct {
	Config Config
	Store  Store
	Cache  *Cache

	Resolver dns.Resolver
	Geo      GeoLocator
	Scorer   Scorer
	Lang     LanguageDetector

	Log log.Logger
	Now func() time.Time

	checks []check
}

type checkInput struct {
	msg           *message.Message
	ip            string
	prunedSubject string
	body          string
}

type check struct {
	name string
	run  func(ctx context.Context, in *checkInput) (*Verdict, error)
}

func New(cfg Config, st Store, cache *Cache) *Classifier {
	if cfg.DBLZone == "" {
		cfg.DBLZone = DefaultDBLZone
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cache == nil {
		cache = NewCache(st)
	}
	c := &Classifier{
		Config:   cfg,
		Store:    st,
		Cache:    cache,
		Resolver: dns.DefaultResolver(),
		Log:      log.Logger{Name: modName},
		Now:      time.Now,
	}
	c.checks = []check{
		{"own_domain_name", c.checkOwnDomainName},
		{"ip", c.checkIP},
		{"subject_reuse", c.checkSubjectReuse},
		{"bulk_volunteer_mail", c.checkBulkVolunteerMail},
		{"greetings", c.checkGreetings},
		{"spammer_reference", c.checkSpammerReference},
		{"keywords", c.checkMessageKeywords},
	}
	return c
}

// CheckMessage classifies a message. It returns a nil verdict for clean
// messages.
func (c *Classifier) CheckMessage(ctx context.Context, msg *message.Message) (*Verdict, error) {
	in := &checkInput{
		msg:           msg,
		ip:            msg.SenderIP,
		prunedSubject: PruneSubject(msg.Subject),
		body:          message.StripQuoted(msg.BodyText(), c.Config.UserSite),
	}

	for _, chk := range c.checks {
		v, err := chk.run(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", modName, chk.name, err)
		}
		if v != nil {
			verdictsCnt.WithLabelValues(string(v.Reason)).Inc()
			c.Log.Msg("spam detected", "check", chk.name, "reason", string(v.Reason),
				"detail", v.Detail, "msg_id", msg.MessageID)
			return v, nil
		}
	}
	return nil, nil
}

func (c *Classifier) ownDomains() []string {
	var ds []string
	for _, d := range []string{c.Config.GroupDomain, c.Config.UserDomain} {
		if d != "" {
			ds = append(ds, d)
		}
	}
	return ds
}

func (c *Classifier) checkOwnDomainName(_ context.Context, in *checkInput) (*Verdict, error) {
	name := strings.ToLower(in.msg.FromName)
	for _, d := range c.ownDomains() {
		if strings.Contains(name, strings.ToLower(d)) {
			return verdict(UsedOurDomain, "Used our domain inside from name "+in.msg.FromName), nil
		}
	}
	return nil, nil
}
