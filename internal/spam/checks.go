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
	"fmt"
	"regexp"
	"strings"
)

var (
	urlRe   = regexp.MustCompile(`(?i)https?://[^\s<>'"]+`)
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

	subjectTypeRe     = regexp.MustCompile(`(?i)^(OFFER|WANTED|TAKEN|RECEIVED)\s*:\s*`)
	subjectLocationRe = regexp.MustCompile(`\s*\([^)]*\)\s*$`)
)

var greetings = []string{
	"hello", "salutations", "hey", "good morning", "sup", "hi",
	"good evening", "good afternoon", "greetings",
}

// PruneSubject strips the post type prefix and the location suffix from a
// subject, leaving the item description.
func PruneSubject(subject string) string {
	subject = subjectTypeRe.ReplaceAllString(subject, "")
	subject = subjectLocationRe.ReplaceAllString(subject, "")
	return strings.TrimSpace(subject)
}

func (c *Classifier) checkIP(ctx context.Context, in *checkInput) (*Verdict, error) {
	ip := in.ip
	if ip == "" || in.msg.IsFromTrustedPartner() || strings.HasPrefix(ip, "10.") {
		return nil, nil
	}
	ok, err := c.Store.IsIPWhitelisted(ctx, ip)
	if err != nil || ok {
		return nil, err
	}

	if c.Geo != nil {
		country, err := c.Geo.Country(ip)
		if err != nil {
			c.Log.DebugMsg("geolocation failed", "ip", ip, "reason", err.Error())
		} else if country != "" {
			blocked, err := c.Store.IsCountryBlocked(ctx, country)
			if err != nil {
				return nil, err
			}
			if blocked {
				return verdict(CountryBlocked, fmt.Sprintf("Blocking IP %s as it's in %s", ip, country)), nil
			}
		}
	}

	users, err := c.Store.UsersFromIP(ctx, ip)
	if err != nil {
		return nil, err
	}
	if len(users) > UserThreshold {
		return verdict(IPUsedForDifferentUsers, fmt.Sprintf("IP %s recently used for %d different users (%s)",
			ip, len(users), strings.Join(users, ", "))), nil
	}

	groups, err := c.Store.GroupsFromIP(ctx, ip)
	if err != nil {
		return nil, err
	}
	if len(groups) >= GroupThreshold {
		return verdict(IPUsedForDifferentGroups, fmt.Sprintf("IP %s recently used for %d different groups (%s)",
			ip, len(groups), strings.Join(groups, ", "))), nil
	}
	return nil, nil
}

func (c *Classifier) checkSubjectReuse(ctx context.Context, in *checkInput) (*Verdict, error) {
	subj := in.prunedSubject
	if len(subj) < 10 {
		return nil, nil
	}
	n, err := c.Store.GroupsWithSubject(ctx, subj)
	if err != nil || n < SubjectThreshold {
		return nil, err
	}
	ok, err := c.Store.IsSubjectWhitelisted(ctx, subj)
	if err != nil || ok {
		return nil, err
	}
	return verdict(SubjectUsedForDifferentGroups,
		fmt.Sprintf("Warning - subject %s recently used on %d groups", subj, n)), nil
}

func (c *Classifier) checkBulkVolunteerMail(ctx context.Context, in *checkInput) (*Verdict, error) {
	since := c.Now().Add(-VolunteerWindow)
	from := in.msg.EnvelopeFrom

	n, err := c.Store.VolunteerMailsFrom(ctx, from, c.Config.GroupDomain, since)
	if err != nil {
		return nil, err
	}
	if n >= VolunteerThreshold {
		return verdict(BulkVolunteerMail,
			fmt.Sprintf("Warning - %s mailed %d group volunteer addresses recently", from, n)), nil
	}

	subj := in.msg.Subject
	if subj == "" {
		return nil, nil
	}
	n, err = c.Store.VolunteerMailsWithSubject(ctx, subj, c.Config.GroupDomain, since)
	if err != nil {
		return nil, err
	}
	if n >= VolunteerThreshold {
		return verdict(BulkVolunteerMail,
			fmt.Sprintf("Warning - subject %s mailed to %d group volunteer addresses recently", subj, n)), nil
	}
	return nil, nil
}

func startsWithGreeting(s string) bool {
	s = strings.ToLower(s)
	for _, g := range greetings {
		if strings.HasPrefix(s, g) {
			return true
		}
	}
	return false
}

// checkGreetings catches the "Hello ... click here" pattern: a greeting
// in the subject and the first line, or in the first and third lines, of
// a text containing a link.
func (c *Classifier) checkGreetings(_ context.Context, in *checkInput) (*Verdict, error) {
	lower := strings.ToLower(in.body)
	if !strings.Contains(lower, "http") && !strings.Contains(lower, ".php") {
		return nil, nil
	}

	lines := strings.Split(in.body, "\n")
	line := func(i int) string {
		if i < len(lines) {
			return lines[i]
		}
		return ""
	}

	subj := startsWithGreeting(in.prunedSubject)
	first := startsWithGreeting(line(0))
	third := startsWithGreeting(line(2))
	if (subj && first) || (first && third) {
		return verdict(Greetings, "Message looks like a greetings spam"), nil
	}
	return nil, nil
}

// SpammerReference returns the first address in text that belongs to a
// known spammer, or "".
func (c *Classifier) SpammerReference(ctx context.Context, text string) (string, error) {
	if !strings.Contains(text, "@") {
		return "", nil
	}
	emails := emailRe.FindAllString(text, -1)
	if len(emails) == 0 {
		return "", nil
	}
	return c.Store.SpammerWithEmail(ctx, emails)
}

func (c *Classifier) checkSpammerReference(ctx context.Context, in *checkInput) (*Verdict, error) {
	addr, err := c.SpammerReference(ctx, in.body)
	if err != nil || addr == "" {
		return nil, err
	}
	return verdict(ReferencedSpammer, "Refers to known spammer "+addr), nil
}

func (c *Classifier) isSystemSender(addr string) bool {
	if c.Config.NoReplyAddr == "" {
		return false
	}
	if strings.EqualFold(addr, c.Config.NoReplyAddr) {
		return true
	}
	_, domain, found := strings.Cut(c.Config.NoReplyAddr, "@")
	return found && strings.EqualFold(addr, "info@"+domain)
}

func (c *Classifier) checkMessageKeywords(ctx context.Context, in *checkInput) (*Verdict, error) {
	if c.isSystemSender(in.msg.FromAddress) {
		return nil, nil
	}
	for _, text := range []string{in.body, in.msg.Subject} {
		v, err := c.CheckKeywords(ctx, text, ActionReview, ActionSpam)
		if err != nil || v != nil {
			return v, err
		}
	}
	return nil, nil
}
