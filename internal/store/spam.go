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

package store

import (
	"context"
	"time"
)

func (s *SQL) IsIPWhitelisted(ctx context.Context, ip string) (bool, error) {
	return s.exists(ctx, "ip whitelist", `SELECT id FROM spam_whitelist_ips WHERE ip = ?`, ip)
}

func (s *SQL) IsCountryBlocked(ctx context.Context, country string) (bool, error) {
	return s.exists(ctx, "country block", `SELECT id FROM spam_countries WHERE country = ?`, country)
}

func (s *SQL) IsSubjectWhitelisted(ctx context.Context, subject string) (bool, error) {
	return s.exists(ctx, "subject whitelist", `SELECT id FROM spam_whitelist_subjects WHERE subject = ?`, subject)
}

// UsersFromIP returns the names used by distinct users that posted to
// groups from ip.
func (s *SQL) UsersFromIP(ctx context.Context, ip string) ([]string, error) {
	var names []*string
	err := s.db.SelectContext(ctx, &names, s.rebind(
		`SELECT MAX(fromname) FROM messages_history
		 WHERE fromip = ? AND groupid IS NOT NULL AND fromuser IS NOT NULL
		 GROUP BY fromuser`), ip)
	if err != nil {
		return nil, wrapErr("users from ip", err)
	}
	return derefAll(names), nil
}

// GroupsFromIP returns the short names of the groups posted to from ip.
func (s *SQL) GroupsFromIP(ctx context.Context, ip string) ([]string, error) {
	var names []string
	err := s.db.SelectContext(ctx, &names, s.rebind(
		`SELECT DISTINCT g.nameshort FROM messages_history h
		 INNER JOIN groups g ON g.id = h.groupid
		 WHERE h.fromip = ?`), ip)
	if err != nil {
		return nil, wrapErr("groups from ip", err)
	}
	return names, nil
}

// GroupsWithSubject counts the distinct groups that received a post whose
// pruned subject starts with prefix.
func (s *SQL) GroupsWithSubject(ctx context.Context, prefix string) (int, error) {
	return s.count(ctx, "groups with subject",
		`SELECT COUNT(DISTINCT groupid) FROM messages_history WHERE prunedsubject LIKE ? ESCAPE '!' AND groupid IS NOT NULL`,
		likeEscape(prefix)+"%")
}

// VolunteerMailsFrom counts mail from envelopeFrom to volunteer addresses
// at groupDomain since the given time.
func (s *SQL) VolunteerMailsFrom(ctx context.Context, envelopeFrom, groupDomain string, since time.Time) (int, error) {
	return s.count(ctx, "volunteer mails from",
		`SELECT COUNT(*) FROM messages
		 WHERE envelopefrom = ? AND envelopeto LIKE ? ESCAPE '!' AND arrival >= ?`,
		envelopeFrom, "%-volunteers@"+likeEscape(groupDomain), since.UTC())
}

// VolunteerMailsWithSubject counts mail with the subject sent to
// volunteer addresses at groupDomain since the given time.
func (s *SQL) VolunteerMailsWithSubject(ctx context.Context, subject, groupDomain string, since time.Time) (int, error) {
	return s.count(ctx, "volunteer mails with subject",
		`SELECT COUNT(*) FROM messages
		 WHERE subject LIKE ? ESCAPE '!' AND envelopeto LIKE ? ESCAPE '!' AND arrival >= ?`,
		likeEscape(subject), "%-volunteers@"+likeEscape(groupDomain), since.UTC())
}

// SpammerWithEmail returns the first of emails that belongs to a
// confirmed spammer, or "".
func (s *SQL) SpammerWithEmail(ctx context.Context, emails []string) (string, error) {
	for _, e := range emails {
		ok, err := s.exists(ctx, "spammer email",
			`SELECT su.id FROM spam_users su
			 INNER JOIN users_emails ue ON ue.userid = su.userid
			 WHERE su.collection = ? AND ue.email = ?`, SpamCollectionSpammer, e)
		if err != nil {
			return "", err
		}
		if ok {
			return e, nil
		}
	}
	return "", nil
}

func (s *SQL) SpamKeywords(ctx context.Context) ([]SpamKeyword, error) {
	var kws []SpamKeyword
	if err := s.db.SelectContext(ctx, &kws, `SELECT id, word, exclude, action, type FROM spam_keywords`); err != nil {
		return nil, wrapErr("spam keywords", err)
	}
	return kws, nil
}

func (s *SQL) WorryWords(ctx context.Context) ([]WorryWord, error) {
	var ws []WorryWord
	if err := s.db.SelectContext(ctx, &ws, `SELECT id, keyword, type FROM worrywords`); err != nil {
		return nil, wrapErr("worry words", err)
	}
	return ws, nil
}

// WhitelistedLinks returns link domains seen often enough to be trusted.
// Shorteners are never trusted.
func (s *SQL) WhitelistedLinks(ctx context.Context) ([]string, error) {
	var domains []string
	err := s.db.SelectContext(ctx, &domains,
		`SELECT domain FROM spam_whitelist_links
		 WHERE count >= 3 AND LENGTH(domain) > 5
		   AND domain NOT LIKE '%linkedin%' AND domain NOT LIKE '%goo.gl%'
		   AND domain NOT LIKE '%bit.ly%' AND domain NOT LIKE '%tinyurl%'`)
	if err != nil {
		return nil, wrapErr("whitelisted links", err)
	}
	return domains, nil
}

// ImageUseCount counts chat messages since the given time carrying an
// image with the hash.
func (s *SQL) ImageUseCount(ctx context.Context, hash string, since time.Time) (int, error) {
	return s.count(ctx, "image use count",
		`SELECT COUNT(*) FROM chat_images ci
		 INNER JOIN chat_messages cm ON cm.imageid = ci.id
		 WHERE ci.hash = ? AND cm.date >= ?`, hash, since.UTC())
}

func derefAll(in []*string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != nil {
			out = append(out, *s)
		}
	}
	return out
}
