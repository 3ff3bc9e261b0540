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

// Keyword actions.
const (
	ActionReview = "Review"
	ActionSpam   = "Spam"
)

var (
	jobsLinkRe = regexp.MustCompile(`(?im)<https://www\.ilovefreegle\.org/jobs/.*>.*$`)

	homoglyphs = strings.NewReplacer(
		"&#616;", "i",
		"&#537;", "s",
		"&#206;", "I",
		"=C2", "£",
	)

	// Shortener and form links that are never looked up.
	badURLs = []string{"bit.do", "goo.gl/forms"}
)

// urlTargets returns, in order of appearance and without duplicates, the
// part after "://" of every link in text that is not on the bad URL list.
func urlTargets(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, u := range urlRe.FindAllString(text, -1) {
		stripped := strings.NewReplacer("http:", "", "https:", "").Replace(u)
		bad := false
		for _, b := range badURLs {
			if strings.Contains(stripped, b) {
				bad = true
			}
		}
		if bad {
			continue
		}
		_, target, _ := strings.Cut(u, "://")
		if target == "" || seen[target] {
			continue
		}
		seen[target] = true
		out = append(out, target)
	}
	return out
}

// CheckKeywords matches text against the spam keywords with one of the
// given actions and looks up every link in the domain blocklist. Links
// pointing inside our own domains are flagged as spoofing.
//
// Link findings take precedence over keyword matches.
func (c *Classifier) CheckKeywords(ctx context.Context, text string, actions ...string) (*Verdict, error) {
	text = jobsLinkRe.ReplaceAllString(text, "")
	text = homoglyphs.Replace(text)

	kws, err := c.Cache.Keywords(ctx)
	if err != nil {
		return nil, err
	}

	var ret *Verdict
	for _, kw := range kws {
		if kw.Literal == nil || !hasAction(actions, kw.Action) {
			continue
		}
		if !kw.Literal.MatchString(text) {
			continue
		}
		if kw.Exclude != nil && kw.Exclude.MatchString(text) {
			continue
		}
		ret = verdict(KnownKeyword, fmt.Sprintf("Refers to keyword '%s'", strings.TrimSpace(kw.Word)))
	}

	targets := urlTargets(text)
	if len(targets) == 0 {
		return ret, nil
	}

	listed := c.lookupDBL(ctx, targets)
	for _, target := range targets {
		if listed[target] {
			ret = verdict(URLOnDBL, "Blacklisted url "+target)
		}
		if c.insideOwnDomain(target) {
			ret = verdict(UsedOurDomain, "Used our domain inside "+target)
		}
	}
	return ret, nil
}

func hasAction(actions []string, action string) bool {
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}

// insideOwnDomain reports whether one of our domains appears in the link
// after at least one other character, e.g. ilovefreegle.org.evil.com or
// evil.com/ilovefreegle.org.
func (c *Classifier) insideOwnDomain(target string) bool {
	for _, d := range c.ownDomains() {
		if len(target) > 1 && strings.Contains(target[1:], d) {
			return true
		}
	}
	return false
}
