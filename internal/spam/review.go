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
	"strings"
)

const minLanguageCheckLen = 50

// CheckReview decides whether text needs to be looked at by a volunteer
// before delivery. It returns "" for text that can go straight through.
// checkLanguage enables the supported-language check.
func (c *Classifier) CheckReview(ctx context.Context, text string, checkLanguage bool) (Reason, error) {
	text = strings.ReplaceAll(text, "&#12290;", ".")
	if text == "" {
		return "", nil
	}

	r, err := c.review(ctx, text, checkLanguage)
	if err != nil {
		return "", fmt.Errorf("%s: review: %w", modName, err)
	}
	if r != "" {
		verdictsCnt.WithLabelValues(string(r)).Inc()
	}
	return r, nil
}

func (c *Classifier) review(ctx context.Context, text string, checkLanguage bool) (Reason, error) {
	if strings.Contains(strings.ToLower(text), "<script") {
		return Script, nil
	}
	untrusted, err := c.untrustedLinks(ctx, text)
	if err != nil {
		return "", err
	}
	if untrusted {
		return Link, nil
	}

	kws, err := c.Cache.Keywords(ctx)
	if err != nil {
		return "", err
	}
	for _, kw := range kws {
		if kw.Action != ActionReview || kw.Pattern == nil {
			continue
		}
		if kw.Pattern.MatchString(text) && (kw.Exclude == nil || !kw.Exclude.MatchString(text)) {
			return KnownKeyword, nil
		}
	}

	if strings.ContainsAny(text, "$£") || strings.Contains(text, "(a)") {
		return Money, nil
	}
	if c.hasExternalEmail(text) {
		return Email, nil
	}

	addr, err := c.SpammerReference(ctx, text)
	if err != nil {
		return "", err
	}
	if addr != "" {
		return ReferencedSpammer, nil
	}

	if checkLanguage && !c.supportedLanguage(text) {
		return Language, nil
	}
	return "", nil
}

// untrustedLinks reports whether text contains a removed link or a link
// that does not start with one of the whitelisted domains.
func (c *Classifier) untrustedLinks(ctx context.Context, text string) (bool, error) {
	if strings.Contains(strings.ToLower(text), "(url removed)") {
		return true, nil
	}
	targets := urlTargets(text)
	if len(targets) == 0 {
		return false, nil
	}

	trusted, err := c.Cache.WhitelistedLinks(ctx)
	if err != nil {
		return false, err
	}
	for _, target := range targets {
		ok := false
		lower := strings.ToLower(target)
		for _, t := range trusted {
			if strings.HasPrefix(lower, strings.ToLower(t)) {
				ok = true
				break
			}
		}
		if !ok {
			return true, nil
		}
	}
	return false, nil
}

func (c *Classifier) isOurAddress(addr string) bool {
	addr = strings.ToLower(addr)
	domains := append(c.ownDomains(), c.Config.InternalDomains...)
	for _, d := range domains {
		if strings.Contains(addr, "@"+strings.ToLower(d)) {
			return true
		}
	}
	return false
}

func (c *Classifier) hasExternalEmail(text string) bool {
	_, noreplyDomain, _ := strings.Cut(strings.ToLower(c.Config.NoReplyAddr), "@")
	for _, e := range emailRe.FindAllString(text, -1) {
		lower := strings.ToLower(e)
		if c.isOurAddress(e) || strings.Contains(lower, "trashnothing") || strings.Contains(lower, "yahoogroups") {
			continue
		}
		if noreplyDomain != "" && strings.HasPrefix(lower, "noreply@") && strings.Contains(lower, noreplyDomain) {
			continue
		}
		return true
	}
	return false
}

func (c *Classifier) supportedLanguage(text string) bool {
	if c.Lang == nil {
		return true
	}
	text = strings.ToLower(strings.TrimSpace(text))
	text = strings.ReplaceAll(text, "xxx", "")
	if len(text) <= minLanguageCheckLen {
		return true
	}
	return c.Lang.IsSupported(text)
}
