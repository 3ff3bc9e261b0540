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
	"regexp"
	"strings"
)

// Worry word types. Allowed entries are exceptions removed from the text
// before the other types are matched.
const (
	WorryRegulated  = "Regulated"
	WorryReportable = "Reportable"
	WorryMedicine   = "Medicine"
	WorryReview     = "Review"
	WorryAllowed    = "Allowed"
)

// WorryMatch describes the first worry word found.
type WorryMatch struct {
	Word    string
	Keyword string
	Type    string
}

var wordBoundaryRe = regexp.MustCompile(`\b`)

// splitWords splits on word boundaries the way the worry word lists were
// built: both words and the runs between them are returned.
func splitWords(s string) []string {
	var out []string
	last := 0
	for _, loc := range wordBoundaryRe.FindAllStringIndex(s, -1) {
		if loc[0] > last {
			out = append(out, s[last:loc[0]])
		}
		last = loc[0]
	}
	if last < len(s) {
		out = append(out, s[last:])
	}
	return out
}

// WorryWords checks a post for words that require a volunteer to look at
// it before it is published. A pound sign anywhere always matches.
func (c *Classifier) WorryWords(ctx context.Context, subject, body string) (*WorryMatch, error) {
	if strings.Contains(subject, "£") || strings.Contains(body, "£") {
		return &WorryMatch{Word: "£", Keyword: "£"}, nil
	}

	words, err := c.Cache.WorryWords(ctx)
	if err != nil {
		return nil, err
	}

	for _, w := range words {
		if w.Type != WorryAllowed || w.Keyword == "" {
			continue
		}
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(w.Keyword) + `\b`)
		subject = re.ReplaceAllString(subject, "")
		body = re.ReplaceAllString(body, "")
	}

	lowerSubj, lowerBody := strings.ToLower(subject), strings.ToLower(body)
	for _, w := range words {
		if w.Type == WorryAllowed || !strings.Contains(w.Keyword, " ") {
			continue
		}
		kw := strings.ToLower(w.Keyword)
		if strings.Contains(lowerSubj, kw) || strings.Contains(lowerBody, kw) {
			return &WorryMatch{Word: w.Keyword, Keyword: w.Keyword, Type: w.Type}, nil
		}
	}

	for _, word := range append(splitWords(subject), splitWords(body)...) {
		word = strings.TrimSpace(word)
		if word == "" {
			continue
		}
		for _, w := range words {
			if w.Type == WorryAllowed || w.Keyword == "" {
				continue
			}
			ratio := float64(len(word)) / float64(len(w.Keyword))
			if ratio < 0.75 || ratio > 1.25 {
				continue
			}
			if strings.EqualFold(word, w.Keyword) {
				return &WorryMatch{Word: word, Keyword: w.Keyword, Type: w.Type}, nil
			}
		}
	}
	return nil, nil
}
