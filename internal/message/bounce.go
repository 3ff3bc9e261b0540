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

package message

import (
	"regexp"
	"strings"

	"github.com/emersion/go-message"
)

type bounceInfo struct {
	recipient  string
	status     string
	diagnostic string
}

// bounceExtractor tries to find bounce details. Extractors are tried in
// order, the first one that finds a recipient wins.
type bounceExtractor struct {
	name    string
	extract func(m *Message, parts []part) (bounceInfo, bool)
}

var bounceExtractors = []bounceExtractor{
	{"delivery-status", fromDeliveryStatus},
	{"text-body", fromTextBody},
}

func (n Normalizer) bounceHints(m *Message, ent *message.Entity, parts []part) {
	fromDaemon := strings.Contains(strings.ToLower(m.EnvelopeFrom), "mailer-daemon")
	isReport := false
	if ent != nil {
		ct := strings.ToLower(ent.Header.Get("Content-Type"))
		isReport = strings.Contains(ct, "multipart/report") && strings.Contains(ct, "delivery-status")
	}
	if !fromDaemon && !isReport {
		return
	}

	var info bounceInfo
	for _, ex := range bounceExtractors {
		res, ok := ex.extract(m, parts)
		if !ok {
			continue
		}
		info = res
		if info.recipient != "" {
			n.Log.DebugMsg("bounce details extracted", "extractor", ex.name, "recipient", info.recipient)
			break
		}
	}

	m.BounceRecipient = info.recipient
	m.BounceStatus = info.status
	m.BounceDiagnostic = info.diagnostic
}

var (
	finalRcptRe   = regexp.MustCompile(`(?i)Final-Recipient:\s*(?:rfc822;?\s*)?(\S+)`)
	dsnStatusRe   = regexp.MustCompile(`(?i)Status:\s*(\d\.\d\.\d)`)
	bodyBounceRe  = regexp.MustCompile(`(?is)<([^>]+@[^>]+)>.*?(\d\d\d\s+.+?)(?:\r?\n|\z)`)
	statusTokenRe = regexp.MustCompile(`(\d\.\d\.\d)`)
)

func fromDeliveryStatus(_ *Message, parts []part) (bounceInfo, bool) {
	for _, p := range parts {
		if p.mediaType != "message/delivery-status" {
			continue
		}
		content := string(p.body)

		var info bounceInfo
		if match := finalRcptRe.FindStringSubmatch(content); match != nil {
			info.recipient = strings.TrimSpace(match[1])
		}
		if match := dsnStatusRe.FindStringSubmatch(content); match != nil {
			info.status = match[1]
		}
		if diag, ok := FoldedField(content, "Diagnostic-Code"); ok {
			info.diagnostic = diag
		}
		return info, true
	}
	return bounceInfo{}, false
}

func fromTextBody(m *Message, _ []part) (bounceInfo, bool) {
	if m.TextBody == "" {
		return bounceInfo{}, false
	}
	match := bodyBounceRe.FindStringSubmatch(m.TextBody)
	if match == nil {
		return bounceInfo{}, false
	}
	info := bounceInfo{
		recipient:  match[1],
		diagnostic: strings.TrimSpace(match[2]),
	}
	if st := statusTokenRe.FindString(match[2]); st != "" {
		info.status = st
	}
	return info, true
}

// FoldedField finds the first header-style field called name in text and
// returns its value with continuation lines joined by a single space.
func FoldedField(text, name string) (string, bool) {
	lower := strings.ToLower(text)
	prefix := strings.ToLower(name) + ":"

	idx := 0
	for {
		pos := strings.Index(lower[idx:], prefix)
		if pos < 0 {
			return "", false
		}
		pos += idx
		// Only match at the start of a line.
		if pos == 0 || text[pos-1] == '\n' {
			idx = pos + len(prefix)
			break
		}
		idx = pos + len(prefix)
	}

	lines := strings.Split(text[idx:], "\n")
	value := []string{strings.TrimSpace(lines[0])}
	for _, l := range lines[1:] {
		if l == "" || (l[0] != ' ' && l[0] != '\t') {
			break
		}
		value = append(value, strings.TrimSpace(l))
	}
	return strings.TrimSpace(strings.Join(value, " ")), true
}
