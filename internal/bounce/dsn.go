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

package bounce

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/freegle/inboundrouter/internal/message"
)

// DSN is the information extracted from a delivery status notification.
type DSN struct {
	Recipient  string
	Status     string
	Diagnostic string
}

type extractor struct {
	name    string
	extract func(text string) (string, bool)
}

func firstMatch(list []extractor, text string) (string, string) {
	for _, e := range list {
		if v, ok := e.extract(text); ok && v != "" {
			return v, e.name
		}
	}
	return "", ""
}

func fieldExtractor(name string) extractor {
	return extractor{
		name: strings.ToLower(name),
		extract: func(text string) (string, bool) {
			return message.FoldedField(text, name)
		},
	}
}

func regexpExtractor(name string, re *regexp.Regexp) extractor {
	return extractor{
		name: name,
		extract: func(text string) (string, bool) {
			m := re.FindStringSubmatch(text)
			if m == nil {
				return "", false
			}
			return strings.TrimSpace(m[1]), true
		},
	}
}

var (
	smtpCodeRe  = regexp.MustCompile(`\b(5\d\d[\s\-][\d\.]+\s+[^\r\n]+)`)
	code550Re   = regexp.MustCompile(`\b(550[^\r\n]*)`)
	failedRe    = regexp.MustCompile(`(?is)recipient.*failed.*?\n\s*([a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`)
	anyEmailRe  = regexp.MustCompile(`([a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`)
	statusRe    = regexp.MustCompile(`(?im)^Status:\s*([245]\.\d{1,3}\.\d{1,3})`)
)

// diagnosticExtractors are tried in order, the first one producing a value
// wins.
// The Diagnostic-Code value is kept with its type, e.g. "smtp; 550 ...".
var diagnosticExtractors = []extractor{
	fieldExtractor("Diagnostic-Code"),
	regexpExtractor("5xx", smtpCodeRe),
	regexpExtractor("550", code550Re),
}

var recipientExtractors = []extractor{
	recipientField("Original-Recipient"),
	recipientField("Final-Recipient"),
	fieldExtractor("X-Failed-Recipients"),
	regexpExtractor("failed-recipient-text", failedRe),
	regexpExtractor("first-address", anyEmailRe),
}

func recipientField(name string) extractor {
	return extractor{
		name: strings.ToLower(name),
		extract: func(text string) (string, bool) {
			v, ok := message.FoldedField(text, name)
			if !ok {
				return "", false
			}
			if typ, addr, found := strings.Cut(v, ";"); found && strings.EqualFold(strings.TrimSpace(typ), "rfc822") {
				v = addr
			}
			return strings.TrimSpace(v), true
		},
	}
}

// ParseDSN extracts the diagnostic code and failed recipient from a raw
// bounce message. It returns nil if no diagnostic code can be found.
func ParseDSN(raw []byte) *DSN {
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")

	diag, _ := firstMatch(diagnosticExtractors, text)
	if diag == "" {
		return nil
	}
	rcpt, _ := firstMatch(recipientExtractors, text)
	if comma := strings.IndexByte(rcpt, ','); comma >= 0 {
		rcpt = strings.TrimSpace(rcpt[:comma])
	}

	dsn := &DSN{
		Recipient:  strings.Trim(rcpt, "<>"),
		Diagnostic: diag,
	}
	if m := statusRe.FindStringSubmatch(text); m != nil {
		dsn.Status = m[1]
	}
	return dsn
}

var permanentPhrases = []string{
	"550 Requested action not taken: mailbox unavailable",
	"Invalid recipient",
	"550 5.1.1",
	"550-5.1.1",
	"550 No Such User Here",
	"dd This user doesn't have",
}

// ignoredPhrases describe throttling or reputation problems on our side
// rather than a problem with the recipient.
var ignoredPhrases = []string{
	"delivery temporarily suspended",
	"Trop de connexions",
	"found on industry URI blacklists",
	"This message has been blocked",
	"is listed",
}

func containsAnyFold(s string, phrases []string) bool {
	s = strings.ToLower(s)
	for _, p := range phrases {
		if strings.Contains(s, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// IsIgnored reports whether a bounce with the diagnostic code should not be
// recorded at all.
func IsIgnored(diagnostic string) bool {
	return containsAnyFold(diagnostic, ignoredPhrases)
}

// IsPermanent classifies a bounce. A DSN status decides on its own,
// without one the diagnostic code is matched against known permanent
// failure texts.
func IsPermanent(status, diagnostic string) bool {
	if status != "" {
		return strings.HasPrefix(status, "5")
	}
	return containsAnyFold(diagnostic, permanentPhrases)
}

var verpRe = regexp.MustCompile(`^bounce-(\d+)-`)

// VERPUserID returns the user id encoded in a bounce-{id}-... address, or
// 0.
func VERPUserID(addr string) int64 {
	local, _, _ := strings.Cut(addr, "@")
	m := verpRe.FindStringSubmatch(local)
	if m == nil {
		return 0
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
