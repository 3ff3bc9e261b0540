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

import "github.com/prometheus/client_golang/prometheus"

// Reason identifies why a message was classified as spam or flagged for
// review. The values are stored in the database and must not change.
type Reason string

const (
	NotSpam                       Reason = "NotSpam"
	CountryBlocked                Reason = "CountryBlocked"
	IPUsedForDifferentUsers       Reason = "IPUsedForDifferentUsers"
	IPUsedForDifferentGroups      Reason = "IPUsedForDifferentGroups"
	SubjectUsedForDifferentGroups Reason = "SubjectUsedForDifferentGroups"
	SpamAssassin                  Reason = "SpamAssassin"
	Greetings                     Reason = "Greetings spam"
	ReferencedSpammer             Reason = "Referenced known spammer"
	KnownKeyword                  Reason = "Known spam keyword"
	URLOnDBL                      Reason = "URL on DBL"
	BulkVolunteerMail             Reason = "BulkVolunteerMail"
	UsedOurDomain                 Reason = "UsedOurDomain"
	WorryWord                     Reason = "WorryWord"
	Script                        Reason = "Script"
	Link                          Reason = "Link"
	Money                         Reason = "Money"
	Email                         Reason = "Email"
	Language                      Reason = "Language"
	SameImage                     Reason = "SameImage"
)

// Verdict is the outcome of a positive check.
type Verdict struct {
	IsSpam bool
	Reason Reason
	Detail string
}

func verdict(r Reason, detail string) *Verdict {
	return &Verdict{IsSpam: true, Reason: r, Detail: detail}
}

var verdictsCnt = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "inboundrouter",
		Name:      "spam_verdicts_total",
		Help:      "Positive spam and review verdicts by reason",
	},
	[]string{"reason"},
)

func init() {
	prometheus.MustRegister(verdictsCnt)
}
