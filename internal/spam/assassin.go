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
	"time"
)

// Subjects in the standard "TYPE: item (location)" form are produced by our
// own posting forms and the partner, scoring them only produces noise.
var standardSubjectRe = regexp.MustCompile(`.*?:(.*)\(.*\)`)

// CheckSpamAssassin scores the raw message with the external content
// scorer. The score is nil when the message was not scored.
func (c *Classifier) CheckSpamAssassin(ctx context.Context, raw []byte, subject string) (*float64, bool) {
	if c.Scorer == nil || standardSubjectRe.MatchString(subject) {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, c.Config.Timeout)
	defer cancel()

	start := time.Now()
	score, err := c.Scorer.Score(ctx, raw)
	if err != nil {
		c.Log.Error("content scoring failed", err, "duration", time.Since(start).String())
		return nil, false
	}
	if score >= AssassinThreshold {
		verdictsCnt.WithLabelValues(string(SpamAssassin)).Inc()
		return &score, true
	}
	return &score, false
}
