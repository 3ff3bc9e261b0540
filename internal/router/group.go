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

package router

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/freegle/inboundrouter/internal/message"
	"github.com/freegle/inboundrouter/internal/spam"
	"github.com/freegle/inboundrouter/internal/store"
)

// Subjects of posts that close an offer or a wanted. They are handled by
// the platform rather than published.
var closingSubjectRe = regexp.MustCompile(`(?i)^\s*(TAKEN|RECEIVED)\s*:`)

// groupSettingOn reports whether the JSON group settings have key set to
// a true-ish value.
func groupSettingOn(settings *string, key string) bool {
	if settings == nil || *settings == "" {
		return false
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(*settings), &m); err != nil {
		return false
	}
	switch v := m[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		b, err := strconv.ParseBool(v)
		return err == nil && b
	}
	return false
}

// trustedPartner reports whether the post came from the partner with the
// right secret. Without a configured secret any secret header is
// accepted.
func (r *Router) trustedPartner(msg *message.Message) bool {
	if !msg.Has("X-Trash-Nothing-Secret") {
		return false
	}
	if r.Config.PartnerSecret == "" {
		return true
	}
	return msg.PartnerSecret() == r.Config.PartnerSecret
}

func (r *Router) groupPost(ctx context.Context, rt *route) (*Outcome, error) {
	msg := rt.msg
	if msg.TargetGroupName == nil {
		return nil, nil
	}

	g, err := r.Store.GroupByName(ctx, *msg.TargetGroupName)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return dropped("post to unknown group"), nil
	}

	uid, err := r.findUser(ctx, msg.FromAddress)
	if err != nil {
		return nil, err
	}
	if uid == 0 {
		return &Outcome{Result: Dropped, GroupID: g.ID, Detail: "post from unknown user"}, nil
	}
	u, err := r.Store.User(ctx, uid)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return &Outcome{Result: Dropped, GroupID: g.ID, Detail: "post from unknown user"}, nil
	}

	m, err := r.Store.Membership(ctx, uid, g.ID)
	if err != nil {
		return nil, err
	}
	if m == nil || m.Collection != store.CollectionApproved {
		return &Outcome{Result: Dropped, UserID: uid, GroupID: g.ID, Detail: "post from non-member"}, nil
	}

	if closingSubjectRe.MatchString(msg.Subject) {
		return &Outcome{Result: ToSystem, UserID: uid, GroupID: g.ID, Detail: "closing post"}, nil
	}

	rec := store.GroupPost{
		InboundRecord: r.inboundRecord(msg, &uid),
		GroupID:       g.ID,
		PrunedSubject: spam.PruneSubject(msg.Subject),
	}
	if src := msg.PartnerSource(); src != "" {
		rec.Source = src
	}
	rec.PartnerID = msg.PartnerPostID()
	rec.Lat, rec.Lng = parseCoordinates(msg.PartnerCoordinates())

	if !r.trustedPartner(msg) {
		v, err := r.postSpamVerdict(ctx, msg)
		if err != nil {
			return nil, err
		}
		if v != nil {
			rec.Collection = store.CollectionSpam
			rec.SpamType = string(v.Reason)
			rec.SpamReason = v.Detail
			if _, err := r.Store.RecordGroupPost(ctx, rec); err != nil {
				return nil, err
			}
			return &Outcome{Result: IncomingSpam, UserID: uid, GroupID: g.ID, SpamReason: string(v.Reason), Detail: v.Detail}, nil
		}
	}

	status := ""
	if m.PostingStatus != nil {
		status = *m.PostingStatus
	}
	if g.OverrideModeration == store.OverrideModerateAll || m.IsModerator() || groupSettingOn(g.Settings, "moderated") {
		status = store.PostingModerated
	}

	// Missing location and worry words hold the post for a moderator
	// before the posting status is looked at.
	result, detail := Approved, ""
	if u.LastLocation == nil {
		result, detail = Pending, "no location"
	} else {
		w, err := r.Spam.WorryWords(ctx, msg.Subject, msg.BodyText())
		if err != nil {
			return nil, err
		}
		switch {
		case w != nil:
			result, detail = Pending, "worry word "+w.Keyword
		case status == store.PostingProhibited:
			return &Outcome{Result: Dropped, UserID: uid, GroupID: g.ID, Detail: "posting prohibited"}, nil
		case status == store.PostingModerated:
			result = Pending
		}
	}

	rec.Collection = store.CollectionApproved
	if result == Pending {
		rec.Collection = store.CollectionPending
	}
	if _, err := r.Store.RecordGroupPost(ctx, rec); err != nil {
		return nil, err
	}
	return &Outcome{Result: result, UserID: uid, GroupID: g.ID, Detail: detail}, nil
}

// postSpamVerdict runs the content checks before the external scorer,
// which is the slowest of them.
func (r *Router) postSpamVerdict(ctx context.Context, msg *message.Message) (*spam.Verdict, error) {
	v, err := r.Spam.CheckMessage(ctx, msg)
	if err != nil || v != nil {
		return v, err
	}
	score, isSpam := r.Spam.CheckSpamAssassin(ctx, msg.Raw, msg.Subject)
	if isSpam {
		detail := "SpamAssassin flagged"
		if score != nil {
			detail = "SpamAssassin score " + strconv.FormatFloat(*score, 'f', 1, 64)
		}
		return &spam.Verdict{IsSpam: true, Reason: spam.SpamAssassin, Detail: detail}, nil
	}
	return nil, nil
}

func parseCoordinates(s string) (lat, lng *float64) {
	a, b, ok := strings.Cut(s, ",")
	if !ok {
		return nil, nil
	}
	la, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
	if err != nil {
		return nil, nil
	}
	ln, err := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if err != nil {
		return nil, nil
	}
	return &la, &ln
}
