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
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/freegle/inboundrouter/internal/store"
)

// Tryst responses.
const (
	TrystAccepted = "Accepted"
	TrystDeclined = "Declined"
	TrystOther    = "Other"
)

// systemHandler serves one family of platform addresses. match reports
// whether the address belongs to the family and returns its id parts. A
// selected address without id parts is malformed.
type systemHandler struct {
	name   string
	match  func(rt *route) (args []string, ok bool)
	handle func(r *Router, ctx context.Context, rt *route, args []string) (*Outcome, error)
}

// localCommand selects local parts starting with prefix and parses them
// with pattern.
func localCommand(prefix, pattern string) func(rt *route) ([]string, bool) {
	re := regexp.MustCompile(pattern)
	return func(rt *route) ([]string, bool) {
		lp := localPart(rt.msg)
		if !strings.HasPrefix(lp, prefix) {
			return nil, false
		}
		m := re.FindStringSubmatch(lp)
		if m == nil {
			return nil, true
		}
		return m[1:], true
	}
}

func exactLocal(name string) func(rt *route) ([]string, bool) {
	return func(rt *route) ([]string, bool) {
		if localPart(rt.msg) != name {
			return nil, false
		}
		return []string{}, true
	}
}

var systemHandlers = []systemHandler{
	{"fbl", exactLocal("fbl"), (*Router).feedbackLoop},
	{"readreceipt", localCommand("readreceipt-", `^readreceipt-(\d+)-(\d+)-(\d+)$`), (*Router).readReceipt},
	{"handover", localCommand("handover-", `^handover-(\d+)-(\d+)$`), (*Router).handover},
	{"digestoff", localCommand("digestoff-", `^digestoff-(\d+)-(\d+)$`), membershipOff("emailfrequency")},
	{"eventsoff", localCommand("eventsoff-", `^eventsoff-(\d+)-(\d+)$`), membershipOff("eventsallowed")},
	{"newslettersoff", localCommand("newslettersoff-", `^newslettersoff-(\d+)$`), userFlagOff("newslettersallowed")},
	{"relevantoff", localCommand("relevantoff-", `^relevantoff-(\d+)$`), userFlagOff("relevantallowed")},
	{"volunteeringoff", localCommand("volunteeringoff-", `^volunteeringoff-(\d+)-(\d+)$`), membershipOff("volunteeringallowed")},
	{"notificationmailsoff", localCommand("notificationmailsoff-", `^notificationmailsoff-(\d+)$`), (*Router).notificationMailsOff},
	{"unsubscribe", localCommand("unsubscribe-", `^unsubscribe-(\d+)-([^-]+)-(.+)$`), (*Router).unsubscribeUser},
	{"group_subscribe", groupCommand(true), (*Router).groupSubscribe},
	{"group_unsubscribe", groupCommand(false), (*Router).groupUnsubscribe},
}

func groupCommand(subscribe bool) func(rt *route) ([]string, bool) {
	return func(rt *route) ([]string, bool) {
		msg := rt.msg
		if msg.TargetGroupName == nil {
			return nil, false
		}
		if subscribe && !msg.IsSubscribeCommand || !subscribe && !msg.IsUnsubscribeCommand {
			return nil, false
		}
		return []string{*msg.TargetGroupName}, true
	}
}

func (r *Router) systemAddress(ctx context.Context, rt *route) (*Outcome, error) {
	for _, h := range systemHandlers {
		args, ok := h.match(rt)
		if !ok {
			continue
		}
		rt.log.DebugMsg("system address", "handler", h.name)
		if args == nil {
			return dropped("malformed " + h.name + " address"), nil
		}
		return h.handle(r, ctx, rt, args)
	}
	return nil, nil
}

func ids(args []string) ([]int64, error) {
	out := make([]int64, len(args))
	for i, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

var fblRecipientRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Original-Rcpt-To:\s*(.+)`),
	regexp.MustCompile(`(?i)X-Original-To:\s*([^;]+)`),
	regexp.MustCompile(`(?i)X-HmXmrOriginalRecipient:\s*(.+)`),
}

// feedbackLoop handles provider complaint reports. The reported user gets
// no more mail from us.
func (r *Router) feedbackLoop(ctx context.Context, rt *route, _ []string) (*Outcome, error) {
	var rcpt string
	for _, re := range fblRecipientRes {
		if m := re.FindSubmatch(rt.msg.Raw); m != nil {
			rcpt = strings.Trim(strings.TrimSpace(string(m[1])), "<>")
			break
		}
	}
	if rcpt == "" {
		return &Outcome{Result: ToSystem, Detail: "complaint without recipient"}, nil
	}

	uid, err := r.Store.UserIDByEmail(ctx, rcpt)
	if err != nil {
		return nil, err
	}
	if uid == 0 {
		return &Outcome{Result: ToSystem, Detail: "complaint for unknown address"}, nil
	}
	if err := r.Store.DisableAllMail(ctx, uid); err != nil {
		return nil, err
	}
	rt.log.Msg("mail disabled after complaint", "user_id", uid)
	return &Outcome{Result: ToSystem, UserID: uid, Detail: "complaint"}, nil
}

func (r *Router) readReceipt(ctx context.Context, rt *route, args []string) (*Outcome, error) {
	v, err := ids(args)
	if err != nil {
		return dropped("malformed read receipt address"), nil
	}
	chatID, userID, msgID := v[0], v[1], v[2]

	chat, err := r.Store.Chat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat == nil {
		return dropped("read receipt for unknown chat"), nil
	}
	in, err := r.Store.InChat(ctx, chat, userID)
	if err != nil {
		return nil, err
	}
	if !in {
		return &Outcome{Result: Dropped, UserID: userID, ChatID: chatID, Detail: "read receipt from non-member"}, nil
	}

	if err := r.Store.MarkSeen(ctx, chatID, userID, msgID); err != nil {
		return nil, err
	}
	if chat.ChatType == store.ChatUser2User {
		if err := r.Store.MarkSeenByAll(ctx, chatID, msgID); err != nil {
			return nil, err
		}
	}
	return &Outcome{Result: Receipt, UserID: userID, ChatID: chatID}, nil
}

var (
	calendarStatusRe = regexp.MustCompile(`(?i)STATUS:\s*(CONFIRMED|TENTATIVE|CANCELLED)`)
	subjectAcceptRe  = regexp.MustCompile(`(?i)\baccepted\b`)
	subjectDeclineRe = regexp.MustCompile(`(?i)\bdeclined\b`)
)

// trystResponse reads a calendar reply. The status in the attached event
// wins over the subject line, which is localised by some clients.
func trystResponse(subject, body string, raw []byte) string {
	for _, text := range []string{body, string(raw)} {
		if m := calendarStatusRe.FindStringSubmatch(text); m != nil {
			switch strings.ToUpper(m[1]) {
			case "CONFIRMED", "TENTATIVE":
				return TrystAccepted
			case "CANCELLED":
				return TrystDeclined
			}
		}
	}
	switch {
	case subjectAcceptRe.MatchString(subject):
		return TrystAccepted
	case subjectDeclineRe.MatchString(subject):
		return TrystDeclined
	}
	return TrystOther
}

func (r *Router) handover(ctx context.Context, rt *route, args []string) (*Outcome, error) {
	v, err := ids(args)
	if err != nil {
		return dropped("malformed handover address"), nil
	}
	trystID, userID := v[0], v[1]

	t, err := r.Store.Tryst(ctx, trystID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return dropped("reply for unknown handover"), nil
	}

	resp := trystResponse(rt.msg.Subject, rt.msg.BodyText(), rt.msg.Raw)
	if userID == t.User1 || userID == t.User2 {
		if err := r.Store.SetTrystResponse(ctx, t, userID, resp); err != nil {
			return nil, err
		}
	} else {
		rt.log.Msg("handover reply from non-participant", "tryst_id", trystID, "user_id", userID)
	}
	return &Outcome{Result: Tryst, UserID: userID, Detail: resp}, nil
}

// membershipOff returns a handler turning off one per-membership mail
// setting.
func membershipOff(column string) func(r *Router, ctx context.Context, rt *route, args []string) (*Outcome, error) {
	return func(r *Router, ctx context.Context, rt *route, args []string) (*Outcome, error) {
		v, err := ids(args)
		if err != nil {
			return dropped("malformed address"), nil
		}
		userID, groupID := v[0], v[1]

		m, err := r.Store.Membership(ctx, userID, groupID)
		if err != nil {
			return nil, err
		}
		if m == nil || m.Collection != store.CollectionApproved {
			return &Outcome{Result: Dropped, UserID: userID, GroupID: groupID, Detail: "not a member"}, nil
		}
		if err := r.Store.SetMembershipValue(ctx, m.ID, column, 0); err != nil {
			return nil, err
		}
		if err := r.Store.TouchLastAccess(ctx, userID); err != nil {
			return nil, err
		}
		rt.log.Msg("membership setting turned off", "setting", column, "user_id", userID, "group_id", groupID)
		return &Outcome{Result: ToSystem, UserID: userID, GroupID: groupID, Detail: column + " off"}, nil
	}
}

func userFlagOff(column string) func(r *Router, ctx context.Context, rt *route, args []string) (*Outcome, error) {
	return func(r *Router, ctx context.Context, rt *route, args []string) (*Outcome, error) {
		u, out, err := r.commandUser(ctx, args)
		if u == nil {
			return out, err
		}
		if err := r.Store.SetUserFlag(ctx, u.ID, column, false); err != nil {
			return nil, err
		}
		if err := r.Store.TouchLastAccess(ctx, u.ID); err != nil {
			return nil, err
		}
		rt.log.Msg("user setting turned off", "setting", column, "user_id", u.ID)
		return &Outcome{Result: ToSystem, UserID: u.ID, Detail: column + " off"}, nil
	}
}

// commandUser loads the user named by the first address part. When the
// user is nil the returned outcome and error are final.
func (r *Router) commandUser(ctx context.Context, args []string) (*store.User, *Outcome, error) {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return nil, dropped("malformed address"), nil
	}
	u, err := r.Store.User(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if u == nil {
		return nil, &Outcome{Result: Dropped, UserID: id, Detail: "unknown user"}, nil
	}
	return u, nil, nil
}

func (r *Router) notificationMailsOff(ctx context.Context, rt *route, args []string) (*Outcome, error) {
	u, out, err := r.commandUser(ctx, args)
	if u == nil {
		return out, err
	}
	if err := r.Store.SetUserSettings(ctx, u.ID, map[string]interface{}{"notificationmails": false}); err != nil {
		return nil, err
	}
	if err := r.Store.TouchLastAccess(ctx, u.ID); err != nil {
		return nil, err
	}
	return &Outcome{Result: ToSystem, UserID: u.ID, Detail: "notification mails off"}, nil
}

// unsubscribeUser handles the one-click unsubscribe address, which
// removes the whole account. The key must match one of the user's login
// links so that a guessed address cannot delete someone else.
func (r *Router) unsubscribeUser(ctx context.Context, rt *route, args []string) (*Outcome, error) {
	u, out, err := r.commandUser(ctx, args)
	if u == nil {
		return out, err
	}
	mod, err := r.Store.IsModeratorAnywhere(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	if mod || u.IsModerator() {
		return &Outcome{Result: Dropped, UserID: u.ID, Detail: "moderators cannot unsubscribe by mail"}, nil
	}
	ok, err := r.Store.LinkLoginMatches(ctx, u.ID, args[1])
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Outcome{Result: Dropped, UserID: u.ID, Detail: "unsubscribe key mismatch"}, nil
	}
	if err := r.Store.MarkUserDeleted(ctx, u.ID); err != nil {
		return nil, err
	}
	rt.log.Msg("user unsubscribed", "user_id", u.ID, "type", args[2])
	return &Outcome{Result: ToSystem, UserID: u.ID, Detail: "unsubscribed"}, nil
}

func (r *Router) groupSubscribe(ctx context.Context, rt *route, args []string) (*Outcome, error) {
	g, err := r.Store.GroupByName(ctx, args[0])
	if err != nil {
		return nil, err
	}
	if g == nil {
		return dropped(fmt.Sprintf("subscribe to unknown group %q", args[0])), nil
	}

	from := rt.msg.EnvelopeFrom
	if from == "" {
		return &Outcome{Result: Dropped, GroupID: g.ID, Detail: "subscribe without sender"}, nil
	}
	uid, err := r.findUser(ctx, from)
	if err != nil {
		return nil, err
	}
	if uid == 0 {
		uid, err = r.Store.CreateUser(ctx, rt.msg.FromName, from, r.canonical(from))
		if err != nil {
			return nil, err
		}
		rt.log.Msg("user created by subscribe", "user_id", uid)
	}

	m, err := r.Store.Membership(ctx, uid, g.ID)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return &Outcome{Result: ToSystem, UserID: uid, GroupID: g.ID, Detail: "already a member"}, nil
	}
	if _, err := r.Store.CreateMembership(ctx, uid, g.ID, store.RoleMember, store.CollectionApproved, DefaultEmailFrequency); err != nil {
		return nil, err
	}
	return &Outcome{Result: ToSystem, UserID: uid, GroupID: g.ID, Detail: "subscribed"}, nil
}

// DefaultEmailFrequency is the digest interval in hours for members
// joining by mail.
const DefaultEmailFrequency = 24

func (r *Router) groupUnsubscribe(ctx context.Context, rt *route, args []string) (*Outcome, error) {
	g, err := r.Store.GroupByName(ctx, args[0])
	if err != nil {
		return nil, err
	}
	if g == nil {
		return dropped(fmt.Sprintf("unsubscribe from unknown group %q", args[0])), nil
	}
	uid, err := r.findUser(ctx, rt.msg.EnvelopeFrom)
	if err != nil {
		return nil, err
	}
	if uid == 0 {
		return &Outcome{Result: Dropped, GroupID: g.ID, Detail: "unsubscribe from unknown user"}, nil
	}
	m, err := r.Store.Membership(ctx, uid, g.ID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return &Outcome{Result: Dropped, UserID: uid, GroupID: g.ID, Detail: "not a member"}, nil
	}
	if m.IsModerator() {
		return &Outcome{Result: Dropped, UserID: uid, GroupID: g.ID, Detail: "moderators cannot unsubscribe by mail"}, nil
	}
	if err := r.Store.DeleteMembership(ctx, m.ID); err != nil {
		return nil, err
	}
	return &Outcome{Result: ToSystem, UserID: uid, GroupID: g.ID, Detail: "unsubscribed"}, nil
}
