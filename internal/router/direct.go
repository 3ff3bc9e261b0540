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
	"regexp"
	"strconv"
	"strings"

	"github.com/freegle/inboundrouter/internal/store"
)

// embeddedUserID returns the user id carried by per-user addresses at
// userDomain, such as "jo-1234@users.example.org", or 0.
func embeddedUserID(addr, userDomain string) int64 {
	if userDomain == "" {
		return 0
	}
	re := regexp.MustCompile(`(?i)^.*-(\d+)@` + regexp.QuoteMeta(userDomain) + `$`)
	m := re.FindStringSubmatch(strings.TrimSpace(addr))
	if m == nil {
		return 0
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// directMail delivers anything not claimed by another step as a chat
// between sender and recipient. The chat is best-effort, the message is
// accepted either way.
func (r *Router) directMail(ctx context.Context, rt *route) (*Outcome, error) {
	msg := rt.msg
	out := &Outcome{Result: ToUser}

	to, err := r.findUser(ctx, msg.EnvelopeTo)
	if err != nil {
		rt.log.Error("cannot look up recipient", err)
		return out, nil
	}
	from, err := r.findUser(ctx, msg.FromAddress)
	if err != nil {
		rt.log.Error("cannot look up sender", err)
		return out, nil
	}
	out.UserID = from
	if to == 0 || from == 0 {
		out.Detail = "sender or recipient unknown"
		return out, nil
	}
	if to == from {
		out.Detail = "mail to self"
		return out, nil
	}

	r.noteSenderAddress(ctx, rt, from)

	chatID, err := r.Store.UserChat(ctx, from, to)
	if err != nil {
		rt.log.Error("cannot open chat", err, "user_id", from, "to_user_id", to)
		return out, nil
	}
	out.ChatID = chatID

	cm := chatMessage{chatID: chatID, userID: from, typ: store.ChatMessageDefault}
	if ref := r.referencedMessage(ctx, rt); ref != nil {
		cm.refMsgID = ref
		cm.typ = store.ChatMessageInterested
	} else {
		cm.prependSubject = true
	}
	cm.spamScore, _ = r.Spam.CheckSpamAssassin(ctx, msg.Raw, msg.Subject)

	if _, err := r.createChatMessage(ctx, rt, cm); err != nil {
		rt.log.Error("cannot create chat message", err, "chat_id", chatID)
	}
	return out, nil
}

// referencedMessage returns the post named by the x-fd-msgid header if it
// exists.
func (r *Router) referencedMessage(ctx context.Context, rt *route) *int64 {
	v := strings.TrimSpace(rt.msg.Get("X-Fd-Msgid"))
	if v == "" {
		return nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	m, err := r.Store.Message(ctx, id)
	if err != nil {
		rt.log.Error("cannot load referenced message", err, "ref_msg_id", id)
		return nil
	}
	if m == nil {
		return nil
	}
	return &m.ID
}
