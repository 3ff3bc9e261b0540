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
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/freegle/inboundrouter/internal/message"
	"github.com/freegle/inboundrouter/internal/spam"
	"github.com/freegle/inboundrouter/internal/store"
)

// Report reasons accepted by chat_messages.reportreason. Anything else is
// stored as Spam.
var reportReasons = map[string]bool{
	"Spam": true, "Other": true, "Last": true, "Force": true, "Fully": true,
	"TooMany": true, "User": true, "UnknownMessage": true,
	string(spam.SameImage): true, "DodgyImage": true,
}

func mapReportReason(r spam.Reason) string {
	if reportReasons[string(r)] {
		return string(r)
	}
	return "Spam"
}

// Hashes of placeholder images mail clients insert on their own. They are
// shared by unrelated users and say nothing about reuse.
var ignoredImageHashes = map[string]bool{
	"61e4d4a2e4bb8a5d": true,
	"61e4d4a2e4bb8a59": true,
}

func imageHash(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])[:16]
}

func daysSince(now time.Time, t time.Time) float64 {
	return now.Sub(t).Hours() / 24
}

func isReadReceipt(msg *message.Message) bool {
	ct := strings.ToLower(msg.Get("Content-Type"))
	cd := strings.ToLower(msg.Get("Content-Disposition"))
	return strings.Contains(ct, "disposition-notification") || strings.Contains(cd, "notification")
}

// chatReply handles replies to chat notification mails
// (notify-{chat}-{user}[-{msg}]@).
func (r *Router) chatReply(ctx context.Context, rt *route) (*Outcome, error) {
	msg := rt.msg
	if !msg.IsChatNotificationReply() {
		return nil, nil
	}
	chatID := *msg.ChatID
	if msg.ChatUserID == nil {
		return &Outcome{Result: Dropped, ChatID: chatID, Detail: "chat reply without user"}, nil
	}
	userID := *msg.ChatUserID

	if isReadReceipt(msg) {
		return &Outcome{Result: Dropped, ChatID: chatID, UserID: userID, Detail: "read receipt sent to notification address"}, nil
	}

	chat, err := r.Store.Chat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat == nil {
		return &Outcome{Result: Dropped, ChatID: chatID, UserID: userID, Detail: "unknown chat"}, nil
	}

	if chat.LatestMessage != nil && daysSince(r.Now(), *chat.LatestMessage) > StaleChatDays {
		// Old notification addresses end up in spam lists. Only accept
		// them from an address we know belongs to a participant.
		fromUser, err := r.findUser(ctx, msg.FromAddress)
		if err != nil {
			return nil, err
		}
		in := false
		if fromUser != 0 {
			if in, err = r.Store.InChat(ctx, chat, fromUser); err != nil {
				return nil, err
			}
		}
		if !in {
			return &Outcome{Result: Dropped, ChatID: chatID, UserID: userID, Detail: "reply to stale chat"}, nil
		}
	}

	in, err := r.Store.InChat(ctx, chat, userID)
	if err != nil {
		return nil, err
	}
	if !in {
		return &Outcome{Result: Dropped, ChatID: chatID, UserID: userID, Detail: "sender not in chat"}, nil
	}

	r.noteSenderAddress(ctx, rt, userID)

	if _, err := r.createChatMessage(ctx, rt, chatMessage{
		chatID: chatID,
		userID: userID,
		typ:    store.ChatMessageDefault,
	}); err != nil {
		return nil, err
	}
	return &Outcome{Result: ToUser, ChatID: chatID, UserID: userID}, nil
}

// replyTo handles replies to replyto-{msgid}-{fromid}@ addresses placed in
// group post notifications. The reply starts a chat with the post owner.
func (r *Router) replyTo(ctx context.Context, rt *route) (*Outcome, error) {
	local := localPart(rt.msg)
	if !strings.HasPrefix(local, "replyto-") {
		return nil, nil
	}
	parts := strings.Split(local, "-")
	if len(parts) < 3 {
		return dropped("malformed reply-to address"), nil
	}
	msgID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return dropped("malformed reply-to address"), nil
	}

	post, err := r.Store.Message(ctx, msgID)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return dropped("reply to unknown message"), nil
	}

	posted := post.Arrival
	if posted.IsZero() && post.Date != nil {
		posted = *post.Date
	}
	if daysSince(r.Now(), posted) > ExpiredMessageDays {
		return dropped("reply to expired message"), nil
	}

	groups, err := r.Store.MessageGroups(ctx, msgID)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if groupSettingOn(g.Settings, "closed") {
			return &Outcome{Result: ToSystem, GroupID: g.ID, Detail: "reply to post on closed group"}, nil
		}
	}

	fromID, err := r.findUser(ctx, rt.msg.FromAddress)
	if err != nil {
		return nil, err
	}
	if fromID == 0 {
		return dropped("reply from unknown user"), nil
	}
	if post.FromUser == nil {
		return &Outcome{Result: Dropped, UserID: fromID, Detail: "message has no owner"}, nil
	}

	chatID, err := r.Store.UserChat(ctx, fromID, *post.FromUser)
	if err != nil {
		return nil, err
	}
	r.noteSenderAddress(ctx, rt, fromID)

	if _, err := r.createChatMessage(ctx, rt, chatMessage{
		chatID:   chatID,
		userID:   fromID,
		typ:      store.ChatMessageInterested,
		refMsgID: &msgID,
	}); err != nil {
		return nil, err
	}
	return &Outcome{Result: ToUser, UserID: fromID, ChatID: chatID}, nil
}

// volunteers handles mail to {group}-volunteers@ and {group}-auto@. It
// ends up in the user-to-moderators chat of the group, always reviewed
// when it looks like spam but never rejected.
func (r *Router) volunteers(ctx context.Context, rt *route) (*Outcome, error) {
	msg := rt.msg
	if msg.TargetGroupName == nil || !msg.IsToVolunteers && !msg.IsToAuto {
		return nil, nil
	}
	g, err := r.Store.GroupByName(ctx, *msg.TargetGroupName)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return dropped("mail for volunteers of unknown group"), nil
	}

	uid, err := r.findUser(ctx, msg.FromAddress)
	if err != nil {
		return nil, err
	}
	if uid == 0 {
		uid, err = r.findUser(ctx, msg.EnvelopeFrom)
		if err != nil {
			return nil, err
		}
	}
	if uid == 0 {
		return &Outcome{Result: Dropped, GroupID: g.ID, Detail: "mail for volunteers from unknown user"}, nil
	}

	cm := chatMessage{userID: uid, typ: store.ChatMessageDefault}
	score, isSpam := r.Spam.CheckSpamAssassin(ctx, msg.Raw, msg.Subject)
	cm.spamScore = score
	if isSpam {
		cm.review, cm.reason = true, spam.SpamAssassin
	} else {
		v, err := r.Spam.CheckMessage(ctx, msg)
		if err != nil {
			return nil, err
		}
		if v != nil {
			cm.review, cm.reason = true, v.Reason
		}
	}
	cm.force = true
	cm.prependSubject = true

	cm.chatID, err = r.Store.ModChat(ctx, uid, g.ID)
	if err != nil {
		return nil, err
	}
	r.noteSenderAddress(ctx, rt, uid)

	if _, err := r.createChatMessage(ctx, rt, cm); err != nil {
		return nil, err
	}
	out := &Outcome{Result: ToVolunteers, UserID: uid, GroupID: g.ID, ChatID: cm.chatID}
	if cm.review {
		out.SpamReason = string(cm.reason)
	}
	return out, nil
}

type chatMessage struct {
	chatID   int64
	userID   int64
	typ      string
	refMsgID *int64

	// prependSubject puts the mail subject in front of the body.
	prependSubject bool
	// force skips the review checks, review and reason are used as is.
	force  bool
	review bool
	reason spam.Reason

	spamScore *float64
}

// createChatMessage adds the mail to a chat and records it for the
// reputation counts. Images become separate chat messages.
func (r *Router) createChatMessage(ctx context.Context, rt *route, cm chatMessage) (int64, error) {
	msg := rt.msg

	body := msg.BodyText()
	if cm.prependSubject && msg.Subject != "" {
		body = msg.Subject + "\r\n\r\n" + body
	}
	body = message.StripQuoted(body, r.Config.UserSite)

	if !cm.force {
		v, err := r.Spam.CheckMessage(ctx, msg)
		if err != nil {
			return 0, err
		}
		if v != nil {
			cm.review, cm.reason = true, v.Reason
		}
		if !cm.review && strings.TrimSpace(body) != "" {
			reason, err := r.Spam.CheckReview(ctx, body, true)
			if err != nil {
				return 0, err
			}
			if reason != "" {
				cm.review, cm.reason = true, reason
			}
		}
	}

	reportReason := ""
	if cm.review {
		reportReason = mapReportReason(cm.reason)
	}

	fp := msg.ContentFingerprint()
	id, created, err := r.Store.CreateChatMessage(ctx, store.ChatMessage{
		ChatID:         cm.chatID,
		UserID:         cm.userID,
		Type:           cm.typ,
		Message:        body,
		RefMsgID:       cm.refMsgID,
		ReviewRequired: cm.review,
		ReportReason:   reportReason,
		SpamScore:      cm.spamScore,
		Fingerprint:    fp,
	})
	if err != nil {
		return 0, err
	}
	if !created {
		rt.log.Msg("chat message already exists", "chat_id", cm.chatID, "chatmsg_id", id)
		return id, nil
	}

	uid := cm.userID
	if _, err := r.Store.RecordInbound(ctx, r.inboundRecord(msg, &uid)); err != nil {
		rt.log.Error("cannot record inbound mail", err, "chat_id", cm.chatID)
	}

	for i, img := range msg.Images {
		hash := imageHash(img.Data)
		review, reason := cm.review, reportReason
		if !ignoredImageHashes[hash] {
			v, err := r.Spam.CheckImageReuse(ctx, hash)
			if err != nil {
				rt.log.Error("image reuse check failed", err, "hash", hash)
			} else if v != nil {
				review, reason = true, string(v.Reason)
			}
		}
		_, _, err := r.Store.AddChatImage(ctx, store.ChatImage{
			ChatID:         cm.chatID,
			UserID:         cm.userID,
			Hash:           hash,
			ReviewRequired: review,
			ReportReason:   reason,
			Fingerprint:    fp + ":img:" + strconv.Itoa(i),
		})
		if err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (r *Router) inboundRecord(msg *message.Message, fromUser *int64) store.InboundRecord {
	return store.InboundRecord{
		FromUser:     fromUser,
		FromName:     msg.FromName,
		FromAddr:     msg.FromAddress,
		FromIP:       msg.SenderIP,
		EnvelopeFrom: msg.EnvelopeFrom,
		EnvelopeTo:   msg.EnvelopeTo,
		Subject:      msg.Subject,
		MessageID:    msg.MessageID,
		TextBody:     msg.BodyText(),
		Date:         msg.Date,
		Source:       "Email",
	}
}
