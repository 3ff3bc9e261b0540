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

// Package router decides what happens to an inbound message.
//
// Route walks an ordered list of named steps. Each step either claims the
// message by returning an Outcome or passes it on. The order is
// significant: bounce handling precedes the volunteer addresses and chat
// notification replies precede reply-to addresses.
//
// Lookup misses (unknown group, user, chat) end in Dropped. Errors from
// mandatory store operations end in Failure so that the MTA retries the
// message later; every write done before the failure is safe to repeat.
package router

import (
	"context"
	"strings"
	"time"

	"github.com/freegle/inboundrouter/framework/address"
	"github.com/freegle/inboundrouter/framework/exterrors"
	"github.com/freegle/inboundrouter/framework/log"
	"github.com/freegle/inboundrouter/internal/bounce"
	"github.com/freegle/inboundrouter/internal/message"
	"github.com/freegle/inboundrouter/internal/spam"
	"github.com/freegle/inboundrouter/internal/store"
)

const modName = "router"

// Age limits for replies.
const (
	StaleChatDays      = 84
	ExpiredMessageDays = 42
)

// Store is the part of the data store used by the router.
type Store interface {
	User(ctx context.Context, id int64) (*store.User, error)
	UserIDByEmail(ctx context.Context, email string) (int64, error)
	UserIDByCanon(ctx context.Context, canon string) (int64, error)
	CreateUser(ctx context.Context, fullName, email, canon string) (int64, error)
	AddEmail(ctx context.Context, userID int64, email, canon string, preferred bool) error
	IsSpammer(ctx context.Context, userID int64) (bool, error)
	TouchLastAccess(ctx context.Context, userID int64) error
	SetUserFlag(ctx context.Context, userID int64, column string, value bool) error
	SetUserSettings(ctx context.Context, userID int64, values map[string]interface{}) error
	DisableAllMail(ctx context.Context, userID int64) error
	LinkLoginMatches(ctx context.Context, userID int64, key string) (bool, error)
	MarkUserDeleted(ctx context.Context, userID int64) error
	IsModeratorAnywhere(ctx context.Context, userID int64) (bool, error)

	GroupByName(ctx context.Context, name string) (*store.Group, error)
	Membership(ctx context.Context, userID, groupID int64) (*store.Membership, error)
	CreateMembership(ctx context.Context, userID, groupID int64, role, collection string, emailFrequency int) (int64, error)
	DeleteMembership(ctx context.Context, id int64) error
	SetMembershipValue(ctx context.Context, id int64, column string, value int) error
	MessageGroups(ctx context.Context, msgID int64) ([]store.Group, error)

	Chat(ctx context.Context, id int64) (*store.Chat, error)
	InChat(ctx context.Context, chat *store.Chat, userID int64) (bool, error)
	UserChat(ctx context.Context, a, b int64) (int64, error)
	ModChat(ctx context.Context, userID, groupID int64) (int64, error)
	CreateChatMessage(ctx context.Context, m store.ChatMessage) (int64, bool, error)
	AddChatImage(ctx context.Context, img store.ChatImage) (int64, bool, error)
	MarkSeen(ctx context.Context, chatID, userID, msgID int64) error
	MarkSeenByAll(ctx context.Context, chatID, msgID int64) error
	Tryst(ctx context.Context, id int64) (*store.Tryst, error)
	SetTrystResponse(ctx context.Context, t *store.Tryst, userID int64, response string) error

	Message(ctx context.Context, id int64) (*store.StoredMessage, error)
	RecordInbound(ctx context.Context, r store.InboundRecord) (int64, error)
	RecordGroupPost(ctx context.Context, p store.GroupPost) (int64, error)
}

// SpamChecker is implemented by *spam.Classifier.
type SpamChecker interface {
	CheckMessage(ctx context.Context, msg *message.Message) (*spam.Verdict, error)
	CheckReview(ctx context.Context, text string, checkLanguage bool) (spam.Reason, error)
	CheckSpamAssassin(ctx context.Context, raw []byte, subject string) (*float64, bool)
	CheckImageReuse(ctx context.Context, hash string) (*spam.Verdict, error)
	WorryWords(ctx context.Context, subject, body string) (*spam.WorryMatch, error)
}

// BounceRecorder is implemented by *bounce.Classifier.
type BounceRecorder interface {
	RecordInline(ctx context.Context, msg *message.Message) (bounce.Result, error)
}

type Config struct {
	Domains message.Domains
	// PartnerSecret is the shared secret of the posting partner. Empty
	// accepts any secret.
	PartnerSecret string
	// UserSite is the host name of the user-facing site, used when
	// stripping quoted text.
	UserSite string
	// DroppedSenders are From addresses whose mail is never routed.
	DroppedSenders []string
}

// DefaultDroppedSenders are notification senders that mail group
// addresses on their own.
var DefaultDroppedSenders = []string{"info@twitter.com"}

type Router struct {
	Config  Config
	Store   Store
	Spam    SpamChecker
	Bounces BounceRecorder

	Log log.Logger
	Now func() time.Time

	steps []step
}

// route is the state of one routing invocation.
type route struct {
	msg *message.Message
	log log.Logger
}

type step struct {
	name string
	run  func(ctx context.Context, rt *route) (*Outcome, error)
}

func New(cfg Config, st Store, checker SpamChecker, bounces BounceRecorder) *Router {
	if cfg.DroppedSenders == nil {
		cfg.DroppedSenders = DefaultDroppedSenders
	}
	r := &Router{
		Config:  cfg,
		Store:   st,
		Spam:    checker,
		Bounces: bounces,
		Log:     log.Logger{Name: modName},
		Now:     time.Now,
	}
	r.steps = []step{
		{"system_address", r.systemAddress},
		{"bounce", r.bounce},
		{"bounce_address", r.bounceAddress},
		{"dropped_sender", r.droppedSender},
		{"auto_reply", r.autoReply},
		{"self_sent", r.selfSent},
		{"known_spammer", r.knownSpammer},
		{"chat_reply", r.chatReply},
		{"reply_to", r.replyTo},
		{"volunteers", r.volunteers},
		{"group_post", r.groupPost},
		{"direct_mail", r.directMail},
	}
	return r
}

// Route decides what happens to msg and applies the side effects of that
// decision. It never returns a nil Outcome: errors are logged and turned
// into Failure.
func (r *Router) Route(ctx context.Context, msg *message.Message) Outcome {
	start := time.Now()
	rt := &route{
		msg: msg,
		log: r.Log.With("msg_id", msg.MessageID, "envelope_to", msg.EnvelopeTo),
	}
	rt.log.DebugMsg("routing", "envelope_from", msg.EnvelopeFrom, "subject", msg.Subject)

	res := r.run(ctx, rt)

	routingDuration.Observe(time.Since(start).Seconds())
	outcomesCnt.WithLabelValues(res.Result.String()).Inc()
	rt.log.Msg("routed", res.logFields()...)
	return res
}

func (r *Router) run(ctx context.Context, rt *route) Outcome {
	for _, s := range r.steps {
		out, err := s.run(ctx, rt)
		if err != nil {
			stepsCnt.WithLabelValues(s.name).Inc()
			rt.log.Error("routing failed", err, "step", s.name, "temporary", exterrors.IsTemporaryOrUnspec(err))
			return Outcome{Result: Failure, Detail: s.name + " failed"}
		}
		if out != nil {
			stepsCnt.WithLabelValues(s.name).Inc()
			return *out
		}
	}
	// directMail always claims the message.
	return Outcome{Result: Failure, Detail: "no routing step matched"}
}

// localPart returns the local part of the envelope recipient.
func localPart(msg *message.Message) string {
	return msg.EnvelopeToLocal()
}

func (r *Router) droppedSender(_ context.Context, rt *route) (*Outcome, error) {
	from := strings.ToLower(rt.msg.FromAddress)
	for _, s := range r.Config.DroppedSenders {
		if from != "" && from == strings.ToLower(s) {
			return dropped("known dropped sender"), nil
		}
	}
	return nil, nil
}

func (r *Router) autoReply(_ context.Context, rt *route) (*Outcome, error) {
	if rt.msg.IsAutoReply() {
		return dropped("auto-reply"), nil
	}
	return nil, nil
}

func (r *Router) selfSent(_ context.Context, rt *route) (*Outcome, error) {
	from, to := rt.msg.FromAddress, rt.msg.EnvelopeTo
	if from != "" && to != "" && strings.EqualFold(from, to) {
		return dropped("self-sent message"), nil
	}
	return nil, nil
}

func (r *Router) knownSpammer(ctx context.Context, rt *route) (*Outcome, error) {
	if rt.msg.FromAddress == "" {
		return nil, nil
	}
	uid, err := r.Store.UserIDByEmail(ctx, rt.msg.FromAddress)
	if err != nil || uid == 0 {
		return nil, err
	}
	spammer, err := r.Store.IsSpammer(ctx, uid)
	if err != nil {
		return nil, err
	}
	if spammer {
		return &Outcome{Result: Dropped, UserID: uid, Detail: "known spammer"}, nil
	}
	return nil, nil
}

func (r *Router) bounce(ctx context.Context, rt *route) (*Outcome, error) {
	if !rt.msg.IsBounce() {
		return nil, nil
	}
	res, err := r.Bounces.RecordInline(ctx, rt.msg)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Result: Dropped, UserID: res.UserID, Detail: "bounce"}
	switch {
	case res.Error != "":
		out.Detail = "bounce not recorded: " + res.Error
	case res.Ignored:
		out.Detail = "bounce ignored"
	case res.Suspended:
		out.Detail = "bounce recorded, user suspended"
	case res.Success:
		out.Detail = "bounce recorded"
	}
	return out, nil
}

// bounceAddress catches mail to a VERP return path that is not a DSN.
// Some clients reply to the Return-Path instead of Reply-To, the embedded
// number is a timestamp rather than a user and must not reach direct mail.
func (r *Router) bounceAddress(_ context.Context, rt *route) (*Outcome, error) {
	if !strings.HasPrefix(localPart(rt.msg), "bounce-") {
		return nil, nil
	}
	return &Outcome{Result: ToSystem, Detail: "reply to bounce address"}, nil
}

// findUser resolves an address to a user id using, in order, the user id
// embedded in our own per-user addresses, the exact address and the
// canonical form. It returns 0 if nothing matches.
func (r *Router) findUser(ctx context.Context, addr string) (int64, error) {
	if addr == "" {
		return 0, nil
	}
	if id := embeddedUserID(addr, r.Config.Domains.User); id != 0 {
		u, err := r.Store.User(ctx, id)
		if err != nil || u == nil {
			return 0, err
		}
		return u.ID, nil
	}

	id, err := r.Store.UserIDByEmail(ctx, addr)
	if err != nil || id != 0 {
		return id, err
	}

	canon := r.canonical(addr)
	if canon == strings.ToLower(addr) {
		return 0, nil
	}
	return r.Store.UserIDByCanon(ctx, canon)
}

func (r *Router) canonical(addr string) string {
	return address.Canonical(addr, r.Config.Domains.Partner)
}

// noteSenderAddress attaches the envelope sender to the user when it is
// not known yet, so that a forwarding address is recognised next time.
func (r *Router) noteSenderAddress(ctx context.Context, rt *route, userID int64) {
	from := rt.msg.EnvelopeFrom
	if from == "" || strings.Contains(strings.ToLower(from), "mailer-daemon") {
		return
	}
	if err := r.Store.AddEmail(ctx, userID, from, r.canonical(from), false); err != nil {
		rt.log.Error("cannot add sender address", err, "user_id", userID)
	}
}
