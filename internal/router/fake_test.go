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
	"strings"
	"testing"
	"time"

	"github.com/freegle/inboundrouter/internal/bounce"
	"github.com/freegle/inboundrouter/internal/message"
	"github.com/freegle/inboundrouter/internal/spam"
	"github.com/freegle/inboundrouter/internal/store"
	"github.com/freegle/inboundrouter/internal/testutils"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

var testDomains = message.Domains{
	Group:   "groups.ilovefreegle.org",
	User:    "users.ilovefreegle.org",
	Partner: "trashnothing.com",
}

type fakeStore struct {
	users    map[int64]*store.User
	emails   map[string]int64
	canon    map[string]int64
	spammers map[int64]bool
	mods     map[int64]bool
	links    map[int64]string

	groups      map[string]*store.Group
	memberships map[[2]int64]*store.Membership
	msgGroups   map[int64][]store.Group

	chats   map[int64]*store.Chat
	members map[int64][]int64
	trysts  map[int64]*store.Tryst

	messages map[int64]*store.StoredMessage

	// Recorded writes.
	chatMsgs     []store.ChatMessage
	chatImages   []store.ChatImage
	inbound      []store.InboundRecord
	posts        []store.GroupPost
	addedEmails  []string
	seen         [][3]int64
	seenByAll    int
	trystResp    map[int64]string
	flags        map[string]bool
	settings     map[string]interface{}
	memberValues map[string]int
	disabled     []int64
	deleted      []int64
	created      []string
	deletedMemb  []int64
	touched      []int64

	err    error
	nextID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:        map[int64]*store.User{},
		emails:       map[string]int64{},
		canon:        map[string]int64{},
		spammers:     map[int64]bool{},
		mods:         map[int64]bool{},
		links:        map[int64]string{},
		groups:       map[string]*store.Group{},
		memberships:  map[[2]int64]*store.Membership{},
		msgGroups:    map[int64][]store.Group{},
		chats:        map[int64]*store.Chat{},
		members:      map[int64][]int64{},
		trysts:       map[int64]*store.Tryst{},
		messages:     map[int64]*store.StoredMessage{},
		trystResp:    map[int64]string{},
		flags:        map[string]bool{},
		settings:     map[string]interface{}{},
		memberValues: map[string]int{},
		nextID:       1000,
	}
}

func (s *fakeStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *fakeStore) addUser(id int64, email string) *store.User {
	loc := int64(1)
	u := &store.User{ID: id, LastLocation: &loc}
	s.users[id] = u
	if email != "" {
		s.emails[strings.ToLower(email)] = id
	}
	return u
}

func (s *fakeStore) addGroup(id int64, name string) *store.Group {
	g := &store.Group{ID: id, NameShort: name}
	s.groups[strings.ToLower(name)] = g
	return g
}

func (s *fakeStore) addMember(uid, gid int64, role string) *store.Membership {
	m := &store.Membership{ID: s.id(), UserID: uid, GroupID: gid, Role: role, Collection: store.CollectionApproved}
	s.memberships[[2]int64{uid, gid}] = m
	return m
}

func (s *fakeStore) User(_ context.Context, id int64) (*store.User, error) {
	return s.users[id], s.err
}

func (s *fakeStore) UserIDByEmail(_ context.Context, email string) (int64, error) {
	return s.emails[strings.ToLower(email)], s.err
}

func (s *fakeStore) UserIDByCanon(_ context.Context, canon string) (int64, error) {
	return s.canon[canon], s.err
}

func (s *fakeStore) CreateUser(_ context.Context, _, email, _ string) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	id := s.id()
	s.addUser(id, email)
	s.created = append(s.created, email)
	return id, nil
}

func (s *fakeStore) AddEmail(_ context.Context, uid int64, email, _ string, _ bool) error {
	s.addedEmails = append(s.addedEmails, email)
	return s.err
}

func (s *fakeStore) IsSpammer(_ context.Context, uid int64) (bool, error) {
	return s.spammers[uid], s.err
}

func (s *fakeStore) TouchLastAccess(_ context.Context, uid int64) error {
	s.touched = append(s.touched, uid)
	return s.err
}

func (s *fakeStore) SetUserFlag(_ context.Context, _ int64, column string, value bool) error {
	s.flags[column] = value
	return s.err
}

func (s *fakeStore) SetUserSettings(_ context.Context, _ int64, values map[string]interface{}) error {
	for k, v := range values {
		s.settings[k] = v
	}
	return s.err
}

func (s *fakeStore) DisableAllMail(_ context.Context, uid int64) error {
	s.disabled = append(s.disabled, uid)
	return s.err
}

func (s *fakeStore) LinkLoginMatches(_ context.Context, uid int64, key string) (bool, error) {
	return s.links[uid] != "" && s.links[uid] == key, s.err
}

func (s *fakeStore) MarkUserDeleted(_ context.Context, uid int64) error {
	s.deleted = append(s.deleted, uid)
	return s.err
}

func (s *fakeStore) IsModeratorAnywhere(_ context.Context, uid int64) (bool, error) {
	return s.mods[uid], s.err
}

func (s *fakeStore) GroupByName(_ context.Context, name string) (*store.Group, error) {
	return s.groups[strings.ToLower(name)], s.err
}

func (s *fakeStore) Membership(_ context.Context, uid, gid int64) (*store.Membership, error) {
	return s.memberships[[2]int64{uid, gid}], s.err
}

func (s *fakeStore) CreateMembership(_ context.Context, uid, gid int64, role, collection string, freq int) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	m := s.addMember(uid, gid, role)
	m.Collection = collection
	m.EmailFrequency = freq
	return m.ID, nil
}

func (s *fakeStore) DeleteMembership(_ context.Context, id int64) error {
	s.deletedMemb = append(s.deletedMemb, id)
	return s.err
}

func (s *fakeStore) SetMembershipValue(_ context.Context, _ int64, column string, value int) error {
	s.memberValues[column] = value
	return s.err
}

func (s *fakeStore) MessageGroups(_ context.Context, msgID int64) ([]store.Group, error) {
	return s.msgGroups[msgID], s.err
}

func (s *fakeStore) Chat(_ context.Context, id int64) (*store.Chat, error) {
	return s.chats[id], s.err
}

func (s *fakeStore) InChat(_ context.Context, chat *store.Chat, uid int64) (bool, error) {
	for _, m := range s.members[chat.ID] {
		if m == uid {
			return true, s.err
		}
	}
	return false, s.err
}

func (s *fakeStore) UserChat(_ context.Context, a, b int64) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	for id, c := range s.chats {
		if c.ChatType == store.ChatUser2User && c.User1 != nil && c.User2 != nil &&
			(*c.User1 == a && *c.User2 == b || *c.User1 == b && *c.User2 == a) {
			return id, nil
		}
	}
	id := s.id()
	s.chats[id] = &store.Chat{ID: id, ChatType: store.ChatUser2User, User1: &a, User2: &b}
	s.members[id] = []int64{a, b}
	return id, nil
}

func (s *fakeStore) ModChat(_ context.Context, uid, gid int64) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	id := s.id()
	s.chats[id] = &store.Chat{ID: id, ChatType: store.ChatUser2Mod, User1: &uid, GroupID: &gid}
	s.members[id] = []int64{uid}
	return id, nil
}

func (s *fakeStore) CreateChatMessage(_ context.Context, m store.ChatMessage) (int64, bool, error) {
	if s.err != nil {
		return 0, false, s.err
	}
	for i, prev := range s.chatMsgs {
		if prev.ChatID == m.ChatID && prev.Fingerprint == m.Fingerprint {
			return int64(i + 1), false, nil
		}
	}
	s.chatMsgs = append(s.chatMsgs, m)
	return int64(len(s.chatMsgs)), true, nil
}

func (s *fakeStore) AddChatImage(_ context.Context, img store.ChatImage) (int64, bool, error) {
	s.chatImages = append(s.chatImages, img)
	return int64(len(s.chatImages)), true, s.err
}

func (s *fakeStore) MarkSeen(_ context.Context, chatID, uid, msgID int64) error {
	s.seen = append(s.seen, [3]int64{chatID, uid, msgID})
	return s.err
}

func (s *fakeStore) MarkSeenByAll(context.Context, int64, int64) error {
	s.seenByAll++
	return s.err
}

func (s *fakeStore) Tryst(_ context.Context, id int64) (*store.Tryst, error) {
	return s.trysts[id], s.err
}

func (s *fakeStore) SetTrystResponse(_ context.Context, t *store.Tryst, uid int64, resp string) error {
	s.trystResp[uid] = resp
	return s.err
}

func (s *fakeStore) Message(_ context.Context, id int64) (*store.StoredMessage, error) {
	return s.messages[id], s.err
}

func (s *fakeStore) RecordInbound(_ context.Context, r store.InboundRecord) (int64, error) {
	s.inbound = append(s.inbound, r)
	return s.id(), s.err
}

func (s *fakeStore) RecordGroupPost(_ context.Context, p store.GroupPost) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.posts = append(s.posts, p)
	return s.id(), nil
}

type fakeSpam struct {
	verdict     *spam.Verdict
	review      spam.Reason
	score       *float64
	assassin    bool
	imageReuse  bool
	worry       *spam.WorryMatch
	checkedMsgs int
	err         error
}

func (f *fakeSpam) CheckMessage(context.Context, *message.Message) (*spam.Verdict, error) {
	f.checkedMsgs++
	if f.err != nil {
		return nil, f.err
	}
	return f.verdict, nil
}

func (f *fakeSpam) CheckReview(context.Context, string, bool) (spam.Reason, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.review, nil
}

func (f *fakeSpam) CheckSpamAssassin(context.Context, []byte, string) (*float64, bool) {
	return f.score, f.assassin
}

func (f *fakeSpam) CheckImageReuse(_ context.Context, hash string) (*spam.Verdict, error) {
	if f.imageReuse {
		return &spam.Verdict{IsSpam: true, Reason: spam.SameImage, Detail: hash}, nil
	}
	return nil, nil
}

func (f *fakeSpam) WorryWords(context.Context, string, string) (*spam.WorryMatch, error) {
	return f.worry, nil
}

type fakeBounces struct {
	calls int
	res   bounce.Result
}

func (f *fakeBounces) RecordInline(context.Context, *message.Message) (bounce.Result, error) {
	f.calls++
	return f.res, nil
}

type testEnv struct {
	st      *fakeStore
	spam    *fakeSpam
	bounces *fakeBounces
	r       *Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		st:      newFakeStore(),
		spam:    &fakeSpam{},
		bounces: &fakeBounces{res: bounce.Result{Success: true}},
	}
	env.r = New(Config{
		Domains:  testDomains,
		UserSite: "www.ilovefreegle.org",
	}, env.st, env.spam, env.bounces)
	env.r.Log = testutils.Logger(t, "router")
	env.r.Now = func() time.Time { return testNow }
	return env
}

func (env *testEnv) route(t *testing.T, raw, from, to string) Outcome {
	t.Helper()
	n := message.Normalizer{Domains: testDomains, Log: testutils.Logger(t, "normalizer")}
	msg := n.Normalize([]byte(strings.ReplaceAll(raw, "\n", "\r\n")), from, to)
	return env.r.Route(context.Background(), msg)
}

func mail(from, subject, body string, extra ...string) string {
	h := "From: " + from + "\nTo: someone@example.org\nSubject: " + subject +
		"\nMessage-Id: <test@example.org>\nDate: Wed, 01 May 2024 10:00:00 +0000\n"
	for _, e := range extra {
		h += e + "\n"
	}
	return h + "\n" + body + "\n"
}
