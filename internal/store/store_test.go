//go:build cgo && !nosqlite3

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

package store

import (
	"context"
	"testing"
	"time"

	"github.com/freegle/inboundrouter/internal/testutils"
)

func testStore(t *testing.T) *SQL {
	t.Helper()
	s, err := Open(context.Background(), "sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	s.Log = testutils.Logger(t, "store")
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func mustExec(t *testing.T, s *SQL, query string, args ...interface{}) {
	t.Helper()
	if _, err := s.db.Exec(query, args...); err != nil {
		t.Fatalf("%s: %v", query, err)
	}
}

func TestUserLookups(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateUser(ctx, "Alice", "alice@example.org", "alice@exampleorg")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddEmail(ctx, id, "alice.b@gmail.com", "aliceb@gmail.com", false); err != nil {
		t.Fatal(err)
	}

	got, err := s.UserIDByEmail(ctx, "alice@example.org")
	if err != nil || got != id {
		t.Errorf("UserIDByEmail = %d, %v; want %d", got, err, id)
	}
	got, err = s.UserIDByEmail(ctx, "Alice@Example.ORG")
	if err != nil || got != id {
		t.Errorf("UserIDByEmail with different case = %d, %v; want %d", got, err, id)
	}
	got, err = s.UserIDByCanon(ctx, "aliceb@gmail.com")
	if err != nil || got != id {
		t.Errorf("UserIDByCanon = %d, %v; want %d", got, err, id)
	}
	got, err = s.UserIDByEmail(ctx, "nobody@example.org")
	if err != nil || got != 0 {
		t.Errorf("UserIDByEmail for unknown address = %d, %v", got, err)
	}

	ue, err := s.PreferredEmail(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if ue == nil || ue.Email != "alice@example.org" {
		t.Fatalf("PreferredEmail = %+v", ue)
	}

	u, err := s.User(ctx, id)
	if err != nil || u == nil {
		t.Fatal("User:", u, err)
	}
	if u.Bouncing || !u.NewslettersAllowed {
		t.Errorf("unexpected defaults: %+v", u)
	}

	missing, err := s.User(ctx, id+100)
	if err != nil || missing != nil {
		t.Errorf("User for unknown id = %v, %v", missing, err)
	}
}

func TestBounceCountsAndSuspend(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateUser(ctx, "Bob", "bob@example.org", "bob@exampleorg")
	if err != nil {
		t.Fatal(err)
	}
	ue, err := s.UserEmail(ctx, id, "bob@example.org")
	if err != nil || ue == nil {
		t.Fatal("UserEmail:", ue, err)
	}

	for i := 0; i < 2; i++ {
		if _, err := s.RecordBounce(ctx, Bounce{EmailID: ue.ID, Reason: "550 5.1.1 no such user", Permanent: true}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.RecordBounce(ctx, Bounce{EmailID: ue.ID, Reason: "451 try later"}); err != nil {
		t.Fatal(err)
	}
	mustExec(t, s, `INSERT INTO bounces_emails (emailid, reason, permanent, reset, date) VALUES (?, 'old', 1, 1, ?)`, ue.ID, time.Now().UTC())

	perm, total, err := s.BounceCounts(ctx, ue.ID)
	if err != nil {
		t.Fatal(err)
	}
	if perm != 2 || total != 3 {
		t.Errorf("BounceCounts = %d, %d; want 2, 3", perm, total)
	}

	ue, _ = s.UserEmail(ctx, 0, "bob@example.org")
	if ue.Bounced == nil {
		t.Error("permanent bounce did not stamp the address")
	}

	ok, err := s.SuspendUser(ctx, id)
	if err != nil || !ok {
		t.Fatal("SuspendUser:", ok, err)
	}
	ok, err = s.SuspendUser(ctx, id)
	if err != nil || ok {
		t.Error("second SuspendUser changed the user:", ok, err)
	}
}

func TestRecordBounceDedup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateUser(ctx, "Carol", "carol@example.org", "carol@exampleorg")
	if err != nil {
		t.Fatal(err)
	}
	ue, err := s.UserEmail(ctx, id, "Carol@Example.org")
	if err != nil || ue == nil {
		t.Fatal("UserEmail ignores case:", ue, err)
	}

	b := Bounce{EmailID: ue.ID, Reason: "smtp; 550 5.1.1 no such user", Permanent: true, Fingerprint: "abc"}
	recorded, err := s.RecordBounce(ctx, b)
	if err != nil || !recorded {
		t.Fatal("first RecordBounce:", recorded, err)
	}
	recorded, err = s.RecordBounce(ctx, b)
	if err != nil || recorded {
		t.Fatal("repeated RecordBounce:", recorded, err)
	}
	b.Fingerprint = "def"
	if recorded, err = s.RecordBounce(ctx, b); err != nil || !recorded {
		t.Fatal("RecordBounce with another fingerprint:", recorded, err)
	}

	perm, total, err := s.BounceCounts(ctx, ue.ID)
	if err != nil {
		t.Fatal(err)
	}
	if perm != 2 || total != 2 {
		t.Errorf("BounceCounts = %d, %d; want 2, 2", perm, total)
	}
}

func TestCreateChatMessageDedup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	chatID, err := s.UserChat(ctx, 7, 3)
	if err != nil {
		t.Fatal(err)
	}
	again, err := s.UserChat(ctx, 3, 7)
	if err != nil || again != chatID {
		t.Fatalf("UserChat is not stable: %d != %d (%v)", again, chatID, err)
	}
	chat, err := s.Chat(ctx, chatID)
	if err != nil || chat == nil {
		t.Fatal(chat, err)
	}
	if *chat.User1 != 3 || *chat.User2 != 7 {
		t.Errorf("users not ordered: %d, %d", *chat.User1, *chat.User2)
	}

	msg := ChatMessage{ChatID: chatID, UserID: 3, Message: "Is it still available?", Fingerprint: "abc"}
	id1, created, err := s.CreateChatMessage(ctx, msg)
	if err != nil || !created {
		t.Fatal("first CreateChatMessage:", created, err)
	}
	id2, created, err := s.CreateChatMessage(ctx, msg)
	if err != nil || created || id2 != id1 {
		t.Errorf("retry created a duplicate: %d %v %v", id2, created, err)
	}

	chat, _ = s.Chat(ctx, chatID)
	if chat.LatestMessage == nil {
		t.Error("latestmessage not updated")
	}

	in, err := s.InChat(ctx, chat, 7)
	if err != nil || !in {
		t.Error("InChat(7) =", in, err)
	}
	in, _ = s.InChat(ctx, chat, 8)
	if in {
		t.Error("InChat(8) = true")
	}
}

func TestReputationCounts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mustExec(t, s, `INSERT INTO groups (nameshort) VALUES (?)`, []string{"one", "two", "three"}[i])
	}
	for i := int64(1); i <= 3; i++ {
		uid := i
		_, err := s.RecordGroupPost(ctx, GroupPost{
			InboundRecord: InboundRecord{
				FromUser:  &uid,
				FromName:  []string{"A", "B", "C"}[i-1],
				FromIP:    "192.0.2.1",
				Subject:   "OFFER: Sofa (Town)",
				MessageID: "id" + string(rune('0'+i)),
			},
			GroupID:       i,
			Collection:    CollectionApproved,
			PrunedSubject: "Sofa",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	users, err := s.UsersFromIP(ctx, "192.0.2.1")
	if err != nil || len(users) != 3 {
		t.Errorf("UsersFromIP = %v, %v", users, err)
	}
	groups, err := s.GroupsFromIP(ctx, "192.0.2.1")
	if err != nil || len(groups) != 3 {
		t.Errorf("GroupsFromIP = %v, %v", groups, err)
	}
	n, err := s.GroupsWithSubject(ctx, "Sof")
	if err != nil || n != 3 {
		t.Errorf("GroupsWithSubject = %d, %v", n, err)
	}
	n, _ = s.GroupsWithSubject(ctx, "S_fa")
	if n != 0 {
		t.Error("LIKE wildcard in prefix was not escaped")
	}
}

func TestVolunteerMailCount(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		if _, err := s.RecordInbound(ctx, InboundRecord{
			EnvelopeFrom: "bulk@example.net",
			EnvelopeTo:   "group" + string(rune('a'+i)) + "-volunteers@groups.example.org",
			Subject:      "Business opportunity",
		}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.VolunteerMailsFrom(ctx, "bulk@example.net", "groups.example.org", now.Add(-24*time.Hour))
	if err != nil || n != 4 {
		t.Errorf("by sender = %d, %v", n, err)
	}
	n, _ = s.VolunteerMailsWithSubject(ctx, "business opportunity", "groups.example.org", now.Add(-24*time.Hour))
	if n != 4 {
		t.Errorf("by subject = %d", n)
	}
	n, _ = s.VolunteerMailsFrom(ctx, "bulk@example.net", "other.example.org", now.Add(-24*time.Hour))
	if n != 0 {
		t.Errorf("other domain = %d", n)
	}
	n, _ = s.VolunteerMailsFrom(ctx, "bulk@example.net", "groups.example.org", now.Add(time.Hour))
	if n != 0 {
		t.Errorf("outside window = %d", n)
	}
}

func TestUserSettingsAndDisableAllMail(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateUser(ctx, "Carol", "carol@example.org", "carol@exampleorg")
	if err != nil {
		t.Fatal(err)
	}
	mustExec(t, s, `INSERT INTO groups (nameshort) VALUES ('town')`)
	if _, err := s.CreateMembership(ctx, id, 1, RoleMember, CollectionApproved, 24); err != nil {
		t.Fatal(err)
	}
	if err := s.DisableAllMail(ctx, id); err != nil {
		t.Fatal(err)
	}

	m, err := s.Membership(ctx, id, 1)
	if err != nil || m == nil {
		t.Fatal(m, err)
	}
	if m.EmailFrequency != 0 || m.EventsAllowed || m.VolunteeringAllowed {
		t.Errorf("membership still sends mail: %+v", m)
	}
	u, _ := s.User(ctx, id)
	if u.NewslettersAllowed || u.RelevantAllowed {
		t.Errorf("user still receives newsletters: %+v", u)
	}
	want := `{"engagement":false,"notificationmails":false,"notifications":{"email":false,"emailmine":false}}`
	if u.Settings == nil || *u.Settings != want {
		t.Errorf("settings = %v, want %s", u.Settings, want)
	}
}

func TestLinkLoginMatches(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	mustExec(t, s, `INSERT INTO users_logins (userid, type, credentials) VALUES (5, 'Link', 'AbCdEf')`)

	ok, err := s.LinkLoginMatches(ctx, 5, "abcdef")
	if err != nil || !ok {
		t.Error("key not matched case-insensitively:", ok, err)
	}
	ok, _ = s.LinkLoginMatches(ctx, 6, "abcdef")
	if ok {
		t.Error("key matched for another user")
	}
}

func TestGroupPostPlacement(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	mustExec(t, s, `INSERT INTO groups (nameshort, settings) VALUES (?, ?)`, "leeds", `{"moderated": 1}`)
	g, err := s.GroupByName(ctx, "LEEDS")
	if err != nil || g == nil {
		t.Fatal("GroupByName:", g, err)
	}
	if g.Settings == nil || *g.Settings != `{"moderated": 1}` {
		t.Errorf("settings = %v", g.Settings)
	}

	uid := int64(5)
	post := GroupPost{
		InboundRecord: InboundRecord{
			FromUser:  &uid,
			FromAddr:  "bob@example.org",
			Subject:   "WANTED: Bike (Leeds)",
			MessageID: "bike@example.org",
		},
		GroupID:       g.ID,
		Collection:    CollectionPending,
		PrunedSubject: "Bike",
	}
	id, err := s.RecordGroupPost(ctx, post)
	if err != nil {
		t.Fatal(err)
	}
	again, err := s.RecordGroupPost(ctx, post)
	if err != nil || again != id {
		t.Errorf("retry recorded a new message: %d != %d (%v)", again, id, err)
	}

	m, err := s.Message(ctx, id)
	if err != nil || m == nil {
		t.Fatal("Message:", m, err)
	}
	if m.FromUser == nil || *m.FromUser != uid || m.Subject == nil || *m.Subject != post.Subject {
		t.Errorf("stored message = %+v", m)
	}
	if m.Arrival.IsZero() {
		t.Error("arrival not set")
	}

	groups, err := s.MessageGroups(ctx, id)
	if err != nil || len(groups) != 1 || groups[0].ID != g.ID {
		t.Errorf("MessageGroups = %+v, %v", groups, err)
	}
	groups, err = s.MessageGroups(ctx, id+100)
	if err != nil || len(groups) != 0 {
		t.Errorf("MessageGroups for unknown message = %+v, %v", groups, err)
	}
	m, err = s.Message(ctx, id+100)
	if err != nil || m != nil {
		t.Errorf("Message for unknown id = %+v, %v", m, err)
	}
}

func TestAddChatImageDedup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	chatID, err := s.UserChat(ctx, 1, 2)
	if err != nil {
		t.Fatal(err)
	}

	img := ChatImage{ChatID: chatID, UserID: 1, Hash: "0123456789abcdef", Fingerprint: "fp:img:0"}
	id1, created, err := s.AddChatImage(ctx, img)
	if err != nil || !created {
		t.Fatal("first AddChatImage:", created, err)
	}
	id2, created, err := s.AddChatImage(ctx, img)
	if err != nil || created || id2 != id1 {
		t.Errorf("retry added a duplicate image: %d %v %v", id2, created, err)
	}

	var row struct {
		Type    string `db:"type"`
		ImageID int64  `db:"imageid"`
	}
	if err := s.db.Get(&row, `SELECT type, imageid FROM chat_messages WHERE id = ?`, id1); err != nil {
		t.Fatal(err)
	}
	if row.Type != ChatMessageImage {
		t.Errorf("type = %q", row.Type)
	}
	var back int64
	if err := s.db.Get(&back, `SELECT chatmsgid FROM chat_images WHERE id = ?`, row.ImageID); err != nil {
		t.Fatal(err)
	}
	if back != id1 {
		t.Errorf("chat_images.chatmsgid = %d, want %d", back, id1)
	}
}
