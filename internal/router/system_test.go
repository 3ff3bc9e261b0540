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
	"testing"

	"github.com/freegle/inboundrouter/internal/store"
)

const userDomain = "@users.ilovefreegle.org"

func TestReadReceipt(t *testing.T) {
	env := newTestEnv(t)
	setupChat(env, testNow)

	out := env.route(t, mail("alice@example.com", "Read: chat", ""), "alice@example.com", "readreceipt-42-7-99"+userDomain)
	if out.Result != Receipt {
		t.Fatalf("expected Receipt, got %v", out)
	}
	if len(env.st.seen) != 1 || env.st.seen[0] != [3]int64{42, 7, 99} {
		t.Errorf("wrong seen updates: %v", env.st.seen)
	}
	if env.st.seenByAll != 1 {
		t.Errorf("user to user chat not marked seen by all")
	}

	out = env.route(t, mail("x@example.com", "Read: chat", ""), "x@example.com", "readreceipt-42-9-99"+userDomain)
	if out.Result != Dropped {
		t.Errorf("non-member receipt: expected Dropped, got %v", out)
	}
	out = env.route(t, mail("x@example.com", "Read: chat", ""), "x@example.com", "readreceipt-43-7-99"+userDomain)
	if out.Result != Dropped {
		t.Errorf("unknown chat receipt: expected Dropped, got %v", out)
	}
}

func TestHandover(t *testing.T) {
	env := newTestEnv(t)
	env.st.trysts[5] = &store.Tryst{ID: 5, User1: 7, User2: 8}

	out := env.route(t, mail("alice@example.com", "Accepted: Handover", "ok"), "alice@example.com", "handover-5-7"+userDomain)
	if out.Result != Tryst || env.st.trystResp[7] != TrystAccepted {
		t.Fatalf("expected accepted tryst, got %v %v", out, env.st.trystResp)
	}

	out = env.route(t, mail("eve@example.com", "Declined: Handover", "no"), "eve@example.com", "handover-5-9"+userDomain)
	if out.Result != Tryst {
		t.Errorf("expected Tryst, got %v", out)
	}
	if _, ok := env.st.trystResp[9]; ok {
		t.Errorf("response stored for non-participant")
	}

	out = env.route(t, mail("alice@example.com", "Accepted", "ok"), "alice@example.com", "handover-6-7"+userDomain)
	if out.Result != Dropped {
		t.Errorf("unknown tryst: expected Dropped, got %v", out)
	}
}

func TestMembershipOff(t *testing.T) {
	cases := []struct {
		local  string
		column string
	}{
		{"digestoff-7-1", "emailfrequency"},
		{"eventsoff-7-1", "eventsallowed"},
		{"volunteeringoff-7-1", "volunteeringallowed"},
	}
	for _, c := range cases {
		t.Run(c.column, func(t *testing.T) {
			env := newTestEnv(t)
			setupGroupPost(env, "")

			out := env.route(t, mail("alice@example.com", "off", ""), "alice@example.com", c.local+userDomain)
			if out.Result != ToSystem {
				t.Fatalf("expected ToSystem, got %v", out)
			}
			if v, ok := env.st.memberValues[c.column]; !ok || v != 0 {
				t.Errorf("%s not turned off: %v", c.column, env.st.memberValues)
			}
			if len(env.st.touched) != 1 {
				t.Errorf("last access not updated")
			}

			out = env.route(t, mail("alice@example.com", "off", ""), "alice@example.com", c.local+"2"+userDomain)
			if out.Result != Dropped {
				t.Errorf("non-member: expected Dropped, got %v", out)
			}
		})
	}
}

func TestUserSettingsOff(t *testing.T) {
	env := newTestEnv(t)
	env.st.addUser(7, "alice@example.com")

	for _, local := range []string{"newslettersoff-7", "relevantoff-7", "notificationmailsoff-7"} {
		out := env.route(t, mail("alice@example.com", "off", ""), "alice@example.com", local+userDomain)
		if out.Result != ToSystem {
			t.Errorf("%s: expected ToSystem, got %v", local, out)
		}
	}
	if v, ok := env.st.flags["newslettersallowed"]; !ok || v {
		t.Errorf("newsletters not off")
	}
	if v, ok := env.st.flags["relevantallowed"]; !ok || v {
		t.Errorf("relevant not off")
	}
	if v, ok := env.st.settings["notificationmails"]; !ok || v != false {
		t.Errorf("notification mails not off")
	}

	out := env.route(t, mail("alice@example.com", "off", ""), "alice@example.com", "newslettersoff-99"+userDomain)
	if out.Result != Dropped {
		t.Errorf("unknown user: expected Dropped, got %v", out)
	}
}

func TestUnsubscribeUser(t *testing.T) {
	env := newTestEnv(t)
	env.st.addUser(7, "alice@example.com")
	env.st.addUser(8, "mod@example.com")
	env.st.links[7] = "abc123"
	env.st.links[8] = "def456"
	env.st.mods[8] = true

	out := env.route(t, mail("alice@example.com", "unsubscribe", ""), "alice@example.com", "unsubscribe-7-wrong-Digest"+userDomain)
	if out.Result != Dropped || len(env.st.deleted) != 0 {
		t.Errorf("wrong key: expected Dropped, got %v", out)
	}
	out = env.route(t, mail("mod@example.com", "unsubscribe", ""), "mod@example.com", "unsubscribe-8-def456-Digest"+userDomain)
	if out.Result != Dropped || len(env.st.deleted) != 0 {
		t.Errorf("moderator: expected Dropped, got %v", out)
	}
	out = env.route(t, mail("alice@example.com", "unsubscribe", ""), "alice@example.com", "unsubscribe-7-abc123-Digest"+userDomain)
	if out.Result != ToSystem || len(env.st.deleted) != 1 || env.st.deleted[0] != 7 {
		t.Errorf("expected user 7 deleted, got %v %v", out, env.st.deleted)
	}
}

func TestGroupSubscribe(t *testing.T) {
	env := newTestEnv(t)
	env.st.addGroup(1, "freegle")

	out := env.route(t, mail("new@example.com", "subscribe", ""), "new@example.com", "freegle-subscribe@groups.ilovefreegle.org")
	if out.Result != ToSystem || out.Detail != "subscribed" {
		t.Fatalf("expected subscribed, got %v", out)
	}
	if len(env.st.created) != 1 || env.st.created[0] != "new@example.com" {
		t.Errorf("user not created: %v", env.st.created)
	}
	m := env.st.memberships[[2]int64{out.UserID, 1}]
	if m == nil || m.Collection != store.CollectionApproved || m.EmailFrequency != DefaultEmailFrequency {
		t.Errorf("wrong membership: %+v", m)
	}

	out = env.route(t, mail("new@example.com", "subscribe", ""), "new@example.com", "freegle-subscribe@groups.ilovefreegle.org")
	if out.Result != ToSystem || out.Detail != "already a member" {
		t.Errorf("expected already a member, got %v", out)
	}

	out = env.route(t, mail("new@example.com", "subscribe", ""), "new@example.com", "other-subscribe@groups.ilovefreegle.org")
	if out.Result != Dropped {
		t.Errorf("unknown group: expected Dropped, got %v", out)
	}
}

func TestGroupUnsubscribe(t *testing.T) {
	env := newTestEnv(t)
	m := setupGroupPost(env, "")
	env.st.addUser(8, "mod@example.com")
	env.st.addMember(8, 1, store.RoleOwner)

	out := env.route(t, mail("mod@example.com", "unsubscribe", ""), "mod@example.com", "freegle-unsubscribe@groups.ilovefreegle.org")
	if out.Result != Dropped {
		t.Errorf("owner: expected Dropped, got %v", out)
	}
	out = env.route(t, mail("alice@example.com", "unsubscribe", ""), "alice@example.com", "freegle-unsubscribe@groups.ilovefreegle.org")
	if out.Result != ToSystem || len(env.st.deletedMemb) != 1 || env.st.deletedMemb[0] != m.ID {
		t.Errorf("expected membership removed, got %v %v", out, env.st.deletedMemb)
	}
}

func TestFeedbackLoop(t *testing.T) {
	env := newTestEnv(t)
	env.st.addUser(7, "alice@example.com")

	raw := mail("feedback@provider.example", "Complaint", "Original-Rcpt-To: alice@example.com\nmore text")
	out := env.route(t, raw, "feedback@provider.example", "fbl"+userDomain)
	if out.Result != ToSystem || out.UserID != 7 {
		t.Fatalf("expected ToSystem for user 7, got %v", out)
	}
	if len(env.st.disabled) != 1 || env.st.disabled[0] != 7 {
		t.Errorf("mail not disabled: %v", env.st.disabled)
	}

	out = env.route(t, mail("feedback@provider.example", "Complaint", "nothing here"), "feedback@provider.example", "fbl"+userDomain)
	if out.Result != ToSystem || len(env.st.disabled) != 1 {
		t.Errorf("complaint without recipient: got %v", out)
	}
}

func TestMalformedSystemAddress(t *testing.T) {
	for _, local := range []string{
		"readreceipt-1-2",
		"readreceipt-a-b-c",
		"handover-5",
		"digestoff-5",
		"eventsoff-7-x",
		"newslettersoff-x",
		"relevantoff-",
		"volunteeringoff-7",
		"notificationmailsoff-7-1",
		"unsubscribe-7",
	} {
		t.Run(local, func(t *testing.T) {
			env := newTestEnv(t)
			env.st.addUser(7, "alice@example.com")

			out := env.route(t, mail("alice@example.com", "Re: hi", "text"), "alice@example.com", local+userDomain)
			if out.Result != Dropped {
				t.Fatalf("expected Dropped, got %v", out)
			}
			if len(env.st.inbound) != 0 || len(env.st.chatMsgs) != 0 {
				t.Errorf("malformed address reached delivery: %v %v", env.st.inbound, env.st.chatMsgs)
			}
		})
	}
}
