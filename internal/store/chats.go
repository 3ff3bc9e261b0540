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

	"github.com/jmoiron/sqlx"
)

const chatColumns = `id, chattype, user1, user2, groupid, latestmessage`

func (s *SQL) Chat(ctx context.Context, id int64) (*Chat, error) {
	var c Chat
	ok, err := s.get(ctx, s.db, "chat", &c, `SELECT `+chatColumns+` FROM chat_rooms WHERE id = ?`, id)
	if !ok {
		return nil, err
	}
	return &c, nil
}

// InChat reports whether userID takes part in the chat. User-to-user
// chats record both parties on the room, other chats use the roster.
func (s *SQL) InChat(ctx context.Context, chat *Chat, userID int64) (bool, error) {
	if chat.ChatType == ChatUser2User {
		return (chat.User1 != nil && *chat.User1 == userID) || (chat.User2 != nil && *chat.User2 == userID), nil
	}
	return s.exists(ctx, "in chat", `SELECT id FROM chat_roster WHERE chatid = ? AND userid = ?`, chat.ID, userID)
}

// UserChat finds or creates the user-to-user chat between the two users.
// The lower id is always stored as user1.
func (s *SQL) UserChat(ctx context.Context, a, b int64) (int64, error) {
	if a > b {
		a, b = b, a
	}
	var id int64
	err := s.inTx(ctx, "user chat", func(tx *sqlx.Tx) error {
		ok, err := s.get(ctx, tx, "user chat", &id,
			`SELECT id FROM chat_rooms WHERE chattype = ? AND user1 = ? AND user2 = ?`, ChatUser2User, a, b)
		if err != nil || ok {
			return err
		}
		id, err = s.insert(ctx, tx, "user chat",
			`INSERT INTO chat_rooms (chattype, user1, user2, created) VALUES (?, ?, ?, ?)`,
			ChatUser2User, a, b, s.now())
		return err
	})
	return id, err
}

// ModChat finds or creates the chat between a user and the volunteers of
// a group.
func (s *SQL) ModChat(ctx context.Context, userID, groupID int64) (int64, error) {
	var id int64
	err := s.inTx(ctx, "mod chat", func(tx *sqlx.Tx) error {
		ok, err := s.get(ctx, tx, "mod chat", &id,
			`SELECT id FROM chat_rooms WHERE chattype = ? AND user1 = ? AND groupid = ?`, ChatUser2Mod, userID, groupID)
		if err != nil || ok {
			return err
		}
		id, err = s.insert(ctx, tx, "mod chat",
			`INSERT INTO chat_rooms (chattype, user1, groupid, created) VALUES (?, ?, ?, ?)`,
			ChatUser2Mod, userID, groupID, s.now())
		return err
	})
	return id, err
}

// CreateChatMessage adds the message to its chat. If a message with the
// same fingerprint already exists in the chat its id is returned and
// created is false.
func (s *SQL) CreateChatMessage(ctx context.Context, m ChatMessage) (id int64, created bool, err error) {
	typ := m.Type
	if typ == "" {
		typ = ChatMessageDefault
	}
	err = s.inTx(ctx, "create chat message", func(tx *sqlx.Tx) error {
		if m.Fingerprint != "" {
			ok, err := s.get(ctx, tx, "create chat message", &id,
				`SELECT id FROM chat_messages WHERE chatid = ? AND fingerprint = ?`, m.ChatID, m.Fingerprint)
			if err != nil || ok {
				return err
			}
		}
		var fp *string
		if m.Fingerprint != "" {
			fp = &m.Fingerprint
		}
		var reason *string
		if m.ReportReason != "" {
			reason = &m.ReportReason
		}
		id, err = s.insert(ctx, tx, "create chat message",
			`INSERT INTO chat_messages (chatid, userid, type, message, date, reviewrequired, reportreason, refmsgid, spamscore, fingerprint)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ChatID, m.UserID, typ, m.Message, s.now(), m.ReviewRequired, reason, m.RefMsgID, m.SpamScore, fp)
		if err != nil {
			return err
		}
		created = true
		_, err = s.exec(ctx, tx, "create chat message",
			`UPDATE chat_rooms SET latestmessage = ? WHERE id = ?`, s.now(), m.ChatID)
		return err
	})
	return id, created, err
}

// MarkSeen records that the user has read the chat up to msgID.
func (s *SQL) MarkSeen(ctx context.Context, chatID, userID, msgID int64) error {
	return s.inTx(ctx, "mark seen", func(tx *sqlx.Tx) error {
		n, err := s.exec(ctx, tx, "mark seen",
			`UPDATE chat_roster SET lastmsgseen = ?, date = ? WHERE chatid = ? AND userid = ?`,
			msgID, s.now(), chatID, userID)
		if err != nil || n != 0 {
			return err
		}
		_, err = s.insert(ctx, tx, "mark seen",
			`INSERT INTO chat_roster (chatid, userid, lastmsgseen, date) VALUES (?, ?, ?, ?)`,
			chatID, userID, msgID, s.now())
		return err
	})
}

// MarkSeenByAll flags chat messages up to msgID as read by everyone in
// the chat.
func (s *SQL) MarkSeenByAll(ctx context.Context, chatID, msgID int64) error {
	_, err := s.exec(ctx, s.db, "mark seen by all",
		`UPDATE chat_messages SET seenbyall = 1 WHERE chatid = ? AND id <= ?`, chatID, msgID)
	return err
}

func (s *SQL) Tryst(ctx context.Context, id int64) (*Tryst, error) {
	var t Tryst
	ok, err := s.get(ctx, s.db, "tryst", &t, `SELECT id, user1, user2 FROM trysts WHERE id = ?`, id)
	if !ok {
		return nil, err
	}
	return &t, nil
}

// SetTrystResponse stores the calendar response of userID, who must be
// one of the two parties.
func (s *SQL) SetTrystResponse(ctx context.Context, t *Tryst, userID int64, response string) error {
	column := "user1response"
	if t.User2 == userID {
		column = "user2response"
	}
	_, err := s.exec(ctx, s.db, "tryst response", `UPDATE trysts SET `+column+` = ? WHERE id = ?`, response, t.ID)
	return err
}

// AddChatImage records an image as a separate chat message. Like
// CreateChatMessage it is keyed by the fingerprint.
func (s *SQL) AddChatImage(ctx context.Context, img ChatImage) (id int64, created bool, err error) {
	err = s.inTx(ctx, "add chat image", func(tx *sqlx.Tx) error {
		if img.Fingerprint != "" {
			ok, err := s.get(ctx, tx, "add chat image", &id,
				`SELECT id FROM chat_messages WHERE chatid = ? AND fingerprint = ?`, img.ChatID, img.Fingerprint)
			if err != nil || ok {
				return err
			}
		}
		imageID, err := s.insert(ctx, tx, "add chat image",
			`INSERT INTO chat_images (hash) VALUES (?)`, nullable(img.Hash))
		if err != nil {
			return err
		}
		id, err = s.insert(ctx, tx, "add chat image",
			`INSERT INTO chat_messages (chatid, userid, type, date, reviewrequired, reportreason, imageid, fingerprint)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			img.ChatID, img.UserID, ChatMessageImage, s.now(), img.ReviewRequired, nullable(img.ReportReason),
			imageID, nullable(img.Fingerprint))
		if err != nil {
			return err
		}
		created = true
		_, err = s.exec(ctx, tx, "add chat image", `UPDATE chat_images SET chatmsgid = ? WHERE id = ?`, id, imageID)
		return err
	})
	return id, created, err
}
