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
	"strings"

	"github.com/jmoiron/sqlx"
)

func (s *SQL) Message(ctx context.Context, id int64) (*StoredMessage, error) {
	var m StoredMessage
	ok, err := s.get(ctx, s.db, "message", &m,
		`SELECT id, fromuser, subject, arrival, date FROM messages WHERE id = ?`, id)
	if !ok {
		return nil, err
	}
	return &m, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *SQL) insertMessage(ctx context.Context, q queryer, r InboundRecord, msgType string) (int64, error) {
	source := r.Source
	if source == "" {
		source = "Email"
	}
	return s.insert(ctx, q, "record message",
		`INSERT INTO messages (arrival, date, source, fromuser, fromname, fromaddr, fromip, envelopefrom, envelopeto,
			subject, messageid, textbody, type, tnpostid, lat, lng, spamtype, spamreason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.now(), r.Date, source, r.FromUser, nullable(r.FromName), r.FromAddr, nullable(r.FromIP),
		r.EnvelopeFrom, r.EnvelopeTo, r.Subject, nullable(r.MessageID), r.TextBody, nullable(msgType),
		nullable(r.PartnerID), r.Lat, r.Lng, nullable(r.SpamType), nullable(r.SpamReason))
}

// RecordInbound stores mail that is not a group post so that later
// reputation counts see it.
func (s *SQL) RecordInbound(ctx context.Context, r InboundRecord) (int64, error) {
	// Message-IDs are unique in messages, repeated deliveries keep the
	// first row.
	if r.MessageID != "" {
		var id int64
		ok, err := s.get(ctx, s.db, "record inbound", &id, `SELECT id FROM messages WHERE messageid = ?`, r.MessageID)
		if err != nil || ok {
			return id, err
		}
	}
	return s.insertMessage(ctx, s.db, r, "")
}

// RecordGroupPost stores a post in messages, places it in the group
// collection and appends it to the posting history used by the IP and
// subject reputation checks.
func (s *SQL) RecordGroupPost(ctx context.Context, p GroupPost) (int64, error) {
	var id int64
	err := s.inTx(ctx, "record group post", func(tx *sqlx.Tx) error {
		if p.MessageID != "" {
			ok, err := s.get(ctx, tx, "record group post", &id, `SELECT id FROM messages WHERE messageid = ?`, p.MessageID)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}

		var err error
		id, err = s.insertMessage(ctx, tx, p.InboundRecord, postType(p.Subject))
		if err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, "record group post",
			`INSERT INTO messages_groups (msgid, groupid, collection, msgtype, arrival) VALUES (?, ?, ?, ?, ?)`,
			id, p.GroupID, p.Collection, nullable(postType(p.Subject)), s.now()); err != nil {
			return err
		}
		_, err = s.insert(ctx, tx, "record group post",
			`INSERT INTO messages_history (arrival, msgid, groupid, source, fromuser, fromname, fromaddr, fromip,
				envelopefrom, envelopeto, subject, prunedsubject, messageid)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.now(), id, p.GroupID, "Email", p.FromUser, nullable(p.FromName), p.FromAddr, nullable(p.FromIP),
			p.EnvelopeFrom, p.EnvelopeTo, p.Subject, p.PrunedSubject, nullable(p.MessageID))
		return err
	})
	return id, err
}

func postType(subject string) string {
	for _, t := range []string{"Offer", "Wanted", "Taken", "Received"} {
		if len(subject) >= len(t)+1 && strings.EqualFold(subject[:len(t)], t) && subject[len(t)] == ':' {
			return t
		}
	}
	return "Other"
}
