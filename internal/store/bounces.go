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

// Bounce is one delivery failure reported for an address.
type Bounce struct {
	EmailID   int64
	Reason    string
	Permanent bool
	// Fingerprint identifies the bounce message. A bounce with a
	// fingerprint already recorded for the address is not stored again.
	Fingerprint string
}

// RecordBounce stores a bounce against the address. Only permanent
// bounces mark the address itself as bounced. It reports false if the
// bounce was recorded before.
func (s *SQL) RecordBounce(ctx context.Context, b Bounce) (recorded bool, err error) {
	var fp *string
	if b.Fingerprint != "" {
		fp = &b.Fingerprint
	}
	err = s.inTx(ctx, "record bounce", func(tx *sqlx.Tx) error {
		if fp != nil {
			var id int64
			seen, err := s.get(ctx, tx, "record bounce", &id,
				`SELECT id FROM bounces_emails WHERE emailid = ? AND fingerprint = ? LIMIT 1`, b.EmailID, *fp)
			if err != nil || seen {
				return err
			}
		}
		if _, err := s.insert(ctx, tx, "record bounce",
			`INSERT INTO bounces_emails (emailid, reason, permanent, reset, date, fingerprint) VALUES (?, ?, ?, 0, ?, ?)`,
			b.EmailID, b.Reason, b.Permanent, s.now(), fp); err != nil {
			return err
		}
		recorded = true
		if !b.Permanent {
			return nil
		}
		_, err := s.exec(ctx, tx, "record bounce", `UPDATE users_emails SET bounced = ? WHERE id = ?`, s.now(), b.EmailID)
		return err
	})
	if err != nil {
		return false, err
	}
	return recorded, nil
}

// BounceCounts returns the number of permanent and of all bounces for the
// address that have not been reset.
func (s *SQL) BounceCounts(ctx context.Context, emailID int64) (permanent, total int, err error) {
	var row struct {
		Permanent *int `db:"permanent"`
		Total     int  `db:"total"`
	}
	if _, err := s.get(ctx, s.db, "bounce counts", &row,
		`SELECT SUM(CASE WHEN permanent = 1 THEN 1 ELSE 0 END) AS permanent, COUNT(*) AS total
		 FROM bounces_emails WHERE emailid = ? AND reset = 0`, emailID); err != nil {
		return 0, 0, err
	}
	if row.Permanent != nil {
		permanent = *row.Permanent
	}
	return permanent, row.Total, nil
}

// SuspendUser sets the bouncing flag. It reports false if the flag was
// already set, concurrent callers therefore suspend a user only once.
func (s *SQL) SuspendUser(ctx context.Context, userID int64) (bool, error) {
	n, err := s.exec(ctx, s.db, "suspend user", `UPDATE users SET bouncing = 1 WHERE id = ? AND bouncing = 0`, userID)
	return n != 0, err
}
