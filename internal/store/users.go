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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

const userColumns = `id, fullname, systemrole, bouncing, deleted, lastlocation, settings, newslettersallowed, relevantallowed`

func (s *SQL) now() interface{} {
	return s.Now().UTC()
}

// emailEq compares the email column with a parameter ignoring case. The
// MySQL schema uses a case-insensitive collation which keeps the index
// usable, other databases need LOWER on both sides.
func (s *SQL) emailEq() string {
	if s.driver == "mysql" {
		return "email = ?"
	}
	return "LOWER(email) = LOWER(?)"
}

func (s *SQL) User(ctx context.Context, id int64) (*User, error) {
	var u User
	ok, err := s.get(ctx, s.db, "user", &u, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	if !ok {
		return nil, err
	}
	return &u, nil
}

// UserIDByEmail returns the owner of an address, or 0. Case is ignored.
func (s *SQL) UserIDByEmail(ctx context.Context, email string) (int64, error) {
	var id int64
	_, err := s.get(ctx, s.db, "user by email", &id,
		`SELECT userid FROM users_emails WHERE `+s.emailEq()+` AND userid IS NOT NULL ORDER BY id LIMIT 1`, email)
	return id, err
}

// UserIDByCanon returns the owner of an address with the given canonical
// form, or 0. The earliest registered address wins.
func (s *SQL) UserIDByCanon(ctx context.Context, canon string) (int64, error) {
	var id int64
	_, err := s.get(ctx, s.db, "user by canon", &id,
		`SELECT userid FROM users_emails WHERE canon = ? AND userid IS NOT NULL ORDER BY id LIMIT 1`, canon)
	return id, err
}

// UserEmail looks the address up for userID first and falls back to the
// address alone. userID 0 skips the first lookup. Case is ignored, DSNs
// often carry the address as the sender typed it.
func (s *SQL) UserEmail(ctx context.Context, userID int64, email string) (*UserEmail, error) {
	const cols = `SELECT id, userid, email, canon, preferred, bounced FROM users_emails`
	var ue UserEmail
	if userID != 0 {
		ok, err := s.get(ctx, s.db, "user email", &ue, cols+` WHERE userid = ? AND `+s.emailEq(), userID, email)
		if err != nil {
			return nil, err
		}
		if ok {
			return &ue, nil
		}
	}
	ok, err := s.get(ctx, s.db, "user email", &ue, cols+` WHERE `+s.emailEq()+` ORDER BY id LIMIT 1`, email)
	if !ok {
		return nil, err
	}
	return &ue, nil
}

func (s *SQL) PreferredEmail(ctx context.Context, userID int64) (*UserEmail, error) {
	var ue UserEmail
	ok, err := s.get(ctx, s.db, "preferred email", &ue,
		`SELECT id, userid, email, canon, preferred, bounced FROM users_emails
		 WHERE userid = ? AND preferred = 1 ORDER BY id LIMIT 1`, userID)
	if !ok {
		return nil, err
	}
	return &ue, nil
}

// AddEmail attaches email to the user unless it is already known. An
// address that belongs to someone else is left alone.
func (s *SQL) AddEmail(ctx context.Context, userID int64, email, canon string, preferred bool) error {
	known, err := s.exists(ctx, "add email", `SELECT id FROM users_emails WHERE `+s.emailEq(), email)
	if err != nil || known {
		return err
	}
	_, err = s.insert(ctx, s.db, "add email",
		`INSERT INTO users_emails (userid, email, canon, preferred, added) VALUES (?, ?, ?, ?, ?)`,
		userID, email, canon, preferred, s.now())
	return err
}

func (s *SQL) CreateUser(ctx context.Context, fullName, email, canon string) (int64, error) {
	var id int64
	err := s.inTx(ctx, "create user", func(tx *sqlx.Tx) error {
		var err error
		id, err = s.insert(ctx, tx, "create user",
			`INSERT INTO users (fullname, added) VALUES (?, ?)`, fullName, s.now())
		if err != nil {
			return err
		}
		_, err = s.insert(ctx, tx, "create user",
			`INSERT INTO users_emails (userid, email, canon, preferred, added) VALUES (?, ?, ?, 1, ?)`,
			id, email, canon, s.now())
		return err
	})
	return id, err
}

// IsSpammer reports whether the user is on the confirmed spammer list.
func (s *SQL) IsSpammer(ctx context.Context, userID int64) (bool, error) {
	return s.exists(ctx, "is spammer",
		`SELECT id FROM spam_users WHERE userid = ? AND collection = ?`, userID, SpamCollectionSpammer)
}

func (s *SQL) TouchLastAccess(ctx context.Context, userID int64) error {
	_, err := s.exec(ctx, s.db, "touch last access", `UPDATE users SET lastaccess = ? WHERE id = ?`, s.now(), userID)
	return err
}

// SetUserFlag sets one of the per-user mail opt-in columns.
func (s *SQL) SetUserFlag(ctx context.Context, userID int64, column string, value bool) error {
	switch column {
	case "newslettersallowed", "relevantallowed":
	default:
		return fmt.Errorf("%s: unknown user flag %s", modName, column)
	}
	_, err := s.exec(ctx, s.db, "set user flag", `UPDATE users SET `+column+` = ? WHERE id = ?`, value, userID)
	return err
}

// SetUserSettings merges values into the JSON settings blob of the user.
// Keys containing a dot address nested objects.
func (s *SQL) SetUserSettings(ctx context.Context, userID int64, values map[string]interface{}) error {
	return s.inTx(ctx, "set user settings", func(tx *sqlx.Tx) error {
		var raw *string
		if _, err := s.get(ctx, tx, "set user settings", &raw, `SELECT settings FROM users WHERE id = ?`, userID); err != nil {
			return err
		}
		settings := map[string]interface{}{}
		if raw != nil && *raw != "" {
			// Broken settings are replaced rather than blocking the update.
			if err := json.Unmarshal([]byte(*raw), &settings); err != nil {
				s.Log.Error("malformed user settings", err, "user_id", userID)
				settings = map[string]interface{}{}
			}
		}
		for k, v := range values {
			setPath(settings, strings.Split(k, "."), v)
		}
		blob, err := json.Marshal(settings)
		if err != nil {
			return err
		}
		_, err = s.exec(ctx, tx, "set user settings", `UPDATE users SET settings = ? WHERE id = ?`, string(blob), userID)
		return err
	})
}

func setPath(m map[string]interface{}, path []string, v interface{}) {
	if len(path) == 1 {
		m[path[0]] = v
		return
	}
	sub, ok := m[path[0]].(map[string]interface{})
	if !ok {
		sub = map[string]interface{}{}
		m[path[0]] = sub
	}
	setPath(sub, path[1:], v)
}

// DisableAllMail turns off every kind of mail the platform sends to the
// user. It is used for spam complaints.
func (s *SQL) DisableAllMail(ctx context.Context, userID int64) error {
	err := s.inTx(ctx, "disable all mail", func(tx *sqlx.Tx) error {
		if _, err := s.exec(ctx, tx, "disable all mail",
			`UPDATE memberships SET emailfrequency = 0, eventsallowed = 0, volunteeringallowed = 0 WHERE userid = ?`,
			userID); err != nil {
			return err
		}
		_, err := s.exec(ctx, tx, "disable all mail",
			`UPDATE users SET relevantallowed = 0, newslettersallowed = 0 WHERE id = ?`, userID)
		return err
	})
	if err != nil {
		return err
	}
	return s.SetUserSettings(ctx, userID, map[string]interface{}{
		"notifications.email":     false,
		"notifications.emailmine": false,
		"notificationmails":       false,
		"engagement":              false,
	})
}

// LinkLoginMatches reports whether key is a Link login credential of the
// user. The comparison is case-insensitive.
func (s *SQL) LinkLoginMatches(ctx context.Context, userID int64, key string) (bool, error) {
	return s.exists(ctx, "link login",
		`SELECT id FROM users_logins WHERE userid = ? AND type = 'Link' AND LOWER(credentials) = LOWER(?)`,
		userID, key)
}

func (s *SQL) MarkUserDeleted(ctx context.Context, userID int64) error {
	_, err := s.exec(ctx, s.db, "mark deleted", `UPDATE users SET deleted = ? WHERE id = ?`, s.now(), userID)
	return err
}

// IsModeratorAnywhere reports whether the user moderates any group or
// has a privileged system role.
func (s *SQL) IsModeratorAnywhere(ctx context.Context, userID int64) (bool, error) {
	u, err := s.User(ctx, userID)
	if err != nil || u == nil {
		return false, err
	}
	if u.IsModerator() {
		return true, nil
	}
	return s.exists(ctx, "is moderator",
		`SELECT id FROM memberships WHERE userid = ? AND role IN ('Moderator', 'Owner')`, userID)
}
