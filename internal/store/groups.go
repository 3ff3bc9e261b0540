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
	"fmt"
)

const membershipColumns = `id, userid, groupid, role, collection, emailfrequency, eventsallowed, volunteeringallowed, ourPostingStatus`

// GroupByName looks the group up by its short name, case-insensitively.
func (s *SQL) GroupByName(ctx context.Context, name string) (*Group, error) {
	var g Group
	ok, err := s.get(ctx, s.db, "group by name", &g,
		`SELECT id, nameshort, namefull, settings, overridemoderation FROM groups WHERE LOWER(nameshort) = LOWER(?)`, name)
	if !ok {
		return nil, err
	}
	return &g, nil
}

func (s *SQL) Membership(ctx context.Context, userID, groupID int64) (*Membership, error) {
	var m Membership
	ok, err := s.get(ctx, s.db, "membership", &m,
		`SELECT `+membershipColumns+` FROM memberships WHERE userid = ? AND groupid = ?`, userID, groupID)
	if !ok {
		return nil, err
	}
	return &m, nil
}

func (s *SQL) CreateMembership(ctx context.Context, userID, groupID int64, role, collection string, emailFrequency int) (int64, error) {
	return s.insert(ctx, s.db, "create membership",
		`INSERT INTO memberships (userid, groupid, role, collection, emailfrequency, added) VALUES (?, ?, ?, ?, ?, ?)`,
		userID, groupID, role, collection, emailFrequency, s.now())
}

func (s *SQL) DeleteMembership(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, s.db, "delete membership", `DELETE FROM memberships WHERE id = ?`, id)
	return err
}

// SetMembershipValue updates one of the per-group mail preferences.
func (s *SQL) SetMembershipValue(ctx context.Context, id int64, column string, value int) error {
	switch column {
	case "emailfrequency", "eventsallowed", "volunteeringallowed":
	default:
		return fmt.Errorf("%s: unknown membership column %s", modName, column)
	}
	_, err := s.exec(ctx, s.db, "set membership value",
		`UPDATE memberships SET `+column+` = ? WHERE id = ?`, value, id)
	return err
}

// MessageGroups returns the groups a post was placed on.
func (s *SQL) MessageGroups(ctx context.Context, msgID int64) ([]Group, error) {
	var groups []Group
	err := s.db.SelectContext(ctx, &groups, s.rebind(
		`SELECT g.id, g.nameshort, g.namefull, g.settings, g.overridemoderation FROM groups g
		 INNER JOIN messages_groups mg ON mg.groupid = g.id WHERE mg.msgid = ?`), msgID)
	if err != nil {
		return nil, wrapErr("message groups", err)
	}
	return groups, nil
}
