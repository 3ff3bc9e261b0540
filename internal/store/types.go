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
	"time"
)

// Role and collection values as stored in the platform schema.
const (
	RoleMember    = "Member"
	RoleModerator = "Moderator"
	RoleOwner     = "Owner"

	CollectionApproved = "Approved"
	CollectionPending  = "Pending"
	CollectionSpam     = "Spam"
	CollectionIncoming = "Incoming"

	SpamCollectionSpammer = "Spammer"

	ChatUser2User = "User2User"
	ChatUser2Mod  = "User2Mod"

	ChatMessageDefault    = "Default"
	ChatMessageInterested = "Interested"
	ChatMessageImage      = "Image"

	PostingModerated  = "MODERATED"
	PostingProhibited = "PROHIBITED"

	OverrideModerateAll = "ModerateAll"
)

type User struct {
	ID                 int64      `db:"id"`
	FullName           *string    `db:"fullname"`
	SystemRole         string     `db:"systemrole"`
	Bouncing           bool       `db:"bouncing"`
	Deleted            *time.Time `db:"deleted"`
	LastLocation       *int64     `db:"lastlocation"`
	Settings           *string    `db:"settings"`
	NewslettersAllowed bool       `db:"newslettersallowed"`
	RelevantAllowed    bool       `db:"relevantallowed"`
}

func (u *User) IsModerator() bool {
	return u.SystemRole == RoleModerator || u.SystemRole == "Support" || u.SystemRole == "Admin"
}

type UserEmail struct {
	ID        int64      `db:"id"`
	UserID    *int64     `db:"userid"`
	Email     string     `db:"email"`
	Canon     *string    `db:"canon"`
	Preferred bool       `db:"preferred"`
	Bounced   *time.Time `db:"bounced"`
}

type Group struct {
	ID                 int64   `db:"id"`
	NameShort          string  `db:"nameshort"`
	NameFull           *string `db:"namefull"`
	Settings           *string `db:"settings"`
	OverrideModeration string  `db:"overridemoderation"`
}

type Membership struct {
	ID                  int64   `db:"id"`
	UserID              int64   `db:"userid"`
	GroupID             int64   `db:"groupid"`
	Role                string  `db:"role"`
	Collection          string  `db:"collection"`
	EmailFrequency      int     `db:"emailfrequency"`
	EventsAllowed       bool    `db:"eventsallowed"`
	VolunteeringAllowed bool    `db:"volunteeringallowed"`
	PostingStatus       *string `db:"ourPostingStatus"`
}

func (m *Membership) IsModerator() bool {
	return m.Role == RoleModerator || m.Role == RoleOwner
}

type Chat struct {
	ID            int64      `db:"id"`
	ChatType      string     `db:"chattype"`
	User1         *int64     `db:"user1"`
	User2         *int64     `db:"user2"`
	GroupID       *int64     `db:"groupid"`
	LatestMessage *time.Time `db:"latestmessage"`
}

type ChatMessage struct {
	ChatID         int64
	UserID         int64
	Type           string
	Message        string
	RefMsgID       *int64
	ReviewRequired bool
	ReportReason   string
	SpamScore      *float64
	// Fingerprint identifies the inbound mail the chat message came from,
	// a second message with the same fingerprint in a chat is not created.
	Fingerprint string
}

// ChatImage is an image sent into a chat. Each image becomes its own chat
// message.
type ChatImage struct {
	ChatID         int64
	UserID         int64
	Hash           string
	ReviewRequired bool
	ReportReason   string
	Fingerprint    string
}

// StoredMessage is a post previously recorded in messages.
type StoredMessage struct {
	ID       int64      `db:"id"`
	FromUser *int64     `db:"fromuser"`
	Subject  *string    `db:"subject"`
	Arrival  time.Time  `db:"arrival"`
	Date     *time.Time `db:"date"`
}

// InboundRecord is a row for messages, used both for group posts and for
// mail that only needs to be counted later (chat replies, volunteer mail).
type InboundRecord struct {
	FromUser     *int64
	FromName     string
	FromAddr     string
	FromIP       string
	EnvelopeFrom string
	EnvelopeTo   string
	Subject      string
	MessageID    string
	TextBody     string
	Date         *time.Time
	Source       string
	PartnerID    string
	Lat, Lng     *float64
	SpamType     string
	SpamReason   string
}

// GroupPost adds group placement to an InboundRecord.
type GroupPost struct {
	InboundRecord
	GroupID       int64
	Collection    string
	PrunedSubject string
}

type SpamKeyword struct {
	ID      int64   `db:"id"`
	Word    string  `db:"word"`
	Exclude *string `db:"exclude"`
	Action  string  `db:"action"`
	Type    string  `db:"type"`
}

type WorryWord struct {
	ID      int64  `db:"id"`
	Keyword string `db:"keyword"`
	Type    string `db:"type"`
}

type Tryst struct {
	ID    int64 `db:"id"`
	User1 int64 `db:"user1"`
	User2 int64 `db:"user2"`
}
