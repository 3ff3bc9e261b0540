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

// Package message turns a raw inbound message plus its SMTP envelope into
// an immutable record with routing hints derived from the envelope
// recipient and the message content.
package message

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// Message is the normalized form of an inbound message. Fields are never
// modified after Normalize returns.
type Message struct {
	Raw          []byte
	EnvelopeFrom string
	EnvelopeTo   string

	Subject     string
	FromAddress string
	FromName    string
	To          []string
	MessageID   string
	Date        *time.Time

	TextBody string
	HTMLBody string
	// Images are the image parts of the message, inline or attached.
	Images []Attachment

	// Header contains all header fields with lower-cased keys. Repeated
	// fields are joined with ", ".
	Header map[string]string

	TargetGroupName      *string
	IsToVolunteers       bool
	IsToAuto             bool
	IsSubscribeCommand   bool
	IsUnsubscribeCommand bool

	BounceRecipient  string
	BounceStatus     string
	BounceDiagnostic string

	ChatID        *int64
	ChatUserID    *int64
	ChatMessageID *int64

	CommandUserID  *int64
	CommandGroupID *int64

	SenderIP string

	partnerDomain string
}

type Attachment struct {
	ContentType string
	Data        []byte
}

// Get returns the header value, name is case-insensitive.
func (m *Message) Get(name string) string {
	return m.Header[strings.ToLower(name)]
}

func (m *Message) Has(name string) bool {
	_, ok := m.Header[strings.ToLower(name)]
	return ok
}

// EnvelopeToLocal returns the local part of the envelope recipient.
func (m *Message) EnvelopeToLocal() string {
	local, _, _ := strings.Cut(m.EnvelopeTo, "@")
	return local
}

func (m *Message) IsBounce() bool {
	return m.BounceRecipient != "" || m.BounceStatus != ""
}

func (m *Message) IsPermanentBounce() bool {
	return strings.HasPrefix(m.BounceStatus, "5")
}

func (m *Message) IsChatNotificationReply() bool {
	return m.ChatID != nil
}

// IsAutoReply follows RFC 3834: any Auto-Submitted value other than "no"
// marks an automatic message.
func (m *Message) IsAutoReply() bool {
	if !m.Has("Auto-Submitted") {
		return false
	}
	return !strings.EqualFold(strings.TrimSpace(m.Get("Auto-Submitted")), "no")
}

func (m *Message) IsDigestOffCommand() bool {
	return strings.HasPrefix(m.EnvelopeToLocal(), "digestoff-")
}

// IsFromTrustedPartner reports whether the message claims to come from the
// posting partner. The claim is verified separately against the shared
// secret where it matters.
func (m *Message) IsFromTrustedPartner() bool {
	if m.Has("X-Trash-Nothing-Secret") {
		return true
	}
	return m.partnerDomain != "" && strings.Contains(m.EnvelopeFrom, m.partnerDomain)
}

func (m *Message) PartnerSecret() string {
	return m.Get("X-Trash-Nothing-Secret")
}

func (m *Message) PartnerPostID() string {
	return m.Get("X-Trash-Nothing-Post-ID")
}

func (m *Message) PartnerSource() string {
	return m.Get("X-Trash-Nothing-Source")
}

func (m *Message) PartnerCoordinates() string {
	return m.Get("X-Trash-Nothing-Post-Coordinates")
}

// RoutingFingerprint hashes the fields that influence routing. Two
// messages with the same fingerprint take the same branch.
func (m *Message) RoutingFingerprint() string {
	data, _ := json.Marshal([]interface{}{
		m.EnvelopeFrom,
		m.EnvelopeTo,
		m.TargetGroupName,
		m.IsBounce(),
		m.IsChatNotificationReply(),
		m.IsSubscribeCommand,
		m.IsUnsubscribeCommand,
		m.IsDigestOffCommand(),
		m.IsAutoReply(),
	})
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// ContentFingerprint identifies a particular delivery of a message. It is
// stable across MTA retries of the same message.
func (m *Message) ContentFingerprint() string {
	h := md5.New()
	h.Write([]byte(m.EnvelopeFrom))
	h.Write([]byte{0})
	h.Write([]byte(m.EnvelopeTo))
	h.Write([]byte{0})
	h.Write(m.Raw)
	return hex.EncodeToString(h.Sum(nil))
}

// BodyText returns the text body, falling back to HTML converted to plain
// text.
func (m *Message) BodyText() string {
	if strings.TrimSpace(m.TextBody) != "" {
		return m.TextBody
	}
	if m.HTMLBody != "" {
		return HTMLToText(m.HTMLBody)
	}
	return ""
}
