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

package message

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/freegle/inboundrouter/framework/address"
	"github.com/freegle/inboundrouter/framework/log"
)

// Domains names the mail domains the platform receives mail for.
type Domains struct {
	// Group is the domain of group addresses (group@, group-volunteers@).
	Group string
	// User is the domain of per-user addresses (notify-, digestoff-,
	// replyto-, bounce- ...).
	User string
	// Partner is the domain the posting partner sends from.
	Partner string
}

// Normalizer builds Message values. It never fails, malformed parts of the
// input leave the corresponding fields empty.
type Normalizer struct {
	Domains Domains
	Log     log.Logger
}

// maxPartSize bounds how much of a single body part is read.
const maxPartSize = 16 * 1024 * 1024

type groupSuffix struct {
	suffix string
	apply  func(m *Message)
}

var groupSuffixes = []groupSuffix{
	{"-volunteers", func(m *Message) { m.IsToVolunteers = true }},
	{"-auto", func(m *Message) { m.IsToAuto = true }},
	{"-subscribe", func(*Message) {}},
	{"-unsubscribe", func(*Message) {}},
}

func (n Normalizer) Normalize(raw []byte, envelopeFrom, envelopeTo string) *Message {
	m := &Message{
		Raw:           raw,
		EnvelopeFrom:  envelopeFrom,
		EnvelopeTo:    envelopeTo,
		Header:        make(map[string]string),
		partnerDomain: n.Domains.Partner,
	}

	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		n.Log.DebugMsg("cannot parse message", "reason", err.Error(), "envelope_to", envelopeTo)
		ent = nil
	}

	var parts []part
	if ent != nil {
		n.readHeader(m, ent.Header)
		parts = n.collectParts(ent)
		for _, p := range parts {
			switch {
			case strings.HasPrefix(p.mediaType, "image/") && len(p.body) != 0:
				m.Images = append(m.Images, Attachment{ContentType: p.mediaType, Data: p.body})
			case p.attachment:
			case p.mediaType == "text/plain" && m.TextBody == "":
				m.TextBody = string(p.body)
			case p.mediaType == "text/html" && m.HTMLBody == "":
				m.HTMLBody = string(p.body)
			}
		}
	}

	n.routingHints(m)
	n.bounceHints(m, ent, parts)
	m.SenderIP = senderIP(m)

	return m
}

func (n Normalizer) readHeader(m *Message, h message.Header) {
	for f := h.Fields(); f.Next(); {
		key := strings.ToLower(f.Key())
		if prev, ok := m.Header[key]; ok {
			m.Header[key] = prev + ", " + f.Value()
		} else {
			m.Header[key] = f.Value()
		}
	}

	mh := mail.Header{Header: h}

	if subj, err := mh.Subject(); err == nil {
		m.Subject = subj
	} else {
		m.Subject = h.Get("Subject")
	}

	if from, err := mh.AddressList("From"); err == nil && len(from) != 0 {
		m.FromAddress = from[0].Address
		if from[0].Name != "" && from[0].Name != from[0].Address {
			m.FromName = from[0].Name
		}
	}

	if to, err := mh.AddressList("To"); err == nil {
		for _, addr := range to {
			if addr.Address != "" {
				m.To = append(m.To, addr.Address)
			}
		}
	}

	if id := h.Get("Message-Id"); id != "" {
		m.MessageID = strings.Trim(strings.TrimSpace(id), "<>")
	}

	if h.Has("Date") {
		if date, err := mh.Date(); err == nil {
			m.Date = &date
		}
	}
}

type part struct {
	mediaType  string
	params     map[string]string
	attachment bool
	body       []byte
}

// collectParts flattens the MIME tree into its leaf parts.
func (n Normalizer) collectParts(ent *message.Entity) []part {
	var parts []part
	err := ent.Walk(func(_ []int, e *message.Entity, err error) error {
		if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return err
		}

		p := part{mediaType: "text/plain"}
		if mt, params, err := e.Header.ContentType(); err == nil && mt != "" {
			p.mediaType = strings.ToLower(mt)
			p.params = params
		}
		if strings.HasPrefix(p.mediaType, "multipart/") {
			return nil
		}
		if disp, _, err := e.Header.ContentDisposition(); err == nil {
			p.attachment = strings.EqualFold(disp, "attachment")
		}
		p.body, err = io.ReadAll(io.LimitReader(e.Body, maxPartSize))
		if err != nil {
			n.Log.DebugMsg("cannot read body part", "reason", err.Error(), "content_type", p.mediaType)
		}
		parts = append(parts, p)
		return nil
	})
	if err != nil {
		n.Log.DebugMsg("cannot walk MIME tree", "reason", err.Error())
	}
	return parts
}

func (n Normalizer) routingHints(m *Message) {
	local, domain, err := address.Split(m.EnvelopeTo)
	if err != nil {
		return
	}

	m.IsSubscribeCommand = strings.HasSuffix(local, "-subscribe")
	m.IsUnsubscribeCommand = strings.HasSuffix(local, "-unsubscribe")

	switch {
	case n.Domains.Group != "" && strings.EqualFold(domain, n.Domains.Group):
		name := local
		for _, s := range groupSuffixes {
			if strings.HasSuffix(local, s.suffix) {
				name = strings.TrimSuffix(local, s.suffix)
				s.apply(m)
				break
			}
		}
		m.TargetGroupName = &name
	case n.Domains.User != "" && strings.EqualFold(domain, n.Domains.User):
		if rest, ok := strings.CutPrefix(local, "notify-"); ok {
			ids := strings.Split(rest, "-")
			if len(ids) >= 2 {
				m.ChatID = parseID(ids[0])
				m.ChatUserID = parseID(ids[1])
				if len(ids) >= 3 {
					m.ChatMessageID = parseID(ids[2])
				}
			}
		}
		if rest, ok := strings.CutPrefix(local, "digestoff-"); ok {
			ids := strings.Split(rest, "-")
			if len(ids) >= 2 {
				m.CommandUserID = parseID(ids[0])
				m.CommandGroupID = parseID(ids[1])
			}
		}
	}
}

func parseID(s string) *int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &id
}

var ipHeaders = []struct {
	name string
	trim string
}{
	{"X-Freegle-IP", ""},
	{"X-Originating-IP", "[]"},
	{"X-Trash-Nothing-User-IP", ""},
}

func senderIP(m *Message) string {
	for _, h := range ipHeaders {
		if m.Has(h.name) {
			return strings.Trim(strings.TrimSpace(m.Get(h.name)), h.trim)
		}
	}
	return ""
}
