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

// Package bounce implements bounce classification and recording together
// with the suspension policy for users whose mail keeps bouncing.
package bounce

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/freegle/inboundrouter/framework/log"
	"github.com/freegle/inboundrouter/internal/message"
	"github.com/freegle/inboundrouter/internal/store"
)

const modName = "bounce"

// Suspension thresholds. Only bounces that have not been reset count.
const (
	DefaultPermanentLimit = 3
	DefaultTotalLimit     = 50
)

// Store is the part of the data store used by the classifier.
type Store interface {
	UserEmail(ctx context.Context, userID int64, email string) (*store.UserEmail, error)
	RecordBounce(ctx context.Context, b store.Bounce) (bool, error)
	User(ctx context.Context, id int64) (*store.User, error)
	PreferredEmail(ctx context.Context, userID int64) (*store.UserEmail, error)
	BounceCounts(ctx context.Context, emailID int64) (permanent, total int, err error)
	SuspendUser(ctx context.Context, userID int64) (bool, error)
}

// Archive keeps raw bounces that could not be parsed.
type Archive interface {
	SaveBounce(raw []byte) (string, error)
}

// Reporter receives problems that need human attention.
type Reporter interface {
	Report(ctx context.Context, event string, fields map[string]interface{})
}

// Result describes what happened to one bounce.
type Result struct {
	Success   bool
	Error     string
	UserID    int64
	Permanent bool
	Suspended bool
	Ignored   bool
}

const (
	ErrUnparseable      = "unparseable"
	ErrUnknownRecipient = "unknown_recipient"
)

type Classifier struct {
	Store    Store
	Archive  Archive
	Reporter Reporter
	Log      log.Logger

	PermanentLimit int
	TotalLimit     int
}

func New(st Store, archive Archive, reporter Reporter) *Classifier {
	return &Classifier{
		Store:          st,
		Archive:        archive,
		Reporter:       reporter,
		Log:            log.Logger{Name: modName},
		PermanentLimit: DefaultPermanentLimit,
		TotalLimit:     DefaultTotalLimit,
	}
}

// Process handles a raw bounce received outside of normal routing, e.g.
// when reprocessing archived bounces. The raw message must be a parseable
// DSN.
//
// The returned error is set only for store failures. Other problems are
// described by Result.Error.
func (c *Classifier) Process(ctx context.Context, raw []byte, envelopeTo string) (Result, error) {
	dsn := ParseDSN(raw)
	if dsn == nil {
		c.unparseable(ctx, raw, envelopeTo)
		return Result{Error: ErrUnparseable}, nil
	}
	return c.record(ctx, dsn, envelopeTo, raw)
}

// RecordInline handles a bounce found during routing. Fields extracted by
// the normalizer are preferred, the raw message is parsed only when they
// are incomplete.
func (c *Classifier) RecordInline(ctx context.Context, msg *message.Message) (Result, error) {
	dsn := &DSN{
		Recipient:  msg.BounceRecipient,
		Status:     msg.BounceStatus,
		Diagnostic: msg.BounceDiagnostic,
	}
	if dsn.Recipient == "" || dsn.Diagnostic == "" {
		parsed := ParseDSN(msg.Raw)
		if parsed == nil && dsn.Recipient == "" {
			c.unparseable(ctx, msg.Raw, msg.EnvelopeTo)
			return Result{Error: ErrUnparseable}, nil
		}
		if parsed != nil {
			if dsn.Recipient == "" {
				dsn.Recipient = parsed.Recipient
			}
			if dsn.Diagnostic == "" {
				dsn.Diagnostic = parsed.Diagnostic
			}
			if dsn.Status == "" {
				dsn.Status = parsed.Status
			}
		}
	}
	if dsn.Diagnostic == "" {
		// The normalizer found a recipient and a status but no text.
		dsn.Diagnostic = dsn.Status
	}
	return c.record(ctx, dsn, msg.EnvelopeTo, msg.Raw)
}

// fingerprint identifies a bounce message across MTA retries and
// reprocessing of the archived copy.
func fingerprint(envelopeTo string, raw []byte) string {
	h := md5.New()
	h.Write([]byte(envelopeTo))
	h.Write([]byte{0})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}

// record stores the bounce and applies the suspension policy. A retry of
// a message that failed after the bounce was stored does not store it
// again but still runs the suspension check.
func (c *Classifier) record(ctx context.Context, dsn *DSN, envelopeTo string, raw []byte) (Result, error) {
	if IsIgnored(dsn.Diagnostic) {
		bouncesCnt.WithLabelValues("ignored").Inc()
		c.Log.DebugMsg("ignoring bounce", "diagnostic", dsn.Diagnostic)
		return Result{Success: true, Ignored: true}, nil
	}

	ue, err := c.Store.UserEmail(ctx, VERPUserID(envelopeTo), dsn.Recipient)
	if err != nil {
		return Result{}, fmt.Errorf("%s: user email lookup: %w", modName, err)
	}
	if ue == nil || ue.UserID == nil {
		bouncesCnt.WithLabelValues("unknown_recipient").Inc()
		c.Log.Msg("bounce recipient not found", "recipient", dsn.Recipient, "envelope_to", envelopeTo)
		return Result{Error: ErrUnknownRecipient}, nil
	}
	userID := *ue.UserID

	permanent := IsPermanent(dsn.Status, dsn.Diagnostic)
	recorded, err := c.Store.RecordBounce(ctx, store.Bounce{
		EmailID:     ue.ID,
		Reason:      dsn.Diagnostic,
		Permanent:   permanent,
		Fingerprint: fingerprint(envelopeTo, raw),
	})
	if err != nil {
		return Result{}, err
	}
	switch {
	case !recorded:
		bouncesCnt.WithLabelValues("duplicate").Inc()
		c.Log.Msg("bounce already recorded", "user_id", userID, "email", dsn.Recipient)
	case permanent:
		bouncesCnt.WithLabelValues("permanent").Inc()
	default:
		bouncesCnt.WithLabelValues("temporary").Inc()
	}

	suspended, err := c.CheckSuspend(ctx, userID)
	if err != nil {
		return Result{}, err
	}

	c.Log.Msg("bounce recorded", "user_id", userID, "email", dsn.Recipient,
		"permanent", permanent, "suspended", suspended)
	return Result{Success: true, UserID: userID, Permanent: permanent, Suspended: suspended}, nil
}

// CheckSuspend suspends the user if the preferred address has bounced too
// often. Users that are already suspended or have no preferred address are
// left alone.
func (c *Classifier) CheckSuspend(ctx context.Context, userID int64) (bool, error) {
	u, err := c.Store.User(ctx, userID)
	if err != nil {
		return false, err
	}
	if u == nil || u.Bouncing {
		return false, nil
	}

	pref, err := c.Store.PreferredEmail(ctx, userID)
	if err != nil {
		return false, err
	}
	if pref == nil {
		return false, nil
	}

	permanent, total, err := c.Store.BounceCounts(ctx, pref.ID)
	if err != nil {
		return false, err
	}
	if permanent < c.PermanentLimit && total < c.TotalLimit {
		return false, nil
	}

	changed, err := c.Store.SuspendUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if changed {
		suspendedCnt.Inc()
		c.Log.Msg("user suspended for bouncing", "user_id", userID, "email", pref.Email,
			"permanent", permanent, "total", total)
	}
	return changed, nil
}

const previewLen = 500

func (c *Classifier) unparseable(ctx context.Context, raw []byte, envelopeTo string) {
	bouncesCnt.WithLabelValues("unparseable").Inc()
	c.Log.Msg("cannot parse bounce", "envelope_to", envelopeTo, "raw_length", len(raw))

	if c.Archive != nil {
		path, err := c.Archive.SaveBounce(raw)
		if err != nil {
			c.Log.Error("cannot archive unparseable bounce", err, "envelope_to", envelopeTo)
		} else {
			c.Log.DebugMsg("unparseable bounce archived", "path", path)
		}
	}

	if c.Reporter != nil {
		preview := raw
		if len(preview) > previewLen {
			preview = preview[:previewLen]
		}
		c.Reporter.Report(ctx, "unparseable bounce", map[string]interface{}{
			"envelope_to": envelopeTo,
			"raw_length":  len(raw),
			"raw_preview": string(preview),
		})
	}
}
