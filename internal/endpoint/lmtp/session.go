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

package lmtp

import (
	"bytes"
	"context"
	"io"

	"github.com/emersion/go-smtp"
	"github.com/freegle/inboundrouter/framework/log"
	"github.com/freegle/inboundrouter/internal/router"
)

// Sent for Failure outcomes, the MTA keeps the message and retries.
var errTempFail = &smtp.SMTPError{
	Code:         451,
	EnhancedCode: smtp.EnhancedCode{4, 3, 0},
	Message:      "Temporary routing failure, try again later",
}

// Sent when a limiter could not be acquired in time.
var errBusy = &smtp.SMTPError{
	Code:         451,
	EnhancedCode: smtp.EnhancedCode{4, 4, 5},
	Message:      "Too busy, try again later",
}

type session struct {
	endp *Endpoint
	log  log.Logger

	mailFrom string
	msgTaken bool
	rcpts    []string
}

func (s *session) Reset() {
	if s.msgTaken {
		s.endp.Limits.ReleaseMsg(s.mailFrom)
		s.msgTaken = false
	}
	s.mailFrom = ""
	s.rcpts = nil
}

func (s *session) Logout() error {
	s.Reset()
	return nil
}

// AuthPlain is never offered, the endpoint is only reachable by the local
// MTA.
func (s *session) AuthPlain(_, _ string) error {
	return smtp.ErrAuthUnsupported
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.Reset()
	if err := s.endp.Limits.TakeMsg(context.Background(), from); err != nil {
		s.log.Error("message limit", err, "envelope_from", from)
		return errBusy
	}
	s.msgTaken = true
	s.mailFrom = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.rcpts = append(s.rcpts, to)
	return nil
}

func (s *session) readBody(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// deliver routes the message for one recipient and converts the outcome
// into the LMTP reply.
func (s *session) deliver(raw []byte, rcpt string) error {
	ctx := context.Background()
	if s.endp.Timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.endp.Timeout)
		defer cancel()
	}

	if err := s.endp.Limits.TakeRcpt(ctx, rcpt); err != nil {
		s.log.Error("recipient limit", err, "envelope_to", rcpt)
		deliveriesCnt.WithLabelValues("busy").Inc()
		return errBusy
	}
	defer s.endp.Limits.ReleaseRcpt(rcpt)

	out := s.endp.Deliverer.Deliver(ctx, raw, s.mailFrom, rcpt)
	deliveriesCnt.WithLabelValues(out.Result.String()).Inc()
	if out.Result.ExitCode() != router.ExitOK {
		return errTempFail
	}
	return nil
}

// Data is used when the endpoint is spoken to as plain SMTP. The first
// recipient failure fails the whole transaction.
func (s *session) Data(r io.Reader) error {
	raw, err := s.readBody(r)
	if err != nil {
		return err
	}
	var first error
	for _, rcpt := range s.rcpts {
		if err := s.deliver(raw, rcpt); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *session) LMTPData(r io.Reader, sc smtp.StatusCollector) error {
	raw, err := s.readBody(r)
	if err != nil {
		return err
	}
	for _, rcpt := range s.rcpts {
		sc.SetStatus(rcpt, s.deliver(raw, rcpt))
	}
	return nil
}
