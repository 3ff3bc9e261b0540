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

package router

import (
	"fmt"
)

// Result is the terminal decision for one message.
type Result int

const (
	Approved Result = iota
	Pending
	IncomingSpam
	ToVolunteers
	ToUser
	ToSystem
	Receipt
	Tryst
	Dropped
	Failure
	Error
)

var resultNames = [...]string{
	Approved:     "Approved",
	Pending:      "Pending",
	IncomingSpam: "IncomingSpam",
	ToVolunteers: "ToVolunteers",
	ToUser:       "ToUser",
	ToSystem:     "ToSystem",
	Receipt:      "Receipt",
	Tryst:        "Tryst",
	Dropped:      "Dropped",
	Failure:      "Failure",
	Error:        "Error",
}

func (r Result) String() string {
	if r < 0 || int(r) >= len(resultNames) {
		return fmt.Sprintf("Result(%d)", int(r))
	}
	return resultNames[r]
}

// Exit codes understood by the MTA pipe transport.
const (
	ExitOK       = 0
	ExitTempFail = 75 // EX_TEMPFAIL
)

var exitCodes = map[Result]int{
	Approved:     ExitOK,
	Pending:      ExitOK,
	IncomingSpam: ExitOK,
	ToVolunteers: ExitOK,
	ToUser:       ExitOK,
	ToSystem:     ExitOK,
	Receipt:      ExitOK,
	Tryst:        ExitOK,
	Dropped:      ExitOK,
	Failure:      ExitTempFail,
	Error:        ExitOK,
}

// ExitCode returns the process exit code for the result. Only Failure asks
// the MTA to retry.
func (r Result) ExitCode() int {
	if code, ok := exitCodes[r]; ok {
		return code
	}
	return ExitTempFail
}

// IsSaved reports whether the message was stored as a group post.
func (r Result) IsSaved() bool {
	return r == Approved || r == Pending || r == IncomingSpam
}

// IsDiscarded reports whether the message was not delivered anywhere.
func (r Result) IsDiscarded() bool {
	return r == Dropped || r == Failure
}

// Outcome is the result of routing one message together with what the
// router learned on the way.
type Outcome struct {
	Result Result

	UserID  int64
	GroupID int64
	ChatID  int64

	SpamReason string
	// Detail is a human readable explanation, mostly for drops.
	Detail string
}

func (o Outcome) String() string {
	if o.Detail == "" {
		return o.Result.String()
	}
	return o.Result.String() + ": " + o.Detail
}

// logFields returns the non-empty fields of o as key-value pairs.
func (o Outcome) logFields() []interface{} {
	fields := []interface{}{"result", o.Result.String()}
	if o.UserID != 0 {
		fields = append(fields, "user_id", o.UserID)
	}
	if o.GroupID != 0 {
		fields = append(fields, "group_id", o.GroupID)
	}
	if o.ChatID != 0 {
		fields = append(fields, "chat_id", o.ChatID)
	}
	if o.SpamReason != "" {
		fields = append(fields, "spam_reason", o.SpamReason)
	}
	if o.Detail != "" {
		fields = append(fields, "reason", o.Detail)
	}
	return fields
}

func dropped(detail string) *Outcome {
	return &Outcome{Result: Dropped, Detail: detail}
}

func outcome(r Result) *Outcome {
	return &Outcome{Result: r}
}
