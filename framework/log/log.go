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

// Package log implements the structured logger used across the router.
//
// A log line has the form
//
//	name: event\t{"key":"value"}
//
// where the JSON object is optional and its keys are always sorted so lines
// from different messages can be compared by eye or by grep.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/freegle/inboundrouter/framework/exterrors"
)

// Logger writes formatted messages to the Output.
//
// Logger is a value type and can be copied freely, the copy shares the
// underlying Output. Serialization, if needed, is the responsibility of
// the Output.
type Logger struct {
	Out   Output
	Name  string
	Debug bool

	// Fields are added to every message written by Msg, Error and
	// DebugMsg.
	Fields map[string]interface{}
}

// Named returns a copy of the logger with the name extended by "/sub".
func (l Logger) Named(sub string) Logger {
	if l.Name == "" {
		l.Name = sub
	} else {
		l.Name += "/" + sub
	}
	return l
}

// With returns a copy of the logger that adds the key-value pairs to each
// structured message.
func (l Logger) With(fields ...interface{}) Logger {
	merged := make(map[string]interface{}, len(l.Fields)+len(fields)/2)
	for k, v := range l.Fields {
		merged[k] = v
	}
	fieldsToMap(fields, merged)
	l.Fields = merged
	return l
}

func (l Logger) Debugf(format string, val ...interface{}) {
	if !l.Debug {
		return
	}
	l.log(true, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Debugln(val ...interface{}) {
	if !l.Debug {
		return
	}
	l.log(true, l.formatMsg(strings.TrimRight(fmt.Sprintln(val...), "\n"), nil))
}

func (l Logger) Printf(format string, val ...interface{}) {
	l.log(false, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Println(val ...interface{}) {
	l.log(false, l.formatMsg(strings.TrimRight(fmt.Sprintln(val...), "\n"), nil))
}

// Msg writes an event with key-value pairs attached. fields should contain
// keys followed by the corresponding values.
//
// Values implementing LogFormatter, fmt.Stringer or error are written using
// the string they return. time.Time is written in ISO 8601 format.
func (l Logger) Msg(event string, fields ...interface{}) {
	m := make(map[string]interface{}, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(false, l.formatMsg(event, m))
}

// Error writes an event describing err. Fields attached to err using
// exterrors.WithFields are included, the error text goes to the "reason"
// key unless the error already provides one.
//
// event names the context where the error is handled, e.g. "bounce
// recording failed".
func (l Logger) Error(event string, err error, fields ...interface{}) {
	if err == nil {
		return
	}

	errFields := exterrors.Fields(err)
	all := make(map[string]interface{}, len(fields)/2+len(errFields)+1)
	for k, v := range errFields {
		all[k] = v
	}
	if all["reason"] == nil {
		all["reason"] = err.Error()
	}
	fieldsToMap(fields, all)

	l.log(false, l.formatMsg(event, all))
}

func (l Logger) DebugMsg(event string, fields ...interface{}) {
	if !l.Debug {
		return
	}
	m := make(map[string]interface{}, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(true, l.formatMsg(event, m))
}

func fieldsToMap(fields []interface{}, out map[string]interface{}) {
	var key string
	for i, val := range fields {
		if i%2 == 1 {
			out[key] = val
			continue
		}
		k, ok := val.(string)
		if !ok {
			// Misplaced value, keep it instead of dropping silently.
			k = fmt.Sprint("field", i)
		}
		key = k
	}
}

func (l Logger) formatMsg(msg string, fields map[string]interface{}) string {
	var sb strings.Builder
	sb.WriteString(msg)
	sb.WriteRune('\t')

	if len(l.Fields)+len(fields) == 0 {
		return sb.String()
	}
	if fields == nil {
		fields = make(map[string]interface{}, len(l.Fields))
	}
	for k, v := range l.Fields {
		if _, ok := fields[k]; !ok {
			fields[k] = v
		}
	}
	if err := marshalOrderedJSON(&sb, fields); err != nil {
		return fmt.Sprintf("[BROKEN FORMATTING: %v] %v %+v", err, msg, fields)
	}
	return sb.String()
}

// LogFormatter is implemented by values that want a custom representation
// in structured log messages.
type LogFormatter interface {
	FormatLog() string
}

// Write implements io.Writer. Each call is written as a separate message.
func (l Logger) Write(s []byte) (int, error) {
	l.log(false, strings.TrimRight(string(s), "\n"))
	return len(s), nil
}

// DebugWriter returns an io.Writer that writes debug messages, or discards
// everything if debug logging is disabled.
func (l Logger) DebugWriter() io.Writer {
	if !l.Debug {
		return io.Discard
	}
	return debugWriter{l}
}

type debugWriter struct {
	l Logger
}

func (w debugWriter) Write(s []byte) (int, error) {
	w.l.log(true, strings.TrimRight(string(s), "\n"))
	return len(s), nil
}

func (l Logger) log(debug bool, s string) {
	if l.Name != "" {
		s = l.Name + ": " + s
	}

	switch {
	case l.Out != nil:
		l.Out.Write(time.Now(), debug, s)
	case DefaultLogger.Out != nil:
		DefaultLogger.Out.Write(time.Now(), debug, s)
	}
}

// DefaultLogger is used by package-level functions and by Loggers that
// have no Output set.
var DefaultLogger = Logger{Out: WriterOutput(os.Stderr, false)}

func Debugf(format string, val ...interface{}) { DefaultLogger.Debugf(format, val...) }
func Debugln(val ...interface{})               { DefaultLogger.Debugln(val...) }
func Printf(format string, val ...interface{}) { DefaultLogger.Printf(format, val...) }
func Println(val ...interface{})               { DefaultLogger.Println(val...) }
