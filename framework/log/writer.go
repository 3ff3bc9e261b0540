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

package log

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type wcOutput struct {
	timestamps bool
	wc         io.WriteCloser

	// Lines are written with a single Write call but some writers (e.g.
	// bytes.Buffer in tests) are not safe for concurrent use.
	mu *sync.Mutex
}

func (w wcOutput) Write(stamp time.Time, debug bool, msg string) {
	var sb strings.Builder
	if w.timestamps {
		sb.WriteString(stamp.UTC().Format("2006-01-02T15:04:05.000Z "))
	}
	if debug {
		sb.WriteString("[debug] ")
	}
	sb.WriteString(msg)
	sb.WriteRune('\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := io.WriteString(w.wc, sb.String()); err != nil {
		fmt.Fprintf(os.Stderr, "!!! Failed to write message to log: %v\n", err)
	}
}

func (w wcOutput) Close() error {
	return w.wc.Close()
}

// WriteCloserOutput returns an Output writing one line per message to wc.
// Closing the Output closes wc.
//
// If timestamps is true, each line is prefixed with the UTC time in
// millisecond precision.
func WriteCloserOutput(wc io.WriteCloser, timestamps bool) Output {
	return wcOutput{timestamps: timestamps, wc: wc, mu: new(sync.Mutex)}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error {
	return nil
}

// WriterOutput is similar to WriteCloserOutput but closing the Output has no
// effect on w.
func WriterOutput(w io.Writer, timestamps bool) Output {
	return WriteCloserOutput(nopCloser{w}, timestamps)
}

// ParseOutputs builds an Output from the list of targets used by the 'log'
// directive and the --log flag.
//
// Known targets are "stderr", "stderr_ts" (with timestamps), "syslog" and
// "off". Everything else is a path to a file that is opened for appending.
// "off" can't be combined with other targets and results in a nil Output.
func ParseOutputs(targets []string) (Output, error) {
	if len(targets) == 0 {
		return nil, errors.New("log: no targets specified")
	}

	outs := make([]Output, 0, len(targets))
	for _, t := range targets {
		switch t {
		case "stderr":
			outs = append(outs, WriterOutput(os.Stderr, false))
		case "stderr_ts":
			outs = append(outs, WriterOutput(os.Stderr, true))
		case "syslog":
			out, err := SyslogOutput()
			if err != nil {
				return nil, fmt.Errorf("log: failed to connect to syslog daemon: %w", err)
			}
			outs = append(outs, out)
		case "off":
			if len(targets) != 1 {
				return nil, errors.New("log: 'off' can't be combined with other log targets")
			}
			return NopOutput{}, nil
		default:
			f, err := os.OpenFile(t, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
			if err != nil {
				return nil, fmt.Errorf("log: failed to open log file: %w", err)
			}
			outs = append(outs, WriteCloserOutput(f, true))
		}
	}

	if len(outs) == 1 {
		return outs[0], nil
	}
	return MultiOutput(outs...), nil
}
