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

// Package exterrors attaches structured context to errors.
//
// Errors produced deep inside a check or a store query often lack the
// context needed to make sense of them in a log line (which message, which
// check, which table). WithFields attaches that context without changing
// the error text, and log.Logger.Error flattens it into the output.
package exterrors

import "errors"

type fieldsErr interface {
	Fields() map[string]interface{}
}

type fieldsWrap struct {
	err    error
	fields map[string]interface{}
}

func (fw fieldsWrap) Error() string {
	return fw.err.Error()
}

func (fw fieldsWrap) Unwrap() error {
	return fw.err
}

func (fw fieldsWrap) Fields() map[string]interface{} {
	return fw.fields
}

// Fields collects fields from err and all errors it wraps. Values set by
// the outer errors take precedence.
func Fields(err error) map[string]interface{} {
	fields := make(map[string]interface{}, 5)

	for err != nil {
		if fe, ok := err.(fieldsErr); ok {
			for k, v := range fe.Fields() {
				if _, ok := fields[k]; ok {
					continue
				}
				fields[k] = v
			}
		}
		err = errors.Unwrap(err)
	}

	return fields
}

func WithFields(err error, fields map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return fieldsWrap{err: err, fields: fields}
}
