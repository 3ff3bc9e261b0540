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

// Package address provides helpers for handling RFC 5321 mailbox addresses.
package address

import (
	"errors"
	"strings"
)

// Split splits an address into the local part and the domain.
//
// Split is deliberately naive, it only looks for the last at-sign.
func Split(addr string) (mailbox, domain string, err error) {
	indx := strings.LastIndexByte(addr, '@')
	if indx == -1 {
		return "", "", errors.New("address: missing at-sign")
	}
	mailbox = addr[:indx]
	domain = addr[indx+1:]
	if mailbox == "" {
		return "", "", errors.New("address: empty local-part")
	}
	if domain == "" {
		return "", "", errors.New("address: empty domain")
	}
	return mailbox, domain, nil
}

// LocalPart returns the part before the last at-sign or the whole string
// if there is none.
func LocalPart(addr string) string {
	if indx := strings.LastIndexByte(addr, '@'); indx != -1 {
		return addr[:indx]
	}
	return addr
}

// Domain returns the lower-cased part after the last at-sign, or "".
func Domain(addr string) string {
	if indx := strings.LastIndexByte(addr, '@'); indx != -1 {
		return strings.ToLower(addr[indx+1:])
	}
	return ""
}

// IsAtDomain reports whether addr belongs to domain, case-insensitively.
func IsAtDomain(addr, domain string) bool {
	if domain == "" {
		return false
	}
	return strings.EqualFold(Domain(addr), domain)
}

// StripBrackets removes surrounding whitespace and a pair of angle
// brackets, as found in envelope paths and Message-ID headers.
func StripBrackets(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	return s
}
