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

package address

import (
	"strings"
)

// Canonical returns the address form used to match a sender against
// addresses stored under a different spelling.
//
// Mailbox providers accept several spellings of the same mailbox, so
// the canonical form:
//   - maps googlemail.com to gmail.com,
//   - strips the per-post suffix (after the last "-") the partner relay
//     appends to local parts at partnerDomain,
//   - strips plus-addressing, except for Facebook proxy addresses,
//   - removes dots from gmail local parts,
//   - removes dots from the domain.
//
// The last step makes the result unusable as an address, it is only a
// lookup key.
func Canonical(addr, partnerDomain string) string {
	addr, _ = ForLookup(addr)
	mbox, domain, err := Split(addr)
	if err != nil {
		return addr
	}

	if domain == "googlemail.com" {
		domain = "gmail.com"
	}

	if partnerDomain != "" && domain == strings.ToLower(partnerDomain) {
		if indx := strings.LastIndexByte(mbox, '-'); indx > 0 {
			mbox = mbox[:indx]
		}
	}

	if indx := strings.IndexByte(mbox, '+'); indx > 0 && domain != "proxymail.facebook.com" {
		mbox = mbox[:indx]
	}

	if domain == "gmail.com" {
		mbox = strings.ReplaceAll(mbox, ".", "")
	}

	return mbox + "@" + strings.ReplaceAll(domain, ".", "")
}
