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

	"github.com/freegle/inboundrouter/framework/dns"
	"golang.org/x/text/unicode/norm"
)

// ForLookup transforms the address into a canonical form usable for map
// lookups or direct comparisons.
//
// If Equal(addr1, addr2) == true, then ForLookup(addr1) == ForLookup(addr2).
// On error, the case-folded addr is returned together with the error.
func ForLookup(addr string) (string, error) {
	mbox, domain, err := Split(addr)
	if err != nil {
		return strings.ToLower(addr), err
	}

	domain, err = dns.ForLookup(domain)
	if err != nil {
		return strings.ToLower(addr), err
	}

	return strings.ToLower(norm.NFC.String(mbox)) + "@" + domain, nil
}

// Equal reports whether addr1 and addr2 are case-insensitively equivalent.
// Malformed addresses are compared as case-folded strings.
func Equal(addr1, addr2 string) bool {
	if addr1 == addr2 {
		return true
	}
	a1, _ := ForLookup(addr1)
	a2, _ := ForLookup(addr2)
	return a1 == a2
}
