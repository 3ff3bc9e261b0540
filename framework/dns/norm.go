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

package dns

import (
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

func FQDN(domain string) string {
	return dns.Fqdn(domain)
}

// ForLookup converts the domain into the canonical form used for
// comparisons: U-labels, NFC, lower case, no trailing dot.
//
// Malformed domains are lower-cased and returned together with the error.
func ForLookup(domain string) (string, error) {
	uDomain, err := idna.ToUnicode(domain)
	if err != nil {
		return strings.TrimSuffix(strings.ToLower(domain), "."), err
	}

	// strings.ToLower does not do full case folding, NFC first.
	uDomain = strings.ToLower(norm.NFC.String(uDomain))
	return strings.TrimSuffix(uDomain, "."), nil
}

// Equal reports whether two domains are equivalent per IDNA2008.
func Equal(domain1, domain2 string) bool {
	if domain1 == domain2 {
		return true
	}
	d1, _ := ForLookup(domain1)
	d2, _ := ForLookup(domain2)
	return d1 == d2
}

// ToASCII returns the A-label form used for DNS queries.
func ToASCII(domain string) (string, error) {
	return idna.Lookup.ToASCII(domain)
}
