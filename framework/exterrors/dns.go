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

package exterrors

import (
	"errors"
	"net"
)

// IsDNSNotFound reports whether err is a resolver answer saying the name
// does not exist. Blocklists use NXDOMAIN to say "not listed".
func IsDNSNotFound(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	return false
}

// UnwrapDNSErr returns the resolver error text without the server and
// query names, plus a non-nil map the caller may extend.
func UnwrapDNSErr(err error) (reason string, misc map[string]interface{}) {
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) {
		return "", map[string]interface{}{}
	}

	misc = map[string]interface{}{}
	if dnsErr.IsTimeout {
		misc["timeout"] = true
	}
	return dnsErr.Err, misc
}
