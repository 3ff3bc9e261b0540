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

package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Endpoint is a listen address from the configuration: tcp://host:port,
// unix:///path or a bare host:port.
type Endpoint struct {
	Original, Scheme, Host, Port, Path string
}

func (e Endpoint) String() string {
	if e.Original != "" {
		return e.Original
	}
	if e.Scheme == "unix" {
		return "unix://" + e.Path
	}
	host := e.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return e.Scheme + "://" + host + ":" + e.Port
}

func (e Endpoint) Network() string {
	if e.Scheme == "unix" {
		return "unix"
	}
	return "tcp"
}

func (e Endpoint) Address() string {
	if e.Scheme == "unix" {
		return e.Path
	}
	return net.JoinHostPort(e.Host, e.Port)
}

// ParseEndpoint parses a listen address. The lmtp and http schemes are
// aliases for tcp.
func ParseEndpoint(str string) (Endpoint, error) {
	input := str
	if !strings.Contains(str, "://") {
		str = "tcp://" + str
	}

	u, err := url.Parse(str)
	if err != nil {
		return Endpoint{}, fmt.Errorf("malformed endpoint %q: %w", input, err)
	}

	switch u.Scheme {
	case "tcp", "lmtp", "http":
	case "unix":
		path := u.Host + u.Path
		if path == "" {
			return Endpoint{}, fmt.Errorf("malformed endpoint %q: missing socket path", input)
		}
		return Endpoint{Original: input, Scheme: "unix", Path: path}, nil
	default:
		return Endpoint{}, fmt.Errorf("unsupported endpoint scheme: %s", input)
	}

	host, port, err := net.SplitHostPort(u.Host)
	if err != nil || port == "" {
		return Endpoint{}, fmt.Errorf("malformed endpoint %q: port is required", input)
	}
	return Endpoint{Original: input, Scheme: "tcp", Host: host, Port: port}, nil
}
