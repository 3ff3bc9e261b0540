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

// Package geoip resolves IP addresses to country names using a MaxMind
// GeoIP2 or GeoLite2 Country database.
package geoip

import (
	"errors"
	"fmt"
	"io/fs"
	"net"

	"github.com/oschwald/geoip2-golang"
)

const modName = "geoip"

// Locator wraps an open country database. A Locator without a database
// reports every address as unknown.
type Locator struct {
	db *geoip2.Reader
}

// Open opens the database at path. A missing file is not an error, the
// returned Locator then knows no countries.
func Open(path string) (*Locator, error) {
	if path == "" {
		return &Locator{}, nil
	}
	db, err := geoip2.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Locator{}, nil
		}
		return nil, fmt.Errorf("%s: %w", modName, err)
	}
	return &Locator{db: db}, nil
}

// FromBytes uses an in-memory database image.
func FromBytes(b []byte) (*Locator, error) {
	db, err := geoip2.FromBytes(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", modName, err)
	}
	return &Locator{db: db}, nil
}

// Country returns the English country name for ip, or "" if it is not
// known.
func (l *Locator) Country(ip string) (string, error) {
	if l == nil || l.db == nil {
		return "", nil
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", nil
	}
	rec, err := l.db.Country(parsed)
	if err != nil {
		return "", fmt.Errorf("%s: %w", modName, err)
	}
	return rec.Country.Names["en"], nil
}

func (l *Locator) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
