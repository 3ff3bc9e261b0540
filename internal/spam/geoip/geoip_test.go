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

package geoip

import (
	"path/filepath"
	"testing"

	"github.com/freegle/inboundrouter/internal/testutils"
)

func TestMissingDatabase(t *testing.T) {
	l, err := Open(filepath.Join(testutils.Dir(t), "GeoLite2-Country.mmdb"))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	country, err := l.Country("81.2.69.142")
	if err != nil {
		t.Fatal(err)
	}
	if country != "" {
		t.Errorf("country = %q, want unknown", country)
	}
}

func TestNoPath(t *testing.T) {
	l, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	if c, _ := l.Country("not an ip"); c != "" {
		t.Errorf("country = %q", c)
	}
}

func TestCorruptDatabase(t *testing.T) {
	if _, err := FromBytes([]byte("not a maxmind database")); err == nil {
		t.Error("corrupt database accepted")
	}

	path := testutils.WriteFile(t, testutils.Dir(t), "corrupt.mmdb", "garbage")
	if _, err := Open(path); err == nil {
		t.Error("corrupt database file accepted")
	}
}
