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

package clitools

import (
	"bytes"
	"strings"
	"testing"
)

func TestConfirm(t *testing.T) {
	test := func(input string, def, want bool) {
		t.Helper()
		var out bytes.Buffer
		got := confirm(strings.NewReader(input), &out, "Delete?", def)
		if got != want {
			t.Errorf("confirm(%q, %v) = %v, want %v", input, def, got, want)
		}
		if !strings.HasPrefix(out.String(), "Delete? [") {
			t.Errorf("prompt not written: %q", out.String())
		}
	}

	test("y\n", false, true)
	test("yes\n", false, true)
	test("n\n", true, false)
	test("\n", true, true)
	test("\n", false, false)
	test("maybe\n", true, true)
	// EOF means no answer.
	test("", true, false)
}
