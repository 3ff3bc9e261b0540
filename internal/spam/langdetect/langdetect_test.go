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

package langdetect

import (
	"testing"

	"github.com/pemistahl/lingua-go"
)

func TestIsSupported(t *testing.T) {
	d := New()

	test := func(text string, want bool) {
		t.Helper()
		if got := d.IsSupported(text); got != want {
			t.Errorf("IsSupported(%q) = %v, want %v", text, got, want)
		}
	}

	test("Hello, is the sofa still available? I could pick it up tomorrow evening after work.", true)
	test("Bore da, ydy'r soffa dal ar gael? Gallaf ei chasglu yfory ar ôl gwaith os yw hynny'n iawn.", true)
	test("Bonjour, je vous propose une opportunité d'investissement exceptionnelle avec un rendement garanti chaque mois.", false)
	test("", true)
}

func TestParseLanguages(t *testing.T) {
	langs, unknown := ParseLanguages([]string{"en", "cy", "zz"})
	if len(langs) != 2 || langs[0] != lingua.English || langs[1] != lingua.Welsh {
		t.Errorf("langs = %v", langs)
	}
	if len(unknown) != 1 || unknown[0] != "zz" {
		t.Errorf("unknown = %v", unknown)
	}
}
