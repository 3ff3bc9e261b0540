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
	"testing"
)

func TestSplit(t *testing.T) {
	test := func(addr, mbox, domain string, fail bool) {
		t.Helper()
		actualMbox, actualDomain, err := Split(addr)
		if err != nil && !fail {
			t.Errorf("%s: unexpected error: %v", addr, err)
			return
		}
		if err == nil && fail {
			t.Errorf("%s: expected error", addr)
			return
		}
		if actualMbox != mbox || actualDomain != domain {
			t.Errorf("%s: want (%q, %q), got (%q, %q)", addr, mbox, domain, actualMbox, actualDomain)
		}
	}

	test("bounce-12-abc@users.example.org", "bounce-12-abc", "users.example.org", false)
	test(`"a@b"@example.org`, `"a@b"`, "example.org", false)
	test("nodomain", "", "", true)
	test("@example.org", "", "", true)
	test("user@", "", "", true)
}

func TestEqual(t *testing.T) {
	if !Equal("Test@Example.ORG", "test@example.org") {
		t.Error("case-insensitive addresses not equal")
	}
	if Equal("a@example.org", "b@example.org") {
		t.Error("different addresses reported equal")
	}
}

func TestCanonical(t *testing.T) {
	test := func(in, want string) {
		t.Helper()
		if got := Canonical(in, "user.trashnothing.com"); got != want {
			t.Errorf("Canonical(%q) = %q, want %q", in, got, want)
		}
	}

	test("John.Smith+freegle@googlemail.com", "johnsmith@gmailcom")
	test("j.smith@gmail.com", "jsmith@gmailcom")
	test("j.smith@example.co.uk", "j.smith@examplecouk")
	test("someone-g123@user.trashnothing.com", "someone@usertrashnothingcom")
	test("some-one-abc@user.trashnothing.com", "some-one@usertrashnothingcom")
	test("a+b@proxymail.facebook.com", "a+b@proxymailfacebookcom")
	test("broken", "broken")
}

func TestDomainHelpers(t *testing.T) {
	if Domain("a@Groups.Example.org") != "groups.example.org" {
		t.Error("Domain did not lower-case")
	}
	if !IsAtDomain("x@GROUPS.example.org", "groups.example.org") {
		t.Error("IsAtDomain failed")
	}
	if IsAtDomain("x@example.org", "") {
		t.Error("empty domain matched")
	}
	if LocalPart("notify-1-2@users.example.org") != "notify-1-2" {
		t.Error("LocalPart failed")
	}
	if StripBrackets(" <abc@def> ") != "abc@def" {
		t.Error("StripBrackets failed")
	}
}
