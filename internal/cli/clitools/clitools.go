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

// Package clitools contains terminal helpers for maintenance subcommands.
package clitools

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Confirmation asks a yes/no question on stderr and reads the answer from
// stdin. An empty or unrecognized answer selects def.
func Confirmation(prompt string, def bool) bool {
	return confirm(os.Stdin, os.Stderr, prompt, def)
}

func confirm(in io.Reader, out io.Writer, prompt string, def bool) bool {
	selection := "y/N"
	if def {
		selection = "Y/n"
	}

	fmt.Fprintf(out, "%s [%s]: ", prompt, selection)
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			fmt.Fprintln(out, err)
		}
		return false
	}

	switch strings.TrimSpace(scanner.Text()) {
	case "Y", "y", "yes":
		return true
	case "N", "n", "no":
		return false
	default:
		return def
	}
}
