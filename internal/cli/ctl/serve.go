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

package ctl

import (
	"github.com/freegle/inboundrouter"
	routercli "github.com/freegle/inboundrouter/internal/cli"
	"github.com/urfave/cli/v2"
)

func init() {
	routercli.AddSubcommand(&cli.Command{
		Name:  "serve",
		Usage: "Accept mail over LMTP until terminated",
		Description: `Starts the lmtp and openmetrics endpoints from the configuration file.

SIGUSR1 reopens log files, SIGUSR2 drops cached spam keyword lists.
`,
		Action: func(c *cli.Context) error {
			inst, err := openInstance(c)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			defer inst.Close()
			return inboundrouter.Serve(inst)
		},
	})
}
