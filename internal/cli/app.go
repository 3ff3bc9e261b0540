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

// Package routercli holds the urfave/cli application shared by all
// subcommands. Subcommands register themselves from their own packages
// with AddSubcommand.
package routercli

import (
	"flag"
	"fmt"
	"os"

	"github.com/freegle/inboundrouter/framework/log"
	"github.com/urfave/cli/v2"
)

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Name = "inboundrouter"
	app.Usage = "route inbound Freegle mail"
	app.Description = `inboundrouter decides what happens to mail received for group and user
addresses: group posts, chat replies, volunteer mail, bounces and system
commands.

'route' handles one message in pipe mode, 'serve' accepts mail over LMTP.
The remaining subcommands are maintenance tools.
`
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}
	app.EnableBashCompletion = true
	app.Commands = []*cli.Command{
		{
			Name:   "generate-man",
			Hidden: true,
			Action: func(c *cli.Context) error {
				man, err := app.ToMan()
				if err != nil {
					return err
				}
				fmt.Println(man)
				return nil
			},
		},
	}
}

// AddGlobalFlag registers a flag accepted before any subcommand. The flag
// is also mapped onto the standard flag set so packages reading it early
// see the same value.
func AddGlobalFlag(f cli.Flag) {
	app.Flags = append(app.Flags, f)
	if err := f.Apply(flag.CommandLine); err != nil {
		log.Println("GlobalFlag", f, "could not be mapped to stdlib flag:", err)
	}
}

func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)
}

// SetVersion sets the string printed by --version.
func SetVersion(v string) {
	app.Version = v
}

func Run() {
	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("app.Run failed", err)
	}
}
