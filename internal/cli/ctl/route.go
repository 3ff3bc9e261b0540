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
	"context"
	"fmt"
	"os"
	"time"

	"github.com/freegle/inboundrouter"
	routercli "github.com/freegle/inboundrouter/internal/cli"
	"github.com/freegle/inboundrouter/internal/router"
	"github.com/urfave/cli/v2"
)

func init() {
	routercli.AddSubcommand(&cli.Command{
		Name:  "route",
		Usage: "Route one message read from stdin",
		Description: `Pipe mode for the MTA. The message is archived, routed and the
outcome printed to stdout. The exit code is 75 (EX_TEMPFAIL) when the
message should be retried and 0 otherwise.
`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "from",
				Aliases:  []string{"f"},
				Usage:    "envelope sender",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "to",
				Aliases:  []string{"t"},
				Usage:    "envelope recipient",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "deadline for routing the message",
				Value: time.Minute,
			},
		},
		Action: routeMessage,
	})
}

func routeMessage(c *cli.Context) error {
	inst, err := openInstance(c)
	if err != nil {
		// Configuration and store problems are not the sender's fault.
		return cli.Exit(err.Error(), router.ExitTempFail)
	}
	defer inst.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	out, err := inboundrouter.Route(ctx, inst, os.Stdin, c.String("from"), c.String("to"))
	if err != nil {
		return cli.Exit(err.Error(), router.ExitTempFail)
	}
	fmt.Fprintln(c.App.Writer, out)

	if code := out.Result.ExitCode(); code != router.ExitOK {
		return cli.Exit("", code)
	}
	return nil
}
