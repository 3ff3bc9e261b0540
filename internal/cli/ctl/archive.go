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
	"fmt"

	"github.com/freegle/inboundrouter/internal/archive"
	routercli "github.com/freegle/inboundrouter/internal/cli"
	"github.com/freegle/inboundrouter/internal/cli/clitools"
	"github.com/urfave/cli/v2"
)

func init() {
	routercli.AddSubcommand(&cli.Command{
		Name:  "archive",
		Usage: "Incoming mail archive maintenance",
		Subcommands: []*cli.Command{
			{
				Name:  "cleanup",
				Usage: "Remove archived messages past retention",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "max-age",
						Usage: "override the retention from the configuration",
					},
					&cli.BoolFlag{
						Name:    "yes",
						Aliases: []string{"y"},
						Usage:   "don't ask for confirmation",
					},
				},
				Action: archiveCleanup,
			},
		},
	})
}

func archiveCleanup(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if cfg.Archive.Dir == "" {
		return cli.Exit("Error: archive directory is not configured", 2)
	}

	maxAge := cfg.Archive.Retention
	if c.IsSet("max-age") {
		maxAge = c.Duration("max-age")
	}
	if maxAge <= 0 {
		return cli.Exit("Error: max-age should be positive", 2)
	}

	if !c.Bool("yes") {
		if !clitools.Confirmation(fmt.Sprintf("Remove messages older than %v from %s?", maxAge, cfg.Archive.Dir), false) {
			return cli.Exit("Cancelled", 1)
		}
	}

	removed, err := archive.New(cfg.Archive.Dir, cfg.Archive.BounceDir).Cleanup(maxAge)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "removed %d messages\n", removed)
	return nil
}
