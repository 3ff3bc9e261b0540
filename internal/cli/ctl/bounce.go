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
	"path/filepath"

	"github.com/freegle/inboundrouter/internal/archive"
	"github.com/freegle/inboundrouter/internal/bounce"
	routercli "github.com/freegle/inboundrouter/internal/cli"
	"github.com/urfave/cli/v2"
)

func init() {
	routercli.AddSubcommand(&cli.Command{
		Name:  "bounce",
		Usage: "Bounce maintenance",
		Subcommands: []*cli.Command{
			{
				Name:      "reprocess",
				Usage:     "Record bounces from saved messages",
				ArgsUsage: "FILE...",
				Description: `Each FILE is either a raw message (as saved to the bounce directory)
or a JSON archive written before routing. The message must be a
parseable DSN.
`,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "to",
						Usage: "envelope recipient for raw files",
					},
					&cli.BoolFlag{
						Name:  "remove",
						Usage: "delete files that were recorded successfully",
					},
				},
				Action: bounceReprocess,
			},
		},
	})
	routercli.AddSubcommand(&cli.Command{
		Name:  "dsn",
		Usage: "Delivery status notification tools",
		Subcommands: []*cli.Command{
			{
				Name:      "parse",
				Usage:     "Print what the bounce parser extracts from a message",
				ArgsUsage: "FILE",
				Action:    dsnParse,
			},
		},
	})
}

// readSaved returns the raw message and the envelope recipient of a saved
// message. The recipient is empty for raw files.
func readSaved(path string) ([]byte, string, error) {
	if filepath.Ext(path) == ".json" {
		env, err := archive.Read(path)
		if err != nil {
			return nil, "", err
		}
		return env.RawEmail, env.Envelope.To, nil
	}
	raw, err := os.ReadFile(path)
	return raw, "", err
}

func bounceReprocess(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("Error: at least one FILE is required", 2)
	}

	inst, err := openInstance(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer inst.Close()

	failed := 0
	for _, path := range c.Args().Slice() {
		raw, envelopeTo, err := readSaved(path)
		if err != nil {
			fmt.Fprintf(c.App.ErrWriter, "%s: %v\n", path, err)
			failed++
			continue
		}
		if envelopeTo == "" {
			envelopeTo = c.String("to")
		}

		res, err := inst.Bounces.Process(context.Background(), raw, envelopeTo)
		if err != nil {
			fmt.Fprintf(c.App.ErrWriter, "%s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Fprintf(c.App.Writer, "%s: %s\n", path, formatResult(res))
		if !res.Success {
			failed++
			continue
		}
		if c.Bool("remove") {
			if err := os.Remove(path); err != nil {
				fmt.Fprintf(c.App.ErrWriter, "%s: %v\n", path, err)
			}
		}
	}

	if failed != 0 {
		return cli.Exit(fmt.Sprintf("%d of %d files not recorded", failed, c.NArg()), 1)
	}
	return nil
}

func formatResult(res bounce.Result) string {
	switch {
	case !res.Success:
		return "failed: " + res.Error
	case res.Ignored:
		return "ignored"
	}
	kind := "temporary"
	if res.Permanent {
		kind = "permanent"
	}
	s := fmt.Sprintf("recorded %s bounce for user %d", kind, res.UserID)
	if res.Suspended {
		s += ", user suspended"
	}
	return s
}

func dsnParse(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("Error: exactly one FILE is required", 2)
	}
	raw, _, err := readSaved(c.Args().First())
	if err != nil {
		return err
	}

	dsn := bounce.ParseDSN(raw)
	if dsn == nil {
		return cli.Exit("no diagnostic code found", 1)
	}

	w := c.App.Writer
	fmt.Fprintln(w, "Recipient: ", dsn.Recipient)
	fmt.Fprintln(w, "Status:    ", dsn.Status)
	fmt.Fprintln(w, "Diagnostic:", dsn.Diagnostic)
	fmt.Fprintln(w, "Permanent: ", bounce.IsPermanent(dsn.Status, dsn.Diagnostic))
	fmt.Fprintln(w, "Ignored:   ", bounce.IsIgnored(dsn.Diagnostic))
	return nil
}
