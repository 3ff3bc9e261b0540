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

// Package ctl implements the inboundrouter subcommands.
package ctl

import (
	"context"
	"fmt"

	"github.com/freegle/inboundrouter"
	routercli "github.com/freegle/inboundrouter/internal/cli"
	"github.com/urfave/cli/v2"
)

func init() {
	routercli.AddGlobalFlag(&cli.PathFlag{
		Name:    "config",
		Usage:   "configuration file to use",
		EnvVars: []string{"INBOUNDROUTER_CONFIG"},
		Value:   inboundrouter.ConfigFile(),
	})
	routercli.AddGlobalFlag(&cli.StringSliceFlag{
		Name:  "log",
		Usage: "log targets (stderr, stderr_ts, syslog, off or a file path), overrides the configuration",
	})
	routercli.AddGlobalFlag(&cli.BoolFlag{
		Name:  "debug",
		Usage: "enable debug logging",
	})
	routercli.SetVersion(inboundrouter.BuildInfo())
}

func loadConfig(c *cli.Context) (*inboundrouter.Config, error) {
	cfg, err := inboundrouter.ReadConfigFile(c.Path("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if c.Bool("debug") {
		cfg.Debug = true
	}
	targets := cfg.Log
	if flagTargets := c.StringSlice("log"); len(flagTargets) != 0 {
		targets = flagTargets
	}
	if err := inboundrouter.InitLogging(targets, cfg.Debug); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openInstance(c *cli.Context) (*inboundrouter.Instance, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return inboundrouter.NewInstance(context.Background(), cfg)
}
