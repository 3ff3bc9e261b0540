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

package inboundrouter

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/freegle/inboundrouter/framework/config"
	"github.com/freegle/inboundrouter/internal/archive"
	"github.com/freegle/inboundrouter/internal/bounce"
	"github.com/freegle/inboundrouter/internal/message"
	"github.com/freegle/inboundrouter/internal/router"
	"github.com/freegle/inboundrouter/internal/spam"
)

type StorageConfig struct {
	Driver string
	DSN    string
}

type SpamConfig struct {
	// Spamd is the address of the content scorer. Empty disables it.
	Spamd string
	// GeoIP is the path of the Country database. Empty disables it.
	GeoIP          string
	Languages      []string
	DBLZone        string
	DBLResolver    []string
	PartnerSecret  string
	DroppedSenders []string
}

type BounceConfig struct {
	PermanentLimit int
	TotalLimit     int
}

type ArchiveConfig struct {
	Dir       string
	BounceDir string
	Retention time.Duration
}

type MonitorConfig struct {
	SentryDSN   string
	Environment string
}

// Config is the parsed configuration file.
type Config struct {
	Debug    bool
	Log      []string
	Hostname string
	Timeout  time.Duration

	Domains         message.Domains
	InternalDomains []string
	UserSite        string
	NoReply         string

	Storage StorageConfig
	Spam    SpamConfig
	Bounce  BounceConfig
	Archive ArchiveConfig
	Monitor MonitorConfig

	// Endpoint blocks are kept unparsed, the endpoints configure
	// themselves.
	LMTP        []config.Node
	OpenMetrics []config.Node

	// Globals are the top-level directives visible to endpoint blocks.
	Globals map[string]interface{}
}

// ReadConfigFile reads and parses the configuration file at path.
func ReadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadConfig(f, path)
}

func ReadConfig(r io.Reader, location string) (*Config, error) {
	nodes, err := config.Read(r, location)
	if err != nil {
		return nil, err
	}
	return parseConfig(config.Node{Children: nodes, File: location})
}

func parseConfig(root config.Node) (*Config, error) {
	cfg := &Config{}

	globals := config.NewMap(nil, root)
	globals.AllowUnknown()
	globals.Bool("debug", false, false, &cfg.Debug)
	globals.StringList("log", false, false, []string{"stderr"}, &cfg.Log)
	globals.String("hostname", false, false, "localhost", &cfg.Hostname)
	globals.Duration("timeout", false, false, 5*time.Second, &cfg.Timeout)
	blocks, err := globals.Process()
	if err != nil {
		return nil, err
	}
	cfg.Globals = globals.Values

	seen := map[string]bool{}
	for _, block := range blocks {
		switch block.Name {
		case "lmtp":
			cfg.LMTP = append(cfg.LMTP, block)
			continue
		case "openmetrics":
			cfg.OpenMetrics = append(cfg.OpenMetrics, block)
			continue
		}

		if seen[block.Name] {
			return nil, config.NodeErr(block, "duplicate block: %s", block.Name)
		}
		seen[block.Name] = true

		switch block.Name {
		case "domains":
			err = cfg.parseDomains(block)
		case "storage":
			err = cfg.parseStorage(block)
		case "spam":
			err = cfg.parseSpam(block)
		case "bounce":
			err = cfg.parseBounce(block)
		case "archive":
			err = cfg.parseArchive(block)
		case "monitor":
			err = cfg.parseMonitor(block)
		default:
			err = config.NodeErr(block, "unknown directive: %s", block.Name)
		}
		if err != nil {
			return nil, err
		}
	}

	// Blocks that are absent still get their defaults.
	for name, parse := range map[string]func(config.Node) error{
		"spam":    cfg.parseSpam,
		"bounce":  cfg.parseBounce,
		"archive": cfg.parseArchive,
		"monitor": cfg.parseMonitor,
	} {
		if !seen[name] {
			if err := parse(config.Node{Name: name, File: root.File}); err != nil {
				return nil, err
			}
		}
	}
	for _, name := range []string{"domains", "storage"} {
		if !seen[name] {
			return nil, config.NodeErr(root, "missing required block: %s", name)
		}
	}

	return cfg, nil
}

func (cfg *Config) parseDomains(node config.Node) error {
	m := config.NewMap(cfg.Globals, node)
	m.String("group", false, true, "", &cfg.Domains.Group)
	m.String("user", false, true, "", &cfg.Domains.User)
	m.String("partner", false, false, "trashnothing.com", &cfg.Domains.Partner)
	m.StringList("internal", false, false, nil, &cfg.InternalDomains)
	m.String("user_site", false, false, "", &cfg.UserSite)
	m.String("noreply", false, false, "", &cfg.NoReply)
	if _, err := m.Process(); err != nil {
		return err
	}
	if cfg.NoReply == "" {
		cfg.NoReply = "noreply@" + cfg.Domains.Group
	}
	return nil
}

func (cfg *Config) parseStorage(node config.Node) error {
	m := config.NewMap(cfg.Globals, node)
	m.Enum("driver", false, true, []string{"mysql", "postgres", "sqlite3", "sqlite"}, "", &cfg.Storage.Driver)
	m.String("dsn", false, true, "", &cfg.Storage.DSN)
	_, err := m.Process()
	return err
}

func (cfg *Config) parseSpam(node config.Node) error {
	m := config.NewMap(cfg.Globals, node)
	m.String("spamd", false, false, "", &cfg.Spam.Spamd)
	m.String("geoip", false, false, "", &cfg.Spam.GeoIP)
	m.StringList("languages", false, false, []string{"en"}, &cfg.Spam.Languages)
	m.String("dbl_zone", false, false, spam.DefaultDBLZone, &cfg.Spam.DBLZone)
	m.StringList("dbl_resolver", false, false, nil, &cfg.Spam.DBLResolver)
	m.String("partner_secret", false, false, "", &cfg.Spam.PartnerSecret)
	m.StringList("dropped_senders", false, false, router.DefaultDroppedSenders, &cfg.Spam.DroppedSenders)
	_, err := m.Process()
	return err
}

func (cfg *Config) parseBounce(node config.Node) error {
	m := config.NewMap(cfg.Globals, node)
	m.Int("permanent_limit", false, false, bounce.DefaultPermanentLimit, &cfg.Bounce.PermanentLimit)
	m.Int("total_limit", false, false, bounce.DefaultTotalLimit, &cfg.Bounce.TotalLimit)
	if _, err := m.Process(); err != nil {
		return err
	}
	if cfg.Bounce.PermanentLimit <= 0 || cfg.Bounce.TotalLimit <= 0 {
		return config.NodeErr(node, "bounce limits should be positive")
	}
	return nil
}

func (cfg *Config) parseArchive(node config.Node) error {
	m := config.NewMap(cfg.Globals, node)
	m.String("dir", false, false, DefaultArchiveDirectory, &cfg.Archive.Dir)
	m.String("bounce_dir", false, false, DefaultBounceDirectory, &cfg.Archive.BounceDir)
	m.Duration("retention", false, false, archive.DefaultRetention, &cfg.Archive.Retention)
	_, err := m.Process()
	return err
}

func (cfg *Config) parseMonitor(node config.Node) error {
	m := config.NewMap(cfg.Globals, node)
	m.String("sentry_dsn", false, false, "", &cfg.Monitor.SentryDSN)
	m.String("environment", false, false, "production", &cfg.Monitor.Environment)
	_, err := m.Process()
	return err
}

func (cfg *Config) String() string {
	return fmt.Sprintf("groups=%s users=%s storage=%s", cfg.Domains.Group, cfg.Domains.User, cfg.Storage.Driver)
}
