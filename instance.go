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

// Package inboundrouter assembles the routing engine from the
// configuration file and exposes the entry points used by the command
// line: routing a single message and serving LMTP.
package inboundrouter

import (
	"context"
	"fmt"
	"io"

	"github.com/freegle/inboundrouter/framework/dns"
	"github.com/freegle/inboundrouter/framework/hooks"
	"github.com/freegle/inboundrouter/framework/log"
	"github.com/freegle/inboundrouter/internal/archive"
	"github.com/freegle/inboundrouter/internal/bounce"
	"github.com/freegle/inboundrouter/internal/message"
	"github.com/freegle/inboundrouter/internal/monitor"
	"github.com/freegle/inboundrouter/internal/router"
	"github.com/freegle/inboundrouter/internal/spam"
	"github.com/freegle/inboundrouter/internal/spam/geoip"
	"github.com/freegle/inboundrouter/internal/spam/langdetect"
	"github.com/freegle/inboundrouter/internal/spam/spamd"
	"github.com/freegle/inboundrouter/internal/store"
)

// Instance holds every component needed to route mail.
type Instance struct {
	Config *Config

	Store      *store.SQL
	Cache      *spam.Cache
	Spam       *spam.Classifier
	Bounces    *bounce.Classifier
	Archive    *archive.FSArchive
	Monitor    *monitor.Monitor
	Router     *router.Router
	Normalizer message.Normalizer

	Log log.Logger

	closers []io.Closer
}

// NewInstance opens the store and builds the components described by cfg.
func NewInstance(ctx context.Context, cfg *Config) (*Instance, error) {
	inst := &Instance{
		Config: cfg,
		Log:    log.Logger{Name: "inboundrouter", Debug: cfg.Debug},
	}
	if err := inst.init(ctx); err != nil {
		inst.Close()
		return nil, err
	}
	return inst, nil
}

func (inst *Instance) init(ctx context.Context) error {
	cfg := inst.Config

	st, err := store.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return err
	}
	inst.Store = st
	inst.closers = append(inst.closers, st)

	mon, err := monitor.New(monitor.Config{
		DSN:         cfg.Monitor.SentryDSN,
		Environment: cfg.Monitor.Environment,
		Release:     BuildInfo(),
	})
	if err != nil {
		return err
	}
	mon.Log.Debug = cfg.Debug
	inst.Monitor = mon
	inst.closers = append(inst.closers, mon)

	inst.Archive = archive.New(cfg.Archive.Dir, cfg.Archive.BounceDir)
	inst.Archive.Log.Debug = cfg.Debug

	if err := inst.initSpam(); err != nil {
		return err
	}

	inst.Bounces = bounce.New(st, inst.Archive, mon)
	inst.Bounces.PermanentLimit = cfg.Bounce.PermanentLimit
	inst.Bounces.TotalLimit = cfg.Bounce.TotalLimit
	inst.Bounces.Log.Debug = cfg.Debug

	inst.Router = router.New(router.Config{
		Domains:        cfg.Domains,
		PartnerSecret:  cfg.Spam.PartnerSecret,
		UserSite:       cfg.UserSite,
		DroppedSenders: cfg.Spam.DroppedSenders,
	}, st, inst.Spam, inst.Bounces)
	inst.Router.Log.Debug = cfg.Debug

	inst.Normalizer = message.Normalizer{
		Domains: cfg.Domains,
		Log:     log.Logger{Name: "message", Debug: cfg.Debug},
	}

	hooks.AddHook(hooks.EventReload, inst.Cache.Invalidate)
	return nil
}

func (inst *Instance) initSpam() error {
	cfg := inst.Config

	inst.Cache = spam.NewCache(inst.Store)
	c := spam.New(spam.Config{
		GroupDomain:     cfg.Domains.Group,
		UserDomain:      cfg.Domains.User,
		InternalDomains: cfg.InternalDomains,
		NoReplyAddr:     cfg.NoReply,
		UserSite:        cfg.UserSite,
		DBLZone:         cfg.Spam.DBLZone,
		Timeout:         cfg.Timeout,
	}, inst.Store, inst.Cache)
	c.Log.Debug = cfg.Debug

	if len(cfg.Spam.DBLResolver) != 0 {
		res, err := dns.NewUpstreamResolver(cfg.Timeout, cfg.Spam.DBLResolver...)
		if err != nil {
			return fmt.Errorf("spam: dbl_resolver: %w", err)
		}
		c.Resolver = res
	}

	if cfg.Spam.GeoIP != "" {
		loc, err := geoip.Open(cfg.Spam.GeoIP)
		if err != nil {
			return err
		}
		c.Geo = loc
		inst.closers = append(inst.closers, loc)
	}

	if cfg.Spam.Spamd != "" {
		sc := spamd.New(cfg.Spam.Spamd, cfg.Timeout)
		sc.Log.Debug = cfg.Debug
		c.Scorer = sc
	}

	langs, unknown := langdetect.ParseLanguages(cfg.Spam.Languages)
	if len(unknown) != 0 {
		return fmt.Errorf("spam: unknown languages: %v", unknown)
	}
	c.Lang = langdetect.New(langs...)

	inst.Spam = c
	return nil
}

// Deliver archives, normalizes and routes one message for one recipient.
//
// Archival problems are logged and do not affect routing.
func (inst *Instance) Deliver(ctx context.Context, raw []byte, envelopeFrom, envelopeTo string) router.Outcome {
	path, err := inst.Archive.Store(raw, envelopeFrom, envelopeTo)
	if err != nil {
		inst.Log.Error("archive failed", err, "envelope_to", envelopeTo)
	}

	msg := inst.Normalizer.Normalize(raw, envelopeFrom, envelopeTo)
	out := inst.Router.Route(ctx, msg)

	if path != "" {
		if err := inst.Archive.RecordOutcome(path, out.Result.String()); err != nil {
			inst.Log.Error("archive outcome failed", err, "path", path)
		}
	}

	if out.Result == router.Failure {
		inst.Monitor.Report(ctx, "routing failure", map[string]interface{}{
			"envelope_from": envelopeFrom,
			"envelope_to":   envelopeTo,
			"msg_id":        msg.MessageID,
			"detail":        out.Detail,
			"archive":       path,
		})
	}
	return out
}

// Close releases the store and other resources in reverse order of
// acquisition.
func (inst *Instance) Close() error {
	var firstErr error
	for i := len(inst.closers) - 1; i >= 0; i-- {
		if err := inst.closers[i].Close(); err != nil {
			inst.Log.Error("close failed", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	inst.closers = nil
	return firstErr
}
