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

package dns

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// UpstreamResolver sends queries directly to the configured servers instead
// of going through the system resolver.
//
// Domain blocklists such as Spamhaus refuse queries relayed through large
// public resolvers, so the DBL zone is usually queried via a local
// unbound/bind instance configured here.
type UpstreamResolver struct {
	Servers []string
	Port    string

	cl *dns.Client
}

// NewUpstreamResolver creates a resolver for "host:port" or "host" (port 53)
// server addresses.
func NewUpstreamResolver(timeout time.Duration, servers ...string) (*UpstreamResolver, error) {
	if len(servers) == 0 {
		return nil, errors.New("dns: no upstream servers")
	}

	r := &UpstreamResolver{
		cl: &dns.Client{Timeout: timeout},
	}
	for _, s := range servers {
		host, port, err := net.SplitHostPort(s)
		if err != nil {
			host, port = s, "53"
		}
		if r.Port != "" && r.Port != port {
			return nil, errors.New("dns: all upstream servers must use the same port")
		}
		r.Port = port
		r.Servers = append(r.Servers, host)
	}
	return r, nil
}

// RCodeError is returned for non-success responses other than NXDOMAIN.
type RCodeError struct {
	Name string
	Code int
}

func (err RCodeError) Temporary() bool {
	return err.Code == dns.RcodeServerFailure
}

func (err RCodeError) Error() string {
	name, ok := dns.RcodeToString[err.Code]
	if !ok {
		name = strconv.Itoa(err.Code)
	}
	return "dns: rcode " + name + " when looking up " + err.Name
}

func (r *UpstreamResolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)

	var lastErr error
	for _, srv := range r.Servers {
		resp, _, err := r.cl.ExchangeContext(ctx, msg, net.JoinHostPort(srv, r.Port))
		if err != nil {
			lastErr = err
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
			return resp, nil
		case dns.RcodeNameError:
			// Mirror what net.Resolver returns so callers need a single
			// not-found check.
			return nil, &net.DNSError{
				Err:        "no such host",
				Name:       name,
				Server:     srv,
				IsNotFound: true,
			}
		default:
			lastErr = RCodeError{Name: name, Code: resp.Rcode}
		}
	}
	return nil, lastErr
}

func (r *UpstreamResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	var addrs []net.IPAddr
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resp, err := r.exchange(ctx, host, qtype)
		if err != nil {
			return nil, err
		}
		for _, rr := range resp.Answer {
			switch rr := rr.(type) {
			case *dns.A:
				addrs = append(addrs, net.IPAddr{IP: rr.A})
			case *dns.AAAA:
				addrs = append(addrs, net.IPAddr{IP: rr.AAAA})
			}
		}
	}
	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return addrs, nil
}

// LookupHost queries only A records. Blocklists never answer with AAAA.
func (r *UpstreamResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	resp, err := r.exchange(ctx, host, dns.TypeA)
	if err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			addrs = append(addrs, a.A.String())
		}
	}
	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return addrs, nil
}

func (r *UpstreamResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	resp, err := r.exchange(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}

	recs := make([]string, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			recs = append(recs, strings.Join(txt.Txt, ""))
		}
	}
	return recs, nil
}
