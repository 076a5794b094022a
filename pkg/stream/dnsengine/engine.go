// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package dnsengine implements the egress-side DNS engine (spec.md §4.7): a
// stateless resolve-with-timeout over the native resolver. Unlike TCP/UDP,
// no per-stream table entry survives past a single DNS_QUERY/DNS_RESPONSE
// exchange, so there is no StreamHandler registration here.
package dnsengine

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-core-stack/tunnelmux/pkg/dispatch"
	"github.com/go-core-stack/tunnelmux/pkg/wire"
)

// Sender is the subset of transport.Link the engine needs.
type Sender interface {
	SendFrame(f wire.Frame)
}

// Resolver is the subset of *net.Resolver the engine needs, narrowed for
// tests.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
	LookupCNAME(ctx context.Context, host string) (string, error)
	LookupNS(ctx context.Context, host string) ([]*net.NS, error)
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// Engine resolves DNS_QUERY requests on behalf of the initiator.
type Engine struct {
	link     Sender
	resolver Resolver
	timeout  time.Duration
	logger   zerolog.Logger
}

// New constructs an Engine. resolver may be nil to use net.DefaultResolver.
func New(link Sender, resolver Resolver, timeout time.Duration, logger zerolog.Logger) *Engine {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Engine{link: link, resolver: resolver, timeout: timeout, logger: logger}
}

// OnDNSQuery handles an inbound DNS_QUERY: parse, enforce
// MaxDNSNameLength, resolve with a bounded timeout, reply with either
// DNS_RESPONSE or ERROR("DNS query timeout"/failure reason).
func (e *Engine) OnDNSQuery(id uint32, payload []byte) {
	go e.resolve(id, payload)
}

func (e *Engine) resolve(id uint32, payload []byte) {
	name, rt, err := wire.DecodeDNSQuery(payload)
	if err != nil {
		e.sendError(id, "malformed DNS_QUERY: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	results, err := e.lookup(ctx, name, rt)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			e.sendError(id, "DNS query timeout")
		} else {
			e.sendError(id, "DNS query failed: "+err.Error())
		}
		return
	}

	e.link.SendFrame(wire.Frame{Type: wire.DNSResponse, ResourceID: id, Payload: wire.EncodeDNSResponse(results)})
}

func (e *Engine) lookup(ctx context.Context, name string, rt wire.RecordType) ([]string, error) {
	switch rt {
	case wire.RecordA, wire.RecordAAAA:
		addrs, err := e.resolver.LookupHost(ctx, name)
		if err != nil {
			return nil, err
		}
		return filterByFamily(addrs, rt), nil
	case wire.RecordANAME, wire.RecordCNAME:
		cname, err := e.resolver.LookupCNAME(ctx, name)
		if err != nil {
			return nil, err
		}
		return []string{cname}, nil
	case wire.RecordNS:
		records, err := e.resolver.LookupNS(ctx, name)
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(records))
		for _, r := range records {
			out = append(out, r.Host)
		}
		return out, nil
	case wire.RecordPTR:
		return e.resolver.LookupAddr(ctx, name)
	default:
		return e.resolver.LookupHost(ctx, name)
	}
}

// filterByFamily keeps only IPv4 addresses for RecordA and only IPv6 for
// RecordAAAA, matching what a native resolver's A/AAAA split would return.
func filterByFamily(addrs []string, rt wire.RecordType) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		isV4 := ip.To4() != nil
		if (rt == wire.RecordA) == isV4 {
			out = append(out, a)
		}
	}
	return out
}

func (e *Engine) sendError(id uint32, msg string) {
	e.link.SendFrame(wire.Frame{Type: wire.Error, ResourceID: id, Payload: dispatch.EncodeError(msg)})
}
