// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package client implements the initiator-side operations — connectTCP,
// queryDNS, fetchHTTP — that drive the transport and demultiplexer from the
// application side of the tunnel (spec.md §2's "initiator" peer). Grounded
// on the teacher's main.go construction order: config.Load, then build each
// component and wire them together, adapted here from "build an
// http.Handler" to "build a tunneling client".
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-core-stack/tunnelmux/pkg/dispatch"
	"github.com/go-core-stack/tunnelmux/pkg/transport"
	"github.com/go-core-stack/tunnelmux/pkg/wire"
)

// Client is the initiator-side handle for one tunnel session.
type Client struct {
	link    *transport.Link
	demux   *dispatch.Demux
	pending *dispatch.PendingTable
	logger  zerolog.Logger
	cfg     Config

	stopReaper chan struct{}
}

// Config bounds Client-owned timeouts; transport-level knobs live in
// transport.Config.
type Config struct {
	MaxPendingRequests  int
	PendingHardAge      time.Duration // reaper's hard upper bound, default 2 min
	ReaperPeriod        time.Duration
	TCPConnectTimeout   time.Duration
	DNSQueryTimeout     time.Duration
	HTTPAwaitTimeout    time.Duration
	HTTPBodyChanSize    int
}

func (c Config) withDefaults() Config {
	if c.MaxPendingRequests <= 0 {
		c.MaxPendingRequests = 10000
	}
	if c.PendingHardAge <= 0 {
		c.PendingHardAge = 2 * time.Minute
	}
	if c.ReaperPeriod <= 0 {
		c.ReaperPeriod = 30 * time.Second
	}
	if c.TCPConnectTimeout <= 0 {
		c.TCPConnectTimeout = 30 * time.Second
	}
	if c.DNSQueryTimeout <= 0 {
		c.DNSQueryTimeout = 10 * time.Second
	}
	if c.HTTPAwaitTimeout <= 0 {
		c.HTTPAwaitTimeout = 30 * time.Second
	}
	if c.HTTPBodyChanSize <= 0 {
		c.HTTPBodyChanSize = 64
	}
	return c
}

// New constructs a Client bound to link, starting the pending-request
// reaper loop in the background.
func New(link *transport.Link, cfg Config, logger zerolog.Logger) *Client {
	cfg = cfg.withDefaults()
	pending := dispatch.NewPendingTable(cfg.MaxPendingRequests, cfg.PendingHardAge)
	demux := dispatch.NewInitiator(link, pending, logger)

	c := &Client{
		link:       link,
		demux:      demux,
		pending:    pending,
		logger:     logger,
		cfg:        cfg,
		stopReaper: make(chan struct{}),
	}
	link.OnDisconnect = func() {
		pending.RejectAll(ErrTransportClosed)
	}
	go demux.ReapLoop(cfg.ReaperPeriod, c.stopReaper)
	return c
}

// ErrTransportClosed is delivered to every in-flight awaiter when the
// transport disconnects (spec.md §5 "Cancellation").
var ErrTransportClosed = errors.New("client: transport closed")

// TCPConn is the consumer-facing handle for one tunneled TCP connection.
type TCPConn struct {
	id      uint32
	link    *transport.Link
	pending *dispatch.PendingTable
	body    <-chan []byte
}

// ConnectTCP dials (host, port) through the egress peer and returns a
// stream-like handle once TCP_CONNECT_ACK arrives or ctx/timeout elapses.
func (c *Client) ConnectTCP(ctx context.Context, host string, port int) (*TCPConn, error) {
	id := c.pending.AllocateID()
	h, err := c.pending.Register(id, dispatch.KindTCP, time.Now())
	if err != nil {
		return nil, err
	}
	body := h.InstallBody(c.cfg.HTTPBodyChanSize)

	payload, err := wire.EncodeTCPConnect(host, port)
	if err != nil {
		c.pending.Remove(id)
		return nil, err
	}
	c.link.SendFrame(wire.Frame{Type: wire.TCPConnect, ResourceID: id, Payload: payload})

	timeoutCtx, cancel := context.WithTimeout(ctx, c.cfg.TCPConnectTimeout)
	defer cancel()

	select {
	case r := <-h.ReplyCh:
		if r.Err != nil {
			c.pending.Remove(id)
			return nil, r.Err
		}
		return &TCPConn{id: id, link: c.link, pending: c.pending, body: body}, nil
	case <-timeoutCtx.Done():
		c.pending.Remove(id)
		c.link.SendFrame(wire.Frame{Type: wire.TCPClose, ResourceID: id})
		return nil, timeoutCtx.Err()
	}
}

// Write sends b as a single TCP_DATA frame.
func (t *TCPConn) Write(b []byte) (int, error) {
	t.link.SendFrame(wire.Frame{Type: wire.TCPData, ResourceID: t.id, Payload: b})
	return len(b), nil
}

// Read pulls the next chunk from the tunneled connection, blocking until
// data, EOF (channel closed), or ctx cancellation.
func (t *TCPConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case chunk, ok := <-t.body:
		if !ok {
			return nil, io.EOF
		}
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close sends TCP_CLOSE and removes the pending entry.
func (t *TCPConn) Close() error {
	t.pending.Remove(t.id)
	t.link.SendFrame(wire.Frame{Type: wire.TCPClose, ResourceID: t.id})
	return nil
}

// QueryDNS resolves name via the egress peer's native resolver.
func (c *Client) QueryDNS(ctx context.Context, name string, rt wire.RecordType) ([]string, error) {
	id := c.pending.AllocateID()
	h, err := c.pending.Register(id, dispatch.KindDNS, time.Now())
	if err != nil {
		return nil, err
	}

	payload, err := wire.EncodeDNSQuery(name, rt)
	if err != nil {
		c.pending.Remove(id)
		return nil, err
	}
	c.link.SendFrame(wire.Frame{Type: wire.DNSQuery, ResourceID: id, Payload: payload})

	timeoutCtx, cancel := context.WithTimeout(ctx, c.cfg.DNSQueryTimeout)
	defer cancel()

	select {
	case r := <-h.ReplyCh:
		if r.Err != nil {
			return nil, r.Err
		}
		return wire.DecodeDNSResponse(r.Payload)
	case <-timeoutCtx.Done():
		c.pending.Remove(id)
		return nil, timeoutCtx.Err()
	}
}

// HTTPResponse is the consumer-facing handle for a tunneled HTTP exchange.
type HTTPResponse struct {
	Meta wire.HTTPResponseMeta
	body <-chan []byte
}

// Next returns the next body chunk, or io.EOF once HTTP_BODY_END arrives.
func (r *HTTPResponse) Next(ctx context.Context) ([]byte, error) {
	select {
	case chunk, ok := <-r.body:
		if !ok {
			return nil, io.EOF
		}
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FetchHTTP performs a tunneled HTTP request. The body-stream controller is
// installed synchronously before HTTP_REQUEST is sent, so HTTP_BODY_CHUNK
// frames racing HTTP_RESPONSE are never lost (spec.md §4.4 note).
func (c *Client) FetchHTTP(ctx context.Context, method, rawURL string, headers map[string]string, body io.Reader) (*HTTPResponse, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("client: invalid URL: %w", err)
	}

	id := c.pending.AllocateID()
	h, err := c.pending.Register(id, dispatch.KindHTTP, time.Now())
	if err != nil {
		return nil, err
	}
	bodyCh := h.InstallBody(c.cfg.HTTPBodyChanSize)

	payload, err := wire.EncodeHTTPRequest(wire.HTTPRequestMeta{Method: method, URL: rawURL, Headers: headers})
	if err != nil {
		c.pending.Remove(id)
		return nil, err
	}
	c.link.SendFrame(wire.Frame{Type: wire.HTTPRequest, ResourceID: id, Payload: payload})

	if body != nil {
		go c.pumpRequestBody(id, body)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.cfg.HTTPAwaitTimeout)
	defer cancel()

	select {
	case r := <-h.ReplyCh:
		if r.Err != nil {
			return nil, r.Err
		}
		meta, err := wire.DecodeHTTPResponse(r.Payload)
		if err != nil {
			return nil, err
		}
		return &HTTPResponse{Meta: meta, body: bodyCh}, nil
	case <-timeoutCtx.Done():
		c.pending.Remove(id)
		return nil, timeoutCtx.Err()
	}
}

func (c *Client) pumpRequestBody(id uint32, body io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.link.SendFrame(wire.Frame{Type: wire.HTTPBodyChunk, ResourceID: id, Payload: chunk})
		}
		if err != nil {
			break
		}
	}
	c.link.SendFrame(wire.Frame{Type: wire.HTTPBodyEnd, ResourceID: id})
}

// Close stops the background reaper loop. It does not close the transport
// link — callers own that lifecycle separately.
func (c *Client) Close() {
	close(c.stopReaper)
}
