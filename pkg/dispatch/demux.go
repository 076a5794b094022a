// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package dispatch implements the demultiplexer (spec.md §4.4): routing of
// inbound frames by resourceId to either the initiator-side pending-request
// table or, on the egress side, one of the per-stream-class handler tables.
// Stream engines (TCP/UDP/HTTP) never see raw frames from the transport link
// directly; they register a StreamHandler here and the Demux keys inbound
// frames through to it, so the dispatcher never imports an engine package.
package dispatch

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-core-stack/tunnelmux/pkg/transport"
	"github.com/go-core-stack/tunnelmux/pkg/wire"
)

// StreamHandler is implemented by each egress-side per-stream engine. The
// demultiplexer forwards every non-request, non-ERROR frame addressed to a
// live resourceId to HandleFrame, and calls Close once when it decides the
// stream must die locally: on an ERROR frame for the id, or from CloseAll
// (a late frame for an unknown id prompts the opposite: a
// reply telling the *peer* to close, not a local Close call).
type StreamHandler interface {
	HandleFrame(f wire.Frame)
	Close()
}

// class groups message types by the per-stream table they route through.
type class int

const (
	classTCP class = iota
	classUDP
	classDNS
	classHTTP
	classOther
)

func classify(t wire.MessageType) class {
	switch t {
	case wire.TCPConnect, wire.TCPConnectAck, wire.TCPData, wire.TCPClose:
		return classTCP
	case wire.UDPBind, wire.UDPBindAck, wire.UDPData, wire.UDPClose:
		return classUDP
	case wire.DNSQuery, wire.DNSResponse:
		return classDNS
	case wire.HTTPRequest, wire.HTTPResponse, wire.HTTPBodyChunk, wire.HTTPBodyEnd:
		return classHTTP
	default:
		return classOther
	}
}

// isRequestType reports whether t is the frame that creates a brand-new
// stream on the egress side (spec.md §4.2's request column).
func isRequestType(t wire.MessageType) bool {
	switch t {
	case wire.TCPConnect, wire.UDPBind, wire.DNSQuery, wire.HTTPRequest:
		return true
	default:
		return false
	}
}

// isTerminalType reports whether t is itself a stream-teardown frame; late
// arrival of one of these for an unknown id needs no reply, only a drop.
func isTerminalType(t wire.MessageType) bool {
	switch t {
	case wire.TCPClose, wire.UDPClose, wire.HTTPBodyEnd:
		return true
	default:
		return false
	}
}

// terminalFor returns the frame type the demultiplexer sends back to force
// the peer to clean up a leaked remote-side stream (spec.md §4.4 item 3).
// DNS has no terminal frame of its own, so a late DNS_RESPONSE is dropped
// without a reply.
func terminalFor(c class) (wire.MessageType, bool) {
	switch c {
	case classTCP:
		return wire.TCPClose, true
	case classUDP:
		return wire.UDPClose, true
	case classHTTP:
		return wire.HTTPBodyEnd, true
	default:
		return 0, false
	}
}

// RequestHandlers are the egress-side callbacks invoked when a new stream is
// requested. Each engine owns its own acceptance/error-frame logic; the
// demultiplexer only routes, per spec.md's "engines own their business
// logic, the dispatcher owns only addressing" split.
type RequestHandlers struct {
	OnTCPConnect  func(id uint32, payload []byte)
	OnUDPBind     func(id uint32, payload []byte)
	OnDNSQuery    func(id uint32, payload []byte)
	OnHTTPRequest func(id uint32, payload []byte)
}

// Demux is the demultiplexer. One Demux is bound to exactly one
// transport.Link (one tunnel session).
type Demux struct {
	link   *transport.Link
	logger zerolog.Logger

	mu   sync.Mutex
	tcp  map[uint32]StreamHandler
	udp  map[uint32]StreamHandler
	http map[uint32]StreamHandler

	requests RequestHandlers

	pending *PendingTable // nil on the egress side
}

// NewEgress constructs a Demux for the egress side: inbound *_CONNECT/
// *_BIND/*_QUERY/*_REQUEST frames create new streams via reqs; everything
// else routes to a previously registered StreamHandler.
func NewEgress(link *transport.Link, reqs RequestHandlers, logger zerolog.Logger) *Demux {
	d := &Demux{
		link:     link,
		logger:   logger,
		tcp:      make(map[uint32]StreamHandler),
		udp:      make(map[uint32]StreamHandler),
		http:     make(map[uint32]StreamHandler),
		requests: reqs,
	}
	link.OnFrame = d.handleFrame
	return d
}

// NewInitiator constructs a Demux for the initiator side, backed by a
// PendingTable instead of per-class StreamHandler maps.
func NewInitiator(link *transport.Link, pending *PendingTable, logger zerolog.Logger) *Demux {
	d := &Demux{
		link:    link,
		logger:  logger,
		pending: pending,
	}
	link.OnFrame = d.handleFrame
	return d
}

// RegisterTCP, RegisterUDP, RegisterHTTP install the StreamHandler the
// egress side should route subsequent frames for id to. Called by the
// engine immediately after a RequestHandlers callback accepts a new stream.
func (d *Demux) RegisterTCP(id uint32, h StreamHandler)  { d.register(&d.tcp, id, h) }
func (d *Demux) RegisterUDP(id uint32, h StreamHandler)  { d.register(&d.udp, id, h) }
func (d *Demux) RegisterHTTP(id uint32, h StreamHandler) { d.register(&d.http, id, h) }

func (d *Demux) register(table *map[uint32]StreamHandler, id uint32, h StreamHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	(*table)[id] = h
}

// Unregister removes id from whichever class table it belongs to (a no-op
// if absent from that table). Engines call this on local stream teardown.
func (d *Demux) UnregisterTCP(id uint32)  { d.unregister(&d.tcp, id) }
func (d *Demux) UnregisterUDP(id uint32)  { d.unregister(&d.udp, id) }
func (d *Demux) UnregisterHTTP(id uint32) { d.unregister(&d.http, id) }

func (d *Demux) unregister(table *map[uint32]StreamHandler, id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(*table, id)
}

// CloseAll calls Close on every currently-registered egress-side stream
// handler and empties the class tables — invoked once the session's
// reconnect grace window elapses with no reattach (spec.md §5 "timeout
// firing closeAll/abortAll on every engine").
func (d *Demux) CloseAll() {
	d.mu.Lock()
	var handlers []StreamHandler
	for _, h := range d.tcp {
		handlers = append(handlers, h)
	}
	for _, h := range d.udp {
		handlers = append(handlers, h)
	}
	for _, h := range d.http {
		handlers = append(handlers, h)
	}
	d.tcp = make(map[uint32]StreamHandler)
	d.udp = make(map[uint32]StreamHandler)
	d.http = make(map[uint32]StreamHandler)
	d.mu.Unlock()

	for _, h := range handlers {
		h.Close()
	}
}

func (d *Demux) tableFor(c class) *map[uint32]StreamHandler {
	switch c {
	case classTCP:
		return &d.tcp
	case classUDP:
		return &d.udp
	case classHTTP:
		return &d.http
	default:
		return nil
	}
}

// handleFrame is installed as the transport.Link's OnFrame callback.
func (d *Demux) handleFrame(f wire.Frame) {
	if d.pending != nil {
		d.handleInitiatorFrame(f)
		return
	}
	d.handleEgressFrame(f)
}

func (d *Demux) handleEgressFrame(f wire.Frame) {
	if isRequestType(f.Type) {
		d.dispatchRequest(f)
		return
	}

	c := classify(f.Type)
	if f.Type == wire.Error {
		// An ERROR frame from the initiator aborts whichever stream it names,
		// regardless of class; try all three tables.
		for _, c := range []class{classTCP, classUDP, classHTTP} {
			if h := d.lookupAndMaybeRemove(c, f.ResourceID, true); h != nil {
				h.Close()
				return
			}
		}
		return
	}

	table := d.tableFor(c)
	if table == nil {
		d.logger.Warn().Stringer("type", f.Type).Msg("dispatch: unroutable frame class")
		return
	}

	d.mu.Lock()
	h, ok := (*table)[f.ResourceID]
	d.mu.Unlock()

	if ok {
		h.HandleFrame(f)
		return
	}
	d.handleUnknownID(f, c)
}

func (d *Demux) dispatchRequest(f wire.Frame) {
	switch f.Type {
	case wire.TCPConnect:
		if d.requests.OnTCPConnect != nil {
			d.requests.OnTCPConnect(f.ResourceID, f.Payload)
		}
	case wire.UDPBind:
		if d.requests.OnUDPBind != nil {
			d.requests.OnUDPBind(f.ResourceID, f.Payload)
		}
	case wire.DNSQuery:
		if d.requests.OnDNSQuery != nil {
			d.requests.OnDNSQuery(f.ResourceID, f.Payload)
		}
	case wire.HTTPRequest:
		if d.requests.OnHTTPRequest != nil {
			d.requests.OnHTTPRequest(f.ResourceID, f.Payload)
		}
	}
}

// handleUnknownID implements spec.md §4.4 item 3: a resourceId absent from
// the recipient's table is either a harmless late message after local close
// (terminal frame types: drop silently) or a leaked remote-side stream,
// which must be told to close.
func (d *Demux) handleUnknownID(f wire.Frame, c class) {
	if isTerminalType(f.Type) {
		return // late close-of-a-close, nothing to do
	}
	term, ok := terminalFor(c)
	if !ok {
		d.logger.Debug().Stringer("type", f.Type).Uint32("id", f.ResourceID).Msg("dispatch: late frame for unknown stream, no terminal reply defined")
		return
	}
	d.link.SendFrame(wire.Frame{Type: term, ResourceID: f.ResourceID})
}

func (d *Demux) lookupAndMaybeRemove(c class, id uint32, remove bool) StreamHandler {
	table := d.tableFor(c)
	if table == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := (*table)[id]
	if ok && remove {
		delete(*table, id)
	}
	if !ok {
		return nil
	}
	return h
}

// handleInitiatorFrame routes a reply/data/error frame to the matching
// PendingHandler (spec.md §3, §4.4 "initiator side").
func (d *Demux) handleInitiatorFrame(f wire.Frame) {
	switch f.Type {
	case wire.TCPConnectAck, wire.UDPBindAck, wire.DNSResponse, wire.HTTPResponse:
		h, ok := d.pending.Get(f.ResourceID)
		if !ok {
			d.replyUnknown(f)
			return
		}
		h.reply(Reply{Payload: f.Payload})

	case wire.TCPData, wire.UDPData, wire.HTTPBodyChunk:
		h, ok := d.pending.Get(f.ResourceID)
		if !ok {
			d.replyUnknown(f)
			return
		}
		h.appendBody(f.Payload)

	case wire.TCPClose, wire.UDPClose, wire.HTTPBodyEnd:
		h, ok := d.pending.Remove(f.ResourceID)
		if ok {
			h.closeBody()
		}

	case wire.Error:
		h, ok := d.pending.Remove(f.ResourceID)
		if ok {
			h.reply(Reply{Err: errFromPayload(f.Payload)})
			h.closeBody()
		}

	default:
		d.logger.Warn().Stringer("type", f.Type).Msg("dispatch: unexpected frame type on initiator side")
	}
}

func (d *Demux) replyUnknown(f wire.Frame) {
	c := classify(f.Type)
	if isTerminalType(f.Type) {
		return
	}
	term, ok := terminalFor(c)
	if !ok {
		return
	}
	d.link.SendFrame(wire.Frame{Type: term, ResourceID: f.ResourceID})
}

// errFromPayload renders an ERROR frame's payload (plain UTF-8 text) as a Go
// error; an empty payload becomes a generic message.
func errFromPayload(payload []byte) error {
	msg := decodeErrorMessage(payload)
	return &remoteError{msg: msg}
}

type remoteError struct{ msg string }

func (e *remoteError) Error() string { return "dispatch: remote error: " + e.msg }

// ReapLoop runs PendingTable.Reap on period until stop is closed. Callers on
// the initiator side start this once per Client (spec.md §8 "2-minute
// reaper").
func (d *Demux) ReapLoop(period time.Duration, stop <-chan struct{}) {
	if d.pending == nil {
		return
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			d.pending.Reap(now)
		}
	}
}
