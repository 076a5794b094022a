// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package udp implements the egress-side UDP socket engine (spec.md §4.6):
// one ephemeral datagram socket per resourceId, a receive loop framing each
// inbound datagram as UDP_DATA, and best-effort forwarding of outbound
// datagrams — UDP is lossy by contract, so send errors never tear the
// socket down.
package udp

import (
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/go-core-stack/tunnelmux/pkg/dispatch"
	"github.com/go-core-stack/tunnelmux/pkg/wire"
)

// Sender is the subset of transport.Link the engine needs.
type Sender interface {
	SendFrame(f wire.Frame)
}

// Registrar is the subset of dispatch.Demux the engine needs.
type Registrar interface {
	RegisterUDP(id uint32, h dispatch.StreamHandler)
	UnregisterUDP(id uint32)
}

// Engine owns every live UDP socket for one transport session.
type Engine struct {
	link   Sender
	reg    Registrar
	logger zerolog.Logger
}

// New constructs an Engine. Register the returned OnUDPBind with the
// session's dispatch.RequestHandlers.
func New(link Sender, reg Registrar, logger zerolog.Logger) *Engine {
	return &Engine{link: link, reg: reg, logger: logger}
}

// socket is one egress-side UDP datagram socket bound to a resourceId.
type socket struct {
	id     uint32
	conn   *net.UDPConn
	engine *Engine

	closeOnce sync.Once
}

// OnUDPBind handles an inbound UDP_BIND request: allocate a local ephemeral
// datagram socket, ack, and start the receive loop.
func (e *Engine) OnUDPBind(id uint32, payload []byte) {
	// The (host, port) UDP_BIND carries is advisory context from the
	// initiator (e.g. the target the caller intends to talk to first); the
	// engine itself always binds an ephemeral local socket and learns real
	// peers from each datagram's source address, exactly as a raw UDP socket
	// would.
	if _, _, err := wire.DecodeUDPBind(payload); err != nil {
		e.sendError(id, "malformed UDP_BIND: "+err.Error())
		return
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		e.sendError(id, "bind failed: "+err.Error())
		return
	}

	sk := &socket{id: id, conn: conn, engine: e}
	e.reg.RegisterUDP(id, sk)
	local := conn.LocalAddr().(*net.UDPAddr)
	ack := wire.EncodeUDPBind(local.IP.String(), uint16(local.Port))
	e.link.SendFrame(wire.Frame{Type: wire.UDPBindAck, ResourceID: id, Payload: ack})

	go e.receiveLoop(sk)
}

func (e *Engine) sendError(id uint32, msg string) {
	e.link.SendFrame(wire.Frame{Type: wire.Error, ResourceID: id, Payload: dispatch.EncodeError(msg)})
}

// receiveLoop frames each inbound datagram with its sender's host+port and
// forwards it as UDP_DATA. A receive error (typically the socket being
// closed by UDP_CLOSE or Close) unregisters the socket and ends the loop.
// Neither this loop nor close sends UDP_CLOSE to the peer.
func (e *Engine) receiveLoop(sk *socket) {
	buf := make([]byte, wire.MaxUDPPacketSize)
	for {
		n, addr, err := sk.conn.ReadFromUDP(buf)
		if err != nil {
			e.reg.UnregisterUDP(sk.id)
			return
		}
		if n > wire.MaxUDPPacketSize {
			e.logger.Debug().Uint32("id", sk.id).Int("size", n).Msg("dropping oversized inbound datagram")
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		payload, err := wire.EncodeUDPData(addr.IP.String(), uint16(addr.Port), datagram)
		if err != nil {
			e.logger.Debug().Uint32("id", sk.id).Err(err).Msg("dropping oversized datagram encode")
			continue
		}
		e.link.SendFrame(wire.Frame{Type: wire.UDPData, ResourceID: sk.id, Payload: payload})
	}
}

// HandleFrame implements dispatch.StreamHandler for UDP_DATA/UDP_CLOSE
// frames addressed to an already-bound socket.
func (sk *socket) HandleFrame(f wire.Frame) {
	switch f.Type {
	case wire.UDPData:
		host, port, datagram, err := wire.DecodeUDPData(f.Payload)
		if err != nil {
			return
		}
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(int(port))))
		if err != nil {
			return
		}
		// send errors are swallowed: UDP is lossy by contract, the socket
		// itself is never torn down on a write failure (spec.md §4.6).
		_, _ = sk.conn.WriteToUDP(datagram, addr)
	case wire.UDPClose:
		sk.close()
	}
}

// Close implements dispatch.StreamHandler.
func (sk *socket) Close() {
	sk.close()
}

func (sk *socket) close() {
	sk.closeOnce.Do(func() {
		_ = sk.conn.Close()
		sk.engine.reg.UnregisterUDP(sk.id)
	})
}
