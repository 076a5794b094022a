// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package tcp implements the egress-side TCP stream engine (spec.md §4.5):
// one real net.Conn per resourceId, a fixed-size read loop forwarding bytes
// as TCP_DATA frames, and idempotent teardown on either EOF or a peer close.
package tcp

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-core-stack/tunnelmux/pkg/dispatch"
	"github.com/go-core-stack/tunnelmux/pkg/wire"
)

// readBufferSize is the fixed buffer spec.md §4.5 calls for.
const readBufferSize = 64 * 1024

// Sender is the subset of transport.Link the engine needs, kept narrow so
// tests can fake it without spinning up a websocket.
type Sender interface {
	SendFrame(f wire.Frame)
	BufferedAmount() int64
}

// Registrar is the subset of dispatch.Demux the engine needs to bind and
// release a resourceId's StreamHandler, kept narrow for the same reason.
type Registrar interface {
	RegisterTCP(id uint32, h dispatch.StreamHandler)
	UnregisterTCP(id uint32)
}

// Config bounds engine behavior.
type Config struct {
	ConnectTimeout   time.Duration
	MaxWSBuffered    int64
	BackpressurePoll time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.MaxWSBuffered <= 0 {
		c.MaxWSBuffered = 1 << 20
	}
	if c.BackpressurePoll <= 0 {
		c.BackpressurePoll = 5 * time.Millisecond
	}
	return c
}

// Engine owns every live TCP stream for one transport session.
type Engine struct {
	cfg    Config
	link   Sender
	reg    Registrar
	logger zerolog.Logger
}

// New constructs an Engine. Register the returned OnTCPConnect with the
// session's dispatch.RequestHandlers.
func New(link Sender, reg Registrar, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{cfg: cfg.withDefaults(), link: link, reg: reg, logger: logger}
}

// stream is one egress-side TCP connection bound to a resourceId.
type stream struct {
	id     uint32
	conn   net.Conn
	engine *Engine

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

// OnTCPConnect handles an inbound TCP_CONNECT request: parse (host, port),
// dial with ConnectTimeout, ack or error, then start the pipe loop.
func (e *Engine) OnTCPConnect(id uint32, payload []byte) {
	host, port, err := wire.DecodeTCPConnect(payload)
	if err != nil {
		e.sendError(id, "malformed TCP_CONNECT: "+err.Error())
		return
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, e.cfg.ConnectTimeout)
	if err != nil {
		e.sendError(id, "connect failed: "+err.Error())
		return
	}

	st := &stream{id: id, conn: conn, engine: e}
	e.reg.RegisterTCP(id, st)
	e.link.SendFrame(wire.Frame{Type: wire.TCPConnectAck, ResourceID: id})

	go e.pipeLoop(st)
}

func (e *Engine) sendError(id uint32, msg string) {
	e.link.SendFrame(wire.Frame{Type: wire.Error, ResourceID: id, Payload: dispatch.EncodeError(msg)})
}

// pipeLoop is the read side of spec.md §4.5: one fixed 64 KiB buffer, a
// borrowed subview forwarded when the read is short, a clone when the
// buffer filled exactly (the next read would overwrite the same memory).
func (e *Engine) pipeLoop(st *stream) {
	buf := make([]byte, readBufferSize)
	for {
		if e.link.BufferedAmount() > e.cfg.MaxWSBuffered {
			time.Sleep(e.cfg.BackpressurePoll)
			continue
		}

		n, err := st.conn.Read(buf)
		if n > 0 {
			var payload []byte
			if n == len(buf) {
				payload = make([]byte, n)
				copy(payload, buf[:n])
			} else {
				payload = buf[:n]
			}
			e.link.SendFrame(wire.Frame{Type: wire.TCPData, ResourceID: st.id, Payload: payload})
		}
		if err != nil {
			if isExpectedTeardownError(err) {
				e.logger.Debug().Uint32("id", st.id).Err(err).Msg("tcp stream read ended")
			} else {
				e.logger.Warn().Uint32("id", st.id).Err(err).Msg("tcp stream read error")
			}
			e.closeStream(st, true)
			return
		}
	}
}

// HandleFrame implements dispatch.StreamHandler for TCP_DATA/TCP_CLOSE
// frames addressed to an already-established stream.
func (st *stream) HandleFrame(f wire.Frame) {
	switch f.Type {
	case wire.TCPData:
		if _, err := st.conn.Write(f.Payload); err != nil {
			st.engine.closeStream(st, true)
		}
	case wire.TCPClose:
		st.engine.closeStream(st, false)
	}
}

// Close implements dispatch.StreamHandler: called by the demultiplexer when
// it decides this stream must die locally (e.g. transport teardown).
func (st *stream) Close() {
	st.engine.closeStream(st, false)
}

// closeStream is idempotent: close the socket, remove the table entry, send
// TCP_CLOSE to the peer if sendClose and not already torn down.
func (e *Engine) closeStream(st *stream, sendClose bool) {
	st.mu.Lock()
	already := st.closed
	st.closed = true
	st.mu.Unlock()
	if already {
		return
	}

	st.closeOnce.Do(func() { _ = st.conn.Close() })
	e.reg.UnregisterTCP(st.id)
	if sendClose {
		e.link.SendFrame(wire.Frame{Type: wire.TCPClose, ResourceID: st.id})
	}
}

// isExpectedTeardownError matches spec.md §4.5's "closed|broken pipe|Bad
// resource" swallow list — these are expected during ordinary teardown
// races, not failures worth surfacing above debug level.
func isExpectedTeardownError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "closed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "bad file descriptor") ||
		strings.Contains(msg, "eof")
}
