// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package transport owns the websocket socket, the outbound send queue, the
// heartbeat timers, and the text control channel for one tunnel session. It
// corresponds to the "Transport link" and "Transport session" components of
// spec.md §§3-4.3.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/go-core-stack/tunnelmux/pkg/wire"
)

// State is the transport session's connection state.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrQueueFull is logged (not returned to callers who don't check) when the
// bounded send queue is at capacity; the new frame is dropped and prior
// frames are never reordered.
var ErrQueueFull = errors.New("transport: send queue full, frame dropped")

// Config bounds the behavior described in spec.md §4.3/§5.
type Config struct {
	MaxQueueFrames    int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Link is one logical transport session: a bounded send queue and heartbeat
// machinery that outlive any single underlying *websocket.Conn, so a fresh
// socket can be rebound within the reconnect grace window (spec.md §5)
// without losing queued frames or stream-table state built on top of it.
type Link struct {
	cfg    Config
	logger zerolog.Logger

	stateMu sync.RWMutex
	state   State
	conn    *websocket.Conn
	connSig chan struct{} // closed, then replaced, whenever a conn becomes available

	sendMu        sync.Mutex
	sendQueue     [][]byte
	bufferedBytes atomic.Int64
	notify        chan struct{} // size-1, signaled on enqueue to wake writeLoop

	watchdog *time.Timer
	heartbeatTicker *time.Ticker
	stopHeartbeat   chan struct{}

	done     chan struct{}
	closeOnce sync.Once

	// OnFrame handles inbound binary frames (wired to the demultiplexer).
	OnFrame func(wire.Frame)
	// OnCommand handles inbound text frames, returning the response text.
	OnCommand func(string) string
	// OnConnect/OnDisconnect/OnClose are the state-transition events named
	// in spec.md §4.3 item 4 ("timeout" is owned by pkg/session, which sits
	// above a Link and watches its disconnected periods).
	OnConnect    func()
	OnDisconnect func()
	OnClose      func()
}

// New constructs a Link with no conn attached yet; call Rebind to attach one.
func New(cfg Config, logger zerolog.Logger) *Link {
	if cfg.MaxQueueFrames <= 0 {
		cfg.MaxQueueFrames = 1000
	}
	l := &Link{
		cfg:     cfg,
		logger:  logger,
		state:   StateConnecting,
		connSig: make(chan struct{}),
		done:    make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
	go l.writeLoop()
	return l
}

// State returns the current connection state.
func (l *Link) State() State {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.state
}

// BufferedAmount reports the number of encoded frame bytes currently queued
// but not yet written to the socket — the core's stand-in for a JS
// websocket's bufferedAmount(), consulted by the TCP and HTTP engines for
// cooperative backpressure (spec.md §4.3 "Backpressure"). The UDP engine
// does not consult it.
func (l *Link) BufferedAmount() int64 {
	return l.bufferedBytes.Load()
}

// SendFrame encodes and enqueues f. If the queue is at capacity the new
// frame is dropped (never reordered) and the overflow is logged.
func (l *Link) SendFrame(f wire.Frame) {
	l.enqueue(wire.Encode(f))
}

// SendCommand writes a text control-channel frame directly to the current
// socket, bypassing the send queue. With no socket attached the command is
// dropped (logged at debug level).
func (l *Link) SendCommand(text string) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	l.stateMu.RLock()
	conn := l.conn
	l.stateMu.RUnlock()
	if conn == nil {
		l.logger.Debug().Str("text", text).Msg("dropping command, no live socket")
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		l.logger.Error().Err(err).Msg("failed to write command frame")
	}
}

func (l *Link) enqueue(data []byte) {
	l.sendMu.Lock()
	if len(l.sendQueue) >= l.cfg.MaxQueueFrames {
		l.sendMu.Unlock()
		l.logger.Error().Err(ErrQueueFull).Int("queue_size", l.cfg.MaxQueueFrames).Msg("send queue full, dropping frame")
		return
	}
	l.sendQueue = append(l.sendQueue, data)
	l.bufferedBytes.Add(int64(len(data)))
	l.sendMu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *Link) dequeue() ([]byte, bool) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if len(l.sendQueue) == 0 {
		return nil, false
	}
	data := l.sendQueue[0]
	l.sendQueue = l.sendQueue[1:]
	return data, true
}

// QueueDepth reports the number of frames currently queued, used by tests
// exercising the queue-bound property (spec.md §8 property 10).
func (l *Link) QueueDepth() int {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	return len(l.sendQueue)
}

// writeLoop drains the send queue in FIFO order, blocking while no conn is
// attached (e.g. during a reconnect grace window) rather than dropping
// frames outright.
func (l *Link) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		default:
		}

		// With no socket attached, queued frames stay in the queue (and count
		// against MaxQueueFrames) until Rebind attaches one.
		l.stateMu.RLock()
		attached := l.conn != nil
		waitSig := l.connSig
		l.stateMu.RUnlock()
		if !attached {
			select {
			case <-waitSig:
				continue
			case <-l.done:
				return
			}
		}

		data, ok := l.dequeue()
		if !ok {
			// Nothing queued; sleep until the next enqueue wakes us.
			select {
			case <-l.done:
				return
			case <-l.notify:
				continue
			}
		}

		for {
			l.stateMu.RLock()
			conn := l.conn
			sig := l.connSig
			l.stateMu.RUnlock()

			if conn != nil {
				err := conn.WriteMessage(websocket.BinaryMessage, data)
				l.bufferedBytes.Add(-int64(len(data)))
				if err != nil {
					l.logger.Error().Err(err).Msg("write failed, treating as disconnect")
					l.handleDisconnect()
				}
				break
			}

			select {
			case <-sig:
				continue
			case <-l.done:
				return
			}
		}
	}
}

// Rebind attaches a fresh socket to this session, resuming queued sends and
// starting a read loop bound to the new conn. This is spec.md §5's
// reconnect(id, newSocket).
func (l *Link) Rebind(conn *websocket.Conn) {
	l.stateMu.Lock()
	l.conn = conn
	l.state = StateConnected
	sig := l.connSig
	l.connSig = make(chan struct{})
	l.stateMu.Unlock()
	close(sig)

	l.resetWatchdog()
	l.startHeartbeat()

	go l.readLoop(conn)

	if l.OnConnect != nil {
		l.OnConnect()
	}
}

func (l *Link) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			l.stateMu.RLock()
			current := l.conn
			l.stateMu.RUnlock()
			if current == conn {
				l.logger.Debug().Err(err).Msg("read loop exiting")
				l.handleDisconnect()
			}
			return
		}

		l.resetWatchdog()

		switch msgType {
		case websocket.BinaryMessage:
			f, err := wire.Decode(data)
			if err != nil {
				l.logger.Error().Err(err).Msg("dropping undersized frame")
				continue
			}
			if !f.Type.Known() {
				l.logger.Warn().Str("type", fmt.Sprintf("0x%02x", byte(f.Type))).Msg("dropping unknown message type")
				continue
			}
			if f.Type == wire.Heartbeat {
				// Liveness only; never echo (spec.md §4.4 item 1, §9).
				continue
			}
			if l.OnFrame != nil {
				// Copy the payload: it must outlive this read buffer, since
				// handlers may retain it past the read loop's next iteration.
				cp := make([]byte, len(f.Payload))
				copy(cp, f.Payload)
				f.Payload = cp
				l.OnFrame(f)
			}
		case websocket.TextMessage:
			if l.OnCommand != nil {
				reply := l.OnCommand(string(data))
				if reply != "" {
					l.sendMu.Lock()
					writeErr := conn.WriteMessage(websocket.TextMessage, []byte(reply))
					l.sendMu.Unlock()
					if writeErr != nil {
						l.logger.Error().Err(writeErr).Msg("failed to write command reply")
					}
				}
			}
		}
	}
}

func (l *Link) resetWatchdog() {
	if l.cfg.HeartbeatTimeout <= 0 {
		return
	}
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.watchdog != nil {
		l.watchdog.Stop()
	}
	l.watchdog = time.AfterFunc(l.cfg.HeartbeatTimeout, func() {
		l.logger.Warn().Msg("heartbeat watchdog expired, disconnecting")
		l.handleDisconnect()
	})
}

func (l *Link) startHeartbeat() {
	if l.cfg.HeartbeatInterval <= 0 {
		return
	}
	l.stateMu.Lock()
	if l.heartbeatTicker != nil {
		l.stateMu.Unlock()
		return
	}
	l.heartbeatTicker = time.NewTicker(l.cfg.HeartbeatInterval)
	l.stopHeartbeat = make(chan struct{})
	ticker := l.heartbeatTicker
	stop := l.stopHeartbeat
	l.stateMu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				l.SendFrame(wire.Frame{Type: wire.Heartbeat, ResourceID: 0})
			case <-stop:
				return
			case <-l.done:
				return
			}
		}
	}()
}

func (l *Link) stopHeartbeatLoop() {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.heartbeatTicker != nil {
		l.heartbeatTicker.Stop()
		close(l.stopHeartbeat)
		l.heartbeatTicker = nil
	}
}

// handleDisconnect detaches the current conn (if any) and fires OnDisconnect
// exactly once per physical socket, without tearing down the queue or
// per-stream state above this Link — that is the reconnect grace window's
// entire point (spec.md §5).
func (l *Link) handleDisconnect() {
	l.stateMu.Lock()
	if l.state == StateDisconnected || l.state == StateClosed {
		l.stateMu.Unlock()
		return
	}
	if l.conn != nil {
		_ = l.conn.Close()
	}
	l.conn = nil
	l.state = StateDisconnected
	l.stateMu.Unlock()

	l.stopHeartbeatLoop()

	if l.OnDisconnect != nil {
		l.OnDisconnect()
	}
}

// Close tears the session down for good: no further reconnect will be
// accepted by a caller that also drops this Link from its session registry.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		l.stateMu.Lock()
		if l.conn != nil {
			_ = l.conn.Close()
		}
		l.conn = nil
		l.state = StateClosed
		l.stateMu.Unlock()

		l.stopHeartbeatLoop()
		close(l.done)

		if l.OnClose != nil {
			l.OnClose()
		}
	})
}

// Done returns a channel closed when the Link is permanently closed.
func (l *Link) Done() <-chan struct{} {
	return l.done
}
