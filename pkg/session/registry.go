// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package session implements the egress-side reconnect/session registry
// (spec.md §5): a UUID-keyed table of live tunnel sessions that survive a
// transport disconnect for up to a grace window, awaiting a fresh socket
// carrying the same session identifier.
package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/go-core-stack/tunnelmux/pkg/transport"
)

// Entry is one registered session: its Link plus the bookkeeping the
// registry needs to run the grace-window timer and reconnect count.
type Entry struct {
	Link *transport.Link

	mu              sync.Mutex
	graceTimer      *time.Timer
	reconnectCount  int
	onGraceExpired  func()
}

// ReconnectCount reports how many times this session has been reattached to
// a fresh socket (spec.md §8 scenario S5).
func (e *Entry) ReconnectCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reconnectCount
}

// Registry maps session UUIDs to Entries, grounded on muxado's
// dieOnce/halfState bookkeeping style adapted from a stream-multiplexing
// session to a transport-reattachment one (see DESIGN.md pkg/session).
type Registry struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Entry
}

// Config bounds registry behavior.
type Config struct {
	ReconnectTimeout time.Duration
	MaxSessions      int
}

// New constructs an empty Registry.
func New(cfg Config, logger zerolog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Entry),
	}
}

// Create registers a brand-new session under uuid, backed by link. onExpire
// is invoked if the session's grace window elapses with no reconnect
// (spec.md: the egress side uses this to run closeAll/abortAll on every
// per-stream engine for the session).
func (r *Registry) Create(uuid string, link *transport.Link, onExpire func()) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[uuid]; exists {
		return nil, ErrAlreadyRegistered
	}
	if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		return nil, ErrSessionLimitReached
	}

	entry := &Entry{Link: link, onGraceExpired: onExpire}
	r.sessions[uuid] = entry

	link.OnDisconnect = func() {
		r.startGraceTimer(uuid, entry)
	}
	link.OnClose = func() {
		r.remove(uuid)
	}

	return entry, nil
}

// Reassign rebinds conn to the existing session identified by uuid. It
// returns ErrUnknownSession if no such session is registered — per spec.md
// §6, the upgrade MUST be rejected in that case.
func (r *Registry) Reassign(uuid string, conn *websocket.Conn) (*Entry, error) {
	r.mu.Lock()
	entry, ok := r.sessions[uuid]
	r.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSession
	}

	entry.mu.Lock()
	if entry.graceTimer != nil {
		entry.graceTimer.Stop()
		entry.graceTimer = nil
	}
	entry.reconnectCount++
	entry.mu.Unlock()

	entry.Link.Rebind(conn)
	return entry, nil
}

func (r *Registry) startGraceTimer(uuid string, entry *Entry) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.graceTimer != nil {
		return // already counting down
	}
	entry.graceTimer = time.AfterFunc(r.cfg.ReconnectTimeout, func() {
		r.logger.Info().Str("uuid", uuid).Msg("reconnect grace window elapsed, destroying session")
		r.remove(uuid)
		if entry.onGraceExpired != nil {
			entry.onGraceExpired()
		}
	})
}

func (r *Registry) remove(uuid string) {
	r.mu.Lock()
	delete(r.sessions, uuid)
	r.mu.Unlock()
}

// Lookup returns the entry for uuid, if any.
func (r *Registry) Lookup(uuid string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[uuid]
	return e, ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
