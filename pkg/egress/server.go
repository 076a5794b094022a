// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package egress implements the egress-side HTTP upgrade endpoint: accepting
// a new transport session or reattaching an existing one (spec.md §5/§6),
// wiring each session's demultiplexer to the four stream engines, and
// tearing every stream down when a session's reconnect grace window
// expires with no reattach. Grounded on the teacher's main.go ServeHTTP
// construction order, generalized from "one reverse-proxy handler" to "one
// websocket-upgrade handler per tunnel session".
package egress

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/go-core-stack/tunnelmux/pkg/dispatch"
	"github.com/go-core-stack/tunnelmux/pkg/session"
	"github.com/go-core-stack/tunnelmux/pkg/stream/dnsengine"
	"github.com/go-core-stack/tunnelmux/pkg/stream/httpengine"
	"github.com/go-core-stack/tunnelmux/pkg/stream/tcp"
	"github.com/go-core-stack/tunnelmux/pkg/stream/udp"
	"github.com/go-core-stack/tunnelmux/pkg/transport"
)

// Config bounds the egress Server and every component it constructs per
// session.
type Config struct {
	ConnectPath string

	TransportConfig transport.Config
	SessionConfig   session.Config

	TCPConnectTimeout time.Duration
	DNSQueryTimeout   time.Duration
	HTTPConfig        httpengine.Config

	Version  string
	Protocol int
}

// AuthHook optionally signs outbound upstream requests made by the HTTP
// engine; nil disables signing (most deployments forward caller headers
// verbatim).
type AuthHook = httpengine.AuthHook

// Server accepts websocket upgrades, creates or reattaches a session, and
// wires its demultiplexer to fresh stream engines.
type Server struct {
	cfg      Config
	registry *session.Registry
	upgrader websocket.Upgrader
	authHook AuthHook
	logger   zerolog.Logger
	start    time.Time
}

// New constructs a Server. authHook may be nil.
func New(cfg Config, authHook AuthHook, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: session.New(cfg.SessionConfig, logger),
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		authHook: authHook,
		logger:   logger,
		start:    time.Now(),
	}
}

// ServeHTTP implements http.Handler: the single upgrade endpoint at
// cfg.ConnectPath.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.cfg.ConnectPath {
		http.NotFound(w, r)
		return
	}

	id := r.URL.Query().Get("id")
	if id != "" {
		if _, ok := s.registry.Lookup(id); !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	if id != "" {
		if _, err := s.registry.Reassign(id, conn); err != nil {
			s.logger.Warn().Err(err).Str("id", id).Msg("reassign failed after upgrade race")
			_ = conn.Close()
		}
		return
	}

	s.acceptNewSession(conn)
}

// acceptNewSession builds one session's worth of components — a Link, the
// four stream engines, and its demultiplexer — and registers the session
// with the registry lazily, once the initiator announces its UUID via the
// "SET UUID" text command (spec.md §4.3 item 5).
func (s *Server) acceptNewSession(conn *websocket.Conn) {
	link := transport.New(s.cfg.TransportConfig, s.logger)

	// The demux is wired to each engine's bound method via closures so it
	// can be constructed before the engines themselves — each engine needs
	// the demux as its Registrar, and the demux needs the engines'
	// OnXxx methods as its RequestHandlers. Neither side's methods are
	// actually invoked until link.Rebind(conn) starts the read loop below,
	// by which point every closure's captured variable is assigned.
	var tcpEngine *tcp.Engine
	var udpEngine *udp.Engine
	var dnsEngine *dnsengine.Engine
	var httpEngine *httpengine.Engine

	demux := dispatch.NewEgress(link, dispatch.RequestHandlers{
		OnTCPConnect:  func(id uint32, p []byte) { tcpEngine.OnTCPConnect(id, p) },
		OnUDPBind:     func(id uint32, p []byte) { udpEngine.OnUDPBind(id, p) },
		OnDNSQuery:    func(id uint32, p []byte) { dnsEngine.OnDNSQuery(id, p) },
		OnHTTPRequest: func(id uint32, p []byte) { httpEngine.OnHTTPRequest(id, p) },
	}, s.logger)

	tcpEngine = tcp.New(link, demux, tcp.Config{ConnectTimeout: s.cfg.TCPConnectTimeout}, s.logger)
	udpEngine = udp.New(link, demux, s.logger)
	dnsEngine = dnsengine.New(link, nil, s.cfg.DNSQueryTimeout, s.logger)
	httpEngine = httpengine.New(link, demux, s.cfg.HTTPConfig, s.authHook, s.logger)

	cmd := &transport.CommandHandler{
		Role:      transport.RoleEgress,
		StartTime: s.start,
		Version:   s.cfg.Version,
		Protocol:  s.cfg.Protocol,
	}
	cmd.OnSetUUID = func(id string) {
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := s.registry.Create(id, link, func() { demux.CloseAll() }); err != nil {
			s.logger.Warn().Err(err).Str("id", id).Msg("failed to register announced session")
		}
	}
	link.OnCommand = cmd.Handle

	link.Rebind(conn)
}

// Registry exposes the session registry for diagnostics/metrics endpoints.
func (s *Server) Registry() *session.Registry {
	return s.registry
}
