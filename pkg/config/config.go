// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package config loads the construction parameters the core is parameterized
// by (spec.md §6): listen address/port, connect path, TLS material, session
// limits, heartbeat parameters, and queue bounds. It deliberately does not
// grow into a CLI flag parser, WebUI config, or rate-limiter/auth surface —
// those are out of scope for the core.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envListenAddr          = "TUNNELMUX_LISTEN_ADDR"
	envConnectPath         = "TUNNELMUX_CONNECT_PATH"
	envUpstreamURL         = "TUNNELMUX_INITIATOR_URL"
	envTLSCertFile         = "TUNNELMUX_TLS_CERT_FILE"
	envTLSKeyFile          = "TUNNELMUX_TLS_KEY_FILE"
	envMaxSessions         = "TUNNELMUX_MAX_SESSIONS"
	envMaxPendingRequests  = "TUNNELMUX_MAX_PENDING_REQUESTS"
	envMaxQueueSize        = "TUNNELMUX_MAX_QUEUE_SIZE"
	envMaxWSBufferedTCP    = "TUNNELMUX_MAX_WS_BUFFERED_TCP"
	envMaxWSBufferedHTTP   = "TUNNELMUX_MAX_WS_BUFFERED_HTTP"
	envHeartbeatInterval   = "TUNNELMUX_HEARTBEAT_INTERVAL"
	envHeartbeatTimeout    = "TUNNELMUX_HEARTBEAT_TIMEOUT"
	envReconnectTimeout    = "TUNNELMUX_RECONNECT_TIMEOUT"
	envTCPConnectTimeout   = "TUNNELMUX_TCP_CONNECT_TIMEOUT"
	envDNSQueryTimeout     = "TUNNELMUX_DNS_QUERY_TIMEOUT"
	envHTTPFetchTimeout    = "TUNNELMUX_HTTP_FETCH_TIMEOUT"
	envHTTPAwaitTimeout    = "TUNNELMUX_HTTP_AWAIT_TIMEOUT"
	envPendingReaperPeriod = "TUNNELMUX_PENDING_REAPER_PERIOD"
	envMaxResponseSize     = "TUNNELMUX_MAX_RESPONSE_SIZE"
	envLogLevel            = "TUNNELMUX_LOG_LEVEL"
	envGracefulShutdown    = "TUNNELMUX_GRACEFUL_SHUTDOWN"

	defaultListenAddr          = "0.0.0.0:8443"
	defaultConnectPath         = "/"
	defaultMaxSessions         = 1024
	defaultMaxPendingRequests  = 10_000
	defaultMaxQueueSize        = 1000
	defaultMaxWSBufferedTCP    = 1 << 20  // 1 MiB
	defaultMaxWSBufferedHTTP   = 4 << 20  // 4 MiB
	defaultMaxResponseSize     = 100 << 20 // 100 MiB
	defaultHeartbeatInterval   = 30 * time.Second
	defaultHeartbeatTimeout    = 60 * time.Second
	defaultReconnectTimeout    = 60 * time.Second
	defaultTCPConnectTimeout   = 30 * time.Second
	defaultDNSQueryTimeout     = 10 * time.Second
	defaultHTTPFetchTimeout    = 25 * time.Second
	defaultHTTPAwaitTimeout    = 30 * time.Second
	defaultPendingReaperPeriod = 120 * time.Second
	defaultLogLevel            = "info"
	defaultGracefulShutdown    = 10 * time.Second
)

// Config captures runtime settings shared by both peers of the tunnel. Both
// the egress and initiator binaries load the same Config shape; each uses
// the subset relevant to its role.
type Config struct {
	ListenAddr   string
	ConnectPath  string
	InitiatorURL string // ws[s]://host:port<connect-path>[?id=<uuid>], used by the initiator to dial

	TLSCertFile string
	TLSKeyFile  string

	MaxSessions        int
	MaxPendingRequests int
	MaxQueueSize       int
	MaxWSBufferedTCP   int64
	MaxWSBufferedHTTP  int64
	MaxResponseSize    int64

	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	ReconnectTimeout    time.Duration
	TCPConnectTimeout   time.Duration
	DNSQueryTimeout     time.Duration
	HTTPFetchTimeout    time.Duration
	HTTPAwaitTimeout    time.Duration
	PendingReaperPeriod time.Duration

	LogLevel                string
	GracefulShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, filling in the
// construction defaults named in spec.md §5/§6 for anything unset.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:              getString(envListenAddr, defaultListenAddr),
		ConnectPath:             getString(envConnectPath, defaultConnectPath),
		InitiatorURL:            strings.TrimSpace(os.Getenv(envUpstreamURL)),
		TLSCertFile:             strings.TrimSpace(os.Getenv(envTLSCertFile)),
		TLSKeyFile:              strings.TrimSpace(os.Getenv(envTLSKeyFile)),
		MaxSessions:             getInt(envMaxSessions, defaultMaxSessions),
		MaxPendingRequests:      getInt(envMaxPendingRequests, defaultMaxPendingRequests),
		MaxQueueSize:            getInt(envMaxQueueSize, defaultMaxQueueSize),
		MaxWSBufferedTCP:        int64(getInt(envMaxWSBufferedTCP, defaultMaxWSBufferedTCP)),
		MaxWSBufferedHTTP:       int64(getInt(envMaxWSBufferedHTTP, defaultMaxWSBufferedHTTP)),
		MaxResponseSize:         int64(getInt(envMaxResponseSize, defaultMaxResponseSize)),
		HeartbeatInterval:       getDuration(envHeartbeatInterval, defaultHeartbeatInterval),
		HeartbeatTimeout:        getDuration(envHeartbeatTimeout, defaultHeartbeatTimeout),
		ReconnectTimeout:        getDuration(envReconnectTimeout, defaultReconnectTimeout),
		TCPConnectTimeout:       getDuration(envTCPConnectTimeout, defaultTCPConnectTimeout),
		DNSQueryTimeout:         getDuration(envDNSQueryTimeout, defaultDNSQueryTimeout),
		HTTPFetchTimeout:        getDuration(envHTTPFetchTimeout, defaultHTTPFetchTimeout),
		HTTPAwaitTimeout:        getDuration(envHTTPAwaitTimeout, defaultHTTPAwaitTimeout),
		PendingReaperPeriod:     getDuration(envPendingReaperPeriod, defaultPendingReaperPeriod),
		LogLevel:                strings.ToLower(getString(envLogLevel, defaultLogLevel)),
		GracefulShutdownTimeout: getDuration(envGracefulShutdown, defaultGracefulShutdown),
	}

	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return Config{}, errors.New("TUNNELMUX_TLS_CERT_FILE and TUNNELMUX_TLS_KEY_FILE must both be set or both be empty")
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
