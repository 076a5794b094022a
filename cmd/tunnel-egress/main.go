// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/tunnelmux/pkg/auth"
	"github.com/go-core-stack/tunnelmux/pkg/config"
	"github.com/go-core-stack/tunnelmux/pkg/egress"
	"github.com/go-core-stack/tunnelmux/pkg/session"
	"github.com/go-core-stack/tunnelmux/pkg/stream/httpengine"
	"github.com/go-core-stack/tunnelmux/pkg/transport"
)

const protocolVersion = 1

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
	}
	log.Logger = log.Level(level)

	var authHook egress.AuthHook
	if apiKey := os.Getenv("TUNNELMUX_UPSTREAM_API_KEY"); apiKey != "" {
		authHook = auth.NewSigner(apiKey, os.Getenv("TUNNELMUX_UPSTREAM_API_SECRET"))
	}

	srv := egress.New(egress.Config{
		ConnectPath: cfg.ConnectPath,
		TransportConfig: transport.Config{
			MaxQueueFrames:    cfg.MaxQueueSize,
			HeartbeatInterval: cfg.HeartbeatInterval,
			HeartbeatTimeout:  cfg.HeartbeatTimeout,
		},
		SessionConfig: session.Config{
			ReconnectTimeout: cfg.ReconnectTimeout,
			MaxSessions:      cfg.MaxSessions,
		},
		TCPConnectTimeout: cfg.TCPConnectTimeout,
		DNSQueryTimeout:   cfg.DNSQueryTimeout,
		HTTPConfig: httpengine.Config{
			FetchTimeout:    cfg.HTTPFetchTimeout,
			MaxResponseSize: cfg.MaxResponseSize,
			MaxWSBuffered:   cfg.MaxWSBufferedHTTP,
		},
		Version:  "tunnelmux-egress",
		Protocol: protocolVersion,
	}, authHook, log.Logger)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv,
	}

	go func() {
		log.Info().Str("listen_addr", cfg.ListenAddr).Str("connect_path", cfg.ConnectPath).Msg("starting tunnel egress")
		var serveErr error
		if cfg.TLSCertFile != "" {
			serveErr = server.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			serveErr = server.ListenAndServe()
		}
		if !errors.Is(serveErr, http.ErrServerClosed) {
			log.Fatal().Err(serveErr).Msg("egress server exited unexpectedly")
		}
	}()

	waitForShutdown(context.Background(), server, cfg.GracefulShutdownTimeout)
}

func waitForShutdown(ctx context.Context, srv *http.Server, timeout time.Duration) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop

	log.Info().Msg("shutting down tunnel egress")

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed; forcing close")
		if closeErr := srv.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("forced close failed")
		}
	}

	log.Info().Msg("tunnel egress stopped")
}
