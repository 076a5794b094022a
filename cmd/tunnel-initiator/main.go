// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/tunnelmux/pkg/client"
	"github.com/go-core-stack/tunnelmux/pkg/config"
	"github.com/go-core-stack/tunnelmux/pkg/transport"
)

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

	if cfg.InitiatorURL == "" {
		log.Fatal().Msg("TUNNELMUX_INITIATOR_URL must be set to the egress endpoint")
	}

	sessionID := strings.ReplaceAll(uuid.NewString(), "-", "")

	link := transport.New(transport.Config{
		MaxQueueFrames:    cfg.MaxQueueSize,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
	}, log.Logger)

	if err := dial(link, cfg.InitiatorURL); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to egress endpoint")
	}
	link.SendCommand(fmt.Sprintf("SET UUID %s", sessionID))

	tunnel := client.New(link, client.Config{
		MaxPendingRequests: cfg.MaxPendingRequests,
		ReaperPeriod:       cfg.PendingReaperPeriod,
		TCPConnectTimeout:  cfg.TCPConnectTimeout,
		DNSQueryTimeout:    cfg.DNSQueryTimeout,
		HTTPAwaitTimeout:   cfg.HTTPAwaitTimeout,
	}, log.Logger)

	log.Info().Str("session_id", sessionID).Str("upstream", cfg.InitiatorURL).Msg("tunnel initiator connected")

	waitForShutdown(context.Background(), tunnel, link, cfg.GracefulShutdownTimeout)
}

// dial performs the initial websocket handshake and binds it to link.
func dial(link *transport.Link, rawURL string) error {
	conn, _, err := websocket.DefaultDialer.Dial(rawURL, nil)
	if err != nil {
		return err
	}
	link.Rebind(conn)
	return nil
}

func waitForShutdown(ctx context.Context, tunnel *client.Client, link *transport.Link, timeout time.Duration) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop

	log.Info().Msg("shutting down tunnel initiator")

	_, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tunnel.Close()
	link.Close()

	log.Info().Msg("tunnel initiator stopped")
}
