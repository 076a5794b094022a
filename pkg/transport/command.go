// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package transport

import (
	"encoding/json"
	"strings"
	"time"
)

// Role distinguishes which verbs a CommandHandler accepts (SET LOGLEVEL is
// server/egress only, per spec.md §4.9).
type Role int

const (
	RoleInitiator Role = iota
	RoleEgress
)

// commandResponse is the UTF-8 JSON object sent back on the text channel.
type commandResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// CommandHandler implements the minimal string-oriented control-channel
// protocol described in spec.md §4.9.
type CommandHandler struct {
	Role      Role
	StartTime time.Time
	Version   string
	Protocol  int

	// OnSetUUID is invoked when the initiator announces its session
	// identifier right after connect.
	OnSetUUID func(uuid string)
	// OnSetLogLevel is invoked for "SET LOGLEVEL <v>" (egress only).
	OnSetLogLevel func(level string) error
}

// Handle parses one text-channel command and returns the JSON response to
// write back, or "" if nothing should be sent (PONG). Empty input yields a
// failure response.
func (h *CommandHandler) Handle(raw string) string {
	verb, args, ok := parseCommand(raw)
	if !ok {
		return respond(false, "empty command", nil)
	}

	switch verb {
	case "SET":
		return h.handleSet(args)
	case "GET":
		return h.handleGet(args)
	case "STATS":
		return respond(true, "ok", map[string]any{
			"uptime_seconds": time.Since(h.StartTime).Seconds(),
		})
	case "PING":
		return respond(true, "PONG", map[string]any{"timestamp": time.Now().Unix()})
	case "PONG":
		return "" // liveness ack, no reply needed
	case "HELP":
		return respond(true, "available commands", []string{
			"SET UUID <v>", "SET LOGLEVEL <v>", "GET STATUS", "GET INFO",
			"GET VERSION", "STATS", "PING", "PONG", "HELP",
		})
	default:
		return respond(false, "Unknown command: "+verb, nil)
	}
}

func (h *CommandHandler) handleSet(args []string) string {
	if len(args) < 1 {
		return respond(false, "Unknown command: SET", nil)
	}
	switch strings.ToUpper(args[0]) {
	case "UUID":
		if len(args) < 2 {
			return respond(false, "SET UUID requires a value", nil)
		}
		if h.OnSetUUID != nil {
			h.OnSetUUID(args[1])
		}
		return respond(true, "uuid recorded", nil)
	case "LOGLEVEL":
		if h.Role != RoleEgress {
			return respond(false, "Unknown command: SET LOGLEVEL", nil)
		}
		if len(args) < 2 {
			return respond(false, "SET LOGLEVEL requires a value", nil)
		}
		if h.OnSetLogLevel != nil {
			if err := h.OnSetLogLevel(args[1]); err != nil {
				return respond(false, err.Error(), nil)
			}
		}
		return respond(true, "log level updated", nil)
	default:
		return respond(false, "Unknown command: SET "+args[0], nil)
	}
}

func (h *CommandHandler) handleGet(args []string) string {
	if len(args) < 1 {
		return respond(false, "Unknown command: GET", nil)
	}
	switch strings.ToUpper(args[0]) {
	case "STATUS":
		return respond(true, "ok", map[string]any{"status": "connected"})
	case "INFO":
		role := "initiator"
		if h.Role == RoleEgress {
			role = "egress"
		}
		return respond(true, "ok", map[string]any{
			"role":      role,
			"timestamp": time.Now().Unix(),
			"uptime":    time.Since(h.StartTime).Seconds(),
		})
	case "VERSION":
		return respond(true, "ok", map[string]any{
			"version":  h.Version,
			"protocol": h.Protocol,
		})
	default:
		return respond(false, "Unknown command: GET "+args[0], nil)
	}
}

// parseCommand strips an optional leading "/" or "CMD " prefix, splits on
// whitespace, and uppercases the verb.
func parseCommand(raw string) (verb string, args []string, ok bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "/")
	s = strings.TrimPrefix(s, "CMD ")
	s = strings.TrimPrefix(s, "cmd ")
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToUpper(fields[0]), fields[1:], true
}

func respond(success bool, message string, data any) string {
	body, err := json.Marshal(commandResponse{Success: success, Message: message, Data: data})
	if err != nil {
		return `{"success":false,"message":"internal error encoding response"}`
	}
	return string(body)
}
