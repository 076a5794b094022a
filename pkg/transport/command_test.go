// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package transport

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestCommandHandlerPing(t *testing.T) {
	h := &CommandHandler{Role: RoleInitiator, StartTime: time.Now()}
	reply := h.Handle("PING")

	var parsed struct {
		Success bool `json:"success"`
		Message string `json:"message"`
		Data    struct {
			Timestamp int64 `json:"timestamp"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(reply), &parsed); err != nil {
		t.Fatalf("reply is not valid JSON: %v, reply=%s", err, reply)
	}
	if !parsed.Success || parsed.Message != "PONG" {
		t.Fatalf("want success PONG, got %+v", parsed)
	}
}

func TestCommandHandlerSetUUID(t *testing.T) {
	var captured string
	h := &CommandHandler{
		Role:      RoleEgress,
		StartTime: time.Now(),
		OnSetUUID: func(uuid string) { captured = uuid },
	}
	reply := h.Handle("SET UUID abc-123")
	if captured != "abc-123" {
		t.Fatalf("want captured uuid abc-123, got %q", captured)
	}
	if !strings.Contains(reply, `"success":true`) {
		t.Fatalf("expected success reply, got %s", reply)
	}
}

func TestCommandHandlerSetLogLevelEgressOnly(t *testing.T) {
	h := &CommandHandler{Role: RoleInitiator, StartTime: time.Now()}
	reply := h.Handle("SET LOGLEVEL debug")
	if !strings.Contains(reply, `"success":false`) {
		t.Fatalf("expected initiator to reject SET LOGLEVEL, got %s", reply)
	}
}

func TestCommandHandlerUnknownVerb(t *testing.T) {
	h := &CommandHandler{Role: RoleInitiator, StartTime: time.Now()}
	reply := h.Handle("BOGUS")
	if !strings.Contains(reply, "Unknown command") {
		t.Fatalf("expected unknown command message, got %s", reply)
	}
}

func TestCommandHandlerLeadingSlashAndCmdPrefix(t *testing.T) {
	h := &CommandHandler{Role: RoleInitiator, StartTime: time.Now()}
	for _, raw := range []string{"/GET STATUS", "CMD GET STATUS", "get status"} {
		reply := h.Handle(raw)
		if !strings.Contains(reply, `"status":"connected"`) {
			t.Fatalf("input %q: expected connected status, got %s", raw, reply)
		}
	}
}

func TestCommandHandlerPongNoReply(t *testing.T) {
	h := &CommandHandler{Role: RoleInitiator, StartTime: time.Now()}
	if reply := h.Handle("PONG"); reply != "" {
		t.Fatalf("want empty reply for PONG, got %q", reply)
	}
}
