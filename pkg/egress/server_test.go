// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package egress

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/go-core-stack/tunnelmux/pkg/session"
	"github.com/go-core-stack/tunnelmux/pkg/wire"
)

func newTestServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	srv := New(Config{
		ConnectPath:   "/tunnel",
		SessionConfig: session.Config{ReconnectTimeout: 5 * time.Second},
	}, nil, zerolog.Nop())
	httpSrv := httptest.NewServer(srv)
	t.Cleanup(httpSrv.Close)
	return httpSrv, srv
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		status := ""
		if resp != nil {
			status = resp.Status
		}
		t.Fatalf("dial %s: %v (status %s)", wsURL, err, status)
	}
	return conn
}

// readBinaryFrame reads websocket messages until a binary (wire.Frame)
// message arrives, skipping text-channel command replies.
func readBinaryFrame(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read message: %v", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		f, err := wire.Decode(data)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return f
	}
}

func TestNewSessionAnswersDNSQuery(t *testing.T) {
	httpSrv, _ := newTestServer(t)
	wsURL := "ws" + httpSrv.URL[len("http"):] + "/tunnel"

	conn := dial(t, wsURL)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("SET UUID test-session")); err != nil {
		t.Fatalf("send SET UUID: %v", err)
	}

	payload, err := wire.EncodeDNSQuery("localhost", wire.RecordA)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, wire.Encode(wire.Frame{Type: wire.DNSQuery, ResourceID: 1, Payload: payload})); err != nil {
		t.Fatalf("send DNS_QUERY: %v", err)
	}

	f := readBinaryFrame(t, conn)
	if f.Type == wire.Error {
		t.Fatalf("unexpected ERROR: %s", f.Payload)
	}
	if f.Type != wire.DNSResponse {
		t.Fatalf("want DNS_RESPONSE, got %v", f.Type)
	}
}

func TestUnknownReconnectIDRejected(t *testing.T) {
	httpSrv, _ := newTestServer(t)
	wsURL := "ws" + httpSrv.URL[len("http"):] + "/tunnel?id=does-not-exist"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial failure for unknown session id")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("want 404, got %d", status)
	}
}

func TestReconnectReattachesSession(t *testing.T) {
	httpSrv, srv := newTestServer(t)
	wsURL := "ws" + httpSrv.URL[len("http"):] + "/tunnel"

	conn := dial(t, wsURL)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("SET UUID reattach-me")); err != nil {
		t.Fatalf("send SET UUID: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := srv.Registry().Lookup("reattach-me"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never registered")
		}
		time.Sleep(time.Millisecond)
	}
	conn.Close()

	reconnURL := fmt.Sprintf("ws%s/tunnel?id=reattach-me", httpSrv.URL[len("http"):])
	conn2 := dial(t, reconnURL)
	defer conn2.Close()

	entry, ok := srv.Registry().Lookup("reattach-me")
	if !ok {
		t.Fatalf("session missing after reconnect")
	}
	if entry.ReconnectCount() != 1 {
		t.Fatalf("want reconnectCount 1, got %d", entry.ReconnectCount())
	}
}
