// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package transport

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/go-core-stack/tunnelmux/pkg/wire"
)

var upgrader = websocket.Upgrader{}

func newTestServer(t *testing.T, onConn func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		onConn(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}

func TestLinkHeartbeatNonAmplification(t *testing.T) {
	var serverReceivedBinary int32
	srv := newTestServer(t, func(conn *websocket.Conn) {
		// Send the link one HEARTBEAT from the peer side.
		_ = conn.WriteMessage(websocket.BinaryMessage, wire.Encode(wire.Frame{Type: wire.Heartbeat, ResourceID: 0}))
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.BinaryMessage {
				f, _ := wire.Decode(data)
				if f.Type == wire.Heartbeat {
					atomic.AddInt32(&serverReceivedBinary, 1)
				}
			}
		}
	})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Simulate the server sending a HEARTBEAT to the client link; the link
	// must not reply with a HEARTBEAT of its own (spec.md property 7).
	link := New(Config{MaxQueueFrames: 10, HeartbeatInterval: 0, HeartbeatTimeout: 0}, zerolog.Nop())
	defer link.Close()
	link.Rebind(conn)

	serverConnCh := make(chan *websocket.Conn, 1)
	srv2 := newTestServer(t, func(c *websocket.Conn) { serverConnCh <- c })
	_ = srv2

	// The server handler above sends one HEARTBEAT as soon as the socket is
	// up; after some time, no HEARTBEAT should have been sent back (the link
	// only sends its own ticking heartbeats, which are disabled in this test
	// via interval=0).
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&serverReceivedBinary) != 0 {
		t.Fatalf("link must not echo HEARTBEAT frames")
	}
}

func TestLinkQueueBoundDropsNewestWithoutReordering(t *testing.T) {
	link := New(Config{MaxQueueFrames: 5, HeartbeatInterval: 0, HeartbeatTimeout: 0}, zerolog.Nop())
	defer link.Close()

	for i := uint32(1); i <= 8; i++ {
		link.SendFrame(wire.Frame{Type: wire.TCPData, ResourceID: i})
	}

	if depth := link.QueueDepth(); depth != 5 {
		t.Fatalf("want queue depth 5, got %d", depth)
	}

	var order []uint32
	for {
		data, ok := link.dequeue()
		if !ok {
			break
		}
		f, err := wire.Decode(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		order = append(order, f.ResourceID)
	}
	want := []uint32{1, 2, 3, 4, 5}
	if len(order) != len(want) {
		t.Fatalf("want %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("want %v, got %v", want, order)
		}
	}
}

func TestLinkRebindResumesQueuedFrames(t *testing.T) {
	var mu sync.Mutex
	var received []uint32
	allReceived := make(chan struct{})

	srv := newTestServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := wire.Decode(data)
			if err != nil {
				continue
			}
			mu.Lock()
			received = append(received, f.ResourceID)
			n := len(received)
			mu.Unlock()
			if n == 3 {
				close(allReceived)
			}
		}
	})

	link := New(Config{MaxQueueFrames: 10}, zerolog.Nop())
	defer link.Close()

	// Queue frames before any socket is attached (as during a reconnect
	// grace window): they must not be dropped, only delayed.
	link.SendFrame(wire.Frame{Type: wire.TCPData, ResourceID: 1})
	link.SendFrame(wire.Frame{Type: wire.TCPData, ResourceID: 2})
	link.SendFrame(wire.Frame{Type: wire.TCPData, ResourceID: 3})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	link.Rebind(conn)

	select {
	case <-allReceived:
	case <-time.After(2 * time.Second):
		mu.Lock()
		defer mu.Unlock()
		t.Fatalf("timed out waiting for queued frames to drain, got %v", received)
	}
}
