// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package session

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/go-core-stack/tunnelmux/pkg/transport"
)

var upgrader = websocket.Upgrader{}

func dialTestConn(t *testing.T) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, srv.Close
}

func TestRegistryGraceWindowExpires(t *testing.T) {
	reg := New(Config{ReconnectTimeout: 30 * time.Millisecond, MaxSessions: 10}, zerolog.Nop())

	link := transport.New(transport.Config{MaxQueueFrames: 10}, zerolog.Nop())
	conn, closeSrv := dialTestConn(t)
	defer closeSrv()
	link.Rebind(conn)

	var expired int32
	_, err := reg.Create("session-a", link, func() { atomic.StoreInt32(&expired, 1) })
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	conn.Close() // simulate the socket dropping

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&expired) == 0 {
		select {
		case <-deadline:
			t.Fatalf("grace window never expired")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, ok := reg.Lookup("session-a"); ok {
		t.Fatalf("expired session should have been removed from the registry")
	}
}

func TestRegistryReassignIncrementsReconnectCount(t *testing.T) {
	reg := New(Config{ReconnectTimeout: 5 * time.Second, MaxSessions: 10}, zerolog.Nop())

	link := transport.New(transport.Config{MaxQueueFrames: 10}, zerolog.Nop())
	conn1, closeSrv1 := dialTestConn(t)
	defer closeSrv1()
	link.Rebind(conn1)

	entry, err := reg.Create("session-b", link, func() {})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	conn1.Close()
	time.Sleep(20 * time.Millisecond) // let handleDisconnect observe the close

	conn2, closeSrv2 := dialTestConn(t)
	defer closeSrv2()

	if _, err := reg.Reassign("session-b", conn2); err != nil {
		t.Fatalf("Reassign: %v", err)
	}

	if entry.ReconnectCount() != 1 {
		t.Fatalf("want reconnectCount 1, got %d", entry.ReconnectCount())
	}
}

func TestRegistryReassignUnknownSession(t *testing.T) {
	reg := New(Config{ReconnectTimeout: time.Second}, zerolog.Nop())
	conn, closeSrv := dialTestConn(t)
	defer closeSrv()
	defer conn.Close()

	if _, err := reg.Reassign("does-not-exist", conn); err != ErrUnknownSession {
		t.Fatalf("want ErrUnknownSession, got %v", err)
	}
}
