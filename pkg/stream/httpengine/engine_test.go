// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package httpengine

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-core-stack/tunnelmux/pkg/dispatch"
	"github.com/go-core-stack/tunnelmux/pkg/wire"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []wire.Frame
}

func (f *fakeSender) SendFrame(fr wire.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
}
func (f *fakeSender) BufferedAmount() int64 { return 0 }

func (f *fakeSender) snapshot() []wire.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeSender) waitForEnd(t *testing.T) []wire.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := f.snapshot()
		for _, fr := range snap {
			if fr.Type == wire.HTTPBodyEnd || fr.Type == wire.Error {
				return snap
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for terminal frame")
	return nil
}

type fakeRegistrar struct {
	mu       sync.Mutex
	handlers map[uint32]dispatch.StreamHandler
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{handlers: make(map[uint32]dispatch.StreamHandler)}
}
func (r *fakeRegistrar) RegisterHTTP(id uint32, h dispatch.StreamHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[id] = h
}
func (r *fakeRegistrar) UnregisterHTTP(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, id)
}

func TestHTTPRequestRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "hello from upstream")
	}))
	defer upstream.Close()

	sender := &fakeSender{}
	reg := newFakeRegistrar()
	engine := New(sender, reg, Config{}, nil, zerolog.Nop())

	payload, err := wire.EncodeHTTPRequest(wire.HTTPRequestMeta{
		Method:  http.MethodGet,
		URL:     upstream.URL + "/path",
		Headers: map[string]string{},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	engine.OnHTTPRequest(1, payload)

	frames := sender.waitForEnd(t)
	var gotResponse, gotChunk, gotEnd bool
	var bodyText string
	for _, fr := range frames {
		switch fr.Type {
		case wire.HTTPResponse:
			gotResponse = true
			meta, err := wire.DecodeHTTPResponse(fr.Payload)
			if err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if meta.Status != http.StatusOK {
				t.Fatalf("want 200, got %d", meta.Status)
			}
		case wire.HTTPBodyChunk:
			gotChunk = true
			bodyText += string(fr.Payload)
		case wire.HTTPBodyEnd:
			gotEnd = true
		}
	}
	if !gotResponse || !gotChunk || !gotEnd {
		t.Fatalf("missing expected frames: response=%v chunk=%v end=%v", gotResponse, gotChunk, gotEnd)
	}
	if bodyText != "hello from upstream" {
		t.Fatalf("unexpected body: %q", bodyText)
	}
}

func TestHTTPRequestRejectsBadScheme(t *testing.T) {
	sender := &fakeSender{}
	reg := newFakeRegistrar()
	engine := New(sender, reg, Config{}, nil, zerolog.Nop())

	payload, _ := wire.EncodeHTTPRequest(wire.HTTPRequestMeta{
		Method: http.MethodGet,
		URL:    "ftp://example.com/file",
	})
	engine.OnHTTPRequest(2, payload)

	frames := sender.waitForEnd(t)
	if len(frames) != 1 || frames[0].Type != wire.Error {
		t.Fatalf("want single ERROR frame, got %+v", frames)
	}
}

func TestHTTPRequestWithBodyForwardsUpload(t *testing.T) {
	var receivedBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		receivedBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	sender := &fakeSender{}
	reg := newFakeRegistrar()
	engine := New(sender, reg, Config{}, nil, zerolog.Nop())

	payload, err := wire.EncodeHTTPRequest(wire.HTTPRequestMeta{
		Method:  http.MethodPost,
		URL:     upstream.URL + "/upload",
		Headers: map[string]string{"content-length": "11"},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	go engine.OnHTTPRequest(3, payload)

	// Give OnHTTPRequest a moment to register the stream handler before
	// feeding body chunks, mirroring the synchronous-install race the real
	// initiator avoids by installing its body controller up front.
	time.Sleep(20 * time.Millisecond)
	reg.mu.Lock()
	h := reg.handlers[3]
	reg.mu.Unlock()
	if h == nil {
		t.Fatalf("request stream not registered yet")
	}
	h.HandleFrame(wire.Frame{Type: wire.HTTPBodyChunk, ResourceID: 3, Payload: []byte("hello ")})
	h.HandleFrame(wire.Frame{Type: wire.HTTPBodyChunk, ResourceID: 3, Payload: []byte("world")})
	h.HandleFrame(wire.Frame{Type: wire.HTTPBodyEnd, ResourceID: 3})

	sender.waitForEnd(t)
	if receivedBody != "hello world" {
		t.Fatalf("want forwarded body, got %q", receivedBody)
	}
}
