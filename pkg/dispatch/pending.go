// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package dispatch

import (
	"errors"
	"sync"
	"time"
)

// Kind distinguishes the reply-channel shape a pending stream expects,
// modeling spec.md §9's "small tagged variant per stream class" in place of
// a JS-style "resolve a Promise then also feed its stream controller".
type Kind int

const (
	KindTCP Kind = iota
	KindUDP
	KindDNS
	KindHTTP
)

// Reply is delivered once on a PendingHandler's ReplyCh: either the first
// successful response payload for this stream, or a terminal error.
type Reply struct {
	Payload []byte
	Err     error
}

// ErrQueueFull is returned by PendingTable.Register once MaxPendingRequests
// is reached (spec.md §4.4 "Table capacity").
var ErrQueueFull = errors.New("dispatch: pending request table full")

// PendingHandler joins an initiator-side in-flight operation to its awaiter
// and, for TCP/HTTP, a bounded multi-shot body channel fed by subsequent
// *_DATA/HTTP_BODY_CHUNK frames.
type PendingHandler struct {
	Kind      Kind
	ReplyCh   chan Reply
	BodyCh    chan []byte // nil until installed; see InstallBody
	CreatedAt time.Time

	mu          sync.Mutex
	replied     bool
	bodyClosed  bool
}

func newPendingHandler(kind Kind, now time.Time) *PendingHandler {
	return &PendingHandler{
		Kind:      kind,
		ReplyCh:   make(chan Reply, 1),
		CreatedAt: now,
	}
}

// InstallBody synchronously attaches a body channel before the caller sends
// its request frame, so that HTTP_BODY_CHUNK frames racing the HTTP_RESPONSE
// are never lost (spec.md §4.4 "HTTP_RESPONSE (init)").
func (p *PendingHandler) InstallBody(capacity int) chan []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.BodyCh == nil {
		p.BodyCh = make(chan []byte, capacity)
	}
	return p.BodyCh
}

// reply delivers r on ReplyCh exactly once; subsequent calls are no-ops.
func (p *PendingHandler) reply(r Reply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.replied {
		return
	}
	p.replied = true
	p.ReplyCh <- r
}

// appendBody pushes one chunk to the body channel, if installed.
func (p *PendingHandler) appendBody(chunk []byte) {
	p.mu.Lock()
	ch := p.BodyCh
	closed := p.bodyClosed
	p.mu.Unlock()
	if ch == nil || closed {
		return
	}
	select {
	case ch <- chunk:
	default:
		// Bounded multi-shot channel is full; the consumer is not draining
		// fast enough. Drop rather than block the dispatcher (spec.md §5:
		// "The dispatcher itself is non-suspending").
	}
}

// closeBody closes the body channel exactly once, if installed.
func (p *PendingHandler) closeBody() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.BodyCh != nil && !p.bodyClosed {
		p.bodyClosed = true
		close(p.BodyCh)
	}
}

// PendingTable is the initiator-side map from resourceId to PendingHandler
// (spec.md §3 "PendingHandler (initiator side)"), plus the monotonic
// resourceId allocator and the stale-entry reaper.
type PendingTable struct {
	mu      sync.Mutex
	entries map[uint32]*PendingHandler
	nextID  uint32
	maxSize int
	maxAge  time.Duration
}

// NewPendingTable constructs an empty table. maxSize enforces
// MAX_PENDING_REQUESTS; maxAge is the reaper's hard upper bound (2 min by
// default) independent of any per-call timeout.
func NewPendingTable(maxSize int, maxAge time.Duration) *PendingTable {
	return &PendingTable{
		entries: make(map[uint32]*PendingHandler),
		maxSize: maxSize,
		maxAge:  maxAge,
	}
}

// AllocateID returns the next strictly-increasing resourceId, wrapping
// 2^32-1 back to 1 (0 is reserved for heartbeats/control).
func (t *PendingTable) AllocateID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	if t.nextID == 0 {
		t.nextID = 1
	}
	return t.nextID
}

// Register creates and stores a new PendingHandler for id.
func (t *PendingTable) Register(id uint32, kind Kind, now time.Time) (*PendingHandler, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.maxSize > 0 && len(t.entries) >= t.maxSize {
		return nil, ErrQueueFull
	}
	h := newPendingHandler(kind, now)
	t.entries[id] = h
	return h, nil
}

// Get looks up the handler for id.
func (t *PendingTable) Get(id uint32) (*PendingHandler, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.entries[id]
	return h, ok
}

// Remove drops id from the table, returning the removed handler if present.
func (t *PendingTable) Remove(id uint32) (*PendingHandler, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return h, ok
}

// Len reports the number of in-flight entries.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// RejectAll rejects every entry with err and empties the table — used when
// the transport disconnects (spec.md §5 "Cancellation").
func (t *PendingTable) RejectAll(err error) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[uint32]*PendingHandler)
	t.mu.Unlock()

	for _, h := range entries {
		h.reply(Reply{Err: err})
		h.closeBody()
	}
}

// Reap sweeps entries older than maxAge, rejecting them with a timeout
// error regardless of any per-call timeout the caller applied on top.
func (t *PendingTable) Reap(now time.Time) {
	var stale []*PendingHandler

	t.mu.Lock()
	for id, h := range t.entries {
		if now.Sub(h.CreatedAt) > t.maxAge {
			stale = append(stale, h)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, h := range stale {
		h.reply(Reply{Err: ErrPendingReaped})
		h.closeBody()
	}
}

// ErrPendingReaped is the error delivered to any pending entry the reaper
// sweeps away.
var ErrPendingReaped = errors.New("dispatch: pending request reaped after exceeding hard age limit")
