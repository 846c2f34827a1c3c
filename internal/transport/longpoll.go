package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tillbridge/tillbridge/internal/config"
	"github.com/tillbridge/tillbridge/internal/session"
)

// pollQueueCap bounds the outbound queue of one polling peer. A peer that
// stops draining loses its oldest events first; the session-level responses
// it actually waits on are re-requested by the client protocol.
const pollQueueCap = 1024

// reapInterval is how often idle polling sessions are swept.
const reapInterval = 30 * time.Second

// PollHandler serves the HTTP long-polling fallback. The protocol is three
// verbs on one resource: POST to the root opens a session and returns its id,
// POST to the id submits events, GET on the id blocks until the server has
// events to deliver (or the poll window lapses), DELETE closes the session.
type PollHandler struct {
	hub *session.Hub
	cfg *config.Config
	log *logrus.Entry

	mu    sync.Mutex
	peers map[string]*pollEntry
}

type pollEntry struct {
	peer *pollPeer
	sess *session.Session
}

// NewPollHandler builds the long-polling endpoint over hub.
func NewPollHandler(hub *session.Hub, cfg *config.Config, log *logrus.Logger) *PollHandler {
	return &PollHandler{
		hub:   hub,
		cfg:   cfg,
		log:   log.WithField("component", "poll"),
		peers: make(map[string]*pollEntry),
	}
}

// Run sweeps sessions whose peers stopped polling. A polling peer shows
// liveness by asking for events; one quiet past the ping timeout plus a poll
// window is as gone as a dead socket.
func (h *PollHandler) Run(ctx context.Context) error {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.reap()
		}
	}
}

func (h *PollHandler) reap() {
	cutoff := h.cfg.PingTimeout + h.cfg.PingInterval
	var stale []*pollEntry

	h.mu.Lock()
	for id, e := range h.peers {
		if e.peer.isClosed() {
			delete(h.peers, id)
			continue
		}
		if e.peer.idleFor() > cutoff {
			delete(h.peers, id)
			stale = append(stale, e)
		}
	}
	h.mu.Unlock()

	for _, e := range stale {
		h.log.WithField("socket_id", e.peer.ID()).Info("polling session timed out")
		e.sess.Close()
	}
}

// ServeHTTP implements http.Handler. Mount under a stripped prefix so the
// remaining path is "" for the root or "/{socketId}".
func (h *PollHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(r.URL.Path, "/")

	switch {
	case id == "" && r.Method == http.MethodPost:
		h.handleConnect(w, r)
	case id == "":
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	default:
		entry, ok := h.lookup(id)
		if !ok {
			writeJSON(w, http.StatusGone, map[string]any{"error": "unknown or expired session"})
			return
		}
		switch r.Method {
		case http.MethodGet:
			h.handlePoll(w, r, entry)
		case http.MethodPost:
			h.handleEvents(w, r, entry)
		case http.MethodDelete:
			entry.sess.Close()
			writeJSON(w, http.StatusOK, map[string]any{"closed": true})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func (h *PollHandler) lookup(id string) (*pollEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.peers[id]
	if !ok || e.peer.isClosed() {
		return nil, false
	}
	e.peer.touch()
	return e, true
}

func (h *PollHandler) handleConnect(w http.ResponseWriter, _ *http.Request) {
	peer := newPollPeer()
	sess := h.hub.Accept(peer)

	h.mu.Lock()
	h.peers[peer.ID()] = &pollEntry{peer: peer, sess: sess}
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"socketId":     peer.ID(),
		"pollInterval": h.cfg.PingInterval.Milliseconds(),
	})
}

// handleEvents accepts one envelope or an array of envelopes and dispatches
// them in order. Dispatch is serialised per peer, so two overlapping POSTs
// cannot interleave their events.
func (h *PollHandler) handleEvents(w http.ResponseWriter, r *http.Request, e *pollEntry) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBufferSize))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": err.Error()})
		return
	}

	envs, err := decodeEnvelopeBatch(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	e.peer.dispatchMu.Lock()
	for _, env := range envs {
		e.sess.HandleEvent(r.Context(), env.Event, env.Data)
	}
	e.peer.dispatchMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"accepted": len(envs)})
}

// handlePoll blocks until the peer has outbound events, the poll window
// lapses (empty 200), or the session closes (410).
func (h *PollHandler) handlePoll(w http.ResponseWriter, r *http.Request, e *pollEntry) {
	window := time.NewTimer(h.cfg.PingInterval)
	defer window.Stop()

	for {
		if batch := e.peer.drain(); len(batch) > 0 {
			writeJSON(w, http.StatusOK, batch)
			return
		}
		if e.peer.isClosed() {
			writeJSON(w, http.StatusGone, map[string]any{"error": "session closed"})
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-window.C:
			writeJSON(w, http.StatusOK, []Envelope{})
			return
		case <-e.peer.notify:
		}
	}
}

func decodeEnvelopeBatch(body []byte) ([]Envelope, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, ErrEmptyEvent
	}
	if trimmed[0] == '[' {
		var envs []Envelope
		if err := json.Unmarshal([]byte(trimmed), &envs); err != nil {
			return nil, fmt.Errorf("malformed envelope array: %w", err)
		}
		for i, env := range envs {
			if env.Event == "" {
				return nil, fmt.Errorf("envelope %d: %w", i, ErrEmptyEvent)
			}
		}
		return envs, nil
	}
	env, err := DecodeEnvelope(body)
	if err != nil {
		return nil, err
	}
	return []Envelope{env}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// pollPeer adapts the polling protocol to the session.Peer contract: emits
// queue up until the next GET drains them.
type pollPeer struct {
	id     string
	notify chan struct{}

	dispatchMu sync.Mutex // serialises inbound dispatch across POSTs

	mu       sync.Mutex
	queue    []Envelope
	dropped  int
	closed   bool
	lastSeen time.Time
}

func newPollPeer() *pollPeer {
	return &pollPeer{
		id:       uuid.NewString(),
		notify:   make(chan struct{}, 1),
		lastSeen: time.Now(),
	}
}

// ID implements session.Peer.
func (p *pollPeer) ID() string { return p.id }

// Emit implements session.Peer. Events queue for the next poll; when the
// queue is full the oldest event gives way so the session never blocks on a
// slow poller.
func (p *pollPeer) Emit(event string, data any) error {
	frame, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", event, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("peer is closed")
	}
	if len(p.queue) >= pollQueueCap {
		p.queue = p.queue[1:]
		p.dropped++
	}
	p.queue = append(p.queue, Envelope{Event: event, Data: frame})
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close implements session.Peer.
func (p *pollPeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.queue = nil
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

func (p *pollPeer) drain() []Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := p.queue
	p.queue = nil
	return batch
}

func (p *pollPeer) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

func (p *pollPeer) idleFor() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastSeen)
}

func (p *pollPeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
