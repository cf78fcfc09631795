// Package dispatch is the delivery transport: it pushes offer and
// outcome payloads over per-peer websocket sessions. It does not know
// anything about trip state.
package dispatch

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// WSSession is a single connected peer. Writes are serialized because
// gorilla/websocket allows only one concurrent writer per connection.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *WSSession) Close() error { return s.conn.Close() }

// WSRegistry holds live sessions keyed by peer id (driver or rider).
// OnConnect/OnDisconnect, when set, are the reachability signal into the
// presence registry.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger

	OnConnect    func(peerID string)
	OnDisconnect func(peerID string)
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

// Add registers the connection and fires OnConnect. An existing session
// for the same peer is closed and replaced; reconnects supersede.
func (r *WSRegistry) Add(peerID string, conn *websocket.Conn) {
	r.mu.Lock()
	old := r.sessions[peerID]
	r.sessions[peerID] = &WSSession{conn: conn}
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	if r.OnConnect != nil {
		r.OnConnect(peerID)
	}
}

// Remove drops the session if conn is still the registered one, then
// fires OnDisconnect. The conn check keeps a slow close of a superseded
// connection from tearing down its replacement.
func (r *WSRegistry) Remove(peerID string, conn *websocket.Conn) {
	r.mu.Lock()
	s, ok := r.sessions[peerID]
	if ok && s.conn == conn {
		delete(r.sessions, peerID)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if r.OnDisconnect != nil {
		r.OnDisconnect(peerID)
	}
}

// Send pushes a JSON payload to the peer. ErrNoSession when no channel
// is open; a failed write also tears the session down so presence stops
// advertising a dead channel.
func (r *WSRegistry) Send(peerID string, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[peerID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(v); err != nil {
		r.logger.Warn("ws send failed", "peer_id", peerID, "error", err)
		r.Remove(peerID, s.conn)
		return err
	}
	return nil
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
