// Package session implements the agent session layer (C2, §4.2): each
// host agent holds one long-lived gorilla/websocket connection to the
// control plane, authenticated by Ed25519 signature and protected against
// replay by a strictly increasing per-connection sequence number. A
// second connection for the same HostID evicts the first (§4.2 Scenario
// 5), matching the teacher's own session-handling texture in
// internal/manager/service.go, where reconnecting components replace
// rather than duplicate their registered state.
package session

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wharfctl/wharf/internal/auth"
	"github.com/wharfctl/wharf/internal/metrics"
	"github.com/wharfctl/wharf/internal/protocol"
)

// Session is one live, authenticated agent connection.
type Session struct {
	HostID        string
	PublicKey     ed25519.PublicKey
	conn          *websocket.Conn
	writeMu       sync.Mutex
	lastSeq       uint64
	lastHeartbeat time.Time
	closed        chan struct{}
}

// send marshals and writes env as a text frame, serializing concurrent
// writers the way a single *websocket.Conn requires.
func (s *Session) send(env protocol.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("session: marshal envelope: %w", err)
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Manager owns the live session table — an in-memory-only registry, never
// persisted, per §9's design note that session state does not belong in
// the DSDB.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	serverKey   ed25519.PrivateKey
	nextSeq     map[string]uint64
	clockSkew   time.Duration
	onEnvelope  func(hostID string, env protocol.Envelope)
}

// NewManager builds a Manager that signs outbound envelopes with
// serverKey and rejects inbound envelopes whose timestamp drifts more
// than clockSkew from wall clock (§4.2).
func NewManager(serverKey ed25519.PrivateKey, clockSkew time.Duration, onEnvelope func(hostID string, env protocol.Envelope)) *Manager {
	return &Manager{
		sessions:   make(map[string]*Session),
		nextSeq:    make(map[string]uint64),
		serverKey:  serverKey,
		clockSkew:  clockSkew,
		onEnvelope: onEnvelope,
	}
}

// Register installs conn as the active session for hostID, closing and
// replacing any prior session for that host (§4.2 Scenario 5: a host that
// reconnects evicts its stale session rather than running two).
func (m *Manager) Register(hostID string, pub ed25519.PublicKey, conn *websocket.Conn) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.sessions[hostID]; ok {
		slog.Info("session: evicting prior connection", "host_id", hostID)
		close(prev.closed)
		prev.conn.Close()
	}

	s := &Session{
		HostID:        hostID,
		PublicKey:     pub,
		conn:          conn,
		lastHeartbeat: time.Now(),
		closed:        make(chan struct{}),
	}
	m.sessions[hostID] = s
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	return s
}

// Unregister removes hostID's session if it is still the one given (a
// stale removal — e.g. from a read loop that lost a race with a newer
// Register call — is a no-op).
func (m *Manager) Unregister(hostID string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[hostID]; ok && cur == s {
		delete(m.sessions, hostID)
		metrics.ActiveSessions.Set(float64(len(m.sessions)))
	}
}

// Get returns the live session for hostID, if any.
func (m *Manager) Get(hostID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[hostID]
	return s, ok
}

// Connected reports whether hostID currently has a live session.
func (m *Manager) Connected(hostID string) bool {
	_, ok := m.Get(hostID)
	return ok
}

// Send signs and delivers payload to hostID's active session, framed as a
// protocol.Envelope of the given Type (§4.2: "control plane -> agent
// messages are signed the same way").
func (m *Manager) Send(hostID string, typ protocol.Type, payload any) error {
	s, ok := m.Get(hostID)
	if !ok {
		return fmt.Errorf("session: no active session for host %s", hostID)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("session: marshal payload: %w", err)
	}

	m.mu.Lock()
	seq := m.nextSeq[hostID] + 1
	m.nextSeq[hostID] = seq
	m.mu.Unlock()

	now := time.Now()
	env := protocol.Envelope{
		Type:      typ,
		HostID:    hostID,
		Seq:       seq,
		Timestamp: now,
		Payload:   raw,
	}
	env.Signature = auth.Sign(m.serverKey, now, raw)
	return s.send(env)
}

// ReadLoop verifies and dispatches every inbound envelope on s, until ctx
// is cancelled, the connection errors, or a failure condition in §4.2
// ("bad signature", "sequence regression", "missing/invalid headers") is
// hit. Those are fatal: the control plane notifies the peer with a
// protocol.Error and tears the session down rather than skipping the
// offending envelope, since a peer that failed authentication or replay
// defense once cannot be trusted to self-correct on the next frame.
func (m *Manager) ReadLoop(ctx context.Context, s *Session) {
	defer m.Unregister(s.HostID, s)
	defer s.conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			slog.Info("session: read loop ended", "host_id", s.HostID, "error", err)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.HostID == "" || env.Type == "" {
			slog.Warn("session: malformed envelope", "host_id", s.HostID, "error", err)
			m.terminateFatal(s, "malformed_envelope", "envelope did not parse or was missing required fields")
			return
		}

		if err := auth.Verify(s.PublicKey, env.Timestamp, env.Payload, env.Signature, time.Now(), m.clockSkew); err != nil {
			slog.Warn("session: rejected envelope", "host_id", s.HostID, "error", err)
			m.terminateFatal(s, "bad_signature", err.Error())
			return
		}

		// Replay defense (L3): a non-increasing Seq is fatal, not dropped.
		if env.Seq <= s.lastSeq {
			slog.Warn("session: replayed or out-of-order seq", "host_id", s.HostID, "seq", env.Seq, "last", s.lastSeq)
			m.terminateFatal(s, "sequence_regression", fmt.Sprintf("seq %d did not exceed last accepted seq %d", env.Seq, s.lastSeq))
			return
		}
		s.lastSeq = env.Seq
		s.lastHeartbeat = time.Now()

		if m.onEnvelope != nil {
			m.onEnvelope(s.HostID, env)
		}
	}
}

// RejectHandshake signs and writes a fatal protocol.Error directly to conn
// for a peer that failed the Hello handshake before a Session existed to
// hang it off of (malformed Hello envelope, bad Hello payload, unknown
// host, bad Hello signature). A read error or timeout on the first frame
// closes the connection without it.
// Best-effort: the caller closes conn regardless of the outcome here.
func (m *Manager) RejectHandshake(conn *websocket.Conn, code, message string) {
	payload, _ := json.Marshal(protocol.Error{Code: code, Message: message, Fatal: true})
	now := time.Now()
	env := protocol.Envelope{
		Type:      protocol.TypeError,
		Timestamp: now,
		Payload:   payload,
	}
	env.Signature = auth.Sign(m.serverKey, now, payload)
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.TextMessage, data)
}

// terminateFatal notifies s's peer of a fatal protocol error and closes
// the connection; ReadLoop's deferred Unregister/Close then run as usual.
// The notification is best-effort: a write failure here just means the
// peer already hung up, which is what we wanted anyway.
func (m *Manager) terminateFatal(s *Session, code, message string) {
	payload, _ := json.Marshal(protocol.Error{Code: code, Message: message, Fatal: true})
	now := time.Now()
	env := protocol.Envelope{
		Type:      protocol.TypeError,
		HostID:    s.HostID,
		Timestamp: now,
		Payload:   payload,
	}
	env.Signature = auth.Sign(m.serverKey, now, payload)
	if err := s.send(env); err != nil {
		slog.Warn("session: failed to deliver error notice", "host_id", s.HostID, "error", err)
	}
}

// LastHeartbeat returns the time of the most recently accepted envelope
// from hostID's session, an in-memory signal; C7's StaleThreshold sweep
// reads the DSDB heartbeat instead and does not call it.
func (s *Session) LastHeartbeat() time.Time { return s.lastHeartbeat }
