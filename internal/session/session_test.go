package session

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wharfctl/wharf/internal/auth"
	"github.com/wharfctl/wharf/internal/dsdb"
	"github.com/wharfctl/wharf/internal/model"
	"github.com/wharfctl/wharf/internal/protocol"
)

// dialAgent performs the Hello handshake against a test server and returns
// the client-side *websocket.Conn once the control plane has registered the
// session, mirroring what a real host agent does on connect.
func dialAgent(t *testing.T, wsURL, hostID string, priv ed25519.PrivateKey) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	payload, _ := json.Marshal(protocol.Hello{HostID: hostID, AgentVersion: "test"})
	now := time.Now()
	env := protocol.Envelope{
		Type:      protocol.TypeHello,
		HostID:    hostID,
		Seq:       1,
		Timestamp: now,
		Payload:   payload,
		Signature: auth.Sign(priv, now, payload),
	}
	data, _ := json.Marshal(env)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	return conn
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, priv ed25519.PrivateKey, hostID string, seq uint64, typ protocol.Type, payload []byte) {
	t.Helper()
	now := time.Now()
	env := protocol.Envelope{
		Type:      typ,
		HostID:    hostID,
		Seq:       seq,
		Timestamp: now,
		Payload:   payload,
		Signature: auth.Sign(priv, now, payload),
	}
	data, _ := json.Marshal(env)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

func newTestServer(t *testing.T, manager *Manager, store dsdb.Store) (string, func()) {
	t.Helper()
	srv := NewServer(manager, store)
	ts := httptest.NewServer(srv)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	return wsURL, ts.Close
}

func TestRegisterEvictsPriorSessionOnReconnect(t *testing.T) {
	store := dsdb.NewMemory()
	pub, priv, _ := ed25519.GenerateKey(nil)
	ctx := context.Background()
	if err := store.UpsertHost(ctx, &model.Host{ID: "host-a", Status: model.HostOnline, SigningPublicKey: pub}); err != nil {
		t.Fatalf("seed host: %v", err)
	}

	manager := NewManager(priv, time.Minute, nil)
	wsURL, closeSrv := newTestServer(t, manager, store)
	defer closeSrv()

	first := dialAgent(t, wsURL, "host-a", priv)
	defer first.Close()
	time.Sleep(50 * time.Millisecond)

	s1, ok := manager.Get("host-a")
	if !ok {
		t.Fatal("expected first session registered")
	}

	second := dialAgent(t, wsURL, "host-a", priv)
	defer second.Close()
	time.Sleep(50 * time.Millisecond)

	s2, ok := manager.Get("host-a")
	if !ok {
		t.Fatal("expected second session registered")
	}
	if s2 == s1 {
		t.Fatal("expected reconnect to install a new session, not reuse the old one")
	}

	select {
	case <-s1.closed:
	default:
		t.Fatal("expected the evicted session's closed channel to be closed")
	}
}

func TestReadLoopRejectsReplayedSequence(t *testing.T) {
	store := dsdb.NewMemory()
	pub, priv, _ := ed25519.GenerateKey(nil)
	ctx := context.Background()
	if err := store.UpsertHost(ctx, &model.Host{ID: "host-a", Status: model.HostOnline, SigningPublicKey: pub}); err != nil {
		t.Fatalf("seed host: %v", err)
	}

	var mu sync.Mutex
	var seen []protocol.Type
	manager := NewManager(priv, time.Minute, func(hostID string, env protocol.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, env.Type)
	})
	wsURL, closeSrv := newTestServer(t, manager, store)
	defer closeSrv()

	conn := dialAgent(t, wsURL, "host-a", priv)
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	hbPayload, _ := json.Marshal(protocol.Heartbeat{HostID: "host-a", SentAt: time.Now()})
	writeEnvelope(t, conn, priv, "host-a", 2, protocol.TypeHeartbeat, hbPayload)
	writeEnvelope(t, conn, priv, "host-a", 2, protocol.TypeHeartbeat, hbPayload) // replay: same seq, fatal
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	gotSeen := len(seen)
	mu.Unlock()
	if gotSeen != 1 {
		t.Fatalf("expected exactly one accepted envelope before the replay terminated the session, got %d: %v", gotSeen, seen)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a protocol.Error notice before close, got read error: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error notice: %v", err)
	}
	if env.Type != protocol.TypeError {
		t.Fatalf("expected a TypeError notice, got %s", env.Type)
	}
	var perr protocol.Error
	if err := json.Unmarshal(env.Payload, &perr); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if perr.Code != "sequence_regression" || !perr.Fatal {
		t.Fatalf("expected a fatal sequence_regression error, got %+v", perr)
	}

	if _, ok := manager.Get("host-a"); ok {
		t.Fatal("expected the session to be unregistered after a fatal failure condition")
	}
}

func TestSendDeliversSignedEnvelopeToAgent(t *testing.T) {
	store := dsdb.NewMemory()
	pub, priv, _ := ed25519.GenerateKey(nil)
	serverPub, serverPriv, _ := ed25519.GenerateKey(nil)
	ctx := context.Background()
	if err := store.UpsertHost(ctx, &model.Host{ID: "host-a", Status: model.HostOnline, SigningPublicKey: pub}); err != nil {
		t.Fatalf("seed host: %v", err)
	}

	manager := NewManager(serverPriv, time.Minute, nil)
	wsURL, closeSrv := newTestServer(t, manager, store)
	defer closeSrv()

	conn := dialAgent(t, wsURL, "host-a", priv)
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	if err := manager.Send("host-a", protocol.TypePing, struct{}{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != protocol.TypePing {
		t.Fatalf("expected a ping envelope, got %s", env.Type)
	}
	if err := auth.Verify(serverPub, env.Timestamp, env.Payload, env.Signature, time.Now(), time.Minute); err != nil {
		t.Fatalf("expected the envelope signed by the server key: %v", err)
	}
}

func TestConnectedReflectsLiveSessions(t *testing.T) {
	manager := NewManager(nil, time.Minute, nil)
	if manager.Connected("host-a") {
		t.Fatal("expected no session registered yet")
	}
}
