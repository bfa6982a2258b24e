package session

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wharfctl/wharf/internal/auth"
	"github.com/wharfctl/wharf/internal/dsdb"
	"github.com/wharfctl/wharf/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Host agents connect over the operator's own network, not a browser;
	// origin checking is not meaningful here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server upgrades incoming agent connections into sessions. It looks up
// each host's known signing key in the DSDB on the Hello handshake before
// handing the connection to Manager.Register, so an unregistered host can
// never establish a session (§4.2).
type Server struct {
	manager *Manager
	store   dsdb.Store
}

func NewServer(manager *Manager, store dsdb.Store) *Server {
	return &Server{manager: manager, store: store}
}

// ServeHTTP implements the agent-facing upgrade endpoint named in §6
// ("HTTP-over-mTLS agent endpoints" — mTLS termination is handled by the
// listener this handler is mounted behind; see internal/shared/tls).
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != protocol.TypeHello {
		srv.manager.RejectHandshake(conn, "invalid_hello", "first frame was not a valid hello envelope")
		conn.Close()
		return
	}
	var hello protocol.Hello
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		srv.manager.RejectHandshake(conn, "invalid_hello", "hello payload did not parse")
		conn.Close()
		return
	}

	host, err := srv.store.GetHost(r.Context(), hello.HostID)
	if err != nil {
		srv.manager.RejectHandshake(conn, "unknown_host", "host is not registered")
		conn.Close()
		return
	}
	if err := auth.Verify(host.SigningPublicKey, env.Timestamp, env.Payload, env.Signature, time.Now(), srv.manager.clockSkew); err != nil {
		srv.manager.RejectHandshake(conn, "bad_signature", err.Error())
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	s := srv.manager.Register(hello.HostID, host.SigningPublicKey, conn)
	s.lastSeq = env.Seq
	go srv.manager.ReadLoop(context.Background(), s)
}

// RegisterHandlers mounts the agent session endpoint on mux.
func (srv *Server) RegisterHandlers(mux *http.ServeMux) {
	mux.Handle("/agent/session", srv)
}
