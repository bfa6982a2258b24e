// Package protocol defines the wire messages exchanged over an agent's
// long-lived session (§4.2, §6), following the shape of the teacher's own
// internal/rpc package: plain JSON structs sent as WebSocket text frames,
// tagged by a Type discriminator rather than generated protobuf code (the
// teacher's proto/ output did not make it into the retrieval pack; see
// DESIGN.md). Every message that originates work or carries state is
// signed per §4.2 before being framed — see internal/auth.
package protocol

import "time"

// Type discriminates the sum-type envelope carried over an agent session.
type Type string

const (
	// Control plane -> agent
	TypeWorkDispatch Type = "work_dispatch"
	TypeConfigPush   Type = "config_push"
	TypePing         Type = "ping"

	// Agent -> control plane
	TypeHello       Type = "hello"
	TypeHeartbeat   Type = "heartbeat"
	TypeWorkResult  Type = "work_result"
	TypeStatusEvent Type = "status_event"
	TypeConfigAck   Type = "config_ack"
	TypePong        Type = "pong"

	// Control plane -> agent, session teardown
	TypeError Type = "error"
)

// Envelope is the outer frame of every message on an agent session. Seq is
// a per-connection, strictly increasing counter used for replay defense
// (§4.2, L3): the session layer rejects any inbound Envelope whose Seq is
// not greater than the last one accepted from that HostID. Signature
// covers Timestamp and Payload as described in internal/auth.
type Envelope struct {
	Type      Type            `json:"type"`
	HostID    string          `json:"host_id"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   []byte          `json:"payload"`
	Signature []byte          `json:"signature,omitempty"`
}

// Hello is the first message an agent sends after dialing, establishing
// its session (§4.2 Scenario 5). The control plane evicts any prior
// session for the same HostID on receipt.
type Hello struct {
	HostID       string `json:"host_id"`
	AgentVersion string `json:"agent_version"`
}

// Heartbeat is sent periodically by the agent to keep its session live and
// to report current resource usage for the operator-facing Host.Resources
// field.
type Heartbeat struct {
	HostID    string    `json:"host_id"`
	Resources Resources `json:"resources"`
	SentAt    time.Time `json:"sent_at"`
}

// Resources mirrors model.Resources on the wire to avoid importing the
// model package from the protocol package (protocol stays a pure wire
// layer with no domain-model dependency).
type Resources struct {
	CPU      int `json:"cpu"`
	MemoryMB int `json:"memory_mb"`
	DiskGB   int `json:"disk_gb"`
}

// WorkDispatch carries one imperative command to a host (§3 WorkItem, §4.3).
type WorkDispatch struct {
	WorkItemID string          `json:"work_item_id"`
	Type       string          `json:"type"`
	Payload    map[string]any  `json:"payload"`
}

// WorkResult is the agent's report of a dispatched WorkItem's outcome.
type WorkResult struct {
	WorkItemID string `json:"work_item_id"`
	Succeeded  bool   `json:"succeeded"`
	Error      string `json:"error,omitempty"`
}

// StatusEvent carries an out-of-band container state change (health
// transition, container exit, IP assignment) that the agent reports as it
// happens rather than waiting for the next WorkResult (§4.5 health gating).
type StatusEvent struct {
	DeploymentID string `json:"deployment_id"`
	ContainerID  string `json:"container_id,omitempty"`
	IPAddress    string `json:"ip_address,omitempty"`
	Status       string `json:"status,omitempty"`
	HealthStatus string `json:"health_status,omitempty"`
}

// ConfigPush is the fan-out payload of §4.8: a full DNS or routing table
// generation pushed to every connected agent.
type ConfigPush struct {
	Generation int64          `json:"generation"`
	Kind       string         `json:"kind"` // "dns" or "caddy"
	Entries    []ConfigEntry  `json:"entries"`
}

// ConfigEntry is one routable domain/backend pairing.
type ConfigEntry struct {
	Domain   string   `json:"domain"`
	Protocol string   `json:"protocol"`
	Targets  []string `json:"targets"` // host:port backends
}

// ConfigAck is an agent's confirmation that it applied a ConfigPush
// generation (§4.8 fan-out ack-or-timeout guarantee). Success distinguishes
// an agent that applied the table from one that tried and failed — the
// latter sends the rollout into rollback, while a timeout lets it advance;
// a failed ack is never mistaken for a clean apply.
type ConfigAck struct {
	HostID     string `json:"host_id"`
	Generation int64  `json:"generation"`
	Kind       string `json:"kind"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// Error is sent to an agent immediately before the control plane tears
// down its session — a bad signature, a replayed/regressed Seq, or a
// malformed envelope (§4.2 Failure conditions). Fatal is always true on
// the wire today; the field exists so a future soft-error variant does not
// require a new Type.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}
