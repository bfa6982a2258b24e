// Package events wraps NATS for the internal trigger notifications that
// decouple the component that detects a condition from the component that
// acts on it — host.stale detection (C7) from rollout/migration advance
// (C5/C6), work results received by the dispatcher (C4) from rollout
// advance (C5) — the way the
// teacher's internal/shared/nats.Client decouples nodeagent event
// publication from manager event handling. Subjects carry small JSON
// envelopes rather than the teacher's protobuf payloads (see DESIGN.md;
// the teacher's generated proto/ package did not make it into the
// retrieval pack).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// Subjects used by the orchestration engine's internal bus.
const (
	SubjectRolloutAdvance   = "wharf.rollout.advance"
	SubjectMigrationAdvance = "wharf.migration.advance"
	SubjectHostStale        = "wharf.host.stale"
	SubjectWorkCompleted    = "wharf.work.completed"
	SubjectFanoutAck        = "wharf.fanout.ack"
)

// Bus is a thin wrapper over a NATS connection for publishing and
// subscribing to JSON-encoded trigger envelopes.
type Bus struct {
	conn *nats.Conn
}

// Connect dials the given NATS URLs, the way NewClient does for the
// teacher's single-URL config, generalized to the list this engine's
// Config.NATSURLs carries.
func Connect(urls []string) (*Bus, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("events: at least one NATS URL is required")
	}
	opts := []nats.Option{
		nats.Name("wharf-control-plane"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(nats.DefaultReconnectWait),
		nats.Timeout(nats.DefaultTimeout),
	}
	conn, err := nats.Connect(urls[0], opts...)
	if err != nil {
		return nil, fmt.Errorf("events: connect: %w", err)
	}
	slog.Info("connected to NATS", "url", urls[0])
	return &Bus{conn: conn}, nil
}

// Publish JSON-encodes payload and publishes it on subject.
func (b *Bus) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", subject, err)
	}
	return b.conn.Publish(subject, data)
}

// Subscribe registers handler for subject, decoding each message's JSON
// payload into a new *T before calling handler. The subscription is torn
// down when ctx is cancelled, mirroring the teacher's ContextClient.
func Subscribe[T any](ctx context.Context, b *Bus, subject string, handler func(T)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var payload T
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			slog.Error("events: decode failed", "subject", subject, "error", err)
			return
		}
		handler(payload)
	})
	if err != nil {
		return nil, fmt.Errorf("events: subscribe %s: %w", subject, err)
	}
	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return sub, nil
}

// QueueSubscribe is Subscribe with a queue group, so that only one of
// several running control-plane processes handles a given message — not
// exercised today (the spec assumes a single writer, §5) but kept
// available the way the teacher's QueueSubscribe is, for the day a
// standby control plane exists.
func QueueSubscribe[T any](ctx context.Context, b *Bus, subject, group string, handler func(T)) (*nats.Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject, group, func(msg *nats.Msg) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var payload T
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			slog.Error("events: decode failed", "subject", subject, "error", err)
			return
		}
		handler(payload)
	})
	if err != nil {
		return nil, fmt.Errorf("events: queue subscribe %s: %w", subject, err)
	}
	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return sub, nil
}

// Close closes the underlying NATS connection.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
		slog.Info("NATS connection closed")
	}
}

// RolloutAdvanceEvent notifies that a rollout may be ready to progress.
type RolloutAdvanceEvent struct {
	RolloutID string `json:"rollout_id"`
}

// MigrationAdvanceEvent notifies that a stateful service's migration may
// be ready to progress.
type MigrationAdvanceEvent struct {
	ServiceID string `json:"service_id"`
}

// HostStaleEvent is published by C7 when a host crosses StaleThreshold
// with no heartbeat.
type HostStaleEvent struct {
	HostID string `json:"host_id"`
}

// WorkCompletedEvent is published by the dispatcher (C4) when a WorkItem
// finishes, successfully or not; internal/control then advances the
// rollout that owns the item, if any.
type WorkCompletedEvent struct {
	WorkItemID string `json:"work_item_id"`
	HostID     string `json:"host_id"`
	Succeeded  bool   `json:"succeeded"`
}

// FanoutAckEvent notifies C8 that an agent acknowledged a pushed config
// generation.
type FanoutAckEvent struct {
	HostID     string `json:"host_id"`
	Generation int64  `json:"generation"`
	Kind       string `json:"kind"` // "dns" or "caddy"
}
