// Package fanout implements C8 (§4.8): pushing a new DNS or routing-table
// generation to every connected agent and waiting for an ack from each
// before the caller (the rollout controller, C5) is allowed to advance —
// falling back to advancing anyway once AckTimeout elapses, with the
// rollout marked DNSUpdatedByTimeout/CaddyUpdatedByTimeout for operator
// visibility (§9 design notes: "fan-out wait-then-fallback"). The DNS vs.
// routing (Caddy) ordering guarantee is enforced by the caller sequencing
// two Push calls, not by this package.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wharfctl/wharf/internal/metrics"
	"github.com/wharfctl/wharf/internal/protocol"
)

// Sender is the subset of *session.Manager fanout needs.
type Sender interface {
	Send(hostID string, typ protocol.Type, payload any) error
}

// Fanout tracks in-flight config generations and their acks.
type Fanout struct {
	logger *slog.Logger
	sender Sender

	mu         sync.Mutex
	generation int64
	pending    map[string]*wait // key: kind, only one generation in flight per kind at a time
}

type wait struct {
	generation int64
	remaining  map[string]struct{}
	failed     bool
	done       chan struct{}
	once       sync.Once
}

func New(logger *slog.Logger, sender Sender) *Fanout {
	return &Fanout{logger: logger, sender: sender, pending: make(map[string]*wait)}
}

// Push sends a ConfigPush of the given kind ("dns" or "caddy") to every
// host in connectedHostIDs, then blocks until every host acks, one host
// acks with success=false, or ackTimeout elapses. Returns timedOut=true if
// the fallback fired, failed=true if some host explicitly rejected the
// generation — the caller (C5) must roll back on failed, the same as any
// other deployment failure, rather than treating it as a clean apply.
func (f *Fanout) Push(ctx context.Context, kind string, entries []protocol.ConfigEntry, connectedHostIDs []string, ackTimeout time.Duration) (timedOut bool, failed bool, err error) {
	f.mu.Lock()
	f.generation++
	gen := f.generation
	w := &wait{
		generation: gen,
		remaining:  make(map[string]struct{}, len(connectedHostIDs)),
		done:       make(chan struct{}),
	}
	for _, h := range connectedHostIDs {
		w.remaining[h] = struct{}{}
	}
	f.pending[kind] = w
	f.mu.Unlock()

	push := protocol.ConfigPush{Generation: gen, Kind: kind, Entries: entries}
	metrics.FanoutsSent.WithLabelValues(kind).Inc()

	if len(connectedHostIDs) == 0 {
		return false, false, nil
	}

	for _, hostID := range connectedHostIDs {
		if err := f.sender.Send(hostID, protocol.TypeConfigPush, push); err != nil {
			f.logger.Error("fanout: send failed", "host_id", hostID, "kind", kind, "error", err)
			// The host never received this generation at all — a
			// transport failure, not a rejection — so it is dropped from
			// the wait set without flagging the push as failed; the next
			// fan-out (or the host's own reconnect-time resync) catches
			// it up.
			f.ackOne(kind, gen, hostID, true)
		}
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case <-w.done:
		f.mu.Lock()
		failed := w.failed
		f.mu.Unlock()
		if failed {
			metrics.FanoutsFailed.WithLabelValues(kind).Inc()
		}
		return false, failed, nil
	case <-timer.C:
		metrics.FanoutsTimedOut.WithLabelValues(kind).Inc()
		f.logger.Warn("fanout: ack timeout, advancing anyway", "kind", kind, "generation", gen)
		return true, false, nil
	case <-ctx.Done():
		return false, false, fmt.Errorf("fanout: %w", ctx.Err())
	}
}

// OnAck is wired as the session Manager's envelope callback for
// protocol.TypeConfigAck messages.
func (f *Fanout) OnAck(ack protocol.ConfigAck) {
	metrics.FanoutsAcked.WithLabelValues(ack.Kind).Inc()
	if !ack.Success {
		f.logger.Warn("fanout: agent reported apply failure", "host_id", ack.HostID, "kind", ack.Kind, "error", ack.Error)
	}
	f.ackOne(ack.Kind, ack.Generation, ack.HostID, ack.Success)
}

// ackOne records hostID's ack for (kind, generation). A success=false ack
// marks the whole wait failed immediately rather than waiting on the
// remaining hosts — one agent's outright rejection of a generation is
// reason enough to stop waiting and let the caller roll back.
func (f *Fanout) ackOne(kind string, generation int64, hostID string, success bool) {
	f.mu.Lock()
	w, ok := f.pending[kind]
	if !ok || w.generation != generation {
		f.mu.Unlock()
		return
	}
	delete(w.remaining, hostID)
	if !success {
		w.failed = true
	}
	done := len(w.remaining) == 0 || w.failed
	f.mu.Unlock()

	if done {
		w.once.Do(func() { close(w.done) })
	}
}
