package fanout

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wharfctl/wharf/internal/protocol"
)

type fakeSender struct {
	mu  sync.Mutex
	out map[string]protocol.ConfigPush
}

func newFakeSender() *fakeSender { return &fakeSender{out: make(map[string]protocol.ConfigPush)} }

func (f *fakeSender) Send(hostID string, typ protocol.Type, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out[hostID] = payload.(protocol.ConfigPush)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestPushReturnsOnceAllHostsAck(t *testing.T) {
	sender := newFakeSender()
	f := New(discardLogger(), sender)

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.OnAck(protocol.ConfigAck{HostID: "host-a", Generation: 1, Kind: "dns", Success: true})
		f.OnAck(protocol.ConfigAck{HostID: "host-b", Generation: 1, Kind: "dns", Success: true})
	}()

	timedOut, failed, err := f.Push(context.Background(), "dns", nil, []string{"host-a", "host-b"}, time.Second)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if timedOut {
		t.Fatal("expected push to resolve via ack, not timeout")
	}
	if failed {
		t.Fatal("expected push to succeed when every host acks success=true")
	}
}

func TestPushFallsBackOnTimeout(t *testing.T) {
	sender := newFakeSender()
	f := New(discardLogger(), sender)

	timedOut, failed, err := f.Push(context.Background(), "dns", nil, []string{"host-a"}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if !timedOut {
		t.Fatal("expected push to fall back on timeout when no ack arrives")
	}
	if failed {
		t.Fatal("a timeout is not a failure: the caller advances anyway")
	}
}

func TestPushNoHostsReturnsImmediately(t *testing.T) {
	f := New(discardLogger(), newFakeSender())

	timedOut, failed, err := f.Push(context.Background(), "dns", nil, nil, time.Second)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if timedOut || failed {
		t.Fatal("expected no-op push with zero hosts to report neither timeout nor failure")
	}
}

func TestStaleAckIgnored(t *testing.T) {
	f := New(discardLogger(), newFakeSender())

	// An ack for a generation that was never pushed (or already superseded)
	// must not panic or affect a later Push.
	f.OnAck(protocol.ConfigAck{HostID: "host-a", Generation: 999, Kind: "dns", Success: true})

	timedOut, _, err := f.Push(context.Background(), "dns", nil, []string{"host-a"}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if !timedOut {
		t.Fatal("expected the stale ack to not satisfy a fresh push")
	}
}

func TestPushReportsFailureOnNegativeAck(t *testing.T) {
	sender := newFakeSender()
	f := New(discardLogger(), sender)

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.OnAck(protocol.ConfigAck{HostID: "host-a", Generation: 1, Kind: "dns", Success: false, Error: "apply failed"})
	}()

	timedOut, failed, err := f.Push(context.Background(), "dns", nil, []string{"host-a", "host-b"}, time.Second)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if timedOut {
		t.Fatal("a negative ack should resolve the wait, not time out")
	}
	if !failed {
		t.Fatal("expected a success=false ack to report the push as failed")
	}
}
