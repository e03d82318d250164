package bridge

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kabili207/mesh-node-bridge/pkg/automation"
)

func TestEnqueueValidation(t *testing.T) {
	q := NewQueue(func(out *Outbound) (uint32, error) { return 1, nil }, testLogger())

	if err := q.Enqueue(&Outbound{Text: ""}); err == nil {
		t.Fatal("empty text should be rejected")
	}
	long := strings.Repeat("x", automation.MaxMessageBytes+1)
	if err := q.Enqueue(&Outbound{Text: long}); err == nil {
		t.Fatal("oversized text should be rejected")
	}
	if err := q.Enqueue(&Outbound{Text: "ok", Dest: 1}); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}
}

func TestQueueTransmitsAndAcks(t *testing.T) {
	var sends atomic.Int32
	delivered := make(chan struct{}, 1)

	q := NewQueue(func(out *Outbound) (uint32, error) {
		sends.Add(1)
		return 42, nil
	}, testLogger())
	q.interval = 5 * time.Millisecond
	q.Start()
	defer q.Stop()

	err := q.Enqueue(&Outbound{
		Text:        "hello",
		Dest:        1,
		OnDelivered: func() { delivered <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	waitFor(t, func() bool { return q.PendingCount() == 1 })
	if sends.Load() != 1 {
		t.Fatalf("sends = %d, want 1", sends.Load())
	}

	q.HandleAck(42)
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("delivery callback never fired")
	}
	if q.PendingCount() != 0 {
		t.Fatalf("pending = %d after ack, want 0", q.PendingCount())
	}
}

func TestQueueRetriesThenFails(t *testing.T) {
	var sends atomic.Int32
	failed := make(chan string, 1)

	q := NewQueue(func(out *Outbound) (uint32, error) {
		return uint32(sends.Add(1)), nil
	}, testLogger())
	q.interval = 5 * time.Millisecond
	q.Start()
	defer q.Stop()

	err := q.Enqueue(&Outbound{
		Text:     "hello",
		Dest:     1,
		OnFailed: func(reason string) { failed <- reason },
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	for attempt := 1; attempt <= queueMaxAttempts; attempt++ {
		id := uint32(attempt)
		waitFor(t, func() bool {
			q.mu.Lock()
			_, ok := q.pending[id]
			q.mu.Unlock()
			return ok
		})
		terminal := q.HandleNak(id, "no route to destination")
		if want := attempt == queueMaxAttempts; terminal != want {
			t.Fatalf("HandleNak terminal = %v on attempt %d, want %v", terminal, attempt, want)
		}
	}

	select {
	case reason := <-failed:
		if reason != "no route to destination" {
			t.Fatalf("unexpected failure reason %q", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("failure callback never fired")
	}
	if got := sends.Load(); got != queueMaxAttempts {
		t.Fatalf("sends = %d, want %d", got, queueMaxAttempts)
	}
}

func TestTransmitErrorFailsImmediately(t *testing.T) {
	failed := make(chan string, 1)
	q := NewQueue(func(out *Outbound) (uint32, error) {
		return 0, fmt.Errorf("not connected to radio")
	}, testLogger())
	q.interval = 5 * time.Millisecond
	q.Start()
	defer q.Stop()

	err := q.Enqueue(&Outbound{
		Text:     "hello",
		Dest:     1,
		OnFailed: func(reason string) { failed <- reason },
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	select {
	case reason := <-failed:
		if reason != "not connected to radio" {
			t.Fatalf("unexpected failure reason %q", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("failure callback never fired")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
