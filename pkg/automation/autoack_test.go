package automation

import (
	"log/slog"
	"testing"

	"github.com/kabili207/mesh-node-bridge/pkg/config"
)

func TestAutoAckDefaultPattern(t *testing.T) {
	a := NewAutoAck(config.AutomationSettings{AutoAck: config.AutoAckSettings{
		Enabled:     true,
		Channels:    []int{0},
		SendTapback: true,
	}}, slog.Default())

	tests := []struct {
		text    string
		channel int
		wantOK  bool
	}{
		{"test", 0, true},
		{"ping", 0, true},
		{"Ping from far away", 0, true},
		{"attempt", 0, false},
		{"hello", 0, false},
		{"test", 1, false},  // channel not enabled
		{"test", -1, false}, // DM not enabled
	}

	for _, tt := range tests {
		in := Incoming{Text: tt.text, Channel: tt.channel, Hops: 2}
		_, _, ok := a.Evaluate(in)
		if ok != tt.wantOK {
			t.Errorf("Evaluate(%q, ch=%d) ok = %v, want %v", tt.text, tt.channel, ok, tt.wantOK)
		}
	}
}

func TestAutoAckTapbackAndReply(t *testing.T) {
	a := NewAutoAck(config.AutomationSettings{AutoAck: config.AutoAckSettings{
		Enabled:     true,
		DM:          true,
		SendTapback: true,
		Reply:       "pong {RABBITS}",
	}}, slog.Default())

	tapback, reply, ok := a.Evaluate(Incoming{Text: "ping", Channel: -1, Hops: 3})
	if !ok {
		t.Fatal("expected ack")
	}
	if tapback != HopTapback(3) {
		t.Errorf("tapback = %q", tapback)
	}
	if reply != "pong {RABBITS}" {
		t.Errorf("reply = %q", reply)
	}
}

func TestAutoAckSkipsLocalMessages(t *testing.T) {
	a := NewAutoAck(config.AutomationSettings{AutoAck: config.AutoAckSettings{Enabled: true, DM: true, SendTapback: true}}, slog.Default())
	if _, _, ok := a.Evaluate(Incoming{Text: "ping", Channel: -1, IsLocal: true}); ok {
		t.Error("local messages must never be acknowledged")
	}
}

func TestAutoAckCustomPattern(t *testing.T) {
	a := NewAutoAck(config.AutomationSettings{AutoAck: config.AutoAckSettings{
		Enabled:     true,
		DM:          true,
		Pattern:     `^echo\b`,
		SendTapback: true,
	}}, slog.Default())

	if _, _, ok := a.Evaluate(Incoming{Text: "echo hello", Channel: -1}); !ok {
		t.Error("custom pattern should match")
	}
	if _, _, ok := a.Evaluate(Incoming{Text: "ping", Channel: -1}); ok {
		t.Error("default pattern should be replaced by custom one")
	}
}

func TestAutoAckIdentityGate(t *testing.T) {
	a := NewAutoAck(config.AutomationSettings{
		RequireIdentity: true,
		AutoAck: config.AutoAckSettings{
			Enabled:     true,
			DM:          true,
			SendTapback: true,
			Reply:       "pong",
		},
	}, slog.Default())

	if _, _, ok := a.Evaluate(Incoming{Text: "ping", Channel: -1}); ok {
		t.Error("sender without identity must not be acknowledged")
	}
	if _, _, ok := a.Evaluate(Incoming{Text: "ping", Channel: -1, HasIdentity: true}); !ok {
		t.Error("sender with identity should be acknowledged")
	}
}
