package automation

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/kabili207/mesh-node-bridge/pkg/config"
)

func newTestResponder(t *testing.T, cfg config.AutomationSettings) *Responder {
	t.Helper()
	return NewResponder(cfg, slog.Default())
}

func TestResponderTextKind(t *testing.T) {
	r := newTestResponder(t, config.AutomationSettings{
		Triggers: []config.TriggerDef{
			{Patterns: []string{"hello {name}"}, Kind: "text", Response: "hi {name}, I'm {VERSION}"},
		},
	})

	replies := r.Respond(context.Background(), Incoming{Text: "hello bob", Channel: 0, HasIdentity: true},
		TokenContext{Version: "2.0"})
	if len(replies) != 1 {
		t.Fatalf("replies = %v", replies)
	}
	if replies[0].Text != "hi bob, I'm 2.0" {
		t.Errorf("reply = %q", replies[0].Text)
	}
}

func TestResponderFirstTriggerWins(t *testing.T) {
	r := newTestResponder(t, config.AutomationSettings{
		Triggers: []config.TriggerDef{
			{Patterns: []string{"ping"}, Kind: "text", Response: "first"},
			{Patterns: []string{"ping"}, Kind: "text", Response: "second"},
		},
	})

	replies := r.Respond(context.Background(), Incoming{Text: "ping", Channel: 0, HasIdentity: true}, TokenContext{})
	if len(replies) != 1 || replies[0].Text != "first" {
		t.Errorf("replies = %v, want only the first trigger's response", replies)
	}
}

func TestResponderChannelScope(t *testing.T) {
	r := newTestResponder(t, config.AutomationSettings{
		Triggers: []config.TriggerDef{
			{Patterns: []string{"ping"}, Channel: "dm", Kind: "text", Response: "dm pong"},
			{Patterns: []string{"ping"}, Channel: "2", Kind: "text", Response: "ch2 pong"},
		},
	})

	if got := r.Respond(context.Background(), Incoming{Text: "ping", Channel: -1, HasIdentity: true}, TokenContext{}); len(got) != 1 || got[0].Text != "dm pong" {
		t.Errorf("dm replies = %v", got)
	}
	if got := r.Respond(context.Background(), Incoming{Text: "ping", Channel: 2, HasIdentity: true}, TokenContext{}); len(got) != 1 || got[0].Text != "ch2 pong" {
		t.Errorf("ch2 replies = %v", got)
	}
	if got := r.Respond(context.Background(), Incoming{Text: "ping", Channel: 0, HasIdentity: true}, TokenContext{}); got != nil {
		t.Errorf("ch0 replies = %v, want none", got)
	}
}

func TestResponderSkipsLocalAndAnonymous(t *testing.T) {
	r := newTestResponder(t, config.AutomationSettings{
		RequireIdentity: true,
		Triggers: []config.TriggerDef{
			{Patterns: []string{"ping"}, Kind: "text", Response: "pong"},
		},
	})

	if got := r.Respond(context.Background(), Incoming{Text: "ping", IsLocal: true, HasIdentity: true}, TokenContext{}); got != nil {
		t.Errorf("local message produced replies: %v", got)
	}
	if got := r.Respond(context.Background(), Incoming{Text: "ping", HasIdentity: false}, TokenContext{}); got != nil {
		t.Errorf("anonymous sender produced replies: %v", got)
	}
}

func TestResponderTruncatesSingleMode(t *testing.T) {
	long := strings.Repeat("words and more words ", 30)
	r := newTestResponder(t, config.AutomationSettings{
		Triggers: []config.TriggerDef{
			{Patterns: []string{"long"}, Kind: "text", Response: long},
		},
	})

	replies := r.Respond(context.Background(), Incoming{Text: "long", HasIdentity: true}, TokenContext{})
	if len(replies) != 1 {
		t.Fatalf("replies = %d, want 1 (single-message mode)", len(replies))
	}
	if len(replies[0].Text) > MaxMessageBytes {
		t.Errorf("reply is %d bytes, exceeds %d", len(replies[0].Text), MaxMessageBytes)
	}
	if !strings.HasSuffix(replies[0].Text, ellipsis) {
		t.Errorf("truncated reply missing ellipsis: %q", replies[0].Text)
	}
}

func TestResponderSplitsMultilineMode(t *testing.T) {
	long := strings.Repeat("words and more words. ", 30)
	r := newTestResponder(t, config.AutomationSettings{
		Triggers: []config.TriggerDef{
			{Patterns: []string{"long"}, Kind: "text", Response: long, Multiline: true, VerifyResponse: true},
		},
	})

	replies := r.Respond(context.Background(), Incoming{Text: "long", HasIdentity: true}, TokenContext{})
	if len(replies) < 2 {
		t.Fatalf("replies = %d, want multiple chunks", len(replies))
	}
	for i, reply := range replies {
		if len(reply.Text) > MaxMessageBytes {
			t.Errorf("chunk %d is %d bytes", i, len(reply.Text))
		}
		if reply.VerifyAck != (i == 0) {
			t.Errorf("chunk %d VerifyAck = %v, only the first should be verified", i, reply.VerifyAck)
		}
	}
}

func TestResponderHTTPKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/fail" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("city is " + req.URL.Query().Get("q")))
	}))
	defer srv.Close()

	r := newTestResponder(t, config.AutomationSettings{
		Triggers: []config.TriggerDef{
			{Patterns: []string{"weather {city}"}, Kind: "http", Response: srv.URL + "/?q={city}"},
			{Patterns: []string{"broken"}, Kind: "http", Response: srv.URL + "/fail"},
		},
	})

	replies := r.Respond(context.Background(), Incoming{Text: "weather Oslo", HasIdentity: true}, TokenContext{})
	if len(replies) != 1 || replies[0].Text != "city is Oslo" {
		t.Errorf("replies = %v", replies)
	}

	// A non-200 status fires no automation at all.
	if got := r.Respond(context.Background(), Incoming{Text: "broken", HasIdentity: true}, TokenContext{}); got != nil {
		t.Errorf("non-200 produced replies: %v", got)
	}
}

func TestResponderScriptPathTraversalRejected(t *testing.T) {
	dir := t.TempDir()
	r := newTestResponder(t, config.AutomationSettings{
		ScriptDir: dir,
		Triggers: []config.TriggerDef{
			{Patterns: []string{"evil"}, Kind: "script", Response: "../../bin/sh"},
		},
	})

	if got := r.Respond(context.Background(), Incoming{Text: "evil", HasIdentity: true}, TokenContext{}); got != nil {
		t.Errorf("path traversal produced replies: %v", got)
	}
}

func TestResponderScriptKind(t *testing.T) {
	dir := t.TempDir()
	script := dir + "/hello.sh"
	content := "#!/bin/sh\necho '{\"responses\": [\"one\", \"two\"]}'\n"
	if err := writeExecutable(script, content); err != nil {
		t.Skipf("cannot write executable script: %v", err)
	}

	r := newTestResponder(t, config.AutomationSettings{
		ScriptDir: dir,
		Triggers: []config.TriggerDef{
			{Patterns: []string{"run"}, Kind: "script", Response: "hello.sh", VerifyResponse: true},
		},
	})

	replies := r.Respond(context.Background(), Incoming{Text: "run", HasIdentity: true}, TokenContext{})
	if len(replies) != 2 {
		t.Fatalf("replies = %v, want two", replies)
	}
	if replies[0].Text != "one" || replies[1].Text != "two" {
		t.Errorf("replies = %v", replies)
	}
	if !replies[0].VerifyAck || replies[1].VerifyAck {
		t.Errorf("only the first script reply should carry ack verification")
	}
}

func writeExecutable(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o755)
}
