package automation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kabili207/mesh-node-bridge/pkg/config"
)

const (
	httpTimeout   = 5 * time.Second
	scriptTimeout = 10 * time.Second
)

// Incoming is the decoded view of a received text message handed to the
// automation engine.
type Incoming struct {
	Text     string
	FromNum  uint32
	FromID   string
	FromLong string
	FromShort string
	// Channel is -1 for direct messages.
	Channel  int
	Hops     int
	Snr      *float64
	Rssi     *int64
	PacketID uint32
	// HasIdentity is true once the sender has sent full NODEINFO.
	HasIdentity bool
	// IsLocal marks messages originating from the local node itself.
	IsLocal bool
	// LocationsJSON is a JSON object of known node locations, passed to
	// script responses via the environment.
	LocationsJSON string
}

// Reply is one outbound automation response.
type Reply struct {
	Text string
	// VerifyAck requests delivery verification on this reply.
	VerifyAck bool
}

// Responder evaluates incoming messages against the configured triggers.
// The first matching trigger wins and halts further evaluation.
type Responder struct {
	cfg      config.AutomationSettings
	log      *slog.Logger
	triggers []*CompiledTrigger
	client   *http.Client
}

// NewResponder compiles all configured triggers. Triggers that fail to
// compile are skipped with an error log rather than aborting startup.
func NewResponder(cfg config.AutomationSettings, log *slog.Logger) *Responder {
	r := &Responder{
		cfg:    cfg,
		log:    log,
		client: &http.Client{Timeout: httpTimeout},
	}
	for _, def := range cfg.Triggers {
		ct, err := CompileTrigger(def)
		if err != nil {
			log.Error("failed to compile trigger", "patterns", def.Patterns, "error", err)
			continue
		}
		r.triggers = append(r.triggers, ct)
	}
	return r
}

// Respond evaluates the message and returns zero or more replies. Side
// effect failures (HTTP, script) are logged and produce no reply; they
// never surface to the mesh sender.
func (r *Responder) Respond(ctx context.Context, in Incoming, tctx TokenContext) []Reply {
	if in.IsLocal {
		return nil
	}
	if r.cfg.RequireIdentity && !in.HasIdentity {
		return nil
	}

	for _, trig := range r.triggers {
		if !triggerInScope(trig.Def.Channel, in.Channel) {
			continue
		}
		params, ok := trig.Match(in.Text)
		if !ok {
			continue
		}
		return r.respondTo(ctx, trig, params, in, tctx)
	}
	return nil
}

// triggerInScope checks a trigger's channel scope ("dm" or an index)
// against the message's channel.
func triggerInScope(scope string, channel int) bool {
	if scope == "" {
		return true
	}
	if scope == "dm" {
		return channel == -1
	}
	idx, err := strconv.Atoi(scope)
	if err != nil {
		return false
	}
	return channel == idx
}

func (r *Responder) respondTo(ctx context.Context, trig *CompiledTrigger, params map[string]string, in Incoming, tctx TokenContext) []Reply {
	var texts []string
	switch trig.Def.Kind {
	case "http":
		text, ok := r.fetchHTTP(ctx, trig.Def.Response, params)
		if !ok {
			return nil
		}
		texts = []string{text}
	case "script":
		var ok bool
		texts, ok = r.runScript(ctx, trig.Def.Response, params, in)
		if !ok {
			return nil
		}
	default: // text
		texts = []string{SubstituteParams(trig.Def.Response, params)}
	}

	var replies []Reply
	for i, text := range texts {
		text = ReplaceTokens(text, tctx)
		verify := trig.Def.VerifyResponse && i == 0
		if trig.Def.Multiline {
			for j, chunk := range Split(text, MaxMessageBytes) {
				replies = append(replies, Reply{Text: chunk, VerifyAck: verify && j == 0})
			}
		} else {
			replies = append(replies, Reply{Text: Truncate(text, MaxMessageBytes), VerifyAck: verify})
		}
	}
	return replies
}

// fetchHTTP fetches the trigger URL with parameters URL-encoded into it.
// Only a 200 status produces a response.
func (r *Responder) fetchHTTP(ctx context.Context, rawURL string, params map[string]string) (string, bool) {
	u := rawURL
	for name, value := range params {
		u = strings.ReplaceAll(u, "{"+name+"}", urlEncode(value))
	}

	ctx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		r.log.Warn("automation http request invalid", "url", u, "error", err)
		return "", false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Warn("automation http fetch failed", "url", u, "error", err)
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.log.Debug("automation http non-200, skipping", "url", u, "status", resp.StatusCode)
		return "", false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
	if err != nil {
		r.log.Warn("automation http read failed", "url", u, "error", err)
		return "", false
	}
	return strings.TrimSpace(string(body)), true
}

// scriptOutput is the expected single-line structured output of a script
// response: one string, or an array each sent as a separate message.
type scriptOutput struct {
	Response  string   `json:"response"`
	Responses []string `json:"responses"`
}

// runScript executes an external program resolved from the restricted
// script directory; path traversal outside it is rejected.
func (r *Responder) runScript(ctx context.Context, name string, params map[string]string, in Incoming) ([]string, bool) {
	if r.cfg.ScriptDir == "" {
		r.log.Warn("script trigger configured without script_dir", "script", name)
		return nil, false
	}
	dir, err := filepath.Abs(r.cfg.ScriptDir)
	if err != nil {
		r.log.Warn("script dir invalid", "dir", r.cfg.ScriptDir, "error", err)
		return nil, false
	}
	path := filepath.Clean(filepath.Join(dir, name))
	if path != dir && !strings.HasPrefix(path, dir+string(filepath.Separator)) {
		r.log.Warn("script path escapes script_dir, rejected", "script", name)
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path)
	cmd.Env = append(cmd.Environ(),
		"MESH_MESSAGE="+in.Text,
		"MESH_SENDER="+in.FromLong,
		"MESH_SENDER_ID="+in.FromID,
		"MESH_CHANNEL="+strconv.Itoa(in.Channel),
		"MESH_TRIGGER="+name,
		"MESH_LOCATIONS="+in.LocationsJSON,
	)
	for pname, value := range params {
		cmd.Env = append(cmd.Env, "MESH_PARAM_"+strings.ToUpper(pname)+"="+value)
	}

	out, err := cmd.Output()
	if err != nil {
		r.log.Warn("automation script failed", "script", name, "error", err)
		return nil, false
	}

	line := strings.TrimSpace(string(out))
	var parsed scriptOutput
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		r.log.Warn("automation script output unparseable", "script", name, "error", err)
		return nil, false
	}
	if len(parsed.Responses) > 0 {
		return parsed.Responses, true
	}
	if parsed.Response != "" {
		return []string{parsed.Response}, true
	}
	return nil, false
}

func urlEncode(s string) string {
	return url.QueryEscape(s)
}
