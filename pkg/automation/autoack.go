package automation

import (
	"log/slog"
	"regexp"
	"slices"

	"github.com/kabili207/mesh-node-bridge/pkg/config"
)

// defaultAckPattern gates auto-acknowledge when no custom pattern is set.
const defaultAckPattern = `^(test|ping)`

// AutoAck is the simpler parallel automation path: a single regex test
// that gates a hop-count emoji tapback, a templated reply, or both.
type AutoAck struct {
	cfg             config.AutoAckSettings
	requireIdentity bool
	re              *regexp.Regexp
}

// NewAutoAck compiles the configured (or default) acknowledge pattern.
// An invalid custom pattern falls back to the default with a warning.
func NewAutoAck(cfg config.AutomationSettings, log *slog.Logger) *AutoAck {
	pattern := cfg.AutoAck.Pattern
	if pattern == "" {
		pattern = defaultAckPattern
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		log.Warn("invalid auto-ack pattern, using default", "pattern", pattern, "error", err)
		re = regexp.MustCompile("(?i)" + defaultAckPattern)
	}
	return &AutoAck{cfg: cfg.AutoAck, requireIdentity: cfg.RequireIdentity, re: re}
}

// Evaluate decides whether to acknowledge the message. It returns the
// tapback emoji (empty when disabled) and the templated reply text before
// token substitution (empty when none configured).
func (a *AutoAck) Evaluate(in Incoming) (tapback, reply string, ok bool) {
	if !a.cfg.Enabled || in.IsLocal {
		return "", "", false
	}
	if a.requireIdentity && !in.HasIdentity {
		return "", "", false
	}
	if !a.inScope(in.Channel) {
		return "", "", false
	}
	if !a.re.MatchString(in.Text) {
		return "", "", false
	}

	if a.cfg.SendTapback {
		tapback = HopTapback(in.Hops)
	}
	reply = a.cfg.Reply
	return tapback, reply, tapback != "" || reply != ""
}

func (a *AutoAck) inScope(channel int) bool {
	if channel == -1 {
		return a.cfg.DM
	}
	return slices.Contains(a.cfg.Channels, channel)
}
