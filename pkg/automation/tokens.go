package automation

import (
	"fmt"
	"strings"
	"time"
)

// TokenContext carries the live values available to {TOKEN} placeholders
// in templated automation text. The caller fills it from current bridge
// state before each substitution.
type TokenContext struct {
	Version string
	Uptime  time.Duration

	NodesTotal  int
	NodesOnline int
	NodesDirect int

	// Hops is hops traveled by the incoming packet, -1 when unknown.
	Hops int
	Snr  *float64
	Rssi *int64

	ChannelName string
	SenderLong  string
	SenderShort string
	SenderID    string

	Now time.Time
}

// ReplaceTokens substitutes every known {TOKEN} placeholder in s.
func ReplaceTokens(s string, ctx TokenContext) string {
	snr := "?"
	if ctx.Snr != nil {
		snr = fmt.Sprintf("%.1f", *ctx.Snr)
	}
	rssi := "?"
	if ctx.Rssi != nil {
		rssi = fmt.Sprintf("%d", *ctx.Rssi)
	}
	hops := "?"
	if ctx.Hops >= 0 {
		hops = fmt.Sprintf("%d", ctx.Hops)
	}
	now := ctx.Now
	if now.IsZero() {
		now = time.Now()
	}

	r := strings.NewReplacer(
		"{VERSION}", ctx.Version,
		"{UPTIME}", formatUptime(ctx.Uptime),
		"{NODES}", fmt.Sprintf("%d", ctx.NodesTotal),
		"{NODES_ONLINE}", fmt.Sprintf("%d", ctx.NodesOnline),
		"{NODES_DIRECT}", fmt.Sprintf("%d", ctx.NodesDirect),
		"{HOPS}", hops,
		"{RABBITS}", hopRabbits(ctx.Hops),
		"{SNR}", snr,
		"{RSSI}", rssi,
		"{CHANNEL}", ctx.ChannelName,
		"{SENDER}", ctx.SenderLong,
		"{SENDER_SHORT}", ctx.SenderShort,
		"{SENDER_ID}", ctx.SenderID,
		"{TIME}", now.Format("15:04"),
	)
	return r.Replace(s)
}

// hopRabbits renders hops traveled as a rabbit string: direct packets get
// an antenna, otherwise one rabbit per hop.
func hopRabbits(hops int) string {
	switch {
	case hops < 0:
		return "?"
	case hops == 0:
		return "📡"
	case hops > 7:
		hops = 7
	}
	return strings.Repeat("🐇", hops)
}

// hopTapbacks maps hops traveled (0-7+) to an emoji reaction.
var hopTapbacks = []string{"0️⃣", "1️⃣", "2️⃣", "3️⃣", "4️⃣", "5️⃣", "6️⃣", "7️⃣"}

// HopTapback returns the emoji reaction for a packet's hop count.
func HopTapback(hops int) string {
	if hops < 0 {
		return "❓"
	}
	if hops >= len(hopTapbacks) {
		return hopTapbacks[len(hopTapbacks)-1]
	}
	return hopTapbacks[hops]
}

func formatUptime(d time.Duration) string {
	if d <= 0 {
		return "0m"
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60

	var sb strings.Builder
	if days > 0 {
		fmt.Fprintf(&sb, "%dd ", days)
	}
	if hours > 0 || days > 0 {
		fmt.Fprintf(&sb, "%dh ", hours)
	}
	fmt.Fprintf(&sb, "%dm", mins)
	return sb.String()
}
