package automation

import (
	"strings"
	"unicode/utf8"
)

// MaxMessageBytes is the radio payload budget for one text message.
const MaxMessageBytes = 200

const ellipsis = "…"

// minBreakFraction rejects break candidates that would leave a chunk
// using less than this share of the available length, to avoid
// degenerate tiny chunks.
const minBreakFraction = 0.5

// Truncate hard-truncates text to the byte limit, appending an ellipsis
// when anything was cut. The cut never splits a UTF-8 sequence.
func Truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit - len(ellipsis)
	if cut < 0 {
		cut = 0
	}
	cut = runeBoundary(text, cut)
	return strings.TrimRight(text[:cut], " ") + ellipsis
}

// Split breaks text into chunks no longer than limit bytes, preferring in
// order: newline, sentence terminator, clause punctuation, space, hyphen,
// then a hard cut. Break candidates below minBreakFraction of the limit
// are skipped in favor of the next fallback.
func Split(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > limit {
		window := remaining[:runeBoundary(remaining, limit)]
		cut := breakPoint(window, limit)
		if cut <= 0 {
			// Limit smaller than one rune; emit it anyway rather than loop.
			_, size := utf8.DecodeRuneInString(remaining)
			cut = size
		}
		chunk := strings.TrimRight(remaining[:cut], " \n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimLeft(remaining[cut:], " \n")
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// breakPoint finds the best cut position within the window.
func breakPoint(window string, limit int) int {
	minCut := int(float64(limit) * minBreakFraction)

	candidates := []func(string) int{
		func(s string) int { return strings.LastIndexByte(s, '\n') },
		lastSentenceEnd,
		func(s string) int { return strings.LastIndexAny(s, ",;:") + 1 },
		func(s string) int { return strings.LastIndexByte(s, ' ') },
		func(s string) int { return strings.LastIndexByte(s, '-') + 1 },
	}
	for _, find := range candidates {
		if idx := find(window); idx > 0 && idx >= minCut {
			return idx
		}
	}
	// Hard cut at the window edge.
	return len(window)
}

// lastSentenceEnd returns the position just after the last sentence
// terminator, or -1.
func lastSentenceEnd(s string) int {
	if idx := strings.LastIndexAny(s, ".!?"); idx >= 0 {
		return idx + 1
	}
	return -1
}

// runeBoundary backs n off to the nearest UTF-8 rune boundary in s.
func runeBoundary(s string, n int) int {
	for n > 0 && n < len(s) && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}
