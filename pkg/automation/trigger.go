// Package automation implements the bridge's pattern-matching automation:
// trigger templates compiled to regular expressions, token replacement,
// payload-limited message splitting, auto-acknowledge and the
// text/http/script response kinds.
package automation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kabili207/mesh-node-bridge/pkg/config"
)

// defaultFragment matches one or more non-space characters, used for
// {name} placeholders without an explicit regex fragment.
const defaultFragment = `\S+`

// compiledPattern is one trigger template compiled to an anchored,
// case-insensitive regex with an ordered parameter list.
type compiledPattern struct {
	re     *regexp.Regexp
	params []string
}

// CompiledTrigger is a trigger definition with all of its pattern
// templates compiled. Patterns are tried in order; the first to match
// wins.
type CompiledTrigger struct {
	Def      config.TriggerDef
	patterns []*compiledPattern
}

// CompileTrigger compiles every pattern template of a trigger definition.
func CompileTrigger(def config.TriggerDef) (*CompiledTrigger, error) {
	if len(def.Patterns) == 0 {
		return nil, fmt.Errorf("trigger has no patterns")
	}
	ct := &CompiledTrigger{Def: def}
	for _, tpl := range def.Patterns {
		p, err := compileTemplate(tpl)
		if err != nil {
			return nil, fmt.Errorf("failed to compile pattern %q: %w", tpl, err)
		}
		ct.patterns = append(ct.patterns, p)
	}
	return ct, nil
}

// compileTemplate walks a template character by character, substituting
// each {name} or {name:regex} placeholder with a capturing group and
// regex-escaping everything else. Regex fragments may contain braces, so
// the walk tracks brace depth instead of scanning for the first '}'.
func compileTemplate(tpl string) (*compiledPattern, error) {
	var sb strings.Builder
	var params []string
	sb.WriteString(`(?i)^`)

	runes := []rune(tpl)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '{' {
			sb.WriteString(regexp.QuoteMeta(string(runes[i])))
			continue
		}

		depth := 1
		j := i + 1
		for ; j < len(runes); j++ {
			switch runes[j] {
			case '{':
				depth++
			case '}':
				depth--
			}
			if depth == 0 {
				break
			}
		}
		if depth != 0 {
			return nil, fmt.Errorf("unterminated placeholder at offset %d", i)
		}

		inner := string(runes[i+1 : j])
		name := inner
		fragment := defaultFragment
		if idx := strings.Index(inner, ":"); idx >= 0 {
			name = inner[:idx]
			fragment = inner[idx+1:]
		}
		if name == "" {
			return nil, fmt.Errorf("empty placeholder name at offset %d", i)
		}

		params = append(params, name)
		sb.WriteString("(")
		sb.WriteString(fragment)
		sb.WriteString(")")
		i = j
	}

	sb.WriteString(`$`)
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, err
	}
	return &compiledPattern{re: re, params: params}, nil
}

// Match tries the trigger's patterns in order against the message text.
// On a match it returns the extracted parameters by name.
func (t *CompiledTrigger) Match(text string) (map[string]string, bool) {
	for _, p := range t.patterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		params := make(map[string]string, len(p.params))
		for i, name := range p.params {
			if i+1 < len(m) {
				params[name] = m[i+1]
			}
		}
		return params, true
	}
	return nil, false
}

// SubstituteParams replaces {name} references in a response template with
// the extracted parameter values.
func SubstituteParams(text string, params map[string]string) string {
	for name, value := range params {
		text = strings.ReplaceAll(text, "{"+name+"}", value)
	}
	return text
}
