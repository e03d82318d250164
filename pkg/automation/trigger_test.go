package automation

import (
	"testing"

	"github.com/kabili207/mesh-node-bridge/pkg/config"
)

func compileOne(t *testing.T, pattern string) *CompiledTrigger {
	t.Helper()
	ct, err := CompileTrigger(config.TriggerDef{Patterns: []string{pattern}, Response: "x"})
	if err != nil {
		t.Fatalf("CompileTrigger(%q) failed: %v", pattern, err)
	}
	return ct
}

func TestTriggerPlaceholderExtraction(t *testing.T) {
	ct := compileOne(t, "ping {name}")

	params, ok := ct.Match("ping bob")
	if !ok {
		t.Fatal("expected match for \"ping bob\"")
	}
	if params["name"] != "bob" {
		t.Errorf("name = %q, want bob", params["name"])
	}

	if _, ok := ct.Match("pingbob"); ok {
		t.Error("\"pingbob\" should not match \"ping {name}\"")
	}
	if _, ok := ct.Match("ping bob extra"); ok {
		t.Error("pattern is anchored, trailing text should not match")
	}
}

func TestTriggerCaseInsensitive(t *testing.T) {
	ct := compileOne(t, "weather {city}")
	params, ok := ct.Match("WEATHER Oslo")
	if !ok || params["city"] != "Oslo" {
		t.Errorf("match = (%v, %v), want city=Oslo", params, ok)
	}
}

func TestTriggerCustomFragment(t *testing.T) {
	ct := compileOne(t, "dice {count:[0-9]+}d{sides:[0-9]+}")

	params, ok := ct.Match("dice 2d20")
	if !ok {
		t.Fatal("expected match for \"dice 2d20\"")
	}
	if params["count"] != "2" || params["sides"] != "20" {
		t.Errorf("params = %v", params)
	}

	if _, ok := ct.Match("dice xdzz"); ok {
		t.Error("non-numeric input should not match numeric fragments")
	}
}

func TestTriggerFragmentWithBraces(t *testing.T) {
	// The regex fragment itself contains braces; compilation must track
	// depth instead of stopping at the first '}'.
	ct := compileOne(t, "code {hex:[0-9a-f]{4}}")

	params, ok := ct.Match("code beef")
	if !ok || params["hex"] != "beef" {
		t.Errorf("match = (%v, %v), want hex=beef", params, ok)
	}
	if _, ok := ct.Match("code beefs"); ok {
		t.Error("five hex chars should not match a {4} fragment")
	}
}

func TestTriggerEscapesLiteralText(t *testing.T) {
	ct := compileOne(t, "what? {q}")
	if _, ok := ct.Match("whatX anything"); ok {
		t.Error("'?' in template must be matched literally")
	}
	if _, ok := ct.Match("what? stuff"); !ok {
		t.Error("literal template text should match itself")
	}
}

func TestTriggerPatternOrder(t *testing.T) {
	ct, err := CompileTrigger(config.TriggerDef{
		Patterns: []string{"hi {a}", "hi {a} {b}"},
		Response: "x",
	})
	if err != nil {
		t.Fatalf("CompileTrigger failed: %v", err)
	}
	// First template wins even though the second also matches.
	params, ok := ct.Match("hi bob")
	if !ok || params["a"] != "bob" {
		t.Errorf("match = (%v, %v)", params, ok)
	}
}

func TestTriggerCompileErrors(t *testing.T) {
	bad := []string{"open {name", "{}", "{x:[}"}
	for _, tpl := range bad {
		if _, err := CompileTrigger(config.TriggerDef{Patterns: []string{tpl}}); err == nil {
			t.Errorf("CompileTrigger(%q) should fail", tpl)
		}
	}
}

func TestSubstituteParams(t *testing.T) {
	got := SubstituteParams("hello {name}, {name} again", map[string]string{"name": "bob"})
	if got != "hello bob, bob again" {
		t.Errorf("SubstituteParams = %q", got)
	}
}
