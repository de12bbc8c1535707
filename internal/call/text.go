package call

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// corrections maps common recognizer mistakes on trade vocabulary to the
// intended word. No value may contain a key, or Correct stops being idempotent.
var corrections = map[string]string{
	"quogged":      "clogged",
	"clugged":      "clogged",
	"plummer":      "plumber",
	"plumer":       "plumber",
	"faucit":       "faucet",
	"fawcett":      "faucet",
	"drane":        "drain",
	"furnance":     "furnace",
	"thermastat":   "thermostat",
	"hvack":        "HVAC",
	"h vac":        "HVAC",
	"sump pimp":    "sump pump",
	"disposle":     "disposal",
	"water heeter": "water heater",
}

var correctionRe = func() *regexp.Regexp {
	keys := make([]string, 0, len(corrections))
	for k := range corrections {
		keys = append(keys, k)
	}
	// Longest first so multi-word keys win over their prefixes.
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for i, k := range keys {
		keys[i] = regexp.QuoteMeta(k)
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(keys, "|") + `)\b`)
}()

// Correct rewrites known mis-recognitions, whole word and case-insensitive.
func Correct(text string) string {
	return correctionRe.ReplaceAllStringFunc(text, func(m string) string {
		repl, ok := corrections[strings.ToLower(m)]
		if !ok {
			return m
		}
		return matchCase(m, repl)
	})
}

func matchCase(orig, repl string) string {
	if repl != strings.ToLower(repl) {
		return repl
	}
	if len(orig) > 1 && orig == strings.ToUpper(orig) {
		return strings.ToUpper(repl)
	}
	first, _ := utf8.DecodeRuneInString(orig)
	if unicode.IsUpper(first) {
		r, size := utf8.DecodeRuneInString(repl)
		return string(unicode.ToUpper(r)) + repl[size:]
	}
	return repl
}

var (
	functionTagRe = regexp.MustCompile(`(?s)<function=[^>]*>.*?(?:</function>|$)`)
	toolCallRe    = regexp.MustCompile(`(?s)<tool_call>.*?(?:</tool_call>|$)`)
	actionTagRe   = regexp.MustCompile(`\[\[action:[^\]]*\]\]`)
	strayTagRe    = regexp.MustCompile(`</?(?:function|tool_call)[^>]*>`)
	markdownRe    = regexp.MustCompile("[*_#`]+")
)

// Sanitize strips action-invocation markup a model leaked into its spoken
// reply, along with markdown emphasis, and collapses whitespace. actions are
// the names that mark a bare JSON object as leaked markup.
func Sanitize(text string, actions []string) string {
	text = functionTagRe.ReplaceAllString(text, " ")
	text = toolCallRe.ReplaceAllString(text, " ")
	text = actionTagRe.ReplaceAllString(text, " ")
	text = strayTagRe.ReplaceAllString(text, " ")
	text = stripActionJSON(text, actions)
	text = markdownRe.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(text), " ")
}

func stripActionJSON(text string, actions []string) string {
	if len(actions) == 0 || !strings.Contains(text, "{") {
		return text
	}
	known := make(map[string]bool, len(actions))
	for _, a := range actions {
		known[a] = true
	}

	var b strings.Builder
	for i := 0; i < len(text); {
		if text[i] != '{' {
			b.WriteByte(text[i])
			i++
			continue
		}
		end := matchBrace(text, i)
		if end < 0 {
			b.WriteString(text[i:])
			break
		}
		obj := text[i : end+1]
		if !namesAction(obj, known) {
			b.WriteString(obj)
		} else {
			b.WriteByte(' ')
		}
		i = end + 1
	}
	return b.String()
}

// matchBrace returns the index of the brace closing the one at start, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case inString && c == '\\':
			i++
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func namesAction(obj string, known map[string]bool) bool {
	if !json.Valid([]byte(obj)) {
		return false
	}
	for _, path := range []string{"name", "action", "function", "function.name", "tool", "tool_name"} {
		if known[gjson.Get(obj, path).String()] {
			return true
		}
	}
	found := false
	gjson.Parse(obj).ForEach(func(key, _ gjson.Result) bool {
		found = known[key.String()]
		return !found
	})
	return found
}
