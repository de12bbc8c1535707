package prompts

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/hubenschmidt/voice-agent/internal/profile"
)

// Fallback is spoken whenever a turn fails, so the caller never hears silence.
const Fallback = "Sorry, I didn't catch that. Could you say that again?"

// DefaultGreeting is used when a profile has no greeting configured.
const DefaultGreeting = "Thanks for calling {business}. How can I help you today?"

// GenerateGreeting is appended as the user turn when the greeting is produced
// by the model instead of a template.
const GenerateGreeting = "The call has just connected. Greet the caller in one short sentence, name the business, and ask how you can help."

var systemTmpl = template.Must(template.New("system").Parse(`You are the phone receptionist for {{.Business}}{{if .Industry}}, a {{.Industry}} company{{end}}. You are speaking with a caller on a live phone line.

Today is {{.Today}}. The caller's number is {{.Caller}}.

How to speak:
- Keep every reply to one or two short sentences. This is a phone call, not a chat.
- Ask one question at a time.
- Never read out lists, markup, or symbols.
- Never say that you are saving, recording, or updating anything.
{{if .Services}}
Services offered:
{{range .Services}}- {{.}}
{{end}}{{end}}{{if .FAQs}}
Frequently asked questions:
{{range .FAQs}}Q: {{.Question}}
A: {{.Answer}}
{{end}}{{end}}{{if .Fields}}
Over the conversation, find out: {{.Fields}}.
If the caller already gave a detail, do not ask for it again.
{{end}}
If you do not know an answer, say someone from {{.Business}} will follow up.`))

type systemVars struct {
	Business string
	Industry string
	Caller   string
	Today    string
	Services []string
	FAQs     []profile.FAQ
	Fields   string
}

// System renders the system prompt for a call.
func System(p *profile.Profile, caller string, fields []string, now time.Time) (string, error) {
	var buf bytes.Buffer
	err := systemTmpl.Execute(&buf, systemVars{
		Business: p.BusinessName,
		Industry: p.Industry,
		Caller:   spokenNumber(caller),
		Today:    now.Format("Monday, January 2, 2006"),
		Services: p.Services,
		FAQs:     p.FAQs,
		Fields:   humanFields(fields),
	})
	if err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

// Greeting substitutes {business}, {industry} and {caller} in the profile's
// greeting template.
func Greeting(p *profile.Profile, caller string) string {
	tmpl := p.Greeting
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultGreeting
	}
	return strings.NewReplacer(
		"{business}", p.BusinessName,
		"{industry}", p.Industry,
		"{caller}", spokenNumber(caller),
	).Replace(tmpl)
}

func humanFields(fields []string) string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = strings.ReplaceAll(f, "_", " ")
	}
	return strings.Join(names, ", ")
}

// spokenNumber drops the country code from US numbers.
func spokenNumber(n string) string {
	n = profile.NormalizeNumber(n)
	if len(n) == 12 && strings.HasPrefix(n, "+1") {
		return n[2:]
	}
	if n == "" {
		return "unknown"
	}
	return n
}
