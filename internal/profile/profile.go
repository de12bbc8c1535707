// Package profile resolves the business configuration a call runs under,
// keyed by the dialed number.
package profile

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotConfigured means no profile exists for the number.
	ErrNotConfigured = errors.New("profile: number not configured")
	// ErrInactive means a profile exists but is switched off.
	ErrInactive = errors.New("profile: profile inactive")
)

type GreetingMode string

const (
	GreetingTemplate  GreetingMode = "template"
	GreetingGenerated GreetingMode = "generated"
)

type CallType string

const (
	CallDemo       CallType = "demo"
	CallProduction CallType = "production"
)

// FAQ is one question/answer pair quoted into the system prompt.
type FAQ struct {
	Question string `json:"question" yaml:"question"`
	Answer   string `json:"answer" yaml:"answer"`
}

// Profile is the per-number configuration snapshot. It is read once at call
// start and never mutated afterward.
type Profile struct {
	ID           string       `json:"id" yaml:"id"`
	Number       string       `json:"number" yaml:"number"`
	BusinessName string       `json:"business_name" yaml:"business_name"`
	Industry     string       `json:"industry" yaml:"industry"`
	Services     []string     `json:"services" yaml:"services"`
	FAQs         []FAQ        `json:"faqs" yaml:"faqs"`
	Greeting     string       `json:"greeting" yaml:"greeting"`
	GreetingMode GreetingMode `json:"greeting_mode" yaml:"greeting_mode"`
	VoiceID      string       `json:"voice_id" yaml:"voice_id"`
	CallType     CallType     `json:"call_type" yaml:"call_type"`
	// Fields restricts which collected-data fields the model may record.
	// Empty means all known fields.
	Fields []string `json:"fields" yaml:"fields"`
	// Actions names the structured actions offered each turn. Nil selects the
	// call type's default set; an explicit empty list offers none.
	Actions []string `json:"actions" yaml:"actions"`
	Active  bool     `json:"active" yaml:"active"`
}

// Lookup resolves a profile by callee number. Implementations return
// ErrNotConfigured or ErrInactive for the two configuration failures; any
// other error is a transport failure.
type Lookup interface {
	Lookup(ctx context.Context, number string) (*Profile, error)
}

// NormalizeNumber strips formatting so "+1 (555) 010-0000" and "+15550100000"
// resolve to the same key.
func NormalizeNumber(n string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(n) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func check(p *Profile) (*Profile, error) {
	if p == nil {
		return nil, ErrNotConfigured
	}
	if !p.Active {
		return nil, ErrInactive
	}
	return p, nil
}
