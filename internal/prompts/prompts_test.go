package prompts

import (
	"strings"
	"testing"
	"time"

	"github.com/hubenschmidt/voice-agent/internal/profile"
)

func TestSystemInterpolatesProfile(t *testing.T) {
	p := &profile.Profile{
		BusinessName: "Acme Plumbing",
		Industry:     "plumbing",
		Services:     []string{"drain cleaning", "water heaters"},
		FAQs:         []profile.FAQ{{Question: "Weekends?", Answer: "Saturdays only."}},
	}
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	got, err := System(p, "+15550100001", []string{"caller_name", "issue"}, now)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"receptionist for Acme Plumbing, a plumbing company",
		"Today is Monday, March 2, 2026",
		"number is 5550100001",
		"- drain cleaning",
		"Q: Weekends?\nA: Saturdays only.",
		"find out: caller name, issue.",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("system prompt missing %q\n%s", want, got)
		}
	}
}

func TestSystemOmitsEmptySections(t *testing.T) {
	got, err := System(&profile.Profile{BusinessName: "Solo"}, "", nil, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(got, "Services offered") || strings.Contains(got, "Frequently asked") {
		t.Fatalf("empty sections rendered:\n%s", got)
	}
	if !strings.Contains(got, "number is unknown") {
		t.Fatalf("missing unknown caller:\n%s", got)
	}
}

func TestGreeting(t *testing.T) {
	tests := []struct {
		tmpl string
		want string
	}{
		{"Hi, {business} here!", "Hi, Acme here!"},
		{"", "Thanks for calling Acme. How can I help you today?"},
		{"Calling from {caller}?", "Calling from 5550100001?"},
	}
	for _, tt := range tests {
		p := &profile.Profile{BusinessName: "Acme", Greeting: tt.tmpl}
		if got := Greeting(p, "+15550100001"); got != tt.want {
			t.Errorf("Greeting(%q) = %q, want %q", tt.tmpl, got, tt.want)
		}
	}
}
