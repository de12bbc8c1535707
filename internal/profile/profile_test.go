package profile

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sampleYAML = `
profiles:
  - number: "+1 (555) 010-0001"
    business_name: Acme Plumbing
    industry: plumbing
    services: [drain cleaning, water heaters]
    faqs:
      - question: Do you work weekends?
        answer: Yes, Saturdays.
    greeting: "Thanks for calling {business}!"
    call_type: production
    active: true
  - number: "+15550100002"
    business_name: Dormant HVAC
    active: false
`

func TestFileStoreLookup(t *testing.T) {
	fs, err := ParseYAML([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}
	ctx := context.Background()

	p, err := fs.Lookup(ctx, "+15550100001")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if diff := cmp.Diff([]string{"drain cleaning", "water heaters"}, p.Services); diff != "" {
		t.Fatalf("services (-want +got):\n%s", diff)
	}
	if p.ID != "+15550100001" {
		t.Fatalf("ID = %q, want normalized number", p.ID)
	}

	tests := []struct {
		number string
		want   error
	}{
		{"+15550100002", ErrInactive},
		{"+15550109999", ErrNotConfigured},
	}
	for _, tt := range tests {
		if _, err := fs.Lookup(ctx, tt.number); !errors.Is(err, tt.want) {
			t.Errorf("Lookup(%s) err = %v, want %v", tt.number, err, tt.want)
		}
	}
}

func TestParseYAMLRequiresNumber(t *testing.T) {
	_, err := ParseYAML([]byte("profiles:\n  - business_name: x\n"))
	if err == nil {
		t.Fatal("expected error for profile without number")
	}
}

func TestNormalizeNumber(t *testing.T) {
	tests := map[string]string{
		"+1 (555) 010-0000": "+15550100000",
		" 555.010.0000 ":    "5550100000",
		"1+2":               "12",
	}
	for in, want := range tests {
		if got := NormalizeNumber(in); got != want {
			t.Errorf("NormalizeNumber(%q) = %q, want %q", in, got, want)
		}
	}
}
