package persona

import (
	"strings"
	"testing"

	"github.com/hazyhaar/uxsim/simworker/internal/model"
)

func TestBandOf(t *testing.T) {
	cases := map[float64]band{0: low, 0.33: low, 0.34: mid, 0.66: mid, 0.67: high, 1: high, -3: low, 9: high}
	for v, want := range cases {
		if got := bandOf(v); got != want {
			t.Errorf("bandOf(%v) = %v, want %v", v, got, want)
		}
	}
}

func TestProse(t *testing.T) {
	p := &model.Persona{
		Name:        "Ana",
		Description: "A first-time online shopper.",
		Traits:      model.Traits{Patience: 0.1, Exploration: 0.5, FrustrationSensitivity: 0.9, Forgiveness: 0.5, HelpSeeking: 0.9},
	}
	got := Prose(p)
	for _, want := range []string{
		"You are Ana.",
		"first-time online shopper",
		"You are impatient",
		"You explore a little",
		"You get frustrated quickly",
		"actively look for help",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prose missing %q:\n%s", want, got)
		}
	}
	if Prose(p) != got {
		t.Fatal("prose not deterministic")
	}
}
