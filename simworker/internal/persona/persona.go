// Package persona turns a persona's trait dials into the prose injected into
// every prompt. The mapping is deterministic: each dial falls into a low,
// mid or high band and each band has one fixed sentence.
package persona

import (
	"strings"

	"github.com/hazyhaar/uxsim/simworker/internal/model"
)

type band int

const (
	low band = iota
	mid
	high
)

func bandOf(v float64) band {
	v = model.Clamp01(v)
	switch {
	case v < 0.34:
		return low
	case v < 0.67:
		return mid
	default:
		return high
	}
}

var sentences = [5][3]string{
	{ // patience
		"You are impatient: slow or confusing screens make you want to leave quickly.",
		"You are reasonably patient but will not wait around indefinitely.",
		"You are very patient and willing to work through slow or confusing screens.",
	},
	{ // exploration
		"You stick to the most obvious path and rarely explore.",
		"You explore a little when the obvious path is unclear.",
		"You like to explore menus, links and secondary options before committing.",
	},
	{ // frustration sensitivity
		"Small annoyances barely bother you.",
		"Repeated friction starts to annoy you.",
		"You get frustrated quickly when something does not work as expected.",
	},
	{ // forgiveness
		"You hold a bad experience against the product and rarely give it a second chance.",
		"You give the product some benefit of the doubt after a mistake.",
		"You easily forgive glitches and keep going.",
	},
	{ // help seeking
		"You never look for help text or documentation.",
		"You look for help only when you are clearly stuck.",
		"You actively look for help, tooltips and FAQs whenever unsure.",
	},
}

// Prose describes p in second person.
func Prose(p *model.Persona) string {
	t := p.Traits
	dials := [5]float64{t.Patience, t.Exploration, t.FrustrationSensitivity, t.Forgiveness, t.HelpSeeking}

	var b strings.Builder
	b.WriteString("You are ")
	b.WriteString(p.Name)
	b.WriteString(".")
	if d := strings.TrimSpace(p.Description); d != "" {
		b.WriteString(" ")
		b.WriteString(d)
	}
	for i, v := range dials {
		b.WriteString(" ")
		b.WriteString(sentences[i][bandOf(v)])
	}
	return b.String()
}
