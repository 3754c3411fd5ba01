package browser

import (
	"fmt"
	"html"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxElements caps the list shown to the model.
const DefaultMaxElements = 50

const maxLabelLen = 80

// Element is one visible interactive node. Coordinates are CSS pixels
// relative to the viewport.
type Element struct {
	Index      int     `json:"index"`
	Tag        string  `json:"tag"`
	Role       string  `json:"role,omitempty"`
	Type       string  `json:"type,omitempty"`
	Label      string  `json:"label"`
	Href       string  `json:"href,omitempty"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	InViewport bool    `json:"inViewport"`
}

// Center returns the centre of the bounding box.
func (e Element) Center() (float64, float64) {
	return e.X + e.Width/2, e.Y + e.Height/2
}

// Kind classifies an element for prioritization.
type Kind int

const (
	KindButton Kind = iota
	KindFormControl
	KindLink
)

var formRoles = map[string]bool{
	"textbox": true, "searchbox": true, "combobox": true, "checkbox": true,
	"radio": true, "switch": true, "slider": true, "spinbutton": true,
}

var buttonInputTypes = map[string]bool{
	"submit": true, "button": true, "reset": true, "image": true,
}

// KindOf classifies e by tag, input type and ARIA role.
func KindOf(e Element) Kind {
	tag := strings.ToLower(e.Tag)
	role := strings.ToLower(e.Role)
	switch {
	case tag == "input" && buttonInputTypes[strings.ToLower(e.Type)]:
		return KindButton
	case tag == "input" || tag == "textarea" || tag == "select" || formRoles[role]:
		return KindFormControl
	case tag == "a" || role == "link":
		return KindLink
	default:
		return KindButton
	}
}

var labelPolicy = bluemonday.StrictPolicy()

// SanitizeLabel strips markup, collapses whitespace and caps the length of a
// label before it is put in a prompt.
func SanitizeLabel(s string) string {
	s = html.UnescapeString(labelPolicy.Sanitize(s))
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) > maxLabelLen {
		r := []rune(s)
		s = string(r[:maxLabelLen-1]) + "…"
	}
	return s
}

func normText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func normPath(href string) string {
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return strings.ToLower(href)
	}
	p := strings.TrimRight(strings.ToLower(u.Path), "/")
	if p == "" {
		return "/"
	}
	return p
}

// Prioritize caps raw to limit elements. Form controls are always kept,
// buttons are limited to 2 per normalized label, in-viewport links to 2 per
// (label, path) and off-viewport links to 1 per (label, path). The groups
// are concatenated in that order, truncated to limit and re-indexed from 0.
// It returns the kept elements and how many were cut by truncation.
func Prioritize(raw []Element, limit int) ([]Element, int) {
	if limit <= 0 {
		limit = DefaultMaxElements
	}
	var forms, buttons, inLinks, outLinks []Element
	buttonSeen := map[string]int{}
	inSeen := map[[2]string]int{}
	outSeen := map[[2]string]int{}

	for _, e := range raw {
		e.Label = SanitizeLabel(e.Label)
		switch KindOf(e) {
		case KindFormControl:
			forms = append(forms, e)
		case KindButton:
			k := normText(e.Label)
			if buttonSeen[k] < 2 {
				buttonSeen[k]++
				buttons = append(buttons, e)
			}
		case KindLink:
			k := [2]string{normText(e.Label), normPath(e.Href)}
			if e.InViewport {
				if inSeen[k] < 2 {
					inSeen[k]++
					inLinks = append(inLinks, e)
				}
			} else if outSeen[k] < 1 {
				outSeen[k]++
				outLinks = append(outLinks, e)
			}
		}
	}

	all := make([]Element, 0, len(forms)+len(buttons)+len(inLinks)+len(outLinks))
	all = append(all, forms...)
	all = append(all, buttons...)
	all = append(all, inLinks...)
	all = append(all, outLinks...)

	dropped := 0
	if len(all) > limit {
		dropped = len(all) - limit
		all = all[:limit]
	}
	for i := range all {
		all[i].Index = i
	}
	return all, dropped
}

// FormatList renders the numbered element list for a prompt.
func FormatList(elems []Element, dropped int) string {
	if len(elems) == 0 {
		return "(no interactive elements found)"
	}
	var b strings.Builder
	for _, e := range elems {
		fmt.Fprintf(&b, "[%d] <%s", e.Index, strings.ToLower(e.Tag))
		if e.Type != "" {
			fmt.Fprintf(&b, " type=%s", e.Type)
		}
		if e.Role != "" {
			fmt.Fprintf(&b, " role=%s", e.Role)
		}
		b.WriteString(">")
		if e.Label != "" {
			fmt.Fprintf(&b, " %q", e.Label)
		}
		if e.Href != "" {
			fmt.Fprintf(&b, " -> %s", normPath(e.Href))
		}
		if !e.InViewport {
			b.WriteString(" (below/above the fold)")
		}
		b.WriteString("\n")
	}
	if dropped > 0 {
		fmt.Fprintf(&b, "(%d more elements not shown)\n", dropped)
	}
	return b.String()
}
