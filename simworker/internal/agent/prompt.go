package agent

import (
	"fmt"
	"math"
	"strings"

	"github.com/hazyhaar/uxsim/simworker/internal/browser"
	"github.com/hazyhaar/uxsim/simworker/internal/decision"
	"github.com/hazyhaar/uxsim/simworker/internal/model"
	"github.com/hazyhaar/uxsim/simworker/internal/persona"
)

// GoalFraming is appended to every goal.
const GoalFraming = "Stop as soon as the goal is met, do not continue further."

var schema = "{\n  " +
	fmt.Sprintf(decision.ReasoningSchema, decision.IntentList(model.AgentIntents)) + `,
  "completesGoal": boolean, true only if this action finishes the goal,
  "type": one of click, type, scroll, scroll_to, navigate_back, wait, done,
  "elementIndex": integer, the [n] of the element (click, type, scroll_to),
  "text": string (type only),
  "submit": boolean, press Enter after typing (type only),
  "direction": "up" or "down" (scroll only),
  "success": boolean (done only), whether you reached the goal,
  "reason": string (wait and done)
}`

const actionGuide = `Actions:
- click [n]: click element n
- type [n] "text": type into field n, submit=true presses Enter
- scroll up|down: move most of a screen
- scroll_to [n]: bring element n into view
- navigate_back: browser back button
- wait: the page is still loading
- done: you stop, with success true if you reached the goal and false if you give up`

func systemPrompt(p *model.Persona) string {
	var b strings.Builder
	b.WriteString(persona.Prose(p))
	b.WriteString("\n\nYou are using a real website in a browser, as yourself. ")
	b.WriteString("Each turn you see a screenshot and the list of elements you can interact with, and you choose one action. ")
	b.WriteString("React honestly: note what confuses you, how much effort the page costs you and how close you are to leaving. ")
	b.WriteString("Reply with one JSON object and nothing else.\n\n")
	b.WriteString(actionGuide)
	return b.String()
}

// stepInput is what one step shows the persona.
type stepInput struct {
	Goal     string
	URL      string
	Title    string
	Memory   string
	Scroll   browser.ScrollInfo
	Overlay  browser.Overlay
	Elements []browser.Element
	Dropped  int
	Excerpt  string
	Step     int
	MaxSteps int
}

func stepPrompt(in stepInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your goal: %s\n%s\n\n", in.Goal, GoalFraming)
	fmt.Fprintf(&b, "Page: %s", in.URL)
	if in.Title != "" {
		fmt.Fprintf(&b, " (%s)", in.Title)
	}
	fmt.Fprintf(&b, "\nStep %d of at most %d.\n", in.Step+1, in.MaxSteps)
	if in.Memory != "" {
		fmt.Fprintf(&b, "\nWhat you remember so far: %s\n", in.Memory)
	}

	b.WriteString("\n")
	b.WriteString(scrollContext(in.Scroll))
	b.WriteString("\n")

	if in.Overlay.Present {
		b.WriteString("\nA dialog or overlay is covering the page")
		if in.Overlay.Label != "" {
			fmt.Fprintf(&b, ": %q", in.Overlay.Label)
		}
		b.WriteString(". Deal with it before anything else.\n")
	}

	if in.Excerpt != "" {
		fmt.Fprintf(&b, "\nPage text (excerpt):\n%s\n", in.Excerpt)
	}

	b.WriteString("\nElements you can interact with:\n")
	b.WriteString(browser.FormatList(in.Elements, in.Dropped))
	b.WriteString("\nWhat do you do next?")
	return b.String()
}

func scrollContext(s browser.ScrollInfo) string {
	seen := int(math.Round(s.ViewedBottom() * 100))
	rem := s.Remaining()
	if rem <= 0 {
		return fmt.Sprintf("You can see the bottom of the page (%d%% seen).", seen)
	}
	screens := 0.0
	if s.ViewportHeight > 0 {
		screens = rem / s.ViewportHeight
	}
	return fmt.Sprintf("You have seen %d%% of the page; about %.1f more screens are below.", seen, screens)
}
