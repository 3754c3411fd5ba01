package screenshot

import (
	"fmt"
	"strings"

	"github.com/hazyhaar/uxsim/simworker/internal/decision"
	"github.com/hazyhaar/uxsim/simworker/internal/model"
	"github.com/hazyhaar/uxsim/simworker/internal/persona"
)

var schema = "{\n  " + fmt.Sprintf(decision.ReasoningSchema, decision.IntentList(model.ScreenshotIntents)) + "\n}"

const intentGuide = `Intents:
- CLICK_PRIMARY_CTA: press the main call to action of this screen
- CLICK_SECONDARY_CTA: press a secondary action
- OPEN_NAV: open the navigation or menu
- SCROLL: look further down this page
- BACK: go back to the previous screen
- SEEK_INFO: look for more information before deciding
- HESITATE: you are unsure and do nothing yet
- ABANDON: you give up on this product`

func systemPrompt(p *model.Persona) string {
	var b strings.Builder
	b.WriteString(persona.Prose(p))
	b.WriteString("\n\nYou are looking at a product one screen at a time, as yourself. ")
	b.WriteString("React honestly: note what confuses you, how much effort the screen costs you and how close you are to leaving. ")
	b.WriteString("Reply with one JSON object and nothing else.\n\n")
	b.WriteString(intentGuide)
	return b.String()
}

func stepPrompt(flow *model.Flow, frame model.Frame, index, total int, memory string, stalled bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Flow: %s\n", flow.Name)
	if flow.Goal != "" {
		fmt.Fprintf(&b, "Your goal: %s\n", flow.Goal)
	}
	fmt.Fprintf(&b, "Screen %d of %d", index+1, total)
	if frame.Label != "" {
		fmt.Fprintf(&b, " (%s)", frame.Label)
	}
	b.WriteString(". The attached image is the whole screen.\n")
	if memory != "" {
		fmt.Fprintf(&b, "\nWhat you remember so far: %s\n", memory)
	}
	if stalled {
		b.WriteString("\nYou are still on the same screen as your previous step. Nothing new will appear by waiting or scrolling.\n")
	}
	b.WriteString("\nWhat do you do next?")
	return b.String()
}
