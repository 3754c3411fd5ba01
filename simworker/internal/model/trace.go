package model

import "strings"

// Intent is the action label attached to a step's reasoning.
type Intent string

const (
	IntentClickPrimaryCTA   Intent = "CLICK_PRIMARY_CTA"
	IntentClickSecondaryCTA Intent = "CLICK_SECONDARY_CTA"
	IntentOpenNav           Intent = "OPEN_NAV"
	IntentScroll            Intent = "SCROLL"
	IntentBack              Intent = "BACK"
	IntentSeekInfo          Intent = "SEEK_INFO"
	IntentHesitate          Intent = "HESITATE"
	IntentAbandon           Intent = "ABANDON"

	// Agent mode only.
	IntentFillForm Intent = "FILL_FORM"
	IntentComplete Intent = "COMPLETE"
)

// ScreenshotIntents is the classification vocabulary of screenshot mode.
var ScreenshotIntents = []Intent{
	IntentClickPrimaryCTA, IntentClickSecondaryCTA, IntentOpenNav, IntentScroll,
	IntentBack, IntentSeekInfo, IntentHesitate, IntentAbandon,
}

// AgentIntents is the intent vocabulary of agent mode.
var AgentIntents = append(append([]Intent{}, ScreenshotIntents...), IntentFillForm, IntentComplete)

// ParseIntent normalises s and reports whether it belongs to vocab.
func ParseIntent(s string, vocab []Intent) (Intent, bool) {
	norm := Intent(strings.ToUpper(strings.TrimSpace(strings.ReplaceAll(s, "-", "_"))))
	norm = Intent(strings.ReplaceAll(string(norm), " ", "_"))
	for _, v := range vocab {
		if v == norm {
			return v, true
		}
	}
	return "", false
}

// Confusion is one reported friction observation.
type Confusion struct {
	Issue      string `json:"issue"`
	Evidence   string `json:"evidence,omitempty"`
	ElementRef string `json:"elementRef,omitempty"`
}

// Observation is what the persona saw at a step.
type Observation struct {
	// Screenshot mode.
	FrameIndex *int   `json:"frameIndex,omitempty"`
	FrameLabel string `json:"frameLabel,omitempty"`

	// Agent mode.
	URL             string  `json:"url,omitempty"`
	Title           string  `json:"title,omitempty"`
	ScrollY         float64 `json:"scrollY,omitempty"`
	ViewportHeight  float64 `json:"viewportHeight,omitempty"`
	PageHeight      float64 `json:"pageHeight,omitempty"`
	Overlay         bool    `json:"overlay,omitempty"`
	OverlayKind     string  `json:"overlayKind,omitempty"`
	ElementCount    int     `json:"elementCount,omitempty"`
	ElementsDropped int     `json:"elementsDropped,omitempty"`
}

// Reasoning is the persona's structured response for a step, plus flags for
// any rewrite the worker applied to it.
type Reasoning struct {
	SalientObservation string      `json:"salientObservation"`
	Confusions         []Confusion `json:"confusions"`
	Intent             Intent      `json:"intent"`
	Confidence         float64     `json:"confidence"`
	Friction           float64     `json:"friction"`
	DropoffRisk        float64     `json:"dropoffRisk"`
	Memory             string      `json:"memory,omitempty"`
	CompletesGoal      bool        `json:"completesGoal,omitempty"`

	ScrollRewritten   bool     `json:"scrollRewritten,omitempty"`
	ForcedAdvance     bool     `json:"forcedAdvance,omitempty"`
	AbandonOverridden bool     `json:"abandonOverridden,omitempty"`
	Repairs           []string `json:"repairs,omitempty"`
	ExecError         string   `json:"execError,omitempty"`
}

// StepTrace is the persisted record of one step, unique on
// (EpisodeID, StepIndex).
type StepTrace struct {
	EpisodeID     string        `json:"episodeId"`
	StepIndex     int           `json:"stepIndex"`
	Observation   Observation   `json:"observation"`
	Reasoning     Reasoning     `json:"reasoning"`
	Action        *ActionRecord `json:"action,omitempty"`
	ScreenshotKey string        `json:"screenshotKey,omitempty"`
	CreatedAt     int64         `json:"createdAt"`
}

// Clamp01 bounds v to [0,1]. NaN becomes 0.
func Clamp01(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
