package agent

import (
	"errors"
	"testing"

	"github.com/hazyhaar/uxsim/simworker/internal/model"
)

func full(extra map[string]any) map[string]any {
	m := map[string]any{
		"salientObservation": "pricing table",
		"confusions":         []any{},
		"intent":             "SEEK_INFO",
		"confidence":         0.6,
		"friction":           0.4,
		"dropoffRisk":        0.3,
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

func mustValidate(t *testing.T, m map[string]any) Decision {
	t.Helper()
	fixed, _ := Repair(m, PolicyCoerce)
	d, err := Validate(fixed)
	if err != nil {
		t.Fatalf("Validate(%v): %v", fixed, err)
	}
	return d
}

func TestRepair_Rules(t *testing.T) {
	cases := []struct {
		name string
		in   map[string]any
		want model.Action
	}{
		{"type defaults submit", full(map[string]any{"type": "type", "elementIndex": 2, "text": "a@b.c"}),
			model.Type{ElementIndex: 2, Text: "a@b.c", Submit: true}},
		{"type keeps submit false", full(map[string]any{"type": "type", "elementIndex": 2, "text": "x", "submit": false}),
			model.Type{ElementIndex: 2, Text: "x", Submit: false}},
		{"type without text becomes click", full(map[string]any{"type": "type", "elementIndex": 1}),
			model.Click{ElementIndex: 1}},
		{"click without index becomes scroll down", full(map[string]any{"type": "click"}),
			model.Scroll{Direction: model.Down}},
		{"scroll_to without index becomes scroll down", full(map[string]any{"type": "scroll_to"}),
			model.Scroll{Direction: model.Down}},
		{"type alias", full(map[string]any{"type": "Go-Back"}),
			model.NavigateBack{}},
		{"scroll_up alias", full(map[string]any{"type": "scroll_up"}),
			model.Scroll{Direction: model.Up}},
		{"scroll bad direction", full(map[string]any{"type": "scroll", "direction": "sideways"}),
			model.Scroll{Direction: model.Down}},
		{"string index", full(map[string]any{"type": "click", "elementIndex": "3"}),
			model.Click{ElementIndex: 3}},
		{"index alias", full(map[string]any{"type": "click", "index": 4}),
			model.Click{ElementIndex: 4}},
		{"negative index dropped", full(map[string]any{"type": "click", "elementIndex": -1}),
			model.Scroll{Direction: model.Down}},
		{"wait backfill", full(map[string]any{"type": "wait"}),
			model.Wait{}},
		{"done backfill from abandon", full(map[string]any{"type": "done", "intent": "ABANDON"}),
			model.Done{Success: false}},
		{"done backfill from complete", full(map[string]any{"type": "done", "intent": "COMPLETE"}),
			model.Done{Success: true}},
		{"nested action", full(map[string]any{"action": map[string]any{"type": "click", "elementIndex": 0}}),
			model.Click{ElementIndex: 0}},
		{"bare action string", full(map[string]any{"action": "navigate_back"}),
			model.NavigateBack{}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := mustValidate(t, c.in)
			if d.Action != c.want {
				t.Fatalf("action = %#v, want %#v", d.Action, c.want)
			}
		})
	}
}

func TestRepair_IntentInferredFromAction(t *testing.T) {
	cases := map[string]model.Intent{
		"click":         model.IntentClickPrimaryCTA,
		"type":          model.IntentFillForm,
		"scroll":        model.IntentScroll,
		"navigate_back": model.IntentBack,
		"wait":          model.IntentHesitate,
	}
	for typ, want := range cases {
		m := full(map[string]any{"type": typ, "intent": "PONDER", "elementIndex": 0, "text": "hi"})
		d := mustValidate(t, m)
		if d.Reasoning.Intent != want {
			t.Errorf("%s: intent = %s, want %s", typ, d.Reasoning.Intent, want)
		}
	}
	d := mustValidate(t, full(map[string]any{"type": "done", "success": true, "intent": ""}))
	if d.Reasoning.Intent != model.IntentComplete {
		t.Errorf("done success: intent = %s", d.Reasoning.Intent)
	}
}

func TestRepair_ValidIntentKept(t *testing.T) {
	d := mustValidate(t, full(map[string]any{"type": "click", "elementIndex": 0, "intent": "open-nav"}))
	if d.Reasoning.Intent != model.IntentOpenNav {
		t.Fatalf("intent = %s", d.Reasoning.Intent)
	}
}

func TestRepair_ConfusionsAndScores(t *testing.T) {
	m := map[string]any{
		"type":          "click",
		"elementIndex":  0,
		"confusions":    "Where is the price?",
		"friction":      "0.8",
		"completesGoal": "false",
	}
	fixed, notes := Repair(m, PolicyCoerce)
	d, err := Validate(fixed)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Reasoning.Confusions) != 1 || d.Reasoning.Confusions[0].Issue != "Where is the price?" {
		t.Fatalf("confusions = %+v", d.Reasoning.Confusions)
	}
	if d.Reasoning.Friction != 0.8 || d.Reasoning.Confidence != defaultConfidence {
		t.Fatalf("scores = %+v", d.Reasoning)
	}
	if d.Reasoning.CompletesGoal {
		t.Fatal("completesGoal should be false")
	}
	if len(notes) == 0 {
		t.Fatal("expected repair notes")
	}
	if _, ok := m["intent"]; ok {
		t.Fatal("Repair modified its input")
	}
}

func TestRepair_StrictIsStructuralOnly(t *testing.T) {
	// WHAT: the strict policy fixes shape but leaves semantic gaps for validation to reject.
	// WHY: strict trades throughput for fidelity; a reinterpreted action would hide a bad answer.
	m := full(map[string]any{"type": "type", "elementIndex": 1, "confusions": "x"})
	fixed, _ := Repair(m, PolicyStrict)
	if _, ok := fixed["confusions"].([]any); !ok {
		t.Fatal("confusions not coerced under strict")
	}
	if _, err := Validate(fixed); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("err = %v, want ErrInvalidDecision", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]map[string]any{
		"unknown type":     full(map[string]any{"type": "dance"}),
		"missing type":     full(nil),
		"score range":      full(map[string]any{"type": "wait", "friction": 1.5}),
		"fractional index": full(map[string]any{"type": "click", "elementIndex": 1.5}),
		"done no success":  full(map[string]any{"type": "done"}),
		"bad intent":       full(map[string]any{"type": "wait", "intent": "DANCE"}),
	}
	for name, m := range cases {
		if _, err := Validate(m); !errors.Is(err, ErrInvalidDecision) {
			t.Errorf("%s: err = %v", name, err)
		}
	}
}

func TestParsePolicy(t *testing.T) {
	if ParsePolicy(" Strict ") != PolicyStrict || ParsePolicy("") != PolicyCoerce || ParsePolicy("other") != PolicyCoerce {
		t.Fatal("ParsePolicy mapping wrong")
	}
}
