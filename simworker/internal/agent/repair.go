package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hazyhaar/uxsim/simworker/internal/decision"
	"github.com/hazyhaar/uxsim/simworker/internal/model"
)

// Policy selects how much the repair pass may reinterpret a response.
type Policy string

const (
	// PolicyCoerce applies every repair rule. Default.
	PolicyCoerce Policy = "coerce"
	// PolicyStrict only fixes structure (nested action object, confusions
	// shape) and lets validation reject everything else.
	PolicyStrict Policy = "strict"
)

// ParsePolicy maps a config value to a Policy. Unknown values are coerce.
func ParsePolicy(s string) Policy {
	if Policy(strings.ToLower(strings.TrimSpace(s))) == PolicyStrict {
		return PolicyStrict
	}
	return PolicyCoerce
}

var typeAliases = map[string]string{
	"click":            "click",
	"press":            "click",
	"tap":              "click",
	"type":             "type",
	"input":            "type",
	"fill":             "type",
	"type_text":        "type",
	"scroll":           "scroll",
	"scroll_down":      "scroll",
	"scroll_up":        "scroll",
	"scroll_to":        "scroll_to",
	"scrollto":         "scroll_to",
	"scroll_into_view": "scroll_to",
	"navigate_back":    "navigate_back",
	"navigateback":     "navigate_back",
	"back":             "navigate_back",
	"go_back":          "navigate_back",
	"wait":             "wait",
	"pause":            "wait",
	"sleep":            "wait",
	"done":             "done",
	"finish":           "done",
	"stop":             "done",
}

// Neutral scores used when the model omits one.
const (
	defaultConfidence  = 0.5
	defaultFriction    = 0.5
	defaultDropoffRisk = 0.5
)

// Repair returns a normalized copy of raw and a note per rule it applied.
// raw is not modified.
func Repair(raw map[string]any, policy Policy) (map[string]any, []string) {
	m := clone(raw)
	var notes []string
	note := func(format string, args ...any) { notes = append(notes, fmt.Sprintf(format, args...)) }

	// Structural: action fields may arrive nested or as a bare string.
	switch a := m["action"].(type) {
	case map[string]any:
		for k, v := range a {
			if _, exists := m[k]; !exists {
				m[k] = v
			}
		}
		delete(m, "action")
		note("hoisted nested action")
	case string:
		if _, exists := m["type"]; !exists {
			m["type"] = a
		}
		delete(m, "action")
		note("action string used as type")
	}
	if decision.ToArray(m, "confusions") {
		note("confusions coerced to array")
	}
	if policy == PolicyStrict {
		return m, notes
	}

	// Action type.
	rawType := strings.ToLower(decision.Str(m["type"]))
	rawType = strings.NewReplacer("-", "_", " ", "_").Replace(rawType)
	if canon, ok := typeAliases[rawType]; ok {
		if canon != decision.Str(m["type"]) {
			note("type %q normalized to %s", m["type"], canon)
		}
		m["type"] = canon
		switch rawType {
		case "scroll_down":
			setDefault(m, "direction", "down")
		case "scroll_up":
			setDefault(m, "direction", "up")
		}
	}

	// Element index.
	for _, alias := range []string{"index", "element", "elementId"} {
		if _, ok := m["elementIndex"]; !ok {
			if v, ok := m[alias]; ok {
				m["elementIndex"] = v
				note("%s used as elementIndex", alias)
			}
		}
	}
	if v, ok := m["elementIndex"]; ok {
		if n, ok := decision.Int(v); ok && n >= 0 {
			if _, isFloat := v.(float64); !isFloat {
				note("elementIndex coerced to number")
			}
			m["elementIndex"] = float64(n)
		} else {
			delete(m, "elementIndex")
			note("invalid elementIndex %v dropped", v)
		}
	}

	switch m["type"] {
	case "type":
		if _, ok := m["submit"]; !ok {
			m["submit"] = true
			note("submit defaulted to true")
		}
		if decision.Str(m["text"]) == "" {
			m["type"] = "click"
			note("type without text demoted to click")
		}
	}
	switch m["type"] {
	case "click", "scroll_to":
		if _, ok := m["elementIndex"]; !ok {
			note("%s without elementIndex demoted to scroll down", m["type"])
			m["type"] = "scroll"
			m["direction"] = "down"
		}
	}
	switch m["type"] {
	case "scroll":
		d := strings.ToLower(decision.Str(m["direction"]))
		if d != "up" && d != "down" {
			note("scroll direction %q defaulted to down", m["direction"])
			d = "down"
		}
		m["direction"] = d
	case "done":
		if _, ok := decision.Bool(m["success"]); !ok {
			in, _ := model.ParseIntent(decision.Str(m["intent"]), model.AgentIntents)
			cg, _ := decision.Bool(m["completesGoal"])
			m["success"] = in == model.IntentComplete || (cg && in != model.IntentAbandon)
			note("done success backfilled as %v", m["success"])
		}
		if _, ok := m["reason"].(string); !ok {
			m["reason"] = ""
			note("done reason backfilled")
		}
	case "wait":
		if _, ok := m["reason"].(string); !ok {
			m["reason"] = ""
			note("wait reason backfilled")
		}
	}

	// Booleans that arrive as strings.
	for _, k := range []string{"submit", "success", "completesGoal"} {
		if v, ok := m[k]; ok {
			if _, isBool := v.(bool); !isBool {
				if b, ok := decision.Bool(v); ok {
					m[k] = b
					note("%s coerced to bool", k)
				}
			}
		}
	}

	// Scores.
	for _, s := range []struct {
		key string
		def float64
	}{
		{"confidence", defaultConfidence},
		{"friction", defaultFriction},
		{"dropoffRisk", defaultDropoffRisk},
	} {
		v, present := m[s.key]
		n, ok := decision.Number(v)
		switch {
		case !present:
			m[s.key] = s.def
			note("%s defaulted to %v", s.key, s.def)
		case !ok:
			m[s.key] = s.def
			note("%s %v replaced by %v", s.key, v, s.def)
		default:
			if _, isFloat := v.(float64); !isFloat {
				note("%s coerced to number", s.key)
			}
			m[s.key] = n
		}
	}

	// Intent last, so it can be inferred from the final action type.
	if _, ok := model.ParseIntent(decision.Str(m["intent"]), model.AgentIntents); !ok {
		inferred := inferIntent(m)
		note("intent %q inferred as %s", m["intent"], inferred)
		m["intent"] = string(inferred)
	}
	return m, notes
}

// inferIntent maps the action type to the closest intent label.
func inferIntent(m map[string]any) model.Intent {
	switch m["type"] {
	case "click":
		return model.IntentClickPrimaryCTA
	case "type":
		return model.IntentFillForm
	case "scroll", "scroll_to":
		return model.IntentScroll
	case "navigate_back":
		return model.IntentBack
	case "wait":
		return model.IntentHesitate
	case "done":
		if ok, _ := m["success"].(bool); ok {
			return model.IntentComplete
		}
		return model.IntentAbandon
	}
	return model.IntentHesitate
}

func setDefault(m map[string]any, k string, v any) {
	if _, ok := m[k]; !ok {
		m[k] = v
	}
}

// clone deep-copies a decoded JSON object.
func clone(m map[string]any) map[string]any {
	b, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil || out == nil {
		out = map[string]any{}
	}
	return out
}
