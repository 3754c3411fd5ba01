// Package decision reads the untyped JSON objects returned by the completion
// provider into model.Reasoning. It holds the value coercions shared by the
// screenshot and agent runners; the agent's repair policy builds on them.
package decision

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/hazyhaar/uxsim/simworker/internal/model"
)

// ErrInvalid wraps every rejection of a decision object.
var ErrInvalid = errors.New("decision: invalid")

// Number reads v as a float64. Numeric strings are accepted.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil && !math.IsNaN(f)
	}
	return 0, false
}

// Int reads v as a non-fractional int.
func Int(v any) (int, bool) {
	f, ok := Number(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// Bool reads v as a bool. "true"/"false" strings and 0/1 are accepted.
func Bool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		p, err := strconv.ParseBool(strings.TrimSpace(b))
		return p, err == nil
	}
	if f, ok := Number(v); ok && (f == 0 || f == 1) {
		return f == 1, true
	}
	return false, false
}

// Str reads v as a trimmed string. Non-strings yield "".
func Str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// Confusions coerces v into a confusion list. It accepts an array of
// objects or strings, a single object or a single string; anything else
// yields an empty list. Entries without an issue are dropped.
func Confusions(v any) []model.Confusion {
	var items []any
	switch c := v.(type) {
	case []any:
		items = c
	case map[string]any, string:
		items = []any{c}
	}
	out := make([]model.Confusion, 0, len(items))
	for _, it := range items {
		switch c := it.(type) {
		case string:
			if s := strings.TrimSpace(c); s != "" {
				out = append(out, model.Confusion{Issue: s})
			}
		case map[string]any:
			cf := model.Confusion{
				Issue:      Str(c["issue"]),
				Evidence:   Str(c["evidence"]),
				ElementRef: Str(c["elementRef"]),
			}
			if cf.Issue == "" {
				cf.Issue = Str(c["description"])
			}
			if cf.Issue != "" {
				out = append(out, cf)
			}
		}
	}
	return out
}

// ToArray wraps a scalar or object confusions value into an array in place.
// It reports whether m was changed.
func ToArray(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case []any:
		return false
	case nil:
		m[key] = []any{}
	case string:
		if strings.TrimSpace(v) == "" {
			m[key] = []any{}
		} else {
			m[key] = []any{v}
		}
	default:
		m[key] = []any{v}
	}
	return true
}

// Parse builds the reasoning part of a decision. The intent must belong to
// vocab, confidence/friction/dropoffRisk must be numbers and confusions must
// be an array. Score ranges are left to the caller.
func Parse(m map[string]any, vocab []model.Intent) (model.Reasoning, error) {
	var r model.Reasoning
	raw, ok := m["intent"].(string)
	if !ok {
		return r, fmt.Errorf("%w: missing intent", ErrInvalid)
	}
	in, ok := model.ParseIntent(raw, vocab)
	if !ok {
		return r, fmt.Errorf("%w: unknown intent %q", ErrInvalid, raw)
	}
	r.Intent = in

	for _, f := range []struct {
		key string
		dst *float64
	}{
		{"confidence", &r.Confidence},
		{"friction", &r.Friction},
		{"dropoffRisk", &r.DropoffRisk},
	} {
		v, ok := Number(m[f.key])
		if !ok {
			return r, fmt.Errorf("%w: %s must be a number, got %v", ErrInvalid, f.key, m[f.key])
		}
		*f.dst = v
	}

	if _, ok := m["confusions"].([]any); !ok {
		return r, fmt.Errorf("%w: confusions must be an array", ErrInvalid)
	}
	r.Confusions = Confusions(m["confusions"])
	r.SalientObservation = Str(m["salientObservation"])
	r.Memory = Str(m["memory"])
	if b, ok := Bool(m["completesGoal"]); ok {
		r.CompletesGoal = b
	}
	return r, nil
}

// ClampScores bounds the three scores to [0,1].
func ClampScores(r *model.Reasoning) {
	r.Confidence = model.Clamp01(r.Confidence)
	r.Friction = model.Clamp01(r.Friction)
	r.DropoffRisk = model.Clamp01(r.DropoffRisk)
}

// ScoresInRange reports the first score outside [0,1].
func ScoresInRange(r model.Reasoning) error {
	names := [3]string{"confidence", "friction", "dropoffRisk"}
	for i, v := range [3]float64{r.Confidence, r.Friction, r.DropoffRisk} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s %v outside [0,1]", ErrInvalid, names[i], v)
		}
	}
	return nil
}

// ReasoningSchema is the JSON shape shared by both modes, embedded in the
// per-mode schema text.
const ReasoningSchema = `"salientObservation": string, what stands out on this screen to you,
  "confusions": [{"issue": string, "evidence": string, "elementRef": string}], empty if none,
  "intent": one of %s,
  "confidence": number 0..1, how sure you are about the next move,
  "friction": number 0..1, how much effort this screen costs you,
  "dropoffRisk": number 0..1, how likely you are to give up here,
  "memory": string, what you want to remember for the next screens`

// IntentList renders vocab for a schema.
func IntentList(vocab []model.Intent) string {
	s := make([]string, len(vocab))
	for i, v := range vocab {
		s[i] = string(v)
	}
	return strings.Join(s, ", ")
}
