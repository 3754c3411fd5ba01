package agent

import (
	"errors"
	"fmt"

	"github.com/hazyhaar/uxsim/simworker/internal/decision"
	"github.com/hazyhaar/uxsim/simworker/internal/model"
)

// ErrInvalidDecision means a model response failed validation after repair.
var ErrInvalidDecision = errors.New("agent: invalid decision")

// Decision is a validated step response.
type Decision struct {
	Reasoning model.Reasoning
	Action    model.Action
}

// Validate checks a repaired response strictly and builds the typed
// decision. It never modifies m.
func Validate(m map[string]any) (Decision, error) {
	var d Decision
	r, err := decision.Parse(m, model.AgentIntents)
	if err != nil {
		return d, fmt.Errorf("%w: %w", ErrInvalidDecision, err)
	}
	if err := decision.ScoresInRange(r); err != nil {
		return d, fmt.Errorf("%w: %w", ErrInvalidDecision, err)
	}
	if v, ok := m["completesGoal"]; ok {
		if _, isBool := v.(bool); !isBool {
			return d, invalid("completesGoal must be a boolean")
		}
	}
	a, err := action(m)
	if err != nil {
		return d, err
	}
	d.Reasoning = r
	d.Action = a
	return d, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDecision, fmt.Sprintf(format, args...))
}

func index(m map[string]any) (int, error) {
	f, ok := m["elementIndex"].(float64)
	if !ok {
		return 0, invalid("%s requires elementIndex", m["type"])
	}
	n, ok := decision.Int(f)
	if !ok || n < 0 {
		return 0, invalid("elementIndex %v is not a non-negative integer", f)
	}
	return n, nil
}

func action(m map[string]any) (model.Action, error) {
	typ, _ := m["type"].(string)
	switch typ {
	case "click":
		i, err := index(m)
		if err != nil {
			return nil, err
		}
		return model.Click{ElementIndex: i}, nil
	case "type":
		i, err := index(m)
		if err != nil {
			return nil, err
		}
		text, _ := m["text"].(string)
		if text == "" {
			return nil, invalid("type requires text")
		}
		submit, ok := m["submit"].(bool)
		if !ok {
			return nil, invalid("type requires submit")
		}
		return model.Type{ElementIndex: i, Text: text, Submit: submit}, nil
	case "scroll":
		switch dir, _ := m["direction"].(string); model.Direction(dir) {
		case model.Up, model.Down:
			return model.Scroll{Direction: model.Direction(dir)}, nil
		default:
			return nil, invalid("scroll direction %q", dir)
		}
	case "scroll_to":
		i, err := index(m)
		if err != nil {
			return nil, err
		}
		return model.ScrollTo{ElementIndex: i}, nil
	case "navigate_back":
		return model.NavigateBack{}, nil
	case "wait":
		reason, _ := m["reason"].(string)
		return model.Wait{Reason: reason}, nil
	case "done":
		success, ok := m["success"].(bool)
		if !ok {
			return nil, invalid("done requires success")
		}
		reason, _ := m["reason"].(string)
		return model.Done{Success: success, Reason: reason}, nil
	case "":
		return nil, invalid("missing action type")
	default:
		return nil, invalid("unknown action type %q", typ)
	}
}
