package model

import "fmt"

// Action is one browser action from the fixed vocabulary. The concrete types
// below are the only implementations; consumers dispatch with a type switch.
type Action interface {
	Kind() string
	isAction()
}

// Click clicks the centre of the numbered element.
type Click struct{ ElementIndex int }

// Type types Text into the numbered element, pressing Enter when Submit.
type Type struct {
	ElementIndex int
	Text         string
	Submit       bool
}

// Scroll moves the primary scroller by most of a viewport.
type Scroll struct{ Direction Direction }

// ScrollTo centres the numbered element in the viewport.
type ScrollTo struct{ ElementIndex int }

// NavigateBack goes back in history.
type NavigateBack struct{}

// Wait pauses for a fixed interval.
type Wait struct{ Reason string }

// Done ends the episode.
type Done struct {
	Success bool
	Reason  string
}

// Direction of a scroll.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

func (Click) Kind() string        { return "click" }
func (Type) Kind() string         { return "type" }
func (Scroll) Kind() string       { return "scroll" }
func (ScrollTo) Kind() string     { return "scroll_to" }
func (NavigateBack) Kind() string { return "navigate_back" }
func (Wait) Kind() string         { return "wait" }
func (Done) Kind() string         { return "done" }

func (Click) isAction()        {}
func (Type) isAction()         {}
func (Scroll) isAction()       {}
func (ScrollTo) isAction()     {}
func (NavigateBack) isAction() {}
func (Wait) isAction()         {}
func (Done) isAction()         {}

// ActionRecord is the flat JSON shape of an action, as stored on a trace.
type ActionRecord struct {
	Type         string    `json:"type"`
	ElementIndex *int      `json:"elementIndex,omitempty"`
	Text         string    `json:"text,omitempty"`
	Submit       *bool     `json:"submit,omitempty"`
	Direction    Direction `json:"direction,omitempty"`
	Success      *bool     `json:"success,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

// Record flattens a for persistence.
func Record(a Action) *ActionRecord {
	switch a := a.(type) {
	case Click:
		return &ActionRecord{Type: a.Kind(), ElementIndex: ptr(a.ElementIndex)}
	case Type:
		return &ActionRecord{Type: a.Kind(), ElementIndex: ptr(a.ElementIndex), Text: a.Text, Submit: ptr(a.Submit)}
	case Scroll:
		return &ActionRecord{Type: a.Kind(), Direction: a.Direction}
	case ScrollTo:
		return &ActionRecord{Type: a.Kind(), ElementIndex: ptr(a.ElementIndex)}
	case NavigateBack:
		return &ActionRecord{Type: a.Kind()}
	case Wait:
		return &ActionRecord{Type: a.Kind(), Reason: a.Reason}
	case Done:
		return &ActionRecord{Type: a.Kind(), Success: ptr(a.Success), Reason: a.Reason}
	default:
		return nil
	}
}

// Action rebuilds the typed action from its record.
func (r *ActionRecord) Action() (Action, error) {
	idx := func() (int, error) {
		if r.ElementIndex == nil {
			return 0, fmt.Errorf("model: %s action without elementIndex", r.Type)
		}
		return *r.ElementIndex, nil
	}
	switch r.Type {
	case "click":
		i, err := idx()
		return Click{ElementIndex: i}, err
	case "type":
		i, err := idx()
		submit := r.Submit == nil || *r.Submit
		return Type{ElementIndex: i, Text: r.Text, Submit: submit}, err
	case "scroll":
		d := r.Direction
		if d != Up {
			d = Down
		}
		return Scroll{Direction: d}, nil
	case "scroll_to":
		i, err := idx()
		return ScrollTo{ElementIndex: i}, err
	case "navigate_back":
		return NavigateBack{}, nil
	case "wait":
		return Wait{Reason: r.Reason}, nil
	case "done":
		return Done{Success: r.Success != nil && *r.Success, Reason: r.Reason}, nil
	default:
		return nil, fmt.Errorf("model: unknown action type %q", r.Type)
	}
}

func ptr[T any](v T) *T { return &v }
