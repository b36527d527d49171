package schemas

import (
	"fmt"
	"time"
)

// -- Agent Action Schemas --

// ActionKind enumerates the closed set of actions the agent can take against
// a page. Anything outside this set degrades to KindExplore.
type ActionKind string

const (
	KindClick        ActionKind = "click"
	KindType         ActionKind = "type"
	KindScroll       ActionKind = "scroll"
	KindHover        ActionKind = "hover"
	KindCloseModal   ActionKind = "close_modal"
	KindSelectOption ActionKind = "select_option"
	KindPressKey     ActionKind = "press_key"
	KindFlagDefect   ActionKind = "flag_defect"
	KindExplore      ActionKind = "explore"
)

// knownKinds is the membership set backing ActionKind.Valid.
var knownKinds = map[ActionKind]struct{}{
	KindClick:        {},
	KindType:         {},
	KindScroll:       {},
	KindHover:        {},
	KindCloseModal:   {},
	KindSelectOption: {},
	KindPressKey:     {},
	KindFlagDefect:   {},
	KindExplore:      {},
}

// Valid reports whether the kind is part of the closed action set.
func (k ActionKind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// ScrollDirection for KindScroll actions.
type ScrollDirection string

const (
	ScrollDown ScrollDirection = "down"
	ScrollUp   ScrollDirection = "up"
)

// Action is the tagged union describing one step against the page. Target is
// a human readable description of the subject (button text, field label); the
// driver resolves it to a live element. Value is kind specific: text for
// KindType, the option for KindSelectOption, the key for KindPressKey.
type Action struct {
	Kind      ActionKind      `json:"action"`
	Target    string          `json:"target,omitempty"`
	Value     string          `json:"value,omitempty"`
	Direction ScrollDirection `json:"direction,omitempty"`
	// Reasoning carries the model's short rationale, logged but never acted on.
	Reasoning string `json:"reasoning,omitempty"`
	// Summary and Description are set only for KindFlagDefect.
	Summary     string `json:"summary,omitempty"`
	Description string `json:"description,omitempty"`
}

// ExploreAction is the safe default adopted when a proposal cannot be parsed
// or validated.
func ExploreAction(reason string) Action {
	return Action{Kind: KindExplore, Reasoning: reason}
}

// Validate checks kind specific required fields.
func (a Action) Validate() error {
	if !a.Kind.Valid() {
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	switch a.Kind {
	case KindClick, KindHover:
		if a.Target == "" {
			return fmt.Errorf("%s action requires a target", a.Kind)
		}
	case KindType:
		if a.Target == "" {
			return fmt.Errorf("type action requires a target")
		}
	case KindSelectOption:
		if a.Target == "" || a.Value == "" {
			return fmt.Errorf("select_option action requires a target and a value")
		}
	case KindPressKey:
		if a.Value == "" {
			return fmt.Errorf("press_key action requires a value")
		}
	case KindScroll:
		if a.Direction != ScrollDown && a.Direction != ScrollUp {
			return fmt.Errorf("scroll action requires a direction of up or down")
		}
	case KindFlagDefect:
		if a.Summary == "" {
			return fmt.Errorf("flag_defect action requires a summary")
		}
	}
	return nil
}

// -- Driver Observation Schemas --

// AffordanceKind classifies an interactable element found on the page.
type AffordanceKind string

const (
	AffordanceButton AffordanceKind = "button"
	AffordanceInput  AffordanceKind = "input"
	AffordanceSelect AffordanceKind = "select"
	AffordanceLink   AffordanceKind = "link"
)

// Affordance is one interactable element from the page inventory.
type Affordance struct {
	Kind     AffordanceKind `json:"kind"`
	Text     string         `json:"text"`
	Selector string         `json:"selector"`
	// Primary marks submit buttons and visually prominent calls to action.
	Primary bool `json:"primary,omitempty"`
}

// ConsoleEntry is one captured browser console message or uncaught exception.
type ConsoleEntry struct {
	Level     string    `json:"level"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NetworkEntry is one captured failed network response.
type NetworkEntry struct {
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	Status    int       `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerError reports whether the entry is a 5xx response. Server errors are
// never treated as noise by the defect filter.
func (n NetworkEntry) ServerError() bool {
	return n.Status >= 500 && n.Status <= 599
}
