// File: internal/scene/scene.go
// Package scene models the managed application as a directed graph of
// recognisable screen states joined by the input actions that move between them.
package scene

import (
	"fmt"
	"time"
)

// Unknown is the sentinel state id reported when no state can be recognised.
const Unknown = "unknown"

// DefaultScrollDistance is used when an edge asks for a scroll without a distance.
const DefaultScrollDistance = 500

// DefaultWait is the settle time applied after an edge when a definition omits one.
const DefaultWait = 500 * time.Millisecond

// ActionType identifies how an edge is executed.
type ActionType string

const (
	// ActionClick taps the location where a probe is found.
	ActionClick ActionType = "click"
	// ActionClickText taps the location where a text string is found.
	ActionClickText ActionType = "click_text"
	// ActionBack taps the back probe if one is set, otherwise presses hardware back.
	ActionBack ActionType = "back"
	// ActionSwipe scrolls the screen.
	ActionSwipe ActionType = "swipe"
)

// Valid reports whether a is a known action.
func (a ActionType) Valid() bool {
	switch a {
	case ActionClick, ActionClickText, ActionBack, ActionSwipe:
		return true
	}
	return false
}

// Direction is a scroll direction.
type Direction string

const (
	ScrollNone Direction = ""
	ScrollUp   Direction = "up"
	ScrollDown Direction = "down"
)

// Edge is a directed transition from one state to another.
type Edge struct {
	Target string
	Action ActionType
	// Probe is the recognition probe tapped by click and back actions.
	Probe string
	// Text is the string located by click_text actions.
	Text string
	// Scroll is applied before the action when set.
	Scroll         Direction
	ScrollDistance int
	// Wait is the settle time after the action completes.
	Wait time.Duration
}

// Validate checks that the action-specific fields are present.
func (e Edge) Validate() error {
	if e.Target == "" {
		return fmt.Errorf("%w: missing target", ErrInvalidEdge)
	}
	if !e.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidEdge, e.Action)
	}
	switch e.Action {
	case ActionClick:
		if e.Probe == "" {
			return fmt.Errorf("%w: click to %q requires a probe", ErrInvalidEdge, e.Target)
		}
	case ActionClickText:
		if e.Text == "" {
			return fmt.Errorf("%w: click_text to %q requires text", ErrInvalidEdge, e.Target)
		}
	}
	switch e.Scroll {
	case ScrollNone, ScrollUp, ScrollDown:
	default:
		return fmt.Errorf("%w: unknown scroll direction %q", ErrInvalidEdge, e.Scroll)
	}
	if e.ScrollDistance < 0 || e.Wait < 0 {
		return fmt.Errorf("%w: negative scroll distance or wait", ErrInvalidEdge)
	}
	return nil
}

// Node is a recognisable screen state.
type Node struct {
	ID   string
	Name string
	// Fingerprint is the probe whose match identifies this state. Empty means
	// the state is only reachable by text cues or not recognisable at all.
	Fingerprint string
	TextCues    []string
	Edges       []Edge
	// BackTo is the state reached by going back, if any.
	BackTo string
	// BackProbe is tapped for the back transition. Empty means hardware back.
	BackProbe string
}

// Edge returns the outgoing edge towards target.
func (n *Node) Edge(target string) (Edge, bool) {
	for _, e := range n.Edges {
		if e.Target == target {
			return e, true
		}
	}
	return Edge{}, false
}

// DisplayName returns Name, falling back to ID.
func (n *Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}
