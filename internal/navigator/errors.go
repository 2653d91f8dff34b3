package navigator

import (
	"errors"
	"fmt"
)

// Reason classifies why a navigation request gave up.
type Reason string

const (
	// ReasonNotInGame means the device or application never presented a
	// recognisable state during the precondition check.
	ReasonNotInGame Reason = "not_in_game"
	// ReasonSceneUnrecognized means too many consecutive observations were unknown.
	ReasonSceneUnrecognized Reason = "scene_unrecognized"
	// ReasonNavigationFailed means the step budget ran out before the target was reached.
	ReasonNavigationFailed Reason = "navigation_failed"
)

// Message returns an operator-facing description of the reason.
func (r Reason) Message() string {
	switch r {
	case ReasonNotInGame:
		return "application is not in the foreground or shows no known screen"
	case ReasonSceneUnrecognized:
		return "current screen could not be recognised"
	case ReasonNavigationFailed:
		return "target screen could not be reached"
	default:
		return string(r)
	}
}

// ErrUnknownTarget is returned when the requested state is not in the graph.
var ErrUnknownTarget = errors.New("unknown navigation target")

// Error is returned by NavigateTo when navigation is abandoned.
type Error struct {
	Target string
	Reason Reason
}

func (e *Error) Error() string {
	return fmt.Sprintf("navigation to %q failed: %s (%s)", e.Target, e.Reason, e.Reason.Message())
}

// ReasonOf extracts the navigation reason from err, if any.
func ReasonOf(err error) (Reason, bool) {
	var navErr *Error
	if errors.As(err, &navErr) {
		return navErr.Reason, true
	}
	return "", false
}
