package compile

import (
	"fmt"

	"github.com/cochaviz/aibmoe/internal/artifacts"
)

// EventKind identifies a notification for the presentation layer.
type EventKind string

const (
	// EventBusy is emitted when a compile is triggered.
	EventBusy EventKind = "busy"
	// EventIdle is emitted when the authoritative attempt finishes.
	EventIdle EventKind = "idle"
	// EventPublished carries a newly published artifact.
	EventPublished EventKind = "published"
	// EventFailed carries the single user-visible failure of an attempt.
	EventFailed EventKind = "failed"
	// EventDiscarded reports that a superseded attempt finished and its
	// outcome was dropped.
	EventDiscarded EventKind = "discarded"
)

// Event is delivered on the foreground context, in order.
type Event struct {
	Kind     EventKind
	Attempt  uint64
	Artifact *artifacts.Artifact
	Err      *Error
}

// Listener receives events. It runs on the foreground context and must not block.
type Listener func(Event)

// FormatEvent renders an event as a one-line status message.
func FormatEvent(e Event) string {
	switch e.Kind {
	case EventBusy:
		return fmt.Sprintf("  ● compiling (attempt %d)...", e.Attempt)
	case EventIdle:
		return fmt.Sprintf("  ○ idle (attempt %d finished)", e.Attempt)
	case EventPublished:
		if e.Artifact != nil {
			return fmt.Sprintf("  ✓ attempt %d published %s", e.Attempt, e.Artifact.ID)
		}
		return fmt.Sprintf("  ✓ attempt %d published", e.Attempt)
	case EventFailed:
		return fmt.Sprintf("  ✗ attempt %d failed: %v", e.Attempt, e.Err)
	case EventDiscarded:
		return fmt.Sprintf("  - attempt %d superseded, result discarded", e.Attempt)
	default:
		return fmt.Sprintf("  ? attempt %d (%s)", e.Attempt, e.Kind)
	}
}
