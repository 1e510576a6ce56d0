package saga

import (
	"fmt"
	"io"
	"strings"
)

// WriteText renders events one per line, oldest first as given, in the
// form "15:04:05 ✓ [deploy] build completed".
func WriteText(w io.Writer, events []Event) error {
	for _, evt := range events {
		line := fmt.Sprintf("%s %s", evt.Timestamp.UTC().Format("15:04:05"), actionIcon(evt.Action))
		if evt.Category != "" {
			line += " [" + evt.Category + "]"
		}
		if evt.Action == ActionTransition && evt.FromState != "" {
			line += fmt.Sprintf(" %s → %s ", evt.FromState, evt.ToState)
		} else {
			line += " "
		}
		if _, err := io.WriteString(w, line+evt.Message+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// Text is WriteText into a string.
func Text(events []Event) string {
	var b strings.Builder
	WriteText(&b, events)
	return b.String()
}

func actionIcon(action string) string {
	switch action {
	case ActionStepStart, ActionDeployStart:
		return "▶"
	case ActionStepComplete:
		return "✓"
	case ActionStepFailed:
		return "✗"
	case ActionTransition:
		return "→"
	case ActionRollbackSlow:
		return "!"
	case ActionDeployFinish:
		return "■"
	default:
		return "·"
	}
}
