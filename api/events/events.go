package events

import (
	"fmt"
	"regexp"
)

type Type string

const (
	TypeBranchPushed      Type = "branch_pushed"
	TypePullRequestMerged Type = "pull_request_merged"
	TypeBranchClosed      Type = "branch_closed"
)

// Event is a source-hosting notification after it has been decoded from
// its provider's webhook format.
type Event struct {
	Type   Type   `json:"type"`
	Branch string `json:"branch"`
	// Commit is the pushed commit, or the branch head a merge or close
	// refers to when the provider sends one.
	Commit  string `json:"commit,omitempty"`
	Message string `json:"message,omitempty"`
	// Delivery is the provider's delivery id, kept for logs.
	Delivery string `json:"delivery,omitempty"`
}

func (e Event) Validate() error {
	switch e.Type {
	case TypeBranchPushed:
		if e.Commit == "" {
			return fmt.Errorf("%s event for %q has no commit", e.Type, e.Branch)
		}
	case TypePullRequestMerged, TypeBranchClosed:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Branch == "" {
		return fmt.Errorf("%s event has no branch", e.Type)
	}
	return nil
}

// Key identifies redeliveries of the same event: its type, branch and the
// commit it refers to. Merges and closes without a commit have no key and
// are not deduplicated; handling them again is a no-op once the branch
// environment is gone, and a reused branch name must not be mistaken for a
// redelivery.
func (e Event) Key() string {
	if e.Commit == "" {
		return ""
	}
	return string(e.Type) + ":" + e.Branch + "@" + e.Commit
}

var skipRe = regexp.MustCompile(`(?i)\bFERRY:\s*(SKIP|IGNORE)\b`)

// Skipped reports whether a commit message asks ferry to ignore the push.
func Skipped(message string) bool {
	return skipRe.MatchString(message)
}
