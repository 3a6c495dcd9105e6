// Package posts holds the discussion types shared by the widget, the CLI and the host.
package posts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a post.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
	StatusFlagged Status = "flagged"
)

// ErrInvalidStatus indicates an unknown post status value.
var ErrInvalidStatus = errors.New("posts: invalid status")

// ParseStatus validates a serialized status.
func ParseStatus(value string) (Status, error) {
	switch Status(value) {
	case StatusActive, StatusDeleted, StatusFlagged:
		return Status(value), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, value)
	}
}

// UnmarshalJSON rejects unknown statuses.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	status, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = status
	return nil
}

// Post is one entry of a discussion thread. Posts are never removed; deletion
// and flagging only change Status.
type Post struct {
	Team       string    `json:"team"`
	Number     int       `json:"number"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Timestamp  time.Time `json:"timestamp"`
	Unread     bool      `json:"unread"`
	Status     Status    `json:"status"`
	Text       string    `json:"text"`
}

func (p Post) Deleted() bool { return p.Status == StatusDeleted }

func (p Post) Flagged() bool { return p.Status == StatusFlagged }

// Listing is the canonical post list of one discussion as seen by one viewer.
type Listing struct {
	Closed bool     `json:"closed"`
	Teams  []string `json:"teams"`
	Posts  []Post   `json:"posts"`
}

// Count returns the number of listed posts.
func (l Listing) Count() int {
	return len(l.Posts)
}

// ShortName renders a display name as first name plus last initial,
// e.g. "Jane Q. Doe" becomes "Jane D.". Names stored as "Last, First" are
// reordered first.
func ShortName(name string) string {
	name = strings.TrimSpace(name)
	if last, first, found := strings.Cut(name, ","); found {
		name = strings.TrimSpace(first) + " " + strings.TrimSpace(last)
	}
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	lastName := []rune(parts[len(parts)-1])
	return parts[0] + " " + strings.ToUpper(string(lastName[0])) + "."
}
