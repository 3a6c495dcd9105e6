package widget

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/slidediscuss/internal/posts"
)

// Indicator classes toggled on elements.
const (
	ClassUnread    = "discuss-unread"
	ClassAvailable = "discuss-available"
	ClassDisplayed = "discuss-displayed"
)

// Close control labels.
const (
	LabelOpenDiscussion  = "Open discussion"
	LabelCloseDiscussion = "Close discussion"
	LabelNoPosts         = "No posts yet"
)

var errMissingElement = errors.New("widget: required element missing")

// Element is a rendered UI node the widget can show, label and mark.
type Element interface {
	SetText(text string)
	Text() string
	SetVisible(visible bool)
	Visible() bool
	AddClass(class string)
	RemoveClass(class string)
	HasClass(class string) bool
}

// TextInput is the draft post input.
type TextInput interface {
	Element
	Value() string
	SetValue(value string)
	SetMaxLength(limit int)
}

// TeamSelector lets a poster choose a team when a discussion has several.
type TeamSelector interface {
	Element
	SetTeams(teams []string)
	Teams() []string
	Selected() string
}

// PostList renders the posts of a discussion grouped by team.
type PostList interface {
	Element
	Reset(teams []string)
	Append(view PostView) bool
	ScrollTo(id string)
}

// Dialogs are the blocking user prompts of the widget.
type Dialogs interface {
	Alert(message string)
	Confirm(message string) bool
}

// Elements holds the UI capabilities of one widget. Footer, Show, Count and
// Toggle are optional and may be nil.
type Elements struct {
	Container     Element
	PostContainer Element
	TeamSelect    TeamSelector
	Label         Element
	Close         Element
	Posts         PostList
	Textarea      TextInput
	Render        Element

	Footer Element
	Show   Element
	Count  Element
	Toggle Element
}

func (e Elements) validate() error {
	required := []struct {
		name    string
		present bool
	}{
		{"container", e.Container != nil},
		{"post container", e.PostContainer != nil},
		{"team select", e.TeamSelect != nil},
		{"label", e.Label != nil},
		{"close", e.Close != nil},
		{"posts", e.Posts != nil},
		{"textarea", e.Textarea != nil},
		{"render", e.Render != nil},
	}
	for _, element := range required {
		if !element.present {
			return fmt.Errorf("%w: %s", errMissingElement, element.name)
		}
	}
	return nil
}

// PostView is one post as rendered for the current viewer, with the
// affordances that viewer may use.
type PostView struct {
	ID          string
	Team        string
	Number      int
	AuthorID    string
	DisplayName string
	Timestamp   string
	Text        string
	Unread      bool
	Status      posts.Status
	CanDelete   bool
	CanFlag     bool
	CanUnflag   bool
}

func formatTimestamp(stamp, now time.Time) string {
	if stamp.IsZero() {
		return ""
	}
	stamp = stamp.Local()
	if stamp.Year() != now.Year() {
		return stamp.Format("Jan 2, 2006, 3:04 PM")
	}
	return stamp.Format("Jan 2, 3:04 PM")
}
