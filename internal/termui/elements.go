// Package termui renders discussion widgets as plain text for terminals and tests.
package termui

import (
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/slidediscuss/internal/widget"
)

// Element is an in-memory UI node.
type Element struct {
	mu      sync.Mutex
	id      string
	text    string
	visible bool
	classes map[string]struct{}
}

func NewElement(id string, visible bool) *Element {
	return &Element{id: id, visible: visible, classes: make(map[string]struct{})}
}

func (e *Element) ID() string { return e.id }

func (e *Element) SetText(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.text = text
}

func (e *Element) Text() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.text
}

func (e *Element) SetVisible(visible bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.visible = visible
}

func (e *Element) Visible() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.visible
}

func (e *Element) AddClass(class string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.classes == nil {
		e.classes = make(map[string]struct{})
	}
	e.classes[class] = struct{}{}
}

func (e *Element) RemoveClass(class string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.classes, class)
}

func (e *Element) HasClass(class string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.classes[class]
	return ok
}

// Classes returns the element classes in sorted order.
func (e *Element) Classes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	classes := make([]string, 0, len(e.classes))
	for class := range e.classes {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return classes
}

// TextInput holds a draft limited to a maximum number of characters.
type TextInput struct {
	Element
	value     string
	maxLength int
}

func NewTextInput(id string) *TextInput {
	return &TextInput{Element: Element{id: id, visible: true, classes: make(map[string]struct{})}}
}

func (t *TextInput) Value() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

func (t *TextInput) SetValue(value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.value = truncate(value, t.maxLength)
}

func (t *TextInput) SetMaxLength(limit int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxLength = limit
	t.value = truncate(t.value, limit)
}

func truncate(value string, limit int) string {
	if limit <= 0 {
		return value
	}
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}

// TeamSelector offers the teams of a multi-team discussion.
type TeamSelector struct {
	Element
	teams    []string
	selected string
}

func NewTeamSelector(id string) *TeamSelector {
	return &TeamSelector{Element: Element{id: id, classes: make(map[string]struct{})}}
}

func (s *TeamSelector) SetTeams(teams []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams = append([]string(nil), teams...)
	if !slices.Contains(s.teams, s.selected) {
		s.selected = ""
	}
}

func (s *TeamSelector) Teams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.teams...)
}

func (s *TeamSelector) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Select chooses team, which must be one of the offered teams.
func (s *TeamSelector) Select(team string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if team != "" && !slices.Contains(s.teams, team) {
		return fmt.Errorf("termui: unknown team %q", team)
	}
	s.selected = team
	return nil
}

// PostList keeps the rendered posts grouped by team.
type PostList struct {
	Element
	teams    []string
	views    []widget.PostView
	scrolled string
}

func NewPostList(id string) *PostList {
	return &PostList{Element: Element{id: id, visible: true, classes: make(map[string]struct{})}}
}

func (p *PostList) Reset(teams []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teams = append([]string(nil), teams...)
	p.views = nil
	p.scrolled = ""
}

// Append adds view under its team; it reports false when the team group has
// not been rendered.
func (p *PostList) Append(view widget.PostView) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !slices.Contains(p.teams, view.Team) {
		return false
	}
	p.views = append(p.views, view)
	return true
}

func (p *PostList) ScrollTo(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scrolled = id
}

// Views returns the rendered posts in display order.
func (p *PostList) Views() []widget.PostView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]widget.PostView(nil), p.views...)
}

// ScrolledTo returns the id of the post last scrolled into view.
func (p *PostList) ScrolledTo() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scrolled
}

// Render writes the posts grouped by team.
func (p *PostList) Render(w io.Writer) error {
	p.mu.Lock()
	teams := append([]string(nil), p.teams...)
	views := append([]widget.PostView(nil), p.views...)
	p.mu.Unlock()

	for _, team := range teams {
		if team != "" {
			if _, err := fmt.Fprintf(w, "--- %s ---\n", team); err != nil {
				return err
			}
		}
		for _, view := range views {
			if view.Team != team {
				continue
			}
			if _, err := fmt.Fprintln(w, formatView(view)); err != nil {
				return err
			}
		}
	}
	return nil
}

func formatView(view widget.PostView) string {
	var builder strings.Builder
	marker := " "
	if view.Unread {
		marker = "*"
	}
	fmt.Fprintf(&builder, "%s #%d %s: %s", marker, view.Number, view.DisplayName, view.Text)
	if view.Status != "" && view.Status != "active" {
		fmt.Fprintf(&builder, " (%s)", view.Status)
	}
	if view.Timestamp != "" {
		fmt.Fprintf(&builder, " [%s]", view.Timestamp)
	}
	var actions []string
	if view.CanDelete {
		actions = append(actions, "delete")
	}
	if view.CanFlag {
		actions = append(actions, "flag")
	}
	if view.CanUnflag {
		actions = append(actions, "unflag")
	}
	if len(actions) > 0 {
		fmt.Fprintf(&builder, " {%s}", strings.Join(actions, ","))
	}
	return builder.String()
}
