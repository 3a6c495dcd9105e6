package termui

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/slidediscuss/internal/widget"
)

// View is the full element set of one slide widget.
type View struct {
	Container     *Element
	PostContainer *Element
	TeamSelect    *TeamSelector
	Label         *Element
	Close         *Element
	Posts         *PostList
	Textarea      *TextInput
	Render        *Element
	Footer        *Element
	Show          *Element
	Count         *Element
	Toggle        *Element
}

// NewView builds the elements of slide with ids derived from its slide id.
func NewView(slide int) *View {
	prefix := widget.SlideID(slide) + "-discuss"
	return &View{
		Container:     NewElement(prefix+"-container", false),
		PostContainer: NewElement(prefix+"-post-container", true),
		TeamSelect:    NewTeamSelector(prefix + "-select-post-team"),
		Label:         NewElement(prefix+"-label", true),
		Close:         NewElement(prefix+"-close", false),
		Posts:         NewPostList(prefix + "-posts"),
		Textarea:      NewTextInput(prefix + "-textarea"),
		Render:        NewElement(prefix+"-render", true),
		Footer:        NewElement(prefix+"-footer", false),
		Show:          NewElement(prefix+"-show", true),
		Count:         NewElement(prefix+"-count", true),
		Toggle:        NewElement(widget.SlideID(slide)+"-toptoggle-discuss", false),
	}
}

// Elements exposes the view as widget capabilities.
func (v *View) Elements() widget.Elements {
	return widget.Elements{
		Container:     v.Container,
		PostContainer: v.PostContainer,
		TeamSelect:    v.TeamSelect,
		Label:         v.Label,
		Close:         v.Close,
		Posts:         v.Posts,
		Textarea:      v.Textarea,
		Render:        v.Render,
		Footer:        v.Footer,
		Show:          v.Show,
		Count:         v.Count,
		Toggle:        v.Toggle,
	}
}

// WriteTo prints the visible state of the view.
func (v *View) WriteTo(w io.Writer) (int64, error) {
	var builder strings.Builder
	if count := v.Count.Text(); count != "" {
		fmt.Fprintf(&builder, "%s\n", count)
	}
	if v.Container.Visible() {
		if label := v.Label.Text(); label != "" {
			fmt.Fprintf(&builder, "%s\n", label)
		}
		if err := v.Posts.Render(&builder); err != nil {
			return 0, err
		}
		if !v.PostContainer.Visible() {
			builder.WriteString("(discussion closed)\n")
		}
	}
	written, err := io.WriteString(w, builder.String())
	return int64(written), err
}

// Dialogs prompts on a terminal. With AssumeYes every confirmation is accepted.
type Dialogs struct {
	AssumeYes bool

	mu     sync.Mutex
	in     *bufio.Reader
	out    io.Writer
	alerts []string
}

func NewDialogs(in io.Reader, out io.Writer, assumeYes bool) *Dialogs {
	var reader *bufio.Reader
	if in != nil {
		reader = bufio.NewReader(in)
	}
	return &Dialogs{AssumeYes: assumeYes, in: reader, out: out}
}

func (d *Dialogs) Alert(message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alerts = append(d.alerts, message)
	if d.out != nil {
		fmt.Fprintf(d.out, "! %s\n", message)
	}
}

func (d *Dialogs) Confirm(message string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.AssumeYes {
		return true
	}
	if d.in == nil {
		return false
	}
	if d.out != nil {
		fmt.Fprintf(d.out, "%s [y/N] ", message)
	}
	answer, err := d.in.ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// Alerts returns the messages shown so far.
func (d *Dialogs) Alerts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.alerts...)
}
