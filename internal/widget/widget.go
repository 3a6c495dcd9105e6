package widget

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/slidediscuss/internal/posts"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/relay"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/rowstore"
	"go.uber.org/zap"
)

const instructorName = "Instructor"

// Widget controls the discussion of one slide. Network calls block the caller;
// state changes from their replies are applied under the widget lock, so
// replies arriving out of order still apply in arrival order.
type Widget struct {
	registry   *Registry
	slide      int
	slideID    string
	discussion int
	maxChars   int
	admin      bool
	elements   Elements
	logger     *zap.Logger

	mu          sync.Mutex
	closed      bool
	unread      bool
	unreadID    string
	activeUsers map[string]time.Time
}

func (w *Widget) Slide() int      { return w.slide }
func (w *Widget) Discussion() int { return w.discussion }

// Closed reports whether new posts are refused.
func (w *Widget) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Unread reports whether posts arrived since the slide was last entered.
func (w *Widget) Unread() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unread
}

// ActiveUsers returns when each peer was last seen on this discussion.
func (w *Widget) ActiveUsers() map[string]time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	users := make(map[string]time.Time, len(w.activeUsers))
	for userID, seen := range w.activeUsers {
		users[userID] = seen
	}
	return users
}

func (w *Widget) initialize(stats posts.DiscussionStats, adminPaced bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.unread = false
	w.closed = stats.Closed != nil && *stats.Closed
	w.activeUsers = make(map[string]time.Time)
	elements := w.elements

	if w.maxChars > 0 {
		elements.Textarea.SetMaxLength(w.maxChars)
	}
	elements.Close.SetVisible(w.admin)
	elements.Container.SetVisible(false)
	elements.Posts.Reset(nil)
	w.applyClosedLocked()

	postCount, unreadCount := stats.Totals()
	neverOpened := stats.Closed == nil || *stats.Closed
	hide := adminPaced && !w.admin && postCount == 0 && neverOpened
	if elements.Footer != nil {
		elements.Footer.SetVisible(!hide)
	}
	if elements.Show != nil && unreadCount > 0 {
		elements.Show.AddClass(ClassUnread)
	}
	if elements.Count != nil && postCount > 0 {
		if unreadCount > 0 {
			elements.Count.SetText(fmt.Sprintf("%d posts (%d unread)", postCount, unreadCount))
		} else {
			elements.Count.SetText(fmt.Sprintf("%d posts", postCount))
		}
	}
	if elements.Toggle != nil {
		elements.Toggle.SetVisible(true)
	}
	if postCount == 0 {
		return
	}
	if elements.Toggle != nil {
		elements.Toggle.AddClass(ClassAvailable)
	}
	if unreadCount > 0 {
		w.unread = true
		if elements.Toggle != nil {
			elements.Toggle.AddClass(ClassUnread)
		}
		if top := w.registry.topIndicator; top != nil {
			top.AddClass(ClassUnread)
		}
	}
}

// RequestShow fetches the discussion and displays it, or collapses it when it
// is already displayed.
func (w *Widget) RequestShow(ctx context.Context) error {
	reply, err := w.registry.store.Action(ctx, ActionDiscussPosts, map[string]string{
		rowstore.ParamID: w.registry.userID,
		"discuss":        strconv.Itoa(w.discussion),
	})
	if err != nil {
		w.registry.dialogs.Alert("Error in discussion show: " + err.Error())
		return err
	}
	var listing posts.Listing
	if err := json.Unmarshal(reply.Value, &listing); err != nil {
		w.registry.dialogs.Alert("Error in discussion show: " + err.Error())
		return fmt.Errorf("%w: %v", ErrMissingListing, err)
	}
	w.DisplayDiscussion(ctx, listing, false)

	if count := w.elements.Count; count != nil {
		w.mu.Lock()
		if listing.Count() > 0 {
			count.SetText(fmt.Sprintf("%d posts", listing.Count()))
		} else {
			count.SetText("")
		}
		w.mu.Unlock()
	}
	return nil
}

// Preview renders a draft without posting it.
func (w *Widget) Preview(text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.elements.Render.SetText(text)
}

// SubmitPost posts the drafted text. The displayed posts are replaced by the
// listing the host returns; nothing is appended locally.
func (w *Widget) SubmitPost(ctx context.Context) error {
	w.mu.Lock()
	text := w.elements.Textarea.Value()
	hasTeams := len(w.elements.TeamSelect.Teams()) > 0
	team := w.elements.TeamSelect.Selected()
	closed := w.closed
	w.mu.Unlock()

	dialogs := w.registry.dialogs
	if strings.TrimSpace(text) == "" {
		dialogs.Alert("No text to post!")
		return ErrBlankPost
	}
	params := map[string]string{}
	if hasTeams {
		if team == "" {
			dialogs.Alert("Please select team to post to")
			return ErrTeamRequired
		}
		params["team"] = team
	}
	if closed && !w.admin {
		dialogs.Alert("Discussion is closed")
		return ErrDiscussionClosed
	}
	return w.writeCommand(ctx, w.registry.userID, posts.PostCommand(text), params)
}

// DeletePost marks a post deleted after confirmation. Deleting another user's
// post is sent as an admin request; the host decides whether it is allowed.
func (w *Widget) DeletePost(ctx context.Context, number int, team, authorID string) error {
	if !w.registry.dialogs.Confirm("Delete discussion post?") {
		return ErrCancelled
	}
	params := map[string]string{}
	if authorID != w.registry.userID {
		params["admin"] = "1"
	}
	return w.writeCommand(ctx, authorID, posts.DeleteCommand(team, number), params)
}

func (w *Widget) writeCommand(ctx context.Context, rowID string, command posts.Command, params map[string]string) error {
	value, err := command.Encode()
	if err != nil {
		return err
	}
	update := rowstore.Row{
		rowstore.ColumnID:              rowID,
		posts.ColumnName(w.discussion): value,
	}
	reply, err := w.registry.store.UpdateRow(ctx, update, rowstore.UpdateOptions{Params: params})
	if err != nil {
		w.registry.dialogs.Alert("Error in discussion post: " + err.Error())
		return err
	}
	var info struct {
		DiscussPosts *posts.Listing `json:"discussPosts"`
	}
	if len(reply.Info) > 0 {
		if err := json.Unmarshal(reply.Info, &info); err != nil {
			w.logger.Warn("discussion reply info is not json", zap.Error(err))
		}
	}
	if info.DiscussPosts == nil {
		w.registry.dialogs.Alert("Error in discussion post: " + ErrMissingListing.Error())
		return ErrMissingListing
	}
	w.DisplayDiscussion(ctx, *info.DiscussPosts, true)

	w.mu.Lock()
	w.elements.Textarea.SetValue("")
	w.elements.Render.SetText("")
	w.mu.Unlock()
	return nil
}

// FlagPost flags, or with unflag clears the flag of, a post after confirmation.
func (w *Widget) FlagPost(ctx context.Context, number int, team, authorID string, unflag bool) error {
	prompt := "Flag discussion post?"
	if unflag {
		prompt = "Unflag discussion post?"
	}
	if !w.registry.dialogs.Confirm(prompt) {
		return ErrCancelled
	}
	listing, err := w.registry.sideChannel.Flag(ctx, FlagRequest{
		Session:    w.registry.Session(),
		Discussion: w.discussion,
		Team:       team,
		Post:       number,
		PosterID:   authorID,
		Unflag:     unflag,
	})
	if err != nil {
		w.registry.dialogs.Alert("Error in flag/unflag post: " + err.Error())
		return err
	}
	w.DisplayDiscussion(ctx, listing, true)
	return nil
}

// SetClosedState updates the local closed flag and the post form.
func (w *Widget) SetClosedState(open bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = !open
	w.applyClosedLocked()
}

// CloseDiscussion closes an open discussion or re-opens a closed one.
func (w *Widget) CloseDiscussion(ctx context.Context) error {
	if !w.admin {
		return ErrNotAdmin
	}
	reopen := w.Closed()
	prompt := "Close discussion?"
	if reopen {
		prompt = "Re-open discussion?"
	}
	if !w.registry.dialogs.Confirm(prompt) {
		return ErrCancelled
	}
	err := w.registry.sideChannel.CloseDiscussion(ctx, CloseRequest{
		Session:    w.registry.Session(),
		Discussion: w.discussion,
		Reopen:     reopen,
	})
	if err != nil {
		w.registry.dialogs.Alert("Error in closing discussion: " + err.Error())
		return err
	}
	w.SetClosedState(reopen)
	return nil
}

// RelayCall accepts only activeNotify, whatever privilege the sender claims.
func (w *Widget) RelayCall(ctx context.Context, isAdmin bool, fromUser, method string, payload json.RawMessage) error {
	if method != MethodActiveNotify {
		return fmt.Errorf("%w: %s", ErrRelayDenied, method)
	}
	var activity Activity
	if err := json.Unmarshal(payload, &activity); err != nil {
		return fmt.Errorf("widget: invalid %s payload: %w", method, err)
	}
	w.ActiveNotify(ctx, fromUser, activity.Action, activity.Discussion)
	return nil
}

// ActiveNotify answers a peer that displayed this discussion and records it
// as active. The answer carries a different action so it is never answered.
func (w *Widget) ActiveNotify(ctx context.Context, fromUser, action string, discussion int) {
	if action != ActionDisplayDiscussion {
		return
	}
	w.registry.send(ctx, fromUser, w.slide, MethodActiveNotify, w.discussion)
	w.mu.Lock()
	w.activeUsers[fromUser] = w.registry.now()
	w.mu.Unlock()
}

// EnterSlide clears the unread flag and the top indicator.
func (w *Widget) EnterSlide() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unread {
		if top := w.registry.topIndicator; top != nil {
			top.RemoveClass(ClassUnread)
		}
	}
	w.unread = false
}

// DisplayDiscussion renders listing. Without update, an already displayed
// discussion is collapsed instead and other viewers are told it was opened.
func (w *Widget) DisplayDiscussion(ctx context.Context, listing posts.Listing, update bool) {
	w.mu.Lock()
	elements := w.elements
	if !update && elements.Container.Visible() {
		elements.Container.SetVisible(false)
		w.mu.Unlock()
		return
	}

	w.closed = listing.Closed
	w.applyClosedLocked()

	w.unreadID = ""
	if len(listing.Teams) < 2 {
		elements.TeamSelect.SetVisible(false)
		elements.TeamSelect.SetTeams(nil)
	} else {
		elements.TeamSelect.SetVisible(true)
		elements.TeamSelect.SetTeams(listing.Teams)
	}
	elements.Posts.Reset(listing.Teams)
	elements.Label.SetText(LabelNoPosts)
	for _, post := range listing.Posts {
		w.displayPostLocked(post)
	}
	elements.Container.SetVisible(true)

	if elements.Show != nil {
		elements.Show.AddClass(ClassDisplayed)
		elements.Show.RemoveClass(ClassUnread)
	}
	if elements.Count != nil && elements.Count.Text() != "" {
		text, _, _ := strings.Cut(elements.Count.Text(), "(")
		elements.Count.SetText(strings.TrimSpace(text))
	}
	if elements.Toggle != nil {
		elements.Toggle.RemoveClass(ClassUnread)
	}
	if top := w.registry.topIndicator; top != nil {
		top.RemoveClass(ClassUnread)
	}
	w.unread = false
	if w.unreadID != "" {
		elements.Posts.ScrollTo(w.unreadID)
	}
	w.mu.Unlock()

	if !update {
		w.registry.send(ctx, relay.Broadcast, w.slide, ActionDisplayDiscussion, w.discussion)
	}
}

func (w *Widget) applyNotice(fromUser string, notice posts.Notice, current bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	elements := w.elements

	if notice.Post != nil {
		w.unread = true
		w.activeUsers[fromUser] = w.registry.now()
		if top := w.registry.topIndicator; top != nil && !current {
			top.AddClass(ClassUnread)
		}
		post := *notice.Post
		post.Unread = true
		if post.AuthorID == "" {
			post.AuthorID = fromUser
		}
		if post.AuthorName == "" {
			post.AuthorName = notice.AuthorName
		}
		if post.Team == "" {
			post.Team = notice.Team
		}
		w.displayPostLocked(post)
	}

	w.closed = notice.Closed
	w.applyClosedLocked()
	if !notice.Closed && elements.Footer != nil {
		elements.Footer.SetVisible(true)
	}
	if (notice.Message == posts.MessageNew || notice.Message == posts.MessageTeamGen) && !elements.Container.Visible() {
		if elements.Show != nil {
			elements.Show.AddClass(ClassUnread)
		}
		if elements.Toggle != nil {
			elements.Toggle.AddClass(ClassUnread)
		}
	}
}

func (w *Widget) applyClosedLocked() {
	if w.closed {
		w.elements.Close.SetText(LabelOpenDiscussion)
	} else {
		w.elements.Close.SetText(LabelCloseDiscussion)
	}
	w.elements.PostContainer.SetVisible(!w.closed)
}

func (w *Widget) displayPostLocked(post posts.Post) PostView {
	viewerID := w.registry.userID
	adminID := w.registry.adminUserID
	view := PostView{
		ID:        fmt.Sprintf("%s-%spost%03d", w.slideID, post.Team, post.Number),
		Team:      post.Team,
		Number:    post.Number,
		AuthorID:  post.AuthorID,
		Timestamp: formatTimestamp(post.Timestamp, w.registry.now()),
		Text:      post.Text,
		Unread:    post.Unread,
		Status:    post.Status,
	}
	if adminID != "" && post.AuthorID == adminID {
		view.DisplayName = instructorName
	} else {
		view.DisplayName = posts.ShortName(post.AuthorName)
	}
	if post.Unread && w.unreadID == "" {
		w.unreadID = view.ID
	}
	if !post.Deleted() {
		flagged := post.Flagged()
		view.CanDelete = w.admin || (!flagged && post.AuthorID == viewerID)
		view.CanFlag = !flagged && !w.admin && post.AuthorID != viewerID && post.AuthorID != adminID
		view.CanUnflag = flagged && w.admin
	}
	w.elements.Posts.Append(view)
	w.elements.Label.SetText("")
	return view
}
