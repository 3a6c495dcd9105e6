// Package widget implements the per-slide discussion controller and the
// registry that owns the widgets of one session.
package widget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/slidediscuss/internal/posts"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/relay"
	"github.com/MarcoPoloResearchLab/slidediscuss/internal/rowstore"
	"go.uber.org/zap"
)

// PluginName prefixes every relay channel handled here.
const PluginName = "Discuss"

// Relay methods and activity actions.
const (
	MethodPostNotify        = "postNotify"
	MethodActiveNotify      = "activeNotify"
	ActionDisplayDiscussion = "displayDiscussion"
	ActionDiscussPosts      = "discuss_posts"
)

var (
	ErrBlankPost        = errors.New("widget: no text to post")
	ErrTeamRequired     = errors.New("widget: team selection required")
	ErrDiscussionClosed = errors.New("widget: discussion closed")
	ErrCancelled        = errors.New("widget: cancelled by user")
	ErrNotAdmin         = errors.New("widget: admin only")
	ErrRelayDenied      = errors.New("widget: denied access to relay method")
	ErrNoDiscussion     = errors.New("widget: slide has no discussion")
	ErrMissingListing   = errors.New("widget: reply without discussion posts")

	errMissingSession     = errors.New("widget: session required")
	errMissingUser        = errors.New("widget: user id required")
	errMissingStore       = errors.New("widget: row store required")
	errMissingSideChannel = errors.New("widget: side channel required")
	errMissingDialogs     = errors.New("widget: dialogs required")
	errDuplicateWidget    = errors.New("widget: slide already registered")
)

// RowStore is the subset of the row store the widget writes through.
type RowStore interface {
	UpdateRow(ctx context.Context, update rowstore.Row, opts rowstore.UpdateOptions) (rowstore.Reply, error)
	Action(ctx context.Context, name string, params map[string]string) (rowstore.Reply, error)
}

// Relay sends an event to other viewers of the session.
type Relay interface {
	Send(ctx context.Context, event relay.Event) error
}

// DiscussSlide is one discussion-bearing slide. Discussion numbers follow the
// order of these entries, starting at 1.
type DiscussSlide struct {
	Slide    int `json:"slide"`
	MaxChars int `json:"maxchars,omitempty"`
}

type Params struct {
	Session       string
	Stats         posts.Stats
	DiscussSlides []DiscussSlide
	// AdminPaced hides never-opened discussions from non-admin viewers.
	AdminPaced bool
}

type Config struct {
	Params      Params
	UserID      string
	AdminUserID string
	Store       RowStore
	SideChannel SideChannel
	Dialogs     Dialogs

	Relay        Relay
	TopIndicator Element
	CurrentSlide func() int
	Now          func() time.Time
	Logger       *zap.Logger
}

// Activity is the payload of an activeNotify relay event.
type Activity struct {
	Action     string `json:"action"`
	Discussion int    `json:"discussion"`
}

// Registry owns the widgets of one viewer's session.
type Registry struct {
	userID       string
	adminUserID  string
	store        RowStore
	sideChannel  SideChannel
	dialogs      Dialogs
	relay        Relay
	topIndicator Element
	currentSlide func() int
	now          func() time.Time
	logger       *zap.Logger

	mu      sync.RWMutex
	params  Params
	widgets map[int]*Widget
}

func NewRegistry(cfg Config) (*Registry, error) {
	if strings.TrimSpace(cfg.Params.Session) == "" {
		return nil, errMissingSession
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, errMissingUser
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.SideChannel == nil {
		return nil, errMissingSideChannel
	}
	if cfg.Dialogs == nil {
		return nil, errMissingDialogs
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		userID:       cfg.UserID,
		adminUserID:  cfg.AdminUserID,
		store:        cfg.Store,
		sideChannel:  cfg.SideChannel,
		dialogs:      cfg.Dialogs,
		relay:        cfg.Relay,
		topIndicator: cfg.TopIndicator,
		currentSlide: cfg.CurrentSlide,
		now:          now,
		logger:       logger.With(zap.String("session", cfg.Params.Session)),
		params:       cfg.Params,
		widgets:      make(map[int]*Widget),
	}, nil
}

func (r *Registry) Session() string {
	return r.params.Session
}

// IsAdmin reports whether the viewer is the session administrator.
func (r *Registry) IsAdmin() bool {
	return r.adminUserID != "" && r.userID == r.adminUserID
}

// Register builds and initializes the widget of slide.
func (r *Registry) Register(slide int, elements Elements) (*Widget, error) {
	if err := elements.validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	if _, exists := r.widgets[slide]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", errDuplicateWidget, slide)
	}
	discussion, params := 0, DiscussSlide{}
	for index, entry := range r.params.DiscussSlides {
		if entry.Slide == slide {
			discussion, params = index+1, entry
			break
		}
	}
	if discussion == 0 {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrNoDiscussion, slide)
	}
	widget := &Widget{
		registry:    r,
		slide:       slide,
		slideID:     SlideID(slide),
		discussion:  discussion,
		maxChars:    params.MaxChars,
		admin:       r.IsAdmin(),
		elements:    elements,
		logger:      r.logger.With(zap.Int("slide", slide), zap.Int("discussion", discussion)),
		activeUsers: make(map[string]time.Time),
	}
	r.widgets[slide] = widget
	stats := r.params.Stats.Session(r.params.Session)[discussion]
	adminPaced := r.params.AdminPaced
	r.mu.Unlock()

	widget.initialize(stats, adminPaced)
	return widget, nil
}

// Widget returns the widget registered for slide.
func (r *Registry) Widget(slide int) (*Widget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	widget, ok := r.widgets[slide]
	return widget, ok
}

// UpdateStats replaces the aggregate stats and re-initializes every widget.
func (r *Registry) UpdateStats(stats posts.Stats) {
	r.mu.Lock()
	r.params.Stats = stats
	sessionStats := stats.Session(r.params.Session)
	adminPaced := r.params.AdminPaced
	widgets := make([]*Widget, 0, len(r.widgets))
	for _, widget := range r.widgets {
		widgets = append(widgets, widget)
	}
	r.mu.Unlock()

	for _, widget := range widgets {
		widget.initialize(sessionStats[widget.discussion], adminPaced)
	}
}

// Unread totals the unread posts of the session across discussions and teams.
// It counts posts, not the (discussion, team) pairs holding unread posts.
func (r *Registry) Unread() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, discussion := range r.params.Stats.Session(r.params.Session) {
		_, unread := discussion.Totals()
		count += unread
	}
	return count
}

// RelayCall accepts only postNotify, and only from a privileged sender.
func (r *Registry) RelayCall(isAdmin bool, fromUser, method string, payload json.RawMessage) error {
	if method != MethodPostNotify || !isAdmin {
		return fmt.Errorf("%w: %s", ErrRelayDenied, method)
	}
	var notice posts.Notice
	if err := json.Unmarshal(payload, &notice); err != nil {
		return fmt.Errorf("widget: invalid %s payload: %w", method, err)
	}
	return r.PostNotify(fromUser, notice)
}

// PostNotify applies a pushed post or closed-state change to its slide widget.
func (r *Registry) PostNotify(fromUser string, notice posts.Notice) error {
	if notice.Discussion == 0 {
		return nil
	}
	r.mu.RLock()
	if notice.Discussion < 0 || notice.Discussion > len(r.params.DiscussSlides) {
		r.mu.RUnlock()
		return fmt.Errorf("%w: discussion %d", ErrNoDiscussion, notice.Discussion)
	}
	slide := r.params.DiscussSlides[notice.Discussion-1].Slide
	widget := r.widgets[slide]
	r.mu.RUnlock()
	if widget == nil {
		return nil
	}
	current := r.currentSlide != nil && r.currentSlide() == slide
	widget.applyNotice(fromUser, notice, current)
	return nil
}

// Dispatch routes a relay event named Discuss.<method>[.<slide>] to the
// registry or to the slide widget.
func (r *Registry) Dispatch(ctx context.Context, event relay.Event) error {
	route, err := relay.ParseChannel(event.Channel)
	if err != nil {
		return err
	}
	if route.Plugin != PluginName {
		return fmt.Errorf("%w: %s", ErrRelayDenied, event.Channel)
	}
	if route.Slide == 0 {
		return r.RelayCall(event.Admin, event.From, route.Method, event.Payload)
	}
	widget, ok := r.Widget(route.Slide)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoDiscussion, route.Slide)
	}
	return widget.RelayCall(ctx, event.Admin, event.From, route.Method, event.Payload)
}

func (r *Registry) send(ctx context.Context, to string, slide int, action string, discussion int) {
	if r.relay == nil {
		return
	}
	event, err := relay.NewEvent(to, relay.AnySlide, relay.Channel(PluginName, MethodActiveNotify, slide), action,
		Activity{Action: action, Discussion: discussion})
	if err != nil {
		r.logger.Warn("relay event build failed", zap.Error(err))
		return
	}
	if err := r.relay.Send(ctx, event); err != nil {
		r.logger.Warn("relay send failed", zap.String("action", action), zap.Error(err))
	}
}

// SlideID is the element id prefix of slide.
func SlideID(slide int) string {
	return fmt.Sprintf("slide%02d", slide)
}
