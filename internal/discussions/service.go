// Package discussions stores discussion posts, closed state and read marks on
// the host.
package discussions

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/slidediscuss/internal/posts"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrPostNotFound indicates a delete or flag of an unknown post.
	ErrPostNotFound = errors.New("discussions: post not found")
	// ErrForbidden indicates an operation the actor may not perform.
	ErrForbidden = errors.New("discussions: forbidden")
	// ErrDiscussionClosed indicates a post by a non-admin to a closed discussion.
	ErrDiscussionClosed = errors.New("discussions: discussion is closed")
	// ErrInvalidRequest indicates malformed operation input.
	ErrInvalidRequest = errors.New("discussions: invalid request")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "discussions.service.new"
	opPost       = "discussions.post"
	opDelete     = "discussions.delete"
	opFlag       = "discussions.flag"
	opSetClosed  = "discussions.set_closed"
	opSetTeams   = "discussions.set_teams"
	opListing    = "discussions.listing"
	opStats      = "discussions.stats"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Key identifies one discussion of a session.
type Key struct {
	Session    string
	Discussion int
}

func (k Key) validate() error {
	if strings.TrimSpace(k.Session) == "" {
		return fmt.Errorf("%w: session required", ErrInvalidRequest)
	}
	if k.Discussion < 1 {
		return fmt.Errorf("%w: discussion %d", ErrInvalidRequest, k.Discussion)
	}
	return nil
}

// Actor is the authenticated user performing an operation.
type Actor struct {
	UserID string
	Name   string
	Admin  bool
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Post appends a post to the team thread. Numbers increase per team.
func (s *Service) Post(ctx context.Context, key Key, actor Actor, team, text string) (posts.Post, error) {
	if err := key.validate(); err != nil {
		return posts.Post{}, newServiceError(opPost, "invalid_key", err)
	}
	if actor.UserID == "" {
		return posts.Post{}, newServiceError(opPost, "missing_actor", fmt.Errorf("%w: user required", ErrInvalidRequest))
	}
	if strings.TrimSpace(text) == "" {
		return posts.Post{}, newServiceError(opPost, "blank_text", fmt.Errorf("%w: blank text", ErrInvalidRequest))
	}

	var created Post
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		closed, _, err := s.loadClosed(tx, opPost, key)
		if err != nil {
			return err
		}
		if closed && !actor.Admin {
			return newServiceError(opPost, "discussion_closed", ErrDiscussionClosed)
		}
		teams, err := s.loadTeams(tx, opPost, key.Session)
		if err != nil {
			return err
		}
		if len(teams) > 0 && !slices.Contains(teams, team) {
			return newServiceError(opPost, "unknown_team", fmt.Errorf("%w: team %q", ErrInvalidRequest, team))
		}
		if len(teams) == 0 && team != "" {
			return newServiceError(opPost, "unknown_team", fmt.Errorf("%w: session has no teams", ErrInvalidRequest))
		}

		var last Post
		number := 1
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session = ? AND discussion = ? AND team = ?", key.Session, key.Discussion, team).
			Order("number DESC").
			Take(&last).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			s.logError(opPost, "select_failed", err, zap.String("session", key.Session), zap.Int("discussion", key.Discussion))
			return newServiceError(opPost, "select_failed", err)
		default:
			number = last.Number + 1
		}

		now := s.clock().UTC()
		created = Post{
			Session:    key.Session,
			Discussion: key.Discussion,
			Team:       team,
			Number:     number,
			AuthorID:   actor.UserID,
			AuthorName: actor.Name,
			Text:       text,
			Status:     string(posts.StatusActive),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.Create(&created).Error; err != nil {
			s.logError(opPost, "insert_failed", err, zap.String("session", key.Session), zap.Int("discussion", key.Discussion))
			return newServiceError(opPost, "insert_failed", err)
		}
		return nil
	})
	if err != nil {
		return posts.Post{}, err
	}
	return toPost(created, false), nil
}

// Delete marks a post deleted and clears its text. Authors may delete their
// own unflagged posts; admins may delete any post.
func (s *Service) Delete(ctx context.Context, key Key, actor Actor, authorID, team string, number int) (posts.Post, error) {
	if err := key.validate(); err != nil {
		return posts.Post{}, newServiceError(opDelete, "invalid_key", err)
	}
	var updated Post
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := s.lockPost(tx, opDelete, key, team, number)
		if err != nil {
			return err
		}
		if authorID != "" && stored.AuthorID != authorID {
			return newServiceError(opDelete, "post_not_found", ErrPostNotFound)
		}
		isAuthor := stored.AuthorID == actor.UserID
		if !actor.Admin && (!isAuthor || stored.Status == string(posts.StatusFlagged)) {
			return newServiceError(opDelete, "forbidden", ErrForbidden)
		}
		stored.Status = string(posts.StatusDeleted)
		stored.Text = ""
		stored.UpdatedAt = s.clock().UTC()
		if err := tx.Save(&stored).Error; err != nil {
			s.logError(opDelete, "save_failed", err, zap.Int64("seq", stored.Seq))
			return newServiceError(opDelete, "save_failed", err)
		}
		updated = stored
		return nil
	})
	if err != nil {
		return posts.Post{}, err
	}
	return toPost(updated, false), nil
}

// Flag marks another user's post flagged, or with unflag restores it. Only
// admins may unflag.
func (s *Service) Flag(ctx context.Context, key Key, actor Actor, posterID, team string, number int, unflag bool) (posts.Post, error) {
	if err := key.validate(); err != nil {
		return posts.Post{}, newServiceError(opFlag, "invalid_key", err)
	}
	if unflag && !actor.Admin {
		return posts.Post{}, newServiceError(opFlag, "forbidden", ErrForbidden)
	}
	var updated Post
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := s.lockPost(tx, opFlag, key, team, number)
		if err != nil {
			return err
		}
		if posterID != "" && stored.AuthorID != posterID {
			return newServiceError(opFlag, "post_not_found", ErrPostNotFound)
		}
		if stored.Status == string(posts.StatusDeleted) {
			return newServiceError(opFlag, "post_deleted", fmt.Errorf("%w: post deleted", ErrInvalidRequest))
		}
		if !unflag && stored.AuthorID == actor.UserID {
			return newServiceError(opFlag, "own_post", ErrForbidden)
		}
		stored.Status = string(posts.StatusFlagged)
		if unflag {
			stored.Status = string(posts.StatusActive)
		}
		stored.UpdatedAt = s.clock().UTC()
		if err := tx.Save(&stored).Error; err != nil {
			s.logError(opFlag, "save_failed", err, zap.Int64("seq", stored.Seq))
			return newServiceError(opFlag, "save_failed", err)
		}
		updated = stored
		return nil
	})
	if err != nil {
		return posts.Post{}, err
	}
	return toPost(updated, false), nil
}

// SetClosed closes or re-opens a discussion.
func (s *Service) SetClosed(ctx context.Context, key Key, actor Actor, closed bool) error {
	if err := key.validate(); err != nil {
		return newServiceError(opSetClosed, "invalid_key", err)
	}
	if !actor.Admin {
		return newServiceError(opSetClosed, "forbidden", ErrForbidden)
	}
	state := State{Session: key.Session, Discussion: key.Discussion, Closed: closed, UpdatedAt: s.clock().UTC()}
	if err := s.db.WithContext(ctx).Save(&state).Error; err != nil {
		s.logError(opSetClosed, "save_failed", err, zap.String("session", key.Session), zap.Int("discussion", key.Discussion))
		return newServiceError(opSetClosed, "save_failed", err)
	}
	return nil
}

// SetTeams replaces the team names of a session.
func (s *Service) SetTeams(ctx context.Context, session string, actor Actor, teams []string) error {
	if strings.TrimSpace(session) == "" {
		return newServiceError(opSetTeams, "invalid_session", fmt.Errorf("%w: session required", ErrInvalidRequest))
	}
	if !actor.Admin {
		return newServiceError(opSetTeams, "forbidden", ErrForbidden)
	}
	rows := make([]Team, 0, len(teams))
	seen := make(map[string]struct{}, len(teams))
	for _, name := range teams {
		name = strings.TrimSpace(name)
		if name == "" {
			return newServiceError(opSetTeams, "blank_team", fmt.Errorf("%w: blank team name", ErrInvalidRequest))
		}
		if _, ok := seen[name]; ok {
			return newServiceError(opSetTeams, "duplicate_team", fmt.Errorf("%w: duplicate team %q", ErrInvalidRequest, name))
		}
		seen[name] = struct{}{}
		rows = append(rows, Team{Session: session, Name: name, Position: len(rows)})
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session = ?", session).Delete(&Team{}).Error; err != nil {
			s.logError(opSetTeams, "delete_failed", err, zap.String("session", session))
			return newServiceError(opSetTeams, "delete_failed", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			s.logError(opSetTeams, "insert_failed", err, zap.String("session", session))
			return newServiceError(opSetTeams, "insert_failed", err)
		}
		return nil
	})
}

// Listing returns the posts of a discussion as seen by viewerID. Posts by
// others after the viewer's read mark are unread; with markRead the mark
// advances past every listed post.
func (s *Service) Listing(ctx context.Context, key Key, viewerID string, markRead bool) (posts.Listing, error) {
	if err := key.validate(); err != nil {
		return posts.Listing{}, newServiceError(opListing, "invalid_key", err)
	}
	var listing posts.Listing
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		closed, _, err := s.loadClosed(tx, opListing, key)
		if err != nil {
			return err
		}
		teams, err := s.loadTeams(tx, opListing, key.Session)
		if err != nil {
			return err
		}
		if len(teams) == 0 {
			teams = []string{""}
		}

		var stored []Post
		if err := tx.Where("session = ? AND discussion = ?", key.Session, key.Discussion).
			Order("team ASC, number ASC").
			Find(&stored).Error; err != nil {
			s.logError(opListing, "select_failed", err, zap.String("session", key.Session), zap.Int("discussion", key.Discussion))
			return newServiceError(opListing, "select_failed", err)
		}

		var mark Read
		err = tx.Where("session = ? AND discussion = ? AND user_id = ?", key.Session, key.Discussion, viewerID).Take(&mark).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opListing, "read_select_failed", err, zap.String("user_id", viewerID))
			return newServiceError(opListing, "read_select_failed", err)
		}

		listing = posts.Listing{Closed: closed, Teams: teams, Posts: make([]posts.Post, 0, len(stored))}
		lastSeq := mark.LastSeq
		for _, post := range stored {
			listing.Posts = append(listing.Posts, toPost(post, isUnread(post, viewerID, mark.LastSeq)))
			lastSeq = max(lastSeq, post.Seq)
		}

		if !markRead || viewerID == "" || lastSeq == mark.LastSeq {
			return nil
		}
		updated := Read{Session: key.Session, Discussion: key.Discussion, UserID: viewerID, LastSeq: lastSeq, UpdatedAt: s.clock().UTC()}
		if err := tx.Save(&updated).Error; err != nil {
			s.logError(opListing, "read_save_failed", err, zap.String("user_id", viewerID))
			return newServiceError(opListing, "read_save_failed", err)
		}
		return nil
	})
	if err != nil {
		return posts.Listing{}, err
	}
	return listing, nil
}

// Stats aggregates every discussion of a session for viewerID.
func (s *Service) Stats(ctx context.Context, session, viewerID string) (posts.SessionStats, error) {
	if strings.TrimSpace(session) == "" {
		return nil, newServiceError(opStats, "invalid_session", fmt.Errorf("%w: session required", ErrInvalidRequest))
	}
	db := s.db.WithContext(ctx)

	var stored []Post
	if err := db.Where("session = ?", session).Find(&stored).Error; err != nil {
		s.logError(opStats, "select_failed", err, zap.String("session", session))
		return nil, newServiceError(opStats, "select_failed", err)
	}
	var states []State
	if err := db.Where("session = ?", session).Find(&states).Error; err != nil {
		s.logError(opStats, "state_select_failed", err, zap.String("session", session))
		return nil, newServiceError(opStats, "state_select_failed", err)
	}
	var marks []Read
	if err := db.Where("session = ? AND user_id = ?", session, viewerID).Find(&marks).Error; err != nil {
		s.logError(opStats, "read_select_failed", err, zap.String("session", session))
		return nil, newServiceError(opStats, "read_select_failed", err)
	}

	lastRead := make(map[int]int64, len(marks))
	for _, mark := range marks {
		lastRead[mark.Discussion] = mark.LastSeq
	}
	stats := posts.SessionStats{}
	entry := func(discussion int) posts.DiscussionStats {
		current, ok := stats[discussion]
		if !ok {
			current = posts.DiscussionStats{Teams: map[string]posts.TeamStats{}}
		}
		return current
	}
	for _, state := range states {
		current := entry(state.Discussion)
		closed := state.Closed
		current.Closed = &closed
		stats[state.Discussion] = current
	}
	for _, post := range stored {
		current := entry(post.Discussion)
		team := current.Teams[post.Team]
		team.Posts++
		if isUnread(post, viewerID, lastRead[post.Discussion]) {
			team.Unread++
		}
		current.Teams[post.Team] = team
		stats[post.Discussion] = current
	}
	return stats, nil
}

func isUnread(post Post, viewerID string, lastSeq int64) bool {
	return post.Seq > lastSeq && post.AuthorID != viewerID && post.Status != string(posts.StatusDeleted)
}

func (s *Service) loadClosed(tx *gorm.DB, operation string, key Key) (closed bool, found bool, err error) {
	var state State
	err = tx.Where("session = ? AND discussion = ?", key.Session, key.Discussion).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, false, nil
	}
	if err != nil {
		s.logError(operation, "state_select_failed", err, zap.String("session", key.Session), zap.Int("discussion", key.Discussion))
		return false, false, newServiceError(operation, "state_select_failed", err)
	}
	return state.Closed, true, nil
}

func (s *Service) loadTeams(tx *gorm.DB, operation, session string) ([]string, error) {
	var rows []Team
	if err := tx.Where("session = ?", session).Order("position ASC").Find(&rows).Error; err != nil {
		s.logError(operation, "team_select_failed", err, zap.String("session", session))
		return nil, newServiceError(operation, "team_select_failed", err)
	}
	teams := make([]string, 0, len(rows))
	for _, row := range rows {
		teams = append(teams, row.Name)
	}
	return teams, nil
}

func (s *Service) lockPost(tx *gorm.DB, operation string, key Key, team string, number int) (Post, error) {
	var stored Post
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("session = ? AND discussion = ? AND team = ? AND number = ?", key.Session, key.Discussion, team, number).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Post{}, newServiceError(operation, "post_not_found", ErrPostNotFound)
	}
	if err != nil {
		s.logError(operation, "select_failed", err, zap.String("session", key.Session), zap.Int("post", number))
		return Post{}, newServiceError(operation, "select_failed", err)
	}
	return stored, nil
}

func toPost(stored Post, unread bool) posts.Post {
	status, err := posts.ParseStatus(stored.Status)
	if err != nil {
		status = posts.StatusActive
	}
	return posts.Post{
		Team:       stored.Team,
		Number:     stored.Number,
		AuthorID:   stored.AuthorID,
		AuthorName: stored.AuthorName,
		Timestamp:  stored.CreatedAt,
		Unread:     unread,
		Status:     status,
		Text:       stored.Text,
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("discussions service error", attrs...)
}
