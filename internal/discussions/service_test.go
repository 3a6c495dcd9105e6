package discussions

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/slidediscuss/internal/posts"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var (
	adminActor  = Actor{UserID: "admin@example.com", Name: "Ada Admin", Admin: true}
	aliceActor  = Actor{UserID: "alice@example.com", Name: "Alice Smith"}
	bobActor    = Actor{UserID: "bob@example.com", Name: "Bob Jones"}
	lectureKey  = Key{Session: "lecture01", Discussion: 1}
	fixedMoment = time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "discussions.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Clock: func() time.Time { return fixedMoment }})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func mustPost(t *testing.T, service *Service, key Key, actor Actor, team, text string) posts.Post {
	t.Helper()
	post, err := service.Post(context.Background(), key, actor, team, text)
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	return post
}

func TestNewServiceRequiresDatabase(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "discussions.service.new.missing_database" {
		t.Fatalf("expected missing database error, got %v", err)
	}
}

func TestPostNumbersIncreasePerTeam(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	if err := service.SetTeams(ctx, "lecture01", adminActor, []string{"red", "blue"}); err != nil {
		t.Fatalf("set teams failed: %v", err)
	}

	first := mustPost(t, service, lectureKey, aliceActor, "red", "one")
	second := mustPost(t, service, lectureKey, bobActor, "red", "two")
	other := mustPost(t, service, lectureKey, bobActor, "blue", "three")
	if first.Number != 1 || second.Number != 2 || other.Number != 1 {
		t.Fatalf("unexpected numbering %d %d %d", first.Number, second.Number, other.Number)
	}
	if first.Status != posts.StatusActive || !first.Timestamp.Equal(fixedMoment) || first.AuthorName != "Alice Smith" {
		t.Fatalf("unexpected post %+v", first)
	}

	if _, err := service.Post(ctx, lectureKey, aliceActor, "green", "x"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected unknown team rejection, got %v", err)
	}
	if _, err := service.Post(ctx, Key{Session: "lecture01"}, aliceActor, "red", "x"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid key rejection, got %v", err)
	}
	if _, err := service.Post(ctx, lectureKey, aliceActor, "red", "   "); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected blank text rejection, got %v", err)
	}
}

func TestPostToClosedDiscussionRequiresAdmin(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if err := service.SetClosed(ctx, lectureKey, aliceActor, true); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected non-admin close to be forbidden, got %v", err)
	}
	if err := service.SetClosed(ctx, lectureKey, adminActor, true); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := service.Post(ctx, lectureKey, aliceActor, "", "late"); !errors.Is(err, ErrDiscussionClosed) {
		t.Fatalf("expected closed discussion, got %v", err)
	}
	mustPost(t, service, lectureKey, adminActor, "", "instructor note")

	if err := service.SetClosed(ctx, lectureKey, adminActor, false); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	mustPost(t, service, lectureKey, aliceActor, "", "back again")
}

func TestDeleteRules(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	post := mustPost(t, service, lectureKey, aliceActor, "", "mine")

	if _, err := service.Delete(ctx, lectureKey, bobActor, aliceActor.UserID, "", post.Number); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected other user delete to be forbidden, got %v", err)
	}
	if _, err := service.Delete(ctx, lectureKey, aliceActor, bobActor.UserID, "", post.Number); !errors.Is(err, ErrPostNotFound) {
		t.Fatalf("expected author mismatch to be not found, got %v", err)
	}
	if _, err := service.Delete(ctx, lectureKey, aliceActor, aliceActor.UserID, "", 99); !errors.Is(err, ErrPostNotFound) {
		t.Fatalf("expected missing post, got %v", err)
	}

	deleted, err := service.Delete(ctx, lectureKey, aliceActor, aliceActor.UserID, "", post.Number)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !deleted.Deleted() || deleted.Text != "" {
		t.Fatalf("expected deleted post without text, got %+v", deleted)
	}

	flaggedPost := mustPost(t, service, lectureKey, aliceActor, "", "second")
	if _, err := service.Flag(ctx, lectureKey, bobActor, aliceActor.UserID, "", flaggedPost.Number, false); err != nil {
		t.Fatalf("flag failed: %v", err)
	}
	if _, err := service.Delete(ctx, lectureKey, aliceActor, aliceActor.UserID, "", flaggedPost.Number); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected author delete of flagged post to be forbidden, got %v", err)
	}
	if _, err := service.Delete(ctx, lectureKey, adminActor, aliceActor.UserID, "", flaggedPost.Number); err != nil {
		t.Fatalf("admin delete failed: %v", err)
	}
}

func TestFlagRules(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	post := mustPost(t, service, lectureKey, aliceActor, "", "hello")

	if _, err := service.Flag(ctx, lectureKey, aliceActor, aliceActor.UserID, "", post.Number, false); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected own flag to be forbidden, got %v", err)
	}
	flagged, err := service.Flag(ctx, lectureKey, bobActor, aliceActor.UserID, "", post.Number, false)
	if err != nil || !flagged.Flagged() {
		t.Fatalf("expected flagged post, got %+v (%v)", flagged, err)
	}
	if _, err := service.Flag(ctx, lectureKey, bobActor, aliceActor.UserID, "", post.Number, true); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected non-admin unflag to be forbidden, got %v", err)
	}
	restored, err := service.Flag(ctx, lectureKey, adminActor, aliceActor.UserID, "", post.Number, true)
	if err != nil || restored.Status != posts.StatusActive {
		t.Fatalf("expected restored post, got %+v (%v)", restored, err)
	}
}

func TestListingMarksReadAndStatsCountUnread(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	mustPost(t, service, lectureKey, aliceActor, "", "one")
	mustPost(t, service, lectureKey, aliceActor, "", "two")
	mustPost(t, service, lectureKey, bobActor, "", "three")
	mustPost(t, service, Key{Session: "lecture01", Discussion: 2}, aliceActor, "", "elsewhere")

	stats, err := service.Stats(ctx, "lecture01", bobActor.UserID)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	postCount, unreadCount := stats[1].Totals()
	if postCount != 3 || unreadCount != 2 {
		t.Fatalf("expected 3 posts and 2 unread, got %d and %d", postCount, unreadCount)
	}
	if stats[1].Closed != nil {
		t.Fatalf("expected closed to be unset")
	}

	listing, err := service.Listing(ctx, lectureKey, bobActor.UserID, true)
	if err != nil {
		t.Fatalf("listing failed: %v", err)
	}
	if listing.Count() != 3 || len(listing.Teams) != 1 || listing.Teams[0] != "" {
		t.Fatalf("unexpected listing %+v", listing)
	}
	if !listing.Posts[0].Unread || !listing.Posts[1].Unread || listing.Posts[2].Unread {
		t.Fatalf("unexpected unread flags %+v", listing.Posts)
	}

	again, err := service.Listing(ctx, lectureKey, bobActor.UserID, false)
	if err != nil {
		t.Fatalf("second listing failed: %v", err)
	}
	for _, post := range again.Posts {
		if post.Unread {
			t.Fatalf("expected posts read after listing, got %+v", post)
		}
	}

	if err := service.SetClosed(ctx, lectureKey, adminActor, true); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	stats, err = service.Stats(ctx, "lecture01", bobActor.UserID)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if _, unread := stats[1].Totals(); unread != 0 {
		t.Fatalf("expected no unread posts, got %d", unread)
	}
	if stats[1].Closed == nil || !*stats[1].Closed {
		t.Fatalf("expected closed discussion in stats")
	}
	if _, unread := stats[2].Totals(); unread != 1 {
		t.Fatalf("expected other discussion unread, got %d", unread)
	}
}

func TestSetTeamsValidatesNames(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if err := service.SetTeams(ctx, "lecture01", aliceActor, []string{"red"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := service.SetTeams(ctx, "lecture01", adminActor, []string{"red", "red"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	if err := service.SetTeams(ctx, "lecture01", adminActor, []string{"blue", "red"}); err != nil {
		t.Fatalf("set teams failed: %v", err)
	}
	listing, err := service.Listing(ctx, lectureKey, aliceActor.UserID, false)
	if err != nil {
		t.Fatalf("listing failed: %v", err)
	}
	if len(listing.Teams) != 2 || listing.Teams[0] != "blue" || listing.Teams[1] != "red" {
		t.Fatalf("unexpected teams %v", listing.Teams)
	}
}
