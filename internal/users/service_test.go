package users

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/slidediscuss/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, admins ...string) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:     db,
		Clock:        func() time.Time { return time.Unix(1, 0) },
		AdminUserIDs: admins,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolveGoogleIdentityUsesEmailAsCanonicalID(t *testing.T) {
	service, db := newTestService(t, " Instructor@Example.com ")

	claims := auth.GoogleClaims{Subject: "12345", Email: "Instructor@Example.com", Name: "  Ada   Lovelace "}
	profile, err := service.ResolveGoogleIdentity(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if profile.UserID != "instructor@example.com" || profile.DisplayName != "Ada Lovelace" || !profile.Admin {
		t.Fatalf("unexpected profile %+v", profile)
	}
	if roles := profile.Roles(); len(roles) != 1 || roles[0] != auth.RoleAdmin {
		t.Fatalf("unexpected roles %v", roles)
	}

	claims.Name = "Ada King"
	profile, err = service.ResolveGoogleIdentity(context.Background(), claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if profile.UserID != "instructor@example.com" || profile.DisplayName != "Ada King" {
		t.Fatalf("expected stable id with refreshed name, got %+v", profile)
	}

	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single identity row, got %d", count)
	}
}

func TestResolveGoogleIdentityWithoutEmail(t *testing.T) {
	service, _ := newTestService(t)

	profile, err := service.ResolveGoogleIdentity(context.Background(), auth.GoogleClaims{Subject: "sub-9"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if profile.UserID != "sub-9" || profile.Admin {
		t.Fatalf("unexpected profile %+v", profile)
	}

	if _, err := service.ResolveGoogleIdentity(context.Background(), auth.GoogleClaims{}); err != ErrInvalidIdentity {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}

func TestDisplayNameFallsBackToEmail(t *testing.T) {
	if name := DisplayName("", "Jane.Doe@Example.com"); name != "jane.doe" {
		t.Fatalf("unexpected fallback %q", name)
	}
}
