package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/slidediscuss/internal/auth"
	"gorm.io/gorm"
)

const providerGoogle = "google"

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	// AdminUserIDs lists the canonical ids granted the admin role.
	AdminUserIDs []string
}

// Profile is a resolved user.
type Profile struct {
	UserID      string
	Email       string
	DisplayName string
	Admin       bool
}

// Roles returns the session roles of the profile.
func (p Profile) Roles() []string {
	if p.Admin {
		return []string{auth.RoleAdmin}
	}
	return nil
}

// Service manages canonical user identifiers and provider-specific identities.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	admins map[string]struct{}
	cache  sync.Map
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	admins := make(map[string]struct{}, len(cfg.AdminUserIDs))
	for _, id := range cfg.AdminUserIDs {
		if normalized := normalizeEmail(id); normalized != "" {
			admins[normalized] = struct{}{}
		}
	}
	return &Service{db: cfg.Database, now: clock, admins: admins}, nil
}

// IsAdmin reports whether userID holds the admin role.
func (s *Service) IsAdmin(userID string) bool {
	_, ok := s.admins[normalizeEmail(userID)]
	return ok
}

// ResolveGoogleIdentity returns the profile for verified Google claims,
// creating the identity mapping on first sign-in. The canonical id is the
// lower-cased email, or the Google subject when no email was shared.
func (s *Service) ResolveGoogleIdentity(ctx context.Context, claims auth.GoogleClaims) (Profile, error) {
	subject := normalize(claims.Subject)
	if subject == "" {
		return Profile{}, ErrInvalidIdentity
	}
	email := normalizeEmail(claims.Email)
	displayName := DisplayName(claims.Name, email)

	cacheKey := providerGoogle + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if profile, ok := cached.(Profile); ok && profile.Email == email && profile.DisplayName == displayName {
			s.touch(ctx, subject)
			return profile, nil
		}
	}

	db := s.db.WithContext(ctx)
	var identity Identity
	err := db.Where("provider = ? AND subject = ?", providerGoogle, subject).First(&identity).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		userID := email
		if userID == "" {
			userID = subject
		}
		identity = Identity{
			Provider:    providerGoogle,
			Subject:     subject,
			UserID:      userID,
			Email:       email,
			DisplayName: displayName,
			LastSeenAt:  s.now(),
		}
		if err := db.Create(&identity).Error; err != nil {
			return Profile{}, err
		}
	case err != nil:
		return Profile{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if email != "" && email != identity.Email {
			updates["user_email"] = email
			identity.Email = email
		}
		if displayName != "" && displayName != identity.DisplayName {
			updates["user_display_name"] = displayName
			identity.DisplayName = displayName
		}
		if err := db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", providerGoogle, subject).
			Updates(updates).Error; err != nil {
			return Profile{}, err
		}
	}

	profile := Profile{
		UserID:      identity.UserID,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
		Admin:       s.IsAdmin(identity.UserID),
	}
	s.cache.Store(cacheKey, profile)
	return profile, nil
}

func (s *Service) touch(ctx context.Context, subject string) {
	_ = s.db.WithContext(ctx).Model(&Identity{}).
		Where("provider = ? AND subject = ?", providerGoogle, subject).
		Update("last_seen_at", s.now()).Error
}
