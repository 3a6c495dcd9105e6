package users

import (
	"strings"
	"time"
)

// Identity maps a provider login to the canonical user id used as the row id
// and post author id.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

func normalize(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// DisplayName picks the name shown for a user: the provided name, or the
// local part of the email.
func DisplayName(name, email string) string {
	if normalized := normalize(name); normalized != "" {
		return normalized
	}
	local, _, _ := strings.Cut(normalizeEmail(email), "@")
	return local
}
