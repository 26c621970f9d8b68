package models

import (
	"time"

	"github.com/google/uuid"
)

// User is the core's projection of an identity-provider account. Rows are
// created on first sync and soft-updated afterwards; the core never deletes
// them.
type User struct {
	ID          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Role        string    `json:"role"` // 'user' or 'admin'
	IsGuest     bool      `json:"is_guest"`
	PremiumTier string    `json:"premium_tier"` // 'free', 'monthly', 'lifetime'
	XP          int       `json:"xp"`
	Level       int       `json:"level"`
	LastSeen    time.Time `json:"last_seen"`
}

// IsPremium reports whether the user carries any paid tier.
func (u *User) IsPremium() bool {
	return u.PremiumTier == "monthly" || u.PremiumTier == "lifetime"
}
