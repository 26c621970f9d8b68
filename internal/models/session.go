package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates player session states.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionExpired SessionStatus = "expired"
	SessionRevoked SessionStatus = "revoked"
)

// PlayerSession is a short-lived opaque credential binding a user (or a
// generic room slot, in streamer mode) to a room and a game. UserID is nil
// only for generic room sessions issued for streamer-mode group returns.
type PlayerSession struct {
	ID           uuid.UUID              `json:"id"`
	Token        string                 `json:"session_token"` // 64 hex chars
	UserID       *uuid.UUID             `json:"user_id,omitempty"`
	RoomID       uuid.UUID              `json:"room_id"`
	GameType     string                 `json:"game_type"` // service name of current_game at issue time
	StreamerMode bool                   `json:"streamer_mode"`
	Status       SessionStatus          `json:"status"`
	ExpiresAt    time.Time              `json:"expires_at"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Usable reports whether the session can still be redeemed at the given
// instant. The cross-game check is the session manager's job, not this one.
func (s *PlayerSession) Usable(now time.Time) bool {
	return s.Status == SessionActive && s.ExpiresAt.After(now)
}
