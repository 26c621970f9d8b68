package models

import (
	"time"

	"github.com/google/uuid"
)

// EventLog is an append-only audit row. Retention is capped at 30 days by an
// out-of-band job; the core only appends.
type EventLog struct {
	ID        int64                  `json:"id"`
	RoomID    uuid.UUID              `json:"room_id"`
	UserID    *uuid.UUID             `json:"user_id,omitempty"`
	EventType string                 `json:"event_type"`
	EventData map[string]interface{} `json:"event_data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Achievement is a read-only unlock definition.
type Achievement struct {
	ID          uuid.UUID              `json:"id"`
	Slug        string                 `json:"slug"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	XPReward    int                    `json:"xp_reward"`
	Criteria    map[string]interface{} `json:"criteria,omitempty"`
}

// UserStats is the durable per-user aggregate the progress pipeline updates.
type UserStats struct {
	UserID      uuid.UUID `json:"user_id"`
	GamesPlayed int       `json:"games_played"`
	GamesWon    int       `json:"games_won"`
	TotalXP     int       `json:"total_xp"`
	UpdatedAt   time.Time `json:"updated_at"`
}
