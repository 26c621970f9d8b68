package models

import (
	"time"

	"github.com/google/uuid"
)

// RoomStatus enumerates the room lifecycle machine.
type RoomStatus string

const (
	RoomStatusLobby     RoomStatus = "lobby"
	RoomStatusInGame    RoomStatus = "in_game"
	RoomStatusReturning RoomStatus = "returning"
	RoomStatusAbandoned RoomStatus = "abandoned"
	RoomStatusFinished  RoomStatus = "finished"
)

// Live reports whether the room still owns its code. Abandoned and finished
// rooms free their code for reuse.
func (s RoomStatus) Live() bool {
	return s != RoomStatusAbandoned && s != RoomStatusFinished
}

// Joinable reports whether new members may enter a room in this status.
func (s RoomStatus) Joinable() bool {
	return s == RoomStatusLobby || s == RoomStatusInGame || s == RoomStatusReturning
}

// Metadata keys the status synchronizer stores on rooms. These ride in the
// rooms.metadata JSON column rather than dedicated columns.
const (
	MetaReturnInProgressUntil = "return_in_progress_until"
	MetaPendingReturn         = "pendingReturn"
	MetaReturnInitiatedAt     = "returnInitiatedAt"
	MetaReturnInitiatedBy     = "returnInitiatedBy"
	MetaReturnAcks            = "returnAcks"
)

// Room is a lobby with a short human-typable code and a fixed host.
type Room struct {
	ID            uuid.UUID              `json:"id"`
	Code          string                 `json:"room_code"`
	HostID        uuid.UUID              `json:"host_id"`
	Status        RoomStatus             `json:"status"`
	CurrentGame   *uuid.UUID             `json:"current_game,omitempty"`
	MaxPlayers    int                    `json:"max_players"`
	IsPublic      bool                   `json:"is_public"`
	StreamerMode  bool                   `json:"streamer_mode"`
	GameSettings  map[string]interface{} `json:"game_settings,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	LastActivity  time.Time              `json:"last_activity"`
	GameStartedAt *time.Time             `json:"game_started_at,omitempty"`

	// Members is populated by the fetch-room-with-members join.
	Members []*RoomMember `json:"members,omitempty"`
}

// Member returns the membership row for userID, or nil.
func (r *Room) Member(userID uuid.UUID) *RoomMember {
	for _, m := range r.Members {
		if m.UserID == userID {
			return m
		}
	}
	return nil
}

// Host returns the member currently holding the host role, or nil.
func (r *Room) Host() *RoomMember {
	for _, m := range r.Members {
		if m.Role == RoleHost && m.LeftAt == nil {
			return m
		}
	}
	return nil
}

// ConnectedCount counts members with a live presence.
func (r *Room) ConnectedCount() int {
	n := 0
	for _, m := range r.Members {
		if m.LeftAt == nil && m.IsConnected {
			n++
		}
	}
	return n
}

// ActiveMembers returns members that have not left the room.
func (r *Room) ActiveMembers() []*RoomMember {
	out := make([]*RoomMember, 0, len(r.Members))
	for _, m := range r.Members {
		if m.LeftAt == nil {
			out = append(out, m)
		}
	}
	return out
}

// ReturnGraceActive reports whether the return-to-lobby grace window in the
// room metadata covers the given instant.
func (r *Room) ReturnGraceActive(now time.Time) bool {
	raw, ok := r.Metadata[MetaReturnInProgressUntil]
	if !ok {
		return false
	}
	until, err := parseMetaTime(raw)
	if err != nil {
		return false
	}
	return now.Before(until)
}

// PendingReturn reports whether a group return has been flagged but not yet
// completed.
func (r *Room) PendingReturn() bool {
	v, _ := r.Metadata[MetaPendingReturn].(bool)
	return v
}

func parseMetaTime(raw interface{}) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		return time.Parse(time.RFC3339Nano, v)
	case float64:
		return time.UnixMilli(int64(v)).UTC(), nil
	case int64:
		return time.UnixMilli(v).UTC(), nil
	}
	return time.Time{}, errBadMetaTime
}
