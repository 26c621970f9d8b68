package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var errBadMetaTime = errors.New("unparseable metadata timestamp")

// Role is a member's role inside a room.
type Role string

const (
	RoleHost      Role = "host"
	RolePlayer    Role = "player"
	RoleSpectator Role = "spectator"
)

// Location is a member's logical location.
type Location string

const (
	LocationLobby        Location = "lobby"
	LocationGame         Location = "game"
	LocationDisconnected Location = "disconnected"
)

// Valid reports whether l is one of the three known locations.
func (l Location) Valid() bool {
	return l == LocationLobby || l == LocationGame || l == LocationDisconnected
}

// Presence is the in-memory sum type behind the three denormalized member
// columns (is_connected, in_game, current_location). One fact, one source of
// truth: the columns are always written together as a projection of Presence.
type Presence int

const (
	PresenceDisconnected Presence = iota
	PresenceInLobby
	PresenceInGame
)

// PresenceFor maps a location to its presence value.
func PresenceFor(loc Location) Presence {
	switch loc {
	case LocationGame:
		return PresenceInGame
	case LocationLobby:
		return PresenceInLobby
	default:
		return PresenceDisconnected
	}
}

// Columns projects the presence onto the denormalized member columns.
func (p Presence) Columns() (isConnected, inGame bool, loc Location) {
	switch p {
	case PresenceInLobby:
		return true, false, LocationLobby
	case PresenceInGame:
		return true, true, LocationGame
	default:
		return false, false, LocationDisconnected
	}
}

// RoomMember is a user's participation in one room. (room_id, user_id) is
// unique.
type RoomMember struct {
	RoomID          uuid.UUID              `json:"room_id"`
	UserID          uuid.UUID              `json:"user_id"`
	Role            Role                   `json:"role"`
	IsConnected     bool                   `json:"is_connected"`
	InGame          bool                   `json:"in_game"`
	CurrentLocation Location               `json:"current_location"`
	IsReady         bool                   `json:"is_ready"`
	SocketID        *string                `json:"socket_id,omitempty"`
	LastPing        time.Time              `json:"last_ping"`
	GameData        map[string]interface{} `json:"game_data,omitempty"`
	CustomLobbyName *string                `json:"custom_lobby_name,omitempty"`
	JoinedAt        time.Time              `json:"joined_at"`
	LeftAt          *time.Time             `json:"left_at,omitempty"`

	// User is the eagerly loaded projection for snapshot building.
	User *User `json:"user,omitempty"`
}

// Presence returns the member's presence as the in-memory sum type.
func (m *RoomMember) Presence() Presence {
	if !m.IsConnected {
		return PresenceDisconnected
	}
	if m.InGame {
		return PresenceInGame
	}
	return PresenceInLobby
}

// SetPresence writes all three denormalized columns from one presence value.
func (m *RoomMember) SetPresence(p Presence) {
	m.IsConnected, m.InGame, m.CurrentLocation = p.Columns()
}

// DisplayName returns the per-room override if set, otherwise the user's
// display name, otherwise the username.
func (m *RoomMember) DisplayName() string {
	if m.CustomLobbyName != nil && *m.CustomLobbyName != "" {
		return *m.CustomLobbyName
	}
	if m.User != nil {
		if m.User.DisplayName != "" {
			return m.User.DisplayName
		}
		return m.User.Username
	}
	return ""
}
