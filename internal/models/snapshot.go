package models

import "time"

// Snapshot is the authoritative room-state payload emitted as
// playerStatusUpdated. Clients discard any snapshot whose RoomVersion is
// lower than the last one they observed.
type Snapshot struct {
	Reason      string           `json:"reason"`
	RoomVersion int64            `json:"roomVersion"`
	Source      string           `json:"source"`
	Room        SnapshotRoom     `json:"room"`
	Players     []SnapshotPlayer `json:"players"`
}

// SnapshotRoom is the room projection inside a snapshot. Code is blanked for
// streamer-mode rooms when the snapshot leaves the member fan-out.
type SnapshotRoom struct {
	Code         string                 `json:"code"`
	Status       RoomStatus             `json:"status"`
	CurrentGame  *string                `json:"current_game"`
	StreamerMode bool                   `json:"streamer_mode"`
	MaxPlayers   int                    `json:"max_players"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// SnapshotPlayer is the per-member projection inside a snapshot.
type SnapshotPlayer struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	IsHost          bool      `json:"isHost"`
	IsConnected     bool      `json:"isConnected"`
	InGame          bool      `json:"inGame"`
	CurrentLocation Location  `json:"currentLocation"`
	IsReady         bool      `json:"isReady"`
	LastPing        time.Time `json:"lastPing"`
}

// BuildSnapshot projects a loaded room (with members) into the authoritative
// snapshot payload.
func BuildSnapshot(room *Room, reason, source string, version int64) Snapshot {
	var gameID *string
	if room.CurrentGame != nil {
		s := room.CurrentGame.String()
		gameID = &s
	}
	snap := Snapshot{
		Reason:      reason,
		RoomVersion: version,
		Source:      source,
		Room: SnapshotRoom{
			Code:         room.Code,
			Status:       room.Status,
			CurrentGame:  gameID,
			StreamerMode: room.StreamerMode,
			MaxPlayers:   room.MaxPlayers,
			Metadata:     room.Metadata,
		},
	}
	for _, m := range room.ActiveMembers() {
		snap.Players = append(snap.Players, SnapshotPlayer{
			ID:              m.UserID.String(),
			Name:            m.DisplayName(),
			IsHost:          m.Role == RoleHost,
			IsConnected:     m.IsConnected,
			InGame:          m.InGame,
			CurrentLocation: m.CurrentLocation,
			IsReady:         m.IsReady,
			LastPing:        m.LastPing,
		})
	}
	return snap
}

// Redacted returns a copy safe for recipients that must not learn the room
// code (streamer-mode rooms, non-member recipients).
func (s Snapshot) Redacted() Snapshot {
	out := s
	out.Room.Code = ""
	return out
}
