// Package lobby owns the room lifecycle: create, join, leave, host transfer,
// game selection and the lobby→in_game transition. All membership mutations
// run behind the room's status-sync actor so lifecycle snapshots and presence
// snapshots share one serialized writer per room.
package lobby

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gamebuddies/orchestrator/internal/apierr"
	"github.com/gamebuddies/orchestrator/internal/database"
	"github.com/gamebuddies/orchestrator/internal/models"
	"github.com/gamebuddies/orchestrator/internal/session"
	"github.com/gamebuddies/orchestrator/internal/statussync"
)

const (
	minRoomSize = 2
	maxRoomSize = 16

	minNameLen = 2
	maxNameLen = 32
)

// namePattern allows letters, digits, spaces and a few join characters.
var namePattern = regexp.MustCompile(`^[\p{L}\p{N} _.\-]+$`)

// Manager coordinates room lifecycle operations.
type Manager struct {
	repo        database.Repository
	logger      *logrus.Logger
	sessions    *session.Manager
	sync        *statussync.Manager
	broadcaster statussync.Broadcaster
}

// NewManager wires a lobby manager. broadcaster is the same hub the status
// sync manager emits through.
func NewManager(repo database.Repository, logger *logrus.Logger, sessions *session.Manager, sync *statussync.Manager, broadcaster statussync.Broadcaster) *Manager {
	return &Manager{
		repo:        repo,
		logger:      logger,
		sessions:    sessions,
		sync:        sync,
		broadcaster: broadcaster,
	}
}

// ValidatePlayerName checks length and character set.
func ValidatePlayerName(name string) error {
	name = strings.TrimSpace(name)
	if len(name) < minNameLen || len(name) > maxNameLen || !namePattern.MatchString(name) {
		return apierr.New(apierr.CodeInvalidPlayerName).WithDetails(map[string]interface{}{
			"name": name,
		})
	}
	return nil
}

// CreateRoomParams are the createRoom inputs.
type CreateRoomParams struct {
	HostName     string
	MaxPlayers   int
	IsPublic     bool
	StreamerMode bool
	GameSettings map[string]interface{}
}

// CreateRoom creates a room with the caller as host.
func (m *Manager) CreateRoom(ctx context.Context, hostID uuid.UUID, p CreateRoomParams) (*models.Room, error) {
	if err := ValidatePlayerName(p.HostName); err != nil {
		return nil, err
	}
	maxPlayers := p.MaxPlayers
	if maxPlayers == 0 {
		maxPlayers = 8
	}
	if maxPlayers < minRoomSize {
		maxPlayers = minRoomSize
	}
	if maxPlayers > maxRoomSize {
		maxPlayers = maxRoomSize
	}

	code, err := generateRoomCode(ctx, m.repo)
	if err != nil {
		return nil, apierr.Newf(apierr.CodeDatabaseError, err)
	}

	now := time.Now().UTC()
	room := &models.Room{
		ID:           uuid.New(),
		Code:         code,
		HostID:       hostID,
		Status:       models.RoomStatusLobby,
		MaxPlayers:   maxPlayers,
		IsPublic:     p.IsPublic,
		StreamerMode: p.StreamerMode,
		GameSettings: p.GameSettings,
		Metadata:     map[string]interface{}{},
		CreatedAt:    now,
		LastActivity: now,
	}
	hostName := strings.TrimSpace(p.HostName)
	host := &models.RoomMember{
		RoomID:          room.ID,
		UserID:          hostID,
		Role:            models.RoleHost,
		CustomLobbyName: &hostName,
		JoinedAt:        now,
		LastPing:        now,
	}
	host.SetPresence(models.PresenceInLobby)

	if err := m.repo.CreateRoomWithHost(ctx, room, host); err != nil {
		return nil, apierr.Newf(apierr.CodeDatabaseError, err)
	}
	m.repo.LogEvent(ctx, room.ID, &hostID, "room_created", map[string]interface{}{
		"code": code, "streamer_mode": p.StreamerMode,
	})
	m.logger.WithFields(logrus.Fields{"room": code, "host": hostID}).Info("room created")

	loaded, err := m.repo.GetRoomByID(ctx, room.ID)
	if err != nil {
		return nil, apierr.Newf(apierr.CodeDatabaseError, err)
	}
	return loaded, nil
}

// JoinRoom adds (or re-adds) a member to a room. Rejoining a room one already
// belongs to reconnects the existing membership instead of counting against
// the player cap.
func (m *Manager) JoinRoom(ctx context.Context, userID uuid.UUID, roomCode, playerName string) (*models.Room, error) {
	roomCode = strings.ToUpper(strings.TrimSpace(roomCode))
	if !codePattern.MatchString(roomCode) {
		return nil, apierr.New(apierr.CodeInvalidRoomCode)
	}
	if err := ValidatePlayerName(playerName); err != nil {
		return nil, err
	}

	var joined *models.Room
	err := m.sync.Run(ctx, roomCode, func(ctx context.Context) error {
		room, err := m.loadRoom(ctx, roomCode)
		if err != nil {
			return err
		}
		if !room.Status.Joinable() {
			return apierr.New(apierr.CodeRoomNotAvailable)
		}
		existing := room.Member(userID)
		rejoining := existing != nil && existing.LeftAt == nil
		if !rejoining && room.ConnectedCount() >= room.MaxPlayers {
			return apierr.New(apierr.CodeRoomFull)
		}

		role := models.RolePlayer
		if rejoining {
			// Upsert writes the role column; a rejoining host keeps it.
			role = existing.Role
		}
		now := time.Now().UTC()
		name := strings.TrimSpace(playerName)
		member := &models.RoomMember{
			RoomID:          room.ID,
			UserID:          userID,
			Role:            role,
			CustomLobbyName: &name,
			JoinedAt:        now,
			LastPing:        now,
		}
		member.SetPresence(models.PresenceInLobby)
		if _, err := m.repo.UpsertMember(ctx, member); err != nil {
			return apierr.Newf(apierr.CodeDatabaseError, err)
		}

		m.broadcaster.BroadcastEvent(roomCode, "playerJoined", map[string]interface{}{
			"userId": userID.String(),
			"name":   name,
		})
		if err := m.sync.EmitRoomSnapshot(ctx, roomCode, "join", "lobby"); err != nil {
			return err
		}
		joined, err = m.loadRoom(ctx, roomCode)
		return err
	})
	if err != nil {
		return nil, err
	}
	return joined, nil
}

// SelectGame records the host's game choice on the room.
func (m *Manager) SelectGame(ctx context.Context, userID uuid.UUID, roomCode string, gameID uuid.UUID) (*models.GameDefinition, error) {
	var game *models.GameDefinition
	err := m.sync.Run(ctx, roomCode, func(ctx context.Context) error {
		room, err := m.loadRoom(ctx, roomCode)
		if err != nil {
			return err
		}
		if err := requireHost(room, userID); err != nil {
			return err
		}
		g, err := m.repo.GetGameByID(ctx, gameID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return apierr.New(apierr.CodeGameNotAvailable)
			}
			return apierr.Newf(apierr.CodeDatabaseError, err)
		}
		if !g.Selectable() {
			return apierr.New(apierr.CodeGameNotAvailable).WithDetails(map[string]interface{}{
				"game": g.Name,
			})
		}

		room.CurrentGame = &g.ID
		if _, err := m.repo.UpdateRoom(ctx, room); err != nil {
			return apierr.Newf(apierr.CodeDatabaseError, err)
		}
		game = g
		m.broadcaster.BroadcastEvent(roomCode, "gameSelected", map[string]interface{}{
			"gameId":   g.ID.String(),
			"gameName": g.Name,
		})
		return m.sync.EmitRoomSnapshot(ctx, roomCode, "game_selected", "lobby")
	})
	if err != nil {
		return nil, err
	}
	return game, nil
}

// StartResult carries everything the socket layer needs to hand each player
// their redirect.
type StartResult struct {
	Room     *models.Room
	Game     *models.GameDefinition
	Sessions map[uuid.UUID]*models.PlayerSession
	GameURLs map[uuid.UUID]string
}

// StartGame flips the room to in_game and issues one session per connected
// member. The room update, the member presence writes and the session inserts
// happen behind the room actor, so no snapshot can interleave with a
// half-started game.
func (m *Manager) StartGame(ctx context.Context, userID uuid.UUID, roomCode string, settings map[string]interface{}) (*StartResult, error) {
	var result *StartResult
	err := m.sync.Run(ctx, roomCode, func(ctx context.Context) error {
		room, err := m.loadRoom(ctx, roomCode)
		if err != nil {
			return err
		}
		if err := requireHost(room, userID); err != nil {
			return err
		}
		if room.CurrentGame == nil {
			return apierr.New(apierr.CodeGameNotAvailable)
		}
		game, err := m.repo.GetGameByID(ctx, *room.CurrentGame)
		if err != nil {
			return apierr.Newf(apierr.CodeDatabaseError, err)
		}
		if !game.Selectable() {
			return apierr.New(apierr.CodeGameNotAvailable).WithDetails(map[string]interface{}{
				"game": game.Name,
			})
		}
		if room.ConnectedCount() < game.MinPlayers {
			return apierr.New(apierr.CodeNotEnoughPlayers).WithDetails(map[string]interface{}{
				"connected": room.ConnectedCount(),
				"required":  game.MinPlayers,
			})
		}

		now := time.Now().UTC()
		room.Status = models.RoomStatusInGame
		room.GameStartedAt = &now
		if settings != nil {
			room.GameSettings = settings
		}
		if _, err := m.repo.UpdateRoom(ctx, room); err != nil {
			return apierr.Newf(apierr.CodeDatabaseError, err)
		}

		sessions := make(map[uuid.UUID]*models.PlayerSession)
		urls := make(map[uuid.UUID]string)
		for _, mem := range room.ActiveMembers() {
			if !mem.IsConnected {
				continue
			}
			uid := mem.UserID
			s, err := m.sessions.CreatePlayerSession(ctx, &uid, room, game.ServiceName)
			if err != nil {
				return err
			}
			sessions[uid] = s
			urls[uid] = m.sessions.BuildGameURL(game, room, s)

			mem.SetPresence(models.PresenceInGame)
			mem.LastPing = now
			if _, err := m.repo.UpdateMember(ctx, mem); err != nil {
				return apierr.Newf(apierr.CodeDatabaseError, err)
			}
		}

		m.repo.LogEvent(ctx, room.ID, &userID, "game_started", map[string]interface{}{
			"game": game.ServiceName, "players": len(sessions),
		})
		m.broadcaster.BroadcastEvent(roomCode, "gameStarted", map[string]interface{}{
			"gameId":   game.ID.String(),
			"gameName": game.Name,
		})
		if err := m.sync.EmitRoomSnapshot(ctx, roomCode, "game_start", "lobby"); err != nil {
			return err
		}

		fresh, err := m.loadRoom(ctx, roomCode)
		if err != nil {
			return err
		}
		result = &StartResult{Room: fresh, Game: game, Sessions: sessions, GameURLs: urls}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// LeaveRoom removes a member. A departing host hands the role to the
// longest-joined remaining connected member; a room with nobody left is
// abandoned.
func (m *Manager) LeaveRoom(ctx context.Context, userID uuid.UUID, roomCode string) error {
	return m.sync.Run(ctx, roomCode, func(ctx context.Context) error {
		room, err := m.loadRoom(ctx, roomCode)
		if err != nil {
			return err
		}
		member := room.Member(userID)
		if member == nil || member.LeftAt != nil {
			return apierr.New(apierr.CodePlayerNotFound)
		}
		wasHost := member.Role == models.RoleHost

		now := time.Now().UTC()
		if err := m.repo.RemoveMember(ctx, room.ID, userID, now); err != nil {
			return apierr.Newf(apierr.CodeDatabaseError, err)
		}

		fresh, err := m.loadRoom(ctx, roomCode)
		if err != nil {
			return err
		}
		remaining := fresh.ActiveMembers()
		if len(remaining) == 0 {
			fresh.Status = models.RoomStatusAbandoned
			if _, err := m.repo.UpdateRoom(ctx, fresh); err != nil {
				return apierr.Newf(apierr.CodeRoomAbandonFailed, err)
			}
			m.repo.LogEvent(ctx, fresh.ID, &userID, "room_abandoned", map[string]interface{}{
				"reason": "last member left",
			})
			m.broadcaster.BroadcastEvent(roomCode, "roomClosed", map[string]interface{}{
				"reason": "empty",
			})
			return nil
		}

		if wasHost {
			var successor *models.RoomMember
			for _, mem := range remaining {
				if !mem.IsConnected {
					continue
				}
				if successor == nil || mem.JoinedAt.Before(successor.JoinedAt) {
					successor = mem
				}
			}
			if successor == nil {
				// Nobody connected: the room keeps ticking until the sweeper
				// abandons it, but the host role must still land somewhere.
				for _, mem := range remaining {
					if successor == nil || mem.JoinedAt.Before(successor.JoinedAt) {
						successor = mem
					}
				}
			}
			if err := m.repo.TransferHost(ctx, fresh.ID, userID, successor.UserID); err != nil {
				return apierr.Newf(apierr.CodeDatabaseError, err)
			}
			m.broadcaster.BroadcastEvent(roomCode, "hostTransferred", map[string]interface{}{
				"newHostId": successor.UserID.String(),
			})
		}

		m.broadcaster.BroadcastEvent(roomCode, "playerLeft", map[string]interface{}{
			"userId": userID.String(),
		})
		return m.sync.EmitRoomSnapshot(ctx, roomCode, "leave", "lobby")
	})
}

// TransferHost swaps the host role to targetID. Host-only.
func (m *Manager) TransferHost(ctx context.Context, userID uuid.UUID, roomCode string, targetID uuid.UUID) error {
	return m.sync.Run(ctx, roomCode, func(ctx context.Context) error {
		room, err := m.loadRoom(ctx, roomCode)
		if err != nil {
			return err
		}
		if err := requireHost(room, userID); err != nil {
			return err
		}
		target := room.Member(targetID)
		if target == nil || target.LeftAt != nil {
			return apierr.New(apierr.CodePlayerNotFound)
		}
		if targetID == userID {
			return nil
		}
		if err := m.repo.TransferHost(ctx, room.ID, userID, targetID); err != nil {
			return apierr.Newf(apierr.CodeDatabaseError, err)
		}
		m.broadcaster.BroadcastEvent(roomCode, "hostTransferred", map[string]interface{}{
			"newHostId": targetID.String(),
		})
		return m.sync.EmitRoomSnapshot(ctx, roomCode, "host_transfer", "lobby")
	})
}

// KickPlayer removes targetID from the room. Host-only; the socket layer is
// responsible for closing the kicked player's sockets afterwards.
func (m *Manager) KickPlayer(ctx context.Context, userID uuid.UUID, roomCode string, targetID uuid.UUID, reason string) error {
	return m.sync.Run(ctx, roomCode, func(ctx context.Context) error {
		room, err := m.loadRoom(ctx, roomCode)
		if err != nil {
			return err
		}
		if err := requireHost(room, userID); err != nil {
			return err
		}
		if targetID == userID {
			return apierr.New(apierr.CodeForbidden).WithDetails(map[string]interface{}{
				"reason": "host cannot kick themselves",
			})
		}
		target := room.Member(targetID)
		if target == nil || target.LeftAt != nil {
			return apierr.New(apierr.CodePlayerNotFound)
		}
		if err := m.repo.RemoveMember(ctx, room.ID, targetID, time.Now().UTC()); err != nil {
			return apierr.Newf(apierr.CodeDatabaseError, err)
		}
		m.repo.LogEvent(ctx, room.ID, &userID, "player_kicked", map[string]interface{}{
			"target": targetID.String(), "reason": reason,
		})
		m.broadcaster.BroadcastEvent(roomCode, "playerKicked", map[string]interface{}{
			"userId": targetID.String(),
			"reason": reason,
		})
		return m.sync.EmitRoomSnapshot(ctx, roomCode, "leave", "lobby")
	})
}

// SetReady toggles the member's ready flag.
func (m *Manager) SetReady(ctx context.Context, userID uuid.UUID, roomCode string, ready bool) error {
	return m.sync.Run(ctx, roomCode, func(ctx context.Context) error {
		room, err := m.loadRoom(ctx, roomCode)
		if err != nil {
			return err
		}
		member := room.Member(userID)
		if member == nil || member.LeftAt != nil {
			return apierr.New(apierr.CodePlayerNotFound)
		}
		if member.IsReady == ready {
			return nil
		}
		member.IsReady = ready
		if _, err := m.repo.UpdateMember(ctx, member); err != nil {
			return apierr.Newf(apierr.CodeDatabaseError, err)
		}
		return m.sync.EmitRoomSnapshot(ctx, roomCode, "ready", "lobby")
	})
}

// SetLobbyName sets the member's per-room display name.
func (m *Manager) SetLobbyName(ctx context.Context, userID uuid.UUID, roomCode, name string) error {
	if err := ValidatePlayerName(name); err != nil {
		return err
	}
	return m.sync.Run(ctx, roomCode, func(ctx context.Context) error {
		room, err := m.loadRoom(ctx, roomCode)
		if err != nil {
			return err
		}
		member := room.Member(userID)
		if member == nil || member.LeftAt != nil {
			return apierr.New(apierr.CodePlayerNotFound)
		}
		trimmed := strings.TrimSpace(name)
		member.CustomLobbyName = &trimmed
		if _, err := m.repo.UpdateMember(ctx, member); err != nil {
			return apierr.Newf(apierr.CodeDatabaseError, err)
		}
		return m.sync.EmitRoomSnapshot(ctx, roomCode, "rename", "lobby")
	})
}

func (m *Manager) loadRoom(ctx context.Context, roomCode string) (*models.Room, error) {
	room, err := m.repo.GetRoomByCode(ctx, roomCode)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apierr.New(apierr.CodeRoomNotFound)
		}
		return nil, apierr.Newf(apierr.CodeDatabaseError, err)
	}
	return room, nil
}

func requireHost(room *models.Room, userID uuid.UUID) error {
	h := room.Host()
	if h == nil || h.UserID != userID {
		return apierr.New(apierr.CodeNotHost)
	}
	return nil
}
