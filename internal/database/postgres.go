package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/gamebuddies/orchestrator/internal/models"
)

// Postgres implements Repository on a pgx pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *logrus.Logger
}

// NewPostgres wraps a connected pool.
func NewPostgres(pool *pgxpool.Pool, logger *logrus.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logger}
}

const roomColumns = `id, room_code, host_id, status, current_game, max_players,
	is_public, streamer_mode, game_settings, metadata, created_at,
	last_activity, game_started_at`

func scanRoom(row pgx.Row) (*models.Room, error) {
	var r models.Room
	err := row.Scan(
		&r.ID, &r.Code, &r.HostID, &r.Status, &r.CurrentGame, &r.MaxPlayers,
		&r.IsPublic, &r.StreamerMode, &r.GameSettings, &r.Metadata, &r.CreatedAt,
		&r.LastActivity, &r.GameStartedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.Metadata == nil {
		r.Metadata = map[string]interface{}{}
	}
	return &r, nil
}

// CreateRoomWithHost persists the room and the initial host membership in a
// single transaction.
func (p *Postgres) CreateRoomWithHost(ctx context.Context, room *models.Room, host *models.RoomMember) error {
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO rooms (id, room_code, host_id, status, current_game, max_players,
				is_public, streamer_mode, game_settings, metadata, created_at, last_activity)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			room.ID, room.Code, room.HostID, room.Status, room.CurrentGame, room.MaxPlayers,
			room.IsPublic, room.StreamerMode, room.GameSettings, room.Metadata,
			room.CreatedAt, room.LastActivity,
		)
		if err != nil {
			return fmt.Errorf("insert room: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO room_members (room_id, user_id, role, is_connected, in_game,
				current_location, is_ready, socket_id, last_ping, game_data,
				custom_lobby_name, joined_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			host.RoomID, host.UserID, host.Role, host.IsConnected, host.InGame,
			host.CurrentLocation, host.IsReady, host.SocketID, host.LastPing,
			host.GameData, host.CustomLobbyName, host.JoinedAt,
		)
		if err != nil {
			return fmt.Errorf("insert host member: %w", err)
		}
		return nil
	})
}

// GetRoomByCode fetches a live room and eagerly loads its members with each
// member's user projection.
func (p *Postgres) GetRoomByCode(ctx context.Context, code string) (*models.Room, error) {
	room, err := scanRoom(p.pool.QueryRow(ctx, `
		SELECT `+roomColumns+` FROM rooms
		WHERE room_code = $1 AND status NOT IN ('abandoned','finished')`, code))
	if err != nil {
		return nil, err
	}
	if err := p.loadMembers(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

func (p *Postgres) GetRoomByID(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	room, err := scanRoom(p.pool.QueryRow(ctx, `
		SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := p.loadMembers(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

func (p *Postgres) loadMembers(ctx context.Context, room *models.Room) error {
	rows, err := p.pool.Query(ctx, `
		SELECT m.room_id, m.user_id, m.role, m.is_connected, m.in_game,
		       m.current_location, m.is_ready, m.socket_id, m.last_ping,
		       m.game_data, m.custom_lobby_name, m.joined_at, m.left_at,
		       u.username, u.display_name, u.avatar_url, u.role, u.is_guest,
		       u.premium_tier, u.xp, u.level, u.last_seen
		FROM room_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.room_id = $1
		ORDER BY m.joined_at`, room.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var m models.RoomMember
		var u models.User
		if err := rows.Scan(
			&m.RoomID, &m.UserID, &m.Role, &m.IsConnected, &m.InGame,
			&m.CurrentLocation, &m.IsReady, &m.SocketID, &m.LastPing,
			&m.GameData, &m.CustomLobbyName, &m.JoinedAt, &m.LeftAt,
			&u.Username, &u.DisplayName, &u.AvatarURL, &u.Role, &u.IsGuest,
			&u.PremiumTier, &u.XP, &u.Level, &u.LastSeen,
		); err != nil {
			return err
		}
		u.ID = m.UserID
		m.User = &u
		room.Members = append(room.Members, &m)
	}
	return rows.Err()
}

// RoomCodeInUse reports whether a live room currently holds the code.
func (p *Postgres) RoomCodeInUse(ctx context.Context, code string) (bool, error) {
	var tmp int
	err := p.pool.QueryRow(ctx, `
		SELECT 1 FROM rooms
		WHERE room_code = $1 AND status NOT IN ('abandoned','finished')
		LIMIT 1`, code).Scan(&tmp)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateRoom writes the mutable room columns and returns the post-write row.
func (p *Postgres) UpdateRoom(ctx context.Context, room *models.Room) (*models.Room, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE rooms SET
			host_id = $2, status = $3, current_game = $4, max_players = $5,
			is_public = $6, streamer_mode = $7, game_settings = $8, metadata = $9,
			last_activity = $10, game_started_at = $11
		WHERE id = $1
		RETURNING `+roomColumns,
		room.ID, room.HostID, room.Status, room.CurrentGame, room.MaxPlayers,
		room.IsPublic, room.StreamerMode, room.GameSettings, room.Metadata,
		time.Now().UTC(), room.GameStartedAt,
	)
	updated, err := scanRoom(row)
	if err != nil {
		return nil, err
	}
	updated.Members = room.Members
	return updated, nil
}

func (p *Postgres) ListRoomsByStatus(ctx context.Context, statuses ...models.RoomStatus) ([]*models.Room, error) {
	strs := make([]string, len(statuses))
	for i, s := range statuses {
		strs[i] = string(s)
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+roomColumns+` FROM rooms WHERE status = ANY($1)`, strs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
