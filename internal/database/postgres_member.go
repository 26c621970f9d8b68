package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gamebuddies/orchestrator/internal/models"
)

const memberColumns = `room_id, user_id, role, is_connected, in_game,
	current_location, is_ready, socket_id, last_ping, game_data,
	custom_lobby_name, joined_at, left_at`

func scanMember(row pgx.Row) (*models.RoomMember, error) {
	var m models.RoomMember
	err := row.Scan(
		&m.RoomID, &m.UserID, &m.Role, &m.IsConnected, &m.InGame,
		&m.CurrentLocation, &m.IsReady, &m.SocketID, &m.LastPing, &m.GameData,
		&m.CustomLobbyName, &m.JoinedAt, &m.LeftAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpsertMember inserts the membership row or revives an existing one. A
// rejoining player keeps their original joined_at; left_at is cleared.
func (p *Postgres) UpsertMember(ctx context.Context, m *models.RoomMember) (*models.RoomMember, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO room_members (room_id, user_id, role, is_connected, in_game,
			current_location, is_ready, socket_id, last_ping, game_data,
			custom_lobby_name, joined_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (room_id, user_id) DO UPDATE SET
			role = EXCLUDED.role,
			is_connected = EXCLUDED.is_connected,
			in_game = EXCLUDED.in_game,
			current_location = EXCLUDED.current_location,
			is_ready = EXCLUDED.is_ready,
			socket_id = EXCLUDED.socket_id,
			last_ping = EXCLUDED.last_ping,
			custom_lobby_name = COALESCE(EXCLUDED.custom_lobby_name, room_members.custom_lobby_name),
			left_at = NULL
		RETURNING `+memberColumns,
		m.RoomID, m.UserID, m.Role, m.IsConnected, m.InGame,
		m.CurrentLocation, m.IsReady, m.SocketID, m.LastPing, m.GameData,
		m.CustomLobbyName, m.JoinedAt,
	)
	return scanMember(row)
}

// UpdateMember writes the mutable member columns and returns the post-write row.
func (p *Postgres) UpdateMember(ctx context.Context, m *models.RoomMember) (*models.RoomMember, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE room_members SET
			role = $3, is_connected = $4, in_game = $5, current_location = $6,
			is_ready = $7, socket_id = $8, last_ping = $9, game_data = $10,
			custom_lobby_name = $11, left_at = $12
		WHERE room_id = $1 AND user_id = $2
		RETURNING `+memberColumns,
		m.RoomID, m.UserID, m.Role, m.IsConnected, m.InGame, m.CurrentLocation,
		m.IsReady, m.SocketID, m.LastPing, m.GameData, m.CustomLobbyName, m.LeftAt,
	)
	return scanMember(row)
}

// RemoveMember marks the member as departed.
func (p *Postgres) RemoveMember(ctx context.Context, roomID, userID uuid.UUID, leftAt time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE room_members SET
			left_at = $3, is_connected = false, in_game = false,
			current_location = 'disconnected', socket_id = NULL
		WHERE room_id = $1 AND user_id = $2`, roomID, userID, leftAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRoomMembersBulk applies one patch atomically across the active member
// set of a room.
func (p *Postgres) UpdateRoomMembersBulk(ctx context.Context, roomID uuid.UUID, patch MemberPatch) error {
	sets := []string{}
	args := []interface{}{roomID}
	idx := 2

	if patch.Presence != nil {
		isConnected, inGame, loc := patch.Presence.Columns()
		sets = append(sets,
			fmt.Sprintf("is_connected = $%d", idx),
			fmt.Sprintf("in_game = $%d", idx+1),
			fmt.Sprintf("current_location = $%d", idx+2),
		)
		args = append(args, isConnected, inGame, loc)
		idx += 3
	}
	if patch.IsReady != nil {
		sets = append(sets, fmt.Sprintf("is_ready = $%d", idx))
		args = append(args, *patch.IsReady)
		idx++
	}
	if patch.LastPing != nil {
		sets = append(sets, fmt.Sprintf("last_ping = $%d", idx))
		args = append(args, *patch.LastPing)
		idx++
	}
	if patch.ClearSocket {
		sets = append(sets, "socket_id = NULL")
	}
	if len(sets) == 0 {
		return nil
	}

	q := `UPDATE room_members SET ` + strings.Join(sets, ", ") +
		` WHERE room_id = $1 AND left_at IS NULL`
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q, args...)
		return err
	})
}

// TransferHost swaps the host role and the rooms.host_id pointer in one
// transaction.
func (p *Postgres) TransferHost(ctx context.Context, roomID, fromUserID, toUserID uuid.UUID) error {
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE room_members SET role = 'player'
			WHERE room_id = $1 AND user_id = $2 AND role = 'host'`, roomID, fromUserID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE room_members SET role = 'host'
			WHERE room_id = $1 AND user_id = $2 AND left_at IS NULL`, roomID, toUserID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		_, err = tx.Exec(ctx, `UPDATE rooms SET host_id = $2 WHERE id = $1`, roomID, toUserID)
		return err
	})
}
