package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gamebuddies/orchestrator/internal/models"
)

const sessionColumns = `id, session_token, user_id, room_id, game_type,
	streamer_mode, status, expires_at, metadata, created_at`

func scanSession(row pgx.Row) (*models.PlayerSession, error) {
	var s models.PlayerSession
	err := row.Scan(
		&s.ID, &s.Token, &s.UserID, &s.RoomID, &s.GameType,
		&s.StreamerMode, &s.Status, &s.ExpiresAt, &s.Metadata, &s.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) InsertSession(ctx context.Context, s *models.PlayerSession) error {
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO player_sessions (id, session_token, user_id, room_id,
				game_type, streamer_mode, status, expires_at, metadata, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			s.ID, s.Token, s.UserID, s.RoomID, s.GameType,
			s.StreamerMode, s.Status, s.ExpiresAt, s.Metadata, s.CreatedAt,
		)
		return err
	})
}

func (p *Postgres) GetSessionByToken(ctx context.Context, token string) (*models.PlayerSession, error) {
	return scanSession(p.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM player_sessions WHERE session_token = $1`, token))
}

func (p *Postgres) UpdateSessionStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE player_sessions SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireSessions flips active rows past their deadline to expired. Expired
// and revoked rows are left in place; retention is unspecified upstream.
func (p *Postgres) ExpireSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE player_sessions SET status = 'expired'
		WHERE status = 'active' AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
