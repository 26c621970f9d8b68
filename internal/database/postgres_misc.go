package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gamebuddies/orchestrator/internal/models"
)

const gameColumns = `id, name, service_name, base_url, min_players, max_players,
	is_active, maintenance_mode, settings_schema, default_settings`

func scanGame(row pgx.Row) (*models.GameDefinition, error) {
	var g models.GameDefinition
	err := row.Scan(
		&g.ID, &g.Name, &g.ServiceName, &g.BaseURL, &g.MinPlayers, &g.MaxPlayers,
		&g.IsActive, &g.MaintenanceMode, &g.SettingsSchema, &g.DefaultSettings,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (p *Postgres) GetGameByID(ctx context.Context, id uuid.UUID) (*models.GameDefinition, error) {
	return scanGame(p.pool.QueryRow(ctx, `
		SELECT `+gameColumns+` FROM games WHERE id = $1`, id))
}

func (p *Postgres) GetGameByServiceName(ctx context.Context, serviceName string) (*models.GameDefinition, error) {
	return scanGame(p.pool.QueryRow(ctx, `
		SELECT `+gameColumns+` FROM games WHERE service_name = $1`, serviceName))
}

func (p *Postgres) ListActiveAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, key_hash, service_name, game_id, permissions, rate_limit,
		       is_active, created_at
		FROM api_keys WHERE is_active = true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(
			&k.ID, &k.KeyHash, &k.ServiceName, &k.GameID, &k.Permissions,
			&k.RateLimit, &k.IsActive, &k.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &k)
	}
	return out, rows.Err()
}

// LogEvent appends an audit row. Fire-and-forget: a write failure is logged
// at warn and swallowed so no operation ever fails on audit logging.
func (p *Postgres) LogEvent(ctx context.Context, roomID uuid.UUID, userID *uuid.UUID, eventType string, data map[string]interface{}) {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO event_logs (room_id, user_id, event_type, event_data, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		roomID, userID, eventType, data, time.Now().UTC())
	if err != nil && p.logger != nil {
		p.logger.Warnf("event log write failed (type=%s room=%s): %v", eventType, roomID, err)
	}
}

func (p *Postgres) GetUserStats(ctx context.Context, userID uuid.UUID) (*models.UserStats, error) {
	var s models.UserStats
	err := p.pool.QueryRow(ctx, `
		SELECT user_id, games_played, games_won, total_xp, updated_at
		FROM user_stats WHERE user_id = $1`, userID).Scan(
		&s.UserID, &s.GamesPlayed, &s.GamesWon, &s.TotalXP, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// AddUserXP adds XP, recomputes the level, and returns the post-write user.
func (p *Postgres) AddUserXP(ctx context.Context, userID uuid.UUID, delta int) (*models.User, error) {
	var u *models.User
	err := pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var xp int
		if err := tx.QueryRow(ctx, `
			UPDATE users SET xp = xp + $2 WHERE id = $1 RETURNING xp`, userID, delta).Scan(&xp); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		level := LevelForXP(xp)
		row := tx.QueryRow(ctx, `
			UPDATE users SET level = $2 WHERE id = $1 RETURNING `+userColumns, userID, level)
		var err error
		u, err = scanUser(row)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO user_stats (user_id, games_played, games_won, total_xp, updated_at)
			VALUES ($1, 0, 0, $2, $3)
			ON CONFLICT (user_id) DO UPDATE SET
				total_xp = user_stats.total_xp + $2, updated_at = $3`,
			userID, delta, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (p *Postgres) RecordGamePlayed(ctx context.Context, userID uuid.UUID, won bool) error {
	wonInc := 0
	if won {
		wonInc = 1
	}
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO user_stats (user_id, games_played, games_won, total_xp, updated_at)
			VALUES ($1, 1, $2, 0, $3)
			ON CONFLICT (user_id) DO UPDATE SET
				games_played = user_stats.games_played + 1,
				games_won = user_stats.games_won + $2,
				updated_at = $3`,
			userID, wonInc, time.Now().UTC())
		return err
	})
}

func (p *Postgres) ListAchievements(ctx context.Context) ([]*models.Achievement, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, slug, name, description, xp_reward, criteria FROM achievements`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Achievement
	for rows.Next() {
		var a models.Achievement
		if err := rows.Scan(&a.ID, &a.Slug, &a.Name, &a.Description, &a.XPReward, &a.Criteria); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// UnlockAchievement inserts the unlock if absent. The primary key on
// (user_id, achievement_id) makes repeat unlocks a no-op.
func (p *Postgres) UnlockAchievement(ctx context.Context, userID, achievementID uuid.UUID) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO user_achievements (user_id, achievement_id, unlocked_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, achievement_id) DO NOTHING`,
		userID, achievementID, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
