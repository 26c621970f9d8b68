package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gamebuddies/orchestrator/internal/models"
)

const userColumns = `id, username, display_name, avatar_url, role, is_guest,
	premium_tier, xp, level, last_seen`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(
		&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL, &u.Role, &u.IsGuest,
		&u.PremiumTier, &u.XP, &u.Level, &u.LastSeen,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *Postgres) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return scanUser(p.pool.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// UpsertUser writes the identity-provider projection. Existing rows are
// soft-updated; XP and level are owned by the progress pipeline and left
// untouched on conflict.
func (p *Postgres) UpsertUser(ctx context.Context, u *models.User) error {
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO users (id, username, display_name, avatar_url, role,
				is_guest, premium_tier, xp, level, last_seen)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (id) DO UPDATE SET
				username = EXCLUDED.username,
				display_name = EXCLUDED.display_name,
				avatar_url = EXCLUDED.avatar_url,
				role = EXCLUDED.role,
				premium_tier = EXCLUDED.premium_tier,
				last_seen = EXCLUDED.last_seen`,
			u.ID, u.Username, u.DisplayName, u.AvatarURL, u.Role,
			u.IsGuest, u.PremiumTier, u.XP, u.Level, u.LastSeen,
		)
		return err
	})
}

func (p *Postgres) TouchLastSeen(ctx context.Context, userID uuid.UUID, t time.Time) error {
	_, err := p.pool.Exec(ctx, `UPDATE users SET last_seen = $2 WHERE id = $1`, userID, t)
	return err
}
