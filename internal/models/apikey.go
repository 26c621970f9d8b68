package models

import (
	"time"

	"github.com/google/uuid"
)

// API key permissions. A key authenticates one external game service unless
// it carries PermAnyRoom, which whitelists it for rooms running other games.
const (
	PermStatusWrite = "status:write"
	PermReturnAll   = "return:all"
	PermProgress    = "progress:write"
	PermAnyRoom     = "room:any"
	PermAdmin       = "admin"
)

// APIKey is an external service credential. The secret is stored as an
// argon2id encoded hash, never in the clear.
type APIKey struct {
	ID          uuid.UUID  `json:"id"`
	KeyHash     string     `json:"-"`
	ServiceName string     `json:"service_name"`
	GameID      *uuid.UUID `json:"game_id,omitempty"`
	Permissions []string   `json:"permissions"`
	RateLimit   int        `json:"rate_limit"` // requests/min; 0 means the strict default
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Has reports whether the key carries a permission. Admin keys hold every
// permission implicitly.
func (k *APIKey) Has(perm string) bool {
	for _, p := range k.Permissions {
		if p == perm || p == PermAdmin {
			return true
		}
	}
	return false
}
