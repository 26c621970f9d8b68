// Package database provides typed access to the durable store. Managers
// depend on the Repository interface; Postgres is the production
// implementation and Memory backs tests and single-binary demo runs.
package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gamebuddies/orchestrator/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// MemberPatch is the shape of a bulk member update. Nil fields are left
// untouched. Presence writes all three denormalized columns together.
type MemberPatch struct {
	Presence    *models.Presence
	IsReady     *bool
	LastPing    *time.Time
	ClearSocket bool
}

// Repository is the durable store surface the core depends on. All mutating
// calls return the post-write row where the caller needs it for snapshot
// building.
type Repository interface {
	// Users.
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	UpsertUser(ctx context.Context, u *models.User) error
	TouchLastSeen(ctx context.Context, userID uuid.UUID, t time.Time) error

	// Rooms. CreateRoomWithHost persists the room and its initial host
	// membership in one transaction: both succeed or neither persists.
	CreateRoomWithHost(ctx context.Context, room *models.Room, host *models.RoomMember) error
	GetRoomByCode(ctx context.Context, code string) (*models.Room, error)
	GetRoomByID(ctx context.Context, id uuid.UUID) (*models.Room, error)
	RoomCodeInUse(ctx context.Context, code string) (bool, error)
	UpdateRoom(ctx context.Context, room *models.Room) (*models.Room, error)
	ListRoomsByStatus(ctx context.Context, statuses ...models.RoomStatus) ([]*models.Room, error)

	// Members.
	UpsertMember(ctx context.Context, m *models.RoomMember) (*models.RoomMember, error)
	UpdateMember(ctx context.Context, m *models.RoomMember) (*models.RoomMember, error)
	RemoveMember(ctx context.Context, roomID, userID uuid.UUID, leftAt time.Time) error
	UpdateRoomMembersBulk(ctx context.Context, roomID uuid.UUID, patch MemberPatch) error
	// TransferHost swaps the host role atomically: the old host becomes a
	// player, the target becomes host, and rooms.host_id follows.
	TransferHost(ctx context.Context, roomID, fromUserID, toUserID uuid.UUID) error

	// Sessions.
	InsertSession(ctx context.Context, s *models.PlayerSession) error
	GetSessionByToken(ctx context.Context, token string) (*models.PlayerSession, error)
	UpdateSessionStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus) error
	ExpireSessions(ctx context.Context, now time.Time) (int64, error)

	// Game definitions (read-only for the core).
	GetGameByID(ctx context.Context, id uuid.UUID) (*models.GameDefinition, error)
	GetGameByServiceName(ctx context.Context, serviceName string) (*models.GameDefinition, error)

	// API keys. Secrets are hashed; callers compare with auth.CompareKeyAndHash.
	ListActiveAPIKeys(ctx context.Context) ([]*models.APIKey, error)

	// Event log, best-effort durability: failures are logged, never surfaced.
	LogEvent(ctx context.Context, roomID uuid.UUID, userID *uuid.UUID, eventType string, data map[string]interface{})

	// Progress.
	GetUserStats(ctx context.Context, userID uuid.UUID) (*models.UserStats, error)
	AddUserXP(ctx context.Context, userID uuid.UUID, delta int) (*models.User, error)
	RecordGamePlayed(ctx context.Context, userID uuid.UUID, won bool) error
	ListAchievements(ctx context.Context) ([]*models.Achievement, error)
	// UnlockAchievement inserts the unlock if absent and reports whether the
	// row was inserted. The (user, achievement) uniqueness is the dedup.
	UnlockAchievement(ctx context.Context, userID, achievementID uuid.UUID) (bool, error)
}

// LevelForXP is the shared level curve: level n requires n^2 * 100 total XP.
func LevelForXP(xp int) int {
	level := 1
	for (level+1)*(level+1)*100 <= xp {
		level++
	}
	return level
}
