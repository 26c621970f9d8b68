package progress

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamebuddies/orchestrator/internal/apierr"
	"github.com/gamebuddies/orchestrator/internal/database"
	"github.com/gamebuddies/orchestrator/internal/models"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (rn *recordingNotifier) NotifyUser(userID uuid.UUID, event string, payload map[string]interface{}) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	rn.events = append(rn.events, event)
}

func newService(t *testing.T) (*Service, *database.Memory, *recordingNotifier) {
	t.Helper()
	repo := database.NewMemory()
	rn := &recordingNotifier{}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewService(repo, logger, rn, nil), repo, rn
}

func seedUser(t *testing.T, repo *database.Memory) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, repo.UpsertUser(context.Background(), &models.User{
		ID: id, Username: "alice", Role: "user", PremiumTier: "free", Level: 1,
	}))
	return id
}

func TestIngestAwardsXP(t *testing.T) {
	svc, repo, _ := newService(t)
	user := seedUser(t, repo)

	res, err := svc.Ingest(context.Background(), Event{
		UserID: user, RoomID: uuid.New(), EventType: "game_completed", XPDelta: 150,
	})
	require.NoError(t, err)
	assert.Equal(t, 150, res.XPAwarded)
	assert.Equal(t, 150, res.TotalXP)
	assert.Equal(t, 1, res.Level)
	assert.False(t, res.LeveledUp)

	u, err := repo.GetUserByID(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, 150, u.XP)
}

func TestIngestLevelUp(t *testing.T) {
	svc, repo, rn := newService(t)
	user := seedUser(t, repo)

	// Level 2 requires 400 XP.
	res, err := svc.Ingest(context.Background(), Event{
		UserID: user, RoomID: uuid.New(), EventType: "game_won", XPDelta: 450,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Level)
	assert.True(t, res.LeveledUp)
	assert.Contains(t, rn.events, "levelUp")
}

func TestIngestUnknownUser(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Ingest(context.Background(), Event{
		UserID: uuid.New(), RoomID: uuid.New(), EventType: "game_won",
	})
	require.Error(t, err)
	assert.Equal(t, apierr.CodePlayerNotFound, apierr.Code(err))
}

// One consolidated pass: a retried event must not unlock or award twice.
func TestAchievementUnlockDedup(t *testing.T) {
	svc, repo, rn := newService(t)
	user := seedUser(t, repo)
	repo.SeedAchievement(&models.Achievement{
		ID:       uuid.New(),
		Slug:     "first-win",
		Name:     "First Win",
		XPReward: 50,
		Criteria: map[string]interface{}{"games_won": 1},
	})

	ev := Event{UserID: user, RoomID: uuid.New(), EventType: "game_won", XPDelta: 100}

	res, err := svc.Ingest(context.Background(), ev)
	require.NoError(t, err)
	require.Len(t, res.NewUnlocks, 1)
	assert.Equal(t, "first-win", res.NewUnlocks[0].Slug)
	assert.Equal(t, 150, res.XPAwarded, "event XP plus unlock reward")
	assert.Contains(t, rn.events, "achievementUnlocked")

	res, err = svc.Ingest(context.Background(), ev)
	require.NoError(t, err)
	assert.Empty(t, res.NewUnlocks, "second pass must not re-unlock")
	assert.Equal(t, 100, res.XPAwarded, "only the event XP on the retry")
}

func TestAchievementCriteriaThreshold(t *testing.T) {
	svc, repo, _ := newService(t)
	user := seedUser(t, repo)
	repo.SeedAchievement(&models.Achievement{
		ID:       uuid.New(),
		Slug:     "veteran",
		Name:     "Veteran",
		Criteria: map[string]interface{}{"games_played": 3},
	})

	ev := Event{UserID: user, RoomID: uuid.New(), EventType: "game_completed"}
	for i := 0; i < 2; i++ {
		res, err := svc.Ingest(context.Background(), ev)
		require.NoError(t, err)
		assert.Empty(t, res.NewUnlocks)
	}
	res, err := svc.Ingest(context.Background(), ev)
	require.NoError(t, err)
	require.Len(t, res.NewUnlocks, 1)
	assert.Equal(t, "veteran", res.NewUnlocks[0].Slug)
}

func TestEventTypeCriterion(t *testing.T) {
	svc, repo, _ := newService(t)
	user := seedUser(t, repo)
	repo.SeedAchievement(&models.Achievement{
		ID:       uuid.New(),
		Slug:     "closer",
		Name:     "Closer",
		Criteria: map[string]interface{}{"event_type": "game_won"},
	})

	res, err := svc.Ingest(context.Background(), Event{
		UserID: user, RoomID: uuid.New(), EventType: "game_completed",
	})
	require.NoError(t, err)
	assert.Empty(t, res.NewUnlocks)

	res, err = svc.Ingest(context.Background(), Event{
		UserID: user, RoomID: uuid.New(), EventType: "game_won",
	})
	require.NoError(t, err)
	assert.Len(t, res.NewUnlocks, 1)
}

func TestStatsAccumulate(t *testing.T) {
	svc, repo, _ := newService(t)
	user := seedUser(t, repo)

	for _, typ := range []string{"game_won", "game_lost", "game_completed"} {
		_, err := svc.Ingest(context.Background(), Event{
			UserID: user, RoomID: uuid.New(), EventType: typ,
		})
		require.NoError(t, err)
	}

	stats, err := repo.GetUserStats(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.GamesPlayed)
	assert.Equal(t, 1, stats.GamesWon)
}
