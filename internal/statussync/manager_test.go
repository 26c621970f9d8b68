package statussync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamebuddies/orchestrator/internal/apierr"
	"github.com/gamebuddies/orchestrator/internal/database"
	"github.com/gamebuddies/orchestrator/internal/models"
)

// mockBroadcaster collects emissions instead of sending them over sockets.
type mockBroadcaster struct {
	mu        sync.Mutex
	snapshots []models.Snapshot
	events    []map[string]interface{}
}

func (mb *mockBroadcaster) BroadcastSnapshot(roomCode string, snap models.Snapshot) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.snapshots = append(mb.snapshots, snap)
}

func (mb *mockBroadcaster) BroadcastEvent(roomCode string, event string, payload map[string]interface{}) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	p := map[string]interface{}{"event": event}
	for k, v := range payload {
		p[k] = v
	}
	mb.events = append(mb.events, p)
}

func (mb *mockBroadcaster) snapshotCount() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.snapshots)
}

func (mb *mockBroadcaster) lastSnapshot() *models.Snapshot {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if len(mb.snapshots) == 0 {
		return nil
	}
	return &mb.snapshots[len(mb.snapshots)-1]
}

type fixture struct {
	mgr    *Manager
	repo   *database.Memory
	mb     *mockBroadcaster
	room   *models.Room
	users  []uuid.UUID
	ctx    context.Context
	cancel context.CancelFunc
}

func newFixture(t *testing.T, numPlayers int) *fixture {
	t.Helper()
	repo := database.NewMemory()
	mb := &mockBroadcaster{}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	mgr := NewManager(repo, logger, mb, nil, 15*time.Second, 45*time.Second)
	t.Cleanup(mgr.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	now := time.Now().UTC()
	users := make([]uuid.UUID, numPlayers)
	for i := range users {
		users[i] = uuid.New()
		require.NoError(t, repo.UpsertUser(ctx, &models.User{
			ID: users[i], Username: string(rune('a' + i)), Role: "user", PremiumTier: "free", Level: 1,
		}))
	}

	room := &models.Room{
		ID:           uuid.New(),
		Code:         "ROOM01",
		HostID:       users[0],
		Status:       models.RoomStatusLobby,
		MaxPlayers:   8,
		Metadata:     map[string]interface{}{},
		CreatedAt:    now,
		LastActivity: now,
	}
	host := &models.RoomMember{
		RoomID: room.ID, UserID: users[0], Role: models.RoleHost,
		JoinedAt: now, LastPing: now,
	}
	host.SetPresence(models.PresenceInLobby)
	require.NoError(t, repo.CreateRoomWithHost(ctx, room, host))
	for i := 1; i < numPlayers; i++ {
		mem := &models.RoomMember{
			RoomID: room.ID, UserID: users[i], Role: models.RolePlayer,
			JoinedAt: now.Add(time.Duration(i) * time.Second), LastPing: now,
		}
		mem.SetPresence(models.PresenceInLobby)
		_, err := repo.UpsertMember(ctx, mem)
		require.NoError(t, err)
	}

	return &fixture{mgr: mgr, repo: repo, mb: mb, room: room, users: users, ctx: ctx, cancel: cancel}
}

func (f *fixture) loadRoom(t *testing.T) *models.Room {
	t.Helper()
	r, err := f.repo.GetRoomByID(context.Background(), f.room.ID)
	require.NoError(t, err)
	return r
}

func (f *fixture) setAllInGame(t *testing.T) {
	t.Helper()
	r := f.loadRoom(t)
	gameID := uuid.New()
	r.Status = models.RoomStatusInGame
	r.CurrentGame = &gameID
	_, err := f.repo.UpdateRoom(context.Background(), r)
	require.NoError(t, err)
	p := models.PresenceInGame
	require.NoError(t, f.repo.UpdateRoomMembersBulk(context.Background(), f.room.ID, database.MemberPatch{Presence: &p}))
}

func TestUpdatePlayerLocationEmitsSnapshot(t *testing.T) {
	f := newFixture(t, 2)

	res, err := f.mgr.UpdatePlayerLocation(f.ctx, f.users[1], "ROOM01", models.LocationGame, nil)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 1, f.mb.snapshotCount())

	snap := f.mb.lastSnapshot()
	require.NotNil(t, snap)
	for _, p := range snap.Players {
		if p.ID == f.users[1].String() {
			assert.True(t, p.InGame)
			assert.Equal(t, models.LocationGame, p.CurrentLocation)
		}
	}
}

func TestUpdatePlayerLocationUnknownRoom(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.mgr.UpdatePlayerLocation(f.ctx, f.users[0], "NOSUCH", models.LocationGame, nil)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeRoomNotFound, apierr.Code(err))
}

// Submitting the same (room, user, location, timestamp) twice produces one
// state change and one snapshot.
func TestIdempotentStatusPush(t *testing.T) {
	f := newFixture(t, 2)
	meta := map[string]interface{}{"timestamp": int64(1712345678901)}

	res1, err := f.mgr.UpdatePlayerLocation(f.ctx, f.users[1], "ROOM01", models.LocationGame, meta)
	require.NoError(t, err)
	assert.True(t, res1.Applied)

	res2, err := f.mgr.UpdatePlayerLocation(f.ctx, f.users[1], "ROOM01", models.LocationGame, meta)
	require.NoError(t, err)
	assert.False(t, res2.Applied, "retry must be a no-op")
	assert.Equal(t, 1, f.mb.snapshotCount(), "retry must not emit a second snapshot")
}

// Connection/location coherence: every mutation keeps the denormalized
// columns in lockstep.
func TestPresenceCoherence(t *testing.T) {
	f := newFixture(t, 2)

	for _, loc := range []models.Location{models.LocationGame, models.LocationDisconnected, models.LocationLobby} {
		_, err := f.mgr.UpdatePlayerLocation(f.ctx, f.users[1], "ROOM01", loc, nil)
		require.NoError(t, err)
		r := f.loadRoom(t)
		mem := r.Member(f.users[1])
		require.NotNil(t, mem)
		assert.Equal(t, mem.IsConnected, mem.CurrentLocation != models.LocationDisconnected)
		if mem.InGame {
			assert.Equal(t, models.LocationGame, mem.CurrentLocation)
		}
	}
}

func TestSnapshotMonotonicity(t *testing.T) {
	f := newFixture(t, 2)

	for i := 0; i < 5; i++ {
		loc := models.LocationGame
		if i%2 == 1 {
			loc = models.LocationLobby
		}
		_, err := f.mgr.UpdatePlayerLocation(f.ctx, f.users[1], "ROOM01", loc, nil)
		require.NoError(t, err)
	}

	f.mb.mu.Lock()
	defer f.mb.mu.Unlock()
	require.GreaterOrEqual(t, len(f.mb.snapshots), 2)
	for i := 1; i < len(f.mb.snapshots); i++ {
		assert.Greater(t, f.mb.snapshots[i].RoomVersion, f.mb.snapshots[i-1].RoomVersion,
			"roomVersion must be strictly increasing")
	}
}

func TestHandleGameEndReturnsEveryoneToLobby(t *testing.T) {
	f := newFixture(t, 3)
	f.setAllInGame(t)
	before := f.mb.snapshotCount()

	require.NoError(t, f.mgr.HandleGameEnd(f.ctx, "ROOM01", map[string]interface{}{"winner": f.users[1].String()}, "game_end"))

	r := f.loadRoom(t)
	assert.Equal(t, models.RoomStatusLobby, r.Status)
	assert.Nil(t, r.CurrentGame)
	for _, mem := range r.ActiveMembers() {
		assert.True(t, mem.IsConnected)
		assert.False(t, mem.InGame)
		assert.Equal(t, models.LocationLobby, mem.CurrentLocation)
	}
	// Host unchanged.
	require.NotNil(t, r.Host())
	assert.Equal(t, f.users[0], r.Host().UserID)

	assert.Equal(t, before+1, f.mb.snapshotCount(), "exactly one snapshot for the whole return")
	snap := f.mb.lastSnapshot()
	assert.Equal(t, "return_all", snap.Reason)
}

func TestHandleGameEndIdempotent(t *testing.T) {
	f := newFixture(t, 2)
	f.setAllInGame(t)

	require.NoError(t, f.mgr.HandleGameEnd(f.ctx, "ROOM01", nil, "game_end"))
	count := f.mb.snapshotCount()
	require.NoError(t, f.mgr.HandleGameEnd(f.ctx, "ROOM01", nil, "game_end"))
	assert.Equal(t, count, f.mb.snapshotCount(), "duplicate game-end must not re-emit")
}

// A location=disconnected update arriving inside return_in_progress_until is
// dropped without mutating member rows.
func TestReturnGraceSuppressesDisconnects(t *testing.T) {
	f := newFixture(t, 3)
	f.setAllInGame(t)

	require.NoError(t, f.mgr.RequestReturnAll(f.ctx, "ROOM01", "external"))
	count := f.mb.snapshotCount()

	for _, u := range f.users {
		res, err := f.mgr.UpdatePlayerLocation(f.ctx, u, "ROOM01", models.LocationDisconnected, nil)
		require.NoError(t, err)
		assert.True(t, res.Deferred, "disconnect inside the grace window must be deferred")
		assert.False(t, res.Applied)
	}

	r := f.loadRoom(t)
	for _, mem := range r.ActiveMembers() {
		assert.Equal(t, models.LocationLobby, mem.CurrentLocation)
		assert.True(t, mem.IsConnected)
	}
	assert.Equal(t, count, f.mb.snapshotCount(), "deferred updates must not emit snapshots")
}

func TestRequestReturnAllBroadcastsGroupReturn(t *testing.T) {
	f := newFixture(t, 2)
	f.setAllInGame(t)

	require.NoError(t, f.mgr.RequestReturnAll(f.ctx, "ROOM01", "host"))

	f.mb.mu.Lock()
	defer f.mb.mu.Unlock()
	found := false
	for _, ev := range f.mb.events {
		if ev["event"] == "server:return-to-gb" {
			found = true
			assert.Equal(t, "group", ev["mode"])
		}
	}
	assert.True(t, found, "group return must broadcast server:return-to-gb")
}

func TestHeartbeatShouldReturnAndAcks(t *testing.T) {
	f := newFixture(t, 2)
	f.setAllInGame(t)

	res, err := f.mgr.HandleHeartbeat(f.ctx, f.users[0], "ROOM01", "", nil)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, res.ShouldReturn)

	require.NoError(t, f.mgr.RequestReturnAll(f.ctx, "ROOM01", "external"))

	res, err = f.mgr.HandleHeartbeat(f.ctx, f.users[0], "ROOM01", "", nil)
	require.NoError(t, err)
	assert.True(t, res.ShouldReturn)

	// Second player acks; flag clears once every connected member has acked.
	res, err = f.mgr.HandleHeartbeat(f.ctx, f.users[1], "ROOM01", "", nil)
	require.NoError(t, err)
	assert.True(t, res.ShouldReturn)

	res, err = f.mgr.HandleHeartbeat(f.ctx, f.users[0], "ROOM01", "", nil)
	require.NoError(t, err)
	assert.False(t, res.ShouldReturn, "pendingReturn clears after all connected members ack")
}

// Bulk update with one unknown player: per-player results carry one failure,
// the rest apply, and exactly one snapshot goes out.
func TestBulkUpdatePartialFailure(t *testing.T) {
	f := newFixture(t, 5)
	stranger := uuid.New()

	updates := []StatusUpdate{
		{UserID: f.users[0], Location: models.LocationGame},
		{UserID: f.users[1], Location: models.LocationGame},
		{UserID: stranger, Location: models.LocationGame},
		{UserID: f.users[3], Location: models.LocationGame},
		{UserID: f.users[4], Location: models.LocationGame},
	}
	results, err := f.mgr.BulkUpdatePlayerStatus(f.ctx, "ROOM01", updates, "bulk")
	require.NoError(t, err)
	require.Len(t, results, 5)

	applied, failed := 0, 0
	for _, r := range results {
		if r.Applied {
			applied++
		}
		if r.Error != "" {
			failed++
		}
	}
	assert.Equal(t, 4, applied)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, f.mb.snapshotCount(), "bulk update emits exactly one snapshot")
}

func TestSweeperPromotesIdleHostAndTransfers(t *testing.T) {
	f := newFixture(t, 2)

	// Host's last ping is ancient; Bob is fresh.
	r := f.loadRoom(t)
	host := r.Member(f.users[0])
	host.LastPing = time.Now().Add(-10 * time.Minute)
	_, err := f.repo.UpdateMember(context.Background(), host)
	require.NoError(t, err)

	f.mgr.Sweep(f.ctx, 24*time.Hour)

	r = f.loadRoom(t)
	alice := r.Member(f.users[0])
	assert.False(t, alice.IsConnected)
	assert.Equal(t, models.LocationDisconnected, alice.CurrentLocation)

	h := r.Host()
	require.NotNil(t, h, "single-host invariant must hold after sweep")
	assert.Equal(t, f.users[1], h.UserID)
	assert.Equal(t, f.users[1], r.HostID)
}

func TestSweeperAbandonsIdleEmptyRoom(t *testing.T) {
	f := newFixture(t, 1)

	r := f.loadRoom(t)
	mem := r.Member(f.users[0])
	mem.SetPresence(models.PresenceDisconnected)
	mem.LastPing = time.Now().Add(-48 * time.Hour)
	_, err := f.repo.UpdateMember(context.Background(), mem)
	require.NoError(t, err)

	f.mgr.Sweep(f.ctx, time.Nanosecond)

	rooms, err := f.repo.ListRoomsByStatus(context.Background(), models.RoomStatusAbandoned)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}

func TestAbandonRoomDisconnectsEveryone(t *testing.T) {
	f := newFixture(t, 3)

	require.NoError(t, f.mgr.AbandonRoom(f.ctx, "ROOM01", "game room destroyed"))

	r := f.loadRoom(t)
	assert.Equal(t, models.RoomStatusAbandoned, r.Status)
	for _, mem := range r.Members {
		assert.False(t, mem.IsConnected)
		assert.Equal(t, models.LocationDisconnected, mem.CurrentLocation)
	}
}

func TestSyncRoomStatusRebroadcasts(t *testing.T) {
	f := newFixture(t, 2)
	require.NoError(t, f.mgr.SyncRoomStatus(f.ctx, "ROOM01"))
	assert.Equal(t, 1, f.mb.snapshotCount())
	assert.Equal(t, "sync", f.mb.lastSnapshot().Reason)
}

// The presence a heartbeat restores follows the room state: a lobby room must
// not put a disconnected member back in game.
func TestHeartbeatRestorePresenceFollowsRoomState(t *testing.T) {
	f := newFixture(t, 2)

	_, err := f.mgr.UpdatePlayerLocation(f.ctx, f.users[1], "ROOM01", models.LocationDisconnected, nil)
	require.NoError(t, err)

	res, err := f.mgr.HandleHeartbeat(f.ctx, f.users[1], "ROOM01", "", nil)
	require.NoError(t, err)
	assert.True(t, res.OK)

	r := f.loadRoom(t)
	mem := r.Member(f.users[1])
	assert.True(t, mem.IsConnected)
	assert.False(t, mem.InGame, "lobby room must restore to lobby, not game")
	assert.Equal(t, models.LocationLobby, mem.CurrentLocation)

	// Mid-game the same heartbeat restores the in-game presence.
	f.setAllInGame(t)
	_, err = f.mgr.UpdatePlayerLocation(f.ctx, f.users[1], "ROOM01", models.LocationDisconnected, nil)
	require.NoError(t, err)
	_, err = f.mgr.HandleHeartbeat(f.ctx, f.users[1], "ROOM01", "", nil)
	require.NoError(t, err)

	r = f.loadRoom(t)
	mem = r.Member(f.users[1])
	assert.True(t, mem.IsConnected)
	assert.True(t, mem.InGame)
	assert.Equal(t, models.LocationGame, mem.CurrentLocation)
}

// failingMemberRepo injects transient member-write failures.
type failingMemberRepo struct {
	database.Repository
	mu    sync.Mutex
	fails int
}

func (r *failingMemberRepo) UpdateMember(ctx context.Context, m *models.RoomMember) (*models.RoomMember, error) {
	r.mu.Lock()
	if r.fails > 0 {
		r.fails--
		r.mu.Unlock()
		return nil, errors.New("transient write failure")
	}
	r.mu.Unlock()
	return r.Repository.UpdateMember(ctx, m)
}

// A retry of the exact same push after a failed member write must apply: the
// dedup key is recorded only once the write lands.
func TestStatusPushRetryAfterFailedWrite(t *testing.T) {
	f := newFixture(t, 2)
	flaky := &failingMemberRepo{Repository: f.repo, fails: 1}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	mgr := NewManager(flaky, logger, f.mb, nil, 15*time.Second, 45*time.Second)
	t.Cleanup(mgr.Stop)

	meta := map[string]interface{}{"timestamp": int64(1712345678901)}
	_, err := mgr.UpdatePlayerLocation(f.ctx, f.users[1], "ROOM01", models.LocationGame, meta)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeDatabaseError, apierr.Code(err))

	res, err := mgr.UpdatePlayerLocation(f.ctx, f.users[1], "ROOM01", models.LocationGame, meta)
	require.NoError(t, err)
	assert.True(t, res.Applied, "retry of a failed push must apply")

	res, err = mgr.UpdatePlayerLocation(f.ctx, f.users[1], "ROOM01", models.LocationGame, meta)
	require.NoError(t, err)
	assert.False(t, res.Applied, "an applied push still dedups")
}

func TestUpdatePlayerLocationRejectsUnknownLocation(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.mgr.UpdatePlayerLocation(f.ctx, f.users[0], "ROOM01", models.Location("warp"), nil)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeValidation, apierr.Code(err))
}
