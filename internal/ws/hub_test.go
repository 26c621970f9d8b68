package ws

import (
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamebuddies/orchestrator/internal/connection"
	"github.com/gamebuddies/orchestrator/internal/models"
)

func newTestHub() (*Hub, *connection.Manager) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	conns := connection.NewManager(0)
	return NewHub(conns, logger), conns
}

// attach registers a fake socket for a user in a room and returns its queue.
func attach(t *testing.T, h *Hub, conns *connection.Manager, userID uuid.UUID, roomCode string) (string, chan map[string]interface{}) {
	t.Helper()
	socketID := uuid.New().String()
	require.True(t, conns.Register(socketID, userID, roomCode))
	c := &client{
		socketID: socketID,
		userID:   userID,
		out:      make(chan map[string]interface{}, outChanSize),
		cancel:   func() {},
	}
	h.addClient(c)
	return socketID, c.out
}

func drain(ch chan map[string]interface{}) []map[string]interface{} {
	var out []map[string]interface{}
	for {
		select {
		case msg := <-ch:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func memberSnapshot(code string, streamer bool, playerIDs ...uuid.UUID) models.Snapshot {
	snap := models.Snapshot{
		Reason:      "status_change",
		RoomVersion: 7,
		Source:      "test",
		Room: models.SnapshotRoom{
			Code:         code,
			Status:       models.RoomStatusLobby,
			StreamerMode: streamer,
			MaxPlayers:   8,
		},
	}
	for _, id := range playerIDs {
		snap.Players = append(snap.Players, models.SnapshotPlayer{ID: id.String()})
	}
	return snap
}

func TestBroadcastSnapshotFansOutToRoom(t *testing.T) {
	h, conns := newTestHub()
	u1, u2, u3 := uuid.New(), uuid.New(), uuid.New()
	_, out1 := attach(t, h, conns, u1, "ROOM01")
	_, out2 := attach(t, h, conns, u2, "ROOM01")
	_, out3 := attach(t, h, conns, u3, "OTHER1")

	h.BroadcastSnapshot("ROOM01", memberSnapshot("ROOM01", false, u1, u2))

	msgs1 := drain(out1)
	require.Len(t, msgs1, 1)
	assert.Equal(t, "playerStatusUpdated", msgs1[0]["event"])
	snap := msgs1[0]["snapshot"].(models.Snapshot)
	assert.Equal(t, "ROOM01", snap.Room.Code)
	assert.Equal(t, int64(7), snap.RoomVersion)

	assert.Len(t, drain(out2), 1)
	assert.Empty(t, drain(out3), "other rooms must not receive the snapshot")
}

func TestBroadcastSnapshotRedactsForNonMembers(t *testing.T) {
	h, conns := newTestHub()
	member, spectator := uuid.New(), uuid.New()
	_, memberOut := attach(t, h, conns, member, "ROOM01")
	_, spectatorOut := attach(t, h, conns, spectator, "ROOM01")

	// Streamer room: the spectator's socket is in the room fan-out but its
	// user is not a player, so the code must be blanked for it.
	h.BroadcastSnapshot("ROOM01", memberSnapshot("ROOM01", true, member))

	memberMsgs := drain(memberOut)
	require.Len(t, memberMsgs, 1)
	assert.Equal(t, "ROOM01", memberMsgs[0]["snapshot"].(models.Snapshot).Room.Code)

	spectatorMsgs := drain(spectatorOut)
	require.Len(t, spectatorMsgs, 1)
	assert.Empty(t, spectatorMsgs[0]["snapshot"].(models.Snapshot).Room.Code)
}

func TestBroadcastSnapshotNoRedactionWithoutStreamerMode(t *testing.T) {
	h, conns := newTestHub()
	member, spectator := uuid.New(), uuid.New()
	_, _ = attach(t, h, conns, member, "ROOM01")
	_, spectatorOut := attach(t, h, conns, spectator, "ROOM01")

	h.BroadcastSnapshot("ROOM01", memberSnapshot("ROOM01", false, member))

	msgs := drain(spectatorOut)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ROOM01", msgs[0]["snapshot"].(models.Snapshot).Room.Code)
}

func TestBroadcastEvent(t *testing.T) {
	h, conns := newTestHub()
	u1 := uuid.New()
	_, out := attach(t, h, conns, u1, "ROOM01")

	h.BroadcastEvent("ROOM01", "chat", map[string]interface{}{"message": "gg"})

	msgs := drain(out)
	require.Len(t, msgs, 1)
	assert.Equal(t, "chat", msgs[0]["event"])
	assert.Equal(t, "gg", msgs[0]["message"])
}

func TestNotifyUserReachesEverySocket(t *testing.T) {
	h, conns := newTestHub()
	user := uuid.New()
	_, tab1 := attach(t, h, conns, user, "ROOM01")
	_, tab2 := attach(t, h, conns, user, "")
	_, other := attach(t, h, conns, uuid.New(), "ROOM01")

	h.NotifyUser(user, "achievementUnlocked", map[string]interface{}{"achievement": "first_win"})

	require.Len(t, drain(tab1), 1)
	require.Len(t, drain(tab2), 1)
	assert.Empty(t, drain(other))
}

func TestSendDropsWhenQueueFull(t *testing.T) {
	h, conns := newTestHub()
	user := uuid.New()
	socketID, out := attach(t, h, conns, user, "ROOM01")

	for i := 0; i < outChanSize+5; i++ {
		h.send(socketID, map[string]interface{}{"event": "tick", "n": i})
	}
	assert.Len(t, drain(out), outChanSize, "overflow must drop, not block")
}

func TestRemoveClientStopsDelivery(t *testing.T) {
	h, conns := newTestHub()
	user := uuid.New()
	socketID, out := attach(t, h, conns, user, "ROOM01")

	h.removeClient(socketID)
	h.send(socketID, map[string]interface{}{"event": "tick"})
	assert.Empty(t, drain(out))
}
