// Package ws is the client socket gateway: it accepts websocket connections,
// dispatches client events to the lobby and status sync managers, and fans
// authoritative snapshots back out.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gamebuddies/orchestrator/internal/connection"
	"github.com/gamebuddies/orchestrator/internal/models"
)

// outChanSize bounds each socket's outgoing queue. A slow client drops
// messages rather than stalling the fan-out; the next snapshot resyncs it.
const outChanSize = 16

// client is one live socket.
type client struct {
	socketID string
	userID   uuid.UUID
	conn     *websocket.Conn
	out      chan map[string]interface{}
	cancel   context.CancelFunc
}

// Hub implements snapshot/event fan-out over the connection manager's maps.
// It is the Broadcaster for the status sync manager and the Notifier for the
// progress pipeline.
type Hub struct {
	conns  *connection.Manager
	logger *logrus.Logger

	mu      sync.Mutex
	clients map[string]*client
}

// NewHub wires a hub over the connection manager.
func NewHub(conns *connection.Manager, logger *logrus.Logger) *Hub {
	return &Hub{
		conns:   conns,
		logger:  logger,
		clients: make(map[string]*client),
	}
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.socketID] = c
}

func (h *Hub) removeClient(socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[socketID]; ok {
		delete(h.clients, socketID)
		c.cancel()
	}
}

func (h *Hub) getClient(socketID string) (*client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[socketID]
	return c, ok
}

// send queues a payload without blocking. Full queues drop; clients recover
// from the next snapshot.
func (h *Hub) send(socketID string, payload map[string]interface{}) {
	c, ok := h.getClient(socketID)
	if !ok {
		return
	}
	select {
	case c.out <- payload:
	default:
		h.logger.WithFields(logrus.Fields{
			"socket": socketID, "user": c.userID,
		}).Warn("dropping message for slow socket")
	}
}

// BroadcastSnapshot fans the authoritative snapshot out to every socket in
// the room. For streamer-mode rooms, sockets whose user is not in the player
// list get the redacted copy with the room code blanked.
func (h *Hub) BroadcastSnapshot(roomCode string, snap models.Snapshot) {
	members := make(map[string]struct{}, len(snap.Players))
	for _, p := range snap.Players {
		members[p.ID] = struct{}{}
	}
	redacted := snap.Redacted()

	for _, socketID := range h.conns.GetRoomSockets(roomCode) {
		c, ok := h.getClient(socketID)
		if !ok {
			continue
		}
		out := snap
		if snap.Room.StreamerMode {
			if _, isMember := members[c.userID.String()]; !isMember {
				out = redacted
			}
		}
		h.send(socketID, map[string]interface{}{
			"event":    "playerStatusUpdated",
			"snapshot": out,
		})
	}
}

// BroadcastEvent fans a named event to every socket in the room.
func (h *Hub) BroadcastEvent(roomCode string, event string, payload map[string]interface{}) {
	msg := map[string]interface{}{"event": event}
	for k, v := range payload {
		msg[k] = v
	}
	for _, socketID := range h.conns.GetRoomSockets(roomCode) {
		h.send(socketID, msg)
	}
}

// NotifyUser delivers an out-of-band message to every socket a user holds,
// in whatever rooms. Achievement unlocks and level-ups arrive this way.
func (h *Hub) NotifyUser(userID uuid.UUID, event string, payload map[string]interface{}) {
	msg := map[string]interface{}{"event": event}
	for k, v := range payload {
		msg[k] = v
	}
	for _, uc := range h.conns.GetUserConnections(userID) {
		h.send(uc.SocketID, msg)
	}
}

// CloseUserSockets force-closes a user's sockets in one room. Used after a
// kick.
func (h *Hub) CloseUserSockets(userID uuid.UUID, roomCode string, reason string) {
	for _, uc := range h.conns.GetUserConnections(userID) {
		if uc.RoomCode != roomCode {
			continue
		}
		if c, ok := h.getClient(uc.SocketID); ok {
			// The read pump sees the closure and runs its normal cleanup.
			_ = c.conn.Close(websocket.StatusPolicyViolation, reason)
		}
	}
}

// sendError writes the shared error envelope to one socket.
func (h *Hub) sendError(socketID string, env interface{}) {
	h.send(socketID, map[string]interface{}{
		"event":    "error",
		"envelope": env,
	})
}

// writePump drains the client's queue onto the wire and keeps the connection
// alive with pings.
func (h *Hub) writePump(ctx context.Context, c *client, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.out:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := writeJSON(writeCtx, c.conn, msg)
			cancel()
			if err != nil {
				h.logger.Debugf("write failed for socket %s: %v", c.socketID, err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				h.logger.Debugf("ping failed for socket %s: %v", c.socketID, err)
				return
			}
		}
	}
}
