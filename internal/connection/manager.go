// Package connection tracks the transport plane: which sockets exist, which
// user and room each one is attached to. The maps here are the only mutable
// process-wide state; everything else rebuilds from the durable store.
package connection

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conn is the record attached to one socket id.
type Conn struct {
	SocketID    string
	UserID      uuid.UUID
	RoomCode    string
	ConnectedAt time.Time
}

// UserConn is a (socket, room) pair, as returned by GetUserConnections.
type UserConn struct {
	SocketID string
	RoomCode string
}

// Stats is the process-wide connection summary.
type Stats struct {
	TotalConnections int `json:"totalConnections"`
	ActiveRooms      int `json:"activeRooms"`
	ActiveUsers      int `json:"activeUsers"`
}

// Manager owns the socket/user/room mappings. A user may hold several
// sockets (tabs); each is tracked independently.
type Manager struct {
	mu       sync.Mutex
	bySocket map[string]*Conn
	byUser   map[uuid.UUID]map[string]struct{}
	byRoom   map[string]map[string]struct{}

	maxConnPerUser int
}

// NewManager returns an empty manager. maxConnPerUser of 0 disables the cap.
func NewManager(maxConnPerUser int) *Manager {
	return &Manager{
		bySocket:       make(map[string]*Conn),
		byUser:         make(map[uuid.UUID]map[string]struct{}),
		byRoom:         make(map[string]map[string]struct{}),
		maxConnPerUser: maxConnPerUser,
	}
}

// Register attaches a socket to a user and room. Idempotent: re-registering
// the same socket moves it to the new room. Returns false when the user is
// already at the connection cap.
func (m *Manager) Register(socketID string, userID uuid.UUID, roomCode string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.bySocket[socketID]; ok {
		// Same socket re-registering; detach from the old room first.
		if existing.RoomCode != "" && existing.RoomCode != roomCode {
			m.detachFromRoomLocked(existing.RoomCode, socketID)
		}
		existing.UserID = userID
		existing.RoomCode = roomCode
	} else {
		if m.maxConnPerUser > 0 && len(m.byUser[userID]) >= m.maxConnPerUser {
			return false
		}
		m.bySocket[socketID] = &Conn{
			SocketID:    socketID,
			UserID:      userID,
			RoomCode:    roomCode,
			ConnectedAt: time.Now().UTC(),
		}
	}

	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]struct{})
	}
	m.byUser[userID][socketID] = struct{}{}

	if roomCode != "" {
		if m.byRoom[roomCode] == nil {
			m.byRoom[roomCode] = make(map[string]struct{})
		}
		m.byRoom[roomCode][socketID] = struct{}{}
	}
	return true
}

// Disconnect removes all mappings for a socket and returns what it was
// attached to. ok is false for unknown sockets.
func (m *Manager) Disconnect(socketID string) (userID uuid.UUID, roomCode string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, exists := m.bySocket[socketID]
	if !exists {
		return uuid.Nil, "", false
	}
	delete(m.bySocket, socketID)

	if set, ok := m.byUser[conn.UserID]; ok {
		delete(set, socketID)
		if len(set) == 0 {
			delete(m.byUser, conn.UserID)
		}
	}
	m.detachFromRoomLocked(conn.RoomCode, socketID)
	return conn.UserID, conn.RoomCode, true
}

func (m *Manager) detachFromRoomLocked(roomCode, socketID string) {
	if roomCode == "" {
		return
	}
	if set, ok := m.byRoom[roomCode]; ok {
		delete(set, socketID)
		if len(set) == 0 {
			delete(m.byRoom, roomCode)
		}
	}
}

// Get returns the record for one socket.
func (m *Manager) Get(socketID string) (Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.bySocket[socketID]
	if !ok {
		return Conn{}, false
	}
	return *c, true
}

// GetUserConnections lists every (socket, room) a user currently holds. Used
// to deliver out-of-band notifications such as achievement unlocks.
func (m *Manager) GetUserConnections(userID uuid.UUID) []UserConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []UserConn
	for socketID := range m.byUser[userID] {
		if c, ok := m.bySocket[socketID]; ok {
			out = append(out, UserConn{SocketID: socketID, RoomCode: c.RoomCode})
		}
	}
	return out
}

// GetRoomSockets lists the socket ids attached to a room; used for fan-out.
func (m *Manager) GetRoomSockets(roomCode string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.byRoom[roomCode]))
	for socketID := range m.byRoom[roomCode] {
		out = append(out, socketID)
	}
	return out
}

// GetStats summarizes the live maps.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		TotalConnections: len(m.bySocket),
		ActiveRooms:      len(m.byRoom),
		ActiveUsers:      len(m.byUser),
	}
}
