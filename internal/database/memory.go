package database

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gamebuddies/orchestrator/internal/models"
)

// Memory is an in-process Repository. It backs the test suite and fake-store
// runs; the durable store remains the source of truth in production.
type Memory struct {
	mu           sync.Mutex
	users        map[uuid.UUID]*models.User
	rooms        map[uuid.UUID]*models.Room
	members      map[uuid.UUID]map[uuid.UUID]*models.RoomMember // roomID -> userID -> member
	sessions     map[uuid.UUID]*models.PlayerSession
	games        map[uuid.UUID]*models.GameDefinition
	apiKeys      []*models.APIKey
	events       []*models.EventLog
	stats        map[uuid.UUID]*models.UserStats
	achievements []*models.Achievement
	unlocked     map[uuid.UUID]map[uuid.UUID]bool // userID -> achievementID
}

var _ Repository = (*Memory)(nil)

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[uuid.UUID]*models.User),
		rooms:    make(map[uuid.UUID]*models.Room),
		members:  make(map[uuid.UUID]map[uuid.UUID]*models.RoomMember),
		sessions: make(map[uuid.UUID]*models.PlayerSession),
		games:    make(map[uuid.UUID]*models.GameDefinition),
		stats:    make(map[uuid.UUID]*models.UserStats),
		unlocked: make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

// SeedGame registers a game definition.
func (m *Memory) SeedGame(g *models.GameDefinition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.games[g.ID] = g
}

// SeedAPIKey registers an API key.
func (m *Memory) SeedAPIKey(k *models.APIKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKeys = append(m.apiKeys, k)
}

// SeedAchievement registers an achievement definition.
func (m *Memory) SeedAchievement(a *models.Achievement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.achievements = append(m.achievements, a)
}

// Events returns a copy of the logged events, oldest first.
func (m *Memory) Events() []*models.EventLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.EventLog, len(m.events))
	copy(out, m.events)
	return out
}

func copyMember(src *models.RoomMember) *models.RoomMember {
	c := *src
	if src.User != nil {
		u := *src.User
		c.User = &u
	}
	return &c
}

func (m *Memory) copyRoomLocked(r *models.Room) *models.Room {
	c := *r
	c.Metadata = make(map[string]interface{}, len(r.Metadata))
	for k, v := range r.Metadata {
		c.Metadata[k] = v
	}
	c.Members = nil
	mem := m.members[r.ID]
	for _, rm := range mem {
		mc := copyMember(rm)
		if u, ok := m.users[rm.UserID]; ok {
			uc := *u
			mc.User = &uc
		}
		c.Members = append(c.Members, mc)
	}
	sort.Slice(c.Members, func(i, j int) bool {
		return c.Members[i].JoinedAt.Before(c.Members[j].JoinedAt)
	})
	return &c
}

func (m *Memory) GetUserByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}

func (m *Memory) UpsertUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *u
	m.users[u.ID] = &c
	return nil
}

func (m *Memory) TouchLastSeen(_ context.Context, userID uuid.UUID, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.LastSeen = t
	}
	return nil
}

func (m *Memory) CreateRoomWithHost(_ context.Context, room *models.Room, host *models.RoomMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc := *room
	rc.Members = nil
	if rc.Metadata == nil {
		rc.Metadata = map[string]interface{}{}
	}
	m.rooms[room.ID] = &rc
	m.members[room.ID] = map[uuid.UUID]*models.RoomMember{
		host.UserID: copyMember(host),
	}
	return nil
}

func (m *Memory) findRoomByCodeLocked(code string) *models.Room {
	for _, r := range m.rooms {
		if strings.EqualFold(r.Code, code) && r.Status.Live() {
			return r
		}
	}
	return nil
}

func (m *Memory) GetRoomByCode(_ context.Context, code string) (*models.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.findRoomByCodeLocked(code)
	if r == nil {
		return nil, ErrNotFound
	}
	return m.copyRoomLocked(r), nil
}

func (m *Memory) GetRoomByID(_ context.Context, id uuid.UUID) (*models.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.copyRoomLocked(r), nil
}

func (m *Memory) RoomCodeInUse(_ context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findRoomByCodeLocked(code) != nil, nil
}

func (m *Memory) UpdateRoom(_ context.Context, room *models.Room) (*models.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.rooms[room.ID]
	if !ok {
		return nil, ErrNotFound
	}
	rc := *room
	rc.Members = nil
	rc.Code = stored.Code // room_code is immutable
	rc.LastActivity = time.Now().UTC()
	if rc.Metadata == nil {
		rc.Metadata = map[string]interface{}{}
	}
	m.rooms[room.ID] = &rc
	return m.copyRoomLocked(&rc), nil
}

func (m *Memory) ListRoomsByStatus(_ context.Context, statuses ...models.RoomStatus) ([]*models.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Room
	for _, r := range m.rooms {
		for _, s := range statuses {
			if r.Status == s {
				out = append(out, m.copyRoomLocked(r))
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) UpsertMember(_ context.Context, mem *models.RoomMember) (*models.RoomMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byUser, ok := m.members[mem.RoomID]
	if !ok {
		return nil, ErrNotFound
	}
	if existing, ok := byUser[mem.UserID]; ok {
		updated := copyMember(mem)
		updated.JoinedAt = existing.JoinedAt
		if updated.CustomLobbyName == nil {
			updated.CustomLobbyName = existing.CustomLobbyName
		}
		updated.LeftAt = nil
		byUser[mem.UserID] = updated
		return copyMember(updated), nil
	}
	byUser[mem.UserID] = copyMember(mem)
	return copyMember(mem), nil
}

func (m *Memory) UpdateMember(_ context.Context, mem *models.RoomMember) (*models.RoomMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byUser, ok := m.members[mem.RoomID]
	if !ok {
		return nil, ErrNotFound
	}
	if _, ok := byUser[mem.UserID]; !ok {
		return nil, ErrNotFound
	}
	byUser[mem.UserID] = copyMember(mem)
	return copyMember(mem), nil
}

func (m *Memory) RemoveMember(_ context.Context, roomID, userID uuid.UUID, leftAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byUser, ok := m.members[roomID]
	if !ok {
		return ErrNotFound
	}
	mem, ok := byUser[userID]
	if !ok {
		return ErrNotFound
	}
	t := leftAt
	mem.LeftAt = &t
	mem.SetPresence(models.PresenceDisconnected)
	mem.SocketID = nil
	return nil
}

func (m *Memory) UpdateRoomMembersBulk(_ context.Context, roomID uuid.UUID, patch MemberPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byUser, ok := m.members[roomID]
	if !ok {
		return ErrNotFound
	}
	for _, mem := range byUser {
		if mem.LeftAt != nil {
			continue
		}
		if patch.Presence != nil {
			mem.SetPresence(*patch.Presence)
		}
		if patch.IsReady != nil {
			mem.IsReady = *patch.IsReady
		}
		if patch.LastPing != nil {
			mem.LastPing = *patch.LastPing
		}
		if patch.ClearSocket {
			mem.SocketID = nil
		}
	}
	return nil
}

func (m *Memory) TransferHost(_ context.Context, roomID, fromUserID, toUserID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byUser, ok := m.members[roomID]
	if !ok {
		return ErrNotFound
	}
	target, ok := byUser[toUserID]
	if !ok || target.LeftAt != nil {
		return ErrNotFound
	}
	if from, ok := byUser[fromUserID]; ok && from.Role == models.RoleHost {
		from.Role = models.RolePlayer
	}
	target.Role = models.RoleHost
	if r, ok := m.rooms[roomID]; ok {
		r.HostID = toUserID
	}
	return nil
}

func (m *Memory) InsertSession(_ context.Context, s *models.PlayerSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.sessions[s.ID] = &c
	return nil
}

func (m *Memory) GetSessionByToken(_ context.Context, token string) (*models.PlayerSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Token == token {
			c := *s
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateSessionStatus(_ context.Context, id uuid.UUID, status models.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	return nil
}

func (m *Memory) ExpireSessions(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if s.Status == models.SessionActive && !s.ExpiresAt.After(now) {
			s.Status = models.SessionExpired
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetGameByID(_ context.Context, id uuid.UUID) (*models.GameDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *g
	return &c, nil
}

func (m *Memory) GetGameByServiceName(_ context.Context, serviceName string) (*models.GameDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.games {
		if g.ServiceName == serviceName {
			c := *g
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListActiveAPIKeys(_ context.Context) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.apiKeys {
		if k.IsActive {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *Memory) LogEvent(_ context.Context, roomID uuid.UUID, userID *uuid.UUID, eventType string, data map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, &models.EventLog{
		ID:        int64(len(m.events) + 1),
		RoomID:    roomID,
		UserID:    userID,
		EventType: eventType,
		EventData: data,
		CreatedAt: time.Now().UTC(),
	})
}

func (m *Memory) GetUserStats(_ context.Context, userID uuid.UUID) (*models.UserStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[userID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s
	return &c, nil
}

func (m *Memory) AddUserXP(_ context.Context, userID uuid.UUID, delta int) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	u.XP += delta
	u.Level = LevelForXP(u.XP)
	s, ok := m.stats[userID]
	if !ok {
		s = &models.UserStats{UserID: userID}
		m.stats[userID] = s
	}
	s.TotalXP += delta
	s.UpdatedAt = time.Now().UTC()
	c := *u
	return &c, nil
}

func (m *Memory) RecordGamePlayed(_ context.Context, userID uuid.UUID, won bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[userID]
	if !ok {
		s = &models.UserStats{UserID: userID}
		m.stats[userID] = s
	}
	s.GamesPlayed++
	if won {
		s.GamesWon++
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ListAchievements(_ context.Context) ([]*models.Achievement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Achievement, len(m.achievements))
	copy(out, m.achievements)
	return out, nil
}

func (m *Memory) UnlockAchievement(_ context.Context, userID, achievementID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byAch, ok := m.unlocked[userID]
	if !ok {
		byAch = make(map[uuid.UUID]bool)
		m.unlocked[userID] = byAch
	}
	if byAch[achievementID] {
		return false, nil
	}
	byAch[achievementID] = true
	return true, nil
}
