// Package statussync reconciles player presence across socket events,
// external-game REST updates, and the periodic sweeper, and emits the
// authoritative room snapshot. All writes and emissions for one room funnel
// through that room's actor, so snapshots are totally ordered per room.
package statussync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gamebuddies/orchestrator/internal/apierr"
	"github.com/gamebuddies/orchestrator/internal/cache"
	"github.com/gamebuddies/orchestrator/internal/database"
	"github.com/gamebuddies/orchestrator/internal/models"
)

// Broadcaster delivers payloads to every socket in a room. Emission failures
// never fail the operation that triggered them.
type Broadcaster interface {
	BroadcastSnapshot(roomCode string, snap models.Snapshot)
	BroadcastEvent(roomCode string, event string, payload map[string]interface{})
}

// StatusUpdate is one entry of a bulk status push.
type StatusUpdate struct {
	UserID    uuid.UUID              `json:"userId"`
	Location  models.Location        `json:"location"`
	GameData  map[string]interface{} `json:"gameData,omitempty"`
	Timestamp int64                  `json:"timestamp,omitempty"`
}

// UpdateResult is the per-player outcome of a status push.
type UpdateResult struct {
	UserID   uuid.UUID `json:"userId"`
	Applied  bool      `json:"applied"`
	Deferred bool      `json:"deferred,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// HeartbeatResult is returned to the external game on every heartbeat.
type HeartbeatResult struct {
	OK           bool `json:"ok"`
	ShouldReturn bool `json:"shouldReturn"`
}

// Manager is the status synchronizer. It owns all writes to is_connected,
// in_game, current_location and last_ping.
type Manager struct {
	repo        database.Repository
	logger      *logrus.Logger
	broadcaster Broadcaster
	queue       *cache.Queue // optional; nil disables queue publishing

	returnGrace   time.Duration
	idleThreshold time.Duration

	mu       sync.Mutex
	actors   map[string]*roomActor
	versions map[string]int64
	seen     map[string]map[string]time.Time // roomCode -> dedup key -> seen at
}

// NewManager wires a status sync manager. queue may be nil.
func NewManager(repo database.Repository, logger *logrus.Logger, broadcaster Broadcaster, queue *cache.Queue, returnGrace, idleThreshold time.Duration) *Manager {
	return &Manager{
		repo:          repo,
		logger:        logger,
		broadcaster:   broadcaster,
		queue:         queue,
		returnGrace:   returnGrace,
		idleThreshold: idleThreshold,
		actors:        make(map[string]*roomActor),
		versions:      make(map[string]int64),
		seen:          make(map[string]map[string]time.Time),
	}
}

// Stop shuts down every room actor.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actors {
		a.shutdown()
	}
	m.actors = make(map[string]*roomActor)
}

func (m *Manager) actor(roomCode string) *roomActor {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[roomCode]
	if !ok {
		a = newRoomActor(roomCode)
		m.actors[roomCode] = a
	}
	return a
}

func (m *Manager) dropActor(roomCode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.actors[roomCode]; ok {
		a.shutdown()
		delete(m.actors, roomCode)
	}
	delete(m.versions, roomCode)
	delete(m.seen, roomCode)
}

// Run serializes fn behind the room's actor. Exposed so the lobby manager
// can push its own membership mutations through the same single writer.
func (m *Manager) Run(ctx context.Context, roomCode string, fn func(ctx context.Context) error) error {
	return m.actor(roomCode).submit(ctx, fn)
}

// nextVersion returns a strictly increasing version for the room. Versions
// are epoch milliseconds; a burst inside one millisecond bumps past the
// previous value so ties cannot happen.
func (m *Manager) nextVersion(roomCode string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := time.Now().UnixMilli()
	if last := m.versions[roomCode]; v <= last {
		v = last + 1
	}
	m.versions[roomCode] = v
	return v
}

const dedupWindow = 5 * time.Minute

func dedupKey(userID uuid.UUID, loc models.Location, ts int64) string {
	if ts == 0 {
		return ""
	}
	return fmt.Sprintf("%s|%s|%d", userID, loc, ts)
}

// alreadySeen checks the idempotency key for a status push. External games
// retry; the same (room, user, location, timestamp) must mutate once and emit
// once. The key is recorded separately via markSeen only after the write
// lands, so a retry after a transient store failure still applies.
func (m *Manager) alreadySeen(roomCode, key string) bool {
	if key == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey, ok := m.seen[roomCode]
	if !ok {
		return false
	}
	now := time.Now()
	for k, at := range byKey {
		if now.Sub(at) > dedupWindow {
			delete(byKey, k)
		}
	}
	_, dup := byKey[key]
	return dup
}

func (m *Manager) markSeen(roomCode, key string) {
	if key == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey, ok := m.seen[roomCode]
	if !ok {
		byKey = make(map[string]time.Time)
		m.seen[roomCode] = byKey
	}
	byKey[key] = time.Now()
}

// emit broadcasts one authoritative snapshot for the freshly re-read room
// and mirrors it onto the event queue.
func (m *Manager) emit(ctx context.Context, room *models.Room, reason, source string) {
	version := m.nextVersion(room.Code)
	snap := models.BuildSnapshot(room, reason, source, version)
	m.broadcaster.BroadcastSnapshot(room.Code, snap)
	if m.queue != nil {
		if err := m.queue.Publish(ctx, cache.RoomEventRecord{
			RoomID:    room.ID,
			EventType: "snapshot",
			Payload:   map[string]interface{}{"reason": reason, "roomVersion": version},
		}); err != nil {
			m.logger.Debugf("snapshot queue publish failed for room %s: %v", room.Code, err)
		}
	}
}

// EmitRoomSnapshot re-reads the room and broadcasts one snapshot. Callers
// must already be inside Run for the same room; the lobby manager uses this
// after its own membership mutations so lifecycle snapshots ride the same
// serialized writer as presence snapshots.
func (m *Manager) EmitRoomSnapshot(ctx context.Context, roomCode, reason, source string) error {
	room, err := m.loadRoom(ctx, roomCode)
	if err != nil {
		return err
	}
	m.emit(ctx, room, reason, source)
	return nil
}

func (m *Manager) loadRoom(ctx context.Context, roomCode string) (*models.Room, error) {
	room, err := m.repo.GetRoomByCode(ctx, roomCode)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apierr.New(apierr.CodeRoomNotFound)
		}
		return nil, apierr.Newf(apierr.CodeDatabaseError, err)
	}
	return room, nil
}

// UpdatePlayerLocation applies a single-player location transition.
// Conflict rule: a transition to disconnected arriving inside the room's
// return grace window is deferred (dropped without mutating member rows).
func (m *Manager) UpdatePlayerLocation(ctx context.Context, userID uuid.UUID, roomCode string, newLocation models.Location, metadata map[string]interface{}) (*UpdateResult, error) {
	if !newLocation.Valid() {
		return nil, apierr.New(apierr.CodeValidation).WithDetails(map[string]interface{}{
			"field": "location", "value": string(newLocation),
		})
	}
	var result *UpdateResult
	err := m.Run(ctx, roomCode, func(ctx context.Context) error {
		r, err := m.applyLocationLocked(ctx, userID, roomCode, newLocation, metadata, "status_update", true)
		result = r
		return err
	})
	return result, err
}

// applyLocationLocked runs inside the room actor.
func (m *Manager) applyLocationLocked(ctx context.Context, userID uuid.UUID, roomCode string, newLocation models.Location, metadata map[string]interface{}, source string, emitSnapshot bool) (*UpdateResult, error) {
	key := dedupKey(userID, newLocation, metaTimestamp(metadata))
	if m.alreadySeen(roomCode, key) {
		return &UpdateResult{UserID: userID, Applied: false}, nil
	}

	room, err := m.loadRoom(ctx, roomCode)
	if err != nil {
		return nil, err
	}
	member := room.Member(userID)
	if member == nil || member.LeftAt != nil {
		return &UpdateResult{UserID: userID, Applied: false, Error: apierr.CodePlayerNotFound},
			apierr.New(apierr.CodePlayerNotFound)
	}

	now := time.Now().UTC()
	if newLocation == models.LocationDisconnected && room.ReturnGraceActive(now) {
		// Spurious "disconnected from game" during a group return. Dropped.
		m.logger.WithFields(logrus.Fields{
			"room": roomCode, "user": userID,
		}).Debug("location update deferred by return grace window")
		return &UpdateResult{UserID: userID, Applied: false, Deferred: true}, nil
	}

	member.SetPresence(models.PresenceFor(newLocation))
	member.LastPing = now
	if gd, ok := metadata["gameData"].(map[string]interface{}); ok {
		member.GameData = gd
	}
	if _, err := m.repo.UpdateMember(ctx, member); err != nil {
		return nil, apierr.Newf(apierr.CodeDatabaseError, err)
	}
	m.markSeen(roomCode, key)

	if emitSnapshot {
		fresh, err := m.loadRoom(ctx, roomCode)
		if err != nil {
			return nil, err
		}
		m.emit(ctx, fresh, "status_update", source)
	}
	return &UpdateResult{UserID: userID, Applied: true}, nil
}

// HandleHeartbeat refreshes last_ping and tells the game whether the room has
// a pending group return the player should honor.
func (m *Manager) HandleHeartbeat(ctx context.Context, userID uuid.UUID, roomCode string, socketHint string, metadata map[string]interface{}) (HeartbeatResult, error) {
	var result HeartbeatResult
	err := m.Run(ctx, roomCode, func(ctx context.Context) error {
		room, err := m.loadRoom(ctx, roomCode)
		if err != nil {
			return err
		}
		member := room.Member(userID)
		if member == nil || member.LeftAt != nil {
			return apierr.New(apierr.CodePlayerNotFound)
		}
		member.LastPing = time.Now().UTC()
		if socketHint != "" {
			member.SocketID = &socketHint
		}
		if !member.IsConnected {
			// A heartbeat proves liveness. The restored presence follows the
			// room, not the caller: only a room still in play puts the member
			// back in game; a lobby room restores them to the lobby.
			if room.Status == models.RoomStatusInGame || room.Status == models.RoomStatusReturning {
				member.SetPresence(models.PresenceInGame)
			} else {
				member.SetPresence(models.PresenceInLobby)
			}
		}
		if _, err := m.repo.UpdateMember(ctx, member); err != nil {
			return apierr.Newf(apierr.CodeDatabaseError, err)
		}
		result = HeartbeatResult{OK: true, ShouldReturn: room.PendingReturn()}
		if result.ShouldReturn {
			m.recordReturnAck(ctx, room, userID)
		}
		return nil
	})
	return result, err
}

// recordReturnAck adds the player to the room's acknowledged set. The
// pendingReturn flag clears only once every connected member has acked,
// which removes the multi-poller race of the old 5-second timer.
func (m *Manager) recordReturnAck(ctx context.Context, room *models.Room, userID uuid.UUID) {
	acks := stringSliceMeta(room.Metadata[models.MetaReturnAcks])
	id := userID.String()
	for _, a := range acks {
		if a == id {
			return
		}
	}
	acks = append(acks, id)
	room.Metadata[models.MetaReturnAcks] = acks

	allAcked := true
	for _, mem := range room.ActiveMembers() {
		if !mem.IsConnected {
			continue
		}
		found := false
		for _, a := range acks {
			if a == mem.UserID.String() {
				found = true
				break
			}
		}
		if !found {
			allAcked = false
			break
		}
	}
	if allAcked {
		delete(room.Metadata, models.MetaPendingReturn)
		delete(room.Metadata, models.MetaReturnAcks)
	}
	if _, err := m.repo.UpdateRoom(ctx, room); err != nil {
		m.logger.Warnf("failed to persist return ack for room %s: %v", room.Code, err)
	}
}

// BulkUpdatePlayerStatus applies a batch of per-player updates. One database
// round-trip per update, per-player results aggregated, exactly one snapshot
// at the end regardless of how many entries applied.
func (m *Manager) BulkUpdatePlayerStatus(ctx context.Context, roomCode string, updates []StatusUpdate, reason string) ([]UpdateResult, error) {
	results := make([]UpdateResult, 0, len(updates))
	err := m.Run(ctx, roomCode, func(ctx context.Context) error {
		if _, err := m.loadRoom(ctx, roomCode); err != nil {
			return err
		}
		for _, u := range updates {
			meta := map[string]interface{}{}
			if u.Timestamp != 0 {
				meta["timestamp"] = u.Timestamp
			}
			if u.GameData != nil {
				meta["gameData"] = u.GameData
			}
			r, err := m.applyLocationLocked(ctx, u.UserID, roomCode, u.Location, meta, "bulk_update", false)
			if err != nil && r == nil {
				// Room-level failure; abort the batch.
				return apierr.Newf(apierr.CodeBulkUpdateFailed, err)
			}
			if r != nil {
				results = append(results, *r)
			}
		}
		fresh, err := m.loadRoom(ctx, roomCode)
		if err != nil {
			return err
		}
		m.emit(ctx, fresh, reason, "bulk_update")
		return nil
	})
	return results, err
}

// HandleGameEnd is the central return-to-lobby procedure. Every return path
// (host socket event, external return-all, game-end report) funnels here.
// Idempotent: a room already back in the lobby with no members in game is
// left alone.
func (m *Manager) HandleGameEnd(ctx context.Context, roomCode string, gameResult map[string]interface{}, source string) error {
	return m.Run(ctx, roomCode, func(ctx context.Context) error {
		room, err := m.loadRoom(ctx, roomCode)
		if err != nil {
			return err
		}

		anyInGame := false
		for _, mem := range room.ActiveMembers() {
			if mem.InGame {
				anyInGame = true
				break
			}
		}
		if room.Status == models.RoomStatusLobby && !anyInGame {
			return nil // duplicate game-end; already returned
		}

		// pendingReturn survives this transition: games polling heartbeats
		// keep seeing shouldReturn until every connected player has acked.
		now := time.Now().UTC()
		room.Status = models.RoomStatusLobby
		room.CurrentGame = nil
		room.GameStartedAt = nil
		room.Metadata[models.MetaReturnInProgressUntil] = now.Add(m.returnGrace).Format(time.RFC3339Nano)
		if _, err := m.repo.UpdateRoom(ctx, room); err != nil {
			return apierr.Newf(apierr.CodeReturnAllFailed, err)
		}

		presence := models.PresenceInLobby
		ping := now
		if err := m.repo.UpdateRoomMembersBulk(ctx, room.ID, database.MemberPatch{
			Presence: &presence,
			LastPing: &ping,
		}); err != nil {
			return apierr.Newf(apierr.CodeReturnAllFailed, err)
		}

		fresh, err := m.loadRoom(ctx, roomCode)
		if err != nil {
			return err
		}
		if err := m.ensureHost(ctx, fresh); err != nil {
			return err
		}
		fresh, err = m.loadRoom(ctx, roomCode)
		if err != nil {
			return err
		}

		m.repo.LogEvent(ctx, fresh.ID, nil, "game_end", gameResult)
		m.emit(ctx, fresh, "return_all", source)
		return nil
	})
}

// RequestReturnAll flags a pending group return, opens the grace window, and
// immediately runs the return procedure. External games that poll heartbeats
// will see shouldReturn until they ack.
func (m *Manager) RequestReturnAll(ctx context.Context, roomCode, initiatedBy string) error {
	err := m.Run(ctx, roomCode, func(ctx context.Context) error {
		room, err := m.loadRoom(ctx, roomCode)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		room.Status = models.RoomStatusReturning
		room.Metadata[models.MetaPendingReturn] = true
		room.Metadata[models.MetaReturnInitiatedAt] = now.Format(time.RFC3339Nano)
		room.Metadata[models.MetaReturnInitiatedBy] = initiatedBy
		room.Metadata[models.MetaReturnInProgressUntil] = now.Add(m.returnGrace).Format(time.RFC3339Nano)
		if _, err := m.repo.UpdateRoom(ctx, room); err != nil {
			return apierr.Newf(apierr.CodeReturnAllFailed, err)
		}
		m.broadcaster.BroadcastEvent(roomCode, "server:return-to-gb", map[string]interface{}{
			"roomCode":    roomCode,
			"mode":        "group",
			"initiatedAt": now.Format(time.RFC3339),
			"reason":      initiatedBy,
		})
		return nil
	})
	if err != nil {
		return err
	}
	return m.HandleGameEnd(ctx, roomCode, map[string]interface{}{"initiatedBy": initiatedBy}, "return_all")
}

// AbandonRoom marks the room abandoned and every member disconnected. Used
// when the external game reports its room was destroyed, and by the idle
// sweeper.
func (m *Manager) AbandonRoom(ctx context.Context, roomCode, reason string) error {
	err := m.Run(ctx, roomCode, func(ctx context.Context) error {
		room, err := m.loadRoom(ctx, roomCode)
		if err != nil {
			return err
		}
		room.Status = models.RoomStatusAbandoned
		if _, err := m.repo.UpdateRoom(ctx, room); err != nil {
			return apierr.Newf(apierr.CodeRoomAbandonFailed, err)
		}
		presence := models.PresenceDisconnected
		if err := m.repo.UpdateRoomMembersBulk(ctx, room.ID, database.MemberPatch{
			Presence:    &presence,
			ClearSocket: true,
		}); err != nil {
			return apierr.Newf(apierr.CodeRoomAbandonFailed, err)
		}
		m.repo.LogEvent(ctx, room.ID, nil, "room_abandoned", map[string]interface{}{"reason": reason})
		m.broadcaster.BroadcastEvent(roomCode, "roomClosed", map[string]interface{}{"reason": reason})
		return nil
	})
	if err == nil {
		m.dropActor(roomCode)
	}
	return err
}

// SyncRoomStatus recomputes the snapshot from durable state and rebroadcasts.
// Admin/debug path, also the reconciliation hook after partial failures.
func (m *Manager) SyncRoomStatus(ctx context.Context, roomCode string) error {
	return m.Run(ctx, roomCode, func(ctx context.Context) error {
		room, err := m.loadRoom(ctx, roomCode)
		if err != nil {
			return err
		}
		if err := m.ensureHost(ctx, room); err != nil {
			return err
		}
		fresh, err := m.loadRoom(ctx, roomCode)
		if err != nil {
			return err
		}
		m.emit(ctx, fresh, "sync", "sync_room_status")
		return nil
	})
}

// HandleSocketConnect marks a member connected after their socket attaches.
func (m *Manager) HandleSocketConnect(ctx context.Context, userID uuid.UUID, roomCode, socketID string) error {
	return m.Run(ctx, roomCode, func(ctx context.Context) error {
		room, err := m.loadRoom(ctx, roomCode)
		if err != nil {
			return err
		}
		member := room.Member(userID)
		if member == nil || member.LeftAt != nil {
			return apierr.New(apierr.CodePlayerNotFound)
		}
		if member.Presence() != models.PresenceInGame {
			member.SetPresence(models.PresenceInLobby)
		}
		member.SocketID = &socketID
		member.LastPing = time.Now().UTC()
		if _, err := m.repo.UpdateMember(ctx, member); err != nil {
			return apierr.Newf(apierr.CodeDatabaseError, err)
		}
		fresh, err := m.loadRoom(ctx, roomCode)
		if err != nil {
			return err
		}
		m.emit(ctx, fresh, "join", "socket")
		return nil
	})
}

// HandleSocketDisconnect marks a member disconnected when their last socket
// drops. Honors the return grace window like any other disconnect signal.
func (m *Manager) HandleSocketDisconnect(ctx context.Context, userID uuid.UUID, roomCode string) error {
	_, err := m.UpdatePlayerLocation(ctx, userID, roomCode, models.LocationDisconnected, nil)
	if err != nil && apierr.Code(err) == apierr.CodePlayerNotFound {
		return nil // already removed
	}
	return err
}

// PlayerReturnToLobby handles the explicit per-player return socket event.
func (m *Manager) PlayerReturnToLobby(ctx context.Context, userID uuid.UUID, roomCode string) error {
	err := m.Run(ctx, roomCode, func(ctx context.Context) error {
		r, err := m.applyLocationLocked(ctx, userID, roomCode, models.LocationLobby, nil, "player_return", true)
		if err != nil {
			return err
		}
		if r.Applied {
			m.broadcaster.BroadcastEvent(roomCode, "playerReturnedToLobby", map[string]interface{}{
				"userId": userID.String(),
			})
		}
		return nil
	})
	return err
}

// ensureHost guarantees the single-host invariant after membership churn:
// prefer the stored host_id if still present and active, otherwise the
// oldest-joined connected member, otherwise the oldest-joined member.
func (m *Manager) ensureHost(ctx context.Context, room *models.Room) error {
	if room.Status == models.RoomStatusAbandoned {
		return nil
	}
	active := room.ActiveMembers()
	if len(active) == 0 {
		return nil
	}
	if h := room.Host(); h != nil {
		return nil
	}

	var candidate *models.RoomMember
	if stored := room.Member(room.HostID); stored != nil && stored.LeftAt == nil {
		candidate = stored
	}
	if candidate == nil {
		for _, mem := range active {
			if !mem.IsConnected {
				continue
			}
			if candidate == nil || mem.JoinedAt.Before(candidate.JoinedAt) {
				candidate = mem
			}
		}
	}
	if candidate == nil {
		for _, mem := range active {
			if candidate == nil || mem.JoinedAt.Before(candidate.JoinedAt) {
				candidate = mem
			}
		}
	}
	if candidate == nil {
		return nil
	}
	if err := m.repo.TransferHost(ctx, room.ID, room.HostID, candidate.UserID); err != nil {
		return apierr.Newf(apierr.CodeDatabaseError, err)
	}
	m.broadcaster.BroadcastEvent(room.Code, "hostTransferred", map[string]interface{}{
		"newHostId": candidate.UserID.String(),
	})
	return nil
}

func metaTimestamp(metadata map[string]interface{}) int64 {
	if metadata == nil {
		return 0
	}
	switch v := metadata["timestamp"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}

func stringSliceMeta(raw interface{}) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
