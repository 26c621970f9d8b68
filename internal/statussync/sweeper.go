package statussync

import (
	"context"
	"time"

	"github.com/gamebuddies/orchestrator/internal/apierr"
	"github.com/gamebuddies/orchestrator/internal/models"
)

// Sweep promotes members whose last_ping is older than the idle threshold to
// disconnected, re-establishes the single-host invariant, and abandons rooms
// whose last connected member has been gone past the cleanup threshold.
func (m *Manager) Sweep(ctx context.Context, idleRoomCleanup time.Duration) {
	rooms, err := m.repo.ListRoomsByStatus(ctx,
		models.RoomStatusLobby, models.RoomStatusInGame, models.RoomStatusReturning)
	if err != nil {
		m.logger.Warnf("sweep: listing rooms failed: %v", err)
		return
	}
	for _, r := range rooms {
		if err := m.sweepRoom(ctx, r.Code, idleRoomCleanup); err != nil {
			m.logger.Warnf("sweep: room %s: %v", r.Code, err)
		}
	}
}

func (m *Manager) sweepRoom(ctx context.Context, roomCode string, idleRoomCleanup time.Duration) error {
	return m.Run(ctx, roomCode, func(ctx context.Context) error {
		room, err := m.loadRoom(ctx, roomCode)
		if err != nil {
			if apierr.Code(err) == apierr.CodeRoomNotFound {
				return nil // raced with abandonment
			}
			return err
		}

		now := time.Now().UTC()
		changed := false
		inGrace := room.ReturnGraceActive(now)
		for _, mem := range room.ActiveMembers() {
			if !mem.IsConnected {
				continue
			}
			if now.Sub(mem.LastPing) < m.idleThreshold {
				continue
			}
			if inGrace {
				continue // grace window suppresses disconnect promotion too
			}
			mem.SetPresence(models.PresenceDisconnected)
			mem.SocketID = nil
			if _, err := m.repo.UpdateMember(ctx, mem); err != nil {
				return apierr.Newf(apierr.CodeDatabaseError, err)
			}
			changed = true
		}

		fresh, err := m.loadRoom(ctx, roomCode)
		if err != nil {
			return err
		}

		if fresh.ConnectedCount() == 0 {
			// Room is empty of live connections; abandon once past the idle
			// cleanup threshold.
			if now.Sub(fresh.LastActivity) >= idleRoomCleanup {
				fresh.Status = models.RoomStatusAbandoned
				if _, err := m.repo.UpdateRoom(ctx, fresh); err != nil {
					return apierr.Newf(apierr.CodeRoomAbandonFailed, err)
				}
				m.repo.LogEvent(ctx, fresh.ID, nil, "room_abandoned", map[string]interface{}{
					"reason": "idle",
				})
				return nil
			}
		}

		// Host may have just gone idle; keep the single-host invariant by
		// preferring a connected member.
		if h := fresh.Host(); h != nil && !h.IsConnected {
			var candidate *models.RoomMember
			for _, mem := range fresh.ActiveMembers() {
				if !mem.IsConnected || mem.UserID == h.UserID {
					continue
				}
				if candidate == nil || mem.JoinedAt.Before(candidate.JoinedAt) {
					candidate = mem
				}
			}
			if candidate != nil {
				if err := m.repo.TransferHost(ctx, fresh.ID, h.UserID, candidate.UserID); err != nil {
					return apierr.Newf(apierr.CodeDatabaseError, err)
				}
				m.broadcaster.BroadcastEvent(fresh.Code, "hostTransferred", map[string]interface{}{
					"newHostId": candidate.UserID.String(),
				})
				changed = true
			}
		}

		if changed {
			final, err := m.loadRoom(ctx, roomCode)
			if err != nil {
				return err
			}
			m.emit(ctx, final, "heartbeat", "sweeper")
		}
		return nil
	})
}

// RunSweeper loops Sweep on the given interval until ctx is canceled.
func (m *Manager) RunSweeper(ctx context.Context, interval, idleRoomCleanup time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx, idleRoomCleanup)
		}
	}
}
