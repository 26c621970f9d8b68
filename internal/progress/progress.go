// Package progress ingests XP and achievement events reported by external
// games. Achievement checking is a single consolidated pass per event: the
// event's full metadata comes in once, and (user, achievement) uniqueness in
// the store dedups unlocks, so a retried event can never double-award.
package progress

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gamebuddies/orchestrator/internal/apierr"
	"github.com/gamebuddies/orchestrator/internal/cache"
	"github.com/gamebuddies/orchestrator/internal/database"
	"github.com/gamebuddies/orchestrator/internal/models"
)

// Notifier delivers out-of-band notifications (level ups, unlocks) to a
// user's live sockets. The ws hub implements it.
type Notifier interface {
	NotifyUser(userID uuid.UUID, event string, payload map[string]interface{})
}

// Event is one reported progress event.
type Event struct {
	UserID    uuid.UUID              `json:"userId"`
	RoomID    uuid.UUID              `json:"roomId"`
	EventType string                 `json:"eventType"` // "game_won", "game_completed", ...
	XPDelta   int                    `json:"xpDelta,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Result summarizes what one event changed.
type Result struct {
	XPAwarded  int                   `json:"xpAwarded"`
	TotalXP    int                   `json:"totalXp"`
	Level      int                   `json:"level"`
	LeveledUp  bool                  `json:"leveledUp"`
	NewUnlocks []*models.Achievement `json:"newUnlocks,omitempty"`
}

// Service applies progress events.
type Service struct {
	repo     database.Repository
	logger   *logrus.Logger
	notifier Notifier     // optional
	queue    *cache.Queue // optional
}

// NewService wires the progress pipeline. notifier and queue may be nil.
func NewService(repo database.Repository, logger *logrus.Logger, notifier Notifier, queue *cache.Queue) *Service {
	return &Service{repo: repo, logger: logger, notifier: notifier, queue: queue}
}

// Ingest applies one event: XP, stats, and one consolidated achievement pass.
func (s *Service) Ingest(ctx context.Context, ev Event) (*Result, error) {
	if ev.EventType == "" {
		return nil, apierr.New(apierr.CodeServerError).WithDetails(map[string]interface{}{
			"reason": "missing eventType",
		})
	}
	before, err := s.repo.GetUserByID(ctx, ev.UserID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apierr.New(apierr.CodePlayerNotFound)
		}
		return nil, apierr.Newf(apierr.CodeDatabaseError, err)
	}

	result := &Result{TotalXP: before.XP, Level: before.Level}

	switch ev.EventType {
	case "game_won":
		if err := s.repo.RecordGamePlayed(ctx, ev.UserID, true); err != nil {
			return nil, apierr.Newf(apierr.CodeDatabaseError, err)
		}
	case "game_completed", "game_lost":
		if err := s.repo.RecordGamePlayed(ctx, ev.UserID, false); err != nil {
			return nil, apierr.Newf(apierr.CodeDatabaseError, err)
		}
	}

	if ev.XPDelta > 0 {
		after, err := s.repo.AddUserXP(ctx, ev.UserID, ev.XPDelta)
		if err != nil {
			return nil, apierr.Newf(apierr.CodeDatabaseError, err)
		}
		result.XPAwarded = ev.XPDelta
		result.TotalXP = after.XP
		result.Level = after.Level
		result.LeveledUp = after.Level > before.Level
	}

	unlocks, err := s.checkAchievements(ctx, ev)
	if err != nil {
		return nil, err
	}
	result.NewUnlocks = unlocks
	for _, a := range unlocks {
		if a.XPReward > 0 {
			after, err := s.repo.AddUserXP(ctx, ev.UserID, a.XPReward)
			if err != nil {
				return nil, apierr.Newf(apierr.CodeDatabaseError, err)
			}
			result.XPAwarded += a.XPReward
			result.TotalXP = after.XP
			result.LeveledUp = result.LeveledUp || after.Level > result.Level
			result.Level = after.Level
		}
	}

	s.repo.LogEvent(ctx, ev.RoomID, &ev.UserID, "progress_event", map[string]interface{}{
		"type": ev.EventType, "xp": result.XPAwarded, "unlocks": len(unlocks),
	})
	s.publish(ctx, ev, result)
	s.notify(ev.UserID, result)
	return result, nil
}

// checkAchievements is the one consolidated pass. Every achievement whose
// criteria match the event is attempted exactly once; the store's
// (user, achievement) uniqueness makes re-attempts no-ops.
func (s *Service) checkAchievements(ctx context.Context, ev Event) ([]*models.Achievement, error) {
	defs, err := s.repo.ListAchievements(ctx)
	if err != nil {
		return nil, apierr.Newf(apierr.CodeDatabaseError, err)
	}
	stats, err := s.repo.GetUserStats(ctx, ev.UserID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, apierr.Newf(apierr.CodeDatabaseError, err)
	}

	var unlocked []*models.Achievement
	for _, def := range defs {
		if !criteriaMet(def, ev, stats) {
			continue
		}
		inserted, err := s.repo.UnlockAchievement(ctx, ev.UserID, def.ID)
		if err != nil {
			return nil, apierr.Newf(apierr.CodeDatabaseError, err)
		}
		if inserted {
			unlocked = append(unlocked, def)
		}
	}
	return unlocked, nil
}

// criteriaMet evaluates an achievement definition against the event and the
// user's aggregates. Criteria are flat key/threshold pairs.
func criteriaMet(def *models.Achievement, ev Event, stats *models.UserStats) bool {
	if len(def.Criteria) == 0 {
		return false
	}
	for key, raw := range def.Criteria {
		switch key {
		case "event_type":
			if want, ok := raw.(string); !ok || want != ev.EventType {
				return false
			}
		case "games_played":
			if stats == nil || stats.GamesPlayed < intCriterion(raw) {
				return false
			}
		case "games_won":
			if stats == nil || stats.GamesWon < intCriterion(raw) {
				return false
			}
		case "total_xp":
			if stats == nil || stats.TotalXP < intCriterion(raw) {
				return false
			}
		default:
			// Unknown criteria key: require an exact metadata match.
			if ev.Metadata == nil || ev.Metadata[key] != raw {
				return false
			}
		}
	}
	return true
}

func intCriterion(raw interface{}) int {
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func (s *Service) publish(ctx context.Context, ev Event, res *Result) {
	if s.queue == nil {
		return
	}
	err := s.queue.Publish(ctx, cache.RoomEventRecord{
		RoomID:    ev.RoomID,
		EventType: "progress_event",
		Payload: map[string]interface{}{
			"userId":  ev.UserID.String(),
			"type":    ev.EventType,
			"xp":      res.XPAwarded,
			"level":   res.Level,
			"unlocks": len(res.NewUnlocks),
			"at":      time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		s.logger.Debugf("progress queue publish failed: %v", err)
	}
}

func (s *Service) notify(userID uuid.UUID, res *Result) {
	if s.notifier == nil {
		return
	}
	if res.LeveledUp {
		s.notifier.NotifyUser(userID, "levelUp", map[string]interface{}{
			"level": res.Level, "totalXp": res.TotalXP,
		})
	}
	for _, a := range res.NewUnlocks {
		s.notifier.NotifyUser(userID, "achievementUnlocked", map[string]interface{}{
			"slug": a.Slug, "name": a.Name, "xpReward": a.XPReward,
		})
	}
}
