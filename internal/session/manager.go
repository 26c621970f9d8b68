// Package session issues and redeems the opaque tokens that let a player (or
// an external game acting for one) re-enter a room without a fresh trip
// through the identity provider.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gamebuddies/orchestrator/internal/apierr"
	"github.com/gamebuddies/orchestrator/internal/database"
	"github.com/gamebuddies/orchestrator/internal/models"
)

// TokenBytes is the entropy of a session token; tokens are hex encoded, so
// the wire form is 64 characters.
const TokenBytes = 32

// Manager owns all writes to player_sessions.
type Manager struct {
	repo      database.Repository
	logger    *logrus.Logger
	clientURL string
	ttl       time.Duration
}

// NewManager wires a session manager. ttl is the session lifetime
// (SESSION_TIMEOUT_MINUTES, default 3h).
func NewManager(repo database.Repository, logger *logrus.Logger, clientURL string, ttl time.Duration) *Manager {
	return &Manager{repo: repo, logger: logger, clientURL: clientURL, ttl: ttl}
}

func generateToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// CreatePlayerSession issues a token scoped to (user, room, game). userID is
// nil only for generic room sessions, which are legal only for streamer-mode
// group returns.
func (m *Manager) CreatePlayerSession(ctx context.Context, userID *uuid.UUID, room *models.Room, gameType string) (*models.PlayerSession, error) {
	if userID == nil && !room.StreamerMode {
		return nil, apierr.New(apierr.CodeForbidden).WithDetails(map[string]interface{}{
			"reason": "generic room sessions require streamer mode",
		})
	}
	token, err := generateToken()
	if err != nil {
		return nil, apierr.Newf(apierr.CodeServerError, err)
	}
	now := time.Now().UTC()
	s := &models.PlayerSession{
		ID:           uuid.New(),
		Token:        token,
		UserID:       userID,
		RoomID:       room.ID,
		GameType:     gameType,
		StreamerMode: room.StreamerMode,
		Status:       models.SessionActive,
		ExpiresAt:    now.Add(m.ttl),
		CreatedAt:    now,
	}
	if err := m.repo.InsertSession(ctx, s); err != nil {
		return nil, apierr.Newf(apierr.CodeDatabaseError, err)
	}
	return s, nil
}

// Recovered is the result of a successful session recovery.
type Recovered struct {
	Session *models.PlayerSession
	Room    *models.Room
	Member  *models.RoomMember // nil for generic room sessions
}

// Recover redeems a token. callerService is the API key's service_name when
// the call comes through the external game API, or "" for the internal path.
//
// Cross-game hijack defense: a token issued for game G1 presented by a key
// for G2 fails WRONG_GAME_SESSION with an audit entry, and the token's
// status is left untouched.
func (m *Manager) Recover(ctx context.Context, token, callerService string) (*Recovered, error) {
	s, err := m.repo.GetSessionByToken(ctx, token)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apierr.New(apierr.CodeInvalidSession)
		}
		return nil, apierr.Newf(apierr.CodeDatabaseError, err)
	}
	if !s.Usable(time.Now().UTC()) {
		return nil, apierr.New(apierr.CodeInvalidSession)
	}
	if callerService != "" && s.GameType != callerService {
		m.logger.WithFields(logrus.Fields{
			"session_id": s.ID,
			"issued_for": s.GameType,
			"claimed_by": callerService,
		}).Warn("cross-game session recovery rejected")
		m.repo.LogEvent(ctx, s.RoomID, s.UserID, "session_hijack_rejected", map[string]interface{}{
			"issued_for": s.GameType,
			"claimed_by": callerService,
		})
		return nil, apierr.New(apierr.CodeWrongGameSession)
	}

	room, err := m.repo.GetRoomByID(ctx, s.RoomID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apierr.New(apierr.CodeRoomNotFound)
		}
		return nil, apierr.Newf(apierr.CodeDatabaseError, err)
	}
	if !room.Status.Live() {
		return nil, apierr.New(apierr.CodeRoomNotAvailable)
	}

	rec := &Recovered{Session: s, Room: room}
	if s.UserID != nil {
		member := room.Member(*s.UserID)
		if member == nil || member.LeftAt != nil {
			return nil, apierr.New(apierr.CodePlayerNotFound)
		}
		rec.Member = member
	}
	return rec, nil
}

// Revoke marks a session revoked.
func (m *Manager) Revoke(ctx context.Context, sessionID uuid.UUID) error {
	if err := m.repo.UpdateSessionStatus(ctx, sessionID, models.SessionRevoked); err != nil {
		return apierr.Newf(apierr.CodeDatabaseError, err)
	}
	return nil
}

// BuildReturnURL is the single place return URLs are constructed; callers
// never concatenate the room code themselves. Streamer-mode rooms hide the
// code behind the session token.
func (m *Manager) BuildReturnURL(room *models.Room, s *models.PlayerSession) string {
	if room.StreamerMode && s != nil {
		return fmt.Sprintf("%s/lobby?session=%s", m.clientURL, s.Token)
	}
	return fmt.Sprintf("%s/lobby/%s", m.clientURL, room.Code)
}

// BuildGameURL builds the redirect handed to clients when a game starts. For
// streamer-mode rooms the code is kept out of the URL; the game re-derives
// the room through session recovery.
func (m *Manager) BuildGameURL(game *models.GameDefinition, room *models.Room, s *models.PlayerSession) string {
	if room.StreamerMode {
		return fmt.Sprintf("%s?sessionToken=%s", game.BaseURL, s.Token)
	}
	return fmt.Sprintf("%s?roomCode=%s&sessionToken=%s", game.BaseURL, room.Code, s.Token)
}

// Sweep expires sessions past their deadline. Expired rows stay in place; no
// retention SLA is invented here.
func (m *Manager) Sweep(ctx context.Context) {
	n, err := m.repo.ExpireSessions(ctx, time.Now().UTC())
	if err != nil {
		m.logger.Warnf("session sweep failed: %v", err)
		return
	}
	if n > 0 {
		m.logger.Debugf("session sweep expired %d sessions", n)
	}
}
