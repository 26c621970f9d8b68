package gameapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamebuddies/orchestrator/internal/auth"
	"github.com/gamebuddies/orchestrator/internal/database"
	"github.com/gamebuddies/orchestrator/internal/models"
	"github.com/gamebuddies/orchestrator/internal/progress"
	"github.com/gamebuddies/orchestrator/internal/session"
	"github.com/gamebuddies/orchestrator/internal/statussync"
)

type nopBroadcaster struct{}

func (nopBroadcaster) BroadcastSnapshot(string, models.Snapshot) {}
func (nopBroadcaster) BroadcastEvent(string, string, map[string]interface{}) {}

const (
	tetrisKey = "tetris-secret-key"
	chessKey  = "chess-secret-key"
	masterKey = "master-secret"
)

type apiEnv struct {
	srv  *httptest.Server
	repo *database.Memory
	room *models.Room
	host uuid.UUID
	game *models.GameDefinition
}

func newAPIEnv(t *testing.T, ratePerMin int) *apiEnv {
	t.Helper()
	repo := database.NewMemory()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	sessions := session.NewManager(repo, logger, "https://play.example.com", 3*time.Hour)
	syncMgr := statussync.NewManager(repo, logger, nopBroadcaster{}, nil, 15*time.Second, 45*time.Second)
	t.Cleanup(syncMgr.Stop)
	prog := progress.NewService(repo, logger, nil, nil)

	api := NewServer(repo, logger, sessions, syncMgr, prog, NewRateLimiter(30), masterKey)
	r := mux.NewRouter()
	api.Routes(r.PathPrefix("/api").Subrouter())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	game := &models.GameDefinition{
		ID:          uuid.New(),
		Name:        "Tetris Royale",
		ServiceName: "tetris",
		BaseURL:     "https://tetris.example.com/play",
		MinPlayers:  2,
		MaxPlayers:  6,
		IsActive:    true,
	}
	repo.SeedGame(game)
	seedKey(t, repo, tetrisKey, "tetris", ratePerMin,
		models.PermStatusWrite, models.PermReturnAll, models.PermProgress)
	seedKey(t, repo, chessKey, "chess", 0,
		models.PermStatusWrite, models.PermReturnAll)

	hostID := uuid.New()
	require.NoError(t, repo.UpsertUser(ctx, &models.User{
		ID: hostID, Username: "alice", Role: "user", PremiumTier: "free", Level: 1,
	}))
	now := time.Now().UTC()
	room := &models.Room{
		ID:           uuid.New(),
		Code:         "ROOM01",
		HostID:       hostID,
		Status:       models.RoomStatusInGame,
		CurrentGame:  &game.ID,
		MaxPlayers:   4,
		Metadata:     map[string]interface{}{},
		CreatedAt:    now,
		LastActivity: now,
	}
	host := &models.RoomMember{
		RoomID: room.ID, UserID: hostID, Role: models.RoleHost,
		JoinedAt: now, LastPing: now,
	}
	host.SetPresence(models.PresenceInGame)
	require.NoError(t, repo.CreateRoomWithHost(ctx, room, host))

	return &apiEnv{srv: srv, repo: repo, room: room, host: hostID, game: game}
}

func seedKey(t *testing.T, repo *database.Memory, secret, service string, ratePerMin int, perms ...string) {
	t.Helper()
	hash, err := auth.HashKey(secret)
	require.NoError(t, err)
	repo.SeedAPIKey(&models.APIKey{
		ID:          uuid.New(),
		KeyHash:     hash,
		ServiceName: service,
		Permissions: perms,
		RateLimit:   ratePerMin,
		IsActive:    true,
	})
}

func (e *apiEnv) do(t *testing.T, method, path, apiKey string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthIsOpen(t *testing.T) {
	e := newAPIEnv(t, 0)
	resp, body := e.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
}

func TestMissingAndInvalidKey(t *testing.T) {
	e := newAPIEnv(t, 0)

	resp, body := e.do(t, http.MethodGet, "/api/rooms/ROOM01/validate", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", body["code"])

	resp, body = e.do(t, http.MethodGet, "/api/rooms/ROOM01/validate", "nope", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_API_KEY", body["code"])
}

func TestValidate(t *testing.T) {
	e := newAPIEnv(t, 0)
	path := fmt.Sprintf("/api/rooms/ROOM01/validate?userId=%s", e.host)
	resp, body := e.do(t, http.MethodGet, path, tetrisKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.NotNil(t, body["member"])
}

// A chess key hitting a tetris room is rejected and audited.
func TestWrongGameTypeRejected(t *testing.T) {
	e := newAPIEnv(t, 0)
	resp, body := e.do(t, http.MethodGet, "/api/rooms/ROOM01/validate", chessKey, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "WRONG_GAME_TYPE", body["code"])

	events := e.repo.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, "wrong_game_type_rejected", events[len(events)-1].EventType)
}

func TestStatusPush(t *testing.T) {
	e := newAPIEnv(t, 0)
	path := fmt.Sprintf("/api/rooms/ROOM01/players/%s/status", e.host)
	resp, body := e.do(t, http.MethodPost, path, tetrisKey, map[string]interface{}{
		"location": "lobby",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["applied"])

	room, err := e.repo.GetRoomByCode(context.Background(), "ROOM01")
	require.NoError(t, err)
	assert.Equal(t, models.LocationLobby, room.Member(e.host).CurrentLocation)
}

func TestHeartbeatShouldReturn(t *testing.T) {
	e := newAPIEnv(t, 0)
	hbPath := fmt.Sprintf("/api/rooms/ROOM01/players/%s/heartbeat", e.host)

	resp, body := e.do(t, http.MethodPost, hbPath, tetrisKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["shouldReturn"])

	resp, _ = e.do(t, http.MethodPost, "/api/rooms/ROOM01/return-all", tetrisKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, body = e.do(t, http.MethodPost, hbPath, tetrisKey, nil)
	assert.Equal(t, true, body["shouldReturn"])
}

func TestGameEndReturnsRoomToLobby(t *testing.T) {
	e := newAPIEnv(t, 0)
	resp, body := e.do(t, http.MethodPost, "/api/rooms/ROOM01/game-end", tetrisKey, map[string]interface{}{
		"result": map[string]interface{}{"winner": e.host.String()},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	room, err := e.repo.GetRoomByCode(context.Background(), "ROOM01")
	require.NoError(t, err)
	assert.Equal(t, models.RoomStatusLobby, room.Status)
}

// Cross-game recovery: a token issued for tetris presented by chess's key is
// a 403 and the token stays active.
func TestSessionRecoverCrossGame(t *testing.T) {
	e := newAPIEnv(t, 0)
	quiet := logrus.New()
	quiet.SetLevel(logrus.PanicLevel)
	sessions := session.NewManager(e.repo, quiet, "https://play.example.com", 3*time.Hour)
	room, err := e.repo.GetRoomByCode(context.Background(), "ROOM01")
	require.NoError(t, err)
	hostID := e.host
	s, err := sessions.CreatePlayerSession(context.Background(), &hostID, room, "tetris")
	require.NoError(t, err)

	resp, body := e.do(t, http.MethodPost, "/api/sessions/recover", chessKey, map[string]interface{}{
		"sessionToken": s.Token,
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "WRONG_GAME_SESSION", body["code"])

	stored, err := e.repo.GetSessionByToken(context.Background(), s.Token)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, stored.Status)

	resp, body = e.do(t, http.MethodPost, "/api/sessions/recover", tetrisKey, map[string]interface{}{
		"sessionToken": s.Token,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
}

func TestProgressEvent(t *testing.T) {
	e := newAPIEnv(t, 0)
	resp, body := e.do(t, http.MethodPost, "/api/progress/event", tetrisKey, map[string]interface{}{
		"userId":    e.host.String(),
		"roomId":    e.room.ID.String(),
		"eventType": "game_won",
		"xpDelta":   100,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	// The chess key lacks progress:write.
	resp, body = e.do(t, http.MethodPost, "/api/progress/event", chessKey, map[string]interface{}{
		"userId":    e.host.String(),
		"eventType": "game_won",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", body["code"])
}

// Property: requests past the per-key limit get 429 with Retry-After, and
// rate-limit headers ride every authenticated response.
func TestRateLimitEnforced(t *testing.T) {
	e := newAPIEnv(t, 2)

	var last *http.Response
	var lastBody map[string]interface{}
	limited := false
	for i := 0; i < 4; i++ {
		last, lastBody = e.do(t, http.MethodGet, "/api/rooms/ROOM01/validate", tetrisKey, nil)
		assert.NotEmpty(t, last.Header.Get("X-RateLimit-Limit"))
		if last.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	require.True(t, limited, "burst past the limit must trip the limiter")
	assert.Equal(t, "RATE_LIMITED", lastBody["code"])
	assert.NotEmpty(t, last.Header.Get("Retry-After"))
	assert.Equal(t, "2", last.Header.Get("X-RateLimit-Limit"))
}

// Fail-secure: a key with no configured limit falls back to the strict
// default, never unlimited.
func TestRateLimitFailSecureDefault(t *testing.T) {
	rl := NewRateLimiter(30)
	d := rl.Allow("ghost-service", "status", 0)
	assert.True(t, d.Allowed)
	assert.Equal(t, 30, d.Limit, "missing named limiter must use the strict default")

	denied := false
	for i := 0; i < 40; i++ {
		if !rl.Allow("ghost-service", "status", 0).Allowed {
			denied = true
			break
		}
	}
	assert.True(t, denied, "default bucket must exhaust, not pass unlimited traffic")
}

func TestAdminRoutesRequireMasterKey(t *testing.T) {
	e := newAPIEnv(t, 0)

	resp, body := e.do(t, http.MethodGet, "/api/admin/rooms", tetrisKey, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_API_KEY", body["code"])

	resp, body = e.do(t, http.MethodGet, "/api/admin/rooms", masterKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, _ = e.do(t, http.MethodPost, "/api/admin/rooms/ROOM01/sync", masterKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
