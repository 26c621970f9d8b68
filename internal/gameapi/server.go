// Package gameapi is the REST surface external game servers talk to. Every
// route is authenticated by x-api-key, bound to the room's current game, and
// admitted through the fail-secure rate limiter.
package gameapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/gamebuddies/orchestrator/internal/apierr"
	"github.com/gamebuddies/orchestrator/internal/database"
	"github.com/gamebuddies/orchestrator/internal/models"
	"github.com/gamebuddies/orchestrator/internal/progress"
	"github.com/gamebuddies/orchestrator/internal/session"
	"github.com/gamebuddies/orchestrator/internal/statussync"
)

// Server mounts the external game API.
type Server struct {
	repo     database.Repository
	logger   *logrus.Logger
	sessions *session.Manager
	sync     *statussync.Manager
	progress *progress.Service
	limiter  *RateLimiter

	masterKey string

	keyMu    sync.Mutex
	keyCache map[string]cachedKey
}

// NewServer wires the external game API surface.
func NewServer(repo database.Repository, logger *logrus.Logger, sessions *session.Manager, syncMgr *statussync.Manager, prog *progress.Service, limiter *RateLimiter, masterKey string) *Server {
	return &Server{
		repo:      repo,
		logger:    logger,
		sessions:  sessions,
		sync:      syncMgr,
		progress:  prog,
		limiter:   limiter,
		masterKey: masterKey,
		keyCache:  make(map[string]cachedKey),
	}
}

// Routes registers the API on a router subtree.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/rooms/{code}/validate",
		s.authed("validate", "", s.handleValidate)).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{code}/players/{id}/status",
		s.authed("status", models.PermStatusWrite, s.handleStatus)).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{code}/bulk-status",
		s.authed("bulk-status", models.PermStatusWrite, s.handleBulkStatus)).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{code}/players/{id}/heartbeat",
		s.authed("heartbeat", "", s.handleHeartbeat)).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{code}/game-end",
		s.authed("game-end", models.PermStatusWrite, s.handleGameEnd)).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{code}/return-all",
		s.authed("return-all", models.PermReturnAll, s.handleReturnAll)).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{code}/abandon",
		s.authed("abandon", models.PermStatusWrite, s.handleAbandon)).Methods(http.MethodPost)
	r.HandleFunc("/sessions/recover",
		s.authed("sessions-recover", "", s.handleRecoverSession)).Methods(http.MethodPost)
	r.HandleFunc("/progress/event",
		s.authed("progress", models.PermProgress, s.handleProgressEvent)).Methods(http.MethodPost)

	// Legacy pending-return poll, kept for game servers that predate the
	// heartbeat shouldReturn flag. Acks the same per-player set.
	r.HandleFunc("/rooms/{code}/players/{id}/pending-return",
		s.authed("pending-return", "", s.handlePendingReturn)).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/rooms", s.admin(s.handleAdminRooms)).Methods(http.MethodGet)
	admin.HandleFunc("/rooms/{code}/sync", s.admin(s.handleAdminSync)).Methods(http.MethodPost)
}

func writeRateHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.Allowed {
		secs := int(d.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return apierr.Newf(apierr.CodeServerError, fmt.Errorf("decoding request body: %w", err)).
			WithDetails(map[string]interface{}{"reason": "malformed JSON body"})
	}
	return nil
}

// bindRoom loads the route's room and enforces the key→game binding: the
// key's service must run the room's current game, or carry the any-room
// whitelist. Mismatches leave a security audit entry.
func (s *Server) bindRoom(r *http.Request, key *models.APIKey) (*models.Room, error) {
	code := strings.ToUpper(mux.Vars(r)["code"])
	room, err := s.repo.GetRoomByCode(r.Context(), code)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apierr.New(apierr.CodeRoomNotFound)
		}
		return nil, apierr.Newf(apierr.CodeDatabaseError, err)
	}
	if key.Has(models.PermAnyRoom) {
		return room, nil
	}
	if room.CurrentGame != nil {
		game, err := s.repo.GetGameByID(r.Context(), *room.CurrentGame)
		if err == nil && game.ServiceName == key.ServiceName {
			return room, nil
		}
	}
	s.repo.LogEvent(r.Context(), room.ID, nil, "wrong_game_type_rejected", map[string]interface{}{
		"service": key.ServiceName,
	})
	return nil, apierr.New(apierr.CodeWrongGameType)
}

func playerVar(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, apierr.New(apierr.CodePlayerNotFound)
	}
	return id, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleValidate confirms a joining player for the game server and reports
// whether their session token is still usable.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request, key *models.APIKey) {
	room, err := s.bindRoom(r, key)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	snap := models.BuildSnapshot(room, "validate", "game_api", 0)
	resp := map[string]interface{}{
		"success": true,
		"room":    snap.Room,
		"players": snap.Players,
	}

	if raw := r.URL.Query().Get("userId"); raw != "" {
		userID, err := uuid.Parse(raw)
		if err != nil {
			apierr.Write(w, apierr.New(apierr.CodePlayerNotFound))
			return
		}
		member := room.Member(userID)
		if member == nil || member.LeftAt != nil {
			apierr.Write(w, apierr.New(apierr.CodePlayerNotFound))
			return
		}
		resp["member"] = member
	}
	if token := r.URL.Query().Get("sessionToken"); token != "" {
		_, err := s.sessions.Recover(r.Context(), token, key.ServiceName)
		resp["sessionValid"] = err == nil
	}
	writeJSON(w, http.StatusOK, resp)
}

type statusRequest struct {
	Location  models.Location        `json:"location"`
	Timestamp int64                  `json:"timestamp,omitempty"`
	GameData  map[string]interface{} `json:"gameData,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, key *models.APIKey) {
	room, err := s.bindRoom(r, key)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	userID, err := playerVar(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	var req statusRequest
	if err := decodeBody(r, &req); err != nil {
		apierr.Write(w, err)
		return
	}

	meta := map[string]interface{}{}
	if req.Timestamp != 0 {
		meta["timestamp"] = req.Timestamp
	}
	if req.GameData != nil {
		meta["gameData"] = req.GameData
	}
	res, err := s.sync.UpdatePlayerLocation(r.Context(), userID, room.Code, req.Location, meta)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"applied":  res.Applied,
		"deferred": res.Deferred,
	})
}

type bulkStatusRequest struct {
	Updates   []statussync.StatusUpdate `json:"updates"`
	Reason    string                    `json:"reason,omitempty"`
	GameState map[string]interface{}    `json:"gameState,omitempty"`
}

func (s *Server) handleBulkStatus(w http.ResponseWriter, r *http.Request, key *models.APIKey) {
	room, err := s.bindRoom(r, key)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	var req bulkStatusRequest
	if err := decodeBody(r, &req); err != nil {
		apierr.Write(w, err)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "bulk_update"
	}

	results, err := s.sync.BulkUpdatePlayerStatus(r.Context(), room.Code, req.Updates, reason)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	if req.GameState != nil {
		s.repo.LogEvent(r.Context(), room.ID, nil, "game_state", req.GameState)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"results": results,
	})
}

type heartbeatRequest struct {
	SocketID  string                 `json:"socketId,omitempty"`
	Timestamp int64                  `json:"timestamp,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, key *models.APIKey) {
	room, err := s.bindRoom(r, key)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	userID, err := playerVar(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	var req heartbeatRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			apierr.Write(w, err)
			return
		}
	}

	res, err := s.sync.HandleHeartbeat(r.Context(), userID, room.Code, req.SocketID, req.Metadata)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"ok":           res.OK,
		"shouldReturn": res.ShouldReturn,
	})
}

type gameEndRequest struct {
	Result map[string]interface{} `json:"result,omitempty"`
}

func (s *Server) handleGameEnd(w http.ResponseWriter, r *http.Request, key *models.APIKey) {
	room, err := s.bindRoom(r, key)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	var req gameEndRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			apierr.Write(w, err)
			return
		}
	}
	if err := s.sync.HandleGameEnd(r.Context(), room.Code, req.Result, "game_end"); err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type returnAllRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleReturnAll(w http.ResponseWriter, r *http.Request, key *models.APIKey) {
	room, err := s.bindRoom(r, key)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	var req returnAllRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			apierr.Write(w, err)
			return
		}
	}
	reason := req.Reason
	if reason == "" {
		reason = key.ServiceName
	}
	if err := s.sync.RequestReturnAll(r.Context(), room.Code, reason); err != nil {
		apierr.Write(w, err)
		return
	}

	// Streamer-mode group returns travel on a generic room session so the
	// lobby URL never carries the room code.
	returnURL := s.sessions.BuildReturnURL(room, nil)
	if room.StreamerMode {
		generic, err := s.sessions.CreatePlayerSession(r.Context(), nil, room, key.ServiceName)
		if err != nil {
			apierr.Write(w, err)
			return
		}
		returnURL = s.sessions.BuildReturnURL(room, generic)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"returnUrl": returnURL,
	})
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request, key *models.APIKey) {
	room, err := s.bindRoom(r, key)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	var req returnAllRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			apierr.Write(w, err)
			return
		}
	}
	reason := req.Reason
	if reason == "" {
		reason = "game room destroyed"
	}
	if err := s.sync.AbandonRoom(r.Context(), room.Code, reason); err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type recoverRequest struct {
	SessionToken string `json:"sessionToken"`
}

func (s *Server) handleRecoverSession(w http.ResponseWriter, r *http.Request, key *models.APIKey) {
	var req recoverRequest
	if err := decodeBody(r, &req); err != nil {
		apierr.Write(w, err)
		return
	}
	rec, err := s.sessions.Recover(r.Context(), req.SessionToken, key.ServiceName)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	resp := map[string]interface{}{
		"success":   true,
		"room":      models.BuildSnapshot(rec.Room, "recover", "game_api", 0).Room,
		"returnUrl": s.sessions.BuildReturnURL(rec.Room, rec.Session),
	}
	if rec.Member != nil {
		resp["member"] = rec.Member
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProgressEvent(w http.ResponseWriter, r *http.Request, _ *models.APIKey) {
	var ev progress.Event
	if err := decodeBody(r, &ev); err != nil {
		apierr.Write(w, err)
		return
	}
	res, err := s.progress.Ingest(r.Context(), ev)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"result":  res,
	})
}

// handlePendingReturn is a thin adapter over the heartbeat path so legacy
// pollers participate in the same acknowledged set.
func (s *Server) handlePendingReturn(w http.ResponseWriter, r *http.Request, key *models.APIKey) {
	room, err := s.bindRoom(r, key)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	userID, err := playerVar(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	res, err := s.sync.HandleHeartbeat(r.Context(), userID, room.Code, "", nil)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"pendingReturn": res.ShouldReturn,
		"returnUrl":     s.sessions.BuildReturnURL(room, nil),
	})
}

func (s *Server) handleAdminRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.repo.ListRoomsByStatus(r.Context(),
		models.RoomStatusLobby, models.RoomStatusInGame, models.RoomStatusReturning)
	if err != nil {
		apierr.Write(w, apierr.Newf(apierr.CodeDatabaseError, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(rooms),
		"rooms":   rooms,
	})
}

func (s *Server) handleAdminSync(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(mux.Vars(r)["code"])
	if err := s.sync.SyncRoomStatus(r.Context(), code); err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
