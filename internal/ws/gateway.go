package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gamebuddies/orchestrator/internal/apierr"
	"github.com/gamebuddies/orchestrator/internal/auth"
	"github.com/gamebuddies/orchestrator/internal/connection"
	"github.com/gamebuddies/orchestrator/internal/database"
	"github.com/gamebuddies/orchestrator/internal/lobby"
	"github.com/gamebuddies/orchestrator/internal/models"
	"github.com/gamebuddies/orchestrator/internal/session"
	"github.com/gamebuddies/orchestrator/internal/statussync"
)

const subprotocol = "gamebuddies"

// guestTokenTTL is the lifetime of the identity token minted for a socket
// that arrives without one.
const guestTokenTTL = 24 * time.Hour

// Gateway accepts client websockets and dispatches their events.
type Gateway struct {
	hub      *Hub
	conns    *connection.Manager
	repo     database.Repository
	logger   *logrus.Logger
	lobby    *lobby.Manager
	sync     *statussync.Manager
	sessions *session.Manager

	pingInterval time.Duration
}

// NewGateway wires the socket gateway.
func NewGateway(hub *Hub, conns *connection.Manager, repo database.Repository, logger *logrus.Logger, lobbyMgr *lobby.Manager, syncMgr *statussync.Manager, sessions *session.Manager, pingInterval time.Duration) *Gateway {
	return &Gateway{
		hub:          hub,
		conns:        conns,
		repo:         repo,
		logger:       logger,
		lobby:        lobbyMgr,
		sync:         syncMgr,
		sessions:     sessions,
		pingInterval: pingInterval,
	}
}

func writeJSON(ctx context.Context, c *websocket.Conn, msg map[string]interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling outgoing message: %w", err)
	}
	return c.Write(ctx, websocket.MessageText, data)
}

// identify resolves the connecting user: a valid identity token wins;
// otherwise a guest user is minted and a fresh token handed back.
func (g *Gateway) identify(ctx context.Context, r *http.Request) (*models.User, string, error) {
	if token := r.URL.Query().Get("token"); token != "" {
		userID, err := auth.VerifyIdentityToken(token)
		if err != nil {
			return nil, "", apierr.Newf(apierr.CodeUnauthorized, err)
		}
		user, err := g.repo.GetUserByID(ctx, userID)
		if err != nil {
			return nil, "", apierr.Newf(apierr.CodeUnauthorized, err)
		}
		return user, "", nil
	}

	// Guest identity. The projection lives in users like any other row so
	// joins and snapshots need no special casing.
	id := uuid.New()
	user := &models.User{
		ID:          id,
		Username:    "guest-" + strings.Split(id.String(), "-")[0],
		Role:        "user",
		IsGuest:     true,
		PremiumTier: "free",
		Level:       1,
		LastSeen:    time.Now().UTC(),
	}
	if err := g.repo.UpsertUser(ctx, user); err != nil {
		return nil, "", apierr.Newf(apierr.CodeDatabaseError, err)
	}
	token, err := auth.IssueIdentityToken(id, guestTokenTTL)
	if err != nil {
		return nil, "", apierr.Newf(apierr.CodeServerError, err)
	}
	return user, token, nil
}

// Handler is the /ws endpoint.
func (g *Gateway) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{subprotocol},
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			g.logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != subprotocol {
			c.Close(websocket.StatusPolicyViolation, "client must speak the gamebuddies subprotocol")
			return
		}

		user, guestToken, err := g.identify(r.Context(), r)
		if err != nil {
			g.logger.Infof("socket auth failed from %s: %v", r.RemoteAddr, err)
			c.Close(websocket.StatusPolicyViolation, "authentication failed")
			return
		}

		socketID := uuid.New().String()
		ctx, cancel := context.WithCancel(r.Context())
		cl := &client{
			socketID: socketID,
			userID:   user.ID,
			conn:     c,
			out:      make(chan map[string]interface{}, outChanSize),
			cancel:   cancel,
		}
		if !g.conns.Register(socketID, user.ID, "") {
			c.Close(websocket.StatusPolicyViolation, "too many connections")
			cancel()
			return
		}
		g.hub.addClient(cl)

		g.logger.WithFields(logrus.Fields{
			"socket": socketID, "user": user.ID, "remote": r.RemoteAddr,
		}).Info("socket connected")

		welcome := map[string]interface{}{
			"event":    "connected",
			"socketId": socketID,
			"userId":   user.ID.String(),
		}
		if guestToken != "" {
			welcome["guestToken"] = guestToken
		}
		g.hub.send(socketID, welcome)

		go g.hub.writePump(ctx, cl, g.pingInterval)
		g.readPump(ctx, cl)

		g.finishDisconnect(user.ID, socketID)
		g.logger.WithFields(logrus.Fields{"socket": socketID, "user": user.ID}).Info("socket disconnected")
	}
}

// finishDisconnect runs the cleanup after a socket's read pump exits. The
// presence transition fires only when this was the user's last socket in that
// room; tabs open in other rooms do not keep this room's presence alive.
func (g *Gateway) finishDisconnect(userID uuid.UUID, socketID string) {
	_, roomCode, _ := g.conns.Disconnect(socketID)
	g.hub.removeClient(socketID)
	if roomCode == "" {
		return
	}
	for _, uc := range g.conns.GetUserConnections(userID) {
		if uc.RoomCode == roomCode {
			return
		}
	}
	if err := g.sync.HandleSocketDisconnect(context.Background(), userID, roomCode); err != nil {
		g.logger.Debugf("disconnect transition failed for %s: %v", userID, err)
	}
}

func (g *Gateway) readPump(ctx context.Context, cl *client) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		typ, data, err := cl.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway &&
				!strings.Contains(err.Error(), "context canceled") {
				g.logger.Debugf("read error on socket %s: %v", cl.socketID, err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var packet map[string]interface{}
		if err := json.Unmarshal(data, &packet); err != nil {
			g.hub.sendError(cl.socketID, apierr.ToEnvelope(apierr.New(apierr.CodeServerError).WithDetails(
				map[string]interface{}{"reason": "invalid JSON"})))
			continue
		}
		if err := g.dispatch(ctx, cl, packet); err != nil {
			g.logger.WithFields(logrus.Fields{
				"socket": cl.socketID, "user": cl.userID, "code": apierr.Code(err),
			}).Info("socket event rejected")
			g.hub.sendError(cl.socketID, apierr.ToEnvelope(err))
		}
	}
}

func stringField(packet map[string]interface{}, key string) string {
	s, _ := packet[key].(string)
	return s
}

func uuidField(packet map[string]interface{}, key string) (uuid.UUID, error) {
	id, err := uuid.Parse(stringField(packet, key))
	if err != nil {
		return uuid.Nil, apierr.New(apierr.CodePlayerNotFound)
	}
	return id, nil
}

// currentRoom is the room this socket is attached to, required by most events.
func (g *Gateway) currentRoom(cl *client) (string, error) {
	conn, ok := g.conns.Get(cl.socketID)
	if !ok || conn.RoomCode == "" {
		return "", apierr.New(apierr.CodeRoomNotFound)
	}
	return conn.RoomCode, nil
}

func (g *Gateway) dispatch(ctx context.Context, cl *client, packet map[string]interface{}) error {
	event := stringField(packet, "event")
	if event == "" {
		event = stringField(packet, "type")
	}

	switch event {
	case "createRoom":
		return g.onCreateRoom(ctx, cl, packet)
	case "joinRoom":
		return g.onJoinRoom(ctx, cl, packet)
	case "joinSocketRoom":
		return g.onJoinSocketRoom(ctx, cl, packet)
	case "selectGame":
		return g.onSelectGame(ctx, cl, packet)
	case "startGame":
		return g.onStartGame(ctx, cl, packet)
	case "leaveRoom":
		return g.onLeaveRoom(ctx, cl)
	case "playerReturnToLobby":
		return g.onPlayerReturn(ctx, cl)
	case "transferHost":
		return g.onTransferHost(ctx, cl, packet)
	case "kickPlayer":
		return g.onKickPlayer(ctx, cl, packet)
	case "ready":
		return g.onReady(ctx, cl, true)
	case "unready":
		return g.onReady(ctx, cl, false)
	case "setLobbyName":
		return g.onSetLobbyName(ctx, cl, packet)
	case "chat":
		return g.onChat(ctx, cl, packet)
	case "heartbeat":
		return g.onHeartbeat(ctx, cl)
	default:
		return apierr.New(apierr.CodeServerError).WithDetails(map[string]interface{}{
			"reason": "unknown event", "event": event,
		})
	}
}

func (g *Gateway) onCreateRoom(ctx context.Context, cl *client, packet map[string]interface{}) error {
	maxPlayers, _ := packet["maxPlayers"].(float64)
	isPublic, _ := packet["isPublic"].(bool)
	streamerMode, _ := packet["streamerMode"].(bool)
	settings, _ := packet["gameSettings"].(map[string]interface{})

	room, err := g.lobby.CreateRoom(ctx, cl.userID, lobby.CreateRoomParams{
		HostName:     stringField(packet, "hostName"),
		MaxPlayers:   int(maxPlayers),
		IsPublic:     isPublic,
		StreamerMode: streamerMode,
		GameSettings: settings,
	})
	if err != nil {
		return err
	}
	g.conns.Register(cl.socketID, cl.userID, room.Code)
	g.hub.send(cl.socketID, map[string]interface{}{
		"event":    "roomCreated",
		"roomCode": room.Code,
		"room":     models.BuildSnapshot(room, "create", "socket", 0),
	})
	return g.sync.HandleSocketConnect(ctx, cl.userID, room.Code, cl.socketID)
}

func (g *Gateway) onJoinRoom(ctx context.Context, cl *client, packet map[string]interface{}) error {
	room, err := g.lobby.JoinRoom(ctx, cl.userID,
		stringField(packet, "roomCode"), stringField(packet, "playerName"))
	if err != nil {
		return err
	}
	g.conns.Register(cl.socketID, cl.userID, room.Code)
	g.hub.send(cl.socketID, map[string]interface{}{
		"event":    "roomJoined",
		"roomCode": room.Code,
		"room":     models.BuildSnapshot(room, "join", "socket", 0),
	})
	return g.sync.HandleSocketConnect(ctx, cl.userID, room.Code, cl.socketID)
}

// onJoinSocketRoom re-attaches a socket to a room the user already belongs to
// (page reload, session recovery landing).
func (g *Gateway) onJoinSocketRoom(ctx context.Context, cl *client, packet map[string]interface{}) error {
	roomCode := strings.ToUpper(stringField(packet, "roomCode"))
	if roomCode == "" {
		// Streamer-mode landings carry a session token instead of a code.
		if token := stringField(packet, "sessionToken"); token != "" {
			rec, err := g.sessions.Recover(ctx, token, "")
			if err != nil {
				return err
			}
			roomCode = rec.Room.Code
		}
	}
	if roomCode == "" {
		return apierr.New(apierr.CodeInvalidRoomCode)
	}
	g.conns.Register(cl.socketID, cl.userID, roomCode)
	return g.sync.HandleSocketConnect(ctx, cl.userID, roomCode, cl.socketID)
}

func (g *Gateway) onSelectGame(ctx context.Context, cl *client, packet map[string]interface{}) error {
	roomCode, err := g.currentRoom(cl)
	if err != nil {
		return err
	}
	gameID, err := uuidField(packet, "gameId")
	if err != nil {
		return apierr.New(apierr.CodeGameNotAvailable)
	}
	_, err = g.lobby.SelectGame(ctx, cl.userID, roomCode, gameID)
	return err
}

func (g *Gateway) onStartGame(ctx context.Context, cl *client, packet map[string]interface{}) error {
	roomCode, err := g.currentRoom(cl)
	if err != nil {
		return err
	}
	settings, _ := packet["settings"].(map[string]interface{})
	res, err := g.lobby.StartGame(ctx, cl.userID, roomCode, settings)
	if err != nil {
		return err
	}
	// Each player gets their own redirect; tokens never ride the broadcast.
	for userID, url := range res.GameURLs {
		g.hub.NotifyUser(userID, "gameStarted", map[string]interface{}{
			"roomCode":     roomCode,
			"gameUrl":      url,
			"sessionToken": res.Sessions[userID].Token,
		})
	}
	return nil
}

func (g *Gateway) onLeaveRoom(ctx context.Context, cl *client) error {
	roomCode, err := g.currentRoom(cl)
	if err != nil {
		return err
	}
	if err := g.lobby.LeaveRoom(ctx, cl.userID, roomCode); err != nil {
		return err
	}
	g.conns.Register(cl.socketID, cl.userID, "")
	return nil
}

func (g *Gateway) onPlayerReturn(ctx context.Context, cl *client) error {
	roomCode, err := g.currentRoom(cl)
	if err != nil {
		return err
	}
	return g.sync.PlayerReturnToLobby(ctx, cl.userID, roomCode)
}

func (g *Gateway) onTransferHost(ctx context.Context, cl *client, packet map[string]interface{}) error {
	roomCode, err := g.currentRoom(cl)
	if err != nil {
		return err
	}
	target, err := uuidField(packet, "targetId")
	if err != nil {
		return err
	}
	return g.lobby.TransferHost(ctx, cl.userID, roomCode, target)
}

func (g *Gateway) onKickPlayer(ctx context.Context, cl *client, packet map[string]interface{}) error {
	roomCode, err := g.currentRoom(cl)
	if err != nil {
		return err
	}
	target, err := uuidField(packet, "targetId")
	if err != nil {
		return err
	}
	reason := stringField(packet, "reason")
	if err := g.lobby.KickPlayer(ctx, cl.userID, roomCode, target, reason); err != nil {
		return err
	}
	g.hub.CloseUserSockets(target, roomCode, "kicked from room")
	return nil
}

func (g *Gateway) onReady(ctx context.Context, cl *client, ready bool) error {
	roomCode, err := g.currentRoom(cl)
	if err != nil {
		return err
	}
	return g.lobby.SetReady(ctx, cl.userID, roomCode, ready)
}

func (g *Gateway) onSetLobbyName(ctx context.Context, cl *client, packet map[string]interface{}) error {
	roomCode, err := g.currentRoom(cl)
	if err != nil {
		return err
	}
	return g.lobby.SetLobbyName(ctx, cl.userID, roomCode, stringField(packet, "name"))
}

// onChat relays a lobby chat line. Messages are ephemeral; nothing persists.
func (g *Gateway) onChat(_ context.Context, cl *client, packet map[string]interface{}) error {
	roomCode, err := g.currentRoom(cl)
	if err != nil {
		return err
	}
	msg := strings.TrimSpace(stringField(packet, "message"))
	if msg == "" || len(msg) > 500 {
		return nil
	}
	g.hub.BroadcastEvent(roomCode, "chat", map[string]interface{}{
		"userId":  cl.userID.String(),
		"message": msg,
	})
	return nil
}

// onHeartbeat refreshes last_ping for socket clients that ping at the
// application layer in addition to protocol pings.
func (g *Gateway) onHeartbeat(ctx context.Context, cl *client) error {
	roomCode, err := g.currentRoom(cl)
	if err != nil {
		return err
	}
	_, err = g.sync.HandleHeartbeat(ctx, cl.userID, roomCode, cl.socketID, nil)
	return err
}
