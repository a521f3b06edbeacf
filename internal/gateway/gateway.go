// Package gateway terminates WebSocket connections, authenticates them and
// routes their frames into the game layer.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/auth"
	"github.com/cory-johannsen/arena/internal/config"
	"github.com/cory-johannsen/arena/internal/game/registry"
	"github.com/cory-johannsen/arena/internal/game/room"
	"github.com/cory-johannsen/arena/internal/gateway/protocol"
	"github.com/cory-johannsen/arena/internal/storage/postgres"
)

// Gateway upgrades HTTP requests to WebSocket connections and bridges them
// to the registry and room manager.
type Gateway struct {
	cfg      config.GatewayConfig
	logger   *zap.Logger
	verifier auth.Verifier
	players  postgres.PlayerStore
	registry *registry.Registry
	rooms    *room.Manager
	upgrader websocket.Upgrader
}

// New creates a Gateway and wires the registry's lost-connection hook to
// the room manager.
//
// Precondition: All collaborators must be non-nil except players, which
// may be nil when identity enrichment is unavailable.
func New(
	cfg config.GatewayConfig,
	logger *zap.Logger,
	verifier auth.Verifier,
	players postgres.PlayerStore,
	reg *registry.Registry,
	rooms *room.Manager,
) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		logger:   logger,
		verifier: verifier,
		players:  players,
		registry: reg,
		rooms:    rooms,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Token auth happens inside the socket; origin checks stay
			// with the deployment's edge.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	reg.SetLostHandler(rooms.OnConnectionLost)
	return g
}

// Handler returns the HTTP routes served by the gateway.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Shutdown force-closes every live connection.
func (g *Gateway) Shutdown() {
	g.registry.CloseAll(protocol.CloseNormal, "server shutting down")
}

func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return
	}

	identity, ok := g.handshake(ws, r.RemoteAddr)
	if !ok {
		_ = ws.Close()
		return
	}

	conn := newConn(ws, identity, g.cfg, g.logger)
	go conn.writePump()

	g.registry.Register(conn)
	conn.sendOrDrop(protocol.MustEncode(protocol.KindAuthResult, protocol.AuthResult{
		OK:       true,
		PlayerID: identity.PlayerID,
		Name:     identity.Name,
		Rating:   identity.Rating,
	}))

	g.readLoop(conn)

	// Teardown. Unregister only fires the lost hook if this connection
	// still owns its identity slot; a displaced connection's loss was
	// already reported when the newer login replaced it.
	g.registry.Unregister(conn.ID())
	conn.CloseWithCode(protocol.CloseNormal, "")
}

// handshake reads and verifies the mandatory authenticate frame. The
// deadline covers the whole exchange; a silent client is dropped.
func (g *Gateway) handshake(ws *websocket.Conn, remoteAddr string) (auth.Identity, bool) {
	start := time.Now()
	ws.SetReadLimit(g.cfg.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(g.cfg.AuthTimeout))

	reject := func(code string, message string) {
		frame, _ := protocol.Encode(protocol.KindAuthResult, protocol.AuthResult{OK: false, Error: code})
		_ = ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
		_ = ws.WriteMessage(websocket.TextMessage, frame)
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseAuthFailure, message))
		g.logger.Warn("handshake rejected",
			zap.String("remote_addr", remoteAddr),
			zap.String("code", code),
			zap.Duration("duration", time.Since(start)))
	}

	_, frame, err := ws.ReadMessage()
	if err != nil {
		g.logger.Warn("handshake read failed",
			zap.String("remote_addr", remoteAddr),
			zap.Error(err))
		return auth.Identity{}, false
	}

	env, err := protocol.DecodeEnvelope(frame)
	if err != nil || env.Kind != protocol.KindAuthenticate {
		reject("protocol_violation", "first frame must authenticate")
		return auth.Identity{}, false
	}
	var req protocol.Authenticate
	if err := protocol.DecodeData(env, &req); err != nil {
		reject("protocol_violation", "malformed authenticate frame")
		return auth.Identity{}, false
	}

	identity, err := g.verifier.Verify(req.Token)
	if err != nil {
		code := "auth_failed"
		var authErr *auth.AuthError
		if errors.As(err, &authErr) {
			code = string(authErr.Code)
		}
		reject(code, "authentication failed")
		return auth.Identity{}, false
	}

	identity = g.enrich(identity)
	g.logger.Info("connection authenticated",
		zap.Int64("player_id", identity.PlayerID),
		zap.String("name", identity.Name),
		zap.String("remote_addr", remoteAddr),
		zap.Duration("duration", time.Since(start)))
	return identity, true
}

// enrich overlays the persisted player record onto the token claims. The
// store is authoritative for name and rating; a missing record or an
// unreachable store falls back to the claims.
func (g *Gateway) enrich(identity auth.Identity) auth.Identity {
	if g.players == nil {
		return identity
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rec, err := g.players.ReadPlayer(ctx, identity.PlayerID)
	switch {
	case err == nil:
		identity.Name = rec.Name
		identity.Rating = rec.Rating
	case errors.Is(err, postgres.ErrPlayerNotFound):
		g.logger.Debug("no player record, using token claims",
			zap.Int64("player_id", identity.PlayerID))
	default:
		g.logger.Warn("reading player record failed, using token claims",
			zap.Int64("player_id", identity.PlayerID),
			zap.Error(err))
	}
	return identity
}

func (g *Gateway) readLoop(conn *Conn) {
	ws := conn.ws
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	})

	for {
		_ = ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				conn.logger.Info("connection dropped", zap.Error(err))
			} else {
				conn.logger.Info("connection closed")
			}
			return
		}
		g.dispatch(conn, frame)
	}
}

// dispatch routes one inbound frame. The kind set is closed; every branch
// is handled and anything else earns an error frame.
func (g *Gateway) dispatch(conn *Conn, frame []byte) {
	playerID := conn.identity.PlayerID

	env, err := protocol.DecodeEnvelope(frame)
	if err != nil {
		conn.sendOrDrop(protocol.MustEncode(protocol.KindError, protocol.ErrorMsg{
			Code:    "bad_frame",
			Message: err.Error(),
		}))
		return
	}

	switch env.Kind {
	case protocol.KindAuthenticate:
		conn.sendOrDrop(protocol.MustEncode(protocol.KindError, protocol.ErrorMsg{
			Code:    "already_authenticated",
			Message: "connection is already authenticated",
		}))

	case protocol.KindJoinRoom:
		var req protocol.JoinRoom
		if err := protocol.DecodeData(env, &req); err != nil {
			conn.sendOrDrop(protocol.MustEncode(protocol.KindError, protocol.ErrorMsg{
				Code:    "bad_frame",
				Message: err.Error(),
			}))
			return
		}
		g.handleJoin(conn, req)

	case protocol.KindAction:
		var req protocol.Action
		if err := protocol.DecodeData(env, &req); err != nil {
			conn.sendOrDrop(protocol.MustEncode(protocol.KindActionRejected, protocol.ActionRejected{
				Reason: room.RejectInvalidPayload,
				Detail: err.Error(),
			}))
			return
		}
		g.handleAction(conn, req)

	case protocol.KindLeave:
		if err := g.rooms.Leave(playerID); err != nil {
			conn.sendOrDrop(protocol.MustEncode(protocol.KindError, protocol.ErrorMsg{
				Code:    "not_in_room",
				Message: "no room to leave",
			}))
		}

	case protocol.KindHeartbeat:
		// Liveness only; the read deadline was already extended by the
		// successful read.

	default:
		conn.sendOrDrop(protocol.MustEncode(protocol.KindError, protocol.ErrorMsg{
			Code:    "unknown_kind",
			Message: "unrecognised message kind",
		}))
	}
}

func (g *Gateway) handleJoin(conn *Conn, req protocol.JoinRoom) {
	identity := conn.identity

	var err error
	if req.RoomID != "" {
		_, err = g.rooms.Join(req.RoomID, identity.PlayerID, identity.Name, conn)
	} else {
		_, err = g.rooms.JoinAny(req.MatchmakingHint, identity.PlayerID, identity.Name, conn)
	}
	if err == nil {
		return
	}

	var adm *room.AdmissionError
	switch {
	case errors.As(err, &adm):
		conn.sendOrDrop(protocol.MustEncode(protocol.KindError, protocol.ErrorMsg{
			Code:    "join_rejected_" + adm.Reason,
			Message: err.Error(),
		}))
	case errors.Is(err, room.ErrAlreadyInRoom):
		conn.sendOrDrop(protocol.MustEncode(protocol.KindError, protocol.ErrorMsg{
			Code:    "already_in_room",
			Message: "leave the current room first",
		}))
	default:
		conn.sendOrDrop(protocol.MustEncode(protocol.KindError, protocol.ErrorMsg{
			Code:    "join_failed",
			Message: err.Error(),
		}))
	}
}

func (g *Gateway) handleAction(conn *Conn, req protocol.Action) {
	playerID := conn.identity.PlayerID

	rm, ok := g.rooms.RoomFor(playerID)
	if !ok {
		conn.sendOrDrop(protocol.MustEncode(protocol.KindActionRejected, protocol.ActionRejected{
			Reason: room.RejectNotSeated,
		}))
		return
	}

	err := rm.Action(playerID, req.Payload)
	if err == nil {
		return
	}

	var rej *room.ActionError
	if errors.As(err, &rej) {
		conn.sendOrDrop(protocol.MustEncode(protocol.KindActionRejected, protocol.ActionRejected{
			Reason: rej.Reason,
			Detail: rej.Detail,
		}))
		return
	}
	conn.sendOrDrop(protocol.MustEncode(protocol.KindActionRejected, protocol.ActionRejected{
		Reason: room.RejectRoomNotActive,
	}))
}
