package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/auth"
	"github.com/cory-johannsen/arena/internal/config"
	"github.com/cory-johannsen/arena/internal/game/registry"
	"github.com/cory-johannsen/arena/internal/game/results"
	"github.com/cory-johannsen/arena/internal/game/room"
	"github.com/cory-johannsen/arena/internal/gateway/protocol"
	"github.com/cory-johannsen/arena/internal/storage/postgres"
)

const testSecret = "test-secret-do-not-ship"

// memStore is an in-memory PlayerStore for gateway tests.
type memStore struct {
	mu      sync.Mutex
	players map[int64]postgres.PlayerRecord
}

func newMemStore() *memStore {
	return &memStore{players: make(map[int64]postgres.PlayerRecord)}
}

func (s *memStore) put(rec postgres.PlayerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players[rec.ID] = rec
}

func (s *memStore) get(id int64) (postgres.PlayerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.players[id]
	return rec, ok
}

func (s *memStore) ReadPlayer(ctx context.Context, id int64) (postgres.PlayerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.players[id]
	if !ok {
		return postgres.PlayerRecord{}, postgres.ErrPlayerNotFound
	}
	return rec, nil
}

func (s *memStore) WritePlayerResult(ctx context.Context, id int64, delta postgres.ResultDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.players[id]
	if !ok {
		return postgres.ErrPlayerNotFound
	}
	rec.Rating += delta.RatingDelta
	switch delta.Outcome {
	case postgres.OutcomeWin:
		rec.Wins++
	case postgres.OutcomeLoss, postgres.OutcomeForfeit:
		rec.Losses++
	case postgres.OutcomeDraw:
		rec.Draws++
	}
	rec.Unflushed = false
	s.players[id] = rec
	return nil
}

func (s *memStore) MarkUnflushed(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.players[id]
	if !ok {
		return postgres.ErrPlayerNotFound
	}
	rec.Unflushed = true
	s.players[id] = rec
	return nil
}

type testEnv struct {
	srv    *httptest.Server
	store  *memStore
	writer *results.Writer
	rooms  *room.Manager
	reg    *registry.Registry
}

func newTestEnv(t *testing.T, roomCfg config.RoomConfig) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	store := newMemStore()
	writer := results.NewWriter(store, logger)
	reg := registry.NewRegistry(logger)
	rooms := room.NewManager(roomCfg, room.ManagerDeps{
		Logger: logger,
		Sink:   writer.Enqueue,
	})

	verifier := auth.NewJWTVerifier(config.AuthConfig{
		Secret: testSecret,
		Leeway: time.Minute,
	})

	g := New(config.GatewayConfig{
		AuthTimeout:     2 * time.Second,
		WriteTimeout:    2 * time.Second,
		PongWait:        30 * time.Second,
		SendQueueSize:   64,
		MaxMessageBytes: 64 * 1024,
	}, logger, verifier, store, reg, rooms)

	srv := httptest.NewServer(g.Handler())
	t.Cleanup(func() {
		srv.Close()
		rooms.Shutdown()
	})
	return &testEnv{srv: srv, store: store, writer: writer, rooms: rooms, reg: reg}
}

func defaultRoomCfg() config.RoomConfig {
	return config.RoomConfig{
		GracePeriod:       time.Minute,
		DefaultCapacity:   2,
		DefaultMinPlayers: 2,
		InboxSize:         32,
	}
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func dial(t *testing.T, env *testEnv) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) send(kind protocol.Kind, data any) {
	c.t.Helper()
	frame, err := protocol.Encode(kind, data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, frame))
}

func (c *client) sendRaw(raw string) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, []byte(raw)))
}

// recvKind reads frames until one of the wanted kind arrives.
func (c *client) recvKind(kind protocol.Kind) protocol.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.ws.SetReadDeadline(deadline))
		_, frame, err := c.ws.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", kind)
		env, err := protocol.DecodeEnvelope(frame)
		require.NoError(c.t, err)
		if env.Kind == kind {
			return env
		}
	}
}

// expectNoFrame asserts nothing arrives within the window.
func (c *client) expectNoFrame(window time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(window)))
	_, frame, err := c.ws.ReadMessage()
	if err == nil {
		c.t.Fatalf("unexpected frame: %s", frame)
	}
}

// expectClose reads until the peer closes and returns the close code.
func (c *client) expectClose() int {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.ws.SetReadDeadline(deadline))
		if _, _, err := c.ws.ReadMessage(); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return closeErr.Code
			}
			c.t.Fatalf("connection failed without close frame: %v", err)
		}
	}
}

func (c *client) authenticate(playerID int64, name string) protocol.AuthResult {
	c.t.Helper()
	token, err := auth.Sign(testSecret, "", auth.Identity{PlayerID: playerID, Name: name, Rating: 1200}, time.Hour)
	require.NoError(c.t, err)
	c.send(protocol.KindAuthenticate, protocol.Authenticate{Token: token})

	env := c.recvKind(protocol.KindAuthResult)
	var res protocol.AuthResult
	require.NoError(c.t, protocol.DecodeData(env, &res))
	return res
}

func (c *client) roomState() protocol.RoomState {
	c.t.Helper()
	env := c.recvKind(protocol.KindRoomState)
	var snap protocol.RoomState
	require.NoError(c.t, protocol.DecodeData(env, &snap))
	return snap
}

func TestGateway_HandshakeSuccessEnrichesFromStore(t *testing.T) {
	env := newTestEnv(t, defaultRoomCfg())
	env.store.put(postgres.PlayerRecord{ID: 1, Name: "StoredAlice", Rating: 1530})

	c := dial(t, env)
	res := c.authenticate(1, "TokenAlice")

	require.True(t, res.OK)
	assert.Equal(t, int64(1), res.PlayerID)
	// The player record, not the token claim, is authoritative.
	assert.Equal(t, "StoredAlice", res.Name)
	assert.Equal(t, 1530, res.Rating)
	assert.Equal(t, 1, env.reg.Count())
}

func TestGateway_HandshakeWithoutRecordUsesClaims(t *testing.T) {
	env := newTestEnv(t, defaultRoomCfg())

	c := dial(t, env)
	res := c.authenticate(5, "ClaimOnly")

	require.True(t, res.OK)
	assert.Equal(t, "ClaimOnly", res.Name)
	assert.Equal(t, 1200, res.Rating)
}

func TestGateway_HandshakeBadSignature(t *testing.T) {
	env := newTestEnv(t, defaultRoomCfg())

	c := dial(t, env)
	token, err := auth.Sign("wrong-secret", "", auth.Identity{PlayerID: 1, Name: "Mallory"}, time.Hour)
	require.NoError(t, err)
	c.send(protocol.KindAuthenticate, protocol.Authenticate{Token: token})

	env2 := c.recvKind(protocol.KindAuthResult)
	var res protocol.AuthResult
	require.NoError(t, protocol.DecodeData(env2, &res))
	assert.False(t, res.OK)
	assert.Equal(t, string(auth.AuthSignatureInvalid), res.Error)

	assert.Equal(t, protocol.CloseAuthFailure, c.expectClose())
	assert.Equal(t, 0, env.reg.Count())
}

func TestGateway_HandshakeWrongFirstFrame(t *testing.T) {
	env := newTestEnv(t, defaultRoomCfg())

	c := dial(t, env)
	c.send(protocol.KindHeartbeat, nil)

	env2 := c.recvKind(protocol.KindAuthResult)
	var res protocol.AuthResult
	require.NoError(t, protocol.DecodeData(env2, &res))
	assert.False(t, res.OK)
	assert.Equal(t, protocol.CloseAuthFailure, c.expectClose())
}

func TestGateway_DuplicateLoginDisplacesOlder(t *testing.T) {
	env := newTestEnv(t, defaultRoomCfg())

	first := dial(t, env)
	require.True(t, first.authenticate(1, "Alice").OK)

	second := dial(t, env)
	require.True(t, second.authenticate(1, "Alice").OK)

	// The older connection is force-closed with the duplicate-login code;
	// the newer one owns the identity slot.
	assert.Equal(t, protocol.CloseReplaced, first.expectClose())
	assert.Equal(t, 1, env.reg.Count())

	second.send(protocol.KindHeartbeat, nil)
	second.expectNoFrame(100 * time.Millisecond)
}

func TestGateway_DuplicateLoginMidMatchOpensGraceWindow(t *testing.T) {
	cfg := defaultRoomCfg()
	cfg.GracePeriod = 100 * time.Millisecond
	env := newTestEnv(t, cfg)

	a := dial(t, env)
	require.True(t, a.authenticate(1, "Alice").OK)
	b := dial(t, env)
	require.True(t, b.authenticate(2, "Bob").OK)

	a.send(protocol.KindJoinRoom, protocol.JoinRoom{})
	snap := a.roomState()
	b.send(protocol.KindJoinRoom, protocol.JoinRoom{RoomID: snap.RoomID})
	active := b.roomState()
	for active.Status == "waiting" {
		active = b.roomState()
	}
	require.Equal(t, "active", active.Status)

	// Alice signs in from a second device but never rejoins the room. The
	// displaced socket counts as an involuntary disconnect: her seat runs
	// out its grace window and Bob wins by forfeit.
	a2 := dial(t, env)
	require.True(t, a2.authenticate(1, "Alice").OK)
	assert.Equal(t, protocol.CloseReplaced, a.expectClose())

	env2 := b.recvKind(protocol.KindRoomEnded)
	var ended protocol.RoomEnded
	require.NoError(t, protocol.DecodeData(env2, &ended))
	assert.Equal(t, "forfeit", ended.Reason)
	assert.Equal(t, int64(2), ended.WinnerID)
}

func TestGateway_JoinAndPlayFlow(t *testing.T) {
	env := newTestEnv(t, defaultRoomCfg())
	a := dial(t, env)
	require.True(t, a.authenticate(1, "Alice").OK)
	b := dial(t, env)
	require.True(t, b.authenticate(2, "Bob").OK)

	a.send(protocol.KindJoinRoom, protocol.JoinRoom{})
	snap := a.roomState()
	assert.Equal(t, "waiting", snap.Status)
	require.Len(t, snap.Members, 1)

	b.send(protocol.KindJoinRoom, protocol.JoinRoom{RoomID: snap.RoomID})
	for _, c := range []*client{a, b} {
		active := c.roomState()
		for active.Status == "waiting" {
			active = c.roomState()
		}
		assert.Equal(t, "active", active.Status)
		assert.Len(t, active.Members, 2)
	}

	a.send(protocol.KindAction, protocol.Action{Payload: json.RawMessage(`{"move":"e4"}`)})
	for _, c := range []*client{a, b} {
		env2 := c.recvKind(protocol.KindStateDelta)
		var d protocol.StateDelta
		require.NoError(t, protocol.DecodeData(env2, &d))
		assert.Equal(t, uint64(1), d.Seq)
		assert.Equal(t, int64(1), d.PlayerID)
		assert.JSONEq(t, `{"move":"e4"}`, string(d.Payload))
	}
}

func TestGateway_ActionWithoutRoomRejected(t *testing.T) {
	env := newTestEnv(t, defaultRoomCfg())
	c := dial(t, env)
	require.True(t, c.authenticate(1, "Alice").OK)

	c.send(protocol.KindAction, protocol.Action{Payload: json.RawMessage(`{"x":1}`)})

	env2 := c.recvKind(protocol.KindActionRejected)
	var rej protocol.ActionRejected
	require.NoError(t, protocol.DecodeData(env2, &rej))
	assert.Equal(t, room.RejectNotSeated, rej.Reason)
}

func TestGateway_LeaveMidMatchForfeitsAndPersists(t *testing.T) {
	env := newTestEnv(t, defaultRoomCfg())
	env.store.put(postgres.PlayerRecord{ID: 1, Name: "Alice", Rating: 1200})
	env.store.put(postgres.PlayerRecord{ID: 2, Name: "Bob", Rating: 1200})

	a := dial(t, env)
	require.True(t, a.authenticate(1, "Alice").OK)
	b := dial(t, env)
	require.True(t, b.authenticate(2, "Bob").OK)

	a.send(protocol.KindJoinRoom, protocol.JoinRoom{})
	snap := a.roomState()
	b.send(protocol.KindJoinRoom, protocol.JoinRoom{RoomID: snap.RoomID})
	b.roomState()

	a.send(protocol.KindLeave, nil)

	env2 := b.recvKind(protocol.KindRoomEnded)
	var ended protocol.RoomEnded
	require.NoError(t, protocol.DecodeData(env2, &ended))
	assert.Equal(t, "forfeit", ended.Reason)
	assert.Equal(t, int64(2), ended.WinnerID)

	env.writer.Wait()
	alice, ok := env.store.get(1)
	require.True(t, ok)
	bob, ok := env.store.get(2)
	require.True(t, ok)
	assert.Equal(t, 1, alice.Losses)
	assert.Less(t, alice.Rating, 1200)
	assert.Equal(t, 1, bob.Wins)
	assert.Greater(t, bob.Rating, 1200)
}

func TestGateway_ReconnectResumesSeat(t *testing.T) {
	env := newTestEnv(t, defaultRoomCfg())
	a := dial(t, env)
	require.True(t, a.authenticate(1, "Alice").OK)
	b := dial(t, env)
	require.True(t, b.authenticate(2, "Bob").OK)

	a.send(protocol.KindJoinRoom, protocol.JoinRoom{})
	snap := a.roomState()
	roomID := snap.RoomID
	b.send(protocol.KindJoinRoom, protocol.JoinRoom{RoomID: roomID})
	b.roomState()
	active := a.roomState()
	for active.Status == "waiting" {
		active = a.roomState()
	}
	require.Equal(t, "active", active.Status)

	// Drop Bob's transport without a leave frame.
	require.NoError(t, b.ws.Close())

	require.Eventually(t, func() bool {
		return env.reg.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Bob returns on a fresh connection and resumes his seat.
	b2 := dial(t, env)
	require.True(t, b2.authenticate(2, "Bob").OK)
	b2.send(protocol.KindJoinRoom, protocol.JoinRoom{RoomID: roomID})

	resumed := b2.roomState()
	assert.Equal(t, "active", resumed.Status)
	assert.Equal(t, roomID, resumed.RoomID)
	assert.Len(t, resumed.Members, 2)

	// Play continues. The peer's very next frame is the action delta:
	// the reconnect produced no join replay in between.
	b2.send(protocol.KindAction, protocol.Action{Payload: json.RawMessage(`{"move":"e5"}`)})
	require.NoError(t, a.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, frame, err := a.ws.ReadMessage()
	require.NoError(t, err)
	next, err := protocol.DecodeEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindStateDelta, next.Kind)
}

func TestGateway_SecondAuthenticateRejected(t *testing.T) {
	env := newTestEnv(t, defaultRoomCfg())
	c := dial(t, env)
	require.True(t, c.authenticate(1, "Alice").OK)

	token, err := auth.Sign(testSecret, "", auth.Identity{PlayerID: 1, Name: "Alice"}, time.Hour)
	require.NoError(t, err)
	c.send(protocol.KindAuthenticate, protocol.Authenticate{Token: token})

	env2 := c.recvKind(protocol.KindError)
	var msg protocol.ErrorMsg
	require.NoError(t, protocol.DecodeData(env2, &msg))
	assert.Equal(t, "already_authenticated", msg.Code)
}

func TestGateway_MalformedFrameError(t *testing.T) {
	env := newTestEnv(t, defaultRoomCfg())
	c := dial(t, env)
	require.True(t, c.authenticate(1, "Alice").OK)

	c.sendRaw(`{not json at all`)

	env2 := c.recvKind(protocol.KindError)
	var msg protocol.ErrorMsg
	require.NoError(t, protocol.DecodeData(env2, &msg))
	assert.Equal(t, "bad_frame", msg.Code)
}

func TestGateway_UnknownKindError(t *testing.T) {
	env := newTestEnv(t, defaultRoomCfg())
	c := dial(t, env)
	require.True(t, c.authenticate(1, "Alice").OK)

	c.sendRaw(fmt.Sprintf(`{"kind":%q}`, "teleport"))

	env2 := c.recvKind(protocol.KindError)
	var msg protocol.ErrorMsg
	require.NoError(t, protocol.DecodeData(env2, &msg))
	assert.Equal(t, "unknown_kind", msg.Code)
}

func TestGateway_JoinUnknownRoomRejected(t *testing.T) {
	env := newTestEnv(t, defaultRoomCfg())
	c := dial(t, env)
	require.True(t, c.authenticate(1, "Alice").OK)

	c.send(protocol.KindJoinRoom, protocol.JoinRoom{RoomID: "no-such-room"})

	env2 := c.recvKind(protocol.KindError)
	var msg protocol.ErrorMsg
	require.NoError(t, protocol.DecodeData(env2, &msg))
	assert.Equal(t, "join_rejected_not_found", msg.Code)
}
