package room

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/config"
)

// ManagerDeps are the manager's collaborators, shared by every room it
// creates.
type ManagerDeps struct {
	Logger  *zap.Logger
	Judge   Judge
	Sink    ResultSink
	Presets map[string]Config
}

// Manager owns the room table and the player-to-room bindings. Admission,
// routing and teardown go through it; per-room game logic stays on each
// room's own goroutine.
//
// The manager never holds its lock across a room call. Room hooks run on
// room goroutines and take the lock themselves.
type Manager struct {
	cfg     config.RoomConfig
	logger  *zap.Logger
	judge   Judge
	sink    ResultSink
	presets map[string]Config

	mu         sync.RWMutex
	rooms      map[string]*Room
	order      []string
	playerRoom map[int64]string
}

// NewManager creates a Manager.
//
// Precondition: deps.Logger must not be nil.
func NewManager(cfg config.RoomConfig, deps ManagerDeps) *Manager {
	presets := deps.Presets
	if presets == nil {
		presets = map[string]Config{}
	}
	return &Manager{
		cfg:        cfg,
		logger:     deps.Logger,
		judge:      deps.Judge,
		sink:       deps.Sink,
		presets:    presets,
		rooms:      make(map[string]*Room),
		playerRoom: make(map[int64]string),
	}
}

func (m *Manager) defaultConfig() Config {
	return Config{
		Capacity:        m.cfg.DefaultCapacity,
		MinPlayers:      m.cfg.DefaultMinPlayers,
		AutoStartOnFull: true,
		GracePeriod:     m.cfg.GracePeriod,
		InboxSize:       m.cfg.InboxSize,
	}
}

// CreateRoom creates and registers a room with the given rules.
//
// Postcondition: The room is running, in StatusWaiting, and visible to
// Join and matchmaking.
func (m *Manager) CreateRoom(cfg Config) *Room {
	id := uuid.NewString()
	rm := NewRoom(id, cfg, Deps{
		Logger: m.logger,
		Judge:  m.judge,
		Sink:   m.sink,
		Hooks: Hooks{
			OnPlayerReleased: func(playerID int64) { m.releasePlayer(playerID, id) },
			OnFinished:       func(roomID string) { m.removeRoom(roomID) },
		},
	})

	m.mu.Lock()
	m.rooms[id] = rm
	m.order = append(m.order, id)
	m.mu.Unlock()

	m.logger.Info("room created",
		zap.String("room_id", id),
		zap.String("preset", cfg.Name),
		zap.Int("capacity", rm.Config().Capacity))
	return rm
}

// CreateFromPreset creates a room from a named preset, or from the
// default rules when name is empty.
func (m *Manager) CreateFromPreset(name string) (*Room, error) {
	if name == "" {
		return m.CreateRoom(m.defaultConfig()), nil
	}
	preset, ok := m.presets[name]
	if !ok {
		return nil, &AdmissionError{Reason: ReasonNotFound}
	}
	if preset.GracePeriod == 0 {
		preset.GracePeriod = m.cfg.GracePeriod
	}
	if preset.InboxSize == 0 {
		preset.InboxSize = m.cfg.InboxSize
	}
	return m.CreateRoom(preset), nil
}

// Room returns the room with the given id.
func (m *Manager) Room(id string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rm, ok := m.rooms[id]
	return rm, ok
}

// RoomFor returns the room a player is currently bound to.
func (m *Manager) RoomFor(playerID int64) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.playerRoom[playerID]
	if !ok {
		return nil, false
	}
	rm, ok := m.rooms[id]
	return rm, ok
}

// RoomCount returns the number of live rooms.
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Join admits a player into a specific room. A player bound to another
// room must leave it first; room switches are expressed as an ordered
// leave-then-join by the client.
//
// Postcondition: On nil error the player is seated (or resumed) in the
// room and bound to it. On error the bindings are unchanged.
func (m *Manager) Join(roomID string, playerID int64, name string, conn Conn) (*Room, error) {
	m.mu.Lock()
	if bound, ok := m.playerRoom[playerID]; ok && bound != roomID {
		if _, exists := m.rooms[bound]; exists {
			m.mu.Unlock()
			return nil, ErrAlreadyInRoom
		}
		// Stale binding to a torn-down room.
		delete(m.playerRoom, playerID)
	}
	rm, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return nil, &AdmissionError{RoomID: roomID, Reason: ReasonNotFound}
	}
	m.playerRoom[playerID] = roomID
	m.mu.Unlock()

	if err := rm.Join(playerID, name, conn); err != nil {
		m.mu.Lock()
		if m.playerRoom[playerID] == roomID {
			delete(m.playerRoom, playerID)
		}
		m.mu.Unlock()
		return nil, err
	}
	return rm, nil
}

// JoinAny seats a player in the oldest compatible waiting room, creating
// one from the hinted preset (or the default rules) when none has space.
func (m *Manager) JoinAny(hint string, playerID int64, name string, conn Conn) (*Room, error) {
	m.mu.RLock()
	candidates := make([]*Room, 0, len(m.order))
	for _, id := range m.order {
		rm, ok := m.rooms[id]
		if !ok {
			continue
		}
		if hint != "" && rm.Config().Name != hint {
			continue
		}
		if rm.Status() == StatusWaiting && rm.MemberCount() < rm.Config().Capacity {
			candidates = append(candidates, rm)
		}
	}
	m.mu.RUnlock()

	for _, rm := range candidates {
		_, err := m.Join(rm.ID(), playerID, name, conn)
		if err == nil {
			return rm, nil
		}
		// Lost the race for the last seat, or the room moved on. Keep
		// scanning.
		var adm *AdmissionError
		if errors.As(err, &adm) {
			continue
		}
		return nil, err
	}

	rm, err := m.CreateFromPreset(hint)
	if err != nil {
		return nil, err
	}
	return m.Join(rm.ID(), playerID, name, conn)
}

// Leave removes a player from their current room.
func (m *Manager) Leave(playerID int64) error {
	rm, ok := m.RoomFor(playerID)
	if !ok {
		return ErrNotSeated
	}
	return rm.Leave(playerID)
}

// Start explicitly begins the match in a room that is not auto-starting.
func (m *Manager) Start(roomID string) error {
	rm, ok := m.Room(roomID)
	if !ok {
		return &AdmissionError{RoomID: roomID, Reason: ReasonNotFound}
	}
	return rm.Start()
}

// OnConnectionLost routes an involuntary disconnect to the player's room.
// The binding survives so the player can reconnect into their seat.
func (m *Manager) OnConnectionLost(connID string, playerID int64) {
	rm, ok := m.RoomFor(playerID)
	if !ok {
		return
	}
	rm.ConnectionLost(connID, playerID)
}

// Shutdown stops every room. Pending room commands fail with
// ErrRoomClosed.
func (m *Manager) Shutdown() {
	start := time.Now()

	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, rm := range m.rooms {
		rooms = append(rooms, rm)
	}
	m.rooms = make(map[string]*Room)
	m.order = nil
	m.playerRoom = make(map[int64]string)
	m.mu.Unlock()

	for _, rm := range rooms {
		rm.Close()
	}
	m.logger.Info("room manager stopped",
		zap.Int("rooms_closed", len(rooms)),
		zap.Duration("duration", time.Since(start)))
}

func (m *Manager) releasePlayer(playerID int64, roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.playerRoom[playerID] == roomID {
		delete(m.playerRoom, playerID)
	}
}

func (m *Manager) removeRoom(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomID)
	for i, id := range m.order {
		if id == roomID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}
