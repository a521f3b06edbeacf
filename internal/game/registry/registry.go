// Package registry tracks the single live connection per authenticated
// player identity.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/auth"
	"github.com/cory-johannsen/arena/internal/gateway/protocol"
)

// Conn is the connection handle the registry manages. The concrete type
// lives in the gateway package; the registry only needs identity, delivery
// and forced close.
type Conn interface {
	ID() string
	Identity() auth.Identity
	Send(data []byte) error
	CloseWithCode(code int, reason string)
}

// LostFunc is invoked after a connection is unregistered, outside the
// registry lock. It receives the connection id and the player identity
// the connection carried.
type LostFunc func(connID string, playerID int64)

// Registry maps player identities to their single live connection.
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	byPlayer map[int64]Conn
	byConn   map[string]int64
	onLost   LostFunc
	logger   *zap.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		byPlayer: make(map[int64]Conn),
		byConn:   make(map[string]int64),
		logger:   logger,
	}
}

// SetLostHandler installs the hook fired when a connection is unregistered.
//
// Precondition: Must be called before connections register; the handler is
// not guarded against concurrent replacement.
func (r *Registry) SetLostHandler(fn LostFunc) {
	r.onLost = fn
}

// Register binds c as the live connection for its player identity.
// If the identity already had a live connection, that older handle is
// displaced: it is closed with a duplicate-login code, reported through
// the lost handler so any seat it held enters its grace window, and
// returned so the caller can tear down its pumps. Last writer wins.
//
// Precondition: c must carry a verified identity.
// Postcondition: Lookup(playerID) returns c. The replaced handle, if any,
// is no longer tracked and its later Unregister is a no-op.
func (r *Registry) Register(c Conn) Conn {
	playerID := c.Identity().PlayerID

	r.mu.Lock()
	old := r.byPlayer[playerID]
	if old != nil {
		delete(r.byConn, old.ID())
	}
	r.byPlayer[playerID] = c
	r.byConn[c.ID()] = playerID
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("displacing duplicate login",
			zap.Int64("player_id", playerID),
			zap.String("old_conn_id", old.ID()),
			zap.String("new_conn_id", c.ID()))
		old.CloseWithCode(protocol.CloseReplaced, "signed in elsewhere")
		// The displaced socket's own teardown is a no-op, so the loss has
		// to be reported here or a seated player would never disconnect.
		if r.onLost != nil {
			r.onLost(old.ID(), playerID)
		}
	}
	return old
}

// Unregister removes the connection with the given id, if it is still the
// live connection for its identity. Idempotent: unregistering an already
// displaced or unknown connection does nothing and fires no hook.
//
// Postcondition: Returns true if an entry was removed; the lost handler
// has been invoked exactly once for that entry.
func (r *Registry) Unregister(connID string) bool {
	r.mu.Lock()
	playerID, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byConn, connID)
	delete(r.byPlayer, playerID)
	r.mu.Unlock()

	if r.onLost != nil {
		r.onLost(connID, playerID)
	}
	return true
}

// Lookup returns the live connection for a player identity.
func (r *Registry) Lookup(playerID int64) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byPlayer[playerID]
	return c, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPlayer)
}

// Snapshot returns the player ids with a live connection.
func (r *Registry) Snapshot() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.byPlayer))
	for id := range r.byPlayer {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll force-closes every live connection with the given code. Used
// during shutdown. Lost handlers do not fire; the process is going away.
//
// Postcondition: The registry is empty.
func (r *Registry) CloseAll(code int, reason string) {
	start := time.Now()

	r.mu.Lock()
	conns := make([]Conn, 0, len(r.byPlayer))
	for _, c := range r.byPlayer {
		conns = append(conns, c)
	}
	r.byPlayer = make(map[int64]Conn)
	r.byConn = make(map[string]int64)
	r.mu.Unlock()

	for _, c := range conns {
		c.CloseWithCode(code, reason)
	}
	r.logger.Info("closed all connections",
		zap.Int("count", len(conns)),
		zap.Duration("duration", time.Since(start)))
}
