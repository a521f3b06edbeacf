// Package room implements game rooms and their manager. Each room runs a
// single goroutine that owns all room state; every mutation arrives as a
// command on a bounded inbox, which makes the room the serialization point
// for its members and removes locking from the game path.
package room

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/gateway/protocol"
	"github.com/cory-johannsen/arena/internal/storage/postgres"
)

// Conn is the connection handle a room delivers frames to. The concrete
// type lives in the gateway package.
type Conn interface {
	ID() string
	Send(data []byte) error
	CloseWithCode(code int, reason string)
}

// Status is a room's lifecycle phase. Transitions are one-way:
// Waiting -> Active -> Finished.
type Status int32

// Room lifecycle phases.
const (
	StatusWaiting Status = iota
	StatusActive
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusActive:
		return "active"
	case StatusFinished:
		return "finished"
	}
	return "unknown"
}

// Seat is one player's membership in a room. A seat survives its
// connection: a disconnected seat holds its place for the grace window.
type Seat struct {
	PlayerID  int64
	Name      string
	Conn      Conn
	Connected bool
	Forfeited bool
	JoinedAt  time.Time

	grace    *GraceTimer
	released bool
}

// ResultSink receives one terminal result per seat when a match finishes.
// Delivery must not block; the results writer queues internally.
type ResultSink func(playerID int64, delta postgres.ResultDelta)

// Hooks are callbacks the manager installs to keep its player-to-room
// bindings in step with room decisions. They run on the room goroutine.
type Hooks struct {
	// OnPlayerReleased fires when a seat is relinquished: voluntary leave,
	// grace expiry, or match end. Exactly once per seat.
	OnPlayerReleased func(playerID int64)
	// OnFinished fires once when the room reaches Finished.
	OnFinished func(roomID string)
}

// Deps are the room's collaborators.
type Deps struct {
	Logger *zap.Logger
	Judge  Judge
	Sink   ResultSink
	Hooks  Hooks
}

type op int

const (
	opJoin op = iota
	opLeave
	opLost
	opExpire
	opAction
	opStart
	opSnapshot
)

type command struct {
	op       op
	playerID int64
	name     string
	connID   string
	conn     Conn
	payload  json.RawMessage
	reply    chan error
	snap     chan protocol.RoomState
}

// Room is a single game room driven by one actor goroutine.
type Room struct {
	id        string
	cfg       Config
	logger    *zap.Logger
	judge     Judge
	sink      ResultSink
	hooks     Hooks
	createdAt time.Time

	inbox    chan command
	done     chan struct{}
	stopOnce sync.Once

	// Published for lock-free manager reads; authoritative copies live
	// on the actor goroutine.
	status  atomic.Int32
	members atomic.Int32

	// Actor-owned state. Never touched off the run goroutine.
	seats  []*Seat
	state  State
	turn   int
	result Result
}

// NewRoom creates a room and starts its actor goroutine.
//
// Precondition: deps.Logger must not be nil.
// Postcondition: Returns a running room in StatusWaiting.
func NewRoom(id string, cfg Config, deps Deps) *Room {
	cfg = cfg.withDefaults()
	r := &Room{
		id:        id,
		cfg:       cfg,
		logger:    deps.Logger.With(zap.String("room_id", id), zap.String("preset", cfg.Name)),
		judge:     deps.Judge,
		sink:      deps.Sink,
		hooks:     deps.Hooks,
		createdAt: time.Now(),
		inbox:     make(chan command, cfg.InboxSize),
		done:      make(chan struct{}),
		turn:      -1,
	}
	go r.run()
	return r
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// Config returns the room's rules.
func (r *Room) Config() Config { return r.cfg }

// Status returns the room's lifecycle phase. Safe off the actor goroutine.
func (r *Room) Status() Status { return Status(r.status.Load()) }

// MemberCount returns the number of non-forfeited seats. Safe off the
// actor goroutine.
func (r *Room) MemberCount() int { return int(r.members.Load()) }

// Join admits a player, or resumes their existing seat if they hold one
// (reconnect after a dropped or displaced connection).
//
// Postcondition: On nil error the player holds a connected seat and has
// received a state snapshot. On rejection the error is an *AdmissionError
// or ErrRoomClosed and the room is unchanged.
func (r *Room) Join(playerID int64, name string, conn Conn) error {
	return r.submit(command{op: opJoin, playerID: playerID, name: name, conn: conn})
}

// Leave removes a player voluntarily. Mid-match this forfeits their seat.
func (r *Room) Leave(playerID int64) error {
	return r.submit(command{op: opLeave, playerID: playerID})
}

// Action applies a game action from a player.
//
// Postcondition: On nil error the action was accepted, sequenced and
// broadcast. On rejection the error is an *ActionError and the sequence
// number did not advance.
func (r *Room) Action(playerID int64, payload json.RawMessage) error {
	return r.submit(command{op: opAction, playerID: playerID, payload: payload})
}

// Start begins the match explicitly. Used for rooms without
// AutoStartOnFull once MinPlayers seats are filled.
func (r *Room) Start() error {
	return r.submit(command{op: opStart})
}

// ConnectionLost records an involuntary disconnect for a seated player.
// Fire-and-forget; the seat enters its grace window on the actor. The
// event only counts if connID still names the seat's current connection,
// so a stale loss from a replaced socket cannot race a reconnect.
func (r *Room) ConnectionLost(connID string, playerID int64) {
	select {
	case r.inbox <- command{op: opLost, playerID: playerID, connID: connID}:
	case <-r.done:
	}
}

// Snapshot returns the room's current authoritative state.
func (r *Room) Snapshot() (protocol.RoomState, error) {
	c := command{op: opSnapshot, snap: make(chan protocol.RoomState, 1)}
	select {
	case r.inbox <- c:
	case <-r.done:
		return protocol.RoomState{}, ErrRoomClosed
	}
	select {
	case s := <-c.snap:
		return s, nil
	case <-r.done:
		select {
		case s := <-c.snap:
			return s, nil
		default:
			return protocol.RoomState{}, ErrRoomClosed
		}
	}
}

// Close stops the room actor. Pending commands are answered with
// ErrRoomClosed. Safe to call multiple times.
func (r *Room) Close() {
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *Room) submit(c command) error {
	c.reply = make(chan error, 1)
	select {
	case r.inbox <- c:
	case <-r.done:
		return ErrRoomClosed
	}
	select {
	case err := <-c.reply:
		return err
	case <-r.done:
		// The actor may have replied just before stopping.
		select {
		case err := <-c.reply:
			return err
		default:
			return ErrRoomClosed
		}
	}
}

func (r *Room) run() {
	for {
		select {
		case <-r.done:
			r.shutdown()
			return
		case c := <-r.inbox:
			r.handle(c)
		}
	}
}

func (r *Room) handle(c command) {
	switch c.op {
	case opJoin:
		c.reply <- r.handleJoin(c)
	case opLeave:
		c.reply <- r.handleLeave(c.playerID)
	case opLost:
		r.handleLost(c.connID, c.playerID)
	case opExpire:
		r.handleExpire(c.playerID)
	case opAction:
		c.reply <- r.handleAction(c)
	case opStart:
		c.reply <- r.startMatch()
	case opSnapshot:
		c.snap <- r.buildSnapshot()
	}
}

func (r *Room) shutdown() {
	for _, s := range r.seats {
		if s.grace != nil {
			s.grace.Stop()
		}
	}
	// A room torn down before it finished (server drain) tells its members
	// the room ended; a finished room leaves connections up for the next
	// match.
	if Status(r.status.Load()) != StatusFinished {
		for _, s := range r.seats {
			if s.Connected && s.Conn != nil {
				s.Conn.CloseWithCode(protocol.CloseRoomEnded, "room shut down")
			}
		}
	}
	for {
		select {
		case c := <-r.inbox:
			if c.reply != nil {
				c.reply <- ErrRoomClosed
			}
		default:
			return
		}
	}
}

func (r *Room) seatOf(playerID int64) *Seat {
	for _, s := range r.seats {
		if s.PlayerID == playerID {
			return s
		}
	}
	return nil
}

func (r *Room) handleJoin(c command) error {
	if seat := r.seatOf(c.playerID); seat != nil {
		if seat.Forfeited {
			return &AdmissionError{RoomID: r.id, Reason: ReasonAlreadyActive}
		}
		// Reconnect: resume the existing seat. Other members get no
		// join notice; only the returning player needs a snapshot.
		if seat.grace != nil {
			seat.grace.Stop()
			seat.grace = nil
		}
		seat.Conn = c.conn
		seat.Connected = true
		r.logger.Info("player reconnected",
			zap.Int64("player_id", c.playerID),
			zap.String("conn_id", c.conn.ID()))
		r.sendTo(seat, protocol.MustEncode(protocol.KindRoomState, r.buildSnapshot()))
		return nil
	}

	switch Status(r.status.Load()) {
	case StatusFinished:
		return &AdmissionError{RoomID: r.id, Reason: ReasonFinished}
	case StatusActive:
		return &AdmissionError{RoomID: r.id, Reason: ReasonAlreadyActive}
	}
	if len(r.seats) >= r.cfg.Capacity {
		return &AdmissionError{RoomID: r.id, Reason: ReasonFull}
	}

	r.seats = append(r.seats, &Seat{
		PlayerID:  c.playerID,
		Name:      c.name,
		Conn:      c.conn,
		Connected: true,
		JoinedAt:  time.Now(),
	})
	r.publish()
	r.logger.Info("player joined",
		zap.Int64("player_id", c.playerID),
		zap.Int("members", len(r.seats)),
		zap.Int("capacity", r.cfg.Capacity))
	r.broadcast(protocol.MustEncode(protocol.KindRoomState, r.buildSnapshot()))

	if r.cfg.AutoStartOnFull && len(r.seats) == r.cfg.Capacity {
		if err := r.startMatch(); err != nil {
			r.logger.Error("auto-start failed", zap.Error(err))
		}
	}
	return nil
}

func (r *Room) startMatch() error {
	if Status(r.status.Load()) != StatusWaiting {
		return ErrNotStartable
	}
	if len(r.seats) < r.cfg.MinPlayers {
		return ErrNotStartable
	}
	r.status.Store(int32(StatusActive))
	// First turn goes to the earliest joiner.
	r.turn = 0
	r.logger.Info("match started",
		zap.Int("members", len(r.seats)),
		zap.Duration("waited", time.Since(r.createdAt)))
	r.broadcast(protocol.MustEncode(protocol.KindRoomState, r.buildSnapshot()))
	return nil
}

func (r *Room) handleAction(c command) error {
	seat := r.seatOf(c.playerID)
	if seat == nil || seat.Forfeited {
		return &ActionError{Reason: RejectNotSeated}
	}
	if Status(r.status.Load()) != StatusActive {
		return &ActionError{Reason: RejectRoomNotActive}
	}
	if len(c.payload) == 0 || !json.Valid(c.payload) {
		return &ActionError{Reason: RejectInvalidPayload, Detail: "payload must be valid JSON"}
	}
	if r.cfg.TurnBased && r.seats[r.turn].PlayerID != c.playerID {
		return &ActionError{Reason: RejectInvalidTurn}
	}

	delta := protocol.StateDelta{
		RoomID:   r.id,
		Seq:      r.state.Seq + 1,
		PlayerID: c.playerID,
		Payload:  c.payload,
	}
	if err := r.state.Apply(delta); err != nil {
		// Unreachable: the actor is the only sequencer.
		r.logger.Error("applying delta", zap.Error(err))
		return &ActionError{Reason: RejectInvalidPayload, Detail: err.Error()}
	}
	r.advanceTurn()
	r.broadcast(protocol.MustEncode(protocol.KindStateDelta, delta))

	if r.judge != nil {
		last := r.state.Entries[len(r.state.Entries)-1]
		if res, over := r.judge.Judge(&r.state, last); over {
			r.finish(res)
		}
	}
	return nil
}

func (r *Room) advanceTurn() {
	if len(r.seats) == 0 {
		return
	}
	for i := 1; i <= len(r.seats); i++ {
		next := (r.turn + i) % len(r.seats)
		if !r.seats[next].Forfeited {
			r.turn = next
			return
		}
	}
}

func (r *Room) handleLeave(playerID int64) error {
	seat := r.seatOf(playerID)
	if seat == nil {
		return ErrNotSeated
	}
	switch Status(r.status.Load()) {
	case StatusFinished:
		return ErrRoomClosed
	case StatusWaiting:
		r.removeSeat(playerID)
		r.release(seat)
		r.publish()
		r.logger.Info("player left", zap.Int64("player_id", playerID))
		if len(r.seats) == 0 {
			r.finish(Result{Reason: EndAbandoned})
			return nil
		}
		r.broadcast(protocol.MustEncode(protocol.KindRoomState, r.buildSnapshot()))
		return nil
	default: // StatusActive
		r.forfeitSeat(seat, "left mid-match")
		return nil
	}
}

func (r *Room) handleLost(connID string, playerID int64) {
	seat := r.seatOf(playerID)
	if seat == nil || seat.Forfeited || !seat.Connected {
		return
	}
	if seat.Conn == nil || seat.Conn.ID() != connID {
		// Stale event from a socket the seat no longer holds.
		return
	}
	seat.Connected = false
	seat.Conn = nil

	switch Status(r.status.Load()) {
	case StatusWaiting:
		// No match to hold a place in; drop the seat immediately.
		r.removeSeat(playerID)
		r.release(seat)
		r.publish()
		r.logger.Info("player disconnected while waiting", zap.Int64("player_id", playerID))
		if len(r.seats) == 0 {
			r.finish(Result{Reason: EndAbandoned})
			return
		}
		r.broadcast(protocol.MustEncode(protocol.KindRoomState, r.buildSnapshot()))
	case StatusActive:
		if r.cfg.GracePeriod <= 0 {
			r.forfeitSeat(seat, "disconnected with no grace window")
			return
		}
		r.logger.Info("player disconnected, grace window open",
			zap.Int64("player_id", playerID),
			zap.Duration("grace_period", r.cfg.GracePeriod))
		id := playerID
		seat.grace = NewGraceTimer(r.cfg.GracePeriod, func() {
			select {
			case r.inbox <- command{op: opExpire, playerID: id}:
			case <-r.done:
			}
		})
	}
}

func (r *Room) handleExpire(playerID int64) {
	seat := r.seatOf(playerID)
	if seat == nil || seat.Forfeited || seat.Connected {
		return
	}
	if Status(r.status.Load()) != StatusActive {
		return
	}
	r.forfeitSeat(seat, "grace window expired")
}

// forfeitSeat marks a seat forfeited, releases its binding and collapses
// the match if too few contenders remain.
func (r *Room) forfeitSeat(seat *Seat, why string) {
	if seat.grace != nil {
		seat.grace.Stop()
		seat.grace = nil
	}
	seat.Forfeited = true
	seat.Connected = false
	seat.Conn = nil
	r.release(seat)
	r.publish()
	r.logger.Info("seat forfeited",
		zap.Int64("player_id", seat.PlayerID),
		zap.String("cause", why))

	remaining := r.contenders()
	if len(remaining) >= r.cfg.MinPlayers {
		if r.cfg.TurnBased && r.seats[r.turn] == seat {
			r.advanceTurn()
		}
		r.broadcast(protocol.MustEncode(protocol.KindRoomState, r.buildSnapshot()))
		return
	}
	switch len(remaining) {
	case 1:
		r.finish(Result{WinnerID: remaining[0].PlayerID, Reason: EndForfeit})
	case 0:
		r.finish(Result{Reason: EndAbandoned})
	default:
		// MinPlayers > 2 and several contenders remain but not enough
		// to continue. Nobody wins outright.
		r.finish(Result{Reason: EndDraw})
	}
}

func (r *Room) contenders() []*Seat {
	out := make([]*Seat, 0, len(r.seats))
	for _, s := range r.seats {
		if !s.Forfeited {
			out = append(out, s)
		}
	}
	return out
}

// finish moves the room to Finished, flushes one result per seat and
// announces the outcome. Idempotent.
func (r *Room) finish(res Result) {
	if Status(r.status.Load()) == StatusFinished {
		return
	}
	r.status.Store(int32(StatusFinished))
	r.result = res
	r.publish()

	for _, s := range r.seats {
		if s.grace != nil {
			s.grace.Stop()
			s.grace = nil
		}
	}

	if r.sink != nil && res.Reason != EndAbandoned {
		for _, s := range r.seats {
			r.sink(s.PlayerID, r.outcomeFor(s, res))
		}
	}

	r.broadcast(protocol.MustEncode(protocol.KindRoomEnded, protocol.RoomEnded{
		RoomID:   r.id,
		Reason:   res.Reason,
		WinnerID: res.WinnerID,
	}))

	for _, s := range r.seats {
		r.release(s)
	}

	r.logger.Info("room finished",
		zap.String("reason", res.Reason),
		zap.Int64("winner_id", res.WinnerID),
		zap.Uint64("actions", r.state.Seq),
		zap.Duration("lifetime", time.Since(r.createdAt)))

	if r.hooks.OnFinished != nil {
		r.hooks.OnFinished(r.id)
	}
	r.Close()
}

func (r *Room) outcomeFor(s *Seat, res Result) postgres.ResultDelta {
	stake := r.cfg.RatingStake
	switch {
	case s.Forfeited:
		return postgres.ResultDelta{RatingDelta: -stake, Outcome: postgres.OutcomeForfeit}
	case s.PlayerID == res.WinnerID:
		return postgres.ResultDelta{RatingDelta: stake, Outcome: postgres.OutcomeWin}
	case res.WinnerID == 0:
		return postgres.ResultDelta{Outcome: postgres.OutcomeDraw}
	default:
		return postgres.ResultDelta{RatingDelta: -stake, Outcome: postgres.OutcomeLoss}
	}
}

// release fires the player-released hook exactly once per seat.
func (r *Room) release(s *Seat) {
	if s.released {
		return
	}
	s.released = true
	if r.hooks.OnPlayerReleased != nil {
		r.hooks.OnPlayerReleased(s.PlayerID)
	}
}

func (r *Room) removeSeat(playerID int64) {
	for i, s := range r.seats {
		if s.PlayerID == playerID {
			r.seats = append(r.seats[:i], r.seats[i+1:]...)
			if r.turn >= len(r.seats) {
				r.turn = 0
			}
			return
		}
	}
}

// publish refreshes the lock-free status and member count read by the
// manager's matchmaking scan.
func (r *Room) publish() {
	r.members.Store(int32(len(r.contenders())))
}

func (r *Room) buildSnapshot() protocol.RoomState {
	snap := protocol.RoomState{
		RoomID:   r.id,
		Status:   Status(r.status.Load()).String(),
		Capacity: r.cfg.Capacity,
		Seq:      r.state.Seq,
		Entries:  r.state.WireEntries(),
	}
	for _, s := range r.seats {
		if s.Forfeited {
			continue
		}
		snap.Members = append(snap.Members, protocol.Member{
			PlayerID:  s.PlayerID,
			Name:      s.Name,
			Connected: s.Connected,
		})
	}
	if Status(r.status.Load()) == StatusActive && r.turn >= 0 && r.turn < len(r.seats) {
		snap.TurnPlayerID = r.seats[r.turn].PlayerID
	}
	return snap
}

func (r *Room) broadcast(frame []byte) {
	for _, s := range r.seats {
		if s.Forfeited || !s.Connected || s.Conn == nil {
			continue
		}
		r.sendTo(s, frame)
	}
}

// sendTo delivers a frame to one seat. A full send queue means the client
// cannot keep up; the connection is force-closed and its teardown feeds
// back as a normal connection-lost event.
func (r *Room) sendTo(s *Seat, frame []byte) {
	if s.Conn == nil {
		return
	}
	if err := s.Conn.Send(frame); err != nil {
		r.logger.Warn("dropping unresponsive connection",
			zap.Int64("player_id", s.PlayerID),
			zap.String("conn_id", s.Conn.ID()),
			zap.Error(err))
		s.Conn.CloseWithCode(protocol.CloseServerDisconnect, "send queue overflow")
	}
}
