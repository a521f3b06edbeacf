package room

import "time"

// Config describes one room's rules. Zero values are filled in by
// withDefaults at construction.
type Config struct {
	// Name is the preset this room was built from, for logs and matchmaking.
	Name string
	// Capacity is the maximum number of seats. Membership never exceeds it.
	Capacity int
	// MinPlayers is the minimum seat count for a match to run.
	MinPlayers int
	// AutoStartOnFull starts the match the moment the room reaches
	// capacity. When false, an explicit start request is required.
	AutoStartOnFull bool
	// TurnBased enforces turn rotation on actions.
	TurnBased bool
	// GracePeriod is the reconnect window for a seat that loses its
	// connection mid-match. Zero forfeits immediately.
	GracePeriod time.Duration
	// RatingStake is the rating transferred from losers to the winner.
	RatingStake int
	// InboxSize bounds the room actor's command channel.
	InboxSize int
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 2
	}
	if c.MinPlayers <= 0 {
		c.MinPlayers = 2
	}
	if c.MinPlayers > c.Capacity {
		c.MinPlayers = c.Capacity
	}
	if c.RatingStake <= 0 {
		c.RatingStake = 25
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 128
	}
	return c
}

// Match end reasons carried in the terminal broadcast.
const (
	EndWin       = "win"
	EndDraw      = "draw"
	EndForfeit   = "forfeit"
	EndAbandoned = "abandoned"
)

// Result is a room's terminal outcome. WinnerID is zero for a draw or an
// abandoned match.
type Result struct {
	WinnerID int64
	Reason   string
}

// Judge decides whether an accepted action ends the match. It runs on the
// room's own goroutine after the entry has been applied.
type Judge interface {
	Judge(st *State, last Entry) (Result, bool)
}

// JudgeFunc adapts a function to the Judge interface.
type JudgeFunc func(st *State, last Entry) (Result, bool)

// Judge implements the Judge interface.
func (f JudgeFunc) Judge(st *State, last Entry) (Result, bool) {
	return f(st, last)
}
