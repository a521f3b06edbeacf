package room

import (
	"errors"
	"fmt"
)

// Admission rejection reasons. The set is closed; the gateway maps each
// reason onto a wire-level rejection.
const (
	ReasonFull          = "full"
	ReasonNotFound      = "not_found"
	ReasonAlreadyActive = "already_active"
	ReasonFinished      = "finished"
)

// AdmissionError reports why a join request was refused.
type AdmissionError struct {
	RoomID string
	Reason string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("room %s: admission rejected: %s", e.RoomID, e.Reason)
}

// Action rejection reasons, reported to the offending sender only.
const (
	RejectInvalidTurn    = "invalid_turn"
	RejectInvalidPayload = "invalid_payload"
	RejectRoomNotActive  = "room_not_active"
	RejectNotSeated      = "not_seated"
)

// ActionError reports why an action was refused. Refusals never mutate
// room state and never advance the sequence number.
type ActionError struct {
	Reason string
	Detail string
}

func (e *ActionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("action rejected: %s", e.Reason)
	}
	return fmt.Sprintf("action rejected: %s: %s", e.Reason, e.Detail)
}

// ErrRoomClosed is returned when an operation reaches a room whose actor
// has shut down.
var ErrRoomClosed = errors.New("room closed")

// ErrNotSeated is returned when an operation names a player with no seat
// in the room.
var ErrNotSeated = errors.New("player not seated in room")

// ErrNotStartable is returned when an explicit start is requested on a
// room that is not in a startable state.
var ErrNotStartable = errors.New("room not startable")

// ErrAlreadyInRoom is returned when a player bound to one room attempts
// to join another without leaving first.
var ErrAlreadyInRoom = errors.New("player already in a room")
