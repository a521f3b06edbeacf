// Package protocol defines the gateway wire protocol: the closed set of
// inbound and outbound message kinds and the transport close codes.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Close codes sent when the server terminates a connection. Codes in the
// 4000 range are application-defined per RFC 6455.
const (
	// CloseNormal is a clean, client-initiated or shutdown close.
	CloseNormal = 1000
	// CloseAuthFailure means the handshake credential was rejected.
	CloseAuthFailure = 4001
	// CloseReplaced means the identity authenticated on a newer connection
	// and this one was displaced (duplicate login).
	CloseReplaced = 4002
	// CloseServerDisconnect means the server dropped an unresponsive
	// connection (send-queue overflow or missed heartbeats).
	CloseServerDisconnect = 4003
	// CloseRoomEnded means the connection was closed as part of room
	// teardown.
	CloseRoomEnded = 4004
)

// Kind discriminates message envelopes. The inbound set is closed; the
// gateway handles every kind exhaustively and rejects anything else.
type Kind string

// Inbound message kinds.
const (
	KindAuthenticate Kind = "authenticate"
	KindJoinRoom     Kind = "join_room"
	KindAction       Kind = "action"
	KindLeave        Kind = "leave"
	KindHeartbeat    Kind = "heartbeat"
)

// Outbound message kinds.
const (
	KindAuthResult     Kind = "auth_result"
	KindRoomState      Kind = "room_state"
	KindStateDelta     Kind = "state_delta"
	KindActionRejected Kind = "action_rejected"
	KindRoomEnded      Kind = "room_ended"
	KindError          Kind = "error"
)

// Envelope is the frame wrapper carried on the wire.
type Envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Authenticate is the mandatory first inbound frame on a new connection.
type Authenticate struct {
	Token string `json:"token"`
}

// JoinRoom requests admission to a specific room, or to any compatible
// room when only a matchmaking hint is given.
type JoinRoom struct {
	RoomID          string `json:"room_id,omitempty"`
	MatchmakingHint string `json:"matchmaking_hint,omitempty"`
}

// Action carries an opaque game payload into the sender's current room.
type Action struct {
	Payload json.RawMessage `json:"payload"`
}

// AuthResult reports the outcome of the handshake.
type AuthResult struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	PlayerID int64  `json:"player_id,omitempty"`
	Name     string `json:"name,omitempty"`
	Rating   int    `json:"rating,omitempty"`
}

// Member describes one room seat in a snapshot.
type Member struct {
	PlayerID  int64  `json:"player_id"`
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
}

// RoomState is the authoritative room snapshot.
type RoomState struct {
	RoomID       string   `json:"room_id"`
	Status       string   `json:"status"`
	Capacity     int      `json:"capacity"`
	Members      []Member `json:"members"`
	Seq          uint64   `json:"seq"`
	TurnPlayerID int64    `json:"turn_player_id,omitempty"`
	Entries      []Entry  `json:"entries,omitempty"`
}

// Entry is one accepted action in a room's history.
type Entry struct {
	Seq      uint64          `json:"seq"`
	PlayerID int64           `json:"player_id"`
	Payload  json.RawMessage `json:"payload"`
}

// StateDelta is a sequenced room state change. Applying a room's deltas in
// sequence order onto the last snapshot reproduces its authoritative state.
type StateDelta struct {
	RoomID   string          `json:"room_id"`
	Seq      uint64          `json:"seq"`
	PlayerID int64           `json:"player_id"`
	Payload  json.RawMessage `json:"payload"`
}

// ActionRejected reports a refused action to the offending sender only.
type ActionRejected struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// RoomEnded announces a room's terminal result to its members.
type RoomEnded struct {
	RoomID   string `json:"room_id"`
	Reason   string `json:"reason"`
	WinnerID int64  `json:"winner_id,omitempty"`
}

// ErrorMsg reports a request-level failure that does not close the
// connection.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode wraps data in an Envelope of the given kind and marshals it.
//
// Postcondition: Returns the JSON frame bytes or a non-nil error.
func Encode(kind Kind, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshalling %s data: %w", kind, err)
		}
		raw = b
	}
	b, err := json.Marshal(Envelope{Kind: kind, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("marshalling %s envelope: %w", kind, err)
	}
	return b, nil
}

// MustEncode is Encode for payloads that cannot fail to marshal.
// It panics on error and is intended for internally-constructed messages.
func MustEncode(kind Kind, data any) []byte {
	b, err := Encode(kind, data)
	if err != nil {
		panic(fmt.Sprintf("protocol: encoding %s: %v", kind, err))
	}
	return b
}

// DecodeEnvelope parses a raw frame into an Envelope.
//
// Postcondition: Returns the Envelope or a non-nil error for invalid JSON
// or a missing kind.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("parsing frame: %w", err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("frame missing kind")
	}
	return env, nil
}

// DecodeData parses an envelope's data field into out.
func DecodeData(env Envelope, out any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s frame missing data", env.Kind)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("parsing %s data: %w", env.Kind, err)
	}
	return nil
}
