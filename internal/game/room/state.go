package room

import (
	"encoding/json"
	"fmt"

	"github.com/cory-johannsen/arena/internal/gateway/protocol"
)

// Entry is one accepted action in a room's authoritative history.
type Entry struct {
	Seq      uint64
	PlayerID int64
	Payload  json.RawMessage
}

// State is the authoritative, sequence-numbered room state. Seq counts
// accepted actions; every broadcast delta carries the Seq it produced, so
// clients can detect gaps and replay a snapshot plus in-order deltas to
// reconstruct the state exactly.
type State struct {
	Seq     uint64
	Entries []Entry
}

// Apply appends the action described by a delta.
//
// Precondition: delta.Seq must be exactly s.Seq+1.
// Postcondition: The entry is appended and Seq advances, or an error is
// returned and the state is unchanged.
func (s *State) Apply(delta protocol.StateDelta) error {
	if delta.Seq != s.Seq+1 {
		return fmt.Errorf("sequence gap: have %d, delta is %d", s.Seq, delta.Seq)
	}
	s.Entries = append(s.Entries, Entry{
		Seq:      delta.Seq,
		PlayerID: delta.PlayerID,
		Payload:  delta.Payload,
	})
	s.Seq = delta.Seq
	return nil
}

// Clone returns a deep copy of the state.
func (s *State) Clone() State {
	out := State{Seq: s.Seq}
	if len(s.Entries) > 0 {
		out.Entries = make([]Entry, len(s.Entries))
		copy(out.Entries, s.Entries)
	}
	return out
}

// WireEntries converts the history for a snapshot frame.
func (s *State) WireEntries() []protocol.Entry {
	if len(s.Entries) == 0 {
		return nil
	}
	out := make([]protocol.Entry, len(s.Entries))
	for i, e := range s.Entries {
		out[i] = protocol.Entry{Seq: e.Seq, PlayerID: e.PlayerID, Payload: e.Payload}
	}
	return out
}
