package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	frame, err := Encode(KindStateDelta, StateDelta{
		RoomID:   "r1",
		Seq:      7,
		PlayerID: 42,
		Payload:  json.RawMessage(`{"move":"e4"}`),
	})
	require.NoError(t, err)

	env, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, KindStateDelta, env.Kind)

	var d StateDelta
	require.NoError(t, DecodeData(env, &d))
	assert.Equal(t, uint64(7), d.Seq)
	assert.Equal(t, int64(42), d.PlayerID)
	assert.JSONEq(t, `{"move":"e4"}`, string(d.Payload))
}

func TestEncodeNilData(t *testing.T) {
	frame, err := Encode(KindHeartbeat, nil)
	require.NoError(t, err)

	env, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, KindHeartbeat, env.Kind)
	assert.Empty(t, env.Data)
}

func TestDecodeEnvelopeInvalid(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{not json`))
	assert.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"data":{}}`))
	assert.ErrorContains(t, err, "missing kind")
}

func TestDecodeDataMissing(t *testing.T) {
	env := Envelope{Kind: KindAction}
	var a Action
	assert.Error(t, DecodeData(env, &a))
}
