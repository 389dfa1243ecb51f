package ocppj

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evetech/cp-simulator/internal/engine"
)

func TestEncodeCallBuildsEnvelope(t *testing.T) {
	id, frame, err := Codec{}.EncodeCall("Authorize", map[string]any{"idTag": "TAG-1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	var parts []json.RawMessage
	require.NoError(t, json.Unmarshal(frame, &parts))
	require.Len(t, parts, 4)
	assert.JSONEq(t, "2", string(parts[0]))
	assert.JSONEq(t, `"`+id+`"`, string(parts[1]))
	assert.JSONEq(t, `"Authorize"`, string(parts[2]))
	assert.JSONEq(t, `{"idTag":"TAG-1"}`, string(parts[3]))
}

func TestEncodeCallUniqueIDs(t *testing.T) {
	id1, _, err := Codec{}.EncodeCall("HeartBeat", map[string]any{})
	require.NoError(t, err)
	id2, _, err := Codec{}.EncodeCall("HeartBeat", map[string]any{})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

func TestEncodeResult(t *testing.T) {
	frame, err := Codec{}.EncodeResult("r1", map[string]any{"status": "Accepted"})
	require.NoError(t, err)
	assert.JSONEq(t, `[3,"r1",{"status":"Accepted"}]`, string(frame))
}

func TestDecodeResult(t *testing.T) {
	msg, err := Codec{}.Decode([]byte(`[3,"abc",{"currentTime":"2024-01-01T00:00:00Z"}]`))
	require.NoError(t, err)
	assert.Equal(t, engine.KindResult, msg.Kind)
	assert.Equal(t, "abc", msg.ID)
}

func TestDecodeCall(t *testing.T) {
	msg, err := Codec{}.Decode([]byte(`[2,"r1","RemoteStartTransaction",{"connectorId":1}]`))
	require.NoError(t, err)
	assert.Equal(t, engine.KindCall, msg.Kind)
	assert.Equal(t, "r1", msg.ID)
	assert.Equal(t, "RemoteStartTransaction", msg.Action)
}

func TestDecodeErrorEnvelopeIgnored(t *testing.T) {
	msg, err := Codec{}.Decode([]byte(`[4,"r1","GenericError","boom",{}]`))
	require.NoError(t, err)
	assert.Equal(t, engine.KindIgnore, msg.Kind)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := Codec{}.Decode([]byte(`{"not":"an array"}`))
	assert.Error(t, err)

	_, err = Codec{}.Decode([]byte(`[2,"r1"]`))
	assert.Error(t, err)
}

func TestPeekCall(t *testing.T) {
	id, action := PeekCall([]byte(`[2,"x1","HeartBeat",{}]`))
	assert.Equal(t, "x1", id)
	assert.Equal(t, "HeartBeat", action)

	id, action = PeekCall([]byte(`garbage`))
	assert.Empty(t, id)
	assert.Empty(t, action)
}
