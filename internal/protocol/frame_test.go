package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClientFrame_Join(t *testing.T) {
	f, err := DecodeClientFrame([]byte(`{"kind":"join","room_id":"r1"}`))
	require.NoError(t, err)
	assert.Equal(t, ClientJoin, f.Kind)
	assert.Equal(t, "r1", f.RoomID)
}

func TestDecodeClientFrame_UnknownKind(t *testing.T) {
	_, err := DecodeClientFrame([]byte(`{"kind":"bogus"}`))
	assert.Error(t, err)
}

func TestDecodeClientFrame_MalformedJSON(t *testing.T) {
	_, err := DecodeClientFrame([]byte(`not json`))
	assert.Error(t, err)
}

func TestServerFrame_EncodeRoundTrip(t *testing.T) {
	f := ServerFrame{Kind: ServerMessage, RoomID: "r1", SenderID: "u1", Content: "hi", SequenceNo: 3}
	data, err := f.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"message"`)
	assert.Contains(t, string(data), `"sequence_no":3`)
}

func TestNewErrorFrame(t *testing.T) {
	f := NewErrorFrame("rate_limited", "slow down")
	assert.Equal(t, ServerError, f.Kind)
	assert.Equal(t, "rate_limited", f.Code)
	assert.Equal(t, "slow down", f.Message)
}
