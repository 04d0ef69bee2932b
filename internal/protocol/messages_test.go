package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeServerMessages(t *testing.T) {
	b, err := Encode(Connected("c1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"connected","data":{"id":"c1"}}`, string(b))

	b, err = Encode(Ping("c1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping","data":{"id":"c1"}}`, string(b))

	b, err = Encode(StreamerLive(StreamerLiveData{ID: "s1", Name: "Someone"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"streamer-live","data":{
		"id":"s1","name":"Someone","platform":null,"platforms":[],
		"viewerCount":null,"category":null,"title":null,"avatar":null}}`, string(b))
}

func TestParseClientMessage(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"id":"c1","type":"pong","data":{"id":"c1","timestamp":1700000000000}}`))
	require.NoError(t, err)
	assert.Equal(t, TypePong, msg.Type)
	assert.Equal(t, "c1", msg.ID)
	assert.Equal(t, float64(1700000000000), msg.Pong.Timestamp)
}

func TestParseClientMessageRejects(t *testing.T) {
	cases := []struct {
		raw  string
		want error
	}{
		{`not json`, ErrInvalidMessage},
		{`{"data":{}}`, ErrInvalidMessage},
		{`{"type":"pong","data":{"id":"c1","timestamp":1}}`, ErrInvalidMessage},
		{`{"id":"c1","type":"pong"}`, ErrInvalidMessage},
		{`{"id":"c1","type":"pong","data":{"id":"c1"}}`, ErrInvalidMessage},
		{`{"id":"c1","type":"pong","data":{"id":1,"timestamp":1}}`, ErrInvalidMessage},
		{`{"id":"c1","type":"pong","data":[1]}`, ErrInvalidMessage},
		{`{"id":"c1","type":"subscribe","data":{}}`, ErrUnknownType},
	}
	for _, tc := range cases {
		_, err := ParseClientMessage([]byte(tc.raw))
		assert.ErrorIs(t, err, tc.want, tc.raw)
	}
}

func TestParseBusMessage(t *testing.T) {
	msg, err := ParseBusMessage(TypeStreamerLive, json.RawMessage(`{"id":"s1"}`))
	require.NoError(t, err)
	assert.Equal(t, "s1", msg.StreamerID)

	_, err = ParseBusMessage(TypeStreamerLive, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = ParseBusMessage(TypeStreamerLive, nil)
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = ParseBusMessage("", json.RawMessage(`{"id":"s1"}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = ParseBusMessage("streamer-offline", json.RawMessage(`{"id":"s1"}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}
