package ws

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientIP(t *testing.T) {
	t.Parallel()

	t.Run("remote addr", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest("GET", "/ws", nil)
		r.RemoteAddr = "10.0.0.5:51234"
		assert.Equal(t, "10.0.0.5", clientIP(r))
	})

	t.Run("forwarded single hop", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("X-Forwarded-For", "203.0.113.7")
		assert.Equal(t, "203.0.113.7", clientIP(r))
	})

	t.Run("forwarded chain uses first hop", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1, 10.0.0.2")
		assert.Equal(t, "203.0.113.7", clientIP(r))
	})
}

func TestClientMessageRoundTrip(t *testing.T) {
	t.Parallel()

	id := int64(7)
	msg := ClientMessage{
		ID:    &id,
		Event: "saveStack",
		Args:  json.RawMessage(`["web","services: {}\n","",true]`),
	}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var back ClientMessage
	require.NoError(t, json.Unmarshal(data, &back))
	require.NotNil(t, back.ID)
	assert.Equal(t, int64(7), *back.ID)
	assert.Equal(t, "saveStack", back.Event)

	var args []json.RawMessage
	require.NoError(t, json.Unmarshal(back.Args, &args))
	assert.Len(t, args, 4)
}

func TestClientMessageOptionalID(t *testing.T) {
	t.Parallel()

	var msg ClientMessage
	require.NoError(t, json.Unmarshal([]byte(`{"event":"terminalInput","args":["console","ls\n"]}`), &msg))
	assert.Nil(t, msg.ID, "fire-and-forget messages carry no id")
}

func TestAckMessageShape(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(AckMessage[OkResponse]{
		ID:   3,
		Data: OkResponse{OK: true, Msg: "Saved"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":3,"data":{"ok":true,"msg":"Saved"}}`, string(data))
}

func TestErrorResponseAlwaysCarriesMsg(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(ErrorResponse{OK: false, Msg: ""})
	require.NoError(t, err)
	// msg has no omitempty: the frontend always reads it on failure.
	assert.JSONEq(t, `{"ok":false,"msg":""}`, string(data))
}

func TestServerHandlerRegistry(t *testing.T) {
	t.Parallel()

	s := NewServer()
	assert.False(t, s.HasHandler("login"))

	s.Handle("login", func(c *Conn, msg *ClientMessage) {})
	assert.True(t, s.HasHandler("login"))

	s.HandleConnect(func(c *Conn) {})
	assert.True(t, s.HasHandler("__connect"))
}
