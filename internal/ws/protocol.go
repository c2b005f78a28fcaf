package ws

import "encoding/json"

// ClientMessage is sent from the client to the server.
// If ID is non-nil, the client expects an ack response with the same ID.
// Args is a positional JSON array; most events address arguments by index.
type ClientMessage struct {
	ID    *int64          `json:"id,omitempty"`
	Event string          `json:"event"`
	Args  json.RawMessage `json:"args"`
}

// AckMessage is sent from the server in response to a request with an ID.
type AckMessage[T any] struct {
	ID   int64 `json:"id"`
	Data T     `json:"data"`
}

// ServerMessage is a server-initiated push (no ack expected). Args carries
// the event's positional payload.
type ServerMessage struct {
	Event string `json:"event"`
	Args  []any  `json:"args"`
}

// OkResponse is the standard ack payload for successful operations.
type OkResponse struct {
	OK      bool   `json:"ok"`
	Msg     string `json:"msg,omitempty"`
	MsgI18n bool   `json:"msgi18n,omitempty"`
	Token   string `json:"token,omitempty"`
}

// ErrorResponse is the standard ack payload for failed operations.
type ErrorResponse struct {
	OK      bool   `json:"ok"`
	Msg     string `json:"msg"`
	MsgI18n bool   `json:"msgi18n,omitempty"`
}
