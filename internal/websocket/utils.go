package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// WriteTyped sends a strongly-typed payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v interface{}, timeout time.Duration) error {
	conn.SetWriteDeadline(time.Now().Add(timeout))
	return conn.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func WriteError(conn *websocket.Conn, errMsg string) error {
	return WriteTyped(conn, ErrorResponse{
		Event: EventError,
		Error: errMsg,
	}, 10*time.Second)
}

// ReadJSON reads and decodes a message into v within timeout.
func ReadJSON(conn *websocket.Conn, v interface{}, timeout time.Duration) error {
	conn.SetReadDeadline(time.Now().Add(timeout))
	return conn.ReadJSON(v)
}
