package util

import (
	"io"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn adapts a gorilla websocket connection to the
// net.Conn-ish surface the multiplexer binds to. Each Write ships one
// binary websocket message, so message boundaries survive for free.
type WebSocketConn struct {
	*websocket.Conn

	writeM chan struct{}
}

func NewWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	ws := &WebSocketConn{
		Conn:   conn,
		writeM: make(chan struct{}, 1),
	}
	ws.writeM <- struct{}{}
	return ws
}

// WriteMessage serialises concurrent writers; gorilla permits only
// one writer at a time.
func (ws *WebSocketConn) Write(data []byte) (int, error) {
	<-ws.writeM
	err := ws.Conn.WriteMessage(websocket.BinaryMessage, data)
	ws.writeM <- struct{}{}
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Read returns exactly one whole websocket message.
func (ws *WebSocketConn) Read(buf []byte) (int, error) {
	_, r, err := ws.NextReader()
	if err != nil {
		return 0, err
	}
	total := 0
	for {
		n, err := r.Read(buf[total:])
		total += n
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		if total == len(buf) {
			return total, nil
		}
	}
}

func (ws *WebSocketConn) SetDeadline(t time.Time) error {
	err := ws.SetReadDeadline(t)
	if err != nil {
		return err
	}
	return ws.SetWriteDeadline(t)
}
