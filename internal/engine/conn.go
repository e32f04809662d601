package engine

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// Conn abstracts the WebSocket connection so the engine can be tested
// without a real server. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a fresh connection to the sync server. The engine calls it
// under the configured connection timeout on every connect and reconnect.
type Dialer func(ctx context.Context) (Conn, error)

// websocketDialer returns the production Dialer for the given endpoint.
func websocketDialer(url string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("dialing websocket: %w", err)
		}

		return conn, nil
	}
}

// inboundFrame wraps a message read from the WebSocket by the reader
// goroutine. A read error is delivered as the final frame.
type inboundFrame struct {
	typ  websocket.MessageType
	data []byte
	err  error
}
