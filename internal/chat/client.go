package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a frame to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 8192                // Largest command accepted from the peer.
	sendBuffer     = 256
)

// Client is a middleman between the websocket connection and the session.
type Client struct {
	Hub      *Hub
	Conn     *websocket.Conn
	Send     chan []byte
	UserID   int64
	Username string

	session *Session
}

// ReadPump decodes commands from the connection into the session. When the
// connection ends it stops the session, then hands the client back to the
// hub.
func (c *Client) ReadPump(ctx context.Context, cancel context.CancelFunc) {
	defer func() {
		cancel()
		<-c.session.Done()
		if !c.Hub.Unregister(c) {
			close(c.Send)
		}
		c.closeConn()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.WarnContext(ctx, "websocket closed unexpectedly", "error", err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.enqueue(ctx, errorFrame("decode", "malformed command"))
			continue
		}
		if err := c.session.Submit(ctx, cmd); err != nil {
			return
		}
	}
}

// WritePump writes queued frames and keeps the connection alive with pings.
// It returns when Send is closed or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues a frame for the write pump. A client that cannot keep up
// loses frames rather than stalling its session.
func (c *Client) enqueue(ctx context.Context, f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		slog.ErrorContext(ctx, "encoding frame failed", "error", err, "type", f.Type)
		return
	}
	select {
	case c.Send <- b:
	default:
		slog.WarnContext(ctx, "client send buffer full, dropping frame", "type", f.Type)
	}
}

func (c *Client) closeConn() {
	if c.Conn != nil {
		c.Conn.Close()
	}
}
