package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/praxhq/prax/internal/util"
	"github.com/praxhq/prax/pkg/api"
	"github.com/praxhq/prax/pkg/log"
)

type (
	// Client represents a WebSocket client connection for event streaming.
	// Until a subscribe message arrives, every event frame is delivered
	Client struct {
		conn    *websocket.Conn
		send    chan []byte
		done    chan struct{}
		once    sync.Once
		release func()

		mu     sync.Mutex
		execID api.ExecutionID
		types  util.Set[api.EventType]
	}

	subscribeRequest struct {
		Type string `json:"type"`
		Data struct {
			ExecutionID api.ExecutionID `json:"execution_id,omitempty"`
			EventTypes  []api.EventType `json:"event_types,omitempty"`
		} `json:"data"`
	}
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	wsBufferSize   = 1024
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsBufferSize,
	WriteBufferSize: wsBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", log.Error(err))
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	client.release = func() { s.unregisterWebSocket(client) }
	s.registerWebSocket(client)

	go client.writePump()
	go client.readPump()
}

// Broadcast queues an event frame on every connected client. Slow clients
// drop frames rather than stall the engine
func (s *Server) Broadcast(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.sockets {
		if !c.matches(data) {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
}

// matches applies the client's subscription filter to an encoded frame
func (c *Client) matches(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.execID != "" {
		id := gjson.GetBytes(data, "execution_id").String()
		if api.ExecutionID(id) != c.execID {
			return false
		}
	}
	if c.types != nil {
		et := gjson.GetBytes(data, "event_type").String()
		if !c.types.Contains(api.EventType(et)) {
			return false
		}
	}
	return true
}

// Close shuts the connection down and releases the server registration
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	defer func() {
		c.Close()
		c.release()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleSubscribe(message)
	}
}

func (c *Client) handleSubscribe(message []byte) {
	var sub subscribeRequest
	if err := json.Unmarshal(message, &sub); err != nil {
		slog.Error("Failed to parse WebSocket message", log.Error(err))
		return
	}
	if sub.Type != "subscribe" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.execID = sub.Data.ExecutionID
	c.types = nil
	if len(sub.Data.EventTypes) > 0 {
		c.types = util.SetOf(sub.Data.EventTypes...)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(
				websocket.TextMessage, data,
			); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(
				websocket.PingMessage, nil,
			); err != nil {
				return
			}
		}
	}
}
