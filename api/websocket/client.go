package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/transferwatch/indexer-go/events"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096

	// Outbound buffer per client
	sendBufferSize = 64
)

// Client is one WebSocket connection and its address interest set
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// send is closed only through closeSend; enqueue checks sendClosed
	// under sendMu so the read pump can never send on a closed channel
	send       chan []byte
	sendMu     sync.Mutex
	sendClosed bool

	// interests guards which transfers this client receives. Empty means
	// all transfers. A subscribe request replaces the whole set.
	mu        sync.RWMutex
	interests map[string]struct{}

	logger *zap.Logger
}

// NewClient creates a client around an upgraded connection
func NewClient(hub *Hub, conn *websocket.Conn, logger *zap.Logger) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		interests: make(map[string]struct{}),
		logger:    logger,
	}
}

// setInterests replaces the client's interest set. Addresses are normalized;
// the last subscribe request wins.
func (c *Client) setInterests(addresses []string) []string {
	normalized := make(map[string]struct{}, len(addresses))
	applied := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		a := events.NormalizeAddress(addr)
		if a == "" {
			continue
		}
		if _, dup := normalized[a]; dup {
			continue
		}
		normalized[a] = struct{}{}
		applied = append(applied, a)
	}

	c.mu.Lock()
	c.interests = normalized
	c.mu.Unlock()
	return applied
}

// wants reports whether the transfer matches the client's interest set
func (c *Client) wants(t events.Transfer) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.interests) == 0 {
		return true
	}
	if _, ok := c.interests[t.Sender]; ok {
		return true
	}
	_, ok := c.interests[t.Recipient]
	return ok
}

// enqueue offers a serialized message to the client without blocking.
// Returns false when the client's buffer is full or already closed.
func (c *Client) enqueue(message []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sendClosed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// closeSend closes the outbound channel exactly once. The hub is the only
// caller; holding sendMu excludes a concurrent enqueue.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// reply marshals and enqueues a control message
func (c *Client) reply(msgType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("failed to marshal reply", zap.Error(err))
		return
	}
	message, err := json.Marshal(Message{Type: msgType, Payload: data})
	if err != nil {
		c.logger.Error("failed to marshal envelope", zap.Error(err))
		return
	}
	if !c.enqueue(message) {
		c.logger.Warn("dropping reply to slow client", zap.String("type", msgType))
	}
}

// ReadPump reads client messages until the connection drops. Runs as one
// goroutine per connection; it owns all reads.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.requestUnregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply(TypeError, ErrorPayload{Error: "invalid message"})
		return
	}

	switch msg.Type {
	case TypeSubscribe:
		var req SubscribeRequest
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				c.reply(TypeError, ErrorPayload{Error: "invalid subscribe payload"})
				return
			}
		}
		applied := c.setInterests(req.Addresses)
		c.reply(TypeSubscribed, SubscribedPayload{Addresses: applied})

	default:
		c.reply(TypeError, ErrorPayload{Error: "unknown message type"})
	}
}

// WritePump writes queued messages and keep-alive pings. Runs as one
// goroutine per connection; it owns all writes.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
