package websocket

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/transferwatch/indexer-go/events"
	"github.com/transferwatch/indexer-go/internal/metrics"
)

// Hub maintains the set of active clients and fans transfer events out to
// the ones whose interest sets match
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan events.Transfer

	done chan struct{}
	once sync.Once

	logger *zap.Logger
}

// NewHub creates a new Hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan events.Transfer, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run processes registration and broadcast traffic until Stop is called
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			h.logger.Info("client registered",
				zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.removeClient(client)

		case transfer := <-h.broadcast:
			h.dispatch(transfer)
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.closeSend()
		metrics.WebSocketClients.Dec()
		h.logger.Info("client unregistered",
			zap.Int("total_clients", len(h.clients)))
	}
}

// dispatch serializes the transfer once and delivers it to every client whose
// interest set matches. A client that cannot keep up is disconnected rather
// than allowed to stall the fan-out.
func (h *Hub) dispatch(transfer events.Transfer) {
	payload, err := json.Marshal(transfer)
	if err != nil {
		h.logger.Error("failed to marshal transfer", zap.Error(err))
		return
	}
	message, err := json.Marshal(Message{Type: TypeEvent, Payload: payload})
	if err != nil {
		h.logger.Error("failed to marshal message", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sent := 0
	for client := range h.clients {
		if !client.wants(transfer) {
			continue
		}
		if client.enqueue(message) {
			sent++
			continue
		}
		h.logger.Warn("client buffer full, closing connection")
		delete(h.clients, client)
		client.closeSend()
		metrics.WebSocketClients.Dec()
	}

	h.logger.Debug("transfer broadcasted",
		zap.String("tx_hash", transfer.TxHash),
		zap.Int("recipients", sent))
}

// Broadcast offers a transfer to the fan-out without blocking the caller
func (h *Hub) Broadcast(transfer events.Transfer) {
	select {
	case h.broadcast <- transfer:
	default:
		h.logger.Warn("broadcast channel full, dropping event",
			zap.String("tx_hash", transfer.TxHash))
	}
}

// requestUnregister hands a closing connection back to the run loop. After
// Stop the loop is gone, so the send must not block forever.
func (h *Hub) requestUnregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop terminates the run loop and closes all client connections
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.done) })

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
		metrics.WebSocketClients.Dec()
	}

	h.logger.Info("hub stopped")
}
