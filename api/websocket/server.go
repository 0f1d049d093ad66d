package websocket

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/transferwatch/indexer-go/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for now (should be configured in production)
		return true
	},
}

// Server upgrades connections and bridges the event bus into the hub
type Server struct {
	hub    *Hub
	bus    *events.Bus
	sub    *events.Subscription
	logger *zap.Logger
	once   sync.Once
}

// NewServer creates a WebSocket server wired to the bus. The hub and the bus
// pump start immediately.
func NewServer(bus *events.Bus, logger *zap.Logger) *Server {
	hub := NewHub(logger)
	go hub.Run()

	s := &Server{
		hub:    hub,
		bus:    bus,
		logger: logger,
	}

	if bus != nil {
		s.sub = bus.Subscribe(256)
		go s.pump()
	}

	return s
}

// pump forwards bus deliveries into the hub until the subscription closes
func (s *Server) pump() {
	for transfer := range s.sub.Channel {
		s.hub.Broadcast(transfer)
	}
}

// ServeHTTP handles WebSocket upgrade requests
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(s.hub, conn, s.logger)
	s.hub.register <- client

	go client.WritePump()
	go client.ReadPump()

	s.logger.Info("new websocket connection",
		zap.String("remote_addr", r.RemoteAddr))
}

// Hub returns the underlying hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Stop detaches from the bus and disconnects all clients
func (s *Server) Stop() {
	s.once.Do(func() {
		if s.bus != nil && s.sub != nil {
			s.bus.Unsubscribe(s.sub.ID)
		}
		s.hub.Stop()
	})
}
