package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/transferwatch/indexer-go/events"
	"github.com/transferwatch/indexer-go/storage"
)

const (
	defaultPage     = 1
	defaultPageSize = 100
	maxPageSize     = 1000
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// parseAddress validates and normalizes an optional address parameter
func parseAddress(value string) (string, bool) {
	if value == "" {
		return "", true
	}
	if !common.IsHexAddress(value) {
		return "", false
	}
	return events.NormalizeAddress(value), true
}

// handleEvents serves GET /api/events: filtered, paginated transfers
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter storage.Filter
	var ok bool

	if filter.Sender, ok = parseAddress(q.Get("sender")); !ok {
		writeError(w, http.StatusBadRequest, "invalid sender address")
		return
	}
	if filter.Recipient, ok = parseAddress(q.Get("recipient")); !ok {
		writeError(w, http.StatusBadRequest, "invalid recipient address")
		return
	}

	if raw := q.Get("startBlock"); raw != "" {
		block, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid startBlock")
			return
		}
		filter.StartBlock = &block
	}
	if raw := q.Get("endBlock"); raw != "" {
		block, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid endBlock")
			return
		}
		filter.EndBlock = &block
	}
	if filter.StartBlock != nil && filter.EndBlock != nil && *filter.StartBlock > *filter.EndBlock {
		writeError(w, http.StatusBadRequest, "startBlock must not exceed endBlock")
		return
	}

	page := storage.Page{Number: defaultPage, Size: defaultPageSize}
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid page")
			return
		}
		page.Number = n
	}
	if raw := q.Get("pageSize"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageSize {
			writeError(w, http.StatusBadRequest, "invalid pageSize")
			return
		}
		page.Size = n
	}

	result, err := s.store.Query(r.Context(), filter, page)
	if err != nil {
		s.logger.Error("failed to query events", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query events")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// StatsResponse is the aggregate snapshot plus when it was computed
type StatsResponse struct {
	TotalEvents      int64      `json:"totalEvents"`
	TotalTransferred string     `json:"totalTransferred"`
	LastEventAt      *time.Time `json:"lastEventAt"`
	RefreshedAt      time.Time  `json:"refreshedAt"`
}

// handleStats serves GET /api/stats through the TTL cache
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, refreshedAt, err := s.statsCache.Get(r.Context())
	if err != nil {
		s.logger.Error("failed to compute stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		TotalEvents:      stats.TotalEvents,
		TotalTransferred: stats.TotalTransferred,
		LastEventAt:      stats.LastEventAt,
		RefreshedAt:      refreshedAt.UTC(),
	})
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string              `json:"status"`
	Timestamp string              `json:"timestamp"`
	EventBus  *EventBusHealthInfo `json:"eventbus,omitempty"`
	WSClients int                 `json:"wsClients"`
}

// EventBusHealthInfo contains event bus health information
type EventBusHealthInfo struct {
	Subscribers     int    `json:"subscribers"`
	TotalEvents     uint64 `json:"total_events"`
	TotalDeliveries uint64 `json:"total_deliveries"`
	DroppedEvents   uint64 `json:"dropped_events"`
}

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if s.bus != nil {
		published, deliveries, dropped := s.bus.Stats()
		response.EventBus = &EventBusHealthInfo{
			Subscribers:     s.bus.SubscriberCount(),
			TotalEvents:     published,
			TotalDeliveries: deliveries,
			DroppedEvents:   dropped,
		}
	}
	if s.wsServer != nil {
		response.WSClients = s.wsServer.Hub().ClientCount()
	}

	writeJSON(w, http.StatusOK, response)
}
