package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/duochat/signal-server/internal/config"
	"github.com/duochat/signal-server/internal/events"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	broker *events.Broker
	db     Pinger
}

// NewHealthHandler takes a nil db when sessions are kept in memory.
func NewHealthHandler(broker *events.Broker, db Pinger) *HealthHandler {
	return &HealthHandler{broker: broker, db: db}
}

// GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status":           "ok",
		"timestamp":        time.Now().UnixMilli(),
		"clients":          h.broker.TotalClients(),
		"presenceWatchers": h.broker.ClientCount(events.PresenceTopic),
	}
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), config.DBPingTimeout)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	writeJSON(w, status, body)
}
