package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/karloscodes/cartridge"
)

const healthPingTimeout = 2 * time.Second

// Pinger is anything whose reachability the health check reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	StoreStatus string    `json:"store_status"`
	Buffered    int       `json:"buffered"`
}

type HealthHandler struct {
	store   Pinger
	pending func() int
}

// NewHealthHandler reports the store's reachability. pending, when set,
// reports how many events wait in the retry buffer.
func NewHealthHandler(store Pinger, pending func() int) *HealthHandler {
	return &HealthHandler{store: store, pending: pending}
}

// Index answers 200 when the store responds and 503 otherwise.
func (h *HealthHandler) Index(ctx *cartridge.Context) error {
	health := HealthStatus{
		Status:      "ok",
		Timestamp:   time.Now().UTC(),
		StoreStatus: "ok",
	}
	if h.pending != nil {
		health.Buffered = h.pending()
	}

	pingCtx, cancel := context.WithTimeout(ctx.UserContext(), healthPingTimeout)
	defer cancel()

	if err := h.store.Ping(pingCtx); err != nil {
		ctx.Logger.Error("Event store ping failed", slog.Any("error", err))
		health.Status = "degraded"
		health.StoreStatus = "error"
		return ctx.Status(http.StatusServiceUnavailable).JSON(health)
	}

	return ctx.JSON(health)
}
