// Package v1 serves the public beacon API and the tracking snippet.
package v1

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"sitepulse/internal/events"
	"sitepulse/internal/ingest"
	"sitepulse/internal/observability"
	"sitepulse/internal/store"
)

const (
	errInvalidRequest   = "Invalid request"
	errStoreUnavailable = "Event store unavailable"
	errStoreTimeout     = "Event store timed out"
	errCollection       = "Failed to collect event"
)

// Ingester is the part of the ingestion sink the handlers need.
type Ingester interface {
	Ingest(ctx context.Context, e events.Event) (ingest.Ack, error)
}

type EventsHandlerOptions struct {
	// IgnoreBots acknowledges beacons from crawlers without storing them.
	IgnoreBots bool
	Metrics    *observability.Metrics
	Now        func() time.Time
}

// EventsHandler turns beacons into canonical events and hands them to the sink.
type EventsHandler struct {
	normalizer *events.Normalizer
	sink       Ingester
	ignoreBots bool
	metrics    *observability.Metrics
	now        func() time.Time
}

func NewEventsHandler(normalizer *events.Normalizer, sink Ingester, opts EventsHandlerOptions) *EventsHandler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &EventsHandler{
		normalizer: normalizer,
		sink:       sink,
		ignoreBots: opts.IgnoreBots,
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
}

// Create handles JSON beacons posted with fetch/XHR.
func (h *EventsHandler) Create(ctx *cartridge.Context) error {
	var raw events.RawBeacon
	if err := ctx.BodyParser(&raw); err != nil {
		ctx.Logger.Debug("Failed to parse event request", slog.Any("error", err))
		return ctx.Status(http.StatusBadRequest).JSON(fiber.Map{"error": errInvalidRequest})
	}

	status, body := h.collect(ctx, raw)
	return ctx.Status(status).JSON(body)
}

// CreateBeacon handles navigator.sendBeacon requests. The body arrives as
// text/plain and the browser ignores the response, so it always answers 202.
func (h *EventsHandler) CreateBeacon(ctx *cartridge.Context) error {
	var raw events.RawBeacon
	if err := json.Unmarshal(ctx.Body(), &raw); err != nil {
		ctx.Logger.Debug("Failed to parse beacon request", slog.Any("error", err))
		return ctx.SendStatus(http.StatusAccepted)
	}

	if status, _ := h.collect(ctx, raw); status >= http.StatusBadRequest {
		ctx.Logger.Debug("Beacon event not stored", slog.Int("status", status))
	}
	return ctx.SendStatus(http.StatusAccepted)
}

func (h *EventsHandler) collect(ctx *cartridge.Context, raw events.RawBeacon) (int, fiber.Map) {
	ua := userAgent(ctx.Ctx)
	if h.ignoreBots && events.IsBot(ua) {
		h.metrics.RecordIngest(observability.ResultBot)
		ctx.Logger.Debug("Dropped bot beacon", slog.String("project_id", raw.ProjectID))
		return http.StatusAccepted, fiber.Map{"success": true}
	}

	event, err := h.normalizer.Normalize(raw, ua, clientIPs(ctx.Ctx), h.now())
	if err != nil {
		var validationErr *events.ValidationError
		if errors.As(err, &validationErr) {
			return http.StatusBadRequest, fiber.Map{"error": validationErr.Error()}
		}
		ctx.Logger.Error("Failed to normalize event", slog.Any("error", err))
		return http.StatusInternalServerError, fiber.Map{"error": errCollection}
	}

	ack, err := h.sink.Ingest(ctx.UserContext(), event)
	if err != nil {
		var timeoutErr *store.TimeoutError
		var unavailableErr *store.StoreUnavailableError
		switch {
		case errors.As(err, &timeoutErr):
			return http.StatusGatewayTimeout, fiber.Map{"error": errStoreTimeout}
		case errors.As(err, &unavailableErr):
			return http.StatusServiceUnavailable, fiber.Map{"error": errStoreUnavailable}
		default:
			return http.StatusInternalServerError, fiber.Map{"error": errCollection}
		}
	}

	if ack.Buffered {
		return http.StatusAccepted, fiber.Map{"success": true, "buffered": true}
	}
	return http.StatusOK, fiber.Map{"success": true}
}
