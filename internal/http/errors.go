package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"sitepulse/internal/analytics"
	"sitepulse/internal/events"
	"sitepulse/internal/store"
	"sitepulse/internal/timeframe"
	"sitepulse/internal/usage"
)

// errorStatus maps domain errors to HTTP statuses.
func errorStatus(err error) int {
	var validationErr *events.ValidationError
	var rangeErr *timeframe.InvalidRangeError
	var metricErr *analytics.UnknownMetricError
	var ownerErr *usage.UnknownOwnerError
	var queryTimeout *analytics.QueryTimeoutError
	var storeTimeout *store.TimeoutError
	var unavailable *store.StoreUnavailableError

	switch {
	case errors.As(err, &validationErr), errors.As(err, &rangeErr):
		return http.StatusBadRequest
	case errors.As(err, &metricErr), errors.As(err, &ownerErr):
		return http.StatusNotFound
	case errors.As(err, &queryTimeout), errors.As(err, &storeTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(ctx *cartridge.Context, err error) error {
	status := errorStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		ctx.Logger.Error("Request failed", slog.String("path", ctx.Path()), slog.Any("error", err))
		message = "Internal server error"
	}
	return ctx.Status(status).JSON(fiber.Map{"error": message})
}
