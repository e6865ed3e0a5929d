package http

import (
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/karloscodes/cartridge"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsAction exposes the registry in the Prometheus text format.
func MetricsAction(registry *prometheus.Registry) func(*cartridge.Context) error {
	handler := adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	return func(ctx *cartridge.Context) error {
		return handler(ctx.Ctx)
	}
}
