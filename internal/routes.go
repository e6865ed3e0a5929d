package internal

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/karloscodes/cartridge"
	cartridgemiddleware "github.com/karloscodes/cartridge/middleware"
	"github.com/prometheus/client_golang/prometheus"

	v1 "sitepulse/api/v1"
	"sitepulse/internal/config"
	"sitepulse/internal/http"
	"sitepulse/internal/http/middleware"
)

// publicCORSConfig is shared by every endpoint a tracked website calls.
var publicCORSConfig = &cors.Config{
	AllowOrigins: "*",
	AllowMethods: "POST,GET,OPTIONS",
	AllowHeaders: "Origin, Content-Type, Accept, Authorization, Referrer, User-Agent",
}

// Services are the handlers the routes dispatch to.
type Services struct {
	Config   *config.Config
	Events   *v1.EventsHandler
	Stats    *http.StatsHandler
	Usage    *http.UsageHandler
	Health   *http.HealthHandler
	Registry *prometheus.Registry
}

// MountAppRoutes returns the route mount function for the given services.
func MountAppRoutes(svc *Services) func(*cartridge.Server) {
	return func(srv *cartridge.Server) {
		cfg := svc.Config
		logger := srv.GetLogger()

		// Rate limiting would interfere with development and tests
		conditionalRateLimiter := func(limiter fiber.Handler) fiber.Handler {
			return func(c *fiber.Ctx) error {
				if cfg.IsProduction() {
					return limiter(c)
				}
				return c.Next()
			}
		}

		// 70 requests per minute per IP on beacon ingestion
		publicRateLimiter := conditionalRateLimiter(cartridgemiddleware.RateLimiter(
			cartridgemiddleware.WithMax(70),
			cartridgemiddleware.WithDuration(time.Minute),
		))

		// Public beacon API: CORS runs first so 403 responses carry CORS headers.
		// The global Sec-Fetch-Site check limits it to browser requests.
		publicAPIConfig := &cartridge.RouteConfig{
			EnableCORS:       true,
			WriteConcurrency: false,
			CustomMiddleware: []fiber.Handler{recover.New(), publicRateLimiter},
			CORSConfig:       publicCORSConfig,
		}

		sdkConfig := &cartridge.RouteConfig{
			EnableCORS:       true,
			CustomMiddleware: []fiber.Handler{publicRateLimiter},
			CORSConfig:       publicCORSConfig,
		}

		// Query API is called by servers and dashboards, not by tracked pages
		queryAPIConfig := &cartridge.RouteConfig{
			EnableSecFetchSite: cartridge.Bool(false),
			CustomMiddleware: []fiber.Handler{
				recover.New(),
				middleware.QueryAPIKeyAuth(cfg.QueryAPIKey, logger),
			},
		}

		systemConfig := &cartridge.RouteConfig{
			EnableSecFetchSite: cartridge.Bool(false),
		}

		noContent := func(ctx *cartridge.Context) error {
			return ctx.SendStatus(fiber.StatusNoContent)
		}

		// === SYSTEM ROUTES ===
		srv.Get("/_health", svc.Health.Index, systemConfig)
		srv.Head("/_health", svc.Health.Index, systemConfig)
		srv.Get("/metrics", http.MetricsAction(svc.Registry), systemConfig)

		// === PUBLIC API ROUTES ===
		srv.Post("/api/v1/events", svc.Events.Create, publicAPIConfig)
		srv.Options("/api/v1/events", noContent, publicAPIConfig)
		srv.Post("/api/v1/events/beacon", svc.Events.CreateBeacon, publicAPIConfig)
		srv.Options("/api/v1/events/beacon", noContent, publicAPIConfig)

		// === SDK ROUTES ===
		srv.Get("/sdk.js", v1.GetSDKAction, sdkConfig)

		// === QUERY API ROUTES ===
		srv.Get("/api/v1/stats/:metric", svc.Stats.Show, queryAPIConfig)
		srv.Get("/api/v1/usage", svc.Usage.Show, queryAPIConfig)
	}
}
