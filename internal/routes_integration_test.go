package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"runtime"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	ctestsupport "github.com/karloscodes/cartridge/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitepulse/internal/analytics"
	"sitepulse/internal/testsupport"
	"sitepulse/internal/timeframe"
)

func newTestComponents(t *testing.T) (*Components, *Services) {
	t.Helper()

	cfg := testsupport.TestConfig(t)
	dbManager, logger := testsupport.SetupTestDBManager(t)

	components, err := NewComponents(context.Background(), cfg, dbManager, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = components.Close() })

	return components, components.Services(cfg)
}

func newTestApp(t *testing.T) (*fiber.App, *Components) {
	t.Helper()
	components, services := newTestComponents(t)
	srv := ctestsupport.NewTestServer(t, ctestsupport.TestServerOptions{
		RouteMountFunc: MountAppRoutes(services),
		ServerConfig:   NewServerConfig(),
	})
	return srv.App, components
}

func mustToday(t *testing.T) *timeframe.TimeFrame {
	t.Helper()
	tf, err := timeframe.NewTimeFrameParser().ParseTimeFrame(timeframe.TimeFrameParserParams{Range: "today"})
	require.NoError(t, err)
	return tf
}

func findRoute(app *fiber.App, method, path string) *fiber.Route {
	routes := app.GetRoutes(true)
	for idx := range routes {
		if routes[idx].Method == method && routes[idx].Path == path {
			return &routes[idx]
		}
	}
	return nil
}

func TestPublicEventsRouteRateLimited(t *testing.T) {
	app, _ := newTestApp(t)

	eventRoute := findRoute(app, fiber.MethodPost, "/api/v1/events")
	require.NotNil(t, eventRoute, "expected events route to be registered")

	// The rate limiter only applies in production; the conditional wrapper
	// defined in MountAppRoutes is always present.
	hasRateLimiter := false
	var handlerNames []string
	for _, handler := range eventRoute.Handlers {
		name := runtime.FuncForPC(reflect.ValueOf(handler).Pointer()).Name()
		handlerNames = append(handlerNames, name)
		if strings.Contains(name, "middleware/limiter") || strings.Contains(name, "MountAppRoutes.func") {
			hasRateLimiter = true
			break
		}
	}

	require.Truef(t, hasRateLimiter, "expected rate limiter middleware for public events route, handlers: %v", handlerNames)
}

func TestRoutesRegistered(t *testing.T) {
	app, _ := newTestApp(t)

	for _, r := range []struct{ method, path string }{
		{fiber.MethodPost, "/api/v1/events"},
		{fiber.MethodOptions, "/api/v1/events"},
		{fiber.MethodPost, "/api/v1/events/beacon"},
		{fiber.MethodOptions, "/api/v1/events/beacon"},
		{fiber.MethodGet, "/sdk.js"},
		{fiber.MethodGet, "/api/v1/stats/:metric"},
		{fiber.MethodGet, "/api/v1/usage"},
		{fiber.MethodGet, "/_health"},
		{fiber.MethodGet, "/metrics"},
	} {
		assert.NotNilf(t, findRoute(app, r.method, r.path), "expected %s %s", r.method, r.path)
	}
}

func TestIngestThenQuery(t *testing.T) {
	app, components := newTestApp(t)

	payload, err := json.Marshal(map[string]any{
		"project_id": "proj_demo",
		"path":       "/docs",
		"referrer":   "https://news.ycombinator.com/item?id=1",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 Version/17.0 Mobile/15E148 Safari/604.1")
	req.Header.Set("X-Forwarded-For", "198.51.100.4")
	req.Header.Set("Sec-Fetch-Site", "cross-site")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Query routes do not require browser headers.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/stats/referrers?project=proj_demo&range=today", nil)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var referrers analytics.Referrers
	require.NoError(t, json.Unmarshal(body, &referrers))
	require.Len(t, referrers.Referrers, 1)
	assert.Equal(t, "news.ycombinator.com", referrers.Referrers[0].Referrer)
	assert.Equal(t, 1, referrers.Total)

	devices, err := components.Engine.Devices(context.Background(), "proj_demo", mustToday(t))
	require.NoError(t, err)
	require.Len(t, devices.Devices, 1)
	assert.Equal(t, "Mobile", devices.Devices[0].Device)
	require.Len(t, devices.Browsers, 1)
	assert.Equal(t, "Safari", devices.Browsers[0].Browser)
}

func TestCrossSiteBeaconsAccepted(t *testing.T) {
	app, components := newTestApp(t)

	for _, tc := range []struct {
		name string
		path string
		site string
	}{
		{name: "json cross-site", path: "/api/v1/events", site: "cross-site"},
		{name: "beacon cross-site", path: "/api/v1/events/beacon", site: "cross-site"},
		{name: "json same-site", path: "/api/v1/events", site: "same-site"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			payload := `{"project_id":"proj_cross","path":"/landing"}`
			req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(payload))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0")
			req.Header.Set("X-Forwarded-For", "203.0.113.7")
			req.Header.Set("Origin", "https://blog.example.org")
			req.Header.Set("Sec-Fetch-Site", tc.site)

			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			assert.NotEqual(t, http.StatusForbidden, resp.StatusCode)
			assert.Less(t, resp.StatusCode, 300)
		})
	}

	tf := mustToday(t)
	count, err := components.Store.CountEvents(context.Background(), []string{"proj_cross"}, tf.From, tf.To)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
}

func TestPreflight(t *testing.T) {
	app, _ := newTestApp(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/events", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	app, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/_health", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
