package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitepulse/internal/analytics"
	apphttp "sitepulse/internal/http"
	"sitepulse/internal/http/middleware"
	"sitepulse/internal/observability"
	"sitepulse/internal/store"
	"sitepulse/internal/testsupport"
	"sitepulse/internal/timeframe"
	"sitepulse/internal/usage"
)

var now = time.Date(2024, 6, 15, 14, 30, 0, 0, time.UTC)

type pingErrStore struct{ store.EventStore }

func (pingErrStore) Ping(context.Context) error {
	return &store.StoreUnavailableError{Op: "ping", Err: errors.New("connection refused")}
}

type fixedQuerier struct{ err error }

func (q fixedQuerier) Query(context.Context, analytics.Metric, string, *timeframe.TimeFrame) (any, error) {
	return nil, q.err
}

func mount(t *testing.T, apiKey string, s store.EventStore, querier apphttp.Querier) *fiber.App {
	t.Helper()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	if querier == nil {
		querier = analytics.NewEngine(s, analytics.Options{Metrics: metrics, Logger: testsupport.GetLogger()})
	}

	directory := usage.NewStaticDirectory(usage.Account{ID: "owner_1", Tier: usage.TierFree, Projects: []string{"proj_demo"}})
	accountant := usage.NewAccountant(s, directory, usage.Options{Now: testsupport.FixedTime{T: now}.Now})

	stats := apphttp.NewStatsHandler(querier, timeframe.NewTimeFrameParser(testsupport.FixedTime{T: now}))
	usageHandler := apphttp.NewUsageHandler(accountant)
	health := apphttp.NewHealthHandler(s, func() int { return 3 })

	return testsupport.CreateMinimalTestApp(t, func(srv *cartridge.Server) {
		queryConfig := &cartridge.RouteConfig{
			EnableSecFetchSite: cartridge.Bool(false),
			CustomMiddleware:   []fiber.Handler{middleware.QueryAPIKeyAuth(apiKey, testsupport.GetLogger())},
		}
		open := &cartridge.RouteConfig{EnableSecFetchSite: cartridge.Bool(false)}

		srv.Get("/api/v1/stats/:metric", stats.Show, queryConfig)
		srv.Get("/api/v1/usage", usageHandler.Show, queryConfig)
		srv.Get("/_health", health.Index, open)
		srv.Get("/metrics", apphttp.MetricsAction(registry), open)
	})
}

func get(t *testing.T, app *fiber.App, target string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func seed(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s := testsupport.SetupSQLiteStore(t)
	testsupport.SeedEvents(t, s,
		testsupport.NewEvent("proj_demo", "v1", "/", now.Add(-time.Hour)),
		testsupport.NewEvent("proj_demo", "v1", "/pricing", now.Add(-50*time.Minute)),
		testsupport.NewEvent("proj_demo", "v2", "/", now.Add(-24*time.Hour), testsupport.WithCountry("FR")),
		testsupport.NewEvent("proj_demo", "v2", "/", now.Add(-24*time.Hour), testsupport.WithName("signup")),
	)
	return s
}

func TestStatsHandler(t *testing.T) {
	t.Run("overview", func(t *testing.T) {
		app := mount(t, "", seed(t), nil)

		resp, body := get(t, app, "/api/v1/stats/overview?project=proj_demo&range=7d", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

		var overview analytics.Overview
		require.NoError(t, json.Unmarshal(body, &overview))
		assert.Equal(t, int64(2), overview.Visitors)
		assert.Equal(t, int64(3), overview.Pageviews)
		assert.Len(t, overview.Series, 7)
		require.NotEmpty(t, overview.TopPages)
		assert.Equal(t, "/", overview.TopPages[0].Path)
	})

	t.Run("countries", func(t *testing.T) {
		app := mount(t, "", seed(t), nil)

		resp, body := get(t, app, "/api/v1/stats/countries?project=proj_demo&from=2024-06-01&to=2024-06-15", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

		var countries []analytics.CountryStat
		require.NoError(t, json.Unmarshal(body, &countries))
		require.Len(t, countries, 2)
		assert.Equal(t, "US", countries[0].Country)
		assert.Equal(t, "France", countries[1].Name)
	})

	t.Run("missing project", func(t *testing.T) {
		app := mount(t, "", seed(t), nil)
		resp, body := get(t, app, "/api/v1/stats/pages", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, string(body), "project")
	})

	t.Run("unknown range", func(t *testing.T) {
		app := mount(t, "", seed(t), nil)
		resp, _ := get(t, app, "/api/v1/stats/pages?project=proj_demo&range=fortnight", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown metric", func(t *testing.T) {
		app := mount(t, "", seed(t), nil)
		resp, _ := get(t, app, "/api/v1/stats/bounce?project=proj_demo", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("query timeout", func(t *testing.T) {
		app := mount(t, "", seed(t), fixedQuerier{err: &analytics.QueryTimeoutError{Metric: analytics.MetricPages, Timeout: time.Second}})
		resp, _ := get(t, app, "/api/v1/stats/pages?project=proj_demo", nil)
		assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	})

	t.Run("store unavailable", func(t *testing.T) {
		app := mount(t, "", seed(t), fixedQuerier{err: &store.StoreUnavailableError{Op: "breakdown", Err: errors.New("gone")}})
		resp, _ := get(t, app, "/api/v1/stats/pages?project=proj_demo", nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("unexpected errors are not leaked", func(t *testing.T) {
		app := mount(t, "", seed(t), fixedQuerier{err: errors.New("secret detail")})
		resp, body := get(t, app, "/api/v1/stats/pages?project=proj_demo", nil)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.NotContains(t, string(body), "secret detail")
	})
}

func TestQueryAPIKeyAuth(t *testing.T) {
	app := mount(t, "s3cret", seed(t), nil)

	resp, _ := get(t, app, "/api/v1/stats/pages?project=proj_demo", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = get(t, app, "/api/v1/stats/pages?project=proj_demo", map[string]string{"Authorization": "Token s3cret"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = get(t, app, "/api/v1/stats/pages?project=proj_demo", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = get(t, app, "/api/v1/stats/pages?project=proj_demo", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = get(t, app, "/api/v1/usage?owner=owner_1", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUsageHandler(t *testing.T) {
	t.Run("returns the snapshot", func(t *testing.T) {
		app := mount(t, "", seed(t), nil)

		resp, body := get(t, app, "/api/v1/usage?owner=owner_1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

		var snap usage.Snapshot
		require.NoError(t, json.Unmarshal(body, &snap))
		assert.Equal(t, usage.Snapshot{Current: 4, Limit: 1000, Percentage: 0}, snap)
	})

	t.Run("requires owner", func(t *testing.T) {
		app := mount(t, "", seed(t), nil)
		resp, _ := get(t, app, "/api/v1/usage", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown owner", func(t *testing.T) {
		app := mount(t, "", seed(t), nil)
		resp, _ := get(t, app, "/api/v1/usage?owner=ghost", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestHealthHandler(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		app := mount(t, "", seed(t), nil)

		resp, body := get(t, app, "/_health", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var health apphttp.HealthStatus
		require.NoError(t, json.Unmarshal(body, &health))
		assert.Equal(t, "ok", health.Status)
		assert.Equal(t, 3, health.Buffered)
	})

	t.Run("degraded", func(t *testing.T) {
		app := mount(t, "", pingErrStore{EventStore: seed(t)}, nil)

		resp, body := get(t, app, "/_health", nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Contains(t, string(body), "degraded")
	})
}

func TestMetricsAction(t *testing.T) {
	app := mount(t, "", seed(t), nil)

	// Populate a query metric first.
	resp, _ := get(t, app, "/api/v1/stats/pages?project=proj_demo", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := get(t, app, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "sitepulse_query_duration_seconds"), string(body))
}
