package usage_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitepulse/internal/events"
	"sitepulse/internal/observability"
	"sitepulse/internal/testsupport"
	"sitepulse/internal/usage"
)

var now = time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)

func seedMany(t *testing.T, projectID string, n int, at time.Time) []events.Event {
	t.Helper()
	evs := make([]events.Event, n)
	for i := range evs {
		opts := []testsupport.EventOption{}
		if i%3 == 0 {
			opts = append(opts, testsupport.WithName("signup"))
		}
		evs[i] = testsupport.NewEvent(projectID, fmt.Sprintf("v%d", i%40), "/", at.Add(time.Duration(i)*time.Second), opts...)
	}
	return evs
}

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *usage.RedisCounter) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	counter := usage.NewRedisCounterFromClient(client, "", 0)
	t.Cleanup(func() { _ = counter.Close() })
	return mr, counter
}

func TestTiers(t *testing.T) {
	assert.Equal(t, int64(1000), usage.LimitFor(usage.TierFree))
	assert.Equal(t, int64(10000), usage.LimitFor(usage.TierStarter))
	assert.Equal(t, int64(100000), usage.LimitFor("Pro"))
	assert.Equal(t, int64(1000), usage.LimitFor("enterprise"))
	assert.Equal(t, usage.TierInfo{Tier: usage.TierFree, Limit: 1000}, usage.ResolveTier(""))
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, int64(125), usage.Percentage(1250, 1000))
	assert.Equal(t, int64(0), usage.Percentage(0, 1000))
	assert.Equal(t, int64(1), usage.Percentage(5, 1000))
	assert.Equal(t, int64(0), usage.Percentage(5, 0))
	assert.Equal(t, int64(33), usage.Percentage(1, 3))
}

func TestGetUsage(t *testing.T) {
	ctx := context.Background()

	t.Run("counts all event types this month across owned projects", func(t *testing.T) {
		s := testsupport.SetupSQLiteStore(t)
		dir := usage.NewStaticDirectory(usage.Account{ID: "owner_1", Tier: usage.TierFree, Projects: []string{"p1", "p2"}})

		testsupport.SeedEvents(t, s, seedMany(t, "p1", 1000, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))...)
		testsupport.SeedEvents(t, s, seedMany(t, "p2", 250, time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC))...)
		// Previous month and other owners are not counted.
		testsupport.SeedEvents(t, s, seedMany(t, "p1", 30, time.Date(2024, 5, 31, 23, 0, 0, 0, time.UTC))...)
		testsupport.SeedEvents(t, s, seedMany(t, "p3", 30, time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC))...)

		acct := usage.NewAccountant(s, dir, usage.Options{Now: testsupport.FixedTime{T: now}.Now, Logger: testsupport.GetLogger()})
		snap, err := acct.GetUsage(ctx, "owner_1")
		require.NoError(t, err)
		assert.Equal(t, usage.Snapshot{Current: 1250, Limit: 1000, Percentage: 125}, snap)
	})

	t.Run("owner without events", func(t *testing.T) {
		s := testsupport.SetupSQLiteStore(t)
		dir := usage.NewStaticDirectory(usage.Account{ID: "owner_1", Tier: usage.TierStarter, Projects: []string{"p1"}})

		acct := usage.NewAccountant(s, dir, usage.Options{Now: testsupport.FixedTime{T: now}.Now})
		snap, err := acct.GetUsage(ctx, "owner_1")
		require.NoError(t, err)
		assert.Equal(t, usage.Snapshot{Current: 0, Limit: 10000, Percentage: 0}, snap)
	})

	t.Run("owner without projects", func(t *testing.T) {
		s := testsupport.SetupSQLiteStore(t)
		dir := usage.NewStaticDirectory(usage.Account{ID: "owner_1", Tier: "mystery"})

		acct := usage.NewAccountant(s, dir, usage.Options{Now: testsupport.FixedTime{T: now}.Now})
		snap, err := acct.GetUsage(ctx, "owner_1")
		require.NoError(t, err)
		assert.Equal(t, usage.Snapshot{Current: 0, Limit: 1000, Percentage: 0}, snap)
	})

	t.Run("unknown owner", func(t *testing.T) {
		s := testsupport.SetupSQLiteStore(t)
		acct := usage.NewAccountant(s, usage.NewStaticDirectory(), usage.Options{})

		_, err := acct.GetUsage(ctx, "ghost")
		var ownerErr *usage.UnknownOwnerError
		require.True(t, errors.As(err, &ownerErr))
		assert.Equal(t, "ghost", ownerErr.OwnerID)
	})
}

func TestRedisCounter(t *testing.T) {
	ctx := context.Background()

	t.Run("records per project and month", func(t *testing.T) {
		mr, counter := newMiniRedis(t)

		batch := []events.Event{
			testsupport.NewEvent("p1", "v1", "/", now),
			testsupport.NewEvent("p1", "v2", "/", now, testsupport.WithName("signup")),
			testsupport.NewEvent("p2", "v1", "/", now),
			testsupport.NewEvent("p1", "v1", "/", time.Date(2024, 5, 31, 23, 59, 59, 0, time.UTC)),
		}
		require.NoError(t, counter.Record(ctx, batch))

		got, err := mr.Get("usage:p1:2024-06")
		require.NoError(t, err)
		assert.Equal(t, "2", got)
		assert.True(t, mr.TTL("usage:p1:2024-06") > 0)

		sum, missing, err := counter.Sum(ctx, []string{"p1", "p2", "p9"}, now)
		require.NoError(t, err)
		assert.Equal(t, int64(3), sum)
		assert.Equal(t, []string{"p9"}, missing)

		sum, missing, err = counter.Sum(ctx, []string{"p1"}, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.Equal(t, int64(1), sum)
		assert.Empty(t, missing)
	})

	t.Run("accountant prefers counters", func(t *testing.T) {
		_, counter := newMiniRedis(t)
		s := testsupport.SetupSQLiteStore(t)
		dir := usage.NewStaticDirectory(usage.Account{ID: "owner_1", Tier: usage.TierFree, Projects: []string{"p1"}})

		require.NoError(t, counter.Set(ctx, "p1", now, 500))

		acct := usage.NewAccountant(s, dir, usage.Options{Counter: counter, Now: testsupport.FixedTime{T: now}.Now})
		snap, err := acct.GetUsage(ctx, "owner_1")
		require.NoError(t, err)
		assert.Equal(t, usage.Snapshot{Current: 500, Limit: 1000, Percentage: 50}, snap)
	})

	t.Run("scans the store for projects without a counter", func(t *testing.T) {
		mr, counter := newMiniRedis(t)
		s := testsupport.SetupSQLiteStore(t)
		dir := usage.NewStaticDirectory(usage.Account{ID: "owner_1", Tier: usage.TierFree, Projects: []string{"p1", "p2"}})
		testsupport.SeedEvents(t, s, seedMany(t, "p1", 5, now.Add(-time.Hour))...)
		testsupport.SeedEvents(t, s, seedMany(t, "p2", 8, now.Add(-time.Hour))...)

		require.NoError(t, counter.Set(ctx, "p1", now, 40))
		// p2's counter expired, e.g. after a Redis restart
		mr.Del("usage:p2:2024-06")

		registry := prometheus.NewRegistry()
		metrics := observability.NewMetrics(registry)
		acct := usage.NewAccountant(s, dir, usage.Options{
			Counter: counter,
			Now:     testsupport.FixedTime{T: now}.Now,
			Metrics: metrics,
			Logger:  testsupport.GetLogger(),
		})
		snap, err := acct.GetUsage(ctx, "owner_1")
		require.NoError(t, err)
		assert.Equal(t, int64(48), snap.Current)
		assert.Zero(t, testutil.ToFloat64(metrics.UsageCounterErrorsTotal))
	})

	t.Run("falls back to the store when redis is down", func(t *testing.T) {
		mr, counter := newMiniRedis(t)
		s := testsupport.SetupSQLiteStore(t)
		dir := usage.NewStaticDirectory(usage.Account{ID: "owner_1", Tier: usage.TierFree, Projects: []string{"p1"}})
		testsupport.SeedEvents(t, s, seedMany(t, "p1", 12, now.Add(-time.Hour))...)

		registry := prometheus.NewRegistry()
		metrics := observability.NewMetrics(registry)
		mr.Close()

		acct := usage.NewAccountant(s, dir, usage.Options{
			Counter: counter,
			Now:     testsupport.FixedTime{T: now}.Now,
			Metrics: metrics,
			Logger:  testsupport.GetLogger(),
		})
		snap, err := acct.GetUsage(ctx, "owner_1")
		require.NoError(t, err)
		assert.Equal(t, int64(12), snap.Current)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.UsageCounterErrorsTotal))
	})

	t.Run("reconcile rewrites counters from the store", func(t *testing.T) {
		mr, counter := newMiniRedis(t)
		s := testsupport.SetupSQLiteStore(t)
		dir := usage.NewStaticDirectory(
			usage.Account{ID: "owner_1", Projects: []string{"p1", "p2"}},
			usage.Account{ID: "owner_2", Projects: []string{"p3"}},
		)
		testsupport.SeedEvents(t, s, seedMany(t, "p1", 7, now.Add(-time.Hour))...)
		testsupport.SeedEvents(t, s, seedMany(t, "p3", 4, now.Add(-time.Hour))...)
		require.NoError(t, counter.Set(ctx, "p1", now, 99))

		acct := usage.NewAccountant(s, dir, usage.Options{Counter: counter, Now: testsupport.FixedTime{T: now}.Now, Logger: testsupport.GetLogger()})
		n, err := acct.Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		got, err := mr.Get("usage:p1:2024-06")
		require.NoError(t, err)
		assert.Equal(t, "7", got)
		got, err = mr.Get("usage:p2:2024-06")
		require.NoError(t, err)
		assert.Equal(t, "0", got)
		got, err = mr.Get("usage:p3:2024-06")
		require.NoError(t, err)
		assert.Equal(t, "4", got)
	})

	t.Run("closed counter rejects writes", func(t *testing.T) {
		_, counter := newMiniRedis(t)
		require.NoError(t, counter.Close())
		assert.Error(t, counter.Record(ctx, []events.Event{testsupport.NewEvent("p1", "v1", "/", now)}))
	})
}

func TestNewRedisCounter(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	counter, err := usage.NewRedisCounter(context.Background(), usage.RedisCounterOptions{URL: "redis://" + mr.Addr() + "/0"})
	require.NoError(t, err)
	defer counter.Close()

	_, err = usage.NewRedisCounter(context.Background(), usage.RedisCounterOptions{URL: "not a url"})
	assert.Error(t, err)
}

func TestFileDirectory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`accounts:
  - id: acme
    tier: pro
    projects: [acme-site, acme-docs]
  - id: solo
    projects: [solo-blog]
`), 0o600))

	dir, err := usage.NewFileDirectory(path)
	require.NoError(t, err)

	tier, err := dir.ResolveOwnerTier(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, usage.TierInfo{Tier: usage.TierPro, Limit: 100000}, tier)

	tier, err = dir.ResolveOwnerTier(ctx, "solo")
	require.NoError(t, err)
	assert.Equal(t, usage.TierFree, tier.Tier)

	projects, err := dir.ProjectsForOwner(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"acme-site", "acme-docs"}, projects)

	owners, err := dir.Owners(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "solo"}, owners)

	t.Run("reload keeps previous accounts on parse errors", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("accounts: [unclosed"), 0o600))
		assert.Error(t, dir.Reload())

		owners, err := dir.Owners(ctx)
		require.NoError(t, err)
		assert.Len(t, owners, 2)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := usage.NewFileDirectory(filepath.Join(t.TempDir(), "none.yaml"))
		assert.Error(t, err)
	})
}
