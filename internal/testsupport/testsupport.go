package testsupport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/karloscodes/cartridge"
	ctestsupport "github.com/karloscodes/cartridge/testsupport"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"sitepulse/internal/config"
	"sitepulse/internal/database"
	"sitepulse/internal/events"
	"sitepulse/internal/store"
)

// testDBCache caches test databases by root test name so subtests share one database
var testDBCache = make(map[string]*gorm.DB)
var testDBCacheMu sync.Mutex

// TestDBManager wraps cartridge's TestDBManager
type TestDBManager struct {
	*ctestsupport.TestDBManager
}

// NewTestDBManager creates a TestDBManager that implements cartridge.DBManager
func NewTestDBManager(db *gorm.DB) *TestDBManager {
	return &TestDBManager{
		TestDBManager: ctestsupport.NewTestDBManager(db),
	}
}

var _ cartridge.DBManager = (*TestDBManager)(nil)

// SetupTestDB creates a named in-memory database with the event store migrated.
// Shared-cache memory databases use table locks, so concurrent writers fail
// with "database table is locked". Tests that write from several goroutines
// use SetupFileDBManager instead.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	rootName := t.Name()
	if idx := strings.Index(rootName, "/"); idx > 0 {
		rootName = rootName[:idx]
	}

	testDBCacheMu.Lock()
	if db, exists := testDBCache[rootName]; exists {
		testDBCacheMu.Unlock()
		return db
	}
	testDBCacheMu.Unlock()

	dsn := fmt.Sprintf("file:test_%s_%d?mode=memory&cache=shared", rootName, time.Now().UnixNano())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("testsupport: failed to open test database: %v", err)
	}

	if err := db.AutoMigrate(store.Models()...); err != nil {
		t.Fatalf("testsupport: failed to migrate models: %v", err)
	}

	testDBCacheMu.Lock()
	testDBCache[rootName] = db
	testDBCacheMu.Unlock()

	t.Cleanup(func() {
		testDBCacheMu.Lock()
		delete(testDBCache, rootName)
		testDBCacheMu.Unlock()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	return db
}

// SetupTestDBManager creates a test DB manager and a quiet logger
func SetupTestDBManager(t *testing.T) (*TestDBManager, *slog.Logger) {
	t.Helper()
	return NewTestDBManager(SetupTestDB(t)), GetLogger()
}

// SetupFileDBManager opens a WAL-mode database file through the production
// database manager, with a small pool so readers run alongside the writer.
func SetupFileDBManager(t *testing.T) (*database.DBManager, *slog.Logger) {
	t.Helper()

	cfg := TestConfig(t)
	cfg.DatabaseName = filepath.Join(t.TempDir(), "sitepulse.db")
	cfg.DatabaseMaxOpenConns = 4
	cfg.DatabaseMaxIdleConns = 4

	logger := GetLogger()
	dbManager := database.NewDBManager(cfg, logger)
	require.NoError(t, dbManager.Init())
	require.NoError(t, dbManager.MigrateDatabase())
	t.Cleanup(func() { _ = dbManager.Close() })

	return dbManager, logger
}

// SetupSQLiteStore returns an event store backed by a fresh in-memory database
func SetupSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dbManager, logger := SetupTestDBManager(t)
	return store.NewSQLiteStore(dbManager, logger)
}

// TestConfig loads the configuration for the test environment.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("SITEPULSE_ENV", config.Test)

	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

// GetLogger returns a test logger
func GetLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}

// FixedTime is a timeframe.TimeProvider that always returns the same instant.
type FixedTime struct {
	T time.Time
}

func (f FixedTime) Now() time.Time {
	return f.T
}

// EventOption customises events built by NewEvent.
type EventOption func(*events.Event)

func WithReferrer(referrer, host string) EventOption {
	return func(e *events.Event) {
		e.Referrer = referrer
		e.ReferrerHost = host
	}
}

func WithCountry(country string) EventOption {
	return func(e *events.Event) { e.Country = country }
}

func WithDevice(device string) EventOption {
	return func(e *events.Event) { e.Device = device }
}

func WithBrowser(browser string) EventOption {
	return func(e *events.Event) { e.Browser = browser }
}

// WithName turns the event into a custom event.
func WithName(name string) EventOption {
	return func(e *events.Event) { e.Name = name }
}

// NewEvent builds a desktop Chrome pageview from the US.
func NewEvent(projectID, visitorID, path string, at time.Time, opts ...EventOption) events.Event {
	e := events.Event{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Timestamp: at.UTC().Truncate(time.Second),
		Path:      path,
		Country:   "US",
		Device:    events.DeviceDesktop,
		Browser:   events.BrowserChrome,
		Name:      events.PageviewEvent,
		VisitorID: visitorID,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// SeedEvents appends events directly to the store.
func SeedEvents(t *testing.T, s store.EventStore, evs ...events.Event) {
	t.Helper()
	require.NoError(t, s.Append(context.Background(), evs))
}

// CreateMinimalTestApp creates a test Fiber app with the given routes mounted
func CreateMinimalTestApp(t *testing.T, mount func(*cartridge.Server)) *fiber.App {
	t.Helper()

	dbManager, logger := SetupTestDBManager(t)
	appConfig := TestConfig(t)
	appConfig.PublicDirectory = t.TempDir()

	cfg := cartridge.DefaultServerConfig()
	cfg.Config = appConfig
	cfg.Logger = logger
	cfg.DBManager = dbManager
	cfg.StaticDirectory = appConfig.PublicDirectory
	cfg.StaticPrefix = appConfig.PublicAssetsUrlPrefix
	cfg.TemplatesDirectory = appConfig.PublicDirectory
	// Match production: requests without Sec-Fetch-Site are rejected on public routes
	cfg.EnableSecFetchSite = true
	cfg.SecFetchSiteAllowedValues = []string{"cross-site", "same-site", "same-origin"}

	srv, err := cartridge.NewServer(cfg)
	require.NoError(t, err)

	mount(srv)
	return srv.App()
}
