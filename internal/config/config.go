// Package config loads sitepulse settings from SITEPULSE_* environment variables using Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment types
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// LogLevel represents the logging level for the application
type LogLevel string

// Available log levels
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Store drivers
const (
	StoreDriverSQLite     = "sqlite"
	StoreDriverClickHouse = "clickhouse"
)

// Ingest modes
const (
	IngestModeDirect = "direct"
	IngestModeKafka  = "kafka"
)

// Usage sources
const (
	UsageSourceStore = "store"
	UsageSourceRedis = "redis"
)

const (
	defaultVisitorSalt = "sitepulse-development-salt"
	defaultSecretKey   = "88888888888888888888888888888888"
)

// ConfigurationError reports a missing or invalid setting. It is fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Config holds all configuration parameters for the application
type Config struct {
	// Application settings
	AppName               string   `mapstructure:"appname"`
	AppPort               string   `mapstructure:"appport"`
	Environment           string   `mapstructure:"environment"`
	LogLevel              LogLevel `mapstructure:"loglevel"`
	SecretKey             string   `mapstructure:"secretkey"`
	PublicDirectory       string   `mapstructure:"publicdir"`
	PublicAssetsUrlPrefix string   `mapstructure:"publicassetsurlprefix"`

	// Logging settings
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`

	// Event store
	StoreDriver          string `mapstructure:"storedriver"`
	DatabasePath         string `mapstructure:"storagepath"`
	DatabaseName         string `mapstructure:"-"`
	DatabaseMaxOpenConns int    `mapstructure:"dbmaxopenconns"`
	DatabaseMaxIdleConns int    `mapstructure:"dbmaxidleconns"`
	ClickHouseAddr       string `mapstructure:"clickhouseaddr"`
	ClickHouseDatabase   string `mapstructure:"clickhousedatabase"`
	ClickHouseUsername   string `mapstructure:"clickhouseusername"`
	ClickHousePassword   string `mapstructure:"clickhousepassword"`

	// Privacy
	VisitorSalt string `mapstructure:"visitorsalt"`
	GeoDBPath   string `mapstructure:"geodbpath"`
	IgnoreBots  bool   `mapstructure:"ignorebots"`

	// Ingestion
	IngestMode           string `mapstructure:"ingestmode"`
	IngestTimeoutMs      int    `mapstructure:"ingesttimeoutms"`
	BufferCapacity       int    `mapstructure:"buffercapacity"`
	FlushIntervalSeconds int    `mapstructure:"flushintervalseconds"`
	FlushBatchSize       int    `mapstructure:"flushbatchsize"`
	KafkaBrokers         string `mapstructure:"kafkabrokers"`
	KafkaTopic           string `mapstructure:"kafkatopic"`
	KafkaGroupID         string `mapstructure:"kafkagroupid"`

	// Queries
	QueryTimeoutMs       int    `mapstructure:"querytimeoutms"`
	QueryWorkers         int    `mapstructure:"queryworkers"`
	QueryCacheTTLSeconds int    `mapstructure:"querycachettlseconds"`
	QueryCacheSize       int    `mapstructure:"querycachesize"`
	QueryAPIKey          string `mapstructure:"queryapikey"`

	// Usage accounting
	AccountsFile       string `mapstructure:"accountsfile"`
	UsageSource        string `mapstructure:"usagesource"`
	RedisURL           string `mapstructure:"redisurl"`
	UsageReconcileCron string `mapstructure:"usagereconcilecron"`

	// Retention
	RetentionDays int    `mapstructure:"retentiondays"`
	RetentionCron string `mapstructure:"retentioncron"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("appname", "sitepulse")
	v.SetDefault("appport", "3000")
	v.SetDefault("environment", Development)
	v.SetDefault("loglevel", string(LogLevelInfo))
	v.SetDefault("secretkey", defaultSecretKey)
	v.SetDefault("publicdir", "web")
	v.SetDefault("publicassetsurlprefix", "/")
	v.SetDefault("logsdir", "logs")
	v.SetDefault("logsmaxsizeinmb", 20)
	v.SetDefault("logsmaxbackups", 10)
	v.SetDefault("logsmaxageindays", 30)
	v.SetDefault("storedriver", StoreDriverSQLite)
	v.SetDefault("storagepath", "storage")
	v.SetDefault("dbmaxopenconns", 0)
	v.SetDefault("dbmaxidleconns", 0)
	v.SetDefault("clickhousedatabase", "default")
	v.SetDefault("clickhouseusername", "default")
	v.SetDefault("visitorsalt", defaultVisitorSalt)
	v.SetDefault("geodbpath", "")
	v.SetDefault("ignorebots", true)
	v.SetDefault("ingestmode", IngestModeDirect)
	v.SetDefault("ingesttimeoutms", 2000)
	v.SetDefault("buffercapacity", 10000)
	v.SetDefault("flushintervalseconds", 5)
	v.SetDefault("flushbatchsize", 500)
	v.SetDefault("kafkatopic", "sitepulse-events")
	v.SetDefault("kafkagroupid", "sitepulse-ingest")
	v.SetDefault("querytimeoutms", 10000)
	v.SetDefault("queryworkers", 4)
	v.SetDefault("querycachettlseconds", 30)
	v.SetDefault("querycachesize", 1024)
	v.SetDefault("usagesource", UsageSourceStore)
	v.SetDefault("usagereconcilecron", "30 2 * * *")
	v.SetDefault("retentiondays", 395)
	v.SetDefault("retentioncron", "0 3 * * *")

	for key, env := range map[string]string{
		"appname":               "SITEPULSE_APP_NAME",
		"appport":               "SITEPULSE_APP_PORT",
		"environment":           "SITEPULSE_ENV",
		"loglevel":              "SITEPULSE_LOG_LEVEL",
		"secretkey":             "SITEPULSE_SECRET_KEY",
		"publicdir":             "SITEPULSE_PUBLIC_DIR",
		"publicassetsurlprefix": "SITEPULSE_PUBLIC_ASSETS_URL_PREFIX",
		"logsdir":               "SITEPULSE_LOGS_DIR",
		"logsmaxsizeinmb":       "SITEPULSE_LOGS_MAX_SIZE_IN_MB",
		"logsmaxbackups":        "SITEPULSE_LOGS_MAX_BACKUPS",
		"logsmaxageindays":      "SITEPULSE_LOGS_MAX_AGE_IN_DAYS",
		"storedriver":           "SITEPULSE_STORE_DRIVER",
		"storagepath":           "SITEPULSE_STORAGE_PATH",
		"dbmaxopenconns":        "SITEPULSE_DB_MAX_OPEN_CONNS",
		"dbmaxidleconns":        "SITEPULSE_DB_MAX_IDLE_CONNS",
		"clickhouseaddr":        "SITEPULSE_CLICKHOUSE_ADDR",
		"clickhousedatabase":    "SITEPULSE_CLICKHOUSE_DATABASE",
		"clickhouseusername":    "SITEPULSE_CLICKHOUSE_USERNAME",
		"clickhousepassword":    "SITEPULSE_CLICKHOUSE_PASSWORD",
		"visitorsalt":           "SITEPULSE_VISITOR_SALT",
		"geodbpath":             "SITEPULSE_GEO_DB_PATH",
		"ignorebots":            "SITEPULSE_IGNORE_BOTS",
		"ingestmode":            "SITEPULSE_INGEST_MODE",
		"ingesttimeoutms":       "SITEPULSE_INGEST_TIMEOUT_MS",
		"buffercapacity":        "SITEPULSE_BUFFER_CAPACITY",
		"flushintervalseconds":  "SITEPULSE_FLUSH_INTERVAL_SECONDS",
		"flushbatchsize":        "SITEPULSE_FLUSH_BATCH_SIZE",
		"kafkabrokers":          "SITEPULSE_KAFKA_BROKERS",
		"kafkatopic":            "SITEPULSE_KAFKA_TOPIC",
		"kafkagroupid":          "SITEPULSE_KAFKA_GROUP_ID",
		"querytimeoutms":        "SITEPULSE_QUERY_TIMEOUT_MS",
		"queryworkers":          "SITEPULSE_QUERY_WORKERS",
		"querycachettlseconds":  "SITEPULSE_QUERY_CACHE_TTL_SECONDS",
		"querycachesize":        "SITEPULSE_QUERY_CACHE_SIZE",
		"queryapikey":           "SITEPULSE_QUERY_API_KEY",
		"accountsfile":          "SITEPULSE_ACCOUNTS_FILE",
		"usagesource":           "SITEPULSE_USAGE_SOURCE",
		"redisurl":              "SITEPULSE_REDIS_URL",
		"usagereconcilecron":    "SITEPULSE_USAGE_RECONCILE_CRON",
		"retentiondays":         "SITEPULSE_RETENTION_DAYS",
		"retentioncron":         "SITEPULSE_RETENTION_CRON",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("config: failed to bind %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.DatabaseName = cfg.GetDatabasePath()
	return cfg, nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	switch c.Environment {
	case Development, Production, Test:
	default:
		return &ConfigurationError{Field: "SITEPULSE_ENV", Reason: fmt.Sprintf("invalid environment %q", c.Environment)}
	}

	switch c.StoreDriver {
	case StoreDriverSQLite:
	case StoreDriverClickHouse:
		if c.ClickHouseAddr == "" {
			return &ConfigurationError{Field: "SITEPULSE_CLICKHOUSE_ADDR", Reason: "required when the clickhouse store is selected"}
		}
	default:
		return &ConfigurationError{Field: "SITEPULSE_STORE_DRIVER", Reason: fmt.Sprintf("unknown driver %q", c.StoreDriver)}
	}

	switch c.IngestMode {
	case IngestModeDirect:
	case IngestModeKafka:
		if len(c.GetKafkaBrokers()) == 0 {
			return &ConfigurationError{Field: "SITEPULSE_KAFKA_BROKERS", Reason: "required in kafka ingest mode"}
		}
	default:
		return &ConfigurationError{Field: "SITEPULSE_INGEST_MODE", Reason: fmt.Sprintf("unknown mode %q", c.IngestMode)}
	}

	switch c.UsageSource {
	case UsageSourceStore:
	case UsageSourceRedis:
		if c.RedisURL == "" {
			return &ConfigurationError{Field: "SITEPULSE_REDIS_URL", Reason: "required when usage source is redis"}
		}
	default:
		return &ConfigurationError{Field: "SITEPULSE_USAGE_SOURCE", Reason: fmt.Sprintf("unknown source %q", c.UsageSource)}
	}

	if c.VisitorSalt == "" {
		return &ConfigurationError{Field: "SITEPULSE_VISITOR_SALT", Reason: "must not be empty"}
	}
	if c.IsProduction() && c.VisitorSalt == defaultVisitorSalt {
		return &ConfigurationError{Field: "SITEPULSE_VISITOR_SALT", Reason: "production requires a unique salt"}
	}
	if c.IsProduction() && c.SecretKey == defaultSecretKey {
		return &ConfigurationError{Field: "SITEPULSE_SECRET_KEY", Reason: "production requires a unique secret key"}
	}

	if c.IngestTimeoutMs <= 0 {
		return &ConfigurationError{Field: "SITEPULSE_INGEST_TIMEOUT_MS", Reason: "must be positive"}
	}
	if c.QueryTimeoutMs <= 0 {
		return &ConfigurationError{Field: "SITEPULSE_QUERY_TIMEOUT_MS", Reason: "must be positive"}
	}
	if c.BufferCapacity < 0 {
		return &ConfigurationError{Field: "SITEPULSE_BUFFER_CAPACITY", Reason: "must not be negative"}
	}
	if c.RetentionDays < 0 {
		return &ConfigurationError{Field: "SITEPULSE_RETENTION_DAYS", Reason: "must not be negative"}
	}

	return nil
}

// GetDatabasePath returns the SQLite file for the current environment.
func (c *Config) GetDatabasePath() string {
	if c.DatabaseName == "" {
		c.DatabaseName = filepath.Join(c.DatabasePath,
			fmt.Sprintf("%s-%s.db", c.AppName, c.Environment))
	}
	return c.DatabaseName
}

// GetKafkaBrokers splits the comma-separated broker list.
func (c *Config) GetKafkaBrokers() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func (c *Config) IngestTimeout() time.Duration {
	return time.Duration(c.IngestTimeoutMs) * time.Millisecond
}

func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutMs) * time.Millisecond
}

func (c *Config) FlushInterval() time.Duration {
	if c.FlushIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}

func (c *Config) QueryCacheTTL() time.Duration {
	return time.Duration(c.QueryCacheTTLSeconds) * time.Second
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// IsTest returns true if the environment is test
func (c *Config) IsTest() bool {
	return c.Environment == Test
}

// GetPort returns the HTTP server port (implements cartridge.Config interface).
func (c *Config) GetPort() string {
	return c.AppPort
}

// GetPublicDirectory returns the path to public/static assets (implements cartridge.Config interface).
func (c *Config) GetPublicDirectory() string {
	return c.PublicDirectory
}

// GetAssetsPrefix returns the URL prefix for static assets (implements cartridge.Config interface).
func (c *Config) GetAssetsPrefix() string {
	return c.PublicAssetsUrlPrefix
}

// GetAppName returns the application name (implements cartridge.FactoryConfig interface).
func (c *Config) GetAppName() string {
	return c.AppName
}

// DatabaseDSN returns the database connection string (implements cartridge.FactoryConfig interface).
func (c *Config) DatabaseDSN() string {
	return c.GetDatabasePath()
}

// GetSessionSecret implements cartridge.FactoryConfig. Sitepulse has no sessions.
func (c *Config) GetSessionSecret() string {
	return c.SecretKey
}

// GetMaxOpenConns returns the configured pool size, 1 in tests and 10 otherwise.
func (c *Config) GetMaxOpenConns() int {
	if c.DatabaseMaxOpenConns > 0 {
		return c.DatabaseMaxOpenConns
	}
	if c.Environment == Test {
		return 1
	}
	return 10
}

// GetMaxIdleConns returns the configured idle pool size, 1 in tests and 5 otherwise.
func (c *Config) GetMaxIdleConns() int {
	if c.DatabaseMaxIdleConns > 0 {
		return c.DatabaseMaxIdleConns
	}
	if c.Environment == Test {
		return 1
	}
	return 5
}

// GetLogLevel returns the log level as a string (implements cartridge.LogConfigProvider).
func (c *Config) GetLogLevel() string {
	return string(c.LogLevel)
}

// GetLogDirectory returns the logs directory (implements cartridge.LogConfigProvider).
func (c *Config) GetLogDirectory() string {
	return c.LogsDirectory
}

// GetLogMaxSizeMB returns the max log file size in MB (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxSizeMB() int {
	return c.LogsMaxSizeInMb
}

// GetLogMaxBackups returns the max number of log backups (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxBackups() int {
	return c.LogsMaxBackups
}

// GetLogMaxAgeDays returns the max age in days for log files (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxAgeDays() int {
	return c.LogsMaxAgeInDays
}
