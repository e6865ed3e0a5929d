package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"sitepulse/internal/events"
)

const clickHouseSchema = `
CREATE TABLE IF NOT EXISTS events (
	id            String,
	project_id    String,
	timestamp     DateTime('UTC'),
	path          String,
	referrer      String,
	referrer_host String,
	country       LowCardinality(String),
	device        LowCardinality(String),
	browser       LowCardinality(String),
	event_name    LowCardinality(String),
	properties    String,
	visitor_id    String
)
ENGINE = MergeTree
PARTITION BY toYYYYMM(timestamp)
ORDER BY (project_id, timestamp)`

type ClickHouseOptions struct {
	Addr        string
	Database    string
	Username    string
	Password    string
	DialTimeout time.Duration
	// ConnectWait bounds the retry loop while the server comes up.
	ConnectWait time.Duration
}

// ClickHouseStore keeps events in a MergeTree table partitioned by month.
// Distinct visitors use the server-side uniq() estimator.
type ClickHouseStore struct {
	conn   driver.Conn
	logger *slog.Logger
}

// NewClickHouseStore connects, retrying every two seconds until ConnectWait elapses.
func NewClickHouseStore(ctx context.Context, opts ClickHouseOptions, logger *slog.Logger) (*ClickHouseStore, error) {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.ConnectWait == 0 {
		opts.ConnectWait = 60 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectWait)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var lastErr error
	for {
		conn, err := connectClickHouse(ctx, opts)
		if err == nil {
			logger.Info("clickhouse connected", slog.String("addr", opts.Addr))
			return &ClickHouseStore{conn: conn, logger: logger}, nil
		}
		lastErr = err
		logger.Debug("clickhouse not ready, retrying", slog.Any("error", err))

		select {
		case <-ctx.Done():
			return nil, &StoreUnavailableError{Op: "connect", Transient: true, Err: lastErr}
		case <-ticker.C:
		}
	}
}

func connectClickHouse(ctx context.Context, opts ClickHouseOptions) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("error connecting to clickhouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping failed: %w", err)
	}
	return conn, nil
}

// Migrate creates the events table.
func (s *ClickHouseStore) Migrate(ctx context.Context) error {
	return classify(ctx, "migrate", s.conn.Exec(ctx, clickHouseSchema))
}

func (s *ClickHouseStore) Append(ctx context.Context, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}

	b, err := s.conn.PrepareBatch(ctx, `INSERT INTO events (id, project_id, timestamp, path, referrer, referrer_host, country, device, browser, event_name, properties, visitor_id)`)
	if err != nil {
		return classify(ctx, "append", err)
	}

	for _, e := range batch {
		props := ""
		if len(e.Properties) > 0 {
			data, err := json.Marshal(e.Properties)
			if err != nil {
				return &StoreUnavailableError{Op: "append", Err: fmt.Errorf("failed to encode properties: %w", err)}
			}
			props = string(data)
		}

		if err := b.Append(e.ID, e.ProjectID, e.Timestamp.UTC(), e.Path, e.Referrer, e.ReferrerHost,
			e.Country, e.Device, e.Browser, e.Name, props, e.VisitorID); err != nil {
			return classify(ctx, "append", err)
		}
	}

	return classify(ctx, "append", b.Send())
}

func (s *ClickHouseStore) where(q Query) (string, []any) {
	return "project_id = ? AND timestamp BETWEEN ? AND ?" + filterClause(q.Filter),
		[]any{q.ProjectID, q.From.UTC(), q.To.UTC()}
}

func (s *ClickHouseStore) grouped(ctx context.Context, op, keyExpr string, q Query, skipEmpty bool) ([]Row, error) {
	where, args := s.where(q)
	if skipEmpty {
		where += " AND " + keyExpr + " != ''"
	}

	query := fmt.Sprintf(`
		SELECT %s AS group_key, uniq(visitor_id) AS visitors, count() AS events
		FROM events
		WHERE %s
		GROUP BY group_key`, keyExpr, where)

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(ctx, op, err)
	}
	defer rows.Close()

	var result []Row
	for rows.Next() {
		var (
			key              string
			visitors, events uint64
		)
		if err := rows.Scan(&key, &visitors, &events); err != nil {
			return nil, classify(ctx, op, err)
		}
		result = append(result, Row{Key: key, Visitors: int64(visitors), Count: int64(events)})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(ctx, op, err)
	}
	return result, nil
}

func (s *ClickHouseStore) Totals(ctx context.Context, q Query) (Totals, error) {
	rows, err := s.grouped(ctx, "totals", "''", q, false)
	if err != nil || len(rows) == 0 {
		return Totals{}, err
	}
	return Totals{Visitors: rows[0].Visitors, Count: rows[0].Count}, nil
}

func (s *ClickHouseStore) Breakdown(ctx context.Context, q Query, dim Dimension) ([]Row, error) {
	column, ok := dim.column()
	if !ok {
		return nil, fmt.Errorf("unknown dimension %q", dim)
	}
	return s.grouped(ctx, "breakdown", column, q, true)
}

func (s *ClickHouseStore) Series(ctx context.Context, q Query, bucket Bucket) ([]SeriesRow, error) {
	expr := "formatDateTime(toStartOfDay(timestamp), '%Y-%m-%d')"
	if bucket == BucketHour {
		expr = "formatDateTime(toStartOfHour(timestamp), '%Y-%m-%d %H')"
	}

	rows, err := s.grouped(ctx, "series", expr, q, false)
	if err != nil {
		return nil, err
	}

	series := make([]SeriesRow, len(rows))
	for i, r := range rows {
		series[i] = SeriesRow{Bucket: r.Key, Visitors: r.Visitors, Count: r.Count}
	}
	return series, nil
}

func (s *ClickHouseStore) CountEvents(ctx context.Context, projectIDs []string, from, to time.Time) (int64, error) {
	if len(projectIDs) == 0 {
		return 0, nil
	}

	var count uint64
	err := s.conn.QueryRow(ctx,
		`SELECT count() FROM events WHERE has(?, project_id) AND timestamp BETWEEN ? AND ?`,
		projectIDs, from.UTC(), to.UTC()).Scan(&count)
	if err != nil {
		return 0, classify(ctx, "count", err)
	}
	return int64(count), nil
}

// PurgeBefore issues an asynchronous mutation; the returned count is the
// number of rows matched when the mutation was submitted.
func (s *ClickHouseStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var count uint64
	if err := s.conn.QueryRow(ctx, `SELECT count() FROM events WHERE timestamp < ?`, cutoff.UTC()).Scan(&count); err != nil {
		return 0, classify(ctx, "purge", err)
	}
	if count == 0 {
		return 0, nil
	}

	if err := s.conn.Exec(ctx, `ALTER TABLE events DELETE WHERE timestamp < ?`, cutoff.UTC()); err != nil {
		return 0, classify(ctx, "purge", err)
	}
	return int64(count), nil
}

func (s *ClickHouseStore) Ping(ctx context.Context) error {
	return classify(ctx, "ping", s.conn.Ping(ctx))
}

func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}
