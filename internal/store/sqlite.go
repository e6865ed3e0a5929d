package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sitepulse/internal/events"
)

const (
	dayLayout       = "2006-01-02"
	hourLayout      = "2006-01-02 15"
	purgeBatchSize  = 1000
	purgeBatchPause = 100 * time.Millisecond
)

// EventRecord is the SQLite row for an event. Day and Hour are UTC partition
// keys derived from Timestamp; Epoch is the range-scan key.
type EventRecord struct {
	ID           string    `gorm:"primaryKey;size:36"`
	ProjectID    string    `gorm:"index:idx_events_project_epoch,priority:1;not null"`
	Epoch        int64     `gorm:"index:idx_events_project_epoch,priority:2;index:idx_events_epoch;not null"`
	Timestamp    time.Time `gorm:"not null"`
	Day          string    `gorm:"size:10;index;not null"`
	Hour         string    `gorm:"size:13;not null"`
	Path         string    `gorm:"not null"`
	Referrer     string    `gorm:"not null;default:''"`
	ReferrerHost string    `gorm:"not null;default:''"`
	Country      string    `gorm:"size:8;not null"`
	Device       string    `gorm:"size:16;not null"`
	Browser      string    `gorm:"size:16;not null"`
	EventName    string    `gorm:"not null"`
	Properties   string    `gorm:"type:text"`
	VisitorID    string    `gorm:"size:64;not null"`
}

func (EventRecord) TableName() string {
	return "events"
}

// Models lists the gorm models the SQLite store needs migrated.
func Models() []any {
	return []any{&EventRecord{}, &VisitorSketch{}}
}

func newEventRecord(e events.Event) (EventRecord, error) {
	ts := e.Timestamp.UTC()
	props := ""
	if len(e.Properties) > 0 {
		data, err := json.Marshal(e.Properties)
		if err != nil {
			return EventRecord{}, fmt.Errorf("failed to encode properties: %w", err)
		}
		props = string(data)
	}

	return EventRecord{
		ID:           e.ID,
		ProjectID:    e.ProjectID,
		Epoch:        ts.Unix(),
		Timestamp:    ts,
		Day:          ts.Format(dayLayout),
		Hour:         ts.Format(hourLayout),
		Path:         e.Path,
		Referrer:     e.Referrer,
		ReferrerHost: e.ReferrerHost,
		Country:      e.Country,
		Device:       e.Device,
		Browser:      e.Browser,
		EventName:    e.Name,
		Properties:   props,
		VisitorID:    e.VisitorID,
	}, nil
}

// SQLiteStore keeps events in the application's SQLite database. Event counts
// are exact; distinct visitors come from hourly HyperLogLog sketches written
// with each batch.
type SQLiteStore struct {
	dbManager cartridge.DBManager
	logger    *slog.Logger
}

func NewSQLiteStore(dbManager cartridge.DBManager, logger *slog.Logger) *SQLiteStore {
	return &SQLiteStore{dbManager: dbManager, logger: logger}
}

func (s *SQLiteStore) db(ctx context.Context) (*gorm.DB, error) {
	db := s.dbManager.GetConnection()
	if db == nil {
		return nil, gorm.ErrInvalidDB
	}
	return db.WithContext(ctx), nil
}

// Append ignores events whose id is already stored, so replayed batches are harmless.
func (s *SQLiteStore) Append(ctx context.Context, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}

	records := make([]EventRecord, 0, len(batch))
	sketches := newSketchBatch()
	for _, e := range batch {
		record, err := newEventRecord(e)
		if err != nil {
			return &StoreUnavailableError{Op: "append", Err: err}
		}
		records = append(records, record)
		sketches.addRecord(record)
	}

	db, err := s.db(ctx)
	if err != nil {
		return classify(ctx, "append", err)
	}

	err = sqlite.PerformWrite(s.logger, db, func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(records, 200).Error; err != nil {
			return err
		}
		return sketches.save(tx)
	})
	return classify(ctx, "append", err)
}

func filterClause(f Filter) string {
	switch f {
	case PageviewsOnly:
		return " AND event_name = '" + events.PageviewEvent + "'"
	case CustomEventsOnly:
		return " AND event_name <> '" + events.PageviewEvent + "'"
	default:
		return ""
	}
}

type groupCountRow struct {
	GroupKey string
	Events   int64
}

func groupByKey(_ int64, key string) string {
	return key
}

// scanGrouped counts events per keyExpr group and attaches the visitor
// estimate of each group. Empty keys are skipped when skipEmpty is set.
func (s *SQLiteStore) scanGrouped(ctx context.Context, op string, q Query, dimension, keyExpr string, skipEmpty bool, bucket func(hour int64, key string) string) ([]Row, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, classify(ctx, op, err)
	}

	where := "project_id = ? AND epoch BETWEEN ? AND ?" + filterClause(q.Filter)
	if skipEmpty {
		where += " AND " + keyExpr + " <> ''"
	}

	query := fmt.Sprintf(`
		SELECT %s AS group_key, COUNT(*) AS events
		FROM events
		WHERE %s
		GROUP BY group_key
		ORDER BY events DESC, group_key`, keyExpr, where)

	var counts []groupCountRow
	if err := db.Raw(query, q.ProjectID, q.From.UTC().Unix(), q.To.UTC().Unix()).Scan(&counts).Error; err != nil {
		return nil, classify(ctx, op, err)
	}
	if len(counts) == 0 {
		return nil, nil
	}

	visitors, err := s.visitors(ctx, db, q, dimension, keyExpr, skipEmpty, bucket)
	if err != nil {
		return nil, classify(ctx, op, err)
	}

	result := make([]Row, len(counts))
	for i, c := range counts {
		result[i] = Row{Key: c.GroupKey, Visitors: visitors.Estimate(c.GroupKey), Count: c.Events}
	}
	return result, nil
}

func (s *SQLiteStore) Totals(ctx context.Context, q Query) (Totals, error) {
	rows, err := s.scanGrouped(ctx, "totals", q, totalsDimension, "''", false, groupByKey)
	if err != nil {
		return Totals{}, err
	}
	if len(rows) == 0 {
		return Totals{}, nil
	}
	return Totals{Visitors: rows[0].Visitors, Count: rows[0].Count}, nil
}

func (s *SQLiteStore) Breakdown(ctx context.Context, q Query, dim Dimension) ([]Row, error) {
	column, ok := dim.column()
	if !ok {
		return nil, fmt.Errorf("unknown dimension %q", dim)
	}
	return s.scanGrouped(ctx, "breakdown", q, column, column, true, groupByKey)
}

func (s *SQLiteStore) Series(ctx context.Context, q Query, bucket Bucket) ([]SeriesRow, error) {
	column, layout := "day", dayLayout
	if bucket == BucketHour {
		column, layout = "hour", hourLayout
	}
	bucketOf := func(hour int64, _ string) string {
		return time.Unix(hour, 0).UTC().Format(layout)
	}

	rows, err := s.scanGrouped(ctx, "series", q, totalsDimension, column, false, bucketOf)
	if err != nil {
		return nil, err
	}

	series := make([]SeriesRow, len(rows))
	for i, r := range rows {
		series[i] = SeriesRow{Bucket: r.Key, Visitors: r.Visitors, Count: r.Count}
	}
	return series, nil
}

func (s *SQLiteStore) CountEvents(ctx context.Context, projectIDs []string, from, to time.Time) (int64, error) {
	if len(projectIDs) == 0 {
		return 0, nil
	}

	db, err := s.db(ctx)
	if err != nil {
		return 0, classify(ctx, "count", err)
	}

	var count int64
	err = db.Model(&EventRecord{}).
		Where("project_id IN ? AND epoch BETWEEN ? AND ?", projectIDs, from.UTC().Unix(), to.UTC().Unix()).
		Count(&count).Error
	if err != nil {
		return 0, classify(ctx, "count", err)
	}
	return count, nil
}

// PurgeBefore deletes events older than cutoff in small batches so writers
// are not locked out for long. Sketches of hours entirely before cutoff are
// dropped; the hour containing cutoff is rebuilt from the events it keeps.
func (s *SQLiteStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	db, err := s.db(ctx)
	if err != nil {
		return 0, classify(ctx, "purge", err)
	}

	var total int64
	for {
		var affected int64
		err := sqlite.PerformWrite(s.logger, db, func(tx *gorm.DB) error {
			result := tx.Exec(`DELETE FROM events WHERE id IN (
				SELECT id FROM events WHERE epoch < ? LIMIT ?)`, cutoff.UTC().Unix(), purgeBatchSize)
			affected = result.RowsAffected
			return result.Error
		})
		if err != nil {
			return total, classify(ctx, "purge", err)
		}

		total += affected
		if affected < purgeBatchSize {
			break
		}

		select {
		case <-ctx.Done():
			return total, classify(ctx, "purge", ctx.Err())
		case <-time.After(purgeBatchPause):
		}
	}

	cutoffEpoch := cutoff.UTC().Unix()
	boundary := hourStart(cutoffEpoch)
	err = sqlite.PerformWrite(s.logger, db, func(tx *gorm.DB) error {
		if err := tx.Where("hour < ?", boundary).Delete(&VisitorSketch{}).Error; err != nil {
			return err
		}
		if boundary < cutoffEpoch {
			return rebuildHour(tx, boundary)
		}
		return nil
	})
	if err != nil {
		return total, classify(ctx, "purge", err)
	}
	return total, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	db := s.dbManager.GetConnection()
	if db == nil {
		return classify(ctx, "ping", gorm.ErrInvalidDB)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return classify(ctx, "ping", err)
	}
	return classify(ctx, "ping", sqlDB.PingContext(ctx))
}

// Close is a no-op; the connection belongs to the database manager.
func (s *SQLiteStore) Close() error {
	return nil
}
