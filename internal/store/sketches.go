package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sitepulse/internal/events"
	"sitepulse/internal/pkg/cardinality"
)

const (
	secondsPerHour = int64(time.Hour / time.Second)

	kindPageview = "pageview"
	kindCustom   = "custom"

	// totalsDimension holds one sketch per (project, hour, kind) covering every event.
	totalsDimension = ""
)

// VisitorSketch is the hourly distinct-visitor rollup for one dimension value.
// Sketches are merged at query time, so ranges of whole hours never rescan events.
type VisitorSketch struct {
	ProjectID string `gorm:"primaryKey"`
	Hour      int64  `gorm:"primaryKey;autoIncrement:false"`
	Kind      string `gorm:"primaryKey;size:16"`
	Dimension string `gorm:"primaryKey;size:16"`
	GroupKey  string `gorm:"primaryKey"`
	Sketch    []byte `gorm:"not null"`
}

func (VisitorSketch) TableName() string {
	return "visitor_sketches"
}

type sketchID struct {
	projectID string
	hour      int64
	kind      string
	dimension string
	key       string
}

// sketchBatch collects visitor ids per sketch in first-seen order.
type sketchBatch struct {
	counters map[sketchID]*cardinality.Counter
	order    []sketchID
}

func newSketchBatch() *sketchBatch {
	return &sketchBatch{counters: make(map[sketchID]*cardinality.Counter)}
}

func (b *sketchBatch) add(id sketchID, visitorID string) {
	c, ok := b.counters[id]
	if !ok {
		c = cardinality.NewCounter()
		b.counters[id] = c
		b.order = append(b.order, id)
	}
	c.Add(visitorID)
}

func (b *sketchBatch) addRecord(r EventRecord) {
	hour := hourStart(r.Epoch)
	kind := eventKind(r.EventName)

	b.add(sketchID{projectID: r.ProjectID, hour: hour, kind: kind, dimension: totalsDimension}, r.VisitorID)
	for _, column := range columns {
		value := r.value(column)
		if value == "" {
			continue
		}
		b.add(sketchID{projectID: r.ProjectID, hour: hour, kind: kind, dimension: column, key: value}, r.VisitorID)
	}
}

// save merges the batch into the stored sketches. Merging is idempotent, so a
// retried transaction or a replayed event leaves the estimate unchanged.
func (b *sketchBatch) save(tx *gorm.DB) error {
	for _, id := range b.order {
		counter := b.counters[id]

		var stored VisitorSketch
		err := tx.Where("project_id = ? AND hour = ? AND kind = ? AND dimension = ? AND group_key = ?",
			id.projectID, id.hour, id.kind, id.dimension, id.key).Take(&stored).Error
		switch {
		case err == nil:
			previous, err := cardinality.Decode(stored.Sketch)
			if err != nil {
				return fmt.Errorf("failed to decode visitor sketch: %w", err)
			}
			if err := counter.Merge(previous); err != nil {
				return err
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		data, err := counter.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to encode visitor sketch: %w", err)
		}

		err = tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "project_id"}, {Name: "hour"}, {Name: "kind"}, {Name: "dimension"}, {Name: "group_key"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"sketch"}),
		}).Create(&VisitorSketch{
			ProjectID: id.projectID,
			Hour:      id.hour,
			Kind:      id.kind,
			Dimension: id.dimension,
			GroupKey:  id.key,
			Sketch:    data,
		}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (r EventRecord) value(column string) string {
	switch column {
	case "path":
		return r.Path
	case "referrer_host":
		return r.ReferrerHost
	case "country":
		return r.Country
	case "device":
		return r.Device
	case "browser":
		return r.Browser
	case "event_name":
		return r.EventName
	default:
		return ""
	}
}

func eventKind(name string) string {
	if name == events.PageviewEvent {
		return kindPageview
	}
	return kindCustom
}

func filterKinds(f Filter) []string {
	switch f {
	case PageviewsOnly:
		return []string{kindPageview}
	case CustomEventsOnly:
		return []string{kindCustom}
	default:
		return []string{kindPageview, kindCustom}
	}
}

func hourStart(epoch int64) int64 {
	return epoch - epoch%secondsPerHour
}

// hourSpan splits the inclusive range [from, to] into the whole hours it
// covers and the partial edges that must be read from raw events.
type hourSpan struct {
	firstHour, lastHour int64 // lastHour < firstHour when no hour is covered
	edges               [2][2]int64
}

func splitHours(from, to int64) hourSpan {
	first := hourStart(from)
	if first < from {
		first += secondsPerHour
	}
	last := hourStart(to+1) - secondsPerHour

	if first > last {
		return hourSpan{firstHour: 1, lastHour: 0, edges: [2][2]int64{{from, to}, {1, 0}}}
	}
	return hourSpan{
		firstHour: first,
		lastHour:  last,
		edges:     [2][2]int64{{from, first - 1}, {last + secondsPerHour, to}},
	}
}

// visitors estimates distinct visitors per group. Stored sketches cover whole
// hours; visitor ids from the partial hours at either end are added directly.
// bucket maps a sketch hour and key to the group it belongs to, and keyExpr
// computes the same group from an events row.
func (s *SQLiteStore) visitors(ctx context.Context, db *gorm.DB, q Query, dimension, keyExpr string, skipEmpty bool, bucket func(hour int64, key string) string) (*cardinality.Grouped[string], error) {
	from, to := q.From.UTC().Unix(), q.To.UTC().Unix()
	span := splitHours(from, to)
	grouped := cardinality.NewGrouped[string]()

	if span.firstHour <= span.lastHour {
		var sketches []VisitorSketch
		err := db.Where("project_id = ? AND dimension = ? AND kind IN ? AND hour BETWEEN ? AND ?",
			q.ProjectID, dimension, filterKinds(q.Filter), span.firstHour, span.lastHour).
			Find(&sketches).Error
		if err != nil {
			return nil, err
		}
		for _, sk := range sketches {
			counter, err := cardinality.Decode(sk.Sketch)
			if err != nil {
				return nil, fmt.Errorf("failed to decode visitor sketch: %w", err)
			}
			if err := grouped.Merge(bucket(sk.Hour, sk.GroupKey), counter); err != nil {
				return nil, err
			}
		}
	}

	where := "project_id = ? AND (epoch BETWEEN ? AND ? OR epoch BETWEEN ? AND ?)" + filterClause(q.Filter)
	if skipEmpty {
		where += " AND " + keyExpr + " <> ''"
	}
	query := fmt.Sprintf(`
		SELECT %s AS group_key, visitor_id
		FROM events
		WHERE %s
		GROUP BY group_key, visitor_id`, keyExpr, where)

	rows, err := db.Raw(query, q.ProjectID,
		span.edges[0][0], span.edges[0][1], span.edges[1][0], span.edges[1][1]).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var key, visitorID string
		if err := rows.Scan(&key, &visitorID); err != nil {
			return nil, err
		}
		grouped.Add(key, visitorID)
	}
	return grouped, rows.Err()
}

// rebuildHour recomputes the sketches of one hour from the events still stored.
func rebuildHour(tx *gorm.DB, hour int64) error {
	if err := tx.Where("hour = ?", hour).Delete(&VisitorSketch{}).Error; err != nil {
		return err
	}

	var records []EventRecord
	err := tx.Select("project_id", "epoch", "path", "referrer_host", "country", "device", "browser", "event_name", "visitor_id").
		Where("epoch BETWEEN ? AND ?", hour, hour+secondsPerHour-1).
		Find(&records).Error
	if err != nil {
		return err
	}

	batch := newSketchBatch()
	for _, r := range records {
		batch.addRecord(r)
	}
	return batch.save(tx)
}
