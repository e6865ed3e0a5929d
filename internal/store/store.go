// Package store persists canonical events and answers the grouped scans the
// query engine and usage accounting are built on.
package store

import (
	"context"
	"time"

	"sitepulse/internal/events"
)

// Filter restricts a query to pageviews, custom events, or both.
type Filter int

const (
	AllEvents Filter = iota
	PageviewsOnly
	CustomEventsOnly
)

// Dimension is a groupable event attribute.
type Dimension string

const (
	DimensionPath     Dimension = "path"
	DimensionReferrer Dimension = "referrer_host"
	DimensionCountry  Dimension = "country"
	DimensionDevice   Dimension = "device"
	DimensionBrowser  Dimension = "browser"
	DimensionEvent    Dimension = "event_name"
)

// columns maps dimensions to their column names. Only names from this map
// are ever interpolated into SQL.
var columns = map[Dimension]string{
	DimensionPath:     "path",
	DimensionReferrer: "referrer_host",
	DimensionCountry:  "country",
	DimensionDevice:   "device",
	DimensionBrowser:  "browser",
	DimensionEvent:    "event_name",
}

func (d Dimension) column() (string, bool) {
	c, ok := columns[d]
	return c, ok
}

// Bucket selects the series granularity.
type Bucket string

const (
	BucketHour Bucket = "hour"
	BucketDay  Bucket = "day"
)

// Query scopes a scan to one project and an inclusive time interval.
type Query struct {
	ProjectID string
	From      time.Time
	To        time.Time
	Filter    Filter
}

// Row is one group of a breakdown. Visitors is an approximate distinct count.
type Row struct {
	Key      string
	Visitors int64
	Count    int64
}

// SeriesRow is one time bucket. Bucket uses the day (2006-01-02) or hour
// (2006-01-02 15) key layout.
type SeriesRow struct {
	Bucket   string
	Visitors int64
	Count    int64
}

type Totals struct {
	Visitors int64
	Count    int64
}

// EventStore is the append-only, time-partitioned event store.
type EventStore interface {
	Append(ctx context.Context, batch []events.Event) error
	Totals(ctx context.Context, q Query) (Totals, error)
	Breakdown(ctx context.Context, q Query, dim Dimension) ([]Row, error)
	Series(ctx context.Context, q Query, bucket Bucket) ([]SeriesRow, error)
	CountEvents(ctx context.Context, projectIDs []string, from, to time.Time) (int64, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
