// Package analytics answers range-scoped aggregate queries over the event store.
//
// The package is organized into focused modules:
//   - analytics.go: result shapes returned to dashboards
//   - engine.go: timeouts, caching and error classification shared by all metrics
//   - overview.go: totals, visitor series and top pages
//   - breakdowns.go: pages, referrers, countries, devices and custom events
//   - ranking.go: ordering and percentage helpers
package analytics

// Metric names a query the engine can answer.
type Metric string

const (
	MetricOverview  Metric = "overview"
	MetricPages     Metric = "pages"
	MetricReferrers Metric = "referrers"
	MetricCountries Metric = "countries"
	MetricDevices   Metric = "devices"
	MetricEvents    Metric = "events"
)

// Metrics lists every metric in display order.
var Metrics = []Metric{MetricOverview, MetricPages, MetricReferrers, MetricCountries, MetricDevices, MetricEvents}

// TopPagesLimit caps the pages listed in an overview.
const TopPagesLimit = 5

type SeriesPoint struct {
	Date     string `json:"date"`
	Visitors int64  `json:"visitors"`
}

type PageStat struct {
	Path      string `json:"path"`
	Visitors  int64  `json:"visitors"`
	Pageviews int64  `json:"pageviews"`
}

type Overview struct {
	Visitors  int64         `json:"visitors"`
	Pageviews int64         `json:"pageviews"`
	Series    []SeriesPoint `json:"series"`
	TopPages  []PageStat    `json:"topPages"`
}

// ReferrerStat is keyed by the normalized referrer host. Source and Channel
// come from the known-referrer table.
type ReferrerStat struct {
	Referrer  string `json:"referrer"`
	Source    string `json:"source"`
	Channel   string `json:"channel"`
	Visitors  int64  `json:"visitors"`
	Pageviews int64  `json:"pageviews"`
}

type Referrers struct {
	Referrers []ReferrerStat `json:"referrers"`
	Total     int            `json:"total"`
}

type CountryStat struct {
	Country    string  `json:"country"`
	Name       string  `json:"name"`
	Visitors   int64   `json:"visitors"`
	Percentage float64 `json:"percentage"`
}

type DeviceStat struct {
	Device     string  `json:"device"`
	Visitors   int64   `json:"visitors"`
	Percentage float64 `json:"percentage"`
}

type BrowserStat struct {
	Browser    string  `json:"browser"`
	Visitors   int64   `json:"visitors"`
	Percentage float64 `json:"percentage"`
}

type Devices struct {
	Devices  []DeviceStat  `json:"devices"`
	Browsers []BrowserStat `json:"browsers"`
}

type EventStat struct {
	Event    string `json:"event"`
	Count    int64  `json:"count"`
	Visitors int64  `json:"visitors"`
}
