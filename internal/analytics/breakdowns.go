package analytics

import (
	"context"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"sitepulse/internal/pkg/geoip"
	"sitepulse/internal/pkg/referrers"
	"sitepulse/internal/store"
	"sitepulse/internal/timeframe"
)

// Pages lists every viewed path, "/" included.
func (e *Engine) Pages(ctx context.Context, projectID string, tf *timeframe.TimeFrame) ([]PageStat, error) {
	return run(ctx, e, MetricPages, projectID, tf, func(ctx context.Context, q store.Query) ([]PageStat, error) {
		q.Filter = store.PageviewsOnly
		rows, err := e.store.Breakdown(ctx, q, store.DimensionPath)
		if err != nil {
			return nil, err
		}
		return topPages(rows, 0), nil
	})
}

// Referrers lists referring hosts; direct traffic has no host and is not listed.
func (e *Engine) Referrers(ctx context.Context, projectID string, tf *timeframe.TimeFrame) (Referrers, error) {
	return run(ctx, e, MetricReferrers, projectID, tf, func(ctx context.Context, q store.Query) (Referrers, error) {
		q.Filter = store.PageviewsOnly
		rows, err := e.store.Breakdown(ctx, q, store.DimensionReferrer)
		if err != nil {
			return Referrers{}, err
		}
		sortByVisitors(rows)

		list := make([]ReferrerStat, 0, len(rows))
		for _, r := range rows {
			if r.Key == "" {
				continue
			}
			source := referrers.Classify(r.Key)
			list = append(list, ReferrerStat{
				Referrer:  r.Key,
				Source:    source.Name,
				Channel:   string(source.Channel),
				Visitors:  r.Visitors,
				Pageviews: r.Count,
			})
		}
		return Referrers{Referrers: list, Total: len(list)}, nil
	})
}

// Countries covers all events. Percentages are shares of the summed visitors.
func (e *Engine) Countries(ctx context.Context, projectID string, tf *timeframe.TimeFrame) ([]CountryStat, error) {
	return run(ctx, e, MetricCountries, projectID, tf, func(ctx context.Context, q store.Query) ([]CountryStat, error) {
		rows, err := e.store.Breakdown(ctx, q, store.DimensionCountry)
		if err != nil {
			return nil, err
		}
		sortByVisitors(rows)

		total := sumVisitors(rows)
		list := make([]CountryStat, len(rows))
		for i, r := range rows {
			list[i] = CountryStat{
				Country:    r.Key,
				Name:       e.countryName(r.Key),
				Visitors:   r.Visitors,
				Percentage: percentage(r.Visitors, total),
			}
		}
		return list, nil
	})
}

func (e *Engine) countryName(code string) string {
	if code == geoip.UnknownCountry {
		return "Unknown"
	}
	country, err := e.countries.FindCountryByAlpha(code)
	if err != nil {
		return cases.Upper(language.AmericanEnglish).String(code)
	}
	return country.Name.Common
}

// Devices returns device classes and browsers, each with shares of its own total.
func (e *Engine) Devices(ctx context.Context, projectID string, tf *timeframe.TimeFrame) (Devices, error) {
	return run(ctx, e, MetricDevices, projectID, tf, func(ctx context.Context, q store.Query) (Devices, error) {
		deviceRows, err := e.store.Breakdown(ctx, q, store.DimensionDevice)
		if err != nil {
			return Devices{}, err
		}
		browserRows, err := e.store.Breakdown(ctx, q, store.DimensionBrowser)
		if err != nil {
			return Devices{}, err
		}
		sortByVisitors(deviceRows)
		sortByVisitors(browserRows)

		result := Devices{
			Devices:  make([]DeviceStat, len(deviceRows)),
			Browsers: make([]BrowserStat, len(browserRows)),
		}

		deviceTotal := sumVisitors(deviceRows)
		for i, r := range deviceRows {
			result.Devices[i] = DeviceStat{Device: r.Key, Visitors: r.Visitors, Percentage: percentage(r.Visitors, deviceTotal)}
		}
		browserTotal := sumVisitors(browserRows)
		for i, r := range browserRows {
			result.Browsers[i] = BrowserStat{Browser: r.Key, Visitors: r.Visitors, Percentage: percentage(r.Visitors, browserTotal)}
		}
		return result, nil
	})
}

// Events lists custom events by occurrence count.
func (e *Engine) Events(ctx context.Context, projectID string, tf *timeframe.TimeFrame) ([]EventStat, error) {
	return run(ctx, e, MetricEvents, projectID, tf, func(ctx context.Context, q store.Query) ([]EventStat, error) {
		q.Filter = store.CustomEventsOnly
		rows, err := e.store.Breakdown(ctx, q, store.DimensionEvent)
		if err != nil {
			return nil, err
		}
		sortByCount(rows)

		list := make([]EventStat, len(rows))
		for i, r := range rows {
			list[i] = EventStat{Event: r.Key, Count: r.Count, Visitors: r.Visitors}
		}
		return list, nil
	})
}
