package analytics

import (
	"context"
	"fmt"

	"sitepulse/internal/pkg/async"
	"sitepulse/internal/store"
	"sitepulse/internal/timeframe"
)

// Overview covers pageviews only: distinct visitors, pageview count, a visitor
// series with one point per bucket and the top pages by visitors.
func (e *Engine) Overview(ctx context.Context, projectID string, tf *timeframe.TimeFrame) (Overview, error) {
	return run(ctx, e, MetricOverview, projectID, tf, func(ctx context.Context, q store.Query) (Overview, error) {
		q.Filter = store.PageviewsOnly

		bucket := store.BucketDay
		if tf.BucketSize == timeframe.TimeFrameBucketSizeHour {
			bucket = store.BucketHour
		}

		tasks := []async.Task{
			{
				Name: "totals",
				Execute: func(ctx context.Context) (any, error) {
					return e.store.Totals(ctx, q)
				},
			},
			{
				Name: "series",
				Execute: func(ctx context.Context) (any, error) {
					return e.store.Series(ctx, q, bucket)
				},
			},
			{
				Name: "pages",
				Execute: func(ctx context.Context) (any, error) {
					return e.store.Breakdown(ctx, q, store.DimensionPath)
				},
			},
		}

		results := e.pool.Execute(ctx, tasks)
		for _, task := range tasks {
			if err := results[task.Name].Err; err != nil {
				return Overview{}, err
			}
		}

		totals, ok := results["totals"].Data.(store.Totals)
		if !ok {
			return Overview{}, fmt.Errorf("overview: unexpected totals result %T", results["totals"].Data)
		}
		series, _ := results["series"].Data.([]store.SeriesRow)
		pages, _ := results["pages"].Data.([]store.Row)

		return Overview{
			Visitors:  totals.Visitors,
			Pageviews: totals.Count,
			Series:    buildVisitorSeries(tf, series),
			TopPages:  topPages(pages, TopPagesLimit),
		}, nil
	})
}

func buildVisitorSeries(tf *timeframe.TimeFrame, rows []store.SeriesRow) []SeriesPoint {
	stats := make([]timeframe.DateStat, len(rows))
	for i, r := range rows {
		stats[i] = timeframe.DateStat{Date: r.Bucket, Count: r.Visitors}
	}

	points := tf.BuildTimeSeriesPoints(stats)
	series := make([]SeriesPoint, len(points))
	for i, p := range points {
		series[i] = SeriesPoint{Date: p.Date, Visitors: p.Count}
	}
	return series
}

func topPages(rows []store.Row, limit int) []PageStat {
	sortByVisitors(rows)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	pages := make([]PageStat, len(rows))
	for i, r := range rows {
		pages[i] = PageStat{Path: r.Key, Visitors: r.Visitors, Pageviews: r.Count}
	}
	return pages
}
