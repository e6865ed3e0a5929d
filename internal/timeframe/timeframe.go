package timeframe

import (
	"fmt"
	"strings"
	"time"
)

// DateStat is a single time series point.
type DateStat struct {
	Date  string
	Count int64
}

type TimeFrameBucketSize string

const (
	TimeFrameBucketSizeDay  TimeFrameBucketSize = "day"
	TimeFrameBucketSizeHour TimeFrameBucketSize = "hour"
)

// TimeFrameRangeLabel represents the available time range options
type TimeFrameRangeLabel string

const (
	TimeFrameRangeLabelToday       TimeFrameRangeLabel = "today"
	TimeFrameRangeLabelYesterday   TimeFrameRangeLabel = "yesterday"
	TimeFrameRangeLabelLast7Days   TimeFrameRangeLabel = "7d"
	TimeFrameRangeLabelLast30Days  TimeFrameRangeLabel = "30d"
	TimeFrameRangeLabelLast90Days  TimeFrameRangeLabel = "90d"
	TimeFrameRangeLabelMonthToDate TimeFrameRangeLabel = "mtd"
	TimeFrameRangeLabelLastMonth   TimeFrameRangeLabel = "last_month"
	TimeFrameRangeLabelCustom      TimeFrameRangeLabel = "custom"
)

// DefaultLabel is used when a query names no range.
const DefaultLabel = TimeFrameRangeLabelLast7Days

// MaxCustomDays bounds explicit from/to ranges.
const MaxCustomDays = 400

// Bucket key layouts. They match the day/hour partition columns of the event store.
const (
	DayKeyLayout  = "2006-01-02"
	HourKeyLayout = "2006-01-02 15"
)

// InvalidRangeError reports an unknown label or malformed custom range.
type InvalidRangeError struct {
	Value  string
	Reason string
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range %q: %s", e.Value, e.Reason)
}

type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the system clock.
type DefaultTimeProvider struct{}

func (p *DefaultTimeProvider) Now() time.Time {
	return time.Now().UTC()
}

// TimeFrame is an inclusive UTC interval [From, To] with its series bucket size.
type TimeFrame struct {
	From       time.Time
	To         time.Time
	Label      TimeFrameRangeLabel
	BucketSize TimeFrameBucketSize
}

// NewTimeFrame builds a frame covering whole UTC days from the first to the last day.
func NewTimeFrame(label TimeFrameRangeLabel, firstDay, lastDay time.Time) (*TimeFrame, error) {
	from := startOfDay(firstDay)
	to := startOfDay(lastDay).AddDate(0, 0, 1).Add(-time.Second)
	if from.After(to) {
		return nil, &InvalidRangeError{Value: string(label), Reason: "start is after end"}
	}

	bucket := TimeFrameBucketSizeDay
	if from.Equal(startOfDay(lastDay)) {
		bucket = TimeFrameBucketSizeHour
	}

	return &TimeFrame{From: from, To: to, Label: label, BucketSize: bucket}, nil
}

// Contains reports whether t falls inside the frame.
func (tf *TimeFrame) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(tf.From) && !t.After(tf.To)
}

// Days is the number of calendar days covered.
func (tf *TimeFrame) Days() int {
	return int(tf.To.Sub(tf.From).Hours()/24) + 1
}

// BucketKey formats t the way the store groups series rows.
func (tf *TimeFrame) BucketKey(t time.Time) string {
	if tf.BucketSize == TimeFrameBucketSizeHour {
		return t.UTC().Format(HourKeyLayout)
	}
	return t.UTC().Format(DayKeyLayout)
}

// Buckets returns the start of every bucket in the frame.
func (tf *TimeFrame) Buckets() []time.Time {
	step := func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }
	if tf.BucketSize == TimeFrameBucketSizeHour {
		step = func(t time.Time) time.Time { return t.Add(time.Hour) }
	}

	var buckets []time.Time
	for t := tf.From; !t.After(tf.To); t = step(t) {
		buckets = append(buckets, t)
	}
	return buckets
}

// BuildTimeSeriesPoints zero-fills every bucket of the frame. Input dates are
// bucket keys; output dates are RFC3339 bucket starts.
func (tf *TimeFrame) BuildTimeSeriesPoints(grouped []DateStat) []DateStat {
	counts := make(map[string]int64, len(grouped))
	for _, stat := range grouped {
		counts[tf.normalizeKey(stat.Date)] += stat.Count
	}

	buckets := tf.Buckets()
	points := make([]DateStat, len(buckets))
	for i, bucket := range buckets {
		points[i] = DateStat{
			Date:  bucket.Format(time.RFC3339),
			Count: counts[tf.BucketKey(bucket)],
		}
	}
	return points
}

// normalizeKey trims store keys that carry more precision than the bucket.
func (tf *TimeFrame) normalizeKey(key string) string {
	size := len(DayKeyLayout)
	if tf.BucketSize == TimeFrameBucketSizeHour {
		size = len(HourKeyLayout)
		key = strings.Replace(key, "T", " ", 1)
	}
	if len(key) > size {
		return key[:size]
	}
	return key
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
