package timeframe

import (
	"strings"
	"time"
)

type TimeFrameParserParams struct {
	Range    string
	FromDate string
	ToDate   string
}

type TimeFrameParser struct {
	timeProvider TimeProvider
}

func NewTimeFrameParser(timeProvider ...TimeProvider) *TimeFrameParser {
	var provider TimeProvider = &DefaultTimeProvider{}
	if len(timeProvider) > 0 && timeProvider[0] != nil {
		provider = timeProvider[0]
	}

	return &TimeFrameParser{
		timeProvider: provider,
	}
}

// ParseTimeFrame resolves a range label, or an explicit from/to pair, into a UTC frame.
// Explicit dates take precedence over the label.
func (p *TimeFrameParser) ParseTimeFrame(params TimeFrameParserParams) (*TimeFrame, error) {
	if params.FromDate != "" || params.ToDate != "" {
		return p.parseCustomDateRange(params)
	}

	label := TimeFrameRangeLabel(strings.ToLower(strings.TrimSpace(params.Range)))
	if label == "" {
		label = DefaultLabel
	}

	today := startOfDay(p.timeProvider.Now())

	switch label {
	case TimeFrameRangeLabelToday:
		return NewTimeFrame(label, today, today)
	case TimeFrameRangeLabelYesterday:
		yesterday := today.AddDate(0, 0, -1)
		return NewTimeFrame(label, yesterday, yesterday)
	case TimeFrameRangeLabelLast7Days:
		return NewTimeFrame(label, today.AddDate(0, 0, -6), today)
	case TimeFrameRangeLabelLast30Days:
		return NewTimeFrame(label, today.AddDate(0, 0, -29), today)
	case TimeFrameRangeLabelLast90Days:
		return NewTimeFrame(label, today.AddDate(0, 0, -89), today)
	case TimeFrameRangeLabelMonthToDate:
		return NewTimeFrame(label, firstOfMonth(today), today)
	case TimeFrameRangeLabelLastMonth:
		first := firstOfMonth(today).AddDate(0, -1, 0)
		return NewTimeFrame(label, first, firstOfMonth(today).AddDate(0, 0, -1))
	case TimeFrameRangeLabelCustom:
		return nil, &InvalidRangeError{Value: string(label), Reason: "custom ranges require from and to dates"}
	default:
		return nil, &InvalidRangeError{Value: string(label), Reason: "unknown range label"}
	}
}

func (p *TimeFrameParser) parseCustomDateRange(params TimeFrameParserParams) (*TimeFrame, error) {
	if params.FromDate == "" || params.ToDate == "" {
		return nil, &InvalidRangeError{Value: params.FromDate + ".." + params.ToDate, Reason: "both from and to are required"}
	}

	from, err := time.Parse(DayKeyLayout, params.FromDate)
	if err != nil {
		return nil, &InvalidRangeError{Value: params.FromDate, Reason: "from must be YYYY-MM-DD"}
	}
	to, err := time.Parse(DayKeyLayout, params.ToDate)
	if err != nil {
		return nil, &InvalidRangeError{Value: params.ToDate, Reason: "to must be YYYY-MM-DD"}
	}

	tf, err := NewTimeFrame(TimeFrameRangeLabelCustom, from, to)
	if err != nil {
		return nil, err
	}
	if tf.Days() > MaxCustomDays {
		return nil, &InvalidRangeError{Value: params.FromDate + ".." + params.ToDate, Reason: "range is too long"}
	}
	return tf, nil
}

// CurrentMonth returns the frame covering the calendar month containing now.
func CurrentMonth(now time.Time) *TimeFrame {
	first := firstOfMonth(startOfDay(now))
	tf, _ := NewTimeFrame(TimeFrameRangeLabelMonthToDate, first, first.AddDate(0, 1, -1))
	return tf
}

func firstOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
